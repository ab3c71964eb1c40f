// Package central is the control core of a BLE central-role client. It
// sequences scan, connect, service discovery and characteristic I/O against
// a single peripheral and pairs the transport's asynchronous callbacks with
// the caller requests that are waiting on them.
package central

// PowerState is the radio power state reported by a Transport.
type PowerState int

const (
	PowerUnknown PowerState = iota
	PowerOff
	PowerOn
	PowerUnsupported
	PowerUnauthorized
)

func (p PowerState) String() string {
	switch p {
	case PowerOff:
		return "off"
	case PowerOn:
		return "on"
	case PowerUnsupported:
		return "unsupported"
	case PowerUnauthorized:
		return "unauthorized"
	default:
		return "unknown"
	}
}

// Transport abstracts the platform BLE stack. Every command returns as soon
// as it has been handed to the radio; results arrive later as Events passed
// to the handler installed with SetHandler.
type Transport interface {
	// SetHandler installs the callback that receives all transport events.
	SetHandler(handler func(Event))
	// PowerState reports whether the radio is usable.
	PowerState() PowerState
	// StartScan begins peripheral discovery.
	StartScan() error
	// StopScan halts peripheral discovery.
	StopScan() error
	// Connect opens a link to the peripheral with the given address.
	Connect(address string) error
	// Disconnect terminates the link to the given peripheral.
	Disconnect(address string) error
	// DiscoverServices enumerates all services of a connected peripheral.
	DiscoverServices(address string) error
	// DiscoverCharacteristics enumerates the characteristics of one service.
	DiscoverCharacteristics(address, serviceID string) error
	// MaxWriteLength returns the largest write-with-response payload.
	MaxWriteLength(address string) (int, error)
	// Write sends payload to a characteristic.
	Write(address, serviceID, charID string, payload []byte, withResponse bool) error
	// Read requests the current value of a characteristic.
	Read(address, serviceID, charID string) error
	// SetNotify enables or disables notifications on a characteristic.
	SetNotify(address, serviceID, charID string, enabled bool) error
}

// Event is a callback delivered by a Transport. The set of implementations
// is closed; Manager.HandleEvent switches over all of them.
type Event interface {
	isEvent()
}

// AdvertisementReceived reports one advertisement seen while scanning.
type AdvertisementReceived struct {
	Address          string
	Name             string
	RSSI             int
	ManufacturerData []byte
	// ServiceData maps service UUID strings to their advertised payloads.
	ServiceData map[string][]byte
}

// ConnectSucceeded reports that a link to Address is up.
type ConnectSucceeded struct {
	Address string
}

// ConnectFailed reports that a link to Address could not be established.
type ConnectFailed struct {
	Address string
	Err     error
}

// Disconnected reports link loss or a completed disconnect.
type Disconnected struct {
	Address string
	Err     error
}

// ServicesDiscovered carries the service list of the connected peripheral.
type ServicesDiscovered struct {
	Address    string
	ServiceIDs []string
	Err        error
}

// CharacteristicInfo describes one characteristic reported by discovery.
type CharacteristicInfo struct {
	ID         string
	Properties Property
}

// CharacteristicsDiscovered carries the characteristics of one service.
type CharacteristicsDiscovered struct {
	Address         string
	ServiceID       string
	Characteristics []CharacteristicInfo
	Err             error
}

// ValueUpdated carries a read result or a notification value.
type ValueUpdated struct {
	Address          string
	ServiceID        string
	CharacteristicID string
	Value            []byte
	// Notification is set by transports that can tell a pushed value
	// apart from a read response.
	Notification bool
	Err          error
}

// WriteCompleted reports the outcome of a write-with-response.
type WriteCompleted struct {
	Address          string
	ServiceID        string
	CharacteristicID string
	Err              error
}

// NotifyStateChanged confirms a notification enable/disable request.
type NotifyStateChanged struct {
	Address          string
	ServiceID        string
	CharacteristicID string
	Enabled          bool
	Err              error
}

// PowerStateChanged reports a radio power transition.
type PowerStateChanged struct {
	State PowerState
}

// ScanEnded reports that discovery stopped without a StopScan request, for
// example because the adapter lost power.
type ScanEnded struct {
	Err error
}

func (AdvertisementReceived) isEvent()     {}
func (ConnectSucceeded) isEvent()          {}
func (ConnectFailed) isEvent()             {}
func (Disconnected) isEvent()              {}
func (ServicesDiscovered) isEvent()        {}
func (CharacteristicsDiscovered) isEvent() {}
func (ValueUpdated) isEvent()              {}
func (WriteCompleted) isEvent()            {}
func (NotifyStateChanged) isEvent()        {}
func (PowerStateChanged) isEvent()         {}
func (ScanEnded) isEvent()                 {}
