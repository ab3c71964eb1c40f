package central

import (
	"encoding/binary"
	"fmt"
	"log/slog"
	"sync"

	"tinygo.org/x/bluetooth"
)

// readBufferSize bounds a single characteristic read (ATT maximum value).
const readBufferSize = 512

// attHeaderSize is subtracted from the MTU to get the write payload size.
const attHeaderSize = 3

// TinyGoTransport implements Transport on top of tinygo-org/bluetooth.
// The driver's calls block, so each command runs on its own goroutine and
// reports back through the event handler. GATT calls against one
// peripheral are serialized because the platform stacks do not tolerate
// overlapping requests.
//
// On macOS peripheral addresses are CoreBluetooth UUIDs, elsewhere MAC
// addresses.
type TinyGoTransport struct {
	adapter   *bluetooth.Adapter
	adapterID string
	backend   gattBackend

	mu       sync.Mutex
	handler  func(Event)
	power    PowerState
	scanning bool
	scanID   uint64
	seen     map[string]bluetooth.Address // normalized address -> driver address
	conns    map[string]*tinyConn
}

// gattBackend fills in the client calls the driver does not offer on
// every platform.
type gattBackend interface {
	// write sends a write request and waits for the response.
	write(address string, key charKey, ch *bluetooth.DeviceCharacteristic, data []byte) error
	properties(address string, key charKey, ch *bluetooth.DeviceCharacteristic) Property
	mtu(address string, c *tinyConn) (uint16, error)
	powered() (bool, error)
	watchPower(onChange func(powered bool)) error
	forget(address string)
	close()
}

type tinyConn struct {
	device *bluetooth.Device

	// gattMu serializes driver calls; mu guards the maps.
	gattMu   sync.Mutex
	mu       sync.Mutex
	services map[string]bluetooth.DeviceService
	// The driver keeps notification state inside the characteristic, so
	// each one is held by pointer for the life of the link.
	chars map[charKey]*bluetooth.DeviceCharacteristic
}

func newTinyConn(device *bluetooth.Device) *tinyConn {
	return &tinyConn{
		device:   device,
		services: make(map[string]bluetooth.DeviceService),
		chars:    make(map[charKey]*bluetooth.DeviceCharacteristic),
	}
}

// putChar stores ch under key and returns the handle later calls use.
// Caller must hold c.mu.
func (c *tinyConn) putChar(key charKey, ch bluetooth.DeviceCharacteristic) *bluetooth.DeviceCharacteristic {
	handle := &ch
	c.chars[key] = handle
	return handle
}

func (c *tinyConn) lookupChar(key charKey) (*bluetooth.DeviceCharacteristic, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	ch, ok := c.chars[key]
	return ch, ok
}

// anyChar returns some discovered characteristic of the link.
func (c *tinyConn) anyChar() (*bluetooth.DeviceCharacteristic, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, ch := range c.chars {
		return ch, true
	}
	return nil, false
}

// NewTinyGoTransport creates a transport on the named adapter. "default"
// picks the platform's default adapter; on Linux any BlueZ adapter id such
// as "hci1" may be given. Call Enable before use.
func NewTinyGoTransport(adapterID string) (*TinyGoTransport, error) {
	adapter, id, err := newAdapter(adapterID)
	if err != nil {
		return nil, err
	}
	return &TinyGoTransport{
		adapter:   adapter,
		adapterID: id,
		power:     PowerUnknown,
		seen:      make(map[string]bluetooth.Address),
		conns:     make(map[string]*tinyConn),
	}, nil
}

// Enable powers on the adapter, registers the link-loss handler and starts
// following the adapter's power state where the platform reports it.
func (t *TinyGoTransport) Enable() error {
	if err := t.adapter.Enable(); err != nil {
		t.setPower(PowerOff)
		return fmt.Errorf("central: enable adapter %s: %w", t.adapterID, err)
	}
	backend, err := newBackend(t.adapterID)
	if err != nil {
		t.setPower(PowerOff)
		return err
	}
	t.backend = backend

	// The driver reports connected=false when a peripheral drops, whether
	// requested or not. Successful connects are reported by Connect itself.
	t.adapter.SetConnectHandler(func(device bluetooth.Device, connected bool) {
		if connected {
			return
		}
		addr, err := NormalizeAddress(device.Address.String())
		if err != nil {
			return
		}
		t.mu.Lock()
		_, ok := t.conns[addr]
		delete(t.conns, addr)
		t.mu.Unlock()
		t.backend.forget(addr)
		if ok {
			t.emit(Disconnected{Address: addr})
		}
	})

	if err := t.backend.watchPower(t.onPowered); err != nil {
		slog.Warn("[BLE] adapter power changes will not be reported", "error", err)
	}
	on, err := t.backend.powered()
	if err != nil {
		slog.Warn("[BLE] could not read adapter power", "error", err)
		on = true
	}
	t.onPowered(on)
	return nil
}

// Close stops following the adapter.
func (t *TinyGoTransport) Close() error {
	if t.backend != nil {
		t.backend.close()
	}
	return nil
}

func (t *TinyGoTransport) onPowered(on bool) {
	if on {
		t.setPower(PowerOn)
		return
	}
	t.setPower(PowerOff)
}

func (t *TinyGoTransport) setPower(state PowerState) {
	t.mu.Lock()
	changed := t.power != state
	t.power = state
	t.mu.Unlock()
	if changed {
		t.emit(PowerStateChanged{State: state})
	}
}

func (t *TinyGoTransport) SetHandler(handler func(Event)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.handler = handler
}

func (t *TinyGoTransport) emit(ev Event) {
	t.mu.Lock()
	h := t.handler
	t.mu.Unlock()
	if h != nil {
		h(ev)
	}
}

func (t *TinyGoTransport) PowerState() PowerState {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.power
}

// StartScan runs the driver's blocking scan in the background. If the
// driver ends it without a StopScan, for instance when the adapter powers
// off, ScanEnded is emitted.
func (t *TinyGoTransport) StartScan() error {
	t.mu.Lock()
	t.scanID++
	id := t.scanID
	t.scanning = true
	t.mu.Unlock()

	go func() {
		err := t.adapter.Scan(func(a *bluetooth.Adapter, result bluetooth.ScanResult) {
			if !t.scanCurrent(id) {
				// A StopScan that ran before the driver started missed it.
				_ = a.StopScan()
				return
			}
			t.onScanResult(result)
		})
		t.mu.Lock()
		ended := t.scanning && t.scanID == id
		if ended {
			t.scanning = false
		}
		t.mu.Unlock()
		if !ended {
			return
		}
		if err != nil {
			slog.Error("[BLE] scan ended with error", "error", err)
		}
		t.emit(ScanEnded{Err: err})
	}()
	return nil
}

func (t *TinyGoTransport) scanCurrent(id uint64) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.scanning && t.scanID == id
}

func (t *TinyGoTransport) onScanResult(result bluetooth.ScanResult) {
	addr, err := NormalizeAddress(result.Address.String())
	if err != nil {
		return
	}
	t.mu.Lock()
	t.seen[addr] = result.Address
	t.mu.Unlock()

	// Manufacturer data is reported the way it appears on air: company
	// identifier little-endian, then payload.
	var mfr []byte
	for _, el := range result.ManufacturerData() {
		mfr = binary.LittleEndian.AppendUint16(mfr, el.CompanyID)
		mfr = append(mfr, el.Data...)
	}

	var svcData map[string][]byte
	if elems := result.ServiceData(); len(elems) > 0 {
		svcData = make(map[string][]byte, len(elems))
		for _, el := range elems {
			id := el.UUID.String()
			svcData[id] = append(svcData[id], el.Data...)
		}
	}

	t.emit(AdvertisementReceived{
		Address:          addr,
		Name:             result.LocalName(),
		RSSI:             int(result.RSSI),
		ManufacturerData: mfr,
		ServiceData:      svcData,
	})
}

func (t *TinyGoTransport) StopScan() error {
	t.mu.Lock()
	t.scanning = false
	t.mu.Unlock()
	if err := t.adapter.StopScan(); err != nil {
		return fmt.Errorf("central: stop scan: %w", err)
	}
	return nil
}

func (t *TinyGoTransport) Connect(address string) error {
	t.mu.Lock()
	addr, ok := t.seen[address]
	t.mu.Unlock()
	if !ok {
		addr.Set(address)
	}

	go func() {
		device, err := t.adapter.Connect(addr, bluetooth.ConnectionParams{})
		if err != nil {
			t.emit(ConnectFailed{Address: address, Err: err})
			return
		}
		conn := newTinyConn(&device)
		t.mu.Lock()
		t.conns[address] = conn
		t.mu.Unlock()
		t.emit(ConnectSucceeded{Address: address})
	}()
	return nil
}

func (t *TinyGoTransport) conn(address string) (*tinyConn, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	c, ok := t.conns[address]
	if !ok {
		return nil, fmt.Errorf("central: %w: %s", ErrNotConnected, address)
	}
	return c, nil
}

func (t *TinyGoTransport) Disconnect(address string) error {
	c, err := t.conn(address)
	if err != nil {
		return err
	}
	go func() {
		if err := c.device.Disconnect(); err != nil {
			slog.Warn("[BLE] driver disconnect failed", "address", address, "error", err)
		}
	}()
	return nil
}

func (t *TinyGoTransport) DiscoverServices(address string) error {
	c, err := t.conn(address)
	if err != nil {
		return err
	}
	t.backend.forget(address)
	go func() {
		c.gattMu.Lock()
		svcs, err := c.device.DiscoverServices(nil)
		c.gattMu.Unlock()
		if err != nil {
			t.emit(ServicesDiscovered{Address: address, Err: err})
			return
		}

		ids := make([]string, 0, len(svcs))
		c.mu.Lock()
		c.services = make(map[string]bluetooth.DeviceService, len(svcs))
		c.chars = make(map[charKey]*bluetooth.DeviceCharacteristic)
		for _, s := range svcs {
			id, err := NormalizeUUID(s.UUID().String())
			if err != nil {
				continue
			}
			c.services[id] = s
			ids = append(ids, id)
		}
		c.mu.Unlock()
		t.emit(ServicesDiscovered{Address: address, ServiceIDs: ids})
	}()
	return nil
}

func (t *TinyGoTransport) DiscoverCharacteristics(address, serviceID string) error {
	c, err := t.conn(address)
	if err != nil {
		return err
	}
	c.mu.Lock()
	svc, ok := c.services[serviceID]
	c.mu.Unlock()
	if !ok {
		return fmt.Errorf("central: %w: %s", ErrServiceNotFound, serviceID)
	}

	go func() {
		c.gattMu.Lock()
		chars, err := svc.DiscoverCharacteristics(nil)
		c.gattMu.Unlock()
		if err != nil {
			t.emit(CharacteristicsDiscovered{Address: address, ServiceID: serviceID, Err: err})
			return
		}

		keys := make([]charKey, 0, len(chars))
		handles := make([]*bluetooth.DeviceCharacteristic, 0, len(chars))
		c.mu.Lock()
		for _, ch := range chars {
			id, err := NormalizeUUID(ch.UUID().String())
			if err != nil {
				continue
			}
			key := charKey{serviceID, id}
			keys = append(keys, key)
			handles = append(handles, c.putChar(key, ch))
		}
		c.mu.Unlock()

		infos := make([]CharacteristicInfo, len(keys))
		for i, key := range keys {
			infos[i] = CharacteristicInfo{ID: key.char, Properties: t.backend.properties(address, key, handles[i])}
		}
		t.emit(CharacteristicsDiscovered{Address: address, ServiceID: serviceID, Characteristics: infos})
	}()
	return nil
}

func (t *TinyGoTransport) char(address, serviceID, charID string) (*tinyConn, *bluetooth.DeviceCharacteristic, error) {
	c, err := t.conn(address)
	if err != nil {
		return nil, nil, err
	}
	ch, ok := c.lookupChar(charKey{serviceID, charID})
	if !ok {
		return nil, nil, fmt.Errorf("central: %w: %s", ErrCharacteristicNotFound, charID)
	}
	return c, ch, nil
}

func (t *TinyGoTransport) MaxWriteLength(address string) (int, error) {
	c, err := t.conn(address)
	if err != nil {
		return 0, err
	}
	mtu, err := t.backend.mtu(address, c)
	if err != nil {
		return 0, fmt.Errorf("central: mtu: %w", err)
	}
	return int(mtu) - attHeaderSize, nil
}

func (t *TinyGoTransport) Write(address, serviceID, charID string, payload []byte, withResponse bool) error {
	c, ch, err := t.char(address, serviceID, charID)
	if err != nil {
		return err
	}
	data := append([]byte{}, payload...)
	go func() {
		c.gattMu.Lock()
		defer c.gattMu.Unlock()
		if !withResponse {
			if _, err := ch.WriteWithoutResponse(data); err != nil {
				slog.Warn("[BLE] write without response failed", "characteristic", charID, "error", err)
			}
			return
		}
		err := t.backend.write(address, charKey{serviceID, charID}, ch, data)
		t.emit(WriteCompleted{Address: address, ServiceID: serviceID, CharacteristicID: charID, Err: err})
	}()
	return nil
}

func (t *TinyGoTransport) Read(address, serviceID, charID string) error {
	c, ch, err := t.char(address, serviceID, charID)
	if err != nil {
		return err
	}
	go func() {
		buf := make([]byte, readBufferSize)
		c.gattMu.Lock()
		n, err := ch.Read(buf)
		c.gattMu.Unlock()
		ev := ValueUpdated{Address: address, ServiceID: serviceID, CharacteristicID: charID, Err: err}
		if err == nil {
			ev.Value = buf[:n]
		}
		t.emit(ev)
	}()
	return nil
}

func (t *TinyGoTransport) SetNotify(address, serviceID, charID string, enabled bool) error {
	c, ch, err := t.char(address, serviceID, charID)
	if err != nil {
		return err
	}
	go func() {
		var cb func([]byte)
		if enabled {
			cb = func(buf []byte) {
				t.emit(ValueUpdated{
					Address:          address,
					ServiceID:        serviceID,
					CharacteristicID: charID,
					Value:            append([]byte{}, buf...),
					Notification:     true,
				})
			}
		}
		c.gattMu.Lock()
		err := ch.EnableNotifications(cb)
		c.gattMu.Unlock()
		t.emit(NotifyStateChanged{Address: address, ServiceID: serviceID, CharacteristicID: charID, Enabled: enabled, Err: err})
	}()
	return nil
}

// Compile-time check that TinyGoTransport implements Transport.
var _ Transport = (*TinyGoTransport)(nil)
