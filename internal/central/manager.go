package central

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/chaz8081/blecentral/internal/authz"
)

// ConnectionState is the externally visible state of the Manager.
type ConnectionState int

const (
	StateDisconnected ConnectionState = iota
	StateScanning
	StateConnecting
	StateConnected
)

func (s ConnectionState) String() string {
	switch s {
	case StateScanning:
		return "SCANNING"
	case StateConnecting:
		return "CONNECTING"
	case StateConnected:
		return "CONNECTED"
	default:
		return "DISCONNECTED"
	}
}

// Options configures the Manager.
type Options struct {
	// OperationTimeout bounds every deferred operation. Zero waits forever.
	OperationTimeout time.Duration
	// ClearRegistryOnScan forgets previously discovered devices when a new
	// scan starts.
	ClearRegistryOnScan bool
}

// DefaultOptions returns sensible defaults.
func DefaultOptions() Options {
	return Options{OperationTimeout: 30 * time.Second}
}

// Manager is the connection state machine. It owns the single peripheral
// link, the device registry and the service catalog, and pairs caller
// requests with transport callbacks. All methods are safe for concurrent use.
type Manager struct {
	transport Transport
	auth      authz.Authorizer
	events    EventSink
	opts      Options

	mu sync.Mutex
	// link is one of StateDisconnected, StateConnecting, StateConnected.
	// Scanning is tracked separately.
	link            ConnectionState
	scanning        bool
	scanInterrupted bool
	peripheral      string
	registry        *Registry
	catalog         *Catalog
	pending         pendingSlot
}

// NewManager wires a Manager to its collaborators and installs itself as
// the transport's event handler.
func NewManager(transport Transport, auth authz.Authorizer, events EventSink, opts Options) *Manager {
	m := &Manager{
		transport: transport,
		auth:      auth,
		events:    events,
		opts:      opts,
		registry:  NewRegistry(),
		catalog:   NewCatalog(),
	}
	transport.SetHandler(m.HandleEvent)
	return m
}

// State returns the current connection state. An active scan is reported
// only while no link exists.
func (m *Manager) State() ConnectionState {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.link == StateDisconnected && m.scanning {
		return StateScanning
	}
	return m.link
}

// Scanning reports whether discovery is running.
func (m *Manager) Scanning() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.scanning
}

// Peripheral returns the address of the held peripheral, if any.
func (m *Manager) Peripheral() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.peripheral
}

// Devices returns the devices discovered so far, sorted by address.
func (m *Manager) Devices() []Device {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.registry.Devices()
}

// CheckCapabilities reports the current permission status.
func (m *Manager) CheckCapabilities(ctx context.Context) authz.Capabilities {
	caps, err := m.auth.Capabilities(ctx)
	if err != nil {
		slog.Warn("[BLE] capability query failed", "error", err)
		return authz.Capabilities{}
	}
	return caps
}

// StartScan begins discovery, optionally restricted to one address.
func (m *Manager) StartScan(ctx context.Context, filterAddress string) bool {
	if m.Scanning() {
		return true
	}

	if caps := m.CheckCapabilities(ctx); !caps.CanScan() {
		slog.Warn("[BLE] start scan refused", "error", ErrUnauthorized)
		return false
	}
	if state := m.transport.PowerState(); state != PowerOn {
		slog.Warn("[BLE] start scan refused", "error", ErrPoweredOff, "power", state)
		return false
	}

	var filter string
	if filterAddress != "" {
		addr, err := NormalizeAddress(filterAddress)
		if err != nil {
			slog.Warn("[BLE] start scan refused", "error", err)
			return false
		}
		filter = addr
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.scanning {
		return true
	}
	if m.opts.ClearRegistryOnScan {
		m.registry.Clear()
	}
	m.registry.SetFilter(filter)
	if err := m.transport.StartScan(); err != nil {
		slog.Error("[BLE] start scan failed", "error", err)
		return false
	}
	m.scanning = true
	slog.Info("[BLE] scanning", "filter", filter)
	return true
}

// StopScan halts discovery. The connection state is left untouched.
func (m *Manager) StopScan() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.scanning {
		return true
	}
	if err := m.transport.StopScan(); err != nil {
		slog.Warn("[BLE] stop scan failed", "error", err)
	}
	m.scanning = false
	slog.Info("[BLE] scan stopped")
	return true
}

// Connect opens a link to a discovered device. The outcome is delivered to
// sink once the transport reports success or failure.
func (m *Manager) Connect(address string, sink Sink) {
	var fx effects
	m.mu.Lock()
	m.connect(&fx, address, sink)
	m.mu.Unlock()
	fx.run()
}

func (m *Manager) connect(fx *effects, address string, sink Sink) {
	addr, err := NormalizeAddress(address)
	if err != nil {
		m.reject(fx, OpConnect, sink, err)
		return
	}
	if m.link != StateDisconnected {
		m.reject(fx, OpConnect, sink, ErrAlreadyConnected)
		return
	}
	if m.pending.busy() {
		m.reject(fx, OpConnect, sink, ErrBusy)
		return
	}
	if _, ok := m.registry.Lookup(addr); !ok {
		m.reject(fx, OpConnect, sink, fmt.Errorf("%w: %s", ErrUnknownDevice, addr))
		return
	}

	if m.scanning {
		if err := m.transport.StopScan(); err != nil {
			slog.Warn("[BLE] stop scan before connect failed", "error", err)
		}
		m.scanning = false
		m.scanInterrupted = true
	}

	m.link = StateConnecting
	m.peripheral = addr
	m.park(OpConnect, charKey{}, sink)
	slog.Info("[BLE] connecting", "address", addr)

	if err := m.transport.Connect(addr); err != nil {
		slog.Error("[BLE] connect failed", "address", addr, "error", err)
		m.linkDown(fx, err)
	}
}

// Disconnect asks the transport to drop the held link. It never waits for
// the disconnect callback.
func (m *Manager) Disconnect() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.peripheral == "" {
		return true
	}
	if err := m.transport.Disconnect(m.peripheral); err != nil {
		slog.Warn("[BLE] disconnect failed", "address", m.peripheral, "error", err)
	}
	return true
}

// DiscoverServices enumerates the services and characteristics of the
// connected peripheral and delivers the full catalog to sink.
func (m *Manager) DiscoverServices(sink Sink) {
	var fx effects
	m.mu.Lock()
	m.discoverServices(&fx, sink)
	m.mu.Unlock()
	fx.run()
}

func (m *Manager) discoverServices(fx *effects, sink Sink) {
	if m.link != StateConnected {
		m.reject(fx, OpDiscoverServices, sink, ErrNotConnected)
		return
	}
	if m.pending.busy() {
		m.reject(fx, OpDiscoverServices, sink, ErrBusy)
		return
	}
	m.catalog.Reset()
	m.park(OpDiscoverServices, charKey{}, sink)
	if err := m.transport.DiscoverServices(m.peripheral); err != nil {
		m.failPending(fx, OpDiscoverServices, fmt.Errorf("central: discover services: %w", err))
	}
}

// MaxWriteLength returns the negotiated write-with-response payload size.
func (m *Manager) MaxWriteLength() (int, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.link != StateConnected {
		slog.Warn("[BLE] mtu query refused", "error", ErrNotConnected)
		return 0, false
	}
	n, err := m.transport.MaxWriteLength(m.peripheral)
	if err != nil {
		slog.Warn("[BLE] mtu query failed", "error", err)
		return 0, false
	}
	return n, true
}

// WriteCharacteristic writes payload to a discovered characteristic. A
// write without response resolves as soon as the transport accepts it.
func (m *Manager) WriteCharacteristic(serviceUUID, charUUID string, payload []byte, withResponse bool, sink Sink) {
	var fx effects
	m.mu.Lock()
	m.write(&fx, serviceUUID, charUUID, payload, withResponse, sink)
	m.mu.Unlock()
	fx.run()
}

func (m *Manager) write(fx *effects, serviceUUID, charUUID string, payload []byte, withResponse bool, sink Sink) {
	if payload == nil {
		m.reject(fx, OpWrite, sink, fmt.Errorf("%w: payload", ErrMissingArgument))
		return
	}
	svc, chr, _, err := m.resolve(serviceUUID, charUUID)
	if err != nil {
		m.reject(fx, OpWrite, sink, err)
		return
	}

	if !withResponse {
		if err := m.transport.Write(m.peripheral, svc, chr, payload, false); err != nil {
			m.reject(fx, OpWrite, sink, err)
			return
		}
		slog.Debug("[BLE] payload sent without response", "characteristic", chr)
		fx.resolve(sink, Result{OK: true})
		return
	}

	if m.pending.busy() {
		m.reject(fx, OpWrite, sink, ErrBusy)
		return
	}
	m.park(OpWrite, charKey{svc, chr}, sink)
	if err := m.transport.Write(m.peripheral, svc, chr, payload, true); err != nil {
		m.failPending(fx, OpWrite, fmt.Errorf("central: write: %w", err))
	}
}

// ReadCharacteristic reads a discovered characteristic. Characteristics
// with notifications enabled cannot be read.
func (m *Manager) ReadCharacteristic(serviceUUID, charUUID string, sink Sink) {
	var fx effects
	m.mu.Lock()
	m.read(&fx, serviceUUID, charUUID, sink)
	m.mu.Unlock()
	fx.run()
}

func (m *Manager) read(fx *effects, serviceUUID, charUUID string, sink Sink) {
	svc, chr, ch, err := m.resolve(serviceUUID, charUUID)
	if err != nil {
		m.reject(fx, OpRead, sink, err)
		return
	}
	if ch.Notifying {
		m.reject(fx, OpRead, sink, ErrNotifying)
		return
	}
	if m.pending.busy() {
		m.reject(fx, OpRead, sink, ErrBusy)
		return
	}
	m.park(OpRead, charKey{svc, chr}, sink)
	if err := m.transport.Read(m.peripheral, svc, chr); err != nil {
		m.failPending(fx, OpRead, fmt.Errorf("central: read: %w", err))
	}
}

// StartNotify enables notifications. The transport's confirmation is only
// logged.
func (m *Manager) StartNotify(serviceUUID, charUUID string) bool {
	return m.setNotify(serviceUUID, charUUID, true)
}

// StopNotify disables notifications.
func (m *Manager) StopNotify(serviceUUID, charUUID string) bool {
	return m.setNotify(serviceUUID, charUUID, false)
}

func (m *Manager) setNotify(serviceUUID, charUUID string, enabled bool) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	svc, chr, _, err := m.resolve(serviceUUID, charUUID)
	if err != nil {
		slog.Warn("[BLE] notify refused", "enable", enabled, "error", err)
		return false
	}
	if err := m.transport.SetNotify(m.peripheral, svc, chr, enabled); err != nil {
		slog.Warn("[BLE] notify failed", "enable", enabled, "error", err)
		return false
	}
	slog.Info("[BLE] notify requested", "characteristic", chr, "enable", enabled)
	return true
}

// resolve validates identifiers and locates the characteristic in the
// catalog of the connected peripheral. Caller must hold mu.
func (m *Manager) resolve(serviceUUID, charUUID string) (string, string, *Characteristic, error) {
	svc, err := NormalizeUUID(serviceUUID)
	if err != nil {
		return "", "", nil, fmt.Errorf("service: %w", err)
	}
	chr, err := NormalizeUUID(charUUID)
	if err != nil {
		return "", "", nil, fmt.Errorf("characteristic: %w", err)
	}
	if m.link != StateConnected {
		return "", "", nil, ErrNotConnected
	}
	ch, err := m.catalog.Lookup(svc, chr)
	if err != nil {
		return "", "", nil, err
	}
	return svc, chr, ch, nil
}

// reject logs a precondition failure and resolves sink to failure.
func (m *Manager) reject(fx *effects, kind OpKind, sink Sink, err error) {
	slog.Warn("[BLE] request refused", "op", kind, "error", err)
	fx.resolve(sink, failure(err))
}

// park installs sink as the pending operation and arms its timeout.
func (m *Manager) park(kind OpKind, target charKey, sink Sink) {
	token := m.pending.install(kind, target, sink)
	if m.opts.OperationTimeout > 0 {
		t := time.AfterFunc(m.opts.OperationTimeout, func() { m.expire(token) })
		m.pending.arm(token, t)
	}
}

// failPending resolves the pending operation of kind to failure.
func (m *Manager) failPending(fx *effects, kind OpKind, err error) {
	sink, ok := m.pending.take(kind)
	if !ok {
		return
	}
	slog.Error("[BLE] operation failed", "op", kind, "error", err)
	if kind == OpDiscoverServices {
		m.catalog.Reset()
	}
	fx.resolve(sink, failure(err))
}

func (m *Manager) expire(token uint64) {
	var fx effects
	m.mu.Lock()
	sink, kind, ok := m.pending.takeToken(token)
	if ok {
		slog.Error("[BLE] operation timed out", "op", kind, "timeout", m.opts.OperationTimeout)
		fx.resolve(sink, failure(ErrTimeout))
		switch kind {
		case OpConnect:
			// Abandon the attempt. A late success is torn down by
			// onConnected.
			if err := m.transport.Disconnect(m.peripheral); err != nil {
				slog.Warn("[BLE] cancel connect failed", "error", err)
			}
			m.linkDown(&fx, ErrTimeout)
		case OpDiscoverServices:
			m.catalog.Reset()
		}
	}
	m.mu.Unlock()
	fx.run()
}

// linkDown clears the link and resolves whatever is pending to failure.
// Caller must hold mu.
func (m *Manager) linkDown(fx *effects, cause error) {
	if m.scanInterrupted {
		m.scanInterrupted = false
		fx.emit(func() { m.events.OnEvent(EventScanStopped) })
	}
	m.link = StateDisconnected
	m.peripheral = ""
	m.catalog.Reset()
	fx.emit(func() { m.events.OnEvent(EventDisconnected) })
	if sink, kind, ok := m.pending.takeAny(); ok {
		err := ErrLinkLost
		if cause != nil {
			err = fmt.Errorf("%w: %v", ErrLinkLost, cause)
		}
		slog.Warn("[BLE] pending operation aborted", "op", kind, "error", err)
		fx.resolve(sink, failure(err))
	}
}
