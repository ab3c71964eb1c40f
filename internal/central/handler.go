package central

import (
	"fmt"
	"log/slog"
)

// HandleEvent applies one transport callback. It is installed as the
// transport's handler by NewManager and may be called from any goroutine.
func (m *Manager) HandleEvent(ev Event) {
	var fx effects
	m.mu.Lock()
	switch e := ev.(type) {
	case AdvertisementReceived:
		m.onAdvertisement(&fx, e)
	case ConnectSucceeded:
		m.onConnected(&fx, e)
	case ConnectFailed:
		if m.ownsLink(e.Address) {
			slog.Error("[BLE] failed to connect", "address", e.Address, "error", e.Err)
			m.linkDown(&fx, e.Err)
		}
	case Disconnected:
		if m.ownsLink(e.Address) {
			slog.Warn("[BLE] disconnected", "address", e.Address, "error", e.Err)
			m.linkDown(&fx, e.Err)
		}
	case ServicesDiscovered:
		m.onServices(&fx, e)
	case CharacteristicsDiscovered:
		m.onCharacteristics(&fx, e)
	case ValueUpdated:
		m.onValue(&fx, e)
	case WriteCompleted:
		m.onWrite(&fx, e)
	case NotifyStateChanged:
		m.onNotifyState(e)
	case PowerStateChanged:
		m.onPower(&fx, e)
	case ScanEnded:
		m.onScanEnded(&fx, e)
	default:
		slog.Warn("[BLE] unhandled transport event", "type", fmt.Sprintf("%T", ev))
	}
	m.mu.Unlock()
	fx.run()
}

// ownsLink reports whether a link event concerns the held peripheral. With
// no peripheral held every link event is accepted.
func (m *Manager) ownsLink(address string) bool {
	if m.peripheral == "" || address == "" {
		return true
	}
	addr, err := NormalizeAddress(address)
	if err != nil || addr != m.peripheral {
		slog.Debug("[BLE] ignoring event for other device", "address", address)
		return false
	}
	return true
}

// fromPeripheral is ownsLink for GATT events, which require a held link.
func (m *Manager) fromPeripheral(address string) bool {
	if m.link != StateConnected {
		slog.Debug("[BLE] ignoring gatt event while not connected", "address", address)
		return false
	}
	return m.ownsLink(address)
}

func (m *Manager) onAdvertisement(fx *effects, e AdvertisementReceived) {
	if !m.scanning {
		return
	}
	addr, err := NormalizeAddress(e.Address)
	if err != nil {
		slog.Debug("[BLE] ignoring advertisement", "error", err)
		return
	}
	e.Address = addr
	if len(e.ServiceData) > 0 {
		data := make(map[string][]byte, len(e.ServiceData))
		for k, v := range e.ServiceData {
			id, err := NormalizeUUID(k)
			if err != nil {
				slog.Debug("[BLE] ignoring service data", "address", addr, "error", err)
				continue
			}
			data[id] = v
		}
		e.ServiceData = data
	}

	dev, ok := m.registry.Observe(e)
	if !ok {
		return
	}
	slog.Debug("[BLE] discovered", "address", dev.Address, "name", dev.DisplayName(), "rssi", dev.RSSI)
	fx.emit(func() { m.events.OnScan(dev) })
}

func (m *Manager) onConnected(fx *effects, e ConnectSucceeded) {
	if m.link != StateConnecting || !m.ownsLink(e.Address) {
		slog.Warn("[BLE] unexpected connect callback", "address", e.Address, "state", m.link)
		m.dropStrayLink(e.Address)
		return
	}
	if m.scanning || m.scanInterrupted {
		if m.scanning {
			if err := m.transport.StopScan(); err != nil {
				slog.Warn("[BLE] stop scan failed", "error", err)
			}
		}
		m.scanning = false
		m.scanInterrupted = false
		fx.emit(func() { m.events.OnEvent(EventScanStopped) })
	}
	m.link = StateConnected
	slog.Info("[BLE] connected", "address", m.peripheral)
	if sink, ok := m.pending.take(OpConnect); ok {
		fx.resolve(sink, Result{OK: true})
	}
	fx.emit(func() { m.events.OnEvent(EventConnected) })
}

// dropStrayLink disconnects a link the transport brought up that the Manager
// does not hold, such as an attempt that already timed out.
func (m *Manager) dropStrayLink(address string) {
	addr, err := NormalizeAddress(address)
	if err != nil || addr == m.peripheral {
		return
	}
	slog.Info("[BLE] dropping stray link", "address", addr)
	if err := m.transport.Disconnect(addr); err != nil {
		slog.Warn("[BLE] disconnect stray link failed", "address", addr, "error", err)
	}
}

func (m *Manager) onServices(fx *effects, e ServicesDiscovered) {
	if !m.fromPeripheral(e.Address) {
		return
	}
	if m.pending.kind() != OpDiscoverServices {
		slog.Warn("[BLE] services reported without a discovery request", "address", e.Address)
		return
	}
	if e.Err != nil {
		m.failPending(fx, OpDiscoverServices, fmt.Errorf("central: discover services: %w", e.Err))
		return
	}

	ids := make([]string, 0, len(e.ServiceIDs))
	for _, raw := range e.ServiceIDs {
		id, err := NormalizeUUID(raw)
		if err != nil {
			slog.Warn("[BLE] skipping service", "error", err)
			continue
		}
		ids = append(ids, id)
	}
	m.catalog.Begin(ids)
	slog.Debug("[BLE] services discovered", "count", len(ids))

	if m.catalog.Complete() {
		m.finishDiscovery(fx)
		return
	}
	for _, id := range m.catalog.Pending() {
		if err := m.transport.DiscoverCharacteristics(m.peripheral, id); err != nil {
			m.failPending(fx, OpDiscoverServices, fmt.Errorf("central: discover characteristics of %s: %w", id, err))
			return
		}
	}
}

func (m *Manager) onCharacteristics(fx *effects, e CharacteristicsDiscovered) {
	if !m.fromPeripheral(e.Address) {
		return
	}
	if m.pending.kind() != OpDiscoverServices {
		slog.Debug("[BLE] characteristics reported outside discovery", "service", e.ServiceID)
		return
	}
	svc, err := NormalizeUUID(e.ServiceID)
	if err != nil {
		slog.Warn("[BLE] skipping characteristics", "error", err)
		return
	}
	if e.Err != nil {
		m.failPending(fx, OpDiscoverServices, fmt.Errorf("central: discover characteristics of %s: %w", svc, e.Err))
		return
	}

	chars := make([]CharacteristicInfo, 0, len(e.Characteristics))
	for _, c := range e.Characteristics {
		id, err := NormalizeUUID(c.ID)
		if err != nil {
			slog.Warn("[BLE] skipping characteristic", "service", svc, "error", err)
			continue
		}
		chars = append(chars, CharacteristicInfo{ID: id, Properties: c.Properties})
	}
	if !m.catalog.AddCharacteristics(svc, chars) {
		slog.Debug("[BLE] characteristics for unknown service", "service", svc)
		return
	}

	if !m.catalog.Complete() {
		slog.Debug("[BLE] waiting for services", "pending", m.catalog.Pending())
		return
	}
	m.finishDiscovery(fx)
}

func (m *Manager) finishDiscovery(fx *effects) {
	sink, ok := m.pending.take(OpDiscoverServices)
	if !ok {
		return
	}
	services := m.catalog.Snapshot()
	slog.Info("[BLE] discovery finished", "services", len(services))
	fx.resolve(sink, Result{OK: true, Services: services})
}

func (m *Manager) onValue(fx *effects, e ValueUpdated) {
	if !m.fromPeripheral(e.Address) {
		return
	}
	svc, _ := NormalizeUUID(e.ServiceID)
	chr, _ := NormalizeUUID(e.CharacteristicID)
	if e.Err != nil {
		slog.Error("[BLE] error reading value", "characteristic", chr, "error", e.Err)
		if sink, ok := m.pending.takeFor(OpRead, charKey{svc, chr}); ok {
			fx.resolve(sink, failure(fmt.Errorf("central: read: %w", e.Err)))
		}
		return
	}

	notifying := e.Notification
	if ch, err := m.catalog.Lookup(svc, chr); err == nil && ch.Notifying {
		notifying = true
	}
	value := append([]byte{}, e.Value...)

	if notifying {
		ev := NotifyEvent{ServiceUUID: svc, CharacteristicUUID: chr, Value: value}
		fx.emit(func() { m.events.OnNotify(ev) })
		return
	}
	sink, ok := m.pending.takeFor(OpRead, charKey{svc, chr})
	if !ok {
		slog.Debug("[BLE] unsolicited value", "characteristic", chr)
		return
	}
	fx.resolve(sink, Result{OK: true, Value: value})
}

func (m *Manager) onWrite(fx *effects, e WriteCompleted) {
	if !m.fromPeripheral(e.Address) {
		return
	}
	sink, ok := m.pending.take(OpWrite)
	if !ok {
		slog.Debug("[BLE] write completion without a pending write", "characteristic", e.CharacteristicID)
		return
	}
	if e.Err != nil {
		slog.Error("[BLE] error writing value", "characteristic", e.CharacteristicID, "error", e.Err)
		fx.resolve(sink, failure(fmt.Errorf("central: write: %w", e.Err)))
		return
	}
	slog.Debug("[BLE] payload sent", "characteristic", e.CharacteristicID)
	fx.resolve(sink, Result{OK: true})
}

func (m *Manager) onNotifyState(e NotifyStateChanged) {
	if !m.fromPeripheral(e.Address) {
		return
	}
	if e.Err != nil {
		slog.Error("[BLE] error updating notification state", "characteristic", e.CharacteristicID, "error", e.Err)
		return
	}
	svc, _ := NormalizeUUID(e.ServiceID)
	chr, _ := NormalizeUUID(e.CharacteristicID)
	ch, err := m.catalog.Lookup(svc, chr)
	if err != nil {
		slog.Debug("[BLE] notification state for unknown characteristic", "characteristic", chr)
		return
	}
	ch.Notifying = e.Enabled
	if e.Enabled {
		slog.Info("[BLE] notification started", "characteristic", chr)
	} else {
		slog.Info("[BLE] notification stopped", "characteristic", chr)
	}
}

func (m *Manager) onPower(fx *effects, e PowerStateChanged) {
	slog.Info("[BLE] power state changed", "power", e.State)
	if e.State == PowerOn || !m.scanning {
		return
	}
	m.scanning = false
	fx.emit(func() { m.events.OnEvent(EventScanStopped) })
}

// onScanEnded handles discovery that the radio stopped on its own.
func (m *Manager) onScanEnded(fx *effects, e ScanEnded) {
	if !m.scanning {
		return
	}
	slog.Warn("[BLE] scan ended", "error", e.Err)
	m.scanning = false
	fx.emit(func() { m.events.OnEvent(EventScanStopped) })
}
