package central

import (
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/godbus/dbus/v5"
	"tinygo.org/x/bluetooth"
)

const (
	bluezService        = "org.bluez"
	bluezAdapter1       = "org.bluez.Adapter1"
	bluezGattService1   = "org.bluez.GattService1"
	bluezGattChar1      = "org.bluez.GattCharacteristic1"
	dbusProperties      = "org.freedesktop.DBus.Properties"
	dbusPropertiesChg   = dbusProperties + ".PropertiesChanged"
	dbusGetManagedObjs  = "org.freedesktop.DBus.ObjectManager.GetManagedObjects"
	bluezWriteValue     = bluezGattChar1 + ".WriteValue"
	bluezAdapterPowered = bluezAdapter1 + ".Powered"
)

// bluezBus is the subset of a D-Bus connection bluezGATT needs.
type bluezBus interface {
	Object(dest string, path dbus.ObjectPath) dbus.BusObject
	AddMatchSignal(options ...dbus.MatchOption) error
	RemoveMatchSignal(options ...dbus.MatchOption) error
	Signal(ch chan<- *dbus.Signal)
	RemoveSignal(ch chan<- *dbus.Signal)
}

type managedObjects = map[dbus.ObjectPath]map[string]map[string]dbus.Variant

// bluezChar is what BlueZ publishes for one remote characteristic.
type bluezChar struct {
	path  dbus.ObjectPath
	flags []string
	mtu   uint16
}

// bluezGATT talks to BlueZ directly for what the driver leaves out on
// Linux: write requests, characteristic flags, the link MTU without prior
// discovery, and adapter power changes.
type bluezGATT struct {
	bus     bluezBus
	adapter dbus.ObjectPath

	mu    sync.Mutex
	chars map[string]map[charKey]bluezChar // by peripheral address
	stop  func()
}

func newBlueZGATT(bus bluezBus, adapterID string) *bluezGATT {
	return &bluezGATT{
		bus:     bus,
		adapter: dbus.ObjectPath("/org/bluez/" + adapterID),
		chars:   make(map[string]map[charKey]bluezChar),
	}
}

// devicePath is where BlueZ publishes the peripheral, e.g.
// /org/bluez/hci0/dev_AA_BB_CC_DD_EE_01.
func (g *bluezGATT) devicePath(address string) dbus.ObjectPath {
	return dbus.ObjectPath(string(g.adapter) + "/dev_" + strings.ReplaceAll(strings.ToUpper(address), ":", "_"))
}

// load reads the GATT tree BlueZ resolved for address.
func (g *bluezGATT) load(address string) (map[charKey]bluezChar, error) {
	var objects managedObjects
	root := g.bus.Object(bluezService, "/")
	if err := root.Call(dbusGetManagedObjs, 0).Store(&objects); err != nil {
		return nil, fmt.Errorf("central: list bluez objects: %w", err)
	}

	prefix := string(g.devicePath(address)) + "/"
	services := make(map[dbus.ObjectPath]string)
	for path, ifaces := range objects {
		props, ok := ifaces[bluezGattService1]
		if !ok || !strings.HasPrefix(string(path), prefix) {
			continue
		}
		raw, _ := props["UUID"].Value().(string)
		if id, err := NormalizeUUID(raw); err == nil {
			services[path] = id
		}
	}

	chars := make(map[charKey]bluezChar)
	for path, ifaces := range objects {
		props, ok := ifaces[bluezGattChar1]
		if !ok || !strings.HasPrefix(string(path), prefix) {
			continue
		}
		svcPath, _ := props["Service"].Value().(dbus.ObjectPath)
		svc, ok := services[svcPath]
		if !ok {
			continue
		}
		raw, _ := props["UUID"].Value().(string)
		id, err := NormalizeUUID(raw)
		if err != nil {
			continue
		}
		ch := bluezChar{path: path}
		ch.flags, _ = props["Flags"].Value().([]string)
		ch.mtu, _ = props["MTU"].Value().(uint16)
		chars[charKey{svc, id}] = ch
	}

	g.mu.Lock()
	g.chars[address] = chars
	g.mu.Unlock()
	return chars, nil
}

// lookup returns the characteristic at key, reloading the tree once on a
// miss.
func (g *bluezGATT) lookup(address string, key charKey) (bluezChar, error) {
	g.mu.Lock()
	ch, ok := g.chars[address][key]
	g.mu.Unlock()
	if ok {
		return ch, nil
	}
	chars, err := g.load(address)
	if err != nil {
		return bluezChar{}, err
	}
	if ch, ok := chars[key]; ok {
		return ch, nil
	}
	return bluezChar{}, fmt.Errorf("central: %w: %s", ErrCharacteristicNotFound, key.char)
}

// forget drops the cached tree of address.
func (g *bluezGATT) forget(address string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.chars, address)
}

// write issues a write request and returns once the peripheral answered.
func (g *bluezGATT) write(address string, key charKey, _ *bluetooth.DeviceCharacteristic, data []byte) error {
	ch, err := g.lookup(address, key)
	if err != nil {
		return err
	}
	opts := map[string]dbus.Variant{"type": dbus.MakeVariant("request")}
	if err := g.bus.Object(bluezService, ch.path).Call(bluezWriteValue, 0, data, opts).Err; err != nil {
		return fmt.Errorf("central: write %s: %w", key.char, err)
	}
	return nil
}

func (g *bluezGATT) properties(address string, key charKey, _ *bluetooth.DeviceCharacteristic) Property {
	ch, err := g.lookup(address, key)
	if err != nil {
		slog.Debug("[BLE] characteristic flags unavailable", "characteristic", key.char, "error", err)
		return 0
	}
	return propertiesFromFlags(ch.flags)
}

// mtu reads the ATT MTU BlueZ reports on any characteristic of the link,
// so it works before the caller ran discovery.
func (g *bluezGATT) mtu(address string, _ *tinyConn) (uint16, error) {
	chars, err := g.load(address)
	if err != nil {
		return 0, err
	}
	for _, ch := range chars {
		if ch.mtu > 0 {
			return ch.mtu, nil
		}
	}
	return 0, fmt.Errorf("central: mtu: bluez reports no mtu for %s", address)
}

func (g *bluezGATT) powered() (bool, error) {
	v, err := g.bus.Object(bluezService, g.adapter).GetProperty(bluezAdapterPowered)
	if err != nil {
		return false, fmt.Errorf("central: read %s: %w", bluezAdapterPowered, err)
	}
	on, _ := v.Value().(bool)
	return on, nil
}

// watchPower calls onChange whenever the adapter's Powered property flips,
// until close.
func (g *bluezGATT) watchPower(onChange func(powered bool)) error {
	match := []dbus.MatchOption{
		dbus.WithMatchObjectPath(g.adapter),
		dbus.WithMatchInterface(dbusProperties),
		dbus.WithMatchMember("PropertiesChanged"),
	}
	if err := g.bus.AddMatchSignal(match...); err != nil {
		return fmt.Errorf("central: watch adapter power: %w", err)
	}
	signals := make(chan *dbus.Signal, 16)
	g.bus.Signal(signals)

	done := make(chan struct{})
	go func() {
		for {
			select {
			case sig := <-signals:
				if on, ok := adapterPowered(sig, g.adapter); ok {
					onChange(on)
				}
			case <-done:
				return
			}
		}
	}()

	g.mu.Lock()
	g.stop = func() {
		g.bus.RemoveSignal(signals)
		_ = g.bus.RemoveMatchSignal(match...)
		close(done)
	}
	g.mu.Unlock()
	return nil
}

func (g *bluezGATT) close() {
	g.mu.Lock()
	stop := g.stop
	g.stop = nil
	g.mu.Unlock()
	if stop != nil {
		stop()
	}
}

// adapterPowered extracts Adapter1.Powered from a PropertiesChanged signal
// emitted by adapter. The connection is shared with the driver, so other
// signals arrive here too.
func adapterPowered(sig *dbus.Signal, adapter dbus.ObjectPath) (bool, bool) {
	if sig == nil || sig.Path != adapter || sig.Name != dbusPropertiesChg || len(sig.Body) < 2 {
		return false, false
	}
	if iface, _ := sig.Body[0].(string); iface != bluezAdapter1 {
		return false, false
	}
	changed, _ := sig.Body[1].(map[string]dbus.Variant)
	v, ok := changed["Powered"]
	if !ok {
		return false, false
	}
	on, ok := v.Value().(bool)
	return on, ok
}
