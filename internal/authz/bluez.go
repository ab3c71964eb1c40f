package authz

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/godbus/dbus/v5"
)

const (
	bluezService   = "org.bluez"
	bluezAdapter   = "org.bluez.Adapter1"
	adapterPowered = bluezAdapter + ".Powered"
)

// Bus is the subset of a D-Bus connection BlueZ needs.
type Bus interface {
	Object(dest string, path dbus.ObjectPath) dbus.BusObject
}

// BlueZ derives capabilities from the BlueZ adapter object. On Linux access
// to the system bus is the permission: if the adapter object answers,
// scanning and connecting are allowed. Location permission has no Linux
// equivalent and mirrors the bluetooth permission.
type BlueZ struct {
	bus     Bus
	adapter string
}

// NewBlueZ connects to the system bus. adapter is the HCI name, e.g. "hci0".
func NewBlueZ(adapter string) (*BlueZ, error) {
	conn, err := dbus.SystemBus()
	if err != nil {
		return nil, fmt.Errorf("authz: connect system bus: %w", err)
	}
	return NewBlueZWithBus(conn, adapter), nil
}

// NewBlueZWithBus uses an existing bus connection.
func NewBlueZWithBus(bus Bus, adapter string) *BlueZ {
	if adapter == "" {
		adapter = "hci0"
	}
	return &BlueZ{bus: bus, adapter: adapter}
}

// Capabilities reads Adapter1.Powered. A missing adapter or a denied call
// yields no capabilities; the error is returned for logging.
func (b *BlueZ) Capabilities(ctx context.Context) (Capabilities, error) {
	path := dbus.ObjectPath("/org/bluez/" + b.adapter)
	obj := b.bus.Object(bluezService, path)

	var powered dbus.Variant
	call := obj.CallWithContext(ctx, "org.freedesktop.DBus.Properties.Get", 0, bluezAdapter, "Powered")
	if call.Err != nil {
		return Capabilities{}, fmt.Errorf("authz: read %s on %s: %w", adapterPowered, path, call.Err)
	}
	if err := call.Store(&powered); err != nil {
		return Capabilities{}, fmt.Errorf("authz: decode %s: %w", adapterPowered, err)
	}
	if on, ok := powered.Value().(bool); ok && !on {
		slog.Debug("[AUTHZ] adapter present but powered off", "adapter", b.adapter)
	}
	return Capabilities(AllowAll), nil
}
