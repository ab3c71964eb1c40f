// Package authz answers the permission and availability questions the BLE
// core asks before scanning.
package authz

import "context"

// Capabilities mirrors the permission set a caller can query.
type Capabilities struct {
	Location             bool
	Bluetooth            bool
	BluetoothAdminOrScan bool
	BluetoothConnect     bool
}

// CanScan reports whether scanning is permitted.
func (c Capabilities) CanScan() bool {
	return c.Bluetooth && c.BluetoothAdminOrScan
}

// Authorizer queries the platform for the current capabilities.
type Authorizer interface {
	Capabilities(ctx context.Context) (Capabilities, error)
}

// Static is an Authorizer that always reports the same capabilities.
type Static Capabilities

// AllowAll grants every capability.
var AllowAll = Static{Location: true, Bluetooth: true, BluetoothAdminOrScan: true, BluetoothConnect: true}

func (s Static) Capabilities(context.Context) (Capabilities, error) {
	return Capabilities(s), nil
}
