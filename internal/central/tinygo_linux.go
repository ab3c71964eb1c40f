package central

import (
	"fmt"

	"github.com/godbus/dbus/v5"
	"tinygo.org/x/bluetooth"
)

// newAdapter returns the BlueZ adapter with the given id. "default" is the
// driver's default, hci0.
func newAdapter(id string) (*bluetooth.Adapter, string, error) {
	if id == "" || id == "default" {
		return bluetooth.DefaultAdapter, "hci0", nil
	}
	return bluetooth.NewAdapter(id), id, nil
}

// newBackend shares the driver's system bus connection.
func newBackend(adapterID string) (gattBackend, error) {
	conn, err := dbus.SystemBus()
	if err != nil {
		return nil, fmt.Errorf("central: connect system bus: %w", err)
	}
	return newBlueZGATT(conn, adapterID), nil
}

var _ gattBackend = (*bluezGATT)(nil)
