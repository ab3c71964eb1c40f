//go:build darwin || windows

package central

import (
	"errors"
	"fmt"
	"runtime"

	"tinygo.org/x/bluetooth"
)

func newAdapter(id string) (*bluetooth.Adapter, string, error) {
	if id != "" && id != "default" {
		return nil, "", fmt.Errorf("central: adapter %q: only the default adapter is available on %s", id, runtime.GOOS)
	}
	return bluetooth.DefaultAdapter, "default", nil
}

func newBackend(string) (gattBackend, error) {
	return driverBackend{}, nil
}

// driverBackend uses the driver's own calls. CoreBluetooth reports neither
// characteristic properties nor power changes through it.
type driverBackend struct{}

func (driverBackend) write(_ string, _ charKey, ch *bluetooth.DeviceCharacteristic, data []byte) error {
	_, err := ch.Write(data)
	return err
}

func (driverBackend) properties(_ string, _ charKey, ch *bluetooth.DeviceCharacteristic) Property {
	if p, ok := any(*ch).(interface{ Properties() uint32 }); ok {
		return Property(p.Properties())
	}
	return 0
}

// mtu needs a discovered characteristic: the driver only exposes the MTU
// through one.
func (driverBackend) mtu(address string, c *tinyConn) (uint16, error) {
	ch, ok := c.anyChar()
	if !ok {
		return 0, errors.New("no characteristic discovered on " + address)
	}
	return ch.GetMTU()
}

func (driverBackend) powered() (bool, error) { return true, nil }

func (driverBackend) watchPower(func(bool)) error { return nil }

func (driverBackend) forget(string) {}
func (driverBackend) close()        {}
