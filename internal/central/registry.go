package central

import (
	"sort"
)

// Device is a peripheral discovered during a scan session. It is never
// modified after the first advertisement from its address.
type Device struct {
	Address          string
	Name             string
	RSSI             int
	ManufacturerData []byte
	// ServiceData is the concatenation of all advertised service data,
	// ordered by service UUID.
	ServiceData []byte
	// ServiceIDs lists the raw identifiers owning ServiceData, same order.
	ServiceIDs [][]byte
}

// DisplayName returns the advertised name or "Unknown".
func (d Device) DisplayName() string {
	if d.Name == "" {
		return "Unknown"
	}
	return d.Name
}

// Registry tracks discovered peripherals by address. Not safe for
// concurrent use; the Manager serializes access.
type Registry struct {
	devices map[string]Device
	filter  string
}

// NewRegistry returns an empty registry with no address filter.
func NewRegistry() *Registry {
	return &Registry{devices: make(map[string]Device)}
}

// SetFilter restricts registration to a single address. Empty clears it.
func (r *Registry) SetFilter(address string) {
	r.filter = address
}

// Observe applies an advertisement. It returns the new Device and true when
// the advertisement registered a previously unseen, unfiltered address.
func (r *Registry) Observe(adv AdvertisementReceived) (Device, bool) {
	if _, ok := r.devices[adv.Address]; ok {
		return Device{}, false
	}
	if r.filter != "" && adv.Address != r.filter {
		return Device{}, false
	}

	keys := make([]string, 0, len(adv.ServiceData))
	for k := range adv.ServiceData {
		keys = append(keys, k)
	}
	// Ordered the way platform stacks print identifiers, so short SIG
	// forms interleave with 128-bit ones.
	sort.Slice(keys, func(i, j int) bool {
		return displayForm(keys[i]) < displayForm(keys[j])
	})

	dev := Device{
		Address:          adv.Address,
		Name:             adv.Name,
		RSSI:             adv.RSSI,
		ManufacturerData: append([]byte{}, adv.ManufacturerData...),
		ServiceData:      []byte{},
		ServiceIDs:       [][]byte{},
	}
	for _, k := range keys {
		dev.ServiceData = append(dev.ServiceData, adv.ServiceData[k]...)
		dev.ServiceIDs = append(dev.ServiceIDs, identifierBytes(k))
	}

	r.devices[adv.Address] = dev
	return dev, true
}

// Lookup returns the device registered under address.
func (r *Registry) Lookup(address string) (Device, bool) {
	d, ok := r.devices[address]
	return d, ok
}

// Len returns the number of registered devices.
func (r *Registry) Len() int {
	return len(r.devices)
}

// Devices returns all registered devices sorted by address.
func (r *Registry) Devices() []Device {
	out := make([]Device, 0, len(r.devices))
	for _, d := range r.devices {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Address < out[j].Address })
	return out
}

// Clear forgets every device.
func (r *Registry) Clear() {
	r.devices = make(map[string]Device)
}
