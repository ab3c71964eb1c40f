package central

// Property is the characteristic capability bitfield as defined by the
// GATT characteristic declaration.
type Property uint8

const (
	PropBroadcast            Property = 0x01
	PropRead                 Property = 0x02
	PropWriteWithoutResponse Property = 0x04
	PropWrite                Property = 0x08
	PropNotify               Property = 0x10
	PropIndicate             Property = 0x20
	PropAuthenticatedSigned  Property = 0x40
	PropExtendedProperties   Property = 0x80
)

// propertyLabels is checked in order; labels are emitted in this order
// regardless of bit position.
var propertyLabels = []struct {
	prop  Property
	label string
}{
	{PropRead, "READ"},
	{PropWrite, "WRITE"},
	{PropWriteWithoutResponse, "WRITE_WO_RSP"},
	{PropNotify, "NOTIFY"},
	{PropIndicate, "INDICATE"},
	{PropAuthenticatedSigned, "AUTH_SIGN_WRITES"},
	{PropBroadcast, "BROADCAST"},
	{PropExtendedProperties, "EXTENDED_PROP"},
}

// Labels returns the capability labels set in p.
func (p Property) Labels() []string {
	labels := []string{}
	for _, pl := range propertyLabels {
		if p&pl.prop != 0 {
			labels = append(labels, pl.label)
		}
	}
	return labels
}

// bluezFlags maps the GattCharacteristic1.Flags strings BlueZ publishes to
// declaration bits. Flags without a declaration bit, such as
// "reliable-write" or "encrypt-read", are dropped.
var bluezFlags = map[string]Property{
	"broadcast":                   PropBroadcast,
	"read":                        PropRead,
	"write-without-response":      PropWriteWithoutResponse,
	"write":                       PropWrite,
	"notify":                      PropNotify,
	"indicate":                    PropIndicate,
	"authenticated-signed-writes": PropAuthenticatedSigned,
	"extended-properties":         PropExtendedProperties,
}

func propertiesFromFlags(flags []string) Property {
	var p Property
	for _, f := range flags {
		p |= bluezFlags[f]
	}
	return p
}
