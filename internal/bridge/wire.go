// Package bridge carries commands from a caller to the central Manager and
// sends replies and events back, as length-prefixed protobuf frames.
package bridge

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"google.golang.org/protobuf/encoding/protowire"

	"github.com/chaz8081/blecentral/internal/authz"
	"github.com/chaz8081/blecentral/internal/central"
)

// MaxFrameSize bounds a single inbound or outbound frame.
const MaxFrameSize = 1 << 20

var errFrameTooLarge = errors.New("bridge: frame too large")

// Request is an inbound command.
//
//	field 1 (varint): id
//	field 2 (string): method
//	field 3 (string): address
//	field 4 (string): service_uuid
//	field 5 (string): characteristic_uuid
//	field 6 (bytes):  payload, presence significant
//	field 7 (varint): with_response
type Request struct {
	ID                 uint64
	Method             string
	Address            string
	ServiceUUID        string
	CharacteristicUUID string
	// Payload is nil when field 6 was absent and non-nil (possibly empty)
	// when present.
	Payload      []byte
	WithResponse bool
}

// Kind distinguishes replies from events.
type Kind uint64

const (
	KindReply Kind = 0
	KindEvent Kind = 1
)

// Message is an outbound reply or event. At most one value field is set.
//
//	field 1 (varint):  id
//	field 2 (string):  method
//	field 3 (varint):  kind
//	field 4 (varint):  bool value
//	field 5 (bytes):   bytes value
//	field 6 (varint):  int value
//	field 7 (message): repeated Service{1 uuid, 2 repeated Characteristic{1 uuid, 2 repeated property}}
//	field 8 (message): Capabilities{1 location, 2 bluetooth, 3 admin_or_scan, 4 connect}
//	field 9 (varint):  empty-result marker
//	field 10 (string): error
//	field 11 (message): ScanEvent{1 name, 2 mac_address, 3 rssi (zigzag), 4 manufacturer_data, 5 service_data, 6 repeated service identifiers}
//	field 12 (message): NotifyEvent{1 service_uuid, 2 characteristic_uuid, 3 value}
//	field 13 (string): string value
type Message struct {
	ID     uint64
	Method string
	Kind   Kind

	Bool         *bool
	Bytes        []byte
	Int          *int64
	Services     []central.ServiceResult
	Capabilities *authz.Capabilities
	Empty        bool
	Error        string
	Scan         *ScanEvent
	Notify       *central.NotifyEvent
	Text         *string
}

// ScanEvent is the payload of an "onScan" event.
type ScanEvent struct {
	Name                string
	MacAddress          string
	RSSI                int64
	ManufacturerData    []byte
	ServiceData         []byte
	ServicesIdentifiers [][]byte
}

func scanEventFrom(d central.Device) *ScanEvent {
	return &ScanEvent{
		Name:                d.DisplayName(),
		MacAddress:          d.Address,
		RSSI:                int64(d.RSSI),
		ManufacturerData:    d.ManufacturerData,
		ServiceData:         d.ServiceData,
		ServicesIdentifiers: d.ServiceIDs,
	}
}

// Marshal encodes the request.
func (r *Request) Marshal() []byte {
	var b []byte
	b = appendVarintField(b, 1, r.ID)
	b = appendStringField(b, 2, r.Method)
	b = appendStringField(b, 3, r.Address)
	b = appendStringField(b, 4, r.ServiceUUID)
	b = appendStringField(b, 5, r.CharacteristicUUID)
	if r.Payload != nil {
		b = protowire.AppendTag(b, 6, protowire.BytesType)
		b = protowire.AppendBytes(b, r.Payload)
	}
	if r.WithResponse {
		b = appendVarintField(b, 7, 1)
	}
	return b
}

// UnmarshalRequest decodes a request. Unknown fields are skipped.
func UnmarshalRequest(data []byte) (*Request, error) {
	r := &Request{}
	err := walk(data, func(num protowire.Number, typ protowire.Type, v uint64, raw []byte) error {
		switch num {
		case 1:
			r.ID = v
		case 2:
			r.Method = string(raw)
		case 3:
			r.Address = string(raw)
		case 4:
			r.ServiceUUID = string(raw)
		case 5:
			r.CharacteristicUUID = string(raw)
		case 6:
			r.Payload = append([]byte{}, raw...)
		case 7:
			r.WithResponse = protowire.DecodeBool(v)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("bridge: decode request: %w", err)
	}
	return r, nil
}

// Marshal encodes the message.
func (m *Message) Marshal() []byte {
	var b []byte
	b = appendVarintField(b, 1, m.ID)
	b = appendStringField(b, 2, m.Method)
	if m.Kind != KindReply {
		b = appendVarintField(b, 3, uint64(m.Kind))
	}
	if m.Bool != nil {
		b = protowire.AppendTag(b, 4, protowire.VarintType)
		b = protowire.AppendVarint(b, protowire.EncodeBool(*m.Bool))
	}
	if m.Bytes != nil {
		b = protowire.AppendTag(b, 5, protowire.BytesType)
		b = protowire.AppendBytes(b, m.Bytes)
	}
	if m.Int != nil {
		b = protowire.AppendTag(b, 6, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(*m.Int))
	}
	for _, s := range m.Services {
		b = appendMessageField(b, 7, marshalService(s))
	}
	if c := m.Capabilities; c != nil {
		var cb []byte
		cb = appendBoolField(cb, 1, c.Location)
		cb = appendBoolField(cb, 2, c.Bluetooth)
		cb = appendBoolField(cb, 3, c.BluetoothAdminOrScan)
		cb = appendBoolField(cb, 4, c.BluetoothConnect)
		b = appendMessageField(b, 8, cb)
	}
	if m.Empty {
		b = appendVarintField(b, 9, 1)
	}
	b = appendStringField(b, 10, m.Error)
	if s := m.Scan; s != nil {
		var sb []byte
		sb = appendStringField(sb, 1, s.Name)
		sb = appendStringField(sb, 2, s.MacAddress)
		sb = protowire.AppendTag(sb, 3, protowire.VarintType)
		sb = protowire.AppendVarint(sb, protowire.EncodeZigZag(s.RSSI))
		sb = appendBytesField(sb, 4, s.ManufacturerData)
		sb = appendBytesField(sb, 5, s.ServiceData)
		for _, id := range s.ServicesIdentifiers {
			sb = protowire.AppendTag(sb, 6, protowire.BytesType)
			sb = protowire.AppendBytes(sb, id)
		}
		b = appendMessageField(b, 11, sb)
	}
	if n := m.Notify; n != nil {
		var nb []byte
		nb = appendStringField(nb, 1, n.ServiceUUID)
		nb = appendStringField(nb, 2, n.CharacteristicUUID)
		nb = appendBytesField(nb, 3, n.Value)
		b = appendMessageField(b, 12, nb)
	}
	if m.Text != nil {
		b = protowire.AppendTag(b, 13, protowire.BytesType)
		b = protowire.AppendString(b, *m.Text)
	}
	return b
}

func marshalService(s central.ServiceResult) []byte {
	var b []byte
	b = appendStringField(b, 1, s.UUID)
	for _, c := range s.Characteristics {
		var cb []byte
		cb = appendStringField(cb, 1, c.UUID)
		for _, p := range c.Properties {
			cb = protowire.AppendTag(cb, 2, protowire.BytesType)
			cb = protowire.AppendString(cb, p)
		}
		b = appendMessageField(b, 2, cb)
	}
	return b
}

// UnmarshalMessage decodes an outbound message. Callers of the bridge use
// it to read replies and events.
func UnmarshalMessage(data []byte) (*Message, error) {
	m := &Message{}
	err := walk(data, func(num protowire.Number, typ protowire.Type, v uint64, raw []byte) error {
		switch num {
		case 1:
			m.ID = v
		case 2:
			m.Method = string(raw)
		case 3:
			m.Kind = Kind(v)
		case 4:
			b := protowire.DecodeBool(v)
			m.Bool = &b
		case 5:
			m.Bytes = append([]byte{}, raw...)
		case 6:
			i := int64(v)
			m.Int = &i
		case 7:
			s, err := unmarshalService(raw)
			if err != nil {
				return err
			}
			m.Services = append(m.Services, s)
		case 8:
			c := authz.Capabilities{}
			if err := walk(raw, func(num protowire.Number, _ protowire.Type, v uint64, _ []byte) error {
				switch num {
				case 1:
					c.Location = protowire.DecodeBool(v)
				case 2:
					c.Bluetooth = protowire.DecodeBool(v)
				case 3:
					c.BluetoothAdminOrScan = protowire.DecodeBool(v)
				case 4:
					c.BluetoothConnect = protowire.DecodeBool(v)
				}
				return nil
			}); err != nil {
				return err
			}
			m.Capabilities = &c
		case 9:
			m.Empty = v != 0
		case 10:
			m.Error = string(raw)
		case 11:
			s := &ScanEvent{ManufacturerData: []byte{}, ServiceData: []byte{}, ServicesIdentifiers: [][]byte{}}
			if err := walk(raw, func(num protowire.Number, _ protowire.Type, v uint64, raw []byte) error {
				switch num {
				case 1:
					s.Name = string(raw)
				case 2:
					s.MacAddress = string(raw)
				case 3:
					s.RSSI = protowire.DecodeZigZag(v)
				case 4:
					s.ManufacturerData = append([]byte{}, raw...)
				case 5:
					s.ServiceData = append([]byte{}, raw...)
				case 6:
					s.ServicesIdentifiers = append(s.ServicesIdentifiers, append([]byte{}, raw...))
				}
				return nil
			}); err != nil {
				return err
			}
			m.Scan = s
		case 12:
			n := &central.NotifyEvent{}
			if err := walk(raw, func(num protowire.Number, _ protowire.Type, _ uint64, raw []byte) error {
				switch num {
				case 1:
					n.ServiceUUID = string(raw)
				case 2:
					n.CharacteristicUUID = string(raw)
				case 3:
					n.Value = append([]byte{}, raw...)
				}
				return nil
			}); err != nil {
				return err
			}
			m.Notify = n
		case 13:
			s := string(raw)
			m.Text = &s
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("bridge: decode message: %w", err)
	}
	return m, nil
}

func unmarshalService(data []byte) (central.ServiceResult, error) {
	s := central.ServiceResult{Characteristics: []central.CharacteristicResult{}}
	err := walk(data, func(num protowire.Number, _ protowire.Type, _ uint64, raw []byte) error {
		switch num {
		case 1:
			s.UUID = string(raw)
		case 2:
			c := central.CharacteristicResult{Properties: []string{}}
			if err := walk(raw, func(num protowire.Number, _ protowire.Type, _ uint64, raw []byte) error {
				switch num {
				case 1:
					c.UUID = string(raw)
				case 2:
					c.Properties = append(c.Properties, string(raw))
				}
				return nil
			}); err != nil {
				return err
			}
			s.Characteristics = append(s.Characteristics, c)
		}
		return nil
	})
	return s, err
}

// walk calls fn for every field in data. Varint fields pass their value in
// v; length-delimited fields pass their contents in raw. Other wire types
// are skipped.
func walk(data []byte, fn func(num protowire.Number, typ protowire.Type, v uint64, raw []byte) error) error {
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return protowire.ParseError(n)
		}
		data = data[n:]

		switch typ {
		case protowire.VarintType:
			v, n := protowire.ConsumeVarint(data)
			if n < 0 {
				return fmt.Errorf("field %d: %w", num, protowire.ParseError(n))
			}
			data = data[n:]
			if err := fn(num, typ, v, nil); err != nil {
				return err
			}
		case protowire.BytesType:
			raw, n := protowire.ConsumeBytes(data)
			if n < 0 {
				return fmt.Errorf("field %d: %w", num, protowire.ParseError(n))
			}
			data = data[n:]
			if err := fn(num, typ, 0, raw); err != nil {
				return err
			}
		default:
			n := protowire.ConsumeFieldValue(num, typ, data)
			if n < 0 {
				return fmt.Errorf("field %d: %w", num, protowire.ParseError(n))
			}
			data = data[n:]
		}
	}
	return nil
}

func appendVarintField(b []byte, num protowire.Number, v uint64) []byte {
	if v == 0 {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, v)
}

func appendBoolField(b []byte, num protowire.Number, v bool) []byte {
	return appendVarintField(b, num, protowire.EncodeBool(v))
}

func appendStringField(b []byte, num protowire.Number, s string) []byte {
	if s == "" {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendString(b, s)
}

func appendBytesField(b []byte, num protowire.Number, v []byte) []byte {
	if len(v) == 0 {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, v)
}

func appendMessageField(b []byte, num protowire.Number, msg []byte) []byte {
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, msg)
}

// ReadFrame reads one length-prefixed frame.
func ReadFrame(r *bufio.Reader) ([]byte, error) {
	size, err := binary.ReadUvarint(r)
	if err != nil {
		return nil, err
	}
	if size > MaxFrameSize {
		return nil, fmt.Errorf("%w: %d bytes", errFrameTooLarge, size)
	}
	buf := make([]byte, size)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, fmt.Errorf("bridge: read frame body: %w", err)
	}
	return buf, nil
}

// WriteFrame writes msg prefixed with its length in a single Write call.
func WriteFrame(w io.Writer, msg []byte) error {
	if len(msg) > MaxFrameSize {
		return fmt.Errorf("%w: %d bytes", errFrameTooLarge, len(msg))
	}
	buf := protowire.AppendVarint(make([]byte, 0, len(msg)+binary.MaxVarintLen64), uint64(len(msg)))
	buf = append(buf, msg...)
	if _, err := w.Write(buf); err != nil {
		return fmt.Errorf("bridge: write frame: %w", err)
	}
	return nil
}
