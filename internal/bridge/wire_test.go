package bridge

import (
	"bufio"
	"bytes"
	"errors"
	"io"
	"reflect"
	"testing"

	"github.com/chaz8081/blecentral/internal/authz"
	"github.com/chaz8081/blecentral/internal/central"
)

func TestUnmarshalRequestFields(t *testing.T) {
	// id=7, method="connect", address="aa", payload=0x01, with_response=1
	data := []byte{
		0x08, 0x07,
		0x12, 0x07, 'c', 'o', 'n', 'n', 'e', 'c', 't',
		0x1a, 0x02, 'a', 'a',
		0x32, 0x01, 0x01,
		0x38, 0x01,
	}
	req, err := UnmarshalRequest(data)
	if err != nil {
		t.Fatalf("UnmarshalRequest() error = %v", err)
	}
	want := &Request{ID: 7, Method: "connect", Address: "aa", Payload: []byte{0x01}, WithResponse: true}
	if !reflect.DeepEqual(req, want) {
		t.Errorf("UnmarshalRequest() = %+v, want %+v", req, want)
	}
}

func TestRequestPayloadPresence(t *testing.T) {
	absent, err := UnmarshalRequest((&Request{Method: "writeCharacteristic"}).Marshal())
	if err != nil {
		t.Fatal(err)
	}
	if absent.Payload != nil {
		t.Errorf("absent payload decoded as %v, want nil", absent.Payload)
	}

	empty, err := UnmarshalRequest((&Request{Method: "writeCharacteristic", Payload: []byte{}}).Marshal())
	if err != nil {
		t.Fatal(err)
	}
	if empty.Payload == nil || len(empty.Payload) != 0 {
		t.Errorf("empty payload decoded as %v, want non-nil empty", empty.Payload)
	}
}

func TestUnmarshalRequestSkipsUnknownFields(t *testing.T) {
	data := []byte{
		0x08, 0x01,
		0x7d, 0x01, 0x02, 0x03, 0x04, // field 15, fixed32
		0x82, 0x01, 0x01, 0xff, // field 16, bytes
		0x12, 0x08, 's', 't', 'o', 'p', 'S', 'c', 'a', 'n',
	}
	req, err := UnmarshalRequest(data)
	if err != nil {
		t.Fatalf("UnmarshalRequest() error = %v", err)
	}
	if req.ID != 1 || req.Method != "stopScan" {
		t.Errorf("UnmarshalRequest() = %+v", req)
	}
}

func TestUnmarshalRequestTruncated(t *testing.T) {
	for _, data := range [][]byte{
		{0x12, 0x05, 'a'},
		{0x08},
		{0x80},
	} {
		if _, err := UnmarshalRequest(data); err == nil {
			t.Errorf("UnmarshalRequest(%x) should fail", data)
		}
	}
}

func TestMarshalBoolReply(t *testing.T) {
	v := true
	got := (&Message{ID: 3, Method: "stopScan", Bool: &v}).Marshal()
	want := []byte{0x08, 0x03, 0x12, 0x08, 's', 't', 'o', 'p', 'S', 'c', 'a', 'n', 0x20, 0x01}
	if !bytes.Equal(got, want) {
		t.Errorf("Marshal() = %x, want %x", got, want)
	}

	f := false
	got = (&Message{ID: 3, Bool: &f}).Marshal()
	want = []byte{0x08, 0x03, 0x20, 0x00}
	if !bytes.Equal(got, want) {
		t.Errorf("Marshal(false) = %x, want %x", got, want)
	}
}

func TestMarshalScanEventNegativeRSSI(t *testing.T) {
	m := &Message{Kind: KindEvent, Method: "onScan", Scan: &ScanEvent{RSSI: -1}}
	got := m.Marshal()
	// method, kind=1, field 11 { field 3 zigzag(-1)=1 }
	want := []byte{0x12, 0x06, 'o', 'n', 'S', 'c', 'a', 'n', 0x18, 0x01, 0x5a, 0x02, 0x18, 0x01}
	if !bytes.Equal(got, want) {
		t.Errorf("Marshal() = %x, want %x", got, want)
	}
}

func TestMessageDecodeMatchesEncode(t *testing.T) {
	n := int64(244)
	state := "CONNECTED"
	msgs := []*Message{
		{ID: 1, Method: "setMtu", Int: &n},
		{ID: 2, Method: "readCharacteristic", Bytes: []byte{}},
		{ID: 3, Method: "discoverServices", Services: []central.ServiceResult{
			{UUID: "0000180d-0000-1000-8000-00805f9b34fb", Characteristics: []central.CharacteristicResult{
				{UUID: "00002a37-0000-1000-8000-00805f9b34fb", Properties: []string{"READ", "NOTIFY"}},
			}},
			{UUID: "00001800-0000-1000-8000-00805f9b34fb", Characteristics: []central.CharacteristicResult{}},
		}},
		{ID: 4, Method: "checkCapabilities", Capabilities: &authz.Capabilities{Bluetooth: true, BluetoothConnect: true}},
		{ID: 5, Method: "readCharacteristic", Empty: true},
		{ID: 6, Method: "bogus", Error: "not implemented"},
		{Method: "onScan", Kind: KindEvent, Scan: &ScanEvent{
			Name: "Unknown", MacAddress: "aa:bb:cc:dd:ee:01", RSSI: -67,
			ManufacturerData: []byte{0x4c, 0x00}, ServiceData: []byte{},
			ServicesIdentifiers: [][]byte{{0x18, 0x0f}},
		}},
		{Method: "onNotify", Kind: KindEvent, Notify: &central.NotifyEvent{ServiceUUID: "s", CharacteristicUUID: "c", Value: []byte{9}}},
		{Method: "onEvent", Kind: KindEvent, Text: &state},
	}
	for _, want := range msgs {
		got, err := UnmarshalMessage(want.Marshal())
		if err != nil {
			t.Fatalf("UnmarshalMessage(%s) error = %v", want.Method, err)
		}
		if !reflect.DeepEqual(got, want) {
			t.Errorf("UnmarshalMessage(%s) = %+v, want %+v", want.Method, got, want)
		}
	}
}

func TestFrameRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	big := bytes.Repeat([]byte{0xab}, 300)
	if err := WriteFrame(&buf, []byte("hi")); err != nil {
		t.Fatal(err)
	}
	if err := WriteFrame(&buf, big); err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(buf.Bytes()[:3], []byte{0x02, 'h', 'i'}) {
		t.Errorf("first frame = %x, want 026869", buf.Bytes()[:3])
	}

	r := bufio.NewReader(&buf)
	first, err := ReadFrame(r)
	if err != nil || string(first) != "hi" {
		t.Fatalf("ReadFrame() = %q, %v", first, err)
	}
	second, err := ReadFrame(r)
	if err != nil || !bytes.Equal(second, big) {
		t.Fatalf("ReadFrame() second frame len %d, %v", len(second), err)
	}
	if _, err := ReadFrame(r); !errors.Is(err, io.EOF) {
		t.Errorf("ReadFrame() at end error = %v, want io.EOF", err)
	}
}

func TestReadFrameRejectsOversized(t *testing.T) {
	var buf bytes.Buffer
	buf.Write([]byte{0x80, 0x80, 0x80, 0x01}) // 2 MiB
	if _, err := ReadFrame(bufio.NewReader(&buf)); !errors.Is(err, errFrameTooLarge) {
		t.Errorf("ReadFrame() error = %v, want errFrameTooLarge", err)
	}
}

func TestReadFrameTruncatedBody(t *testing.T) {
	buf := bytes.NewBuffer([]byte{0x05, 'a', 'b'})
	if _, err := ReadFrame(bufio.NewReader(buf)); !errors.Is(err, io.ErrUnexpectedEOF) {
		t.Errorf("ReadFrame() error = %v, want io.ErrUnexpectedEOF", err)
	}
}
