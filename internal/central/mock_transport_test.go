package central

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"

	"github.com/chaz8081/blecentral/internal/authz"
)

// mockTransport records every command and lets tests inject callbacks.
type mockTransport struct {
	mu       sync.Mutex
	handler  func(Event)
	power    PowerState
	commands []string
	mtu      int
	// failOn makes the named command return an error.
	failOn map[string]error
}

func newMockTransport() *mockTransport {
	return &mockTransport{power: PowerOn, mtu: 182, failOn: map[string]error{}}
}

func (t *mockTransport) record(cmd string, args ...string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	line := cmd
	if len(args) > 0 {
		line += " " + strings.Join(args, " ")
	}
	t.commands = append(t.commands, line)
	return t.failOn[cmd]
}

// Commands returns a copy of the recorded commands.
func (t *mockTransport) Commands() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]string(nil), t.commands...)
}

// Count returns how often cmd was issued.
func (t *mockTransport) Count(cmd string) int {
	n := 0
	for _, c := range t.Commands() {
		if c == cmd || strings.HasPrefix(c, cmd+" ") {
			n++
		}
	}
	return n
}

// Simulate delivers a transport callback.
func (t *mockTransport) Simulate(ev Event) {
	t.mu.Lock()
	h := t.handler
	t.mu.Unlock()
	h(ev)
}

func (t *mockTransport) SetHandler(h func(Event)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.handler = h
}

func (t *mockTransport) PowerState() PowerState {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.power
}

func (t *mockTransport) StartScan() error                { return t.record("StartScan") }
func (t *mockTransport) StopScan() error                 { return t.record("StopScan") }
func (t *mockTransport) Connect(a string) error          { return t.record("Connect", a) }
func (t *mockTransport) Disconnect(a string) error       { return t.record("Disconnect", a) }
func (t *mockTransport) DiscoverServices(a string) error { return t.record("DiscoverServices", a) }

func (t *mockTransport) DiscoverCharacteristics(a, svc string) error {
	return t.record("DiscoverCharacteristics", a, svc)
}

func (t *mockTransport) MaxWriteLength(a string) (int, error) {
	if err := t.record("MaxWriteLength", a); err != nil {
		return 0, err
	}
	return t.mtu, nil
}

func (t *mockTransport) Write(a, svc, chr string, payload []byte, withResponse bool) error {
	return t.record("Write", a, svc, chr, fmt.Sprintf("%x", payload), fmt.Sprint(withResponse))
}

func (t *mockTransport) Read(a, svc, chr string) error {
	return t.record("Read", a, svc, chr)
}

func (t *mockTransport) SetNotify(a, svc, chr string, enabled bool) error {
	return t.record("SetNotify", a, svc, chr, fmt.Sprint(enabled))
}

// recordingSink collects outbound events in order.
type recordingSink struct {
	mu     sync.Mutex
	scans  []Device
	notifs []NotifyEvent
	events []ConnectionEvent
	order  []string
}

func (s *recordingSink) OnScan(d Device) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.scans = append(s.scans, d)
	s.order = append(s.order, "onScan:"+d.Address)
}

func (s *recordingSink) OnNotify(n NotifyEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.notifs = append(s.notifs, n)
	s.order = append(s.order, "onNotify:"+n.CharacteristicUUID)
}

func (s *recordingSink) OnEvent(e ConnectionEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, e)
	s.order = append(s.order, "onEvent:"+string(e))
}

func (s *recordingSink) Events() []ConnectionEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]ConnectionEvent(nil), s.events...)
}

// resultBox captures the results delivered to a Sink.
type resultBox struct {
	mu      sync.Mutex
	results []Result
	done    chan struct{}
}

func newResultBox() *resultBox {
	return &resultBox{done: make(chan struct{}, 16)}
}

func (b *resultBox) Sink() Sink {
	return func(r Result) {
		b.mu.Lock()
		b.results = append(b.results, r)
		b.mu.Unlock()
		b.done <- struct{}{}
	}
}

func (b *resultBox) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.results)
}

// Only returns the single delivered result, failing if there is not
// exactly one.
func (b *resultBox) Only(t *testing.T) Result {
	t.Helper()
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.results) != 1 {
		t.Fatalf("got %d results, want exactly 1", len(b.results))
	}
	return b.results[0]
}

type failingAuthorizer struct{}

func (failingAuthorizer) Capabilities(context.Context) (authz.Capabilities, error) {
	return authz.Capabilities{}, errors.New("bus unavailable")
}

const (
	addrA = "aa:bb:cc:dd:ee:01"
	addrB = "aa:bb:cc:dd:ee:02"

	svc1 = "0000180d-0000-1000-8000-00805f9b34fb"
	svc2 = "6e400001-b5a3-f393-e0a9-e50e24dcca9e"
	chr1 = "00002a37-0000-1000-8000-00805f9b34fb"
	chr2 = "6e400002-b5a3-f393-e0a9-e50e24dcca9e"
	chr3 = "6e400003-b5a3-f393-e0a9-e50e24dcca9e"
)

func newTestManager(opts Options) (*Manager, *mockTransport, *recordingSink) {
	tr := newMockTransport()
	sink := &recordingSink{}
	return NewManager(tr, authz.AllowAll, sink, opts), tr, sink
}

// scanAndSee starts a scan and reports an advertisement for each address.
func scanAndSee(t *testing.T, m *Manager, tr *mockTransport, addrs ...string) {
	t.Helper()
	if !m.StartScan(context.Background(), "") {
		t.Fatal("StartScan() = false")
	}
	for _, a := range addrs {
		tr.Simulate(AdvertisementReceived{Address: a, Name: "dev-" + a, RSSI: -50})
	}
}

// connectTo drives a device from discovery to CONNECTED.
func connectTo(t *testing.T, m *Manager, tr *mockTransport, addr string) {
	t.Helper()
	scanAndSee(t, m, tr, addr)
	box := newResultBox()
	m.Connect(addr, box.Sink())
	tr.Simulate(ConnectSucceeded{Address: addr})
	if r := box.Only(t); !r.OK {
		t.Fatalf("connect result = %+v, want OK", r)
	}
}

// discoverCatalog runs a full discovery: svc1 holds chr1, svc2 holds chr2
// (writable) and chr3 (readable, notifiable).
func discoverCatalog(t *testing.T, m *Manager, tr *mockTransport, addr string) []ServiceResult {
	t.Helper()
	box := newResultBox()
	m.DiscoverServices(box.Sink())
	tr.Simulate(ServicesDiscovered{Address: addr, ServiceIDs: []string{svc1, svc2}})
	tr.Simulate(CharacteristicsDiscovered{Address: addr, ServiceID: svc1, Characteristics: []CharacteristicInfo{
		{ID: chr1, Properties: PropRead | PropNotify},
	}})
	tr.Simulate(CharacteristicsDiscovered{Address: addr, ServiceID: svc2, Characteristics: []CharacteristicInfo{
		{ID: chr2, Properties: PropWrite | PropWriteWithoutResponse},
		{ID: chr3, Properties: PropRead | PropNotify},
	}})
	r := box.Only(t)
	if !r.OK {
		t.Fatalf("discover result = %+v, want OK", r)
	}
	return r.Services
}

func TestMockTransportImplementsInterface(t *testing.T) {
	var _ Transport = (*mockTransport)(nil)
}

func TestRecordingSinkImplementsInterface(t *testing.T) {
	var _ EventSink = (*recordingSink)(nil)
}
