package central

import (
	"testing"
	"time"
)

func TestPendingSlotTakeMatchesKind(t *testing.T) {
	var p pendingSlot
	calls := 0
	p.install(OpRead, charKey{}, func(Result) { calls++ })

	if _, ok := p.take(OpWrite); ok {
		t.Fatal("take(OpWrite) consumed a read")
	}
	if !p.busy() || p.kind() != OpRead {
		t.Fatal("slot should still hold the read")
	}
	sink, ok := p.take(OpRead)
	if !ok {
		t.Fatal("take(OpRead) = false")
	}
	sink(Result{})
	if calls != 1 {
		t.Errorf("sink called %d times, want 1", calls)
	}
	if p.busy() {
		t.Error("slot should be empty after take")
	}
	if _, ok := p.take(OpRead); ok {
		t.Error("second take succeeded")
	}
}

func TestPendingSlotTakeForMatchesTarget(t *testing.T) {
	var p pendingSlot
	want := charKey{"0000180d-0000-1000-8000-00805f9b34fb", "00002a37-0000-1000-8000-00805f9b34fb"}
	p.install(OpRead, want, func(Result) {})

	if _, ok := p.takeFor(OpRead, charKey{want.service, "00002a38-0000-1000-8000-00805f9b34fb"}); ok {
		t.Fatal("takeFor consumed a read waiting on another characteristic")
	}
	if _, ok := p.takeFor(OpWrite, want); ok {
		t.Fatal("takeFor(OpWrite) consumed a read")
	}
	if _, ok := p.takeFor(OpRead, want); !ok {
		t.Fatal("takeFor(OpRead, target) = false")
	}
	if p.busy() {
		t.Error("slot should be empty after takeFor")
	}
}

func TestPendingSlotTokens(t *testing.T) {
	var p pendingSlot
	old := p.install(OpConnect, charKey{}, func(Result) {})
	p.takeAny()
	fresh := p.install(OpDiscoverServices, charKey{}, func(Result) {})

	if _, _, ok := p.takeToken(old); ok {
		t.Error("stale token consumed a newer operation")
	}
	_, kind, ok := p.takeToken(fresh)
	if !ok || kind != OpDiscoverServices {
		t.Errorf("takeToken(fresh) = %v, %v", kind, ok)
	}
}

func TestPendingSlotStopsTimer(t *testing.T) {
	var p pendingSlot
	fired := make(chan struct{}, 1)
	token := p.install(OpWrite, charKey{}, func(Result) {})
	p.arm(token, time.AfterFunc(20*time.Millisecond, func() { fired <- struct{}{} }))
	p.take(OpWrite)

	select {
	case <-fired:
		t.Error("timer fired after the operation was consumed")
	case <-time.After(60 * time.Millisecond):
	}
}

func TestOpKindString(t *testing.T) {
	if OpDiscoverServices.String() != "discoverServices" || OpKind(0).String() != "unknown" {
		t.Error("unexpected OpKind names")
	}
}
