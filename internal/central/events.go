package central

// ConnectionEvent is the payload of an "onEvent" notification.
type ConnectionEvent string

const (
	EventConnected    ConnectionEvent = "CONNECTED"
	EventDisconnected ConnectionEvent = "DISCONNECTED"
	EventScanStopped  ConnectionEvent = "SCAN_STOPPED"
)

// NotifyEvent is a value pushed by a characteristic with notifications on.
type NotifyEvent struct {
	ServiceUUID        string
	CharacteristicUUID string
	Value              []byte
}

// EventSink receives fire-and-forget events. Methods are called without
// the Manager's lock held and may call back into the Manager.
type EventSink interface {
	OnScan(Device)
	OnNotify(NotifyEvent)
	OnEvent(ConnectionEvent)
}

// effects collects sink calls made while the Manager's lock is held so they
// run, in order, after it is released.
type effects []func()

func (fx *effects) resolve(sink Sink, r Result) {
	if sink == nil {
		return
	}
	*fx = append(*fx, func() { sink(r) })
}

func (fx *effects) emit(f func()) {
	*fx = append(*fx, f)
}

func (fx effects) run() {
	for _, f := range fx {
		f()
	}
}
