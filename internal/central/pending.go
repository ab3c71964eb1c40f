package central

import "time"

// OpKind identifies the kind of a caller-awaited operation.
type OpKind int

const (
	OpConnect OpKind = iota + 1
	OpDiscoverServices
	OpRead
	OpWrite
)

func (k OpKind) String() string {
	switch k {
	case OpConnect:
		return "connect"
	case OpDiscoverServices:
		return "discoverServices"
	case OpRead:
		return "readCharacteristic"
	case OpWrite:
		return "writeCharacteristic"
	default:
		return "unknown"
	}
}

// Result is the outcome delivered to a Sink. OK is false for every failure;
// Err carries the reason for logs and tests only.
type Result struct {
	OK       bool
	Services []ServiceResult
	Value    []byte
	Err      error
}

// Sink receives the result of a deferred operation exactly once.
type Sink func(Result)

func failure(err error) Result {
	return Result{Err: err}
}

// charKey names one characteristic within one service.
type charKey struct {
	service, char string
}

type pendingOp struct {
	kind OpKind
	// target is the characteristic a read or write is waiting on.
	target charKey
	sink   Sink
	token  uint64
	timer  *time.Timer
}

// pendingSlot holds at most one outstanding operation. Tokens identify an
// installation so a late timer cannot resolve its successor.
type pendingSlot struct {
	op    *pendingOp
	token uint64
}

func (p *pendingSlot) busy() bool {
	return p.op != nil
}

func (p *pendingSlot) kind() OpKind {
	if p.op == nil {
		return 0
	}
	return p.op.kind
}

// install parks sink and returns its token. The caller must check busy first.
func (p *pendingSlot) install(kind OpKind, target charKey, sink Sink) uint64 {
	p.token++
	p.op = &pendingOp{kind: kind, target: target, sink: sink, token: p.token}
	return p.token
}

// arm attaches a timeout timer to the operation with the given token.
func (p *pendingSlot) arm(token uint64, t *time.Timer) {
	if p.op != nil && p.op.token == token {
		p.op.timer = t
		return
	}
	t.Stop()
}

// take clears the slot if it holds an operation of kind and returns its sink.
func (p *pendingSlot) take(kind OpKind) (Sink, bool) {
	if p.op == nil || p.op.kind != kind {
		return nil, false
	}
	return p.clear(), true
}

// takeFor is take restricted to an operation waiting on target.
func (p *pendingSlot) takeFor(kind OpKind, target charKey) (Sink, bool) {
	if p.op == nil || p.op.kind != kind || p.op.target != target {
		return nil, false
	}
	return p.clear(), true
}

// takeToken clears the slot if it still holds the installation token.
func (p *pendingSlot) takeToken(token uint64) (Sink, OpKind, bool) {
	if p.op == nil || p.op.token != token {
		return nil, 0, false
	}
	kind := p.op.kind
	return p.clear(), kind, true
}

// takeAny clears the slot whatever it holds.
func (p *pendingSlot) takeAny() (Sink, OpKind, bool) {
	if p.op == nil {
		return nil, 0, false
	}
	kind := p.op.kind
	return p.clear(), kind, true
}

func (p *pendingSlot) clear() Sink {
	op := p.op
	p.op = nil
	if op.timer != nil {
		op.timer.Stop()
	}
	return op.sink
}
