package bridge

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"net"
	"os"
	"sync"

	"github.com/chaz8081/blecentral/internal/authz"
	"github.com/chaz8081/blecentral/internal/central"
)

// Central is the command surface the bridge drives. *central.Manager
// implements it.
type Central interface {
	State() central.ConnectionState
	CheckCapabilities(ctx context.Context) authz.Capabilities
	StartScan(ctx context.Context, filterAddress string) bool
	StopScan() bool
	Connect(address string, sink central.Sink)
	Disconnect() bool
	DiscoverServices(sink central.Sink)
	MaxWriteLength() (int, bool)
	WriteCharacteristic(serviceUUID, charUUID string, payload []byte, withResponse bool, sink central.Sink)
	ReadCharacteristic(serviceUUID, charUUID string, sink central.Sink)
	StartNotify(serviceUUID, charUUID string) bool
	StopNotify(serviceUUID, charUUID string) bool
}

var _ Central = (*central.Manager)(nil)

// ErrSessionActive is returned by Serve when another caller is attached.
var ErrSessionActive = errors.New("bridge: session already active")

// Server frames replies and events for one caller at a time. It is the
// Manager's EventSink; events raised while no caller is attached are
// dropped.
type Server struct {
	mu   sync.Mutex
	sess *session
}

type session struct {
	w      io.Writer
	closed bool
}

// NewServer returns a server with no caller attached.
func NewServer() *Server {
	return &Server{}
}

// Serve reads requests from in and dispatches them to c until in reaches
// EOF or ctx is cancelled. Replies and events are written to out. Results
// that arrive after Serve returns are dropped.
func (s *Server) Serve(ctx context.Context, c Central, in io.Reader, out io.Writer) error {
	sess := &session{w: out}
	s.mu.Lock()
	if s.sess != nil {
		s.mu.Unlock()
		return ErrSessionActive
	}
	s.sess = sess
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		sess.closed = true
		if s.sess == sess {
			s.sess = nil
		}
		s.mu.Unlock()
	}()

	frames := make(chan []byte)
	readErr := make(chan error, 1)
	stop := make(chan struct{})
	defer close(stop)

	go func() {
		br := bufio.NewReader(in)
		for {
			frame, err := ReadFrame(br)
			if err != nil {
				readErr <- err
				return
			}
			select {
			case frames <- frame:
			case <-stop:
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case err := <-readErr:
			if errors.Is(err, io.EOF) {
				slog.Debug("[BRIDGE] caller closed input")
				return nil
			}
			return fmt.Errorf("bridge: read request: %w", err)
		case frame := <-frames:
			s.handle(ctx, c, sess, frame)
		}
	}
}

// ListenUnix accepts callers on a unix socket at path and serves them one
// after another until ctx is cancelled. A stale socket file is replaced.
func (s *Server) ListenUnix(ctx context.Context, c Central, path string) error {
	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("bridge: removing stale socket: %w", err)
	}
	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "unix", path)
	if err != nil {
		return fmt.Errorf("bridge: listen %s: %w", path, err)
	}
	defer ln.Close()

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			ln.Close()
		case <-done:
		}
	}()

	slog.Info("[BRIDGE] listening", "socket", path)
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("bridge: accept: %w", err)
		}
		slog.Info("[BRIDGE] caller attached")
		err = s.Serve(ctx, c, conn, conn)
		conn.Close()
		if err != nil {
			slog.Warn("[BRIDGE] session ended", "error", err)
		} else {
			slog.Info("[BRIDGE] caller detached")
		}
		if ctx.Err() != nil {
			return nil
		}
	}
}

func (s *Server) handle(ctx context.Context, c Central, sess *session, frame []byte) {
	req, err := UnmarshalRequest(frame)
	if err != nil {
		slog.Warn("[BRIDGE] malformed request", "error", err)
		s.write(sess, &Message{Error: "malformed request"})
		return
	}
	slog.Debug("[BRIDGE] request", "id", req.ID, "method", req.Method)

	reply := func(m Message) {
		m.ID = req.ID
		m.Method = req.Method
		s.write(sess, &m)
	}

	switch req.Method {
	case "checkCapabilities":
		caps := c.CheckCapabilities(ctx)
		reply(Message{Capabilities: &caps})
	case "startScan":
		reply(boolMessage(c.StartScan(ctx, req.Address)))
	case "stopScan":
		reply(boolMessage(c.StopScan()))
	case "connect":
		c.Connect(req.Address, func(r central.Result) {
			reply(boolMessage(r.OK))
		})
	case "disconnect":
		reply(boolMessage(c.Disconnect()))
	case "discoverServices":
		c.DiscoverServices(func(r central.Result) {
			if !r.OK {
				reply(Message{Empty: true})
				return
			}
			reply(Message{Services: r.Services})
		})
	case "setMtu":
		n, ok := c.MaxWriteLength()
		if !ok {
			reply(Message{Empty: true})
			return
		}
		v := int64(n)
		reply(Message{Int: &v})
	case "writeCharacteristic":
		c.WriteCharacteristic(req.ServiceUUID, req.CharacteristicUUID, req.Payload, req.WithResponse, func(r central.Result) {
			reply(boolMessage(r.OK))
		})
	case "readCharacteristic":
		c.ReadCharacteristic(req.ServiceUUID, req.CharacteristicUUID, func(r central.Result) {
			if !r.OK {
				reply(Message{Empty: true})
				return
			}
			reply(Message{Bytes: append([]byte{}, r.Value...)})
		})
	case "startNotify":
		reply(boolMessage(c.StartNotify(req.ServiceUUID, req.CharacteristicUUID)))
	case "stopNotify":
		reply(boolMessage(c.StopNotify(req.ServiceUUID, req.CharacteristicUUID)))
	case "getConnectionState":
		state := c.State().String()
		reply(Message{Text: &state})
	default:
		slog.Warn("[BRIDGE] unknown method", "method", req.Method)
		reply(Message{Error: "not implemented"})
	}
}

func boolMessage(v bool) Message {
	return Message{Bool: &v}
}

// OnScan implements central.EventSink.
func (s *Server) OnScan(d central.Device) {
	s.event(&Message{Method: "onScan", Scan: scanEventFrom(d)})
}

// OnNotify implements central.EventSink.
func (s *Server) OnNotify(n central.NotifyEvent) {
	s.event(&Message{Method: "onNotify", Notify: &n})
}

// OnEvent implements central.EventSink.
func (s *Server) OnEvent(e central.ConnectionEvent) {
	text := string(e)
	s.event(&Message{Method: "onEvent", Text: &text})
}

func (s *Server) event(m *Message) {
	m.Kind = KindEvent
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sess == nil {
		slog.Debug("[BRIDGE] no caller attached, dropping event", "method", m.Method)
		return
	}
	s.writeLocked(s.sess, m)
}

func (s *Server) write(sess *session, m *Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sess.closed {
		slog.Debug("[BRIDGE] caller gone, dropping reply", "id", m.ID, "method", m.Method)
		return
	}
	s.writeLocked(sess, m)
}

func (s *Server) writeLocked(sess *session, m *Message) {
	if err := WriteFrame(sess.w, m.Marshal()); err != nil {
		slog.Warn("[BRIDGE] write failed", "method", m.Method, "error", err)
	}
}

var _ central.EventSink = (*Server)(nil)
