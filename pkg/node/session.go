package node

import (
	"errors"
	"io"
	"net"
	"net/netip"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/ryandielhenn/ncpmesh/internal/telemetry"
	"github.com/ryandielhenn/ncpmesh/pkg/ncp"
)

type Direction uint8

const (
	Outbound Direction = iota
	Inbound
)

func (d Direction) String() string {
	if d == Inbound {
		return "inbound"
	}
	return "outbound"
}

func (d Direction) MarshalText() ([]byte, error) { return []byte(d.String()), nil }

type State int32

const (
	StateOpen State = iota
	StateReading
	StateClosedNormal
	StateClosedError
)

func (s State) String() string {
	switch s {
	case StateOpen:
		return "open"
	case StateReading:
		return "reading"
	case StateClosedNormal:
		return "closed"
	default:
		return "closed_error"
	}
}

func (s State) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

func (s State) Closed() bool { return s == StateClosedNormal || s == StateClosedError }

// Session services one established connection. Only Run reads from the
// connection; writes go through Send under a lock.
type Session struct {
	remote  netip.AddrPort
	conn    net.Conn
	dir     Direction
	handler Handler
	log     *zap.Logger
	opened  time.Time

	readTimeout  time.Duration
	writeTimeout time.Duration

	state   atomic.Int32
	closing atomic.Bool
	wmu     sync.Mutex
}

func newSession(remote netip.AddrPort, conn net.Conn, dir Direction, h Handler, log *zap.Logger) *Session {
	if h == nil {
		h = discardHandler{}
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Session{
		remote:  remote,
		conn:    conn,
		dir:     dir,
		handler: h,
		log:     log.With(zap.Stringer("peer", remote), zap.Stringer("direction", dir)),
		opened:  time.Now(),
	}
}

func (s *Session) Remote() netip.AddrPort { return s.remote }
func (s *Session) Direction() Direction   { return s.dir }
func (s *Session) State() State           { return State(s.state.Load()) }

// Run reads frames until the peer disconnects, a frame fails to decode or the
// session is closed locally. It returns the terminal state; the error is nil
// for StateClosedNormal.
func (s *Session) Run() (State, error) {
	s.state.Store(int32(StateReading))
	defer s.conn.Close()

	for {
		if s.readTimeout > 0 {
			if err := s.conn.SetReadDeadline(time.Now().Add(s.readTimeout)); err != nil {
				return s.finish(err)
			}
		}
		msg, err := ncp.ReadMessage(s.conn)
		if err != nil {
			return s.finish(err)
		}
		telemetry.FramesTotal.WithLabelValues("rx", msg.Kind.String()).Inc()
		s.log.Debug("received message",
			zap.Uint16("sender_id", msg.SenderID),
			zap.Stringer("kind", msg.Kind),
			zap.Float32("value", msg.Value))
		s.handler.HandleMessage(s.remote, msg)
	}
}

func (s *Session) finish(err error) (State, error) {
	if errors.Is(err, io.EOF) || s.closing.Load() {
		s.state.Store(int32(StateClosedNormal))
		telemetry.SessionsClosedTotal.WithLabelValues("normal").Inc()
		return StateClosedNormal, nil
	}
	s.state.Store(int32(StateClosedError))
	telemetry.SessionsClosedTotal.WithLabelValues("error").Inc()
	return StateClosedError, err
}

// Send writes one frame to the peer.
func (s *Session) Send(msg ncp.Message) error {
	s.wmu.Lock()
	defer s.wmu.Unlock()
	if s.writeTimeout > 0 {
		if err := s.conn.SetWriteDeadline(time.Now().Add(s.writeTimeout)); err != nil {
			return err
		}
	}
	if err := ncp.WriteMessage(s.conn, msg); err != nil {
		return err
	}
	telemetry.FramesTotal.WithLabelValues("tx", msg.Kind.String()).Inc()
	return nil
}

// Close ends the session from this side. Run then returns StateClosedNormal.
func (s *Session) Close() error {
	s.closing.Store(true)
	return s.conn.Close()
}
