package node

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/ryandielhenn/ncpmesh/internal/telemetry"
	"github.com/ryandielhenn/ncpmesh/pkg/discovery"
	"github.com/ryandielhenn/ncpmesh/pkg/ncp"
	"github.com/ryandielhenn/ncpmesh/pkg/registry"
)

const (
	DefaultConnectInterval = 5 * time.Second
	DefaultDialTimeout     = 3 * time.Second
	DefaultWriteTimeout    = 5 * time.Second
)

var ErrNoSession = errors.New("node: no live session for peer")

type Config struct {
	ID uint16
	// ListenAddr is the TCP bind address. Port 0 picks a free port.
	ListenAddr string
	// Advertise overrides the announced address, which otherwise is the bound
	// listener address and must then be a concrete IP.
	Advertise netip.AddrPort

	AnnounceInterval time.Duration
	ConnectInterval  time.Duration
	DialTimeout      time.Duration
	// ReadTimeout bounds the wait for each frame. Zero waits forever.
	ReadTimeout  time.Duration
	WriteTimeout time.Duration

	Handler Handler
	Logger  *zap.Logger
}

func (c Config) withDefaults() Config {
	if c.AnnounceInterval <= 0 {
		c.AnnounceInterval = discovery.DefaultAnnounceInterval
	}
	if c.ConnectInterval <= 0 {
		c.ConnectInterval = DefaultConnectInterval
	}
	if c.DialTimeout <= 0 {
		c.DialTimeout = DefaultDialTimeout
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = DefaultWriteTimeout
	}
	if c.Handler == nil {
		c.Handler = discardHandler{}
	}
	if c.Logger == nil {
		c.Logger = zap.NewNop()
	}
	return c
}

// Node is one participant: it announces itself, discovers peers, keeps one
// session per peer and hands received messages to its Handler.
type Node struct {
	id       uint16
	addr     netip.AddrPort
	instance string
	cfg      Config
	log      *zap.Logger
	started  time.Time

	ln        net.Listener
	disc      discovery.Transport
	reg       *registry.Registry
	announcer *discovery.Announcer
	listener  *discovery.Listener
	dialer    net.Dialer

	mu       sync.Mutex
	sessions map[netip.AddrPort]*Session
	closed   bool
	wg       sync.WaitGroup
}

// New binds the node's TCP listener. A bind failure is fatal for the node.
// disc may be nil when peers are fed into Registry by other means.
func New(cfg Config, disc discovery.Transport) (*Node, error) {
	cfg = cfg.withDefaults()

	ln, err := net.Listen("tcp", cfg.ListenAddr)
	if err != nil {
		return nil, fmt.Errorf("listen %s: %w", cfg.ListenAddr, err)
	}

	addr := cfg.Advertise
	if !addr.IsValid() {
		addr = addrPortOf(ln.Addr())
		if !addr.IsValid() || addr.Addr().IsUnspecified() {
			ln.Close()
			return nil, fmt.Errorf("listen address %s is not routable; set Advertise", ln.Addr())
		}
	}

	log := cfg.Logger.With(zap.Uint16("node", cfg.ID), zap.Stringer("addr", addr))
	n := &Node{
		id:       cfg.ID,
		addr:     addr,
		instance: uuid.NewString(),
		cfg:      cfg,
		log:      log,
		ln:       ln,
		disc:     disc,
		started:  time.Now(),
		reg:      registry.New(addr),
		sessions: make(map[netip.AddrPort]*Session),
	}
	if disc != nil {
		n.announcer = discovery.NewAnnouncer(addr, disc, cfg.AnnounceInterval, log.Named("announcer"))
		n.listener = discovery.NewListener(addr, disc, n.reg, log.Named("discovery"))
	}
	return n, nil
}

func (n *Node) ID() uint16                   { return n.id }
func (n *Node) Addr() netip.AddrPort         { return n.addr }
func (n *Node) Instance() string             { return n.instance }
func (n *Node) Registry() *registry.Registry { return n.reg }

// Run starts every long-lived task and blocks until ctx is done or the
// listener fails. On return all sockets are closed and every session task has
// exited. Run must be called at most once.
func (n *Node) Run(ctx context.Context) error {
	n.log.Info("node starting", zap.String("instance", n.instance))

	g, gctx := errgroup.WithContext(ctx)
	if n.disc != nil {
		g.Go(func() error { n.announcer.Run(gctx); return nil })
		g.Go(func() error { n.listener.Run(gctx); return nil })
	}
	g.Go(func() error { n.dialLoop(gctx); return nil })
	g.Go(func() error { return n.acceptLoop(gctx) })
	g.Go(func() error {
		<-gctx.Done()
		n.shutdown()
		return nil
	})

	err := g.Wait()
	n.wg.Wait()
	n.log.Info("node stopped")
	return err
}

// Close releases the node's sockets and ends its sessions. Run does this on
// exit; a node that is never run must be closed directly.
func (n *Node) Close() {
	n.shutdown()
}

func (n *Node) shutdown() {
	n.mu.Lock()
	n.closed = true
	live := make([]*Session, 0, len(n.sessions))
	for _, s := range n.sessions {
		live = append(live, s)
	}
	n.mu.Unlock()

	n.ln.Close()
	if n.disc != nil {
		n.disc.Close()
	}
	for _, s := range live {
		s.Close()
	}
}

// startSession registers and starts a session unless one already exists for
// remote or the node is shutting down; conn is closed in that case. An inbound
// remote enters the registry before the session task starts, so the release
// on session exit always follows it.
func (n *Node) startSession(remote netip.AddrPort, conn net.Conn, dir Direction) (*Session, bool) {
	s := newSession(remote, conn, dir, n.cfg.Handler, n.log)
	s.readTimeout = n.cfg.ReadTimeout
	s.writeTimeout = n.cfg.WriteTimeout

	n.mu.Lock()
	if _, dup := n.sessions[remote]; dup || n.closed {
		n.mu.Unlock()
		conn.Close()
		return nil, false
	}
	n.sessions[remote] = s
	if dir == Inbound {
		n.reg.AddAccepted(remote)
	}
	n.wg.Add(1)
	n.mu.Unlock()

	node := telemetry.NodeLabel(n.id)
	telemetry.SessionsActive.WithLabelValues(node, dir.String()).Inc()
	s.log.Info("session opened")

	go func() {
		defer n.wg.Done()
		state, err := s.Run()

		// Release before the session leaves the table so the dial loop never
		// sees the accepted entry without its session.
		if dir == Inbound {
			n.reg.ReleaseAccepted(remote)
		}
		n.mu.Lock()
		if n.sessions[remote] == s {
			delete(n.sessions, remote)
		}
		n.mu.Unlock()
		telemetry.SessionsActive.WithLabelValues(node, dir.String()).Dec()

		if err != nil {
			s.log.Warn("session closed", zap.Stringer("state", state), zap.Error(err))
		} else {
			s.log.Info("session closed", zap.Stringer("state", state))
		}
	}()
	return s, true
}

func (n *Node) session(remote netip.AddrPort) *Session {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.sessions[remote]
}

func (n *Node) hasSession(remote netip.AddrPort) bool {
	return n.session(remote) != nil
}

// Send writes msg on the live session to remote. A write failure closes that
// session; the peer stays in the registry for the next connect cycle.
func (n *Node) Send(remote netip.AddrPort, msg ncp.Message) error {
	s := n.session(remote)
	if s == nil {
		return fmt.Errorf("%w: %s", ErrNoSession, remote)
	}
	if err := s.Send(msg); err != nil {
		s.log.Warn("write failed, closing session", zap.Error(err))
		s.Close()
		return err
	}
	return nil
}

// Broadcast sends msg on every live session and returns how many accepted it.
func (n *Node) Broadcast(msg ncp.Message) int {
	n.mu.Lock()
	live := make([]netip.AddrPort, 0, len(n.sessions))
	for remote := range n.sessions {
		live = append(live, remote)
	}
	n.mu.Unlock()

	sent := 0
	for _, remote := range live {
		if err := n.Send(remote, msg); err == nil {
			sent++
		}
	}
	return sent
}

type SessionInfo struct {
	Remote    netip.AddrPort `json:"remote"`
	Direction Direction      `json:"direction"`
	State     State          `json:"state"`
	Since     time.Time      `json:"since"`
}

// Sessions lists live sessions ordered by remote address.
func (n *Node) Sessions() []SessionInfo {
	n.mu.Lock()
	out := make([]SessionInfo, 0, len(n.sessions))
	for _, s := range n.sessions {
		out = append(out, SessionInfo{Remote: s.remote, Direction: s.dir, State: s.State(), Since: s.opened})
	}
	n.mu.Unlock()

	slices.SortFunc(out, func(a, b SessionInfo) int { return registry.Compare(a.Remote, b.Remote) })
	return out
}
