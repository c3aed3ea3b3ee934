package discovery

import (
	"errors"
	"fmt"
	"net"
	"net/netip"
	"os"
	"sync"
	"time"

	"github.com/libp2p/go-reuseport"
)

// ErrNoData is returned by Poll when nothing arrived within the poll window.
var ErrNoData = errors.New("discovery: no data available")

const DefaultPollWindow = time.Second

// Transport carries discovery datagrams. Send is best effort; Poll waits at
// most one poll window for a datagram so callers can observe cancellation.
type Transport interface {
	Send(payload []byte) error
	Poll(buf []byte) (int, net.Addr, error)
	Close() error
}

type UDPConfig struct {
	// SendAddr is the local bind of the announce socket. Empty means ":0".
	SendAddr string
	// ListenAddr is where this node receives announcements.
	ListenAddr string
	// Targets receive every announcement, normally the broadcast address on
	// the discovery port.
	Targets []netip.AddrPort
	// SharedPort lets colocated nodes bind the same ListenAddr.
	SharedPort bool
	PollWindow time.Duration
}

// UDPTransport sends announcements from one socket and receives them on another.
type UDPTransport struct {
	send    net.PacketConn
	recv    net.PacketConn
	targets []*net.UDPAddr
	window  time.Duration
}

// NewUDPTransport binds both sockets. A bind failure means the node cannot take
// part in discovery at all and should abort startup.
func NewUDPTransport(cfg UDPConfig) (*UDPTransport, error) {
	if len(cfg.Targets) == 0 {
		return nil, errors.New("discovery: no announce targets")
	}
	sendAddr := cfg.SendAddr
	if sendAddr == "" {
		sendAddr = ":0"
	}
	window := cfg.PollWindow
	if window <= 0 {
		window = DefaultPollWindow
	}

	send, err := net.ListenPacket("udp", sendAddr)
	if err != nil {
		return nil, fmt.Errorf("bind discovery send socket %s: %w", sendAddr, err)
	}

	var recv net.PacketConn
	if cfg.SharedPort {
		recv, err = reuseport.ListenPacket("udp", cfg.ListenAddr)
	} else {
		recv, err = net.ListenPacket("udp", cfg.ListenAddr)
	}
	if err != nil {
		send.Close()
		return nil, fmt.Errorf("bind discovery listen socket %s: %w", cfg.ListenAddr, err)
	}

	targets := make([]*net.UDPAddr, 0, len(cfg.Targets))
	for _, t := range cfg.Targets {
		targets = append(targets, net.UDPAddrFromAddrPort(t))
	}

	return &UDPTransport{send: send, recv: recv, targets: targets, window: window}, nil
}

// Send writes payload to every target. Failures for individual targets are
// joined; the remaining targets are still tried.
func (t *UDPTransport) Send(payload []byte) error {
	var errs []error
	for _, addr := range t.targets {
		if _, err := t.send.WriteTo(payload, addr); err != nil {
			errs = append(errs, fmt.Errorf("send to %s: %w", addr, err))
		}
	}
	return errors.Join(errs...)
}

func (t *UDPTransport) Poll(buf []byte) (int, net.Addr, error) {
	if err := t.recv.SetReadDeadline(time.Now().Add(t.window)); err != nil {
		return 0, nil, err
	}
	n, from, err := t.recv.ReadFrom(buf)
	if err != nil {
		if errors.Is(err, os.ErrDeadlineExceeded) {
			return 0, nil, ErrNoData
		}
		return 0, nil, err
	}
	return n, from, nil
}

// ListenAddr returns the bound receive address.
func (t *UDPTransport) ListenAddr() net.Addr { return t.recv.LocalAddr() }

func (t *UDPTransport) Close() error {
	return errors.Join(t.send.Close(), t.recv.Close())
}

// ---- In-process transport ----

type hubAddr string

func (a hubAddr) Network() string { return "hub" }
func (a hubAddr) String() string  { return string(a) }

type datagram struct {
	payload []byte
	from    net.Addr
}

// Hub is an in-process broadcast domain: every datagram sent by a member is
// delivered to all members, the sender included, like a broadcast on a shared
// segment. Delivery is best effort; a member with a full inbox misses it.
type Hub struct {
	mu      sync.RWMutex
	members map[*HubTransport]struct{}
}

func NewHub() *Hub {
	return &Hub{members: make(map[*HubTransport]struct{})}
}

// Join adds a member. name is reported as the datagram source address.
func (h *Hub) Join(name string, pollWindow time.Duration) *HubTransport {
	if pollWindow <= 0 {
		pollWindow = DefaultPollWindow
	}
	m := &HubTransport{
		hub:    h,
		addr:   hubAddr(name),
		inbox:  make(chan datagram, 64),
		closed: make(chan struct{}),
		window: pollWindow,
	}
	h.mu.Lock()
	h.members[m] = struct{}{}
	h.mu.Unlock()
	return m
}

func (h *Hub) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.members)
}

type HubTransport struct {
	hub    *Hub
	addr   hubAddr
	inbox  chan datagram
	closed chan struct{}
	once   sync.Once
	window time.Duration
}

func (m *HubTransport) Send(payload []byte) error {
	select {
	case <-m.closed:
		return net.ErrClosed
	default:
	}

	m.hub.mu.RLock()
	defer m.hub.mu.RUnlock()
	for member := range m.hub.members {
		d := datagram{payload: append([]byte(nil), payload...), from: m.addr}
		select {
		case member.inbox <- d:
		default:
		}
	}
	return nil
}

func (m *HubTransport) Poll(buf []byte) (int, net.Addr, error) {
	timer := time.NewTimer(m.window)
	defer timer.Stop()
	select {
	case d := <-m.inbox:
		return copy(buf, d.payload), d.from, nil
	case <-m.closed:
		return 0, nil, net.ErrClosed
	case <-timer.C:
		return 0, nil, ErrNoData
	}
}

func (m *HubTransport) Close() error {
	m.once.Do(func() {
		m.hub.mu.Lock()
		delete(m.hub.members, m)
		m.hub.mu.Unlock()
		close(m.closed)
	})
	return nil
}
