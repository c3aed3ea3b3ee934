package discovery

import (
	"context"
	"errors"
	"net"
	"net/netip"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/ryandielhenn/ncpmesh/pkg/registry"
)

type flakySender struct {
	mu    sync.Mutex
	calls int
	fail  bool
	sent  [][]byte
}

func (s *flakySender) Send(payload []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	// Alternate failures so the loop has to survive them.
	s.fail = !s.fail
	if s.fail {
		return errors.New("network unreachable")
	}
	s.sent = append(s.sent, append([]byte(nil), payload...))
	return nil
}

func (s *flakySender) snapshot() (int, [][]byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls, append([][]byte(nil), s.sent...)
}

func TestPayloadRoundTrip(t *testing.T) {
	for _, s := range []string{"127.0.0.1:5003", "10.0.0.2:65535", "[::1]:5003"} {
		addr := netip.MustParseAddrPort(s)
		assert.Equal(t, s, string(Payload(addr)))
		got, err := ParsePayload(Payload(addr))
		require.NoError(t, err)
		assert.Equal(t, addr, got)
	}

	_, err := ParsePayload([]byte{0xff, 0xfe, 0x00})
	assert.ErrorIs(t, err, ErrNotText)
	_, err = ParsePayload([]byte("not-an-address"))
	assert.Error(t, err)
}

func TestAnnouncerKeepsRunningAfterFailures(t *testing.T) {
	self := netip.MustParseAddrPort("127.0.0.1:5003")
	tx := &flakySender{}
	a := NewAnnouncer(self, tx, 5*time.Millisecond, zaptest.NewLogger(t))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		a.Run(ctx)
		close(done)
	}()

	require.Eventually(t, func() bool {
		calls, _ := tx.snapshot()
		return calls >= 6
	}, 2*time.Second, 5*time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("announcer did not stop after cancel")
	}

	_, sent := tx.snapshot()
	require.NotEmpty(t, sent)
	for _, p := range sent {
		assert.Equal(t, "127.0.0.1:5003", string(p))
	}
}

func TestListenerHandle(t *testing.T) {
	self := netip.MustParseAddrPort("127.0.0.1:5003")
	reg := registry.New(self)
	l := NewListener(self, nil, reg, zaptest.NewLogger(t))
	from := hubAddr("test")

	assert.Equal(t, OutcomeSelf, l.Handle([]byte("127.0.0.1:5003"), from))
	assert.Equal(t, OutcomeNew, l.Handle([]byte("127.0.0.1:5004"), from))
	assert.Equal(t, OutcomeKnown, l.Handle([]byte("127.0.0.1:5004"), from))
	assert.Equal(t, OutcomeInvalid, l.Handle([]byte("127.0.0.1"), from))
	assert.Equal(t, OutcomeInvalid, l.Handle([]byte{0xc3, 0x28}, from))
	assert.Equal(t, OutcomeInvalid, l.Handle(nil, from))

	assert.Equal(t, []netip.AddrPort{netip.MustParseAddrPort("127.0.0.1:5004")}, reg.Snapshot())
}

func TestHubDiscovery(t *testing.T) {
	hub := NewHub()
	addrs := []netip.AddrPort{
		netip.MustParseAddrPort("127.0.0.1:5003"),
		netip.MustParseAddrPort("127.0.0.1:5004"),
		netip.MustParseAddrPort("127.0.0.1:5005"),
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var wg sync.WaitGroup
	regs := make([]*registry.Registry, len(addrs))
	for i, addr := range addrs {
		regs[i] = registry.New(addr)
		tr := hub.Join(addr.String(), 5*time.Millisecond)
		defer tr.Close()

		wg.Add(2)
		go func() {
			defer wg.Done()
			NewAnnouncer(addr, tr, 10*time.Millisecond, zaptest.NewLogger(t)).Run(ctx)
		}()
		go func(reg *registry.Registry) {
			defer wg.Done()
			NewListener(addr, tr, reg, zaptest.NewLogger(t)).Run(ctx)
		}(regs[i])
	}

	require.Eventually(t, func() bool {
		for _, r := range regs {
			if r.Len() != len(addrs)-1 {
				return false
			}
		}
		return true
	}, 2*time.Second, 10*time.Millisecond)

	for i, r := range regs {
		assert.False(t, r.Contains(addrs[i]), "registry %d contains self", i)
	}

	cancel()
	wg.Wait()
}

type scriptedReceiver struct {
	calls atomic.Int32
}

func (r *scriptedReceiver) Poll(buf []byte) (int, net.Addr, error) {
	switch r.calls.Add(1) {
	case 1:
		return 0, nil, ErrNoData
	case 2:
		return 0, nil, errors.New("connection refused")
	case 3:
		return copy(buf, "127.0.0.1:6000"), hubAddr("peer"), nil
	default:
		return 0, nil, net.ErrClosed
	}
}

func TestListenerSurvivesReceiveErrors(t *testing.T) {
	self := netip.MustParseAddrPort("127.0.0.1:5003")
	reg := registry.New(self)
	rx := &scriptedReceiver{}
	l := NewListener(self, rx, reg, zaptest.NewLogger(t))
	l.SetRetryDelay(time.Millisecond)

	done := make(chan struct{})
	go func() {
		l.Run(context.Background())
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("listener did not return after transport closed")
	}
	assert.True(t, reg.Contains(netip.MustParseAddrPort("127.0.0.1:6000")))
	assert.EqualValues(t, 4, rx.calls.Load())
}

func TestHubTransportClose(t *testing.T) {
	hub := NewHub()
	tr := hub.Join("a", time.Millisecond)
	require.Equal(t, 1, hub.Len())

	_, _, err := tr.Poll(make([]byte, 8))
	assert.ErrorIs(t, err, ErrNoData)

	require.NoError(t, tr.Close())
	require.NoError(t, tr.Close())
	assert.Equal(t, 0, hub.Len())
	assert.ErrorIs(t, tr.Send([]byte("x")), net.ErrClosed)
	_, _, err = tr.Poll(make([]byte, 8))
	assert.ErrorIs(t, err, net.ErrClosed)
}

func TestUDPTransportLoopback(t *testing.T) {
	// Bind the listener first to learn a free port, then target it directly.
	probe, err := net.ListenPacket("udp", "127.0.0.1:0")
	require.NoError(t, err)
	port := probe.LocalAddr().(*net.UDPAddr).Port
	require.NoError(t, probe.Close())

	target := netip.AddrPortFrom(netip.MustParseAddr("127.0.0.1"), uint16(port))
	tr, err := NewUDPTransport(UDPConfig{
		SendAddr:   "127.0.0.1:0",
		ListenAddr: target.String(),
		Targets:    []netip.AddrPort{target},
		PollWindow: 20 * time.Millisecond,
	})
	require.NoError(t, err)
	defer tr.Close()

	buf := make([]byte, maxDatagram)
	_, _, err = tr.Poll(buf)
	require.ErrorIs(t, err, ErrNoData)

	require.NoError(t, tr.Send(Payload(target)))
	require.Eventually(t, func() bool {
		n, _, err := tr.Poll(buf)
		return err == nil && string(buf[:n]) == target.String()
	}, time.Second, time.Millisecond)
}

func TestNewUDPTransportRequiresTargets(t *testing.T) {
	_, err := NewUDPTransport(UDPConfig{ListenAddr: "127.0.0.1:0"})
	assert.Error(t, err)
}
