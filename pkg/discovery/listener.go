package discovery

import (
	"context"
	"errors"
	"net"
	"net/netip"
	"time"

	"go.uber.org/zap"

	"github.com/ryandielhenn/ncpmesh/internal/telemetry"
)

// maxDatagram bounds one announcement; "[ipv6%zone]:port" fits comfortably.
const maxDatagram = 1024

// Receiver is the receive half of a Transport.
type Receiver interface {
	Poll(buf []byte) (int, net.Addr, error)
}

// PeerAdder is satisfied by *registry.Registry.
type PeerAdder interface {
	AddIfAbsent(addr netip.AddrPort) bool
}

type Outcome uint8

const (
	OutcomeNew Outcome = iota
	OutcomeKnown
	OutcomeSelf
	OutcomeInvalid
)

func (o Outcome) String() string {
	switch o {
	case OutcomeNew:
		return "new"
	case OutcomeKnown:
		return "known"
	case OutcomeSelf:
		return "self"
	default:
		return "invalid"
	}
}

type Listener struct {
	self  netip.AddrPort
	rx    Receiver
	peers PeerAdder
	retry time.Duration
	log   *zap.Logger
}

func NewListener(self netip.AddrPort, rx Receiver, peers PeerAdder, log *zap.Logger) *Listener {
	if log == nil {
		log = zap.NewNop()
	}
	return &Listener{
		self:  self,
		rx:    rx,
		peers: peers,
		retry: DefaultPollWindow,
		log:   log,
	}
}

// SetRetryDelay sets the pause after a receive error before polling again.
func (l *Listener) SetRetryDelay(d time.Duration) { l.retry = d }

// Handle processes one datagram.
func (l *Listener) Handle(payload []byte, from net.Addr) Outcome {
	outcome := l.handle(payload, from)
	telemetry.DatagramsTotal.WithLabelValues(outcome.String()).Inc()
	return outcome
}

func (l *Listener) handle(payload []byte, from net.Addr) Outcome {
	addr, err := ParsePayload(payload)
	if err != nil {
		if errors.Is(err, ErrNotText) {
			l.log.Warn("discarding non-text announcement", zap.Stringer("from", from), zap.Int("bytes", len(payload)))
		} else {
			l.log.Warn("discarding invalid announcement", zap.Stringer("from", from), zap.ByteString("payload", payload), zap.Error(err))
		}
		return OutcomeInvalid
	}
	if addr == l.self {
		return OutcomeSelf
	}
	if !l.peers.AddIfAbsent(addr) {
		return OutcomeKnown
	}
	l.log.Info("discovered peer", zap.Stringer("peer", addr))
	return OutcomeNew
}

// Run polls for announcements until ctx is done or the transport is closed.
func (l *Listener) Run(ctx context.Context) {
	buf := make([]byte, maxDatagram)
	for ctx.Err() == nil {
		n, from, err := l.rx.Poll(buf)
		switch {
		case err == nil:
			l.Handle(buf[:n], from)
		case errors.Is(err, ErrNoData):
		case errors.Is(err, net.ErrClosed):
			if ctx.Err() == nil {
				l.log.Error("discovery transport closed unexpectedly", zap.Error(err))
			}
			return
		default:
			l.log.Warn("discovery receive failed", zap.Error(err))
			select {
			case <-ctx.Done():
			case <-time.After(l.retry):
			}
		}
	}
}
