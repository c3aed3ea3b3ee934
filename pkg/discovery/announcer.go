package discovery

import (
	"context"
	"errors"
	"net/netip"
	"time"
	"unicode/utf8"

	"go.uber.org/zap"

	"github.com/ryandielhenn/ncpmesh/internal/telemetry"
)

const DefaultAnnounceInterval = 2000 * time.Millisecond

var ErrNotText = errors.New("discovery: payload is not UTF-8 text")

// Payload is the announcement body for addr: its "host:port" text form.
func Payload(addr netip.AddrPort) []byte {
	return []byte(addr.String())
}

// ParsePayload is the inverse of Payload.
func ParsePayload(b []byte) (netip.AddrPort, error) {
	if !utf8.Valid(b) {
		return netip.AddrPort{}, ErrNotText
	}
	return netip.ParseAddrPort(string(b))
}

// Sender is the send half of a Transport.
type Sender interface {
	Send(payload []byte) error
}

type Announcer struct {
	self     netip.AddrPort
	tx       Sender
	interval time.Duration
	payload  []byte
	log      *zap.Logger
}

func NewAnnouncer(self netip.AddrPort, tx Sender, interval time.Duration, log *zap.Logger) *Announcer {
	if interval <= 0 {
		interval = DefaultAnnounceInterval
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Announcer{
		self:     self,
		tx:       tx,
		interval: interval,
		payload:  Payload(self),
		log:      log,
	}
}

// Announce sends one announcement. No acknowledgement is expected.
func (a *Announcer) Announce() error {
	if err := a.tx.Send(a.payload); err != nil {
		telemetry.AnnouncementsTotal.WithLabelValues("error").Inc()
		return err
	}
	telemetry.AnnouncementsTotal.WithLabelValues("ok").Inc()
	return nil
}

// Run announces immediately and then once per interval until ctx is done.
// Send failures are logged and retried on the next tick.
func (a *Announcer) Run(ctx context.Context) {
	ticker := time.NewTicker(a.interval)
	defer ticker.Stop()

	for {
		if err := a.Announce(); err != nil {
			a.log.Warn("announce failed", zap.Error(err))
		} else {
			a.log.Debug("announced presence")
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
