package node

import (
	"net/netip"

	"go.uber.org/zap"

	"github.com/ryandielhenn/ncpmesh/pkg/ncp"
)

// Handler receives every message decoded by a session. Calls for one session
// arrive in stream order; calls for different sessions may be concurrent.
type Handler interface {
	HandleMessage(from netip.AddrPort, msg ncp.Message)
}

type HandlerFunc func(from netip.AddrPort, msg ncp.Message)

func (f HandlerFunc) HandleMessage(from netip.AddrPort, msg ncp.Message) { f(from, msg) }

type discardHandler struct{}

func (discardHandler) HandleMessage(netip.AddrPort, ncp.Message) {}

// LogHandler logs each message at info level.
func LogHandler(log *zap.Logger) Handler {
	return HandlerFunc(func(from netip.AddrPort, msg ncp.Message) {
		log.Info("message",
			zap.Stringer("from", from),
			zap.Uint16("sender_id", msg.SenderID),
			zap.Stringer("kind", msg.Kind),
			zap.Float32("value", msg.Value))
	})
}
