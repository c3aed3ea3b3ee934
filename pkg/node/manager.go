package node

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"time"

	"go.uber.org/zap"

	"github.com/ryandielhenn/ncpmesh/internal/telemetry"
	"github.com/ryandielhenn/ncpmesh/pkg/ncp"
	"github.com/ryandielhenn/ncpmesh/pkg/registry"
)

const acceptBackoff = 50 * time.Millisecond

// ShouldInitiate reports whether self dials peer. The lower address
// initiates, so for any two distinct addresses exactly one side dials and both
// sides agree on which.
func ShouldInitiate(self, peer netip.AddrPort) bool {
	return registry.Compare(self, peer) < 0
}

// Handshake is the first frame an initiator writes on a new connection.
func Handshake(id uint16) ncp.Message {
	return ncp.NewMessage(id, ncp.SignalData, float32(id))
}

func (n *Node) dialLoop(ctx context.Context) {
	ticker := time.NewTicker(n.cfg.ConnectInterval)
	defer ticker.Stop()

	for {
		n.connectPeers(ctx)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// connectPeers runs one outbound pass over a registry snapshot.
func (n *Node) connectPeers(ctx context.Context) {
	peers := n.reg.Snapshot()
	telemetry.KnownPeers.WithLabelValues(telemetry.NodeLabel(n.id)).Set(float64(n.reg.Count(registry.OriginAnnounced)))

	for _, peer := range peers {
		if ctx.Err() != nil {
			return
		}
		if !ShouldInitiate(n.addr, peer) || n.hasSession(peer) {
			continue
		}
		if err := n.dial(ctx, peer); err != nil {
			telemetry.DialsTotal.WithLabelValues("error").Inc()
			n.log.Warn("connect failed", zap.Stringer("peer", peer), zap.Error(err))
			continue
		}
		telemetry.DialsTotal.WithLabelValues("ok").Inc()
	}
}

func (n *Node) dial(ctx context.Context, peer netip.AddrPort) error {
	dctx, cancel := context.WithTimeout(ctx, n.cfg.DialTimeout)
	defer cancel()

	conn, err := n.dialer.DialContext(dctx, "tcp", peer.String())
	if err != nil {
		return err
	}

	if err := conn.SetWriteDeadline(time.Now().Add(n.cfg.WriteTimeout)); err != nil {
		conn.Close()
		return err
	}
	if err := ncp.WriteMessage(conn, Handshake(n.id)); err != nil {
		conn.Close()
		return fmt.Errorf("handshake: %w", err)
	}
	telemetry.FramesTotal.WithLabelValues("tx", ncp.SignalData.String()).Inc()

	if _, ok := n.startSession(peer, conn, Outbound); !ok {
		return fmt.Errorf("session for %s not started", peer)
	}
	return nil
}

// acceptLoop hands every inbound connection to startSession, which records
// the session and the accepted registry entry together.
func (n *Node) acceptLoop(ctx context.Context) error {
	for {
		conn, err := n.ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if errors.Is(err, net.ErrClosed) {
				return fmt.Errorf("accept: %w", err)
			}
			telemetry.AcceptErrorsTotal.Inc()
			n.log.Warn("accept failed", zap.Error(err))
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(acceptBackoff):
			}
			continue
		}

		n.startSession(addrPortOf(conn.RemoteAddr()), conn, Inbound)
	}
}
