package node

import (
	"encoding/json"
	"net/http"
	"net/netip"
	"os"
	"strconv"
	"time"

	"github.com/ryandielhenn/ncpmesh/internal/telemetry"
	"github.com/ryandielhenn/ncpmesh/pkg/registry"
)

// Healthz returns 200 OK to indicate the Node is alive.
func (n *Node) Healthz(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

// Info writes the node identity together with registry and session counts.
// peers counts announced addresses only; accepted counts inbound remotes.
func (n *Node) Info(w http.ResponseWriter, _ *http.Request) {
	type resp struct {
		ID       uint16         `json:"id"`
		Addr     netip.AddrPort `json:"addr"`
		Instance string         `json:"instance"`
		PID      int            `json:"pid"`
		Now      time.Time      `json:"now"`
		Uptime   string         `json:"uptime"`
		Peers    int            `json:"peers"`
		Accepted int            `json:"accepted"`
		Sessions int            `json:"sessions"`
	}
	writeJSON(w, resp{
		ID:       n.id,
		Addr:     n.addr,
		Instance: n.instance,
		PID:      os.Getpid(),
		Now:      time.Now(),
		Uptime:   time.Since(n.started).Round(time.Second).String(),
		Peers:    n.reg.Count(registry.OriginAnnounced),
		Accepted: n.reg.Count(registry.OriginAccepted),
		Sessions: len(n.Sessions()),
	})
}

// Peers writes a registry snapshot.
func (n *Node) Peers(w http.ResponseWriter, _ *http.Request) {
	type peer struct {
		Addr   netip.AddrPort `json:"addr"`
		Origin string         `json:"origin"`
	}
	snap := n.reg.Snapshot()
	out := make([]peer, 0, len(snap))
	for _, addr := range snap {
		origin, ok := n.reg.Origin(addr)
		if !ok {
			continue // released between snapshot and lookup
		}
		out = append(out, peer{Addr: addr, Origin: origin.String()})
	}
	writeJSON(w, out)
}

// SessionList writes the live sessions.
func (n *Node) SessionList(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, n.Sessions())
}

func writeJSON(w http.ResponseWriter, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Write(data)
}

// NewMux serves diagnostics for a set of nodes hosted by one process:
//
//	GET /healthz
//	GET /nodes
//	GET /nodes/{id}/info
//	GET /nodes/{id}/peers
//	GET /nodes/{id}/sessions
//	GET /metrics
func NewMux(nodes []*Node) *http.ServeMux {
	byID := make(map[uint16]*Node, len(nodes))
	for _, n := range nodes {
		byID[n.id] = n
	}
	lookup := func(h func(*Node, http.ResponseWriter, *http.Request)) http.HandlerFunc {
		return func(w http.ResponseWriter, r *http.Request) {
			id, err := strconv.ParseUint(r.PathValue("id"), 10, 16)
			if err != nil {
				http.Error(w, "invalid node id", http.StatusBadRequest)
				return
			}
			n, ok := byID[uint16(id)]
			if !ok {
				http.NotFound(w, r)
				return
			}
			h(n, w, r)
		}
	}

	mux := http.NewServeMux()
	mux.Handle("GET /healthz", telemetry.Instrument("healthz", http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})))
	mux.Handle("GET /nodes", telemetry.Instrument("nodes", http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		type entry struct {
			ID   uint16         `json:"id"`
			Addr netip.AddrPort `json:"addr"`
		}
		out := make([]entry, 0, len(nodes))
		for _, n := range nodes {
			out = append(out, entry{ID: n.id, Addr: n.addr})
		}
		writeJSON(w, out)
	})))
	mux.Handle("GET /nodes/{id}/healthz", telemetry.Instrument("node_healthz", lookup((*Node).Healthz)))
	mux.Handle("GET /nodes/{id}/info", telemetry.Instrument("info", lookup((*Node).Info)))
	mux.Handle("GET /nodes/{id}/peers", telemetry.Instrument("peers", lookup((*Node).Peers)))
	mux.Handle("GET /nodes/{id}/sessions", telemetry.Instrument("sessions", lookup((*Node).SessionList)))
	mux.Handle("GET /metrics", telemetry.MetricsHandler())
	return mux
}
