package registry

import (
	"net/netip"
	"slices"
	"sync"
)

// Origin records how an address entered the registry.
type Origin uint8

const (
	OriginAnnounced Origin = iota // discovery datagram or rendezvous
	OriginAccepted                // remote end of an inbound connection
)

func (o Origin) String() string {
	if o == OriginAccepted {
		return "accepted"
	}
	return "announced"
}

// Registry is the set of peer addresses a node knows about. It never contains
// the owning node's own address and every insert is idempotent.
type Registry struct {
	mu    sync.RWMutex
	self  netip.AddrPort
	peers map[netip.AddrPort]Origin
}

func New(self netip.AddrPort) *Registry {
	return &Registry{
		self:  self,
		peers: make(map[netip.AddrPort]Origin),
	}
}

func (r *Registry) Self() netip.AddrPort { return r.self }

// AddIfAbsent inserts an announced peer. It reports true only when addr was
// not yet known and is not the node itself. An entry previously learned from
// an accepted connection is promoted to announced without counting as new.
func (r *Registry) AddIfAbsent(addr netip.AddrPort) bool {
	if addr == r.self || !addr.IsValid() {
		return false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if origin, ok := r.peers[addr]; ok {
		if origin == OriginAccepted {
			r.peers[addr] = OriginAnnounced
		}
		return false
	}
	r.peers[addr] = OriginAnnounced
	return true
}

// AddAccepted inserts the remote address of an inbound connection.
func (r *Registry) AddAccepted(addr netip.AddrPort) bool {
	if addr == r.self || !addr.IsValid() {
		return false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.peers[addr]; ok {
		return false
	}
	r.peers[addr] = OriginAccepted
	return true
}

// ReleaseAccepted drops addr if, and only if, it was learned from an accepted
// connection. Announced peers stay for the lifetime of the registry.
func (r *Registry) ReleaseAccepted(addr netip.AddrPort) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if origin, ok := r.peers[addr]; ok && origin == OriginAccepted {
		delete(r.peers, addr)
		return true
	}
	return false
}

func (r *Registry) Contains(addr netip.AddrPort) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.peers[addr]
	return ok
}

func (r *Registry) Origin(addr netip.AddrPort) (Origin, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	o, ok := r.peers[addr]
	return o, ok
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.peers)
}

// Count reports how many entries have the given origin.
func (r *Registry) Count(origin Origin) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n := 0
	for _, o := range r.peers {
		if o == origin {
			n++
		}
	}
	return n
}

// Snapshot returns a copy of the known addresses ordered by Compare. The
// caller may iterate it freely; no lock is held.
func (r *Registry) Snapshot() []netip.AddrPort {
	r.mu.RLock()
	out := make([]netip.AddrPort, 0, len(r.peers))
	for addr := range r.peers {
		out = append(out, addr)
	}
	r.mu.RUnlock()

	slices.SortFunc(out, Compare)
	return out
}

// Compare is the total order over peer addresses used by snapshots and the
// connection tie-break: IPv4 before IPv6, then address bytes, then port.
func Compare(a, b netip.AddrPort) int {
	return a.Compare(b)
}
