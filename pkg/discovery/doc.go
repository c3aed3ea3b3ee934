// Package discovery implements broadcast-based peer discovery. An Announcer
// periodically sends the node's own address as UTF-8 "host:port" text and a
// Listener turns received announcements into registry entries.
//
// Both sides talk through a Transport so the membership logic does not depend
// on the socket setup:
//
//	tx, _ := discovery.NewUDPTransport(discovery.UDPConfig{
//		ListenAddr: "0.0.0.0:5002",
//		Targets:    []netip.AddrPort{netip.MustParseAddrPort("255.255.255.255:5002")},
//	})
//	go discovery.NewAnnouncer(self, tx, 2*time.Second, log).Run(ctx)
//	go discovery.NewListener(self, tx, reg, log).Run(ctx)
//
// Per-node listen ports and announce target lists exist only so several nodes
// can share one host; they never change the datagram format. Hub provides an
// in-process transport for tests and single-process simulations.
package discovery
