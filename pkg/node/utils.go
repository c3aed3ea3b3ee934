package node

import (
	"net"
	"net/netip"
	"strings"
)

// NormalizeHostPort cuts a tcp:// or udp:// scheme from the input address and
// adds a default port when none is present.
func NormalizeHostPort(addr, defPort string) string {
	if rest, ok := strings.CutPrefix(addr, "tcp://"); ok {
		addr = rest
	} else if rest, ok := strings.CutPrefix(addr, "udp://"); ok {
		addr = rest
	}

	if _, _, err := net.SplitHostPort(addr); err == nil {
		return addr
	}

	return net.JoinHostPort(strings.Trim(addr, "[]"), defPort)
}

// addrPortOf converts a socket address to its comparable form. IPv4-mapped
// IPv6 addresses are unmapped so both ends of a connection agree on ordering.
func addrPortOf(a net.Addr) netip.AddrPort {
	var ap netip.AddrPort
	switch v := a.(type) {
	case *net.TCPAddr:
		ap = v.AddrPort()
	case *net.UDPAddr:
		ap = v.AddrPort()
	default:
		parsed, err := netip.ParseAddrPort(a.String())
		if err != nil {
			return netip.AddrPort{}
		}
		ap = parsed
	}
	return netip.AddrPortFrom(ap.Addr().Unmap(), ap.Port())
}
