// Package tproxy recovers the pre-DNAT destination of a transparently
// redirected TCP socket (spec.md §4.1). The real implementation is
// Linux-only and IPv4-only (spec.md §9's "Platform dependency" note); this
// file holds the shared type and the portable fallback shape so callers
// depend on an interface rather than a build-tagged function directly.
package tproxy

import (
	"net"
	"net/netip"
)

// Recoverer abstracts original-destination recovery behind an interface,
// per spec.md §9: "a portable implementation abstracts the recovery
// function behind a trait/interface with a no-op -> error implementation
// on non-Linux."
type Recoverer interface {
	OriginalDestination(conn *net.TCPConn) (netip.AddrPort, error)
}

// RecoverFunc adapts a bare function to Recoverer, mirroring the
// net/http.HandlerFunc idiom.
type RecoverFunc func(conn *net.TCPConn) (netip.AddrPort, error)

func (f RecoverFunc) OriginalDestination(conn *net.TCPConn) (netip.AddrPort, error) {
	return f(conn)
}

// Default is the platform's Recoverer, selected at build time.
var Default Recoverer = RecoverFunc(OriginalDestination)
