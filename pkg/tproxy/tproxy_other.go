//go:build !linux

package tproxy

import (
	"errors"
	"net"
	"net/netip"
)

// ErrUnsupported is returned on every platform but Linux, per spec.md §9.
var ErrUnsupported = errors.New("tproxy: original destination recovery requires Linux (SO_ORIGINAL_DST)")

// OriginalDestination is the no-op -> error fallback for non-Linux builds.
func OriginalDestination(*net.TCPConn) (netip.AddrPort, error) {
	return netip.AddrPort{}, ErrUnsupported
}
