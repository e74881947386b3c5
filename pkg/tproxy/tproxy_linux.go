//go:build linux

package tproxy

import (
	"encoding/binary"
	"fmt"
	"net"
	"net/netip"

	"golang.org/x/sys/unix"
)

// soOriginalDst is Linux's SO_ORIGINAL_DST (80), the socket option that
// recovers the address a REDIRECT-target socket would have connected to
// before netfilter rewrote it. x/sys/unix has no named wrapper for the
// option itself (it isn't part of the portable option set), so this uses
// the same field-compatible-struct trick jroosing/hydradns's raw-socket
// code and most Go transparent proxies rely on: GetsockoptIPv6Mreq reads
// a 20-byte option value, and a struct sockaddr_in (family, port, addr,
// 8 bytes of padding) fits entirely inside its 16-byte Multiaddr field.
const soOriginalDst = 80

// OriginalDestination implements spec.md §4.1 on Linux.
func OriginalDestination(conn *net.TCPConn) (netip.AddrPort, error) {
	sc, err := conn.SyscallConn()
	if err != nil {
		return netip.AddrPort{}, fmt.Errorf("tproxy: syscall conn: %w", err)
	}

	var mreq *unix.IPv6Mreq
	var sockErr error
	ctrlErr := sc.Control(func(fd uintptr) {
		mreq, sockErr = unix.GetsockoptIPv6Mreq(int(fd), unix.SOL_IP, soOriginalDst)
	})
	if ctrlErr != nil {
		return netip.AddrPort{}, fmt.Errorf("tproxy: control: %w", ctrlErr)
	}
	if sockErr != nil {
		return netip.AddrPort{}, fmt.Errorf("tproxy: getsockopt SO_ORIGINAL_DST: %w", sockErr)
	}

	// sockaddr_in layout inside Multiaddr: family(2) port(2) addr(4) zero(8).
	raw := mreq.Multiaddr
	port := binary.BigEndian.Uint16(raw[2:4])
	ip := netip.AddrFrom4([4]byte{raw[4], raw[5], raw[6], raw[7]})

	return netip.AddrPortFrom(ip, port), nil
}
