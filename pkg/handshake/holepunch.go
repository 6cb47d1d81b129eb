// Package handshake sequences the multi-step P2P rendezvous dialogue across
// two UDP sockets (§4.4), performs UDP hole-punching, obtains the session
// signature, and issues the initial PTCP commands that bring up a tunnel
// socket for the multiplexer.
package handshake

import (
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"net/netip"
)

var (
	holePunchMagic1 = [4]byte{0xff, 0xfe, 0xff, 0xe7}
	holePunchMagic2 = [4]byte{0xfe, 0xfe, 0xff, 0xe7}
	holePunchTail1  = [4]byte{0x7f, 0xd5, 0xff, 0xf7}
	holePunchTail2  = [4]byte{0x7f, 0xd6, 0xff, 0xf7}
	holePunchMid    = [6]byte{0xff, 0xfb, 0xff, 0xf7, 0xff, 0xfe}
)

// encodeAddr encodes a SocketAddrV4 as port_be(2) || ip4(4), then bitwise
// NOTs every byte, per spec.md §4.4 step 11.
func encodeAddr(addr netip.AddrPort) ([]byte, error) {
	if !addr.Addr().Is4() {
		return nil, fmt.Errorf("handshake: hole-punch address encoding requires IPv4, got %s", addr)
	}
	b := make([]byte, 6)
	binary.BigEndian.PutUint16(b[0:2], addr.Port())
	ip4 := addr.Addr().As4()
	copy(b[2:6], ip4[:])
	for i := range b {
		b[i] = ^b[i]
	}
	return b, nil
}

// parseAddrV4 parses a "host:port" string as a netip.AddrPort, requiring
// IPv4 (spec.md §1 Non-goals: "IPv6 in the rendezvous address encoding").
func parseAddrV4(s string) (netip.AddrPort, error) {
	addr, err := netip.ParseAddrPort(s)
	if err != nil {
		return netip.AddrPort{}, fmt.Errorf("handshake: parse address %q: %w", s, err)
	}
	if !addr.Addr().Is4() {
		return netip.AddrPort{}, fmt.Errorf("handshake: address %q is not IPv4", s)
	}
	return addr, nil
}

// randomBytes returns n cryptographically random bytes.
func randomBytes(n int) []byte {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		panic(fmt.Errorf("handshake: read random bytes: %w", err))
	}
	return b
}

// buildHolePunch1 builds the first hole-punch datagram (spec.md §4.4 step
// 11): directed at the device's public address, carrying the identify
// cookie negated.
func buildHolePunch1(cookie [4]byte, transID [12]byte, negatedIdentify [8]byte, devicePub netip.AddrPort) ([]byte, error) {
	enc, err := encodeAddr(devicePub)
	if err != nil {
		return nil, err
	}
	var buf []byte
	buf = append(buf, holePunchMagic1[:]...)
	buf = append(buf, cookie[:]...)
	buf = append(buf, transID[:]...)
	buf = append(buf, holePunchTail1[:]...)
	buf = append(buf, negatedIdentify[:]...)
	buf = append(buf, holePunchMid[:]...)
	buf = append(buf, enc...)
	return buf, nil
}

// buildHolePunch2 builds the second hole-punch datagram, reusing cookie and
// substituting the peer's reply transaction id and carrying the device's
// local address as its trailing encoded address. Run sends it, like the
// first datagram, to the device's public address.
func buildHolePunch2(cookie [4]byte, rtransID [12]byte, negatedIdentify [8]byte, deviceLocal netip.AddrPort) ([]byte, error) {
	enc, err := encodeAddr(deviceLocal)
	if err != nil {
		return nil, err
	}
	var buf []byte
	buf = append(buf, holePunchMagic2[:]...)
	buf = append(buf, cookie[:]...)
	buf = append(buf, rtransID[:]...)
	buf = append(buf, holePunchTail2[:]...)
	buf = append(buf, negatedIdentify[:]...)
	buf = append(buf, holePunchMid[:]...)
	buf = append(buf, enc...)
	return buf, nil
}

// negate8 returns the bitwise NOT of each byte in b.
func negate8(b [8]byte) [8]byte {
	var out [8]byte
	for i := range b {
		out[i] = ^b[i]
	}
	return out
}
