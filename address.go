// Copyright (c) 2021 Storj Labs, Inc.
// See LICENSE for copying information.

package tnl

import (
	"encoding/binary"
	"fmt"
	"net"
	"net/netip"
)

// AddressFamily identifies the kind of endpoint held in a NetAddress. The
// numeric values are part of the digest input and of the wire encoding used
// by relay responses.
type AddressFamily uint8

const (
	AddressInvalid AddressFamily = 0
	AddressIPv4    AddressFamily = 1
	AddressIPv6    AddressFamily = 2
)

// NetAddress is the identity of a remote endpoint as captured from a
// datagram. It is a comparable value type and can be used as a map key.
type NetAddress struct {
	ap netip.AddrPort
}

// AddressFrom wraps a netip.AddrPort. IPv4-mapped IPv6 addresses are
// unmapped so that the same peer always produces the same NetAddress.
func AddressFrom(ap netip.AddrPort) NetAddress {
	return NetAddress{ap: netip.AddrPortFrom(ap.Addr().Unmap(), ap.Port())}
}

// AddressFromUDP converts a *net.UDPAddr as returned by ReadFromUDP.
func AddressFromUDP(addr *net.UDPAddr) NetAddress {
	if addr == nil {
		return NetAddress{}
	}
	return AddressFrom(addr.AddrPort())
}

// ParseAddress parses an "ip:port" string.
func ParseAddress(s string) (NetAddress, error) {
	ap, err := netip.ParseAddrPort(s)
	if err != nil {
		return NetAddress{}, fmt.Errorf("invalid address %q: %w", s, err)
	}
	return AddressFrom(ap), nil
}

// ResolveAddress resolves a "host:port" string for the given udp network
// ("udp", "udp4" or "udp6").
func ResolveAddress(network, address string) (NetAddress, error) {
	udpAddr, err := net.ResolveUDPAddr(network, address)
	if err != nil {
		return NetAddress{}, err
	}
	return AddressFromUDP(udpAddr), nil
}

func (a NetAddress) IsValid() bool { return a.ap.IsValid() }

func (a NetAddress) AddrPort() netip.AddrPort { return a.ap }

func (a NetAddress) IP() netip.Addr { return a.ap.Addr() }

func (a NetAddress) Port() uint16 { return a.ap.Port() }

func (a NetAddress) Family() AddressFamily {
	switch {
	case !a.ap.IsValid():
		return AddressInvalid
	case a.ap.Addr().Is4():
		return AddressIPv4
	default:
		return AddressIPv6
	}
}

// SameHost reports whether both addresses share an IP, regardless of port.
// NAT punching treats this as a partial match, since symmetric NATs remap
// ports per destination.
func (a NetAddress) SameHost(b NetAddress) bool {
	return a.ap.IsValid() && b.ap.IsValid() && a.ap.Addr() == b.ap.Addr()
}

// UDPAddr returns the address in the form expected by net.UDPConn.
func (a NetAddress) UDPAddr() *net.UDPAddr {
	return net.UDPAddrFromAddrPort(a.ap)
}

func (a NetAddress) String() string {
	if !a.ap.IsValid() {
		return "<invalid>"
	}
	return a.ap.String()
}

// packedAddress folds the IP into one word for digest input.
func (a NetAddress) packedAddress() uint32 {
	ip := a.ap.Addr()
	if ip.Is4() {
		b := ip.As4()
		return binary.BigEndian.Uint32(b[:])
	}
	b := ip.As16()
	return binary.BigEndian.Uint32(b[0:4]) ^
		binary.BigEndian.Uint32(b[4:8]) ^
		binary.BigEndian.Uint32(b[8:12]) ^
		binary.BigEndian.Uint32(b[12:16])
}
