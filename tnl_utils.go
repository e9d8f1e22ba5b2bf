// Copyright (C) 2021 Storj Labs, Inc.
// See LICENSE for copying information.

package tnl

import (
	"encoding/binary"
	"fmt"
	"io"
	"net"
)

const (
	ethernetMTU     = 1500
	ipv4HeaderSize  = 20
	ipv6HeaderSize  = 40
	udpHeaderSize   = 8
	greHeaderSize   = 24
	pppoeHeaderSize = 8
	mppeHeaderSize  = 2

	fudgeHeaderSize = 36
	teredoMTU       = 1280

	udpIPv4MTU   = ethernetMTU - ipv4HeaderSize - udpHeaderSize - greHeaderSize - pppoeHeaderSize - mppeHeaderSize - fudgeHeaderSize
	udpTeredoMTU = teredoMTU - ipv6HeaderSize - udpHeaderSize
)

// GetUDPMTU returns a best guess as to the largest datagram that can be sent
// to addr without fragmentation.
func GetUDPMTU(addr NetAddress) int {
	// Since we don't know the local address of the interface,
	// be conservative and assume all IPv6 connections are Teredo.
	if addr.Family() == AddressIPv6 {
		return udpTeredoMTU
	}
	return udpIPv4MTU
}

// maxDatagramSize is the receive buffer size used by the socket drivers.
func maxDatagramSize(addr *net.UDPAddr) int {
	if addr != nil && addr.IP.To4() == nil {
		return ethernetMTU - ipv6HeaderSize - udpHeaderSize
	}
	return ethernetMTU - ipv4HeaderSize - udpHeaderSize
}

func randomUint32(r io.Reader) (uint32, error) {
	var buf [4]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return 0, fmt.Errorf("can't read from random source: %w", err)
	}
	return binary.LittleEndian.Uint32(buf[:]), nil
}

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}

func clamp(lo, x, hi int) int {
	if x < lo {
		return lo
	}
	if x > hi {
		return hi
	}
	return x
}

func divRoundUp(num, denom uint32) uint32 {
	return (num + denom - 1) / denom
}
