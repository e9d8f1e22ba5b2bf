// Copyright (C) 2021 Storj Labs, Inc.
// See LICENSE for copying information.

package tnl

import (
	"net"

	"golang.org/x/sys/unix"
)

const (
	IP_DONTFRAG   = 28 // in bsd/netinet/in.h as of xnu 7195.50.7.100.1
	IPV6_DONTFRAG = 62 // in bsd/netinet6/in6.h
)

func systemSetupUDPSocket(h *Host) error {
	option := IP_DONTFRAG
	level := unix.IPPROTO_IP
	socket := h.udpSocket
	if socket.LocalAddr().(*net.UDPAddr).IP.To4() == nil {
		option = IPV6_DONTFRAG
		level = unix.IPPROTO_IPV6
	}
	sc, err := socket.SyscallConn()
	if err != nil {
		return err
	}
	callErr := sc.Control(func(fd uintptr) {
		err = unix.SetsockoptInt(int(fd), level, option, 1)
	})
	if callErr != nil {
		return callErr
	}
	if err != nil {
		// Mac OSes older than 11.3 Big Sur do not support the IPv4
		// IP_DONTFRAG. We might see fragmentation, but we can carry on.
		h.logger.Info("could not set DONTFRAG option on UDP socket",
			"error", err.Error())
	}
	return nil
}
