// Copyright (C) 2021 Storj Labs, Inc.
// See LICENSE for copying information.

package tnl

import (
	"golang.org/x/sys/unix"
)

func systemSetupUDPSocket(h *Host) error {
	sc, err := h.udpSocket.SyscallConn()
	if err != nil {
		return err
	}
	callErr := sc.Control(func(fd uintptr) {
		// enable path mtu discovery, which (at least for non-SOCK_STREAM
		// sockets) forces the don't-fragment flag on for all outgoing packets.
		// Chunks are sized to fit the smallest path MTU we expect, so a
		// fragmented datagram means something is misconfigured.
		err = unix.SetsockoptInt(int(fd), unix.IPPROTO_IP, unix.IP_MTU_DISCOVER, unix.IP_PMTUDISC_DO)
		if err != nil {
			// not sure why this would happen, but we can carry on without it
			h.logger.Error(err, "could not set IP_MTU_DISCOVER option on UDP socket")
		}
	})
	if callErr != nil {
		return callErr
	}
	return nil
}
