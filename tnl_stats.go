// Copyright (c) 2021 Storj Labs, Inc.
// See LICENSE for copying information.

//go:build tnlstats
// +build tnlstats

package tnl

func (s *Stats) transmitted(length int) {
	s.NBytesXmit += uint64(length)
	s.NXmit++
}

func (s *Stats) chunkResent() {
	s.ReXmit++
}

func (s *Stats) packetReceived(length int) {
	s.NRecv++
	s.NBytesRecv += uint64(length)
}

func (s *Stats) fastTransmitted() {
	s.FastReXmit++
}

func (s *Stats) duplicateReceived() {
	s.NDupRecv++
}

// GetStats returns a snapshot of the counters collected for c.
func (c *Connection) GetStats() Stats {
	return *c.stats
}
