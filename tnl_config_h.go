// Copyright (c) 2021 Storj Labs, Inc.
// See LICENSE for copying information.

package tnl

import "time"

const (
	// MaxChunkSize is the hard ceiling for transfer chunk payloads. It keeps
	// a Data packet under the Teredo path MTU once headers are added.
	MaxChunkSize = 1280
	// MaxAckBitmapLength bounds the selective-ack run sent in one
	// Acknowledge packet. Chunks beyond the run are rediscovered on a later
	// ack round.
	MaxAckBitmapLength = 512
	// MaxPossibleAddresses bounds the candidate list used while punching.
	MaxPossibleAddresses = 5

	// maxChunkCount follows from the u16 chunkCount field of WriteRequest.
	maxChunkCount = 0xFFFF

	defaultRTT = 100 * time.Millisecond
	minRTT     = time.Millisecond
)

// Config holds the tunables of an Interface. The zero value of a field means
// "use the default"; WithConfig clamps whatever is given.
type Config struct {
	// ChunkSize is the payload size of each transfer chunk (<= MaxChunkSize).
	ChunkSize int
	// PacketsAtATime is the transfer window: how many of the lowest
	// unacknowledged chunks may be in flight.
	PacketsAtATime int
	// AckBitmapLimit is the longest bitmap run sent in one Acknowledge
	// (<= MaxAckBitmapLength).
	AckBitmapLimit int
	// MaxTransferSize bounds both outbound and announced inbound transfers.
	MaxTransferSize uint32

	// RetryInterval and MaxRetries apply to every pending handshake state.
	// MaxRetries counts resends after the first send. Like every other
	// field, zero selects the default, so a handshake always gets at least
	// one resend.
	RetryInterval time.Duration
	MaxRetries    uint32

	// PingInterval is how often an established connection pings its peer.
	PingInterval time.Duration
	// ConnectionTimeout tears down an established connection that received
	// nothing for this long.
	ConnectionTimeout time.Duration
	// MinResendTimeout is the floor of the chunk resend timeout (3×RTT).
	MinResendTimeout time.Duration
}

// DefaultConfig returns the empirically safe defaults.
func DefaultConfig() Config {
	return Config{
		ChunkSize:         MaxChunkSize,
		PacketsAtATime:    16,
		AckBitmapLimit:    MaxAckBitmapLength,
		MaxTransferSize:   64 << 20,
		RetryInterval:     2500 * time.Millisecond,
		MaxRetries:        4,
		PingInterval:      5 * time.Second,
		ConnectionTimeout: 30 * time.Second,
		MinResendTimeout:  200 * time.Millisecond,
	}
}

// clamped fills zero fields from DefaultConfig and clamps the chunk size
// and ack bitmap length to their hard maxima.
func (c Config) clamped() Config {
	def := DefaultConfig()
	if c.ChunkSize <= 0 {
		c.ChunkSize = def.ChunkSize
	}
	c.ChunkSize = clamp(1, c.ChunkSize, MaxChunkSize)
	if c.PacketsAtATime <= 0 {
		c.PacketsAtATime = def.PacketsAtATime
	}
	if c.AckBitmapLimit <= 0 {
		c.AckBitmapLimit = def.AckBitmapLimit
	}
	c.AckBitmapLimit = clamp(1, c.AckBitmapLimit, MaxAckBitmapLength)
	if c.MaxTransferSize == 0 {
		c.MaxTransferSize = def.MaxTransferSize
	}
	if c.RetryInterval <= 0 {
		c.RetryInterval = def.RetryInterval
	}
	if c.MaxRetries == 0 {
		c.MaxRetries = def.MaxRetries
	}
	if c.PingInterval <= 0 {
		c.PingInterval = def.PingInterval
	}
	if c.ConnectionTimeout <= 0 {
		c.ConnectionTimeout = def.ConnectionTimeout
	}
	if c.MinResendTimeout <= 0 {
		c.MinResendTimeout = def.MinResendTimeout
	}
	return c
}
