// Copyright (c) 2021 Storj Labs, Inc.
// See LICENSE for copying information.

package tnl

// ConnectionState is the lifecycle state of a Connection.
type ConnectionState int

const (
	StateNotConnected ConnectionState = iota
	// a ConnectChallengeRequest has been sent; waiting for the digest
	StateAwaitingChallengeResponse
	// a ConnectRequest (or ArrangedConnectRequest) has been sent
	StateAwaitingConnectResponse
	// sending Punch packets to the candidate addresses of an arranged peer
	StateSendingPunchPackets
	// punching failed; asking the known relays for a direct address
	StateTryingRelay
	// established; the only state held in the established registry
	StateConnected
	StateRejected
	StateTimedOut
	StateDisconnected
)

var stateNames = []string{
	"NotConnected", "AwaitingChallengeResponse", "AwaitingConnectResponse",
	"SendingPunchPackets", "TryingRelay", "Connected", "Rejected", "TimedOut",
	"Disconnected",
}

func (s ConnectionState) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return "Unknown"
	}
	return stateNames[s]
}

// isPending reports whether the state belongs in the pending registry.
func (s ConnectionState) isPending() bool {
	switch s {
	case StateAwaitingChallengeResponse, StateAwaitingConnectResponse,
		StateSendingPunchPackets, StateTryingRelay:
		return true
	}
	return false
}

// PacketSendCallback hands one datagram to the transport. The Interface
// never retains p after the call returns.
type PacketSendCallback func(userdata interface{}, p []byte, addr NetAddress)

// The Interface calls this when a connection (inbound or outbound) reaches
// StateConnected.
type OnEstablishedCallback func(c *Connection)

// The Interface calls this when the peer refused a pending connection, or
// its accept payload could not be read.
type OnRejectedCallback func(c *Connection, reason string)

// The Interface calls this when a pending connection exhausted its retries.
type OnTimedOutCallback func(c *Connection)

// The Interface calls this when an established connection went away because
// of the peer, a liveness timeout or a protocol failure. It is not called
// for Connection.Disconnect.
type OnDisconnectedCallback func(c *Connection, reason string)

// The Interface calls this for each unreliable game event received on an
// established connection.
type OnPacketCallback func(c *Connection, payload []byte)

// The Interface calls this once the peer acknowledged every chunk of an
// outbound transfer.
type OnTransferSentCallback func(c *Connection, transferID uint32)

// The Interface calls this for datagrams whose type byte is at or above
// FirstValidInfoPacketType (server queries and similar).
type OnInfoPacketCallback func(from NetAddress, data []byte)

type CallbackTable struct {
	OnEstablished  OnEstablishedCallback
	OnRejected     OnRejectedCallback
	OnTimedOut     OnTimedOutCallback
	OnDisconnected OnDisconnectedCallback
	OnPacket       OnPacketCallback
	OnTransferSent OnTransferSentCallback
	OnInfoPacket   OnInfoPacketCallback
}

func noEstablished(*Connection)          {}
func noRejected(*Connection, string)     {}
func noTimedOut(*Connection)             {}
func noDisconnected(*Connection, string) {}
func noPacket(*Connection, []byte)       {}
func noTransferSent(*Connection, uint32) {}
func noInfoPacket(NetAddress, []byte)    {}

func (ct *CallbackTable) fillDefaults() {
	if ct.OnEstablished == nil {
		ct.OnEstablished = noEstablished
	}
	if ct.OnRejected == nil {
		ct.OnRejected = noRejected
	}
	if ct.OnTimedOut == nil {
		ct.OnTimedOut = noTimedOut
	}
	if ct.OnDisconnected == nil {
		ct.OnDisconnected = noDisconnected
	}
	if ct.OnPacket == nil {
		ct.OnPacket = noPacket
	}
	if ct.OnTransferSent == nil {
		ct.OnTransferSent = noTransferSent
	}
	if ct.OnInfoPacket == nil {
		ct.OnInfoPacket = noInfoPacket
	}
}

// TransferSink receives an inbound transfer. Progress is reported for each
// contiguous prefix as it becomes deliverable; the complete artifact is
// handed over once, in order.
type TransferSink interface {
	OnTransferProgress(c *Connection, bytesSoFar, total uint32)
	OnTransferComplete(c *Connection, data []byte)
	OnTransferFailed(c *Connection, err error)
}

// Statistics collected for a particular Connection. Only populated when
// built with the tnlstats build tag.
type Stats struct {
	NBytesRecv uint64 // total bytes received
	NBytesXmit uint64 // total bytes transmitted
	ReXmit     uint32 // chunk retransmit counter
	FastReXmit uint32 // chunks resent because a later chunk was acked first
	NXmit      uint32 // transmit counter
	NRecv      uint32 // receive counter (total)
	NDupRecv   uint32 // duplicate chunk receive counter
}
