// Copyright (c) 2021 Storj Labs, Inc.
// See LICENSE for copying information.

package tnl

import (
	"errors"
	"fmt"
	"time"

	"github.com/go-logr/logr"
)

var (
	ErrUnknownClass       = errors.New("unknown connection class")
	ErrNotConnected       = errors.New("connection is not established")
	ErrConnectionClosed   = errors.New("connection closed")
	ErrConnectionTimedOut = errors.New("connection timed out")
	ErrConnectionRejected = errors.New("connection rejected")
)

// ConnectionClass is the per-connection behaviour chosen by class name in a
// ConnectRequest. Only classes registered with Interface.RegisterClass can
// be instantiated from network input.
type ConnectionClass interface {
	// ReadConnectRequest validates the initiator's payload on the acceptor.
	// A non-nil error rejects the connection with err.Error() as reason.
	ReadConnectRequest(c *Connection, payload []byte) error
	// WriteConnectAccept produces the payload of the ConnectAccept.
	WriteConnectAccept(c *Connection) []byte
	// ReadConnectAccept validates the acceptor's payload on the initiator.
	// A non-nil error tears the connection down before it is established.
	ReadConnectAccept(c *Connection, payload []byte) error
}

// ClassFactory creates a fresh ConnectionClass value for one connection.
type ClassFactory func() ConnectionClass

// NopClass accepts every request and sends an empty accept payload.
type NopClass struct{}

func (NopClass) ReadConnectRequest(*Connection, []byte) error { return nil }
func (NopClass) WriteConnectAccept(*Connection) []byte        { return nil }
func (NopClass) ReadConnectAccept(*Connection, []byte) error  { return nil }

// Connection is the record of one logical peer session. All of its methods
// must be called from the goroutine that drives the owning Interface.
//
// Connections are created by Interface.StartConnection or
// Interface.StartArrangedConnection (outbound) or in the course of
// processing a valid ConnectRequest (inbound). A connection is destroyed on
// reject, timeout, disconnect or transfer integrity failure; after that it
// stays in a terminal state and all its methods fail with
// ErrConnectionClosed.
type Connection struct {
	iface *Interface

	remoteAddress NetAddress
	// per-attempt nonce chosen by the initiator; with remoteAddress it
	// identifies the record while it is pending
	sequence uint32
	state    ConnectionState
	// set if this side dialed out
	isClientSide bool
	// the digest from the challenge response, echoed in the ConnectRequest
	addressDigest [4]uint32

	retryCount uint32
	lastSendAt time.Time

	// NAT punch bookkeeping; only used for arranged connections
	arranged          bool
	isInitiator       bool
	possibleAddresses []NetAddress

	className      string
	class          ConnectionClass
	connectPayload []byte
	// acceptor side: kept so a retried ConnectRequest gets the same answer
	acceptPayload []byte

	// liveness and RTT of an established connection
	lastReceivedAt time.Time
	lastPingAt     time.Time
	rtt            time.Duration

	transfer transferState
	sink     TransferSink

	// Userdata is free for the application.
	Userdata interface{}

	stats  *Stats
	logger logr.Logger
}

func newConnection(iface *Interface, addr NetAddress, sequence uint32) *Connection {
	c := &Connection{
		iface:         iface,
		remoteAddress: addr,
		sequence:      sequence,
		state:         StateNotConnected,
		rtt:           defaultRTT,
		sink:          iface.sink,
		stats:         &Stats{},
	}
	c.logger = iface.logger.WithValues("remote", addr.String(), "seq", sequence)
	return c
}

func (c *Connection) RemoteAddress() NetAddress { return c.remoteAddress }

func (c *Connection) Sequence() uint32 { return c.sequence }

func (c *Connection) State() ConnectionState { return c.state }

func (c *Connection) ClassName() string { return c.className }

// Class returns the ConnectionClass value created for this connection.
func (c *Connection) Class() ConnectionClass { return c.class }

// IsClientSide reports whether this side dialed out.
func (c *Connection) IsClientSide() bool { return c.isClientSide }

func (c *Connection) IsConnected() bool { return c.state == StateConnected }

// RTT is the smoothed round-trip time measured by pings.
func (c *Connection) RTT() time.Duration { return c.rtt }

// PossibleAddresses returns the NAT punch candidates (arranged connections).
func (c *Connection) PossibleAddresses() []NetAddress {
	return append([]NetAddress(nil), c.possibleAddresses...)
}

// SetTransferSink replaces the sink for inbound transfers on this connection.
func (c *Connection) SetTransferSink(sink TransferSink) { c.sink = sink }

// SendPacket sends one unreliable game event to the peer. It is delivered
// to the peer's OnPacket callback if it arrives.
func (c *Connection) SendPacket(payload []byte) error {
	if c.state != StateConnected {
		return ErrNotConnected
	}
	if len(payload) > GetUDPMTU(c.remoteAddress)-dataHeaderSize-2 {
		return fmt.Errorf("event of %d bytes exceeds path MTU", len(payload))
	}
	w := newDataWriter(c.sequence, opEvent, 2+len(payload))
	w.writeBlob(payload)
	c.sendData(w)
	return nil
}

// Disconnect tears the connection down locally and tells the peer. The
// OnDisconnected callback is not invoked.
func (c *Connection) Disconnect(reason string) {
	switch {
	case c.state == StateConnected, c.state == StateAwaitingConnectResponse:
		p := reasonPacket{Sequence: c.sequence, Reason: reason}
		c.iface.sendTo(p.encode(disconnectPacket), c.remoteAddress)
	case !c.state.isPending():
		return
	}
	c.logger.V(1).Info("disconnecting", "reason", reason)
	c.iface.destroy(c, StateDisconnected)
}

func (c *Connection) setState(state ConnectionState) {
	c.stateDebugLog("state change", "from", c.state, "to", state)
	c.state = state
}

// sendData writes a connection data packet to the peer.
func (c *Connection) sendData(w *packetWriter) {
	b := w.bytes()
	c.stats.transmitted(len(b))
	c.iface.sendTo(b, c.remoteAddress)
}

// addPossibleAddress records a punch candidate, keeping at most
// MaxPossibleAddresses; once full, the newest observation replaces the last
// entry.
func (c *Connection) addPossibleAddress(addr NetAddress) {
	for _, a := range c.possibleAddresses {
		if a == addr {
			return
		}
	}
	if len(c.possibleAddresses) < MaxPossibleAddresses {
		c.possibleAddresses = append(c.possibleAddresses, addr)
		return
	}
	c.possibleAddresses[len(c.possibleAddresses)-1] = addr
}

// matchesCandidate reports whether addr is, or shares a host with, one of
// the punch candidates.
func (c *Connection) matchesCandidate(addr NetAddress) bool {
	for _, a := range c.possibleAddresses {
		if a == addr || a.SameHost(addr) {
			return true
		}
	}
	return false
}

// updateRTT folds one ping sample into the smoothed RTT.
func (c *Connection) updateRTT(sample time.Duration) {
	if sample < minRTT {
		sample = minRTT
	}
	c.rtt += (sample - c.rtt) / 8
}

func (c *Connection) handlePing(r *packetReader, pong bool) {
	stamp := r.readUint32()
	if err := r.finish(); err != nil {
		c.logger.V(1).Info("dropping malformed ping", "err", err)
		return
	}
	if pong {
		now := uint32(c.iface.now().UnixMilli())
		c.updateRTT(time.Duration(now-stamp) * time.Millisecond)
		return
	}
	w := newDataWriter(c.sequence, opPingAck, 4)
	w.writeUint32(stamp)
	c.sendData(w)
}

func (c *Connection) sendPing(now time.Time) {
	c.lastPingAt = now
	w := newDataWriter(c.sequence, opPing, 4)
	w.writeUint32(uint32(now.UnixMilli()))
	c.sendData(w)
}

// processData demultiplexes one connection data packet routed to c.
func (c *Connection) processData(op dataOpcode, r *packetReader, size int) {
	c.lastReceivedAt = c.iface.now()
	c.stats.packetReceived(size)

	switch op {
	case opEvent:
		payload := r.readBlob()
		if err := r.finish(); err != nil {
			c.logger.V(1).Info("dropping malformed event", "err", err)
			return
		}
		c.iface.callbacks.OnPacket(c, payload)
	case opPing:
		c.handlePing(r, false)
	case opPingAck:
		c.handlePing(r, true)
	case opWriteRequest:
		var m writeRequestMsg
		if err := m.decode(r); err != nil {
			c.logger.V(1).Info("dropping malformed write request", "err", err)
			return
		}
		c.onWriteRequest(&m)
	case opData:
		var m dataMsg
		if err := m.decode(r); err != nil {
			c.logger.V(1).Info("dropping malformed data", "err", err)
			return
		}
		c.onData(&m)
	case opAcknowledge:
		var m acknowledgeMsg
		if err := m.decode(r); err != nil {
			c.logger.V(1).Info("dropping malformed acknowledge", "err", err)
			return
		}
		c.onAcknowledge(&m)
	default:
		c.logger.V(1).Info("dropping unknown data opcode", "op", op)
	}
}

// fail tears down an established connection because of a fatal session
// error, telling both the peer and the application.
func (c *Connection) fail(reason string) {
	if c.state != StateConnected {
		return
	}
	c.logger.Info("connection failed", "reason", reason)
	p := reasonPacket{Sequence: c.sequence, Reason: reason}
	c.iface.sendTo(p.encode(disconnectPacket), c.remoteAddress)
	c.iface.destroy(c, StateDisconnected)
	c.iface.callbacks.OnDisconnected(c, reason)
}
