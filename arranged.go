// Copyright (c) 2021 Storj Labs, Inc.
// See LICENSE for copying information.

package tnl

import (
	"errors"
	"fmt"
)

// StartArrangedConnection starts a NAT-punched connection to a peer known
// only by its candidate addresses, typically learned from a third party that
// also told the peer about us. Both sides must call it with the same
// sequence; exactly one of them is the initiator.
//
// If punching fails, the initiator asks the configured relays for a direct
// address and re-dials through the normal challenge handshake with a new
// sequence. The responder just times out.
func (i *Interface) StartArrangedConnection(possible []NetAddress, sequence uint32, isInitiator bool, className string, payload []byte) (*Connection, error) {
	if len(possible) == 0 {
		return nil, errors.New("no candidate addresses")
	}
	if sequence == 0 {
		return nil, errors.New("arranged connection needs a nonzero sequence")
	}
	factory, ok := i.classes[className]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownClass, className)
	}

	c := newConnection(i, possible[0], sequence)
	c.arranged = true
	c.isInitiator = isInitiator
	c.isClientSide = isInitiator
	c.className = className
	c.class = factory()
	c.connectPayload = payload
	for _, addr := range possible {
		if addr.IsValid() {
			c.addPossibleAddress(addr)
		}
	}
	if err := i.addPending(c); err != nil {
		return nil, err
	}
	c.setState(StateSendingPunchPackets)
	c.logger.V(1).Info("starting arranged connection", "initiator", isInitiator, "candidates", len(c.possibleAddresses))
	c.sendPunches()
	return c, nil
}

func (c *Connection) sendPunches() {
	c.lastSendAt = c.iface.now()
	p := encodePunch()
	for _, addr := range c.possibleAddresses {
		c.iface.sendTo(p, addr)
	}
}

func (c *Connection) sendArrangedRequest(reply bool) {
	if !reply {
		c.lastSendAt = c.iface.now()
	}
	p := arrangedRequestPacket{Sequence: c.sequence, Reply: reply}
	c.iface.sendTo(p.encode(), c.remoteAddress)
}

func (c *Connection) sendRelayRequests() {
	c.lastSendAt = c.iface.now()
	p := relayRequestPacket{Sequence: c.sequence}
	b := p.encode()
	for _, relay := range c.iface.relays {
		c.iface.sendTo(b, relay)
	}
}

func (i *Interface) handlePunch(from NetAddress) {
	for _, c := range i.pendingSnapshot() {
		if c.state != StateSendingPunchPackets || !c.matchesCandidate(from) {
			continue
		}
		c.logger.V(1).Info("punch received", "from", from.String())
		c.addPossibleAddress(from)
		i.rekey(c, from)
		if c.isInitiator {
			c.setState(StateAwaitingConnectResponse)
			c.retryCount = 0
			c.sendArrangedRequest(false)
		} else {
			// make sure the initiator sees our mapping too
			i.sendTo(encodePunch(), from)
		}
		return
	}
}

// findArranged finds the pending arranged record with the given sequence for
// which from is a candidate address.
func (i *Interface) findArranged(from NetAddress, sequence uint32, initiator bool) *Connection {
	if c := i.findPending(from, sequence); c != nil && c.arranged && c.isInitiator == initiator {
		return c
	}
	for _, c := range i.pendingSnapshot() {
		if c.arranged && c.sequence == sequence && c.isInitiator == initiator && c.matchesCandidate(from) {
			return c
		}
	}
	return nil
}

func (i *Interface) handleArrangedRequest(p *arrangedRequestPacket, from NetAddress) {
	if old := i.established[from]; old != nil && old.sequence == p.Sequence {
		if !p.Reply && !old.isInitiator {
			// our reply was lost
			old.sendArrangedRequest(true)
		}
		return
	}

	c := i.findArranged(from, p.Sequence, p.Reply)
	if c == nil {
		i.logger.V(1).Info("dropping unexpected arranged connect request", "from", from.String(), "seq", p.Sequence)
		return
	}
	if c.isInitiator && c.state != StateAwaitingConnectResponse {
		return
	}
	c.addPossibleAddress(from)
	i.rekey(c, from)
	if old := i.established[from]; old != nil {
		old.logger.V(1).Info("replacing stale connection", "new-seq", p.Sequence)
		i.destroy(old, StateDisconnected)
		i.callbacks.OnDisconnected(old, "reconnected")
	}
	i.install(c)
	if !c.isInitiator {
		c.sendArrangedRequest(true)
	}
	i.callbacks.OnEstablished(c)
}

func (i *Interface) handleRelayRequest(p *relayRequestPacket, from NetAddress) {
	if i.relayResolver == nil {
		return
	}
	addr, ok := i.relayResolver(from, p.Sequence)
	if !ok || !addr.IsValid() {
		i.logger.V(1).Info("no relay target", "from", from.String(), "seq", p.Sequence)
		return
	}
	resp := relayResponsePacket{Sequence: p.Sequence, Address: addr}
	i.sendTo(resp.encode(), from)
}

func (i *Interface) handleRelayResponse(p *relayResponsePacket, from NetAddress) {
	if !i.isRelay(from) {
		i.logger.V(1).Info("dropping relay response from unknown relay", "from", from.String())
		return
	}
	for _, c := range i.pendingSnapshot() {
		if c.state == StateTryingRelay && c.sequence == p.Sequence {
			i.startRelayConnection(c, p.Address)
			return
		}
	}
}

func (i *Interface) isRelay(addr NetAddress) bool {
	for _, relay := range i.relays {
		if relay == addr {
			return true
		}
	}
	return false
}

// startRelayConnection turns a stalled arranged connection into a normal
// direct dial of addr with a fresh sequence. The Connection value is kept so
// the application's reference stays valid.
func (i *Interface) startRelayConnection(c *Connection, addr NetAddress) {
	delete(i.pending, pendingKey{c.remoteAddress, c.sequence})
	c.remoteAddress = addr
	c.sequence = i.nextSequence()
	c.arranged = false
	c.possibleAddresses = nil
	c.retryCount = 0
	c.logger = i.logger.WithValues("remote", addr.String(), "seq", c.sequence)
	if err := i.addPending(c); err != nil {
		c.logger.V(1).Info("cannot dial relayed address", "err", err)
		c.setState(StateTimedOut)
		i.callbacks.OnTimedOut(c)
		return
	}
	c.logger.V(1).Info("dialing relayed address")
	c.setState(StateAwaitingChallengeResponse)
	c.sendChallengeRequest()
}
