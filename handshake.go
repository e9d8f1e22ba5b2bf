// Copyright (c) 2021 Storj Labs, Inc.
// See LICENSE for copying information.

package tnl

import (
	"fmt"
)

// StartConnection dials addr. The returned connection is pending in
// StateAwaitingChallengeResponse; the outcome is reported through
// OnEstablished, OnRejected or OnTimedOut.
func (i *Interface) StartConnection(addr NetAddress, className string, payload []byte) (*Connection, error) {
	if !addr.IsValid() {
		return nil, fmt.Errorf("invalid address %v", addr)
	}
	factory, ok := i.classes[className]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownClass, className)
	}
	if len(payload) > 0xFFFF {
		return nil, fmt.Errorf("connect payload of %d bytes is too large", len(payload))
	}

	c := newConnection(i, addr, i.nextSequence())
	c.isClientSide = true
	c.isInitiator = true
	c.className = className
	c.class = factory()
	c.connectPayload = payload
	if err := i.addPending(c); err != nil {
		return nil, err
	}
	c.setState(StateAwaitingChallengeResponse)
	c.logger.V(1).Info("starting connection", "class", className)
	c.sendChallengeRequest()
	return c, nil
}

func (c *Connection) sendChallengeRequest() {
	c.lastSendAt = c.iface.now()
	p := challengeRequestPacket{Sequence: c.sequence}
	c.iface.sendTo(p.encode(), c.remoteAddress)
}

func (c *Connection) sendConnectRequest() {
	c.lastSendAt = c.iface.now()
	p := connectRequestPacket{
		Sequence:  c.sequence,
		Digest:    c.addressDigest,
		ClassName: c.className,
		Payload:   c.connectPayload,
	}
	c.iface.sendTo(p.encode(), c.remoteAddress)
}

func (c *Connection) sendConnectAccept() {
	p := connectAcceptPacket{Sequence: c.sequence, Payload: c.acceptPayload}
	c.iface.sendTo(p.encode(), c.remoteAddress)
}

func (i *Interface) sendReject(addr NetAddress, sequence uint32, reason string) {
	p := reasonPacket{Sequence: sequence, Reason: reason}
	i.sendTo(p.encode(connectReject), addr)
}

// retry runs when a pending connection's retry interval has elapsed: it
// either resends the packet of the current state or, once MaxRetries resends
// have been made, expires the state.
func (i *Interface) retry(c *Connection) {
	if c.retryCount >= i.config.MaxRetries {
		i.expire(c)
		return
	}
	c.retryCount++
	c.logger.V(1).Info("retrying", "state", c.state, "retry", c.retryCount)
	switch c.state {
	case StateAwaitingChallengeResponse:
		c.sendChallengeRequest()
	case StateAwaitingConnectResponse:
		if c.arranged {
			c.sendArrangedRequest(false)
		} else {
			c.sendConnectRequest()
		}
	case StateSendingPunchPackets:
		c.sendPunches()
	case StateTryingRelay:
		c.sendRelayRequests()
	}
}

func (i *Interface) expire(c *Connection) {
	if c.state == StateSendingPunchPackets && c.isInitiator && len(i.relays) > 0 {
		c.logger.V(1).Info("punching failed; trying relays", "relays", len(i.relays))
		c.setState(StateTryingRelay)
		c.retryCount = 0
		c.sendRelayRequests()
		return
	}
	c.logger.V(1).Info("connection attempt timed out", "state", c.state)
	i.destroy(c, StateTimedOut)
	i.callbacks.OnTimedOut(c)
}

func (i *Interface) handleChallengeRequest(p *challengeRequestPacket, from NetAddress) {
	if !i.allowConnections {
		i.logger.V(1).Info("not accepting connections; ignoring challenge", "from", from.String())
		return
	}
	if c := i.established[from]; c != nil && c.sequence == p.Sequence {
		return
	}
	secret, err := i.identitySecret()
	if err != nil {
		i.logger.Error(err, "no identity secret; dropping challenge", "from", from.String())
		return
	}
	resp := challengeResponsePacket{
		Sequence: p.Sequence,
		Digest:   Digest(from, p.Sequence, secret),
	}
	i.sendTo(resp.encode(), from)
}

func (i *Interface) handleChallengeResponse(p *challengeResponsePacket, from NetAddress) {
	c := i.findPending(from, p.Sequence)
	if c == nil || c.state != StateAwaitingChallengeResponse {
		i.logger.V(1).Info("dropping unexpected challenge response", "from", from.String(), "seq", p.Sequence)
		return
	}
	// first RTT estimate; only unambiguous if the challenge was not resent
	if c.retryCount == 0 {
		c.rtt = i.now().Sub(c.lastSendAt)
		if c.rtt < minRTT {
			c.rtt = minRTT
		}
	}
	c.addressDigest = p.Digest
	c.setState(StateAwaitingConnectResponse)
	c.retryCount = 0
	c.sendConnectRequest()
}

func (i *Interface) handleConnectRequest(p *connectRequestPacket, from NetAddress) {
	if !i.allowConnections {
		return
	}
	secret, err := i.identitySecret()
	if err != nil {
		i.logger.Error(err, "no identity secret; dropping connect request", "from", from.String())
		return
	}
	if p.Digest != Digest(from, p.Sequence, secret) {
		i.logger.V(1).Info("dropping connect request with bad digest", "from", from.String(), "seq", p.Sequence)
		return
	}

	if old := i.established[from]; old != nil {
		switch {
		case old.sequence == p.Sequence:
			// our accept was lost
			old.sendConnectAccept()
			return
		case old.sequence > p.Sequence:
			i.logger.V(1).Info("dropping connect request older than the established connection",
				"from", from.String(), "seq", p.Sequence, "established-seq", old.sequence)
			return
		}
		old.logger.V(1).Info("replacing stale connection", "new-seq", p.Sequence)
		i.destroy(old, StateDisconnected)
		i.callbacks.OnDisconnected(old, "reconnected")
	}

	factory, ok := i.classes[p.ClassName]
	if !ok {
		i.logger.V(1).Info("rejecting unknown class", "from", from.String(), "class", p.ClassName)
		i.sendReject(from, p.Sequence, fmt.Sprintf("unknown connection class %q", p.ClassName))
		return
	}

	c := newConnection(i, from, p.Sequence)
	c.className = p.ClassName
	c.class = factory()
	c.addressDigest = p.Digest
	if err := c.class.ReadConnectRequest(c, p.Payload); err != nil {
		c.logger.V(1).Info("rejecting connect request", "err", err)
		c.setState(StateRejected)
		i.sendReject(from, p.Sequence, err.Error())
		return
	}
	c.acceptPayload = c.class.WriteConnectAccept(c)
	i.install(c)
	c.sendConnectAccept()
	i.callbacks.OnEstablished(c)
}

func (i *Interface) handleConnectAccept(p *connectAcceptPacket, from NetAddress) {
	c := i.findPending(from, p.Sequence)
	if c == nil || c.state != StateAwaitingConnectResponse || c.arranged {
		i.logger.V(1).Info("dropping unexpected connect accept", "from", from.String(), "seq", p.Sequence)
		return
	}
	if err := c.class.ReadConnectAccept(c, p.Payload); err != nil {
		reason := err.Error()
		c.logger.V(1).Info("connect accept rejected locally", "err", err)
		dp := reasonPacket{Sequence: c.sequence, Reason: reason}
		i.sendTo(dp.encode(disconnectPacket), from)
		i.destroy(c, StateRejected)
		i.callbacks.OnRejected(c, reason)
		return
	}
	i.install(c)
	i.callbacks.OnEstablished(c)
}

func (i *Interface) handleConnectReject(p *reasonPacket, from NetAddress) {
	c := i.findPending(from, p.Sequence)
	if c == nil {
		return
	}
	if c.state != StateAwaitingChallengeResponse && c.state != StateAwaitingConnectResponse {
		i.logger.V(1).Info("dropping reject in unexpected state", "from", from.String(), "state", c.state)
		return
	}
	c.logger.V(1).Info("connection rejected", "reason", p.Reason)
	i.destroy(c, StateRejected)
	i.callbacks.OnRejected(c, p.Reason)
}

func (i *Interface) handleDisconnect(p *reasonPacket, from NetAddress) {
	c := i.established[from]
	if c == nil || c.sequence != p.Sequence {
		return
	}
	c.logger.V(1).Info("disconnected by peer", "reason", p.Reason)
	i.destroy(c, StateDisconnected)
	i.callbacks.OnDisconnected(c, p.Reason)
}
