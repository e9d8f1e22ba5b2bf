// Copyright (c) 2021 Storj Labs, Inc.
// See LICENSE for copying information.

package tnl

import (
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/go-logr/logr"
)

// RelayResolver answers a RelayRequest: given the requesting address and the
// sequence of its stalled arranged connection, it returns the address the
// requester should dial directly.
type RelayResolver func(from NetAddress, sequence uint32) (NetAddress, bool)

type options struct {
	logger        logr.Logger
	clock         func() time.Time
	random        io.Reader
	config        Config
	secret        *IdentitySecret
	relays        []NetAddress
	relayResolver RelayResolver
	sink          TransferSink
	tickInterval  time.Duration
	acceptBacklog int
}

// Option configures an Interface or a Host.
type Option func(*options)

// WithLogger sets the logger. The default discards everything.
func WithLogger(logger logr.Logger) Option {
	return func(o *options) { o.logger = logger }
}

// WithClock replaces time.Now as the source of all timestamps.
func WithClock(clock func() time.Time) Option {
	return func(o *options) { o.clock = clock }
}

// WithRandom replaces crypto/rand as the source of the identity secret.
func WithRandom(r io.Reader) Option {
	return func(o *options) { o.random = r }
}

func WithConfig(config Config) Option {
	return func(o *options) { o.config = config }
}

// WithIdentitySecret fixes the digest keying material instead of generating
// it on the first challenge.
func WithIdentitySecret(secret IdentitySecret) Option {
	return func(o *options) { o.secret = &secret }
}

// WithRelayAddresses sets the relays asked for a direct address when NAT
// punching fails.
func WithRelayAddresses(relays ...NetAddress) Option {
	return func(o *options) { o.relays = append([]NetAddress(nil), relays...) }
}

// WithRelayResolver makes the Interface answer RelayRequests.
func WithRelayResolver(resolver RelayResolver) Option {
	return func(o *options) { o.relayResolver = resolver }
}

// WithTransferSink sets the default sink for inbound transfers.
func WithTransferSink(sink TransferSink) Option {
	return func(o *options) { o.sink = sink }
}

// WithTickInterval sets how often a Host drives its Interface.
func WithTickInterval(d time.Duration) Option {
	return func(o *options) { o.tickInterval = d }
}

// WithAcceptBacklog sets how many inbound connections a Host queues for
// AcceptContext.
func WithAcceptBacklog(n int) Option {
	return func(o *options) { o.acceptBacklog = n }
}

func buildOptions(opts []Option) *options {
	o := &options{
		logger:        logr.Discard(),
		clock:         time.Now,
		random:        rand.Reader,
		config:        DefaultConfig(),
		tickInterval:  defaultTickInterval,
		acceptBacklog: defaultAcceptBacklog,
	}
	for _, opt := range opts {
		opt(o)
	}
	o.config = o.config.clamped()
	return o
}

type pendingKey struct {
	addr     NetAddress
	sequence uint32
}

// Interface is the process-scoped context of the connection layer: the
// identity secret, the class registry, the pending and established
// registries and the callbacks. It is not safe for concurrent use; drive it
// from one goroutine by calling ProcessPacket for every inbound datagram and
// Tick once per frame.
type Interface struct {
	logger logr.Logger
	config Config
	clock  func() time.Time
	random io.Reader

	sendToProc     PacketSendCallback
	sendToUserdata interface{}

	// generated on the first challenge unless injected
	secret *IdentitySecret

	allowConnections bool
	classes          map[string]ClassFactory

	pending     map[pendingKey]*Connection
	established map[NetAddress]*Connection

	callbacks CallbackTable
	sink      TransferSink

	relays        []NetAddress
	relayResolver RelayResolver

	lastSequence uint32
}

// NewInterface creates an Interface that hands every outbound datagram to
// sendTo along with userdata. New inbound connections are refused until
// SetAllowConnections(true).
func NewInterface(sendTo PacketSendCallback, userdata interface{}, opts ...Option) *Interface {
	o := buildOptions(opts)
	i := &Interface{
		logger:         o.logger,
		config:         o.config,
		clock:          o.clock,
		random:         o.random,
		sendToProc:     sendTo,
		sendToUserdata: userdata,
		secret:         o.secret,
		classes:        make(map[string]ClassFactory),
		pending:        make(map[pendingKey]*Connection),
		established:    make(map[NetAddress]*Connection),
		sink:           o.sink,
		relays:         o.relays,
		relayResolver:  o.relayResolver,
	}
	if i.sink == nil {
		i.sink = nopSink{}
	}
	i.callbacks.fillDefaults()
	return i
}

func (i *Interface) SetCallbacks(ct *CallbackTable) {
	if ct == nil {
		ct = &CallbackTable{}
	}
	i.callbacks = *ct
	i.callbacks.fillDefaults()
}

// SetAllowConnections controls whether challenges and connect requests from
// unknown peers are answered.
func (i *Interface) SetAllowConnections(allow bool) {
	i.allowConnections = allow
}

// RegisterClass adds a connection class to the allow-list. Connect requests
// naming any other class are rejected.
func (i *Interface) RegisterClass(name string, factory ClassFactory) error {
	if name == "" || len(name) > 0xFF {
		return fmt.Errorf("invalid class name %q", name)
	}
	if factory == nil {
		return errors.New("nil class factory")
	}
	if _, ok := i.classes[name]; ok {
		return fmt.Errorf("class %q already registered", name)
	}
	i.classes[name] = factory
	return nil
}

func (i *Interface) Config() Config { return i.config }

// FindConnection returns the established connection to addr, if any.
func (i *Interface) FindConnection(addr NetAddress) *Connection {
	return i.established[addr]
}

// Connections returns all established connections.
func (i *Interface) Connections() []*Connection {
	conns := make([]*Connection, 0, len(i.established))
	for _, c := range i.established {
		conns = append(conns, c)
	}
	return conns
}

// ProcessPacket dispatches one inbound datagram. Nothing in data is
// retained after it returns.
func (i *Interface) ProcessPacket(data []byte, from NetAddress) {
	if len(data) == 0 || !from.IsValid() {
		return
	}
	t := packetType(data[0])
	i.logger.V(2).Info("recv", "from", from.String(), "type", t, "len", len(data))

	if t&connectionDataFlag != 0 {
		i.processConnectionData(data, from)
		return
	}
	if t >= FirstValidInfoPacketType {
		i.callbacks.OnInfoPacket(from, append([]byte(nil), data...))
		return
	}

	r := newPacketReader(data[1:])
	var err error
	switch t {
	case connectChallengeRequest:
		var p challengeRequestPacket
		if err = p.decode(r); err == nil {
			i.handleChallengeRequest(&p, from)
		}
	case connectChallengeResponse:
		var p challengeResponsePacket
		if err = p.decode(r); err == nil {
			i.handleChallengeResponse(&p, from)
		}
	case connectRequest:
		var p connectRequestPacket
		if err = p.decode(r); err == nil {
			i.handleConnectRequest(&p, from)
		}
	case connectAccept:
		var p connectAcceptPacket
		if err = p.decode(r); err == nil {
			i.handleConnectAccept(&p, from)
		}
	case connectReject:
		var p reasonPacket
		if err = p.decode(r); err == nil {
			i.handleConnectReject(&p, from)
		}
	case disconnectPacket:
		var p reasonPacket
		if err = p.decode(r); err == nil {
			i.handleDisconnect(&p, from)
		}
	case punch:
		if err = r.finish(); err == nil {
			i.handlePunch(from)
		}
	case arrangedConnectRequest:
		var p arrangedRequestPacket
		if err = p.decode(r); err == nil {
			i.handleArrangedRequest(&p, from)
		}
	case relayRequest:
		var p relayRequestPacket
		if err = p.decode(r); err == nil {
			i.handleRelayRequest(&p, from)
		}
	case relayResponse:
		var p relayResponsePacket
		if err = p.decode(r); err == nil {
			i.handleRelayResponse(&p, from)
		}
	default:
		i.logger.V(1).Info("dropping unknown packet type", "from", from.String(), "type", t)
	}
	if err != nil {
		i.logger.V(1).Info("dropping malformed packet", "from", from.String(), "type", t, "err", err)
	}
}

func (i *Interface) processConnectionData(data []byte, from NetAddress) {
	r := newPacketReader(data[1:])
	seq := r.readUint32()
	op := dataOpcode(r.readUint16())
	if r.failed != nil {
		i.logger.V(1).Info("dropping short data packet", "from", from.String())
		return
	}
	c := i.established[from]
	if c == nil || c.sequence != seq {
		i.logger.V(1).Info("dropping data for unknown connection", "from", from.String(), "seq", seq)
		return
	}
	c.processData(op, r, len(data))
}

// CheckTimeouts resends or expires pending handshakes whose retry interval
// has elapsed and tears down established connections that have been silent
// for longer than the connection timeout.
func (i *Interface) CheckTimeouts() {
	now := i.now()
	for _, c := range i.pendingSnapshot() {
		if !c.state.isPending() {
			continue
		}
		if now.Sub(c.lastSendAt) > i.config.RetryInterval {
			i.retry(c)
		}
	}
	for _, c := range i.Connections() {
		if now.Sub(c.lastReceivedAt) > i.config.ConnectionTimeout {
			c.fail("timed out")
		}
	}
}

// ProcessConnections does the per-tick work of established connections:
// keep-alive pings, the transfer pump and delayed acknowledgements.
func (i *Interface) ProcessConnections() {
	now := i.now()
	for _, c := range i.Connections() {
		if now.Sub(c.lastPingAt) > i.config.PingInterval {
			c.sendPing(now)
		}
		c.pump(now)
		if c.state == StateConnected {
			c.maybeAcknowledge(now)
		}
	}
}

// Tick runs CheckTimeouts and then ProcessConnections.
func (i *Interface) Tick() {
	i.CheckTimeouts()
	i.ProcessConnections()
}

// Close disconnects every established connection and forgets every pending
// one. No callbacks are invoked.
func (i *Interface) Close() {
	for _, c := range i.Connections() {
		c.Disconnect("shutting down")
	}
	for _, c := range i.pendingSnapshot() {
		i.destroy(c, StateDisconnected)
	}
}

func (i *Interface) now() time.Time { return i.clock() }

func (i *Interface) sendTo(b []byte, addr NetAddress) {
	i.logger.V(2).Info("send", "to", addr.String(), "type", packetType(b[0]), "len", len(b))
	i.sendToProc(i.sendToUserdata, b, addr)
}

// identitySecret creates the secret on first use. A failed read leaves it
// unset so a later challenge tries again.
func (i *Interface) identitySecret() (*IdentitySecret, error) {
	if i.secret == nil {
		secret, err := newIdentitySecret(i.random)
		if err != nil {
			return nil, err
		}
		i.secret = secret
	}
	return i.secret, nil
}

// nextSequence returns a fresh connection sequence. The first one is seeded
// from the clock; zero is skipped.
func (i *Interface) nextSequence() uint32 {
	if i.lastSequence == 0 {
		i.lastSequence = uint32(i.now().UnixMilli())
	} else {
		i.lastSequence++
	}
	if i.lastSequence == 0 {
		i.lastSequence = 1
	}
	return i.lastSequence
}

func (i *Interface) pendingCount() int { return len(i.pending) }

func (i *Interface) pendingSnapshot() []*Connection {
	conns := make([]*Connection, 0, len(i.pending))
	for _, c := range i.pending {
		conns = append(conns, c)
	}
	return conns
}

func (i *Interface) addPending(c *Connection) error {
	key := pendingKey{c.remoteAddress, c.sequence}
	if _, ok := i.pending[key]; ok {
		return fmt.Errorf("a connection to %s with sequence %d is already pending", c.remoteAddress, c.sequence)
	}
	i.pending[key] = c
	return nil
}

func (i *Interface) findPending(addr NetAddress, sequence uint32) *Connection {
	return i.pending[pendingKey{addr, sequence}]
}

// rekey moves a pending record to a new remote address.
func (i *Interface) rekey(c *Connection, addr NetAddress) {
	if c.remoteAddress == addr {
		return
	}
	newKey := pendingKey{addr, c.sequence}
	if other, ok := i.pending[newKey]; ok && other != c {
		return
	}
	delete(i.pending, pendingKey{c.remoteAddress, c.sequence})
	c.remoteAddress = addr
	c.logger = i.logger.WithValues("remote", addr.String(), "seq", c.sequence)
	i.pending[newKey] = c
}

// install promotes c into the established registry.
func (i *Interface) install(c *Connection) {
	delete(i.pending, pendingKey{c.remoteAddress, c.sequence})
	now := i.now()
	c.setState(StateConnected)
	c.retryCount = 0
	c.lastReceivedAt = now
	c.lastPingAt = now
	i.established[c.remoteAddress] = c
	c.logger.V(1).Info("connection established", "class", c.className, "client", c.isClientSide)
}

// destroy removes c from both registries and drops its transfer state.
func (i *Interface) destroy(c *Connection, state ConnectionState) {
	delete(i.pending, pendingKey{c.remoteAddress, c.sequence})
	if i.established[c.remoteAddress] == c {
		delete(i.established, c.remoteAddress)
	}
	c.setState(state)
	c.resetTransfers(ErrConnectionClosed)
}

type nopSink struct{}

func (nopSink) OnTransferProgress(*Connection, uint32, uint32) {}
func (nopSink) OnTransferComplete(*Connection, []byte)         {}
func (nopSink) OnTransferFailed(*Connection, error)            {}
