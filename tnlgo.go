// Copyright (c) 2021 Storj Labs, Inc.
// See LICENSE for copying information.

package tnl

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/go-logr/logr"
	"golang.org/x/net/ipv4"
	"golang.org/x/sync/errgroup"
)

const (
	defaultTickInterval  = 5 * time.Millisecond
	defaultAcceptBacklog = 5

	// IPTOS_LOWDELAY; game traffic is latency sensitive
	lowDelayTOS = 0x10

	socketBufferSize = 2 * 1024 * 1024
)

type receivedMessage struct {
	from NetAddress
	data []byte
}

// Host runs an Interface over a real UDP socket. One goroutine reads the
// socket and another owns the Interface, ticking it and serving API calls;
// every Host and HostConn method marshals its work onto the latter.
type Host struct {
	iface     *Interface
	udpSocket *net.UDPConn
	logger    logr.Logger

	tickInterval time.Duration

	// closed once Close has been called; both goroutines exit
	closeChan chan struct{}
	closeOnce sync.Once
	group     errgroup.Group

	// the udp reader goroutine sends each datagram here and waits on
	// incomingPacketDone before reusing its buffer
	incomingPacket     chan receivedMessage
	incomingPacketDone chan struct{}

	// functions to run on the managing goroutine
	calls chan func()

	acceptChan chan *HostConn
}

// ListenHost opens a UDP socket on address ("udp", "udp4" or "udp6") and
// starts driving a new Interface over it. Inbound connections are refused
// until SetAllowConnections(true).
func ListenHost(network, address string, opts ...Option) (*Host, error) {
	switch network {
	case "udp", "udp4", "udp6":
	default:
		return nil, &net.OpError{Op: "listen", Net: network, Err: net.UnknownNetworkError(network)}
	}
	laddr, err := net.ResolveUDPAddr(network, address)
	if err != nil {
		return nil, err
	}
	udpSocket, err := net.ListenUDP(network, laddr)
	if err != nil {
		return nil, err
	}

	o := buildOptions(opts)
	h := &Host{
		udpSocket:          udpSocket,
		logger:             o.logger.WithValues("local-addr", udpSocket.LocalAddr().String()),
		tickInterval:       o.tickInterval,
		closeChan:          make(chan struct{}),
		incomingPacket:     make(chan receivedMessage),
		incomingPacketDone: make(chan struct{}),
		calls:              make(chan func()),
		acceptChan:         make(chan *HostConn, o.acceptBacklog),
	}
	h.iface = NewInterface(packetSendCallback, h, append(opts, WithLogger(h.logger), WithTransferSink(h))...)
	h.iface.SetCallbacks(&CallbackTable{
		OnEstablished:  h.onEstablished,
		OnRejected:     h.onRejected,
		OnTimedOut:     h.onTimedOut,
		OnDisconnected: h.onDisconnected,
		OnPacket:       h.onPacket,
		OnTransferSent: h.onTransferSent,
	})

	if err := systemSetupUDPSocket(h); err != nil {
		_ = udpSocket.Close()
		return nil, err
	}
	if err := udpSocket.SetReadBuffer(socketBufferSize); err != nil {
		h.logger.V(1).Info("could not grow socket receive buffer", "err", err)
	}
	if err := udpSocket.SetWriteBuffer(socketBufferSize); err != nil {
		h.logger.V(1).Info("could not grow socket send buffer", "err", err)
	}
	if laddr.IP == nil || laddr.IP.To4() != nil {
		if err := ipv4.NewPacketConn(udpSocket).SetTOS(lowDelayTOS); err != nil {
			h.logger.V(1).Info("could not set TOS on UDP socket", "err", err)
		}
	}

	h.group.Go(h.socketManagement)
	h.group.Go(h.udpMessageReceiver)
	return h, nil
}

// Addr returns the local address of the socket.
func (h *Host) Addr() net.Addr {
	return h.udpSocket.LocalAddr()
}

// LocalAddress returns the local address of the socket as a NetAddress.
func (h *Host) LocalAddress() NetAddress {
	return AddressFromUDP(h.udpSocket.LocalAddr().(*net.UDPAddr))
}

// RegisterClass adds a connection class to the Interface's allow-list.
func (h *Host) RegisterClass(name string, factory ClassFactory) (err error) {
	if doErr := h.do(context.Background(), func() {
		err = h.iface.RegisterClass(name, factory)
	}); doErr != nil {
		return doErr
	}
	return err
}

// SetAllowConnections controls whether inbound connections are accepted.
func (h *Host) SetAllowConnections(allow bool) error {
	return h.do(context.Background(), func() {
		h.iface.SetAllowConnections(allow)
	})
}

// DialContext connects to address and waits until the connection is
// established, refused or timed out.
func (h *Host) DialContext(ctx context.Context, address NetAddress, className string, payload []byte) (*HostConn, error) {
	var hc *HostConn
	var err error
	if doErr := h.do(ctx, func() {
		var c *Connection
		c, err = h.iface.StartConnection(address, className, payload)
		if err == nil {
			hc = newHostConn(h, c)
		}
	}); doErr != nil {
		return nil, doErr
	}
	if err != nil {
		return nil, &net.OpError{Op: "dial", Net: "tnl", Source: h.Addr(), Addr: address.UDPAddr(), Err: err}
	}

	select {
	case <-hc.established:
		return hc, nil
	case <-hc.done:
		select {
		case <-hc.established:
			// established and then lost; the caller sees it through Done
			return hc, nil
		default:
		}
		return nil, &net.OpError{Op: "dial", Net: "tnl", Source: h.Addr(), Addr: address.UDPAddr(), Err: hc.err}
	case <-ctx.Done():
		_ = h.do(context.Background(), func() {
			hc.conn.Disconnect("dial canceled")
			hc.finish(ctx.Err())
		})
		return nil, ctx.Err()
	}
}

// AcceptContext returns the next inbound connection.
func (h *Host) AcceptContext(ctx context.Context) (*HostConn, error) {
	select {
	case hc := <-h.acceptChan:
		return hc, nil
	case <-h.closeChan:
		return nil, net.ErrClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Close disconnects every connection, closes the socket and waits for the
// Host's goroutines to exit.
func (h *Host) Close() error {
	h.closeOnce.Do(func() {
		close(h.closeChan)
	})
	return h.group.Wait()
}

// do runs f on the managing goroutine and waits for it to finish.
func (h *Host) do(ctx context.Context, f func()) error {
	done := make(chan struct{})
	select {
	case h.calls <- func() { f(); close(done) }:
	case <-h.closeChan:
		return net.ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
	<-done
	return nil
}

func (h *Host) socketManagement() error {
	ticker := time.NewTicker(h.tickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-h.closeChan:
			return h.internalClose()
		case packet := <-h.incomingPacket:
			h.iface.ProcessPacket(packet.data, packet.from)
			h.incomingPacketDone <- struct{}{}
		case f := <-h.calls:
			f()
		case <-ticker.C:
			h.iface.Tick()
		}
	}
}

func (h *Host) internalClose() error {
	conns := append(h.iface.Connections(), h.iface.pendingSnapshot()...)
	h.iface.Close()
	for _, c := range conns {
		if hc, ok := c.Userdata.(*HostConn); ok {
			hc.finish(net.ErrClosed)
		}
	}
	err := h.udpSocket.Close()
	if err != nil && !errors.Is(err, net.ErrClosed) {
		return err
	}
	return nil
}

func (h *Host) udpMessageReceiver() error {
	b := make([]byte, maxDatagramSize(h.udpSocket.LocalAddr().(*net.UDPAddr)))
	for {
		n, addrPort, err := h.udpSocket.ReadFromUDPAddrPort(b)
		if err != nil {
			select {
			case <-h.closeChan:
				return nil
			default:
			}
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			h.registerSocketError(err)
			continue
		}
		msg := receivedMessage{
			from: AddressFrom(addrPort),
			data: b[:n],
		}
		select {
		case h.incomingPacket <- msg:
			// wait until processing on that packet is done, so we can (a) keep
			// backpressure on incoming data, and (b) reuse the b buffer
			select {
			case <-h.incomingPacketDone:
			case <-h.closeChan:
				return nil
			}
		case <-h.closeChan:
			return nil
		}
	}
}

func (h *Host) registerSocketError(err error) {
	h.logger.Error(err, "socket error")
}

func packetSendCallback(userdata interface{}, p []byte, addr NetAddress) {
	h := userdata.(*Host)
	_, err := h.udpSocket.WriteToUDPAddrPort(p, addr.AddrPort())
	if err != nil {
		h.registerSocketError(err)
	}
}

// Callbacks below run on the managing goroutine.

func (h *Host) onEstablished(c *Connection) {
	if hc, ok := c.Userdata.(*HostConn); ok {
		close(hc.established)
		return
	}
	hc := newHostConn(h, c)
	close(hc.established)
	select {
	case h.acceptChan <- hc:
	default:
		h.logger.V(1).Info("accept backlog full; dropping connection", "remote", c.RemoteAddress().String())
		c.Disconnect("server busy")
		hc.finish(ErrConnectionClosed)
	}
}

func (h *Host) onRejected(c *Connection, reason string) {
	if hc, ok := c.Userdata.(*HostConn); ok {
		hc.finish(fmt.Errorf("%w: %s", ErrConnectionRejected, reason))
	}
}

func (h *Host) onTimedOut(c *Connection) {
	if hc, ok := c.Userdata.(*HostConn); ok {
		hc.finish(ErrConnectionTimedOut)
	}
}

func (h *Host) onDisconnected(c *Connection, reason string) {
	if hc, ok := c.Userdata.(*HostConn); ok {
		hc.finish(fmt.Errorf("%w: %s", ErrConnectionClosed, reason))
	}
}

func (h *Host) onPacket(c *Connection, payload []byte) {
	if hc, ok := c.Userdata.(*HostConn); ok {
		select {
		case hc.packets <- payload:
		default:
			// unreliable anyway
		}
	}
}

func (h *Host) onTransferSent(c *Connection, transferID uint32) {
	if hc, ok := c.Userdata.(*HostConn); ok {
		if ch := hc.sent[transferID]; ch != nil {
			close(ch)
			delete(hc.sent, transferID)
		}
	}
}

func (h *Host) OnTransferProgress(c *Connection, bytesSoFar, total uint32) {
	if hc, ok := c.Userdata.(*HostConn); ok && hc.progress != nil {
		hc.progress(bytesSoFar, total)
	}
}

func (h *Host) OnTransferComplete(c *Connection, data []byte) {
	if hc, ok := c.Userdata.(*HostConn); ok {
		hc.pushFile(receivedFile{data: data})
	}
}

func (h *Host) OnTransferFailed(c *Connection, err error) {
	if errors.Is(err, ErrConnectionClosed) {
		return
	}
	if hc, ok := c.Userdata.(*HostConn); ok {
		hc.pushFile(receivedFile{err: err})
	}
}

type receivedFile struct {
	data []byte
	err  error
}

// HostConn is a Connection driven by a Host.
type HostConn struct {
	host *Host
	// only touched on the managing goroutine
	conn     *Connection
	sent     map[uint32]chan struct{}
	progress func(bytesSoFar, total uint32)

	remote NetAddress

	established chan struct{}
	// closed when the connection is gone; err says why
	done chan struct{}
	err  error

	packets chan []byte

	filesLock  sync.Mutex
	files      []receivedFile
	filesReady chan struct{}
}

const packetBacklog = 64

func newHostConn(h *Host, c *Connection) *HostConn {
	hc := &HostConn{
		host:        h,
		conn:        c,
		sent:        make(map[uint32]chan struct{}),
		remote:      c.RemoteAddress(),
		established: make(chan struct{}),
		done:        make(chan struct{}),
		packets:     make(chan []byte, packetBacklog),
		filesReady:  make(chan struct{}, 1),
	}
	c.Userdata = hc
	return hc
}

func (hc *HostConn) finish(err error) {
	select {
	case <-hc.done:
		return
	default:
	}
	hc.err = err
	close(hc.done)
}

func (hc *HostConn) pushFile(f receivedFile) {
	hc.filesLock.Lock()
	hc.files = append(hc.files, f)
	hc.filesLock.Unlock()
	select {
	case hc.filesReady <- struct{}{}:
	default:
	}
}

func (hc *HostConn) popFile() (receivedFile, bool) {
	hc.filesLock.Lock()
	defer hc.filesLock.Unlock()
	if len(hc.files) == 0 {
		return receivedFile{}, false
	}
	f := hc.files[0]
	hc.files = hc.files[1:]
	return f, true
}

// RemoteAddr returns the address of the peer.
func (hc *HostConn) RemoteAddr() NetAddress {
	return hc.remote
}

// Done is closed when the connection goes away; Err then says why.
func (hc *HostConn) Done() <-chan struct{} {
	return hc.done
}

func (hc *HostConn) Err() error {
	select {
	case <-hc.done:
		return hc.err
	default:
		return nil
	}
}

// SetProgressFunc sets a function called on the Host's goroutine as inbound
// transfers progress. It must not block.
func (hc *HostConn) SetProgressFunc(f func(bytesSoFar, total uint32)) error {
	return hc.host.do(context.Background(), func() {
		hc.progress = f
	})
}

// SendFile transfers data reliably and waits until the peer has
// acknowledged all of it. If ctx ends first, SendFile stops waiting but the
// transfer stays queued and is still delivered while the connection lives.
func (hc *HostConn) SendFile(ctx context.Context, data []byte) error {
	var err error
	var id uint32
	wait := make(chan struct{})
	if doErr := hc.host.do(ctx, func() {
		id, err = hc.conn.BeginSend(data)
		if err == nil {
			hc.sent[id] = wait
		}
	}); doErr != nil {
		return doErr
	}
	if err != nil {
		return err
	}
	select {
	case <-wait:
		return nil
	case <-hc.done:
		select {
		case <-wait:
			return nil
		default:
		}
		return hc.err
	case <-ctx.Done():
		// nobody is waiting anymore
		_ = hc.host.do(context.Background(), func() {
			if hc.sent[id] == wait {
				delete(hc.sent, id)
			}
		})
		return ctx.Err()
	}
}

// ReceiveFile waits for the next complete inbound transfer.
func (hc *HostConn) ReceiveFile(ctx context.Context) ([]byte, error) {
	for {
		if f, ok := hc.popFile(); ok {
			return f.data, f.err
		}
		select {
		case <-hc.filesReady:
		case <-hc.done:
			if f, ok := hc.popFile(); ok {
				return f.data, f.err
			}
			return nil, hc.err
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// SendPacket sends one unreliable event to the peer.
func (hc *HostConn) SendPacket(payload []byte) (err error) {
	if doErr := hc.host.do(context.Background(), func() {
		err = hc.conn.SendPacket(payload)
	}); doErr != nil {
		return doErr
	}
	return err
}

// ReceivePacket waits for the next unreliable event from the peer.
func (hc *HostConn) ReceivePacket(ctx context.Context) ([]byte, error) {
	select {
	case p := <-hc.packets:
		return p, nil
	case <-hc.done:
		return nil, hc.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Close disconnects from the peer.
func (hc *HostConn) Close() error {
	err := hc.host.do(context.Background(), func() {
		hc.conn.Disconnect("closed")
		hc.finish(net.ErrClosed)
	})
	if errors.Is(err, net.ErrClosed) {
		return nil
	}
	return err
}

var _ TransferSink = (*Host)(nil)
