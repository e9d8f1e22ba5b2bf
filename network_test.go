// Copyright (c) 2021 Storj Labs, Inc.
// See LICENSE for copying information.

package tnl

import (
	"math/rand"
	"sort"
	"testing"
	"time"

	"github.com/go-logr/logr"
	"github.com/go-logr/zapr"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest"
)

type testFlag int

const (
	simulatePacketLoss testFlag = 1 << iota
	simulatePacketReorder
	simulatePacketDuplication
	heavyLoss
)

// use -10 for the most detail
const testLogLevel = 0

const testClassName = "Test"

var testEpoch = time.Unix(1600000000, 0)

func newTestLogger(t testing.TB) logr.Logger {
	return zapr.NewLogger(zaptest.NewLogger(t, zaptest.Level(zapcore.Level(testLogLevel))))
}

func mustAddress(t testing.TB, s string) NetAddress {
	addr, err := ParseAddress(s)
	require.NoError(t, err)
	return addr
}

// testScenario is a simulated network of Interfaces sharing a fake clock.
// Every datagram is delayed by 10-40ms; loss, reordering and duplication are
// injected per sender.
type testScenario struct {
	t     testing.TB
	hosts map[NetAddress]*testHost
	order []*testHost
	rng   *rand.Rand

	tickCounter int
	fakeTime    time.Duration
}

func newTestScenario(t testing.TB) *testScenario {
	return &testScenario{
		t:     t,
		hosts: make(map[NetAddress]*testHost),
		rng:   rand.New(rand.NewSource(7)),
	}
}

func (ts *testScenario) now() time.Time {
	return testEpoch.Add(ts.fakeTime)
}

func (ts *testScenario) addHost(name, addr string, opts ...Option) *testHost {
	h := &testHost{
		t:    ts.t,
		name: name,
		addr: mustAddress(ts.t, addr),
		sink: &testSink{},
	}
	h.mgr = &udpManager{ts: ts, myAddr: h.addr, counts: make(map[packetType]int)}
	h.opts = opts
	h.start(ts)
	ts.hosts[h.addr] = h
	ts.order = append(ts.order, h)
	return h
}

// restart replaces a host's Interface, as if its process had restarted.
func (ts *testScenario) restart(h *testHost) {
	h.mgr.sendBuffer = nil
	h.start(ts)
}

func (ts *testScenario) tick() {
	ts.tickCounter++
	if ts.tickCounter == 10 {
		ts.tickCounter = 0
		for _, h := range ts.order {
			h.iface.CheckTimeouts()
		}
	}
	for _, h := range ts.order {
		h.iface.ProcessConnections()
	}
	for _, h := range ts.order {
		h.mgr.flush()
	}
	ts.fakeTime += 5 * time.Millisecond
}

// runUntil ticks until done returns true or maxTicks have passed.
func (ts *testScenario) runUntil(maxTicks int, done func() bool) bool {
	for i := 0; i < maxTicks; i++ {
		if done() {
			return true
		}
		ts.tick()
	}
	return done()
}

func (ts *testScenario) run(ticks int) {
	for i := 0; i < ticks; i++ {
		ts.tick()
	}
}

// connect dials server from client and waits for both sides to establish.
func (ts *testScenario) connect(client, server *testHost, payload []byte) (*Connection, *Connection) {
	c, err := client.iface.StartConnection(server.addr, testClassName, payload)
	require.NoError(ts.t, err)
	ok := ts.runUntil(5000, func() bool {
		return c.IsConnected() && server.iface.FindConnection(client.addr) != nil
	})
	require.True(ts.t, ok, "connection was not established; client state %v", c.State())
	return c, server.iface.FindConnection(client.addr)
}

type testUDPOutgoing struct {
	timestamp time.Duration
	addr      NetAddress
	mem       []byte
}

type udpManager struct {
	ts     *testScenario
	myAddr NetAddress

	lossCounter int
	lossEvery   int

	reorderCounter int
	reorderEvery   int

	dupCounter int
	dupEvery   int

	// drop everything, or whatever dropFilter picks
	blocked    bool
	dropFilter func(data []byte) bool

	sent   int
	counts map[packetType]int

	sendBuffer []testUDPOutgoing
}

func (um *udpManager) send(buf []byte, addr NetAddress) {
	um.sent++
	um.counts[packetType(buf[0])]++
	if um.blocked || (um.dropFilter != nil && um.dropFilter(buf)) {
		return
	}
	if um.lossEvery > 0 && um.lossCounter == um.lossEvery {
		um.lossCounter = 0
		return
	}
	um.lossCounter++

	delay := time.Millisecond * time.Duration(10+um.ts.rng.Intn(30))

	um.reorderCounter++
	if um.reorderCounter >= um.reorderEvery && um.reorderEvery > 0 {
		delay = time.Millisecond * 9
		um.reorderCounter = 0
	}

	mem := append([]byte(nil), buf...)
	um.sendBuffer = append(um.sendBuffer, testUDPOutgoing{
		timestamp: um.ts.fakeTime + delay,
		addr:      addr,
		mem:       mem,
	})

	um.dupCounter++
	if um.dupCounter >= um.dupEvery && um.dupEvery > 0 {
		um.dupCounter = 0
		um.sendBuffer = append(um.sendBuffer, testUDPOutgoing{
			timestamp: um.ts.fakeTime + delay + 15*time.Millisecond,
			addr:      addr,
			mem:       mem,
		})
	}
}

func (um *udpManager) dropOnePacketEvery(everyCount int) {
	um.lossEvery = everyCount
}

func (um *udpManager) reorderOnePacketEvery(everyCount int) {
	um.reorderEvery = everyCount
}

func (um *udpManager) duplicateOnePacketEvery(everyCount int) {
	um.dupEvery = everyCount
}

func (um *udpManager) flush() {
	sort.SliceStable(um.sendBuffer, func(i, j int) bool {
		return um.sendBuffer[i].timestamp < um.sendBuffer[j].timestamp
	})

	for len(um.sendBuffer) > 0 {
		uo := um.sendBuffer[0]
		if uo.timestamp > um.ts.fakeTime {
			break
		}
		um.sendBuffer = um.sendBuffer[1:]
		if receiver := um.ts.hosts[uo.addr]; receiver != nil {
			receiver.iface.ProcessPacket(uo.mem, um.myAddr)
		}
	}
}

func testSendToProc(userdata interface{}, buf []byte, addr NetAddress) {
	um := userdata.(*udpManager)
	um.send(buf, addr)
}

// testHost is one simulated process: an Interface plus everything its
// callbacks reported.
type testHost struct {
	t     testing.TB
	name  string
	addr  NetAddress
	iface *Interface
	mgr   *udpManager
	opts  []Option
	class *testClass
	sink  *testSink

	established  []*Connection
	rejected     []string
	timedOut     []*Connection
	disconnected []string
	packets      [][]byte
	infos        [][]byte
	transferSent []uint32
}

func (h *testHost) start(ts *testScenario) {
	opts := append([]Option{
		WithLogger(newTestLogger(h.t).WithName(h.name)),
		WithClock(ts.now),
		WithTransferSink(h.sink),
	}, h.opts...)
	h.iface = NewInterface(testSendToProc, h.mgr, opts...)
	h.iface.SetCallbacks(&CallbackTable{
		OnEstablished: func(c *Connection) { h.established = append(h.established, c) },
		OnRejected:    func(c *Connection, reason string) { h.rejected = append(h.rejected, reason) },
		OnTimedOut:    func(c *Connection) { h.timedOut = append(h.timedOut, c) },
		OnDisconnected: func(c *Connection, reason string) {
			h.disconnected = append(h.disconnected, reason)
		},
		OnPacket:       func(c *Connection, payload []byte) { h.packets = append(h.packets, payload) },
		OnInfoPacket:   func(from NetAddress, data []byte) { h.infos = append(h.infos, data) },
		OnTransferSent: func(c *Connection, id uint32) { h.transferSent = append(h.transferSent, id) },
	})
	if h.class == nil {
		h.class = &testClass{}
	}
	require.NoError(h.t, h.iface.RegisterClass(testClassName, func() ConnectionClass { return h.class }))
}

type testClass struct {
	rejectRequest error
	rejectAccept  error
	request       []byte
	accept        []byte
}

func (tc *testClass) ReadConnectRequest(c *Connection, payload []byte) error {
	tc.request = payload
	return tc.rejectRequest
}

func (tc *testClass) WriteConnectAccept(c *Connection) []byte {
	return []byte("welcome")
}

func (tc *testClass) ReadConnectAccept(c *Connection, payload []byte) error {
	tc.accept = payload
	return tc.rejectAccept
}

type testProgress struct {
	bytesSoFar uint32
	total      uint32
}

type testSink struct {
	progress  []testProgress
	completed [][]byte
	failed    []error
}

func (s *testSink) OnTransferProgress(c *Connection, bytesSoFar, total uint32) {
	s.progress = append(s.progress, testProgress{bytesSoFar, total})
}

func (s *testSink) OnTransferComplete(c *Connection, data []byte) {
	s.completed = append(s.completed, data)
}

func (s *testSink) OnTransferFailed(c *Connection, err error) {
	s.failed = append(s.failed, err)
}

type fakeClock struct {
	now time.Time
}

func (fc *fakeClock) Now() time.Time { return fc.now }

func (fc *fakeClock) advance(d time.Duration) { fc.now = fc.now.Add(d) }

type capturedPacket struct {
	to   NetAddress
	data []byte
}

func (cp capturedPacket) packetType() packetType { return packetType(cp.data[0]) }

// packetCapture records everything an Interface sends, for tests that drive
// a single Interface by hand.
type packetCapture struct {
	packets []capturedPacket
}

func (pc *packetCapture) send(_ interface{}, p []byte, addr NetAddress) {
	pc.packets = append(pc.packets, capturedPacket{to: addr, data: append([]byte(nil), p...)})
}

// take returns and forgets everything captured so far.
func (pc *packetCapture) take() []capturedPacket {
	packets := pc.packets
	pc.packets = nil
	return packets
}

func (pc *packetCapture) ofType(t packetType) []capturedPacket {
	var out []capturedPacket
	for _, p := range pc.packets {
		if p.packetType() == t {
			out = append(out, p)
		}
	}
	return out
}

// dataOf returns the captured connection data packets carrying op, with
// their bodies ready to decode.
func (pc *packetCapture) dataOf(op dataOpcode) []*packetReader {
	var out []*packetReader
	for _, p := range pc.packets {
		if p.packetType()&connectionDataFlag == 0 {
			continue
		}
		r := newPacketReader(p.data[1:])
		r.readUint32()
		if dataOpcode(r.readUint16()) == op && r.failed == nil {
			out = append(out, r)
		}
	}
	return out
}

func newCaptureInterface(t testing.TB, opts ...Option) (*Interface, *packetCapture, *fakeClock) {
	pc := &packetCapture{}
	clock := &fakeClock{now: testEpoch}
	opts = append([]Option{
		WithLogger(newTestLogger(t)),
		WithClock(clock.Now),
		WithIdentitySecret(IdentitySecret{1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12}),
	}, opts...)
	i := NewInterface(pc.send, nil, opts...)
	return i, pc, clock
}

// installTestConnection puts an established connection to addr straight into
// the registry.
func installTestConnection(i *Interface, addr NetAddress, sequence uint32) *Connection {
	c := newConnection(i, addr, sequence)
	c.className = testClassName
	c.class = NopClass{}
	i.install(c)
	return c
}

func testSecret(t testing.TB, i *Interface) *IdentitySecret {
	secret, err := i.identitySecret()
	require.NoError(t, err)
	return secret
}

func dataPacket(sequence uint32, op dataOpcode, encode func(w *packetWriter)) []byte {
	w := newDataWriter(sequence, op, 0)
	encode(w)
	return w.bytes()
}
