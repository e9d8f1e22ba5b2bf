// Copyright (c) 2021 Storj Labs, Inc.
// See LICENSE for copying information.

package tnl

import (
	"bytes"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHandshake(t *testing.T) {
	ts := newTestScenario(t)
	client := ts.addHost("client", "10.0.0.1:1000")
	server := ts.addHost("server", "10.0.0.2:2000")
	server.iface.SetAllowConnections(true)

	c, s := ts.connect(client, server, []byte("hello"))

	assert.Equal(t, StateConnected, c.State())
	assert.Equal(t, StateConnected, s.State())
	assert.True(t, c.IsClientSide())
	assert.False(t, s.IsClientSide())
	assert.Equal(t, c.Sequence(), s.Sequence())
	assert.Equal(t, testClassName, s.ClassName())
	assert.Equal(t, []byte("hello"), server.class.request)
	assert.Equal(t, []byte("welcome"), client.class.accept)

	require.Len(t, client.established, 1)
	assert.Same(t, c, client.established[0])
	require.Len(t, server.established, 1)
	assert.Same(t, s, server.established[0])
	assert.Zero(t, client.iface.pendingCount())
	assert.Zero(t, server.iface.pendingCount())

	// first estimate comes from the challenge round trip
	assert.Greater(t, c.RTT(), time.Duration(0))
	assert.Less(t, c.RTT(), defaultRTT)

	require.NoError(t, c.SendPacket([]byte("event")))
	ts.runUntil(100, func() bool { return len(server.packets) > 0 })
	assert.Equal(t, [][]byte{[]byte("event")}, server.packets)

	assert.Error(t, c.SendPacket(make([]byte, GetUDPMTU(s.RemoteAddress()))))
}

func TestHandshakeSurvivesLostRequestAndAccept(t *testing.T) {
	ts := newTestScenario(t)
	client := ts.addHost("client", "10.0.0.1:1000")
	server := ts.addHost("server", "10.0.0.2:2000")
	server.iface.SetAllowConnections(true)

	dropped := make(map[packetType]bool)
	dropFirst := func(b []byte) bool {
		pt := packetType(b[0])
		if (pt == connectRequest || pt == connectAccept) && !dropped[pt] {
			dropped[pt] = true
			return true
		}
		return false
	}
	client.mgr.dropFilter = dropFirst
	server.mgr.dropFilter = dropFirst

	c, _ := ts.connect(client, server, nil)
	assert.True(t, c.IsConnected())

	assert.Equal(t, 3, client.mgr.counts[connectRequest])
	// the retried request got the same accept again
	assert.Equal(t, 2, server.mgr.counts[connectAccept])
	assert.Len(t, server.established, 1)
	assert.Len(t, client.established, 1)
}

func TestChallengeIgnoredWhenNotAcceptingConnections(t *testing.T) {
	i, pc, _ := newCaptureInterface(t)
	require.NoError(t, i.RegisterClass(testClassName, func() ConnectionClass { return NopClass{} }))
	from := mustAddress(t, "10.1.1.1:5000")

	i.ProcessPacket((&challengeRequestPacket{Sequence: 1}).encode(), from)
	req := connectRequestPacket{Sequence: 1, Digest: Digest(from, 1, testSecret(t, i)), ClassName: testClassName}
	i.ProcessPacket(req.encode(), from)

	assert.Empty(t, pc.packets)
	assert.Nil(t, i.FindConnection(from))
}

func TestChallengeResponseCarriesDigest(t *testing.T) {
	i, pc, _ := newCaptureInterface(t)
	i.SetAllowConnections(true)
	from := mustAddress(t, "10.1.1.1:5000")

	i.ProcessPacket((&challengeRequestPacket{Sequence: 42}).encode(), from)
	sent := pc.take()
	require.Len(t, sent, 1)
	assert.Equal(t, from, sent[0].to)

	var resp challengeResponsePacket
	require.NoError(t, resp.decode(newPacketReader(sent[0].data[1:])))
	assert.Equal(t, uint32(42), resp.Sequence)
	secret := IdentitySecret{1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12}
	assert.Equal(t, Digest(from, 42, &secret), resp.Digest)
}

func TestIdentitySecretComesFromRandomSource(t *testing.T) {
	src := make([]byte, 48)
	for n := range src {
		src[n] = byte(n * 3)
	}
	pc := &packetCapture{}
	i := NewInterface(pc.send, nil, WithRandom(bytes.NewReader(src)), WithLogger(newTestLogger(t)))
	i.SetAllowConnections(true)
	from := mustAddress(t, "10.1.1.1:5000")

	want, err := newIdentitySecret(bytes.NewReader(src))
	require.NoError(t, err)

	i.ProcessPacket((&challengeRequestPacket{Sequence: 1}).encode(), from)
	require.Len(t, pc.packets, 1)
	var resp challengeResponsePacket
	require.NoError(t, resp.decode(newPacketReader(pc.packets[0].data[1:])))
	assert.Equal(t, Digest(from, 1, want), resp.Digest)
}

func TestFailingRandomSourceDropsChallenges(t *testing.T) {
	pc := &packetCapture{}
	i := NewInterface(pc.send, nil, WithRandom(bytes.NewReader(nil)), WithLogger(newTestLogger(t)))
	i.SetAllowConnections(true)
	require.NoError(t, i.RegisterClass(testClassName, func() ConnectionClass { return NopClass{} }))
	from := mustAddress(t, "10.9.9.9:1")

	var zero IdentitySecret
	req := connectRequestPacket{Sequence: 7, Digest: Digest(from, 7, &zero), ClassName: testClassName}
	assert.NotPanics(t, func() {
		i.ProcessPacket((&challengeRequestPacket{Sequence: 7}).encode(), from)
		i.ProcessPacket(req.encode(), from)
	})
	assert.Empty(t, pc.packets)
	assert.Nil(t, i.FindConnection(from))
	assert.Nil(t, i.secret)
}

func TestConnectRequestWithForgedDigestIsDropped(t *testing.T) {
	i, pc, _ := newCaptureInterface(t)
	i.SetAllowConnections(true)
	require.NoError(t, i.RegisterClass(testClassName, func() ConnectionClass { return NopClass{} }))
	var established []*Connection
	i.SetCallbacks(&CallbackTable{OnEstablished: func(c *Connection) { established = append(established, c) }})

	from := mustAddress(t, "10.1.1.1:5000")
	digest := Digest(from, 9, testSecret(t, i))

	forged := connectRequestPacket{Sequence: 9, Digest: digest, ClassName: testClassName}
	forged.Digest[0] ^= 1
	i.ProcessPacket(forged.encode(), from)
	assert.Empty(t, pc.packets)

	// a digest is only good for the address it was issued to
	spoofed := connectRequestPacket{Sequence: 9, Digest: digest, ClassName: testClassName}
	i.ProcessPacket(spoofed.encode(), mustAddress(t, "10.1.1.2:5000"))
	assert.Empty(t, pc.packets)
	assert.Empty(t, established)

	i.ProcessPacket(spoofed.encode(), from)
	require.Len(t, pc.ofType(connectAccept), 1)
	require.Len(t, established, 1)
	assert.Equal(t, from, established[0].RemoteAddress())
}

func TestConnectRequestIsIdempotent(t *testing.T) {
	i, pc, _ := newCaptureInterface(t)
	i.SetAllowConnections(true)
	require.NoError(t, i.RegisterClass(testClassName, func() ConnectionClass { return &testClass{} }))
	var established []*Connection
	var disconnected []string
	i.SetCallbacks(&CallbackTable{
		OnEstablished:  func(c *Connection) { established = append(established, c) },
		OnDisconnected: func(c *Connection, reason string) { disconnected = append(disconnected, reason) },
	})
	from := mustAddress(t, "10.1.1.1:5000")
	request := func(seq uint32) []byte {
		p := connectRequestPacket{Sequence: seq, Digest: Digest(from, seq, testSecret(t, i)), ClassName: testClassName}
		return p.encode()
	}

	i.ProcessPacket(request(100), from)
	i.ProcessPacket(request(100), from)
	accepts := pc.ofType(connectAccept)
	require.Len(t, accepts, 2)
	assert.Equal(t, accepts[0].data, accepts[1].data)
	require.Len(t, established, 1)
	first := established[0]

	// an older attempt never displaces the established connection
	pc.take()
	i.ProcessPacket(request(99), from)
	assert.Empty(t, pc.packets)
	assert.Same(t, first, i.FindConnection(from))

	// a newer one means the peer restarted
	i.ProcessPacket(request(101), from)
	require.Len(t, established, 2)
	assert.Equal(t, []string{"reconnected"}, disconnected)
	assert.Equal(t, StateDisconnected, first.State())
	assert.Same(t, established[1], i.FindConnection(from))
	assert.Equal(t, uint32(101), i.FindConnection(from).Sequence())
	assert.Len(t, i.Connections(), 1)
}

func TestUnknownClassIsRejected(t *testing.T) {
	i, pc, _ := newCaptureInterface(t)
	i.SetAllowConnections(true)
	from := mustAddress(t, "10.1.1.1:5000")

	p := connectRequestPacket{Sequence: 5, Digest: Digest(from, 5, testSecret(t, i)), ClassName: "Nope"}
	i.ProcessPacket(p.encode(), from)

	rejects := pc.ofType(connectReject)
	require.Len(t, rejects, 1)
	var reject reasonPacket
	require.NoError(t, reject.decode(newPacketReader(rejects[0].data[1:])))
	assert.Equal(t, uint32(5), reject.Sequence)
	assert.Contains(t, reject.Reason, "Nope")
	assert.Nil(t, i.FindConnection(from))
	assert.Zero(t, i.pendingCount())
}

func TestClassRejectsConnectRequest(t *testing.T) {
	ts := newTestScenario(t)
	client := ts.addHost("client", "10.0.0.1:1000")
	server := ts.addHost("server", "10.0.0.2:2000")
	server.iface.SetAllowConnections(true)
	server.class.rejectRequest = errors.New("bad version")

	c, err := client.iface.StartConnection(server.addr, testClassName, []byte("v0"))
	require.NoError(t, err)
	require.True(t, ts.runUntil(2000, func() bool { return len(client.rejected) > 0 }))

	assert.Equal(t, []string{"bad version"}, client.rejected)
	assert.Equal(t, StateRejected, c.State())
	assert.Zero(t, client.iface.pendingCount())
	assert.Nil(t, server.iface.FindConnection(client.addr))
	assert.Empty(t, server.established)
	assert.Empty(t, client.timedOut)
}

func TestClientRejectsConnectAccept(t *testing.T) {
	ts := newTestScenario(t)
	client := ts.addHost("client", "10.0.0.1:1000")
	server := ts.addHost("server", "10.0.0.2:2000")
	server.iface.SetAllowConnections(true)
	client.class.rejectAccept = errors.New("server too old")

	c, err := client.iface.StartConnection(server.addr, testClassName, nil)
	require.NoError(t, err)
	require.True(t, ts.runUntil(2000, func() bool { return len(server.disconnected) > 0 }))

	assert.Equal(t, []string{"server too old"}, client.rejected)
	assert.Equal(t, StateRejected, c.State())
	assert.Empty(t, client.established)
	assert.Equal(t, []string{"server too old"}, server.disconnected)
	assert.Nil(t, server.iface.FindConnection(client.addr))
}

func TestConnectTimesOut(t *testing.T) {
	i, pc, clock := newCaptureInterface(t)
	require.NoError(t, i.RegisterClass(testClassName, func() ConnectionClass { return NopClass{} }))
	var timedOut []*Connection
	i.SetCallbacks(&CallbackTable{OnTimedOut: func(c *Connection) { timedOut = append(timedOut, c) }})

	c, err := i.StartConnection(mustAddress(t, "10.9.9.9:1"), testClassName, nil)
	require.NoError(t, err)
	assert.Equal(t, StateAwaitingChallengeResponse, c.State())

	for n := 0; n < 400; n++ {
		clock.advance(100 * time.Millisecond)
		i.CheckTimeouts()
	}

	// one send plus MaxRetries resends
	assert.Len(t, pc.ofType(connectChallengeRequest), 5)
	require.Len(t, timedOut, 1)
	assert.Same(t, c, timedOut[0])
	assert.Equal(t, StateTimedOut, c.State())
	assert.Zero(t, i.pendingCount())
}

func TestConnectRequestRetriesTimeOut(t *testing.T) {
	i, pc, clock := newCaptureInterface(t)
	require.NoError(t, i.RegisterClass(testClassName, func() ConnectionClass { return NopClass{} }))
	var timedOut []*Connection
	i.SetCallbacks(&CallbackTable{OnTimedOut: func(c *Connection) { timedOut = append(timedOut, c) }})

	server := mustAddress(t, "10.9.9.9:1")
	c, err := i.StartConnection(server, testClassName, []byte("hello"))
	require.NoError(t, err)
	resp := challengeResponsePacket{Sequence: c.Sequence(), Digest: [4]uint32{1, 2, 3, 4}}
	i.ProcessPacket(resp.encode(), server)
	require.Equal(t, StateAwaitingConnectResponse, c.State())

	for n := 0; n < 400; n++ {
		clock.advance(100 * time.Millisecond)
		i.CheckTimeouts()
	}

	requests := pc.ofType(connectRequest)
	assert.Len(t, requests, 5)
	for _, req := range requests {
		var p connectRequestPacket
		require.NoError(t, p.decode(newPacketReader(req.data[1:])))
		assert.Equal(t, resp.Digest, p.Digest)
		assert.Equal(t, []byte("hello"), p.Payload)
	}
	require.Len(t, timedOut, 1)
	assert.Same(t, c, timedOut[0])
	assert.Equal(t, StateTimedOut, c.State())
	assert.Zero(t, i.pendingCount())
	assert.Nil(t, i.FindConnection(server))
}

func TestRelayRetriesTimeOut(t *testing.T) {
	relay := mustAddress(t, "10.0.0.9:9000")
	i, pc, clock := newCaptureInterface(t, WithRelayAddresses(relay))
	require.NoError(t, i.RegisterClass(testClassName, func() ConnectionClass { return NopClass{} }))
	var timedOut []*Connection
	i.SetCallbacks(&CallbackTable{OnTimedOut: func(c *Connection) { timedOut = append(timedOut, c) }})

	c, err := i.StartArrangedConnection([]NetAddress{mustAddress(t, "192.0.2.1:9")}, 5, true, testClassName, nil)
	require.NoError(t, err)
	for n := 0; n < 800; n++ {
		clock.advance(100 * time.Millisecond)
		i.CheckTimeouts()
	}

	assert.Len(t, pc.ofType(punch), 5)
	requests := pc.ofType(relayRequest)
	assert.Len(t, requests, 5)
	for _, req := range requests {
		assert.Equal(t, relay, req.to)
	}
	require.Len(t, timedOut, 1)
	assert.Same(t, c, timedOut[0])
	assert.Equal(t, StateTimedOut, c.State())
	assert.Zero(t, i.pendingCount())
}

func TestStartConnectionErrors(t *testing.T) {
	i, pc, _ := newCaptureInterface(t)
	require.NoError(t, i.RegisterClass(testClassName, func() ConnectionClass { return NopClass{} }))

	_, err := i.StartConnection(NetAddress{}, testClassName, nil)
	assert.Error(t, err)
	_, err = i.StartConnection(mustAddress(t, "10.0.0.1:1"), "Other", nil)
	assert.ErrorIs(t, err, ErrUnknownClass)
	_, err = i.StartConnection(mustAddress(t, "10.0.0.1:1"), testClassName, make([]byte, 0x10000))
	assert.Error(t, err)
	assert.Empty(t, pc.packets)
	assert.Zero(t, i.pendingCount())
}

func TestRegisterClass(t *testing.T) {
	i, _, _ := newCaptureInterface(t)
	factory := func() ConnectionClass { return NopClass{} }

	assert.NoError(t, i.RegisterClass("Game", factory))
	assert.Error(t, i.RegisterClass("Game", factory))
	assert.Error(t, i.RegisterClass("", factory))
	assert.Error(t, i.RegisterClass(strings.Repeat("x", 256), factory))
	assert.Error(t, i.RegisterClass("Other", nil))
}

func TestSequencesAreSeededFromClock(t *testing.T) {
	i, _, _ := newCaptureInterface(t)
	first := i.nextSequence()
	assert.Equal(t, uint32(testEpoch.UnixMilli()), first)
	assert.Equal(t, first+1, i.nextSequence())
}

func TestStaleConnectionIsReplaced(t *testing.T) {
	ts := newTestScenario(t)
	client := ts.addHost("client", "10.0.0.1:1000")
	server := ts.addHost("server", "10.0.0.2:2000")
	server.iface.SetAllowConnections(true)

	c1, s1 := ts.connect(client, server, nil)
	ts.run(200)

	ts.restart(client)
	c2, s2 := ts.connect(client, server, nil)

	assert.Greater(t, c2.Sequence(), c1.Sequence())
	assert.NotSame(t, s1, s2)
	assert.Equal(t, StateDisconnected, s1.State())
	assert.Equal(t, []string{"reconnected"}, server.disconnected)
	assert.Equal(t, c2.Sequence(), server.iface.FindConnection(client.addr).Sequence())
	assert.Len(t, server.iface.Connections(), 1)
}

func TestDisconnect(t *testing.T) {
	ts := newTestScenario(t)
	client := ts.addHost("client", "10.0.0.1:1000")
	server := ts.addHost("server", "10.0.0.2:2000")
	server.iface.SetAllowConnections(true)

	c, s := ts.connect(client, server, nil)
	c.Disconnect("bye")
	assert.Equal(t, StateDisconnected, c.State())
	assert.Nil(t, client.iface.FindConnection(server.addr))
	assert.ErrorIs(t, c.SendPacket([]byte("x")), ErrNotConnected)

	require.True(t, ts.runUntil(100, func() bool { return len(server.disconnected) > 0 }))
	assert.Equal(t, []string{"bye"}, server.disconnected)
	assert.Equal(t, StateDisconnected, s.State())
	assert.Nil(t, server.iface.FindConnection(client.addr))
	// local disconnects are not reported back
	assert.Empty(t, client.disconnected)
}

func TestPingsKeepConnectionAlive(t *testing.T) {
	ts := newTestScenario(t)
	client := ts.addHost("client", "10.0.0.1:1000")
	server := ts.addHost("server", "10.0.0.2:2000")
	server.iface.SetAllowConnections(true)

	c, s := ts.connect(client, server, nil)
	// longer than the connection timeout
	ts.run(8000)

	assert.True(t, c.IsConnected())
	assert.True(t, s.IsConnected())
	assert.Greater(t, client.mgr.counts[connectionDataFlag], 5)
	assert.Greater(t, s.RTT(), time.Duration(0))
	assert.Less(t, s.RTT(), defaultRTT)
}

func TestEstablishedConnectionTimesOut(t *testing.T) {
	ts := newTestScenario(t)
	client := ts.addHost("client", "10.0.0.1:1000")
	server := ts.addHost("server", "10.0.0.2:2000")
	server.iface.SetAllowConnections(true)

	c, s := ts.connect(client, server, nil)
	client.mgr.blocked = true
	server.mgr.blocked = true

	require.True(t, ts.runUntil(8000, func() bool {
		return len(client.disconnected) > 0 && len(server.disconnected) > 0
	}))
	assert.Equal(t, []string{"timed out"}, client.disconnected)
	assert.Equal(t, []string{"timed out"}, server.disconnected)
	assert.False(t, c.IsConnected())
	assert.False(t, s.IsConnected())
}

func TestInfoPackets(t *testing.T) {
	i, pc, _ := newCaptureInterface(t)
	var infos [][]byte
	i.SetCallbacks(&CallbackTable{OnInfoPacket: func(from NetAddress, data []byte) { infos = append(infos, data) }})
	from := mustAddress(t, "10.1.1.1:5000")

	b := []byte{FirstValidInfoPacketType, 1, 2}
	i.ProcessPacket(b, from)
	b[1] = 9
	require.Len(t, infos, 1)
	assert.Equal(t, []byte{FirstValidInfoPacketType, 1, 2}, infos[0])

	// even but below the info range
	i.ProcessPacket([]byte{20, 1}, from)
	assert.Len(t, infos, 1)
	assert.Empty(t, pc.packets)
}

func TestMalformedHandshakePacketsAreDropped(t *testing.T) {
	i, pc, _ := newCaptureInterface(t)
	i.SetAllowConnections(true)
	require.NoError(t, i.RegisterClass(testClassName, func() ConnectionClass { return NopClass{} }))
	from := mustAddress(t, "10.1.1.1:5000")

	i.ProcessPacket(nil, from)
	i.ProcessPacket([]byte{byte(connectChallengeRequest), 0, 1}, from)
	i.ProcessPacket(append((&challengeRequestPacket{Sequence: 1}).encode(), 0), from)
	full := (&connectRequestPacket{Sequence: 1, Digest: Digest(from, 1, testSecret(t, i)), ClassName: testClassName}).encode()
	i.ProcessPacket(full[:len(full)-1], from)
	i.ProcessPacket([]byte{byte(connectionDataFlag), 0, 0}, from)
	i.ProcessPacket((&challengeRequestPacket{Sequence: 1}).encode(), NetAddress{})

	assert.Empty(t, pc.packets)
	assert.Nil(t, i.FindConnection(from))
}

func TestArrangedConnection(t *testing.T) {
	ts := newTestScenario(t)
	a := ts.addHost("a", "10.0.0.1:1000")
	b := ts.addHost("b", "10.0.0.2:2000")
	bogus := mustAddress(t, "192.0.2.1:9")
	const seq = 4242

	ca, err := a.iface.StartArrangedConnection([]NetAddress{bogus, b.addr}, seq, true, testClassName, nil)
	require.NoError(t, err)
	cb, err := b.iface.StartArrangedConnection([]NetAddress{bogus, a.addr}, seq, false, testClassName, nil)
	require.NoError(t, err)
	assert.Equal(t, StateSendingPunchPackets, ca.State())

	require.True(t, ts.runUntil(2000, func() bool { return ca.IsConnected() && cb.IsConnected() }))
	assert.True(t, ca.IsClientSide())
	assert.False(t, cb.IsClientSide())
	assert.Equal(t, b.addr, ca.RemoteAddress())
	assert.Equal(t, a.addr, cb.RemoteAddress())
	assert.Equal(t, uint32(seq), ca.Sequence())
	require.Len(t, a.established, 1)
	assert.Same(t, ca, a.established[0])
	require.Len(t, b.established, 1)
	assert.Same(t, cb, b.established[0])
	assert.Zero(t, a.iface.pendingCount())
	assert.Zero(t, b.iface.pendingCount())

	// the established pair can carry a transfer
	_, err = ca.BeginSend([]byte("arranged"))
	require.NoError(t, err)
	require.True(t, ts.runUntil(2000, func() bool { return len(b.sink.completed) > 0 }))
	assert.Equal(t, []byte("arranged"), b.sink.completed[0])
}

func TestArrangedConnectionErrors(t *testing.T) {
	i, _, _ := newCaptureInterface(t)
	require.NoError(t, i.RegisterClass(testClassName, func() ConnectionClass { return NopClass{} }))
	addr := mustAddress(t, "10.0.0.1:1")

	_, err := i.StartArrangedConnection(nil, 1, true, testClassName, nil)
	assert.Error(t, err)
	_, err = i.StartArrangedConnection([]NetAddress{addr}, 0, true, testClassName, nil)
	assert.Error(t, err)
	_, err = i.StartArrangedConnection([]NetAddress{addr}, 1, true, "Other", nil)
	assert.ErrorIs(t, err, ErrUnknownClass)
}

func TestArrangedCandidatesAreBounded(t *testing.T) {
	i, pc, _ := newCaptureInterface(t)
	require.NoError(t, i.RegisterClass(testClassName, func() ConnectionClass { return NopClass{} }))
	var possible []NetAddress
	for n := 1; n <= 8; n++ {
		possible = append(possible, mustAddress(t, fmt.Sprintf("10.0.0.%d:1", n)))
	}

	c, err := i.StartArrangedConnection(possible, 1, true, testClassName, nil)
	require.NoError(t, err)
	assert.Len(t, c.PossibleAddresses(), MaxPossibleAddresses)
	assert.Len(t, pc.ofType(punch), MaxPossibleAddresses)
}

func TestArrangedResponderTimesOut(t *testing.T) {
	ts := newTestScenario(t)
	b := ts.addHost("b", "10.0.0.2:2000", WithRelayAddresses(mustAddress(t, "10.0.0.9:9000")))

	c, err := b.iface.StartArrangedConnection([]NetAddress{mustAddress(t, "192.0.2.1:9")}, 77, false, testClassName, nil)
	require.NoError(t, err)
	require.True(t, ts.runUntil(4000, func() bool { return len(b.timedOut) > 0 }))

	assert.Equal(t, StateTimedOut, c.State())
	assert.Equal(t, 5, b.mgr.counts[punch])
	// only the initiator asks relays
	assert.Zero(t, b.mgr.counts[relayRequest])
}

func TestArrangedConnectionFallsBackToRelay(t *testing.T) {
	ts := newTestScenario(t)
	relayAddr := mustAddress(t, "10.0.0.9:9000")
	a := ts.addHost("a", "10.0.0.1:1000", WithRelayAddresses(relayAddr))
	b := ts.addHost("b", "10.0.0.2:2000")
	b.iface.SetAllowConnections(true)

	var asked []uint32
	ts.addHost("relay", relayAddr.String(), WithRelayResolver(func(from NetAddress, seq uint32) (NetAddress, bool) {
		asked = append(asked, seq)
		return b.addr, from == a.addr
	}))

	c, err := a.iface.StartArrangedConnection([]NetAddress{mustAddress(t, "192.0.2.1:9")}, 777, true, testClassName, []byte("via relay"))
	require.NoError(t, err)
	require.True(t, ts.runUntil(8000, c.IsConnected))

	assert.Equal(t, 5, a.mgr.counts[punch])
	assert.Equal(t, []uint32{777}, asked)
	assert.Equal(t, b.addr, c.RemoteAddress())
	assert.NotEqual(t, uint32(777), c.Sequence())
	require.Len(t, a.established, 1)
	assert.Same(t, c, a.established[0])
	assert.Empty(t, a.timedOut)
	require.Len(t, b.established, 1)
	assert.Equal(t, []byte("via relay"), b.class.request)
}

func TestRelayResponseOnlyFromKnownRelays(t *testing.T) {
	relay := mustAddress(t, "10.0.0.9:9000")
	i, pc, clock := newCaptureInterface(t, WithRelayAddresses(relay))
	require.NoError(t, i.RegisterClass(testClassName, func() ConnectionClass { return NopClass{} }))

	c, err := i.StartArrangedConnection([]NetAddress{mustAddress(t, "192.0.2.1:9")}, 5, true, testClassName, nil)
	require.NoError(t, err)
	for c.State() == StateSendingPunchPackets {
		clock.advance(100 * time.Millisecond)
		i.CheckTimeouts()
	}
	require.Equal(t, StateTryingRelay, c.State())
	requests := pc.ofType(relayRequest)
	require.Len(t, requests, 1)
	assert.Equal(t, relay, requests[0].to)

	target := mustAddress(t, "10.0.0.2:2000")
	resp := relayResponsePacket{Sequence: 5, Address: target}
	i.ProcessPacket(resp.encode(), mustAddress(t, "10.0.0.66:9000"))
	assert.Equal(t, StateTryingRelay, c.State())

	pc.take()
	i.ProcessPacket(resp.encode(), relay)
	assert.Equal(t, StateAwaitingChallengeResponse, c.State())
	challenges := pc.ofType(connectChallengeRequest)
	require.Len(t, challenges, 1)
	assert.Equal(t, target, challenges[0].to)
}

func TestCloseForgetsEverything(t *testing.T) {
	i, pc, _ := newCaptureInterface(t)
	require.NoError(t, i.RegisterClass(testClassName, func() ConnectionClass { return NopClass{} }))
	var callbacks int
	i.SetCallbacks(&CallbackTable{
		OnDisconnected: func(*Connection, string) { callbacks++ },
		OnTimedOut:     func(*Connection) { callbacks++ },
	})

	established := installTestConnection(i, mustAddress(t, "10.0.0.1:1"), 3)
	pending, err := i.StartConnection(mustAddress(t, "10.0.0.2:1"), testClassName, nil)
	require.NoError(t, err)
	pc.take()

	i.Close()
	assert.Equal(t, StateDisconnected, established.State())
	assert.Equal(t, StateDisconnected, pending.State())
	assert.Empty(t, i.Connections())
	assert.Zero(t, i.pendingCount())
	assert.Len(t, pc.ofType(disconnectPacket), 1)
	assert.Zero(t, callbacks)
}
