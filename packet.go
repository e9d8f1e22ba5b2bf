// Copyright (c) 2021 Storj Labs, Inc.
// See LICENSE for copying information.

package tnl

import (
	"encoding/binary"
	"errors"
	"fmt"
	"net/netip"
)

var (
	// ErrShortPacket means a decode ran past the end of the datagram.
	ErrShortPacket = errors.New("packet too short")
	// ErrMalformedPacket means a field held a value no encoder produces.
	ErrMalformedPacket = errors.New("malformed packet")
)

// packetType is the first byte of every datagram. Even values are
// handshake/info packets; odd values are connection data packets.
type packetType uint8

const (
	connectChallengeRequest  packetType = 0
	connectChallengeResponse packetType = 2
	connectRequest           packetType = 4
	connectReject            packetType = 6
	connectAccept            packetType = 8
	disconnectPacket         packetType = 10
	punch                    packetType = 12
	arrangedConnectRequest   packetType = 14
	relayRequest             packetType = 16
	relayResponse            packetType = 18

	// FirstValidInfoPacketType is the lowest type byte handed to
	// OnInfoPacket. Only even values are info packets.
	FirstValidInfoPacketType = 32

	connectionDataFlag = 0x01
)

var packetTypeNames = map[packetType]string{
	connectChallengeRequest:  "ConnectChallengeRequest",
	connectChallengeResponse: "ConnectChallengeResponse",
	connectRequest:           "ConnectRequest",
	connectReject:            "ConnectReject",
	connectAccept:            "ConnectAccept",
	disconnectPacket:         "Disconnect",
	punch:                    "Punch",
	arrangedConnectRequest:   "ArrangedConnectRequest",
	relayRequest:             "RelayRequest",
	relayResponse:            "RelayResponse",
}

func (t packetType) String() string {
	if t&connectionDataFlag != 0 {
		return "ConnectionData"
	}
	if name, ok := packetTypeNames[t]; ok {
		return name
	}
	return fmt.Sprintf("Info(%d)", uint8(t))
}

// dataOpcode identifies the message inside a connection data packet.
type dataOpcode uint16

const (
	opEvent        dataOpcode = 1
	opPing         dataOpcode = 2
	opPingAck      dataOpcode = 3
	opWriteRequest dataOpcode = 16
	opData         dataOpcode = 17
	opAcknowledge  dataOpcode = 18
)

// dataHeaderSize is type byte + sequence + opcode.
const dataHeaderSize = 1 + 4 + 2

// dataChunkOverhead is the Data body before the chunk bytes: transferId,
// index, offset and length.
const dataChunkOverhead = 4 + 4 + 4 + 2

// packetWriter appends big-endian fields to a byte slice.
type packetWriter struct {
	buf []byte
}

func newPacketWriter(t packetType, sizeHint int) *packetWriter {
	w := &packetWriter{buf: make([]byte, 0, 1+sizeHint)}
	w.buf = append(w.buf, byte(t))
	return w
}

func newDataWriter(sequence uint32, op dataOpcode, sizeHint int) *packetWriter {
	w := newPacketWriter(connectionDataFlag, 6+sizeHint)
	w.writeUint32(sequence)
	w.writeUint16(uint16(op))
	return w
}

func (w *packetWriter) bytes() []byte { return w.buf }

func (w *packetWriter) writeUint8(v uint8) { w.buf = append(w.buf, v) }

func (w *packetWriter) writeUint16(v uint16) { w.buf = binary.BigEndian.AppendUint16(w.buf, v) }

func (w *packetWriter) writeUint32(v uint32) { w.buf = binary.BigEndian.AppendUint32(w.buf, v) }

func (w *packetWriter) writeBool(v bool) {
	if v {
		w.writeUint8(1)
	} else {
		w.writeUint8(0)
	}
}

func (w *packetWriter) writeDigest(d [4]uint32) {
	for _, v := range d {
		w.writeUint32(v)
	}
}

// writeString writes a u8 length prefix; longer strings are truncated.
func (w *packetWriter) writeString(s string) {
	if len(s) > 0xFF {
		s = s[:0xFF]
	}
	w.writeUint8(uint8(len(s)))
	w.buf = append(w.buf, s...)
}

// writeBlob writes a u16 length prefix. Callers keep blobs under 64 KiB.
func (w *packetWriter) writeBlob(b []byte) {
	w.writeUint16(uint16(len(b)))
	w.buf = append(w.buf, b...)
}

func (w *packetWriter) writeAddress(a NetAddress) {
	w.writeUint8(uint8(a.Family()))
	ip := a.IP()
	if ip.Is4() {
		b := ip.As4()
		w.buf = append(w.buf, b[:]...)
	} else {
		b := ip.As16()
		w.buf = append(w.buf, b[:]...)
	}
	w.writeUint16(a.Port())
}

// writeBits packs a bool run LSB-first, preceded by its u16 length.
func (w *packetWriter) writeBits(bits []bool) {
	w.writeUint16(uint16(len(bits)))
	packed := make([]byte, (len(bits)+7)/8)
	for i, set := range bits {
		if set {
			packed[i/8] |= 1 << (i % 8)
		}
	}
	w.buf = append(w.buf, packed...)
}

// packetReader decodes big-endian fields. The first failure sticks; later
// reads return zero values and err() reports the failure.
type packetReader struct {
	buf    []byte
	offset int
	failed error
}

func newPacketReader(b []byte) *packetReader {
	return &packetReader{buf: b}
}

func (r *packetReader) take(n int) []byte {
	if r.failed != nil {
		return nil
	}
	if n < 0 || len(r.buf)-r.offset < n {
		r.failed = ErrShortPacket
		return nil
	}
	b := r.buf[r.offset : r.offset+n]
	r.offset += n
	return b
}

func (r *packetReader) readUint8() uint8 {
	b := r.take(1)
	if b == nil {
		return 0
	}
	return b[0]
}

func (r *packetReader) readUint16() uint16 {
	b := r.take(2)
	if b == nil {
		return 0
	}
	return binary.BigEndian.Uint16(b)
}

func (r *packetReader) readUint32() uint32 {
	b := r.take(4)
	if b == nil {
		return 0
	}
	return binary.BigEndian.Uint32(b)
}

func (r *packetReader) readBool() bool {
	switch r.readUint8() {
	case 0:
		return false
	case 1:
		return true
	}
	r.fail(ErrMalformedPacket)
	return false
}

func (r *packetReader) readDigest() (d [4]uint32) {
	for i := range d {
		d[i] = r.readUint32()
	}
	return d
}

func (r *packetReader) readString() string {
	n := r.readUint8()
	return string(r.take(int(n)))
}

// readBlob returns a copy, so the datagram buffer can be reused.
func (r *packetReader) readBlob() []byte {
	n := r.readUint16()
	b := r.take(int(n))
	if b == nil {
		return nil
	}
	return append([]byte(nil), b...)
}

func (r *packetReader) readAddress() NetAddress {
	var ip netip.Addr
	switch AddressFamily(r.readUint8()) {
	case AddressIPv4:
		if b := r.take(4); b != nil {
			ip = netip.AddrFrom4([4]byte(b))
		}
	case AddressIPv6:
		if b := r.take(16); b != nil {
			ip = netip.AddrFrom16([16]byte(b))
		}
	default:
		r.fail(ErrMalformedPacket)
	}
	port := r.readUint16()
	if r.failed != nil {
		return NetAddress{}
	}
	return AddressFrom(netip.AddrPortFrom(ip, port))
}

func (r *packetReader) readBits(limit int) []bool {
	n := int(r.readUint16())
	if n > limit {
		r.fail(ErrMalformedPacket)
		return nil
	}
	packed := r.take((n + 7) / 8)
	if packed == nil {
		return nil
	}
	bits := make([]bool, n)
	for i := range bits {
		bits[i] = packed[i/8]&(1<<(i%8)) != 0
	}
	return bits
}

func (r *packetReader) fail(err error) {
	if r.failed == nil {
		r.failed = err
	}
}

// finish reports the first decode failure, or ErrMalformedPacket when bytes
// are left over.
func (r *packetReader) finish() error {
	if r.failed != nil {
		return r.failed
	}
	if r.offset != len(r.buf) {
		return fmt.Errorf("%w: %d trailing bytes", ErrMalformedPacket, len(r.buf)-r.offset)
	}
	return nil
}

// Handshake packet bodies. Each decode validates the whole datagram before
// the caller sees any field.

type challengeRequestPacket struct {
	Sequence uint32
}

func (p *challengeRequestPacket) encode() []byte {
	w := newPacketWriter(connectChallengeRequest, 4)
	w.writeUint32(p.Sequence)
	return w.bytes()
}

func (p *challengeRequestPacket) decode(r *packetReader) error {
	p.Sequence = r.readUint32()
	return r.finish()
}

type challengeResponsePacket struct {
	Sequence uint32
	Digest   [4]uint32
}

func (p *challengeResponsePacket) encode() []byte {
	w := newPacketWriter(connectChallengeResponse, 20)
	w.writeUint32(p.Sequence)
	w.writeDigest(p.Digest)
	return w.bytes()
}

func (p *challengeResponsePacket) decode(r *packetReader) error {
	p.Sequence = r.readUint32()
	p.Digest = r.readDigest()
	return r.finish()
}

type connectRequestPacket struct {
	Sequence  uint32
	Digest    [4]uint32
	ClassName string
	Payload   []byte
}

func (p *connectRequestPacket) encode() []byte {
	w := newPacketWriter(connectRequest, 23+len(p.ClassName)+len(p.Payload))
	w.writeUint32(p.Sequence)
	w.writeDigest(p.Digest)
	w.writeString(p.ClassName)
	w.writeBlob(p.Payload)
	return w.bytes()
}

func (p *connectRequestPacket) decode(r *packetReader) error {
	p.Sequence = r.readUint32()
	p.Digest = r.readDigest()
	p.ClassName = r.readString()
	p.Payload = r.readBlob()
	return r.finish()
}

type connectAcceptPacket struct {
	Sequence uint32
	Payload  []byte
}

func (p *connectAcceptPacket) encode() []byte {
	w := newPacketWriter(connectAccept, 6+len(p.Payload))
	w.writeUint32(p.Sequence)
	w.writeBlob(p.Payload)
	return w.bytes()
}

func (p *connectAcceptPacket) decode(r *packetReader) error {
	p.Sequence = r.readUint32()
	p.Payload = r.readBlob()
	return r.finish()
}

// reasonPacket is the body of both ConnectReject and Disconnect.
type reasonPacket struct {
	Sequence uint32
	Reason   string
}

func (p *reasonPacket) encode(t packetType) []byte {
	w := newPacketWriter(t, 5+len(p.Reason))
	w.writeUint32(p.Sequence)
	w.writeString(p.Reason)
	return w.bytes()
}

func (p *reasonPacket) decode(r *packetReader) error {
	p.Sequence = r.readUint32()
	p.Reason = r.readString()
	return r.finish()
}

func encodePunch() []byte {
	return newPacketWriter(punch, 0).bytes()
}

type arrangedRequestPacket struct {
	Sequence uint32
	// Reply is set on the responder's answer to the initiator.
	Reply bool
}

func (p *arrangedRequestPacket) encode() []byte {
	w := newPacketWriter(arrangedConnectRequest, 5)
	w.writeUint32(p.Sequence)
	w.writeBool(p.Reply)
	return w.bytes()
}

func (p *arrangedRequestPacket) decode(r *packetReader) error {
	p.Sequence = r.readUint32()
	p.Reply = r.readBool()
	return r.finish()
}

type relayRequestPacket struct {
	Sequence uint32
}

func (p *relayRequestPacket) encode() []byte {
	w := newPacketWriter(relayRequest, 4)
	w.writeUint32(p.Sequence)
	return w.bytes()
}

func (p *relayRequestPacket) decode(r *packetReader) error {
	p.Sequence = r.readUint32()
	return r.finish()
}

type relayResponsePacket struct {
	Sequence uint32
	Address  NetAddress
}

func (p *relayResponsePacket) encode() []byte {
	w := newPacketWriter(relayResponse, 23)
	w.writeUint32(p.Sequence)
	w.writeAddress(p.Address)
	return w.bytes()
}

func (p *relayResponsePacket) decode(r *packetReader) error {
	p.Sequence = r.readUint32()
	p.Address = r.readAddress()
	return r.finish()
}

// Transfer message bodies, carried in connection data packets.

type writeRequestMsg struct {
	TransferID uint32
	ChunkCount uint16
	TotalSize  uint32
}

func (m *writeRequestMsg) encode(w *packetWriter) {
	w.writeUint32(m.TransferID)
	w.writeUint16(m.ChunkCount)
	w.writeUint32(m.TotalSize)
}

func (m *writeRequestMsg) decode(r *packetReader) error {
	m.TransferID = r.readUint32()
	m.ChunkCount = r.readUint16()
	m.TotalSize = r.readUint32()
	return r.finish()
}

type dataMsg struct {
	TransferID uint32
	Index      uint32
	Offset     uint32
	Bytes      []byte
}

func (m *dataMsg) encode(w *packetWriter) {
	w.writeUint32(m.TransferID)
	w.writeUint32(m.Index)
	w.writeUint32(m.Offset)
	w.writeBlob(m.Bytes)
}

func (m *dataMsg) decode(r *packetReader) error {
	m.TransferID = r.readUint32()
	m.Index = r.readUint32()
	m.Offset = r.readUint32()
	m.Bytes = r.readBlob()
	if r.failed == nil && len(m.Bytes) > MaxChunkSize {
		r.fail(ErrMalformedPacket)
	}
	return r.finish()
}

type acknowledgeMsg struct {
	TransferID  uint32
	MinNonAcked uint32
	Bits        []bool
}

func (m *acknowledgeMsg) encode(w *packetWriter) {
	w.writeUint32(m.TransferID)
	w.writeUint32(m.MinNonAcked)
	w.writeBits(m.Bits)
}

func (m *acknowledgeMsg) decode(r *packetReader) error {
	m.TransferID = r.readUint32()
	m.MinNonAcked = r.readUint32()
	m.Bits = r.readBits(MaxAckBitmapLength)
	return r.finish()
}
