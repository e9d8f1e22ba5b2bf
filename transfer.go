// Copyright (c) 2021 Storj Labs, Inc.
// See LICENSE for copying information.

package tnl

import (
	"errors"
	"fmt"
	"time"
)

var (
	ErrEmptyTransfer     = errors.New("nothing to transfer")
	ErrTransferTooLarge  = errors.New("transfer too large")
	ErrTransferIntegrity = errors.New("transfer integrity check failed")
	ErrTransferAborted   = errors.New("transfer aborted by a newer transfer")
)

// transferChunk is one piece of a transfer. It is never modified after it
// is created.
type transferChunk struct {
	index  uint32
	offset uint32
	bytes  []byte
}

type queuedTransfer struct {
	id   uint32
	data []byte
}

// sendState is the sender half of a connection's transfer engine. A
// transferID of 0 means no transfer is active.
type sendState struct {
	transferID uint32
	totalSize  uint32
	chunks     []transferChunk
	acked      []bool
	// zero means "send on the next pump"
	sentAt []time.Time
	// lowest index not yet acknowledged
	minNonAcked uint32

	// set once the receiver acknowledged anything for this transfer; until
	// then the WriteRequest is re-announced
	announced   bool
	announcedAt time.Time

	queue  []queuedTransfer
	lastID uint32
}

// recvState is the receiver half. A transferID of 0 means no transfer is
// active.
type recvState struct {
	transferID      uint32
	totalSize       uint32
	chunks          []*transferChunk
	acked           []bool
	nextDeliverable int
	deliveredBytes  uint32
	// zero once the latest arrivals have been acknowledged
	lastReceiveAt time.Time

	// the last finished transfer, re-acknowledged if the sender missed the
	// final ack
	completedID    uint32
	completedCount uint32
}

type transferState struct {
	send sendState
	recv recvState
}

// BeginSend queues data for reliable delivery to the peer's TransferSink and
// returns the transfer id. Transfers are sent one at a time, in the order
// they were begun; OnTransferSent reports each as the peer acknowledges its
// last chunk. data is copied.
func (c *Connection) BeginSend(data []byte) (uint32, error) {
	if c.state != StateConnected {
		return 0, ErrNotConnected
	}
	if len(data) == 0 {
		return 0, ErrEmptyTransfer
	}
	cfg := &c.iface.config
	if uint64(len(data)) > uint64(cfg.MaxTransferSize) {
		return 0, fmt.Errorf("%w: %d bytes exceeds limit of %d", ErrTransferTooLarge, len(data), cfg.MaxTransferSize)
	}
	if count := divRoundUp(uint32(len(data)), uint32(c.chunkSize())); count > maxChunkCount {
		return 0, fmt.Errorf("%w: %d chunks exceeds limit of %d", ErrTransferTooLarge, count, maxChunkCount)
	}

	s := &c.transfer.send
	s.lastID++
	if s.lastID == 0 {
		s.lastID = 1
	}
	item := queuedTransfer{id: s.lastID, data: append([]byte(nil), data...)}
	if s.transferID != 0 || len(s.queue) > 0 {
		s.queue = append(s.queue, item)
		c.logger.V(1).Info("transfer queued", "id", item.id, "size", len(data), "queued", len(s.queue))
		return item.id, nil
	}
	c.startSend(item)
	return item.id, nil
}

// chunkSize is the configured chunk size, shrunk so that a full Data packet
// fits GetUDPMTU for the peer.
func (c *Connection) chunkSize() int {
	return minInt(c.iface.config.ChunkSize, GetUDPMTU(c.remoteAddress)-dataHeaderSize-dataChunkOverhead)
}

func (c *Connection) startSend(item queuedTransfer) {
	s := &c.transfer.send
	chunkSize := c.chunkSize()
	count := int(divRoundUp(uint32(len(item.data)), uint32(chunkSize)))

	s.transferID = item.id
	s.totalSize = uint32(len(item.data))
	s.chunks = make([]transferChunk, count)
	for idx := range s.chunks {
		offset := idx * chunkSize
		s.chunks[idx] = transferChunk{
			index:  uint32(idx),
			offset: uint32(offset),
			bytes:  item.data[offset:minInt(offset+chunkSize, len(item.data))],
		}
	}
	s.acked = make([]bool, count)
	s.sentAt = make([]time.Time, count)
	s.minNonAcked = 0
	s.announced = false

	c.logger.V(1).Info("starting transfer", "id", s.transferID, "size", s.totalSize, "chunks", count)
	c.sendWriteRequest(c.iface.now())
}

func (c *Connection) sendWriteRequest(now time.Time) {
	s := &c.transfer.send
	s.announcedAt = now
	m := writeRequestMsg{
		TransferID: s.transferID,
		ChunkCount: uint16(len(s.chunks)),
		TotalSize:  s.totalSize,
	}
	w := newDataWriter(c.sequence, opWriteRequest, 10)
	m.encode(w)
	c.sendData(w)
}

// resendTimeout is how long a sent chunk may stay unacknowledged before
// the pump sends it again.
func (c *Connection) resendTimeout() time.Duration {
	timeout := 3 * c.rtt
	if timeout < c.iface.config.MinResendTimeout {
		timeout = c.iface.config.MinResendTimeout
	}
	return timeout
}

// pump sends the chunks of the window that are due: the lowest
// PacketsAtATime unacknowledged chunks that were never sent or whose last
// send has timed out.
func (c *Connection) pump(now time.Time) {
	s := &c.transfer.send
	if s.transferID == 0 || c.state != StateConnected {
		return
	}
	timeout := c.resendTimeout()
	if !s.announced && now.Sub(s.announcedAt) >= timeout {
		c.sendWriteRequest(now)
	}

	window := c.iface.config.PacketsAtATime
	for idx := int(s.minNonAcked); idx < len(s.chunks) && window > 0; idx++ {
		if s.acked[idx] {
			continue
		}
		window--
		sentAt := s.sentAt[idx]
		if !sentAt.IsZero() && now.Sub(sentAt) < timeout {
			continue
		}
		if !sentAt.IsZero() {
			c.stats.chunkResent()
		}
		c.sendChunk(idx, now)
	}
}

func (c *Connection) sendChunk(idx int, now time.Time) {
	s := &c.transfer.send
	ch := &s.chunks[idx]
	m := dataMsg{
		TransferID: s.transferID,
		Index:      ch.index,
		Offset:     ch.offset,
		Bytes:      ch.bytes,
	}
	w := newDataWriter(c.sequence, opData, 14+len(ch.bytes))
	m.encode(w)
	s.sentAt[idx] = now
	c.sendData(w)
}

func (c *Connection) onAcknowledge(m *acknowledgeMsg) {
	s := &c.transfer.send
	if s.transferID == 0 || m.TransferID != s.transferID {
		c.logger.V(2).Info("dropping acknowledge for inactive transfer", "id", m.TransferID)
		return
	}
	s.announced = true

	count := uint32(len(s.chunks))
	minNonAcked := m.MinNonAcked
	if minNonAcked > count {
		minNonAcked = count
	}
	for idx := s.minNonAcked; idx < minNonAcked; idx++ {
		s.acked[idx] = true
	}
	highest := int64(-1)
	for j, set := range m.Bits {
		idx := minNonAcked + uint32(j)
		if idx >= count {
			break
		}
		if set {
			s.acked[idx] = true
			highest = int64(idx)
		}
	}
	for s.minNonAcked < count && s.acked[s.minNonAcked] {
		s.minNonAcked++
	}
	if s.minNonAcked == count {
		c.finishSend()
		return
	}

	// a later chunk made it, so anything before it that has been out for a
	// full round trip is probably lost
	now := c.iface.now()
	for idx := int64(s.minNonAcked); idx < highest; idx++ {
		if s.acked[idx] || s.sentAt[idx].IsZero() {
			continue
		}
		if now.Sub(s.sentAt[idx]) >= c.rtt {
			s.sentAt[idx] = time.Time{}
			c.stats.fastTransmitted()
		}
	}
	c.pump(now)
}

func (c *Connection) finishSend() {
	s := &c.transfer.send
	id := s.transferID
	c.logger.V(1).Info("transfer sent", "id", id, "size", s.totalSize)
	s.transferID = 0
	s.totalSize = 0
	s.chunks = nil
	s.acked = nil
	s.sentAt = nil
	s.minNonAcked = 0

	if len(s.queue) > 0 {
		next := s.queue[0]
		s.queue = s.queue[1:]
		c.startSend(next)
	}
	c.iface.callbacks.OnTransferSent(c, id)
}

func (c *Connection) onWriteRequest(m *writeRequestMsg) {
	r := &c.transfer.recv
	now := c.iface.now()
	switch {
	case m.TransferID == 0:
		return
	case m.TransferID == r.transferID:
		// re-announce; the sender has not seen an ack yet
		r.lastReceiveAt = now
		return
	case m.TransferID == r.completedID:
		c.sendAcknowledge(r.completedID, r.completedCount, nil)
		return
	case r.completedID != 0 && m.TransferID < r.completedID:
		return
	}

	count := uint32(m.ChunkCount)
	cfg := &c.iface.config
	if count == 0 || m.TotalSize == 0 || count > m.TotalSize ||
		m.TotalSize > cfg.MaxTransferSize || uint64(count)*MaxChunkSize < uint64(m.TotalSize) {
		c.failTransfer(fmt.Errorf("%w: %d chunks cannot hold %d bytes", ErrTransferIntegrity, count, m.TotalSize))
		return
	}

	if r.transferID != 0 {
		c.logger.V(1).Info("aborting receive for newer transfer", "old", r.transferID, "new", m.TransferID)
		old := r.transferID
		c.clearReceive()
		c.sink.OnTransferFailed(c, fmt.Errorf("%w: transfer %d", ErrTransferAborted, old))
		if c.state != StateConnected {
			return
		}
	}

	r.transferID = m.TransferID
	r.totalSize = m.TotalSize
	r.chunks = make([]*transferChunk, count)
	r.acked = make([]bool, count)
	r.nextDeliverable = 0
	r.deliveredBytes = 0
	r.lastReceiveAt = now
	c.logger.V(1).Info("receiving transfer", "id", m.TransferID, "size", m.TotalSize, "chunks", count)
}

func (c *Connection) onData(m *dataMsg) {
	r := &c.transfer.recv
	if r.transferID == 0 || m.TransferID != r.transferID {
		if m.TransferID != 0 && m.TransferID == r.completedID {
			c.stats.duplicateReceived()
			c.sendAcknowledge(r.completedID, r.completedCount, nil)
		}
		return
	}
	if m.Index >= uint32(len(r.chunks)) {
		return
	}
	now := c.iface.now()
	if r.acked[m.Index] {
		c.stats.duplicateReceived()
		r.lastReceiveAt = now
		return
	}
	if len(m.Bytes) == 0 || uint64(m.Offset)+uint64(len(m.Bytes)) > uint64(r.totalSize) {
		c.failTransfer(fmt.Errorf("%w: chunk %d at offset %d overruns %d bytes",
			ErrTransferIntegrity, m.Index, m.Offset, r.totalSize))
		return
	}
	r.chunks[m.Index] = &transferChunk{index: m.Index, offset: m.Offset, bytes: m.Bytes}
	r.acked[m.Index] = true
	r.lastReceiveAt = now
	c.deliverReady()
}

// deliverReady hands the contiguous run of received chunks after the last
// delivered one to the sink, and completes the transfer once every chunk is
// delivered.
func (c *Connection) deliverReady() {
	r := &c.transfer.recv
	id := r.transferID
	for r.transferID == id && r.nextDeliverable < len(r.chunks) && r.acked[r.nextDeliverable] {
		ch := r.chunks[r.nextDeliverable]
		if ch.offset != r.deliveredBytes {
			c.failTransfer(fmt.Errorf("%w: chunk %d starts at %d, expected %d",
				ErrTransferIntegrity, ch.index, ch.offset, r.deliveredBytes))
			return
		}
		r.deliveredBytes += uint32(len(ch.bytes))
		r.nextDeliverable++
		c.sink.OnTransferProgress(c, r.deliveredBytes, r.totalSize)
	}
	if r.transferID != id || r.nextDeliverable < len(r.chunks) {
		return
	}
	if r.deliveredBytes != r.totalSize {
		c.failTransfer(fmt.Errorf("%w: received %d of %d bytes",
			ErrTransferIntegrity, r.deliveredBytes, r.totalSize))
		return
	}

	data := make([]byte, 0, r.totalSize)
	for _, ch := range r.chunks {
		data = append(data, ch.bytes...)
	}
	count := uint32(len(r.chunks))
	c.sendAcknowledge(id, count, nil)
	c.clearReceive()
	r.completedID = id
	r.completedCount = count
	c.logger.V(1).Info("transfer received", "id", id, "size", len(data))
	c.sink.OnTransferComplete(c, data)
}

// maybeAcknowledge sends an Acknowledge once no chunk has arrived for a
// round trip since the last one.
func (c *Connection) maybeAcknowledge(now time.Time) {
	r := &c.transfer.recv
	if r.transferID == 0 || r.lastReceiveAt.IsZero() || now.Sub(r.lastReceiveAt) <= c.rtt {
		return
	}
	minNonAcked := r.nextDeliverable
	for minNonAcked < len(r.acked) && r.acked[minNonAcked] {
		minNonAcked++
	}
	limit := minInt(c.iface.config.AckBitmapLimit, len(r.acked)-minNonAcked)
	run := 0
	for j := 0; j < limit; j++ {
		if r.acked[minNonAcked+j] {
			run = j + 1
		}
	}
	c.sendAcknowledge(r.transferID, uint32(minNonAcked), r.acked[minNonAcked:minNonAcked+run])
	r.lastReceiveAt = time.Time{}
}

func (c *Connection) sendAcknowledge(id, minNonAcked uint32, bits []bool) {
	m := acknowledgeMsg{TransferID: id, MinNonAcked: minNonAcked, Bits: bits}
	w := newDataWriter(c.sequence, opAcknowledge, 10+(len(bits)+7)/8)
	m.encode(w)
	c.sendData(w)
}

func (c *Connection) clearReceive() {
	r := &c.transfer.recv
	r.transferID = 0
	r.totalSize = 0
	r.chunks = nil
	r.acked = nil
	r.nextDeliverable = 0
	r.deliveredBytes = 0
	r.lastReceiveAt = time.Time{}
}

// failTransfer reports an integrity failure to the sink and tears the
// connection down.
func (c *Connection) failTransfer(err error) {
	c.logger.V(1).Info("transfer failed", "err", err)
	c.clearReceive()
	c.sink.OnTransferFailed(c, err)
	c.fail(ErrTransferIntegrity.Error())
}

// resetTransfers drops all transfer state, failing an active receive with
// err.
func (c *Connection) resetTransfers(err error) {
	r := &c.transfer.recv
	active := r.transferID != 0
	c.clearReceive()
	r.completedID = 0
	r.completedCount = 0
	c.transfer.send = sendState{lastID: c.transfer.send.lastID}
	if active {
		c.sink.OnTransferFailed(c, err)
	}
}
