// Copyright (c) 2021 Storj Labs, Inc.
// See LICENSE for copying information.

//go:build tnlstatedebug
// +build tnlstatedebug

package tnl

// TransferStatus summarizes what the transfer engine of a connection is
// doing, for state-transition debug logs.
type TransferStatus int

const (
	TransferIdle       TransferStatus = iota // nothing in either direction
	TransferAnnouncing                       // WriteRequest sent, no ack yet
	TransferSending                          // chunks in flight
	TransferReceiving                        // receive side active
	TransferBoth                             // sending and receiving at once
)

func (st TransferStatus) String() string {
	switch st {
	case TransferIdle:
		return "XFER-IDLE"
	case TransferAnnouncing:
		return "XFER-ANNOUNCING"
	case TransferSending:
		return "XFER-SENDING"
	case TransferReceiving:
		return "XFER-RECEIVING"
	case TransferBoth:
		return "XFER-BOTH"
	}
	return "XFER-UNKNOWN"
}

func (c *Connection) getTransferStatus() TransferStatus {
	send := &c.transfer.send
	recv := &c.transfer.recv
	sending := send.transferID != 0
	receiving := recv.transferID != 0
	switch {
	case sending && receiving:
		return TransferBoth
	case sending && !send.announced:
		return TransferAnnouncing
	case sending:
		return TransferSending
	case receiving:
		return TransferReceiving
	}
	return TransferIdle
}

func (c *Connection) stateDebugLog(msg string, keys ...interface{}) {
	logger := c.logger.V(10)
	if logger.Enabled() {
		keys = append(keys,
			"retries", c.retryCount,
			"pending", c.iface.pendingCount(),
			"established", len(c.iface.established),
			"transfer-status", c.getTransferStatus())
		logger.Info(msg, keys...)
	}
}
