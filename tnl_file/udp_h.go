// Copyright (C) 2021 Storj Labs, Inc.
// See LICENSE for copying information.

package tnl_file

import (
	"errors"
	"fmt"
	"net"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sys/unix"

	"storj.io/tnl-go"
)

const MaxOutgoingQueueSize = 32

// MakeSocket opens a UDP socket on addr with room for a couple of megabytes
// of buffered datagrams in each direction.
func MakeSocket(addr string) (*net.UDPConn, error) {
	sock, err := net.ListenPacket("udp", addr)
	if err != nil {
		return nil, err
	}
	udpSock, ok := sock.(*net.UDPConn)
	if !ok {
		return nil, fmt.Errorf("ListenPacket returned a %T instead of *net.UDPConn", sock)
	}

	const size = 2 * 1024 * 1024

	err = udpSock.SetReadBuffer(size)
	if err != nil {
		return nil, fmt.Errorf("could not set read buffer size: %w", err)
	}
	err = udpSock.SetWriteBuffer(size)
	if err != nil {
		return nil, fmt.Errorf("could not set write buffer size: %w", err)
	}
	return udpSock, nil
}

type UDPOutgoing struct {
	to  tnl.NetAddress
	mem []byte
}

// UDPSocketManager drives a tnl.Interface from a single thread: Select
// waits for the socket to become readable, feeds every waiting datagram to
// the Interface and flushes datagrams that could not be sent right away.
type UDPSocketManager struct {
	socket    *net.UDPConn
	outQueue  []UDPOutgoing
	Logger    *zap.SugaredLogger
	Interface *tnl.Interface

	totalSent int
	totalRecv int
}

func NewUDPSocketManager(logger *zap.SugaredLogger) *UDPSocketManager {
	return &UDPSocketManager{Logger: logger}
}

func (usm *UDPSocketManager) SetSocket(sock *net.UDPConn) {
	if usm.socket != nil && usm.socket != sock {
		if err := usm.socket.Close(); err != nil {
			usm.Logger.Infof("failed to close old UDP socket during SetSocket: %v", err)
		}
	}
	usm.socket = sock
}

func (usm *UDPSocketManager) LocalAddr() tnl.NetAddress {
	return tnl.AddressFromUDP(usm.socket.LocalAddr().(*net.UDPAddr))
}

// TotalSent is the number of bytes handed to the socket so far.
func (usm *UDPSocketManager) TotalSent() int { return usm.totalSent }

// TotalReceived is the number of bytes read from the socket so far.
func (usm *UDPSocketManager) TotalReceived() int { return usm.totalRecv }

func (usm *UDPSocketManager) Flush() {
	for len(usm.outQueue) > 0 {
		uo := usm.outQueue[0]

		usm.Logger.Debugf("Flush->WriteTo(%s) len=%d", uo.to, len(uo.mem))
		_, err := usm.socket.WriteToUDPAddrPort(uo.mem, uo.to.AddrPort())
		if err != nil {
			usm.Logger.Infof("sendto failed: %v", err)
			break
		}
		usm.totalSent += len(uo.mem)
		usm.outQueue = usm.outQueue[1:]
	}
}

// Select blocks for up to blockTime waiting for the socket to become
// readable, then processes everything that has arrived.
func (usm *UDPSocketManager) Select(blockTime time.Duration) error {
	socketRawConn, err := usm.socket.SyscallConn()
	if err != nil {
		return err
	}
	var readable bool
	var selectErr error
	controlErr := socketRawConn.Control(func(socketFd uintptr) {
		readable, selectErr = usm.poll(blockTime, int32(socketFd))
	})
	if controlErr != nil {
		return controlErr
	}
	if selectErr != nil {
		return selectErr
	}
	usm.Flush()
	if readable {
		usm.drain(socketRawConn)
	}
	return nil
}

func (usm *UDPSocketManager) poll(blockTime time.Duration, socketFd int32) (bool, error) {
	timeoutTime := time.Now().Add(blockTime)
	var fds [1]unix.PollFd
	for {
		fds[0] = unix.PollFd{Fd: socketFd, Events: unix.POLLIN}
		timeout := int(time.Until(timeoutTime).Milliseconds())
		if timeout < 0 {
			timeout = 0
		}
		n, err := unix.Poll(fds[:], timeout)
		if err != nil {
			if errors.Is(err, syscall.EINTR) {
				continue
			}
			return false, err
		}
		if n == 0 {
			return false, nil
		}
		break
	}
	if fds[0].Revents&unix.POLLERR != 0 {
		usm.Logger.Errorf("error condition on socket manager socket")
	}
	return fds[0].Revents&unix.POLLIN != 0, nil
}

// drain reads datagrams until the socket has nothing more waiting.
func (usm *UDPSocketManager) drain(rawConn syscall.RawConn) {
	var buffer [8192]byte
	for {
		receivedBytes, srcAddr, err := usm.socket.ReadFromUDPAddrPort(buffer[:])
		if err != nil {
			// ECONNRESET - On a UDP-datagram socket
			// this error indicates a previous send operation
			// resulted in an ICMP Port Unreachable message.
			if errors.Is(err, syscall.ECONNRESET) {
				usm.Logger.Errorf("got ECONNRESET from udp socket")
				continue
			}
			// EMSGSIZE - The message was too large to fit into
			// the buffer pointed to by the buf parameter and was
			// truncated.
			if errors.Is(err, syscall.EMSGSIZE) {
				usm.Logger.Errorf("got EMSGSIZE from udp socket")
				continue
			}
			usm.Logger.Infof("recvfrom failed: %v", err)
			return
		}
		usm.totalRecv += receivedBytes
		usm.Interface.ProcessPacket(buffer[:receivedBytes], tnl.AddressFrom(srcAddr))

		var more bool
		controlErr := rawConn.Control(func(socketFd uintptr) {
			more, _ = usm.poll(0, int32(socketFd))
		})
		if controlErr != nil || !more {
			return
		}
	}
}

// SendTo is a tnl.PacketSendCallback for an Interface whose userdata is a
// *UDPSocketManager.
func SendTo(userdata interface{}, p []byte, addr tnl.NetAddress) {
	userdata.(*UDPSocketManager).Send(p, addr)
}

func (usm *UDPSocketManager) Send(p []byte, addr tnl.NetAddress) {
	var err error
	if len(usm.outQueue) == 0 {
		usm.Logger.Debugf("Send->WriteTo(%s) len=%d", addr, len(p))
		_, err = usm.socket.WriteToUDPAddrPort(p, addr.AddrPort())
		if err != nil {
			usm.Logger.Infof("sendto failed: %v", err)
		} else {
			usm.totalSent += len(p)
		}
	}
	if len(usm.outQueue) > 0 || err != nil {
		// Buffer a packet.
		if len(usm.outQueue) >= MaxOutgoingQueueSize {
			usm.Logger.Infof("no room to buffer outgoing packet")
		} else {
			memCopy := make([]byte, len(p))
			copy(memCopy, p)
			usm.outQueue = append(usm.outQueue, UDPOutgoing{to: addr, mem: memCopy})
			usm.Logger.Infof("buffering packet: %d", len(usm.outQueue))
		}
	}
}

func (usm *UDPSocketManager) Close() error {
	if usm.Interface != nil {
		usm.Interface.Close()
		usm.Flush()
	}
	err := usm.socket.Close()
	usm.socket = nil
	return err
}
