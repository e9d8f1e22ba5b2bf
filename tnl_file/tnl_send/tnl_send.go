// Copyright (c) 2021 Storj Labs, Inc.
// See LICENSE for copying information.

package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/fatih/color"
	"github.com/go-logr/zapr"
	"github.com/minio/cli"
	"go.uber.org/zap"

	"storj.io/tnl-go"
	"storj.io/tnl-go/tnl_file"
)

var logger *zap.SugaredLogger

func main() {
	app := cli.NewApp()
	app.Name = "tnl_send"
	app.Usage = "tnl_send [flags] dest-addr file-to-send"
	app.Flags = tnl_file.Flags
	app.Action = run

	if err := app.Run(os.Args); err != nil {
		color.Red("tnl_send: %v", err)
		os.Exit(1)
	}
}

type fileSender struct {
	sm       *tnl_file.UDPSocketManager
	iface    *tnl.Interface
	data     []byte
	fileSize int
	done     bool
	err      error
}

func run(c *cli.Context) {
	if err := send(c); err != nil {
		color.Red("tnl_send: %v", err)
		os.Exit(1)
	}
}

func send(c *cli.Context) error {
	cfg := tnl_file.LoadFromContext(c)
	if len(c.Args()) < 2 {
		return errors.New("usage: tnl_send [flags] dest-addr file-to-send")
	}
	dest := c.Args()[0]
	fileName := c.Args()[1]

	plainLogger, err := tnl_file.NewLogger(cfg.Debug)
	if err != nil {
		return err
	}
	defer func() { _ = plainLogger.Sync() }()
	logger = plainLogger.Sugar()

	data, err := os.ReadFile(fileName)
	if err != nil {
		return fmt.Errorf("failed to read source: %w", err)
	}
	if len(data) == 0 {
		return errors.New("file is 0 bytes")
	}
	destAddr, err := tnl.ResolveAddress("udp", dest)
	if err != nil {
		return fmt.Errorf("could not resolve destination %q: %w", dest, err)
	}

	color.Green("connecting to %s", destAddr)
	color.Green("sending %q (%d bytes)", fileName, len(data))

	udpSock, err := tnl_file.MakeSocket(":0")
	if err != nil {
		return fmt.Errorf("failed to make socket: %w", err)
	}
	sm := tnl_file.NewUDPSocketManager(logger)
	sm.SetSocket(udpSock)
	defer func() {
		if err := sm.Close(); err != nil {
			logger.Errorf("failed to close socket manager: %v", err)
		}
	}()

	tnlConfig := cfg.TNLConfig()
	iface := tnl.NewInterface(tnl_file.SendTo, sm,
		tnl.WithLogger(zapr.NewLogger(plainLogger).WithName("tnl")),
		tnl.WithConfig(tnlConfig))
	sm.Interface = iface
	if err := iface.RegisterClass(tnl_file.ClassName, tnl_file.NewClassFactory(uint32(len(data)))); err != nil {
		return err
	}

	fs := &fileSender{sm: sm, iface: iface, data: data, fileSize: len(data)}
	iface.SetCallbacks(&tnl.CallbackTable{
		OnEstablished:  fs.onEstablished,
		OnRejected:     fs.onRejected,
		OnTimedOut:     fs.onTimedOut,
		OnDisconnected: fs.onDisconnected,
		OnTransferSent: fs.onTransferSent,
	})

	offer, err := tnl_file.Offer{Name: filepath.Base(fileName), Size: uint32(len(data))}.MarshalBinary()
	if err != nil {
		return err
	}
	if _, err := iface.StartConnection(destAddr, tnl_file.ClassName, offer); err != nil {
		return err
	}

	startTime := time.Now()
	lastSent := 0
	lastTime := startTime
	for !fs.done {
		if err := sm.Select(50 * time.Millisecond); err != nil {
			return fmt.Errorf("failed to run Select(): %w", err)
		}
		iface.Tick()
		curTime := time.Now()
		if curTime.After(lastTime.Add(time.Second)) {
			rate := float64(sm.TotalSent()-lastSent) / curTime.Sub(lastTime).Seconds()
			lastSent = sm.TotalSent()
			lastTime = curTime
			fmt.Printf("\r[%d] sent: %s  %.1f bytes/s  ",
				curTime.Sub(startTime).Milliseconds(),
				color.YellowString("%d/%d", lastSent, fs.fileSize), rate)
		}
	}
	fmt.Println()
	if fs.err != nil {
		return fs.err
	}
	color.Green("upload complete in %s", time.Since(startTime).Round(time.Millisecond))
	return nil
}

func (fs *fileSender) onEstablished(c *tnl.Connection) {
	logger.Infof("connected to %s (rtt %s)", c.RemoteAddress(), c.RTT())
	if _, err := c.BeginSend(fs.data); err != nil {
		fs.finish(err)
		c.Disconnect("send failed")
	}
}

func (fs *fileSender) onTransferSent(c *tnl.Connection, transferID uint32) {
	logger.Infof("transfer %d acknowledged", transferID)
	c.Disconnect("done")
	fs.finish(nil)
}

func (fs *fileSender) onRejected(c *tnl.Connection, reason string) {
	fs.finish(fmt.Errorf("%w: %s", tnl.ErrConnectionRejected, reason))
}

func (fs *fileSender) onTimedOut(c *tnl.Connection) {
	fs.finish(tnl.ErrConnectionTimedOut)
}

func (fs *fileSender) onDisconnected(c *tnl.Connection, reason string) {
	fs.finish(fmt.Errorf("%w: %s", tnl.ErrConnectionClosed, reason))
}

func (fs *fileSender) finish(err error) {
	if fs.done {
		return
	}
	fs.done = true
	fs.err = err
}
