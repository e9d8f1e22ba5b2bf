// Copyright (c) 2021 Storj Labs, Inc.
// See LICENSE for copying information.

package main

import (
	"errors"
	"fmt"
	"os"
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
	app.Name = "tnl_recv"
	app.Usage = "tnl_recv [flags] listen-addr"
	app.Flags = append(append([]cli.Flag{}, tnl_file.Flags...), tnl_file.RecvFlags...)
	app.Action = run

	if err := app.Run(os.Args); err != nil {
		color.Red("tnl_recv: %v", err)
		os.Exit(1)
	}
}

type fileReceiver struct {
	received  int
	lastError error
	done      bool
	once      bool
}

func run(c *cli.Context) {
	if err := receive(c); err != nil {
		color.Red("tnl_recv: %v", err)
		os.Exit(1)
	}
}

func receive(c *cli.Context) error {
	cfg := tnl_file.LoadFromContext(c)
	if len(c.Args()) < 1 {
		return errors.New("usage: tnl_recv [flags] listen-addr")
	}
	listenAddr := c.Args()[0]

	plainLogger, err := tnl_file.NewLogger(cfg.Debug)
	if err != nil {
		return err
	}
	defer func() { _ = plainLogger.Sync() }()
	logger = plainLogger.Sugar()

	if info, err := os.Stat(cfg.OutputDir); err != nil || !info.IsDir() {
		return fmt.Errorf("output %q is not a directory", cfg.OutputDir)
	}

	sock, err := tnl_file.MakeSocket(listenAddr)
	if err != nil {
		return fmt.Errorf("could not listen on %q: %w", listenAddr, err)
	}
	sm := tnl_file.NewUDPSocketManager(logger)
	sm.SetSocket(sock)
	defer func() {
		if err := sm.Close(); err != nil {
			logger.Errorf("failed to close socket manager: %v", err)
		}
	}()

	fr := &fileReceiver{once: cfg.Once}
	sink := &tnl_file.FileSink{
		Dir:    cfg.OutputDir,
		Logger: logger,
		OnProgress: func(name string, bytesSoFar, total uint32) {
			fmt.Printf("\r%s: %s  ", name, color.YellowString("%d/%d", bytesSoFar, total))
		},
		OnDone: fr.onDone,
	}

	tnlConfig := cfg.TNLConfig()
	iface := tnl.NewInterface(tnl_file.SendTo, sm,
		tnl.WithLogger(zapr.NewLogger(plainLogger).WithName("tnl")),
		tnl.WithConfig(tnlConfig),
		tnl.WithTransferSink(sink))
	sm.Interface = iface
	if err := iface.RegisterClass(tnl_file.ClassName, tnl_file.NewClassFactory(tnlConfig.MaxTransferSize)); err != nil {
		return err
	}
	iface.SetCallbacks(&tnl.CallbackTable{
		OnEstablished: func(c *tnl.Connection) {
			offer := c.Class().(*tnl_file.FileClass).Offer
			color.Green("receiving %q (%d bytes) from %s", offer.Name, offer.Size, c.RemoteAddress())
		},
		OnDisconnected: func(c *tnl.Connection, reason string) {
			logger.Infof("%s disconnected: %s", c.RemoteAddress(), reason)
		},
	})
	iface.SetAllowConnections(true)

	color.Green("listening on %s", sm.LocalAddr())
	color.Green("saving to %s", cfg.OutputDir)

	for !fr.done {
		if err := sm.Select(50 * time.Millisecond); err != nil {
			return fmt.Errorf("failed to run select: %w", err)
		}
		iface.Tick()
	}
	fmt.Printf("\nreceived: %d files\n", fr.received)
	return fr.lastError
}

func (fr *fileReceiver) onDone(name string, err error) {
	fmt.Println()
	if err != nil {
		color.Red("%s: %v", name, err)
		fr.lastError = err
	} else {
		fr.received++
		color.Green("%s: complete", name)
	}
	if fr.once {
		fr.done = true
	}
}
