// Copyright (C) 2021 Storj Labs, Inc.
// See LICENSE for copying information.

package tnl_file

import (
	"reflect"
	"time"

	"github.com/minio/cli"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"storj.io/tnl-go"
)

// Config holds the command line settings shared by tnl_send and tnl_recv.
type Config struct {
	ChunkSize      int `flag:"chunk-size"`
	PacketsAtATime int `flag:"window"`
	AckBitmapLimit int `flag:"ack-bitmap"`

	RetryInterval int `flag:"retry-interval"`
	MaxRetries    int `flag:"max-retries"`
	Timeout       int `flag:"timeout"`

	Debug bool `flag:"debug"`

	// tnl_recv only
	OutputDir string `flag:"output"`
	Once      bool   `flag:"once"`
}

var defaults = tnl.DefaultConfig()

// Flags are the global flags understood by LoadFromContext.
var Flags = []cli.Flag{
	cli.IntFlag{
		Name:  "chunk-size",
		Usage: "payload bytes per transfer chunk",
		Value: defaults.ChunkSize,
	},
	cli.IntFlag{
		Name:  "window",
		Usage: "number of unacknowledged chunks kept in flight",
		Value: defaults.PacketsAtATime,
	},
	cli.IntFlag{
		Name:  "ack-bitmap",
		Usage: "longest selective acknowledgement run",
		Value: defaults.AckBitmapLimit,
	},
	cli.IntFlag{
		Name:  "retry-interval",
		Usage: "handshake retry interval in milliseconds",
		Value: int(defaults.RetryInterval / time.Millisecond),
	},
	cli.IntFlag{
		Name:  "max-retries",
		Usage: "handshake retries before giving up (0 uses the default)",
		Value: int(defaults.MaxRetries),
	},
	cli.IntFlag{
		Name:  "timeout, t",
		Usage: "seconds of silence before a connection is dropped",
		Value: int(defaults.ConnectionTimeout / time.Second),
	},
	cli.BoolFlag{
		Name:  "debug",
		Usage: "enable debug logging",
	},
}

// RecvFlags are the extra flags of tnl_recv.
var RecvFlags = []cli.Flag{
	cli.StringFlag{
		Name:  "output, o",
		Usage: "directory to write received files to",
		Value: ".",
	},
	cli.BoolFlag{
		Name:  "once",
		Usage: "exit after the first file",
	},
}

func LoadFromContext(c *cli.Context) *Config {
	config := &Config{}

	v2 := reflect.ValueOf(config).Elem()
	v := v2.Type()

	for i := 0; i < v.NumField(); i++ {
		f := v.Field(i)

		tag := f.Tag.Get("flag")
		if tag == "" {
			continue
		}

		dest := v2.FieldByName(f.Name)

		switch f.Type.Kind() {
		case reflect.Bool:
			dest.SetBool(c.GlobalBool(tag))
		case reflect.Int:
			dest.SetInt(int64(c.GlobalInt(tag)))
		case reflect.String:
			dest.SetString(c.GlobalString(tag))
		}
	}
	return config
}

// TNLConfig converts the command line settings into an Interface config.
func (cfg *Config) TNLConfig() tnl.Config {
	tc := tnl.DefaultConfig()
	tc.ChunkSize = cfg.ChunkSize
	tc.PacketsAtATime = cfg.PacketsAtATime
	tc.AckBitmapLimit = cfg.AckBitmapLimit
	tc.RetryInterval = time.Duration(cfg.RetryInterval) * time.Millisecond
	if cfg.MaxRetries > 0 {
		tc.MaxRetries = uint32(cfg.MaxRetries)
	}
	tc.ConnectionTimeout = time.Duration(cfg.Timeout) * time.Second
	return tc
}

// NewLogger builds the console logger used by the command line tools.
func NewLogger(debug bool) (*zap.Logger, error) {
	logConfig := zap.NewDevelopmentConfig()
	logConfig.Level.SetLevel(zap.InfoLevel)
	if debug {
		logConfig.Level.SetLevel(zap.DebugLevel)
	}
	logConfig.Encoding = "console"
	logConfig.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	return logConfig.Build()
}
