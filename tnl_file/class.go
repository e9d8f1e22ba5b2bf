// Copyright (C) 2021 Storj Labs, Inc.
// See LICENSE for copying information.

package tnl_file

import (
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"go.uber.org/zap"

	"storj.io/tnl-go"
)

// ClassName is the connection class used by tnl_send and tnl_recv.
const ClassName = "FileTransfer"

var (
	ErrBadOffer     = errors.New("bad file offer")
	ErrSizeMismatch = errors.New("received size does not match offer")
)

// Offer is the connect payload of a FileTransfer connection: the file the
// sender is about to transfer.
type Offer struct {
	Name string
	Size uint32
}

func (o Offer) MarshalBinary() ([]byte, error) {
	if len(o.Name) > 0xFF {
		return nil, fmt.Errorf("%w: name too long", ErrBadOffer)
	}
	b := make([]byte, 0, 5+len(o.Name))
	b = binary.BigEndian.AppendUint32(b, o.Size)
	b = append(b, byte(len(o.Name)))
	b = append(b, o.Name...)
	return b, nil
}

func (o *Offer) UnmarshalBinary(b []byte) error {
	if len(b) < 5 || len(b) != 5+int(b[4]) {
		return fmt.Errorf("%w: %d bytes", ErrBadOffer, len(b))
	}
	o.Size = binary.BigEndian.Uint32(b[:4])
	o.Name = string(b[5:])
	return nil
}

// validate refuses names that would escape the output directory.
func (o Offer) validate(maxSize uint32) error {
	switch {
	case o.Name == "" || o.Name == "." || o.Name == "..":
		return fmt.Errorf("%w: invalid name %q", ErrBadOffer, o.Name)
	case strings.ContainsAny(o.Name, `/\`) || filepath.Base(o.Name) != o.Name:
		return fmt.Errorf("%w: name %q has a path component", ErrBadOffer, o.Name)
	case o.Size == 0:
		return fmt.Errorf("%w: empty file", ErrBadOffer)
	case o.Size > maxSize:
		return fmt.Errorf("%w: %d bytes exceeds limit of %d", ErrBadOffer, o.Size, maxSize)
	}
	return nil
}

// FileClass is the tnl.ConnectionClass of a FileTransfer connection.
type FileClass struct {
	Offer   Offer
	maxSize uint32
}

// NewClassFactory returns a factory for FileClass values accepting files of
// up to maxSize bytes.
func NewClassFactory(maxSize uint32) tnl.ClassFactory {
	return func() tnl.ConnectionClass {
		return &FileClass{maxSize: maxSize}
	}
}

func (fc *FileClass) ReadConnectRequest(c *tnl.Connection, payload []byte) error {
	if err := fc.Offer.UnmarshalBinary(payload); err != nil {
		return err
	}
	return fc.Offer.validate(fc.maxSize)
}

func (fc *FileClass) WriteConnectAccept(c *tnl.Connection) []byte { return nil }

func (fc *FileClass) ReadConnectAccept(c *tnl.Connection, payload []byte) error {
	if len(payload) != 0 {
		return fmt.Errorf("unexpected %d byte accept payload", len(payload))
	}
	return nil
}

// FileSink writes each completed transfer into Dir under the name offered
// when the connection was made.
type FileSink struct {
	Dir    string
	Logger *zap.SugaredLogger

	// optional hooks
	OnProgress func(name string, bytesSoFar, total uint32)
	OnDone     func(name string, err error)
}

func offerOf(c *tnl.Connection) (Offer, bool) {
	fc, ok := c.Class().(*FileClass)
	if !ok {
		return Offer{}, false
	}
	return fc.Offer, true
}

func (fs *FileSink) OnTransferProgress(c *tnl.Connection, bytesSoFar, total uint32) {
	offer, _ := offerOf(c)
	if fs.OnProgress != nil {
		fs.OnProgress(offer.Name, bytesSoFar, total)
	}
}

func (fs *FileSink) OnTransferComplete(c *tnl.Connection, data []byte) {
	offer, ok := offerOf(c)
	if !ok {
		fs.done("", fmt.Errorf("transfer from %s on a connection without a file offer", c.RemoteAddress()))
		return
	}
	if uint32(len(data)) != offer.Size {
		fs.done(offer.Name, fmt.Errorf("%w: got %d bytes, offered %d", ErrSizeMismatch, len(data), offer.Size))
		return
	}
	path := filepath.Join(fs.Dir, offer.Name)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		fs.done(offer.Name, err)
		return
	}
	fs.Logger.Infof("wrote %d bytes to %s", len(data), path)
	fs.done(offer.Name, nil)
}

func (fs *FileSink) OnTransferFailed(c *tnl.Connection, err error) {
	offer, _ := offerOf(c)
	fs.Logger.Infof("transfer of %q from %s failed: %v", offer.Name, c.RemoteAddress(), err)
	fs.done(offer.Name, err)
}

func (fs *FileSink) done(name string, err error) {
	if err != nil {
		fs.Logger.Errorf("could not save %q: %v", name, err)
	}
	if fs.OnDone != nil {
		fs.OnDone(name, err)
	}
}
