// Copyright (C) 2021 Storj Labs, Inc.
// See LICENSE for copying information.

//go:build !linux && !darwin
// +build !linux,!darwin

package tnl

func systemSetupUDPSocket(h *Host) error {
	return nil
}
