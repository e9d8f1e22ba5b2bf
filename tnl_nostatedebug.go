// Copyright (c) 2021 Storj Labs, Inc.
// See LICENSE for copying information.

//go:build !tnlstatedebug
// +build !tnlstatedebug

package tnl

func (c *Connection) stateDebugLog(msg string, keys ...interface{}) {}
