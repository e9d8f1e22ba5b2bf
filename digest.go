// Copyright (c) 2021 Storj Labs, Inc.
// See LICENSE for copying information.

package tnl

import (
	"io"
	"math/bits"
)

// IdentitySecret is the per-process keying material for address digests.
type IdentitySecret [12]uint32

// Digest computes the anti-spoofing token that binds a ConnectRequest to a
// prior challenge sent to addr. It is one MD5 compression pass over
// {family, packedAddress, port, sequence, secret[0..12]} starting from the
// MD5 initial state. This is a cheap keyed checksum, not a MAC; its exact
// construction only matters for interoperability.
func Digest(addr NetAddress, sequence uint32, secret *IdentitySecret) [4]uint32 {
	var block [16]uint32
	block[0] = uint32(addr.Family())
	block[1] = addr.packedAddress()
	block[2] = uint32(addr.Port())
	block[3] = sequence
	copy(block[4:], secret[:])

	digest := md5InitState
	md5Transform(&digest, &block)
	return digest
}

func newIdentitySecret(r io.Reader) (*IdentitySecret, error) {
	var s IdentitySecret
	for i := range s {
		word, err := randomUint32(r)
		if err != nil {
			return nil, err
		}
		s[i] = word
	}
	return &s, nil
}

var md5InitState = [4]uint32{0x67452301, 0xefcdab89, 0x98badcfe, 0x10325476}

var md5T = [64]uint32{
	0xd76aa478, 0xe8c7b756, 0x242070db, 0xc1bdceee, 0xf57c0faf, 0x4787c62a, 0xa8304613, 0xfd469501,
	0x698098d8, 0x8b44f7af, 0xffff5bb1, 0x895cd7be, 0x6b901122, 0xfd987193, 0xa679438e, 0x49b40821,
	0xf61e2562, 0xc040b340, 0x265e5a51, 0xe9b6c7aa, 0xd62f105d, 0x02441453, 0xd8a1e681, 0xe7d3fbc8,
	0x21e1cde6, 0xc33707d6, 0xf4d50d87, 0x455a14ed, 0xa9e3e905, 0xfcefa3f8, 0x676f02d9, 0x8d2a4c8a,
	0xfffa3942, 0x8771f681, 0x6d9d6122, 0xfde5380c, 0xa4beea44, 0x4bdecfa9, 0xf6bb4b60, 0xbebfbc70,
	0x289b7ec6, 0xeaa127fa, 0xd4ef3085, 0x04881d05, 0xd9d4d039, 0xe6db99e5, 0x1fa27cf8, 0xc4ac5665,
	0xf4292244, 0x432aff97, 0xab9423a7, 0xfc93a039, 0x655b59c3, 0x8f0ccc92, 0xffeff47d, 0x85845dd1,
	0x6fa87e4f, 0xfe2ce6e0, 0xa3014314, 0x4e0811a1, 0xf7537e82, 0xbd3af235, 0x2ad7d2bb, 0xeb86d391,
}

// per-stage rotate amounts; each stage cycles through four of them
var md5Shift = [4][4]int{
	{7, 12, 17, 22},
	{5, 9, 14, 20},
	{4, 11, 16, 23},
	{6, 10, 15, 21},
}

// md5Transform folds one 16-word block into state, exactly as the MD5 block
// function does for a little-endian decoded 64-byte block.
func md5Transform(state *[4]uint32, x *[16]uint32) {
	a, b, c, d := state[0], state[1], state[2], state[3]

	for i := 0; i < 64; i++ {
		var f uint32
		var g int
		stage := i / 16
		switch stage {
		case 0:
			f = (b & c) | (^b & d)
			g = i
		case 1:
			f = (b & d) | (c & ^d)
			g = (5*i + 1) % 16
		case 2:
			f = b ^ c ^ d
			g = (3*i + 5) % 16
		default:
			f = c ^ (b | ^d)
			g = (7 * i) % 16
		}
		f += a + md5T[i] + x[g]
		a = d
		d = c
		c = b
		b += bits.RotateLeft32(f, md5Shift[stage][i%4])
	}

	state[0] += a
	state[1] += b
	state[2] += c
	state[3] += d
}
