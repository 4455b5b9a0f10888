// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

// Package siphash13 implements SipHash-1-3 (one compression round per
// message block, three finalization rounds) over a 128-bit key.
//
// No published Go module exposes a configurable-round SipHash variant with
// a stable, verifiable API (the common packages hard-code SipHash-2-4), and
// the exact byte layout hashed by the flow-hash wire contract is normative,
// so the reduced-round primitive is vendored here rather than imported. See
// DESIGN.md for the survey of alternatives considered.
package siphash13

import "encoding/binary"

const (
	initV0 = 0x736f6d6570736575
	initV1 = 0x646f72616e646f6d
	initV2 = 0x6c7967656e657261
	initV3 = 0x7465646279746573
)

// Sum64 computes SipHash-1-3 of p under the 128-bit key (k0, k1).
func Sum64(k0, k1 uint64, p []byte) uint64 {
	v0 := initV0 ^ k0
	v1 := initV1 ^ k1
	v2 := initV2 ^ k0
	v3 := initV3 ^ k1

	n := len(p)
	end := n - (n % 8)

	for i := 0; i < end; i += 8 {
		m := binary.LittleEndian.Uint64(p[i : i+8])
		v3 ^= m
		v0, v1, v2, v3 = sipRound(v0, v1, v2, v3)
		v0 ^= m
	}

	var last [8]byte
	copy(last[:], p[end:n])
	last[7] = byte(n)
	m := binary.LittleEndian.Uint64(last[:])
	v3 ^= m
	v0, v1, v2, v3 = sipRound(v0, v1, v2, v3)
	v0 ^= m

	v2 ^= 0xff
	v0, v1, v2, v3 = sipRound(v0, v1, v2, v3)
	v0, v1, v2, v3 = sipRound(v0, v1, v2, v3)
	v0, v1, v2, v3 = sipRound(v0, v1, v2, v3)

	return v0 ^ v1 ^ v2 ^ v3
}

func sipRound(v0, v1, v2, v3 uint64) (uint64, uint64, uint64, uint64) {
	v0 += v1
	v1 = rotl(v1, 13)
	v1 ^= v0
	v0 = rotl(v0, 32)

	v2 += v3
	v3 = rotl(v3, 16)
	v3 ^= v2

	v0 += v3
	v3 = rotl(v3, 21)
	v3 ^= v0

	v2 += v1
	v1 = rotl(v1, 17)
	v1 ^= v2
	v2 = rotl(v2, 32)

	return v0, v1, v2, v3
}

func rotl(x uint64, b uint) uint64 {
	return (x << b) | (x >> (64 - b))
}
