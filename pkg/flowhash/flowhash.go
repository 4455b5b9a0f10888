// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

// Package flowhash computes a deterministic, direction-independent 64-bit
// identity for a TCP/IPv4 5-tuple. The byte layout hashed and the digest
// (SipHash-1-3 under an all-zero key) are a normative wire contract shared
// with external consumers; see spec §4.2.
package flowhash

import (
	"encoding/binary"
	"fmt"

	"github.com/DataDog/pcap-correlate/internal/siphash13"
)

// SideMarker records which argument order was treated as canonical by
// Hash, so callers can still recover direction after the symmetric hash
// has discarded it.
type SideMarker int

const (
	// LHSGreaterEqualRHS means the first (ip1, port1) argument pair was
	// kept in place during canonicalization.
	LHSGreaterEqualRHS SideMarker = iota
	// RHSGreaterThanLHS means the arguments were swapped during
	// canonicalization.
	RHSGreaterThanLHS
)

func (m SideMarker) String() string {
	if m == RHSGreaterThanLHS {
		return "RHS_GT_LHS"
	}
	return "LHS_GE_RHS"
}

const protoTCP = 6

// Hash computes the flow hash for an IPv4 5-tuple. The [4]byte address
// parameters make it IPv4-only by construction (spec Non-goals exclude IPv6
// for this contract); it returns an error when proto is not TCP (6).
func Hash(ip1 [4]byte, port1 uint16, ip2 [4]byte, port2 uint16, proto uint8) (int64, SideMarker, error) {
	if proto != protoTCP {
		return 0, 0, fmt.Errorf("flowhash: unsupported protocol %d, only TCP(6) is part of the wire contract", proto)
	}

	ip1i := binary.BigEndian.Uint32(ip1[:])
	ip2i := binary.BigEndian.Uint32(ip2[:])

	port1LE := swap16(port1)
	port2LE := swap16(port2)

	var portHi, portLo uint16
	var ipHi, ipLo uint32
	var marker SideMarker

	switch {
	case port1LE > port2LE:
		portHi, portLo = port1, port2
		ipHi, ipLo = ip1i, ip2i
		marker = LHSGreaterEqualRHS
	case port1LE < port2LE:
		portHi, portLo = port2, port1
		ipHi, ipLo = ip2i, ip1i
		marker = RHSGreaterThanLHS
	default:
		if ip1i >= ip2i {
			portHi, portLo = port1, port2
			ipHi, ipLo = ip1i, ip2i
			marker = LHSGreaterEqualRHS
		} else {
			portHi, portLo = port2, port1
			ipHi, ipLo = ip2i, ip1i
			marker = RHSGreaterThanLHS
		}
	}

	buf := make([]byte, 0, 2+2+8+8+4+8+8+4+8+1)
	buf = appendU16BE(buf, portHi)
	buf = appendU16BE(buf, portLo)
	buf = appendU64LE(buf, 0)
	buf = appendU64LE(buf, 4)
	buf = appendU32BE(buf, ipHi)
	buf = appendU64LE(buf, 0)
	buf = appendU64LE(buf, 4)
	buf = appendU32BE(buf, ipLo)
	buf = appendU64LE(buf, 1)
	buf = append(buf, proto)

	sum := siphash13.Sum64(0, 0, buf)
	return int64(sum), marker, nil
}

func swap16(v uint16) uint16 {
	var b [2]byte
	binary.BigEndian.PutUint16(b[:], v)
	return binary.LittleEndian.Uint16(b[:])
}

func appendU16BE(b []byte, v uint16) []byte {
	var tmp [2]byte
	binary.BigEndian.PutUint16(tmp[:], v)
	return append(b, tmp[:]...)
}

func appendU32BE(b []byte, v uint32) []byte {
	var tmp [4]byte
	binary.BigEndian.PutUint32(tmp[:], v)
	return append(b, tmp[:]...)
}

func appendU64LE(b []byte, v uint64) []byte {
	var tmp [8]byte
	binary.LittleEndian.PutUint64(tmp[:], v)
	return append(b, tmp[:]...)
}
