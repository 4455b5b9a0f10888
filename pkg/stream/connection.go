// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

// Package stream is the C2 component: it groups packets by TCP 4-tuple
// into Connection fingerprints (ISNs, SYN options, payload MD5s, IPID
// sets, a length signature, and TTL observations), per spec §4.1.
package stream

import "sort"

// LengthSignatureMax is M, the maximum number of signed-length entries
// kept per connection (spec §9 open question, fixed at 64).
const LengthSignatureMax = 64

// PayloadHashPrefix is K, the number of leading directional application
// bytes hashed per connection (spec §9 open question, fixed at 512).
const PayloadHashPrefix = 512

// Connection is the fingerprint C2 emits for one TCP stream, per spec §3.
type Connection struct {
	StreamID uint64

	ClientIP   [4]byte
	ClientPort uint16
	ServerIP   [4]byte
	ServerPort uint16

	// ClientISN/ServerISN are nil when that SYN was never observed.
	ClientISN *uint32
	ServerISN *uint32
	// SynOptions is the canonicalized option byte string of the client
	// SYN, nil if that SYN was never observed.
	SynOptions []byte

	// ClientPayloadMD5/ServerPayloadMD5 are nil when that direction
	// carried no application data.
	ClientPayloadMD5 []byte
	ServerPayloadMD5 []byte

	// LengthSignature is the ordered sequence of signed payload lengths
	// (positive = client->server, negative = server->client), truncated
	// to LengthSignatureMax entries.
	LengthSignature []int32

	IPIDSet       map[uint16]struct{}
	ClientIPIDSet map[uint16]struct{}
	ServerIPIDSet map[uint16]struct{}

	// ClientTTL/ServerTTL are the most-frequently-observed TTL on each
	// direction; zero if that direction was never observed.
	ClientTTL uint8
	ServerTTL uint8

	FirstPacketTimeUs int64
	LastPacketTimeUs  int64
	TotalBytes        int64
	PacketCount       int
}

// PortPair returns the unordered {min(port), max(port)} identity that
// survives NAT (spec's 3-tuple / port-pair).
func (c *Connection) PortPair() (lo, hi uint16) {
	if c.ClientPort <= c.ServerPort {
		return c.ClientPort, c.ServerPort
	}
	return c.ServerPort, c.ClientPort
}

// SortedIPIDs returns ipid_set as a sorted slice, for stable
// serialization and for set-intersection tests.
func (c *Connection) SortedIPIDs() []uint16 { return sortedSet(c.IPIDSet) }

// SortedClientIPIDs returns client_ipid_set as a sorted slice.
func (c *Connection) SortedClientIPIDs() []uint16 { return sortedSet(c.ClientIPIDSet) }

// SortedServerIPIDs returns server_ipid_set as a sorted slice.
func (c *Connection) SortedServerIPIDs() []uint16 { return sortedSet(c.ServerIPIDSet) }

func sortedSet(set map[uint16]struct{}) []uint16 {
	out := make([]uint16, 0, len(set))
	for v := range set {
		out = append(out, v)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// IPIDIntersects reports whether a and b share at least one observed
// IPID, the mandatory IPID gate of spec §4.3.1.
func IPIDIntersects(a, b map[uint16]struct{}) bool {
	small, big := a, b
	if len(big) < len(small) {
		small, big = big, small
	}
	for v := range small {
		if _, ok := big[v]; ok {
			return true
		}
	}
	return false
}
