// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

// Package capture is the C1 component: it iterates a capture file as a
// sequence of already-parsed IPv4/TCP packet records. It is the only
// package in this repository that touches a packet-dissection library
// (gopacket); every other component consumes PacketRecord values only.
package capture

import "context"

// PacketRecord is one decoded IPv4/TCP packet, as described in spec §3.
type PacketRecord struct {
	TimestampUs int64

	SrcIP [4]byte
	DstIP [4]byte

	SrcPort uint16
	DstPort uint16

	IPID uint16
	TTL  uint8

	TCPFlags   TCPFlags
	SeqNum     uint32
	AckNum     uint32
	TCPOptions []byte // canonicalized kind+len+value triples, concatenated

	// PayloadLen is the full application-data length, even when Payload
	// below has been truncated.
	PayloadLen int
	// Payload carries up to Options.PayloadHashPrefix bytes of this
	// packet's application data; nil when HeaderOnly is set or the
	// segment carries no payload. Stream extraction concatenates this
	// across a direction's packets in capture order before hashing,
	// since a per-packet digest cannot be composed into the
	// connection-level hash over the first K bytes of the direction.
	// Segments are not reordered by sequence number; only a segment whose
	// sequence number equals the previous one in that direction is dropped.
	Payload []byte
}

// TCPFlags is a bitmask of the TCP control flags relevant to stream
// extraction and SYN/FIN/RST bookkeeping.
type TCPFlags uint8

const (
	FlagFIN TCPFlags = 1 << 0
	FlagSYN TCPFlags = 1 << 1
	FlagRST TCPFlags = 1 << 2
	FlagPSH TCPFlags = 1 << 3
	FlagACK TCPFlags = 1 << 4
	FlagURG TCPFlags = 1 << 5
)

func (f TCPFlags) Has(flag TCPFlags) bool { return f&flag != 0 }

// Options configures how a capture is decoded.
type Options struct {
	// HeaderOnly suppresses payload MD5 computation, matching spec §6's
	// "optional header_only mode".
	HeaderOnly bool
	// PayloadHashPrefix caps how many leading application-data bytes of
	// each packet are carried in PacketRecord.Payload (default 512, the
	// spec's K). pkg/stream hashes at most stream.PayloadHashPrefix bytes
	// per direction, independently of this value.
	PayloadHashPrefix int
}

// DefaultOptions returns the wire-contract defaults (K=512).
func DefaultOptions() Options {
	return Options{PayloadHashPrefix: 512}
}

// Decoder is the contract C1 exposes to the rest of the core: a pull
// iterator over packet records, in capture order, with a running count of
// packets skipped for being malformed or non-IPv4/TCP.
type Decoder interface {
	// Next returns the next decoded packet. It returns io.EOF when the
	// capture is exhausted. Malformed or non-TCP/IPv4 packets
	// are skipped internally and never returned; Skipped() reflects how
	// many were dropped this way.
	Next(ctx context.Context) (PacketRecord, error)
	// Skipped is the running count of packets skipped since Open.
	Skipped() uint64
	// Close releases any resources held by the decoder.
	Close() error
}
