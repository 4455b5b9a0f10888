// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

// Package capturetest builds synthetic capture.PacketRecord sequences for
// use by every other package's test suite, the way mel2oo-go-pcap and
// kedar-kulkarni-pcap-analyzer construct layered test packets rather than
// shipping binary .pcap fixtures.
package capturetest

import (
	"context"
	"io"

	"github.com/DataDog/pcap-correlate/pkg/capture"
)

// Endpoint is one side of a synthetic TCP 4-tuple.
type Endpoint struct {
	IP   [4]byte
	Port uint16
	TTL  uint8
}

// IP builds a 4-byte IPv4 address from its dotted components.
func IP(a, b, c, d byte) [4]byte { return [4]byte{a, b, c, d} }

// Builder accumulates packets for a single synthetic capture in the order
// they should be replayed.
type Builder struct {
	packets []capture.PacketRecord
	tsUs    int64
	ipidSeq uint16
}

// NewBuilder returns an empty Builder starting at timestamp 0.
func NewBuilder() *Builder { return &Builder{} }

// Advance moves the builder's clock forward by durationUs microseconds.
func (b *Builder) Advance(durationUs int64) *Builder {
	b.tsUs += durationUs
	return b
}

// SYN appends a SYN segment from src to dst carrying isn as the sequence
// number and the given raw option bytes.
func (b *Builder) SYN(src, dst Endpoint, isn uint32, opts []byte) *Builder {
	return b.append(src, dst, capture.FlagSYN, isn, 0, opts, nil)
}

// SYNACK appends a SYN+ACK segment from src to dst.
func (b *Builder) SYNACK(src, dst Endpoint, isn, ack uint32, opts []byte) *Builder {
	return b.append(src, dst, capture.FlagSYN|capture.FlagACK, isn, ack, opts, nil)
}

// Data appends an ACK+PSH data segment carrying payload, at sequence seq.
func (b *Builder) Data(src, dst Endpoint, seq, ack uint32, payload []byte) *Builder {
	return b.append(src, dst, capture.FlagACK|capture.FlagPSH, seq, ack, nil, payload)
}

// FINACK appends a FIN+ACK segment closing the connection from src.
func (b *Builder) FINACK(src, dst Endpoint, seq, ack uint32) *Builder {
	return b.append(src, dst, capture.FlagFIN|capture.FlagACK, seq, ack, nil, nil)
}

// RST appends a RST segment from src.
func (b *Builder) RST(src, dst Endpoint, seq uint32) *Builder {
	return b.append(src, dst, capture.FlagRST, seq, 0, nil, nil)
}

func (b *Builder) append(src, dst Endpoint, flags capture.TCPFlags, seq, ack uint32, opts, payload []byte) *Builder {
	b.ipidSeq++
	rec := capture.PacketRecord{
		TimestampUs: b.tsUs,
		SrcIP:       src.IP,
		DstIP:       dst.IP,
		SrcPort:     src.Port,
		DstPort:     dst.Port,
		IPID:        b.ipidSeq,
		TTL:         src.TTL,
		TCPFlags:    flags,
		SeqNum:      seq,
		AckNum:      ack,
		TCPOptions:  opts,
		PayloadLen:  len(payload),
	}
	if len(payload) > 0 {
		rec.Payload = append([]byte(nil), payload...)
	}
	b.packets = append(b.packets, rec)
	b.tsUs++
	return b
}

// Records returns the accumulated packets.
func (b *Builder) Records() []capture.PacketRecord {
	return b.packets
}

// Decoder returns a capture.Decoder that replays the accumulated packets
// in order, satisfying the same contract pkg/capture.Reader does.
func (b *Builder) Decoder() capture.Decoder {
	return &replayDecoder{records: b.packets}
}

type replayDecoder struct {
	records []capture.PacketRecord
	pos     int
	skipped uint64
}

func (d *replayDecoder) Next(ctx context.Context) (capture.PacketRecord, error) {
	if err := ctx.Err(); err != nil {
		return capture.PacketRecord{}, err
	}
	if d.pos >= len(d.records) {
		return capture.PacketRecord{}, io.EOF
	}
	rec := d.records[d.pos]
	d.pos++
	return rec, nil
}

func (d *replayDecoder) Skipped() uint64 { return d.skipped }

func (d *replayDecoder) Close() error { return nil }
