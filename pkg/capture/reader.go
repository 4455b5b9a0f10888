// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

package capture

import (
	"context"
	"io"
	"os"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/DataDog/pcap-correlate/pkg/correrr"
)

var skippedPacketsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "pcapcorrelate",
	Subsystem: "decoder",
	Name:      "skipped_packets_total",
	Help:      "Packets skipped during decode because they were malformed or not IPv4/TCP.",
}, []string{"file"})

// packetSource is implemented by both pcapgo.Reader and pcapgo.NgReader.
type packetSource interface {
	ReadPacketData() ([]byte, gopacket.CaptureInfo, error)
	LinkType() layers.LinkType
}

// Reader is the gopacket/pcapgo-backed Decoder implementation.
type Reader struct {
	file   *os.File
	src    packetSource
	opts   Options
	path   string
	skip   uint64
	linkTy gopacket.LayerType
}

// Open opens a pcap or pcapng capture file at path and returns a pull
// Decoder over it. The capture container failing to open is the one fatal
// decoder condition (spec §7); malformed individual packets are skipped
// with a counter instead of aborting.
func Open(path string, opts Options) (*Reader, error) {
	if opts.PayloadHashPrefix <= 0 {
		opts.PayloadHashPrefix = DefaultOptions().PayloadHashPrefix
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, correrr.Wrap(correrr.ErrDecoderFatal, err)
	}

	src, err := newPacketSource(f)
	if err != nil {
		_ = f.Close()
		return nil, correrr.Wrap(correrr.ErrDecoderFatal, err)
	}

	return &Reader{
		file:   f,
		src:    src,
		opts:   opts,
		path:   path,
		linkTy: src.LinkType().LayerType(),
	}, nil
}

func newPacketSource(f *os.File) (packetSource, error) {
	if r, err := pcapgo.NewNgReader(f, pcapgo.DefaultNgReaderOptions); err == nil {
		return r, nil
	}
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return nil, err
	}
	r, err := pcapgo.NewReader(f)
	if err != nil {
		return nil, err
	}
	return r, nil
}

// Next decodes the next IPv4/TCP packet, skipping anything else.
func (r *Reader) Next(ctx context.Context) (PacketRecord, error) {
	for {
		if err := ctx.Err(); err != nil {
			return PacketRecord{}, err
		}

		data, ci, err := r.src.ReadPacketData()
		if err == io.EOF {
			return PacketRecord{}, io.EOF
		}
		if err != nil {
			r.bumpSkipped()
			continue
		}

		rec, ok := decodePacket(data, ci, r.linkTy, r.opts)
		if !ok {
			r.bumpSkipped()
			continue
		}
		return rec, nil
	}
}

func (r *Reader) bumpSkipped() {
	r.skip++
	skippedPacketsTotal.WithLabelValues(r.path).Inc()
}

// Skipped returns the number of packets skipped so far.
func (r *Reader) Skipped() uint64 { return r.skip }

// Close closes the underlying file.
func (r *Reader) Close() error {
	if r.file == nil {
		return nil
	}
	return r.file.Close()
}

func decodePacket(data []byte, ci gopacket.CaptureInfo, linkTy gopacket.LayerType, opts Options) (PacketRecord, bool) {
	packet := gopacket.NewPacket(data, linkTy, gopacket.DecodeOptions{Lazy: true, NoCopy: true})

	ipLayer := packet.Layer(layers.LayerTypeIPv4)
	if ipLayer == nil {
		return PacketRecord{}, false
	}
	ip4, ok := ipLayer.(*layers.IPv4)
	if !ok {
		return PacketRecord{}, false
	}

	tcpLayer := packet.Layer(layers.LayerTypeTCP)
	if tcpLayer == nil {
		return PacketRecord{}, false
	}
	tcp, ok := tcpLayer.(*layers.TCP)
	if !ok {
		return PacketRecord{}, false
	}

	var srcIP, dstIP [4]byte
	copy(srcIP[:], ip4.SrcIP.To4())
	copy(dstIP[:], ip4.DstIP.To4())

	rec := PacketRecord{
		TimestampUs: ci.Timestamp.UnixMicro(),
		SrcIP:       srcIP,
		DstIP:       dstIP,
		SrcPort:     uint16(tcp.SrcPort),
		DstPort:     uint16(tcp.DstPort),
		IPID:        ip4.Id,
		TTL:         ip4.TTL,
		TCPFlags:    encodeFlags(tcp),
		SeqNum:      tcp.Seq,
		AckNum:      tcp.Ack,
		TCPOptions:  encodeOptions(tcp.Options),
	}

	payload := tcp.Payload
	rec.PayloadLen = len(payload)
	if !opts.HeaderOnly && len(payload) > 0 {
		n := len(payload)
		if n > opts.PayloadHashPrefix {
			n = opts.PayloadHashPrefix
		}
		buf := make([]byte, n)
		copy(buf, payload[:n])
		rec.Payload = buf
	}

	return rec, true
}

func encodeFlags(tcp *layers.TCP) TCPFlags {
	var f TCPFlags
	if tcp.FIN {
		f |= FlagFIN
	}
	if tcp.SYN {
		f |= FlagSYN
	}
	if tcp.RST {
		f |= FlagRST
	}
	if tcp.PSH {
		f |= FlagPSH
	}
	if tcp.ACK {
		f |= FlagACK
	}
	if tcp.URG {
		f |= FlagURG
	}
	return f
}

// encodeOptions canonicalizes TCP options back into their wire form:
// kind byte, then for multi-byte options a length byte and the option
// data, concatenated in order.
func encodeOptions(opts []layers.TCPOption) []byte {
	if len(opts) == 0 {
		return nil
	}
	buf := make([]byte, 0, 40)
	for _, o := range opts {
		buf = append(buf, byte(o.OptionType))
		if o.OptionLength > 1 {
			buf = append(buf, o.OptionLength)
			buf = append(buf, o.OptionData...)
		}
	}
	return buf
}

