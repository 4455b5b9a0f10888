// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

package stream

import (
	"context"
	"crypto/md5" // #nosec G501 -- fingerprinting, not security-sensitive
	"errors"
	"hash"
	"io"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/DataDog/pcap-correlate/internal/logx"
	"github.com/DataDog/pcap-correlate/pkg/capture"
)

// endpoint identifies one physical side of a 4-tuple, before client/server
// roles are assigned.
type endpoint struct {
	ip   [4]byte
	port uint16
}

func (e endpoint) less(o endpoint) bool {
	for i := range e.ip {
		if e.ip[i] != o.ip[i] {
			return e.ip[i] < o.ip[i]
		}
	}
	return e.port < o.port
}

type streamKey struct {
	a, b endpoint
}

func newStreamKey(e1, e2 endpoint) streamKey {
	if e1.less(e2) {
		return streamKey{a: e1, b: e2}
	}
	return streamKey{a: e2, b: e1}
}

type rawPacket struct {
	from       endpoint // which of streamKey.a/b sent this packet
	timestamp  int64
	ipid       uint16
	ttl        uint8
	flags      capture.TCPFlags
	seq        uint32
	options    []byte
	payloadLen int
	payload    []byte
}

type streamState struct {
	key      streamKey
	streamID uint64
	packets  []rawPacket
}

// StreamTable demultiplexes a single capture's packets into Connection
// fingerprints.
type StreamTable struct {
	streams  map[streamKey]*streamState
	order    []streamKey
	nextID   uint64
	optInter *lru.Cache[string, []byte]
}

// NewStreamTable returns an empty StreamTable; stream-id counters start at
// zero and are local to this table, per spec §9 (no process-wide state).
func NewStreamTable() *StreamTable {
	c, _ := lru.New[string, []byte](1024)
	return &StreamTable{
		streams:  make(map[streamKey]*streamState),
		optInter: c,
	}
}

// Extract drains dec, demultiplexes its packets into streams, and
// resolves each into a Connection. It is fatal only on a decoder error
// other than io.EOF; malformed packets are the decoder's own concern
// (they are already skipped before reaching here).
func Extract(ctx context.Context, dec capture.Decoder) ([]*Connection, error) {
	t := NewStreamTable()

	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		pkt, err := dec.Next(ctx)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, err
		}
		t.absorb(pkt)
	}

	conns := t.resolve()
	logx.Debugf("stream: extracted %d connections", len(conns))
	return conns, nil
}

func (t *StreamTable) absorb(pkt capture.PacketRecord) {
	src := endpoint{ip: pkt.SrcIP, port: pkt.SrcPort}
	dst := endpoint{ip: pkt.DstIP, port: pkt.DstPort}
	key := newStreamKey(src, dst)

	s, ok := t.streams[key]
	if !ok {
		s = &streamState{key: key, streamID: t.nextID}
		t.nextID++
		t.streams[key] = s
		t.order = append(t.order, key)
	}

	s.packets = append(s.packets, rawPacket{
		from:       src,
		timestamp:  pkt.TimestampUs,
		ipid:       pkt.IPID,
		ttl:        pkt.TTL,
		flags:      pkt.TCPFlags,
		seq:        pkt.SeqNum,
		options:    t.intern(pkt.TCPOptions),
		payloadLen: pkt.PayloadLen,
		payload:    pkt.Payload,
	})
}

// intern shares identical SYN-option byte strings across connections so a
// capture with many uniform clients doesn't allocate the same option blob
// repeatedly.
func (t *StreamTable) intern(opts []byte) []byte {
	if len(opts) == 0 || t.optInter == nil {
		return opts
	}
	key := string(opts)
	if cached, ok := t.optInter.Get(key); ok {
		return cached
	}
	t.optInter.Add(key, opts)
	return opts
}

// resolve decides client/server roles and builds a Connection for every
// demultiplexed stream, in the order streams were first observed.
func (t *StreamTable) resolve() []*Connection {
	peers := buildPeerCardinality(t.streams)

	conns := make([]*Connection, 0, len(t.order))
	for _, key := range t.order {
		s := t.streams[key]
		client, server := assignRoles(s, peers)
		conns = append(conns, buildConnection(s, client, server))
	}
	return conns
}

// buildPeerCardinality counts, for each physical endpoint observed in the
// capture, how many distinct peer IPs it talked to across all streams —
// used by the no-SYN client/server fallback heuristic.
func buildPeerCardinality(streams map[streamKey]*streamState) map[endpoint]map[[4]byte]struct{} {
	peers := make(map[endpoint]map[[4]byte]struct{})
	add := func(host, peer endpoint) {
		set, ok := peers[host]
		if !ok {
			set = make(map[[4]byte]struct{})
			peers[host] = set
		}
		set[peer.ip] = struct{}{}
	}
	for key := range streams {
		add(key.a, key.b)
		add(key.b, key.a)
	}
	return peers
}

// assignRoles decides which physical endpoint is the client and which is
// the server, per spec §4.1 step 1.
func assignRoles(s *streamState, peers map[endpoint]map[[4]byte]struct{}) (client, server endpoint) {
	for _, p := range s.packets {
		if p.flags.Has(capture.FlagSYN) && !p.flags.Has(capture.FlagACK) {
			if p.from == s.key.a {
				return s.key.a, s.key.b
			}
			return s.key.b, s.key.a
		}
	}

	lo, hi := s.key.a, s.key.b
	if hi.port < lo.port {
		lo, hi = hi, lo
	}
	// lo now has the lower port.
	if lo.port < 1024 || len(peers[lo]) >= 2 {
		return hi, lo // lo is server
	}

	if len(peers[hi]) > len(peers[lo]) {
		return lo, hi // hi is server (higher cardinality)
	}
	return lo, hi // default: lower port is client, higher port is server
}

func buildConnection(s *streamState, client, server endpoint) *Connection {
	c := &Connection{
		StreamID:      s.streamID,
		ClientIP:      client.ip,
		ClientPort:    client.port,
		ServerIP:      server.ip,
		ServerPort:    server.port,
		IPIDSet:       make(map[uint16]struct{}),
		ClientIPIDSet: make(map[uint16]struct{}),
		ServerIPIDSet: make(map[uint16]struct{}),
	}

	var clientMD5, serverMD5 hash.Hash
	var clientHashed, serverHashed int
	var clientLastSeq, serverLastSeq uint32
	var clientSeqSet, serverSeqSet bool

	clientTTLCounts := make(map[uint8]int)
	serverTTLCounts := make(map[uint8]int)

	first := true
	for _, p := range s.packets {
		isClient := p.from == client

		if first {
			c.FirstPacketTimeUs = p.timestamp
			c.LastPacketTimeUs = p.timestamp
			first = false
		} else {
			if p.timestamp < c.FirstPacketTimeUs {
				c.FirstPacketTimeUs = p.timestamp
			}
			if p.timestamp > c.LastPacketTimeUs {
				c.LastPacketTimeUs = p.timestamp
			}
		}
		c.PacketCount++
		c.TotalBytes += int64(p.payloadLen)
		c.IPIDSet[p.ipid] = struct{}{}

		if isClient {
			c.ClientIPIDSet[p.ipid] = struct{}{}
			clientTTLCounts[p.ttl]++
		} else {
			c.ServerIPIDSet[p.ipid] = struct{}{}
			serverTTLCounts[p.ttl]++
		}

		if isClient && p.flags.Has(capture.FlagSYN) && c.ClientISN == nil {
			isn := p.seq
			c.ClientISN = &isn
			c.SynOptions = p.options
		}
		if !isClient && p.flags.Has(capture.FlagSYN) && p.flags.Has(capture.FlagACK) && c.ServerISN == nil {
			isn := p.seq
			c.ServerISN = &isn
		}

		if p.payloadLen == 0 {
			continue
		}

		if isClient {
			if clientSeqSet && p.seq == clientLastSeq {
				continue
			}
			clientLastSeq, clientSeqSet = p.seq, true
			appendLengthSignature(c, int32(p.payloadLen))
			clientMD5, clientHashed = accumulateHash(clientMD5, p.payload, clientHashed)
		} else {
			if serverSeqSet && p.seq == serverLastSeq {
				continue
			}
			serverLastSeq, serverSeqSet = p.seq, true
			appendLengthSignature(c, -int32(p.payloadLen))
			serverMD5, serverHashed = accumulateHash(serverMD5, p.payload, serverHashed)
		}
	}

	c.ClientTTL = modeTTL(clientTTLCounts)
	c.ServerTTL = modeTTL(serverTTLCounts)
	c.ClientPayloadMD5 = finalizeHash(clientMD5)
	c.ServerPayloadMD5 = finalizeHash(serverMD5)

	return c
}

func appendLengthSignature(c *Connection, signed int32) {
	if len(c.LengthSignature) >= LengthSignatureMax {
		return
	}
	c.LengthSignature = append(c.LengthSignature, signed)
}

func accumulateHash(h hash.Hash, payload []byte, hashed int) (hash.Hash, int) {
	if hashed >= PayloadHashPrefix || len(payload) == 0 {
		return h, hashed
	}
	if h == nil {
		h = md5.New() // #nosec G401 -- fingerprinting, not security-sensitive
	}
	remaining := PayloadHashPrefix - hashed
	chunk := payload
	if len(chunk) > remaining {
		chunk = chunk[:remaining]
	}
	_, _ = h.Write(chunk)
	return h, hashed + len(chunk)
}

func finalizeHash(h hash.Hash) []byte {
	if h == nil {
		return nil
	}
	return h.Sum(nil)
}

func modeTTL(counts map[uint8]int) uint8 {
	var best uint8
	var bestCount int
	for ttl, n := range counts {
		if n > bestCount || (n == bestCount && ttl < best) {
			best, bestCount = ttl, n
		}
	}
	return best
}
