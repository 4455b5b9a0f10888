// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

// Package export serializes a MatchSet to the stable JSON shape of
// spec.md §6 and writes its rows into the consumed database schema
// (kase_<id>_tcp_stream_extra / kase_<id>_topological_graph).
package export

import (
	"io"
	"math"

	jsoniter "github.com/json-iterator/go"

	"github.com/DataDog/pcap-correlate/pkg/match"
	"github.com/DataDog/pcap-correlate/pkg/stream"
)

var jsonAPI = jsoniter.ConfigCompatibleWithStandardLibrary

const matchSetVersion = "1.0"

// connectionDoc is the wire shape of stream.Connection, serializing sets
// as sorted arrays per spec §6.
type connectionDoc struct {
	StreamID uint64 `json:"stream_id"`

	ClientIP   string `json:"client_ip"`
	ClientPort uint16 `json:"client_port"`
	ServerIP   string `json:"server_ip"`
	ServerPort uint16 `json:"server_port"`

	ClientISN *uint32 `json:"client_isn"`
	ServerISN *uint32 `json:"server_isn"`

	SynOptions       []byte  `json:"syn_options,omitempty"`
	ClientPayloadMD5 []byte  `json:"client_payload_md5,omitempty"`
	ServerPayloadMD5 []byte  `json:"server_payload_md5,omitempty"`
	LengthSignature  []int32 `json:"length_signature,omitempty"`

	IPIDSet       []uint16 `json:"ipid_set"`
	ClientIPIDSet []uint16 `json:"client_ipid_set"`
	ServerIPIDSet []uint16 `json:"server_ipid_set"`

	ClientTTL uint8 `json:"client_ttl"`
	ServerTTL uint8 `json:"server_ttl"`

	FirstPacketTimeUs int64 `json:"first_packet_time_us"`
	LastPacketTimeUs  int64 `json:"last_packet_time_us"`
	TotalBytes        int64 `json:"total_bytes"`
	PacketCount       int   `json:"packet_count"`
}

func toConnectionDoc(c stream.Connection) connectionDoc {
	return connectionDoc{
		StreamID:          c.StreamID,
		ClientIP:          ipString(c.ClientIP),
		ClientPort:        c.ClientPort,
		ServerIP:          ipString(c.ServerIP),
		ServerPort:        c.ServerPort,
		ClientISN:         c.ClientISN,
		ServerISN:         c.ServerISN,
		SynOptions:        c.SynOptions,
		ClientPayloadMD5:  c.ClientPayloadMD5,
		ServerPayloadMD5:  c.ServerPayloadMD5,
		LengthSignature:   c.LengthSignature,
		IPIDSet:           c.SortedIPIDs(),
		ClientIPIDSet:     c.SortedClientIPIDs(),
		ServerIPIDSet:     c.SortedServerIPIDs(),
		ClientTTL:         c.ClientTTL,
		ServerTTL:         c.ServerTTL,
		FirstPacketTimeUs: c.FirstPacketTimeUs,
		LastPacketTimeUs:  c.LastPacketTimeUs,
		TotalBytes:        c.TotalBytes,
		PacketCount:       c.PacketCount,
	}
}

func ipString(ip [4]byte) string {
	buf := make([]byte, 0, 15)
	for i, b := range ip {
		if i > 0 {
			buf = append(buf, '.')
		}
		buf = appendUint8(buf, b)
	}
	return string(buf)
}

func appendUint8(buf []byte, v uint8) []byte {
	if v >= 100 {
		buf = append(buf, '0'+v/100)
		v %= 100
		buf = append(buf, '0'+v/10, '0'+v%10)
	} else if v >= 10 {
		buf = append(buf, '0'+v/10, '0'+v%10)
	} else {
		buf = append(buf, '0'+v)
	}
	return buf
}

type scoreDoc struct {
	Normalized      float64  `json:"normalized"`
	Raw             float64  `json:"raw"`
	AvailableWeight float64  `json:"available_weight"`
	IPIDMatch       bool     `json:"ipid_match"`
	Evidence        []string `json:"evidence"`
	ForceAccept     bool     `json:"force_accept"`
	MicroflowAccept bool     `json:"microflow_accept"`
}

func toScoreDoc(s match.MatchScore) scoreDoc {
	return scoreDoc{
		Normalized:      s.Normalized,
		Raw:             s.Raw,
		AvailableWeight: s.AvailableWeight,
		IPIDMatch:       s.IPIDMatch,
		Evidence:        s.Evidence,
		ForceAccept:     s.ForceAccept,
		MicroflowAccept: s.MicroflowAccept,
	}
}

type matchDoc struct {
	Conn1 connectionDoc `json:"conn1"`
	Conn2 connectionDoc `json:"conn2"`
	Score scoreDoc      `json:"score"`
}

type metadataDoc struct {
	TotalConnections1 int     `json:"total_connections_1"`
	TotalConnections2 int     `json:"total_connections_2"`
	MatchedPairs      int     `json:"matched_pairs"`
	Unmatched1        int     `json:"unmatched_1"`
	Unmatched2        int     `json:"unmatched_2"`
	MatchRate1        float64 `json:"match_rate_1"`
	MatchRate2        float64 `json:"match_rate_2"`
	AverageScore      float64 `json:"average_score"`
	MatchMode         string  `json:"match_mode"`

	MaxMatchesPerConn1 int     `json:"max_matches_per_conn1,omitempty"`
	AvgMatchesPerConn1 float64 `json:"avg_matches_per_conn1,omitempty"`
}

type matchSetDoc struct {
	Version  string       `json:"version"`
	File1    string       `json:"file1"`
	File2    string       `json:"file2"`
	Metadata metadataDoc  `json:"metadata"`
	Matches  []matchDoc   `json:"matches"`
}

// WriteJSON serializes ms to w in the stable shape of spec.md §6.
func WriteJSON(w io.Writer, ms *match.MatchSet) error {
	doc := toMatchSetDoc(ms)
	enc := jsonAPI.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(doc)
}

func toMatchSetDoc(ms *match.MatchSet) matchSetDoc {
	matched1 := countDistinctA(ms)
	matched2 := countDistinctB(ms)
	total1 := matched1 + len(ms.UnmatchedA)
	total2 := matched2 + len(ms.UnmatchedB)

	meta := metadataDoc{
		TotalConnections1: total1,
		TotalConnections2: total2,
		MatchedPairs:      len(ms.Matches),
		Unmatched1:        len(ms.UnmatchedA),
		Unmatched2:        len(ms.UnmatchedB),
		MatchRate1:        rate(matched1, total1),
		MatchRate2:        rate(matched2, total2),
		AverageScore:      averageScore(ms.Matches),
		MatchMode:         string(ms.Policy.MatchMode),
	}

	if ms.Policy.MatchMode == match.OneToMany {
		maxN, avgN := matchesPerConn1Stats(ms.Stats.MatchCountsA)
		meta.MaxMatchesPerConn1 = maxN
		meta.AvgMatchesPerConn1 = avgN
	}

	matches := make([]matchDoc, 0, len(ms.Matches))
	for _, m := range ms.Matches {
		matches = append(matches, matchDoc{
			Conn1: toConnectionDoc(m.A),
			Conn2: toConnectionDoc(m.B),
			Score: toScoreDoc(m.Score),
		})
	}

	return matchSetDoc{
		Version:  matchSetVersion,
		File1:    ms.File1,
		File2:    ms.File2,
		Metadata: meta,
		Matches:  matches,
	}
}

func countDistinctA(ms *match.MatchSet) int {
	seen := make(map[uint64]struct{}, len(ms.Matches))
	for _, m := range ms.Matches {
		seen[m.A.StreamID] = struct{}{}
	}
	return len(seen)
}

func countDistinctB(ms *match.MatchSet) int {
	seen := make(map[uint64]struct{}, len(ms.Matches))
	for _, m := range ms.Matches {
		seen[m.B.StreamID] = struct{}{}
	}
	return len(seen)
}

func rate(matched, total int) float64 {
	if total == 0 {
		return 0
	}
	return float64(matched) / float64(total)
}

func averageScore(matches []match.ConnectionMatch) float64 {
	if len(matches) == 0 {
		return 0
	}
	var sum float64
	for _, m := range matches {
		sum += m.Score.Normalized
	}
	return sum / float64(len(matches))
}

func matchesPerConn1Stats(counts map[uint64]int) (max int, avg float64) {
	if len(counts) == 0 {
		return 0, 0
	}
	var sum int
	for _, n := range counts {
		sum += n
		if n > max {
			max = n
		}
	}
	avg = float64(sum) / float64(len(counts))
	return max, math.Round(avg*1e6) / 1e6
}
