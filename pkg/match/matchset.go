// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

package match

import "github.com/DataDog/pcap-correlate/pkg/stream"

// ConnectionMatch is an ordered pair (a, b) with its score. It is
// immutable once created and never holds a live reference back into a
// StreamTable: both connections are copied in by value at match time.
type ConnectionMatch struct {
	A     stream.Connection
	B     stream.Connection
	Score MatchScore
}

// Stats carries per-connection match counts, meaningful only in
// one-to-many mode (spec §3's "statistics (per-connection match counts
// when one-to-many)").
type Stats struct {
	MatchCountsA map[uint64]int
	MatchCountsB map[uint64]int
}

// MatchSet is the result of one matcher run over a pair of captures,
// per spec §3 and the JSON shape in spec §6.
type MatchSet struct {
	File1, File2 string
	Policy       Policy

	Matches     []ConnectionMatch
	UnmatchedA  []stream.Connection
	UnmatchedB  []stream.Connection

	Stats Stats
}

// NewEmpty returns a MatchSet with no matches, the valid result of an
// empty capture pair (spec §4.3.5 / §7).
func NewEmpty(file1, file2 string, policy Policy) *MatchSet {
	return &MatchSet{
		File1:  file1,
		File2:  file2,
		Policy: policy,
		Stats: Stats{
			MatchCountsA: map[uint64]int{},
			MatchCountsB: map[uint64]int{},
		},
	}
}
