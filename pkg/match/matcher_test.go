// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

package match

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/DataDog/pcap-correlate/pkg/stream"
)

func u32(v uint32) *uint32 { return &v }

func ipidSet(vals ...uint16) map[uint16]struct{} {
	out := make(map[uint16]struct{}, len(vals))
	for _, v := range vals {
		out[v] = struct{}{}
	}
	return out
}

// baseConn builds a Connection that will clear both mandatory gates
// against its mirror (same port pair, overlapping IPID, overlapping time).
func baseConn(id uint64, clientPort, serverPort uint16) *stream.Connection {
	return &stream.Connection{
		StreamID:          id,
		ClientIP:          [4]byte{10, 0, 0, 1},
		ClientPort:        clientPort,
		ServerIP:          [4]byte{10, 0, 0, 2},
		ServerPort:        serverPort,
		ClientISN:         u32(1000),
		ServerISN:         u32(2000),
		SynOptions:        []byte{0x02, 0x04, 0x05, 0xb4},
		ClientPayloadMD5:  []byte("client-md5-digest"),
		ServerPayloadMD5:  []byte("server-md5-digest"),
		LengthSignature:   []int32{100, -200, 50},
		IPIDSet:           ipidSet(1, 2, 3),
		FirstPacketTimeUs: 1_000_000,
		LastPacketTimeUs:  2_000_000,
		PacketCount:       10,
	}
}

func clone(c *stream.Connection) *stream.Connection {
	cp := *c
	return &cp
}

func TestRun_EmptyInputsProduceEmptyMatchSet(t *testing.T) {
	ms, err := Run(context.Background(), "a.pcap", "b.pcap", nil, nil, DefaultPolicy())
	require.NoError(t, err)
	assert.Empty(t, ms.Matches)
	assert.Empty(t, ms.UnmatchedA)
	assert.Empty(t, ms.UnmatchedB)
}

func TestRun_InvalidPolicyIsRejected(t *testing.T) {
	p := DefaultPolicy()
	p.Threshold = 1.5
	_, err := Run(context.Background(), "a.pcap", "b.pcap", []*stream.Connection{baseConn(1, 4000, 80)}, []*stream.Connection{baseConn(2, 4000, 80)}, p)
	assert.Error(t, err)
}

// S1: identical fingerprints at both points, one-to-one, must match with
// normalized score 1.0.
func TestRun_S1_IdenticalFingerprintsMatch(t *testing.T) {
	a := baseConn(1, 4000, 80)
	b := clone(a)
	b.StreamID = 2

	ms, err := Run(context.Background(), "a.pcap", "b.pcap", []*stream.Connection{a}, []*stream.Connection{b}, DefaultPolicy())
	require.NoError(t, err)
	require.Len(t, ms.Matches, 1)
	assert.Equal(t, uint64(1), ms.Matches[0].A.StreamID)
	assert.Equal(t, uint64(2), ms.Matches[0].B.StreamID)
	assert.True(t, ms.Matches[0].Score.ForceAccept)
	assert.Empty(t, ms.UnmatchedA)
	assert.Empty(t, ms.UnmatchedB)
}

// S2: disjoint port pairs never match, regardless of other similarity.
func TestRun_S2_PortMismatchNeverMatches(t *testing.T) {
	a := baseConn(1, 4000, 80)
	b := clone(a)
	b.StreamID = 2
	b.ServerPort = 443

	ms, err := Run(context.Background(), "a.pcap", "b.pcap", []*stream.Connection{a}, []*stream.Connection{b}, DefaultPolicy())
	require.NoError(t, err)
	assert.Empty(t, ms.Matches)
	assert.Len(t, ms.UnmatchedA, 1)
	assert.Len(t, ms.UnmatchedB, 1)
}

// S3: disjoint IPID sets never match even with everything else identical.
func TestRun_S3_NoIPIDOverlapNeverMatches(t *testing.T) {
	a := baseConn(1, 4000, 80)
	b := clone(a)
	b.StreamID = 2
	b.IPIDSet = ipidSet(100, 101, 102)

	ms, err := Run(context.Background(), "a.pcap", "b.pcap", []*stream.Connection{a}, []*stream.Connection{b}, DefaultPolicy())
	require.NoError(t, err)
	assert.Empty(t, ms.Matches)
}

// S4: one-to-one assignment is injective — with two candidates on each
// side, each eligible against the B-side stream sharing its port pair,
// each stream is used in at most one match.
func TestRun_S4_OneToOneIsInjective(t *testing.T) {
	a1 := baseConn(1, 4000, 80)
	a2 := baseConn(2, 4001, 80)
	a2.IPIDSet = a1.IPIDSet // share IPIDs so a2 can also match b-side
	b1 := clone(a1)
	b1.StreamID = 11
	b2 := clone(a1)
	b2.StreamID = 12
	b2.ClientPort = 4001 // so it also clears the port-pair gate against a2

	ms, err := Run(context.Background(), "a.pcap", "b.pcap",
		[]*stream.Connection{a1, a2}, []*stream.Connection{b1, b2}, DefaultPolicy())
	require.NoError(t, err)

	seenA := map[uint64]int{}
	seenB := map[uint64]int{}
	for _, m := range ms.Matches {
		seenA[m.A.StreamID]++
		seenB[m.B.StreamID]++
	}
	for id, n := range seenA {
		assert.LessOrEqualf(t, n, 1, "stream A %d matched %d times", id, n)
	}
	for id, n := range seenB {
		assert.LessOrEqualf(t, n, 1, "stream B %d matched %d times", id, n)
	}
}

// S5: a weak-but-above-threshold pair matches under a lowered threshold
// and fails to match under a higher one.
func TestRun_S5_ThresholdControlsAcceptance(t *testing.T) {
	a := baseConn(1, 4000, 80)
	b := clone(a)
	b.StreamID = 2
	// Weaken similarity: drop ISN and MD5 agreement so this is no longer
	// a force-accept, leaving only SYN-options, length-signature and
	// IPID-gate weight.
	b.ClientISN = u32(999999)
	b.ServerISN = u32(888888)
	b.ClientPayloadMD5 = []byte("different-client")
	b.ServerPayloadMD5 = []byte("different-server")
	b.PacketCount = 50 // keep it out of the micro-flow bypass
	a.PacketCount = 50

	lowPolicy := DefaultPolicy()
	lowPolicy.Threshold = 0.1
	ms, err := Run(context.Background(), "a.pcap", "b.pcap", []*stream.Connection{a}, []*stream.Connection{b}, lowPolicy)
	require.NoError(t, err)
	assert.Len(t, ms.Matches, 1)

	highPolicy := DefaultPolicy()
	highPolicy.Threshold = 0.95
	ms2, err := Run(context.Background(), "a.pcap", "b.pcap", []*stream.Connection{a}, []*stream.Connection{b}, highPolicy)
	require.NoError(t, err)
	assert.Empty(t, ms2.Matches)
}

// One-to-many coverage: a single A-side connection matches multiple
// eligible B-side connections, none of which are marked "used".
func TestRun_OneToMany_AllowsFanOut(t *testing.T) {
	a := baseConn(1, 4000, 80)
	b1 := clone(a)
	b1.StreamID = 11
	b2 := clone(a)
	b2.StreamID = 12

	p := DefaultPolicy()
	p.MatchMode = OneToMany
	ms, err := Run(context.Background(), "a.pcap", "b.pcap", []*stream.Connection{a}, []*stream.Connection{b1, b2}, p)
	require.NoError(t, err)
	assert.Len(t, ms.Matches, 2)
	assert.Equal(t, 2, ms.Stats.MatchCountsA[a.StreamID])
}

// One-to-many forces time overlap regardless of Policy.RequireTimeOverlap.
func TestRun_OneToMany_ForcesTimeOverlapGate(t *testing.T) {
	a := baseConn(1, 4000, 80)
	b := clone(a)
	b.StreamID = 11
	b.FirstPacketTimeUs = 10_000_000
	b.LastPacketTimeUs = 20_000_000

	p := DefaultPolicy()
	p.MatchMode = OneToMany
	p.RequireTimeOverlap = false
	ms, err := Run(context.Background(), "a.pcap", "b.pcap", []*stream.Connection{a}, []*stream.Connection{b}, p)
	require.NoError(t, err)
	assert.Empty(t, ms.Matches)
}

// Determinism: running the matcher twice on the same inputs produces an
// identical match list in the same order.
func TestRun_IsDeterministic(t *testing.T) {
	a1 := baseConn(1, 4000, 80)
	a2 := baseConn(2, 4002, 443)
	b1 := clone(a1)
	b1.StreamID = 21
	b2 := clone(a2)
	b2.StreamID = 22

	run := func() []ConnectionMatch {
		ms, err := Run(context.Background(), "a.pcap", "b.pcap",
			[]*stream.Connection{a1, a2}, []*stream.Connection{b1, b2}, DefaultPolicy())
		require.NoError(t, err)
		return ms.Matches
	}

	first := run()
	second := run()
	require.Equal(t, len(first), len(second))
	for i := range first {
		assert.Equal(t, first[i].A.StreamID, second[i].A.StreamID)
		assert.Equal(t, first[i].B.StreamID, second[i].B.StreamID)
	}
}

// Score bounds: normalized score is always within [0,1].
func TestEvaluate_NormalizedScoreWithinBounds(t *testing.T) {
	a := baseConn(1, 4000, 80)
	b := clone(a)
	b.ClientISN = u32(1)
	b.ServerISN = u32(2)
	b.SynOptions = nil
	score := evaluate(a, b)
	assert.GreaterOrEqual(t, score.Normalized, 0.0)
	assert.LessOrEqual(t, score.Normalized, 1.0)
}

func TestSortCandidates_OrdersByForceAcceptThenScoreThenStreamID(t *testing.T) {
	c1 := candidate{
		a:     &stream.Connection{StreamID: 5},
		b:     &stream.Connection{StreamID: 50},
		score: MatchScore{Normalized: 0.8},
	}
	c2 := candidate{
		a:     &stream.Connection{StreamID: 1},
		b:     &stream.Connection{StreamID: 10},
		score: MatchScore{Normalized: 0.9, ForceAccept: true},
	}
	c3 := candidate{
		a:     &stream.Connection{StreamID: 2},
		b:     &stream.Connection{StreamID: 20},
		score: MatchScore{Normalized: 0.8},
	}

	cands := []candidate{c1, c2, c3}
	sortCandidates(cands)

	require.Len(t, cands, 3)
	assert.True(t, cands[0].score.ForceAccept)
	assert.Equal(t, uint64(2), cands[1].a.StreamID) // same normalized as c1, lower stream id first
	assert.Equal(t, uint64(5), cands[2].a.StreamID)
}

func TestGate_PortPairMismatchFails(t *testing.T) {
	a := baseConn(1, 4000, 80)
	b := baseConn(2, 4000, 443)
	token, ok := gate(a, b, false)
	assert.False(t, ok)
	assert.Equal(t, EvidenceNo3Tuple, token)
}

func TestGate_AllPassWhenMandatoryConditionsMet(t *testing.T) {
	a := baseConn(1, 4000, 80)
	b := baseConn(2, 4000, 80)
	_, ok := gate(a, b, true)
	assert.True(t, ok)
}
