// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

package match

import (
	"context"
	"runtime"
	"sort"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"golang.org/x/sync/errgroup"

	"github.com/DataDog/pcap-correlate/pkg/stream"
)

var (
	gateFailuresTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "pcapcorrelate",
		Subsystem: "matcher",
		Name:      "gate_failures_total",
		Help:      "Candidate pairs rejected by a mandatory gate, by reason.",
	}, []string{"reason"})

	acceptPathTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "pcapcorrelate",
		Subsystem: "matcher",
		Name:      "accept_path_total",
		Help:      "Accepted matches by acceptance path.",
	}, []string{"path"})
)

// candidate is a (a, b) pair that cleared all gates, scored, before the
// assignment step decides whether it survives into the final MatchSet.
type candidate struct {
	a, b  *stream.Connection
	score MatchScore
}

// Run scores every eligible Connection pair from a against b under
// policy, applies the mandatory gates, and resolves the assignment. It is
// total over valid inputs: an empty a or b produces an empty MatchSet,
// never an error (spec §4.3.5).
func Run(ctx context.Context, file1, file2 string, a, b []*stream.Connection, policy Policy) (*MatchSet, error) {
	if err := policy.Validate(); err != nil {
		return nil, err
	}

	ms := NewEmpty(file1, file2, policy)
	if len(a) == 0 || len(b) == 0 {
		appendAllUnmatched(ms, a, b)
		return ms, nil
	}

	requireOverlap := policy.RequireTimeOverlap
	if policy.MatchMode == OneToMany {
		requireOverlap = true
	}

	strategy := effectiveBucket(policy.Bucket, a)
	buckets := partition(strategy, a, b)

	candidates, err := collectCandidates(ctx, buckets, policy.Threshold, requireOverlap)
	if err != nil {
		return nil, err
	}

	switch policy.MatchMode {
	case OneToOne:
		assignOneToOne(ms, a, b, candidates)
	case OneToMany:
		assignOneToMany(ms, a, b, candidates)
	}

	return ms, nil
}

// collectCandidates evaluates every pair inside each bucket concurrently,
// merging the accepted candidates into one slice under a single mutex, per
// spec §5.
func collectCandidates(ctx context.Context, buckets map[bucketKey][2][]*stream.Connection, threshold float64, requireOverlap bool) ([]candidate, error) {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(max(1, runtime.NumCPU()))

	var mu sync.Mutex
	var out []candidate

	for _, pair := range buckets {
		as, bs := pair[0], pair[1]
		if len(as) == 0 || len(bs) == 0 {
			continue
		}
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			local := evaluateBucket(as, bs, threshold, requireOverlap)
			mu.Lock()
			out = append(out, local...)
			mu.Unlock()
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

func evaluateBucket(as, bs []*stream.Connection, threshold float64, requireOverlap bool) []candidate {
	local := make([]candidate, 0, len(as))
	for _, a := range as {
		for _, b := range bs {
			token, ok := gate(a, b, requireOverlap)
			if !ok {
				gateFailuresTotal.WithLabelValues(token).Inc()
				continue
			}
			score := evaluate(a, b)
			if !score.Passes(threshold) {
				continue
			}
			switch {
			case score.ForceAccept:
				acceptPathTotal.WithLabelValues("force-accept").Inc()
			case score.MicroflowAccept:
				acceptPathTotal.WithLabelValues("microflow-accept").Inc()
			default:
				acceptPathTotal.WithLabelValues("threshold").Inc()
			}
			local = append(local, candidate{a: a, b: b, score: score})
		}
	}
	return local
}

// assignOneToOne sorts candidates by the load-bearing deterministic order
// of spec §4.3.4 and greedily accepts, marking both endpoints used.
func assignOneToOne(ms *MatchSet, a, b []*stream.Connection, candidates []candidate) {
	sortCandidates(candidates)

	usedA := make(map[uint64]bool, len(a))
	usedB := make(map[uint64]bool, len(b))

	for _, c := range candidates {
		if usedA[c.a.StreamID] || usedB[c.b.StreamID] {
			continue
		}
		usedA[c.a.StreamID] = true
		usedB[c.b.StreamID] = true
		ms.Matches = append(ms.Matches, ConnectionMatch{A: *c.a, B: *c.b, Score: c.score})
		ms.Stats.MatchCountsA[c.a.StreamID]++
		ms.Stats.MatchCountsB[c.b.StreamID]++
	}

	for _, conn := range a {
		if !usedA[conn.StreamID] {
			ms.UnmatchedA = append(ms.UnmatchedA, *conn)
		}
	}
	for _, conn := range b {
		if !usedB[conn.StreamID] {
			ms.UnmatchedB = append(ms.UnmatchedB, *conn)
		}
	}
}

// assignOneToMany emits every candidate that cleared the gates and the
// threshold, without an "endpoint used" constraint.
func assignOneToMany(ms *MatchSet, a, b []*stream.Connection, candidates []candidate) {
	sortCandidates(candidates)

	matchedA := make(map[uint64]bool, len(a))
	matchedB := make(map[uint64]bool, len(b))

	for _, c := range candidates {
		ms.Matches = append(ms.Matches, ConnectionMatch{A: *c.a, B: *c.b, Score: c.score})
		ms.Stats.MatchCountsA[c.a.StreamID]++
		ms.Stats.MatchCountsB[c.b.StreamID]++
		matchedA[c.a.StreamID] = true
		matchedB[c.b.StreamID] = true
	}

	for _, conn := range a {
		if !matchedA[conn.StreamID] {
			ms.UnmatchedA = append(ms.UnmatchedA, *conn)
		}
	}
	for _, conn := range b {
		if !matchedB[conn.StreamID] {
			ms.UnmatchedB = append(ms.UnmatchedB, *conn)
		}
	}
}

// sortCandidates applies the deterministic descending order of spec
// §4.3.4: (force_accept, normalized, raw, -a.stream_id, -b.stream_id).
// The stream-id tiebreak's sign is arbitrary but must be reproduced
// bit-exactly (spec §9 open question (a)).
func sortCandidates(candidates []candidate) {
	sort.SliceStable(candidates, func(i, j int) bool {
		ci, cj := candidates[i], candidates[j]
		if ci.score.ForceAccept != cj.score.ForceAccept {
			return ci.score.ForceAccept
		}
		if ci.score.Normalized != cj.score.Normalized {
			return ci.score.Normalized > cj.score.Normalized
		}
		if ci.score.Raw != cj.score.Raw {
			return ci.score.Raw > cj.score.Raw
		}
		if ci.a.StreamID != cj.a.StreamID {
			return ci.a.StreamID < cj.a.StreamID
		}
		return ci.b.StreamID < cj.b.StreamID
	})
}

func appendAllUnmatched(ms *MatchSet, a, b []*stream.Connection) {
	for _, conn := range a {
		ms.UnmatchedA = append(ms.UnmatchedA, *conn)
	}
	for _, conn := range b {
		ms.UnmatchedB = append(ms.UnmatchedB, *conn)
	}
}

func max(a, b int) int {
	if a > b {
		return a
	}
	return b
}
