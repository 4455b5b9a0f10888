// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

// Package pipeline ties C1-C6 together: it extracts both captures
// concurrently, matches them, then runs topology inference and endpoint
// aggregation over the result, per spec §5.
package pipeline

import (
	"context"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/DataDog/pcap-correlate/internal/logx"
	"github.com/DataDog/pcap-correlate/pkg/capture"
	"github.com/DataDog/pcap-correlate/pkg/endpoint"
	"github.com/DataDog/pcap-correlate/pkg/match"
	"github.com/DataDog/pcap-correlate/pkg/stream"
	"github.com/DataDog/pcap-correlate/pkg/topology"
)

// CaptureStats carries basic decode statistics for one side of a run,
// echoing the teacher's pattern of attaching a small stats struct to
// every aggregation result.
type CaptureStats struct {
	Path            string
	ConnectionCount int
	SkippedPackets  uint64
}

// Result aggregates every output of a correlate run.
type Result struct {
	RunID string

	MatchSet       *match.MatchSet
	TopologyReport *topology.Report
	EndpointTable  *endpoint.Table

	StatsA, StatsB CaptureStats
}

// Run extracts pathA and pathB concurrently, matches the resulting
// Connection sets under policy, and runs topology inference and endpoint
// aggregation over the MatchSet. Cancellation is cooperative via ctx,
// checked between stream extraction and between matcher buckets (the
// latter inside pkg/match itself).
func Run(ctx context.Context, pathA, pathB string, decoderOpts capture.Options, policy match.Policy) (*Result, error) {
	decA, err := capture.Open(pathA, decoderOpts)
	if err != nil {
		return nil, err
	}
	defer decA.Close()

	decB, err := capture.Open(pathB, decoderOpts)
	if err != nil {
		return nil, err
	}
	defer decB.Close()

	return run(ctx, pathA, pathB, decA, decB, policy)
}

// run is the decoder-agnostic orchestration core, split out from Run so
// it is testable with pkg/capture/capturetest replay decoders instead of
// real capture files on disk.
func run(ctx context.Context, pathA, pathB string, decA, decB capture.Decoder, policy match.Policy) (*Result, error) {
	var connsA, connsB []*stream.Connection
	var statsA, statsB CaptureStats

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		conns, stats, err := extractCapture(gctx, pathA, decA)
		connsA, statsA = conns, stats
		return err
	})
	g.Go(func() error {
		conns, stats, err := extractCapture(gctx, pathB, decB)
		connsB, statsB = conns, stats
		return err
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}

	ms, err := match.Run(ctx, pathA, pathB, connsA, connsB, policy)
	if err != nil {
		return nil, err
	}

	report := topology.Infer(ms, 1, 2)
	table := endpoint.Build(ms)

	if len(ms.Matches) == 0 {
		logx.Warnf("pipeline: no matches between %q and %q", pathA, pathB)
	}

	return &Result{
		RunID:          uuid.NewString(),
		MatchSet:       ms,
		TopologyReport: report,
		EndpointTable:  table,
		StatsA:         statsA,
		StatsB:         statsB,
	}, nil
}

func extractCapture(ctx context.Context, path string, dec capture.Decoder) ([]*stream.Connection, CaptureStats, error) {
	conns, err := stream.Extract(ctx, dec)
	stats := CaptureStats{Path: path, ConnectionCount: len(conns), SkippedPackets: dec.Skipped()}
	if err != nil {
		return nil, stats, err
	}
	return conns, stats, nil
}
