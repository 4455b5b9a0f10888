// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

package pipeline

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/DataDog/pcap-correlate/pkg/capture/capturetest"
	"github.com/DataDog/pcap-correlate/pkg/match"
)

func buildMatchingCaptures() (*capturetest.Builder, *capturetest.Builder) {
	clientA := capturetest.Endpoint{IP: capturetest.IP(10, 0, 0, 1), Port: 39765, TTL: 64}
	serverA := capturetest.Endpoint{IP: capturetest.IP(10, 30, 50, 101), Port: 6096, TTL: 64}
	clientB := capturetest.Endpoint{IP: capturetest.IP(172, 16, 0, 1), Port: 39765, TTL: 60}
	serverB := capturetest.Endpoint{IP: capturetest.IP(192, 168, 1, 1), Port: 6096, TTL: 60}

	a := capturetest.NewBuilder().SYN(clientA, serverA, 0x1111, nil).Advance(1).SYNACK(serverA, clientA, 0x2222, 0x1112, nil)
	b := capturetest.NewBuilder().SYN(clientB, serverB, 0x1111, nil).Advance(1).SYNACK(serverB, clientB, 0x2222, 0x1112, nil)
	return a, b
}

func TestRun_EndToEndMatchesAcrossCaptures(t *testing.T) {
	a, b := buildMatchingCaptures()

	policy := match.DefaultPolicy()
	result, err := run(context.Background(), "a.pcap", "b.pcap", a.Decoder(), b.Decoder(), policy)
	require.NoError(t, err)

	require.NotNil(t, result.MatchSet)
	assert.Len(t, result.MatchSet.Matches, 1)
	assert.NotNil(t, result.TopologyReport)
	assert.NotNil(t, result.EndpointTable)
	assert.NotEmpty(t, result.RunID)
	assert.Equal(t, 1, result.StatsA.ConnectionCount)
	assert.Equal(t, 1, result.StatsB.ConnectionCount)
}

func TestRun_EmptyCapturesProduceEmptyResult(t *testing.T) {
	a := capturetest.NewBuilder()
	b := capturetest.NewBuilder()

	result, err := run(context.Background(), "a.pcap", "b.pcap", a.Decoder(), b.Decoder(), match.DefaultPolicy())
	require.NoError(t, err)
	assert.Empty(t, result.MatchSet.Matches)
}

func TestRun_RespectsCancellation(t *testing.T) {
	a, b := buildMatchingCaptures()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := run(ctx, "a.pcap", "b.pcap", a.Decoder(), b.Decoder(), match.DefaultPolicy())
	assert.Error(t, err)
}
