// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

// Package topology is the C5 component: given a MatchSet, it infers the
// relative position of the two capture points along the client-server
// path from TTL deltas, per spec §4.4.
package topology

import (
	"github.com/DataDog/pcap-correlate/internal/logx"
	"github.com/DataDog/pcap-correlate/pkg/match"
)

// canonicalInitialTTLs are the initial TTLs most stacks ship with; the
// observed TTL is assumed to have decremented from the smallest of these
// that is still >= the observed value.
var canonicalInitialTTLs = [3]uint8{64, 128, 255}

// Position is the relative-position verdict for one matched pair.
type Position string

const (
	ACloserToClient Position = "A_CLOSER_TO_CLIENT"
	BCloserToClient Position = "B_CLOSER_TO_CLIENT"
	SamePosition    Position = "SAME_POSITION"
)

// Node types for the topology graph, per spec §6's DB schema contract.
const (
	NodeTypeClient           = 1
	NodeTypeServer           = 2
	NodeTypeNetDeviceClient  = 1001
	NodeTypeNetDeviceServer  = 1002
)

// Hops returns the estimated router-hop count implied by an observed TTL:
// the gap to the smallest canonical initial TTL that is >= observed.
func Hops(observedTTL uint8) int {
	for _, initial := range canonicalInitialTTLs {
		if initial >= observedTTL {
			return int(initial - observedTTL)
		}
	}
	// TTL exceeds every canonical initial value; treat as zero hops
	// rather than guess at an unknown larger baseline.
	return 0
}

// PairResult is the topology verdict for one ConnectionMatch.
type PairResult struct {
	Match ConnectionMatchRef

	HopsServerA, HopsServerB int
	HopsClientA, HopsClientB int
	ServerDelta              int
	ClientDelta              int

	Position Position
	// NATConflict is true when client-side and server-side deltas
	// disagree in sign, a signature of client-side NAT (spec §4.4).
	NATConflict bool

	// NetAreaServerA/NetAreaClientB carry the peer capture id tagged
	// onto the relevant node under the decided position, per spec's
	// net_area labelling.
	NetAreaServerA []int
	NetAreaClientB []int

	// NetDeviceClientSide/NetDeviceServerSide report whether a
	// network-device placeholder node should be inserted on that side
	// (hop count >= 1).
	NetDeviceClientSide bool
	NetDeviceServerSide bool
}

// ConnectionMatchRef identifies the source match a PairResult derives
// from, by capture-local stream ids (never a back-pointer, per spec §9).
type ConnectionMatchRef struct {
	StreamIDA uint64
	StreamIDB uint64
}

// Report is the full topology inference over one MatchSet.
type Report struct {
	CaptureIDA, CaptureIDB int
	Pairs                  []PairResult
}

// Infer runs C5 over ms, tagging captureIDA/captureIDB as the peer ids
// used in net_area labelling (spec §6's "net_area is an integer array of
// peer pcap ids").
func Infer(ms *match.MatchSet, captureIDA, captureIDB int) *Report {
	report := &Report{CaptureIDA: captureIDA, CaptureIDB: captureIDB}
	report.Pairs = make([]PairResult, 0, len(ms.Matches))

	for _, m := range ms.Matches {
		report.Pairs = append(report.Pairs, inferPair(m, captureIDA, captureIDB))
	}
	return report
}

func inferPair(m match.ConnectionMatch, captureIDA, captureIDB int) PairResult {
	hopsServerA := Hops(m.A.ServerTTL)
	hopsServerB := Hops(m.B.ServerTTL)
	hopsClientA := Hops(m.A.ClientTTL)
	hopsClientB := Hops(m.B.ClientTTL)

	serverDelta := hopsServerA - hopsServerB
	clientDelta := hopsClientA - hopsClientB

	pos := SamePosition
	switch {
	case serverDelta > 0:
		pos = ACloserToClient
	case serverDelta < 0:
		pos = BCloserToClient
	}

	natConflict := signOf(serverDelta) != 0 && signOf(clientDelta) != 0 && signOf(serverDelta) != signOf(clientDelta)
	if natConflict {
		logx.Warnf("topology: NAT-scenario conflict for streams a=%d b=%d: server_delta=%d client_delta=%d (server-side judgment used)",
			m.A.StreamID, m.B.StreamID, serverDelta, clientDelta)
	}

	result := PairResult{
		Match:       ConnectionMatchRef{StreamIDA: m.A.StreamID, StreamIDB: m.B.StreamID},
		HopsServerA: hopsServerA,
		HopsServerB: hopsServerB,
		HopsClientA: hopsClientA,
		HopsClientB: hopsClientB,
		ServerDelta: serverDelta,
		ClientDelta: clientDelta,
		Position:    pos,
		NATConflict: natConflict,
	}

	switch pos {
	case ACloserToClient:
		result.NetAreaServerA = []int{captureIDB}
		result.NetAreaClientB = []int{captureIDA}
		result.NetDeviceServerSide = hopsServerA >= 1 || hopsServerB >= 1
		result.NetDeviceClientSide = hopsClientA >= 1 || hopsClientB >= 1
	case BCloserToClient:
		result.NetAreaClientB = []int{captureIDA}
		result.NetDeviceServerSide = hopsServerA >= 1 || hopsServerB >= 1
		result.NetDeviceClientSide = hopsClientA >= 1 || hopsClientB >= 1
	}

	return result
}

func signOf(v int) int {
	switch {
	case v > 0:
		return 1
	case v < 0:
		return -1
	default:
		return 0
	}
}
