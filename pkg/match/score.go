// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

package match

import (
	"bytes"
	"math"

	"github.com/DataDog/pcap-correlate/pkg/stream"
)

// Evidence feature weights, per spec §4.3.2. They sum to 1.0.
const (
	weightClientISN   = 0.20
	weightServerISN   = 0.20
	weightSynOptions  = 0.10
	weightClientMD5   = 0.15
	weightServerMD5   = 0.15
	weightLengthSig   = 0.15
	weightIPIDGateBit = 0.05
)

// normalizeEpsilon avoids dividing by zero available_weight, per spec §3.
const normalizeEpsilon = 1e-9

// microflowMaxPackets is the packet-count threshold at or below which a
// connection is considered a micro-flow, per spec §4.3.2.
const microflowMaxPackets = 4

// microflowMinNormalized is the lowered acceptance bar for micro-flows.
const microflowMinNormalized = 0.5

// Evidence tokens, carried in MatchScore.Evidence.
const (
	EvidenceNo3Tuple       = "no-3tuple"
	EvidenceNoIPID         = "no-ipid"
	EvidenceNoTimeOverlap  = "no-time-overlap"
	EvidenceClientISN      = "isnC"
	EvidenceServerISN      = "isnS"
	EvidenceSynOptions     = "synopts"
	EvidenceClientMD5      = "md5C"
	EvidenceServerMD5      = "md5S"
	EvidenceLengthSig      = "lensig"
	EvidenceIPID           = "ipid"
	EvidenceForceAccept    = "force-accept"
	EvidenceMicroflow      = "microflow-accept"
)

// MatchScore is the outcome of scoring one Connection pair, per spec §3.
type MatchScore struct {
	Normalized       float64
	Raw              float64
	AvailableWeight  float64
	IPIDMatch        bool
	Evidence         []string
	ForceAccept      bool
	MicroflowAccept  bool
}

// gateFailure builds the zero-score result for a pair that failed a
// mandatory gate; it is reported as unmatched, never as an error.
func gateFailure(token string) MatchScore {
	return MatchScore{Evidence: []string{token}}
}

// evaluate scores a and b assuming all mandatory gates have already
// passed (IPIDMatch is therefore always true here).
func evaluate(a, b *stream.Connection) MatchScore {
	var raw, available float64
	evidence := make([]string, 0, 8)

	if a.ClientISN != nil && b.ClientISN != nil {
		available += weightClientISN
		if *a.ClientISN == *b.ClientISN {
			raw += weightClientISN
			evidence = append(evidence, EvidenceClientISN)
		}
	}

	if a.ServerISN != nil && b.ServerISN != nil {
		available += weightServerISN
		if *a.ServerISN == *b.ServerISN {
			raw += weightServerISN
			evidence = append(evidence, EvidenceServerISN)
		}
	}

	if len(a.SynOptions) > 0 && len(b.SynOptions) > 0 {
		available += weightSynOptions
		if bytes.Equal(a.SynOptions, b.SynOptions) {
			raw += weightSynOptions
			evidence = append(evidence, EvidenceSynOptions)
		}
	}

	if len(a.ClientPayloadMD5) > 0 && len(b.ClientPayloadMD5) > 0 {
		available += weightClientMD5
		if bytes.Equal(a.ClientPayloadMD5, b.ClientPayloadMD5) {
			raw += weightClientMD5
			evidence = append(evidence, EvidenceClientMD5)
		}
	}

	if len(a.ServerPayloadMD5) > 0 && len(b.ServerPayloadMD5) > 0 {
		available += weightServerMD5
		if bytes.Equal(a.ServerPayloadMD5, b.ServerPayloadMD5) {
			raw += weightServerMD5
			evidence = append(evidence, EvidenceServerMD5)
		}
	}

	var lcpRatio float64
	if len(a.LengthSignature) >= 2 && len(b.LengthSignature) >= 2 {
		available += weightLengthSig
		lcpRatio = lengthSignatureRatio(a.LengthSignature, b.LengthSignature)
		raw += weightLengthSig * lcpRatio
		if lcpRatio > 0 {
			evidence = append(evidence, EvidenceLengthSig)
		}
	}

	// The IPID gate has already passed by the time evaluate is called.
	available += weightIPIDGateBit
	raw += weightIPIDGateBit
	evidence = append(evidence, EvidenceIPID)

	normalized := 0.0
	if available > 0 {
		normalized = raw / math.Max(available, normalizeEpsilon)
	}

	score := MatchScore{
		Normalized:      normalized,
		Raw:             raw,
		AvailableWeight: available,
		IPIDMatch:       true,
		Evidence:        evidence,
	}

	isnMatches := contains(evidence, EvidenceClientISN) || contains(evidence, EvidenceServerISN)
	bothISNBothMD5Match := contains(evidence, EvidenceClientISN) && contains(evidence, EvidenceServerISN) &&
		contains(evidence, EvidenceClientMD5) && contains(evidence, EvidenceServerMD5)

	if bothISNBothMD5Match || (lcpRatio == 1.0 && isnMatches) {
		score.ForceAccept = true
		score.Normalized = 1.0
		score.Evidence = append(score.Evidence, EvidenceForceAccept)
	}

	if !score.ForceAccept {
		md5Matches := contains(evidence, EvidenceClientMD5) || contains(evidence, EvidenceServerMD5)
		tiny := a.PacketCount <= microflowMaxPackets || b.PacketCount <= microflowMaxPackets
		if tiny && score.Normalized >= microflowMinNormalized && (isnMatches || md5Matches) {
			score.MicroflowAccept = true
			score.Evidence = append(score.Evidence, EvidenceMicroflow)
		}
	}

	return score
}

// lengthSignatureRatio is the longest-common-prefix ratio of two signed
// length sequences, clamped to [0,1] by construction.
func lengthSignatureRatio(a, b []int32) float64 {
	n := 0
	limit := len(a)
	if len(b) < limit {
		limit = len(b)
	}
	for n < limit && a[n] == b[n] {
		n++
	}
	minLen := len(a)
	if len(b) < minLen {
		minLen = len(b)
	}
	if minLen == 0 {
		return 0
	}
	return float64(n) / float64(minLen)
}

// Passes reports whether score clears policy threshold under any of the
// three acceptance paths: plain threshold, force-accept, or micro-flow.
func (s MatchScore) Passes(threshold float64) bool {
	return s.ForceAccept || s.MicroflowAccept || s.Normalized >= threshold
}

func contains(set []string, token string) bool {
	for _, t := range set {
		if t == token {
			return true
		}
	}
	return false
}
