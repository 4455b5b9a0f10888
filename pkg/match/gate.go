// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

package match

import "github.com/DataDog/pcap-correlate/pkg/stream"

// portPairEqual is the mandatory 3-tuple gate of spec §4.3.1: NAT/LBs
// rewrite IPs but not ports in the common case, so the unordered port
// pair is the only IP-free identity that survives a capture-point hop.
func portPairEqual(a, b *stream.Connection) bool {
	aLo, aHi := a.PortPair()
	bLo, bHi := b.PortPair()
	return aLo == bLo && aHi == bHi
}

// ipidOverlap is the mandatory IPID gate of spec §4.3.1.
func ipidOverlap(a, b *stream.Connection) bool {
	return stream.IPIDIntersects(a.IPIDSet, b.IPIDSet)
}

// timeOverlap reports whether a and b's [first,last] capture-timestamp
// intervals intersect, the optional (one-to-many mandatory) gate.
func timeOverlap(a, b *stream.Connection) bool {
	return a.FirstPacketTimeUs <= b.LastPacketTimeUs && b.FirstPacketTimeUs <= a.LastPacketTimeUs
}

// gate runs the mandatory gates in order and returns ("", true) if all
// pass, or (failureToken, false) on the first gate that fails.
func gate(a, b *stream.Connection, requireTimeOverlap bool) (string, bool) {
	if !portPairEqual(a, b) {
		return EvidenceNo3Tuple, false
	}
	if !ipidOverlap(a, b) {
		return EvidenceNoIPID, false
	}
	if requireTimeOverlap && !timeOverlap(a, b) {
		return EvidenceNoTimeOverlap, false
	}
	return "", true
}
