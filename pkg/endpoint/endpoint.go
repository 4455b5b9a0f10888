// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

// Package endpoint is the C6 component: it collapses a MatchSet into a
// table keyed by canonical (client_ip, server_ip, server_port) tuples,
// with a multi-signal server-side detector, per spec §4.5.
package endpoint

import (
	"sort"

	"github.com/DataDog/pcap-correlate/pkg/match"
	"github.com/DataDog/pcap-correlate/pkg/stream"
)

// Confidence grades how certain the server-side detector is.
type Confidence string

const (
	ConfidenceHigh     Confidence = "HIGH"
	ConfidenceMedium   Confidence = "MEDIUM"
	ConfidenceLow      Confidence = "LOW"
	ConfidenceVeryLow  Confidence = "VERY_LOW"
)

// wellKnownPortCeiling is the boundary below which a port is treated as
// a server well-known port for the priority-2 heuristic (spec §4.5).
const wellKnownPortCeiling = 1024

// cardinalityServerThreshold is the minimum distinct-peer count that
// triggers the priority-3 cardinality signal.
const cardinalityServerThreshold = 5

// portReuseServerThreshold is the minimum distinct-server-IP count on a
// shared port that triggers the priority-4 port-reuse signal.
const portReuseServerThreshold = 2

// portStabilityPeerThreshold is the minimum distinct peer-port count
// that triggers the priority-5 port-stability signal.
const portStabilityPeerThreshold = 2

// key is the canonical (client_ip, server_ip, server_port) identity an
// Endpoint row is aggregated under.
type key struct {
	clientIP [4]byte
	serverIP [4]byte
	port     uint16
}

// Endpoint is one aggregated row: a client talking to a server on a
// given port, with supporting-connection count and detection confidence.
type Endpoint struct {
	ClientIP   [4]byte
	ServerIP   [4]byte
	ServerPort uint16
	Count      int
	Confidence Confidence
	// DualInterpretation holds the alternate (client, server) swap when
	// Confidence is VERY_LOW and both readings were emitted (spec §4.5
	// step 6: "emit both interpretations in this case").
	DualInterpretation *Endpoint
}

// Table is the full C6 output for one MatchSet.
type Table struct {
	Endpoints []Endpoint
}

// evidence accumulated per physical (ip, port) to run the priority
// cascade of spec §4.5.
type sideEvidence struct {
	sawSYN        bool // this side sent a bare SYN at least once
	peerIPs       map[[4]byte]struct{}
	peerPorts     map[uint16]struct{}
}

func newSideEvidence() *sideEvidence {
	return &sideEvidence{peerIPs: map[[4]byte]struct{}{}, peerPorts: map[uint16]struct{}{}}
}

// physical identifies one (ip, port) observed as either side of a
// connection, independent of the extractor's client/server fingerprint
// assignment — C6 re-derives server-side from aggregate signals.
type physical struct {
	ip   [4]byte
	port uint16
}

// Build runs C6 over every Connection referenced by ms.Matches (both A
// and B sides are aggregated independently, since they belong to
// different captures and therefore different physical topologies).
func Build(ms *match.MatchSet) *Table {
	connsA := make([]stream.Connection, 0, len(ms.Matches))
	connsB := make([]stream.Connection, 0, len(ms.Matches))
	for _, m := range ms.Matches {
		connsA = append(connsA, m.A)
		connsB = append(connsB, m.B)
	}

	table := &Table{}
	table.Endpoints = append(table.Endpoints, buildSide(connsA)...)
	table.Endpoints = append(table.Endpoints, buildSide(connsB)...)
	sort.Slice(table.Endpoints, func(i, j int) bool {
		a, b := table.Endpoints[i], table.Endpoints[j]
		if a.ServerIP != b.ServerIP {
			return lessIP(a.ServerIP, b.ServerIP)
		}
		if a.ServerPort != b.ServerPort {
			return a.ServerPort < b.ServerPort
		}
		return lessIP(a.ClientIP, b.ClientIP)
	})
	return table
}

func buildSide(conns []stream.Connection) []Endpoint {
	if len(conns) == 0 {
		return nil
	}

	evidence := map[physical]*sideEvidence{}
	ensure := func(p physical) *sideEvidence {
		e, ok := evidence[p]
		if !ok {
			e = newSideEvidence()
			evidence[p] = e
		}
		return e
	}

	// portReuse tracks, per port, the set of distinct IPs seen on that
	// port across the whole side — needed for priority-4.
	portReuse := map[uint16]map[[4]byte]struct{}{}

	type pair struct {
		clientPhys, serverPhys physical
		sawClientSYN           bool
	}
	var pairs []pair

	for _, c := range conns {
		clientPhys := physical{ip: c.ClientIP, port: c.ClientPort}
		serverPhys := physical{ip: c.ServerIP, port: c.ServerPort}

		ensure(clientPhys).peerIPs[c.ServerIP] = struct{}{}
		ensure(clientPhys).peerPorts[c.ServerPort] = struct{}{}
		ensure(serverPhys).peerIPs[c.ClientIP] = struct{}{}
		ensure(serverPhys).peerPorts[c.ClientPort] = struct{}{}

		if _, ok := portReuse[c.ServerPort]; !ok {
			portReuse[c.ServerPort] = map[[4]byte]struct{}{}
		}
		portReuse[c.ServerPort][c.ServerIP] = struct{}{}

		sawClientSYN := c.ClientISN != nil
		if sawClientSYN {
			ensure(clientPhys).sawSYN = true
		}

		pairs = append(pairs, pair{clientPhys: clientPhys, serverPhys: serverPhys, sawClientSYN: sawClientSYN})
	}

	agg := map[key]*Endpoint{}
	dualAgg := map[key]*Endpoint{}

	for _, p := range pairs {
		serverSide, conf, dual := detectServerSide(p.clientPhys, p.serverPhys, p.sawClientSYN, evidence, portReuse)

		k := key{clientIP: otherOf(p, serverSide).ip, serverIP: serverSide.ip, port: serverSide.port}
		e, ok := agg[k]
		if !ok {
			e = &Endpoint{ClientIP: k.clientIP, ServerIP: k.serverIP, ServerPort: k.port, Confidence: conf}
			agg[k] = e
		}
		e.Count++
		if confidenceRank(conf) > confidenceRank(e.Confidence) {
			e.Confidence = conf
		}

		if dual != nil {
			dk := key{clientIP: dual.ClientIP, serverIP: dual.ServerIP, port: dual.ServerPort}
			de, found := dualAgg[dk]
			if !found {
				dCopy := *dual
				de = &dCopy
				dualAgg[dk] = de
			}
			de.Count++
			e.DualInterpretation = de
		}
	}

	out := make([]Endpoint, 0, len(agg))
	for _, e := range agg {
		out = append(out, *e)
	}
	return out
}

func otherOf(p struct {
	clientPhys, serverPhys physical
	sawClientSYN           bool
}, serverSide physical) physical {
	if serverSide == p.clientPhys {
		return p.serverPhys
	}
	return p.clientPhys
}

// detectServerSide runs the priority cascade of spec §4.5 and returns the
// chosen server-side physical endpoint, its confidence, and — on
// VERY_LOW — the alternate interpretation as a fully-formed Endpoint.
func detectServerSide(clientPhys, serverPhys physical, sawClientSYN bool, evidence map[physical]*sideEvidence, portReuse map[uint16]map[[4]byte]struct{}) (physical, Confidence, *Endpoint) {
	// Priority 1: SYN direction, if observed. The fingerprint's notion of
	// "client" already reflects the bare-SYN sender when one was seen.
	if sawClientSYN {
		return serverPhys, ConfidenceHigh, nil
	}

	// Priority 2: well-known port heuristic.
	clientWellKnown := clientPhys.port < wellKnownPortCeiling
	serverWellKnown := serverPhys.port < wellKnownPortCeiling
	if serverWellKnown && !clientWellKnown {
		return serverPhys, ConfidenceHigh, nil
	}
	if clientWellKnown && !serverWellKnown {
		return clientPhys, ConfidenceHigh, nil
	}

	serverEv := evidence[serverPhys]
	clientEv := evidence[clientPhys]

	cardinalityServer := serverEv != nil && len(serverEv.peerIPs) >= cardinalityServerThreshold && len(clientEv.peerIPs) < 2
	cardinalityClient := clientEv != nil && len(clientEv.peerIPs) >= cardinalityServerThreshold && len(serverEv.peerIPs) < 2

	portReuseServer := len(portReuse[serverPhys.port]) >= portReuseServerThreshold && len(clientEv.peerIPs) < 2
	portReuseClient := len(portReuse[clientPhys.port]) >= portReuseServerThreshold && len(serverEv.peerIPs) < 2

	// Priority 3 + 4 combined: when cardinality and port-reuse agree on
	// the same side, confidence is upgraded to HIGH (spec §4.5 "Signals
	// are combined").
	if cardinalityServer && portReuseServer {
		return serverPhys, ConfidenceHigh, nil
	}
	if cardinalityClient && portReuseClient {
		return clientPhys, ConfidenceHigh, nil
	}
	if cardinalityServer {
		return serverPhys, ConfidenceHigh, nil
	}
	if cardinalityClient {
		return clientPhys, ConfidenceHigh, nil
	}
	if portReuseServer {
		return serverPhys, ConfidenceMedium, nil
	}
	if portReuseClient {
		return clientPhys, ConfidenceMedium, nil
	}

	// Priority 5: port stability — a given (ip,port) connecting to >=2
	// distinct peer ports.
	serverStable := serverEv != nil && len(serverEv.peerPorts) >= portStabilityPeerThreshold
	clientStable := clientEv != nil && len(clientEv.peerPorts) >= portStabilityPeerThreshold
	if serverStable && !clientStable {
		return serverPhys, ConfidenceMedium, nil
	}
	if clientStable && !serverStable {
		return clientPhys, ConfidenceMedium, nil
	}

	// Priority 6: port-magnitude fallback; emit both interpretations.
	chosen := serverPhys
	other := clientPhys
	if clientPhys.port < serverPhys.port {
		chosen, other = clientPhys, serverPhys
	}
	dual := &Endpoint{ClientIP: chosen.ip, ServerIP: other.ip, ServerPort: other.port, Confidence: ConfidenceVeryLow}
	return chosen, ConfidenceVeryLow, dual
}

func confidenceRank(c Confidence) int {
	switch c {
	case ConfidenceHigh:
		return 4
	case ConfidenceMedium:
		return 3
	case ConfidenceLow:
		return 2
	default:
		return 1
	}
}

func lessIP(a, b [4]byte) bool {
	for i := range a {
		if a[i] != b[i] {
			return a[i] < b[i]
		}
	}
	return false
}
