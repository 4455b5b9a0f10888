// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

package export

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"strings"

	"github.com/DataDog/pcap-correlate/pkg/match"
	"github.com/DataDog/pcap-correlate/pkg/topology"
)

// Node type constants for kase_<id>_topological_graph.type, per spec §6.
const (
	NodeTypeClient          = topology.NodeTypeClient
	NodeTypeServer          = topology.NodeTypeServer
	NodeTypeNetDeviceClient = topology.NodeTypeNetDeviceClient
	NodeTypeNetDeviceServer = topology.NodeTypeNetDeviceServer
)

// ext is the minimal sqlx surface DBWriter depends on, satisfied by both
// *sqlx.DB and *sqlx.Tx, and trivially mockable in tests without a live
// database.
type ext interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
}

// DBWriter inserts MatchSet and topology rows into the per-case tables
// named in spec.md §6. It does not own table DDL; callers are expected to
// have already created kase_<id>_tcp_stream_extra and
// kase_<id>_topological_graph against the consumed schema.
type DBWriter struct {
	db    ext
	caseID string
}

// NewDBWriter builds a DBWriter targeting the tables for caseID.
func NewDBWriter(db ext, caseID string) *DBWriter {
	return &DBWriter{db: db, caseID: caseID}
}

func (w *DBWriter) streamExtraTable() string {
	return fmt.Sprintf("kase_%s_tcp_stream_extra", w.caseID)
}

func (w *DBWriter) topologyTable() string {
	return fmt.Sprintf("kase_%s_topological_graph", w.caseID)
}

// WriteMatchSet inserts one row per ConnectionMatch into
// kase_<id>_tcp_stream_extra. evidence_text is the ";"-joined evidence
// tokens. tcp_flags_different_text (SYN options) and
// seq_num_different_text (client ISN) hold the A and B values hex-encoded
// and ";"-joined when they differ, or "" when they are equal; all are
// strings rather than arrays, per spec §6's "text fields... are
// ;-separated strings, not arrays".
func (w *DBWriter) WriteMatchSet(ctx context.Context, ms *match.MatchSet) error {
	query := fmt.Sprintf(`INSERT INTO %s
		(stream_id_1, stream_id_2, normalized_score, raw_score, evidence_text,
		 tcp_flags_different_text, seq_num_different_text, force_accept, microflow_accept)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`, w.streamExtraTable())

	for _, m := range ms.Matches {
		diffFlags := differenceText(m.A.SynOptions, m.B.SynOptions)
		diffSeq := differenceText(isnBytes(m.A.ClientISN), isnBytes(m.B.ClientISN))

		if _, err := w.db.ExecContext(ctx, query,
			m.A.StreamID, m.B.StreamID,
			m.Score.Normalized, m.Score.Raw, strings.Join(m.Score.Evidence, ";"),
			diffFlags, diffSeq, m.Score.ForceAccept, m.Score.MicroflowAccept,
		); err != nil {
			return fmt.Errorf("export: insert into %s: %w", w.streamExtraTable(), err)
		}
	}
	return nil
}

// WriteTopology inserts one row per topology.PairResult into
// kase_<id>_topological_graph, plus the network-device placeholder nodes
// spec §4.4 calls for when hop count >= 1 on the relevant side. net_area
// is written as a comma-joined integer list column, per spec §6.
func (w *DBWriter) WriteTopology(ctx context.Context, report *topology.Report) error {
	query := fmt.Sprintf(`INSERT INTO %s
		(stream_id_1, stream_id_2, type, net_area, server_delta, client_delta, nat_conflict)
		VALUES (?, ?, ?, ?, ?, ?, ?)`, w.topologyTable())

	for _, pair := range report.Pairs {
		nodeType := NodeTypeServer
		netArea := pair.NetAreaServerA
		if pair.Position == topology.BCloserToClient {
			nodeType = NodeTypeClient
			netArea = pair.NetAreaClientB
		}

		if _, err := w.db.ExecContext(ctx, query,
			pair.Match.StreamIDA, pair.Match.StreamIDB,
			nodeType, joinInts(netArea), pair.ServerDelta, pair.ClientDelta, pair.NATConflict,
		); err != nil {
			return fmt.Errorf("export: insert into %s: %w", w.topologyTable(), err)
		}

		if pair.NetDeviceClientSide {
			if err := w.insertNetDevice(ctx, query, pair, NodeTypeNetDeviceClient); err != nil {
				return err
			}
		}
		if pair.NetDeviceServerSide {
			if err := w.insertNetDevice(ctx, query, pair, NodeTypeNetDeviceServer); err != nil {
				return err
			}
		}
	}
	return nil
}

func (w *DBWriter) insertNetDevice(ctx context.Context, query string, pair topology.PairResult, nodeType int) error {
	_, err := w.db.ExecContext(ctx, query,
		pair.Match.StreamIDA, pair.Match.StreamIDB,
		nodeType, "", pair.ServerDelta, pair.ClientDelta, pair.NATConflict,
	)
	if err != nil {
		return fmt.Errorf("export: insert net-device row into %s: %w", w.topologyTable(), err)
	}
	return nil
}

func differenceText(a, b []byte) string {
	if string(a) == string(b) {
		return ""
	}
	return fmt.Sprintf("%x;%x", a, b)
}

func isnBytes(isn *uint32) []byte {
	if isn == nil {
		return nil
	}
	return []byte(strconv.FormatUint(uint64(*isn), 10))
}

func joinInts(vals []int) string {
	if len(vals) == 0 {
		return ""
	}
	parts := make([]string, len(vals))
	for i, v := range vals {
		parts[i] = strconv.Itoa(v)
	}
	return strings.Join(parts, ",")
}
