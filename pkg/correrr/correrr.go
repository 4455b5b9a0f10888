// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

// Package correrr holds the small set of tagged sentinel errors the core
// uses for its two fatal error kinds. Recoverable conditions (gate
// failures, empty results, schema-mismatch drops) are never represented as
// errors; they are carried in data per spec §7.
package correrr

import "errors"

// ErrDecoderFatal tags a malformed capture file that aborts the pipeline.
var ErrDecoderFatal = errors.New("pcap-correlate: fatal decoder error")

// ErrInvalidArgument tags a caller error: an IPv6 address handed to the
// flow-hash contract, a negative threshold, an unsatisfiable policy
// combination.
var ErrInvalidArgument = errors.New("pcap-correlate: invalid argument")

// ErrSchemaMismatch tags a serialized MatchSet entry whose stream-ids do
// not exist in the captures it is being loaded against. Loading still
// succeeds with the valid subset; this sentinel is for logging, not for
// aborting the load.
var ErrSchemaMismatch = errors.New("pcap-correlate: schema mismatch")

// Wrap ties a lower-level error to one of the sentinels above so callers
// can recover the kind with errors.Is while keeping the underlying detail.
func Wrap(sentinel error, detail error) error {
	if detail == nil {
		return sentinel
	}
	return &tagged{sentinel: sentinel, detail: detail}
}

type tagged struct {
	sentinel error
	detail   error
}

func (t *tagged) Error() string {
	return t.sentinel.Error() + ": " + t.detail.Error()
}

func (t *tagged) Unwrap() error {
	return t.detail
}

func (t *tagged) Is(target error) bool {
	return target == t.sentinel
}
