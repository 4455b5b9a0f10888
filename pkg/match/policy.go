// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

// Package match is the C4 component: it scores Connection x Connection
// pairs across two captures, applies mandatory gates, and resolves either
// an injective one-to-one assignment or a one-to-many assignment, per
// spec §4.3.
package match

import (
	"fmt"

	"github.com/DataDog/pcap-correlate/pkg/correrr"
)

// Mode selects the assignment strategy of §4.3.4.
type Mode string

const (
	OneToOne  Mode = "one-to-one"
	OneToMany Mode = "one-to-many"
)

// BucketStrategy selects the candidate pre-partitioning of §4.3.3.
type BucketStrategy string

const (
	BucketNone   BucketStrategy = "none"
	BucketServer BucketStrategy = "server"
	BucketPort   BucketStrategy = "port"
)

// Policy configures one matcher run.
type Policy struct {
	MatchMode Mode
	Threshold float64
	Bucket    BucketStrategy
	// RequireTimeOverlap is honored as given in OneToOne mode; OneToMany
	// always requires time overlap regardless of this field, per §4.3.4.
	RequireTimeOverlap bool
}

// DefaultPolicy returns a conservative one-to-one policy.
func DefaultPolicy() Policy {
	return Policy{
		MatchMode: OneToOne,
		Threshold: 0.6,
		Bucket:    BucketPort,
	}
}

// Validate rejects policy combinations that are not meaningful, per
// spec §7's "invalid argument" error kind.
func (p Policy) Validate() error {
	if p.Threshold < 0 || p.Threshold > 1 {
		return correrr.Wrap(correrr.ErrInvalidArgument, fmt.Errorf("threshold must be within [0,1], got %v", p.Threshold))
	}
	switch p.MatchMode {
	case OneToOne, OneToMany:
	default:
		return correrr.Wrap(correrr.ErrInvalidArgument, fmt.Errorf("unknown match mode %q", p.MatchMode))
	}
	switch p.Bucket {
	case BucketNone, BucketServer, BucketPort:
	default:
		return correrr.Wrap(correrr.ErrInvalidArgument, fmt.Errorf("unknown bucket strategy %q", p.Bucket))
	}
	return nil
}
