// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/DataDog/pcap-correlate/pkg/match"
)

func TestLoad_DefaultsMatchWireContract(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, match.OneToOne, cfg.Policy.MatchMode)
	assert.Equal(t, 0.6, cfg.Policy.Threshold)
	assert.Equal(t, match.BucketPort, cfg.Policy.Bucket)
	assert.Equal(t, 512, cfg.DecoderOptions.PayloadHashPrefix)
}

func TestLoad_MissingFileFallsBackToDefaults(t *testing.T) {
	cfg, err := Load("/nonexistent/path/to/config.yaml")
	require.NoError(t, err)
	assert.Equal(t, match.OneToOne, cfg.Policy.MatchMode)
}

func TestLoad_EnvOverridesDefault(t *testing.T) {
	t.Setenv("PCAP_CORRELATE_MATCH_MODE", "one-to-many")
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, match.OneToMany, cfg.Policy.MatchMode)
}

func TestLoad_InvalidPolicyIsRejected(t *testing.T) {
	t.Setenv("PCAP_CORRELATE_MATCH_THRESHOLD", "5")
	_, err := Load("")
	assert.Error(t, err)
}
