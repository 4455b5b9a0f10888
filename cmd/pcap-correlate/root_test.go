// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

package main

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewRootCommand_HasExpectedSubcommands(t *testing.T) {
	root := newRootCommand()
	names := map[string]bool{}
	for _, c := range root.Commands() {
		names[c.Name()] = true
	}
	assert.True(t, names["correlate"])
	assert.True(t, names["hash"])
}

func TestNewRootCommand_VerboseFlagConfiguresLogger(t *testing.T) {
	root := newRootCommand()
	root.SetArgs([]string{"hash", "--verbose", "1.2.3.4", "1", "1.2.3.5", "2"})
	root.SilenceUsage = true
	require.NoError(t, root.Execute())
}
