// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

package main

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHashCommand_ReferenceVector(t *testing.T) {
	cmd := newHashCommand()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"8.67.2.125", "26302", "8.42.96.45", "35101"})

	require.NoError(t, cmd.Execute())
	assert.True(t, strings.HasPrefix(out.String(), "-1173584886679544929\t"))
}

func TestHashCommand_InvalidIPReturnsError(t *testing.T) {
	cmd := newHashCommand()
	cmd.SetArgs([]string{"not-an-ip", "1", "1.2.3.4", "2"})
	cmd.SilenceUsage = true
	cmd.SilenceErrors = true
	assert.Error(t, cmd.Execute())
}

func TestHashCommand_InvalidPortReturnsError(t *testing.T) {
	cmd := newHashCommand()
	cmd.SetArgs([]string{"1.2.3.4", "notaport", "1.2.3.5", "2"})
	cmd.SilenceUsage = true
	cmd.SilenceErrors = true
	assert.Error(t, cmd.Execute())
}

func TestExitCodeFor(t *testing.T) {
	assert.Equal(t, 0, exitCodeFor(nil))
	assert.Equal(t, 1, exitCodeFor(assertAnError{}))
}

type assertAnError struct{}

func (assertAnError) Error() string { return "boom" }
