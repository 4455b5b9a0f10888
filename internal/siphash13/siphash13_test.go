// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

package siphash13

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSum64_Deterministic(t *testing.T) {
	a := Sum64(0, 0, []byte("the quick brown fox"))
	b := Sum64(0, 0, []byte("the quick brown fox"))
	assert.Equal(t, a, b)
}

func TestSum64_KeySensitive(t *testing.T) {
	a := Sum64(0, 0, []byte("payload"))
	b := Sum64(1, 0, []byte("payload"))
	assert.NotEqual(t, a, b)
}

func TestSum64_EmptyInput(t *testing.T) {
	assert.NotPanics(t, func() {
		Sum64(0, 0, nil)
	})
}

func TestSum64_LengthBoundaries(t *testing.T) {
	for n := 0; n <= 17; n++ {
		p := make([]byte, n)
		for i := range p {
			p[i] = byte(i + 1)
		}
		assert.NotPanics(t, func() {
			Sum64(1234, 5678, p)
		})
	}
}
