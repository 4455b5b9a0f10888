// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

// Package logx is the package-level structured logger used across
// pcap-correlate, mirroring the teacher's own pkg/util/log: a single
// installable backend behind a small set of leveled helpers, defaulting to
// a safe no-op-ish production logger so library callers never crash for
// lack of setup.
package logx

import (
	"sync"

	"go.uber.org/zap"
)

var (
	mu  sync.RWMutex
	log *zap.SugaredLogger
)

func init() {
	l, err := zap.NewProduction()
	if err != nil {
		l = zap.NewNop()
	}
	log = l.Sugar()
}

// SetLogger installs l as the package-wide logger. Intended to be called
// once, early, by cmd/pcap-correlate or by tests that want a development
// (console) encoder.
func SetLogger(l *zap.Logger) {
	mu.Lock()
	defer mu.Unlock()
	log = l.Sugar()
}

// L returns the currently installed logger.
func L() *zap.SugaredLogger {
	mu.RLock()
	defer mu.RUnlock()
	return log
}

// Debugf logs at debug level using the installed logger.
func Debugf(template string, args ...interface{}) { L().Debugf(template, args...) }

// Warnf logs at warn level using the installed logger.
func Warnf(template string, args ...interface{}) { L().Warnf(template, args...) }

// Errorf logs at error level using the installed logger.
func Errorf(template string, args ...interface{}) { L().Errorf(template, args...) }

// Infof logs at info level using the installed logger.
func Infof(template string, args ...interface{}) { L().Infof(template, args...) }
