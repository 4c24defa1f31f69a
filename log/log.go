// Copyright (c) 2024 flowcapture authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

// Package log is the ambient logging surface used throughout flowcapture.
// It wraps a zap.SugaredLogger behind the printf-style call shape the
// rest of the module is written against (I/D/W/E/VV), so call sites
// never touch zap's structured-field API directly.
package log

import (
	"sync"
	"sync/atomic"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

type LogLevel int32

const (
	VERBOSE LogLevel = iota
	DEBUG
	INFO
	WARN
	ERROR
)

var (
	mu     sync.Mutex
	base   *zap.Logger
	sugar  *zap.SugaredLogger
	level  atomic.Int32
)

func init() {
	level.Store(int32(INFO))
	base, _ = zap.NewProduction()
	if base == nil {
		base = zap.NewNop()
	}
	sugar = base.Sugar()
}

func zapLevel(l LogLevel) zapcore.Level {
	switch l {
	case VERBOSE, DEBUG:
		return zapcore.DebugLevel
	case INFO:
		return zapcore.InfoLevel
	case WARN:
		return zapcore.WarnLevel
	default:
		return zapcore.ErrorLevel
	}
}

// SetLevel adjusts the minimum level that reaches the sink.
func SetLevel(l LogLevel) {
	mu.Lock()
	defer mu.Unlock()

	level.Store(int32(l))
	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(zapLevel(l))
	if nb, err := cfg.Build(); err == nil {
		base = nb
		sugar = base.Sugar()
	}
}

func enabled(l LogLevel) bool {
	return int32(l) >= level.Load()
}

// VV is trace-level: the verbose-within-verbose calls the teacher
// reserves for high-frequency per-packet diagnostics.
func VV(tpl string, args ...any) {
	if enabled(VERBOSE) {
		sugar.Debugf(tpl, args...)
	}
}

func D(tpl string, args ...any) {
	if enabled(DEBUG) {
		sugar.Debugf(tpl, args...)
	}
}

func I(tpl string, args ...any) {
	if enabled(INFO) {
		sugar.Infof(tpl, args...)
	}
}

func W(tpl string, args ...any) {
	if enabled(WARN) {
		sugar.Warnf(tpl, args...)
	}
}

func E(tpl string, args ...any) {
	if enabled(ERROR) {
		sugar.Errorf(tpl, args...)
	}
}

// Sync flushes the underlying sink; call on shutdown.
func Sync() error {
	mu.Lock()
	defer mu.Unlock()
	return base.Sync()
}
