// Copyright 2024 The ActorVM Authors
// This file is part of ActorVM.

// Package rtlog is the runtime's structured logger: a thin wrapper over
// log/slog with a single process-wide default logger and a keyed-field
// call shape, `rtlog.Info(msg, "key", value, ...)`, so call sites stay
// one line.
package rtlog

import (
	"log/slog"
	"os"
)

var std = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))

// SetDefault replaces the process-wide logger, e.g. to redirect output or
// raise the level in a host embedding this module.
func SetDefault(l *slog.Logger) { std = l }

// Debug logs msg with ctx as alternating key/value pairs.
func Debug(msg string, ctx ...any) { std.Debug(msg, ctx...) }

// Info logs msg at info level.
func Info(msg string, ctx ...any) { std.Info(msg, ctx...) }

// Warn logs msg at warn level.
func Warn(msg string, ctx ...any) { std.Warn(msg, ctx...) }

// Error logs msg at error level.
func Error(msg string, ctx ...any) { std.Error(msg, ctx...) }
