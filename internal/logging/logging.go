// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package logging provides a structured, component-scoped logger used
// throughout aegis. It wraps log/slog so every subsystem logs with a
// consistent "component" field, in the same key-value idiom the node's
// HTTP, fast-path, and control-plane packages already expect
// (logger.Info("msg", "k", v)).
package logging

import (
	"log/slog"
	"os"
	"sync"
)

// Logger is a thin wrapper around *slog.Logger that remembers the
// component name it was created for.
type Logger struct {
	slog      *slog.Logger
	component string
}

var (
	baseMu  sync.RWMutex
	base    *slog.Logger = slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	cachers               = map[string]*Logger{}
)

// Configure replaces the process-wide base handler. Call once at startup
// after the configuration file has been loaded.
func Configure(level slog.Level, json bool) {
	baseMu.Lock()
	defer baseMu.Unlock()

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if json {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	} else {
		handler = slog.NewTextHandler(os.Stderr, opts)
	}
	base = slog.New(handler)
	cachers = map[string]*Logger{}
}

// WithComponent returns the cached logger for the given component name,
// creating it on first use.
func WithComponent(component string) *Logger {
	baseMu.RLock()
	if l, ok := cachers[component]; ok {
		baseMu.RUnlock()
		return l
	}
	baseMu.RUnlock()

	baseMu.Lock()
	defer baseMu.Unlock()
	if l, ok := cachers[component]; ok {
		return l
	}
	l := &Logger{slog: base.With("component", component), component: component}
	cachers[component] = l
	return l
}

func (l *Logger) Debug(msg string, args ...any) { l.slog.Debug(msg, args...) }
func (l *Logger) Info(msg string, args ...any)  { l.slog.Info(msg, args...) }
func (l *Logger) Warn(msg string, args ...any)  { l.slog.Warn(msg, args...) }
func (l *Logger) Error(msg string, args ...any) { l.slog.Error(msg, args...) }

// With returns a child logger with additional structured fields attached.
func (l *Logger) With(args ...any) *Logger {
	return &Logger{slog: l.slog.With(args...), component: l.component}
}
