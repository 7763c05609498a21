// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package log builds the structured loggers used across the runtime and
// fixes the field vocabulary that host, scheduler, and store lines share:
// every logger is bound to a component, and the helpers below are the
// only way runtime code spells instance, activity, bookmark, and
// operation fields.
package log

import (
	"io"
	"log/slog"
	"os"
	"strings"
	"time"
)

// Field keys shared across the runtime. Components must use these helpers
// rather than ad-hoc key strings so lines from the host, the scheduler,
// and the stores correlate.
const (
	// ComponentKey identifies which part of the runtime emitted the line.
	ComponentKey = "component"
	// InstanceIDKey is the field key for workflow instance identifiers.
	InstanceIDKey = "instance_id"
	// ActivityKey is the field key for activity display names.
	ActivityKey = "activity"
	// ActivityIDKey is the field key for activity ids within a root.
	ActivityIDKey = "activity_id"
	// BookmarkKey is the field key for bookmark names.
	BookmarkKey = "bookmark"
	// OperationKey is the field key for host operation names.
	OperationKey = "operation"
	// DurationKey is the field key for durations in milliseconds.
	DurationKey = "duration_ms"
	// EventKey is the field key for lifecycle event types.
	EventKey = "event"
)

// Config holds the logging configuration. The zero value logs JSON at
// info level to stderr.
type Config struct {
	// Level is the minimum level: debug, info, warn, or error.
	Level string

	// Format is "json" or "text".
	Format string

	// Output defaults to os.Stderr.
	Output io.Writer

	// AddSource adds source file and line information to logs.
	AddSource bool
}

// FromEnv reads BATON_LOG_LEVEL and BATON_LOG_FORMAT.
func FromEnv() Config {
	return Config{
		Level:  os.Getenv("BATON_LOG_LEVEL"),
		Format: os.Getenv("BATON_LOG_FORMAT"),
	}
}

// New builds the logger for one runtime component. The component name is
// stamped on every line; pass "" for a bare logger.
func New(component string, cfg Config) *slog.Logger {
	out := cfg.Output
	if out == nil {
		out = os.Stderr
	}

	opts := &slog.HandlerOptions{
		Level:     levelFor(cfg.Level),
		AddSource: cfg.AddSource,
	}

	var handler slog.Handler
	if strings.EqualFold(cfg.Format, "text") {
		handler = slog.NewTextHandler(out, opts)
	} else {
		handler = slog.NewJSONHandler(out, opts)
	}

	logger := slog.New(handler)
	if component != "" {
		logger = logger.With(slog.String(ComponentKey, component))
	}
	return logger
}

// levelFor parses a level name, defaulting to info. slog's own text
// parser accepts the debug/info/warn/error spellings and +N offsets.
func levelFor(name string) slog.Level {
	if name == "" {
		return slog.LevelInfo
	}
	var level slog.Level
	if err := level.UnmarshalText([]byte(strings.ToLower(name))); err != nil {
		return slog.LevelInfo
	}
	return level
}

// ForInstance binds a logger to one workflow instance.
func ForInstance(logger *slog.Logger, instanceID string) *slog.Logger {
	return logger.With(slog.String(InstanceIDKey, instanceID))
}

// Operation returns the attr for a host operation name.
func Operation(name string) slog.Attr {
	return slog.String(OperationKey, name)
}

// Bookmark returns the attr for a bookmark name.
func Bookmark(name string) slog.Attr {
	return slog.String(BookmarkKey, name)
}

// Event returns the attr for a lifecycle event type.
func Event(name string) slog.Attr {
	return slog.String(EventKey, name)
}

// Elapsed returns the duration attr in milliseconds.
func Elapsed(d time.Duration) slog.Attr {
	return slog.Int64(DurationKey, d.Milliseconds())
}

// Error returns the error attr.
func Error(err error) slog.Attr {
	return slog.Any("error", err)
}
