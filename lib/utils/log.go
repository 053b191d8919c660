// BiometricFlow-ZK
// Copyright (C) 2025 BiometricFlow-ZK contributors
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <http://www.gnu.org/licenses/>.

// Package utils holds small helpers shared by the services: logger setup,
// caller address extraction and date parsing.
package utils

import (
	"io"
	"log/slog"
	"os"

	"github.com/gravitational/trace"
)

// InitLogger configures the default slog logger for daemon use.
// Severity is one of "debug", "info", "warn", "error"; format is
// "text" or "json".
func InitLogger(severity, format string) error {
	var level slog.Level
	if err := level.UnmarshalText([]byte(severity)); err != nil {
		return trace.BadParameter("unsupported log severity %q", severity)
	}
	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	switch format {
	case "", "text":
		handler = slog.NewTextHandler(os.Stderr, opts)
	case "json":
		handler = slog.NewJSONHandler(os.Stderr, opts)
	default:
		return trace.BadParameter("unsupported log format %q", format)
	}
	slog.SetDefault(slog.New(handler))
	return nil
}

// InitLoggerForTests discards log output unless VERBOSE_TESTS is set.
func InitLoggerForTests() {
	w := io.Discard
	level := slog.LevelDebug
	if os.Getenv("VERBOSE_TESTS") == "" {
		slog.SetDefault(slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: level})))
		return
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))
}
