// Copyright 2018 The go-zeromq Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package majordomo

import (
	"fmt"
	"io"
	"log"
	"os"
	"strings"

	"github.com/rs/zerolog"
)

// LogLevel represents different logging levels
type LogLevel int

const (
	LogLevelError LogLevel = iota
	LogLevelWarn
	LogLevelInfo
	LogLevelDebug
	LogLevelTrace
)

// String returns the string representation of the log level
func (l LogLevel) String() string {
	switch l {
	case LogLevelError:
		return "ERROR"
	case LogLevelWarn:
		return "WARN"
	case LogLevelInfo:
		return "INFO"
	case LogLevelDebug:
		return "DEBUG"
	case LogLevelTrace:
		return "TRACE"
	default:
		return "UNKNOWN"
	}
}

// ParseLogLevel accepts the level names case-insensitively.
func ParseLogLevel(s string) (LogLevel, error) {
	for l := LogLevelError; l <= LogLevelTrace; l++ {
		if strings.EqualFold(s, l.String()) {
			return l, nil
		}
	}
	if strings.EqualFold(s, "warning") {
		return LogLevelWarn, nil
	}
	return LogLevelError, fmt.Errorf("mdp: unknown log level %q", s)
}

func (l LogLevel) zerolog() zerolog.Level {
	switch l {
	case LogLevelError:
		return zerolog.ErrorLevel
	case LogLevelWarn:
		return zerolog.WarnLevel
	case LogLevelInfo:
		return zerolog.InfoLevel
	case LogLevelDebug:
		return zerolog.DebugLevel
	default:
		return zerolog.TraceLevel
	}
}

// NewLogger creates a timestamped logger writing JSON lines to w.
func NewLogger(w io.Writer, level LogLevel) zerolog.Logger {
	return zerolog.New(w).Level(level.zerolog()).With().Timestamp().Logger()
}

// NewConsoleLogger creates a human readable logger for terminals.
func NewConsoleLogger(w io.Writer, level LogLevel) zerolog.Logger {
	return NewLogger(zerolog.ConsoleWriter{Out: w}, level)
}

// DefaultLogger writes warnings and errors to stderr.
func DefaultLogger() zerolog.Logger {
	return NewLogger(os.Stderr, LogLevelWarn)
}

// DevNullLogger discards all output.
func DevNullLogger() zerolog.Logger {
	return zerolog.Nop()
}

// transportLogger routes the zmtp layer's own diagnostics through l.
func transportLogger(l zerolog.Logger) *log.Logger {
	return log.New(l.With().Str("layer", "zmtp").Logger(), "", 0)
}
