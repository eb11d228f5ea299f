// Copyright 2025 The go-zeromq Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package config loads the configuration files of the majordomo processes.
// A file is YAML or TOML, chosen by its extension; command-line flags
// override what it sets.
package config

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"

	"github.com/destiny/majordomo/majordomo"
)

// File is the shared configuration of broker, workers and companions.
type File struct {
	Broker Broker            `yaml:"broker" toml:"broker"`
	Worker Worker            `yaml:"worker" toml:"worker"`
	Client Client            `yaml:"client" toml:"client"`
	Log    Log               `yaml:"log" toml:"log"`
	Values map[string]string `yaml:"values" toml:"values"`
}

// Broker configures the broker process
type Broker struct {
	Endpoint      string        `yaml:"endpoint" toml:"endpoint"`
	Heartbeat     time.Duration `yaml:"heartbeat" toml:"heartbeat"`
	Liveness      int           `yaml:"liveness" toml:"liveness"`
	Audit         bool          `yaml:"audit" toml:"audit"`
	LoggerService string        `yaml:"logger_service" toml:"logger_service"`
	StatsInterval time.Duration `yaml:"stats_interval" toml:"stats_interval"`
}

// Worker configures worker processes
type Worker struct {
	Service      string        `yaml:"service" toml:"service"`
	Instances    int           `yaml:"instances" toml:"instances"`
	Poll         time.Duration `yaml:"poll" toml:"poll"`
	ReconnectMax time.Duration `yaml:"reconnect_max" toml:"reconnect_max"`
}

// Client configures the one-shot client
type Client struct {
	Timeout time.Duration `yaml:"timeout" toml:"timeout"`
	Retries int           `yaml:"retries" toml:"retries"`
}

// Log configures process logging
type Log struct {
	Level   string `yaml:"level" toml:"level"`
	Console bool   `yaml:"console" toml:"console"`
	File    string `yaml:"file" toml:"file"`
}

// Default returns the configuration used when no file is given.
func Default() *File {
	return &File{
		Broker: Broker{
			Endpoint:      "tcp://127.0.0.1:5555",
			Heartbeat:     majordomo.DefaultHeartbeatInterval,
			Liveness:      majordomo.DefaultHeartbeatLiveness,
			LoggerService: string(majordomo.DefaultLoggerService),
			StatsInterval: 30 * time.Second,
		},
		Worker: Worker{
			Service:      "echo",
			Instances:    1,
			Poll:         majordomo.DefaultPollInterval,
			ReconnectMax: majordomo.DefaultReconnectMax,
		},
		Client: Client{
			Timeout: majordomo.DefaultRequestTimeout,
			Retries: majordomo.DefaultRequestRetries,
		},
		Log: Log{
			Level:   "info",
			Console: true,
		},
		Values: map[string]string{},
	}
}

// Load reads path over the defaults. An empty path returns the defaults.
func Load(path string) (*File, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}

	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".yaml", ".yml":
		dec := yaml.NewDecoder(bytes.NewReader(data))
		dec.KnownFields(true)
		if err := dec.Decode(cfg); err != nil {
			return nil, fmt.Errorf("config: parsing %s: %w", path, err)
		}
	case ".toml":
		md, err := toml.Decode(string(data), cfg)
		if err != nil {
			return nil, fmt.Errorf("config: parsing %s: %w", path, err)
		}
		if undecoded := md.Undecoded(); len(undecoded) > 0 {
			return nil, fmt.Errorf("config: %s: unknown keys %v", path, undecoded)
		}
	default:
		return nil, fmt.Errorf("config: %s: unsupported extension %q", path, ext)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config: %s: %w", path, err)
	}
	return cfg, nil
}

// Validate checks values that would make a process misbehave.
func (f *File) Validate() error {
	if f.Broker.Endpoint == "" {
		return fmt.Errorf("broker.endpoint is required")
	}
	if f.Broker.Heartbeat <= 0 {
		return fmt.Errorf("broker.heartbeat must be positive")
	}
	if f.Broker.Liveness <= 0 {
		return fmt.Errorf("broker.liveness must be positive")
	}
	if err := majordomo.ServiceName(f.Broker.LoggerService).Validate(); err != nil {
		return fmt.Errorf("broker.logger_service: %w", err)
	}
	if f.Worker.Instances < 1 {
		return fmt.Errorf("worker.instances must be at least 1")
	}
	if err := majordomo.ServiceName(f.Worker.Service).Validate(); err != nil {
		return fmt.Errorf("worker.service: %w", err)
	}
	if _, err := majordomo.ParseLogLevel(f.Log.Level); err != nil {
		return fmt.Errorf("log.level: %w", err)
	}
	return nil
}

// Heartbeat returns the broker heartbeat timing.
func (f *File) Heartbeat() majordomo.Heartbeat {
	return majordomo.Heartbeat{Interval: f.Broker.Heartbeat, Liveness: f.Broker.Liveness}
}

// Logger builds the process logger. The returned close function releases
// the log file, if any.
func (l Log) Logger() (zerolog.Logger, func() error, error) {
	level, err := majordomo.ParseLogLevel(l.Level)
	if err != nil {
		return zerolog.Nop(), nil, err
	}

	var (
		out     io.Writer = os.Stderr
		closeFn           = func() error { return nil }
	)
	if l.File != "" {
		f, err := os.OpenFile(l.File, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if err != nil {
			return zerolog.Nop(), nil, fmt.Errorf("config: log file: %w", err)
		}
		out, closeFn = f, f.Close
	}

	if l.Console && l.File == "" {
		return majordomo.NewConsoleLogger(out, level), closeFn, nil
	}
	return majordomo.NewLogger(out, level), closeFn, nil
}
