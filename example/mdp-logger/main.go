// Copyright 2025 The go-zeromq Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Example audit logger. It registers the "logger" service and writes every
// audit record it receives as a JSON line.
package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/spf13/pflag"

	"github.com/destiny/majordomo/internal/config"
	"github.com/destiny/majordomo/majordomo"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "mdp-logger: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var (
		configPath = pflag.String("config", "", "configuration file (.yaml or .toml)")
		endpoint   = pflag.String("endpoint", "", "broker endpoint")
		output     = pflag.String("output", "", "file receiving audit records (default stdout)")
	)
	pflag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		return err
	}
	if *endpoint != "" {
		cfg.Broker.Endpoint = *endpoint
	}

	logger, closeLog, err := cfg.Log.Logger()
	if err != nil {
		return err
	}
	defer closeLog()

	var out io.Writer = os.Stdout
	if *output != "" {
		f, err := os.OpenFile(*output, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if err != nil {
			return err
		}
		defer f.Close()
		out = f
	}
	records := zerolog.New(out).With().Timestamp().Logger()

	handler := majordomo.BodyHandler(func(_ context.Context, body [][]byte) ([][]byte, error) {
		record, err := majordomo.ParseAuditRequest(body)
		if err != nil {
			return nil, err
		}
		records.Log().
			Str("event", record.Event).
			Str("origin", record.Origin).
			Str("target", record.Target).
			Str("service", record.Service.String()).
			Int("frames", len(record.Frames)).
			Msg("")
		return [][]byte{[]byte("logged")}, nil
	})

	options := majordomo.DefaultWorkerOptions()
	options.Heartbeat = cfg.Heartbeat()
	options.Logger = logger

	worker, err := majordomo.NewWorker(majordomo.ServiceName(cfg.Broker.LoggerService), cfg.Broker.Endpoint, handler, options)
	if err != nil {
		return err
	}
	if err := worker.Start(); err != nil {
		return err
	}
	logger.Info().Str("service", cfg.Broker.LoggerService).Msg("audit logger running")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	select {
	case <-ctx.Done():
	case <-worker.Done():
		logger.Warn().Msg("broker disconnected the audit logger")
	}
	return worker.Stop()
}
