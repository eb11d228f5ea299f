// Copyright 2018 The go-zeromq Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Example Majordomo broker
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/pflag"

	"github.com/destiny/majordomo/internal/config"
	"github.com/destiny/majordomo/majordomo"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "mdp-broker: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var (
		configPath = pflag.String("config", "", "configuration file (.yaml or .toml)")
		endpoint   = pflag.String("endpoint", "", "endpoint to bind, e.g. tcp://*:5555")
		heartbeat  = pflag.Duration("heartbeat", 0, "heartbeat interval")
		liveness   = pflag.Int("liveness", 0, "missed heartbeats before a worker expires")
		audit      = pflag.Bool("audit", false, "forward routing events to the logger service")
		logLevel   = pflag.String("log-level", "", "error, warn, info, debug or trace")
	)
	pflag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		return err
	}
	if *endpoint != "" {
		cfg.Broker.Endpoint = *endpoint
	}
	if *heartbeat > 0 {
		cfg.Broker.Heartbeat = *heartbeat
	}
	if *liveness > 0 {
		cfg.Broker.Liveness = *liveness
	}
	if pflag.CommandLine.Changed("audit") {
		cfg.Broker.Audit = *audit
	}
	if *logLevel != "" {
		cfg.Log.Level = *logLevel
	}

	logger, closeLog, err := cfg.Log.Logger()
	if err != nil {
		return err
	}
	defer closeLog()

	options := majordomo.DefaultBrokerOptions()
	options.Heartbeat = cfg.Heartbeat()
	options.LoggerService = majordomo.ServiceName(cfg.Broker.LoggerService)
	options.Logger = logger

	var sink *majordomo.LoggerSink
	if cfg.Broker.Audit {
		sinkOptions := majordomo.DefaultLoggerSinkOptions()
		sinkOptions.Service = options.LoggerService
		sinkOptions.Logger = logger
		sink = majordomo.NewLoggerSink(connectEndpoint(cfg.Broker.Endpoint), sinkOptions)
		options.Audit = sink
	}

	broker := majordomo.NewBroker(cfg.Broker.Endpoint, options)
	if err := broker.Start(); err != nil {
		return err
	}
	logger.Info().
		Str("endpoint", cfg.Broker.Endpoint).
		Dur("heartbeat", options.Heartbeat.Interval).
		Int("liveness", options.Heartbeat.Liveness).
		Bool("audit", sink != nil).
		Msg("majordomo broker running")

	if sink != nil {
		if err := sink.Start(); err != nil {
			_ = broker.Stop()
			return err
		}
		defer sink.Close()
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	reportStats(ctx, broker, cfg.Broker.StatsInterval, logger)

	logger.Info().Msg("shutting down broker")
	return broker.Stop()
}

// reportStats logs broker statistics until ctx is done.
func reportStats(ctx context.Context, broker *majordomo.Broker, every time.Duration, logger zerolog.Logger) {
	if every <= 0 {
		<-ctx.Done()
		return
	}
	ticker := time.NewTicker(every)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			stats, err := broker.Stats(ctx)
			if err != nil {
				continue
			}
			event := logger.Info().
				Int("workers", stats.Workers).
				Int("idle", stats.IdleWorkers).
				Uint64("requests", stats.Requests).
				Uint64("replies", stats.Replies).
				Uint64("dropped", stats.Dropped)
			for name, svc := range stats.Services {
				event = event.Dict(name.String(), zerolog.Dict().
					Int("pending", svc.Pending).
					Int("idle", svc.Idle).
					Uint64("requests", svc.Requests))
			}
			event.Msg("broker stats")
		}
	}
}

// connectEndpoint turns a wildcard bind address into one the broker's own
// audit client can dial.
func connectEndpoint(endpoint string) string {
	const wildcard = "tcp://*:"
	if len(endpoint) > len(wildcard) && endpoint[:len(wildcard)] == wildcard {
		return "tcp://127.0.0.1:" + endpoint[len(wildcard):]
	}
	return endpoint
}
