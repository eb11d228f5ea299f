// Copyright 2025 The go-zeromq Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Example configuration provider. It serves the values section of a
// configuration file as the "config" service.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/pflag"

	"github.com/destiny/majordomo/internal/config"
	"github.com/destiny/majordomo/majordomo"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "mdp-config: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var (
		configPath = pflag.String("config", "", "configuration file (.yaml or .toml)")
		endpoint   = pflag.String("endpoint", "", "broker endpoint")
		values     = pflag.StringToString("set", nil, "extra key=value pairs to serve")
	)
	pflag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		return err
	}
	if *endpoint != "" {
		cfg.Broker.Endpoint = *endpoint
	}
	if cfg.Values == nil {
		cfg.Values = map[string]string{}
	}
	for key, value := range *values {
		cfg.Values[key] = value
	}

	logger, closeLog, err := cfg.Log.Logger()
	if err != nil {
		return err
	}
	defer closeLog()

	options := majordomo.DefaultWorkerOptions()
	options.Heartbeat = cfg.Heartbeat()
	options.Logger = logger

	worker, err := majordomo.NewWorker(majordomo.ConfigService, cfg.Broker.Endpoint, majordomo.ConfigHandler(cfg.Values), options)
	if err != nil {
		return err
	}
	if err := worker.Start(); err != nil {
		return err
	}
	logger.Info().Int("keys", len(cfg.Values)).Str("endpoint", cfg.Broker.Endpoint).Msg("config service running")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	select {
	case <-ctx.Done():
	case <-worker.Done():
		logger.Warn().Msg("broker disconnected the config service")
	}
	return worker.Stop()
}
