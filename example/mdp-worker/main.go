// Copyright 2018 The go-zeromq Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Example Majordomo worker. It runs independent echo sessions that prefix
// replies with a greeting looked up from the config service.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"

	"github.com/destiny/majordomo/internal/config"
	"github.com/destiny/majordomo/majordomo"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "mdp-worker: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var (
		configPath = pflag.String("config", "", "configuration file (.yaml or .toml)")
		endpoint   = pflag.String("endpoint", "", "broker endpoint")
		service    = pflag.String("service", "", "service to register")
		instances  = pflag.Int("instances", 0, "number of independent worker sessions")
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
	if *service != "" {
		cfg.Worker.Service = *service
	}
	if *instances > 0 {
		cfg.Worker.Instances = *instances
	}
	if *logLevel != "" {
		cfg.Log.Level = *logLevel
	}

	logger, closeLog, err := cfg.Log.Logger()
	if err != nil {
		return err
	}
	defer closeLog()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	greeting := lookupGreeting(ctx, cfg)
	logger.Info().Str("greeting", greeting).Msg("configuration resolved")

	handler := majordomo.BodyHandler(func(_ context.Context, body [][]byte) ([][]byte, error) {
		reply := make([][]byte, 0, len(body)+1)
		reply = append(reply, []byte(greeting))
		return append(reply, body...), nil
	})

	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < cfg.Worker.Instances; i++ {
		options := majordomo.DefaultWorkerOptions()
		options.Heartbeat = cfg.Heartbeat()
		options.PollInterval = cfg.Worker.Poll
		options.ReconnectMax = cfg.Worker.ReconnectMax
		options.Logger = logger.With().Int("instance", i).Logger()

		worker, err := majordomo.NewWorker(majordomo.ServiceName(cfg.Worker.Service), cfg.Broker.Endpoint, handler, options)
		if err != nil {
			return err
		}
		if err := worker.Start(); err != nil {
			return err
		}
		g.Go(func() error {
			select {
			case <-ctx.Done():
				return worker.Stop()
			case <-worker.Done():
				_ = worker.Stop()
				return fmt.Errorf("worker %s disconnected by broker", worker.Service())
			}
		})
	}

	logger.Info().
		Str("service", cfg.Worker.Service).
		Int("instances", cfg.Worker.Instances).
		Str("endpoint", cfg.Broker.Endpoint).
		Msg("workers running")
	return g.Wait()
}

func lookupGreeting(ctx context.Context, cfg *config.File) string {
	defaults := map[string]string{"greeting": "echo:"}

	client := majordomo.NewClient(cfg.Broker.Endpoint, &majordomo.ClientOptions{
		Timeout: cfg.Client.Timeout,
		Retries: 0,
		Logger:  majordomo.DevNullLogger(),
	})
	if err := client.Connect(); err != nil {
		return defaults["greeting"]
	}
	defer client.Disconnect()

	return majordomo.LookupConfig(ctx, client, []string{"greeting"}, defaults)["greeting"]
}
