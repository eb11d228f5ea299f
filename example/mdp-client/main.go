// Copyright 2018 The go-zeromq Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Example Majordomo client
package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/pflag"

	"github.com/destiny/majordomo/internal/config"
	"github.com/destiny/majordomo/majordomo"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "mdp-client: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var (
		configPath = pflag.String("config", "", "configuration file (.yaml or .toml)")
		endpoint   = pflag.String("endpoint", "", "broker endpoint")
		service    = pflag.String("service", "echo", "service to call")
		timeout    = pflag.Duration("timeout", 0, "time to wait for each reply")
		retries    = pflag.Int("retries", -1, "retries after a timeout")
		check      = pflag.Bool("check", false, "only ask the broker whether the service exists")
		logLevel   = pflag.String("log-level", "", "error, warn, info, debug or trace")
	)
	pflag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: %s [flags] [frame...]\n", os.Args[0])
		pflag.PrintDefaults()
	}
	pflag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		return err
	}
	if *endpoint != "" {
		cfg.Broker.Endpoint = *endpoint
	}
	if *timeout > 0 {
		cfg.Client.Timeout = *timeout
	}
	if *retries >= 0 {
		cfg.Client.Retries = *retries
	}
	if *logLevel != "" {
		cfg.Log.Level = *logLevel
	}

	logger, closeLog, err := cfg.Log.Logger()
	if err != nil {
		return err
	}
	defer closeLog()

	client := majordomo.NewClient(cfg.Broker.Endpoint, &majordomo.ClientOptions{
		Timeout: cfg.Client.Timeout,
		Retries: cfg.Client.Retries,
		Logger:  logger,
	})
	if err := client.Connect(); err != nil {
		return err
	}
	defer client.Disconnect()

	ctx := context.Background()
	name := majordomo.ServiceName(*service)

	if *check {
		if !majordomo.ServiceAvailable(ctx, client, name) {
			return fmt.Errorf("service %s is not available", name)
		}
		fmt.Printf("service %s is available\n", name)
		return nil
	}

	body := make([][]byte, 0, pflag.NArg())
	for _, arg := range pflag.Args() {
		body = append(body, []byte(arg))
	}

	start := time.Now()
	reply, err := client.Request(ctx, name, body...)
	if err != nil {
		return err
	}
	logger.Debug().Dur("elapsed", time.Since(start)).Int("frames", len(reply)).Msg("reply received")

	for _, frame := range reply {
		fmt.Println(string(frame))
	}
	return nil
}
