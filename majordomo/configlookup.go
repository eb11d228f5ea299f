// Copyright 2025 The go-zeromq Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package majordomo

import (
	"context"
)

// ConfigService is the service name of the configuration provider.
const ConfigService ServiceName = "config"

// LookupConfig resolves keys through the config service. Every key starts
// at its default; a value is replaced only by a non-empty answer. When the
// service is unknown to the broker or any request fails, the defaults are
// returned unchanged.
func LookupConfig(ctx context.Context, client *Client, keys []string, defaults map[string]string) map[string]string {
	values := make(map[string]string, len(keys))
	for _, key := range keys {
		values[key] = defaults[key]
	}
	if len(keys) == 0 {
		return values
	}

	if !ServiceAvailable(ctx, client, ConfigService) {
		client.log.Debug().Msg("config service unavailable, using defaults")
		return values
	}

	request := make([][]byte, len(keys))
	for i, key := range keys {
		request[i] = []byte(key)
	}
	reply, err := client.Request(ctx, ConfigService, request...)
	if err != nil {
		client.log.Warn().Err(err).Msg("config lookup failed, using defaults")
		return values
	}

	for i, key := range keys {
		if i < len(reply) && len(reply[i]) > 0 {
			values[key] = string(reply[i])
		}
	}
	return values
}

// ServiceAvailable asks the broker's service discovery whether service is
// known. Errors count as unavailable.
func ServiceAvailable(ctx context.Context, client *Client, service ServiceName) bool {
	reply, err := client.Request(ctx, ServiceDiscovery, []byte(service))
	if err != nil || len(reply) == 0 {
		return false
	}
	return string(reply[len(reply)-1]) == "200"
}

// ConfigHandler serves values by key, replying in request order with an
// empty frame for unknown keys.
func ConfigHandler(values map[string]string) Handler {
	return BodyHandler(func(_ context.Context, keys [][]byte) ([][]byte, error) {
		reply := make([][]byte, len(keys))
		for i, key := range keys {
			reply[i] = []byte(values[string(key)])
		}
		return reply, nil
	})
}
