// Copyright 2025 The go-zeromq Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
	assert.Equal(t, 6*time.Second, cfg.Heartbeat().Expiry())
}

func TestLoadYAML(t *testing.T) {
	path := writeFile(t, "mdp.yaml", `
broker:
  endpoint: tcp://0.0.0.0:7000
  heartbeat: 500ms
  liveness: 3
  audit: true
worker:
  service: upper
  instances: 4
log:
  level: debug
values:
  greeting: bonjour
`)

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "tcp://0.0.0.0:7000", cfg.Broker.Endpoint)
	assert.Equal(t, 500*time.Millisecond, cfg.Broker.Heartbeat)
	assert.Equal(t, 3, cfg.Broker.Liveness)
	assert.True(t, cfg.Broker.Audit)
	assert.Equal(t, "logger", cfg.Broker.LoggerService, "unset keys keep defaults")
	assert.Equal(t, "upper", cfg.Worker.Service)
	assert.Equal(t, 4, cfg.Worker.Instances)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, map[string]string{"greeting": "bonjour"}, cfg.Values)
}

func TestLoadTOML(t *testing.T) {
	path := writeFile(t, "mdp.toml", `
[broker]
endpoint = "tcp://127.0.0.1:7001"
heartbeat = "2s"

[client]
timeout = "1s"
retries = 0

[values]
greeting = "hola"
`)

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "tcp://127.0.0.1:7001", cfg.Broker.Endpoint)
	assert.Equal(t, 2*time.Second, cfg.Broker.Heartbeat)
	assert.Equal(t, time.Second, cfg.Client.Timeout)
	assert.Equal(t, 0, cfg.Client.Retries)
	assert.Equal(t, "hola", cfg.Values["greeting"])
}

func TestLoadRejectsUnknownKeys(t *testing.T) {
	_, err := Load(writeFile(t, "mdp.yaml", "broker:\n  endpiont: tcp://x:1\n"))
	assert.Error(t, err)

	_, err = Load(writeFile(t, "mdp.toml", "[broker]\nendpiont = \"tcp://x:1\"\n"))
	assert.Error(t, err)
}

func TestLoadRejectsInvalidValues(t *testing.T) {
	for name, content := range map[string]string{
		"liveness.yaml":  "broker:\n  liveness: 0\n",
		"instances.yaml": "worker:\n  instances: 0\n",
		"logger.yaml":    "broker:\n  logger_service: \"\"\n",
		"service.yaml":   "worker:\n  service: \"\"\n",
		"level.yaml":     "log:\n  level: loud\n",
	} {
		t.Run(name, func(t *testing.T) {
			_, err := Load(writeFile(t, name, content))
			assert.Error(t, err)
		})
	}
}

func TestLoadErrors(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)

	_, err = Load(writeFile(t, "mdp.json", "{}"))
	assert.Error(t, err)
}

func TestLogLogger(t *testing.T) {
	path := filepath.Join(t.TempDir(), "mdp.log")
	logger, closeFn, err := Log{Level: "info", File: path}.Logger()
	require.NoError(t, err)

	logger.Info().Str("service", "echo").Msg("worker ready")
	logger.Debug().Msg("filtered")
	require.NoError(t, closeFn())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"service":"echo"`)
	assert.NotContains(t, string(data), "filtered")

	_, _, err = Log{Level: "loud"}.Logger()
	assert.Error(t, err)
}
