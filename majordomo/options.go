// Copyright 2018 The go-zeromq Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package majordomo

import (
	"context"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
)

// Default protocol timing as per MDP specification
const (
	DefaultHeartbeatLiveness = 4
	DefaultHeartbeatInterval = 1500 * time.Millisecond
	DefaultPollInterval      = 100 * time.Millisecond
	DefaultReconnectInitial  = 250 * time.Millisecond
	DefaultReconnectMax      = 30 * time.Second
	DefaultRequestTimeout    = 2500 * time.Millisecond
	DefaultRequestRetries    = 3
	DefaultLoggerService     = ServiceName("logger")
)

// Heartbeat is the timing shared by broker and worker. A peer silent for
// longer than Expiry is considered disconnected.
type Heartbeat struct {
	Interval time.Duration
	Liveness int
}

// DefaultHeartbeat returns an interval of 1500ms with liveness 4.
func DefaultHeartbeat() Heartbeat {
	return Heartbeat{Interval: DefaultHeartbeatInterval, Liveness: DefaultHeartbeatLiveness}
}

// Expiry is Interval x Liveness.
func (h Heartbeat) Expiry() time.Duration {
	return h.Interval * time.Duration(h.Liveness)
}

func (h Heartbeat) orDefault() Heartbeat {
	if h.Interval <= 0 {
		h.Interval = DefaultHeartbeatInterval
	}
	if h.Liveness <= 0 {
		h.Liveness = DefaultHeartbeatLiveness
	}
	return h
}

// brokerPoll is the broker's wake-up slice: a hundredth of the interval.
func (h Heartbeat) brokerPoll() time.Duration {
	poll := h.Interval / 100
	if poll < time.Millisecond {
		poll = time.Millisecond
	}
	return poll
}

// BrokerOptions configures MDP broker behavior
type BrokerOptions struct {
	Heartbeat      Heartbeat
	InternalPrefix string         // Prefix of broker-local services
	LoggerService  ServiceName    // Service whose traffic is never audited
	Audit          AuditSink      // Audit side-channel (nil disables auditing)
	Logger         zerolog.Logger // Structured logger
	Clock          clockwork.Clock
}

// DefaultBrokerOptions returns default broker options
func DefaultBrokerOptions() *BrokerOptions {
	return &BrokerOptions{
		Heartbeat:      DefaultHeartbeat(),
		InternalPrefix: InternalPrefix,
		LoggerService:  DefaultLoggerService,
		Logger:         DefaultLogger(),
		Clock:          clockwork.NewRealClock(),
	}
}

// Dialer opens a connection to the broker. The socket lives until it is
// closed or ctx is cancelled.
type Dialer func(ctx context.Context, endpoint string) (Socket, error)

// WorkerOptions configures MDP worker behavior
type WorkerOptions struct {
	Heartbeat        Heartbeat
	PollInterval     time.Duration // Receive poll slice
	ReconnectInitial time.Duration // First delay between failed connection attempts
	ReconnectMax     time.Duration // Cap on the delay between attempts
	Logger           zerolog.Logger
	Clock            clockwork.Clock
	Dialer           Dialer
}

// DefaultWorkerOptions returns default worker options
func DefaultWorkerOptions() *WorkerOptions {
	return &WorkerOptions{
		Heartbeat:        DefaultHeartbeat(),
		PollInterval:     DefaultPollInterval,
		ReconnectInitial: DefaultReconnectInitial,
		ReconnectMax:     DefaultReconnectMax,
		Logger:           DefaultLogger(),
		Clock:            clockwork.NewRealClock(),
		Dialer:           DialDealer,
	}
}

// ClientOptions configures MDP client behavior
type ClientOptions struct {
	Timeout time.Duration // Time to wait for a reply
	Retries int           // Additional attempts after a timeout
	Logger  zerolog.Logger
	Dialer  Dialer
}

// DefaultClientOptions returns default client options
func DefaultClientOptions() *ClientOptions {
	return &ClientOptions{
		Timeout: DefaultRequestTimeout,
		Retries: DefaultRequestRetries,
		Logger:  DefaultLogger(),
		Dialer:  DialDealer,
	}
}
