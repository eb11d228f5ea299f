// Copyright 2018 The go-zeromq Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package majordomo

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/go-zeromq/zmq4"
	"github.com/rs/zerolog"
)

var (
	// ErrTimeout is returned when no reply arrives within the client timeout.
	ErrTimeout = errors.New("mdp: request timed out")

	// ErrNotConnected is returned by a client used before Connect.
	ErrNotConnected = errors.New("mdp: client not connected")
)

// ClientStats reports client activity
type ClientStats struct {
	Requests uint64
	Replies  uint64
	Errors   uint64
}

// Client implements the MDP client over a DEALER socket. Requests are
// serialized: one request is outstanding at a time.
type Client struct {
	// Configuration
	endpoint string
	timeout  time.Duration
	retries  int
	dialer   Dialer
	log      zerolog.Logger

	// Networking, guarded by mu
	mu        sync.Mutex
	socket    Socket
	inbox     *receiver
	cancel    context.CancelFunc
	connected bool

	// Statistics, guarded by mu
	totalRequests uint64
	totalReplies  uint64
	totalErrors   uint64
}

// NewClient creates a new MDP client
func NewClient(endpoint string, options *ClientOptions) *Client {
	if options == nil {
		options = DefaultClientOptions()
	}
	timeout := options.Timeout
	if timeout <= 0 {
		timeout = DefaultRequestTimeout
	}
	retries := options.Retries
	if retries < 0 {
		retries = 0
	}
	dialer := options.Dialer
	if dialer == nil {
		dialer = DialDealer
	}

	return &Client{
		endpoint: endpoint,
		timeout:  timeout,
		retries:  retries,
		dialer:   dialer,
		log:      options.Logger.With().Str("component", "client").Logger(),
	}
}

// Connect connects the client to the broker
func (c *Client) Connect() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.connected {
		return fmt.Errorf("mdp: client already connected to %s", c.endpoint)
	}
	if err := c.open(); err != nil {
		return err
	}
	c.connected = true
	c.log.Debug().Str("endpoint", c.endpoint).Msg("client connected")
	return nil
}

// Disconnect disconnects the client from the broker
func (c *Client) Disconnect() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.connected {
		return ErrNotConnected
	}
	c.connected = false
	if err := c.close(); err != nil {
		return fmt.Errorf("mdp: failed to close client socket: %w", err)
	}
	c.log.Debug().Str("endpoint", c.endpoint).Msg("client disconnected")
	return nil
}

func (c *Client) open() error {
	ctx, cancel := context.WithCancel(context.Background())
	sck, err := c.dialer(ctx, c.endpoint)
	if err != nil {
		cancel()
		return err
	}
	c.socket = sck
	c.inbox = startReceiver(sck)
	c.cancel = cancel
	return nil
}

func (c *Client) close() error {
	if c.socket == nil {
		return nil
	}
	c.inbox.stop()
	err := c.socket.Close()
	c.cancel()
	c.socket, c.inbox, c.cancel = nil, nil, nil
	return err
}

// reconnect replaces the socket so a late reply to an abandoned request
// cannot be taken for the answer to the next one.
func (c *Client) reconnect() error {
	_ = c.close()
	if err := c.open(); err != nil {
		c.log.Warn().Err(err).Str("endpoint", c.endpoint).Msg("reconnect failed")
		return err
	}
	return nil
}

// Request sends body to service and waits for the reply body. On timeout
// the client reconnects and retries up to the configured number of times.
func (c *Client) Request(ctx context.Context, service ServiceName, body ...[]byte) ([][]byte, error) {
	if err := service.Validate(); err != nil {
		return nil, err
	}
	service = service.Normalize()

	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.connected {
		return nil, ErrNotConnected
	}
	c.totalRequests++

	var lastErr error
	for attempt := 0; attempt <= c.retries; attempt++ {
		if attempt > 0 {
			c.log.Debug().
				Str("service", service.String()).
				Int("attempt", attempt+1).
				Msg("retrying request")
		}

		if c.socket == nil {
			if err := c.reconnect(); err != nil {
				lastErr = err
				continue
			}
		}

		reply, err := c.roundTrip(ctx, service, body)
		if err == nil {
			c.totalReplies++
			return reply, nil
		}
		c.totalErrors++
		lastErr = err

		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		c.log.Warn().Err(err).Str("service", service.String()).Msg("request failed")
		if attempt < c.retries {
			_ = c.reconnect()
		}
	}

	return nil, fmt.Errorf("mdp: request to %s failed after %d attempts: %w", service, c.retries+1, lastErr)
}

// roundTrip performs a single request attempt
func (c *Client) roundTrip(ctx context.Context, service ServiceName, body [][]byte) ([][]byte, error) {
	if err := c.socket.Send(zmq4.NewMsgFrom(ClientRequest(service, body...)...)); err != nil {
		return nil, fmt.Errorf("mdp: failed to send request: %w", err)
	}

	timer := time.NewTimer(c.timeout)
	defer timer.Stop()

	for {
		select {
		case msg := <-c.inbox.msgs:
			reply, err := ParseClientReply(msg.Frames)
			if err != nil {
				c.log.Warn().Err(err).Msg("invalid reply")
				continue
			}
			if reply.Service != service {
				c.log.Debug().
					Str("expected", service.String()).
					Str("received", reply.Service.String()).
					Msg("discarding reply for another service")
				continue
			}
			return reply.Body, nil

		case err := <-c.inbox.errs:
			_ = c.close()
			return nil, fmt.Errorf("mdp: failed to receive reply: %w", err)

		case <-timer.C:
			return nil, fmt.Errorf("%w after %v", ErrTimeout, c.timeout)

		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// Stats returns client statistics
func (c *Client) Stats() ClientStats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return ClientStats{
		Requests: c.totalRequests,
		Replies:  c.totalReplies,
		Errors:   c.totalErrors,
	}
}
