// Copyright 2018 The go-zeromq Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package majordomo

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/go-zeromq/zmq4"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
)

// Handler processes one request. It receives the full REQUEST frames as read
// from the broker, [empty][MDPW01][REQUEST][client][empty][body...], and
// returns the frames to send back verbatim, normally built with ReplyFor.
// A returned error or a panic drops the request without a reply.
type Handler func(ctx context.Context, request [][]byte) ([][]byte, error)

// BodyHandler adapts a function working on request bodies to a Handler.
func BodyHandler(fn func(ctx context.Context, body [][]byte) ([][]byte, error)) Handler {
	return func(ctx context.Context, request [][]byte) ([][]byte, error) {
		msg, err := ParseBrokerMessage(request)
		if err != nil {
			return nil, err
		}
		reply, err := fn(ctx, msg.Body)
		if err != nil {
			return nil, err
		}
		return WorkerReply(msg.Client, reply...), nil
	}
}

// ReplyFor builds a REPLY carrying body to the client of request.
func ReplyFor(request [][]byte, body ...[]byte) ([][]byte, error) {
	msg, err := ParseBrokerMessage(request)
	if err != nil {
		return nil, err
	}
	if msg.Command != CommandRequest {
		return nil, malformed("cannot reply to %s", msg.Command)
	}
	return WorkerReply(msg.Client, body...), nil
}

// EchoHandler replies with the request body.
func EchoHandler(_ context.Context, request [][]byte) ([][]byte, error) {
	msg, err := ParseBrokerMessage(request)
	if err != nil {
		return nil, err
	}
	return WorkerReply(msg.Client, msg.Body...), nil
}

// SessionState is the connection state of a worker session
type SessionState int32

const (
	StateDisconnected SessionState = iota
	StateConnecting
	StateIdle
	StateBusy
)

func (s SessionState) String() string {
	switch s {
	case StateDisconnected:
		return "DISCONNECTED"
	case StateConnecting:
		return "CONNECTING"
	case StateIdle:
		return "IDLE"
	case StateBusy:
		return "BUSY"
	default:
		return fmt.Sprintf("SessionState(%d)", int32(s))
	}
}

// WorkerStats reports worker activity
type WorkerStats struct {
	Service     ServiceName
	State       SessionState
	Requests    uint64
	Replies     uint64
	Failures    uint64
	Connections uint64
}

// Worker implements an MDP worker session
type Worker struct {
	// Configuration
	service   ServiceName
	endpoint  string
	handler   Handler
	heartbeat Heartbeat
	poll      time.Duration
	dialer    Dialer
	log       zerolog.Logger
	clock     clockwork.Clock

	// Owned by the session loop
	socket           Socket
	inbox            *receiver
	closeConn        context.CancelFunc
	heartbeatAt      time.Time
	heartbeatExpires time.Time
	retry            *backoff.ExponentialBackOff
	attempts         int

	state       atomic.Int32
	requests    atomic.Uint64
	replies     atomic.Uint64
	failures    atomic.Uint64
	connections atomic.Uint64

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	done    chan struct{}
}

// NewWorker creates a new MDP worker
func NewWorker(service ServiceName, endpoint string, handler Handler, options *WorkerOptions) (*Worker, error) {
	if err := service.Validate(); err != nil {
		return nil, err
	}
	if handler == nil {
		return nil, fmt.Errorf("mdp: worker for %s needs a handler", service)
	}
	if options == nil {
		options = DefaultWorkerOptions()
	}

	poll := options.PollInterval
	if poll <= 0 {
		poll = DefaultPollInterval
	}
	clock := options.Clock
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	dialer := options.Dialer
	if dialer == nil {
		dialer = DialDealer
	}

	retry := backoff.NewExponentialBackOff()
	retry.InitialInterval = options.ReconnectInitial
	if retry.InitialInterval <= 0 {
		retry.InitialInterval = DefaultReconnectInitial
	}
	retry.MaxInterval = options.ReconnectMax
	if retry.MaxInterval <= 0 {
		retry.MaxInterval = DefaultReconnectMax
	}
	retry.MaxElapsedTime = 0
	retry.Reset()

	service = service.Normalize()
	return &Worker{
		service:   service,
		endpoint:  endpoint,
		handler:   handler,
		heartbeat: options.Heartbeat.orDefault(),
		poll:      poll,
		dialer:    dialer,
		log:       options.Logger.With().Str("component", "worker").Str("service", service.String()).Logger(),
		clock:     clock,
		retry:     retry,
	}, nil
}

// Start launches the session loop
func (w *Worker) Start() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.running {
		return fmt.Errorf("mdp: worker for %s: %w", w.service, ErrRunning)
	}

	ctx, cancel := context.WithCancel(context.Background())
	w.cancel = cancel
	w.done = make(chan struct{})
	w.running = true
	w.attempts = 0
	w.retry.Reset()
	w.setState(StateConnecting)

	go w.work(ctx)
	return nil
}

// Stop ends the session, sending DISCONNECT to the broker when connected.
func (w *Worker) Stop() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if !w.running {
		return fmt.Errorf("mdp: worker for %s: %w", w.service, ErrNotRunning)
	}
	w.running = false
	w.cancel()
	<-w.done
	return nil
}

// Done is closed when the session loop has exited, either through Stop or
// because the broker told the worker to disconnect.
func (w *Worker) Done() <-chan struct{} {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.done == nil {
		closed := make(chan struct{})
		close(closed)
		return closed
	}
	return w.done
}

// State returns the current session state
func (w *Worker) State() SessionState {
	return SessionState(w.state.Load())
}

// Service returns the service this worker registers
func (w *Worker) Service() ServiceName {
	return w.service
}

// Stats returns worker statistics
func (w *Worker) Stats() WorkerStats {
	return WorkerStats{
		Service:     w.service,
		State:       w.State(),
		Requests:    w.requests.Load(),
		Replies:     w.replies.Load(),
		Failures:    w.failures.Load(),
		Connections: w.connections.Load(),
	}
}

func (w *Worker) setState(s SessionState) {
	w.state.Store(int32(s))
}

// outcome of handling one message from the broker
type outcome int

const (
	keepSession outcome = iota
	restartSession
	endSession
)

// work is the session loop. It owns the socket and both heartbeat timers.
func (w *Worker) work(ctx context.Context) {
	defer close(w.done)
	defer w.setState(StateDisconnected)
	defer w.closeSocket()

	poll := w.clock.NewTicker(w.poll)
	defer poll.Stop()

	if !w.connect(ctx) {
		return
	}

	for {
		next := keepSession

		select {
		case <-ctx.Done():
			w.sendDisconnect()
			return

		case msg := <-w.inbox.msgs:
			next = w.processMessage(ctx, msg.Frames)

		case err := <-w.inbox.errs:
			w.log.Warn().Err(err).Msg("connection to broker lost")
			next = restartSession

		case <-poll.Chan():
		}

		if next == keepSession {
			next = w.checkHeartbeat()
		}

		switch next {
		case endSession:
			return
		case restartSession:
			if !w.connect(ctx) {
				return
			}
		}
	}
}

// checkHeartbeat sends a HEARTBEAT when due and detects a silent broker.
func (w *Worker) checkHeartbeat() outcome {
	now := w.clock.Now()
	if !now.Before(w.heartbeatAt) {
		if err := w.send(WorkerHeartbeat()); err != nil {
			w.log.Warn().Err(err).Msg("heartbeat failed")
			return restartSession
		}
		w.heartbeatAt = now.Add(w.heartbeat.Interval)
	}
	if !now.Before(w.heartbeatExpires) {
		w.log.Warn().Dur("silence", w.heartbeat.Expiry()).Msg("broker heartbeat expired")
		return restartSession
	}
	return keepSession
}

// connect opens a fresh connection and announces READY. Failed attempts are
// retried with capped exponential backoff; the first attempt after healthy
// traffic is immediate. It returns false once ctx is cancelled.
func (w *Worker) connect(ctx context.Context) bool {
	w.setState(StateConnecting)
	w.closeSocket()

	for {
		if w.attempts > 0 {
			wait := w.retry.NextBackOff()
			w.log.Debug().Dur("wait", wait).Int("attempt", w.attempts+1).Msg("reconnecting")
			select {
			case <-ctx.Done():
				return false
			case <-w.clock.After(wait):
			}
		}
		w.attempts++

		connCtx, closeConn := context.WithCancel(context.Background())
		sck, err := w.dialer(connCtx, w.endpoint)
		if err != nil {
			closeConn()
			w.log.Warn().Err(err).Str("endpoint", w.endpoint).Msg("cannot connect to broker")
			if ctx.Err() != nil {
				return false
			}
			continue
		}

		w.socket = sck
		w.inbox = startReceiver(sck)
		w.closeConn = closeConn

		if err := w.send(WorkerReady(w.service)); err != nil {
			w.log.Warn().Err(err).Msg("cannot send READY")
			w.closeSocket()
			continue
		}

		now := w.clock.Now()
		w.heartbeatAt = now.Add(w.heartbeat.Interval)
		w.heartbeatExpires = now.Add(w.heartbeat.Expiry())
		w.connections.Add(1)
		w.setState(StateIdle)
		w.log.Info().Str("endpoint", w.endpoint).Msg("worker connected")
		return true
	}
}

// processMessage handles one message from the broker
func (w *Worker) processMessage(ctx context.Context, frames [][]byte) outcome {
	msg, err := ParseBrokerMessage(frames)
	if err != nil {
		// A well-formed header with an unknown command still proves the
		// broker alive.
		if len(frames) >= 3 && len(frames[0]) == 0 && string(frames[1]) == WorkerProtocol {
			w.heartbeatExpires = w.clock.Now().Add(w.heartbeat.Expiry())
		}
		w.log.Warn().Err(err).Msg("invalid message from broker")
		return keepSession
	}

	// Any valid traffic proves the broker alive.
	w.attempts = 0
	w.retry.Reset()
	w.heartbeatExpires = w.clock.Now().Add(w.heartbeat.Expiry())

	switch msg.Command {
	case CommandDisconnect:
		w.log.Info().Msg("broker requested disconnect")
		w.sendDisconnect()
		return endSession

	case CommandRequest:
		return w.processRequest(ctx, frames)
	}
	return keepSession
}

func (w *Worker) processRequest(ctx context.Context, request [][]byte) outcome {
	w.setState(StateBusy)
	defer w.setState(StateIdle)
	w.requests.Add(1)

	reply, ok := w.invoke(ctx, request)
	if !ok {
		return keepSession
	}
	if err := w.send(reply); err != nil {
		w.log.Warn().Err(err).Msg("cannot send reply")
		return restartSession
	}
	w.replies.Add(1)

	now := w.clock.Now()
	w.heartbeatAt = now.Add(w.heartbeat.Interval)
	w.heartbeatExpires = now.Add(w.heartbeat.Expiry())
	return keepSession
}

// invoke calls the handler, containing its errors and panics.
func (w *Worker) invoke(ctx context.Context, request [][]byte) (reply [][]byte, ok bool) {
	defer func() {
		if r := recover(); r != nil {
			w.failures.Add(1)
			w.log.Error().Interface("panic", r).Msg("handler panicked, request dropped")
			reply, ok = nil, false
		}
	}()

	reply, err := w.handler(ctx, request)
	if err != nil {
		w.failures.Add(1)
		w.log.Error().Err(err).Msg("handler failed, request dropped")
		return nil, false
	}
	if len(reply) == 0 {
		w.failures.Add(1)
		w.log.Warn().Msg("handler returned no frames, request dropped")
		return nil, false
	}
	return reply, true
}

func (w *Worker) send(frames [][]byte) error {
	if w.socket == nil {
		return ErrNotConnected
	}
	return w.socket.Send(zmq4.NewMsgFrom(frames...))
}

func (w *Worker) sendDisconnect() {
	if err := w.send(WorkerDisconnect()); err != nil {
		w.log.Debug().Err(err).Msg("cannot send DISCONNECT")
	}
}

func (w *Worker) closeSocket() {
	if w.socket == nil {
		return
	}
	w.inbox.stop()
	if err := w.socket.Close(); err != nil {
		w.log.Debug().Err(err).Msg("close failed")
	}
	w.closeConn()
	w.socket, w.inbox, w.closeConn = nil, nil, nil
}
