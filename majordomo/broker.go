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
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
)

var (
	// ErrRunning is returned when starting a broker or worker twice.
	ErrRunning = errors.New("mdp: already running")

	// ErrNotRunning is returned when stopping or querying a stopped peer.
	ErrNotRunning = errors.New("mdp: not running")
)

// BrokerStats is a snapshot of the broker registries.
type BrokerStats struct {
	Workers     int
	IdleWorkers int
	Requests    uint64
	Replies     uint64
	Dropped     uint64
	Services    map[ServiceName]ServiceStats
}

// Broker implements the MDP broker. All registry state is owned by a single
// reactor goroutine; other goroutines only talk to it through channels.
type Broker struct {
	endpoint  string
	heartbeat Heartbeat
	prefix    string
	loggerSvc ServiceName
	auditSink AuditSink
	log       zerolog.Logger
	clock     clockwork.Clock

	// Owned by the reactor
	socket      Socket
	workers     map[string]*workerRecord
	services    map[ServiceName]*serviceRecord
	heartbeatAt time.Time

	// Statistics, owned by the reactor
	totalRequests uint64
	totalReplies  uint64
	totalDropped  uint64

	statsCh chan chan BrokerStats

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	done    chan struct{}
}

// NewBroker creates a new MDP broker
func NewBroker(endpoint string, options *BrokerOptions) *Broker {
	if options == nil {
		options = DefaultBrokerOptions()
	}
	clock := options.Clock
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	prefix := options.InternalPrefix
	if prefix == "" {
		prefix = InternalPrefix
	}
	loggerSvc := options.LoggerService
	if loggerSvc == "" {
		loggerSvc = DefaultLoggerService
	}

	return &Broker{
		endpoint:  endpoint,
		heartbeat: options.Heartbeat.orDefault(),
		prefix:    prefix,
		loggerSvc: loggerSvc.Normalize(),
		auditSink: options.Audit,
		log:       options.Logger.With().Str("component", "broker").Logger(),
		clock:     clock,
		workers:   make(map[string]*workerRecord),
		services:  make(map[ServiceName]*serviceRecord),
		statsCh:   make(chan chan BrokerStats),
	}
}

// Start binds the broker socket and launches the reactor
func (b *Broker) Start() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.running {
		return fmt.Errorf("mdp: broker on %s: %w", b.endpoint, ErrRunning)
	}

	ctx, cancel := context.WithCancel(context.Background())
	sck, err := listenRouter(ctx, b.endpoint, b.log)
	if err != nil {
		cancel()
		return err
	}

	b.serve(ctx, cancel, sck)
	b.log.Info().Str("endpoint", b.endpoint).Msg("broker started")
	return nil
}

// serve runs the reactor over sck. Callers hold b.mu.
func (b *Broker) serve(ctx context.Context, cancel context.CancelFunc, sck Socket) {
	b.socket = sck
	b.workers = make(map[string]*workerRecord)
	b.services = make(map[ServiceName]*serviceRecord)
	b.cancel = cancel
	b.done = make(chan struct{})
	b.running = true
	go b.mediate(ctx)
}

// Stop stops the reactor and closes the socket
func (b *Broker) Stop() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if !b.running {
		return fmt.Errorf("mdp: broker on %s: %w", b.endpoint, ErrNotRunning)
	}

	b.running = false
	b.cancel()
	<-b.done
	err := b.socket.Close()

	b.log.Info().Str("endpoint", b.endpoint).Msg("broker stopped")
	if err != nil {
		return fmt.Errorf("mdp: failed to close broker socket: %w", err)
	}
	return nil
}

// Stats asks the reactor for a snapshot of its registries.
func (b *Broker) Stats(ctx context.Context) (BrokerStats, error) {
	b.mu.Lock()
	done := b.done
	running := b.running
	b.mu.Unlock()
	if !running {
		return BrokerStats{}, ErrNotRunning
	}

	reply := make(chan BrokerStats, 1)
	select {
	case b.statsCh <- reply:
	case <-done:
		return BrokerStats{}, ErrNotRunning
	case <-ctx.Done():
		return BrokerStats{}, ctx.Err()
	}
	select {
	case stats := <-reply:
		return stats, nil
	case <-ctx.Done():
		return BrokerStats{}, ctx.Err()
	}
}

// mediate is the reactor. Every wake-up is followed by a purge of expired
// workers and, when due, a heartbeat sweep.
func (b *Broker) mediate(ctx context.Context) {
	defer close(b.done)

	inbox := startReceiver(b.socket)
	defer func() { inbox.stop() }()

	poll := b.clock.NewTicker(b.heartbeat.brokerPoll())
	defer poll.Stop()

	b.heartbeatAt = b.clock.Now().Add(b.heartbeat.Interval)

	for {
		select {
		case <-ctx.Done():
			return

		case msg := <-inbox.msgs:
			b.processMessage(msg.Frames)

		case err := <-inbox.errs:
			if ctx.Err() != nil {
				return
			}
			b.log.Error().Err(err).Msg("receive failed")
			inbox = startReceiver(b.socket)

		case reply := <-b.statsCh:
			reply <- b.snapshot()

		case <-poll.Chan():
		}

		b.purgeWorkers()
		b.sendHeartbeats()
	}
}

// processMessage routes a ROUTER message on its protocol signature
func (b *Broker) processMessage(frames [][]byte) {
	if len(frames) < 3 {
		b.drop(frames, "message too short")
		return
	}
	if len(frames[1]) != 0 {
		b.drop(frames, "missing empty delimiter")
		return
	}

	switch string(frames[2]) {
	case ClientProtocol:
		b.processClient(frames)
	case WorkerProtocol:
		b.processWorker(frames)
	default:
		b.drop(frames, "unknown protocol")
	}
}

func (b *Broker) drop(frames [][]byte, reason string) {
	b.totalDropped++
	event := b.log.Warn().Int("frames", len(frames))
	if len(frames) > 0 {
		event = event.Str("peer", FormatAddress(frames[0]))
	}
	event.Msg("dropped message: " + reason)
}

// processClient handles a client REQUEST
func (b *Broker) processClient(frames [][]byte) {
	msg, err := ParseClientMessage(frames)
	if err != nil {
		b.totalDropped++
		b.log.Warn().Err(err).Str("client", FormatAddress(frames[0])).Msg("invalid client request")
		return
	}
	b.totalRequests++

	if msg.Service.IsInternal(b.prefix) {
		b.serviceInternal(msg)
		return
	}

	b.log.Debug().
		Str("client", FormatAddress(msg.Sender)).
		Str("service", msg.Service.String()).
		Int("frames", len(msg.Body)).
		Msg("client request")

	b.dispatch(b.requireService(msg.Service), &pendingRequest{
		client:   msg.Sender,
		body:     msg.Body,
		received: b.clock.Now(),
	})
}

// serviceInternal answers broker-local services. Only service discovery is
// implemented: the body is echoed followed by 200, 404 or 501.
func (b *Broker) serviceInternal(msg *ClientMessage) {
	code := "501"
	if msg.Service == b.discoveryService() {
		code = "404"
		if n := len(msg.Body); n > 0 {
			name := ServiceName(msg.Body[n-1]).Normalize()
			if _, ok := b.services[name]; ok {
				code = "200"
			}
		}
	}

	body := make([][]byte, 0, len(msg.Body)+1)
	body = append(body, msg.Body...)
	body = append(body, []byte(code))
	b.send(ClientReply(msg.Sender, msg.Service, body...))
	b.totalReplies++
}

func (b *Broker) discoveryService() ServiceName {
	return ServiceName(b.prefix + "service")
}

// processWorker handles a message on the worker protocol
func (b *Broker) processWorker(frames [][]byte) {
	msg, err := ParseWorkerMessage(frames)
	if err != nil {
		b.totalDropped++
		b.log.Warn().Err(err).Str("worker", FormatAddress(frames[0])).Msg("invalid worker message")
		return
	}

	worker := b.requireWorker(msg.Sender)

	switch msg.Command {
	case CommandReady:
		b.workerReady(worker, msg.Service)

	case CommandHeartbeat:
		if !worker.bound() {
			b.discardUnbound(worker, msg.Command)
			return
		}
		b.workerWaiting(worker)

	case CommandReply:
		if !worker.bound() {
			b.discardUnbound(worker, msg.Command)
			return
		}
		b.workerReply(worker, msg)

	case CommandDisconnect:
		b.log.Info().Str("worker", FormatAddress(worker.address)).Msg("worker disconnected")
		b.deleteWorker(worker, false)

	default:
		b.log.Warn().
			Str("worker", FormatAddress(worker.address)).
			Stringer("command", msg.Command).
			Msg("unexpected command from worker")
		b.deleteWorker(worker, worker.bound())
	}
}

func (b *Broker) requireWorker(address []byte) *workerRecord {
	key := string(address)
	if worker, ok := b.workers[key]; ok {
		return worker
	}
	worker := &workerRecord{address: address, key: key}
	b.workers[key] = worker
	return worker
}

func (b *Broker) requireService(name ServiceName) *serviceRecord {
	if svc, ok := b.services[name]; ok {
		return svc
	}
	svc := newServiceRecord(name)
	b.services[name] = svc
	return svc
}

// discardUnbound forgets a worker that spoke before READY.
func (b *Broker) discardUnbound(worker *workerRecord, cmd Command) {
	b.totalDropped++
	b.log.Warn().
		Str("worker", FormatAddress(worker.address)).
		Stringer("command", cmd).
		Msg("command from worker before READY")
	b.deleteWorker(worker, false)
}

func (b *Broker) workerReady(worker *workerRecord, service ServiceName) {
	if service.IsInternal(b.prefix) {
		b.log.Warn().
			Str("worker", FormatAddress(worker.address)).
			Str("service", service.String()).
			Msg("worker tried to register reserved service")
		b.deleteWorker(worker, true)
		return
	}

	b.unbindIdle(worker)
	worker.service = service
	b.requireService(service)

	b.log.Info().
		Str("worker", FormatAddress(worker.address)).
		Str("service", service.String()).
		Msg("worker ready")
	b.workerWaiting(worker)
}

// workerWaiting marks a bound worker idle, refreshes its expiry and retries
// dispatch for its service.
func (b *Broker) workerWaiting(worker *workerRecord) {
	svc := b.requireService(worker.service)
	if !worker.idle {
		svc.pushIdle(worker.key)
		worker.idle = true
	}
	worker.expiry = b.clock.Now().Add(b.heartbeat.Expiry())
	b.dispatch(svc, nil)
}

func (b *Broker) workerReply(worker *workerRecord, msg *WorkerMessage) {
	reply := ClientReply(msg.Client, worker.service, msg.Body...)
	b.audit(worker.address, msg.Client, EventEndWork, worker.service, reply[1:])
	b.send(reply)

	b.totalReplies++
	b.requireService(worker.service).totalReplies++
	b.workerWaiting(worker)
}

// unbindIdle takes an idle worker out of its service's idle queue.
func (b *Broker) unbindIdle(worker *workerRecord) {
	if !worker.idle {
		return
	}
	if svc, ok := b.services[worker.service]; ok {
		svc.removeIdle(worker.key)
	}
	worker.idle = false
}

// deleteWorker removes a worker from every registry, optionally telling it
// to disconnect first.
func (b *Broker) deleteWorker(worker *workerRecord, disconnect bool) {
	if disconnect {
		b.sendTo(worker.address, WorkerDisconnect())
	}
	b.unbindIdle(worker)
	delete(b.workers, worker.key)
}

// dispatch queues req, if any, then pairs pending requests with idle
// workers in FIFO order.
func (b *Broker) dispatch(svc *serviceRecord, req *pendingRequest) {
	if req != nil {
		svc.enqueue(req)
	}
	b.purgeWorkers()

	for len(svc.requests) > 0 {
		key, ok := svc.popIdle()
		if !ok {
			return
		}
		worker, ok := b.workers[key]
		if !ok {
			continue
		}
		worker.idle = false

		req := svc.dequeue()
		frames := WorkerRequest(req.client, req.body...)
		b.audit(req.client, worker.address, EventDoWork, svc.name, frames)
		b.sendTo(worker.address, frames)
		svc.totalDispatched++

		b.log.Debug().
			Str("client", FormatAddress(req.client)).
			Str("worker", FormatAddress(worker.address)).
			Str("service", svc.name.String()).
			Dur("queued", b.clock.Since(req.received)).
			Msg("request dispatched")
	}
}

// purgeWorkers removes idle workers whose expiry has passed. No message is
// sent to them.
func (b *Broker) purgeWorkers() {
	now := b.clock.Now()
	for _, svc := range b.services {
		for i := 0; i < len(svc.idle); {
			worker := b.workers[svc.idle[i]]
			if worker != nil && !worker.expiry.Before(now) {
				i++
				continue
			}
			svc.idle = append(svc.idle[:i], svc.idle[i+1:]...)
			if worker == nil {
				continue
			}
			worker.idle = false
			delete(b.workers, worker.key)
			b.log.Info().
				Str("worker", FormatAddress(worker.address)).
				Str("service", svc.name.String()).
				Msg("worker expired")
		}
	}
}

// sendHeartbeats sends HEARTBEAT to every idle worker once per interval.
func (b *Broker) sendHeartbeats() {
	now := b.clock.Now()
	if now.Before(b.heartbeatAt) {
		return
	}
	for _, svc := range b.services {
		for _, key := range svc.idle {
			if worker, ok := b.workers[key]; ok {
				b.sendTo(worker.address, WorkerHeartbeat())
			}
		}
	}
	b.heartbeatAt = now.Add(b.heartbeat.Interval)
}

// audit hands a routing event to the audit sink. Traffic of the logger
// service itself is never audited.
func (b *Broker) audit(origin, target []byte, event string, service ServiceName, frames [][]byte) {
	if b.auditSink == nil || service == b.loggerSvc {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			b.log.Error().Interface("panic", r).Msg("audit sink panicked")
		}
	}()
	b.auditSink.Audit(AuditRecord{
		Origin:  FormatAddress(origin),
		Target:  FormatAddress(target),
		Event:   event,
		Service: service,
		Frames:  cloneFrames(frames),
	})
}

func (b *Broker) sendTo(address []byte, frames [][]byte) {
	b.send(Route(address, frames))
}

func (b *Broker) send(frames [][]byte) {
	if err := b.socket.Send(zmq4.NewMsgFrom(frames...)); err != nil {
		b.log.Error().Err(err).Str("peer", FormatAddress(frames[0])).Msg("send failed")
	}
}

func (b *Broker) snapshot() BrokerStats {
	stats := BrokerStats{
		Workers:  len(b.workers),
		Requests: b.totalRequests,
		Replies:  b.totalReplies,
		Dropped:  b.totalDropped,
		Services: make(map[ServiceName]ServiceStats, len(b.services)),
	}
	for name, svc := range b.services {
		s := svc.stats()
		stats.IdleWorkers += s.Idle
		stats.Services[name] = s
	}
	return stats
}
