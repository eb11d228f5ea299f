// Copyright 2025 The go-zeromq Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package majordomo

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

// Audit event labels
const (
	EventDoWork  = "DO_WORK"
	EventEndWork = "END_WORK"
)

// AuditRecord describes one routing event. Origin and Target are addresses
// in FormatAddress form; Frames are the frames sent for the event.
type AuditRecord struct {
	Origin  string
	Target  string
	Event   string
	Service ServiceName
	Frames  [][]byte
}

// Encode lays the record out as a logger request body:
// [origin][target][event][service][frames...]
func (r AuditRecord) Encode() ([][]byte, error) {
	origin, err := ParseAddress(r.Origin)
	if err != nil {
		return nil, err
	}
	target, err := ParseAddress(r.Target)
	if err != nil {
		return nil, err
	}
	body := make([][]byte, 0, 4+len(r.Frames))
	body = append(body, origin, target, []byte(r.Event), []byte(r.Service))
	return append(body, r.Frames...), nil
}

// ParseAuditRequest decodes a logger request body produced by Encode.
func ParseAuditRequest(body [][]byte) (AuditRecord, error) {
	if len(body) < 4 {
		return AuditRecord{}, malformed("audit request too short: %d frames", len(body))
	}
	switch event := string(body[2]); event {
	case EventDoWork, EventEndWork:
	default:
		return AuditRecord{}, malformed("unknown audit event %q", event)
	}
	return AuditRecord{
		Origin:  FormatAddress(body[0]),
		Target:  FormatAddress(body[1]),
		Event:   string(body[2]),
		Service: ServiceName(body[3]),
		Frames:  body[4:],
	}, nil
}

// AuditSink receives routing events from the broker reactor. Audit must not
// block.
type AuditSink interface {
	Audit(record AuditRecord)
}

// AuditFunc adapts a function to AuditSink.
type AuditFunc func(record AuditRecord)

// Audit calls f(record).
func (f AuditFunc) Audit(record AuditRecord) { f(record) }

// LoggerSinkOptions configures a LoggerSink
type LoggerSinkOptions struct {
	Service ServiceName   // Logger service name
	Buffer  int           // Records held while the logger is slow
	Timeout time.Duration // Time to wait for the logger to acknowledge
	Logger  zerolog.Logger
	Dialer  Dialer
}

// DefaultLoggerSinkOptions returns default sink options
func DefaultLoggerSinkOptions() *LoggerSinkOptions {
	return &LoggerSinkOptions{
		Service: DefaultLoggerService,
		Buffer:  1024,
		Timeout: DefaultRequestTimeout,
		Logger:  DefaultLogger(),
		Dialer:  DialDealer,
	}
}

// LoggerSink forwards audit records to the logger service through its own
// client connection. Records are dropped when the buffer is full.
type LoggerSink struct {
	service ServiceName
	client  *Client
	records chan AuditRecord
	log     zerolog.Logger

	dropped atomic.Uint64
	sent    atomic.Uint64

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// NewLoggerSink creates a sink that talks to the broker at endpoint.
func NewLoggerSink(endpoint string, options *LoggerSinkOptions) *LoggerSink {
	if options == nil {
		options = DefaultLoggerSinkOptions()
	}
	buffer := options.Buffer
	if buffer <= 0 {
		buffer = 1
	}
	service := options.Service
	if service == "" {
		service = DefaultLoggerService
	}
	return &LoggerSink{
		service: service,
		client: NewClient(endpoint, &ClientOptions{
			Timeout: options.Timeout,
			Logger:  options.Logger,
			Dialer:  options.Dialer,
		}),
		records: make(chan AuditRecord, buffer),
		log:     options.Logger.With().Str("component", "audit").Logger(),
	}
}

// Start connects the sink's client and begins forwarding.
func (s *LoggerSink) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.done != nil {
		return fmt.Errorf("mdp: logger sink: %w", ErrRunning)
	}
	if err := s.client.Connect(); err != nil {
		return err
	}
	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.done = make(chan struct{})
	go s.forward(ctx)
	return nil
}

// Audit enqueues a record without blocking.
func (s *LoggerSink) Audit(record AuditRecord) {
	select {
	case s.records <- record:
	default:
		s.dropped.Add(1)
	}
}

// Dropped returns the number of records discarded on a full buffer or a
// failed delivery.
func (s *LoggerSink) Dropped() uint64 { return s.dropped.Load() }

// Sent returns the number of records acknowledged by the logger.
func (s *LoggerSink) Sent() uint64 { return s.sent.Load() }

// Close stops forwarding and disconnects. Buffered records are discarded.
func (s *LoggerSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.done == nil {
		return fmt.Errorf("mdp: logger sink: %w", ErrNotRunning)
	}
	s.cancel()
	<-s.done
	s.done = nil
	return s.client.Disconnect()
}

func (s *LoggerSink) forward(ctx context.Context) {
	defer close(s.done)
	for {
		select {
		case <-ctx.Done():
			return
		case record := <-s.records:
			s.deliver(ctx, record)
		}
	}
}

func (s *LoggerSink) deliver(ctx context.Context, record AuditRecord) {
	body, err := record.Encode()
	if err != nil {
		s.dropped.Add(1)
		s.log.Warn().Err(err).Msg("cannot encode audit record")
		return
	}
	if _, err := s.client.Request(ctx, s.service, body...); err != nil {
		s.dropped.Add(1)
		s.log.Debug().Err(err).Str("event", record.Event).Msg("audit record not delivered")
		return
	}
	s.sent.Add(1)
}
