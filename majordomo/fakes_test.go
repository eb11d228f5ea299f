// Copyright 2025 The go-zeromq Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package majordomo

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/go-zeromq/zmq4"
)

var errFakeClosed = errors.New("fake socket closed")

// fakeSocket records sent messages and serves queued incoming ones.
type fakeSocket struct {
	mu      sync.Mutex
	sent    [][][]byte
	sendErr error

	in     chan zmq4.Msg
	closed chan struct{}
	once   sync.Once
}

func newFakeSocket() *fakeSocket {
	return &fakeSocket{
		in:     make(chan zmq4.Msg, 64),
		closed: make(chan struct{}),
	}
}

func (s *fakeSocket) Send(msg zmq4.Msg) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sendErr != nil {
		return s.sendErr
	}
	s.sent = append(s.sent, cloneFrames(msg.Frames))
	return nil
}

func (s *fakeSocket) Recv() (zmq4.Msg, error) {
	select {
	case msg := <-s.in:
		return msg, nil
	case <-s.closed:
		return zmq4.Msg{}, errFakeClosed
	}
}

func (s *fakeSocket) Close() error {
	s.once.Do(func() { close(s.closed) })
	return nil
}

func (s *fakeSocket) isClosed() bool {
	select {
	case <-s.closed:
		return true
	default:
		return false
	}
}

func (s *fakeSocket) deliver(frames [][]byte) {
	s.in <- zmq4.NewMsgFrom(frames...)
}

func (s *fakeSocket) failSends(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sendErr = err
}

// take returns and forgets everything sent so far.
func (s *fakeSocket) take() [][][]byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	sent := s.sent
	s.sent = nil
	return sent
}

func (s *fakeSocket) sentMessages() [][][]byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([][][]byte(nil), s.sent...)
}

func (s *fakeSocket) hasSent(frames [][]byte) bool {
	for _, msg := range s.sentMessages() {
		if framesEqual(msg, frames) {
			return true
		}
	}
	return false
}

func framesEqual(a, b [][]byte) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if string(a[i]) != string(b[i]) {
			return false
		}
	}
	return true
}

// fakeDialer hands out fake sockets and can be told to fail.
type fakeDialer struct {
	mu       sync.Mutex
	failures int
	dials    int
	sockets  chan *fakeSocket
}

func newFakeDialer() *fakeDialer {
	return &fakeDialer{sockets: make(chan *fakeSocket, 16)}
}

func (d *fakeDialer) dial(ctx context.Context, endpoint string) (Socket, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.dials++
	if d.failures > 0 {
		d.failures--
		return nil, errors.New("connection refused")
	}
	sck := newFakeSocket()
	select {
	case d.sockets <- sck:
	default:
	}
	return sck, nil
}

func (d *fakeDialer) dialCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dials
}

// auditRecorder collects audit records.
type auditRecorder struct {
	mu      sync.Mutex
	records []AuditRecord
}

func (r *auditRecorder) Audit(record AuditRecord) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.records = append(r.records, record)
}

func (r *auditRecorder) all() []AuditRecord {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]AuditRecord(nil), r.records...)
}

// serveClient plays the broker for a client connected through sck: each
// request the client sends is answered with respond's frames. It stops when
// the test ends.
func serveClient(t *testing.T, sck *fakeSocket, respond func(req *ClientMessage) [][]byte) {
	done := make(chan struct{})
	t.Cleanup(func() { close(done) })
	go func() {
		seen := 0
		for {
			select {
			case <-done:
				return
			case <-time.After(time.Millisecond):
			}
			sent := sck.sentMessages()
			for ; seen < len(sent); seen++ {
				req, err := ParseClientReply(sent[seen])
				if err != nil {
					continue
				}
				if reply := respond(req); reply != nil {
					sck.deliver(reply)
				}
			}
		}
	}()
}
