// Copyright 2025 The go-zeromq Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package majordomo

import (
	"time"
)

// workerRecord is the broker's view of one worker connection. It refers to
// its service by name; the service map owns the service records.
type workerRecord struct {
	address []byte
	key     string
	service ServiceName // empty until READY
	expiry  time.Time
	idle    bool
}

func (w *workerRecord) bound() bool { return w.service != "" }

// pendingRequest is a client request waiting for an idle worker.
type pendingRequest struct {
	client   []byte
	body     [][]byte
	received time.Time
}

// serviceRecord holds the FIFO of pending requests of one service and its
// idle workers, longest idle first.
type serviceRecord struct {
	name     ServiceName
	requests []*pendingRequest
	idle     []string

	totalRequests   uint64
	totalReplies    uint64
	totalDispatched uint64
}

func newServiceRecord(name ServiceName) *serviceRecord {
	return &serviceRecord{name: name}
}

func (s *serviceRecord) enqueue(req *pendingRequest) {
	s.requests = append(s.requests, req)
	s.totalRequests++
}

func (s *serviceRecord) dequeue() *pendingRequest {
	if len(s.requests) == 0 {
		return nil
	}
	req := s.requests[0]
	s.requests[0] = nil
	s.requests = s.requests[1:]
	return req
}

func (s *serviceRecord) pushIdle(key string) {
	s.idle = append(s.idle, key)
}

func (s *serviceRecord) popIdle() (string, bool) {
	if len(s.idle) == 0 {
		return "", false
	}
	key := s.idle[0]
	s.idle = s.idle[1:]
	return key, true
}

func (s *serviceRecord) removeIdle(key string) bool {
	for i, k := range s.idle {
		if k == key {
			s.idle = append(s.idle[:i], s.idle[i+1:]...)
			return true
		}
	}
	return false
}

// ServiceStats is a snapshot of one service.
type ServiceStats struct {
	Pending    int
	Idle       int
	Requests   uint64
	Replies    uint64
	Dispatched uint64
}

func (s *serviceRecord) stats() ServiceStats {
	return ServiceStats{
		Pending:    len(s.requests),
		Idle:       len(s.idle),
		Requests:   s.totalRequests,
		Replies:    s.totalReplies,
		Dispatched: s.totalDispatched,
	}
}
