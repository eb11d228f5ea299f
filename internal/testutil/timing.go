// Copyright 2025 The go-zeromq Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package testutil

import (
	"context"
	"sort"
	"sync"
	"testing"
	"time"
)

// MessageTracker tracks sent and answered requests to verify that every
// request was answered exactly once.
type MessageTracker struct {
	mu       sync.Mutex
	sent     map[string]time.Time
	received map[string]int
	order    []string
}

// NewMessageTracker creates a new message tracker
func NewMessageTracker() *MessageTracker {
	return &MessageTracker{
		sent:     make(map[string]time.Time),
		received: make(map[string]int),
	}
}

// MarkSent marks a message as sent
func (mt *MessageTracker) MarkSent(messageID string) {
	mt.mu.Lock()
	defer mt.mu.Unlock()
	mt.sent[messageID] = time.Now()
}

// MarkReceived marks a message as received
func (mt *MessageTracker) MarkReceived(messageID string) {
	mt.mu.Lock()
	defer mt.mu.Unlock()
	mt.received[messageID]++
	mt.order = append(mt.order, messageID)
}

// Received returns how many answers were recorded in total.
func (mt *MessageTracker) Received() int {
	mt.mu.Lock()
	defer mt.mu.Unlock()
	return len(mt.order)
}

// Order returns message ids in the order they were received.
func (mt *MessageTracker) Order() []string {
	mt.mu.Lock()
	defer mt.mu.Unlock()
	return append([]string(nil), mt.order...)
}

// VerifyDelivery fails t unless every sent message was received exactly
// once and nothing unknown was received.
func (mt *MessageTracker) VerifyDelivery(t testing.TB) {
	t.Helper()
	mt.mu.Lock()
	defer mt.mu.Unlock()

	ids := make([]string, 0, len(mt.sent))
	for id := range mt.sent {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	for _, id := range ids {
		switch n := mt.received[id]; n {
		case 1:
		case 0:
			t.Errorf("message %s was sent but not received", id)
		default:
			t.Errorf("message %s was received %d times", id, n)
		}
	}
	for id := range mt.received {
		if _, ok := mt.sent[id]; !ok {
			t.Errorf("message %s was received but never sent", id)
		}
	}
}

// WaitWithTimeout waits for a condition with timeout
func WaitWithTimeout(t testing.TB, condition func() bool, timeout time.Duration, checkInterval time.Duration) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	ticker := time.NewTicker(checkInterval)
	defer ticker.Stop()

	for {
		if condition() {
			return
		}
		select {
		case <-ctx.Done():
			t.Fatalf("timeout waiting for condition after %v", timeout)
		case <-ticker.C:
		}
	}
}
