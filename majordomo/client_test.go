// Copyright 2018 The go-zeromq Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package majordomo

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestClient(t *testing.T, timeout time.Duration, retries int) (*Client, *fakeDialer) {
	t.Helper()
	dialer := newFakeDialer()
	c := NewClient("tcp://127.0.0.1:5555", &ClientOptions{
		Timeout: timeout,
		Retries: retries,
		Logger:  DevNullLogger(),
		Dialer:  dialer.dial,
	})
	return c, dialer
}

// answer waits for the client to send a request and replies with reply.
func answer(t *testing.T, sck *fakeSocket, replies ...[][]byte) {
	t.Helper()
	go func() {
		deadline := time.Now().Add(waitFor)
		for len(sck.sentMessages()) == 0 && time.Now().Before(deadline) {
			time.Sleep(time.Millisecond)
		}
		for _, reply := range replies {
			sck.deliver(reply)
		}
	}()
}

func TestClientRequiresConnect(t *testing.T) {
	c, _ := newTestClient(t, time.Second, 0)

	_, err := c.Request(context.Background(), "echo")
	assert.ErrorIs(t, err, ErrNotConnected)
	assert.ErrorIs(t, c.Disconnect(), ErrNotConnected)
}

func TestClientRequestReply(t *testing.T) {
	c, dialer := newTestClient(t, waitFor, 0)
	require.NoError(t, c.Connect())
	assert.Error(t, c.Connect(), "already connected")
	sck := nextSocket(t, dialer)

	answer(t, sck,
		frames("garbage"),
		ClientRequest("other", []byte("stale")),
		ClientRequest("echo", []byte{0x01, 0x02}),
	)
	reply, err := c.Request(context.Background(), "echo", []byte{0x01, 0x02})
	require.NoError(t, err)
	assert.Equal(t, [][]byte{{0x01, 0x02}}, reply)
	assert.Equal(t, [][][]byte{ClientRequest("echo", []byte{0x01, 0x02})}, sck.sentMessages())

	stats := c.Stats()
	assert.Equal(t, uint64(1), stats.Requests)
	assert.Equal(t, uint64(1), stats.Replies)
	assert.Equal(t, uint64(0), stats.Errors)

	require.NoError(t, c.Disconnect())
	assert.True(t, sck.isClosed())
}

func TestClientRetriesWithFreshConnection(t *testing.T) {
	c, dialer := newTestClient(t, 20*time.Millisecond, 2)
	require.NoError(t, c.Connect())
	t.Cleanup(func() { _ = c.Disconnect() })

	_, err := c.Request(context.Background(), "echo", []byte("x"))
	assert.ErrorIs(t, err, ErrTimeout)
	assert.Equal(t, 3, dialer.dialCount())
	assert.Equal(t, uint64(3), c.Stats().Errors)
}

func TestClientRecoversOnRetry(t *testing.T) {
	c, dialer := newTestClient(t, 50*time.Millisecond, 1)
	require.NoError(t, c.Connect())
	t.Cleanup(func() { _ = c.Disconnect() })

	first := nextSocket(t, dialer)
	go func() {
		select {
		case second := <-dialer.sockets:
			answer(t, second, ClientRequest("echo", []byte("late")))
		case <-time.After(waitFor):
		}
	}()

	reply, err := c.Request(context.Background(), "echo", []byte("x"))
	require.NoError(t, err)
	assert.Equal(t, frames("late"), reply)
	assert.True(t, first.isClosed())
}

func TestClientHonoursContext(t *testing.T) {
	c, _ := newTestClient(t, time.Minute, 3)
	require.NoError(t, c.Connect())
	t.Cleanup(func() { _ = c.Disconnect() })

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := c.Request(ctx, "echo")
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestClientRejectsInvalidService(t *testing.T) {
	c, _ := newTestClient(t, time.Second, 0)
	require.NoError(t, c.Connect())
	t.Cleanup(func() { _ = c.Disconnect() })

	_, err := c.Request(context.Background(), "")
	assert.Error(t, err)
}
