// Copyright 2025 The go-zeromq Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package majordomo

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/go-zeromq/zmq4"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Socket is the subset of zmq4.Socket used by the protocol loops.
type Socket interface {
	Send(msg zmq4.Msg) error
	Recv() (zmq4.Msg, error)
	Close() error
}

const dialRetry = 100 * time.Millisecond

// DialDealer connects a DEALER socket with a fresh random identity.
func DialDealer(ctx context.Context, endpoint string) (Socket, error) {
	return dialDealer(ctx, endpoint, zerolog.Nop())
}

func dialDealer(ctx context.Context, endpoint string, logger zerolog.Logger) (Socket, error) {
	sck := zmq4.NewDealer(ctx,
		zmq4.WithID(zmq4.SocketIdentity(uuid.NewString())),
		zmq4.WithDialerRetry(dialRetry),
		zmq4.WithLogger(transportLogger(logger)),
	)
	if err := sck.Dial(endpoint); err != nil {
		sck.Close()
		return nil, fmt.Errorf("mdp: failed to connect to %s: %w", endpoint, err)
	}
	return sck, nil
}

func listenRouter(ctx context.Context, endpoint string, logger zerolog.Logger) (Socket, error) {
	sck := zmq4.NewRouter(ctx, zmq4.WithLogger(transportLogger(logger)))
	if err := sck.Listen(endpoint); err != nil {
		sck.Close()
		return nil, fmt.Errorf("mdp: failed to bind broker socket on %s: %w", endpoint, err)
	}
	return sck, nil
}

// receiver pumps a socket into channels so the owning loop can wait on
// incoming messages together with its timers. The loop stays the only
// writer on the socket.
type receiver struct {
	msgs chan zmq4.Msg
	errs chan error
	done chan struct{}
	once sync.Once
}

func startReceiver(sck Socket) *receiver {
	r := &receiver{
		msgs: make(chan zmq4.Msg),
		errs: make(chan error, 1),
		done: make(chan struct{}),
	}
	go r.pump(sck)
	return r
}

func (r *receiver) pump(sck Socket) {
	for {
		msg, err := sck.Recv()
		if err == nil {
			err = msg.Err()
		}
		if err != nil {
			select {
			case r.errs <- err:
			case <-r.done:
			}
			return
		}
		select {
		case r.msgs <- msg:
		case <-r.done:
			return
		}
	}
}

func (r *receiver) stop() {
	r.once.Do(func() { close(r.done) })
}
