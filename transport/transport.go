// Copyright 2024 Google LLC
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package transport moves whole SPDM messages between a requester and a responder.
package transport

import (
	"errors"
	"sync"
	"time"
)

// ErrTimeout is returned by Receive when no message arrives within the timeout.
var ErrTimeout = errors.New("transport: receive timed out")

// ErrClosed is returned after a transport has been closed.
var ErrClosed = errors.New("transport: closed")

// Transport sends and receives whole, reassembled protocol messages.
type Transport interface {
	// Send delivers msg to the peer.
	Send(msg []byte) error
	// Receive returns the next message from the peer, or ErrTimeout once timeout elapses.
	Receive(timeout time.Duration) ([]byte, error)
}

// Handler answers one inbound message. A nil response means no reply is sent.
type Handler interface {
	Handle(msg []byte) ([]byte, error)
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(msg []byte) ([]byte, error)

// Handle calls f.
func (f HandlerFunc) Handle(msg []byte) ([]byte, error) { return f(msg) }

// PipeEnd is one side of an in-memory message pipe.
type PipeEnd struct {
	in     chan []byte
	out    chan []byte
	closed chan struct{}
	once   *sync.Once
}

// Pipe returns two connected ends. Each end buffers up to depth undelivered messages.
func Pipe(depth int) (*PipeEnd, *PipeEnd) {
	ab := make(chan []byte, depth)
	ba := make(chan []byte, depth)
	closed := make(chan struct{})
	once := &sync.Once{}
	return &PipeEnd{in: ba, out: ab, closed: closed, once: once},
		&PipeEnd{in: ab, out: ba, closed: closed, once: once}
}

// Send queues a copy of msg for the other end.
func (p *PipeEnd) Send(msg []byte) error {
	select {
	case <-p.closed:
		return ErrClosed
	default:
	}
	select {
	case p.out <- append([]byte(nil), msg...):
		return nil
	case <-p.closed:
		return ErrClosed
	}
}

// Receive waits up to timeout for the next message.
func (p *PipeEnd) Receive(timeout time.Duration) ([]byte, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case msg := <-p.in:
		return msg, nil
	case <-p.closed:
		return nil, ErrClosed
	case <-timer.C:
		return nil, ErrTimeout
	}
}

// Close closes both ends.
func (p *PipeEnd) Close() error {
	p.once.Do(func() { close(p.closed) })
	return nil
}

// Loopback is a Transport whose peer is an in-process Handler. Each Send is answered
// synchronously and the reply is queued for Receive.
type Loopback struct {
	Handler Handler

	pending [][]byte
}

// Send hands msg to the handler.
func (l *Loopback) Send(msg []byte) error {
	resp, err := l.Handler.Handle(msg)
	if err != nil {
		return err
	}
	if resp != nil {
		l.pending = append(l.pending, resp)
	}
	return nil
}

// Receive returns the oldest queued reply. It never waits; an empty queue means the handler
// sent no reply.
func (l *Loopback) Receive(time.Duration) ([]byte, error) {
	if len(l.pending) == 0 {
		return nil, ErrTimeout
	}
	msg := l.pending[0]
	l.pending = l.pending[1:]
	return msg, nil
}
