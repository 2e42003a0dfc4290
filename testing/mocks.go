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

package testing

import (
	"bytes"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/go-spdm-attest/abi"
	"github.com/google/go-spdm-attest/transport"
)

// Exchange is one scripted request and the reply to it.
type Exchange struct {
	// Request is the exact expected request. If nil, only Code is checked.
	Request []byte
	Code    abi.RequestCode
	// Reply is queued for Receive. A nil Reply makes Receive time out.
	Reply []byte
}

// Transport is a transport.Transport that plays a fixed script of exchanges.
type Transport struct {
	Exchanges []Exchange

	next    int
	pending [][]byte
	sent    [][]byte
	errs    []error
}

// Send checks msg against the next exchange and queues its reply.
func (t *Transport) Send(msg []byte) error {
	t.sent = append(t.sent, bytes.Clone(msg))
	if t.next >= len(t.Exchanges) {
		err := fmt.Errorf("unscripted request %x", msg)
		t.errs = append(t.errs, err)
		return err
	}
	ex := t.Exchanges[t.next]
	t.next++
	switch {
	case ex.Request != nil && !bytes.Equal(ex.Request, msg):
		t.errs = append(t.errs, fmt.Errorf("exchange %d: request %x, want %x", t.next-1, msg, ex.Request))
	case ex.Request == nil && (len(msg) < abi.HeaderSize || msg[1] != uint8(ex.Code)):
		t.errs = append(t.errs, fmt.Errorf("exchange %d: request %x, want code %v", t.next-1, msg, ex.Code))
	}
	if ex.Reply != nil {
		t.pending = append(t.pending, ex.Reply)
	}
	return nil
}

// Receive returns the next queued reply, or transport.ErrTimeout.
func (t *Transport) Receive(time.Duration) ([]byte, error) {
	if len(t.pending) == 0 {
		return nil, transport.ErrTimeout
	}
	msg := t.pending[0]
	t.pending = t.pending[1:]
	return msg, nil
}

// Sent returns every message sent so far.
func (t *Transport) Sent() [][]byte { return t.sent }

// Done fails t if any request deviated from the script or the script was not played out.
func (t *Transport) Done(tb testing.TB) {
	tb.Helper()
	for _, err := range t.errs {
		tb.Error(err)
	}
	if t.next != len(t.Exchanges) {
		tb.Errorf("%d of %d scripted exchanges were not played", len(t.Exchanges)-t.next, len(t.Exchanges))
	}
}

// Recorder is a transport.Transport that records the traffic of the transport it wraps.
type Recorder struct {
	transport.Transport

	sent     [][]byte
	received [][]byte
}

// Send records msg and delegates.
func (r *Recorder) Send(msg []byte) error {
	r.sent = append(r.sent, bytes.Clone(msg))
	return r.Transport.Send(msg)
}

// Receive delegates and records the reply.
func (r *Recorder) Receive(timeout time.Duration) ([]byte, error) {
	msg, err := r.Transport.Receive(timeout)
	if err == nil {
		r.received = append(r.received, bytes.Clone(msg))
	}
	return msg, err
}

// Sent returns the recorded requests.
func (r *Recorder) Sent() [][]byte { return r.sent }

// Received returns the recorded replies.
func (r *Recorder) Received() [][]byte { return r.received }

// Tamper is a transport.Transport that rewrites replies with a given response code.
type Tamper struct {
	transport.Transport
	Code abi.ResponseCode
	// Edit returns the modified reply. It may modify its argument.
	Edit func([]byte) []byte
}

// Receive delegates and edits matching replies.
func (t *Tamper) Receive(timeout time.Duration) ([]byte, error) {
	msg, err := t.Transport.Receive(timeout)
	if err != nil || len(msg) < abi.HeaderSize || msg[1] != uint8(t.Code) {
		return msg, err
	}
	return t.Edit(bytes.Clone(msg)), nil
}

// Sleeper records requested waits instead of sleeping.
type Sleeper struct {
	mu    sync.Mutex
	waits []time.Duration
}

// Sleep records d.
func (s *Sleeper) Sleep(d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.waits = append(s.waits, d)
}

// Waits returns the recorded waits.
func (s *Sleeper) Waits() []time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]time.Duration(nil), s.waits...)
}
