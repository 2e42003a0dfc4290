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

package transport

import (
	"bytes"
	"context"
	"net"
	"os"
	"testing"
	"time"

	"github.com/google/logger"
	"github.com/stretchr/testify/require"
)

func TestMain(m *testing.M) {
	logger.Init("TransportTestLog", false, false, os.Stderr)
	os.Exit(m.Run())
}

func TestPipe(t *testing.T) {
	a, b := Pipe(1)
	msg := []byte{0x11, 0xe1, 0, 0}
	require.NoError(t, a.Send(msg))
	msg[0] = 0xff
	got, err := b.Receive(time.Second)
	require.NoError(t, err)
	require.Equal(t, []byte{0x11, 0xe1, 0, 0}, got, "Send must copy the message")

	_, err = a.Receive(time.Millisecond)
	require.ErrorIs(t, err, ErrTimeout)

	require.NoError(t, b.Close())
	require.ErrorIs(t, a.Send(msg), ErrClosed)
	_, err = a.Receive(time.Second)
	require.ErrorIs(t, err, ErrClosed)
}

func TestLoopback(t *testing.T) {
	calls := 0
	l := &Loopback{Handler: HandlerFunc(func(msg []byte) ([]byte, error) {
		calls++
		if msg[1] == 0x84 {
			return nil, nil
		}
		return append([]byte{0xaa}, msg...), nil
	})}
	require.NoError(t, l.Send([]byte{0x10, 0x84, 0, 0}))
	_, err := l.Receive(time.Hour)
	require.ErrorIs(t, err, ErrTimeout)
	require.NoError(t, l.Send([]byte{0x11, 0x81, 0, 0}))
	require.NoError(t, l.Send([]byte{0x11, 0x82, 0, 0}))
	got, err := l.Receive(0)
	require.NoError(t, err)
	require.Equal(t, []byte{0xaa, 0x11, 0x81, 0, 0}, got)
	got, err = l.Receive(0)
	require.NoError(t, err)
	require.Equal(t, []byte{0xaa, 0x11, 0x82, 0, 0}, got)
	require.Equal(t, 3, calls)
}

func TestConnFraming(t *testing.T) {
	x, y := net.Pipe()
	a, b := NewConn(x), NewConn(y)
	defer a.Close()
	defer b.Close()

	msg := bytes.Repeat([]byte{0x5a}, 300)
	go func() {
		a.Send(msg)
	}()
	got, err := b.Receive(time.Second)
	require.NoError(t, err)
	require.Equal(t, msg, got)

	_, err = b.Receive(10 * time.Millisecond)
	require.ErrorIs(t, err, ErrTimeout)

	require.Error(t, a.Send(make([]byte, MaxFrameSize+1)))
}

func TestConnRejectsForeignFrame(t *testing.T) {
	x, y := net.Pipe()
	defer x.Close()
	b := NewConn(y)
	defer b.Close()
	go func() {
		x.Write([]byte{0x7e, 0, 1, 0})
	}()
	_, err := b.Receive(time.Second)
	require.Error(t, err)
	_, err = b.Receive(time.Second)
	require.Error(t, err)
	require.Contains(t, err.Error(), "synchronization")
}

func TestConnStalledFrame(t *testing.T) {
	x, y := net.Pipe()
	defer x.Close()
	b := NewConn(y)
	defer b.Close()
	go func() {
		// A 16-byte frame of which only one payload byte ever arrives.
		x.Write([]byte{MessageTypeSPDM, 0x00, 0x10, 0x11})
	}()
	errc := make(chan error, 1)
	go func() {
		_, err := b.Receive(50 * time.Millisecond)
		errc <- err
	}()
	select {
	case err := <-errc:
		require.Error(t, err)
		require.NotErrorIs(t, err, ErrTimeout)
		require.Contains(t, err.Error(), "1 of 16 bytes")
	case <-time.After(5 * time.Second):
		t.Fatal("Receive() still blocked on a stalled frame")
	}
	_, err := b.Receive(time.Second)
	require.Error(t, err)
	require.Contains(t, err.Error(), "synchronization")
}

func TestServe(t *testing.T) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- Serve(ctx, l, func() Handler {
			return HandlerFunc(func(msg []byte) ([]byte, error) {
				return append([]byte{0x11}, msg...), nil
			})
		})
	}()

	c, err := Dial(ctx, l.Addr().String())
	require.NoError(t, err)
	require.NoError(t, c.Send([]byte{1, 2, 3}))
	got, err := c.Receive(5 * time.Second)
	require.NoError(t, err)
	require.Equal(t, []byte{0x11, 1, 2, 3}, got)
	require.NoError(t, c.Close())

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Serve did not return after cancellation")
	}
	if _, err := Dial(context.Background(), l.Addr().String()); err == nil {
		t.Error("Dial succeeded after Serve stopped")
	}
}
