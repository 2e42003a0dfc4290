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
	"context"
	"encoding/binary"
	"errors"
	"io"
	"net"
	"time"

	"github.com/google/logger"
	perrors "github.com/pkg/errors"
)

const (
	// MessageTypeSPDM is the MCTP message type prefixed to every frame.
	MessageTypeSPDM = 0x05
	frameHeaderSize = 3
	// MaxFrameSize bounds the payload of a frame.
	MaxFrameSize = 0x1000
)

// Conn frames SPDM messages over a stream connection. Each frame is the message type byte, a
// big-endian 16-bit payload length, and the payload.
type Conn struct {
	c net.Conn
	// broken is set when a read stopped mid-frame and the stream position is lost.
	broken bool
}

// NewConn wraps c.
func NewConn(c net.Conn) *Conn {
	return &Conn{c: c}
}

// Dial connects to a responder at addr.
func Dial(ctx context.Context, addr string) (*Conn, error) {
	var d net.Dialer
	c, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, perrors.Wrapf(err, "could not dial responder %s", addr)
	}
	return NewConn(c), nil
}

// Send writes one frame.
func (c *Conn) Send(msg []byte) error {
	if len(msg) > MaxFrameSize {
		return perrors.Errorf("message of %d bytes exceeds the frame limit %d", len(msg), MaxFrameSize)
	}
	frame := make([]byte, frameHeaderSize, frameHeaderSize+len(msg))
	frame[0] = MessageTypeSPDM
	binary.BigEndian.PutUint16(frame[1:], uint16(len(msg)))
	frame = append(frame, msg...)
	if _, err := c.c.Write(frame); err != nil {
		return perrors.Wrap(err, "could not send frame")
	}
	return nil
}

func isTimeout(err error) bool {
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

// Receive reads one frame, waiting at most timeout for it to begin and at most timeout again
// for the rest of it to arrive. A frame cut short breaks the connection.
func (c *Conn) Receive(timeout time.Duration) ([]byte, error) {
	if c.broken {
		return nil, perrors.New("connection lost frame synchronization")
	}
	if err := c.c.SetReadDeadline(time.Now().Add(timeout)); err != nil {
		return nil, perrors.Wrap(err, "could not set read deadline")
	}
	var hdr [frameHeaderSize]byte
	n, err := io.ReadFull(c.c, hdr[:])
	if err != nil {
		if isTimeout(err) && n == 0 {
			return nil, ErrTimeout
		}
		c.broken = n > 0
		return nil, perrors.Wrap(err, "could not read frame header")
	}
	if hdr[0] != MessageTypeSPDM {
		c.broken = true
		return nil, perrors.Errorf("frame message type 0x%02x, want 0x%02x", hdr[0], MessageTypeSPDM)
	}
	size := int(binary.BigEndian.Uint16(hdr[1:]))
	if size > MaxFrameSize {
		c.broken = true
		return nil, perrors.Errorf("frame of %d bytes exceeds the limit %d", size, MaxFrameSize)
	}
	if err := c.c.SetReadDeadline(time.Now().Add(timeout)); err != nil {
		c.broken = true
		return nil, perrors.Wrap(err, "could not set read deadline")
	}
	msg := make([]byte, size)
	if n, err := io.ReadFull(c.c, msg); err != nil {
		c.broken = true
		return nil, perrors.Wrapf(err, "frame payload stopped after %d of %d bytes", n, size)
	}
	return msg, nil
}

// Close closes the underlying connection.
func (c *Conn) Close() error {
	return c.c.Close()
}

// Serve accepts connections on l until ctx is done. Each connection gets its own Handler from
// newHandler and is served on its own goroutine, one message at a time.
func Serve(ctx context.Context, l net.Listener, newHandler func() Handler) error {
	go func() {
		<-ctx.Done()
		l.Close()
	}()
	for {
		c, err := l.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return perrors.Wrap(err, "accept failed")
		}
		go serveConn(ctx, NewConn(c), newHandler())
	}
}

// idlePoll bounds how long a served connection waits before rechecking ctx.
const idlePoll = time.Second

func serveConn(ctx context.Context, c *Conn, h Handler) {
	defer c.Close()
	peer := c.c.RemoteAddr()
	logger.Infof("serving %v", peer)
	for ctx.Err() == nil {
		msg, err := c.Receive(idlePoll)
		if errors.Is(err, ErrTimeout) {
			continue
		}
		if err != nil {
			if !errors.Is(err, io.EOF) {
				logger.Warningf("%v: %v", peer, err)
			}
			return
		}
		resp, err := h.Handle(msg)
		if err != nil {
			logger.Errorf("%v: %v", peer, err)
			return
		}
		if resp == nil {
			continue
		}
		if err := c.Send(resp); err != nil {
			logger.Warningf("%v: %v", peer, err)
			return
		}
	}
}
