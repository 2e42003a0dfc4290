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

// Package transcript provides the bounded append-only buffers whose contents are hashed and
// signed to bind an SPDM response to the exchange that preceded it.
package transcript

import (
	"errors"
	"fmt"
)

const (
	// DefaultAuthCapacity is the default capacity of the M1/M2 buffer. It holds the negotiation
	// messages, every certificate window, and the challenge.
	DefaultAuthCapacity = 16 * 1024
	// DefaultMeasurementCapacity is the default capacity of the L1/L2 buffer.
	DefaultMeasurementCapacity = 4 * 1024
)

// ErrOverflow is returned when an append does not fit the remaining capacity.
var ErrOverflow = errors.New("transcript capacity exceeded")

// Buffer is a fixed-capacity accumulator of protocol message bytes.
type Buffer struct {
	data []byte
	// last is the length before the most recent append.
	last int
}

// New returns an empty buffer that holds at most capacity bytes.
func New(capacity int) *Buffer {
	return &Buffer{data: make([]byte, 0, capacity)}
}

// Len returns the number of bytes held.
func (b *Buffer) Len() int { return len(b.data) }

// Cap returns the capacity.
func (b *Buffer) Cap() int { return cap(b.data) }

// Remaining returns the number of bytes that can still be appended.
func (b *Buffer) Remaining() int { return cap(b.data) - len(b.data) }

// Append adds msg, or fails with ErrOverflow and leaves the buffer unchanged.
func (b *Buffer) Append(msg []byte) error {
	return b.AppendLarge(msg)
}

// AppendLarge adds the concatenation of parts as a single unit: either all parts fit and are
// appended, or none is.
func (b *Buffer) AppendLarge(parts ...[]byte) error {
	n := 0
	for _, p := range parts {
		n += len(p)
	}
	if n > b.Remaining() {
		return fmt.Errorf("%w: %d bytes with %d remaining", ErrOverflow, n, b.Remaining())
	}
	b.last = len(b.data)
	for _, p := range parts {
		b.data = append(b.data, p...)
	}
	return nil
}

// Unwind removes the most recent append.
func (b *Buffer) Unwind() {
	b.data = b.data[:b.last]
}

// Mark returns the current length for a later Truncate.
func (b *Buffer) Mark() int { return len(b.data) }

// Truncate shrinks the buffer to n bytes. It has no effect if n is not smaller than Len.
func (b *Buffer) Truncate(n int) {
	if n < 0 {
		n = 0
	}
	if n < len(b.data) {
		b.data = b.data[:n]
	}
	if b.last > len(b.data) {
		b.last = len(b.data)
	}
}

// Reset empties the buffer.
func (b *Buffer) Reset() {
	b.data = b.data[:0]
	b.last = 0
}

// Bytes returns the accumulated bytes. The slice aliases the buffer until the next mutation.
func (b *Buffer) Bytes() []byte { return b.data }
