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
	"io"
	// Insecure randomness for reproducible keys and nonces.
	"math/rand"
	"sync"

	"github.com/google/go-spdm-attest/primitives"
)

// Seed is the default seed of the deterministic entropy source.
const Seed = 0xc0de

type lockedReader struct {
	mu sync.Mutex
	r  *rand.Rand
}

func (l *lockedReader) Read(p []byte) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.r.Read(p)
}

// Entropy returns a reproducible entropy source. It is safe for concurrent use.
func Entropy(seed int64) io.Reader {
	return &lockedReader{r: rand.New(rand.NewSource(seed))}
}

// Crypto returns software crypto whose keys and nonces are reproducible from seed.
func Crypto(seed int64) *primitives.Software {
	return &primitives.Software{Rand: Entropy(seed)}
}

// Recording is a Crypto that records every message it signs or verifies.
type Recording struct {
	primitives.Crypto

	mu       sync.Mutex
	signed   [][]byte
	verified [][]byte
}

// Sign records msg and delegates.
func (r *Recording) Sign(pub primitives.PublicKey, priv []byte, msg []byte, w primitives.Width) (primitives.Signature, error) {
	r.mu.Lock()
	r.signed = append(r.signed, bytes.Clone(msg))
	r.mu.Unlock()
	return r.Crypto.Sign(pub, priv, msg, w)
}

// Verify records msg and delegates.
func (r *Recording) Verify(pub primitives.PublicKey, sig primitives.Signature, msg []byte, w primitives.Width) bool {
	r.mu.Lock()
	r.verified = append(r.verified, bytes.Clone(msg))
	r.mu.Unlock()
	return r.Crypto.Verify(pub, sig, msg, w)
}

// Signed returns the signed messages in order.
func (r *Recording) Signed() [][]byte {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([][]byte(nil), r.signed...)
}

// Verified returns the verified messages in order.
func (r *Recording) Verified() [][]byte {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([][]byte(nil), r.verified...)
}

// Reset forgets everything recorded.
func (r *Recording) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.signed = nil
	r.verified = nil
}
