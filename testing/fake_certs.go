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

// Package testing defines fakes, fixtures, and scripted transports for the attestation engine.
package testing

import (
	"flag"
	"testing"

	"github.com/google/go-spdm-attest/abi"
	"github.com/google/go-spdm-attest/cert"
	"github.com/google/go-spdm-attest/primitives"
	"github.com/google/go-spdm-attest/store"
	"github.com/google/uuid"
)

// Width decides the width of fixtures built with GetWidth.
var Width = flag.Int("spdm_width", 384, "The hash and signature width in bits of test identities: 256 or 384.")

// GetWidth returns the --spdm_width flag value, defaulting to 384 for unknown values.
func GetWidth() primitives.Width {
	if *Width == 256 {
		return primitives.W256
	}
	return primitives.W384
}

// Widths lists every supported width.
var Widths = []primitives.Width{primitives.W256, primitives.W384}

// PeerID identifies the fixture peer in policies.
var PeerID = uuid.MustParse("6a0c2a3e-1f0b-4c1e-9e7e-5d2f8b1a7c01")

// KeyPairs returns n fresh key pairs.
func KeyPairs(tb testing.TB, c primitives.Crypto, w primitives.Width, n int) []cert.KeyPair {
	tb.Helper()
	keys := make([]cert.KeyPair, 0, n)
	for i := 0; i < n; i++ {
		priv, pub, err := primitives.GenerateKey(c, w)
		if err != nil {
			tb.Fatalf("GenerateKey(%v) = %v", w, err)
		}
		keys = append(keys, cert.KeyPair{Private: priv, Public: pub})
	}
	return keys
}

// Chain returns a chain of n certificates with the default templates and its keys.
func Chain(tb testing.TB, c primitives.Crypto, w primitives.Width, n int) ([]byte, []cert.KeyPair) {
	tb.Helper()
	keys := KeyPairs(tb, c, w, n)
	chain, err := cert.GenerateChain(c, w, keys, nil)
	if err != nil {
		tb.Fatalf("GenerateChain(%v, %d) = %v", w, n, err)
	}
	return chain, keys
}

// Identity returns a freshly generated device identity.
func Identity(tb testing.TB, c primitives.Crypto, w primitives.Width) *store.Identity {
	tb.Helper()
	id, err := store.GenerateIdentity(c, w)
	if err != nil {
		tb.Fatalf("GenerateIdentity(%v) = %v", w, err)
	}
	return id
}

// Measurements returns the fixture measurements: a firmware digest at index 1 and a raw
// configuration value at index 2.
func Measurements() *store.Measurements {
	return &store.Measurements{Entries: []store.Measurement{
		{Index: 1, Type: abi.MutableFirmware, Value: store.HexBytes{
			0x5f, 0x0b, 0x7a, 0x21, 0x3d, 0x99, 0xc4, 0x08, 0x1e, 0x62, 0xaa, 0x40, 0x77, 0x13, 0xe5, 0x9c,
			0x2b, 0x80, 0x6d, 0xf1, 0x34, 0x0e, 0xb2, 0x58, 0xc9, 0x17, 0x4f, 0xa3, 0x66, 0xd0, 0x8e, 0x05,
		}},
		{Index: 2, Type: abi.FirmwareConfig | abi.RawBitStream, Value: store.HexBytes("production")},
	}}
}

// Policy returns a policy under which PeerID must report exactly m.
func Policy(m *store.Measurements) *store.Policy {
	return store.PolicyFor(PeerID, m)
}
