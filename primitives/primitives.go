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

// Package primitives defines the cryptographic primitive contract that the certificate codec and
// the SPDM engine consume, and a software implementation of it.
//
// All values cross the contract as fixed-width big-endian byte strings of 32 or 48 bytes,
// selected by a Width.
package primitives

import (
	"fmt"
)

// Width is the byte width of digests, coordinates, and signature components.
type Width int

const (
	// W256 selects SHA-256 and ECDSA P-256.
	W256 Width = 32
	// W384 selects SHA-384 and ECDSA P-384.
	W384 Width = 48
)

// Valid returns true iff w is one of the supported widths.
func (w Width) Valid() bool {
	return w == W256 || w == W384
}

func (w Width) String() string {
	switch w {
	case W256:
		return "P-256/SHA-256"
	case W384:
		return "P-384/SHA-384"
	}
	return fmt.Sprintf("Width(%d)", int(w))
}

// PublicKey is an uncompressed elliptic curve point.
type PublicKey struct {
	X []byte
	Y []byte
}

// Width returns the coordinate width of the key, or 0 if the coordinates disagree.
func (k PublicKey) Width() Width {
	if len(k.X) != len(k.Y) {
		return 0
	}
	return Width(len(k.X))
}

// Signature is an ECDSA signature.
type Signature struct {
	R []byte
	S []byte
}

// Bytes returns R || S, the SPDM wire form of a signature.
func (s Signature) Bytes() []byte {
	out := make([]byte, 0, len(s.R)+len(s.S))
	out = append(out, s.R...)
	return append(out, s.S...)
}

// SignatureFromBytes splits the SPDM wire form of a signature.
func SignatureFromBytes(b []byte, w Width) (Signature, error) {
	if len(b) != 2*int(w) {
		return Signature{}, fmt.Errorf("signature is %d bytes, want %d", len(b), 2*int(w))
	}
	return Signature{R: b[:w], S: b[w:]}, nil
}

// Crypto is the contract of the hardware crypto accelerator.
type Crypto interface {
	// Hash returns the digest of data.
	Hash(data []byte, w Width) ([]byte, error)
	// Verify hashes msg and checks sig against pub.
	Verify(pub PublicKey, sig Signature, msg []byte, w Width) bool
	// Sign hashes msg and signs it with priv, whose public half is pub.
	Sign(pub PublicKey, priv []byte, msg []byte, w Width) (Signature, error)
	// PublicKey derives the public key of the private scalar priv.
	PublicKey(priv []byte, w Width) (PublicKey, error)
	// Random returns n bytes from the entropy source.
	Random(n int) ([]byte, error)
}

const keyGenAttempts = 16

// GenerateKey draws a private scalar from c's entropy source and derives its public key.
func GenerateKey(c Crypto, w Width) ([]byte, PublicKey, error) {
	if !w.Valid() {
		return nil, PublicKey{}, fmt.Errorf("unsupported width %d", w)
	}
	var lastErr error
	// A random scalar can fall outside [1, N-1]; draw again when it does.
	for i := 0; i < keyGenAttempts; i++ {
		priv, err := c.Random(int(w))
		if err != nil {
			return nil, PublicKey{}, err
		}
		pub, err := c.PublicKey(priv, w)
		if err == nil {
			return priv, pub, nil
		}
		lastErr = err
	}
	return nil, PublicKey{}, fmt.Errorf("could not generate a %v key: %v", w, lastErr)
}
