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

package primitives

import (
	"bytes"
	"crypto/ecdh"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha256"
	"crypto/sha512"
	"fmt"
	"io"
	"math/big"
)

// Software implements Crypto with the Go standard library.
type Software struct {
	// Rand is the entropy source. If nil, crypto/rand.Reader is used.
	Rand io.Reader
}

func (s *Software) rand() io.Reader {
	if s.Rand == nil {
		return rand.Reader
	}
	return s.Rand
}

func curves(w Width) (elliptic.Curve, ecdh.Curve, error) {
	switch w {
	case W256:
		return elliptic.P256(), ecdh.P256(), nil
	case W384:
		return elliptic.P384(), ecdh.P384(), nil
	}
	return nil, nil, fmt.Errorf("unsupported width %d", w)
}

// Hash returns SHA-256 or SHA-384 of data.
func (s *Software) Hash(data []byte, w Width) ([]byte, error) {
	switch w {
	case W256:
		sum := sha256.Sum256(data)
		return sum[:], nil
	case W384:
		sum := sha512.Sum384(data)
		return sum[:], nil
	}
	return nil, fmt.Errorf("unsupported width %d", w)
}

// Verify checks an ECDSA signature over the digest of msg.
func (s *Software) Verify(pub PublicKey, sig Signature, msg []byte, w Width) bool {
	curve, _, err := curves(w)
	if err != nil || pub.Width() != w || len(sig.R) != int(w) || len(sig.S) != int(w) {
		return false
	}
	digest, err := s.Hash(msg, w)
	if err != nil {
		return false
	}
	key := &ecdsa.PublicKey{
		Curve: curve,
		X:     new(big.Int).SetBytes(pub.X),
		Y:     new(big.Int).SetBytes(pub.Y),
	}
	return ecdsa.Verify(key, digest, new(big.Int).SetBytes(sig.R), new(big.Int).SetBytes(sig.S))
}

// Sign returns an ECDSA signature over the digest of msg.
func (s *Software) Sign(pub PublicKey, priv []byte, msg []byte, w Width) (Signature, error) {
	curve, _, err := curves(w)
	if err != nil {
		return Signature{}, err
	}
	derived, err := s.PublicKey(priv, w)
	if err != nil {
		return Signature{}, err
	}
	if !bytes.Equal(derived.X, pub.X) || !bytes.Equal(derived.Y, pub.Y) {
		return Signature{}, fmt.Errorf("public key does not belong to the private key")
	}
	digest, err := s.Hash(msg, w)
	if err != nil {
		return Signature{}, err
	}
	key := &ecdsa.PrivateKey{
		PublicKey: ecdsa.PublicKey{
			Curve: curve,
			X:     new(big.Int).SetBytes(pub.X),
			Y:     new(big.Int).SetBytes(pub.Y),
		},
		D: new(big.Int).SetBytes(priv),
	}
	r, ss, err := ecdsa.Sign(s.rand(), key, digest)
	if err != nil {
		return Signature{}, err
	}
	return Signature{
		R: r.FillBytes(make([]byte, w)),
		S: ss.FillBytes(make([]byte, w)),
	}, nil
}

// PublicKey derives the public point of priv.
func (s *Software) PublicKey(priv []byte, w Width) (PublicKey, error) {
	_, curve, err := curves(w)
	if err != nil {
		return PublicKey{}, err
	}
	key, err := curve.NewPrivateKey(priv)
	if err != nil {
		return PublicKey{}, fmt.Errorf("invalid %v private key: %v", w, err)
	}
	point := key.PublicKey().Bytes()
	// Uncompressed form: 0x04 || X || Y.
	if len(point) != 1+2*int(w) || point[0] != 4 {
		return PublicKey{}, fmt.Errorf("unexpected public point encoding of %d bytes", len(point))
	}
	return PublicKey{X: point[1 : 1+w], Y: point[1+w:]}, nil
}

// Random reads n bytes from the entropy source.
func (s *Software) Random(n int) ([]byte, error) {
	out := make([]byte, n)
	if _, err := io.ReadFull(s.rand(), out); err != nil {
		return nil, fmt.Errorf("entropy source failed: %v", err)
	}
	return out, nil
}
