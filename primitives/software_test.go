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
	"testing"
)

func TestSignVerify(t *testing.T) {
	c := &Software{}
	for _, w := range []Width{W256, W384} {
		t.Run(w.String(), func(t *testing.T) {
			priv, pub, err := GenerateKey(c, w)
			if err != nil {
				t.Fatal(err)
			}
			if pub.Width() != w {
				t.Fatalf("public key width %d, want %d", pub.Width(), w)
			}
			msg := []byte("transcript bytes")
			sig, err := c.Sign(pub, priv, msg, w)
			if err != nil {
				t.Fatal(err)
			}
			if !c.Verify(pub, sig, msg, w) {
				t.Error("Verify() = false for a fresh signature")
			}
			if c.Verify(pub, sig, []byte("other bytes"), w) {
				t.Error("Verify() = true for a different message")
			}
			wire := sig.Bytes()
			back, err := SignatureFromBytes(wire, w)
			if err != nil {
				t.Fatal(err)
			}
			if !bytes.Equal(back.R, sig.R) || !bytes.Equal(back.S, sig.S) {
				t.Error("SignatureFromBytes(sig.Bytes()) does not round trip")
			}
			_, other, err := GenerateKey(c, w)
			if err != nil {
				t.Fatal(err)
			}
			if _, err := c.Sign(other, priv, msg, w); err == nil {
				t.Error("Sign() with mismatched public key succeeded")
			}
		})
	}
}

func TestHashWidths(t *testing.T) {
	c := &Software{}
	for _, w := range []Width{W256, W384} {
		d, err := c.Hash([]byte("abc"), w)
		if err != nil {
			t.Fatal(err)
		}
		if len(d) != int(w) {
			t.Errorf("Hash width %v gave %d bytes", w, len(d))
		}
	}
	if _, err := c.Hash(nil, Width(20)); err == nil {
		t.Error("Hash with width 20 succeeded")
	}
}

func TestPublicKeyRejectsZero(t *testing.T) {
	c := &Software{}
	if _, err := c.PublicKey(make([]byte, W384), W384); err == nil {
		t.Error("PublicKey(0) succeeded")
	}
}
