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
	"crypto/x509"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-spdm-attest/abi"
	"github.com/google/go-spdm-attest/cert"
	"github.com/google/go-spdm-attest/primitives"
	"github.com/google/go-spdm-attest/transport"
)

func TestCertificatesParse(t *testing.T) {
	for _, w := range Widths {
		c := Crypto(Seed)
		chain, keys := Chain(t, c, w, 3)
		certs, err := cert.Split(chain)
		if err != nil {
			t.Fatalf("Split() = %v", err)
		}
		if len(certs) != 3 {
			t.Fatalf("%v chain has %d certificates, want 3", w, len(certs))
		}
		for i, raw := range certs {
			if _, err := x509.ParseCertificate(raw); err != nil {
				t.Errorf("%v certificate %d: x509.ParseCertificate() = %v", w, i, err)
			}
		}
		leaf, err := cert.VerifyChain(chain, &cert.Options{Crypto: c, Width: w})
		if err != nil {
			t.Fatalf("VerifyChain() = %v", err)
		}
		if !bytes.Equal(leaf.X, keys[2].Public.X) || !bytes.Equal(leaf.Y, keys[2].Public.Y) {
			t.Errorf("%v leaf key differs from the generator's input", w)
		}
	}
}

func TestEntropyReproducible(t *testing.T) {
	a, _ := Crypto(Seed).Random(64)
	b, _ := Crypto(Seed).Random(64)
	if diff := cmp.Diff(a, b); diff != "" {
		t.Errorf("Random() with one seed differs: %s", diff)
	}
	id1 := Identity(t, Crypto(Seed), GetWidth())
	id2 := Identity(t, Crypto(Seed), GetWidth())
	if !bytes.Equal(id1.PrivateKey, id2.PrivateKey) {
		t.Error("Identity() keys differ for one seed")
	}
}

func TestIdentityChecks(t *testing.T) {
	c := Crypto(Seed)
	id := Identity(t, c, GetWidth())
	if err := id.Check(c); err != nil {
		t.Errorf("Identity().Check() = %v", err)
	}
}

func TestScriptedTransport(t *testing.T) {
	getVersion := abi.MarshalGetVersion()
	tr := &Transport{Exchanges: []Exchange{
		{Request: getVersion, Reply: []byte{1, 2, 3, 4}},
		{Code: abi.GetCapabilities},
	}}
	if err := tr.Send(getVersion); err != nil {
		t.Fatal(err)
	}
	got, err := tr.Receive(0)
	if err != nil || !bytes.Equal(got, []byte{1, 2, 3, 4}) {
		t.Errorf("Receive() = %x, %v, want 01020304", got, err)
	}
	if err := tr.Send([]byte{abi.Version11, uint8(abi.GetCapabilities), 0, 0}); err != nil {
		t.Fatal(err)
	}
	if _, err := tr.Receive(0); err != transport.ErrTimeout {
		t.Errorf("Receive() = %v, want ErrTimeout", err)
	}
	tr.Done(t)
}

func TestRecording(t *testing.T) {
	w := GetWidth()
	r := &Recording{Crypto: Crypto(Seed)}
	priv, pub, err := primitives.GenerateKey(r, w)
	if err != nil {
		t.Fatal(err)
	}
	sig, err := r.Sign(pub, priv, []byte("signed"), w)
	if err != nil {
		t.Fatal(err)
	}
	if !r.Verify(pub, sig, []byte("signed"), w) {
		t.Error("Verify() = false for a fresh signature")
	}
	want := [][]byte{[]byte("signed")}
	if diff := cmp.Diff(want, r.Signed()); diff != "" {
		t.Errorf("Signed() mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff(want, r.Verified()); diff != "" {
		t.Errorf("Verified() mismatch (-want +got):\n%s", diff)
	}
}
