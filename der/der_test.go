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

package der

import (
	"bytes"
	"encoding/asn1"
	"errors"
	"math/rand"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestGotoNext(t *testing.T) {
	long := make([]byte, 0x103)
	long[0] = TagOctetString
	long[1] = 0x82
	long[2] = 0x01
	long[3] = 0x00
	tests := []struct {
		name    string
		buf     []byte
		off     int
		want    int
		wantErr bool
	}{
		{name: "zero length", buf: []byte{TagNull, 0x00}, wantErr: true},
		{name: "empty sequence", buf: []byte{TagSequence, 0x00, 0xff}, wantErr: true},
		{name: "short", buf: []byte{TagInteger, 0x01, 0x05}, want: 3},
		{name: "long form", buf: append(long, 0), want: 0x104},
		{name: "second element", buf: []byte{TagBoolean, 0x01, 0xff, TagInteger, 0x01, 0x05}, off: 3, want: 3},
		{name: "indefinite", buf: []byte{TagSequence, 0x80, 0x00, 0x00}, wantErr: true},
		{name: "huge length of length", buf: []byte{TagSequence, 0xf4, 0x01, 0x02, 0x03, 0x04}, wantErr: true},
		{name: "five length bytes", buf: []byte{TagSequence, 0x85, 0x01, 0x01, 0x01, 0x01, 0x01}, wantErr: true},
		{name: "non-minimal long form", buf: []byte{TagSequence, 0x81, 0x05, 0, 0, 0, 0, 0}, wantErr: true},
		{name: "leading zero length byte", buf: []byte{TagSequence, 0x82, 0x00, 0x85}, wantErr: true},
		{name: "overrun", buf: []byte{TagInteger, 0x03, 0x05}, wantErr: true},
		{name: "truncated header", buf: []byte{TagInteger}, wantErr: true},
		{name: "offset past end", buf: []byte{TagInteger, 0x01, 0x05}, off: 3, wantErr: true},
		{name: "negative offset", buf: []byte{TagInteger, 0x01, 0x05}, off: -1, wantErr: true},
		{name: "over ceiling", buf: []byte{TagSequence, 0x82, 0x20, 0x00}, wantErr: true},
		{name: "high tag number", buf: []byte{0x1f, 0x01, 0x00}, wantErr: true},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got, err := GotoNext(tc.buf, tc.off)
			if (err != nil) != tc.wantErr {
				t.Fatalf("GotoNext(%x, %d) = %d, %v. Want error %v", tc.buf, tc.off, got, err, tc.wantErr)
			}
			if err != nil {
				if got != 0 {
					t.Errorf("GotoNext returned increment %d with error %v, want 0", got, err)
				}
				if !errors.Is(err, ErrMalformed) {
					t.Errorf("GotoNext error %v is not ErrMalformed", err)
				}
				return
			}
			if got != tc.want {
				t.Errorf("GotoNext(%x, %d) = %d, want %d", tc.buf, tc.off, got, tc.want)
			}
		})
	}
}

func TestGotoValue(t *testing.T) {
	if got, err := GotoValue([]byte{TagSequence, 0x81, 0x80}, 0); err == nil {
		t.Errorf("GotoValue on overrun structure = %d, want error", got)
	}
	buf := append([]byte{TagSequence, 0x81, 0x80}, make([]byte, 0x80)...)
	got, err := GotoValue(buf, 0)
	if err != nil || got != 3 {
		t.Errorf("GotoValue(long form) = %d, %v, want 3, nil", got, err)
	}
}

func TestWalkReachesEnd(t *testing.T) {
	b := NewBuilder()
	for i := 0; i < 40; i++ {
		AddPrimitive(b, TagOctetString, bytes.Repeat([]byte{byte(i)}, i*7))
		AddSequence(b, func(c *Builder) {
			AddUnsigned(c, []byte{byte(i), 0xff})
			AddBoolean(c, i%2 == 0)
		})
	}
	buf, err := b.Bytes()
	if err != nil {
		t.Fatal(err)
	}
	last := 0
	count := 0
	if err := Walk(buf, func(off int) error {
		if off < last || off >= len(buf) {
			t.Fatalf("offset %d not monotonic within [%d, %d)", off, last, len(buf))
		}
		last = off
		count++
		return nil
	}); err != nil {
		t.Fatalf("Walk() = %v", err)
	}
	if count != 80 {
		t.Errorf("Walk visited %d elements, want 80", count)
	}
	if err := Walk(buf[:len(buf)-1], func(int) error { return nil }); err == nil {
		t.Error("Walk on truncated buffer succeeded, want error")
	}
}

func TestExpect(t *testing.T) {
	buf := []byte{TagContext0, 0x03, TagInteger, 0x01, 0x02}
	if err := Expect(buf, 0, TagContext0, 3, nil); err != nil {
		t.Errorf("Expect([0]) = %v", err)
	}
	if err := Expect(buf, 2, TagInteger, 1, []byte{0x02}); err != nil {
		t.Errorf("Expect(INTEGER 2) = %v", err)
	}
	if err := Expect(buf, 2, TagInteger, AnyLength, []byte{0x01}); err == nil {
		t.Error("Expect with wrong value succeeded")
	}
	if err := Expect(buf, 0, TagSequence, AnyLength, nil); err == nil {
		t.Error("Expect with wrong tag succeeded")
	}
	if err := Expect(buf, 0, TagContext0, 4, nil); err == nil {
		t.Error("Expect with wrong length succeeded")
	}
}

func TestUnsignedRoundTrip(t *testing.T) {
	r := rand.New(rand.NewSource(0xde7))
	for _, width := range []int{1, 4, 32, 48} {
		for i := 0; i < 200; i++ {
			x := make([]byte, width)
			r.Read(x)
			// Exercise leading zero trimming.
			for j := 0; j < i%width; j++ {
				x[j] = 0
			}
			enc := EncodeUnsigned(x)
			if len(enc) > 1 && enc[0] == 0 && enc[1]&0x80 == 0 {
				t.Fatalf("EncodeUnsigned(%x) = %x is not minimal", x, enc)
			}
			if enc[0]&0x80 != 0 {
				t.Fatalf("EncodeUnsigned(%x) = %x is negative", x, enc)
			}
			got, err := DecodeUnsigned(enc, width)
			if err != nil {
				t.Fatalf("DecodeUnsigned(%x, %d) = %v", enc, width, err)
			}
			if !bytes.Equal(got, x) {
				t.Fatalf("DecodeUnsigned(EncodeUnsigned(%x)) = %x", x, got)
			}
		}
	}
}

func TestDecodeUnsignedErrors(t *testing.T) {
	tests := []struct {
		v     []byte
		width int
	}{
		{v: nil, width: 4},
		{v: []byte{0x80}, width: 4},
		{v: []byte{0x00, 0x01}, width: 4},
		{v: []byte{0x01, 0x02, 0x03}, width: 2},
		{v: []byte{0x00, 0x80, 0x02}, width: 1},
	}
	for _, tc := range tests {
		if got, err := DecodeUnsigned(tc.v, tc.width); err == nil {
			t.Errorf("DecodeUnsigned(%x, %d) = %x, want error", tc.v, tc.width, got)
		}
	}
}

func TestSmallUnsignedRoundTrip(t *testing.T) {
	for n := 0; n <= 300; n++ {
		got, err := DecodeSmallUnsigned(EncodeSmallUnsigned(n))
		if err != nil || got != n {
			t.Errorf("DecodeSmallUnsigned(EncodeSmallUnsigned(%d)) = %d, %v", n, got, err)
		}
	}
}

func TestOID(t *testing.T) {
	tests := []struct {
		oid  asn1.ObjectIdentifier
		want []byte
	}{
		{oid: asn1.ObjectIdentifier{1, 2, 840, 10045, 4, 3, 3}, want: []byte{0x2a, 0x86, 0x48, 0xce, 0x3d, 0x04, 0x03, 0x03}},
		{oid: asn1.ObjectIdentifier{1, 3, 132, 0, 34}, want: []byte{0x2b, 0x81, 0x04, 0x00, 0x22}},
		{oid: asn1.ObjectIdentifier{2, 5, 29, 19}, want: []byte{0x55, 0x1d, 0x13}},
	}
	for _, tc := range tests {
		got, err := MarshalOID(tc.oid)
		if err != nil {
			t.Fatalf("MarshalOID(%v) = %v", tc.oid, err)
		}
		if diff := cmp.Diff(got, tc.want); diff != "" {
			t.Errorf("MarshalOID(%v) diff (-got +want):\n%s", tc.oid, diff)
		}
		back, err := ParseOID(got)
		if err != nil {
			t.Fatalf("ParseOID(%x) = %v", got, err)
		}
		if !back.Equal(tc.oid) {
			t.Errorf("ParseOID(%x) = %v, want %v", got, back, tc.oid)
		}
		// Cross-check against encoding/asn1.
		full, err := asn1.Marshal(tc.oid)
		if err != nil {
			t.Fatal(err)
		}
		if !bytes.Equal(full[2:], got) {
			t.Errorf("MarshalOID(%v) = %x, encoding/asn1 gives %x", tc.oid, got, full[2:])
		}
	}
	if _, err := ParseOID([]byte{0x2a, 0x86}); err == nil {
		t.Error("ParseOID on truncated arc succeeded")
	}
}

func TestEncodeLength(t *testing.T) {
	for _, n := range []int{0, 1, 0x7f, 0x80, 0xff, 0x100, 0x1ff0} {
		enc := EncodeLength(n)
		buf := append([]byte{TagOctetString}, enc...)
		buf = append(buf, make([]byte, n)...)
		hdr, err := GotoValue(buf, 0)
		if err != nil {
			t.Fatalf("GotoValue with length %d: %v", n, err)
		}
		if hdr != 1+len(enc) {
			t.Errorf("header size %d for length %d, want %d", hdr, n, 1+len(enc))
		}
	}
}
