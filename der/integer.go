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
	"encoding/asn1"
	"strconv"
	"strings"
)

// EncodeUnsigned returns the INTEGER value bytes for the big-endian unsigned number be. Leading
// zero bytes are trimmed, and a single zero byte is prepended when the top bit is set.
func EncodeUnsigned(be []byte) []byte {
	i := 0
	for i < len(be)-1 && be[i] == 0 {
		i++
	}
	trimmed := be[i:]
	if len(trimmed) == 0 {
		return []byte{0}
	}
	if trimmed[0]&0x80 != 0 {
		return append([]byte{0}, trimmed...)
	}
	out := make([]byte, len(trimmed))
	copy(out, trimmed)
	return out
}

// DecodeUnsigned is the inverse of EncodeUnsigned. It restores a width-byte big-endian number
// from INTEGER value bytes, rejecting negative, non-minimal, and too-wide encodings.
func DecodeUnsigned(v []byte, width int) ([]byte, error) {
	if len(v) == 0 {
		return nil, malformed("empty INTEGER")
	}
	if v[0]&0x80 != 0 {
		return nil, malformed("negative INTEGER")
	}
	if len(v) > 1 && v[0] == 0 {
		if v[1]&0x80 == 0 {
			return nil, malformed("non-minimal INTEGER")
		}
		v = v[1:]
	}
	if len(v) > width {
		return nil, malformed("INTEGER of %d bytes exceeds width %d", len(v), width)
	}
	out := make([]byte, width)
	copy(out[width-len(v):], v)
	return out, nil
}

// DecodeSmallUnsigned decodes a non-negative INTEGER value that fits in 31 bits.
func DecodeSmallUnsigned(v []byte) (int, error) {
	be, err := DecodeUnsigned(v, 4)
	if err != nil {
		return 0, err
	}
	if be[0]&0x80 != 0 {
		return 0, malformed("INTEGER too large")
	}
	return int(be[0])<<24 | int(be[1])<<16 | int(be[2])<<8 | int(be[3]), nil
}

// EncodeSmallUnsigned returns the INTEGER value bytes of a non-negative int.
func EncodeSmallUnsigned(n int) []byte {
	return EncodeUnsigned([]byte{byte(n >> 24), byte(n >> 16), byte(n >> 8), byte(n)})
}

// MarshalOID returns the value bytes of an OBJECT IDENTIFIER.
func MarshalOID(oid asn1.ObjectIdentifier) ([]byte, error) {
	if len(oid) < 2 || oid[0] > 2 || (oid[0] < 2 && oid[1] >= 40) {
		return nil, malformed("invalid object identifier %v", oid)
	}
	out := appendBase128(nil, oid[0]*40+oid[1])
	for _, arc := range oid[2:] {
		if arc < 0 {
			return nil, malformed("invalid object identifier %v", oid)
		}
		out = appendBase128(out, arc)
	}
	return out, nil
}

func appendBase128(out []byte, n int) []byte {
	var tmp []byte
	tmp = append(tmp, byte(n&0x7f))
	for n >>= 7; n > 0; n >>= 7 {
		tmp = append([]byte{byte(n&0x7f) | 0x80}, tmp...)
	}
	return append(out, tmp...)
}

// ParseOID decodes OBJECT IDENTIFIER value bytes.
func ParseOID(v []byte) (asn1.ObjectIdentifier, error) {
	if len(v) == 0 {
		return nil, malformed("empty object identifier")
	}
	var arcs []int
	n := 0
	for i, b := range v {
		if n == 0 && b == 0x80 {
			return nil, malformed("non-minimal object identifier arc")
		}
		if n > 1<<24 {
			return nil, malformed("object identifier arc too large")
		}
		n = n<<7 | int(b&0x7f)
		if b&0x80 != 0 {
			if i == len(v)-1 {
				return nil, malformed("truncated object identifier")
			}
			continue
		}
		if len(arcs) == 0 {
			switch {
			case n < 40:
				arcs = append(arcs, 0, n)
			case n < 80:
				arcs = append(arcs, 1, n-40)
			default:
				arcs = append(arcs, 2, n-80)
			}
		} else {
			arcs = append(arcs, n)
		}
		n = 0
	}
	return asn1.ObjectIdentifier(arcs), nil
}

// MustMarshalOID is MarshalOID for package-level OID tables.
func MustMarshalOID(oid asn1.ObjectIdentifier) []byte {
	b, err := MarshalOID(oid)
	if err != nil {
		panic(err)
	}
	return b
}

// OIDString formats OID value bytes for error messages.
func OIDString(v []byte) string {
	oid, err := ParseOID(v)
	if err != nil {
		return "<invalid OID>"
	}
	parts := make([]string, len(oid))
	for i, arc := range oid {
		parts[i] = strconv.Itoa(arc)
	}
	return strings.Join(parts, ".")
}
