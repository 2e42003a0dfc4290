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

// Package der implements bounds-checked navigation of DER tag-length-value structures.
//
// None of the functions here know anything about certificate semantics. Every function takes
// the buffer it may read as its bound: callers restrict a walk to a sub-structure by slicing the
// buffer rather than trusting an implicit ceiling.
package der

import (
	"bytes"
	"errors"
	"fmt"
)

// DER tags used by the certificate profile.
const (
	TagBoolean         = 0x01
	TagInteger         = 0x02
	TagBitString       = 0x03
	TagOctetString     = 0x04
	TagNull            = 0x05
	TagOID             = 0x06
	TagUTF8String      = 0x0c
	TagPrintableString = 0x13
	TagUTCTime         = 0x17
	TagGeneralizedTime = 0x18
	TagSequence        = 0x30
	TagSet             = 0x31
	// TagContext0 is the constructed context-specific tag [0].
	TagContext0 = 0xa0
	// TagContext3 is the constructed context-specific tag [3].
	TagContext3 = 0xa3
)

const (
	// MaxStructSize is the ceiling on the size of any single TLV, header included.
	MaxStructSize = 0x2000
	// AnyLength tells Expect not to check the value length.
	AnyLength = -1

	maxLengthBytes = 4
	highTagNumber  = 0x1f
)

// ErrMalformed is returned (wrapped) for every structural violation.
var ErrMalformed = errors.New("malformed DER")

func malformed(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrMalformed, fmt.Sprintf(format, args...))
}

// header decodes the tag and length at off. It returns the size of the header and the size of
// the value. The whole TLV is guaranteed to lie within buf when err is nil.
func header(buf []byte, off int) (int, int, error) {
	if off < 0 || off >= len(buf) {
		return 0, 0, malformed("offset %d outside buffer of size %d", off, len(buf))
	}
	if buf[off]&highTagNumber == highTagNumber {
		return 0, 0, malformed("multi-byte tag 0x%02x at offset %d", buf[off], off)
	}
	if off+2 > len(buf) {
		return 0, 0, malformed("truncated length at offset %d", off)
	}
	first := buf[off+1]
	hdr := 2
	var n int
	if first == 0 {
		return 0, 0, malformed("zero length at offset %d", off+1)
	}
	if first < 0x80 {
		n = int(first)
	} else {
		count := int(first & 0x7f)
		// 0x80 is the indefinite form and anything above 0x84 cannot fit the ceiling.
		if count == 0 || count > maxLengthBytes {
			return 0, 0, malformed("length byte 0x%02x at offset %d", first, off+1)
		}
		if off+2+count > len(buf) {
			return 0, 0, malformed("truncated long-form length at offset %d", off+1)
		}
		if buf[off+2] == 0 {
			return 0, 0, malformed("non-minimal long-form length at offset %d", off+1)
		}
		for i := 0; i < count; i++ {
			n = n<<8 | int(buf[off+2+i])
			if n > MaxStructSize {
				return 0, 0, malformed("length exceeds maximum structure size 0x%x at offset %d", MaxStructSize, off+1)
			}
		}
		if n < 0x80 {
			return 0, 0, malformed("long-form length %d should be short-form at offset %d", n, off+1)
		}
		hdr += count
	}
	if hdr+n > MaxStructSize {
		return 0, 0, malformed("structure size %d exceeds maximum 0x%x at offset %d", hdr+n, MaxStructSize, off)
	}
	if off+hdr+n > len(buf) {
		return 0, 0, malformed("structure at offset %d of size %d overruns buffer of size %d", off, hdr+n, len(buf))
	}
	return hdr, n, nil
}

// GotoNext returns the increment that steps over the TLV at off. The increment is never 0 when
// err is nil; on error it is 0 and must not be added to an offset.
func GotoNext(buf []byte, off int) (int, error) {
	hdr, n, err := header(buf, off)
	if err != nil {
		return 0, err
	}
	return hdr + n, nil
}

// GotoValue returns the increment that steps into the value of the TLV at off.
func GotoValue(buf []byte, off int) (int, error) {
	hdr, _, err := header(buf, off)
	if err != nil {
		return 0, err
	}
	return hdr, nil
}

// Tag returns the tag byte at off.
func Tag(buf []byte, off int) (byte, error) {
	if off < 0 || off >= len(buf) {
		return 0, malformed("offset %d outside buffer of size %d", off, len(buf))
	}
	return buf[off], nil
}

// Element returns the complete TLV at off.
func Element(buf []byte, off int) ([]byte, error) {
	n, err := GotoNext(buf, off)
	if err != nil {
		return nil, err
	}
	return buf[off : off+n], nil
}

// Value returns the value bytes of the TLV at off.
func Value(buf []byte, off int) ([]byte, error) {
	hdr, n, err := header(buf, off)
	if err != nil {
		return nil, err
	}
	return buf[off+hdr : off+hdr+n], nil
}

// Expect checks that the TLV at off carries the given tag and, unless length is AnyLength, a
// value of exactly length bytes. If value is non-nil the value bytes must equal it.
func Expect(buf []byte, off int, tag byte, length int, value []byte) error {
	hdr, n, err := header(buf, off)
	if err != nil {
		return err
	}
	if buf[off] != tag {
		return malformed("tag 0x%02x at offset %d, want 0x%02x", buf[off], off, tag)
	}
	if length != AnyLength && n != length {
		return malformed("length %d at offset %d, want %d", n, off, length)
	}
	if value != nil && !bytes.Equal(buf[off+hdr:off+hdr+n], value) {
		return malformed("unexpected value at offset %d", off)
	}
	return nil
}

// Walk calls fn with the offset of each consecutive TLV in buf. The TLVs must exactly cover buf.
func Walk(buf []byte, fn func(off int) error) error {
	off := 0
	for off < len(buf) {
		inc, err := GotoNext(buf, off)
		if err != nil {
			return err
		}
		if err := fn(off); err != nil {
			return err
		}
		off += inc
	}
	return nil
}

// EncodeLength returns the DER encoding of a value length.
func EncodeLength(n int) []byte {
	if n < 0x80 {
		return []byte{byte(n)}
	}
	var be []byte
	for v := n; v > 0; v >>= 8 {
		be = append([]byte{byte(v)}, be...)
	}
	return append([]byte{0x80 | byte(len(be))}, be...)
}
