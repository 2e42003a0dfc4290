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

package cert

import (
	"bytes"
	"fmt"

	"github.com/google/go-spdm-attest/der"
)

// KeyUsage is a set of key usage bits. Bit i corresponds to the named bit i of the X.509
// KeyUsage BIT STRING.
type KeyUsage uint16

// Key usage bits used by the profile.
const (
	KeyUsageDigitalSignature KeyUsage = 1 << iota
	KeyUsageContentCommitment
	KeyUsageKeyEncipherment
	KeyUsageDataEncipherment
	KeyUsageKeyAgreement
	KeyUsageCertSign
	KeyUsageCRLSign
	KeyUsageEncipherOnly
	KeyUsageDecipherOnly

	keyUsageBits = 9
)

// ExtKeyUsage is a set of recognized key purposes.
type ExtKeyUsage uint8

// Recognized key purposes.
const (
	ExtKeyUsageServerAuth ExtKeyUsage = 1 << iota
	ExtKeyUsageClientAuth
	ExtKeyUsageCodeSigning
	ExtKeyUsageSpdmResponderAuth
	ExtKeyUsageSpdmRequesterAuth
)

var extKeyUsageOIDs = []struct {
	bit ExtKeyUsage
	oid []byte
}{
	{ExtKeyUsageServerAuth, der.MustMarshalOID(OidServerAuth)},
	{ExtKeyUsageClientAuth, der.MustMarshalOID(OidClientAuth)},
	{ExtKeyUsageCodeSigning, der.MustMarshalOID(OidCodeSigning)},
	{ExtKeyUsageSpdmResponderAuth, der.MustMarshalOID(OidSpdmResponderAuth)},
	{ExtKeyUsageSpdmRequesterAuth, der.MustMarshalOID(OidSpdmRequesterAuth)},
}

// Presence records whether an extension occurred and whether it was marked critical.
type Presence struct {
	Defined  bool
	Critical bool
}

// Extensions is the per-certificate extension context. It is built fresh for every certificate.
type Extensions struct {
	BasicConstraints Presence
	// CA is the basic constraints cA flag.
	CA bool
	// PathLen is the basic constraints path length constraint, or -1 when absent.
	PathLen int

	KeyUsage Presence
	Usage    KeyUsage

	ExtKeyUsage Presence
	// ExtUsage holds the recognized key purposes. Unrecognized purposes are ignored.
	ExtUsage ExtKeyUsage
}

func newExtensions() Extensions {
	return Extensions{PathLen: -1}
}

type extKind int

const (
	extUnknown extKind = iota
	extBasicConstraints
	extKeyUsage
	extExtKeyUsage
	extSubjectKeyID
)

func kindOf(oid []byte) extKind {
	switch {
	case bytes.Equal(oid, oidBasicConstraints):
		return extBasicConstraints
	case bytes.Equal(oid, oidKeyUsage):
		return extKeyUsage
	case bytes.Equal(oid, oidExtKeyUsage):
		return extExtKeyUsage
	case bytes.Equal(oid, oidSubjectKeyID):
		return extSubjectKeyID
	}
	return extUnknown
}

// encodeKeyUsage returns the BIT STRING content octets (unused-bit count first) of u. Trailing
// zero bits are trimmed as DER requires for named bit lists.
func encodeKeyUsage(u KeyUsage) []byte {
	var bits [2]byte
	last := -1
	for i := 0; i < keyUsageBits; i++ {
		if u&(1<<i) != 0 {
			bits[i/8] |= 0x80 >> (i % 8)
			last = i
		}
	}
	if last < 0 {
		return []byte{0}
	}
	n := last/8 + 1
	unused := byte(7 - last%8)
	return append([]byte{unused}, bits[:n]...)
}

// decodeKeyUsage is the inverse of encodeKeyUsage.
func decodeKeyUsage(content []byte) (KeyUsage, error) {
	if len(content) == 0 {
		return 0, fmt.Errorf("%w: empty key usage BIT STRING", der.ErrMalformed)
	}
	unused := content[0]
	bits := content[1:]
	if unused > 7 || (len(bits) == 0 && unused != 0) {
		return 0, fmt.Errorf("%w: key usage with %d unused bits", der.ErrMalformed, unused)
	}
	if len(bits) > 2 {
		return 0, fmt.Errorf("%w: key usage of %d bytes", der.ErrMalformed, len(bits))
	}
	if len(bits) > 0 && bits[len(bits)-1]&(1<<unused-1) != 0 {
		return 0, fmt.Errorf("%w: key usage unused bits are set", der.ErrMalformed)
	}
	var u KeyUsage
	for i := 0; i < 8*len(bits); i++ {
		if bits[i/8]&(0x80>>(i%8)) == 0 {
			continue
		}
		if i >= keyUsageBits {
			return 0, fmt.Errorf("%w: key usage bit %d", der.ErrMalformed, i)
		}
		u |= 1 << i
	}
	return u, nil
}

// parseBasicConstraints decodes the BasicConstraints SEQUENCE in v.
func parseBasicConstraints(v []byte, ext *Extensions) error {
	if err := der.Expect(v, 0, der.TagSequence, der.AnyLength, nil); err != nil {
		return err
	}
	inc, err := der.GotoNext(v, 0)
	if err != nil {
		return err
	}
	if inc != len(v) {
		return fmt.Errorf("%w: trailing bytes after basic constraints", der.ErrMalformed)
	}
	body, err := der.Value(v, 0)
	if err != nil {
		return err
	}
	off := 0
	if off < len(body) && body[off] == der.TagBoolean {
		if err := der.Expect(body, off, der.TagBoolean, 1, nil); err != nil {
			return err
		}
		val, _ := der.Value(body, off)
		switch val[0] {
		case 0xff:
			ext.CA = true
		case 0x00:
			ext.CA = false
		default:
			return fmt.Errorf("%w: BOOLEAN 0x%02x", der.ErrMalformed, val[0])
		}
		inc, _ := der.GotoNext(body, off)
		off += inc
	}
	if off < len(body) {
		if err := der.Expect(body, off, der.TagInteger, der.AnyLength, nil); err != nil {
			return err
		}
		val, _ := der.Value(body, off)
		n, err := der.DecodeSmallUnsigned(val)
		if err != nil {
			return err
		}
		ext.PathLen = n
		inc, _ := der.GotoNext(body, off)
		off += inc
	}
	if off != len(body) {
		return fmt.Errorf("%w: trailing fields in basic constraints", der.ErrMalformed)
	}
	return nil
}

func parseKeyUsage(v []byte, ext *Extensions) error {
	if err := der.Expect(v, 0, der.TagBitString, der.AnyLength, nil); err != nil {
		return err
	}
	if inc, _ := der.GotoNext(v, 0); inc != len(v) {
		return fmt.Errorf("%w: trailing bytes after key usage", der.ErrMalformed)
	}
	content, _ := der.Value(v, 0)
	u, err := decodeKeyUsage(content)
	if err != nil {
		return err
	}
	ext.Usage = u
	return nil
}

func parseExtKeyUsage(v []byte, ext *Extensions) error {
	if err := der.Expect(v, 0, der.TagSequence, der.AnyLength, nil); err != nil {
		return err
	}
	if inc, _ := der.GotoNext(v, 0); inc != len(v) {
		return fmt.Errorf("%w: trailing bytes after extended key usage", der.ErrMalformed)
	}
	body, _ := der.Value(v, 0)
	if len(body) == 0 {
		return fmt.Errorf("%w: empty extended key usage", der.ErrMalformed)
	}
	return der.Walk(body, func(off int) error {
		if err := der.Expect(body, off, der.TagOID, der.AnyLength, nil); err != nil {
			return err
		}
		oid, _ := der.Value(body, off)
		for _, p := range extKeyUsageOIDs {
			if bytes.Equal(oid, p.oid) {
				ext.ExtUsage |= p.bit
			}
		}
		return nil
	})
}

// parseExtension decodes one Extension SEQUENCE { extnID, critical DEFAULT FALSE, extnValue }
// into ext.
func parseExtension(buf []byte, ext *Extensions) error {
	if err := der.Expect(buf, 0, der.TagSequence, der.AnyLength, nil); err != nil {
		return err
	}
	body, _ := der.Value(buf, 0)
	off := 0
	if err := der.Expect(body, off, der.TagOID, der.AnyLength, nil); err != nil {
		return err
	}
	oid, _ := der.Value(body, off)
	inc, _ := der.GotoNext(body, off)
	off += inc

	critical := false
	if t, err := der.Tag(body, off); err == nil && t == der.TagBoolean {
		if err := der.Expect(body, off, der.TagBoolean, 1, nil); err != nil {
			return err
		}
		val, _ := der.Value(body, off)
		switch val[0] {
		case 0xff:
			critical = true
		case 0x00:
		default:
			return fmt.Errorf("%w: BOOLEAN 0x%02x", der.ErrMalformed, val[0])
		}
		inc, _ := der.GotoNext(body, off)
		off += inc
	}
	if err := der.Expect(body, off, der.TagOctetString, der.AnyLength, nil); err != nil {
		return err
	}
	value, _ := der.Value(body, off)
	inc, _ = der.GotoNext(body, off)
	if off+inc != len(body) {
		return fmt.Errorf("%w: trailing fields in extension %s", der.ErrMalformed, der.OIDString(oid))
	}

	var slot *Presence
	var parse func([]byte, *Extensions) error
	switch kindOf(oid) {
	case extBasicConstraints:
		slot, parse = &ext.BasicConstraints, parseBasicConstraints
	case extKeyUsage:
		slot, parse = &ext.KeyUsage, parseKeyUsage
	case extExtKeyUsage:
		slot, parse = &ext.ExtKeyUsage, parseExtKeyUsage
	case extSubjectKeyID:
		return nil
	case extUnknown:
		if critical {
			return policyErr("unrecognized critical extension %s", der.OIDString(oid))
		}
		return nil
	}
	if slot.Defined {
		return fmt.Errorf("%w: duplicate extension %s", der.ErrMalformed, der.OIDString(oid))
	}
	slot.Defined = true
	slot.Critical = critical
	return parse(value, ext)
}

// parseExtensions decodes the value of the [3] EXPLICIT Extensions field.
func parseExtensions(v []byte) (Extensions, error) {
	ext := newExtensions()
	if err := der.Expect(v, 0, der.TagSequence, der.AnyLength, nil); err != nil {
		return ext, err
	}
	if inc, _ := der.GotoNext(v, 0); inc != len(v) {
		return ext, fmt.Errorf("%w: trailing bytes after extensions", der.ErrMalformed)
	}
	list, _ := der.Value(v, 0)
	err := der.Walk(list, func(off int) error {
		elem, err := der.Element(list, off)
		if err != nil {
			return err
		}
		return parseExtension(elem, &ext)
	})
	return ext, err
}

// Role selects the extension policy applied to a certificate.
type Role int

const (
	// RoleCA is a root or intermediate certificate.
	RoleCA Role = iota
	// RoleLeaf is the end-entity certificate whose key signs protocol messages.
	RoleLeaf
)

func (r Role) String() string {
	if r == RoleLeaf {
		return "leaf"
	}
	return "CA"
}

// checkRole applies the role-dependent extension policy.
func (e *Extensions) checkRole(r Role) error {
	switch r {
	case RoleCA:
		if !e.BasicConstraints.Defined || !e.CA {
			return policyErr("CA certificate is not marked cA=true")
		}
		if !e.KeyUsage.Defined || e.Usage&KeyUsageCertSign == 0 {
			return policyErr("CA certificate lacks keyCertSign")
		}
	case RoleLeaf:
		if e.BasicConstraints.Defined && e.CA {
			return policyErr("leaf certificate has cA=true")
		}
		if !e.KeyUsage.Defined || e.Usage&KeyUsageDigitalSignature == 0 {
			return policyErr("leaf certificate lacks digitalSignature")
		}
		if e.Usage&KeyUsageCertSign != 0 {
			return policyErr("leaf certificate has keyCertSign")
		}
	default:
		return fmt.Errorf("unknown role %d", r)
	}
	return nil
}
