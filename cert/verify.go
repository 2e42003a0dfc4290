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
	"errors"
	"fmt"

	"github.com/google/go-spdm-attest/der"
	"github.com/google/go-spdm-attest/primitives"
)

const (
	maxSerialSize = 20
	// tagIssuerUID and tagSubjectUID are the IMPLICIT [1] and [2] unique identifiers.
	tagIssuerUID  = 0x81
	tagSubjectUID = 0x82
)

var versionV3 = []byte{der.TagInteger, 1, 2}

// Span locates a TLV (or a value) within a certificate buffer.
type Span struct {
	Off int
	Len int
}

// In returns the bytes of s within buf.
func (s Span) In(buf []byte) []byte {
	return buf[s.Off : s.Off+s.Len]
}

// Certificate holds the locations of the fields of one verified certificate within Raw. Nothing
// is copied out of Raw.
type Certificate struct {
	Raw []byte
	// TBS is the signed content, header included.
	TBS Span
	// SignatureAlgorithm is the outer AlgorithmIdentifier.
	SignatureAlgorithm Span
	// Signature is the outer BIT STRING.
	Signature Span
	// SerialNumber is the INTEGER value.
	SerialNumber Span
	// Issuer and Subject are the complete Name TLVs.
	Issuer  Span
	Subject Span

	NotBefore Date
	NotAfter  Date
	// PublicKey coordinates alias Raw.
	PublicKey  primitives.PublicKey
	Extensions Extensions
}

// Size returns the encoded length of the certificate.
func (c *Certificate) Size() int {
	return len(c.Raw)
}

// IssuerName returns the issuer Name TLV.
func (c *Certificate) IssuerName() []byte { return c.Issuer.In(c.Raw) }

// SubjectName returns the subject Name TLV.
func (c *Certificate) SubjectName() []byte { return c.Subject.In(c.Raw) }

// Size returns the length of the certificate that starts buf.
func Size(buf []byte) (int, error) {
	if err := der.Expect(buf, 0, der.TagSequence, der.AnyLength, nil); err != nil {
		return 0, err
	}
	return der.GotoNext(buf, 0)
}

// cursor walks the children of one constructed value. Offsets are relative to the certificate.
type cursor struct {
	buf []byte
	off int
	end int
}

func (c *cursor) done() bool { return c.off >= c.end }

// window restricts navigation to the children so nothing outside the parent value is read.
func (c *cursor) window() []byte { return c.buf[:c.end] }

func (c *cursor) tag() (byte, error) {
	if c.done() {
		return 0, fmt.Errorf("%w: missing field at offset %d", der.ErrMalformed, c.off)
	}
	return der.Tag(c.window(), c.off)
}

// expect checks the next child and returns its element span, then steps over it.
func (c *cursor) expect(tag byte, length int, value []byte) (Span, error) {
	if c.done() {
		return Span{}, fmt.Errorf("%w: missing field at offset %d", der.ErrMalformed, c.off)
	}
	w := c.window()
	if err := der.Expect(w, c.off, tag, length, value); err != nil {
		return Span{}, err
	}
	inc, err := der.GotoNext(w, c.off)
	if err != nil {
		return Span{}, err
	}
	s := Span{Off: c.off, Len: inc}
	c.off += inc
	return s, nil
}

// valueSpan returns the span of the value of the element at s.
func valueSpan(buf []byte, s Span) Span {
	hdr, _ := der.GotoValue(buf, s.Off)
	return Span{Off: s.Off + hdr, Len: s.Len - hdr}
}

// enter returns a cursor over the children of the element at s.
func enter(buf []byte, s Span) *cursor {
	v := valueSpan(buf, s)
	return &cursor{buf: buf, off: v.Off, end: v.Off + v.Len}
}

func (c *cursor) finish(what string) error {
	if c.off != c.end {
		return fmt.Errorf("%w: trailing bytes in %s", der.ErrMalformed, what)
	}
	return nil
}

// algorithm checks an AlgorithmIdentifier holding exactly the given OID.
func algorithm(buf []byte, s Span, oid []byte) error {
	c := enter(buf, s)
	if _, err := c.expect(der.TagOID, len(oid), oid); err != nil {
		return policyErr("unsupported signature algorithm: %v", err)
	}
	return c.finish("signature algorithm")
}

func parseTime(c *cursor) (Date, error) {
	t, err := c.tag()
	if err != nil {
		return Date{}, err
	}
	s, err := c.expect(t, der.AnyLength, nil)
	if err != nil {
		return Date{}, err
	}
	d, err := parseDate(t, valueSpan(c.buf, s).In(c.buf))
	if err != nil {
		return Date{}, fmt.Errorf("%w: %v", der.ErrMalformed, err)
	}
	return d, nil
}

// parsePublicKey checks SubjectPublicKeyInfo and extracts the point coordinates.
func parsePublicKey(buf []byte, s Span, sc scheme, w primitives.Width) (primitives.PublicKey, error) {
	var pub primitives.PublicKey
	c := enter(buf, s)
	alg, err := c.expect(der.TagSequence, der.AnyLength, nil)
	if err != nil {
		return pub, err
	}
	a := enter(buf, alg)
	if _, err := a.expect(der.TagOID, len(oidEcPublicKey), oidEcPublicKey); err != nil {
		return pub, policyErr("public key is not an EC key: %v", err)
	}
	if _, err := a.expect(der.TagOID, len(sc.curve), sc.curve); err != nil {
		return pub, policyErr("public key is not on the %v curve: %v", w, err)
	}
	if err := a.finish("public key algorithm"); err != nil {
		return pub, err
	}
	// BIT STRING: no unused bits, uncompressed point 0x04 || X || Y.
	bits, err := c.expect(der.TagBitString, 2+2*int(w), nil)
	if err != nil {
		return pub, policyErr("public key is not an uncompressed %v point: %v", w, err)
	}
	v := valueSpan(buf, bits).In(buf)
	if v[0] != 0 || v[1] != 4 {
		return pub, policyErr("public key is not an uncompressed point")
	}
	if err := c.finish("subject public key info"); err != nil {
		return pub, err
	}
	pub.X = v[2 : 2+w]
	pub.Y = v[2+w:]
	return pub, nil
}

// parseSignature decodes BIT STRING { SEQUENCE { INTEGER r, INTEGER s } } to fixed width.
func parseSignature(buf []byte, s Span, w primitives.Width) (primitives.Signature, error) {
	var sig primitives.Signature
	v := valueSpan(buf, s).In(buf)
	if len(v) < 1 || v[0] != 0 {
		return sig, fmt.Errorf("%w: signature BIT STRING has unused bits", der.ErrMalformed)
	}
	body := v[1:]
	if err := der.Expect(body, 0, der.TagSequence, der.AnyLength, nil); err != nil {
		return sig, err
	}
	if inc, _ := der.GotoNext(body, 0); inc != len(body) {
		return sig, fmt.Errorf("%w: trailing bytes after signature", der.ErrMalformed)
	}
	seq, _ := der.Value(body, 0)
	var parts [][]byte
	err := der.Walk(seq, func(off int) error {
		if err := der.Expect(seq, off, der.TagInteger, der.AnyLength, nil); err != nil {
			return err
		}
		iv, _ := der.Value(seq, off)
		n, err := der.DecodeUnsigned(iv, int(w))
		if err != nil {
			return err
		}
		parts = append(parts, n)
		return nil
	})
	if err != nil {
		return sig, err
	}
	if len(parts) != 2 {
		return sig, fmt.Errorf("%w: signature has %d components", der.ErrMalformed, len(parts))
	}
	sig.R, sig.S = parts[0], parts[1]
	return sig, nil
}

// Verify checks the certificate that exactly fills buf against the profile in opts and the
// extension policy of role. The signature is checked with issuer, or with the certificate's own
// key when issuer is nil.
func Verify(buf []byte, issuer *primitives.PublicKey, role Role, opts *Options) (*Certificate, error) {
	if opts == nil || opts.Crypto == nil {
		return nil, errors.New("cert: options must provide Crypto")
	}
	sc, err := opts.scheme()
	if err != nil {
		return nil, err
	}
	w := opts.width()

	size, err := Size(buf)
	if err != nil {
		return nil, err
	}
	if size != len(buf) {
		return nil, fmt.Errorf("%w: certificate is %d bytes, buffer is %d", der.ErrMalformed, size, len(buf))
	}
	crt := &Certificate{Raw: buf}
	outer := enter(buf, Span{Len: size})
	if crt.TBS, err = outer.expect(der.TagSequence, der.AnyLength, nil); err != nil {
		return nil, err
	}
	if crt.SignatureAlgorithm, err = outer.expect(der.TagSequence, der.AnyLength, nil); err != nil {
		return nil, err
	}
	if crt.Signature, err = outer.expect(der.TagBitString, der.AnyLength, nil); err != nil {
		return nil, err
	}
	if err := outer.finish("certificate"); err != nil {
		return nil, err
	}
	if err := algorithm(buf, crt.SignatureAlgorithm, sc.sigAlg); err != nil {
		return nil, err
	}

	tbs := enter(buf, crt.TBS)
	version, err := tbs.expect(der.TagContext0, len(versionV3), nil)
	if err != nil {
		return nil, err
	}
	if !bytes.Equal(valueSpan(buf, version).In(buf), versionV3) {
		return nil, policyErr("certificate is not version 3")
	}
	serial, err := tbs.expect(der.TagInteger, der.AnyLength, nil)
	if err != nil {
		return nil, err
	}
	crt.SerialNumber = valueSpan(buf, serial)
	if crt.SerialNumber.Len < 1 || crt.SerialNumber.Len > maxSerialSize {
		return nil, fmt.Errorf("%w: serial number of %d bytes", der.ErrMalformed, crt.SerialNumber.Len)
	}
	innerAlg, err := tbs.expect(der.TagSequence, der.AnyLength, nil)
	if err != nil {
		return nil, err
	}
	if !bytes.Equal(innerAlg.In(buf), crt.SignatureAlgorithm.In(buf)) {
		return nil, policyErr("inner signature algorithm differs from outer")
	}
	if crt.Issuer, err = tbs.expect(der.TagSequence, der.AnyLength, nil); err != nil {
		return nil, err
	}
	validity, err := tbs.expect(der.TagSequence, der.AnyLength, nil)
	if err != nil {
		return nil, err
	}
	vc := enter(buf, validity)
	if crt.NotBefore, err = parseTime(vc); err != nil {
		return nil, err
	}
	if crt.NotAfter, err = parseTime(vc); err != nil {
		return nil, err
	}
	if err := vc.finish("validity"); err != nil {
		return nil, err
	}
	if crt.NotBefore.Compare(crt.NotAfter) > 0 {
		return nil, policyErr("notBefore %v is after notAfter %v", crt.NotBefore, crt.NotAfter)
	}
	if floor := opts.validFrom(); floor.Compare(crt.NotAfter) > 0 {
		return nil, policyErr("certificate expired at %v, before %v", crt.NotAfter, floor)
	}
	if crt.Subject, err = tbs.expect(der.TagSequence, der.AnyLength, nil); err != nil {
		return nil, err
	}
	spki, err := tbs.expect(der.TagSequence, der.AnyLength, nil)
	if err != nil {
		return nil, err
	}
	if crt.PublicKey, err = parsePublicKey(buf, spki, sc, w); err != nil {
		return nil, err
	}
	for _, uid := range []byte{tagIssuerUID, tagSubjectUID} {
		if t, err := tbs.tag(); err == nil && t == uid {
			if _, err := tbs.expect(uid, der.AnyLength, nil); err != nil {
				return nil, err
			}
		}
	}
	crt.Extensions = newExtensions()
	if !tbs.done() {
		exts, err := tbs.expect(der.TagContext3, der.AnyLength, nil)
		if err != nil {
			return nil, err
		}
		if crt.Extensions, err = parseExtensions(valueSpan(buf, exts).In(buf)); err != nil {
			return nil, err
		}
	}
	if err := tbs.finish("signed content"); err != nil {
		return nil, err
	}
	if err := crt.Extensions.checkRole(role); err != nil {
		return nil, err
	}

	signer := issuer
	if signer == nil {
		if !bytes.Equal(crt.IssuerName(), crt.SubjectName()) {
			return nil, policyErr("self-signed certificate names differ")
		}
		signer = &crt.PublicKey
	}
	sig, err := parseSignature(buf, crt.Signature, w)
	if err != nil {
		return nil, err
	}
	if !opts.Crypto.Verify(*signer, sig, crt.TBS.In(buf), w) {
		return nil, ErrSignature
	}
	return crt, nil
}

// Split cuts a chain buffer into its certificates. The certificate sizes must add up to exactly
// len(buf).
func Split(buf []byte) ([][]byte, error) {
	if len(buf) == 0 {
		return nil, fmt.Errorf("%w: empty chain", der.ErrMalformed)
	}
	var certs [][]byte
	for off := 0; off < len(buf); {
		n, err := Size(buf[off:])
		if err != nil {
			return nil, fmt.Errorf("certificate %d: %w", len(certs), err)
		}
		certs = append(certs, buf[off:off+n])
		off += n
	}
	return certs, nil
}

// ChainLength returns the number of certificates in buf, or 0 if buf is not exactly a
// concatenation of certificates.
func ChainLength(buf []byte) (int, error) {
	certs, err := Split(buf)
	if err != nil {
		return 0, err
	}
	return len(certs), nil
}

// Chain is a verified certificate chain, root first.
type Chain []*Certificate

// Leaf returns the end-entity certificate.
func (c Chain) Leaf() *Certificate { return c[len(c)-1] }

// Root returns the self-signed certificate.
func (c Chain) Root() *Certificate { return c[0] }

// ParseChain verifies every certificate of buf. Certificate 0 is verified as a self-signed root,
// each later certificate with its predecessor's key, and the last one under the leaf policy
// when the chain has more than one certificate.
func ParseChain(buf []byte, opts *Options) (Chain, error) {
	certs, err := Split(buf)
	if err != nil {
		return nil, err
	}
	chain := make(Chain, 0, len(certs))
	n := len(certs)
	for i, raw := range certs {
		role := RoleCA
		if i == n-1 && n > 1 {
			role = RoleLeaf
		}
		var issuer *primitives.PublicKey
		if i > 0 {
			issuer = &chain[i-1].PublicKey
		}
		crt, err := Verify(raw, issuer, role, opts)
		if err != nil {
			return nil, fmt.Errorf("certificate %d: %w", i, err)
		}
		if i > 0 && !bytes.Equal(crt.IssuerName(), chain[i-1].SubjectName()) {
			return nil, policyErr("certificate %d issuer does not name certificate %d", i, i-1)
		}
		chain = append(chain, crt)
	}
	for i, signer := range chain[:n-1] {
		// Non-leaf certificates below the signer.
		below := n - 2 - i
		if pl := signer.Extensions.PathLen; pl >= 0 && below > pl {
			return nil, policyErr("certificate %d allows %d intermediates below it, chain has %d", i, pl, below)
		}
	}
	return chain, nil
}

// VerifyChain verifies buf and returns the leaf public key.
func VerifyChain(buf []byte, opts *Options) (primitives.PublicKey, error) {
	chain, err := ParseChain(buf, opts)
	if err != nil {
		return primitives.PublicKey{}, err
	}
	return chain.Leaf().PublicKey, nil
}
