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
	"fmt"

	"github.com/google/go-spdm-attest/der"
	"github.com/google/go-spdm-attest/primitives"
)

const (
	serialSize = 16
	skidSize   = 20
)

// Name is the fixed set of attributes in a generated issuer or subject name.
type Name struct {
	Country      string
	Organization string
	CommonName   string
}

// Template describes a certificate to generate.
type Template struct {
	Subject Name
	// Serial is a big-endian serial number. If nil, it is derived from the subject public key.
	Serial []byte
	// NotBefore defaults to DefaultNotBefore when zero.
	NotBefore Date
	// NotAfter defaults to DefaultNotAfter when zero.
	NotAfter Date
	// CA sets the basic constraints cA flag.
	CA bool
	// PathLen is the path length constraint of a CA certificate, or -1 for none.
	PathLen     int
	KeyUsage    KeyUsage
	ExtKeyUsage ExtKeyUsage
}

var (
	// DefaultNotBefore is the notBefore of generated certificates.
	DefaultNotBefore = Date{Year: 2024, Month: 1, Day: 1}
	// DefaultNotAfter is the notAfter of generated certificates: no well-defined expiration.
	DefaultNotAfter = Date{Year: 9999, Month: 12, Day: 31, Hour: 23, Minute: 59, Second: 59}
)

// RootTemplate returns the compiled-in template of the device root certificate.
func RootTemplate() *Template {
	return &Template{
		Subject:  Name{Country: "US", Organization: "Platform Resilience", CommonName: "Device Attestation Root"},
		CA:       true,
		PathLen:  0,
		KeyUsage: KeyUsageCertSign | KeyUsageCRLSign,
	}
}

// IntermediateTemplate returns a template for an intermediate CA without a path length
// constraint.
func IntermediateTemplate(cn string) *Template {
	return &Template{
		Subject:  Name{Country: "US", Organization: "Platform Resilience", CommonName: cn},
		CA:       true,
		PathLen:  -1,
		KeyUsage: KeyUsageCertSign | KeyUsageCRLSign,
	}
}

// LeafTemplate returns the compiled-in template of the device attestation leaf certificate.
func LeafTemplate() *Template {
	return &Template{
		Subject:     Name{Country: "US", Organization: "Platform Resilience", CommonName: "Device Attestation Leaf"},
		PathLen:     -1,
		KeyUsage:    KeyUsageDigitalSignature,
		ExtKeyUsage: ExtKeyUsageSpdmResponderAuth | ExtKeyUsageSpdmRequesterAuth,
	}
}

// KeyPair is a private scalar and its public point.
type KeyPair struct {
	Private []byte
	Public  primitives.PublicKey
}

// Issuer is the signing side of a generated certificate.
type Issuer struct {
	Name Name
	Key  KeyPair
}

func addName(b *der.Builder, n Name) {
	attr := func(b *der.Builder, oid []byte, tag byte, v string) {
		if v == "" {
			return
		}
		der.AddNode(b, der.TagSet, func(b *der.Builder) {
			der.AddSequence(b, func(b *der.Builder) {
				der.AddOID(b, oid)
				der.AddPrimitive(b, tag, []byte(v))
			})
		})
	}
	der.AddSequence(b, func(b *der.Builder) {
		attr(b, oidCountry, der.TagPrintableString, n.Country)
		attr(b, oidOrganization, der.TagUTF8String, n.Organization)
		attr(b, oidCommonName, der.TagUTF8String, n.CommonName)
	})
}

func addExtension(b *der.Builder, oid []byte, critical bool, value func(*der.Builder)) {
	der.AddSequence(b, func(b *der.Builder) {
		der.AddOID(b, oid)
		if critical {
			der.AddBoolean(b, true)
		}
		der.AddNode(b, der.TagOctetString, value)
	})
}

func addExtensions(b *der.Builder, t *Template, skid []byte) {
	der.AddNode(b, der.TagContext3, func(b *der.Builder) {
		der.AddSequence(b, func(b *der.Builder) {
			// cA=FALSE is the DER default, so a leaf carries no BasicConstraints.
			if t.CA {
				addExtension(b, oidBasicConstraints, true, func(b *der.Builder) {
					der.AddSequence(b, func(b *der.Builder) {
						der.AddBoolean(b, true)
						if t.PathLen >= 0 {
							der.AddPrimitive(b, der.TagInteger, der.EncodeSmallUnsigned(t.PathLen))
						}
					})
				})
			}
			addExtension(b, oidKeyUsage, true, func(b *der.Builder) {
				der.AddPrimitive(b, der.TagBitString, encodeKeyUsage(t.KeyUsage))
			})
			if t.ExtKeyUsage != 0 {
				addExtension(b, oidExtKeyUsage, false, func(b *der.Builder) {
					der.AddSequence(b, func(b *der.Builder) {
						for _, p := range extKeyUsageOIDs {
							if t.ExtKeyUsage&p.bit != 0 {
								der.AddOID(b, p.oid)
							}
						}
					})
				})
			}
			addExtension(b, oidSubjectKeyID, false, func(b *der.Builder) {
				der.AddPrimitive(b, der.TagOctetString, skid)
			})
		})
	})
}

func (t *Template) validity() (Date, Date, error) {
	nb, na := t.NotBefore, t.NotAfter
	if nb == (Date{}) {
		nb = DefaultNotBefore
	}
	if na == (Date{}) {
		na = DefaultNotAfter
	}
	if nb.Compare(na) > 0 {
		return nb, na, fmt.Errorf("notBefore %v is after notAfter %v", nb, na)
	}
	return nb, na, nil
}

func addDate(b *der.Builder, d Date) error {
	tag, v, err := encodeDate(d)
	if err != nil {
		return err
	}
	der.AddPrimitive(b, tag, v)
	return nil
}

// Generate builds a certificate for subject from t and signs it with issuer's key.
func Generate(c primitives.Crypto, w primitives.Width, t *Template, subject primitives.PublicKey, issuer *Issuer) ([]byte, error) {
	sc, ok := schemes[w]
	if !ok {
		return nil, fmt.Errorf("unsupported certificate width %d", w)
	}
	if subject.Width() != w || issuer.Key.Public.Width() != w {
		return nil, fmt.Errorf("key width does not match %v", w)
	}
	if t.PathLen > 127 {
		return nil, fmt.Errorf("path length %d out of range", t.PathLen)
	}
	notBefore, notAfter, err := t.validity()
	if err != nil {
		return nil, err
	}
	point := make([]byte, 0, 1+2*int(w))
	point = append(point, 4)
	point = append(point, subject.X...)
	point = append(point, subject.Y...)
	keyHash, err := c.Hash(point, w)
	if err != nil {
		return nil, err
	}
	serial := t.Serial
	if serial == nil {
		serial = append([]byte{}, keyHash[:serialSize]...)
		serial[0] &= 0x7f
	}
	if len(der.EncodeUnsigned(serial)) > maxSerialSize {
		return nil, fmt.Errorf("serial number of %d bytes is too long", len(serial))
	}

	var dateErr error
	b := der.NewBuilder()
	der.AddSequence(b, func(b *der.Builder) {
		der.AddNode(b, der.TagContext0, func(b *der.Builder) {
			der.AddPrimitive(b, der.TagInteger, []byte{2})
		})
		der.AddUnsigned(b, serial)
		der.AddSequence(b, func(b *der.Builder) { der.AddOID(b, sc.sigAlg) })
		addName(b, issuer.Name)
		der.AddSequence(b, func(b *der.Builder) {
			if err := addDate(b, notBefore); err != nil {
				dateErr = err
			}
			if err := addDate(b, notAfter); err != nil {
				dateErr = err
			}
		})
		addName(b, t.Subject)
		der.AddSequence(b, func(b *der.Builder) {
			der.AddSequence(b, func(b *der.Builder) {
				der.AddOID(b, oidEcPublicKey)
				der.AddOID(b, sc.curve)
			})
			der.AddBitString(b, 0, point)
		})
		addExtensions(b, t, keyHash[:skidSize])
	})
	if dateErr != nil {
		return nil, dateErr
	}
	tbs, err := b.Bytes()
	if err != nil {
		return nil, fmt.Errorf("could not encode signed content: %v", err)
	}

	// The signature length is only known once it exists, so it is produced before the outer
	// structure is assembled.
	sig, err := c.Sign(issuer.Key.Public, issuer.Key.Private, tbs, w)
	if err != nil {
		return nil, fmt.Errorf("could not sign certificate: %v", err)
	}
	out := der.NewBuilder()
	der.AddSequence(out, func(b *der.Builder) {
		b.AddBytes(tbs)
		der.AddSequence(b, func(b *der.Builder) { der.AddOID(b, sc.sigAlg) })
		der.AddNode(b, der.TagBitString, func(b *der.Builder) {
			b.AddUint8(0)
			der.AddSequence(b, func(b *der.Builder) {
				der.AddUnsigned(b, sig.R)
				der.AddUnsigned(b, sig.S)
			})
		})
	})
	crt, err := out.Bytes()
	if err != nil {
		return nil, fmt.Errorf("could not encode certificate: %v", err)
	}
	if len(crt) > der.MaxStructSize {
		return nil, fmt.Errorf("certificate of %d bytes exceeds 0x%x", len(crt), der.MaxStructSize)
	}
	return crt, nil
}

// GenerateRoot returns a self-signed certificate for key from t, or from RootTemplate if t is
// nil.
func GenerateRoot(c primitives.Crypto, w primitives.Width, t *Template, key KeyPair) ([]byte, error) {
	if t == nil {
		t = RootTemplate()
	}
	return Generate(c, w, t, key.Public, &Issuer{Name: t.Subject, Key: key})
}

// GenerateLeaf returns a certificate for pub from t, or from LeafTemplate if t is nil, signed by
// issuer.
func GenerateLeaf(c primitives.Crypto, w primitives.Width, t *Template, pub primitives.PublicKey, issuer *Issuer) ([]byte, error) {
	if t == nil {
		t = LeafTemplate()
	}
	return Generate(c, w, t, pub, issuer)
}

// GenerateChain returns the concatenated chain for keys, root first. templates may be nil, in
// which case the root, intermediate, and leaf templates are used. The root template's path
// length constraint is widened to admit the intermediates.
func GenerateChain(c primitives.Crypto, w primitives.Width, keys []KeyPair, templates []*Template) ([]byte, error) {
	if len(keys) == 0 {
		return nil, fmt.Errorf("chain needs at least one key")
	}
	if templates == nil {
		templates = make([]*Template, len(keys))
		for i := range keys {
			switch {
			case i == 0:
				templates[i] = RootTemplate()
				templates[i].PathLen = max(len(keys)-2, 0)
			case i == len(keys)-1:
				templates[i] = LeafTemplate()
			default:
				templates[i] = IntermediateTemplate(fmt.Sprintf("Device Attestation Intermediate %d", i))
			}
		}
	}
	if len(templates) != len(keys) {
		return nil, fmt.Errorf("%d templates for %d keys", len(templates), len(keys))
	}
	var chain []byte
	issuer := &Issuer{Name: templates[0].Subject, Key: keys[0]}
	for i, key := range keys {
		crt, err := Generate(c, w, templates[i], key.Public, issuer)
		if err != nil {
			return nil, fmt.Errorf("certificate %d: %v", i, err)
		}
		chain = append(chain, crt...)
		issuer = &Issuer{Name: templates[i].Subject, Key: key}
	}
	return chain, nil
}
