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

// Package cert decodes, verifies, and generates the minimal X.509 profile exchanged between
// attestation peers: ECDSA certificates over P-256 or P-384 with basic constraints, key usage,
// and extended key usage extensions.
package cert

import (
	"encoding/asn1"
	"errors"
	"fmt"

	"github.com/google/go-spdm-attest/der"
	"github.com/google/go-spdm-attest/primitives"
)

var (
	// OidEcdsaWithSHA256 is the ecdsa-with-SHA256 signature algorithm.
	OidEcdsaWithSHA256 = asn1.ObjectIdentifier{1, 2, 840, 10045, 4, 3, 2}
	// OidEcdsaWithSHA384 is the ecdsa-with-SHA384 signature algorithm.
	OidEcdsaWithSHA384 = asn1.ObjectIdentifier{1, 2, 840, 10045, 4, 3, 3}
	// OidEcPublicKey is the id-ecPublicKey key algorithm.
	OidEcPublicKey = asn1.ObjectIdentifier{1, 2, 840, 10045, 2, 1}
	// OidPrime256v1 names the P-256 curve.
	OidPrime256v1 = asn1.ObjectIdentifier{1, 2, 840, 10045, 3, 1, 7}
	// OidSecp384r1 names the P-384 curve.
	OidSecp384r1 = asn1.ObjectIdentifier{1, 3, 132, 0, 34}

	// OidBasicConstraints is the basic constraints extension.
	OidBasicConstraints = asn1.ObjectIdentifier{2, 5, 29, 19}
	// OidKeyUsage is the key usage extension.
	OidKeyUsage = asn1.ObjectIdentifier{2, 5, 29, 15}
	// OidExtKeyUsage is the extended key usage extension.
	OidExtKeyUsage = asn1.ObjectIdentifier{2, 5, 29, 37}
	// OidSubjectKeyID is the subject key identifier extension.
	OidSubjectKeyID = asn1.ObjectIdentifier{2, 5, 29, 14}

	// OidCommonName is the id-at-commonName attribute.
	OidCommonName = asn1.ObjectIdentifier{2, 5, 4, 3}
	// OidOrganization is the id-at-organizationName attribute.
	OidOrganization = asn1.ObjectIdentifier{2, 5, 4, 10}
	// OidCountry is the id-at-countryName attribute.
	OidCountry = asn1.ObjectIdentifier{2, 5, 4, 6}

	// OidServerAuth is the id-kp-serverAuth key purpose.
	OidServerAuth = asn1.ObjectIdentifier{1, 3, 6, 1, 5, 5, 7, 3, 1}
	// OidClientAuth is the id-kp-clientAuth key purpose.
	OidClientAuth = asn1.ObjectIdentifier{1, 3, 6, 1, 5, 5, 7, 3, 2}
	// OidCodeSigning is the id-kp-codeSigning key purpose.
	OidCodeSigning = asn1.ObjectIdentifier{1, 3, 6, 1, 5, 5, 7, 3, 3}
	// OidSpdmResponderAuth is the DMTF SPDM responder authentication key purpose.
	OidSpdmResponderAuth = asn1.ObjectIdentifier{1, 3, 6, 1, 4, 1, 412, 274, 3, 1}
	// OidSpdmRequesterAuth is the DMTF SPDM requester authentication key purpose.
	OidSpdmRequesterAuth = asn1.ObjectIdentifier{1, 3, 6, 1, 4, 1, 412, 274, 3, 2}

	oidBasicConstraints = der.MustMarshalOID(OidBasicConstraints)
	oidKeyUsage         = der.MustMarshalOID(OidKeyUsage)
	oidExtKeyUsage      = der.MustMarshalOID(OidExtKeyUsage)
	oidSubjectKeyID     = der.MustMarshalOID(OidSubjectKeyID)
	oidEcPublicKey      = der.MustMarshalOID(OidEcPublicKey)
	oidCommonName       = der.MustMarshalOID(OidCommonName)
	oidOrganization     = der.MustMarshalOID(OidOrganization)
	oidCountry          = der.MustMarshalOID(OidCountry)
)

var (
	// ErrPolicy is wrapped by every error for a well-formed certificate that the profile rejects.
	ErrPolicy = errors.New("certificate policy violation")
	// ErrSignature is wrapped when a certificate signature does not verify.
	ErrSignature = errors.New("certificate signature does not verify")
)

func policyErr(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrPolicy, fmt.Sprintf(format, args...))
}

type scheme struct {
	sigAlg []byte
	curve  []byte
}

var schemes = map[primitives.Width]scheme{
	primitives.W256: {
		sigAlg: der.MustMarshalOID(OidEcdsaWithSHA256),
		curve:  der.MustMarshalOID(OidPrime256v1),
	},
	primitives.W384: {
		sigAlg: der.MustMarshalOID(OidEcdsaWithSHA384),
		curve:  der.MustMarshalOID(OidSecp384r1),
	},
}

// DefaultValidFrom is the compiled-in floor of the device clock. A certificate whose notAfter
// precedes it cannot be valid.
var DefaultValidFrom = Date{Year: 2024, Month: 1, Day: 1}

// Options configures certificate verification.
type Options struct {
	// Crypto verifies signatures. Required.
	Crypto primitives.Crypto
	// Width selects the single accepted scheme. Defaults to primitives.W384.
	Width primitives.Width
	// ValidFrom is the earliest acceptable notAfter. Defaults to DefaultValidFrom.
	ValidFrom *Date
}

func (o *Options) width() primitives.Width {
	if o == nil || o.Width == 0 {
		return primitives.W384
	}
	return o.Width
}

func (o *Options) validFrom() Date {
	if o == nil || o.ValidFrom == nil {
		return DefaultValidFrom
	}
	return *o.ValidFrom
}

func (o *Options) scheme() (scheme, error) {
	s, ok := schemes[o.width()]
	if !ok {
		return scheme{}, fmt.Errorf("unsupported certificate width %d", o.width())
	}
	return s, nil
}
