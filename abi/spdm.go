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

// Package abi encodes and decodes the SPDM 1.1 messages exchanged by the attestation engine, as
// documented in DMTF DSP0274 version 1.1.
package abi

import (
	"encoding/binary"
	"fmt"
	"strings"

	"github.com/google/go-spdm-attest/primitives"
)

const (
	// Version10 is the SPDMVersion byte of GET_VERSION and VERSION.
	Version10 = 0x10
	// Version11 is the SPDMVersion byte of every other message.
	Version11 = 0x11
	// VersionEntry11 is the VERSION number entry advertising 1.1: major 1, minor 1, update 0,
	// alpha 0.
	VersionEntry11 = 0x1100

	// HeaderSize is the size of the fixed message header.
	HeaderSize = 4
	// NonceSize is the size of every requester and responder nonce.
	NonceSize = 32
	// MaxVersionEntries bounds the VERSION entry count accepted by the requester.
	MaxVersionEntries = 16
)

// RequestCode is a RequestResponseCode value sent by a requester.
type RequestCode uint8

// Request codes of SPDM 1.1.
const (
	GetDigests          RequestCode = 0x81
	GetCertificate      RequestCode = 0x82
	Challenge           RequestCode = 0x83
	GetVersion          RequestCode = 0x84
	GetMeasurements     RequestCode = 0xE0
	GetCapabilities     RequestCode = 0xE1
	NegotiateAlgorithms RequestCode = 0xE3
	RespondIfReady      RequestCode = 0xFF
)

func (c RequestCode) String() string {
	switch c {
	case GetDigests:
		return "GET_DIGESTS"
	case GetCertificate:
		return "GET_CERTIFICATE"
	case Challenge:
		return "CHALLENGE"
	case GetVersion:
		return "GET_VERSION"
	case GetMeasurements:
		return "GET_MEASUREMENTS"
	case GetCapabilities:
		return "GET_CAPABILITIES"
	case NegotiateAlgorithms:
		return "NEGOTIATE_ALGORITHMS"
	case RespondIfReady:
		return "RESPOND_IF_READY"
	}
	return fmt.Sprintf("RequestCode(0x%02x)", uint8(c))
}

// ResponseCode is a RequestResponseCode value sent by a responder.
type ResponseCode uint8

// Response codes of SPDM 1.1.
const (
	Digests       ResponseCode = 0x01
	Certificate   ResponseCode = 0x02
	ChallengeAuth ResponseCode = 0x03
	Version       ResponseCode = 0x04
	Measurements  ResponseCode = 0x60
	Capabilities  ResponseCode = 0x61
	Algorithms    ResponseCode = 0x63
	Error         ResponseCode = 0x7F
)

func (c ResponseCode) String() string {
	switch c {
	case Digests:
		return "DIGESTS"
	case Certificate:
		return "CERTIFICATE"
	case ChallengeAuth:
		return "CHALLENGE_AUTH"
	case Version:
		return "VERSION"
	case Measurements:
		return "MEASUREMENTS"
	case Capabilities:
		return "CAPABILITIES"
	case Algorithms:
		return "ALGORITHMS"
	case Error:
		return "ERROR"
	}
	return fmt.Sprintf("ResponseCode(0x%02x)", uint8(c))
}

// ResponseFor returns the response code that answers a request code.
func ResponseFor(c RequestCode) (ResponseCode, bool) {
	switch c {
	case GetDigests:
		return Digests, true
	case GetCertificate:
		return Certificate, true
	case Challenge:
		return ChallengeAuth, true
	case GetVersion:
		return Version, true
	case GetMeasurements:
		return Measurements, true
	case GetCapabilities:
		return Capabilities, true
	case NegotiateAlgorithms:
		return Algorithms, true
	}
	return 0, false
}

// VersionOf returns the SPDMVersion byte carried by messages with the given code.
func VersionOf(code uint8) uint8 {
	if code == uint8(GetVersion) || code == uint8(Version) {
		return Version10
	}
	return Version11
}

// Header is the fixed header of every SPDM message.
type Header struct {
	Version uint8
	Code    uint8
	Param1  uint8
	Param2  uint8
}

// Bytes returns the 4-byte encoding of h.
func (h Header) Bytes() []byte {
	return []byte{h.Version, h.Code, h.Param1, h.Param2}
}

func header(code uint8, p1, p2 uint8) Header {
	return Header{Version: VersionOf(code), Code: code, Param1: p1, Param2: p2}
}

// ParseHeader returns the header of msg.
func ParseHeader(msg []byte) (Header, error) {
	if len(msg) < HeaderSize {
		return Header{}, fmt.Errorf("message of %d bytes is shorter than the %d-byte header", len(msg), HeaderSize)
	}
	return Header{Version: msg[0], Code: msg[1], Param1: msg[2], Param2: msg[3]}, nil
}

// checkHeader verifies the version and code of msg.
func checkHeader(msg []byte, code uint8) (Header, error) {
	h, err := ParseHeader(msg)
	if err != nil {
		return h, err
	}
	if h.Code != code {
		return h, fmt.Errorf("message code 0x%02x, want 0x%02x", h.Code, code)
	}
	if want := VersionOf(code); h.Version != want {
		return h, fmt.Errorf("message version 0x%02x, want 0x%02x", h.Version, want)
	}
	return h, nil
}

// checkSize verifies that msg is exactly size bytes.
func checkSize(msg []byte, size int, name string) error {
	if len(msg) != size {
		return fmt.Errorf("%s is %d bytes, want %d", name, len(msg), size)
	}
	return nil
}

// mbz checks that data[lo:hi] is all zero.
func mbz(data []uint8, lo, hi int) error {
	if len(data) < hi {
		return fmt.Errorf("mbz range [0x%x:0x%x] outside message of size 0x%x", lo, hi, len(data))
	}
	for _, b := range data[lo:hi] {
		if b != 0 {
			return fmt.Errorf("mbz range [0x%x:0x%x] not all zero: %s", lo, hi, hexString(data[lo:hi]))
		}
	}
	return nil
}

func hexString(data []byte) string {
	var sb strings.Builder
	for _, b := range data {
		fmt.Fprintf(&sb, "%02x", b)
	}
	return sb.String()
}

// CapabilityFlags are the Flags of GET_CAPABILITIES and CAPABILITIES.
type CapabilityFlags uint32

// Capability flags of SPDM 1.1 used by the engine.
const (
	CacheCap CapabilityFlags = 1 << 0
	CertCap  CapabilityFlags = 1 << 1
	ChalCap  CapabilityFlags = 1 << 2
	// MeasCapNoSig is MEAS_CAP = 01b: measurements without signature.
	MeasCapNoSig CapabilityFlags = 1 << 3
	// MeasCapSig is MEAS_CAP = 10b: measurements with signature.
	MeasCapSig   CapabilityFlags = 1 << 4
	MeasFreshCap CapabilityFlags = 1 << 5

	measCapMask = MeasCapNoSig | MeasCapSig
	// knownCapabilities are the 1.1 responder flags this codec interprets. Other bits are
	// carried through unexamined.
	knownCapabilities = CacheCap | CertCap | ChalCap | measCapMask | MeasFreshCap
)

// HasMeasurements returns true iff either MEAS_CAP value is present.
func (f CapabilityFlags) HasMeasurements() bool {
	return f&measCapMask != 0
}

// Validate rejects the reserved MEAS_CAP value 11b.
func (f CapabilityFlags) Validate() error {
	if f&measCapMask == measCapMask {
		return fmt.Errorf("reserved MEAS_CAP value 11b in capabilities 0x%x", uint32(f))
	}
	return nil
}

func (f CapabilityFlags) String() string {
	var names []string
	for _, n := range []struct {
		f    CapabilityFlags
		name string
	}{
		{CacheCap, "CACHE"}, {CertCap, "CERT"}, {ChalCap, "CHAL"},
		{MeasCapNoSig, "MEAS_NO_SIG"}, {MeasCapSig, "MEAS_SIG"}, {MeasFreshCap, "MEAS_FRESH"},
	} {
		if f&n.f != 0 {
			names = append(names, n.name)
		}
	}
	if rest := f &^ knownCapabilities; rest != 0 {
		names = append(names, fmt.Sprintf("0x%x", uint32(rest)))
	}
	return strings.Join(names, "|")
}

// Algorithm selection bits.
const (
	// AsymP256 is TPM_ALG_ECDSA_ECC_NIST_P256 in BaseAsymAlgo.
	AsymP256 uint32 = 1 << 4
	// AsymP384 is TPM_ALG_ECDSA_ECC_NIST_P384 in BaseAsymAlgo.
	AsymP384 uint32 = 1 << 7
	// HashSHA256 is TPM_ALG_SHA_256 in BaseHashAlgo.
	HashSHA256 uint32 = 1 << 0
	// HashSHA384 is TPM_ALG_SHA_384 in BaseHashAlgo.
	HashSHA384 uint32 = 1 << 1
	// MeasHashSHA256 is TPM_ALG_SHA_256 in MeasurementHashAlgo.
	MeasHashSHA256 uint32 = 1 << 1
	// MeasHashSHA384 is TPM_ALG_SHA_384 in MeasurementHashAlgo.
	MeasHashSHA384 uint32 = 1 << 2
	// MeasSpecDMTF is the DMTF measurement specification.
	MeasSpecDMTF uint8 = 1 << 0
)

// AsymFor returns the BaseAsymAlgo bit of w.
func AsymFor(w primitives.Width) uint32 {
	if w == primitives.W256 {
		return AsymP256
	}
	return AsymP384
}

// HashFor returns the BaseHashAlgo bit of w.
func HashFor(w primitives.Width) uint32 {
	if w == primitives.W256 {
		return HashSHA256
	}
	return HashSHA384
}

// MeasHashFor returns the MeasurementHashAlgo bit of w.
func MeasHashFor(w primitives.Width) uint32 {
	if w == primitives.W256 {
		return MeasHashSHA256
	}
	return MeasHashSHA384
}

// AsymWidth returns the width of a selected BaseAsymAlgo, which must be exactly one of the two
// supported schemes.
func AsymWidth(sel uint32) (primitives.Width, error) {
	switch sel {
	case AsymP256:
		return primitives.W256, nil
	case AsymP384:
		return primitives.W384, nil
	}
	return 0, fmt.Errorf("asymmetric algorithm selection 0x%x is not exactly one of P-256 or P-384", sel)
}

// HashWidth returns the width of a selected BaseHashAlgo, which must be exactly one of the two
// supported hashes.
func HashWidth(sel uint32) (primitives.Width, error) {
	switch sel {
	case HashSHA256:
		return primitives.W256, nil
	case HashSHA384:
		return primitives.W384, nil
	}
	return 0, fmt.Errorf("hash algorithm selection 0x%x is not exactly one of SHA-256 or SHA-384", sel)
}

// Measurement summary hash types of CHALLENGE.
const (
	SummaryHashNone uint8 = 0x00
	SummaryHashTCB  uint8 = 0x01
	SummaryHashAll  uint8 = 0xFF
)

func le16(b []byte) int { return int(binary.LittleEndian.Uint16(b)) }

func put16(b []byte, v int) { binary.LittleEndian.PutUint16(b, uint16(v)) }
