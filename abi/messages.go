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

package abi

import (
	"encoding/binary"
	"fmt"
)

// Fixed message sizes.
const (
	GetVersionSize          = HeaderSize
	GetCapabilitiesSize     = 12
	CapabilitiesSize        = 12
	NegotiateAlgorithmsSize = 32
	AlgorithmsSize          = 36
	GetDigestsSize          = HeaderSize
	GetCertificateSize      = 8
	ChallengeSize           = HeaderSize + NonceSize
	RespondIfReadySize      = HeaderSize
	// GetMeasurementsSize is the size of an unsigned GET_MEASUREMENTS.
	GetMeasurementsSize = HeaderSize
	// GetMeasurementsSignedSize adds the nonce and SlotIDParam.
	GetMeasurementsSignedSize = HeaderSize + NonceSize + 1

	versionFixedSize     = 6
	certificateFixedSize = 8
	// MaxCertificatePortion bounds a CERTIFICATE PortionLength.
	MaxCertificatePortion = 0x400
)

// MarshalGetVersion returns a GET_VERSION request.
func MarshalGetVersion() []byte {
	return header(uint8(GetVersion), 0, 0).Bytes()
}

// ParseGetVersion checks a GET_VERSION request.
func ParseGetVersion(msg []byte) error {
	if _, err := checkHeader(msg, uint8(GetVersion)); err != nil {
		return err
	}
	return checkSize(msg, GetVersionSize, "GET_VERSION")
}

// VersionResponse is the VERSION response.
type VersionResponse struct {
	Entries []uint16
}

// Marshal returns the VERSION encoding of r.
func (r *VersionResponse) Marshal() []byte {
	out := append(header(uint8(Version), 0, 0).Bytes(), 0, uint8(len(r.Entries)))
	for _, e := range r.Entries {
		out = binary.LittleEndian.AppendUint16(out, e)
	}
	return out
}

// Supports11 returns true iff the entries advertise SPDM 1.1, ignoring update and alpha.
func (r *VersionResponse) Supports11() bool {
	for _, e := range r.Entries {
		if e&0xff00 == VersionEntry11 {
			return true
		}
	}
	return false
}

// ParseVersion decodes a VERSION response.
func ParseVersion(msg []byte) (*VersionResponse, error) {
	if _, err := checkHeader(msg, uint8(Version)); err != nil {
		return nil, err
	}
	if len(msg) < versionFixedSize {
		return nil, fmt.Errorf("VERSION is %d bytes, want at least %d", len(msg), versionFixedSize)
	}
	count := int(msg[5])
	if count == 0 || count > MaxVersionEntries {
		return nil, fmt.Errorf("VERSION entry count %d outside [1, %d]", count, MaxVersionEntries)
	}
	if err := checkSize(msg, versionFixedSize+2*count, "VERSION"); err != nil {
		return nil, err
	}
	r := &VersionResponse{}
	for i := 0; i < count; i++ {
		r.Entries = append(r.Entries, binary.LittleEndian.Uint16(msg[versionFixedSize+2*i:]))
	}
	return r, nil
}

// CapabilitiesMessage is the body of both GET_CAPABILITIES and CAPABILITIES in 1.1.
type CapabilitiesMessage struct {
	// CTExponent is the exponent of the base-2 microsecond cryptographic timeout.
	CTExponent uint8
	Flags      CapabilityFlags
}

func (m *CapabilitiesMessage) marshal(code uint8) []byte {
	out := make([]byte, GetCapabilitiesSize)
	copy(out, header(code, 0, 0).Bytes())
	out[5] = m.CTExponent
	binary.LittleEndian.PutUint32(out[8:], uint32(m.Flags))
	return out
}

func parseCapabilities(msg []byte, code uint8, name string) (*CapabilitiesMessage, error) {
	if _, err := checkHeader(msg, code); err != nil {
		return nil, err
	}
	if err := checkSize(msg, GetCapabilitiesSize, name); err != nil {
		return nil, err
	}
	if err := mbz(msg, 0x04, 0x05); err != nil {
		return nil, err
	}
	if err := mbz(msg, 0x06, 0x08); err != nil {
		return nil, err
	}
	m := &CapabilitiesMessage{
		CTExponent: msg[5],
		Flags:      CapabilityFlags(binary.LittleEndian.Uint32(msg[8:])),
	}
	if err := m.Flags.Validate(); err != nil {
		return nil, err
	}
	return m, nil
}

// MarshalGetCapabilities returns a GET_CAPABILITIES request.
func MarshalGetCapabilities(m *CapabilitiesMessage) []byte {
	return m.marshal(uint8(GetCapabilities))
}

// ParseGetCapabilities decodes a GET_CAPABILITIES request.
func ParseGetCapabilities(msg []byte) (*CapabilitiesMessage, error) {
	return parseCapabilities(msg, uint8(GetCapabilities), "GET_CAPABILITIES")
}

// MarshalCapabilities returns a CAPABILITIES response.
func MarshalCapabilities(m *CapabilitiesMessage) []byte {
	return m.marshal(uint8(Capabilities))
}

// ParseCapabilities decodes a CAPABILITIES response.
func ParseCapabilities(msg []byte) (*CapabilitiesMessage, error) {
	return parseCapabilities(msg, uint8(Capabilities), "CAPABILITIES")
}

// NegotiateAlgorithmsRequest is the NEGOTIATE_ALGORITHMS request without algorithm structures.
type NegotiateAlgorithmsRequest struct {
	MeasurementSpecification uint8
	BaseAsymAlgo             uint32
	BaseHashAlgo             uint32
}

// Marshal returns the NEGOTIATE_ALGORITHMS encoding of r.
func (r *NegotiateAlgorithmsRequest) Marshal() []byte {
	out := make([]byte, NegotiateAlgorithmsSize)
	copy(out, header(uint8(NegotiateAlgorithms), 0, 0).Bytes())
	put16(out[4:], NegotiateAlgorithmsSize)
	out[6] = r.MeasurementSpecification
	binary.LittleEndian.PutUint32(out[8:], r.BaseAsymAlgo)
	binary.LittleEndian.PutUint32(out[12:], r.BaseHashAlgo)
	return out
}

// ParseNegotiateAlgorithms decodes a NEGOTIATE_ALGORITHMS request. Extended algorithms and
// algorithm structures are not supported.
func ParseNegotiateAlgorithms(msg []byte) (*NegotiateAlgorithmsRequest, error) {
	h, err := checkHeader(msg, uint8(NegotiateAlgorithms))
	if err != nil {
		return nil, err
	}
	if err := checkSize(msg, NegotiateAlgorithmsSize, "NEGOTIATE_ALGORITHMS"); err != nil {
		return nil, err
	}
	if h.Param1 != 0 {
		return nil, fmt.Errorf("NEGOTIATE_ALGORITHMS carries %d algorithm structures, want 0", h.Param1)
	}
	if n := le16(msg[4:]); n != NegotiateAlgorithmsSize {
		return nil, fmt.Errorf("NEGOTIATE_ALGORITHMS Length %d, want %d", n, NegotiateAlgorithmsSize)
	}
	if err := mbz(msg, 0x07, 0x08); err != nil {
		return nil, err
	}
	if err := mbz(msg, 0x10, 0x20); err != nil {
		return nil, err
	}
	return &NegotiateAlgorithmsRequest{
		MeasurementSpecification: msg[6],
		BaseAsymAlgo:             binary.LittleEndian.Uint32(msg[8:]),
		BaseHashAlgo:             binary.LittleEndian.Uint32(msg[12:]),
	}, nil
}

// AlgorithmsResponse is the ALGORITHMS response without algorithm structures.
type AlgorithmsResponse struct {
	MeasurementSpecificationSel uint8
	MeasurementHashAlgo         uint32
	BaseAsymSel                 uint32
	BaseHashSel                 uint32
}

// Marshal returns the ALGORITHMS encoding of r.
func (r *AlgorithmsResponse) Marshal() []byte {
	out := make([]byte, AlgorithmsSize)
	copy(out, header(uint8(Algorithms), 0, 0).Bytes())
	put16(out[4:], AlgorithmsSize)
	out[6] = r.MeasurementSpecificationSel
	binary.LittleEndian.PutUint32(out[8:], r.MeasurementHashAlgo)
	binary.LittleEndian.PutUint32(out[12:], r.BaseAsymSel)
	binary.LittleEndian.PutUint32(out[16:], r.BaseHashSel)
	return out
}

// ParseAlgorithms decodes an ALGORITHMS response.
func ParseAlgorithms(msg []byte) (*AlgorithmsResponse, error) {
	h, err := checkHeader(msg, uint8(Algorithms))
	if err != nil {
		return nil, err
	}
	if err := checkSize(msg, AlgorithmsSize, "ALGORITHMS"); err != nil {
		return nil, err
	}
	if h.Param1 != 0 {
		return nil, fmt.Errorf("ALGORITHMS carries %d algorithm structures, want 0", h.Param1)
	}
	if n := le16(msg[4:]); n != AlgorithmsSize {
		return nil, fmt.Errorf("ALGORITHMS Length %d, want %d", n, AlgorithmsSize)
	}
	if err := mbz(msg, 0x07, 0x08); err != nil {
		return nil, err
	}
	if err := mbz(msg, 0x14, 0x24); err != nil {
		return nil, err
	}
	return &AlgorithmsResponse{
		MeasurementSpecificationSel: msg[6],
		MeasurementHashAlgo:         binary.LittleEndian.Uint32(msg[8:]),
		BaseAsymSel:                 binary.LittleEndian.Uint32(msg[12:]),
		BaseHashSel:                 binary.LittleEndian.Uint32(msg[16:]),
	}, nil
}

// MarshalGetDigests returns a GET_DIGESTS request.
func MarshalGetDigests() []byte {
	return header(uint8(GetDigests), 0, 0).Bytes()
}

// ParseGetDigests checks a GET_DIGESTS request.
func ParseGetDigests(msg []byte) error {
	if _, err := checkHeader(msg, uint8(GetDigests)); err != nil {
		return err
	}
	return checkSize(msg, GetDigestsSize, "GET_DIGESTS")
}

// MarshalDigests returns a DIGESTS response carrying the slot 0 digest.
func MarshalDigests(digest []byte) []byte {
	return append(header(uint8(Digests), 0, 0x01).Bytes(), digest...)
}

// ParseDigests decodes a DIGESTS response and returns the slot 0 digest.
func ParseDigests(msg []byte, digestSize int) ([]byte, error) {
	h, err := checkHeader(msg, uint8(Digests))
	if err != nil {
		return nil, err
	}
	if h.Param2 != 0x01 {
		return nil, fmt.Errorf("DIGESTS slot mask 0x%02x, want 0x01", h.Param2)
	}
	if err := checkSize(msg, HeaderSize+digestSize, "DIGESTS"); err != nil {
		return nil, err
	}
	return msg[HeaderSize:], nil
}

// GetCertificateRequest is the GET_CERTIFICATE request for slot 0.
type GetCertificateRequest struct {
	Offset int
	Length int
}

// Marshal returns the GET_CERTIFICATE encoding of r.
func (r *GetCertificateRequest) Marshal() []byte {
	out := make([]byte, GetCertificateSize)
	copy(out, header(uint8(GetCertificate), 0, 0).Bytes())
	put16(out[4:], r.Offset)
	put16(out[6:], r.Length)
	return out
}

// ParseGetCertificate decodes a GET_CERTIFICATE request.
func ParseGetCertificate(msg []byte) (*GetCertificateRequest, error) {
	h, err := checkHeader(msg, uint8(GetCertificate))
	if err != nil {
		return nil, err
	}
	if err := checkSize(msg, GetCertificateSize, "GET_CERTIFICATE"); err != nil {
		return nil, err
	}
	if h.Param1&0x0f != 0 {
		return nil, fmt.Errorf("GET_CERTIFICATE slot %d, only slot 0 is supported", h.Param1&0x0f)
	}
	return &GetCertificateRequest{Offset: le16(msg[4:]), Length: le16(msg[6:])}, nil
}

// CertificateResponse is the CERTIFICATE response for slot 0.
type CertificateResponse struct {
	RemainderLength int
	Portion         []byte
}

// Marshal returns the CERTIFICATE encoding of r.
func (r *CertificateResponse) Marshal() []byte {
	out := make([]byte, certificateFixedSize, certificateFixedSize+len(r.Portion))
	copy(out, header(uint8(Certificate), 0, 0).Bytes())
	put16(out[4:], len(r.Portion))
	put16(out[6:], r.RemainderLength)
	return append(out, r.Portion...)
}

// ParseCertificate decodes a CERTIFICATE response.
func ParseCertificate(msg []byte) (*CertificateResponse, error) {
	h, err := checkHeader(msg, uint8(Certificate))
	if err != nil {
		return nil, err
	}
	if len(msg) < certificateFixedSize {
		return nil, fmt.Errorf("CERTIFICATE is %d bytes, want at least %d", len(msg), certificateFixedSize)
	}
	if h.Param1&0x0f != 0 {
		return nil, fmt.Errorf("CERTIFICATE slot %d, want 0", h.Param1&0x0f)
	}
	portion := le16(msg[4:])
	if portion == 0 || portion > MaxCertificatePortion {
		return nil, fmt.Errorf("CERTIFICATE PortionLength %d outside [1, %d]", portion, MaxCertificatePortion)
	}
	if err := checkSize(msg, certificateFixedSize+portion, "CERTIFICATE"); err != nil {
		return nil, err
	}
	return &CertificateResponse{RemainderLength: le16(msg[6:]), Portion: msg[certificateFixedSize:]}, nil
}

// ChallengeRequest is the CHALLENGE request for slot 0.
type ChallengeRequest struct {
	SummaryHashType uint8
	Nonce           []byte
}

// Marshal returns the CHALLENGE encoding of r.
func (r *ChallengeRequest) Marshal() []byte {
	return append(header(uint8(Challenge), 0, r.SummaryHashType).Bytes(), r.Nonce...)
}

// ParseChallenge decodes a CHALLENGE request.
func ParseChallenge(msg []byte) (*ChallengeRequest, error) {
	h, err := checkHeader(msg, uint8(Challenge))
	if err != nil {
		return nil, err
	}
	if err := checkSize(msg, ChallengeSize, "CHALLENGE"); err != nil {
		return nil, err
	}
	if h.Param1 != 0 {
		return nil, fmt.Errorf("CHALLENGE slot %d, only slot 0 is supported", h.Param1)
	}
	switch h.Param2 {
	case SummaryHashNone, SummaryHashTCB, SummaryHashAll:
	default:
		return nil, fmt.Errorf("CHALLENGE measurement summary hash type 0x%02x", h.Param2)
	}
	return &ChallengeRequest{SummaryHashType: h.Param2, Nonce: msg[HeaderSize:]}, nil
}

// ChallengeAuthResponse is the CHALLENGE_AUTH response for slot 0.
type ChallengeAuthResponse struct {
	CertChainHash []byte
	Nonce         []byte
	// SummaryHash is empty when the request asked for SummaryHashNone.
	SummaryHash []byte
	Opaque      []byte
	Signature   []byte
}

// MarshalUnsigned returns the CHALLENGE_AUTH encoding of r up to, and excluding, the
// signature.
func (r *ChallengeAuthResponse) MarshalUnsigned() []byte {
	out := header(uint8(ChallengeAuth), 0, 0x01).Bytes()
	out = append(out, r.CertChainHash...)
	out = append(out, r.Nonce...)
	out = append(out, r.SummaryHash...)
	out = binary.LittleEndian.AppendUint16(out, uint16(len(r.Opaque)))
	return append(out, r.Opaque...)
}

// Marshal returns the complete CHALLENGE_AUTH encoding of r.
func (r *ChallengeAuthResponse) Marshal() []byte {
	return append(r.MarshalUnsigned(), r.Signature...)
}

// MaxOpaqueSize bounds the opaque data of CHALLENGE_AUTH and MEASUREMENTS.
const MaxOpaqueSize = 1024

// ParseChallengeAuth decodes a CHALLENGE_AUTH response. hashSize is the negotiated digest size,
// summary reports whether a summary hash was requested, and sigSize is the signature size.
func ParseChallengeAuth(msg []byte, hashSize int, summary bool, sigSize int) (*ChallengeAuthResponse, error) {
	h, err := checkHeader(msg, uint8(ChallengeAuth))
	if err != nil {
		return nil, err
	}
	if h.Param1&0x0f != 0 {
		return nil, fmt.Errorf("CHALLENGE_AUTH slot %d, want 0", h.Param1&0x0f)
	}
	summarySize := 0
	if summary {
		summarySize = hashSize
	}
	fixed := HeaderSize + hashSize + NonceSize + summarySize + 2
	if len(msg) < fixed+sigSize {
		return nil, fmt.Errorf("CHALLENGE_AUTH is %d bytes, want at least %d", len(msg), fixed+sigSize)
	}
	opaque := le16(msg[fixed-2:])
	if opaque > MaxOpaqueSize {
		return nil, fmt.Errorf("CHALLENGE_AUTH OpaqueLength %d exceeds %d", opaque, MaxOpaqueSize)
	}
	if err := checkSize(msg, fixed+opaque+sigSize, "CHALLENGE_AUTH"); err != nil {
		return nil, err
	}
	off := HeaderSize
	r := &ChallengeAuthResponse{}
	r.CertChainHash = msg[off : off+hashSize]
	off += hashSize
	r.Nonce = msg[off : off+NonceSize]
	off += NonceSize
	r.SummaryHash = msg[off : off+summarySize]
	off += summarySize + 2
	r.Opaque = msg[off : off+opaque]
	off += opaque
	r.Signature = msg[off:]
	return r, nil
}

// GetMeasurementsRequest is the GET_MEASUREMENTS request.
type GetMeasurementsRequest struct {
	// Index is the measurement operation: one block index in 1..0xFE.
	Index uint8
	// Signed requests a signature over L1/L2. Nonce must then hold NonceSize bytes.
	Signed bool
	Nonce  []byte
}

// Marshal returns the GET_MEASUREMENTS encoding of r.
func (r *GetMeasurementsRequest) Marshal() []byte {
	var attrs uint8
	if r.Signed {
		attrs = 1
	}
	out := header(uint8(GetMeasurements), attrs, r.Index).Bytes()
	if r.Signed {
		out = append(out, r.Nonce...)
		out = append(out, 0)
	}
	return out
}

// ParseGetMeasurements decodes a GET_MEASUREMENTS request.
func ParseGetMeasurements(msg []byte) (*GetMeasurementsRequest, error) {
	h, err := checkHeader(msg, uint8(GetMeasurements))
	if err != nil {
		return nil, err
	}
	if h.Param1&^1 != 0 {
		return nil, fmt.Errorf("GET_MEASUREMENTS attributes 0x%02x", h.Param1)
	}
	r := &GetMeasurementsRequest{Index: h.Param2, Signed: h.Param1&1 != 0}
	if !r.Signed {
		return r, checkSize(msg, GetMeasurementsSize, "GET_MEASUREMENTS")
	}
	if err := checkSize(msg, GetMeasurementsSignedSize, "signed GET_MEASUREMENTS"); err != nil {
		return nil, err
	}
	if msg[GetMeasurementsSignedSize-1] != 0 {
		return nil, fmt.Errorf("GET_MEASUREMENTS slot %d, only slot 0 is supported", msg[GetMeasurementsSignedSize-1])
	}
	r.Nonce = msg[HeaderSize : HeaderSize+NonceSize]
	return r, nil
}

// MeasurementsResponse is the MEASUREMENTS response.
type MeasurementsResponse struct {
	// TotalIndices is Param1. It is only meaningful in a response to index 0.
	TotalIndices uint8
	Blocks       []MeasurementBlock
	Nonce        []byte
	Opaque       []byte
	Signature    []byte
}

// MarshalUnsigned returns the MEASUREMENTS encoding of r up to, and excluding, the signature.
func (r *MeasurementsResponse) MarshalUnsigned() []byte {
	var record []byte
	for i := range r.Blocks {
		record = append(record, r.Blocks[i].Marshal()...)
	}
	out := header(uint8(Measurements), r.TotalIndices, 0).Bytes()
	out = append(out, uint8(len(r.Blocks)), byte(len(record)), byte(len(record)>>8), byte(len(record)>>16))
	out = append(out, record...)
	out = append(out, r.Nonce...)
	out = binary.LittleEndian.AppendUint16(out, uint16(len(r.Opaque)))
	return append(out, r.Opaque...)
}

// Marshal returns the complete MEASUREMENTS encoding of r.
func (r *MeasurementsResponse) Marshal() []byte {
	return append(r.MarshalUnsigned(), r.Signature...)
}

const measurementsFixedSize = 8

// ParseMeasurements decodes a MEASUREMENTS response. sigSize is 0 for unsigned responses.
func ParseMeasurements(msg []byte, sigSize int) (*MeasurementsResponse, error) {
	h, err := checkHeader(msg, uint8(Measurements))
	if err != nil {
		return nil, err
	}
	if len(msg) < measurementsFixedSize+NonceSize+2+sigSize {
		return nil, fmt.Errorf("MEASUREMENTS is %d bytes, too short", len(msg))
	}
	count := int(msg[4])
	recordLen := int(msg[5]) | int(msg[6])<<8 | int(msg[7])<<16
	off := measurementsFixedSize
	if len(msg) < off+recordLen+NonceSize+2+sigSize {
		return nil, fmt.Errorf("MEASUREMENTS record length %d overruns message of %d bytes", recordLen, len(msg))
	}
	blocks, err := ParseMeasurementRecord(msg[off:off+recordLen], count)
	if err != nil {
		return nil, err
	}
	off += recordLen
	r := &MeasurementsResponse{TotalIndices: h.Param1, Blocks: blocks}
	r.Nonce = msg[off : off+NonceSize]
	off += NonceSize
	opaque := le16(msg[off:])
	off += 2
	if opaque > MaxOpaqueSize {
		return nil, fmt.Errorf("MEASUREMENTS OpaqueLength %d exceeds %d", opaque, MaxOpaqueSize)
	}
	if err := checkSize(msg, off+opaque+sigSize, "MEASUREMENTS"); err != nil {
		return nil, err
	}
	r.Opaque = msg[off : off+opaque]
	r.Signature = msg[off+opaque:]
	return r, nil
}

// RespondIfReadyRequest is the RESPOND_IF_READY request.
type RespondIfReadyRequest struct {
	RequestCode RequestCode
	Token       uint8
}

// Marshal returns the RESPOND_IF_READY encoding of r.
func (r *RespondIfReadyRequest) Marshal() []byte {
	return header(uint8(RespondIfReady), uint8(r.RequestCode), r.Token).Bytes()
}

// ParseRespondIfReady decodes a RESPOND_IF_READY request.
func ParseRespondIfReady(msg []byte) (*RespondIfReadyRequest, error) {
	h, err := checkHeader(msg, uint8(RespondIfReady))
	if err != nil {
		return nil, err
	}
	if err := checkSize(msg, RespondIfReadySize, "RESPOND_IF_READY"); err != nil {
		return nil, err
	}
	return &RespondIfReadyRequest{RequestCode: RequestCode(h.Param1), Token: h.Param2}, nil
}
