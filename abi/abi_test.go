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
	"bytes"
	"errors"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-spdm-attest/primitives"
)

func TestMbz(t *testing.T) {
	tests := []struct {
		data    []byte
		lo, hi  int
		wantErr string
	}{
		{data: []byte{0, 0, 0}, lo: 0, hi: 3},
		{data: []byte{0xcc, 0, 0, 0xcc}, lo: 1, hi: 3},
		{data: []byte{0, 0, 0xcc}, lo: 1, hi: 3, wantErr: "mbz range [0x1:0x3] not all zero: 00cc"},
		{data: []byte{0}, lo: 0, hi: 2, wantErr: "outside message"},
	}
	for _, tc := range tests {
		err := mbz(tc.data, tc.lo, tc.hi)
		if (tc.wantErr == "" && err != nil) || (tc.wantErr != "" && (err == nil || !strings.Contains(err.Error(), tc.wantErr))) {
			t.Errorf("mbz(%x, %d, %d) = %v, want %q", tc.data, tc.lo, tc.hi, err, tc.wantErr)
		}
	}
}

func TestVersion(t *testing.T) {
	if got := MarshalGetVersion(); !bytes.Equal(got, []byte{0x10, 0x84, 0, 0}) {
		t.Errorf("MarshalGetVersion() = %x", got)
	}
	v := &VersionResponse{Entries: []uint16{0x1000, VersionEntry11}}
	raw := v.Marshal()
	if want := []byte{0x10, 0x04, 0, 0, 0, 2, 0x00, 0x10, 0x00, 0x11}; !bytes.Equal(raw, want) {
		t.Errorf("VERSION = %x, want %x", raw, want)
	}
	got, err := ParseVersion(raw)
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff(v, got); diff != "" {
		t.Errorf("ParseVersion() differs: %s", diff)
	}
	if !got.Supports11() {
		t.Error("Supports11() = false")
	}
	tests := []struct {
		name    string
		raw     []byte
		wantErr string
	}{
		{"no entries", []byte{0x10, 0x04, 0, 0, 0, 0}, "entry count 0"},
		{"short", []byte{0x10, 0x04, 0, 0, 0, 2, 0, 0x11}, "VERSION is 8 bytes, want 10"},
		{"wrong version", []byte{0x11, 0x04, 0, 0, 0, 1, 0, 0x11}, "message version 0x11, want 0x10"},
		{"wrong code", []byte{0x10, 0x61, 0, 0}, "message code 0x61, want 0x04"},
	}
	for _, tc := range tests {
		if _, err := ParseVersion(tc.raw); err == nil || !strings.Contains(err.Error(), tc.wantErr) {
			t.Errorf("%s: ParseVersion(%x) = %v, want %q", tc.name, tc.raw, err, tc.wantErr)
		}
	}
}

func TestCapabilities(t *testing.T) {
	m := &CapabilitiesMessage{CTExponent: 12, Flags: CertCap | ChalCap | MeasCapSig}
	raw := MarshalCapabilities(m)
	if len(raw) != CapabilitiesSize {
		t.Fatalf("CAPABILITIES is %d bytes", len(raw))
	}
	got, err := ParseCapabilities(raw)
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff(m, got); diff != "" {
		t.Errorf("ParseCapabilities() differs: %s", diff)
	}
	if _, err := ParseGetCapabilities(raw); err == nil {
		t.Error("ParseGetCapabilities(CAPABILITIES) succeeded")
	}
	bad := MarshalCapabilities(&CapabilitiesMessage{Flags: MeasCapSig | MeasCapNoSig})
	if _, err := ParseCapabilities(bad); err == nil || !strings.Contains(err.Error(), "MEAS_CAP") {
		t.Errorf("ParseCapabilities(MEAS_CAP=11b) = %v", err)
	}
	reserved := MarshalCapabilities(m)
	reserved[7] = 0xcc
	if _, err := ParseCapabilities(reserved); err == nil || !strings.Contains(err.Error(), "mbz range [0x6:0x8]") {
		t.Errorf("ParseCapabilities(reserved set) = %v", err)
	}
	if got := (CertCap | MeasCapNoSig).String(); got != "CERT|MEAS_NO_SIG" {
		t.Errorf("String() = %q", got)
	}
}

func TestAlgorithms(t *testing.T) {
	req := &NegotiateAlgorithmsRequest{MeasurementSpecification: MeasSpecDMTF, BaseAsymAlgo: AsymP256 | AsymP384, BaseHashAlgo: HashSHA256 | HashSHA384}
	raw := req.Marshal()
	gotReq, err := ParseNegotiateAlgorithms(raw)
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff(req, gotReq); diff != "" {
		t.Errorf("ParseNegotiateAlgorithms() differs: %s", diff)
	}
	raw[4] = 30
	if _, err := ParseNegotiateAlgorithms(raw); err == nil {
		t.Error("ParseNegotiateAlgorithms(bad Length) succeeded")
	}
	resp := &AlgorithmsResponse{MeasurementSpecificationSel: MeasSpecDMTF, MeasurementHashAlgo: MeasHashSHA384, BaseAsymSel: AsymP384, BaseHashSel: HashSHA384}
	gotResp, err := ParseAlgorithms(resp.Marshal())
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff(resp, gotResp); diff != "" {
		t.Errorf("ParseAlgorithms() differs: %s", diff)
	}
	for _, sel := range []uint32{0, AsymP256 | AsymP384, 1} {
		if _, err := AsymWidth(sel); err == nil {
			t.Errorf("AsymWidth(0x%x) succeeded", sel)
		}
	}
	if w, err := HashWidth(HashFor(primitives.W256)); err != nil || w != primitives.W256 {
		t.Errorf("HashWidth(HashFor(W256)) = %v, %v", w, err)
	}
	if w, err := AsymWidth(AsymFor(primitives.W384)); err != nil || w != primitives.W384 {
		t.Errorf("AsymWidth(AsymFor(W384)) = %v, %v", w, err)
	}
}

func TestCertificate(t *testing.T) {
	req := &GetCertificateRequest{Offset: 0x200, Length: 0x200}
	raw := req.Marshal()
	if want := []byte{0x11, 0x82, 0, 0, 0x00, 0x02, 0x00, 0x02}; !bytes.Equal(raw, want) {
		t.Errorf("GET_CERTIFICATE = %x, want %x", raw, want)
	}
	got, err := ParseGetCertificate(raw)
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff(req, got); diff != "" {
		t.Errorf("ParseGetCertificate() differs: %s", diff)
	}
	resp := &CertificateResponse{RemainderLength: 7, Portion: []byte{1, 2, 3}}
	gotResp, err := ParseCertificate(resp.Marshal())
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff(resp, gotResp); diff != "" {
		t.Errorf("ParseCertificate() differs: %s", diff)
	}
	truncated := resp.Marshal()
	if _, err := ParseCertificate(truncated[:len(truncated)-1]); err == nil {
		t.Error("ParseCertificate(truncated) succeeded")
	}
	empty := (&CertificateResponse{}).Marshal()
	if _, err := ParseCertificate(empty); err == nil {
		t.Error("ParseCertificate(empty portion) succeeded")
	}
}

func TestChallengeAuth(t *testing.T) {
	for _, summary := range []bool{false, true} {
		w := 48
		r := &ChallengeAuthResponse{
			CertChainHash: bytes.Repeat([]byte{1}, w),
			Nonce:         bytes.Repeat([]byte{2}, NonceSize),
			Opaque:        []byte{9, 9},
			Signature:     bytes.Repeat([]byte{3}, 2*w),
		}
		if summary {
			r.SummaryHash = bytes.Repeat([]byte{4}, w)
		}
		raw := r.Marshal()
		if !bytes.HasPrefix(raw, r.MarshalUnsigned()) || len(raw) != len(r.MarshalUnsigned())+2*w {
			t.Fatal("Marshal() is not MarshalUnsigned() followed by the signature")
		}
		got, err := ParseChallengeAuth(raw, w, summary, 2*w)
		if err != nil {
			t.Fatal(err)
		}
		if !summary {
			got.SummaryHash = nil
		}
		if diff := cmp.Diff(r, got); diff != "" {
			t.Errorf("ParseChallengeAuth(summary=%v) differs: %s", summary, diff)
		}
		if _, err := ParseChallengeAuth(raw[:len(raw)-1], w, summary, 2*w); err == nil {
			t.Errorf("ParseChallengeAuth(truncated, summary=%v) succeeded", summary)
		}
	}
	req := &ChallengeRequest{SummaryHashType: SummaryHashAll, Nonce: make([]byte, NonceSize)}
	got, err := ParseChallenge(req.Marshal())
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff(req, got); diff != "" {
		t.Errorf("ParseChallenge() differs: %s", diff)
	}
	bad := req.Marshal()
	bad[3] = 2
	if _, err := ParseChallenge(bad); err == nil {
		t.Error("ParseChallenge(summary type 2) succeeded")
	}
}

func TestMeasurements(t *testing.T) {
	req := &GetMeasurementsRequest{Index: 3, Signed: true, Nonce: bytes.Repeat([]byte{7}, NonceSize)}
	raw := req.Marshal()
	if len(raw) != GetMeasurementsSignedSize {
		t.Fatalf("signed GET_MEASUREMENTS is %d bytes", len(raw))
	}
	got, err := ParseGetMeasurements(raw)
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff(req, got); diff != "" {
		t.Errorf("ParseGetMeasurements() differs: %s", diff)
	}
	unsigned := (&GetMeasurementsRequest{Index: 1}).Marshal()
	if len(unsigned) != GetMeasurementsSize {
		t.Errorf("unsigned GET_MEASUREMENTS is %d bytes", len(unsigned))
	}

	resp := &MeasurementsResponse{
		Blocks:    []MeasurementBlock{{Index: 3, ValueType: MutableFirmware, Value: bytes.Repeat([]byte{0xab}, 48)}},
		Nonce:     bytes.Repeat([]byte{5}, NonceSize),
		Opaque:    []byte{},
		Signature: bytes.Repeat([]byte{6}, 96),
	}
	rawResp := resp.Marshal()
	// Header, block count, 3-byte record length, block header, DMTF value header.
	if rawResp[4] != 1 || rawResp[5] != 4+3+48 || rawResp[8] != 3 || rawResp[9] != MeasSpecDMTF {
		t.Errorf("MEASUREMENTS layout = %x", rawResp[:16])
	}
	gotResp, err := ParseMeasurements(rawResp, 96)
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff(resp, gotResp); diff != "" {
		t.Errorf("ParseMeasurements() differs: %s", diff)
	}
	if _, err := ParseMeasurements(rawResp, 0); err == nil {
		t.Error("ParseMeasurements() ignoring a trailing signature succeeded")
	}
	if _, err := ParseMeasurementRecord(rawResp[8:8+55], 2); err == nil {
		t.Error("ParseMeasurementRecord() with a wrong count succeeded")
	}
}

func TestError(t *testing.T) {
	nr := &NotReady{RDTExponent: 1, RequestCode: Challenge, Token: 9, RDTM: 1}
	raw := MarshalError(&SpdmErr{Code: ResponseNotReady, Extended: nr.Bytes()})
	if !IsError(raw) {
		t.Fatal("IsError() = false")
	}
	e, err := ParseError(raw)
	if err != nil {
		t.Fatal(err)
	}
	got, err := e.NotReady()
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff(nr, got); diff != "" {
		t.Errorf("NotReady() differs: %s", diff)
	}
	if _, err := ParseError(raw[:HeaderSize+2]); err == nil {
		t.Error("ParseError(short not-ready data) succeeded")
	}
	var target *SpdmErr
	if err := error(&SpdmErr{Code: Busy}); !errors.As(err, &target) || target.Code != Busy {
		t.Errorf("errors.As(Busy) = %v", target)
	}
	if msg := (&SpdmErr{Code: 0x99}).Error(); !strings.Contains(msg, "0x99") {
		t.Errorf("Error() = %q", msg)
	}
}

func TestCertChain(t *testing.T) {
	c := &CertChain{RootHash: bytes.Repeat([]byte{1}, 32), Certificates: []byte{0x30, 0x00}}
	raw, err := c.Marshal()
	if err != nil {
		t.Fatal(err)
	}
	if raw[0] != byte(len(raw)) || raw[1] != 0 {
		t.Errorf("container Length = %x", raw[:2])
	}
	got, err := ParseCertChain(raw, 32)
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff(c, got); diff != "" {
		t.Errorf("ParseCertChain() differs: %s", diff)
	}
	if _, err := ParseCertChain(raw[:len(raw)-1], 32); err == nil {
		t.Error("ParseCertChain(truncated) succeeded")
	}
}

func TestResponseFor(t *testing.T) {
	for _, c := range []RequestCode{GetDigests, GetCertificate, Challenge, GetVersion, GetMeasurements, GetCapabilities, NegotiateAlgorithms} {
		r, ok := ResponseFor(c)
		if !ok || uint8(r) != uint8(c)&0x7f {
			t.Errorf("ResponseFor(%v) = %v, %v", c, r, ok)
		}
	}
	if _, ok := ResponseFor(RespondIfReady); ok {
		t.Error("ResponseFor(RESPOND_IF_READY) succeeded")
	}
}
