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

package spdm

import (
	"github.com/google/go-spdm-attest/abi"
	"github.com/google/go-spdm-attest/cert"
	"github.com/google/go-spdm-attest/primitives"
	"github.com/google/go-spdm-attest/store"
	"github.com/google/logger"
	"github.com/google/uuid"
	perrors "github.com/pkg/errors"
)

// deferred is a response held back by RESPONSE_NOT_READY until RESPOND_IF_READY collects it.
type deferred struct {
	notReady abi.NotReady
	resp     []byte
	res      Result
}

// Responder answers the requests of a peer that attests this device.
type Responder struct {
	crypto       primitives.Crypto
	identity     *store.Identity
	measurements *store.Measurements
	cfg          Config

	// container is the SPDM certificate chain served by GET_CERTIFICATE.
	container []byte
	chainHash []byte

	session   *Session
	pending   *deferred
	deferUsed bool
	token     uint8
}

// NewResponder returns a responder that proves id and reports m. m may be nil for a device
// without measurements.
func NewResponder(c primitives.Crypto, id *store.Identity, m *store.Measurements, cfg Config) (*Responder, error) {
	if m == nil {
		m = &store.Measurements{}
	}
	caps := DefaultResponderCaps
	if m.Count() == 0 {
		caps = abi.CertCap | abi.ChalCap
	}
	cfg = cfg.withDefaults(caps)
	if err := cfg.Caps.Validate(); err != nil {
		return nil, err
	}
	if err := id.Check(c); err != nil {
		return nil, perrors.Wrap(err, "responder identity")
	}
	certs, err := cert.Split(id.Chain)
	if err != nil {
		return nil, perrors.Wrap(err, "responder identity")
	}
	rootHash, err := c.Hash(certs[0], id.Width)
	if err != nil {
		return nil, err
	}
	container, err := (&abi.CertChain{RootHash: rootHash, Certificates: id.Chain}).Marshal()
	if err != nil {
		return nil, err
	}
	chainHash, err := c.Hash(container, id.Width)
	if err != nil {
		return nil, err
	}
	r := &Responder{
		crypto:       c,
		identity:     id,
		measurements: m,
		cfg:          cfg,
		container:    container,
		chainHash:    chainHash,
	}
	r.session = newSession(&r.cfg, uuid.Nil)
	return r, nil
}

// State returns the state of the current session.
func (r *Responder) State() MessageState { return r.session.State }

// Handle implements transport.Handler.
func (r *Responder) Handle(msg []byte) ([]byte, error) {
	out, res := r.Respond(msg)
	switch {
	case res.OK():
		logger.Infof("session %v: attested by peer", r.session.ID)
	case res.Done():
		logger.Warningf("session %v: %v", r.session.ID, res)
	}
	return out, nil
}

// Respond processes one request and returns the reply. Every request gets a reply; failures are
// answered with an ERROR response.
func (r *Responder) Respond(in []byte) ([]byte, Result) {
	h, err := abi.ParseHeader(in)
	if err != nil {
		return r.reject(abi.InvalidRequest, 0, protocolErr(Malformed, "%v", err))
	}
	code := abi.RequestCode(h.Code)
	switch code {
	case abi.GetVersion:
		r.pending = nil
		return r.version(in)
	case abi.RespondIfReady:
		return r.respondIfReady(in)
	}
	if r.pending != nil {
		// Nothing advances until the deferred response is collected.
		return r.notReady(&r.pending.notReady), inProgress
	}
	var handle func([]byte) ([]byte, Result)
	var need abi.CapabilityFlags
	switch code {
	case abi.GetCapabilities:
		handle = r.capabilities
	case abi.NegotiateAlgorithms:
		handle = r.algorithms
	case abi.GetDigests:
		handle, need = r.digests, abi.CertCap
	case abi.GetCertificate:
		handle, need = r.certificate, abi.CertCap
	case abi.Challenge:
		handle, need = r.challenge, abi.ChalCap
	case abi.GetMeasurements:
		handle = r.measure
		if !r.cfg.Caps.HasMeasurements() {
			return r.reject(abi.UnsupportedRequest, h.Code, protocolErr(Unsupported, "%v without measurement capability", code))
		}
	default:
		return r.reject(abi.UnsupportedRequest, h.Code, protocolErr(Unsupported, "request %v", code))
	}
	if need != 0 && r.cfg.Caps&need == 0 {
		return r.reject(abi.UnsupportedRequest, h.Code, protocolErr(Unsupported, "%v without %v capability", code, need))
	}
	if !r.expects(code) {
		return r.reject(abi.UnexpectedRequest, 0, protocolErr(Unexpected, "%v in state %v", code, r.session.State))
	}
	out, res := handle(in)
	if code == r.cfg.DeferOnce && !r.deferUsed && !abi.IsError(out) {
		r.deferUsed = true
		r.token++
		r.pending = &deferred{
			notReady: abi.NotReady{RDTExponent: r.cfg.CTExponent, RequestCode: code, Token: r.token, RDTM: 1},
			resp:     out,
			res:      res,
		}
		return r.notReady(&r.pending.notReady), inProgress
	}
	return out, res
}

// expects returns true iff code is in order for the current state. Measurements may be
// requested again once the last index was reported.
func (r *Responder) expects(code abi.RequestCode) bool {
	st := r.session.State
	switch code {
	case abi.GetCapabilities:
		return st == StateCapabilities
	case abi.NegotiateAlgorithms:
		return st == StateAlgorithms
	case abi.GetDigests:
		return st == StateDigest
	case abi.GetCertificate:
		return st == StateCertificate
	case abi.Challenge:
		return st == StateChallenge
	case abi.GetMeasurements:
		return st >= StateMeasurement
	}
	return false
}

// advance moves the session past its current state, skipping what the device does not support.
func (r *Responder) advance() {
	r.session.State = nextState(r.cfg.Caps, r.session.State)
}

func (r *Responder) reject(code abi.SpdmErrorCode, data uint8, res Result) ([]byte, Result) {
	return abi.MarshalError(&abi.SpdmErr{Code: code, Data: data}), res
}

func (r *Responder) notReady(nr *abi.NotReady) []byte {
	return abi.MarshalError(&abi.SpdmErr{Code: abi.ResponseNotReady, Extended: nr.Bytes()})
}

// record appends a request and its reply to the M1/M2 transcript.
func (r *Responder) record(in, out []byte) ([]byte, Result) {
	if err := r.session.M1M2.AppendLarge(in, out); err != nil {
		return r.reject(abi.Unspecified, 0, protocolErr(Internal, "%v", err))
	}
	return out, inProgress
}

func (r *Responder) respondIfReady(in []byte) ([]byte, Result) {
	req, err := abi.ParseRespondIfReady(in)
	if err != nil {
		return r.reject(abi.InvalidRequest, 0, protocolErr(Malformed, "%v", err))
	}
	if r.pending == nil {
		return r.reject(abi.UnexpectedRequest, 0, protocolErr(Unexpected, "%v without a deferred response", abi.RespondIfReady))
	}
	if req.RequestCode != r.pending.notReady.RequestCode || req.Token != r.pending.notReady.Token {
		return r.reject(abi.InvalidRequest, 0, protocolErr(Malformed, "%v for %v token %d, deferred %v token %d",
			abi.RespondIfReady, req.RequestCode, req.Token, r.pending.notReady.RequestCode, r.pending.notReady.Token))
	}
	d := r.pending
	r.pending = nil
	return d.resp, d.res
}

func (r *Responder) version(in []byte) ([]byte, Result) {
	if err := abi.ParseGetVersion(in); err != nil {
		return r.reject(abi.InvalidRequest, 0, protocolErr(Malformed, "%v", err))
	}
	r.session = newSession(&r.cfg, uuid.Nil)
	out := (&abi.VersionResponse{Entries: []uint16{abi.VersionEntry11}}).Marshal()
	out, res := r.record(in, out)
	if res.Done() {
		return out, res
	}
	r.session.State = StateCapabilities
	return out, res
}

func (r *Responder) capabilities(in []byte) ([]byte, Result) {
	m, err := abi.ParseGetCapabilities(in)
	if err != nil {
		return r.reject(abi.InvalidRequest, 0, protocolErr(Malformed, "%v", err))
	}
	out := abi.MarshalCapabilities(&abi.CapabilitiesMessage{CTExponent: r.cfg.CTExponent, Flags: r.cfg.Caps})
	out, res := r.record(in, out)
	if res.Done() {
		return out, res
	}
	r.session.PeerCaps = m.Flags
	r.session.PeerCTExponent = m.CTExponent
	r.session.State = StateAlgorithms
	return out, res
}

func (r *Responder) algorithms(in []byte) ([]byte, Result) {
	req, err := abi.ParseNegotiateAlgorithms(in)
	if err != nil {
		return r.reject(abi.InvalidRequest, 0, protocolErr(Malformed, "%v", err))
	}
	w := r.identity.Width
	sel := &abi.AlgorithmsResponse{}
	if r.cfg.Caps.HasMeasurements() && req.MeasurementSpecification&abi.MeasSpecDMTF != 0 {
		sel.MeasurementSpecificationSel = abi.MeasSpecDMTF
		sel.MeasurementHashAlgo = abi.MeasHashFor(w)
	}
	common := req.BaseAsymAlgo&abi.AsymFor(w) != 0 && req.BaseHashAlgo&abi.HashFor(w) != 0
	if common {
		sel.BaseAsymSel = abi.AsymFor(w)
		sel.BaseHashSel = abi.HashFor(w)
	}
	out, res := r.record(in, sel.Marshal())
	if res.Done() {
		return out, res
	}
	if !common {
		// The empty selection tells the peer there is nothing in common.
		return out, protocolErr(Unsupported, "peer offers 0x%x/0x%x, device signs with %v", req.BaseAsymAlgo, req.BaseHashAlgo, w)
	}
	r.session.Width = w
	r.advance()
	if r.session.State == StateFinished {
		return out, success
	}
	return out, res
}

func (r *Responder) digests(in []byte) ([]byte, Result) {
	if err := abi.ParseGetDigests(in); err != nil {
		return r.reject(abi.InvalidRequest, 0, protocolErr(Malformed, "%v", err))
	}
	out, res := r.record(in, abi.MarshalDigests(r.chainHash))
	if res.Done() {
		return out, res
	}
	r.advance()
	return out, res
}

func (r *Responder) certificate(in []byte) ([]byte, Result) {
	req, err := abi.ParseGetCertificate(in)
	if err != nil {
		return r.reject(abi.InvalidRequest, 0, protocolErr(Malformed, "%v", err))
	}
	if req.Offset >= len(r.container) || req.Length == 0 {
		return r.reject(abi.InvalidRequest, 0, protocolErr(Malformed, "%v offset %d length %d for a %d-byte chain",
			abi.GetCertificate, req.Offset, req.Length, len(r.container)))
	}
	n := req.Length
	if n > abi.MaxCertificatePortion {
		n = abi.MaxCertificatePortion
	}
	if rest := len(r.container) - req.Offset; n > rest {
		n = rest
	}
	resp := &abi.CertificateResponse{
		RemainderLength: len(r.container) - req.Offset - n,
		Portion:         r.container[req.Offset : req.Offset+n],
	}
	out, res := r.record(in, resp.Marshal())
	if res.Done() {
		return out, res
	}
	if resp.RemainderLength == 0 {
		r.advance()
	}
	return out, res
}

// summaryHash hashes the measurement blocks selected by a CHALLENGE summary hash type. The TCB
// set is the firmware measurements.
func (r *Responder) summaryHash(kind uint8) ([]byte, error) {
	if kind == abi.SummaryHashNone {
		return nil, nil
	}
	var record []byte
	for _, e := range r.measurements.Entries {
		t := e.Type &^ abi.RawBitStream
		if kind == abi.SummaryHashTCB && t != abi.ImmutableROM && t != abi.MutableFirmware {
			continue
		}
		b, _ := r.measurements.Block(e.Index)
		record = append(record, b.Marshal()...)
	}
	return r.crypto.Hash(record, r.session.Width)
}

// sign signs the transcript held in buf with the leaf key.
func (r *Responder) sign(data []byte) ([]byte, error) {
	sig, err := r.crypto.Sign(r.identity.PublicKey, r.identity.PrivateKey, data, r.session.Width)
	if err != nil {
		return nil, err
	}
	return sig.Bytes(), nil
}

func (r *Responder) challenge(in []byte) ([]byte, Result) {
	req, err := abi.ParseChallenge(in)
	if err != nil {
		return r.reject(abi.InvalidRequest, 0, protocolErr(Malformed, "%v", err))
	}
	if req.SummaryHashType != abi.SummaryHashNone && !r.cfg.Caps.HasMeasurements() {
		return r.reject(abi.InvalidRequest, 0, protocolErr(Malformed, "summary hash 0x%02x without measurements", req.SummaryHashType))
	}
	nonce, err := r.crypto.Random(abi.NonceSize)
	if err != nil {
		return r.reject(abi.Unspecified, 0, protocolErr(Internal, "nonce: %v", err))
	}
	summary, err := r.summaryHash(req.SummaryHashType)
	if err != nil {
		return r.reject(abi.Unspecified, 0, protocolErr(Internal, "summary hash: %v", err))
	}
	auth := &abi.ChallengeAuthResponse{CertChainHash: r.chainHash, Nonce: nonce, SummaryHash: summary}
	unsigned := auth.MarshalUnsigned()
	m := r.session.M1M2
	if err := m.AppendLarge(in, unsigned); err != nil {
		return r.reject(abi.Unspecified, 0, protocolErr(Internal, "%v", err))
	}
	sig, err := r.sign(m.Bytes())
	m.Reset()
	if err != nil {
		return r.reject(abi.Unspecified, 0, protocolErr(Internal, "sign: %v", err))
	}
	out := append(unsigned, sig...)
	r.advance()
	if r.session.State == StateFinished {
		return out, success
	}
	return out, inProgress
}

func (r *Responder) measure(in []byte) ([]byte, Result) {
	req, err := abi.ParseGetMeasurements(in)
	if err != nil {
		return r.reject(abi.InvalidRequest, 0, protocolErr(Malformed, "%v", err))
	}
	if req.Signed && r.cfg.Caps&abi.MeasCapSig == 0 {
		return r.reject(abi.InvalidRequest, 0, protocolErr(Malformed, "signed measurements without signing capability"))
	}
	resp := &abi.MeasurementsResponse{}
	switch req.Index {
	case 0:
		resp.TotalIndices = uint8(r.measurements.Count())
	case 0xff:
		for _, e := range r.measurements.Entries {
			b, _ := r.measurements.Block(e.Index)
			resp.Blocks = append(resp.Blocks, b)
		}
	default:
		b, ok := r.measurements.Block(req.Index)
		if !ok {
			return r.reject(abi.InvalidRequest, 0, protocolErr(Malformed, "no measurement index %d", req.Index))
		}
		resp.Blocks = []abi.MeasurementBlock{b}
	}
	if resp.Nonce, err = r.crypto.Random(abi.NonceSize); err != nil {
		return r.reject(abi.Unspecified, 0, protocolErr(Internal, "nonce: %v", err))
	}
	out := resp.MarshalUnsigned()
	l := r.session.L1L2
	if err := l.AppendLarge(in, out); err != nil {
		return r.reject(abi.Unspecified, 0, protocolErr(Internal, "%v", err))
	}
	if req.Signed {
		sig, err := r.sign(l.Bytes())
		l.Reset()
		if err != nil {
			return r.reject(abi.Unspecified, 0, protocolErr(Internal, "sign: %v", err))
		}
		out = append(out, sig...)
	}
	if req.Index == 0xff || (req.Index != 0 && req.Index == r.measurements.Last()) {
		r.session.State = StateFinished
		return out, success
	}
	return out, inProgress
}
