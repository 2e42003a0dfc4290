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
	"bytes"
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/go-spdm-attest/abi"
	"github.com/google/go-spdm-attest/cert"
	"github.com/google/go-spdm-attest/primitives"
	"github.com/google/go-spdm-attest/store"
	"github.com/google/go-spdm-attest/transcript"
	"github.com/google/go-spdm-attest/transport"
	"github.com/google/logger"
	"github.com/google/uuid"
)

// Requester challenges peer devices and checks their measurements against a policy.
type Requester struct {
	crypto    primitives.Crypto
	transport transport.Transport
	policy    *store.Policy
	cfg       Config

	mu      sync.Mutex
	session *Session
	// digests caches the last verified chain digest of each peer.
	digests map[uuid.UUID][]byte
}

// NewRequester returns a requester that reaches peers through t and judges their measurements
// by policy. A nil policy fails any peer that reports measurements.
func NewRequester(c primitives.Crypto, t transport.Transport, policy *store.Policy, cfg Config) *Requester {
	return &Requester{
		crypto:    c,
		transport: t,
		policy:    policy,
		cfg:       cfg.withDefaults(DefaultRequesterCaps),
		digests:   make(map[uuid.UUID][]byte),
	}
}

// State returns the state of the session in flight, or StateVersion when there is none.
func (r *Requester) State() MessageState {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.session == nil {
		return StateVersion
	}
	return r.session.State
}

// Abandon drops the session in flight.
func (r *Requester) Abandon() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.session = nil
}

// Run advances the attestation of peer by one step. A session is started on the first call and
// ends with the first result that is not InProgress.
func (r *Requester) Run(peer uuid.UUID) Result {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.session != nil && r.session.Peer != peer {
		logger.Warningf("session %v: abandoned in %v to attest %v", r.session.ID, r.session.State, peer)
		r.session = nil
	}
	if r.session == nil {
		r.session = newSession(&r.cfg, peer)
		logger.Infof("session %v: attesting %v", r.session.ID, peer)
	}
	s := r.session
	res := r.step(s)
	if res.Done() {
		if res.OK() {
			logger.Infof("session %v: %v attested", s.ID, peer)
		} else {
			logger.Errorf("session %v: %v in %v: %v", s.ID, peer, s.State, res)
		}
		r.session = nil
	}
	return res
}

// Attest runs the attestation of peer to completion or until ctx is done.
func (r *Requester) Attest(ctx context.Context, peer uuid.UUID) Result {
	for {
		if err := ctx.Err(); err != nil {
			r.Abandon()
			return Result{Kind: CommunicationFailure, Err: err}
		}
		if res := r.Run(peer); res.Done() {
			return res
		}
	}
}

func (r *Requester) step(s *Session) Result {
	switch s.State {
	case StateVersion:
		return r.version(s)
	case StateCapabilities:
		return r.capabilities(s)
	case StateAlgorithms:
		return r.algorithms(s)
	case StateDigest:
		return r.digest(s)
	case StateCertificate:
		return r.certificate(s)
	case StateChallenge:
		return r.challenge(s)
	case StateMeasurement:
		return r.measurement(s)
	case StateFinished:
		return success
	}
	return protocolErr(Internal, "session in unknown state %v", s.State)
}

// advance moves s past its current state.
func (r *Requester) advance(s *Session) Result {
	s.State = s.next(s.State)
	s.retries = 0
	if s.State == StateFinished {
		return success
	}
	return inProgress
}

// exchange records req in buf, sends it, and waits for the reply. It applies the error policy
// to ERROR replies and returns a nil reply together with the step result when there is no
// response to process.
func (r *Requester) exchange(s *Session, buf *transcript.Buffer, req []byte, timeout time.Duration) ([]byte, Result) {
	code := abi.RequestCode(req[1])
	want, _ := abi.ResponseFor(code)
	if err := buf.Append(req); err != nil {
		return nil, protocolErr(Internal, "%v: %v", code, err)
	}
	if err := r.transport.Send(req); err != nil {
		buf.Unwind()
		return nil, failure(CommunicationFailure, "could not send %v: %v", code, err)
	}
	for {
		resp, err := r.transport.Receive(timeout)
		if err != nil {
			buf.Unwind()
			if !errors.Is(err, transport.ErrTimeout) {
				return nil, failure(CommunicationFailure, "%v: %v", code, err)
			}
			if s.retry(r.cfg.Retries) {
				logger.Infof("session %v: no reply to %v, retry %d", s.ID, code, s.retries)
				return nil, inProgress
			}
			return nil, failure(CommunicationFailure, "no reply to %v after %d retries", code, r.cfg.Retries)
		}
		if !abi.IsError(resp) {
			if len(resp) < abi.HeaderSize || resp[1] != uint8(want) {
				return nil, protocolErr(Unexpected, "%v answered with 0x%x", code, resp)
			}
			return resp, inProgress
		}
		e, err := abi.ParseError(resp)
		if err != nil {
			buf.Unwind()
			return nil, protocolErr(Malformed, "%v: ERROR: %v", code, err)
		}
		switch classify(e) {
		case retrySame:
			buf.Unwind()
			if s.retry(r.cfg.Retries) {
				logger.Infof("session %v: %v: %v, retry %d", s.ID, code, e, s.retries)
				return nil, inProgress
			}
			return nil, Result{Kind: ProtocolError, Protocol: Exhausted, Err: e}
		case resynchronize:
			if !s.retry(r.cfg.Retries) {
				return nil, Result{Kind: ProtocolError, Protocol: Exhausted, Err: e}
			}
			logger.Infof("session %v: %v: %v, restarting", s.ID, code, e)
			s.restart()
			return nil, inProgress
		case waitAndProbe:
			nr, _ := e.NotReady()
			if nr.RequestCode != code {
				buf.Unwind()
				return nil, protocolErr(Unexpected, "%v deferred as %v", code, nr.RequestCode)
			}
			if !s.retry(r.cfg.Retries) {
				buf.Unwind()
				return nil, Result{Kind: ProtocolError, Protocol: Exhausted, Err: e}
			}
			s.notReady = nr
			r.cfg.Sleep(NotReadyWait(nr, r.cfg.MaxNotReadyWait))
			ready := (&abi.RespondIfReadyRequest{RequestCode: code, Token: nr.Token}).Marshal()
			if err := r.transport.Send(ready); err != nil {
				buf.Unwind()
				return nil, failure(CommunicationFailure, "could not send %v: %v", abi.RespondIfReady, err)
			}
		default:
			buf.Unwind()
			return nil, Result{Kind: ProtocolError, Protocol: PeerError, Err: e}
		}
	}
}

func (r *Requester) version(s *Session) Result {
	s.restart()
	resp, res := r.exchange(s, s.M1M2, abi.MarshalGetVersion(), s.Timeout)
	if resp == nil {
		return res
	}
	v, err := abi.ParseVersion(resp)
	if err != nil {
		return protocolErr(Malformed, "VERSION: %v", err)
	}
	if !v.Supports11() {
		return protocolErr(Unsupported, "peer versions %04x do not include 1.1", v.Entries)
	}
	if err := s.M1M2.Append(resp); err != nil {
		return protocolErr(Internal, "VERSION: %v", err)
	}
	return r.advance(s)
}

func (r *Requester) capabilities(s *Session) Result {
	req := abi.MarshalGetCapabilities(&abi.CapabilitiesMessage{CTExponent: r.cfg.CTExponent, Flags: s.OwnCaps})
	resp, res := r.exchange(s, s.M1M2, req, s.Timeout)
	if resp == nil {
		return res
	}
	c, err := abi.ParseCapabilities(resp)
	if err != nil {
		return protocolErr(Malformed, "CAPABILITIES: %v", err)
	}
	if err := s.M1M2.Append(resp); err != nil {
		return protocolErr(Internal, "CAPABILITIES: %v", err)
	}
	s.PeerCaps = c.Flags
	s.PeerCTExponent = c.CTExponent
	return r.advance(s)
}

func (r *Requester) algorithms(s *Session) Result {
	req := &abi.NegotiateAlgorithmsRequest{
		MeasurementSpecification: abi.MeasSpecDMTF,
		BaseAsymAlgo:             r.cfg.BaseAsym,
		BaseHashAlgo:             r.cfg.BaseHash,
	}
	resp, res := r.exchange(s, s.M1M2, req.Marshal(), s.Timeout)
	if resp == nil {
		return res
	}
	a, err := abi.ParseAlgorithms(resp)
	if err != nil {
		return protocolErr(Malformed, "ALGORITHMS: %v", err)
	}
	asym, err := abi.AsymWidth(a.BaseAsymSel)
	if err != nil {
		return protocolErr(Unsupported, "ALGORITHMS: %v", err)
	}
	hash, err := abi.HashWidth(a.BaseHashSel)
	if err != nil {
		return protocolErr(Unsupported, "ALGORITHMS: %v", err)
	}
	if a.BaseAsymSel&r.cfg.BaseAsym == 0 || a.BaseHashSel&r.cfg.BaseHash == 0 {
		return protocolErr(Unsupported, "ALGORITHMS selected 0x%x/0x%x, not offered", a.BaseAsymSel, a.BaseHashSel)
	}
	if asym != hash {
		return protocolErr(Unsupported, "ALGORITHMS paired %v signatures with %v hashes", asym, hash)
	}
	if s.PeerCaps.HasMeasurements() && a.MeasurementSpecificationSel != abi.MeasSpecDMTF {
		return protocolErr(Unsupported, "ALGORITHMS measurement specification 0x%02x", a.MeasurementSpecificationSel)
	}
	if err := s.M1M2.Append(resp); err != nil {
		return protocolErr(Internal, "ALGORITHMS: %v", err)
	}
	s.Width = asym
	return r.advance(s)
}

func (r *Requester) digest(s *Session) Result {
	resp, res := r.exchange(s, s.M1M2, abi.MarshalGetDigests(), s.Timeout)
	if resp == nil {
		return res
	}
	d, err := abi.ParseDigests(resp, s.hashSize())
	if err != nil {
		return protocolErr(Malformed, "DIGESTS: %v", err)
	}
	if err := s.M1M2.Append(resp); err != nil {
		return protocolErr(Internal, "DIGESTS: %v", err)
	}
	s.digest = append([]byte(nil), d...)
	if cached, ok := r.digests[s.Peer]; ok && !bytes.Equal(cached, s.digest) {
		logger.Warningf("session %v: chain digest of %v changed since the last attestation", s.ID, s.Peer)
	}
	return r.advance(s)
}

func (r *Requester) certificate(s *Session) Result {
	off := len(s.chain)
	window := r.cfg.CertWindow
	if s.total > 0 && s.total-off < window {
		window = s.total - off
	}
	req := (&abi.GetCertificateRequest{Offset: off, Length: window}).Marshal()
	resp, res := r.exchange(s, s.M1M2, req, s.Timeout)
	if resp == nil {
		return res
	}
	c, err := abi.ParseCertificate(resp)
	if err != nil {
		return protocolErr(Malformed, "CERTIFICATE: %v", err)
	}
	if len(c.Portion) > window {
		return protocolErr(Malformed, "CERTIFICATE portion of %d bytes exceeds the %d requested", len(c.Portion), window)
	}
	total := off + len(c.Portion) + c.RemainderLength
	if total > abi.MaxCertChainSize {
		return protocolErr(Malformed, "CERTIFICATE chain of %d bytes exceeds 0x%x", total, abi.MaxCertChainSize)
	}
	if s.total != 0 && total != s.total {
		return protocolErr(Malformed, "CERTIFICATE chain length changed from %d to %d", s.total, total)
	}
	if err := s.M1M2.Append(resp); err != nil {
		return protocolErr(Internal, "CERTIFICATE: %v", err)
	}
	s.total = total
	s.chain = append(s.chain, c.Portion...)
	if c.RemainderLength != 0 {
		s.retries = 0
		return inProgress
	}
	return r.verifyChain(s)
}

// verifyChain checks the retrieved SPDM chain container and caches its leaf key and digest.
func (r *Requester) verifyChain(s *Session) Result {
	cc, err := abi.ParseCertChain(s.chain, s.hashSize())
	if err != nil {
		return protocolErr(InvalidChain, "%v", err)
	}
	certs, err := cert.Split(cc.Certificates)
	if err != nil {
		return protocolErr(InvalidChain, "%v", err)
	}
	rootHash, err := r.crypto.Hash(certs[0], s.Width)
	if err != nil {
		return protocolErr(Internal, "root hash: %v", err)
	}
	if !bytes.Equal(rootHash, cc.RootHash) {
		return protocolErr(InvalidChain, "chain root hash %x does not match root certificate hash %x", cc.RootHash, rootHash)
	}
	leaf, err := cert.VerifyChain(cc.Certificates, &cert.Options{Crypto: r.crypto, Width: s.Width})
	if err != nil {
		return protocolErr(InvalidChain, "%v", err)
	}
	s.chainHash, err = r.crypto.Hash(s.chain, s.Width)
	if err != nil {
		return protocolErr(Internal, "chain hash: %v", err)
	}
	if s.digest != nil && !bytes.Equal(s.digest, s.chainHash) {
		logger.Warningf("session %v: DIGESTS of %v does not match the retrieved chain", s.ID, s.Peer)
	}
	r.digests[s.Peer] = s.chainHash
	s.leafKey = &leaf
	return r.advance(s)
}

// checkSignature verifies the signature over buf, which holds the transcript up to the signature.
func (r *Requester) checkSignature(s *Session, sigBytes []byte, buf *transcript.Buffer) error {
	sig, err := primitives.SignatureFromBytes(sigBytes, s.Width)
	if err != nil {
		return err
	}
	if !r.crypto.Verify(*s.leafKey, sig, buf.Bytes(), s.Width) {
		return errors.New("signature does not verify with the leaf key")
	}
	return nil
}

func (r *Requester) challenge(s *Session) Result {
	summary := r.cfg.SummaryHashType
	if !s.PeerCaps.HasMeasurements() {
		summary = abi.SummaryHashNone
	}
	nonce, err := r.crypto.Random(abi.NonceSize)
	if err != nil {
		return protocolErr(Internal, "nonce: %v", err)
	}
	req := (&abi.ChallengeRequest{SummaryHashType: summary, Nonce: nonce}).Marshal()
	resp, res := r.exchange(s, s.M1M2, req, s.cryptoTimeout())
	if resp == nil {
		return res
	}
	a, err := abi.ParseChallengeAuth(resp, s.hashSize(), summary != abi.SummaryHashNone, s.sigSize())
	if err != nil {
		return protocolErr(Malformed, "CHALLENGE_AUTH: %v", err)
	}
	if !bytes.Equal(a.CertChainHash, s.chainHash) {
		return failure(ChallengeAuthFailed, "CHALLENGE_AUTH chain hash %x, retrieved chain hashes to %x", a.CertChainHash, s.chainHash)
	}
	if err := s.M1M2.Append(resp[:len(resp)-len(a.Signature)]); err != nil {
		return protocolErr(Internal, "CHALLENGE_AUTH: %v", err)
	}
	if err := r.checkSignature(s, a.Signature, s.M1M2); err != nil {
		return failure(ChallengeAuthFailed, "CHALLENGE_AUTH: %v", err)
	}
	s.M1M2.Reset()
	return r.advance(s)
}

func (r *Requester) measurement(s *Session) Result {
	var pp *store.PeerPolicy
	ok := false
	if r.policy != nil {
		pp, ok = r.policy.For(s.Peer)
	}
	if !ok {
		return protocolErr(NoPolicy, "no measurement policy for %v", s.Peer)
	}
	if s.measured >= len(pp.Measurements) {
		return r.advance(s)
	}
	want := &pp.Measurements[s.measured]
	req := &abi.GetMeasurementsRequest{
		Index:  want.Index,
		Signed: !r.cfg.UnsignedMeasurements && s.PeerCaps&abi.MeasCapSig != 0 && s.leafKey != nil,
	}
	timeout, sigSize := s.Timeout, 0
	if req.Signed {
		nonce, err := r.crypto.Random(abi.NonceSize)
		if err != nil {
			return protocolErr(Internal, "nonce: %v", err)
		}
		req.Nonce = nonce
		timeout, sigSize = s.cryptoTimeout(), s.sigSize()
	}
	resp, res := r.exchange(s, s.L1L2, req.Marshal(), timeout)
	if resp == nil {
		return res
	}
	m, err := abi.ParseMeasurements(resp, sigSize)
	if err != nil {
		return protocolErr(Malformed, "MEASUREMENTS: %v", err)
	}
	if len(m.Blocks) != 1 || m.Blocks[0].Index != want.Index {
		return protocolErr(Malformed, "MEASUREMENTS for index %d carries %d blocks", want.Index, len(m.Blocks))
	}
	if err := s.L1L2.Append(resp[:len(resp)-len(m.Signature)]); err != nil {
		return protocolErr(Internal, "MEASUREMENTS: %v", err)
	}
	if req.Signed {
		if err := r.checkSignature(s, m.Signature, s.L1L2); err != nil {
			return failure(ChallengeAuthFailed, "MEASUREMENTS index %d: %v", want.Index, err)
		}
		s.L1L2.Reset()
	}
	if !want.Accepts(m.Blocks[0].Value) {
		return failure(MeasurementMismatch, "measurement %d value %x is not acceptable", want.Index, m.Blocks[0].Value)
	}
	s.measured++
	s.retries = 0
	if s.measured < len(pp.Measurements) {
		return inProgress
	}
	return r.advance(s)
}
