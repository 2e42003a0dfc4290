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

// Package spdm runs the SPDM 1.1 attestation exchange as a requester that challenges a peer
// device and as a responder that is challenged by one.
package spdm

import (
	"fmt"
	"time"

	"github.com/google/go-spdm-attest/abi"
	"github.com/google/go-spdm-attest/primitives"
	"github.com/google/go-spdm-attest/transcript"
	"github.com/google/uuid"
)

// MessageState is the position of a session in the exchange. Both roles traverse the states in
// declaration order.
type MessageState int

// Session states.
const (
	StateVersion MessageState = iota
	StateCapabilities
	StateAlgorithms
	StateDigest
	StateCertificate
	StateChallenge
	StateMeasurement
	StateFinished
)

func (m MessageState) String() string {
	switch m {
	case StateVersion:
		return "VERSION"
	case StateCapabilities:
		return "CAPABILITIES"
	case StateAlgorithms:
		return "ALGORITHMS"
	case StateDigest:
		return "DIGEST"
	case StateCertificate:
		return "CERTIFICATE"
	case StateChallenge:
		return "CHALLENGE"
	case StateMeasurement:
		return "MEASUREMENT"
	case StateFinished:
		return "FINISHED"
	}
	return fmt.Sprintf("MessageState(%d)", int(m))
}

const (
	// DefaultRetries is the number of times a transient failure is retried.
	DefaultRetries = 2
	// NoRetries disables retries when set as Config.Retries.
	NoRetries = -1
	// DefaultTimeout bounds the wait for each reply.
	DefaultTimeout = time.Second
	// DefaultCertWindow is the GET_CERTIFICATE window size.
	DefaultCertWindow = 0x200
	// DefaultMaxNotReadyWait caps the delay a peer can request with RESPONSE_NOT_READY.
	DefaultMaxNotReadyWait = time.Second
	// DefaultCTExponent advertises a cryptographic timeout of 2^16 microseconds.
	DefaultCTExponent = 16
)

// Config tunes a Requester or Responder. The zero value selects every default.
type Config struct {
	// Retries bounds the retries of BUSY, timeouts, and resynchronization. 0 selects
	// DefaultRetries and NoRetries disables retrying.
	Retries int
	// Timeout bounds the wait for a reply. Requests that make the peer sign additionally get
	// the peer's cryptographic timeout.
	Timeout time.Duration
	// CertWindow is the number of chain bytes requested per GET_CERTIFICATE.
	CertWindow int
	// Caps are the capability flags advertised to the peer. 0 selects the role's defaults.
	Caps abi.CapabilityFlags
	// CTExponent is the advertised cryptographic timeout exponent.
	CTExponent uint8
	// BaseAsym and BaseHash are the offered algorithm sets. 0 offers both widths.
	BaseAsym uint32
	BaseHash uint32
	// SummaryHashType is the measurement summary hash requested in CHALLENGE.
	SummaryHashType uint8
	// UnsignedMeasurements requests measurements without signatures.
	UnsignedMeasurements bool
	// AuthCapacity and MeasurementCapacity size the M1/M2 and L1/L2 transcripts.
	AuthCapacity        int
	MeasurementCapacity int
	// Sleep waits out RESPONSE_NOT_READY delays. nil selects time.Sleep.
	Sleep func(time.Duration)
	// MaxNotReadyWait caps a RESPONSE_NOT_READY delay.
	MaxNotReadyWait time.Duration
	// DeferOnce makes a responder answer the first request with this code with
	// RESPONSE_NOT_READY and deliver the response on RESPOND_IF_READY.
	DeferOnce abi.RequestCode
}

// Default capability sets.
const (
	DefaultRequesterCaps = abi.CertCap | abi.ChalCap
	DefaultResponderCaps = abi.CertCap | abi.ChalCap | abi.MeasCapSig
)

func (c Config) withDefaults(caps abi.CapabilityFlags) Config {
	if c.Retries == 0 {
		c.Retries = DefaultRetries
	}
	if c.Retries < 0 {
		c.Retries = 0
	}
	if c.Timeout == 0 {
		c.Timeout = DefaultTimeout
	}
	if c.CertWindow <= 0 || c.CertWindow > abi.MaxCertificatePortion {
		c.CertWindow = DefaultCertWindow
	}
	if c.Caps == 0 {
		c.Caps = caps
	}
	if c.CTExponent == 0 {
		c.CTExponent = DefaultCTExponent
	}
	if c.BaseAsym == 0 {
		c.BaseAsym = abi.AsymP256 | abi.AsymP384
	}
	if c.BaseHash == 0 {
		c.BaseHash = abi.HashSHA256 | abi.HashSHA384
	}
	if c.AuthCapacity == 0 {
		c.AuthCapacity = transcript.DefaultAuthCapacity
	}
	if c.MeasurementCapacity == 0 {
		c.MeasurementCapacity = transcript.DefaultMeasurementCapacity
	}
	if c.Sleep == nil {
		c.Sleep = time.Sleep
	}
	if c.MaxNotReadyWait == 0 {
		c.MaxNotReadyWait = DefaultMaxNotReadyWait
	}
	return c
}

// Session is the context of one attestation exchange. It is owned by one Requester or Responder
// and is never shared.
type Session struct {
	// ID names the session in logs.
	ID uuid.UUID
	// Peer identifies the attested device. It is uuid.Nil on the responder.
	Peer  uuid.UUID
	State MessageState

	OwnCaps        abi.CapabilityFlags
	PeerCaps       abi.CapabilityFlags
	PeerCTExponent uint8
	// Width is the negotiated hash and signature width.
	Width primitives.Width

	M1M2 *transcript.Buffer
	L1L2 *transcript.Buffer

	// Timeout bounds the wait for the next reply.
	Timeout time.Duration
	retries int
	// notReady is the most recent RESPONSE_NOT_READY data.
	notReady *abi.NotReady

	// Requester-side chain retrieval and verification.
	chain     []byte
	total     int
	digest    []byte
	chainHash []byte
	leafKey   *primitives.PublicKey
	// measured counts the policy indices already checked.
	measured int
}

func newSession(cfg *Config, peer uuid.UUID) *Session {
	return &Session{
		ID:      uuid.New(),
		Peer:    peer,
		OwnCaps: cfg.Caps,
		M1M2:    transcript.New(cfg.AuthCapacity),
		L1L2:    transcript.New(cfg.MeasurementCapacity),
		Timeout: cfg.Timeout,
	}
}

// restart returns s to StateVersion with empty transcripts, as GET_VERSION and
// REQUEST_RESYNCH require.
func (s *Session) restart() {
	s.State = StateVersion
	s.PeerCaps = 0
	s.PeerCTExponent = 0
	s.Width = 0
	s.M1M2.Reset()
	s.L1L2.Reset()
	s.notReady = nil
	s.chain = nil
	s.total = 0
	s.digest = nil
	s.chainHash = nil
	s.leafKey = nil
	s.measured = 0
}

// cryptoTimeout is the reply timeout of requests that make the peer sign.
func (s *Session) cryptoTimeout() time.Duration {
	exp := s.PeerCTExponent
	if exp > 30 {
		exp = 30
	}
	return s.Timeout + time.Duration(1<<exp)*time.Microsecond
}

// nextState returns the state after from, skipping what the responder capabilities caps rule
// out.
func nextState(caps abi.CapabilityFlags, from MessageState) MessageState {
	for st := from + 1; st < StateFinished; st++ {
		switch st {
		case StateDigest, StateCertificate:
			if caps&abi.CertCap == 0 {
				continue
			}
		case StateChallenge:
			// A challenge cannot be checked without the leaf key from the chain.
			if caps&abi.ChalCap == 0 || caps&abi.CertCap == 0 {
				continue
			}
		case StateMeasurement:
			if !caps.HasMeasurements() {
				continue
			}
		}
		return st
	}
	return StateFinished
}

// next returns the state after from, skipping what the peer's capabilities rule out.
func (s *Session) next(from MessageState) MessageState { return nextState(s.PeerCaps, from) }

func (s *Session) hashSize() int { return int(s.Width) }

func (s *Session) sigSize() int { return 2 * int(s.Width) }
