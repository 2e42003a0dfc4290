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
	"net"
	"os"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-spdm-attest/abi"
	"github.com/google/go-spdm-attest/primitives"
	"github.com/google/go-spdm-attest/store"
	test "github.com/google/go-spdm-attest/testing"
	"github.com/google/go-spdm-attest/transport"
	"github.com/google/logger"
	"github.com/stretchr/testify/require"
)

func TestMain(m *testing.M) {
	logger.Init("SpdmTestLog", false, false, os.Stderr)
	os.Exit(m.Run())
}

type fixture struct {
	id         *store.Identity
	responder  *Responder
	respCrypto *test.Recording
	reqCrypto  *test.Recording
	wire       *test.Recorder
	requester  *Requester
}

type fixtureOpts struct {
	width        primitives.Width
	measurements *store.Measurements
	policy       *store.Policy
	reqCfg       Config
	respCfg      Config
	wrap         func(transport.Transport) transport.Transport
}

func newFixture(t *testing.T, o fixtureOpts) *fixture {
	t.Helper()
	if o.width == 0 {
		o.width = test.GetWidth()
	}
	f := &fixture{
		id:         test.Identity(t, test.Crypto(test.Seed), o.width),
		respCrypto: &test.Recording{Crypto: test.Crypto(test.Seed + 1)},
		reqCrypto:  &test.Recording{Crypto: test.Crypto(test.Seed + 2)},
	}
	var err error
	f.responder, err = NewResponder(f.respCrypto, f.id, o.measurements, o.respCfg)
	require.NoError(t, err)
	var tr transport.Transport = &transport.Loopback{Handler: f.responder}
	if o.wrap != nil {
		tr = o.wrap(tr)
	}
	f.wire = &test.Recorder{Transport: tr}
	f.requester = NewRequester(f.reqCrypto, f.wire, o.policy, o.reqCfg)
	return f
}

func (f *fixture) attest() Result {
	return f.requester.Attest(context.Background(), test.PeerID)
}

func count(msgs [][]byte, code uint8) int {
	n := 0
	for _, m := range msgs {
		if len(m) >= abi.HeaderSize && m[1] == code {
			n++
		}
	}
	return n
}

func TestEndToEnd(t *testing.T) {
	m := test.Measurements()
	tcs := []struct {
		name   string
		m      *store.Measurements
		policy *store.Policy
		reqCfg Config
	}{
		{name: "signed measurements", m: m, policy: test.Policy(m)},
		{name: "unsigned measurements", m: m, policy: test.Policy(m), reqCfg: Config{UnsignedMeasurements: true}},
		{name: "summary hash", m: m, policy: test.Policy(m), reqCfg: Config{SummaryHashType: abi.SummaryHashAll}},
		{name: "no measurements", m: nil, policy: nil},
	}
	for _, w := range test.Widths {
		for _, tc := range tcs {
			t.Run(w.String()+" "+tc.name, func(t *testing.T) {
				f := newFixture(t, fixtureOpts{width: w, measurements: tc.m, policy: tc.policy, reqCfg: tc.reqCfg})
				res := f.attest()
				require.Equal(t, Success, res.Kind, "Attest() = %v", res)
				require.Equal(t, StateFinished, f.responder.State())
				require.Equal(t, StateVersion, f.requester.State())
				if tc.m != nil {
					require.Equal(t, tc.m.Count(), count(f.wire.Sent(), uint8(abi.GetMeasurements)))
				}
				// Every index is requested with a signature unless signing is turned off.
				for _, msg := range f.wire.Sent() {
					if msg[1] != uint8(abi.GetMeasurements) {
						continue
					}
					req, err := abi.ParseGetMeasurements(msg)
					require.NoError(t, err)
					require.Equal(t, !tc.reqCfg.UnsignedMeasurements, req.Signed, "GET_MEASUREMENTS %x", msg)
				}
			})
		}
	}
}

func TestEndToEndTCP(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	m := test.Measurements()
	id := test.Identity(t, test.Crypto(test.Seed), test.GetWidth())
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	go transport.Serve(ctx, l, func() transport.Handler {
		r, err := NewResponder(test.Crypto(test.Seed+1), id, m, Config{})
		if err != nil {
			t.Errorf("NewResponder() = %v", err)
		}
		return r
	})
	conn, err := transport.Dial(ctx, l.Addr().String())
	require.NoError(t, err)
	defer conn.Close()
	r := NewRequester(test.Crypto(test.Seed+2), conn, test.Policy(m), Config{Timeout: 5 * time.Second})
	res := r.Attest(ctx, test.PeerID)
	require.Equal(t, Success, res.Kind, "Attest() = %v", res)
}

// unsignedTail drops the trailing signature of a signed response.
func unsignedTail(msg []byte, w primitives.Width) []byte {
	return msg[:len(msg)-2*int(w)]
}

func TestTranscriptExact(t *testing.T) {
	m := test.Measurements()
	w := test.GetWidth()
	f := newFixture(t, fixtureOpts{width: w, measurements: m, policy: test.Policy(m)})
	res := f.attest()
	require.Equal(t, Success, res.Kind, "Attest() = %v", res)

	sent, received := f.wire.Sent(), f.wire.Received()
	require.Equal(t, len(sent), len(received))
	var golden []byte
	challenge := -1
	for i := range sent {
		if sent[i][1] == uint8(abi.Challenge) {
			golden = append(golden, sent[i]...)
			golden = append(golden, unsignedTail(received[i], w)...)
			challenge = i
			break
		}
		golden = append(golden, sent[i]...)
		golden = append(golden, received[i]...)
	}
	require.NotEqual(t, -1, challenge, "no CHALLENGE was sent")
	// GET_VERSION and VERSION lead the transcript.
	wantPrefix := []byte{0x10, 0x84, 0, 0, 0x10, 0x04, 0, 0, 0, 1, 0x00, 0x11}
	if !bytes.HasPrefix(golden, wantPrefix) {
		t.Errorf("transcript starts with %x, want %x", golden[:len(wantPrefix)], wantPrefix)
	}

	signed := f.respCrypto.Signed()
	require.Len(t, signed, 1+m.Count())
	if diff := cmp.Diff(golden, signed[0]); diff != "" {
		t.Errorf("CHALLENGE_AUTH signed transcript mismatch (-want +got):\n%s", diff)
	}
	verified := false
	for _, v := range f.reqCrypto.Verified() {
		verified = verified || bytes.Equal(v, golden)
	}
	if !verified {
		t.Error("requester never verified the CHALLENGE_AUTH transcript")
	}

	// Each signed measurement covers its own request and response only.
	k := 1
	for i := challenge + 1; i < len(sent); i++ {
		want := append(append([]byte(nil), sent[i]...), unsignedTail(received[i], w)...)
		if diff := cmp.Diff(want, signed[k]); diff != "" {
			t.Errorf("MEASUREMENTS %d signed transcript mismatch (-want +got):\n%s", k, diff)
		}
		k++
	}
}

func TestNotReadyBackoff(t *testing.T) {
	nr := &abi.NotReady{RDTExponent: 1, RequestCode: abi.GetVersion, Token: 7, RDTM: 1}
	version := (&abi.VersionResponse{Entries: []uint16{abi.VersionEntry11}}).Marshal()
	tr := &test.Transport{Exchanges: []test.Exchange{
		{Request: abi.MarshalGetVersion(), Reply: abi.MarshalError(&abi.SpdmErr{Code: abi.ResponseNotReady, Extended: nr.Bytes()})},
		{Request: []byte{abi.Version11, uint8(abi.RespondIfReady), uint8(abi.GetVersion), 7}, Reply: version},
	}}
	sleeper := &test.Sleeper{}
	r := NewRequester(test.Crypto(test.Seed), tr, nil, Config{Sleep: sleeper.Sleep})
	res := r.Run(test.PeerID)
	require.Equal(t, InProgress, res.Kind, "Run() = %v", res)
	require.Equal(t, StateCapabilities, r.State())
	require.Equal(t, []time.Duration{2 * time.Microsecond}, sleeper.Waits())
	require.Equal(t, 1, count(tr.Sent(), uint8(abi.RespondIfReady)))
	// RESPOND_IF_READY is not part of the transcript.
	want := append(abi.MarshalGetVersion(), version...)
	require.Equal(t, want, r.session.M1M2.Bytes())
	tr.Done(t)
}

func TestDeferredResponse(t *testing.T) {
	m := test.Measurements()
	sleeper := &test.Sleeper{}
	f := newFixture(t, fixtureOpts{
		measurements: m,
		policy:       test.Policy(m),
		reqCfg:       Config{Sleep: sleeper.Sleep},
		respCfg:      Config{DeferOnce: abi.Challenge, CTExponent: 3},
	})
	res := f.attest()
	require.Equal(t, Success, res.Kind, "Attest() = %v", res)
	require.Equal(t, []time.Duration{8 * time.Microsecond}, sleeper.Waits())
	require.Equal(t, 1, count(f.wire.Sent(), uint8(abi.RespondIfReady)))
}

func busy() []byte { return abi.MarshalError(&abi.SpdmErr{Code: abi.Busy}) }

func TestBusyRetries(t *testing.T) {
	getVersion := abi.MarshalGetVersion()
	tr := &test.Transport{Exchanges: []test.Exchange{
		{Request: getVersion, Reply: busy()},
		{Request: getVersion, Reply: busy()},
		{Request: getVersion, Reply: busy()},
	}}
	r := NewRequester(test.Crypto(test.Seed), tr, nil, Config{})
	for i := 0; i < DefaultRetries; i++ {
		res := r.Run(test.PeerID)
		require.Equal(t, InProgress, res.Kind, "Run() %d = %v", i, res)
		require.Equal(t, StateVersion, r.State())
		require.Zero(t, r.session.M1M2.Len(), "BUSY request left in the transcript")
	}
	res := r.Run(test.PeerID)
	require.Equal(t, ProtocolError, res.Kind)
	require.Equal(t, Exhausted, res.Protocol)
	tr.Done(t)
}

func TestTimeouts(t *testing.T) {
	getVersion := abi.MarshalGetVersion()
	version := (&abi.VersionResponse{Entries: []uint16{abi.VersionEntry11}}).Marshal()

	t.Run("recovers", func(t *testing.T) {
		tr := &test.Transport{Exchanges: []test.Exchange{
			{Request: getVersion},
			{Request: getVersion, Reply: version},
		}}
		r := NewRequester(test.Crypto(test.Seed), tr, nil, Config{})
		require.Equal(t, InProgress, r.Run(test.PeerID).Kind)
		require.Equal(t, StateVersion, r.State())
		require.Equal(t, InProgress, r.Run(test.PeerID).Kind)
		require.Equal(t, StateCapabilities, r.State())
		require.Equal(t, append(getVersion, version...), r.session.M1M2.Bytes())
		tr.Done(t)
	})
	t.Run("exhausted", func(t *testing.T) {
		tr := &test.Transport{Exchanges: []test.Exchange{
			{Request: getVersion}, {Request: getVersion}, {Request: getVersion},
		}}
		r := NewRequester(test.Crypto(test.Seed), tr, nil, Config{})
		require.Equal(t, InProgress, r.Run(test.PeerID).Kind)
		require.Equal(t, InProgress, r.Run(test.PeerID).Kind)
		res := r.Run(test.PeerID)
		require.Equal(t, CommunicationFailure, res.Kind, "Run() = %v", res)
		tr.Done(t)
	})
	t.Run("no retries", func(t *testing.T) {
		tr := &test.Transport{Exchanges: []test.Exchange{{Request: getVersion}}}
		r := NewRequester(test.Crypto(test.Seed), tr, nil, Config{Retries: NoRetries})
		require.Equal(t, CommunicationFailure, r.Run(test.PeerID).Kind)
		tr.Done(t)
	})
}

func TestResynch(t *testing.T) {
	getVersion := abi.MarshalGetVersion()
	version := (&abi.VersionResponse{Entries: []uint16{abi.VersionEntry11}}).Marshal()
	tr := &test.Transport{Exchanges: []test.Exchange{
		{Request: getVersion, Reply: version},
		{Code: abi.GetCapabilities, Reply: abi.MarshalError(&abi.SpdmErr{Code: abi.RequestResynch})},
		{Request: getVersion, Reply: version},
	}}
	r := NewRequester(test.Crypto(test.Seed), tr, nil, Config{})
	require.Equal(t, InProgress, r.Run(test.PeerID).Kind)
	require.Equal(t, StateCapabilities, r.State())
	require.Equal(t, InProgress, r.Run(test.PeerID).Kind)
	require.Equal(t, StateVersion, r.State())
	require.Zero(t, r.session.M1M2.Len())
	require.Equal(t, InProgress, r.Run(test.PeerID).Kind)
	require.Equal(t, StateCapabilities, r.State())
	tr.Done(t)
}

func TestRequesterRejects(t *testing.T) {
	getVersion := abi.MarshalGetVersion()
	tcs := []struct {
		name  string
		reply []byte
		kind  ResultKind
		proto ProtocolKind
	}{
		{
			name:  "wrong response code",
			reply: abi.MarshalCapabilities(&abi.CapabilitiesMessage{}),
			kind:  ProtocolError,
			proto: Unexpected,
		},
		{
			name:  "no 1.1 entry",
			reply: (&abi.VersionResponse{Entries: []uint16{0x1000}}).Marshal(),
			kind:  ProtocolError,
			proto: Unsupported,
		},
		{
			name:  "zero entries",
			reply: []byte{0x10, 0x04, 0, 0, 0, 0},
			kind:  ProtocolError,
			proto: Malformed,
		},
		{
			name:  "unspecified error",
			reply: abi.MarshalError(&abi.SpdmErr{Code: abi.Unspecified}),
			kind:  ProtocolError,
			proto: PeerError,
		},
		{
			name:  "short not ready",
			reply: abi.MarshalError(&abi.SpdmErr{Code: abi.ResponseNotReady, Extended: []byte{1}}),
			kind:  ProtocolError,
			proto: Malformed,
		},
	}
	for _, tc := range tcs {
		t.Run(tc.name, func(t *testing.T) {
			tr := &test.Transport{Exchanges: []test.Exchange{{Request: getVersion, Reply: tc.reply}}}
			r := NewRequester(test.Crypto(test.Seed), tr, nil, Config{})
			res := r.Run(test.PeerID)
			require.Equal(t, tc.kind, res.Kind, "Run() = %v", res)
			require.Equal(t, tc.proto, res.Protocol, "Run() = %v", res)
			tr.Done(t)
		})
	}
}

func flipLast(msg []byte) []byte {
	msg[len(msg)-1] ^= 0x01
	return msg
}

func TestAuthenticationFailures(t *testing.T) {
	m := test.Measurements()
	tcs := []struct {
		name string
		code abi.ResponseCode
		edit func([]byte) []byte
		want ResultKind
	}{
		{name: "challenge signature", code: abi.ChallengeAuth, edit: flipLast, want: ChallengeAuthFailed},
		{
			name: "challenge chain hash",
			code: abi.ChallengeAuth,
			edit: func(msg []byte) []byte { msg[abi.HeaderSize] ^= 0x80; return msg },
			want: ChallengeAuthFailed,
		},
		{name: "measurement signature", code: abi.Measurements, edit: flipLast, want: ChallengeAuthFailed},
		{
			name: "certificate portion",
			code: abi.Certificate,
			edit: flipLast,
			want: ProtocolError,
		},
	}
	for _, tc := range tcs {
		t.Run(tc.name, func(t *testing.T) {
			f := newFixture(t, fixtureOpts{
				measurements: m,
				policy:       test.Policy(m),
				wrap: func(tr transport.Transport) transport.Transport {
					return &test.Tamper{Transport: tr, Code: tc.code, Edit: tc.edit}
				},
			})
			res := f.attest()
			require.Equal(t, tc.want, res.Kind, "Attest() = %v", res)
		})
	}
}

func TestMeasurementMismatch(t *testing.T) {
	m := test.Measurements()
	policy := test.Policy(m)
	policy.Peers[0].Measurements[1].Values = []store.HexBytes{store.HexBytes("staging"), store.HexBytes("debug")}
	f := newFixture(t, fixtureOpts{measurements: m, policy: policy})
	res := f.attest()
	require.Equal(t, MeasurementMismatch, res.Kind, "Attest() = %v", res)

	// Any one of several acceptable values suffices.
	policy.Peers[0].Measurements[1].Values = append(policy.Peers[0].Measurements[1].Values, m.Entries[1].Value)
	res = f.attest()
	require.Equal(t, Success, res.Kind, "Attest() = %v", res)
}

func TestNoPolicy(t *testing.T) {
	m := test.Measurements()
	f := newFixture(t, fixtureOpts{measurements: m})
	res := f.attest()
	require.Equal(t, ProtocolError, res.Kind)
	require.Equal(t, NoPolicy, res.Protocol)
}

func TestAlgorithmMismatch(t *testing.T) {
	f := newFixture(t, fixtureOpts{
		width:  primitives.W384,
		reqCfg: Config{BaseAsym: abi.AsymP256, BaseHash: abi.HashSHA256},
	})
	res := f.attest()
	require.Equal(t, ProtocolError, res.Kind, "Attest() = %v", res)
	require.Equal(t, Unsupported, res.Protocol)
}

func TestCertificateWindows(t *testing.T) {
	m := test.Measurements()
	const window = 0x40
	f := newFixture(t, fixtureOpts{measurements: m, policy: test.Policy(m), reqCfg: Config{CertWindow: window}})
	res := f.attest()
	require.Equal(t, Success, res.Kind, "Attest() = %v", res)
	want := (len(f.responder.container) + window - 1) / window
	require.Equal(t, want, count(f.wire.Sent(), uint8(abi.GetCertificate)))
}

func TestDigestCache(t *testing.T) {
	f := newFixture(t, fixtureOpts{})
	require.Equal(t, Success, f.attest().Kind)
	require.Equal(t, f.responder.chainHash, f.requester.digests[test.PeerID])
	require.Equal(t, Success, f.attest().Kind)
}

func TestAttestCancelled(t *testing.T) {
	f := newFixture(t, fixtureOpts{})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	res := f.requester.Attest(ctx, test.PeerID)
	require.Equal(t, CommunicationFailure, res.Kind)
	require.ErrorIs(t, res.Err, context.Canceled)
}

func TestNextSkipsUnsupported(t *testing.T) {
	tcs := []struct {
		caps abi.CapabilityFlags
		want []MessageState
	}{
		{caps: abi.CertCap | abi.ChalCap | abi.MeasCapSig, want: []MessageState{StateDigest, StateCertificate, StateChallenge, StateMeasurement, StateFinished}},
		{caps: abi.CertCap | abi.ChalCap, want: []MessageState{StateDigest, StateCertificate, StateChallenge, StateFinished}},
		{caps: abi.CertCap | abi.MeasCapNoSig, want: []MessageState{StateDigest, StateCertificate, StateMeasurement, StateFinished}},
		{caps: abi.ChalCap | abi.MeasCapNoSig, want: []MessageState{StateMeasurement, StateFinished}},
		{caps: 0, want: []MessageState{StateFinished}},
	}
	for _, tc := range tcs {
		s := &Session{PeerCaps: tc.caps}
		var got []MessageState
		for st := s.next(StateAlgorithms); ; st = s.next(st) {
			got = append(got, st)
			if st == StateFinished {
				break
			}
		}
		if diff := cmp.Diff(tc.want, got); diff != "" {
			t.Errorf("states after ALGORITHMS with %v mismatch (-want +got):\n%s", tc.caps, diff)
		}
	}
}
