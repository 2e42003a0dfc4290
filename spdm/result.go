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

import "fmt"

// ResultKind is the outcome category of one state machine step.
type ResultKind int

// Result kinds. Every kind but InProgress ends the session.
const (
	InProgress ResultKind = iota
	Success
	ProtocolError
	MeasurementMismatch
	ChallengeAuthFailed
	CommunicationFailure
)

func (k ResultKind) String() string {
	switch k {
	case InProgress:
		return "InProgress"
	case Success:
		return "Success"
	case ProtocolError:
		return "ProtocolError"
	case MeasurementMismatch:
		return "MeasurementMismatch"
	case ChallengeAuthFailed:
		return "ChallengeAuthFailed"
	case CommunicationFailure:
		return "CommunicationFailure"
	}
	return fmt.Sprintf("ResultKind(%d)", int(k))
}

// ProtocolKind refines ProtocolError.
type ProtocolKind int

// Protocol error kinds.
const (
	NoProtocolKind ProtocolKind = iota
	// Malformed is a message whose header, size, or fields are invalid.
	Malformed
	// Unexpected is a message that is valid but out of order.
	Unexpected
	// Unsupported is a peer that shares no version, algorithm, or capability with us.
	Unsupported
	// PeerError is an ERROR response outside the retry policy.
	PeerError
	// Exhausted is a transient failure that outlasted the retry budget.
	Exhausted
	// InvalidChain is a certificate chain that fails verification.
	InvalidChain
	// NoPolicy is a peer without local measurement policy.
	NoPolicy
	// Internal is a local failure such as transcript overflow or a crypto error.
	Internal
)

func (k ProtocolKind) String() string {
	switch k {
	case NoProtocolKind:
		return "none"
	case Malformed:
		return "malformed"
	case Unexpected:
		return "unexpected"
	case Unsupported:
		return "unsupported"
	case PeerError:
		return "peer error"
	case Exhausted:
		return "retries exhausted"
	case InvalidChain:
		return "invalid chain"
	case NoPolicy:
		return "no policy"
	case Internal:
		return "internal"
	}
	return fmt.Sprintf("ProtocolKind(%d)", int(k))
}

// Result is the outcome of one step.
type Result struct {
	Kind ResultKind
	// Protocol is set when Kind is ProtocolError.
	Protocol ProtocolKind
	// Err describes any failure.
	Err error
}

// Done returns true iff the session has ended.
func (r Result) Done() bool { return r.Kind != InProgress }

// OK returns true iff the session ended successfully.
func (r Result) OK() bool { return r.Kind == Success }

func (r Result) String() string {
	s := r.Kind.String()
	if r.Kind == ProtocolError {
		s = fmt.Sprintf("%s(%v)", s, r.Protocol)
	}
	if r.Err != nil {
		s = fmt.Sprintf("%s: %v", s, r.Err)
	}
	return s
}

var (
	inProgress = Result{Kind: InProgress}
	success    = Result{Kind: Success}
)

func protocolErr(kind ProtocolKind, format string, args ...any) Result {
	return Result{Kind: ProtocolError, Protocol: kind, Err: fmt.Errorf(format, args...)}
}

func failure(kind ResultKind, format string, args ...any) Result {
	return Result{Kind: kind, Err: fmt.Errorf(format, args...)}
}
