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
	"time"

	"github.com/google/go-spdm-attest/abi"
)

// action is the requester's reaction to a failed exchange.
type action int

const (
	// retrySame unwinds the request from the transcript and resends it.
	retrySame action = iota
	// waitAndProbe sleeps for the peer's delay and sends RESPOND_IF_READY.
	waitAndProbe
	// resynchronize restarts the session at GET_VERSION.
	resynchronize
	// fail ends the session with a protocol error.
	fail
)

// classify maps an ERROR response to the requester's action.
func classify(e *abi.SpdmErr) action {
	switch e.Code {
	case abi.Busy:
		return retrySame
	case abi.ResponseNotReady:
		return waitAndProbe
	case abi.RequestResynch:
		return resynchronize
	}
	return fail
}

// maxRDTExponent keeps the delay computation within time.Duration.
const maxRDTExponent = 40

// NotReadyWait returns the delay a RESPONSE_NOT_READY asks for, 2^RDTExponent microseconds
// times RDTM, capped at max.
func NotReadyWait(nr *abi.NotReady, max time.Duration) time.Duration {
	if nr.RDTExponent > maxRDTExponent {
		return max
	}
	wait := time.Duration(1<<nr.RDTExponent) * time.Microsecond * time.Duration(nr.RDTM)
	if wait > max {
		return max
	}
	return wait
}

// retry counts one retry of s and reports whether the budget allows it.
func (s *Session) retry(budget int) bool {
	s.retries++
	return s.retries <= budget
}
