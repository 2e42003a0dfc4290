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

import "fmt"

// SpdmErrorCode is the type of the ERROR response codes documented in DSP0274 table "Error
// code and error data".
type SpdmErrorCode uint8

// Codes the engine sends or interprets. Unexported codes are not expected from a 1.1 peer.
const (
	// InvalidRequest is sent for a malformed or wrongly sized request.
	InvalidRequest SpdmErrorCode = 0x01
	// Busy asks the requester to retry the same request later.
	Busy SpdmErrorCode = 0x03
	// UnexpectedRequest is sent for a request out of protocol order.
	UnexpectedRequest SpdmErrorCode = 0x04
	// Unspecified is sent for any other failure.
	Unspecified SpdmErrorCode = 0x05
	// decryptError belongs to secured sessions.
	decryptError SpdmErrorCode = 0x06
	// UnsupportedRequest is sent for a request code the responder does not implement.
	UnsupportedRequest SpdmErrorCode = 0x07
	// requestInFlight belongs to secured sessions.
	requestInFlight SpdmErrorCode = 0x08
	// invalidResponseCode belongs to encapsulated requests.
	invalidResponseCode SpdmErrorCode = 0x09
	// sessionLimitExceeded belongs to secured sessions.
	sessionLimitExceeded SpdmErrorCode = 0x0A
	// MajorVersionMismatch is sent when no common version exists.
	MajorVersionMismatch SpdmErrorCode = 0x41
	// ResponseNotReady defers the response. Its extended data is a NotReady.
	ResponseNotReady SpdmErrorCode = 0x42
	// RequestResynch asks the requester to restart at GET_VERSION.
	RequestResynch SpdmErrorCode = 0x43
)

// NotReadySize is the size of the RESPONSE_NOT_READY extended error data.
const NotReadySize = 4

// NotReady is the extended error data of ResponseNotReady.
type NotReady struct {
	// RDTExponent is the exponent of the base-2 microsecond response delay time.
	RDTExponent uint8
	// RequestCode is the code of the deferred request.
	RequestCode RequestCode
	// Token identifies the deferred response in RESPOND_IF_READY.
	Token uint8
	// RDTM is the multiplier applied to the delay time.
	RDTM uint8
}

// SpdmErr is an error that interprets SPDM ERROR responses.
type SpdmErr struct {
	Code SpdmErrorCode
	// Data is the ErrorData byte (Param2).
	Data uint8
	// Extended is the extended error data.
	Extended []byte
}

func (e *SpdmErr) Error() string {
	switch e.Code {
	case InvalidRequest:
		return "SPDM peer rejected the request as invalid"
	case Busy:
		return "SPDM peer is busy"
	case UnexpectedRequest:
		return "SPDM peer did not expect the request in its current state"
	case Unspecified:
		return "SPDM peer reported an unspecified error"
	case UnsupportedRequest:
		return fmt.Sprintf("SPDM peer does not support request 0x%02x", e.Data)
	case MajorVersionMismatch:
		return "SPDM peer shares no protocol version"
	case ResponseNotReady:
		return "SPDM peer response is not ready"
	case RequestResynch:
		return "SPDM peer requested resynchronization"
	case decryptError, requestInFlight, invalidResponseCode, sessionLimitExceeded:
		return fmt.Sprintf("SPDM peer reported secured-session error 0x%02x (unexpected without sessions)", uint8(e.Code))
	}
	return fmt.Sprintf("unexpected SPDM error code (see DSP0274): 0x%02x", uint8(e.Code))
}

// NotReady decodes the extended data of a ResponseNotReady error.
func (e *SpdmErr) NotReady() (*NotReady, error) {
	if e.Code != ResponseNotReady {
		return nil, fmt.Errorf("error code 0x%02x is not ResponseNotReady", uint8(e.Code))
	}
	if len(e.Extended) != NotReadySize {
		return nil, fmt.Errorf("ResponseNotReady extended data is %d bytes, want %d", len(e.Extended), NotReadySize)
	}
	return &NotReady{
		RDTExponent: e.Extended[0],
		RequestCode: RequestCode(e.Extended[1]),
		Token:       e.Extended[2],
		RDTM:        e.Extended[3],
	}, nil
}

// Bytes returns the extended data encoding of n.
func (n *NotReady) Bytes() []byte {
	return []byte{n.RDTExponent, uint8(n.RequestCode), n.Token, n.RDTM}
}

// MarshalError returns an ERROR response.
func MarshalError(e *SpdmErr) []byte {
	return append(header(uint8(Error), uint8(e.Code), e.Data).Bytes(), e.Extended...)
}

// ParseError decodes an ERROR response.
func ParseError(msg []byte) (*SpdmErr, error) {
	h, err := checkHeader(msg, uint8(Error))
	if err != nil {
		return nil, err
	}
	e := &SpdmErr{Code: SpdmErrorCode(h.Param1), Data: h.Param2, Extended: msg[HeaderSize:]}
	if e.Code == ResponseNotReady {
		if _, err := e.NotReady(); err != nil {
			return nil, err
		}
	}
	return e, nil
}

// IsError returns true iff msg carries the ERROR response code.
func IsError(msg []byte) bool {
	return len(msg) >= HeaderSize && msg[1] == uint8(Error)
}
