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

// Package cmdline implements command-line utilities for tools.
package cmdline

import (
	"encoding/base64"
	"encoding/hex"
	"flag"
	"fmt"
	"io"
	"strconv"
	"strings"
	"unicode/utf8"

	"github.com/google/go-spdm-attest/abi"
	"github.com/google/go-spdm-attest/primitives"
	"github.com/google/go-spdm-attest/store"
)

// InputType represents how data is coming in, either via file or string.
type InputType int

var allFlags []func(inform string) error

const (
	// Stringy indicates the input is coming from an argument string.
	// "auto" behavior prefers hexadecimal.
	Stringy = iota
	// Filey indicates the input is coming from a file.
	// "auto" behavior prefers binary.
	Filey
)

func boundedBytes(flag, value string, maxSize int, decode func(string) ([]byte, error)) ([]byte, error) {
	bytes, err := decode(value)
	if err != nil {
		return nil, fmt.Errorf("%s=%s could not be decoded: %v", flag, value, err)
	}
	if len(bytes) > maxSize {
		return nil, fmt.Errorf("%s=%s has %d bytes, more than the %d allowed", flag, value, len(bytes), maxSize)
	}
	return bytes, nil
}

func parseBytesFromString(name string, maxSize int, in string, inform string) ([]byte, error) {
	if !utf8.ValidString(in) {
		return nil, fmt.Errorf("could not decode %s contents as a UTF-8 string. Try -inform=bin", name)
	}
	switch inform {
	case "hex":
		return boundedBytes(name, in, maxSize, hex.DecodeString)
	case "base64":
		return boundedBytes(name, in, maxSize, base64.StdEncoding.DecodeString)
	case "auto":
		// "auto" means to try hex encoding first, then base64.
		if b, err := boundedBytes(name, in, maxSize, hex.DecodeString); err == nil {
			return b, nil
		}
		return boundedBytes(name, in, maxSize, base64.StdEncoding.DecodeString)
	default:
		return nil, fmt.Errorf("unknown -inform=%s", inform)
	}
}

func isBinForm(inform string, intype InputType) bool {
	if inform == "bin" {
		return true
	}
	return (intype == Filey && inform == "auto")
}

// ParseBytes returns the denoted bytes from the reader `in` or an error. Measurement values
// have no fixed size, so the result is at most maxSize bytes and never padded.
func ParseBytes(name string, maxSize int, in io.Reader, inform string, intype InputType) ([]byte, error) {
	inbytes, err := io.ReadAll(in)
	if err != nil {
		return nil, err
	}
	if len(inbytes) == 0 {
		return nil, nil
	}
	if isBinForm(inform, intype) {
		if len(inbytes) > maxSize {
			return nil, fmt.Errorf("binary input had %d bytes, more than the %d allowed", len(inbytes), maxSize)
		}
		return inbytes, nil
	}
	return parseBytesFromString(name, maxSize, strings.TrimSpace(string(inbytes)), inform)
}

// Parse processes all flag data given the input format and the precondition
// that all input flags have been parsed.
func Parse(inform string) error {
	for _, f := range allFlags {
		if err := f(inform); err != nil {
			return err
		}
	}
	return nil
}

// Width translates a -width flag value in bits to a primitives.Width.
func Width(bits int) (primitives.Width, error) {
	switch bits {
	case 256:
		return primitives.W256, nil
	case 384:
		return primitives.W384, nil
	}
	return 0, fmt.Errorf("unsupported -width=%d. Expect 256 or 384", bits)
}

// Measurements is a repeatable flag.Value of measurement entries written as
// index:type:value, where type is a number and value is decoded per the -inform given to
// Parse. The type may be omitted as index:value for a raw bit stream.
type Measurements struct {
	raw []string
	m   store.Measurements
}

// MeasurementsFlag registers a repeatable measurement flag.
func MeasurementsFlag(name, usage string) *Measurements {
	m := &Measurements{}
	flag.Var(m, name, usage)
	allFlags = append(allFlags, m.parse)
	return m
}

// String implements flag.Value.
func (m *Measurements) String() string {
	if m == nil {
		return ""
	}
	return strings.Join(m.raw, ",")
}

// Set implements flag.Value. Values are decoded later by Parse since -inform may follow.
func (m *Measurements) Set(v string) error {
	if strings.Count(v, ":") < 1 {
		return fmt.Errorf("measurement %q is not index:[type:]value", v)
	}
	m.raw = append(m.raw, v)
	return nil
}

func parseUint8(what, s string) (uint8, error) {
	n, err := strconv.ParseUint(s, 0, 8)
	if err != nil {
		return 0, fmt.Errorf("measurement %s %q: %v", what, s, err)
	}
	return uint8(n), nil
}

func (m *Measurements) parse(inform string) error {
	m.m.Entries = nil
	for _, v := range m.raw {
		parts := strings.SplitN(v, ":", 3)
		index, err := parseUint8("index", parts[0])
		if err != nil {
			return err
		}
		typ := abi.RawBitStream
		value := parts[len(parts)-1]
		if len(parts) == 3 {
			if typ, err = parseUint8("type", parts[1]); err != nil {
				return err
			}
		}
		b, err := ParseBytes(fmt.Sprintf("measurement %d", index), abi.MaxMeasurementValue,
			strings.NewReader(value), inform, Stringy)
		if err != nil {
			return err
		}
		m.m.Entries = append(m.m.Entries, store.Measurement{Index: index, Type: typ, Value: b})
	}
	return m.m.Validate()
}

// Get returns the decoded measurements, or nil if none were given.
func (m *Measurements) Get() *store.Measurements {
	if len(m.m.Entries) == 0 {
		return nil
	}
	return &m.m
}
