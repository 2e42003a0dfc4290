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

package store

import (
	"bytes"
	"encoding/hex"
	"fmt"
	"os"

	"github.com/google/go-spdm-attest/abi"
	"github.com/google/uuid"
	perrors "github.com/pkg/errors"
	"go.uber.org/multierr"
	"gopkg.in/yaml.v3"
)

// HexBytes is a byte string written as hexadecimal in YAML.
type HexBytes []byte

// UnmarshalYAML decodes a hexadecimal scalar.
func (h *HexBytes) UnmarshalYAML(n *yaml.Node) error {
	var s string
	if err := n.Decode(&s); err != nil {
		return err
	}
	b, err := hex.DecodeString(s)
	if err != nil {
		return fmt.Errorf("line %d: %q is not hexadecimal: %v", n.Line, s, err)
	}
	*h = b
	return nil
}

// MarshalYAML encodes h as a hexadecimal scalar.
func (h HexBytes) MarshalYAML() (any, error) {
	return hex.EncodeToString(h), nil
}

// IndexPolicy lists the acceptable values of one measurement index.
type IndexPolicy struct {
	Index  uint8      `yaml:"index"`
	Values []HexBytes `yaml:"values"`
}

// Accepts returns true iff value equals one of the acceptable values.
func (p *IndexPolicy) Accepts(value []byte) bool {
	for _, v := range p.Values {
		if bytes.Equal(v, value) {
			return true
		}
	}
	return false
}

// PeerPolicy is the measurement policy of one peer.
type PeerPolicy struct {
	ID           uuid.UUID     `yaml:"id"`
	Measurements []IndexPolicy `yaml:"measurements"`
}

// Policy is the measurement policy the requester applies to every peer it attests.
type Policy struct {
	Peers []PeerPolicy `yaml:"peers"`
}

// For returns the policy of peer.
func (p *Policy) For(peer uuid.UUID) (*PeerPolicy, bool) {
	for i := range p.Peers {
		if p.Peers[i].ID == peer {
			return &p.Peers[i], true
		}
	}
	return nil, false
}

func (pp *PeerPolicy) validate() error {
	var errs error
	if pp.ID == uuid.Nil {
		errs = multierr.Append(errs, fmt.Errorf("peer has no id"))
	}
	if len(pp.Measurements) == 0 {
		errs = multierr.Append(errs, fmt.Errorf("peer %v lists no measurements", pp.ID))
	}
	seen := map[uint8]bool{}
	for _, m := range pp.Measurements {
		if m.Index == 0 || m.Index == 0xff {
			errs = multierr.Append(errs, fmt.Errorf("peer %v: measurement index %d is reserved", pp.ID, m.Index))
		}
		if seen[m.Index] {
			errs = multierr.Append(errs, fmt.Errorf("peer %v: measurement index %d listed twice", pp.ID, m.Index))
		}
		seen[m.Index] = true
		if len(m.Values) == 0 {
			errs = multierr.Append(errs, fmt.Errorf("peer %v: measurement index %d has no acceptable value", pp.ID, m.Index))
		}
		for _, v := range m.Values {
			if len(v) == 0 || len(v) > abi.MaxMeasurementValue {
				errs = multierr.Append(errs, fmt.Errorf("peer %v: measurement index %d value of %d bytes", pp.ID, m.Index, len(v)))
			}
		}
	}
	return errs
}

// Validate reports every problem with p.
func (p *Policy) Validate() error {
	var errs error
	seen := map[uuid.UUID]bool{}
	for i := range p.Peers {
		errs = multierr.Append(errs, p.Peers[i].validate())
		if id := p.Peers[i].ID; id != uuid.Nil {
			if seen[id] {
				errs = multierr.Append(errs, fmt.Errorf("peer %v listed twice", id))
			}
			seen[id] = true
		}
	}
	return errs
}

// ParsePolicy decodes and validates a YAML policy.
func ParsePolicy(data []byte) (*Policy, error) {
	p := &Policy{}
	if err := yaml.Unmarshal(data, p); err != nil {
		return nil, perrors.Wrap(err, "could not parse policy")
	}
	if err := p.Validate(); err != nil {
		return nil, perrors.Wrap(err, "invalid policy")
	}
	return p, nil
}

// LoadPolicy reads a YAML policy file.
func LoadPolicy(path string) (*Policy, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, perrors.Wrap(err, "could not read policy")
	}
	return ParsePolicy(data)
}

// Measurement is one value a responder reports.
type Measurement struct {
	Index uint8    `yaml:"index"`
	Type  uint8    `yaml:"type"`
	Value HexBytes `yaml:"value"`
}

// Measurements are the values a responder reports, in index order.
type Measurements struct {
	Entries []Measurement `yaml:"measurements"`
}

// Validate reports every problem with m.
func (m *Measurements) Validate() error {
	var errs error
	seen := map[uint8]bool{}
	for _, e := range m.Entries {
		if e.Index == 0 || e.Index == 0xff {
			errs = multierr.Append(errs, fmt.Errorf("measurement index %d is reserved", e.Index))
		}
		if seen[e.Index] {
			errs = multierr.Append(errs, fmt.Errorf("measurement index %d listed twice", e.Index))
		}
		seen[e.Index] = true
		if len(e.Value) == 0 || len(e.Value) > abi.MaxMeasurementValue {
			errs = multierr.Append(errs, fmt.Errorf("measurement index %d value of %d bytes", e.Index, len(e.Value)))
		}
	}
	return errs
}

// Block returns the measurement block for index.
func (m *Measurements) Block(index uint8) (abi.MeasurementBlock, bool) {
	for _, e := range m.Entries {
		if e.Index == index {
			return abi.MeasurementBlock{Index: e.Index, ValueType: e.Type, Value: e.Value}, true
		}
	}
	return abi.MeasurementBlock{}, false
}

// Count returns the number of measurement indices.
func (m *Measurements) Count() int { return len(m.Entries) }

// Last returns the highest index, or 0 for no measurements.
func (m *Measurements) Last() uint8 {
	var last uint8
	for _, e := range m.Entries {
		if e.Index > last {
			last = e.Index
		}
	}
	return last
}

// ParseMeasurements decodes and validates a YAML measurement list.
func ParseMeasurements(data []byte) (*Measurements, error) {
	m := &Measurements{}
	if err := yaml.Unmarshal(data, m); err != nil {
		return nil, perrors.Wrap(err, "could not parse measurements")
	}
	if err := m.Validate(); err != nil {
		return nil, perrors.Wrap(err, "invalid measurements")
	}
	return m, nil
}

// LoadMeasurements reads a YAML measurement file.
func LoadMeasurements(path string) (*Measurements, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, perrors.Wrap(err, "could not read measurements")
	}
	return ParseMeasurements(data)
}

// PolicyFor returns a single-peer policy accepting exactly the values in m.
func PolicyFor(peer uuid.UUID, m *Measurements) *Policy {
	pp := PeerPolicy{ID: peer}
	for _, e := range m.Entries {
		pp.Measurements = append(pp.Measurements, IndexPolicy{Index: e.Index, Values: []HexBytes{e.Value}})
	}
	return &Policy{Peers: []PeerPolicy{pp}}
}

// Marshal encodes p as YAML.
func (p *Policy) Marshal() ([]byte, error) {
	return yaml.Marshal(p)
}

// Marshal encodes m as YAML.
func (m *Measurements) Marshal() ([]byte, error) {
	return yaml.Marshal(m)
}
