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
	"encoding/binary"
	"fmt"
)

const (
	certChainFixedSize = 4
	// MaxCertChainSize is the largest chain container a 16-bit Length can describe.
	MaxCertChainSize = 0xffff
)

// CertChain is the SPDM certificate chain container served by GET_CERTIFICATE.
type CertChain struct {
	// RootHash is the digest of the first certificate.
	RootHash []byte
	// Certificates is the DER chain, root first.
	Certificates []byte
}

// Marshal returns the container encoding of c.
func (c *CertChain) Marshal() ([]byte, error) {
	size := certChainFixedSize + len(c.RootHash) + len(c.Certificates)
	if size > MaxCertChainSize {
		return nil, fmt.Errorf("certificate chain container of %d bytes exceeds 0x%x", size, MaxCertChainSize)
	}
	out := make([]byte, certChainFixedSize, size)
	binary.LittleEndian.PutUint16(out, uint16(size))
	out = append(out, c.RootHash...)
	return append(out, c.Certificates...), nil
}

// ParseCertChain decodes a certificate chain container with a hashSize-byte root hash.
func ParseCertChain(b []byte, hashSize int) (*CertChain, error) {
	if len(b) < certChainFixedSize+hashSize {
		return nil, fmt.Errorf("certificate chain container is %d bytes, too short", len(b))
	}
	if n := le16(b); n != len(b) {
		return nil, fmt.Errorf("certificate chain container Length %d, have %d bytes", n, len(b))
	}
	if err := mbz(b, 0x02, 0x04); err != nil {
		return nil, err
	}
	return &CertChain{
		RootHash:     b[certChainFixedSize : certChainFixedSize+hashSize],
		Certificates: b[certChainFixedSize+hashSize:],
	}, nil
}
