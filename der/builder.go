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

package der

import (
	"golang.org/x/crypto/cryptobyte"
	cbasn1 "golang.org/x/crypto/cryptobyte/asn1"
)

// Builder accumulates child nodes and serializes them with computed lengths once the enclosing
// continuation returns, so no length is ever patched after the fact.
type Builder = cryptobyte.Builder

// Continuation adds the children of a constructed node.
type Continuation = cryptobyte.BuilderContinuation

// NewBuilder returns an empty builder.
func NewBuilder() *Builder {
	return cryptobyte.NewBuilder(nil)
}

// AddNode adds a TLV with the given tag whose value is produced by fn.
func AddNode(b *Builder, tag byte, fn Continuation) {
	b.AddASN1(cbasn1.Tag(tag), fn)
}

// AddPrimitive adds a TLV with the given tag and value.
func AddPrimitive(b *Builder, tag byte, value []byte) {
	b.AddASN1(cbasn1.Tag(tag), func(c *Builder) {
		c.AddBytes(value)
	})
}

// AddSequence adds a SEQUENCE whose children are produced by fn.
func AddSequence(b *Builder, fn Continuation) {
	b.AddASN1(cbasn1.SEQUENCE, fn)
}

// AddUnsigned adds an INTEGER for the big-endian unsigned number be.
func AddUnsigned(b *Builder, be []byte) {
	AddPrimitive(b, TagInteger, EncodeUnsigned(be))
}

// AddOID adds an OBJECT IDENTIFIER from its value bytes.
func AddOID(b *Builder, oid []byte) {
	AddPrimitive(b, TagOID, oid)
}

// AddBitString adds a BIT STRING with the given number of unused trailing bits.
func AddBitString(b *Builder, unused byte, bits []byte) {
	b.AddASN1(cbasn1.BIT_STRING, func(c *Builder) {
		c.AddUint8(unused)
		c.AddBytes(bits)
	})
}

// AddBoolean adds a DER BOOLEAN.
func AddBoolean(b *Builder, v bool) {
	var octet byte
	if v {
		octet = 0xff
	}
	AddPrimitive(b, TagBoolean, []byte{octet})
}
