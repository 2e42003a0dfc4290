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
	measurementBlockHeaderSize = 4
	dmtfValueHeaderSize        = 3
	// MaxMeasurementValue bounds the size of one measurement value.
	MaxMeasurementValue = 0x400
)

// DMTF measurement value types.
const (
	ImmutableROM    uint8 = 0x00
	MutableFirmware uint8 = 0x01
	HardwareConfig  uint8 = 0x02
	FirmwareConfig  uint8 = 0x03
	MeasManifest    uint8 = 0x04
	// RawBitStream is set in the value type when the value is not a digest.
	RawBitStream uint8 = 0x80
)

// MeasurementBlock is one DMTF measurement block of a measurement record.
type MeasurementBlock struct {
	Index     uint8
	ValueType uint8
	Value     []byte
}

// Marshal returns the block encoding of b.
func (b *MeasurementBlock) Marshal() []byte {
	out := []byte{b.Index, MeasSpecDMTF}
	out = binary.LittleEndian.AppendUint16(out, uint16(dmtfValueHeaderSize+len(b.Value)))
	out = append(out, b.ValueType)
	out = binary.LittleEndian.AppendUint16(out, uint16(len(b.Value)))
	return append(out, b.Value...)
}

// ParseMeasurementRecord decodes exactly count blocks that fill record.
func ParseMeasurementRecord(record []byte, count int) ([]MeasurementBlock, error) {
	var blocks []MeasurementBlock
	off := 0
	for i := 0; i < count; i++ {
		if len(record)-off < measurementBlockHeaderSize+dmtfValueHeaderSize {
			return nil, fmt.Errorf("measurement block %d truncated at offset 0x%x", i, off)
		}
		index, measSpec := record[off], record[off+1]
		size := le16(record[off+2:])
		if measSpec != MeasSpecDMTF {
			return nil, fmt.Errorf("measurement block %d specification 0x%02x, want DMTF", i, measSpec)
		}
		if size < dmtfValueHeaderSize || off+measurementBlockHeaderSize+size > len(record) {
			return nil, fmt.Errorf("measurement block %d size %d overruns the record", i, size)
		}
		body := record[off+measurementBlockHeaderSize : off+measurementBlockHeaderSize+size]
		valueSize := le16(body[1:])
		if valueSize+dmtfValueHeaderSize != size || valueSize > MaxMeasurementValue {
			return nil, fmt.Errorf("measurement block %d value size %d disagrees with block size %d", i, valueSize, size)
		}
		blocks = append(blocks, MeasurementBlock{Index: index, ValueType: body[0], Value: body[dmtfValueHeaderSize:]})
		off += measurementBlockHeaderSize + size
	}
	if off != len(record) {
		return nil, fmt.Errorf("measurement record has 0x%x trailing bytes", len(record)-off)
	}
	return blocks, nil
}
