// Copyright 2019 Google LLC
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     https://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// package inverter implements the SMA inverter protocol (Data2 protocol id
// 0x6065): the fixed little-endian header carrying the destination/source
// addresses, error code, packet id and register range, and the typed raw
// record array that follows it.
//
// This is the direct descendant of the teacher's sma/sma.go record
// decoding (unpackRecords) and request construction (packet/cmdPacket),
// generalised from "one hardcoded inverter" to a reusable encode/decode
// pair the command layer drives for any peer.
package inverter

import (
	"fmt"

	"github.com/aamcrae/speedwire/codec"
	"github.com/aamcrae/speedwire/device"
)

// DataType is the type tag of an inverter record's value, taken from the
// high byte of the record's leading word.
type DataType uint8

const (
	Unsigned32 DataType = 0
	Status32   DataType = 8
	String32   DataType = 16
	Signed32   DataType = 64
	Unsigned64 DataType = 128
)

func (t DataType) String() string {
	switch t {
	case Unsigned32:
		return "uint32"
	case Status32:
		return "status32"
	case String32:
		return "string32"
	case Signed32:
		return "int32"
	case Unsigned64:
		return "uint64"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(t))
	}
}

// Attribute is one (id, value) pair inside a Status32 record.
type Attribute struct {
	ID    uint32
	Value byte
}

// Record is one decoded inverter record.
type Record struct {
	RegisterID uint32
	Connector  uint8
	Type       DataType
	Time       uint32 // inverter clock, seconds
	Value      int64  // valid for Unsigned32/Signed32/Unsigned64
	Str        string // valid for String32
	Attributes []Attribute
	Payload    []byte // raw bytes after the 8 byte record header, clipped to 40
}

const maxPayload = 40
const minRecordLen = 12 // 4 header + 4 time + >=4 value
const statusEnd = 0x00FFFFFE

var le codec.LE

// DecodeRecords decodes the record array that follows an inverter
// response's fixed header. buf holds the bytes remaining in the Data2 tag
// after the fixed header, including the trailing 4 byte zero word;
// first/last are the record range from the response header. The uniform
// record length is (len(buf) - 4) / (last - first + 1).
func DecodeRecords(buf []byte, first, last uint32) ([]Record, error) {
	if last < first {
		return nil, fmt.Errorf("inverter: last register %#x precedes first %#x", last, first)
	}
	count := int(last-first) + 1
	if count <= 0 || len(buf) == 0 {
		return nil, nil
	}
	recLen := (len(buf) - 4) / count
	if recLen < minRecordLen {
		return nil, fmt.Errorf("inverter: derived record length %d below minimum %d", recLen, minRecordLen)
	}
	var records []Record
	for off := 0; off+4 <= len(buf); off += recLen {
		w := le.Uint32(buf, off)
		if w == 0 {
			break // trailer / end of record array
		}
		if off+recLen > len(buf) {
			break
		}
		r := Record{
			RegisterID: w & 0x00FFFF00,
			Connector:  uint8(w & 0xFF),
			Type:       DataType(w >> 24),
			Time:       le.Uint32(buf, off+4),
		}
		body := buf[off+8 : off+recLen]
		if err := decodeValue(&r, body); err != nil {
			return records, err
		}
		records = append(records, r)
	}
	return records, nil
}

func decodeValue(r *Record, body []byte) error {
	switch r.Type {
	case Unsigned32:
		if len(body) < 4 {
			return fmt.Errorf("inverter: short uint32 record body")
		}
		v := le.Uint32(body, 0)
		if v == 0x80000000 || v == 0xFFFFFFFF {
			v = 0
		}
		r.Value = int64(v)
	case Signed32:
		if len(body) < 4 {
			return fmt.Errorf("inverter: short int32 record body")
		}
		v := le.Uint32(body, 0)
		if v == 0x80000000 || v == 0xFFFFFFFF {
			r.Value = 0
		} else {
			r.Value = int64(int32(v))
		}
	case Unsigned64:
		if len(body) < 8 {
			return fmt.Errorf("inverter: short uint64 record body")
		}
		v := le.Uint64(body, 0)
		if v == 0x8000000000000000 || v == 0xFFFFFFFFFFFFFFFF {
			v = 0
		}
		r.Value = int64(v)
	case String32:
		n := len(body)
		if n > 32 {
			n = 32
		}
		end := n
		for end > 0 && body[end-1] == 0 {
			end--
		}
		r.Str = string(body[:end])
	case Status32:
		for off := 0; off+4 <= len(body); off += 4 {
			a := le.Uint32(body, off)
			if a&0x00FFFFFF == statusEnd {
				break
			}
			r.Attributes = append(r.Attributes, Attribute{ID: a & 0x00FFFFFF, Value: byte(a >> 24)})
		}
	default:
		return fmt.Errorf("inverter: unknown data type %d for register %#x", r.Type, r.RegisterID)
	}
	n := len(body)
	if n > maxPayload {
		n = maxPayload
	}
	r.Payload = append([]byte(nil), body[:n]...)
	return nil
}

// HeaderFields is the fixed little-endian header that follows the Data2
// control byte in every inverter-protocol packet, request or response.
type HeaderFields struct {
	Dst          device.Address
	DstControl   uint16
	Src          device.Address
	SrcControl   uint16
	ErrorCode    uint16
	FragmentCtr  uint16
	PacketID     uint16
	CommandID    uint32
	FirstReg     uint32
	LastReg      uint32
}

const HeaderLen = 2 + 4 + 2 + 2 + 4 + 2 + 2 + 2 + 2 + 4 + 4 + 4

// DecodeHeader decodes the fixed inverter header from buf (the Data2
// FunctionalPayload, i.e. starting right after the control byte).
func DecodeHeader(buf []byte) (HeaderFields, error) {
	if len(buf) < HeaderLen {
		return HeaderFields{}, fmt.Errorf("inverter: header too short (%d bytes)", len(buf))
	}
	var h HeaderFields
	h.Dst = device.Address{SusyID: le.Uint16(buf, 0), Serial: le.Uint32(buf, 2)}
	h.DstControl = le.Uint16(buf, 6)
	h.Src = device.Address{SusyID: le.Uint16(buf, 8), Serial: le.Uint32(buf, 10)}
	h.SrcControl = le.Uint16(buf, 14)
	h.ErrorCode = le.Uint16(buf, 16)
	h.FragmentCtr = le.Uint16(buf, 18)
	h.PacketID = le.Uint16(buf, 20)
	h.CommandID = le.Uint32(buf, 22)
	h.FirstReg = le.Uint32(buf, 26)
	h.LastReg = le.Uint32(buf, 30)
	return h, nil
}

// EncodeHeader writes h's fields in wire order, ready to be followed by
// command-specific data.
func EncodeHeader(buf []byte, h HeaderFields) {
	le.PutUint16(buf, 0, h.Dst.SusyID)
	le.PutUint32(buf, 2, h.Dst.Serial)
	le.PutUint16(buf, 6, h.DstControl)
	le.PutUint16(buf, 8, h.Src.SusyID)
	le.PutUint32(buf, 10, h.Src.Serial)
	le.PutUint16(buf, 14, h.SrcControl)
	le.PutUint16(buf, 16, h.ErrorCode)
	le.PutUint16(buf, 18, h.FragmentCtr)
	le.PutUint16(buf, 20, h.PacketID)
	le.PutUint32(buf, 22, h.CommandID)
	le.PutUint32(buf, 26, h.FirstReg)
	le.PutUint32(buf, 30, h.LastReg)
}
