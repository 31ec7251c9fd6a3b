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

// package codec provides endian-aware getters and setters over a raw byte
// buffer. Speedwire deliberately mixes byte orders within a single packet:
// the framing (signature, tags, group id) and the emeter/OBIS payload are
// big-endian, while the inverter payload (addresses, packet id, command id,
// register ids, data words) is little-endian. Keeping two distinct sets of
// functions makes the choice visible at every call site instead of hiding
// it behind a single "the" endianness.
//
// All operations here are bounds-unchecked by design: callers validate
// buffer length via the framing layer (package frame) before reading or
// writing. A read or write past the end of buf panics with an index-out-
// of-range error, the same as a raw slice access would.
package codec

// BE reads and writes big-endian fields.
type BE struct{}

// LE reads and writes little-endian fields.
type LE struct{}

func (BE) Uint8(buf []byte, off int) uint8 { return buf[off] }
func (BE) Uint16(buf []byte, off int) uint16 {
	return uint16(buf[off])<<8 | uint16(buf[off+1])
}
func (BE) Uint32(buf []byte, off int) uint32 {
	return uint32(buf[off])<<24 | uint32(buf[off+1])<<16 | uint32(buf[off+2])<<8 | uint32(buf[off+3])
}
func (BE) Uint64(buf []byte, off int) uint64 {
	return uint64(BE{}.Uint32(buf, off))<<32 | uint64(BE{}.Uint32(buf, off+4))
}

func (BE) PutUint8(buf []byte, off int, v uint8) { buf[off] = v }
func (BE) PutUint16(buf []byte, off int, v uint16) {
	buf[off] = byte(v >> 8)
	buf[off+1] = byte(v)
}
func (BE) PutUint32(buf []byte, off int, v uint32) {
	buf[off] = byte(v >> 24)
	buf[off+1] = byte(v >> 16)
	buf[off+2] = byte(v >> 8)
	buf[off+3] = byte(v)
}
func (BE) PutUint64(buf []byte, off int, v uint64) {
	BE{}.PutUint32(buf, off, uint32(v>>32))
	BE{}.PutUint32(buf, off+4, uint32(v))
}

func (LE) Uint8(buf []byte, off int) uint8 { return buf[off] }
func (LE) Uint16(buf []byte, off int) uint16 {
	return uint16(buf[off]) | uint16(buf[off+1])<<8
}
func (LE) Uint32(buf []byte, off int) uint32 {
	return uint32(buf[off]) | uint32(buf[off+1])<<8 | uint32(buf[off+2])<<16 | uint32(buf[off+3])<<24
}
func (LE) Uint64(buf []byte, off int) uint64 {
	return uint64(LE{}.Uint32(buf, off)) | uint64(LE{}.Uint32(buf, off+4))<<32
}

func (LE) PutUint8(buf []byte, off int, v uint8) { buf[off] = v }
func (LE) PutUint16(buf []byte, off int, v uint16) {
	buf[off] = byte(v)
	buf[off+1] = byte(v >> 8)
}
func (LE) PutUint32(buf []byte, off int, v uint32) {
	buf[off] = byte(v)
	buf[off+1] = byte(v >> 8)
	buf[off+2] = byte(v >> 16)
	buf[off+3] = byte(v >> 24)
}
func (LE) PutUint64(buf []byte, off int, v uint64) {
	LE{}.PutUint32(buf, off, uint32(v))
	LE{}.PutUint32(buf, off+4, uint32(v>>32))
}

// Int32 variants, used for the signed 32 bit inverter record type.
func (BE) Int32(buf []byte, off int) int32 { return int32(BE{}.Uint32(buf, off)) }
func (LE) Int32(buf []byte, off int) int32 { return int32(LE{}.Uint32(buf, off)) }
