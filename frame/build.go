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

package frame

import "bytes"

// Builder accumulates an outgoing packet: the fixed "SMA\0" + group tag
// header, followed by one Data2 tag, followed by the end-of-data
// terminator. It mirrors the teacher's sma.go packet()/send() pair, which
// builds the header up front and patches the tag length in afterwards.
type Builder struct {
	buf *bytes.Buffer
}

// NewBuilder starts a packet with the standard "SMA\0" signature and
// group tag carrying groupID (the teacher's packet_header constant uses 1).
func NewBuilder(groupID uint32) *Builder {
	b := &Builder{buf: new(bytes.Buffer)}
	b.buf.Write(signature[:])
	writeBEUint16(b.buf, 4)
	writeBEUint16(b.buf, TagGroup)
	writeBEUint32(b.buf, groupID)
	return b
}

// BeginData2 writes a sma_tag_data2 tag header with a placeholder length
// and the given protocol id, returning the offset the length must later be
// patched at via FinishData2.
func (b *Builder) BeginData2(protocolID uint16) int {
	lenOff := b.buf.Len()
	writeBEUint16(b.buf, 0) // placeholder, patched by FinishData2
	writeBEUint16(b.buf, TagData2)
	writeBEUint16(b.buf, protocolID)
	return lenOff
}

// FinishData2 patches the tag length at lenOff with the number of bytes
// written since the protocol id.
func (b *Builder) FinishData2(lenOff int) {
	payloadLen := b.buf.Len() - (lenOff + 4)
	buf := b.buf.Bytes()
	be.PutUint16(buf, lenOff, uint16(payloadLen))
}

// BeginInverterData2 writes a sma_tag_data2 tag header for the inverter
// protocol (or extended-emeter, which shares the same longWords+control
// framing): protocol id, then a placeholder long-word count, then the
// control byte. It returns the tag's length offset (for FinishData2) and
// the long-word count's offset (for FinishInverterData2).
func (b *Builder) BeginInverterData2(protocolID uint16, control byte) (lenOff, longWordsOff int) {
	lenOff = b.BeginData2(protocolID)
	longWordsOff = b.buf.Len()
	b.buf.WriteByte(0) // placeholder, patched by FinishInverterData2
	b.buf.WriteByte(control)
	return lenOff, longWordsOff
}

// FinishInverterData2 patches both the tag length (as FinishData2 does)
// and the long-word count, which must satisfy longWords*4 == tagLength-2.
func (b *Builder) FinishInverterData2(lenOff, longWordsOff int) {
	b.FinishData2(lenOff)
	tagLength := int(be.Uint16(b.buf.Bytes(), lenOff))
	longWords := (tagLength - 2) / 4
	b.buf.Bytes()[longWordsOff] = byte(longWords)
}

// WriteTag appends a complete tag (length/id header plus payload) to the
// packet, for the simple tags outside Data2 - the discovery tag (0x0020)
// and the ip-address tag (0x0030).
func (b *Builder) WriteTag(id uint16, payload []byte) {
	writeBEUint16(b.buf, uint16(len(payload)))
	writeBEUint16(b.buf, id)
	b.buf.Write(payload)
}

// End writes the end-of-data terminator tag.
func (b *Builder) End() {
	writeBEUint16(b.buf, 0)
	writeBEUint16(b.buf, TagEndOfData)
}

// Buf returns the underlying buffer for writing functional payload bytes.
func (b *Builder) Buf() *bytes.Buffer { return b.buf }

// Bytes returns the completed packet.
func (b *Builder) Bytes() []byte { return b.buf.Bytes() }

func writeBEUint16(buf *bytes.Buffer, v uint16) {
	buf.WriteByte(byte(v >> 8))
	buf.WriteByte(byte(v))
}

func writeBEUint32(buf *bytes.Buffer, v uint32) {
	buf.WriteByte(byte(v >> 24))
	buf.WriteByte(byte(v >> 16))
	buf.WriteByte(byte(v >> 8))
	buf.WriteByte(byte(v))
}
