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

// package frame implements the Speedwire packet framing: the outer
// "SMA\0" header and tag stream (big-endian), and the Data2 sub-frame
// nested inside a sma_tag_data2 (0x0010) tag, whose own payload starts
// with a protocol id and - for the inverter and extended-emeter protocols
// - a long-word count and control byte.
//
// A Header borrows the buffer it is given; it never copies. Callers own
// the buffer for the lifetime of the Header and any Data2 view taken from
// it, following the single-owner/borrowed-view discipline used throughout
// this module instead of the teacher's upstream C++ style of back-pointers
// between buffer views.
package frame

import (
	"errors"
	"fmt"

	"github.com/aamcrae/speedwire/codec"
)

// Protocol ids carried in a Data2 tag's payload.
const (
	ProtoEmeter         = 0x6069
	ProtoExtendedEmeter = 0x6081
	ProtoInverter       = 0x6065
	ProtoEncryption     = 0x6075
	ProtoData1          = 0x4041
)

// Tag ids in the outer tag stream.
const (
	TagGroup      = 0x02A0
	TagData2      = 0x0010
	TagDiscovery  = 0x0020
	TagIPAddress  = 0x0030
	TagEndOfData  = 0x0000
)

var signature = [4]byte{'S', 'M', 'A', 0}

// ErrFrame is the sentinel Parse wraps for a framing violation: a packet
// shorter than the fixed header, a bad signature or a bad group tag. A tag
// whose declared length runs past the buffer, or a missing end-of-data
// tag, is not reported as an error: IterateTags simply stops there, and
// HasEndOfData reports false.
var ErrFrame = errors.New("speedwire: frame error")

// ErrProtocol is the sentinel wrapped when a tag with a recognised
// protocol id has an impossible sub-layout (e.g. the declared long-word
// count does not match the tag length).
var ErrProtocol = errors.New("speedwire: protocol error")

func frameErrorf(format string, args ...any) error {
	return fmt.Errorf("%w: "+format, append([]any{ErrFrame}, args...)...)
}

// Tag describes one entry in the outer tag stream.
type Tag struct {
	ID     uint16
	Offset int // offset of the tag's payload (after the length/id header)
	Length int
}

// Header views the outer Speedwire framing over buf. buf must be at least
// 12 bytes and start with the 4 byte signature, the group tag and the
// group id.
type Header struct {
	buf   []byte
	GroupID uint32
}

const minHeaderLen = 4 + 4 + 4 // signature + group tag header + group id payload

var be codec.BE

// Parse validates the outer framing of buf and returns a Header borrowing
// it, or an error wrapping ErrFrame.
func Parse(buf []byte) (*Header, error) {
	if len(buf) < minHeaderLen {
		return nil, frameErrorf("packet too short (%d bytes)", len(buf))
	}
	if !(buf[0] == signature[0] && buf[1] == signature[1] && buf[2] == signature[2] && buf[3] == signature[3]) {
		return nil, frameErrorf("bad signature")
	}
	groupTagLen := be.Uint16(buf, 4)
	groupTagID := be.Uint16(buf, 6)
	if groupTagLen != 4 || groupTagID != TagGroup {
		return nil, frameErrorf("bad group tag (len=%d id=%#04x)", groupTagLen, groupTagID)
	}
	h := &Header{buf: buf, GroupID: be.Uint32(buf, 8)}
	return h, nil
}

// IterateTags walks the tag stream following the group tag, calling f for
// each tag until f returns false, the end-of-data tag (length 0, id 0) is
// reached, or the buffer is exhausted.
func (h *Header) IterateTags(f func(Tag) bool) {
	off := 12 // past signature(4) + group tag header(4) + group id(4)
	for off+4 <= len(h.buf) {
		length := int(be.Uint16(h.buf, off))
		id := be.Uint16(h.buf, off+2)
		if length == 0 && id == TagEndOfData {
			return
		}
		payloadOff := off + 4
		if payloadOff+length > len(h.buf) {
			return
		}
		if !f(Tag{ID: id, Offset: payloadOff, Length: length}) {
			return
		}
		off = payloadOff + length
	}
}

// FindTag returns the first tag matching id, or false if none is found
// before the end-of-data tag or buffer end.
func (h *Header) FindTag(id uint16) (Tag, bool) {
	var found Tag
	var ok bool
	h.IterateTags(func(t Tag) bool {
		if t.ID == id {
			found, ok = t, true
			return false
		}
		return true
	})
	return found, ok
}

// HasEndOfData reports whether the tag stream is properly terminated by a
// (0,0) end-of-data tag before the buffer runs out.
func (h *Header) HasEndOfData() bool {
	off := 12
	for off+4 <= len(h.buf) {
		length := int(be.Uint16(h.buf, off))
		id := be.Uint16(h.buf, off+2)
		if length == 0 && id == TagEndOfData {
			return true
		}
		payloadOff := off + 4
		if payloadOff+length > len(h.buf) {
			return false
		}
		off = payloadOff + length
	}
	return false
}

// Bytes returns the full underlying buffer (for callers that need to hand
// it to a socket or a checksum routine).
func (h *Header) Bytes() []byte { return h.buf }

// Data2 views the payload of a sma_tag_data2 (0x0010) tag.
type Data2 struct {
	buf        []byte // the tag's payload, i.e. Tag.Offset..Tag.Offset+Tag.Length
	ProtocolID uint16
	LongWords  uint8 // only valid when hasControl is true
	Control    uint8
	hasControl bool
}

// ParseData2 views t's payload (which must come from h) as a Data2 frame.
func ParseData2(h *Header, t Tag) (*Data2, error) {
	if t.ID != TagData2 {
		return nil, fmt.Errorf("%w: tag id %#04x is not sma_tag_data2", ErrProtocol, t.ID)
	}
	buf := h.buf[t.Offset : t.Offset+t.Length]
	if len(buf) < 2 {
		return nil, fmt.Errorf("%w: data2 payload too short", ErrProtocol)
	}
	d := &Data2{buf: buf, ProtocolID: be.Uint16(buf, 0)}
	switch d.ProtocolID {
	case ProtoInverter, ProtoExtendedEmeter:
		if len(buf) < 4 {
			return nil, fmt.Errorf("%w: data2 payload too short for protocol %#04x", ErrProtocol, d.ProtocolID)
		}
		d.LongWords = buf[2]
		d.Control = buf[3]
		d.hasControl = true
		if int(d.LongWords)*4 != t.Length-2 {
			return nil, fmt.Errorf("%w: longWords*4 (%d) != tagLength-2 (%d)", ErrProtocol, int(d.LongWords)*4, t.Length-2)
		}
		if d.ProtocolID == ProtoInverter && t.Length < 8+8+6 {
			return nil, fmt.Errorf("%w: inverter data2 payload too short (%d)", ErrProtocol, t.Length)
		}
	}
	return d, nil
}

// FunctionalPayload returns the bytes following the protocol id (and, for
// the inverter/extended-emeter protocols, the long-word count and control
// byte): offset 2 for emeter or 4 for inverter/extended-emeter relative to
// the start of the Data2 tag payload (6 or 8 counting the 4 byte tag
// header) - here expressed simply as "everything after the fixed header
// this struct already parsed".
func (d *Data2) FunctionalPayload() []byte {
	if d.hasControl {
		return d.buf[4:]
	}
	return d.buf[2:]
}

// Bytes returns the raw Data2 tag payload, header included.
func (d *Data2) Bytes() []byte { return d.buf }
