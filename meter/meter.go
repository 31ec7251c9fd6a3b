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

// package meter implements the SMA energy-meter protocol (Data2 protocol id
// 0x6069/0x6081): the fixed big-endian header (susyId, serial, time) and the
// OBIS element stream that follows it.
package meter

import (
	"fmt"

	"github.com/aamcrae/speedwire/codec"
)

const (
	susyIDOffset   = 0
	serialOffset   = 2
	timeOffset     = 6
	firstObisOffset = 10
)

// firmwareVersionChannel is the OBIS channel carrying the meter's firmware
// version: its type byte reads 0 (normally "no payload") but it actually
// carries a 4-byte value, so length() special-cases it.
const firmwareVersionChannel = 144

var be codec.BE

// Header is the fixed portion of an emeter Data2 payload.
type Header struct {
	SusyID uint16
	Serial uint32
	Time   uint32
	buf    []byte
}

// ParseHeader reads the fixed header from an emeter Data2 functional
// payload (the bytes starting right after the protocol id, or after the
// control byte for extended-emeter frames).
func ParseHeader(buf []byte) (*Header, error) {
	if len(buf) < firstObisOffset {
		return nil, fmt.Errorf("meter: payload too short (%d bytes)", len(buf))
	}
	return &Header{
		SusyID: be.Uint16(buf, susyIDOffset),
		Serial: be.Uint32(buf, serialOffset),
		Time:   be.Uint32(buf, timeOffset),
		buf:    buf,
	}, nil
}

// Element is an OBIS element's offset into the header's payload.
type Element struct {
	Offset int
}

// length returns the byte length of the OBIS element (header + value) at
// off, per the firmware-version special case.
func (h *Header) length(off int) int {
	if off+4 > len(h.buf) {
		return 0
	}
	if h.buf[off] == firmwareVersionChannel && h.buf[off+1] != 0 {
		return 8
	}
	typeByte := int(h.buf[off+2])
	return 4 + typeByte
}

// First returns the first OBIS element, or false if the payload has no
// room for one.
func (h *Header) First() (Element, bool) {
	off := firstObisOffset
	if off+4 > len(h.buf) {
		return Element{}, false
	}
	if off+h.length(off) > len(h.buf) {
		return Element{}, false
	}
	return Element{Offset: off}, true
}

// Next returns the OBIS element following cur, or false if the next
// element's 4-byte head or full body would run past the payload.
func (h *Header) Next(cur Element) (Element, bool) {
	next := cur.Offset + h.length(cur.Offset)
	if next+4 > len(h.buf) {
		return Element{}, false
	}
	if next+h.length(next) > len(h.buf) {
		return Element{}, false
	}
	return Element{Offset: next}, true
}

// Do iterates every OBIS element in the payload, calling f for each. It
// stops early if f returns false.
func (h *Header) Do(f func(Element) bool) {
	e, ok := h.First()
	for ok {
		if !f(e) {
			return
		}
		e, ok = h.Next(e)
	}
}

// Channel, Index, Type and Tariff are the 4 OBIS header bytes.
func (h *Header) Channel(e Element) uint8 { return h.buf[e.Offset] }
func (h *Header) Index(e Element) uint8   { return h.buf[e.Offset+1] }
func (h *Header) Type(e Element) uint8    { return h.buf[e.Offset+2] }
func (h *Header) Tariff(e Element) uint8  { return h.buf[e.Offset+3] }

// Key packs an OBIS element's identifying fields into a single comparable
// value, matching the map key shape an OBISFilter uses.
func (h *Header) Key(e Element) uint32 {
	return uint32(h.Channel(e))<<24 | uint32(h.Index(e))<<16 | uint32(h.Type(e))<<8 | uint32(h.Tariff(e))
}

// Uint32 reads a type-4 (unsigned) or type-7 (signed, reinterpreted as
// unsigned bit pattern) OBIS value.
func (h *Header) Uint32(e Element) uint32 {
	return be.Uint32(h.buf, e.Offset+4)
}

// Int32 reads a type-7 (signed) OBIS value.
func (h *Header) Int32(e Element) int32 {
	return int32(h.Uint32(e))
}

// Uint64 reads a type-8 OBIS value.
func (h *Header) Uint64(e Element) uint64 {
	return be.Uint64(h.buf, e.Offset+4)
}

// FirmwareVersion decodes the special firmwareVersionChannel element into
// its dotted major.minor.build.revision string form.
func (h *Header) FirmwareVersion(e Element) string {
	v := h.Uint32(e)
	rev := byte(v)
	build := byte(v >> 8)
	minor := byte(v >> 16)
	major := byte(v >> 24)
	if rev >= 'A' && rev <= 'Z' {
		return fmt.Sprintf("%d.%d.%d.%c", major, minor, build, rev)
	}
	return fmt.Sprintf("%d.%d.%d.%d", major, minor, build, rev)
}

// IsEndOfData reports whether e is the all-zero trailer element
// (channel==0, index==0, tariff==0) some emeter firmwares emit.
func (h *Header) IsEndOfData(e Element) bool {
	return h.Channel(e) == 0 && h.Index(e) == 0 && h.Tariff(e) == 0
}
