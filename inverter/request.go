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

package inverter

import (
	"github.com/aamcrae/speedwire/device"
	"github.com/aamcrae/speedwire/frame"
)

// Command ids, grounded on the teacher's sma.go CMD_* constants and
// extended per spec §4.9/§4.11 with the additional register-query
// commands (device status, energy) the spec's DerivedValues computation
// needs but the teacher's single-inverter client never queried.
const (
	CmdLogin    = 0xFFFD040C
	CmdLogoff   = 0xFFFD01E0
	CmdDiscover = 0x00000200 // unicast discovery probe (spec §6.1)
	CmdACSpot   = 0x51000200 // AC spot values
	CmdStatus   = 0x51800200 // device status
	CmdDCSpot   = 0x53800200 // DC spot values
	CmdEnergy   = 0x54000200 // energy totals/daily yield
	CmdDevice   = 0x58000200 // device identification/status
)

// BuildDiscoveryProbe constructs the 58 byte unicast discovery request
// spec §6.1 describes: an inverter-protocol query with CmdDiscover and an
// empty register range, addressed to the broadcast device so any
// listening device answers regardless of its real address.
func BuildDiscoveryProbe(src device.Address, packetID uint16) []byte {
	return BuildQuery(src, device.Broadcast, CmdDiscover, 0, 0, packetID)
}

// LoginRole selects the user or installer credential encoding (spec §4.9).
type LoginRole uint32

const (
	RoleUser      LoginRole = 0x07
	RoleInstaller LoginRole = 0x0A
)

const passwordLength = 12

func passwordConst(role LoginRole) byte {
	if role == RoleInstaller {
		return 0xBB
	}
	return 0x88
}

// EncodePassword encodes password per spec §4.9: each character is
// offset by the role's constant, and unused bytes up to passwordLength
// are filled with the same constant (not zero).
func EncodePassword(password string, role LoginRole) [passwordLength]byte {
	c := passwordConst(role)
	var enc [passwordLength]byte
	for i := range enc {
		var ch byte
		if i < len(password) {
			ch = password[i]
		}
		enc[i] = ch + c
	}
	return enc
}

// BuildLogin constructs a login request packet. inverterTimeNow is the
// inverter clock (seconds) to stamp the request with.
func BuildLogin(src, dst device.Address, role LoginRole, password string, packetID uint16, inverterTimeNow uint32) []byte {
	b := frame.NewBuilder(1)
	lenOff, lwOff := b.BeginInverterData2(frame.ProtoInverter, 0xA0)
	h := HeaderFields{
		Dst: dst, DstControl: 0,
		Src: src, SrcControl: 0,
		PacketID:  packetID,
		CommandID: CmdLogin,
		FirstReg:  uint32(role),
		LastReg:   0x00000384, // session timeout, seconds
	}
	writeHeader(b, h)
	le32 := make([]byte, 8)
	le.PutUint32(le32, 0, inverterTimeNow)
	le.PutUint32(le32, 4, 0)
	b.Buf().Write(le32)
	enc := EncodePassword(password, role)
	b.Buf().Write(enc[:])
	b.FinishInverterData2(lenOff, lwOff)
	b.End()
	return b.Bytes()
}

// BuildLogoff constructs a fire-and-forget logoff request (no response
// expected, per spec §4.9/§4.10).
func BuildLogoff(src, dst device.Address, packetID uint16) []byte {
	b := frame.NewBuilder(1)
	lenOff, lwOff := b.BeginInverterData2(frame.ProtoInverter, 0xA0)
	h := HeaderFields{
		Dst: dst, DstControl: 0x0300,
		Src: src, SrcControl: 0x0300,
		PacketID:  packetID,
		CommandID: CmdLogoff,
		FirstReg:  0xFFFFFFFF,
		LastReg:   0,
	}
	writeHeader(b, h)
	b.FinishInverterData2(lenOff, lwOff)
	b.End()
	return b.Bytes()
}

// BuildQuery constructs a register query request for the inclusive
// [first, last] register range.
func BuildQuery(src, dst device.Address, commandID, first, last uint32, packetID uint16) []byte {
	b := frame.NewBuilder(1)
	lenOff, lwOff := b.BeginInverterData2(frame.ProtoInverter, 0xA0)
	h := HeaderFields{
		Dst: dst, Src: src,
		PacketID:  packetID,
		CommandID: commandID,
		FirstReg:  first,
		LastReg:   last,
	}
	writeHeader(b, h)
	b.FinishInverterData2(lenOff, lwOff)
	b.End()
	return b.Bytes()
}

func writeHeader(b *frame.Builder, h HeaderFields) {
	tmp := make([]byte, HeaderLen)
	EncodeHeader(tmp, h)
	b.Buf().Write(tmp)
}
