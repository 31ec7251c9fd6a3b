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

// package device holds the address and record types shared by discovery,
// the inverter protocol and the command layer.
package device

import "fmt"

// Address uniquely identifies a Speedwire device by its subsystem id and
// serial number.
type Address struct {
	SusyID uint16
	Serial uint32
}

// Local is the address this library presents itself as (the "application"
// address in the inverter protocol header). Matches the teacher's sma.go
// appSusyid of 125 combined with a randomised serial range, but fixed here
// since the spec calls it a constant identity.
var Local = Address{SusyID: 125, Serial: 900000001}

// Broadcast is the wildcard destination address meaning "all devices".
var Broadcast = Address{SusyID: 0xFFFF, Serial: 0xFFFFFFFF}

func (a Address) String() string {
	return fmt.Sprintf("%d/%d", a.SusyID, a.Serial)
}

// IsBroadcast reports whether a matches the broadcast wildcard.
func (a Address) IsBroadcast() bool {
	return a == Broadcast
}

// Class classifies a device's role.
type Class int

const (
	Unknown Class = iota
	Emeter
	PVInverter
	BatteryInverter
	HybridInverter
)

func (c Class) String() string {
	switch c {
	case Emeter:
		return "emeter"
	case PVInverter:
		return "pv-inverter"
	case BatteryInverter:
		return "battery-inverter"
	case HybridInverter:
		return "hybrid-inverter"
	default:
		return "unknown"
	}
}

// Record is a single entry in the device registry. A pre-registered
// record has PeerIP (and InterfaceIP, when given) set and a zero Address;
// a fully registered record has both Address and PeerIP.
type Record struct {
	Address     Address
	Class       Class
	DeviceType  string
	PeerIP      string
	InterfaceIP string
}

// Registered reports whether r carries a non-zero device address.
func (r Record) Registered() bool {
	return r.Address != Address{}
}

func (r Record) String() string {
	return fmt.Sprintf("%s class=%s type=%q peer=%s if=%s",
		r.Address, r.Class, r.DeviceType, r.PeerIP, r.InterfaceIP)
}
