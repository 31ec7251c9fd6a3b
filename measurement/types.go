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

// package measurement implements the typed measurement model of spec §3
// and the OBISFilter/Averaging/DerivedValues pipeline of spec §4.11: it
// turns a stream of raw OBIS elements and inverter records into
// dimensioned, averaged, and synthesised quantities, the way the
// teacher's core package turns raw Input values into named Gauge and
// Accum elements - but typed against the measurement model this protocol
// needs instead of the teacher's generic string-tagged database.
package measurement

import "fmt"

// Direction classifies the sign convention of a quantity.
type Direction int

const (
	DirNone Direction = iota
	Positive
	Negative
	Signed
)

// Kind classifies the electrical quantity class (active/reactive/etc).
type Kind int

const (
	KindNone Kind = iota
	Active
	Reactive
	Apparent
	Nominal
	Version
	EndOfData
)

// Quantity is the physical dimension a measurement carries.
type Quantity int

const (
	QuantityNone Quantity = iota
	Power
	Energy
	PowerFactor
	Frequency
	Current
	Voltage
	Status
	Efficiency
	Percentage
	Temperature
	Duration
	Currency
)

// Wire is the logical conductor or aggregate a live Measurement belongs
// to.
type Wire int

const (
	WireNone Wire = iota
	Total
	L1
	L2
	L3
	L1L2
	L2L3
	L3L1
	MppTotal
	Mpp1
	Mpp2
	LossTotal
	GridTotal
	DeviceOk
	RelayOn
	FeedIn
	SelfConsumption
)

func (w Wire) String() string {
	names := map[Wire]string{
		WireNone: "none", Total: "total", L1: "L1", L2: "L2", L3: "L3",
		L1L2: "L1-L2", L2L3: "L2-L3", L3L1: "L3-L1",
		MppTotal: "mpp-total", Mpp1: "mpp1", Mpp2: "mpp2",
		LossTotal: "loss-total", GridTotal: "grid-total", DeviceOk: "device-ok",
		RelayOn: "relay-on", FeedIn: "feed-in", SelfConsumption: "self-consumption",
	}
	if s, ok := names[w]; ok {
		return s
	}
	return fmt.Sprintf("wire(%d)", int(w))
}

// StaticType is the immutable description of a measurement kind: its
// sign convention, electrical class, physical dimension, display unit
// and the divisor raw wire values must be scaled by. Quantity == Energy
// iff the value accumulates rather than being instantaneous (spec §3's
// invariant).
type StaticType struct {
	Direction Direction
	Kind      Kind
	Quantity  Quantity
	Unit      string
	Divisor   uint32
}

// Accumulated reports whether this type represents an accumulating total
// rather than an instantaneous reading.
func (t StaticType) Accumulated() bool { return t.Quantity == Energy }

// Scale converts a raw integer wire value to its physical quantity.
func (t StaticType) Scale(raw int64) float64 {
	if t.Divisor == 0 {
		return float64(raw)
	}
	return float64(raw) / float64(t.Divisor)
}

// Well-known static types, named after the OBIS/inverter quantities spec
// §8's worked examples and §4.11's derived-value set reference.
var (
	PositiveActivePower = StaticType{Direction: Positive, Kind: Active, Quantity: Power, Unit: "W", Divisor: 10}
	NegativeActivePower = StaticType{Direction: Negative, Kind: Active, Quantity: Power, Unit: "W", Divisor: 10}
	SignedActivePower   = StaticType{Direction: Signed, Kind: Active, Quantity: Power, Unit: "W", Divisor: 1}
	PositiveActiveEnergy = StaticType{Direction: Positive, Kind: Active, Quantity: Energy, Unit: "Wh", Divisor: 3600}
	NegativeActiveEnergy = StaticType{Direction: Negative, Kind: Active, Quantity: Energy, Unit: "Wh", Divisor: 3600}
	DCPower              = StaticType{Direction: DirNone, Kind: Active, Quantity: Power, Unit: "W", Divisor: 1}
	ACPower               = StaticType{Direction: DirNone, Kind: Active, Quantity: Power, Unit: "W", Divisor: 1}
	LossPower            = StaticType{Direction: DirNone, Kind: Active, Quantity: Power, Unit: "W", Divisor: 1}
	EfficiencyPct        = StaticType{Direction: DirNone, Kind: KindNone, Quantity: Efficiency, Unit: "%", Divisor: 1}
	HouseholdPower       = StaticType{Direction: DirNone, Kind: Active, Quantity: Power, Unit: "W", Divisor: 1}
	CurrencyRate         = StaticType{Direction: DirNone, Kind: KindNone, Quantity: Currency, Unit: "$", Divisor: 1}
)

// Measurement is a live, addressable instance of a StaticType on a
// specific Wire, identified by an OBIS key (meter) or register id
// (inverter).
type Measurement struct {
	Static StaticType
	Wire   Wire
	Key    uint32
}
