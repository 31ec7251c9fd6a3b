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

package measurement

import (
	"github.com/aamcrae/speedwire/series"
	"github.com/aamcrae/speedwire/timebase"
)

// DerivedConfig holds the tunables spec §4.11 calls out as configuration:
// the freshness window a set of participating samples must fall within for
// a derived value to be published at all, and the two currency rates that
// section explicitly flags as an open design point rather than a true
// constant.
type DerivedConfig struct {
	MaxAgeSec           uint32  // default 120
	FeedInRate          float64 // currency per Wh fed back to the grid; default 0.09/1000
	SelfConsumptionRate float64 // currency per Wh of self-consumed generation; default 0.30/1000
}

// DefaultDerivedConfig returns the constants spec §4.11/§6.2 hardcodes as
// defaults.
func DefaultDerivedConfig() DerivedConfig {
	return DerivedConfig{
		MaxAgeSec:           120,
		FeedInRate:          0.09 / 1000,
		SelfConsumptionRate: 0.30 / 1000,
	}
}

// DerivedValues computes the synthesised quantities spec §4.11 describes -
// signed totals, DC/AC totals, efficiency, loss and household consumption -
// from the raw positive/negative/DC/AC measurements two OBISFilters (one per
// device class) have already decoded and stored. It does not own any series
// of its own: every derived value is recomputed on demand from the inputs'
// current samples and handed straight to the registered consumers, matching
// the teacher's habit of deriving display values at read time rather than
// caching them.
type DerivedValues struct {
	Emeter    *OBISFilter // positive/negative emeter measurements, keyed by wire
	Inverter  *OBISFilter // Mpp1/Mpp2 DC and L1/L2/L3 AC inverter measurements
	Config    DerivedConfig
	Consumers []Consumer
	// Now returns the current wall clock in milliseconds; overridable for
	// tests. Defaults to timebase.NowMs.
	Now func() int64
}

// NewDerivedValues returns a DerivedValues wired to the given emeter and
// inverter filters with the default configuration.
func NewDerivedValues(emeter, inverter *OBISFilter) *DerivedValues {
	return &DerivedValues{
		Emeter:   emeter,
		Inverter: inverter,
		Config:   DefaultDerivedConfig(),
		Now:      timebase.NowMs,
	}
}

func (d *DerivedValues) now() int64 {
	if d.Now != nil {
		return d.Now()
	}
	return timebase.NowMs()
}

// AddConsumer registers c to receive every derived value this computes.
func (d *DerivedValues) AddConsumer(c Consumer) {
	d.Consumers = append(d.Consumers, c)
}

func (d *DerivedValues) publish(serial uint32, wire Wire, static StaticType, value float64, ts uint32) {
	m := Measurement{Static: static, Wire: wire}
	for _, c := range d.Consumers {
		c.Consume(serial, m, value, ts)
	}
}

// freshEmeter reports whether an emeter (millisecond) timestamp is within
// the configured window of now.
func (d *DerivedValues) freshEmeter(ts uint32) bool {
	nowMs := timebase.EmeterNow(d.now())
	return timebase.AbsDiff32(ts, nowMs) <= int32(d.Config.MaxAgeSec)*1000
}

// freshInverter reports whether an inverter (second) timestamp is within
// the configured window of now.
func (d *DerivedValues) freshInverter(ts uint32) bool {
	nowSec := timebase.InverterNow(d.now())
	return timebase.AbsDiff32(ts, nowSec) <= int32(d.Config.MaxAgeSec)
}

// latestForWire returns the newest sample of the slot registered for (wire,
// dir) in f, or ok=false if no such slot is registered or it is empty. dir
// == DirNone matches any direction (used for the inverter's DC/AC wires,
// which carry no sign convention).
func latestForWire(f *OBISFilter, wire Wire, dir Direction) (series.Sample, bool) {
	pred := func(m Measurement) bool { return m.Wire == wire }
	if dir != DirNone {
		pred = func(m Measurement) bool { return m.Wire == wire && m.Static.Direction == dir }
	}
	slot, ok := f.Find(pred)
	if !ok {
		return series.Sample{}, false
	}
	return slot.Series.Newest()
}

// EndOfObisData computes the emeter-side derived values (signed per-wire
// power) and is called once per emeter packet, per spec §4.11's
// "endOfObisData(device, time)" hook.
func (d *DerivedValues) EndOfObisData(serial uint32, ts uint32) {
	if d.Emeter == nil {
		return
	}
	for _, wire := range []Wire{Total, L1, L2, L3} {
		pos, posOK := latestForWire(d.Emeter, wire, Positive)
		neg, negOK := latestForWire(d.Emeter, wire, Negative)
		if !posOK || !negOK {
			continue
		}
		if !d.freshEmeter(pos.Time) || !d.freshEmeter(neg.Time) {
			continue
		}
		if timebase.AbsDiff32(pos.Time, neg.Time) > 1000 {
			continue
		}
		d.publish(serial, wire, SignedActivePower, pos.Value-neg.Value, pos.Time)
	}
}

// EndOfSpeedwireData computes the inverter-side derived values (DC/AC
// totals, efficiency, loss, household consumption, feed-in/self-consumption
// currency) and is called once per inverter register-query response, per
// spec §4.11's "endOfSpeedwireData" hook.
func (d *DerivedValues) EndOfSpeedwireData(serial uint32, ts uint32) {
	if d.Inverter == nil {
		return
	}
	mpp1, ok1 := latestForWire(d.Inverter, Mpp1, DirNone)
	mpp2, ok2 := latestForWire(d.Inverter, Mpp2, DirNone)
	if !ok1 || !ok2 || !d.freshInverter(mpp1.Time) || !d.freshInverter(mpp2.Time) {
		return
	}
	if timebase.AbsDiff32(mpp1.Time, mpp2.Time) > 1 {
		return
	}
	dcTotal := mpp1.Value + mpp2.Value
	dcTime := mpp1.Time

	l1, okL1 := latestForWire(d.Inverter, L1, DirNone)
	l2, okL2 := latestForWire(d.Inverter, L2, DirNone)
	l3, okL3 := latestForWire(d.Inverter, L3, DirNone)
	if !okL1 || !okL2 || !okL3 {
		return
	}
	if !d.freshInverter(l1.Time) || !d.freshInverter(l2.Time) || !d.freshInverter(l3.Time) {
		return
	}
	if timebase.AbsDiff32(l1.Time, l2.Time) > 1 || timebase.AbsDiff32(l2.Time, l3.Time) > 1 || timebase.AbsDiff32(l1.Time, l3.Time) > 1 {
		return
	}
	acTotal := l1.Value + l2.Value + l3.Value
	acTime := l1.Time

	d.publish(serial, MppTotal, DCPower, dcTotal, dcTime)
	d.publish(serial, GridTotal, ACPower, acTotal, acTime)

	loss := dcTotal - acTotal
	d.publish(serial, LossTotal, LossPower, loss, acTime)

	var efficiency float64
	if dcTotal != 0 {
		efficiency = acTotal / dcTotal * 100
	}
	d.publish(serial, Total, EfficiencyPct, efficiency, acTime)

	if d.Emeter == nil {
		return
	}
	meterTime := timebase.ToMeterClock(acTime, d.now())
	emPosSlot, okPos := d.Emeter.Find(func(m Measurement) bool { return m.Wire == Total && m.Static.Direction == Positive })
	emNegSlot, okNeg := d.Emeter.Find(func(m Measurement) bool { return m.Wire == Total && m.Static.Direction == Negative })
	if !okPos || !okNeg {
		return
	}
	posVal, okPosS := emPosSlot.Series.FindClosestSample(meterTime)
	negVal, okNegS := emNegSlot.Series.FindClosestSample(meterTime)
	if !okPosS || !okNegS {
		return
	}
	if !d.freshEmeter(posVal.Time) || !d.freshEmeter(negVal.Time) {
		return
	}

	household := posVal.Value + acTotal - negVal.Value
	if household < 0 {
		household = 0
	}
	d.publish(serial, Total, HouseholdPower, household, acTime)

	feedIn := negVal.Value * d.Config.FeedInRate
	d.publish(serial, FeedIn, CurrencyRate, feedIn, acTime)

	selfConsumption := (acTotal - negVal.Value) * d.Config.SelfConsumptionRate
	d.publish(serial, SelfConsumption, CurrencyRate, selfConsumption, acTime)
}
