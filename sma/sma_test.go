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

package sma

import (
	"testing"
	"time"

	"github.com/aamcrae/speedwire/measurement"
)

type fakeProducer struct {
	calls []fakeSample
}

type fakeSample struct {
	serial uint32
	m      measurement.Measurement
	value  float64
	ts     time.Time
}

func (p *fakeProducer) Produce(serial uint32, m measurement.Measurement, value float64, ts time.Time) {
	p.calls = append(p.calls, fakeSample{serial, m, value, ts})
}

func (p *fakeProducer) Flush() error { return nil }

func TestDefaultConfigMatchesSpecConstants(t *testing.T) {
	c := DefaultConfig()
	if c.AveragingTimeObisMs != 60000 || c.AveragingTimeSpeedwireMs != 60000 {
		t.Errorf("averaging times = %d/%d, want 60000/60000", c.AveragingTimeObisMs, c.AveragingTimeSpeedwireMs)
	}
	if c.PollInterval != 10*time.Second {
		t.Errorf("PollInterval = %s, want 10s", c.PollInterval)
	}
	if c.MaxDerivedAgeSec != 120 {
		t.Errorf("MaxDerivedAgeSec = %d, want 120", c.MaxDerivedAgeSec)
	}
}

func TestRegisterEmeterSlots(t *testing.T) {
	f := measurement.NewOBISFilter()
	registerEmeterSlots(f, 10)
	key := obisKey(obisSlot{channel: 0, index: 1, typ: 4, tariff: 0})
	slot, ok := f.Slot(key)
	if !ok {
		t.Fatalf("no slot registered for total positive active power")
	}
	if slot.Measurement.Static != measurement.PositiveActivePower {
		t.Errorf("slot static = %+v, want PositiveActivePower", slot.Measurement.Static)
	}
}

func TestRegisterInverterSlots(t *testing.T) {
	f := measurement.NewOBISFilter()
	registerInverterSlots(f, 10)
	slot, ok := f.Slot(0x263F00)
	if !ok {
		t.Fatalf("no slot registered for total AC power")
	}
	if slot.Measurement.Wire != measurement.Total {
		t.Errorf("slot wire = %s, want total", slot.Measurement.Wire)
	}
}

func TestPipelineConsumerKindOfLiveSamples(t *testing.T) {
	f := measurement.NewOBISFilter()
	registerInverterSlots(f, 10)
	e := &Engine{inverterFilter: f}
	p := &pipelineConsumer{engine: e}

	acSlot, _ := f.Slot(0x263F00)
	if kind := p.kindOf(acSlot.Measurement); kind != measurement.KindInverter {
		t.Errorf("kindOf(inverter register slot) = %v, want KindInverter", kind)
	}

	emeterM := measurement.Measurement{Static: measurement.PositiveActivePower, Wire: measurement.Total, Key: 0x00010400}
	if kind := p.kindOf(emeterM); kind != measurement.KindEmeter {
		t.Errorf("kindOf(emeter obis sample) = %v, want KindEmeter", kind)
	}
}

func TestPipelineConsumerKindOfDerivedSamples(t *testing.T) {
	e := &Engine{inverterFilter: measurement.NewOBISFilter()}
	p := &pipelineConsumer{engine: e}

	signed := measurement.Measurement{Static: measurement.SignedActivePower, Wire: measurement.GridTotal}
	if kind := p.kindOf(signed); kind != measurement.KindEmeter {
		t.Errorf("kindOf(SignedActivePower, key=0) = %v, want KindEmeter", kind)
	}

	household := measurement.Measurement{Static: measurement.HouseholdPower, Wire: measurement.Total}
	if kind := p.kindOf(household); kind != measurement.KindInverter {
		t.Errorf("kindOf(HouseholdPower, key=0) = %v, want KindInverter", kind)
	}
}

func TestPipelineConsumerGatesThroughAverager(t *testing.T) {
	e := &Engine{
		Producer:       &fakeProducer{},
		inverterFilter: measurement.NewOBISFilter(),
		averager:       measurement.NewAverager(60000, 60000),
	}
	prod := e.Producer.(*fakeProducer)
	p := &pipelineConsumer{engine: e}

	m := measurement.Measurement{Static: measurement.SignedActivePower, Wire: measurement.GridTotal}
	// The first sample only seeds the averager's timestamp; it is never
	// forwarded on its own.
	p.Consume(123, m, 42.0, 1000)
	if len(prod.calls) != 0 {
		t.Fatalf("calls after seed sample = %d, want 0", len(prod.calls))
	}
	// Still within the 60s window: suppressed.
	p.Consume(123, m, 43.0, 2000)
	if len(prod.calls) != 0 {
		t.Fatalf("calls after in-window sample = %d, want 0", len(prod.calls))
	}
	// Accumulated delta now exceeds the window: forwarded.
	p.Consume(123, m, 44.0, 70000)
	if len(prod.calls) != 1 {
		t.Errorf("calls after window-crossing sample = %d, want 1", len(prod.calls))
	}
}
