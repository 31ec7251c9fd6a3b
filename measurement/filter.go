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
	"sync"

	"github.com/aamcrae/speedwire/meter"
	"github.com/aamcrae/speedwire/series"
)

// DeviceKind distinguishes the clock (and hence the averaging divisor) a
// Measurement's samples are stamped in: emeter milliseconds or inverter
// seconds.
type DeviceKind int

const (
	KindEmeter DeviceKind = iota
	KindInverter
)

// Consumer is the capability set spec §9 re-expresses the source's
// abstract consumer base class as: something that wants to see every
// decoded sample and be told when a batch (one packet's worth of OBIS
// elements, or one inverter query's records) ends.
type Consumer interface {
	Consume(serial uint32, m Measurement, value float64, ts uint32)
	EndOfBatch(serial uint32, ts uint32)
}

// Slot is one OBIS key's registered measurement and its sample history.
type Slot struct {
	Measurement Measurement
	Series      *series.Series
}

// OBISFilter maps OBIS keys to typed measurement slots and fans decoded
// samples out to every registered Consumer, matching spec §4.11's
// OBISFilter: "map from OBIS key to typed Measurement slot... on each
// received OBIS element, look up the key; if present, append the decoded
// value... and notify all registered consumers."
type OBISFilter struct {
	mu        sync.Mutex
	slots     map[uint32]*Slot
	consumers []Consumer
}

// NewOBISFilter returns an empty filter.
func NewOBISFilter() *OBISFilter {
	return &OBISFilter{slots: make(map[uint32]*Slot)}
}

// Register adds a slot for the given OBIS key with the given sample
// capacity. Registering the same key again replaces its measurement type
// but keeps no history (a fresh series is created).
func (f *OBISFilter) Register(key uint32, m Measurement, capacity int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.slots[key] = &Slot{Measurement: m, Series: series.New(capacity)}
}

// Slot returns the registered slot for key, if any.
func (f *OBISFilter) Slot(key uint32) (*Slot, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.slots[key]
	return s, ok
}

// Find returns the first registered slot whose Measurement satisfies pred,
// used by DerivedValues to locate a wire's positive/negative counterpart
// without needing to know its OBIS or register key in advance.
func (f *OBISFilter) Find(pred func(Measurement) bool) (*Slot, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, s := range f.slots {
		if pred(s.Measurement) {
			return s, true
		}
	}
	return nil, false
}

// FeedValue appends an already-decoded value to the slot at key, if
// registered, and notifies consumers. Unlike Feed (which decodes raw OBIS
// elements out of a meter.Header), FeedValue takes a value the caller has
// already produced - the inverter reader uses this to push decoded register
// values through the same slot/consumer machinery emeter samples use.
func (f *OBISFilter) FeedValue(serial uint32, key uint32, value float64, ts uint32) {
	f.mu.Lock()
	slot, ok := f.slots[key]
	f.mu.Unlock()
	if !ok {
		return
	}
	slot.Series.Append(value, ts)
	for _, c := range f.consumers {
		c.Consume(serial, slot.Measurement, value, ts)
	}
}

// AddConsumer registers c to be notified of every decoded sample and
// batch boundary.
func (f *OBISFilter) AddConsumer(c Consumer) {
	f.consumers = append(f.consumers, c)
}

// Feed decodes every OBIS element in h against the registered slots,
// appending matched values to their series and notifying consumers, then
// calls EndOfBatch on every consumer with the packet timestamp (spec
// §4.11: "At end of the emeter packet, notify endOfObisData(device,
// time)").
func (f *OBISFilter) Feed(serial uint32, h *meter.Header) {
	h.Do(func(e meter.Element) bool {
		key := h.Key(e)
		f.mu.Lock()
		slot, ok := f.slots[key]
		f.mu.Unlock()
		if !ok {
			return true
		}
		var raw int64
		switch h.Type(e) {
		case 4:
			raw = int64(h.Uint32(e))
		case 7:
			raw = int64(h.Int32(e))
		case 8:
			raw = int64(h.Uint64(e))
		default:
			return true
		}
		value := slot.Measurement.Static.Scale(raw)
		slot.Series.Append(value, h.Time)
		for _, c := range f.consumers {
			c.Consume(serial, slot.Measurement, value, h.Time)
		}
		return true
	})
	for _, c := range f.consumers {
		c.EndOfBatch(serial, h.Time)
	}
}
