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

import "sync"

// averagingState is the per-(serial, kind) bookkeeping spec §4.11
// describes: a remainder accumulated from sample-to-sample time deltas,
// the last sample's timestamp, and whether that timestamp is valid yet
// (the very first sample of a stream has no predecessor to diff
// against).
type averagingState struct {
	remainder      uint32
	lastTimestamp  uint32
	timestampValid bool
}

type averagingKey struct {
	serial uint32
	kind   DeviceKind
}

// Averager decides, per device and clock domain, whether a newly
// arrived sample should be passed through to downstream consumers right
// now. Passing a sample through does not copy it anywhere - the series
// the sample was already appended to (by OBISFilter.Feed or an inverter
// reader) holds it; Averager only gates the notification, per spec
// §4.11: "the series already holds the samples, so downstream reads the
// series' mean."
type Averager struct {
	mu sync.Mutex

	// ObisMs is the averaging window for emeter samples, in
	// milliseconds; 0 disables averaging (every sample passes through).
	ObisMs uint32
	// SpeedwireMs is the averaging window for inverter samples, in
	// milliseconds; divided by 1000 to match the inverter's
	// second-resolution clock, per spec §4.11.
	SpeedwireMs uint32

	states map[averagingKey]*averagingState
}

// NewAverager returns an Averager with the given windows.
func NewAverager(obisMs, speedwireMs uint32) *Averager {
	return &Averager{
		ObisMs:      obisMs,
		SpeedwireMs: speedwireMs,
		states:      make(map[averagingKey]*averagingState),
	}
}

func (a *Averager) window(kind DeviceKind) uint32 {
	if kind == KindInverter {
		return a.SpeedwireMs / 1000
	}
	return a.ObisMs
}

// Admit reports whether the sample at newTime for (serial, kind) should
// be emitted to downstream consumers now, implementing spec §4.11's
// three-branch algorithm.
func (a *Averager) Admit(serial uint32, kind DeviceKind, newTime uint32) bool {
	window := a.window(kind)
	if window == 0 {
		return true
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	key := averagingKey{serial, kind}
	st, ok := a.states[key]
	if !ok {
		st = &averagingState{}
		a.states[key] = st
	}
	if !st.timestampValid {
		st.lastTimestamp = newTime
		st.timestampValid = true
		return false
	}
	delta := newTime - st.lastTimestamp
	st.lastTimestamp = newTime
	st.remainder += delta
	if st.remainder >= window {
		st.remainder %= window
		return true
	}
	return false
}

// Remainder returns the current accumulated remainder for (serial, kind),
// mainly useful to tests asserting the post-emission boundary spec §4.11
// describes ("remainder %= averagingTime").
func (a *Averager) Remainder(serial uint32, kind DeviceKind) uint32 {
	a.mu.Lock()
	defer a.mu.Unlock()
	if st, ok := a.states[averagingKey{serial, kind}]; ok {
		return st.remainder
	}
	return 0
}

// Reset discards all per-device state, e.g. after a reconfiguration.
func (a *Averager) Reset() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.states = make(map[averagingKey]*averagingState)
}
