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

// package timebase reconciles the three clocks Speedwire devices use: the
// 64 bit wall clock (milliseconds), the 32 bit emeter clock (milliseconds,
// wraps roughly every 49 days) and the 32 bit inverter clock (seconds,
// wraps roughly every 136 years but is still a 32 bit quantity arithmetic
// must be done modulo 2^32 in).
package timebase

import "time"

// EmeterNow returns the low 32 bits of the wall clock in milliseconds,
// matching the clock an emeter stamps its OBIS packets with.
func EmeterNow(wall int64) uint32 {
	return uint32(uint64(wall) & 0xFFFFFFFF)
}

// InverterNow returns the low 32 bits of the wall clock in seconds,
// matching the clock an inverter stamps its records with.
func InverterNow(wall int64) uint32 {
	return uint32((uint64(wall) / 1000) & 0xFFFFFFFF)
}

// NowMs returns the wall clock in milliseconds, the common reference point
// all other clocks are expanded against.
func NowMs() int64 {
	return time.Now().UnixMilli()
}

// Diff32 returns the signed difference a-b as it would be computed by a
// wrapping 32 bit subtraction cast to a signed integer. This intentionally
// preserves the overflow behaviour at exactly half range: Diff32(0,
// 0x80000000) == math.MinInt32, not its negation (which isn't
// representable in int32 either way).
func Diff32(a, b uint32) int32 {
	return int32(a - b)
}

// Diff64 is the 64 bit analogue of Diff32.
func Diff64(a, b uint64) int64 {
	return int64(a - b)
}

// AbsDiff32 returns the absolute value of Diff32(a, b). At exactly half
// range (difference == math.MinInt32) the negation overflows back to the
// same value, so that value is returned unchanged - this matches the
// wrapping hardware arithmetic the protocol is defined over, and callers
// must tolerate it (see TestAbsDiff32HalfRange).
func AbsDiff32(a, b uint32) int32 {
	d := Diff32(a, b)
	if d < 0 {
		return -d
	}
	return d
}

// AbsDiff64 is the 64 bit analogue of AbsDiff32.
func AbsDiff64(a, b uint64) int64 {
	d := Diff64(a, b)
	if d < 0 {
		return -d
	}
	return d
}

// Expand32To64 joins ref's upper 32 bits with t32's 32 bits, then checks
// the two neighbouring candidates (msbs ref+1, ref-1) and returns whichever
// of the three candidates has the smallest absolute modular distance to
// ref. This is valid as long as the true time is within half of 2^32 units
// of ref - for millisecond (emeter) time that is about 24 days, for second
// (inverter) time about 24000 days/68 years.
func Expand32To64(t32 uint32, ref uint64) uint64 {
	msb := ref &^ 0xFFFFFFFF
	best := msb | uint64(t32)
	bestDist := AbsDiff64(best, ref)
	for _, delta := range []int64{1, -1} {
		cand := msb + uint64(delta)<<32
		cand = (cand &^ 0xFFFFFFFF) | uint64(t32)
		if d := AbsDiff64(cand, ref); d < bestDist {
			best, bestDist = cand, d
		}
	}
	return best
}

// ToMeterClock converts an inverter-clock (seconds) timestamp to the
// meter clock (milliseconds) given a wall-clock reference, used by derived
// values (spec §4.11) to look up an emeter sample at an inverter timestamp.
func ToMeterClock(inverterSec uint32, wallRef int64) uint32 {
	wide := Expand32To64(inverterSec, uint64(wallRef)/1000)
	return uint32((wide * 1000) & 0xFFFFFFFF)
}
