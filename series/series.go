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

// package series implements MeasurementSeries: a bounded, time-stamped
// sequence of float64 samples with nearest-neighbour lookup, linear
// interpolation, and mean/variance/regression estimators.
//
// The series does not know which clock its timestamps are in (meter
// milliseconds or inverter seconds, see package timebase) - it just treats
// time as a wrapping uint32 and uses timebase.AbsDiff32 for "closest"
// comparisons, so it behaves correctly across a clock wrap either way.
package series

import (
	"math"

	"github.com/aamcrae/speedwire/ring"
	"github.com/aamcrae/speedwire/timebase"
)

// Sample is one (value, time) pair. Time is in whatever clock the owning
// measurement uses.
type Sample struct {
	Value float64
	Time  uint32
}

// Series is a bounded sequence of Samples, most-recent last.
type Series struct {
	buf *ring.Buffer[Sample]
}

// New creates a Series with the given sample capacity.
func New(capacity int) *Series {
	return &Series{buf: ring.New[Sample](capacity)}
}

// Append adds a sample. Callers are expected to append with monotonically
// non-decreasing time (modulo wraparound); Append does not enforce this.
func (s *Series) Append(value float64, t uint32) {
	s.buf.Push(Sample{Value: value, Time: t})
}

// Len returns the number of samples currently held.
func (s *Series) Len() int { return s.buf.Len() }

// Newest returns the most recently appended sample, or the zero Sample and
// false if the series is empty.
func (s *Series) Newest() (Sample, bool) {
	return s.buf.Newest()
}

// findClosestIndex returns the ring index (age, 0=oldest) of the sample
// whose Time is closest to t, and true - or false if the series is empty.
// The samples are time-ordered, so this could binary search; with the
// small window sizes this package is used at (tens to low hundreds of
// samples) a linear scan is simpler and the difference is not measurable.
func (s *Series) findClosestIndex(t uint32) (int, bool) {
	n := s.buf.Len()
	if n == 0 {
		return 0, false
	}
	best := 0
	bestDist := timebase.AbsDiff32(s.buf.Unsafe(0).Time, t)
	for i := 1; i < n; i++ {
		d := timebase.AbsDiff32(s.buf.Unsafe(i).Time, t)
		if d < bestDist {
			best, bestDist = i, d
		}
	}
	return best, true
}

// FindClosestSample returns the sample closest to t and true, or the zero
// Sample and false if the series is empty.
func (s *Series) FindClosestSample(t uint32) (Sample, bool) {
	i, ok := s.findClosestIndex(t)
	if !ok {
		return Sample{}, false
	}
	return s.buf.Unsafe(i), true
}

// Interpolate linearly interpolates the value at time t between the
// closest sample and its neighbour on the side of t. At the boundary (t at
// or beyond the oldest/newest sample) the boundary sample's value is
// returned unchanged.
func (s *Series) Interpolate(t uint32) (float64, bool) {
	n := s.buf.Len()
	if n == 0 {
		return 0, false
	}
	if n == 1 {
		return s.buf.Unsafe(0).Value, true
	}
	i, _ := s.findClosestIndex(t)
	closest := s.buf.Unsafe(i)
	var neighbourIdx int
	if timebase.Diff32(t, closest.Time) >= 0 {
		// t is at or after the closest sample: interpolate towards the next.
		neighbourIdx = i + 1
		if neighbourIdx >= n {
			return closest.Value, true // boundary: nothing newer
		}
	} else {
		neighbourIdx = i - 1
		if neighbourIdx < 0 {
			return closest.Value, true // boundary: nothing older
		}
	}
	neighbour := s.buf.Unsafe(neighbourIdx)
	lo, hi := closest, neighbour
	if timebase.Diff32(hi.Time, lo.Time) < 0 {
		lo, hi = hi, lo
	}
	span := timebase.Diff32(hi.Time, lo.Time)
	if span == 0 {
		return lo.Value, true
	}
	frac := float64(timebase.Diff32(t, lo.Time)) / float64(span)
	return lo.Value + frac*(hi.Value-lo.Value), true
}

// window returns the ages [from, to] clamped to the valid range, oldest to
// newest inclusive, or ok=false if the series is empty or the range is
// empty after clamping.
func (s *Series) window(from, to int) (int, int, bool) {
	n := s.buf.Len()
	if n == 0 {
		return 0, 0, false
	}
	if to < 0 || to >= n {
		to = n - 1
	}
	if from < 0 {
		from = 0
	}
	if from > to {
		return 0, 0, false
	}
	return from, to, true
}

// Mean returns the arithmetic mean of all samples.
func (s *Series) Mean() float64 {
	m, _ := s.MeanRange(0, s.buf.Len()-1)
	return m
}

// MeanRange returns the arithmetic mean of samples at ages [from, to].
func (s *Series) MeanRange(from, to int) (float64, bool) {
	from, to, ok := s.window(from, to)
	if !ok {
		return 0, false
	}
	var sum float64
	for i := from; i <= to; i++ {
		sum += s.buf.Unsafe(i).Value
	}
	return sum / float64(to-from+1), true
}

// MeanAndVariance returns the sample mean and sample variance (divisor
// n-1) over ages [from, to]. For n<=1 variance is +Inf.
func (s *Series) MeanAndVariance(from, to int) (mean, variance float64, ok bool) {
	from, to, ok = s.window(from, to)
	if !ok {
		return 0, 0, false
	}
	n := to - from + 1
	mean, _ = s.MeanRange(from, to)
	if n <= 1 {
		return mean, math.Inf(1), true
	}
	var ss float64
	for i := from; i <= to; i++ {
		d := s.buf.Unsafe(i).Value - mean
		ss += d * d
	}
	return mean, ss / float64(n-1), true
}

// LinearRegression returns (mean, variance, slope) over ages [from, to],
// where the independent variable is the sample's position in the range
// (0, 1, 2, ...) rather than its timestamp - the series only promises
// samples are time-ordered, not evenly spaced. mean/variance are the
// dependent variable's (the value's) mean/sample-variance exactly as
// MeanAndVariance computes them; slope is the ordinary least squares slope.
//
// The x moments (sum of x, sum of x^2) are computed with the closed-form
// integer formulas (n(n-1)/2 and (n-1)n(2n-1)/6) rather than by summing
// floats in a loop - for long windows this avoids the loss of precision
// that comes from adding many successive integers as floats.
func (s *Series) LinearRegression(from, to int) (mean, variance, slope float64, ok bool) {
	from, to, ok = s.window(from, to)
	if !ok {
		return 0, 0, 0, false
	}
	n := to - from + 1
	mean, variance, _ = s.MeanAndVariance(from, to)
	if n < 2 {
		return mean, variance, 0, true
	}
	nf := float64(n)
	sumX := nf * float64(n-1) / 2
	sumX2 := float64(n-1) * nf * float64(2*n-1) / 6
	var sumXY float64
	for i := from; i <= to; i++ {
		x := float64(i - from)
		sumXY += x * s.buf.Unsafe(i).Value
	}
	denom := nf*sumX2 - sumX*sumX
	if denom == 0 {
		return mean, variance, 0, true
	}
	slope = (nf*sumXY - sumX*mean*nf) / denom
	return mean, variance, slope, true
}
