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

// package producer implements the concrete Producer sinks spec §6.3
// leaves as an out-of-scope collaborator contract: CSV, adapted from the
// teacher's csv package (daily rollover under base/<serial>/yyyy/mm/yyyy-mm-dd,
// bufio-buffered, one row per write tick), and an InfluxDB line-protocol
// writer enriching that idiom from the pack's only time-series-database
// consumer.
package producer

import (
	"bufio"
	"fmt"
	"log"
	"os"
	"path"
	"sort"
	"sync"
	"time"

	"github.com/aamcrae/speedwire/measurement"
)

// CSV writes one row per device per write tick to a daily CSV file under
// Base/<serial>/yyyy/mm/yyyy-mm-dd, the teacher's directory layout (with a
// per-device directory added) and the same bufio.Writer
// discipline as the teacher's csv.NewWriter, adapted to key rows by device
// serial instead of tag name and to grow its column set dynamically as new
// (wire, quantity) combinations arrive, since this protocol's device set
// isn't known ahead of time the way the teacher's fixed element/accum
// lists were.
type CSV struct {
	Base string

	mu      sync.Mutex
	devices map[uint32]*csvDevice
}

type csvDevice struct {
	serial  uint32
	day     int
	w       *dayWriter
	columns []string
	index   map[string]int
	values  []float64
	fresh   []bool
}

// NewCSV returns a CSV producer rooted at base.
func NewCSV(base string) *CSV {
	return &CSV{Base: base, devices: make(map[uint32]*csvDevice)}
}

func columnKey(m measurement.Measurement) string {
	return fmt.Sprintf("%s-%d-%d", m.Wire, m.Static.Kind, m.Static.Quantity)
}

// Produce records the latest value for (serial, wire, quantity); it is
// buffered in memory and only written to disk by the next WriteRow call,
// matching the teacher's periodic-tick-driven csv.Run rather than a
// write-per-sample.
func (c *CSV) Produce(serial uint32, m measurement.Measurement, value float64, ts time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	d, ok := c.devices[serial]
	if !ok {
		d = &csvDevice{serial: serial, index: make(map[string]int)}
		c.devices[serial] = d
	}
	key := columnKey(m)
	i, ok := d.index[key]
	if !ok {
		i = len(d.columns)
		d.index[key] = i
		d.columns = append(d.columns, key)
		d.values = append(d.values, 0)
		d.fresh = append(d.fresh, false)
	}
	d.values[i] = value
	d.fresh[i] = true
}

// WriteRow writes one row per known device to its daily file, rolling the
// file over at midnight, then clears each device's freshness flags so a
// stale column renders blank next time - the same "Fresh()" gating the
// teacher's csv.Run applies to gauges and accumulators.
func (c *CSV) WriteRow(now time.Time) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	var firstErr error
	for _, d := range c.devices {
		if err := c.writeDeviceRow(d, now); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (c *CSV) writeDeviceRow(d *csvDevice, now time.Time) error {
	dir := path.Join(c.Base, fmt.Sprintf("%d", d.serial))
	if now.YearDay() != d.day || d.w == nil {
		if d.w != nil {
			d.w.Close()
		}
		w, created, err := newDayWriter(dir, now)
		if err != nil {
			log.Printf("producer/csv: %s: %v", dir, err)
			return err
		}
		d.w = w
		d.day = now.YearDay()
		if created {
			fmt.Fprint(d.w, "#date,time")
			for _, col := range d.columns {
				fmt.Fprintf(d.w, ",%s", col)
			}
			fmt.Fprint(d.w, "\n")
		}
	}
	fmt.Fprint(d.w, now.Format("2006-01-02,15:04:05"))
	for i := range d.columns {
		fmt.Fprint(d.w, ",")
		if d.fresh[i] {
			fmt.Fprintf(d.w, "%.3f", d.values[i])
			d.fresh[i] = false
		}
	}
	fmt.Fprint(d.w, "\n")
	return d.w.Flush()
}

// Flush flushes every device's current file.
func (c *CSV) Flush() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	var firstErr error
	keys := make([]uint32, 0, len(c.devices))
	for k := range c.devices {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })
	for _, k := range keys {
		d := c.devices[k]
		if d.w == nil {
			continue
		}
		if err := d.w.Flush(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// dayWriter wraps one day's open file, buffered exactly as the teacher's
// csv.writer does.
type dayWriter struct {
	name string
	file *os.File
	buf  *bufio.Writer
}

func newDayWriter(base string, t time.Time) (*dayWriter, bool, error) {
	dir := path.Join(base, t.Format("2006"), t.Format("01"))
	fn := path.Join(dir, t.Format("2006-01-02"))
	if err := os.MkdirAll(dir, 0775); err != nil {
		return nil, false, err
	}
	var created bool
	f, err := os.OpenFile(fn, os.O_APPEND|os.O_WRONLY, 0664)
	if err != nil {
		f, err = os.OpenFile(fn, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0664)
		if err != nil {
			return nil, false, err
		}
		created = true
	}
	return &dayWriter{name: fn, file: f, buf: bufio.NewWriter(f)}, created, nil
}

func (w *dayWriter) Write(p []byte) (int, error) { return w.buf.Write(p) }
func (w *dayWriter) Flush() error                { return w.buf.Flush() }
func (w *dayWriter) Close() error {
	w.buf.Flush()
	return w.file.Close()
}
