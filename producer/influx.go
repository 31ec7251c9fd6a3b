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

package producer

import (
	"context"
	"fmt"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"

	"github.com/aamcrae/speedwire/measurement"
)

// InfluxLineProtocol writes each decoded sample as an InfluxDB point,
// grounded on sefakeles-polat-ege-res-ems's influxdb.go: a client built
// with NewClientWithOptions, one WriteAPI per (org, bucket), points built
// with NewPointWithMeasurement/AddTag/AddField/SetTime and handed to
// WritePoint, which that package's client batches and flushes
// asynchronously. The measurement name is fixed ("speedwire"); the device
// serial and wire become tags so a single bucket can hold every device's
// series, and the field name is the quantity spec §3 assigns the sample
// (Power, Energy, and so on).
type InfluxLineProtocol struct {
	client   influxdb2.Client
	writeAPI api.WriteAPI
}

// InfluxConfig names the connection parameters spec §6.2 would add under a
// producer-specific config section were InfluxDB itself part of the
// protocol spec; it is not, so these are this package's own addition.
type InfluxConfig struct {
	URL    string
	Token  string
	Org    string
	Bucket string
}

// NewInfluxLineProtocol connects to the server named in cfg and verifies
// it is reachable before returning, the same fail-fast contract
// InitializeInfluxDB uses.
func NewInfluxLineProtocol(cfg InfluxConfig) (*InfluxLineProtocol, error) {
	client := influxdb2.NewClientWithOptions(cfg.URL, cfg.Token, influxdb2.DefaultOptions())
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	health, err := client.Health(ctx)
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("producer/influx: connect to %s: %w", cfg.URL, err)
	}
	if health.Status != "pass" {
		client.Close()
		return nil, fmt.Errorf("producer/influx: health check failed: %s", health.Status)
	}
	return &InfluxLineProtocol{
		client:   client,
		writeAPI: client.WriteAPI(cfg.Org, cfg.Bucket),
	}, nil
}

// Produce writes one point per sample: tags `serial` and `wire`, a single
// field named after the measurement's quantity.
func (p *InfluxLineProtocol) Produce(serial uint32, m measurement.Measurement, value float64, ts time.Time) {
	point := influxdb2.NewPointWithMeasurement("speedwire").
		AddTag("serial", fmt.Sprintf("%d", serial)).
		AddTag("wire", m.Wire.String()).
		AddField(fieldName(m.Static.Quantity), value).
		SetTime(ts)
	p.writeAPI.WritePoint(point)
}

func fieldName(q measurement.Quantity) string {
	names := map[measurement.Quantity]string{
		measurement.Power:       "power",
		measurement.Energy:      "energy",
		measurement.PowerFactor: "power_factor",
		measurement.Frequency:   "frequency",
		measurement.Current:     "current",
		measurement.Voltage:     "voltage",
		measurement.Status:      "status",
		measurement.Efficiency:  "efficiency",
		measurement.Percentage:  "percentage",
		measurement.Temperature: "temperature",
		measurement.Duration:    "duration",
		measurement.Currency:    "currency",
	}
	if n, ok := names[q]; ok {
		return n
	}
	return "value"
}

// Flush blocks until every buffered point has been written, matching
// InfluxDB.Flush.
func (p *InfluxLineProtocol) Flush() error {
	p.writeAPI.Flush()
	return nil
}

// Close flushes and releases the underlying client.
func (p *InfluxLineProtocol) Close() error {
	p.writeAPI.Flush()
	p.client.Close()
	return nil
}
