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

// smapoll discovers every Speedwire device reachable on the configured
// interfaces, logs in to each inverter and polls it, and forwards every
// decoded sample to a configured producer (CSV or InfluxDB), in the
// flag-driven, log.Fatalf-on-error style of the teacher's meterman.go.
package main

import (
	"context"
	"errors"
	"flag"
	"io/ioutil"
	"log"
	"os"
	"os/signal"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/aamcrae/speedwire/producer"
	"github.com/aamcrae/speedwire/sma"
)

var configFile = flag.String("config", "", "Config file (YAML); defaults omitted fields")
var logDate = flag.Bool("logtime", false, "Log date and time")
var csvBase = flag.String("csv", "", "Write samples as CSV under this directory")
var influxURL = flag.String("influx_url", "", "InfluxDB server URL; enables the Influx producer")
var influxToken = flag.String("influx_token", "", "InfluxDB API token")
var influxOrg = flag.String("influx_org", "", "InfluxDB organisation")
var influxBucket = flag.String("influx_bucket", "", "InfluxDB bucket")
var writeInterval = flag.Duration("write_interval", 10*time.Second, "How often to flush the producer (CSV only)")

func main() {
	flag.Parse()
	if !*logDate {
		log.SetFlags(0)
	}
	cfg := sma.DefaultConfig()
	if *configFile != "" {
		buf, err := ioutil.ReadFile(*configFile)
		if err != nil {
			log.Fatalf("Can't read config %s: %v", *configFile, err)
		}
		if err := yaml.Unmarshal(buf, &cfg); err != nil {
			log.Fatalf("Bad config %s: %v", *configFile, err)
		}
	}
	if len(cfg.Interfaces) == 0 {
		log.Fatalf("No interfaces configured")
	}

	prod, closer := buildProducer()
	if closer != nil {
		defer closer()
	}

	engine, err := sma.NewEngine(cfg, prod, sma.StdLogger{})
	if err != nil {
		log.Fatalf("Can't start engine: %v", err)
	}
	defer engine.Close()

	engine.Discover()

	if c, ok := prod.(*producer.CSV); ok {
		t := time.NewTicker(*writeInterval)
		defer t.Stop()
		go func() {
			for range t.C {
				if err := c.WriteRow(time.Now()); err != nil {
					log.Printf("csv write: %v", err)
				}
			}
		}()
	}

	ctx, cancel := context.WithCancel(context.Background())
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt)
	go func() {
		<-sigCh
		cancel()
	}()

	if err := engine.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		log.Printf("Engine stopped: %v", err)
	}
	if err := prod.Flush(); err != nil {
		log.Printf("final flush: %v", err)
	}
}

// buildProducer picks the configured sink: CSV if -csv names a directory,
// InfluxDB if -influx_url is set, otherwise a CSV rooted at the working
// directory so the binary is still useful with no flags at all.
func buildProducer() (sma.Producer, func()) {
	if *influxURL != "" {
		p, err := producer.NewInfluxLineProtocol(producer.InfluxConfig{
			URL:    *influxURL,
			Token:  *influxToken,
			Org:    *influxOrg,
			Bucket: *influxBucket,
		})
		if err != nil {
			log.Fatalf("Can't connect to InfluxDB: %v", err)
		}
		return p, func() { p.Close() }
	}
	base := *csvBase
	if base == "" {
		base = "."
	}
	return producer.NewCSV(base), nil
}
