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

// smadiscover runs one discovery pass and prints every device it finds,
// in the flag-driven, log.Fatalf-on-error style of the teacher's
// meterman.go.
package main

import (
	"flag"
	"io/ioutil"
	"log"

	"gopkg.in/yaml.v3"

	"github.com/aamcrae/speedwire/sma"
)

var configFile = flag.String("config", "", "Config file (YAML); defaults omitted fields")
var logDate = flag.Bool("logtime", false, "Log date and time")

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

	engine, err := sma.NewEngine(cfg, nil, sma.StdLogger{})
	if err != nil {
		log.Fatalf("Can't start engine: %v", err)
	}
	defer engine.Close()

	engine.Discover()
	for _, rec := range engine.Registry().Records() {
		if !rec.Registered() {
			continue
		}
		log.Printf("%s class=%s peer=%s iface=%s", rec.Address, rec.Class, rec.PeerIP, rec.InterfaceIP)
	}
}
