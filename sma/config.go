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
	"time"

	"github.com/aamcrae/speedwire/inverter"
	"github.com/aamcrae/speedwire/measurement"
	"github.com/aamcrae/speedwire/socket"
)

// Config holds every option spec §6.2 recognises, plus the connection
// details (interfaces, pre-registered peers, poll cadence) a running
// Engine needs. Field names and the config-file-ish shape follow the
// teacher's config.go/meterman.go style of one flat struct read from
// gopkg.in/yaml.v3, rather than introducing a new config library the
// pack doesn't otherwise use.
type Config struct {
	AveragingTimeObisMs      uint32 `yaml:"averaging_time_obis_ms"`
	AveragingTimeSpeedwireMs uint32 `yaml:"averaging_time_speedwire_ms"`
	SocketStrategy           socket.Strategy
	LoginRole                inverter.LoginRole
	Password                 string
	MaxDerivedAgeSec         uint32
	FeedInRate               float64
	SelfConsumptionRate      float64

	Interfaces     []string      // local IPv4 addresses to bind sockets on
	PreRegisterIPs []string      // known peer IPs, pre-registered before discovery
	PollInterval   time.Duration // how often the engine re-queries every known inverter
	QueryTimeout   time.Duration
	LoginTimeout   time.Duration
	ObisCapacity   int // ring buffer capacity for each emeter measurement series
	RegCapacity    int // ring buffer capacity for each inverter measurement series
}

// DefaultConfig returns the constants spec §4.11/§6.2 call out as
// defaults.
func DefaultConfig() Config {
	return Config{
		AveragingTimeObisMs:      60000,
		AveragingTimeSpeedwireMs: 60000,
		SocketStrategy:           socket.MulticastSingleAndUnicastPerInterface,
		LoginRole:                inverter.RoleUser,
		MaxDerivedAgeSec:         120,
		FeedInRate:               0.09 / 1000,
		SelfConsumptionRate:      0.30 / 1000,
		PollInterval:             10 * time.Second,
		QueryTimeout:             2 * time.Second,
		LoginTimeout:             2 * time.Second,
		ObisCapacity:             360, // one hour at the default 10s poll cadence
		RegCapacity:              360,
	}
}

func (c Config) derivedConfig() measurement.DerivedConfig {
	cfg := measurement.DefaultDerivedConfig()
	if c.MaxDerivedAgeSec != 0 {
		cfg.MaxAgeSec = c.MaxDerivedAgeSec
	}
	if c.FeedInRate != 0 {
		cfg.FeedInRate = c.FeedInRate
	}
	if c.SelfConsumptionRate != 0 {
		cfg.SelfConsumptionRate = c.SelfConsumptionRate
	}
	return cfg
}

// obisSlot is one entry of the well-known OBIS-to-Measurement table
// registerEmeterSlots installs into an emeter OBISFilter.
type obisSlot struct {
	channel, index, typ, tariff uint8
	wire                        measurement.Wire
	static                      measurement.StaticType
}

// standardObisTable lists the OBIS identifiers a household SMA energy
// meter (Sunny Home Manager / EMETER-20) publishes for total and
// per-phase active power and energy, per the public OBIS index
// assignment SMA documents for this meter family. Index 1/2 are the
// total active power in/out: spec §8 scenario 2 exercises exactly
// (channel=0, index=1, type=4, tariff=0). 21/22, 41/42 and 61/62 are the
// same pair repeated per phase (L1/L2/L3); 9/10 are the accumulated
// energy totals, type 8 (8-byte counter, divisor 3600 to convert the
// wire's Ws into Wh).
func standardObisTable() []obisSlot {
	return []obisSlot{
		{0, 1, 4, 0, measurement.Total, measurement.PositiveActivePower},
		{0, 2, 4, 0, measurement.Total, measurement.NegativeActivePower},
		{0, 21, 4, 0, measurement.L1, measurement.PositiveActivePower},
		{0, 22, 4, 0, measurement.L1, measurement.NegativeActivePower},
		{0, 41, 4, 0, measurement.L2, measurement.PositiveActivePower},
		{0, 42, 4, 0, measurement.L2, measurement.NegativeActivePower},
		{0, 61, 4, 0, measurement.L3, measurement.PositiveActivePower},
		{0, 62, 4, 0, measurement.L3, measurement.NegativeActivePower},
		{0, 9, 8, 0, measurement.Total, measurement.PositiveActiveEnergy},
		{0, 10, 8, 0, measurement.Total, measurement.NegativeActiveEnergy},
	}
}

func obisKey(s obisSlot) uint32 {
	return uint32(s.channel)<<24 | uint32(s.index)<<16 | uint32(s.typ)<<8 | uint32(s.tariff)
}

// registerEmeterSlots installs the standard OBIS table into f, each slot
// sized to capacity samples.
func registerEmeterSlots(f *measurement.OBISFilter, capacity int) {
	for _, s := range standardObisTable() {
		f.Register(obisKey(s), measurement.Measurement{Static: s.static, Wire: s.wire, Key: obisKey(s)}, capacity)
	}
}

// regSlot is one entry of the inverter register-id-to-Measurement table
// registerInverterSlots installs into an inverter OBISFilter (reusing the
// same key->slot machinery the emeter side uses, since spec §4.11
// describes a single slot-table abstraction keyed by "an OBIS key or
// register key" - see measurement.Measurement's Key field, spec §3).
type regSlot struct {
	registerID uint32
	wire       measurement.Wire
	static     measurement.StaticType
}

// standardInverterTable grounds its two real entries (total AC power at
// 0x263F, total AC energy at 0x2601) directly on the teacher's
// sma.go Power()/TotalEnergy() register ids; the DC per-MPP entries
// extend that table into register territory the teacher's
// single-connector inverter never queried, using the same 0x0025xx00
// block SMA's DC-spot command (CmdDCSpot) addresses.
func standardInverterTable() []regSlot {
	return []regSlot{
		{0x263F00, measurement.Total, measurement.ACPower},
		{0x260100, measurement.Total, measurement.PositiveActiveEnergy},
		{0x251E00, measurement.Mpp1, measurement.DCPower},
		{0x251E01, measurement.Mpp2, measurement.DCPower},
	}
}

func registerInverterSlots(f *measurement.OBISFilter, capacity int) {
	for _, s := range standardInverterTable() {
		f.Register(s.registerID, measurement.Measurement{Static: s.static, Wire: s.wire, Key: s.registerID}, capacity)
	}
}
