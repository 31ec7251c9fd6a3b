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

// This file implements the discovery procedure spec §4.7 describes: a
// multicast probe, a unicast probe to every pre-registered ip, and a /24
// subnet sweep, all on every local interface, followed by a poll loop
// that classifies inbound packets into registry entries. The teacher
// never discovered anything (one hardcoded inverter address in its
// config file); this is built fresh in the teacher's plain, no-framework
// style - log.Printf on transmit errors, silent discard of malformed
// packets, exactly per spec §4.7's failure semantics.
package discovery

import (
	"log"
	"net"
	"time"

	"github.com/aamcrae/speedwire/device"
	"github.com/aamcrae/speedwire/frame"
	"github.com/aamcrae/speedwire/host"
	"github.com/aamcrae/speedwire/inverter"
	"github.com/aamcrae/speedwire/meter"
	"github.com/aamcrae/speedwire/socket"
)

// Transport is the send/receive primitive Discover needs on each local
// interface. *socket.Socket satisfies this directly.
type Transport interface {
	SendTo(buf []byte, dst *net.UDPAddr) error
	RecvFrom(timeout time.Duration) (buf []byte, peer *net.UDPAddr, err error)
	InterfaceIP() string
}

// LocalHost is the subset of the §6.3 LocalHost contract Discover needs:
// enumerating local addresses and picking the one that best matches a
// peer's ip. host.LocalHost implements it.
type LocalHost interface {
	LocalIPv4Addresses() ([]host.Interface, error)
	MatchLongestPrefix(peerIP string, locals []string) string
}

// Options configures one discovery run.
type Options struct {
	PollTimeout time.Duration // per-poll blocking read timeout; default 10ms
	IdleTimeout time.Duration // stop after this much silence; default 2s
	SweepPort   int           // default 9522
}

func (o Options) withDefaults() Options {
	if o.PollTimeout <= 0 {
		o.PollTimeout = 10 * time.Millisecond
	}
	if o.IdleTimeout <= 0 {
		o.IdleTimeout = 2 * time.Second
	}
	if o.SweepPort <= 0 {
		o.SweepPort = 9522
	}
	return o
}

// Discoverer runs the discovery procedure against one Registry.
type Discoverer struct {
	Registry   *Registry
	LocalHost  LocalHost
	Local      device.Address
	Transports map[string]Transport // keyed by the interface's local ip
	NextPktID  func() uint16
	Options    Options
}

// Run executes the full procedure described in spec §4.7 steps 1-7:
// multicast probe, unicast probe of every pre-registered ip, subnet
// sweep, then poll-and-classify until the session has been idle for
// Options.IdleTimeout.
func (d *Discoverer) Run() {
	opts := d.Options.withDefaults()

	multicastReq := buildMulticastProbe()
	for ip, t := range d.Transports {
		if err := t.SendTo(multicastReq, &net.UDPAddr{IP: socket.MulticastGroup, Port: opts.SweepPort}); err != nil {
			log.Printf("discovery: multicast probe on %s: %v", ip, err)
		}
	}

	d.probePreRegistered(opts)
	d.sweepSubnets(opts)
	d.pollUntilIdle(opts)
}

// buildMulticastProbe returns the fixed 20 byte multicast discovery
// request from spec §6.1.
func buildMulticastProbe() []byte {
	b := frame.NewBuilder(0xFFFFFFFF)
	b.WriteTag(frame.TagDiscovery, nil)
	b.End()
	return b.Bytes()
}

// probePreRegistered sends the 58 byte unicast discovery request to
// every pre-registered ip, on every local interface (spec §4.7 step 3).
func (d *Discoverer) probePreRegistered(opts Options) {
	for _, rec := range d.Registry.Records() {
		if rec.Registered() {
			continue
		}
		addr := &net.UDPAddr{IP: net.ParseIP(rec.PeerIP), Port: opts.SweepPort}
		if addr.IP == nil {
			continue
		}
		for ip, t := range d.Transports {
			buf := inverter.BuildDiscoveryProbe(d.Local, d.NextPktID())
			if err := t.SendTo(buf, addr); err != nil {
				log.Printf("discovery: unicast probe to %s on %s: %v", rec.PeerIP, ip, err)
			}
		}
	}
}

// sweepSubnets probes every host in each interface's assumed /24 (spec
// §4.7 step 4; the hardcoded /24 mask is flagged in SPEC_FULL.md/DESIGN.md
// as an inherited open design point - host.Interface does carry a real
// prefix length that this sweep does not consult).
func (d *Discoverer) sweepSubnets(opts Options) {
	for ip, t := range d.Transports {
		octets := net.ParseIP(ip).To4()
		if octets == nil {
			continue
		}
		for y := 1; y <= 255; y++ {
			dst := net.IPv4(octets[0], octets[1], octets[2], byte(y))
			buf := inverter.BuildDiscoveryProbe(d.Local, d.NextPktID())
			if err := t.SendTo(buf, &net.UDPAddr{IP: dst, Port: opts.SweepPort}); err != nil {
				log.Printf("discovery: subnet sweep to %s on %s: %v", dst, ip, err)
			}
		}
	}
}

// pollUntilIdle polls every transport with a short timeout, restarting
// the idle clock on each inbound packet, until the whole session has
// seen no traffic for IdleTimeout (spec §4.7 step 5).
func (d *Discoverer) pollUntilIdle(opts Options) {
	lastActivity := time.Now()
	for time.Since(lastActivity) < opts.IdleTimeout {
		sawPacket := false
		for ip, t := range d.Transports {
			buf, peer, err := t.RecvFrom(opts.PollTimeout)
			if err != nil || buf == nil {
				continue
			}
			sawPacket = true
			d.classify(buf, peer, ip)
		}
		if sawPacket {
			lastActivity = time.Now()
		}
	}
}

// classify parses one inbound packet and updates the registry per the
// rules in spec §4.7 step 6; malformed packets are silently ignored.
func (d *Discoverer) classify(buf []byte, peer *net.UDPAddr, localIP string) {
	h, err := frame.Parse(buf)
	if err != nil {
		return
	}
	if tag, ok := h.FindTag(frame.TagData2); ok {
		data2, err := frame.ParseData2(h, tag)
		if err != nil {
			return
		}
		switch data2.ProtocolID {
		case frame.ProtoEmeter, frame.ProtoExtendedEmeter:
			d.registerEmeter(data2, peer, localIP)
			return
		case frame.ProtoInverter:
			d.registerInverter(data2, peer, localIP)
			return
		}
	}
	if tag, ok := h.FindTag(frame.TagIPAddress); ok {
		d.registerFromIPTag(h, tag, peer, localIP)
	}
}

func (d *Discoverer) registerEmeter(data2 *frame.Data2, peer *net.UDPAddr, localIP string) {
	mh, err := meter.ParseHeader(data2.FunctionalPayload())
	if err != nil {
		return
	}
	addr := device.Address{SusyID: mh.SusyID, Serial: mh.Serial}
	d.register(addr, device.Emeter, peer, localIP)
}

func (d *Discoverer) registerInverter(data2 *frame.Data2, peer *net.UDPAddr, localIP string) {
	fields, err := inverter.DecodeHeader(data2.FunctionalPayload())
	if err != nil {
		return
	}
	if fields.CommandID == inverter.CmdDiscover {
		// This is one of our own outbound probes (or another prober's),
		// not a telemetry-bearing reply; spec §4.7 step 6 excludes it.
		return
	}
	d.register(fields.Src, device.PVInverter, peer, localIP)
}

// registerFromIPTag handles a bare discovery-response tag set whose only
// useful content is the peer's ip in the sma_tag_ip_address tag; the
// device's address is not yet known, so it is only pre-registered.
func (d *Discoverer) registerFromIPTag(h *frame.Header, tag frame.Tag, peer *net.UDPAddr, localIP string) {
	buf := h.Bytes()[tag.Offset : tag.Offset+tag.Length]
	if len(buf) < 4 {
		return
	}
	ip := net.IPv4(buf[0], buf[1], buf[2], buf[3]).String()
	d.Registry.PreRegister(ip, localIP)
}

func (d *Discoverer) register(addr device.Address, class device.Class, peer *net.UDPAddr, fallbackIfaceIP string) {
	peerIP := peer.IP.String()
	ifaceIP := fallbackIfaceIP
	if d.LocalHost != nil {
		if locals, err := d.LocalHost.LocalIPv4Addresses(); err == nil {
			var ips []string
			for _, l := range locals {
				ips = append(ips, l.IP)
			}
			if best := d.LocalHost.MatchLongestPrefix(peerIP, ips); best != "" {
				ifaceIP = best
			}
		}
	}
	rec := device.Record{Address: addr, Class: class, PeerIP: peerIP, InterfaceIP: ifaceIP}
	d.Registry.Register(rec)
}
