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

// package dispatch implements the ReceiveDispatcher spec §4.12 describes:
// it owns a set of transports and a set of Receivers polymorphic over
// {Any, Discovery, Emeter, Inverter}, polls every transport once per call,
// validates and classifies whatever comes back, and fans each packet out
// to every matching receiver in registration order. Go has no portable
// poll(2) wrapper over heterogeneous UDP sockets the way the teacher's
// platform layer does, so this polls each transport in turn with a short
// per-socket read deadline - the same style discovery.Discoverer's
// poll-until-idle loop already uses.
package dispatch

import (
	"log"
	"net"
	"time"

	"github.com/aamcrae/speedwire/frame"
	"github.com/aamcrae/speedwire/inverter"
	"github.com/aamcrae/speedwire/meter"
)

// Class classifies a received packet by the protocol it carries.
type Class int

const (
	Any Class = iota
	Discovery
	Emeter
	Inverter
)

// Packet is one classified, validated inbound datagram handed to matching
// receivers.
type Packet struct {
	Class   Class
	Header  *frame.Header // the full outer framing
	Data2   *frame.Data2  // nil for a bare discovery-tag packet
	Meter   *meter.Header // populated for Class == Emeter
	Inv     *inverter.HeaderFields
	Raw     []byte
	Peer    *net.UDPAddr
	LocalIP string
}

// Receiver is one registered consumer of classified packets. Class ==
// Any receives every packet regardless of the other receivers'
// subscriptions, matching spec §4.12's "Any receives everything".
type Receiver struct {
	Class   Class
	Deliver func(Packet)
}

// Transport is the read half of a bound socket. *socket.Socket satisfies
// this.
type Transport interface {
	RecvFrom(timeout time.Duration) (buf []byte, peer *net.UDPAddr, err error)
	InterfaceIP() string
}

// Dispatcher owns a set of transports and receivers and fans out
// classified packets between them.
type Dispatcher struct {
	Transports []Transport
	Receivers  []Receiver
}

// AddReceiver registers r; it will be delivered every packet whose Class
// matches r.Class, plus every packet regardless of Class if r.Class == Any.
func (d *Dispatcher) AddReceiver(r Receiver) {
	d.Receivers = append(d.Receivers, r)
}

// Dispatch polls every transport once with the given per-socket timeout,
// classifies and delivers whatever comes back, and returns the number of
// packets it delivered. A read timeout on an individual transport is not
// an error; a non-timeout read error is logged and that transport is
// skipped for this round, per spec §5's failure isolation ("a receive
// error on one socket is logged; the loop continues polling the rest").
func (d *Dispatcher) Dispatch(timeout time.Duration) int {
	delivered := 0
	for _, t := range d.Transports {
		buf, peer, err := t.RecvFrom(timeout)
		if err != nil {
			if !isTimeout(err) {
				log.Printf("dispatch: recv on %s: %v", t.InterfaceIP(), err)
			}
			continue
		}
		if buf == nil {
			continue
		}
		pkt, ok := classify(buf, peer, t.InterfaceIP())
		if !ok {
			continue
		}
		delivered++
		d.deliver(pkt)
	}
	return delivered
}

func (d *Dispatcher) deliver(pkt Packet) {
	for _, r := range d.Receivers {
		if r.Class == Any || r.Class == pkt.Class {
			r.Deliver(pkt)
		}
	}
}

func isTimeout(err error) bool {
	if e, ok := err.(net.Error); ok {
		return e.Timeout()
	}
	return false
}

// classify validates the outer framing, then the Data2 sub-frame if
// present, and assigns a Class; malformed packets and unrecognised
// protocol ids are logged and discarded, matching spec §4.12 step 3 and
// §7's "per-packet errors are recovered locally (log + discard)".
func classify(buf []byte, peer *net.UDPAddr, localIP string) (Packet, bool) {
	h, err := frame.Parse(buf)
	if err != nil {
		log.Printf("dispatch: %v", err)
		return Packet{}, false
	}
	if !h.HasEndOfData() {
		log.Printf("dispatch: packet from %s missing end-of-data tag", peer)
		return Packet{}, false
	}
	if tag, ok := h.FindTag(frame.TagData2); ok {
		d2, err := frame.ParseData2(h, tag)
		if err != nil {
			log.Printf("dispatch: %v", err)
			return Packet{}, false
		}
		switch d2.ProtocolID {
		case frame.ProtoEmeter, frame.ProtoExtendedEmeter:
			mh, err := meter.ParseHeader(d2.FunctionalPayload())
			if err != nil {
				log.Printf("dispatch: %v", err)
				return Packet{}, false
			}
			return Packet{Class: Emeter, Header: h, Data2: d2, Meter: mh, Raw: buf, Peer: peer, LocalIP: localIP}, true
		case frame.ProtoInverter:
			fields, err := inverter.DecodeHeader(d2.FunctionalPayload())
			if err != nil {
				log.Printf("dispatch: %v", err)
				return Packet{}, false
			}
			return Packet{Class: Inverter, Header: h, Data2: d2, Inv: &fields, Raw: buf, Peer: peer, LocalIP: localIP}, true
		case frame.ProtoEncryption:
			log.Printf("dispatch: discarding encrypted (0x6075) packet from %s", peer)
			return Packet{}, false
		default:
			log.Printf("dispatch: unknown protocol id %#04x from %s", d2.ProtocolID, peer)
			return Packet{}, false
		}
	}
	if _, ok := h.FindTag(frame.TagDiscovery); ok {
		return Packet{Class: Discovery, Header: h, Raw: buf, Peer: peer, LocalIP: localIP}, true
	}
	if _, ok := h.FindTag(frame.TagIPAddress); ok {
		return Packet{Class: Discovery, Header: h, Raw: buf, Peer: peer, LocalIP: localIP}, true
	}
	log.Printf("dispatch: packet from %s has no recognised tag", peer)
	return Packet{}, false
}
