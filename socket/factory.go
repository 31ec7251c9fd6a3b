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

package socket

import (
	"fmt"
	"net"
)

// Strategy selects how many sockets the factory opens per local
// interface, matching the four variants spec §4.5 enumerates.
type Strategy int

const (
	OneSocketPerInterface Strategy = iota
	OneSingleSocket
	MulticastSingleAndUnicastPerInterface
	UnicastPerInterface
)

func (s Strategy) String() string {
	switch s {
	case OneSocketPerInterface:
		return "one-socket-per-interface"
	case OneSingleSocket:
		return "one-single-socket"
	case MulticastSingleAndUnicastPerInterface:
		return "multicast-single-and-unicast-per-interface"
	case UnicastPerInterface:
		return "unicast-per-interface"
	default:
		return fmt.Sprintf("strategy(%d)", int(s))
	}
}

// Kind distinguishes a multicast socket from a unicast one when more than
// one socket is registered for the same interface.
type Kind int

const (
	KindMulticast Kind = iota
	KindUnicast
)

// handle is one factory-managed entry: the socket, the interface it is
// bound to (empty = ANY), its kind, and whether it is usable for send.
type handle struct {
	sock *Socket
	kind Kind
	send bool
}

// Factory opens and tracks the sockets a Strategy calls for across a set
// of local interfaces, and answers GetSendSocket/GetRecvSockets.
type Factory struct {
	strategy Strategy
	handles  []handle
}

// NewFactory opens every socket the strategy requires for the given
// local IPv4 interface addresses.
func NewFactory(strategy Strategy, interfaces []string) (*Factory, error) {
	f := &Factory{strategy: strategy}
	switch strategy {
	case OneSocketPerInterface:
		for _, ip := range interfaces {
			s, err := Open(ip, true)
			if err != nil {
				return nil, err
			}
			f.handles = append(f.handles, handle{sock: s, kind: KindMulticast, send: true})
		}
	case OneSingleSocket:
		s, err := Open("", true)
		if err != nil {
			return nil, err
		}
		f.handles = append(f.handles, handle{sock: s, kind: KindMulticast, send: true})
	case MulticastSingleAndUnicastPerInterface:
		mcast, err := Open("", true)
		if err != nil {
			return nil, err
		}
		f.handles = append(f.handles, handle{sock: mcast, kind: KindMulticast, send: false})
		for _, ip := range interfaces {
			s, err := Open(ip, false)
			if err != nil {
				return nil, err
			}
			f.handles = append(f.handles, handle{sock: s, kind: KindUnicast, send: true})
		}
	case UnicastPerInterface:
		for _, ip := range interfaces {
			s, err := Open(ip, false)
			if err != nil {
				return nil, err
			}
			f.handles = append(f.handles, handle{sock: s, kind: KindUnicast, send: true})
		}
	default:
		return nil, fmt.Errorf("socket: unknown strategy %v", strategy)
	}
	return f, nil
}

// GetSendSocket returns the socket to send kind-classified traffic out
// ifAddr: first a socket bound exactly to ifAddr, else the first socket
// bound to ANY ("").
func (f *Factory) GetSendSocket(kind Kind, ifAddr string) (*Socket, error) {
	for _, h := range f.handles {
		if h.send && h.kind == kind && h.sock.InterfaceIP() == ifAddr {
			return h.sock, nil
		}
	}
	for _, h := range f.handles {
		if h.send && h.kind == kind && h.sock.InterfaceIP() == "" {
			return h.sock, nil
		}
	}
	return nil, fmt.Errorf("socket: no send socket for kind %d on %q", kind, ifAddr)
}

// GetRecvSockets returns every distinct underlying connection that
// receives traffic relevant to ifAddrs, deduplicated by connection
// identity (several handles can share one fd, e.g. a single multicast
// socket serving every interface).
func (f *Factory) GetRecvSockets(ifAddrs []string) []*Socket {
	want := make(map[string]bool, len(ifAddrs))
	for _, a := range ifAddrs {
		want[a] = true
	}
	seen := make(map[*net.UDPConn]bool)
	var out []*Socket
	for _, h := range f.handles {
		if h.sock.InterfaceIP() != "" && !want[h.sock.InterfaceIP()] {
			continue
		}
		id := h.sock.id()
		if seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, h.sock)
	}
	return out
}

// All returns every socket the factory opened, for shutdown.
func (f *Factory) All() []*Socket {
	out := make([]*Socket, 0, len(f.handles))
	for _, h := range f.handles {
		out = append(out, h.sock)
	}
	return out
}

// Close closes every socket handle the factory owns.
func (f *Factory) Close() {
	for _, h := range f.handles {
		h.sock.Close()
	}
}
