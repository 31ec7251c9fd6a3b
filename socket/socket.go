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

// package socket implements the platform-neutral UDP transport spec §4.5
// describes: reference-counted handles bound to a local interface, with
// SO_REUSEADDR/SO_REUSEPORT and multicast group membership set up via
// golang.org/x/net/ipv4, the way a Speedwire socket must share port 9522
// across several bound sockets on the same host.
package socket

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"sync"
	"syscall"
	"time"

	"golang.org/x/net/ipv4"
	"golang.org/x/sys/unix"
)

// Port is the fixed Speedwire UDP port.
const Port = 9522

// MulticastGroup is the Speedwire multicast address.
var MulticastGroup = net.IPv4(239, 12, 255, 254)

var ErrUnreachable = errors.New("socket: network unreachable")

// Socket is a reference-counted UDP handle bound to one local interface.
// Multiple Sockets can share the same underlying *net.UDPConn (e.g. a
// single multicast-receive socket returned to several factory callers);
// Close decrements the refcount and only closes the fd when it reaches
// zero.
type Socket struct {
	shared *shared
}

type shared struct {
	mu        sync.Mutex
	conn      *net.UDPConn
	pc        *ipv4.PacketConn
	ifaceIP   string
	multicast bool
	refs      int
}

func listenConfig() net.ListenConfig {
	return net.ListenConfig{
		Control: func(network, address string, c syscall.RawConn) error {
			var sockErr error
			err := c.Control(func(fd uintptr) {
				if err := unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
					sockErr = err
					return
				}
				if err := unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEPORT, 1); err != nil {
					sockErr = err
					return
				}
			})
			if err != nil {
				return err
			}
			return sockErr
		},
	}
}

// Open binds a UDP socket on ifaceIP (empty string meaning 0.0.0.0). When
// multicast is true it binds to Port and joins MulticastGroup on the
// named interface; otherwise it binds to an ephemeral port for unicast
// send/receive.
func Open(ifaceIP string, multicast bool) (*Socket, error) {
	port := 0
	if multicast {
		port = Port
	}
	laddr := fmt.Sprintf("%s:%d", ifaceIP, port)
	lc := listenConfig()
	conn, err := lc.ListenPacket(context.Background(), "udp4", laddr)
	if err != nil {
		return nil, fmt.Errorf("socket: listen %s: %w", laddr, err)
	}
	udpConn := conn.(*net.UDPConn)
	pc := ipv4.NewPacketConn(udpConn)
	if multicast {
		iface, err := interfaceByIP(ifaceIP)
		if err != nil {
			udpConn.Close()
			return nil, err
		}
		if err := pc.JoinGroup(iface, &net.UDPAddr{IP: MulticastGroup}); err != nil {
			udpConn.Close()
			return nil, fmt.Errorf("socket: join multicast group on %s: %w", ifaceIP, err)
		}
		if iface != nil {
			pc.SetMulticastInterface(iface)
		}
	}
	s := &shared{conn: udpConn, pc: pc, ifaceIP: ifaceIP, multicast: multicast, refs: 1}
	return &Socket{shared: s}, nil
}

func interfaceByIP(ip string) (*net.Interface, error) {
	if ip == "" {
		return nil, nil
	}
	ifaces, err := net.Interfaces()
	if err != nil {
		return nil, err
	}
	for _, iface := range ifaces {
		addrs, err := iface.Addrs()
		if err != nil {
			continue
		}
		for _, a := range addrs {
			ipNet, ok := a.(*net.IPNet)
			if ok && ipNet.IP.String() == ip {
				return &iface, nil
			}
		}
	}
	return nil, fmt.Errorf("socket: no local interface owns %s", ip)
}

// Clone returns a new handle sharing the same underlying connection,
// incrementing the reference count.
func (s *Socket) Clone() *Socket {
	s.shared.mu.Lock()
	s.shared.refs++
	s.shared.mu.Unlock()
	return &Socket{shared: s.shared}
}

// Close decrements the reference count, closing the underlying
// connection once the last handle is released.
func (s *Socket) Close() error {
	s.shared.mu.Lock()
	defer s.shared.mu.Unlock()
	s.shared.refs--
	if s.shared.refs > 0 {
		return nil
	}
	return s.shared.conn.Close()
}

// InterfaceIP is the local address this socket is bound to (empty for
// ANY).
func (s *Socket) InterfaceIP() string { return s.shared.ifaceIP }

// FD-equivalent identity, used by GetRecvSockets to deduplicate handles
// that share one underlying connection.
func (s *Socket) id() *net.UDPConn { return s.shared.conn }

// SendTo transmits buf to dst. When dst is multicast, the outgoing
// interface is pinned via IP_MULTICAST_IF; unreachable destinations are
// logged and treated as a non-fatal, per-call failure (spec §4.5).
func (s *Socket) SendTo(buf []byte, dst *net.UDPAddr) error {
	if dst.IP.IsMulticast() {
		if iface, err := interfaceByIP(s.shared.ifaceIP); err == nil {
			s.shared.pc.SetMulticastInterface(iface)
		}
	}
	_, err := s.shared.conn.WriteToUDP(buf, dst)
	if err != nil {
		if isUnreachable(err) {
			log.Printf("socket: %s unreachable sending to %s: %v", s.shared.ifaceIP, dst, err)
			return fmt.Errorf("%w: %v", ErrUnreachable, err)
		}
		return err
	}
	return nil
}

// Send transmits buf to the Speedwire multicast group on Port, the
// common case for a command-layer request that has no specific peer
// socket connected.
func (s *Socket) Send(buf []byte) error {
	return s.SendTo(buf, &net.UDPAddr{IP: MulticastGroup, Port: Port})
}

func isUnreachable(err error) bool {
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return errors.Is(opErr.Err, syscall.ENETUNREACH) || errors.Is(opErr.Err, syscall.EHOSTUNREACH)
	}
	return false
}

// RecvFrom blocks for up to timeout waiting for a datagram, returning
// its payload and source address. A zero-length read and nil error is
// never returned; a timeout surfaces as a *net.OpError satisfying
// os.IsTimeout.
func (s *Socket) RecvFrom(timeout time.Duration) ([]byte, *net.UDPAddr, error) {
	if timeout > 0 {
		s.shared.conn.SetReadDeadline(time.Now().Add(timeout))
	}
	buf := make([]byte, 8*1024)
	n, addr, err := s.shared.conn.ReadFromUDP(buf)
	if err != nil {
		return nil, nil, err
	}
	return buf[:n], addr, nil
}
