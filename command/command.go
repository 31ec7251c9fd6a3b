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

// package command implements the request/response half of the inverter
// protocol: login, logoff and register queries, correlated against
// replies by packet id via a TokenRepository. This is the generalisation
// of the teacher's sma.go packet()/response() pair (one connection, one
// in-flight packet id) to many peers sharing a small set of per-interface
// sockets.
package command

import (
	"errors"
	"fmt"
	"net"
	"sync/atomic"
	"time"

	"github.com/aamcrae/speedwire/device"
	"github.com/aamcrae/speedwire/frame"
	"github.com/aamcrae/speedwire/inverter"
)

// Sentinel errors returned by WaitLogin/Query, matched with errors.Is.
var (
	ErrTimeout         = errors.New("command: timed out waiting for a reply")
	ErrLostConnection  = errors.New("command: lost connection, login required")
	ErrInvalidPassword = errors.New("command: invalid password")
	ErrRequestFailed   = errors.New("command: request failed")
)

const (
	errCodeOK             = 0x0000
	errCodeLostConnection = 0x0017
	errCodeInvalidPasswd  = 0x0100
)

const udpPort = 9522

// Socket is the per-interface send/receive primitive the command layer
// needs. The socket package's SocketLayer implements it; tests use a
// fake.
type Socket interface {
	Send(buf []byte) error
	RecvFrom(timeout time.Duration) (buf []byte, peer *net.UDPAddr, err error)
}

// Layer is the command layer: it owns one socket per local interface, an
// outstanding-request TokenRepository and the monotonic packet id
// counter.
type Layer struct {
	sockets  map[string]Socket
	tokens   *TokenRepository
	packetID uint32 // atomic; nextPacketID() returns (packetID+1)|0x8000
	local    device.Address

	// PeerIP resolves a device address to its known source IP, letting
	// checkReply enforce the spec's "source IP equals peer.ip"
	// precondition. It is satisfied by discovery.Registry.PeerIP. A nil
	// PeerIP (e.g. before any device has been discovered) disables the
	// check rather than rejecting every reply.
	PeerIP func(device.Address) (ip string, ok bool)
}

// NewLayer returns a command layer that presents itself as local.
func NewLayer(local device.Address) *Layer {
	return &Layer{
		sockets: make(map[string]Socket),
		tokens:  NewTokenRepository(),
		local:   local,
	}
}

// AddSocket registers the socket to use for requests sent out ifaceIP.
func (l *Layer) AddSocket(ifaceIP string, s Socket) {
	l.sockets[ifaceIP] = s
}

// nextPacketID returns the next request packet id; the top bit is always
// set, marking it as a request per spec.
func (l *Layer) nextPacketID() uint16 {
	v := atomic.AddUint32(&l.packetID, 1)
	return uint16(v) | 0x8000
}

// NextPacketID exposes nextPacketID to callers outside the package that
// need a request id sharing this layer's sequence - discovery's unicast
// and subnet-sweep probes, specifically, which spec §4.7 requires to use
// the library's own monotonic packet id counter.
func (l *Layer) NextPacketID() uint16 {
	return l.nextPacketID()
}

// ExpireTokens sweeps the token repository for requests older than
// maxAgeMs, per spec §5's "TokenRepository also supports expire(maxAgeMs)
// to sweep stale tokens".
func (l *Layer) ExpireTokens(maxAgeMs int64) []Token {
	return l.tokens.Expire(maxAgeMs, time.Now().UnixMilli())
}

func (l *Layer) socket(ifaceIP string) (Socket, error) {
	s, ok := l.sockets[ifaceIP]
	if !ok {
		return nil, fmt.Errorf("command: no socket registered for interface %s", ifaceIP)
	}
	return s, nil
}

// SendLogin builds and sends a login request out ifaceIP to dst, and
// returns the token handle WaitLogin must be called with.
func (l *Layer) SendLogin(ifaceIP string, dst device.Address, role inverter.LoginRole, password string, inverterTimeNow uint32, nowMs int64) (uint64, error) {
	s, err := l.socket(ifaceIP)
	if err != nil {
		return 0, err
	}
	pktID := l.nextPacketID()
	buf := inverter.BuildLogin(l.local, dst, role, password, pktID, inverterTimeNow)
	if err := s.Send(buf); err != nil {
		return 0, fmt.Errorf("command: send login: %w", err)
	}
	return l.tokens.Insert(dst, pktID, inverter.CmdLogin, nowMs), nil
}

// WaitLogin blocks (up to timeout) for the reply matching tokenID on
// ifaceIP, interpreting the inverter error code per spec.
func (l *Layer) WaitLogin(ifaceIP string, tokenID uint64, timeout time.Duration) error {
	s, err := l.socket(ifaceIP)
	if err != nil {
		return err
	}
	deadline := time.Now().Add(timeout)
	for {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			l.tokens.Remove(tokenID)
			return ErrTimeout
		}
		buf, peer, err := s.RecvFrom(remaining)
		if err != nil {
			l.tokens.Remove(tokenID)
			return fmt.Errorf("%w: %v", ErrTimeout, err)
		}
		fields, ok := l.matchReply(buf, peer, tokenID)
		if !ok {
			continue
		}
		l.tokens.Remove(tokenID)
		switch fields.ErrorCode {
		case errCodeOK:
			return nil
		case errCodeLostConnection:
			return ErrLostConnection
		case errCodeInvalidPasswd:
			return ErrInvalidPassword
		default:
			return fmt.Errorf("%w: error code %#x", ErrRequestFailed, fields.ErrorCode)
		}
	}
}

// Login composes SendLogin and WaitLogin.
func (l *Layer) Login(ifaceIP string, dst device.Address, role inverter.LoginRole, password string, inverterTimeNow uint32, nowMs func() int64, timeout time.Duration) error {
	tok, err := l.SendLogin(ifaceIP, dst, role, password, inverterTimeNow, nowMs())
	if err != nil {
		return err
	}
	return l.WaitLogin(ifaceIP, tok, timeout)
}

// Logoff sends a fire-and-forget logoff request; no reply is expected or
// waited for.
func (l *Layer) Logoff(ifaceIP string, dst device.Address) error {
	s, err := l.socket(ifaceIP)
	if err != nil {
		return err
	}
	pktID := l.nextPacketID()
	buf := inverter.BuildLogoff(l.local, dst, pktID)
	if err := s.Send(buf); err != nil {
		return fmt.Errorf("command: send logoff: %w", err)
	}
	return nil
}

// Query sends a register-range request and waits for the single reply
// packet, returning the decoded records. Multi-fragment queries are out
// of scope for this core (spec §4.10).
func (l *Layer) Query(ifaceIP string, dst device.Address, commandID, first, last uint32, timeout time.Duration, nowMs int64) ([]inverter.Record, error) {
	s, err := l.socket(ifaceIP)
	if err != nil {
		return nil, err
	}
	pktID := l.nextPacketID()
	buf := inverter.BuildQuery(l.local, dst, commandID, first, last, pktID)
	if err := s.Send(buf); err != nil {
		return nil, fmt.Errorf("command: send query: %w", err)
	}
	tok := l.tokens.Insert(dst, pktID, commandID, nowMs)
	deadline := time.Now().Add(timeout)
	for {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			l.tokens.Remove(tok)
			return nil, ErrTimeout
		}
		recvBuf, peer, err := s.RecvFrom(remaining)
		if err != nil {
			l.tokens.Remove(tok)
			return nil, fmt.Errorf("%w: %v", ErrTimeout, err)
		}
		fields, data, ok := l.matchQueryReply(recvBuf, peer, tok)
		if !ok {
			continue
		}
		l.tokens.Remove(tok)
		switch fields.ErrorCode {
		case errCodeOK:
			return inverter.DecodeRecords(data, fields.FirstReg, fields.LastReg)
		case errCodeLostConnection:
			// Spec §7/§4.10: error code 0x0017 on any request, not just
			// login, means the session has been dropped server-side. The
			// Layer keeps no login state of its own; the caller (sma.Engine)
			// marks the device as needing a login on ErrLostConnection and
			// re-authenticates before its next query.
			return nil, ErrLostConnection
		default:
			return nil, fmt.Errorf("%w: error code %#x", ErrRequestFailed, fields.ErrorCode)
		}
	}
}

// matchReply runs checkReply and, on success, reports the decoded
// header. It never returns an error directly: packets that fail
// validation are silently discarded, per spec §4.10 ("all must hold,
// else discard").
func (l *Layer) matchReply(buf []byte, peer *net.UDPAddr, tokenID uint64) (inverter.HeaderFields, bool) {
	fields, _, ok := l.checkReply(buf, peer, tokenID)
	return fields, ok
}

func (l *Layer) matchQueryReply(buf []byte, peer *net.UDPAddr, tokenID uint64) (inverter.HeaderFields, []byte, bool) {
	return l.checkReply(buf, peer, tokenID)
}

// checkReply validates an inbound packet against the preconditions in
// spec §4.10 and, on success, returns the decoded header and the record
// payload following it.
func (l *Layer) checkReply(buf []byte, peer *net.UDPAddr, tokenID uint64) (inverter.HeaderFields, []byte, bool) {
	if peer == nil || peer.Port != udpPort {
		return inverter.HeaderFields{}, nil, false
	}
	h, err := frame.Parse(buf)
	if err != nil {
		return inverter.HeaderFields{}, nil, false
	}
	tag, ok := h.FindTag(frame.TagData2)
	if !ok {
		return inverter.HeaderFields{}, nil, false
	}
	d, err := frame.ParseData2(h, tag)
	if err != nil || d.ProtocolID != frame.ProtoInverter {
		return inverter.HeaderFields{}, nil, false
	}
	fields, err := inverter.DecodeHeader(d.FunctionalPayload())
	if err != nil {
		return inverter.HeaderFields{}, nil, false
	}
	if fields.Dst.SusyID != 0xFFFF && fields.Dst.SusyID != l.local.SusyID {
		return inverter.HeaderFields{}, nil, false
	}
	if fields.Dst.Serial != 0xFFFFFFFF && fields.Dst.Serial != l.local.Serial {
		return inverter.HeaderFields{}, nil, false
	}
	tok, ok := l.tokens.Match(fields.Src, fields.PacketID)
	if !ok || tok.ID != tokenID {
		return inverter.HeaderFields{}, nil, false
	}
	if l.PeerIP != nil {
		if ip, ok := l.PeerIP(fields.Src); ok && ip != peer.IP.String() {
			return inverter.HeaderFields{}, nil, false
		}
	}
	data := d.FunctionalPayload()[inverter.HeaderLen:]
	return fields, data, true
}
