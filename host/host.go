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

// package host implements the platform-neutral address utilities spec
// §6.3 calls out as a collaborator contract: enumerating local IPv4
// addresses, mapping an address to an interface index, and finding the
// interface whose address shares the longest prefix with a peer. The
// teacher never needed this (one hardcoded inverter address); it is
// built fresh from net.Interfaces, in the teacher's plain stdlib style.
package host

import (
	"net"
	"time"
)

// LocalHost implements the LocalHost contract against this machine's
// real network interfaces.
type LocalHost struct{}

// UnixEpochMs returns the current wall clock in milliseconds.
func (LocalHost) UnixEpochMs() int64 {
	return time.Now().UnixMilli()
}

// Interface pairs a local IPv4 address with the prefix length of the
// subnet it was configured with (0 if unknown).
type Interface struct {
	IP           string
	PrefixLen    int
	InterfaceIdx int
}

// LocalIPv4Addresses enumerates every non-loopback IPv4 address bound to
// a local interface that is up.
func (LocalHost) LocalIPv4Addresses() ([]Interface, error) {
	ifaces, err := net.Interfaces()
	if err != nil {
		return nil, err
	}
	var out []Interface
	for _, iface := range ifaces {
		if iface.Flags&net.FlagUp == 0 || iface.Flags&net.FlagLoopback != 0 {
			continue
		}
		addrs, err := iface.Addrs()
		if err != nil {
			continue
		}
		for _, a := range addrs {
			ipNet, ok := a.(*net.IPNet)
			if !ok {
				continue
			}
			v4 := ipNet.IP.To4()
			if v4 == nil {
				continue
			}
			ones, _ := ipNet.Mask.Size()
			out = append(out, Interface{IP: v4.String(), PrefixLen: ones, InterfaceIdx: iface.Index})
		}
	}
	return out, nil
}

// InterfaceIndex returns the OS interface index owning ip, or -1 if none
// of the local addresses match.
func (h LocalHost) InterfaceIndex(ip string) int {
	locals, err := h.LocalIPv4Addresses()
	if err != nil {
		return -1
	}
	for _, l := range locals {
		if l.IP == ip {
			return l.InterfaceIdx
		}
	}
	return -1
}

// MatchLongestPrefix returns the local address in locals sharing the
// longest common dotted-decimal string prefix with peerIp, matching the
// teacher's preference for simple string comparisons over subnet math
// (and the spec's own choice, in §4.7, to compare "ip" strings rather
// than use the interface's recorded prefix length).
func (LocalHost) MatchLongestPrefix(peerIP string, locals []string) string {
	best := ""
	bestLen := -1
	for _, l := range locals {
		n := commonPrefixLen(peerIP, l)
		if n > bestLen {
			bestLen = n
			best = l
		}
	}
	return best
}

func commonPrefixLen(a, b string) int {
	n := 0
	for n < len(a) && n < len(b) && a[n] == b[n] {
		n++
	}
	return n
}
