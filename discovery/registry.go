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

// package discovery implements the Speedwire device-discovery state
// machine (spec §4.7): an ordered device registry with pre/full
// registration, and the multicast+unicast+subnet-sweep procedure that
// populates it.
package discovery

import (
	"sync"

	"github.com/aamcrae/speedwire/device"
)

// Outcome reports what Register did with a record.
type Outcome int

const (
	New Outcome = iota
	Updated
)

// Registry is the ordered set of known device records. Mutations keep
// insertion order (new appends; promotions update in place), matching
// the teacher's general preference (see core.go's table registrations)
// for slices over maps when iteration order matters for logging.
type Registry struct {
	mu      sync.Mutex
	records []device.Record
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{}
}

// PreRegister adds a zero-address record for ip if no record (pre- or
// fully-registered) already claims that ip.
func (r *Registry) PreRegister(ip, interfaceIP string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, rec := range r.records {
		if rec.PeerIP == ip {
			return
		}
	}
	r.records = append(r.records, device.Record{PeerIP: ip, InterfaceIP: interfaceIP})
}

// Register promotes a matching pre-registered record in place, or
// appends full as a new record unless a structurally-identical record
// already exists.
func (r *Registry) Register(full device.Record) Outcome {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i, rec := range r.records {
		if !rec.Registered() && rec.PeerIP == full.PeerIP {
			r.records[i] = full
			return Updated
		}
	}
	for _, rec := range r.records {
		if rec == full {
			return Updated
		}
	}
	r.records = append(r.records, full)
	return New
}

// Unregister removes the first record structurally equal to rec.
func (r *Registry) Unregister(rec device.Record) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i, existing := range r.records {
		if existing == rec {
			r.records = append(r.records[:i], r.records[i+1:]...)
			return
		}
	}
}

// Records returns a snapshot of the current registry contents, in
// registration order.
func (r *Registry) Records() []device.Record {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]device.Record, len(r.records))
	copy(out, r.records)
	return out
}

// Lookup returns the fully-registered record for addr, if any.
func (r *Registry) Lookup(addr device.Address) (device.Record, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, rec := range r.records {
		if rec.Registered() && rec.Address == addr {
			return rec, true
		}
	}
	return device.Record{}, false
}

// PeerIP resolves addr to its known source IP, satisfying the
// command.Layer.PeerIP hook.
func (r *Registry) PeerIP(addr device.Address) (string, bool) {
	rec, ok := r.Lookup(addr)
	if !ok {
		return "", false
	}
	return rec.PeerIP, true
}
