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

package command

import (
	"sync"

	"github.com/aamcrae/speedwire/device"
)

// Token is an outstanding request awaiting a matching reply.
type Token struct {
	ID        uint64
	Peer      device.Address
	PacketID  uint16
	CommandID uint32
	CreatedMs int64
}

// TokenRepository is the ordered set of outstanding request tokens,
// matched against incoming replies by (peer susyId/serial, packetId). The
// teacher's sma.go tracks exactly one in-flight request per SMA
// connection (the packet_id field on request); this generalises that to
// many concurrent peers sharing one dispatcher, so tokens need an
// explicit repository instead of a single field.
type TokenRepository struct {
	mu     sync.Mutex
	nextID uint64
	tokens []Token
}

// NewTokenRepository returns an empty repository.
func NewTokenRepository() *TokenRepository {
	return &TokenRepository{}
}

// Insert records a new outstanding request and returns its handle.
func (r *TokenRepository) Insert(peer device.Address, packetID uint16, commandID uint32, nowMs int64) uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.nextID++
	id := r.nextID
	r.tokens = append(r.tokens, Token{
		ID:        id,
		Peer:      peer,
		PacketID:  packetID,
		CommandID: commandID,
		CreatedMs: nowMs,
	})
	return id
}

// Match looks up the token for a reply from peer with the given packetId,
// without removing it.
func (r *TokenRepository) Match(peer device.Address, packetID uint16) (Token, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, t := range r.tokens {
		if t.Peer == peer && t.PacketID == packetID {
			return t, true
		}
	}
	return Token{}, false
}

// Remove discards the token with the given handle, if still present.
func (r *TokenRepository) Remove(id uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i, t := range r.tokens {
		if t.ID == id {
			r.tokens = append(r.tokens[:i], r.tokens[i+1:]...)
			return
		}
	}
}

// Expire removes and returns every token older than maxAgeMs as of nowMs.
func (r *TokenRepository) Expire(maxAgeMs, nowMs int64) []Token {
	r.mu.Lock()
	defer r.mu.Unlock()
	var expired []Token
	kept := r.tokens[:0]
	for _, t := range r.tokens {
		if nowMs-t.CreatedMs >= maxAgeMs {
			expired = append(expired, t)
		} else {
			kept = append(kept, t)
		}
	}
	r.tokens = kept
	return expired
}

// Len reports the number of outstanding tokens.
func (r *TokenRepository) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.tokens)
}
