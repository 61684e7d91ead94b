// Copyright 2025 Google LLC
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package ratelimit implements the per-session rate bucket: a token bucket
// keyed by (session, handler) with capacity 2x its configured rate, refilled
// lazily on each consumption attempt rather than by a background timer.
package ratelimit

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Bucket wraps a rate.Limiter configured with capacity 2x rate, matching
// the token-bucket semantics of a capacity/tokens/last_refill/rate tuple:
// x/time/rate already refills lazily at Allow() time, so no background
// timer is started here.
type Bucket struct {
	limiter *rate.Limiter
}

// NewBucket builds a bucket that allows ratePerSec requests per second on
// average with a burst capacity of 2*ratePerSec.
func NewBucket(ratePerSec float64) *Bucket {
	burst := int(ratePerSec * 2)
	if burst < 1 {
		burst = 1
	}
	return &Bucket{limiter: rate.NewLimiter(rate.Limit(ratePerSec), burst)}
}

// Allow consumes one token if available. It returns false, and consumes
// nothing, when the bucket is exhausted.
func (b *Bucket) Allow() bool {
	return b.limiter.Allow()
}

// Tokens reports the current (possibly fractional) token count, useful for
// Retry-After estimation: roughly (1-tokens)/rate seconds until the next
// token is available.
func (b *Bucket) Tokens() float64 {
	return b.limiter.TokensAt(time.Now())
}

// Manager owns one Bucket per (sessionID, handlerName) pair, created
// lazily on first use of a rate-limited handler.
type Manager struct {
	mu      sync.Mutex
	buckets map[string]*Bucket
}

// NewManager constructs an empty Manager.
func NewManager() *Manager {
	return &Manager{buckets: map[string]*Bucket{}}
}

// Allow consumes one token from the bucket for (sessionID, handlerName),
// creating the bucket on first use. A handler with ratePerSec <= 0 is
// unlimited and Allow always returns true without allocating a bucket.
func (m *Manager) Allow(sessionID, handlerName string, ratePerSec float64) bool {
	if ratePerSec <= 0 {
		return true
	}
	key := sessionID + "\x00" + handlerName
	m.mu.Lock()
	b, ok := m.buckets[key]
	if !ok {
		b = NewBucket(ratePerSec)
		m.buckets[key] = b
	}
	m.mu.Unlock()
	return b.Allow()
}

// Purge removes every bucket belonging to sessionID, called from the
// session manager's on_evict callback.
func (m *Manager) Purge(sessionID string) {
	prefix := sessionID + "\x00"
	m.mu.Lock()
	defer m.mu.Unlock()
	for k := range m.buckets {
		if len(k) >= len(prefix) && k[:len(prefix)] == prefix {
			delete(m.buckets, k)
		}
	}
}
