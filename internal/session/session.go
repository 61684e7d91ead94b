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

// Package session implements the Session Manager: allocation, lookup, and
// LRU/idle eviction of per-client sessions, plus the state attached to each
// one (subscriptions, SSE replay buffer). Rate buckets live in
// internal/ratelimit, keyed independently by session ID, since they are
// purged through the same on_evict callback rather than stored inline.
package session

import (
	"crypto/rand"
	"encoding/base64"
	"sync"
	"time"
)

const (
	softCap         = 1000
	idleTimeout     = 3600 * time.Second
	sweepEvery      = 100
	evictionGrace   = 30 * time.Second
)

// Session is the per-client record created at initialize.
type Session struct {
	ID                 string
	ProtocolVersion    string
	ClientCapabilities any
	CreatedAt          time.Time

	mu         sync.Mutex
	lastActive time.Time
	initialized bool
	protected   bool
	logLevel    string

	subscriptions map[string]struct{}
	buffer        *EventBuffer
}

// SetLogLevel records the minimum severity this session's client wants to
// receive via notifications/message, set by logging/setLevel.
func (s *Session) SetLogLevel(level string) {
	s.mu.Lock()
	s.logLevel = level
	s.mu.Unlock()
}

// LogLevel returns the session's current log level threshold, or "" if
// logging/setLevel was never called.
func (s *Session) LogLevel() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.logLevel
}

// Touch updates last_activity to now. Called on every request routed to
// this session.
func (s *Session) Touch() {
	s.mu.Lock()
	s.lastActive = time.Now()
	s.mu.Unlock()
}

func (s *Session) lastActivity() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastActive
}

// SetInitialized marks the session as having received notifications/initialized.
func (s *Session) SetInitialized() {
	s.mu.Lock()
	s.initialized = true
	s.mu.Unlock()
}

// Initialized reports whether notifications/initialized has been received.
func (s *Session) Initialized() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.initialized
}

// Protect marks the session as having an open SSE push stream, suppressing
// LRU eviction (though not idle-timeout expiry; see the decision recorded
// in the design ledger).
func (s *Session) Protect() {
	s.mu.Lock()
	s.protected = true
	s.mu.Unlock()
}

// TryProtect atomically marks the session protected if no stream already
// holds it, returning false if one does. Enforces "at most one active SSE
// server-push stream per session" without a separate check-then-set race.
func (s *Session) TryProtect() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.protected {
		return false
	}
	s.protected = true
	return true
}

// Unprotect clears the protected flag when the SSE stream closes.
func (s *Session) Unprotect() {
	s.mu.Lock()
	s.protected = false
	s.mu.Unlock()
}

func (s *Session) isProtected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.protected
}

// Subscribe adds uri to the session's subscription set.
func (s *Session) Subscribe(uri string) {
	s.mu.Lock()
	s.subscriptions[uri] = struct{}{}
	s.mu.Unlock()
}

// Unsubscribe removes uri from the session's subscription set.
func (s *Session) Unsubscribe(uri string) {
	s.mu.Lock()
	delete(s.subscriptions, uri)
	s.mu.Unlock()
}

// Subscribed reports whether uri is in the session's subscription set.
func (s *Session) Subscribed(uri string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.subscriptions[uri]
	return ok
}

// Subscriptions returns a snapshot of all subscribed URIs.
func (s *Session) Subscriptions() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.subscriptions))
	for u := range s.subscriptions {
		out = append(out, u)
	}
	return out
}

// Buffer returns the session's SSE event buffer, creating it on first use.
func (s *Session) Buffer() *EventBuffer {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.buffer == nil {
		s.buffer = newEventBuffer()
	}
	return s.buffer
}

// OnEvictFunc is invoked once a session is evicted or expires, so the
// protocol handler can purge any state it owns for that session (rate
// buckets, pending tasks) that this package doesn't hold directly.
type OnEvictFunc func(sessionID string)

// Manager allocates, looks up, and evicts sessions.
type Manager struct {
	mu       sync.Mutex
	sessions map[string]*Session
	created  int
	onEvict  OnEvictFunc
}

// NewManager constructs an empty Manager. onEvict may be nil.
func NewManager(onEvict OnEvictFunc) *Manager {
	if onEvict == nil {
		onEvict = func(string) {}
	}
	return &Manager{sessions: map[string]*Session{}, onEvict: onEvict}
}

// sessionIDBytes is the entropy size of a generated session ID: 16 bytes
// (128 bits) of crypto/rand, base64url-encoded.
const sessionIDBytes = 16

// newSessionID returns a crypto-random, URL-safe session ID carrying
// >=128 bits of entropy, per the session-establishment contract.
func newSessionID() string {
	b := make([]byte, sessionIDBytes)
	if _, err := rand.Read(b); err != nil {
		// crypto/rand.Read only fails if the OS entropy source is
		// unavailable, which is unrecoverable for session-id generation.
		panic("session: crypto/rand unavailable: " + err.Error())
	}
	return base64.RawURLEncoding.EncodeToString(b)
}

// Create allocates a new session with a crypto-random, URL-safe,
// >=128-bit session ID and registers it. Every 100th creation triggers an
// inline capacity/idle sweep instead of running one on a background timer.
func (m *Manager) Create(protocolVersion string, clientCaps any) *Session {
	s := &Session{
		ID:                 newSessionID(),
		ProtocolVersion:    protocolVersion,
		ClientCapabilities: clientCaps,
		CreatedAt:          time.Now(),
		lastActive:         time.Now(),
		subscriptions:      map[string]struct{}{},
	}

	m.mu.Lock()
	m.sessions[s.ID] = s
	m.created++
	sweep := m.created%sweepEvery == 0
	m.mu.Unlock()

	if sweep {
		m.Sweep()
	}
	return s
}

// Get looks up a session by ID.
func (m *Manager) Get(id string) (*Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	return s, ok
}

// Delete evicts a session explicitly (DELETE /mcp, or shutdown), invoking
// on_evict so external per-session state is purged too.
func (m *Manager) Delete(id string) {
	m.mu.Lock()
	_, existed := m.sessions[id]
	delete(m.sessions, id)
	m.mu.Unlock()
	if existed {
		m.onEvict(id)
	}
}

// Count returns the number of live sessions.
func (m *Manager) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

// Sweep expires idle sessions (including protected ones, per the idle
// timeout decision recorded in the design ledger) and, independently,
// evicts by LRU if the soft cap is exceeded.
func (m *Manager) Sweep() {
	now := time.Now()

	m.mu.Lock()
	var idleVictims []string
	for id, s := range m.sessions {
		if now.Sub(s.lastActivity()) > idleTimeout {
			idleVictims = append(idleVictims, id)
		}
	}
	for _, id := range idleVictims {
		delete(m.sessions, id)
	}
	over := len(m.sessions) - softCap
	m.mu.Unlock()

	for _, id := range idleVictims {
		m.onEvict(id)
	}

	for i := 0; i < over; i++ {
		if !m.evictOneLRU(now) {
			break
		}
	}
}

// evictOneLRU evicts the unprotected session with the oldest last_activity.
// If every live session is protected, it falls back to the global oldest
// once that session has been idle past the eviction grace period.
func (m *Manager) evictOneLRU(now time.Time) bool {
	m.mu.Lock()
	var (
		victimID       string
		victimOldest   time.Time
		fallbackID     string
		fallbackOldest time.Time
		haveVictim     bool
		haveFallback   bool
	)
	for id, s := range m.sessions {
		last := s.lastActivity()
		if !s.isProtected() {
			if !haveVictim || last.Before(victimOldest) {
				victimID, victimOldest, haveVictim = id, last, true
			}
			continue
		}
		if !haveFallback || last.Before(fallbackOldest) {
			fallbackID, fallbackOldest, haveFallback = id, last, true
		}
	}

	var evictID string
	switch {
	case haveVictim:
		evictID = victimID
	case haveFallback && now.Sub(fallbackOldest) > evictionGrace:
		evictID = fallbackID
	default:
		m.mu.Unlock()
		return false
	}
	delete(m.sessions, evictID)
	m.mu.Unlock()

	m.onEvict(evictID)
	return true
}

// Clear evicts every session, invoking on_evict for each. Used at shutdown.
func (m *Manager) Clear() {
	m.mu.Lock()
	ids := make([]string, 0, len(m.sessions))
	for id := range m.sessions {
		ids = append(ids, id)
	}
	m.sessions = map[string]*Session{}
	m.mu.Unlock()

	for _, id := range ids {
		m.onEvict(id)
	}
}
