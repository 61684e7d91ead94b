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

package ratelimit

import (
	"testing"
	"time"
)

func TestBucketAllowsBurstThenThrottles(t *testing.T) {
	b := NewBucket(1) // burst = 2
	if !b.Allow() {
		t.Fatal("first request should be allowed")
	}
	if !b.Allow() {
		t.Fatal("second request (within burst) should be allowed")
	}
	if b.Allow() {
		t.Fatal("third immediate request should exceed burst capacity")
	}
}

func TestBucketRefillsOverTime(t *testing.T) {
	b := NewBucket(10) // burst = 20, ~1 token every 100ms
	for b.Allow() {
	}
	time.Sleep(150 * time.Millisecond)
	if !b.Allow() {
		t.Error("bucket should have refilled at least one token after 150ms at rate 10/s")
	}
}

func TestManagerAllowIsPerSessionAndHandler(t *testing.T) {
	m := NewManager()
	if !m.Allow("s1", "toolA", 1) {
		t.Fatal("first call for s1/toolA should be allowed")
	}
	if !m.Allow("s1", "toolA", 1) {
		t.Fatal("second call for s1/toolA (within burst 2) should be allowed")
	}
	if m.Allow("s1", "toolA", 1) {
		t.Fatal("third immediate call for s1/toolA should be throttled")
	}
	if !m.Allow("s1", "toolB", 1) {
		t.Error("a different handler for the same session should have its own bucket")
	}
	if !m.Allow("s2", "toolA", 1) {
		t.Error("a different session should have its own bucket")
	}
}

func TestManagerUnlimitedWhenRateNonPositive(t *testing.T) {
	m := NewManager()
	for i := 0; i < 100; i++ {
		if !m.Allow("s1", "unlimited", 0) {
			t.Fatalf("call %d: unlimited handler should never be throttled", i)
		}
	}
}

func TestManagerPurgeRemovesSessionBuckets(t *testing.T) {
	m := NewManager()
	m.Allow("s1", "toolA", 1)
	m.Allow("s1", "toolA", 1)
	m.Purge("s1")
	if !m.Allow("s1", "toolA", 1) {
		t.Error("after Purge, the bucket should be recreated fresh and allow a request")
	}
}
