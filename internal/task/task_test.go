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

package task

import (
	"context"
	"testing"
	"time"
)

func TestCreateStartsInWorking(t *testing.T) {
	m := NewManager(nil)
	tk := m.Create("s1", "long_job", func() {})
	if tk.Status() != StatusWorking {
		t.Fatalf("Status() = %v, want StatusWorking", tk.Status())
	}
}

func TestSetResultTransitionsToCompleted(t *testing.T) {
	var changes []StatusChange
	m := NewManager(func(c StatusChange) { changes = append(changes, c) })
	tk := m.Create("s1", "long_job", func() {})
	if err := m.SetResult(tk.ID, map[string]any{"ok": true}); err != nil {
		t.Fatalf("SetResult: %v", err)
	}
	if tk.Status() != StatusCompleted {
		t.Errorf("Status() = %v, want StatusCompleted", tk.Status())
	}
	result, _, status := tk.Result()
	if status != StatusCompleted || result == nil {
		t.Errorf("Result() = (%v, %v), want a non-nil result at StatusCompleted", result, status)
	}
	if len(changes) != 1 || changes[0].Status != StatusCompleted {
		t.Errorf("onStatusChange calls = %v, want one Completed", changes)
	}
}

func TestTerminalStateNeverRegresses(t *testing.T) {
	m := NewManager(nil)
	tk := m.Create("s1", "long_job", func() {})
	if err := m.SetResult(tk.ID, "done"); err != nil {
		t.Fatalf("SetResult: %v", err)
	}
	if err := m.SetError(tk.ID, "too late"); err == nil {
		t.Error("SetError after completion should fail")
	}
	if err := m.Cancel(tk.ID); err == nil {
		t.Error("Cancel after completion should fail")
	}
	if tk.Status() != StatusCompleted {
		t.Errorf("Status() = %v, want it to remain StatusCompleted", tk.Status())
	}
}

func TestCancelInvokesBoundCancelFunc(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	m := NewManager(nil)
	tk := m.Create("s1", "long_job", cancel)
	if err := m.Cancel(tk.ID); err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	select {
	case <-ctx.Done():
	default:
		t.Error("expected the bound context to be cancelled")
	}
	if tk.Status() != StatusCancelled {
		t.Errorf("Status() = %v, want StatusCancelled", tk.Status())
	}
}

func TestPurgeRemovesSessionTasks(t *testing.T) {
	m := NewManager(nil)
	t1 := m.Create("s1", "a", func() {})
	t2 := m.Create("s2", "b", func() {})
	m.Purge("s1")
	if _, ok := m.Get(t1.ID); ok {
		t.Error("task for purged session should be gone")
	}
	if _, ok := m.Get(t2.ID); !ok {
		t.Error("task for other session should remain")
	}
}

func TestSweepRemovesOldTerminalTasks(t *testing.T) {
	m := NewManager(nil)
	tk := m.Create("s1", "a", func() {})
	if err := m.SetResult(tk.ID, "done"); err != nil {
		t.Fatalf("SetResult: %v", err)
	}
	tk.mu.Lock()
	tk.finishedAt = time.Now().Add(-retentionAfterTerminal - time.Minute)
	tk.mu.Unlock()

	m.Sweep()
	if _, ok := m.Get(tk.ID); ok {
		t.Error("task finished beyond the retention window should have been swept")
	}
}

func TestListReturnsOnlyMatchingSession(t *testing.T) {
	m := NewManager(nil)
	m.Create("s1", "a", func() {})
	m.Create("s2", "b", func() {})
	got := m.List("s1")
	if len(got) != 1 || got[0].SessionID != "s1" {
		t.Errorf("List(s1) = %v, want exactly one task for s1", got)
	}
}
