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

// Package task implements the Task Manager: the working -> completed |
// failed | cancelled state machine for long-running tool invocations.
// Transitions are monotonic; once a task reaches a terminal state no
// further transition is accepted.
package task

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Status is a task's position in the state machine.
type Status string

const (
	StatusWorking   Status = "working"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

func (s Status) terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// Task is one long-running tool invocation tracked by the manager.
type Task struct {
	ID        string
	SessionID string
	ToolName  string
	CreatedAt time.Time

	mu         sync.Mutex
	status     Status
	result     any
	errMsg     string
	finishedAt time.Time
	cancel     context.CancelFunc
}

// Status returns the task's current status.
func (t *Task) Status() Status {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.status
}

// Result returns the task's result and any error message, valid once the
// task has reached a terminal state.
func (t *Task) Result() (result any, errMsg string, status Status) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.result, t.errMsg, t.status
}

// StatusChange is the payload of a notifications/tasks/status emission.
type StatusChange struct {
	TaskID string
	Status Status
}

// OnStatusChangeFunc is invoked synchronously on every state transition so
// the protocol handler can emit notifications/tasks/status.
type OnStatusChangeFunc func(StatusChange)

const retentionAfterTerminal = 30 * time.Minute

// Manager owns every task's lifecycle, keyed by task ID.
type Manager struct {
	mu             sync.Mutex
	tasks          map[string]*Task
	onStatusChange OnStatusChangeFunc
}

// NewManager constructs an empty Manager. onStatusChange may be nil.
func NewManager(onStatusChange OnStatusChangeFunc) *Manager {
	if onStatusChange == nil {
		onStatusChange = func(StatusChange) {}
	}
	return &Manager{tasks: map[string]*Task{}, onStatusChange: onStatusChange}
}

// Create allocates a new task in the working state, bound to cancel (the
// context.CancelFunc for the in-flight tool call's context, invoked by
// Cancel).
func (m *Manager) Create(sessionID, toolName string, cancel context.CancelFunc) *Task {
	t := &Task{
		ID:        uuid.NewString(),
		SessionID: sessionID,
		ToolName:  toolName,
		CreatedAt: time.Now(),
		status:    StatusWorking,
		cancel:    cancel,
	}
	m.mu.Lock()
	m.tasks[t.ID] = t
	m.mu.Unlock()
	return t
}

// Get looks up a task by ID.
func (m *Manager) Get(id string) (*Task, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[id]
	return t, ok
}

// List returns every live task belonging to sessionID.
func (m *Manager) List(sessionID string) []*Task {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*Task
	for _, t := range m.tasks {
		if t.SessionID == sessionID {
			out = append(out, t)
		}
	}
	return out
}

// SetResult transitions a working task to completed. It is a no-op error
// if the task is already terminal.
func (m *Manager) SetResult(id string, result any) error {
	t, ok := m.Get(id)
	if !ok {
		return errNotFound(id)
	}
	t.mu.Lock()
	if t.status.terminal() {
		t.mu.Unlock()
		return errTerminal(id, t.status)
	}
	t.status = StatusCompleted
	t.result = result
	t.finishedAt = time.Now()
	t.mu.Unlock()

	m.onStatusChange(StatusChange{TaskID: id, Status: StatusCompleted})
	return nil
}

// SetError transitions a working task to failed.
func (m *Manager) SetError(id string, errMsg string) error {
	t, ok := m.Get(id)
	if !ok {
		return errNotFound(id)
	}
	t.mu.Lock()
	if t.status.terminal() {
		t.mu.Unlock()
		return errTerminal(id, t.status)
	}
	t.status = StatusFailed
	t.errMsg = errMsg
	t.finishedAt = time.Now()
	t.mu.Unlock()

	m.onStatusChange(StatusChange{TaskID: id, Status: StatusFailed})
	return nil
}

// Cancel invokes the task's bound cancel func and transitions it to
// cancelled. Cancellation is cooperative: the in-flight tool call observes
// its context's cancellation and is expected to return promptly, but the
// state transition itself happens here, synchronously with the request.
func (m *Manager) Cancel(id string) error {
	t, ok := m.Get(id)
	if !ok {
		return errNotFound(id)
	}
	t.mu.Lock()
	if t.status.terminal() {
		t.mu.Unlock()
		return errTerminal(id, t.status)
	}
	t.status = StatusCancelled
	t.finishedAt = time.Now()
	cancel := t.cancel
	t.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	m.onStatusChange(StatusChange{TaskID: id, Status: StatusCancelled})
	return nil
}

// Purge removes every task belonging to sessionID, called from the
// session manager's on_evict callback.
func (m *Manager) Purge(sessionID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, t := range m.tasks {
		if t.SessionID == sessionID {
			delete(m.tasks, id)
		}
	}
}

// Sweep removes terminal tasks that finished more than the retention
// window ago. Call periodically (e.g. alongside the session sweeper).
func (m *Manager) Sweep() {
	cutoff := time.Now().Add(-retentionAfterTerminal)
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, t := range m.tasks {
		t.mu.Lock()
		expired := t.status.terminal() && t.finishedAt.Before(cutoff)
		t.mu.Unlock()
		if expired {
			delete(m.tasks, id)
		}
	}
}

type stateError struct {
	msg string
}

func (e *stateError) Error() string { return e.msg }

func errNotFound(id string) error {
	return &stateError{msg: "task " + id + " not found"}
}

func errTerminal(id string, status Status) error {
	return &stateError{msg: "task " + id + " already in terminal state " + string(status)}
}
