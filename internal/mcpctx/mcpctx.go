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

// Package mcpctx is the context API handler code imports to reach the four
// server-initiated operations (sampling, elicitation, roots, progress) and
// the per-request session/user identity, without importing the protocol
// dispatch engine itself. The protocol package populates a *Scope into the
// context at the start of every request; this package only reads it.
//
// This mirrors the source system's contextvars: a per-request value that
// survives suspension across await points. Go has no task-local storage, so
// the scope travels explicitly as the first argument of every handler call,
// the same way the reference module threads *slog.Logger and user-agent
// strings through context.Context in internal/util.
package mcpctx

import (
	"context"
	"sync"

	"github.com/jfellow/mcpforge/internal/log"
	"github.com/jfellow/mcpforge/internal/mcp"
	"github.com/jfellow/mcpforge/internal/mcperr"
)

// SamplingFunc issues a server->client sampling/createMessage RPC.
type SamplingFunc func(ctx context.Context, params mcp.CreateMessageParams) (mcp.CreateMessageResult, error)

// ElicitFunc issues a server->client elicitation/create RPC.
type ElicitFunc func(ctx context.Context, params mcp.ElicitParams) (mcp.ElicitResult, error)

// RootsFunc issues a server->client roots/list RPC.
type RootsFunc func(ctx context.Context) (mcp.ListRootsResult, error)

// ProgressFunc sends a fire-and-forget notifications/progress.
type ProgressFunc func(ctx context.Context, progress, total float64, message string) error

// LogFunc sends a fire-and-forget notifications/message.
type LogFunc func(ctx context.Context, level string, data any) error

// ResourceLink is accumulated during a tool call and surfaced to the client
// under the response's `_meta.links`.
type ResourceLink struct {
	URI         string `json:"uri"`
	Name        string `json:"name,omitempty"`
	Description string `json:"description,omitempty"`
	MimeType    string `json:"mimeType,omitempty"`
}

// Scope is the request-scoped state a handler invocation runs with. It is
// immutable except for the accumulated links list, which is guarded by mu
// since concurrent tool calls on the same session may run on distinct
// goroutines but never share a Scope (one is built per request).
type Scope struct {
	SessionID  string
	UserID     string
	Logger     log.Logger
	Sampling   SamplingFunc
	Elicit     ElicitFunc
	Roots      RootsFunc
	Progress   ProgressFunc
	SendLog    LogFunc

	mu    sync.Mutex
	links []ResourceLink
}

type scopeKey struct{}

// WithScope attaches s to ctx. The protocol handler calls this once per
// dispatched request before invoking the resolved handler.
func WithScope(ctx context.Context, s *Scope) context.Context {
	return context.WithValue(ctx, scopeKey{}, s)
}

func fromContext(ctx context.Context) (*Scope, bool) {
	s, ok := ctx.Value(scopeKey{}).(*Scope)
	return s, ok
}

// SessionID returns the session id of the in-flight request, or "" if none.
func SessionID(ctx context.Context) string {
	if s, ok := fromContext(ctx); ok {
		return s.SessionID
	}
	return ""
}

// UserID returns the authenticated user id of the in-flight request, if any.
func UserID(ctx context.Context) string {
	if s, ok := fromContext(ctx); ok {
		return s.UserID
	}
	return ""
}

// Logger returns the request-scoped logger, falling back to a no-op logger
// if no scope is present (e.g. in a unit test calling a handler directly).
func Logger(ctx context.Context) log.Logger {
	if s, ok := fromContext(ctx); ok && s.Logger != nil {
		return s.Logger
	}
	return noopLogger{}
}

// CreateMessage asks the client to run its LLM on a set of messages
// (sampling). Fails with CapabilityUnavailable if the client did not
// declare the sampling capability at initialize: the protocol handler only
// populates Scope.Sampling when that capability was declared, so a nil
// func here means it wasn't.
func CreateMessage(ctx context.Context, params mcp.CreateMessageParams) (mcp.CreateMessageResult, error) {
	s, ok := fromContext(ctx)
	if !ok || s.Sampling == nil {
		return mcp.CreateMessageResult{}, mcperr.New(mcperr.KindCapabilityUnavailable, "capability_required: client did not declare the sampling capability")
	}
	return s.Sampling(ctx, params)
}

// Elicit asks the client to collect structured input from the user. Fails
// with CapabilityUnavailable if the client did not declare elicitation.
func Elicit(ctx context.Context, params mcp.ElicitParams) (mcp.ElicitResult, error) {
	s, ok := fromContext(ctx)
	if !ok || s.Elicit == nil {
		return mcp.ElicitResult{}, mcperr.New(mcperr.KindCapabilityUnavailable, "capability_required: client did not declare the elicitation capability")
	}
	return s.Elicit(ctx, params)
}

// ListRoots asks the client for its filesystem roots. Fails with
// CapabilityUnavailable if the client did not declare roots.
func ListRoots(ctx context.Context) (mcp.ListRootsResult, error) {
	s, ok := fromContext(ctx)
	if !ok || s.Roots == nil {
		return mcp.ListRootsResult{}, mcperr.New(mcperr.KindCapabilityUnavailable, "capability_required: client did not declare the roots capability")
	}
	return s.Roots(ctx)
}

// SendProgress sends a progress notification for the in-flight request. A
// silent no-op when no active stream or scope exists for the session.
func SendProgress(ctx context.Context, progress, total float64, message string) error {
	s, ok := fromContext(ctx)
	if !ok || s.Progress == nil {
		return nil
	}
	return s.Progress(ctx, progress, total, message)
}

// SendLog sends a log notification for the in-flight request. A silent
// no-op when no active stream or scope exists for the session.
func SendLog(ctx context.Context, level string, data any) error {
	s, ok := fromContext(ctx)
	if !ok || s.SendLog == nil {
		return nil
	}
	return s.SendLog(ctx, level, data)
}

// AddResourceLink accumulates a resource link surfaced under the tool
// response's `_meta.links`.
func AddResourceLink(ctx context.Context, link ResourceLink) {
	s, ok := fromContext(ctx)
	if !ok {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.links = append(s.links, link)
}

// Links returns a copy of the resource links accumulated so far on this
// scope.
func Links(ctx context.Context) []ResourceLink {
	s, ok := fromContext(ctx)
	if !ok {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]ResourceLink, len(s.links))
	copy(out, s.links)
	return out
}

type noopLogger struct{}

func (noopLogger) Debug(string, ...interface{}) {}
func (noopLogger) Info(string, ...interface{})  {}
func (noopLogger) Warn(string, ...interface{})  {}
func (noopLogger) Error(string, ...interface{}) {}
