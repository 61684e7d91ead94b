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

// Package protocol is the dispatch core: it validates inbound JSON-RPC
// envelopes, routes them to the registry, propagates the per-request
// mcpctx.Scope, correlates server-initiated RPCs with their eventual
// client response, and encodes the outgoing JSON-RPC message.
//
// Both transports (internal/transport/httpmcp, internal/transport/stdio)
// call Dispatcher.Handle for every inbound line/POST body and drain
// Dispatcher.Outbox for everything the core wants to push to the client.
package protocol

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/jfellow/mcpforge/internal/authn"
	"github.com/jfellow/mcpforge/internal/log"
	"github.com/jfellow/mcpforge/internal/mcp"
	"github.com/jfellow/mcpforge/internal/mcperr"
	"github.com/jfellow/mcpforge/internal/ratelimit"
	"github.com/jfellow/mcpforge/internal/registry"
	"github.com/jfellow/mcpforge/internal/session"
	"github.com/jfellow/mcpforge/internal/task"
	"github.com/jfellow/mcpforge/internal/telemetry"
)

// Implementation describes this server's identity, echoed at initialize.
type Implementation struct {
	Name        string
	Version     string
	Title       string
	Description string
	Icons       []mcp.Icon
	WebsiteURL  string
}

// Dispatcher owns every piece of per-process and per-session state the
// protocol needs: the handler registry, session/task managers, rate
// limiter, auth validators, and the outbound correlation tables.
type Dispatcher struct {
	impl   Implementation
	reg    *registry.Registry
	logger log.Logger
	inst   *telemetry.Instrumentation

	sessions *session.Manager
	tasks    *task.Manager
	rates    *ratelimit.Manager
	auth     *authn.Registry

	shutdownTimeout time.Duration

	completionProviders map[string]CompletionProvider

	inFlight      sync.WaitGroup
	inFlightCount int64

	mu         sync.Mutex
	accepting  bool
	outboxes   map[string]*outbox
	nextReqNum int64
}

// Option configures a Dispatcher at construction.
type Option func(*Dispatcher)

// WithLogger sets the base logger used for request/error logging.
func WithLogger(l log.Logger) Option { return func(d *Dispatcher) { d.logger = l } }

// WithInstrumentation sets the tracer/meter bundle.
func WithInstrumentation(i *telemetry.Instrumentation) Option {
	return func(d *Dispatcher) { d.inst = i }
}

// WithAuthRegistry sets the token validator registry consulted for
// WithAuth-protected tools.
func WithAuthRegistry(a *authn.Registry) Option {
	return func(d *Dispatcher) { d.auth = a }
}

// WithShutdownTimeout overrides the default 5s graceful-shutdown drain
// window.
func WithShutdownTimeout(t time.Duration) Option {
	return func(d *Dispatcher) { d.shutdownTimeout = t }
}

// WithCompletionProvider registers the provider invoked for
// completion/complete requests whose ref.type matches refType (e.g.
// "ref/resource", "ref/prompt").
func WithCompletionProvider(refType string, p CompletionProvider) Option {
	return func(d *Dispatcher) { d.completionProviders[refType] = p }
}

// New builds a Dispatcher around reg. The registry is expected to be fully
// populated before the first request is dispatched; registrations after
// that point are safe (the registry is internally synchronized) but are
// not guaranteed to be visible to requests already in flight.
func New(impl Implementation, reg *registry.Registry, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		impl:                 impl,
		reg:                  reg,
		logger:               noopLogger{},
		accepting:            true,
		shutdownTimeout:      5 * time.Second,
		outboxes:             map[string]*outbox{},
		completionProviders:  map[string]CompletionProvider{},
	}
	d.sessions = session.NewManager(d.onSessionEvict)
	d.tasks = task.NewManager(d.onTaskStatusChange)
	d.rates = ratelimit.NewManager()
	for _, o := range opts {
		o(d)
	}
	return d
}

// Sessions exposes the session manager, e.g. so a transport can create a
// session at initialize and look one up by the Mcp-Session-Id header.
func (d *Dispatcher) Sessions() *session.Manager { return d.sessions }

// Tasks exposes the task manager.
func (d *Dispatcher) Tasks() *task.Manager { return d.tasks }

// InFlightCount reports the number of Handle calls currently executing,
// surfaced by the /health/detailed endpoint.
func (d *Dispatcher) InFlightCount() int {
	return int(atomic.LoadInt64(&d.inFlightCount))
}

func (d *Dispatcher) onSessionEvict(sessionID string) {
	d.rates.Purge(sessionID)
	d.tasks.Purge(sessionID)
	d.mu.Lock()
	delete(d.outboxes, sessionID)
	d.mu.Unlock()
}

func (d *Dispatcher) onTaskStatusChange(c task.StatusChange) {
	t, ok := d.tasks.Get(c.TaskID)
	if !ok {
		return
	}
	d.pushNotification(t.SessionID, "notifications/tasks/status", mcp.TaskStatusParams{
		TaskID: c.TaskID,
		Status: string(c.Status),
	})
}

// isAccepting reports whether the dispatcher is still taking new requests.
func (d *Dispatcher) isAccepting() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.accepting
}

type noopLogger struct{}

func (noopLogger) Debug(string, ...interface{}) {}
func (noopLogger) Info(string, ...interface{})  {}
func (noopLogger) Warn(string, ...interface{})  {}
func (noopLogger) Error(string, ...interface{}) {}

// alwaysAllowedWithoutSession is the method set reachable before a session
// has been established.
var alwaysAllowedWithoutSession = map[string]bool{
	"initialize": true,
	"ping":       true,
}

// rpcErr is a convenience for turning an *mcperr.Error (or any error) into
// a JSON-RPC code + message + data triple.
func rpcErr(err error) (code int, message string, data any) {
	if e, ok := err.(*mcperr.Error); ok {
		return e.Kind.RPCCode(), e.Error(), e.Data
	}
	return mcperr.KindInternal.RPCCode(), "Internal server error", nil
}
