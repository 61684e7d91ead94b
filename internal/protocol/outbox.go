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

package protocol

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/jfellow/mcpforge/internal/jsonrpc"
	"github.com/jfellow/mcpforge/internal/mcperr"
)

const serverRequestTimeout = 120 * time.Second

// maxPendingServerRequests bounds the number of server-initiated requests
// awaiting a client response at once, per session. Per §4.5.2, overflow
// fails the new request with TransportBackpressure rather than growing the
// map without bound.
const maxPendingServerRequests = 100

// OutboundMessage is one item a transport must deliver to the client: a
// server->client request (IsNotification == false) or a fire-and-forget
// notification.
type OutboundMessage struct {
	SessionID      string
	IsNotification bool
	Payload        any // jsonrpc.Request-shaped or jsonrpc.Notification-shaped
}

// pendingServerRequest is a future the outbox resolves when the client's
// response to a server-initiated RPC arrives on /mcp/respond (HTTP) or as
// a no-method/has-id line (STDIO).
type pendingServerRequest struct {
	resultCh chan json.RawMessage
	errCh    chan error
}

// outbox is the per-session delivery channel plus pending-request table.
// One outbox is created lazily on first use and torn down on session
// eviction (Dispatcher.onSessionEvict).
type outbox struct {
	sessionID string
	messages  chan OutboundMessage

	mu      sync.Mutex
	pending map[string]*pendingServerRequest
}

func newOutbox(sessionID string) *outbox {
	return &outbox{
		sessionID: sessionID,
		messages:  make(chan OutboundMessage, 256),
		pending:   map[string]*pendingServerRequest{},
	}
}

func (d *Dispatcher) outboxFor(sessionID string) *outbox {
	d.mu.Lock()
	defer d.mu.Unlock()
	ob, ok := d.outboxes[sessionID]
	if !ok {
		ob = newOutbox(sessionID)
		d.outboxes[sessionID] = ob
	}
	return ob
}

// Outbox returns the delivery channel a transport should drain for
// sessionID, so it can forward server->client requests and notifications
// (as SSE frames or STDIO lines).
func (d *Dispatcher) Outbox(sessionID string) <-chan OutboundMessage {
	return d.outboxFor(sessionID).messages
}

// pushNotification enqueues a fire-and-forget server->client notification.
// If no transport is currently draining the session's outbox, the send is
// best-effort: a full buffer silently drops the oldest undelivered
// message (notification or server request alike) rather than blocking the
// caller, matching the "silent
// no-op when no active stream exists" contract for send_progress/send_log.
func (d *Dispatcher) pushNotification(sessionID, method string, params any) {
	ob := d.outboxFor(sessionID)
	msg := OutboundMessage{
		SessionID:      sessionID,
		IsNotification: true,
		Payload:        jsonrpc.Notification{JSONRPC: jsonrpc.Version, Method: method, Params: params},
	}
	select {
	case ob.messages <- msg:
	default:
		select {
		case <-ob.messages:
		default:
		}
		select {
		case ob.messages <- msg:
		default:
		}
	}
}

// serverRequestID allocates a request id in a namespace disjoint from
// client->server ids by prefixing it with "s-".
func (d *Dispatcher) serverRequestID() string {
	d.mu.Lock()
	d.nextReqNum++
	n := d.nextReqNum
	d.mu.Unlock()
	return fmt.Sprintf("s-%d", n)
}

// sendServerRequest enqueues a server->client request, records a pending
// future for it, and blocks until the client responds via ResolveResponse,
// ctx is cancelled, or the 120s deadline fires.
func (d *Dispatcher) sendServerRequest(ctx context.Context, sessionID, method string, params any) (json.RawMessage, error) {
	ob := d.outboxFor(sessionID)
	id := d.serverRequestID()
	idJSON, _ := json.Marshal(id)

	pending := &pendingServerRequest{
		resultCh: make(chan json.RawMessage, 1),
		errCh:    make(chan error, 1),
	}
	ob.mu.Lock()
	if len(ob.pending) >= maxPendingServerRequests {
		ob.mu.Unlock()
		return nil, mcperr.New(mcperr.KindTransportBackpressure, "session %s has %d server requests already pending, at the %d limit", sessionID, len(ob.pending), maxPendingServerRequests)
	}
	ob.pending[id] = pending
	ob.mu.Unlock()
	defer func() {
		ob.mu.Lock()
		delete(ob.pending, id)
		ob.mu.Unlock()
	}()

	msg := OutboundMessage{
		SessionID: sessionID,
		Payload: jsonrpc.Request{
			JSONRPC: jsonrpc.Version,
			ID:      idJSON,
			Method:  method,
			Params:  mustMarshal(params),
		},
	}
	select {
	case ob.messages <- msg:
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	timer := time.NewTimer(serverRequestTimeout)
	defer timer.Stop()
	select {
	case r := <-pending.resultCh:
		return r, nil
	case err := <-pending.errCh:
		return nil, err
	case <-timer.C:
		return nil, mcperr.New(mcperr.KindTransportTimeout, "server request %q (%s) timed out after %s", id, method, serverRequestTimeout)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// ResolveResponse is called by a transport when it receives a client
// response (either on POST /mcp/respond for HTTP, or a no-method/has-id
// line for STDIO) whose id matches a pending server request.
func (d *Dispatcher) ResolveResponse(sessionID string, resp jsonrpc.BaseMessage) error {
	ob := d.outboxFor(sessionID)
	// Pending keys are the bare "s-<n>" strings; resp.ID is their JSON form.
	var id string
	if err := json.Unmarshal(resp.ID, &id); err != nil {
		id = string(resp.ID)
	}

	ob.mu.Lock()
	pending, ok := ob.pending[id]
	ob.mu.Unlock()
	if !ok {
		return mcperr.New(mcperr.KindInvalidRequest, "no pending server request with id %s", id)
	}

	if resp.Error != nil {
		pending.errCh <- mcperr.New(mcperr.KindInternal, "client returned error for server request: %s", resp.Error.Message)
		return nil
	}
	pending.resultCh <- resp.Result
	return nil
}

// failAllPending resolves every pending server request on every session
// with a Shutdown error, used during graceful shutdown.
func (d *Dispatcher) failAllPending() {
	d.mu.Lock()
	boxes := make([]*outbox, 0, len(d.outboxes))
	for _, ob := range d.outboxes {
		boxes = append(boxes, ob)
	}
	d.mu.Unlock()

	for _, ob := range boxes {
		ob.mu.Lock()
		for id, p := range ob.pending {
			p.errCh <- mcperr.New(mcperr.KindShutdown, "server shutting down")
			delete(ob.pending, id)
		}
		ob.mu.Unlock()
	}
}

func mustMarshal(v any) json.RawMessage {
	if v == nil {
		return nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	return b
}
