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

// Package httpmcp implements the streamable HTTP transport: a single /mcp
// endpoint handling POST (one request/notification per body), GET (opens an
// SSE stream of server->client pushes), and DELETE (explicit session
// termination), plus POST /mcp/respond for the client's replies to
// server-initiated requests.
package httpmcp

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/render"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/jfellow/mcpforge/internal/jsonrpc"
	"github.com/jfellow/mcpforge/internal/log"
	"github.com/jfellow/mcpforge/internal/mcp"
	"github.com/jfellow/mcpforge/internal/mcperr"
	"github.com/jfellow/mcpforge/internal/protocol"
	"github.com/jfellow/mcpforge/internal/session"
	"github.com/jfellow/mcpforge/internal/telemetry"
)

const sessionHeader = "Mcp-Session-Id"

// Transport owns the chi router mounted at /mcp by the caller.
type Transport struct {
	dispatcher *protocol.Dispatcher
	logger     log.Logger
	inst       *telemetry.Instrumentation
}

// New builds a Transport around dispatcher. logger and inst may be nil.
func New(dispatcher *protocol.Dispatcher, logger log.Logger, inst *telemetry.Instrumentation) *Transport {
	return &Transport{dispatcher: dispatcher, logger: logger, inst: inst}
}

// Router returns the chi.Router to mount at /mcp.
func (t *Transport) Router() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.AllowContentType("application/json"))
	r.Use(middleware.StripSlashes)
	r.Use(render.SetContentType(render.ContentTypeJSON))

	r.Use(t.protocolVersionHeader)
	r.Get("/", t.handleGet)
	r.Post("/", t.handlePost)
	r.Delete("/", t.handleDelete)
	r.Post("/respond", t.handleRespond)
	return r
}

// protocolVersionHeader echoes MCP-Protocol-Version on every response, per
// the streamable transport's header contract: the negotiated version for
// an active session, or the server's default before one exists.
func (t *Transport) protocolVersionHeader(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		version := mcp.DefaultProtocolVersion
		if sess, ok := t.sessionFromRequest(r); ok {
			version = sess.ProtocolVersion
		}
		w.Header().Set("MCP-Protocol-Version", version)
		next.ServeHTTP(w, r)
	})
}

func (t *Transport) sessionFromRequest(r *http.Request) (*session.Session, bool) {
	id := r.Header.Get(sessionHeader)
	if id == "" {
		return nil, false
	}
	return t.dispatcher.Sessions().Get(id)
}

// handlePost processes one JSON-RPC request/notification body. A
// successful `initialize` call's resulting session id is echoed back in
// the Mcp-Session-Id response header, per the streamable transport's
// session-establishment contract. A `tools/call` may trigger server->client
// RPCs (sampling, elicitation, roots), so per §4.5.1 it gets the SSE path
// instead of a plain JSON body.
func (t *Transport) handlePost(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var span trace.Span
	if t.inst != nil {
		ctx, span = t.inst.Tracer.Start(ctx, "mcp/http/post")
		defer span.End()
	}

	body, err := io.ReadAll(r.Body)
	if err != nil {
		t.failSpan(span, err)
		t.writeError(w, r, nil, mcperr.KindParseError, "reading request body: %v", err)
		t.countRequest(ctx, "post", "error")
		return
	}

	sess, _ := t.sessionFromRequest(r)

	if isToolsCall(body) && sess != nil {
		if flusher, ok := w.(http.Flusher); ok {
			t.handlePostSSE(ctx, w, flusher, sess, body)
			return
		}
	}

	result, err := t.dispatcher.Handle(ctx, sess, body)
	if err != nil {
		t.failSpan(span, err)
		t.countRequest(ctx, "post", "error")
		t.writeError(w, r, nil, mcperr.KindInternal, "dispatch failure: %v", err)
		return
	}

	if result == nil {
		// Notification: per the streamable transport, a notification gets
		// no body, just 202 Accepted.
		w.WriteHeader(http.StatusAccepted)
		t.countRequest(ctx, "post", "success")
		return
	}

	if resp, ok := result.(jsonrpc.Response); ok {
		if sid, ok2 := resultSessionID(resp); ok2 {
			w.Header().Set(sessionHeader, sid)
			// The middleware ran before the session existed; echo the
			// version initialize just negotiated instead of the default.
			if newSess, ok3 := t.dispatcher.Sessions().Get(sid); ok3 {
				w.Header().Set("MCP-Protocol-Version", newSess.ProtocolVersion)
			}
		}
	}

	t.countRequest(ctx, "post", "success")
	render.JSON(w, r, result)
}

// isToolsCall reports whether body's JSON-RPC method is tools/call,
// without fully decoding the envelope.
func isToolsCall(body []byte) bool {
	var base struct {
		Method string `json:"method"`
	}
	if err := json.Unmarshal(body, &base); err != nil {
		return false
	}
	return base.Method == "tools/call"
}

// handlePostSSE runs one tools/call dispatch while streaming the session's
// outbox as SSE frames: `event: server_request`/`event: server_notification`
// for every server->client push emitted while the call is in flight, then a
// terminal `event: message` carrying the call's own JSON-RPC response.
func (t *Transport) handlePostSSE(ctx context.Context, w http.ResponseWriter, flusher http.Flusher, sess *session.Session, body []byte) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	type dispatchOutcome struct {
		result any
		err    error
	}
	done := make(chan dispatchOutcome, 1)
	go func() {
		result, err := t.dispatcher.Handle(ctx, sess, body)
		done <- dispatchOutcome{result: result, err: err}
	}()

	outbox := t.dispatcher.Outbox(sess.ID)
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-outbox:
			if !ok {
				continue
			}
			payload, err := json.Marshal(msg.Payload)
			if err != nil {
				continue
			}
			id := sess.Buffer().Append(payload)
			eventType := "server_notification"
			if !msg.IsNotification {
				eventType = "server_request"
			}
			writeSSEEvent(w, id, eventType, payload)
			flusher.Flush()
			if t.inst != nil {
				t.inst.SSEEventCount.Add(ctx, 1)
			}
		case outcome := <-done:
			if outcome.err != nil {
				errPayload := mustMarshalSSE(jsonrpc.NewError(jsonrpc.NullID, mcperr.KindInternal.RPCCode(), outcome.err.Error(), nil))
				id := sess.Buffer().Append(errPayload)
				writeSSEEvent(w, id, "message", errPayload)
				flusher.Flush()
				return
			}
			if outcome.result == nil {
				// A notification carries no terminal response frame.
				return
			}
			payload := mustMarshalSSE(outcome.result)
			id := sess.Buffer().Append(payload)
			writeSSEEvent(w, id, "message", payload)
			flusher.Flush()
			return
		}
	}
}

func mustMarshalSSE(v any) []byte {
	b, err := json.Marshal(v)
	if err != nil {
		return []byte(`{}`)
	}
	return b
}

// resultSessionID extracts the session id InitializeResult carries, if
// resp is the response to an `initialize` call.
func resultSessionID(resp jsonrpc.Response) (string, bool) {
	m, ok := resp.Result.(map[string]any)
	if !ok {
		b, err := json.Marshal(resp.Result)
		if err != nil {
			return "", false
		}
		var generic map[string]any
		if err := json.Unmarshal(b, &generic); err != nil {
			return "", false
		}
		m = generic
	}
	sid, ok := m["sessionId"].(string)
	return sid, ok && sid != ""
}

// handleGet opens the SSE stream a client drains for server->client
// requests/notifications pushed outside of a direct POST/response cycle.
func (t *Transport) handleGet(w http.ResponseWriter, r *http.Request) {
	sess, ok := t.sessionFromRequest(r)
	if !ok {
		t.writeError(w, r, nil, mcperr.KindInvalidRequest, "missing or unknown %s header", sessionHeader)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		t.writeError(w, r, nil, mcperr.KindInternal, "streaming unsupported by this response writer")
		return
	}

	// Invariant: at most one active SSE server-push stream per session.
	if !sess.TryProtect() {
		w.WriteHeader(http.StatusConflict)
		return
	}
	defer sess.Unprotect()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	if lastID := r.Header.Get("Last-Event-ID"); lastID != "" {
		var id uint64
		if _, err := fmt.Sscanf(lastID, "%d", &id); err == nil {
			for _, ev := range sess.Buffer().Replay(id) {
				writeSSEEvent(w, ev.ID, "message", ev.Payload)
			}
			flusher.Flush()
		}
	}

	ctx := r.Context()
	outbox := t.dispatcher.Outbox(sess.ID)
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-outbox:
			if !ok {
				return
			}
			payload, err := json.Marshal(msg.Payload)
			if err != nil {
				continue
			}
			id := sess.Buffer().Append(payload)
			eventType := "server_notification"
			if !msg.IsNotification {
				eventType = "server_request"
			}
			writeSSEEvent(w, id, eventType, payload)
			flusher.Flush()
			if t.inst != nil {
				t.inst.SSEEventCount.Add(ctx, 1)
			}
		}
	}
}

func writeSSEEvent(w http.ResponseWriter, id uint64, eventType string, payload []byte) {
	fmt.Fprintf(w, "id: %d\nevent: %s\ndata: %s\n\n", id, eventType, payload)
}

// handleDelete terminates a session explicitly.
func (t *Transport) handleDelete(w http.ResponseWriter, r *http.Request) {
	id := r.Header.Get(sessionHeader)
	if id == "" {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	t.dispatcher.Sessions().Delete(id)
	w.WriteHeader(http.StatusNoContent)
}

// handleRespond accepts the client's response to a server-initiated
// request (sampling/createMessage, elicitation/create, roots/list),
// correlating it back to the dispatcher's pending-request table.
func (t *Transport) handleRespond(w http.ResponseWriter, r *http.Request) {
	sess, ok := t.sessionFromRequest(r)
	if !ok {
		t.writeError(w, r, nil, mcperr.KindInvalidRequest, "missing or unknown %s header", sessionHeader)
		return
	}
	body, err := io.ReadAll(r.Body)
	if err != nil {
		t.writeError(w, r, nil, mcperr.KindParseError, "reading request body: %v", err)
		return
	}
	var base jsonrpc.BaseMessage
	if err := json.Unmarshal(body, &base); err != nil {
		t.writeError(w, r, nil, mcperr.KindParseError, "invalid JSON-RPC envelope: %v", err)
		return
	}
	if err := t.dispatcher.ResolveResponse(sess.ID, base); err != nil {
		t.writeError(w, r, nil, mcperr.KindInvalidRequest, "%v", err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func (t *Transport) writeError(w http.ResponseWriter, r *http.Request, id json.RawMessage, kind mcperr.Kind, format string, args ...any) {
	if id == nil {
		id = jsonrpc.NullID
	}
	msg := fmt.Sprintf(format, args...)
	render.JSON(w, r, jsonrpc.NewError(id, kind.RPCCode(), msg, nil))
}

func (t *Transport) countRequest(ctx context.Context, method, status string) {
	if t.inst == nil {
		return
	}
	t.inst.HTTPReqCount.Add(ctx, 1, metric.WithAttributes(
		attribute.String("method", method),
		attribute.String("status", status),
	))
}

func (t *Transport) failSpan(span trace.Span, err error) {
	if span == nil {
		return
	}
	span.SetStatus(codes.Error, err.Error())
}
