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
	"sync/atomic"

	"github.com/jfellow/mcpforge/internal/jsonrpc"
	"github.com/jfellow/mcpforge/internal/mcp"
	"github.com/jfellow/mcpforge/internal/mcpctx"
	"github.com/jfellow/mcpforge/internal/mcperr"
	"github.com/jfellow/mcpforge/internal/registry"
	"github.com/jfellow/mcpforge/internal/session"
)

// Handle processes one inbound JSON-RPC message for sess (nil for
// pre-session methods: initialize, ping). It returns the message to
// marshal and send back to the client (a jsonrpc.Response or
// jsonrpc.ErrorResponse), or nil for a notification (nothing is sent
// back). The error return is reserved for transport-level failures; every
// protocol-level failure is instead encoded into the returned message's
// error field.
func (d *Dispatcher) Handle(ctx context.Context, sess *session.Session, raw json.RawMessage) (any, error) {
	var base jsonrpc.BaseMessage
	if err := json.Unmarshal(raw, &base); err != nil {
		return errorResponse(jsonrpc.NullID, mcperr.KindParseError, "invalid JSON-RPC envelope: %v", err), nil
	}
	if base.JSONRPC != jsonrpc.Version {
		return errorResponse(idOrNull(base.ID), mcperr.KindInvalidRequest, "jsonrpc must be %q", jsonrpc.Version), nil
	}
	if base.Method == "" {
		return errorResponse(idOrNull(base.ID), mcperr.KindInvalidRequest, "missing method"), nil
	}

	isNotification := base.IsNotification()
	if !d.isAccepting() {
		if isNotification {
			return nil, nil
		}
		return errorResponse(idOrNull(base.ID), mcperr.KindShutdown, "server is shutting down"), nil
	}

	if sess == nil && !alwaysAllowedWithoutSession[base.Method] {
		if isNotification {
			return nil, nil
		}
		return errorResponse(idOrNull(base.ID), mcperr.KindInvalidRequest, "missing session: %q requires an active session", base.Method), nil
	}
	if sess != nil {
		sess.Touch()
	}

	d.inFlight.Add(1)
	atomic.AddInt64(&d.inFlightCount, 1)
	defer func() {
		atomic.AddInt64(&d.inFlightCount, -1)
		d.inFlight.Done()
	}()

	result, err := d.dispatchMethod(ctx, sess, base.Method, base.Params)
	if isNotification {
		if err != nil {
			d.logger.Error("notification handling failed", "method", base.Method, "error", err)
		}
		return nil, nil
	}

	if err != nil {
		code, message, data := rpcErr(err)
		if mcperr.KindOf(err) == mcperr.KindInternal {
			d.logger.Error("request failed", "method", base.Method, "error", err)
			message, data = "Internal server error", nil
		}
		return jsonrpc.NewError(idOrNull(base.ID), code, message, data), nil
	}
	resp := jsonrpc.NewResult(idOrNull(base.ID), result)
	return resp, nil
}

func idOrNull(id json.RawMessage) json.RawMessage {
	if len(id) == 0 {
		return jsonrpc.NullID
	}
	return id
}

func errorResponse(id json.RawMessage, kind mcperr.Kind, format string, args ...any) jsonrpc.ErrorResponse {
	return jsonrpc.NewError(id, kind.RPCCode(), fmt.Sprintf(format, args...), nil)
}

// dispatchMethod is the method table. It returns the result value to be
// placed in a successful Response (ignored for notifications), or an
// error to be encoded as a JSON-RPC error.
func (d *Dispatcher) dispatchMethod(ctx context.Context, sess *session.Session, method string, params json.RawMessage) (any, error) {
	switch method {
	case "initialize":
		return d.handleInitialize(ctx, params)
	case "notifications/initialized":
		if sess != nil {
			sess.SetInitialized()
		}
		return nil, nil
	case "ping":
		return map[string]any{}, nil
	case "tools/list":
		return d.handleList(registry.KindTool, params, func(raw json.RawMessage) any { return raw })
	case "tools/call":
		return d.handleToolsCall(ctx, sess, params)
	case "resources/list":
		return d.handleList(registry.KindResource, params, func(raw json.RawMessage) any { return raw })
	case "resources/templates/list":
		return d.handleList(registry.KindResourceTemplate, params, func(raw json.RawMessage) any { return raw })
	case "resources/read":
		return d.handleResourcesRead(ctx, params)
	case "resources/subscribe":
		return d.handleSubscribe(sess, params, true)
	case "resources/unsubscribe":
		return d.handleSubscribe(sess, params, false)
	case "prompts/list":
		return d.handleList(registry.KindPrompt, params, func(raw json.RawMessage) any { return raw })
	case "prompts/get":
		return d.handlePromptsGet(ctx, params)
	case "completion/complete":
		return d.handleComplete(ctx, params)
	case "logging/setLevel":
		return d.handleSetLevel(sess, params)
	case "tasks/get":
		return d.handleTasksGet(params)
	case "tasks/result":
		return d.handleTasksResult(params)
	case "tasks/list":
		return d.handleTasksList(sess)
	case "tasks/cancel":
		return d.handleTasksCancel(params)
	case "notifications/cancelled":
		return nil, d.handleCancelled(params)
	case "notifications/roots/list_changed":
		return nil, nil
	default:
		return nil, mcperr.New(mcperr.KindMethodNotFound, "unknown method %q", method)
	}
}

func (d *Dispatcher) handleInitialize(ctx context.Context, params json.RawMessage) (any, error) {
	var p mcp.InitializeParams
	if len(params) > 0 {
		if err := json.Unmarshal(params, &p); err != nil {
			return nil, mcperr.New(mcperr.KindInvalidRequest, "invalid initialize params: %v", err)
		}
	}
	negotiated := p.ProtocolVersion
	if !mcp.IsSupportedProtocolVersion(negotiated) {
		negotiated = mcp.DefaultProtocolVersion
	}
	sess := d.sessions.Create(negotiated, p.Capabilities)

	return mcp.InitializeResult{
		ProtocolVersion: negotiated,
		Capabilities: mcp.ServerCapabilities{
			Tools:       &mcp.ListChanged{ListChanged: true},
			Resources:   &mcp.ResourceCaps{ListChanged: true, Subscribe: true},
			Prompts:     &mcp.ListChanged{ListChanged: true},
			Logging:     map[string]any{},
			Completions: map[string]any{},
		},
		ServerInfo: mcp.Implementation{
			Name:        d.impl.Name,
			Version:     d.impl.Version,
			Title:       d.impl.Title,
			Description: d.impl.Description,
			Icons:       d.impl.Icons,
			WebsiteURL:  d.impl.WebsiteURL,
		},
		SessionID: sess.ID,
	}, nil
}

func (d *Dispatcher) handleList(kind registry.Kind, params json.RawMessage, _ func(json.RawMessage) any) (any, error) {
	var p struct {
		Cursor string `json:"cursor,omitempty"`
	}
	if len(params) > 0 {
		_ = json.Unmarshal(params, &p)
	}
	items, next, err := d.reg.List(kind, p.Cursor, 100)
	if err != nil {
		return nil, mcperr.Wrap(mcperr.KindInternal, err, "listing %s", kind)
	}
	return listResult(kind, items, next), nil
}

func listResult(kind registry.Kind, items []json.RawMessage, next string) any {
	key := map[registry.Kind]string{
		registry.KindTool:             "tools",
		registry.KindResource:         "resources",
		registry.KindResourceTemplate: "resourceTemplates",
		registry.KindPrompt:           "prompts",
	}[kind]
	out := map[string]any{key: items}
	if next != "" {
		out["nextCursor"] = next
	}
	return out
}

// newScope builds the per-request context-API surface for sess. Per spec
// §4.4/§7, create_message/create_elicitation/list_roots are only wired up
// when the client declared the matching capability at initialize; a scope
// with a nil Sampling/Elicit/Roots func causes mcpctx to fail the call with
// CapabilityUnavailable instead of blocking on a request the client can
// never answer.
func (d *Dispatcher) newScope(sess *session.Session, userID string) *mcpctx.Scope {
	caps, _ := sess.ClientCapabilities.(mcp.ClientCapabilities)

	scope := &mcpctx.Scope{
		SessionID: sess.ID,
		UserID:    userID,
		Logger:    d.logger,
		Progress: func(ctx context.Context, progress, total float64, message string) error {
			d.pushNotification(sess.ID, "notifications/progress", mcp.ProgressParams{
				Progress: progress, Total: total, Message: message,
			})
			return nil
		},
		SendLog: func(ctx context.Context, level string, data any) error {
			d.pushNotification(sess.ID, "notifications/message", mcp.LogNotificationParams{
				Level: level, Data: data,
			})
			return nil
		},
	}

	if caps.SupportsSampling() {
		scope.Sampling = func(ctx context.Context, p mcp.CreateMessageParams) (mcp.CreateMessageResult, error) {
			raw, err := d.sendServerRequest(ctx, sess.ID, "sampling/createMessage", p)
			if err != nil {
				return mcp.CreateMessageResult{}, err
			}
			var r mcp.CreateMessageResult
			if err := json.Unmarshal(raw, &r); err != nil {
				return mcp.CreateMessageResult{}, mcperr.Wrap(mcperr.KindInternal, err, "decoding sampling result")
			}
			return r, nil
		}
	}
	if caps.SupportsElicitation() {
		scope.Elicit = func(ctx context.Context, p mcp.ElicitParams) (mcp.ElicitResult, error) {
			raw, err := d.sendServerRequest(ctx, sess.ID, "elicitation/create", p)
			if err != nil {
				return mcp.ElicitResult{}, err
			}
			var r mcp.ElicitResult
			if err := json.Unmarshal(raw, &r); err != nil {
				return mcp.ElicitResult{}, mcperr.Wrap(mcperr.KindInternal, err, "decoding elicitation result")
			}
			return r, nil
		}
	}
	if caps.SupportsRoots() {
		scope.Roots = func(ctx context.Context) (mcp.ListRootsResult, error) {
			raw, err := d.sendServerRequest(ctx, sess.ID, "roots/list", nil)
			if err != nil {
				return mcp.ListRootsResult{}, err
			}
			var r mcp.ListRootsResult
			if err := json.Unmarshal(raw, &r); err != nil {
				return mcp.ListRootsResult{}, mcperr.Wrap(mcperr.KindInternal, err, "decoding roots result")
			}
			return r, nil
		}
	}
	return scope
}
