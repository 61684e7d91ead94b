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

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/jfellow/mcpforge/internal/mcp"
	"github.com/jfellow/mcpforge/internal/mcpctx"
	"github.com/jfellow/mcpforge/internal/mcperr"
	"github.com/jfellow/mcpforge/internal/registry"
	"github.com/jfellow/mcpforge/internal/session"
)

// requestsTask reports whether the caller opted into task-backed dispatch
// for this call via `_meta.task`, per spec §3.1's "or when the client opts
// in via request metadata."
func requestsTask(p mcp.CallToolParams) bool {
	v, ok := p.Meta["task"].(bool)
	return ok && v
}

func (d *Dispatcher) handleToolsCall(ctx context.Context, sess *session.Session, params json.RawMessage) (any, error) {
	var p mcp.CallToolParams
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, mcperr.New(mcperr.KindInvalidRequest, "invalid tools/call params: %v", err)
	}
	if len(p.Arguments) > maxArgumentKeys {
		return nil, mcperr.New(mcperr.KindInvalidRequest, "arguments object has %d keys, exceeds the %d limit", len(p.Arguments), maxArgumentKeys)
	}

	fn, requiresAuth, scopes, rateLimitRPS, longRunning, err := d.reg.Tool(p.Name)
	if err != nil {
		return nil, err
	}

	if !d.rates.Allow(sess.ID, p.Name, rateLimitRPS) {
		return nil, mcperr.New(mcperr.KindRateLimited, "rate limit exceeded for tool %q", p.Name)
	}

	userID := ""
	args := p.Arguments
	if requiresAuth {
		userID, args, err = d.authenticateToolCall(ctx, scopes, args)
		if err != nil {
			return nil, err
		}
	}

	toolParams, _ := d.reg.ToolParams(p.Name)
	coerced, err := coerceArguments(toolParams, args)
	if err != nil {
		return nil, err
	}

	scope := d.newScope(sess, userID)
	callCtx := mcpctx.WithScope(ctx, scope)

	if !longRunning && !requestsTask(p) {
		result, callErr := d.invokeTool(callCtx, p.Name, fn, coerced)
		if callErr != nil {
			return nil, callErr
		}
		return result, nil
	}

	// Long-running/task-opted-in call: auto-create a task entry (§4.3),
	// return {taskId, status: "working"} immediately, and run the handler
	// to completion on its own goroutine bound to a cancellable context so
	// tasks/cancel can signal it.
	taskCtx, cancel := context.WithCancel(context.WithoutCancel(callCtx))
	t := d.tasks.Create(sess.ID, p.Name, cancel)
	go func() {
		result, callErr := d.invokeTool(taskCtx, p.Name, fn, coerced)
		if callErr != nil {
			msg := callErr.Error()
			if mcperr.KindOf(callErr) == mcperr.KindInternal {
				d.logger.Error("task failed", "taskId", t.ID, "error", callErr)
				msg = "Internal server error"
			}
			_ = d.tasks.SetError(t.ID, msg)
			return
		}
		_ = d.tasks.SetResult(t.ID, result)
	}()
	return map[string]any{"taskId": t.ID, "status": string(t.Status())}, nil
}

// invokeTool runs fn under the tool-call tracing span (if instrumentation
// is configured) and normalizes its result/error, shared by both the
// inline and task-backed dispatch paths.
func (d *Dispatcher) invokeTool(ctx context.Context, name string, fn registry.ToolFunc, args map[string]any) (any, error) {
	if d.inst != nil {
		var span trace.Span
		ctx, span = d.inst.StartToolSpan(ctx, name)
		defer span.End()
		d.inst.ToolCallCount.Add(ctx, 1, metric.WithAttributes(attribute.String("tool", name)))
	}

	result, err := fn(ctx, args)
	if err != nil {
		return nil, classifyHandlerError(err)
	}
	return normalizeToolResult(ctx, result), nil
}

// authenticateToolCall validates the `_external_access_token` argument
// against the configured TokenValidator(s) and strips it from the
// argument map, injecting `_user_id` in its place.
func (d *Dispatcher) authenticateToolCall(ctx context.Context, requiredScopes []string, args map[string]any) (userID string, cleaned map[string]any, err error) {
	if d.auth == nil {
		return "", args, mcperr.New(mcperr.KindUnauthorized, "this server has no configured auth validators")
	}
	token, _ := args["_external_access_token"].(string)
	if token == "" {
		return "", args, mcperr.New(mcperr.KindUnauthorized, "missing _external_access_token")
	}

	var lastErr error
	for _, scopeName := range requiredScopes {
		v, ok := d.auth.Get(scopeName)
		if !ok {
			continue
		}
		claims, verr := v.Validate(ctx, token)
		if verr != nil {
			lastErr = verr
			continue
		}
		out := make(map[string]any, len(args))
		for k, val := range args {
			if k == "_external_access_token" {
				continue
			}
			out[k] = val
		}
		out["_user_id"] = claims.Subject
		return claims.Subject, out, nil
	}
	if lastErr != nil {
		return "", args, mcperr.Wrap(mcperr.KindUnauthorized, lastErr, "token validation failed")
	}
	return "", args, mcperr.New(mcperr.KindForbiddenScope, "no validator available for required scopes %v", requiredScopes)
}

// classifyHandlerError maps a tool implementation's returned error onto
// the error-policy contract: an already-tagged *mcperr.Error passes
// through; any other error becomes a generic internal error, with the
// original logged but not surfaced to the client.
func classifyHandlerError(err error) error {
	if _, ok := err.(*mcperr.Error); ok {
		return err
	}
	return mcperr.Wrap(mcperr.KindInternal, err, "internal server error")
}

func (d *Dispatcher) handleResourcesRead(ctx context.Context, params json.RawMessage) (any, error) {
	var p mcp.ReadResourceParams
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, mcperr.New(mcperr.KindInvalidRequest, "invalid resources/read params: %v", err)
	}
	fn, err := d.reg.Resource(p.URI)
	if err != nil {
		if tplFn, tplErr := d.reg.ResourceTemplate(p.URI); tplErr == nil {
			mime, content, rerr := tplFn(ctx, p.URI, map[string]string{})
			if rerr != nil {
				return nil, classifyHandlerError(rerr)
			}
			return mcp.ReadResourceResult{Contents: []mcp.EmbeddedResource{{URI: p.URI, MimeType: mime, Text: content}}}, nil
		}
		return nil, err
	}
	mime, content, err := fn(ctx, p.URI)
	if err != nil {
		return nil, classifyHandlerError(err)
	}
	return mcp.ReadResourceResult{Contents: []mcp.EmbeddedResource{{URI: p.URI, MimeType: mime, Text: content}}}, nil
}

func (d *Dispatcher) handleSubscribe(sess *session.Session, params json.RawMessage, subscribe bool) (any, error) {
	var p mcp.SubscribeParams
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, mcperr.New(mcperr.KindInvalidRequest, "invalid subscribe params: %v", err)
	}
	if subscribe {
		sess.Subscribe(p.URI)
	} else {
		sess.Unsubscribe(p.URI)
	}
	return map[string]any{}, nil
}

// NotifyResourceUpdated pushes notifications/resources/updated to every
// session subscribed to uri. Called by a resource's own write path; not
// part of the inbound method table.
func (d *Dispatcher) NotifyResourceUpdated(sessionIDs []string, uri string) {
	for _, id := range sessionIDs {
		d.pushNotification(id, "notifications/resources/updated", mcp.ResourceUpdatedParams{URI: uri})
	}
}

func (d *Dispatcher) handlePromptsGet(ctx context.Context, params json.RawMessage) (any, error) {
	var p mcp.GetPromptParams
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, mcperr.New(mcperr.KindInvalidRequest, "invalid prompts/get params: %v", err)
	}
	fn, err := d.reg.Prompt(p.Name)
	if err != nil {
		return nil, err
	}
	promptParams, _ := d.reg.ToolParams(p.Name) // prompts and tools share the param-descriptor path
	args, err := coerceArguments(promptParams, p.Arguments)
	if err != nil {
		return nil, err
	}
	description, messages, err := fn(ctx, args)
	if err != nil {
		return nil, classifyHandlerError(err)
	}
	out := make([]mcp.PromptMessage, 0, len(messages))
	for _, m := range messages {
		out = append(out, mcp.PromptMessage{Role: m.Role, Content: mcp.TextContent(m.Text)})
	}
	return mcp.GetPromptResult{Description: description, Messages: out}, nil
}

// CompletionProvider supplies candidate values for completion/complete
// against one ref.type ("ref/resource" or "ref/prompt").
type CompletionProvider func(ctx context.Context, ref mcp.CompletionRef, argument map[string]any) (mcp.CompletionValues, error)

func (d *Dispatcher) handleComplete(ctx context.Context, params json.RawMessage) (any, error) {
	var p mcp.CompleteParams
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, mcperr.New(mcperr.KindInvalidRequest, "invalid completion/complete params: %v", err)
	}
	provider, ok := d.completionProviders[p.Ref.Type]
	if !ok {
		return mcp.CompleteResult{Completion: mcp.CompletionValues{Values: nil}}, nil
	}
	values, err := provider(ctx, p.Ref, p.Argument)
	if err != nil {
		return nil, classifyHandlerError(err)
	}
	return mcp.CompleteResult{Completion: values}, nil
}

// mcpLogLevels are the RFC 5424 severities the logging/setLevel method
// accepts, per the MCP logging capability.
var mcpLogLevels = map[string]bool{
	"debug": true, "info": true, "notice": true, "warning": true,
	"error": true, "critical": true, "alert": true, "emergency": true,
}

func (d *Dispatcher) handleSetLevel(sess *session.Session, params json.RawMessage) (any, error) {
	var p mcp.SetLevelParams
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, mcperr.New(mcperr.KindInvalidRequest, "invalid logging/setLevel params: %v", err)
	}
	if !mcpLogLevels[p.Level] {
		return nil, mcperr.New(mcperr.KindInvalidRequest, "unknown log level %q", p.Level)
	}
	sess.SetLogLevel(p.Level)
	return map[string]any{}, nil
}

func (d *Dispatcher) handleTasksGet(params json.RawMessage) (any, error) {
	var p struct {
		TaskID string `json:"taskId"`
	}
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, mcperr.New(mcperr.KindInvalidRequest, "invalid tasks/get params: %v", err)
	}
	t, ok := d.tasks.Get(p.TaskID)
	if !ok {
		return nil, mcperr.New(mcperr.KindNotFound, "task %q not found", p.TaskID)
	}
	return map[string]any{"taskId": t.ID, "status": string(t.Status())}, nil
}

func (d *Dispatcher) handleTasksResult(params json.RawMessage) (any, error) {
	var p struct {
		TaskID string `json:"taskId"`
	}
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, mcperr.New(mcperr.KindInvalidRequest, "invalid tasks/result params: %v", err)
	}
	t, ok := d.tasks.Get(p.TaskID)
	if !ok {
		return nil, mcperr.New(mcperr.KindNotFound, "task %q not found", p.TaskID)
	}
	result, errMsg, status := t.Result()
	if status != "completed" && status != "failed" && status != "cancelled" {
		return nil, mcperr.New(mcperr.KindInvalidRequest, "task %q has not reached a terminal state", p.TaskID)
	}
	return map[string]any{"taskId": t.ID, "status": string(status), "result": result, "error": errMsg}, nil
}

func (d *Dispatcher) handleTasksList(sess *session.Session) (any, error) {
	tasks := d.tasks.List(sess.ID)
	out := make([]map[string]any, 0, len(tasks))
	for _, t := range tasks {
		out = append(out, map[string]any{"taskId": t.ID, "status": string(t.Status())})
	}
	return map[string]any{"tasks": out}, nil
}

func (d *Dispatcher) handleTasksCancel(params json.RawMessage) (any, error) {
	var p struct {
		TaskID string `json:"taskId"`
	}
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, mcperr.New(mcperr.KindInvalidRequest, "invalid tasks/cancel params: %v", err)
	}
	if err := d.tasks.Cancel(p.TaskID); err != nil {
		return nil, mcperr.Wrap(mcperr.KindInvalidRequest, err, "tasks/cancel")
	}
	return map[string]any{}, nil
}

func (d *Dispatcher) handleCancelled(params json.RawMessage) error {
	var p mcp.CancelledParams
	if err := json.Unmarshal(params, &p); err != nil {
		return mcperr.New(mcperr.KindInvalidRequest, "invalid notifications/cancelled params: %v", err)
	}
	if id, ok := p.RequestID.(string); ok {
		_ = d.tasks.Cancel(id)
	}
	return nil
}
