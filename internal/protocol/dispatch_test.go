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
	"strings"
	"testing"
	"time"

	"github.com/jfellow/mcpforge/internal/jsonrpc"
	"github.com/jfellow/mcpforge/internal/mcp"
	"github.com/jfellow/mcpforge/internal/mcpctx"
	"github.com/jfellow/mcpforge/internal/mcperr"
	"github.com/jfellow/mcpforge/internal/registry"
)

func newTestDispatcher(t *testing.T) (*Dispatcher, *registry.Registry) {
	t.Helper()
	reg := registry.New("test-1.0.0")
	if err := reg.RegisterTool("echo", func(ctx context.Context, args map[string]any) (any, error) {
		return args["message"], nil
	}, registry.WithParams([]registry.ParamSpec{{Name: "message", Type: registry.TypeString, Required: true}})); err != nil {
		t.Fatalf("RegisterTool: %v", err)
	}
	d := New(Implementation{Name: "test-server", Version: "1.0.0"}, reg)
	return d, reg
}

func mustRaw(t *testing.T, v any) json.RawMessage {
	t.Helper()
	b, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return b
}

func initializeSession(t *testing.T, d *Dispatcher) *mcp.InitializeResult {
	t.Helper()
	raw := mustRaw(t, jsonrpc.Request{
		JSONRPC: jsonrpc.Version,
		ID:      mustRaw(t, 1),
		Method:  "initialize",
		Params:  mustRaw(t, mcp.InitializeParams{ProtocolVersion: "2025-06-18"}),
	})
	resp, err := d.Handle(context.Background(), nil, raw)
	if err != nil {
		t.Fatalf("Handle(initialize): %v", err)
	}
	r, ok := resp.(jsonrpc.Response)
	if !ok {
		t.Fatalf("expected jsonrpc.Response, got %T", resp)
	}
	b, err := json.Marshal(r.Result)
	if err != nil {
		t.Fatalf("marshal result: %v", err)
	}
	var out mcp.InitializeResult
	if err := json.Unmarshal(b, &out); err != nil {
		t.Fatalf("unmarshal InitializeResult: %v", err)
	}
	return &out
}

func TestInitializeCreatesSession(t *testing.T) {
	d, _ := newTestDispatcher(t)
	result := initializeSession(t, d)
	if result.SessionID == "" {
		t.Fatal("expected a non-empty session id")
	}
	if _, ok := d.Sessions().Get(result.SessionID); !ok {
		t.Fatal("session manager has no record of the initialized session")
	}
}

func TestMethodRequiringSessionRejectedWithoutOne(t *testing.T) {
	d, _ := newTestDispatcher(t)
	raw := mustRaw(t, jsonrpc.Request{
		JSONRPC: jsonrpc.Version,
		ID:      mustRaw(t, 2),
		Method:  "tools/list",
	})
	resp, err := d.Handle(context.Background(), nil, raw)
	if err != nil {
		t.Fatalf("Handle: %v", err)
	}
	errResp, ok := resp.(jsonrpc.ErrorResponse)
	if !ok {
		t.Fatalf("expected jsonrpc.ErrorResponse, got %T", resp)
	}
	if errResp.Error.Code != mcperr.KindInvalidRequest.RPCCode() {
		t.Fatalf("unexpected error code %d", errResp.Error.Code)
	}
}

func TestToolsCallCoercesAndReturnsResult(t *testing.T) {
	d, _ := newTestDispatcher(t)
	result := initializeSession(t, d)
	sess, _ := d.Sessions().Get(result.SessionID)

	raw := mustRaw(t, jsonrpc.Request{
		JSONRPC: jsonrpc.Version,
		ID:      mustRaw(t, 3),
		Method:  "tools/call",
		Params:  mustRaw(t, mcp.CallToolParams{Name: "echo", Arguments: map[string]any{"message": "hi"}}),
	})
	resp, err := d.Handle(context.Background(), sess, raw)
	if err != nil {
		t.Fatalf("Handle: %v", err)
	}
	r, ok := resp.(jsonrpc.Response)
	if !ok {
		t.Fatalf("expected jsonrpc.Response, got %#v", resp)
	}
	b, _ := json.Marshal(r.Result)
	var out mcp.CallToolResult
	if err := json.Unmarshal(b, &out); err != nil {
		t.Fatalf("unmarshal CallToolResult: %v", err)
	}
	if len(out.Content) != 1 || out.Content[0].Text != "hi" {
		t.Fatalf("unexpected content: %+v", out.Content)
	}
}

func TestToolsCallMissingRequiredParamIsValidationError(t *testing.T) {
	d, _ := newTestDispatcher(t)
	result := initializeSession(t, d)
	sess, _ := d.Sessions().Get(result.SessionID)

	raw := mustRaw(t, jsonrpc.Request{
		JSONRPC: jsonrpc.Version,
		ID:      mustRaw(t, 4),
		Method:  "tools/call",
		Params:  mustRaw(t, mcp.CallToolParams{Name: "echo", Arguments: map[string]any{}}),
	})
	resp, err := d.Handle(context.Background(), sess, raw)
	if err != nil {
		t.Fatalf("Handle: %v", err)
	}
	errResp, ok := resp.(jsonrpc.ErrorResponse)
	if !ok {
		t.Fatalf("expected an error response, got %#v", resp)
	}
	if errResp.Error.Code != mcperr.KindParameterValidation.RPCCode() {
		t.Fatalf("unexpected error code %d", errResp.Error.Code)
	}
}

func TestToolsCallUnknownToolSuggestsClosestName(t *testing.T) {
	d, _ := newTestDispatcher(t)
	result := initializeSession(t, d)
	sess, _ := d.Sessions().Get(result.SessionID)

	raw := mustRaw(t, jsonrpc.Request{
		JSONRPC: jsonrpc.Version,
		ID:      mustRaw(t, 5),
		Method:  "tools/call",
		Params:  mustRaw(t, mcp.CallToolParams{Name: "ecko", Arguments: map[string]any{"message": "hi"}}),
	})
	resp, err := d.Handle(context.Background(), sess, raw)
	if err != nil {
		t.Fatalf("Handle: %v", err)
	}
	errResp, ok := resp.(jsonrpc.ErrorResponse)
	if !ok {
		t.Fatalf("expected an error response, got %#v", resp)
	}
	if errResp.Error.Code != mcperr.KindToolNotFound.RPCCode() {
		t.Fatalf("unexpected error code %d", errResp.Error.Code)
	}
	if !strings.Contains(errResp.Error.Message, `did you mean "echo"`) {
		t.Fatalf("error message %q does not suggest echo", errResp.Error.Message)
	}
}

func TestNotificationNeverProducesAResponse(t *testing.T) {
	d, _ := newTestDispatcher(t)
	raw := mustRaw(t, jsonrpc.Notification{JSONRPC: jsonrpc.Version, Method: "notifications/initialized"})
	resp, err := d.Handle(context.Background(), nil, raw)
	if err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if resp != nil {
		t.Fatalf("expected nil response for a notification, got %#v", resp)
	}
}

func TestRateLimitedToolCallIsRejected(t *testing.T) {
	reg := registry.New("test-1.0.0")
	calls := 0
	if err := reg.RegisterTool("counted", func(ctx context.Context, args map[string]any) (any, error) {
		calls++
		return "ok", nil
	}, registry.WithRateLimit(1)); err != nil {
		t.Fatalf("RegisterTool: %v", err)
	}
	d := New(Implementation{Name: "test-server"}, reg)
	result := initializeSession(t, d)
	sess, _ := d.Sessions().Get(result.SessionID)

	call := func(id int) any {
		raw := mustRaw(t, jsonrpc.Request{
			JSONRPC: jsonrpc.Version,
			ID:      mustRaw(t, id),
			Method:  "tools/call",
			Params:  mustRaw(t, mcp.CallToolParams{Name: "counted"}),
		})
		resp, err := d.Handle(context.Background(), sess, raw)
		if err != nil {
			t.Fatalf("Handle: %v", err)
		}
		return resp
	}

	// Burst allowance is 2x the configured rate; exhaust it then expect a
	// rate_limited error on the next call.
	call(1)
	call(2)
	resp := call(3)
	errResp, ok := resp.(jsonrpc.ErrorResponse)
	if !ok {
		t.Fatalf("expected the burst to be exhausted, got %#v", resp)
	}
	if errResp.Error.Code != mcperr.KindRateLimited.RPCCode() {
		t.Fatalf("unexpected error code %d", errResp.Error.Code)
	}
}

func TestSendServerRequestRoundTripsThroughResolveResponse(t *testing.T) {
	d, _ := newTestDispatcher(t)
	result := initializeSession(t, d)
	sessionID := result.SessionID

	done := make(chan struct{})
	var gotErr error
	var gotResult json.RawMessage
	go func() {
		defer close(done)
		gotResult, gotErr = d.sendServerRequest(context.Background(), sessionID, "roots/list", nil)
	}()

	select {
	case msg := <-d.Outbox(sessionID):
		req, ok := msg.Payload.(jsonrpc.Request)
		if !ok {
			t.Fatalf("expected jsonrpc.Request payload, got %#v", msg.Payload)
		}
		resp := jsonrpc.BaseMessage{JSONRPC: jsonrpc.Version, ID: req.ID, Result: mustRaw(t, mcp.ListRootsResult{Roots: []mcp.Root{}})}
		if err := d.ResolveResponse(sessionID, resp); err != nil {
			t.Fatalf("ResolveResponse: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for outbox message")
	}

	<-done
	if gotErr != nil {
		t.Fatalf("sendServerRequest: %v", gotErr)
	}
	var rootsResult mcp.ListRootsResult
	if err := json.Unmarshal(gotResult, &rootsResult); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
}

func TestLongRunningToolCallCreatesTaskAndReachesCompleted(t *testing.T) {
	reg := registry.New("test-1.0.0")
	release := make(chan struct{})
	if err := reg.RegisterTool("slow", func(ctx context.Context, args map[string]any) (any, error) {
		<-release
		return "done", nil
	}, registry.WithLongRunning()); err != nil {
		t.Fatalf("RegisterTool: %v", err)
	}
	d := New(Implementation{Name: "test-server"}, reg)
	result := initializeSession(t, d)
	sess, _ := d.Sessions().Get(result.SessionID)

	raw := mustRaw(t, jsonrpc.Request{
		JSONRPC: jsonrpc.Version,
		ID:      mustRaw(t, 10),
		Method:  "tools/call",
		Params:  mustRaw(t, mcp.CallToolParams{Name: "slow"}),
	})
	resp, err := d.Handle(context.Background(), sess, raw)
	if err != nil {
		t.Fatalf("Handle: %v", err)
	}
	r, ok := resp.(jsonrpc.Response)
	if !ok {
		t.Fatalf("expected jsonrpc.Response, got %#v", resp)
	}
	b, _ := json.Marshal(r.Result)
	var out struct {
		TaskID string `json:"taskId"`
		Status string `json:"status"`
	}
	if err := json.Unmarshal(b, &out); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if out.TaskID == "" {
		t.Fatal("expected a non-empty taskId")
	}
	if out.Status != "working" {
		t.Fatalf("status = %q, want working", out.Status)
	}

	getRaw := mustRaw(t, jsonrpc.Request{
		JSONRPC: jsonrpc.Version,
		ID:      mustRaw(t, 11),
		Method:  "tasks/get",
		Params:  mustRaw(t, map[string]any{"taskId": out.TaskID}),
	})
	getResp, err := d.Handle(context.Background(), sess, getRaw)
	if err != nil {
		t.Fatalf("Handle(tasks/get): %v", err)
	}
	getR, ok := getResp.(jsonrpc.Response)
	if !ok {
		t.Fatalf("expected jsonrpc.Response, got %#v", getResp)
	}
	gb, _ := json.Marshal(getR.Result)
	var getOut struct {
		Status string `json:"status"`
	}
	if err := json.Unmarshal(gb, &getOut); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if getOut.Status != "working" {
		t.Fatalf("tasks/get status = %q, want working", getOut.Status)
	}

	close(release)
	deadline := time.After(2 * time.Second)
	for {
		resultRaw := mustRaw(t, jsonrpc.Request{
			JSONRPC: jsonrpc.Version,
			ID:      mustRaw(t, 12),
			Method:  "tasks/result",
			Params:  mustRaw(t, map[string]any{"taskId": out.TaskID}),
		})
		resultResp, err := d.Handle(context.Background(), sess, resultRaw)
		if err != nil {
			t.Fatalf("Handle(tasks/result): %v", err)
		}
		if rr, ok := resultResp.(jsonrpc.Response); ok {
			rb, _ := json.Marshal(rr.Result)
			var rout struct {
				Status string             `json:"status"`
				Result mcp.CallToolResult `json:"result"`
			}
			if err := json.Unmarshal(rb, &rout); err != nil {
				t.Fatalf("unmarshal: %v", err)
			}
			if rout.Status == "completed" {
				if len(rout.Result.Content) != 1 || rout.Result.Content[0].Text != "done" {
					t.Fatalf("task result = %+v, want one text content block \"done\"", rout.Result)
				}
				break
			}
		}
		select {
		case <-deadline:
			t.Fatal("timed out waiting for task to complete")
		case <-time.After(5 * time.Millisecond):
		}
	}

	listRaw := mustRaw(t, jsonrpc.Request{
		JSONRPC: jsonrpc.Version,
		ID:      mustRaw(t, 13),
		Method:  "tasks/list",
	})
	listResp, err := d.Handle(context.Background(), sess, listRaw)
	if err != nil {
		t.Fatalf("Handle(tasks/list): %v", err)
	}
	listR, ok := listResp.(jsonrpc.Response)
	if !ok {
		t.Fatalf("expected jsonrpc.Response, got %#v", listResp)
	}
	lb, _ := json.Marshal(listR.Result)
	var listOut struct {
		Tasks []map[string]any `json:"tasks"`
	}
	if err := json.Unmarshal(lb, &listOut); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if len(listOut.Tasks) != 1 {
		t.Fatalf("tasks/list returned %d tasks, want 1", len(listOut.Tasks))
	}
}

func TestToolsCallMetaTaskOptInDispatchesAsTask(t *testing.T) {
	d, _ := newTestDispatcher(t)
	result := initializeSession(t, d)
	sess, _ := d.Sessions().Get(result.SessionID)

	raw := mustRaw(t, jsonrpc.Request{
		JSONRPC: jsonrpc.Version,
		ID:      mustRaw(t, 20),
		Method:  "tools/call",
		Params: mustRaw(t, mcp.CallToolParams{
			Name:      "echo",
			Arguments: map[string]any{"message": "hi"},
			Meta:      map[string]any{"task": true},
		}),
	})
	resp, err := d.Handle(context.Background(), sess, raw)
	if err != nil {
		t.Fatalf("Handle: %v", err)
	}
	r, ok := resp.(jsonrpc.Response)
	if !ok {
		t.Fatalf("expected jsonrpc.Response, got %#v", resp)
	}
	b, _ := json.Marshal(r.Result)
	var out struct {
		TaskID string `json:"taskId"`
		Status string `json:"status"`
	}
	if err := json.Unmarshal(b, &out); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if out.TaskID == "" || out.Status != "working" {
		t.Fatalf("expected a working task, got %+v", out)
	}
}

func TestServerInitiatedRPCFailsWithoutDeclaredCapability(t *testing.T) {
	reg := registry.New("test-1.0.0")
	if err := reg.RegisterTool("sample", func(ctx context.Context, args map[string]any) (any, error) {
		_, err := mcpctx.CreateMessage(ctx, mcp.CreateMessageParams{})
		return nil, err
	}); err != nil {
		t.Fatalf("RegisterTool: %v", err)
	}
	d := New(Implementation{Name: "test-server"}, reg)

	// No sampling capability declared at initialize.
	raw := mustRaw(t, jsonrpc.Request{
		JSONRPC: jsonrpc.Version,
		ID:      mustRaw(t, 1),
		Method:  "initialize",
		Params:  mustRaw(t, mcp.InitializeParams{ProtocolVersion: "2025-06-18"}),
	})
	initResp, err := d.Handle(context.Background(), nil, raw)
	if err != nil {
		t.Fatalf("Handle(initialize): %v", err)
	}
	initR := initResp.(jsonrpc.Response)
	ib, _ := json.Marshal(initR.Result)
	var initOut mcp.InitializeResult
	if err := json.Unmarshal(ib, &initOut); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	sess, _ := d.Sessions().Get(initOut.SessionID)

	callRaw := mustRaw(t, jsonrpc.Request{
		JSONRPC: jsonrpc.Version,
		ID:      mustRaw(t, 2),
		Method:  "tools/call",
		Params:  mustRaw(t, mcp.CallToolParams{Name: "sample"}),
	})
	resp, err := d.Handle(context.Background(), sess, callRaw)
	if err != nil {
		t.Fatalf("Handle: %v", err)
	}
	errResp, ok := resp.(jsonrpc.ErrorResponse)
	if !ok {
		t.Fatalf("expected an error response, got %#v", resp)
	}
	if errResp.Error.Code != mcperr.KindCapabilityUnavailable.RPCCode() {
		t.Fatalf("unexpected error code %d, want capability_unavailable", errResp.Error.Code)
	}
}

func TestServerInitiatedRPCSucceedsWithDeclaredCapability(t *testing.T) {
	reg := registry.New("test-1.0.0")
	if err := reg.RegisterTool("sample", func(ctx context.Context, args map[string]any) (any, error) {
		return mcpctx.ListRoots(ctx)
	}); err != nil {
		t.Fatalf("RegisterTool: %v", err)
	}
	d := New(Implementation{Name: "test-server"}, reg)

	raw := mustRaw(t, jsonrpc.Request{
		JSONRPC: jsonrpc.Version,
		ID:      mustRaw(t, 1),
		Method:  "initialize",
		Params: mustRaw(t, mcp.InitializeParams{
			ProtocolVersion: "2025-06-18",
			Capabilities:    mcp.ClientCapabilities{Roots: &mcp.ListChanged{ListChanged: true}},
		}),
	})
	initResp, err := d.Handle(context.Background(), nil, raw)
	if err != nil {
		t.Fatalf("Handle(initialize): %v", err)
	}
	initR := initResp.(jsonrpc.Response)
	ib, _ := json.Marshal(initR.Result)
	var initOut mcp.InitializeResult
	if err := json.Unmarshal(ib, &initOut); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	sess, _ := d.Sessions().Get(initOut.SessionID)

	done := make(chan struct{})
	go func() {
		defer close(done)
		callRaw := mustRaw(t, jsonrpc.Request{
			JSONRPC: jsonrpc.Version,
			ID:      mustRaw(t, 2),
			Method:  "tools/call",
			Params:  mustRaw(t, mcp.CallToolParams{Name: "sample"}),
		})
		resp, err := d.Handle(context.Background(), sess, callRaw)
		if err != nil {
			t.Errorf("Handle: %v", err)
			return
		}
		r, ok := resp.(jsonrpc.Response)
		if !ok {
			t.Errorf("expected jsonrpc.Response, got %#v", resp)
			return
		}
		b, _ := json.Marshal(r.Result)
		var out mcp.CallToolResult
		if err := json.Unmarshal(b, &out); err != nil {
			t.Errorf("unmarshal: %v", err)
		}
	}()

	select {
	case msg := <-d.Outbox(initOut.SessionID):
		req, ok := msg.Payload.(jsonrpc.Request)
		if !ok {
			t.Fatalf("expected jsonrpc.Request payload, got %#v", msg.Payload)
		}
		if req.Method != "roots/list" {
			t.Fatalf("method = %q, want roots/list", req.Method)
		}
		resp := jsonrpc.BaseMessage{JSONRPC: jsonrpc.Version, ID: req.ID, Result: mustRaw(t, mcp.ListRootsResult{Roots: []mcp.Root{}})}
		if err := d.ResolveResponse(initOut.SessionID, resp); err != nil {
			t.Fatalf("ResolveResponse: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for outbox message")
	}
	<-done
}

func TestShutdownStopsAcceptingNewRequests(t *testing.T) {
	d, _ := newTestDispatcher(t)
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	if err := d.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}

	raw := mustRaw(t, jsonrpc.Request{JSONRPC: jsonrpc.Version, ID: mustRaw(t, 1), Method: "ping"})
	resp, err := d.Handle(context.Background(), nil, raw)
	if err != nil {
		t.Fatalf("Handle: %v", err)
	}
	errResp, ok := resp.(jsonrpc.ErrorResponse)
	if !ok {
		t.Fatalf("expected a shutdown error response, got %#v", resp)
	}
	if errResp.Error.Code != mcperr.KindShutdown.RPCCode() {
		t.Fatalf("unexpected error code %d", errResp.Error.Code)
	}
}
