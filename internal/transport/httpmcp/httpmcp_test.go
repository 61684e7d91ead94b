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

package httpmcp

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/jfellow/mcpforge/internal/jsonrpc"
	"github.com/jfellow/mcpforge/internal/mcp"
	"github.com/jfellow/mcpforge/internal/mcpctx"
	"github.com/jfellow/mcpforge/internal/protocol"
	"github.com/jfellow/mcpforge/internal/registry"
)

func newTestServer(t *testing.T) (*httptest.Server, *protocol.Dispatcher) {
	t.Helper()
	reg := registry.New("test-1.0.0")
	if err := reg.RegisterTool("echo", func(ctx context.Context, args map[string]any) (any, error) {
		return args["message"], nil
	}, registry.WithParams([]registry.ParamSpec{{Name: "message", Type: registry.TypeString, Required: true}})); err != nil {
		t.Fatalf("RegisterTool: %v", err)
	}
	d := protocol.New(protocol.Implementation{Name: "test-server", Version: "1.0.0"}, reg)
	tr := New(d, nil, nil)
	ts := httptest.NewServer(tr.Router())
	t.Cleanup(ts.Close)
	return ts, d
}

func mustRaw(t *testing.T, v any) json.RawMessage {
	t.Helper()
	b, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return b
}

func postJSON(t *testing.T, ts *httptest.Server, sessionID string, v any) *http.Response {
	t.Helper()
	b, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	req, err := http.NewRequest(http.MethodPost, ts.URL+"/", bytes.NewReader(b))
	if err != nil {
		t.Fatalf("NewRequest: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if sessionID != "" {
		req.Header.Set(sessionHeader, sessionID)
	}
	resp, err := ts.Client().Do(req)
	if err != nil {
		t.Fatalf("Do: %v", err)
	}
	return resp
}

func initializeSession(t *testing.T, ts *httptest.Server) (string, *mcp.InitializeResult) {
	t.Helper()
	resp := postJSON(t, ts, "", jsonrpc.Request{
		JSONRPC: jsonrpc.Version,
		ID:      mustRaw(t, 1),
		Method:  "initialize",
		Params:  mustRaw(t, mcp.InitializeParams{ProtocolVersion: "2025-06-18"}),
	})
	defer resp.Body.Close()

	var rpcResp jsonrpc.Response
	if err := json.NewDecoder(resp.Body).Decode(&rpcResp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	b, _ := json.Marshal(rpcResp.Result)
	var result mcp.InitializeResult
	if err := json.Unmarshal(b, &result); err != nil {
		t.Fatalf("unmarshal InitializeResult: %v", err)
	}
	sid := resp.Header.Get(sessionHeader)
	if sid == "" {
		t.Fatal("expected Mcp-Session-Id response header")
	}
	if sid != result.SessionID {
		t.Fatalf("header session id %q does not match result %q", sid, result.SessionID)
	}
	return sid, &result
}

func TestInitializeSetsSessionHeader(t *testing.T) {
	ts, d := newTestServer(t)
	sid, _ := initializeSession(t, ts)
	if _, ok := d.Sessions().Get(sid); !ok {
		t.Fatal("session manager has no record of the initialized session")
	}
}

func TestProtocolVersionHeaderEchoed(t *testing.T) {
	ts, _ := newTestServer(t)

	resp := postJSON(t, ts, "", jsonrpc.Request{
		JSONRPC: jsonrpc.Version,
		ID:      mustRaw(t, 1),
		Method:  "initialize",
		Params:  mustRaw(t, mcp.InitializeParams{ProtocolVersion: "2025-03-26"}),
	})
	defer resp.Body.Close()
	if got := resp.Header.Get("MCP-Protocol-Version"); got != "2025-03-26" {
		t.Fatalf("expected negotiated MCP-Protocol-Version %q, got %q", "2025-03-26", got)
	}

	sid, _ := initializeSession(t, ts)
	resp2 := postJSON(t, ts, sid, jsonrpc.Request{
		JSONRPC: jsonrpc.Version,
		ID:      mustRaw(t, 2),
		Method:  "ping",
	})
	defer resp2.Body.Close()
	if got := resp2.Header.Get("MCP-Protocol-Version"); got != "2025-06-18" {
		t.Fatalf("expected the session's negotiated MCP-Protocol-Version %q, got %q", "2025-06-18", got)
	}
}

// readTerminalSSEFrame scans r for SSE frames until it finds one whose
// event type is "message" (the terminal frame for a POST /mcp tools/call
// stream), and returns its data payload.
func readTerminalSSEFrame(t *testing.T, r *bufio.Reader) (eventType string, data []byte) {
	t.Helper()
	var lastEvent string
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		line, err := r.ReadString('\n')
		if err != nil {
			t.Fatalf("ReadString: %v", err)
		}
		switch {
		case strings.HasPrefix(line, "event: "):
			lastEvent = strings.TrimSpace(strings.TrimPrefix(line, "event: "))
		case strings.HasPrefix(line, "data: "):
			payload := strings.TrimPrefix(strings.TrimRight(line, "\n"), "data: ")
			if lastEvent == "message" {
				return lastEvent, []byte(payload)
			}
		}
	}
	t.Fatal("timed out waiting for the terminal SSE message event")
	return "", nil
}

func TestToolsCallRoundTrip(t *testing.T) {
	ts, _ := newTestServer(t)
	sid, _ := initializeSession(t, ts)

	resp := postJSON(t, ts, sid, jsonrpc.Request{
		JSONRPC: jsonrpc.Version,
		ID:      mustRaw(t, 2),
		Method:  "tools/call",
		Params:  mustRaw(t, mcp.CallToolParams{Name: "echo", Arguments: map[string]any{"message": "hi"}}),
	})
	defer resp.Body.Close()

	if got := resp.Header.Get("Content-Type"); !strings.HasPrefix(got, "text/event-stream") {
		t.Fatalf("Content-Type = %q, want text/event-stream", got)
	}

	_, data := readTerminalSSEFrame(t, bufio.NewReader(resp.Body))
	var rpcResp jsonrpc.Response
	if err := json.Unmarshal(data, &rpcResp); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	b, _ := json.Marshal(rpcResp.Result)
	var result mcp.CallToolResult
	if err := json.Unmarshal(b, &result); err != nil {
		t.Fatalf("unmarshal CallToolResult: %v", err)
	}
	if len(result.Content) != 1 || result.Content[0].Text != "hi" {
		t.Fatalf("unexpected content: %+v", result.Content)
	}
}

func TestToolsCallSSEEmitsServerRequestThenTerminalMessage(t *testing.T) {
	reg := registry.New("test-1.0.0")
	if err := reg.RegisterTool("sample", func(ctx context.Context, args map[string]any) (any, error) {
		return mcpctx.ListRoots(ctx)
	}); err != nil {
		t.Fatalf("RegisterTool: %v", err)
	}
	d := protocol.New(protocol.Implementation{Name: "test-server", Version: "1.0.0"}, reg)
	tr := New(d, nil, nil)
	ts := httptest.NewServer(tr.Router())
	t.Cleanup(ts.Close)

	resp := postJSON(t, ts, "", jsonrpc.Request{
		JSONRPC: jsonrpc.Version,
		ID:      mustRaw(t, 1),
		Method:  "initialize",
		Params: mustRaw(t, mcp.InitializeParams{
			ProtocolVersion: "2025-06-18",
			Capabilities:    mcp.ClientCapabilities{Roots: &mcp.ListChanged{ListChanged: true}},
		}),
	})
	var initResp jsonrpc.Response
	if err := json.NewDecoder(resp.Body).Decode(&initResp); err != nil {
		t.Fatalf("decode initialize: %v", err)
	}
	resp.Body.Close()
	sid := resp.Header.Get(sessionHeader)

	callResp := postJSON(t, ts, sid, jsonrpc.Request{
		JSONRPC: jsonrpc.Version,
		ID:      mustRaw(t, 2),
		Method:  "tools/call",
		Params:  mustRaw(t, mcp.CallToolParams{Name: "sample"}),
	})
	defer callResp.Body.Close()
	reader := bufio.NewReader(callResp.Body)

	var sawServerRequest bool
	var lastEvent string
	var reqID json.RawMessage
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		line, err := reader.ReadString('\n')
		if err != nil {
			t.Fatalf("ReadString: %v", err)
		}
		switch {
		case strings.HasPrefix(line, "event: "):
			lastEvent = strings.TrimSpace(strings.TrimPrefix(line, "event: "))
		case strings.HasPrefix(line, "data: "):
			payload := strings.TrimPrefix(strings.TrimRight(line, "\n"), "data: ")
			if lastEvent == "server_request" {
				sawServerRequest = true
				var req jsonrpc.Request
				if err := json.Unmarshal([]byte(payload), &req); err != nil {
					t.Fatalf("unmarshal server_request: %v", err)
				}
				reqID = req.ID
				rb := mustRaw(t, jsonrpc.BaseMessage{
					JSONRPC: jsonrpc.Version,
					ID:      reqID,
					Result:  mustRaw(t, mcp.ListRootsResult{Roots: []mcp.Root{}}),
				})
				rreq, err := http.NewRequest(http.MethodPost, ts.URL+"/respond", bytes.NewReader(rb))
				if err != nil {
					t.Fatalf("NewRequest: %v", err)
				}
				rreq.Header.Set("Content-Type", "application/json")
				rreq.Header.Set(sessionHeader, sid)
				respondResp, err := ts.Client().Do(rreq)
				if err != nil {
					t.Fatalf("Do: %v", err)
				}
				respondResp.Body.Close()
			}
			if lastEvent == "message" {
				if !sawServerRequest {
					t.Fatal("terminal message event arrived before any server_request event")
				}
				return
			}
		}
	}
	t.Fatal("timed out waiting for the terminal message event")
}

func TestNotificationGetsAccepted(t *testing.T) {
	ts, _ := newTestServer(t)
	resp := postJSON(t, ts, "", jsonrpc.Notification{JSONRPC: jsonrpc.Version, Method: "notifications/initialized"})
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("expected 202 Accepted, got %d", resp.StatusCode)
	}
}

func TestDeleteTerminatesSession(t *testing.T) {
	ts, d := newTestServer(t)
	sid, _ := initializeSession(t, ts)

	req, err := http.NewRequest(http.MethodDelete, ts.URL+"/", nil)
	if err != nil {
		t.Fatalf("NewRequest: %v", err)
	}
	req.Header.Set(sessionHeader, sid)
	resp, err := ts.Client().Do(req)
	if err != nil {
		t.Fatalf("Do: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("expected 204 No Content, got %d", resp.StatusCode)
	}
	if _, ok := d.Sessions().Get(sid); ok {
		t.Fatal("session should have been removed")
	}
}

func TestSSEStreamDeliversServerRequest(t *testing.T) {
	ts, d := newTestServer(t)
	sid, _ := initializeSession(t, ts)

	req, err := http.NewRequest(http.MethodGet, ts.URL+"/", nil)
	if err != nil {
		t.Fatalf("NewRequest: %v", err)
	}
	req.Header.Set(sessionHeader, sid)
	resp, err := ts.Client().Do(req)
	if err != nil {
		t.Fatalf("Do: %v", err)
	}
	defer resp.Body.Close()

	sendDone := make(chan struct{})
	go func() {
		defer close(sendDone)
		_, _ = d.SendServerRequestForTest(context.Background(), sid, "roots/list", nil)
	}()

	reader := bufio.NewReader(resp.Body)
	var dataLine string
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		line, err := reader.ReadString('\n')
		if err != nil {
			t.Fatalf("ReadString: %v", err)
		}
		if strings.HasPrefix(line, "data: ") {
			dataLine = strings.TrimPrefix(strings.TrimRight(line, "\n"), "data: ")
			break
		}
	}
	if dataLine == "" {
		t.Fatal("timed out waiting for an SSE data line")
	}

	var req2 jsonrpc.Request
	if err := json.Unmarshal([]byte(dataLine), &req2); err != nil {
		t.Fatalf("unmarshal pushed request: %v", err)
	}
	if req2.Method != "roots/list" {
		t.Fatalf("unexpected method %q", req2.Method)
	}

	respondResp := postJSON(t, ts, "", jsonrpc.BaseMessage{
		JSONRPC: jsonrpc.Version,
		ID:      req2.ID,
		Result:  mustRaw(t, mcp.ListRootsResult{Roots: []mcp.Root{}}),
	})
	respondResp.Body.Close()
}

func TestSecondConcurrentGetStreamIsRejectedWith409(t *testing.T) {
	ts, _ := newTestServer(t)
	sid, _ := initializeSession(t, ts)

	newGet := func() *http.Response {
		req, err := http.NewRequest(http.MethodGet, ts.URL+"/", nil)
		if err != nil {
			t.Fatalf("NewRequest: %v", err)
		}
		req.Header.Set(sessionHeader, sid)
		resp, err := ts.Client().Do(req)
		if err != nil {
			t.Fatalf("Do: %v", err)
		}
		return resp
	}

	first := newGet()
	defer first.Body.Close()
	// Give the first stream's handler a moment to call TryProtect before the
	// second request races it.
	time.Sleep(50 * time.Millisecond)

	second := newGet()
	defer second.Body.Close()
	if second.StatusCode != http.StatusConflict {
		t.Fatalf("second concurrent GET status = %d, want 409", second.StatusCode)
	}
}
