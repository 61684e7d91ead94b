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

package stdio

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/jfellow/mcpforge/internal/jsonrpc"
	"github.com/jfellow/mcpforge/internal/log"
	"github.com/jfellow/mcpforge/internal/mcp"
	"github.com/jfellow/mcpforge/internal/protocol"
	"github.com/jfellow/mcpforge/internal/registry"
)

// pipeWriter lets the test append lines after Run has already started
// reading, and lets Run's writes be read back incrementally.
type pipeWriter struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (p *pipeWriter) Write(b []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.buf.Write(b)
}

func (p *pipeWriter) readLine() (string, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	s := p.buf.String()
	idx := bytes.IndexByte([]byte(s), '\n')
	if idx < 0 {
		return "", false
	}
	line := s[:idx]
	p.buf.Next(idx + 1)
	return line, true
}

func waitForLine(t *testing.T, w *pipeWriter) string {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if line, ok := w.readLine(); ok {
			return line
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("timed out waiting for a response line")
	return ""
}

func newTestDispatcher(t *testing.T) *protocol.Dispatcher {
	t.Helper()
	reg := registry.New("test-1.0.0")
	if err := reg.RegisterTool("echo", func(ctx context.Context, args map[string]any) (any, error) {
		return args["message"], nil
	}, registry.WithParams([]registry.ParamSpec{{Name: "message", Type: registry.TypeString, Required: true}})); err != nil {
		t.Fatalf("RegisterTool: %v", err)
	}
	return protocol.New(protocol.Implementation{Name: "test-server", Version: "1.0.0"}, reg)
}

func TestRunEstablishesSessionAndAnswersToolCall(t *testing.T) {
	d := newTestDispatcher(t)
	in, inWriter := io.Pipe()
	out := &pipeWriter{}
	logger, err := log.NewStdLogger(io.Discard, io.Discard, "error")
	if err != nil {
		t.Fatalf("NewStdLogger: %v", err)
	}
	sess := New(d, logger, in, out)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- sess.Run(ctx) }()

	writeLine(t, inWriter, jsonrpc.Request{
		JSONRPC: jsonrpc.Version,
		ID:      mustRaw(t, 1),
		Method:  "initialize",
		Params:  mustRaw(t, mcp.InitializeParams{ProtocolVersion: "2025-06-18"}),
	})

	initLine := waitForLine(t, out)
	var initResp jsonrpc.Response
	if err := json.Unmarshal([]byte(initLine), &initResp); err != nil {
		t.Fatalf("unmarshal init response: %v", err)
	}
	b, _ := json.Marshal(initResp.Result)
	var initResult mcp.InitializeResult
	if err := json.Unmarshal(b, &initResult); err != nil {
		t.Fatalf("unmarshal InitializeResult: %v", err)
	}
	if initResult.SessionID == "" {
		t.Fatal("expected a session id from initialize")
	}

	writeLine(t, inWriter, jsonrpc.Request{
		JSONRPC: jsonrpc.Version,
		ID:      mustRaw(t, 2),
		Method:  "tools/call",
		Params:  mustRaw(t, mcp.CallToolParams{Name: "echo", Arguments: map[string]any{"message": "hi"}}),
	})

	callLine := waitForLine(t, out)
	var callResp jsonrpc.Response
	if err := json.Unmarshal([]byte(callLine), &callResp); err != nil {
		t.Fatalf("unmarshal tool call response: %v", err)
	}
	cb, _ := json.Marshal(callResp.Result)
	var result mcp.CallToolResult
	if err := json.Unmarshal(cb, &result); err != nil {
		t.Fatalf("unmarshal CallToolResult: %v", err)
	}
	if len(result.Content) != 1 || result.Content[0].Text != "hi" {
		t.Fatalf("unexpected content: %+v", result.Content)
	}

	inWriter.Close()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after input closed")
	}
}

func TestIsResponseLineDistinguishesRequestsFromResponses(t *testing.T) {
	req := mustRaw(t, jsonrpc.Request{JSONRPC: jsonrpc.Version, ID: mustRaw(t, 1), Method: "ping"})
	if isResponseLine(req) {
		t.Fatal("a request line should not be classified as a response")
	}
	resp := mustRaw(t, jsonrpc.BaseMessage{JSONRPC: jsonrpc.Version, ID: mustRaw(t, 1), Result: mustRaw(t, "ok")})
	if !isResponseLine(resp) {
		t.Fatal("a result-bearing line with no method should be classified as a response")
	}
}

func mustRaw(t *testing.T, v any) json.RawMessage {
	t.Helper()
	b, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return b
}

func writeLine(t *testing.T, w io.Writer, v any) {
	t.Helper()
	b, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if _, err := fmt.Fprintf(w, "%s\n", b); err != nil {
		t.Fatalf("write: %v", err)
	}
}
