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

	"github.com/jfellow/mcpforge/internal/mcp"
	"github.com/jfellow/mcpforge/internal/mcpctx"
)

// normalizeToolResult implements the result-normalization contract: a
// value already shaped like {content, structuredContent} passes through
// untouched (so a view-schema decorator can produce a pre-formatted MCP
// Apps response); anything else is wrapped as a single text content
// block. Resource links accumulated on the scope during the call are
// attached under _meta.links.
func normalizeToolResult(ctx context.Context, result any) mcp.CallToolResult {
	out := asCallToolResult(result)

	links := mcpctx.Links(ctx)
	if len(links) > 0 {
		if out.Meta == nil {
			out.Meta = map[string]any{}
		}
		out.Meta["links"] = links
	}
	return out
}

// asCallToolResult converts result into the wire shape. A map or struct
// already carrying a "content"/Content field is treated as pre-shaped.
func asCallToolResult(result any) mcp.CallToolResult {
	switch v := result.(type) {
	case mcp.CallToolResult:
		return v
	case *mcp.CallToolResult:
		return *v
	case map[string]any:
		if content, ok := v["content"]; ok {
			blocks, ok := toContentBlocks(content)
			if ok {
				r := mcp.CallToolResult{Content: blocks}
				if sc, ok := v["structuredContent"]; ok {
					r.StructuredContent = sc
				}
				return r
			}
		}
		return wrapAsText(v)
	default:
		return wrapAsText(v)
	}
}

func toContentBlocks(v any) ([]mcp.Content, bool) {
	items, ok := v.([]any)
	if !ok {
		if blocks, ok := v.([]mcp.Content); ok {
			return blocks, true
		}
		return nil, false
	}
	out := make([]mcp.Content, 0, len(items))
	for _, item := range items {
		m, ok := item.(map[string]any)
		if !ok {
			return nil, false
		}
		b, err := json.Marshal(m)
		if err != nil {
			return nil, false
		}
		var c mcp.Content
		if err := json.Unmarshal(b, &c); err != nil {
			return nil, false
		}
		out = append(out, c)
	}
	return out, true
}

func wrapAsText(v any) mcp.CallToolResult {
	text := stringifyResult(v)
	return mcp.CallToolResult{Content: []mcp.Content{mcp.TextContent(text)}}
}

func stringifyResult(v any) string {
	if s, ok := v.(string); ok {
		return s
	}
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprintf("%v", v)
	}
	return string(b)
}
