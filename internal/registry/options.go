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

package registry

import "github.com/jfellow/mcpforge/internal/mcp"

// toolOpts collects the optional fields of a tool registration.
type toolOpts struct {
	description     string
	params          []ParamSpec
	outputSchema    *ParamSpec
	readOnlyHint    bool
	destructiveHint bool
	idempotentHint  bool
	openWorldHint   bool
	icons           []mcp.Icon
	meta            map[string]any
	requiresAuth    bool
	authScopes      []string
	rateLimitRPS    float64
	longRunning     bool
}

// ToolOption configures a RegisterTool call.
type ToolOption func(*toolOpts)

func WithDescription(d string) ToolOption { return func(o *toolOpts) { o.description = d } }
func WithParams(params []ParamSpec) ToolOption {
	return func(o *toolOpts) { o.params = params }
}
func WithOutputSchema(s ParamSpec) ToolOption { return func(o *toolOpts) { o.outputSchema = &s } }
func WithReadOnlyHint() ToolOption            { return func(o *toolOpts) { o.readOnlyHint = true } }
func WithDestructiveHint() ToolOption         { return func(o *toolOpts) { o.destructiveHint = true } }
func WithIdempotentHint() ToolOption          { return func(o *toolOpts) { o.idempotentHint = true } }
func WithOpenWorldHint() ToolOption           { return func(o *toolOpts) { o.openWorldHint = true } }
func WithIcons(icons ...mcp.Icon) ToolOption  { return func(o *toolOpts) { o.icons = icons } }
func WithMeta(meta map[string]any) ToolOption { return func(o *toolOpts) { o.meta = meta } }
func WithAuth(scopes ...string) ToolOption {
	return func(o *toolOpts) { o.requiresAuth = true; o.authScopes = scopes }
}
func WithRateLimit(rps float64) ToolOption { return func(o *toolOpts) { o.rateLimitRPS = rps } }

// WithLongRunning marks a tool as long-running (spec §4.3/§8.2 S6): a
// tools/call invocation is dispatched to a task instead of being awaited
// inline, and the call returns {taskId, status: "working"} immediately.
func WithLongRunning() ToolOption { return func(o *toolOpts) { o.longRunning = true } }

// resourceOpts collects the optional fields of a resource registration.
type resourceOpts struct {
	name        string
	description string
	mimeType    string
	icons       []mcp.Icon
	cacheTTLSec int
}

type ResourceOption func(*resourceOpts)

func WithResourceName(n string) ResourceOption { return func(o *resourceOpts) { o.name = n } }
func WithResourceDescription(d string) ResourceOption {
	return func(o *resourceOpts) { o.description = d }
}
func WithMimeType(m string) ResourceOption { return func(o *resourceOpts) { o.mimeType = m } }
func WithResourceIcons(icons ...mcp.Icon) ResourceOption {
	return func(o *resourceOpts) { o.icons = icons }
}
func WithCacheTTL(seconds int) ResourceOption {
	return func(o *resourceOpts) { o.cacheTTLSec = seconds }
}

// promptOpts collects the optional fields of a prompt registration.
type promptOpts struct {
	description string
	params      []ParamSpec
}

type PromptOption func(*promptOpts)

func WithPromptDescription(d string) PromptOption {
	return func(o *promptOpts) { o.description = d }
}
func WithPromptParams(params []ParamSpec) PromptOption {
	return func(o *promptOpts) { o.params = params }
}
