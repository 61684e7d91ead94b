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

// Package mcp holds the Model Context Protocol wire types: capability
// negotiation, handler manifests, content blocks, and the payloads for the
// server-initiated RPCs (sampling, elicitation, roots).
package mcp

// DefaultProtocolVersion is returned when the client's requested version is
// unrecognized.
const DefaultProtocolVersion = "2025-11-25"

// SupportedProtocolVersions lists every protocol version this server
// understands, newest first.
var SupportedProtocolVersions = []string{"2025-11-25", "2025-06-18", "2025-03-26"}

// IsSupportedProtocolVersion reports whether v is one this server accepts.
func IsSupportedProtocolVersion(v string) bool {
	for _, s := range SupportedProtocolVersions {
		if s == v {
			return true
		}
	}
	return false
}

// Implementation describes the name/version of a client or server.
type Implementation struct {
	Name        string   `json:"name"`
	Version     string   `json:"version"`
	Title       string   `json:"title,omitempty"`
	Description string   `json:"description,omitempty"`
	Icons       []Icon   `json:"icons,omitempty"`
	WebsiteURL  string   `json:"websiteUrl,omitempty"`
}

// Icon is a displayable icon reference.
type Icon struct {
	Src   string `json:"src"`
	Sizes string `json:"sizes,omitempty"`
	Type  string `json:"type,omitempty"`
}

// ListChanged advertises whether the server will emit list-changed
// notifications for a given handler kind.
type ListChanged struct {
	ListChanged bool `json:"listChanged"`
}

// ClientCapabilities are declared by the client at initialize.
type ClientCapabilities struct {
	Experimental map[string]any `json:"experimental,omitempty"`
	Roots        *ListChanged   `json:"roots,omitempty"`
	Sampling     map[string]any `json:"sampling,omitempty"`
	Elicitation  map[string]any `json:"elicitation,omitempty"`
}

func (c ClientCapabilities) SupportsSampling() bool    { return c.Sampling != nil }
func (c ClientCapabilities) SupportsElicitation() bool { return c.Elicitation != nil }
func (c ClientCapabilities) SupportsRoots() bool        { return c.Roots != nil }

// ServerCapabilities are returned by the server at initialize.
type ServerCapabilities struct {
	Tools         *ListChanged   `json:"tools,omitempty"`
	Resources     *ResourceCaps  `json:"resources,omitempty"`
	Prompts       *ListChanged   `json:"prompts,omitempty"`
	Logging       map[string]any `json:"logging,omitempty"`
	Completions   map[string]any `json:"completions,omitempty"`
	Experimental  map[string]any `json:"experimental,omitempty"`
}

// ResourceCaps advertises resource list-changed and subscribe support.
type ResourceCaps struct {
	ListChanged bool `json:"listChanged"`
	Subscribe   bool `json:"subscribe"`
}

// InitializeParams is the params object of an `initialize` request.
type InitializeParams struct {
	ProtocolVersion string             `json:"protocolVersion"`
	Capabilities    ClientCapabilities `json:"capabilities"`
	ClientInfo      Implementation     `json:"clientInfo"`
}

// InitializeResult is the result object of an `initialize` response.
type InitializeResult struct {
	ProtocolVersion string             `json:"protocolVersion"`
	Capabilities    ServerCapabilities `json:"capabilities"`
	ServerInfo      Implementation     `json:"serverInfo"`
	Instructions    string             `json:"instructions,omitempty"`
	SessionID       string             `json:"sessionId,omitempty"`
}

// Cursor is an opaque pagination token.
type Cursor string

// PaginatedResult is embedded by list results that support pagination.
type PaginatedResult struct {
	NextCursor Cursor `json:"nextCursor,omitempty"`
}

// ToolAnnotations are behavioral hints about a tool, surfaced to clients so
// they can decide how to present or gate a call.
type ToolAnnotations struct {
	ReadOnlyHint    bool `json:"readOnlyHint,omitempty"`
	DestructiveHint bool `json:"destructiveHint,omitempty"`
	IdempotentHint  bool `json:"idempotentHint,omitempty"`
	OpenWorldHint   bool `json:"openWorldHint,omitempty"`
}

// ToolManifest is the wire representation of a registered tool.
type ToolManifest struct {
	Name        string          `json:"name"`
	Title       string          `json:"title,omitempty"`
	Description string          `json:"description,omitempty"`
	InputSchema JSONSchema      `json:"inputSchema"`
	OutputSchema *JSONSchema    `json:"outputSchema,omitempty"`
	Annotations *ToolAnnotations `json:"annotations,omitempty"`
	Icons       []Icon          `json:"icons,omitempty"`
	Meta        map[string]any  `json:"_meta,omitempty"`
}

// ListToolsResult is the result of `tools/list`.
type ListToolsResult struct {
	PaginatedResult
	Tools []ToolManifest `json:"tools"`
}

// JSONSchema is a (simplified) JSON Schema document, enough to express the
// handler parameter shapes this framework derives schemas for: scalars,
// arrays, objects (with $defs for recursive records), and enums.
type JSONSchema struct {
	Type                 string                 `json:"type,omitempty"`
	Description          string                 `json:"description,omitempty"`
	Properties           map[string]*JSONSchema `json:"properties,omitempty"`
	Required             []string               `json:"required,omitempty"`
	Items                *JSONSchema            `json:"items,omitempty"`
	Enum                 []any                  `json:"enum,omitempty"`
	Defs                 map[string]*JSONSchema `json:"$defs,omitempty"`
	Ref                  string                 `json:"$ref,omitempty"`
	AdditionalProperties *bool                  `json:"additionalProperties,omitempty"`
}

// CallToolParams is the params object of a `tools/call` request.
type CallToolParams struct {
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments,omitempty"`
	Meta      map[string]any `json:"_meta,omitempty"`
}

// Content is one block of tool/prompt/resource content. Only one of Text,
// Data+MimeType, or Resource is populated depending on Type.
type Content struct {
	Type     string          `json:"type"`
	Text     string          `json:"text,omitempty"`
	Data     string          `json:"data,omitempty"`
	MimeType string          `json:"mimeType,omitempty"`
	Resource *EmbeddedResource `json:"resource,omitempty"`
}

// TextContent builds a Content of type "text".
func TextContent(s string) Content { return Content{Type: "text", Text: s} }

// EmbeddedResource is a resource embedded directly in a content block.
type EmbeddedResource struct {
	URI      string `json:"uri"`
	MimeType string `json:"mimeType,omitempty"`
	Text     string `json:"text,omitempty"`
	Blob     string `json:"blob,omitempty"`
}

// CallToolResult is the result of `tools/call`. StructuredContent and Meta
// are omitted from the wire form when nil/empty.
type CallToolResult struct {
	Content           []Content      `json:"content"`
	StructuredContent any            `json:"structuredContent,omitempty"`
	IsError           bool           `json:"isError,omitempty"`
	Meta              map[string]any `json:"_meta,omitempty"`
}

// TaskAcceptedResult is returned by `tools/call` when the invocation was
// converted into a long-running task instead of executing synchronously.
type TaskAcceptedResult struct {
	TaskID string `json:"taskId"`
	Status string `json:"status"`
}

// ResourceManifest is the wire representation of a registered resource.
type ResourceManifest struct {
	URI         string         `json:"uri"`
	Name        string         `json:"name"`
	Title       string         `json:"title,omitempty"`
	Description string         `json:"description,omitempty"`
	MimeType    string         `json:"mimeType,omitempty"`
	Icons       []Icon         `json:"icons,omitempty"`
	Meta        map[string]any `json:"_meta,omitempty"`
}

// ResourceTemplateManifest is the wire representation of a registered
// resource template (RFC 6570 level-1 URI template).
type ResourceTemplateManifest struct {
	URITemplate string         `json:"uriTemplate"`
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	MimeType    string         `json:"mimeType,omitempty"`
	Icons       []Icon         `json:"icons,omitempty"`
}

// ListResourcesResult is the result of `resources/list`.
type ListResourcesResult struct {
	PaginatedResult
	Resources []ResourceManifest `json:"resources"`
}

// ListResourceTemplatesResult is the result of `resources/templates/list`.
type ListResourceTemplatesResult struct {
	PaginatedResult
	ResourceTemplates []ResourceTemplateManifest `json:"resourceTemplates"`
}

// ReadResourceParams is the params object of `resources/read`.
type ReadResourceParams struct {
	URI string `json:"uri"`
}

// ReadResourceResult is the result of `resources/read`.
type ReadResourceResult struct {
	Contents []EmbeddedResource `json:"contents"`
}

// SubscribeParams is shared by `resources/subscribe` and `/unsubscribe`.
type SubscribeParams struct {
	URI string `json:"uri"`
}

// ResourceUpdatedParams is the params of `notifications/resources/updated`.
type ResourceUpdatedParams struct {
	URI string `json:"uri"`
}

// PromptArgument describes one parameter of a registered prompt.
type PromptArgument struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Required    bool   `json:"required,omitempty"`
}

// PromptManifest is the wire representation of a registered prompt.
type PromptManifest struct {
	Name        string           `json:"name"`
	Title       string           `json:"title,omitempty"`
	Description string           `json:"description,omitempty"`
	Arguments   []PromptArgument `json:"arguments,omitempty"`
}

// ListPromptsResult is the result of `prompts/list`.
type ListPromptsResult struct {
	PaginatedResult
	Prompts []PromptManifest `json:"prompts"`
}

// GetPromptParams is the params object of `prompts/get`.
type GetPromptParams struct {
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments,omitempty"`
}

// PromptMessage is one message in a rendered prompt.
type PromptMessage struct {
	Role    string  `json:"role"`
	Content Content `json:"content"`
}

// GetPromptResult is the result of `prompts/get`.
type GetPromptResult struct {
	Description string          `json:"description,omitempty"`
	Messages    []PromptMessage `json:"messages"`
}

// CompletionRef identifies what a `completion/complete` request is
// completing against.
type CompletionRef struct {
	Type string `json:"type"`
	Name string `json:"name,omitempty"`
	URI  string `json:"uri,omitempty"`
}

// CompleteParams is the params object of `completion/complete`.
type CompleteParams struct {
	Ref      CompletionRef  `json:"ref"`
	Argument map[string]any `json:"argument"`
}

// CompleteResult is the result of `completion/complete`.
type CompleteResult struct {
	Completion CompletionValues `json:"completion"`
}

// CompletionValues carries the candidate completion values.
type CompletionValues struct {
	Values  []string `json:"values"`
	Total   int      `json:"total,omitempty"`
	HasMore bool     `json:"hasMore,omitempty"`
}

/* Sampling (server -> client) */

// SamplingMessage is one message in a createMessage request.
type SamplingMessage struct {
	Role    string  `json:"role"`
	Content Content `json:"content"`
}

// ModelPreferences hints the client's model selection for a sampling call.
type ModelPreferences struct {
	Hints                []map[string]string `json:"hints,omitempty"`
	CostPriority         float64              `json:"costPriority,omitempty"`
	SpeedPriority        float64              `json:"speedPriority,omitempty"`
	IntelligencePriority float64              `json:"intelligencePriority,omitempty"`
}

// CreateMessageParams is the params object of `sampling/createMessage`.
type CreateMessageParams struct {
	Messages         []SamplingMessage `json:"messages"`
	ModelPreferences *ModelPreferences `json:"modelPreferences,omitempty"`
	SystemPrompt     string            `json:"systemPrompt,omitempty"`
	MaxTokens        int               `json:"maxTokens,omitempty"`
}

// CreateMessageResult is the result of `sampling/createMessage`.
type CreateMessageResult struct {
	Role       string  `json:"role"`
	Content    Content `json:"content"`
	Model      string  `json:"model"`
	StopReason string  `json:"stopReason,omitempty"`
}

/* Elicitation (server -> client) */

// ElicitParams is the params object of `elicitation/create`. Form-mode
// supplies RequestedSchema; URL-mode is signaled separately via a
// KindURLElicitationRequired error rather than this RPC.
type ElicitParams struct {
	Message         string      `json:"message"`
	RequestedSchema *JSONSchema `json:"requestedSchema,omitempty"`
}

// ElicitResult is the result of `elicitation/create`.
type ElicitResult struct {
	Action  string         `json:"action"` // accept | decline | cancel
	Content map[string]any `json:"content,omitempty"`
}

/* Roots (server -> client) */

// Root is one filesystem root reported by the client.
type Root struct {
	URI  string `json:"uri"`
	Name string `json:"name,omitempty"`
}

// ListRootsResult is the result of `roots/list`.
type ListRootsResult struct {
	Roots []Root `json:"roots"`
}

/* Progress (server -> client notification) */

// ProgressParams is the params object of `notifications/progress`.
type ProgressParams struct {
	ProgressToken any     `json:"progressToken"`
	Progress      float64 `json:"progress"`
	Total         float64 `json:"total,omitempty"`
	Message       string  `json:"message,omitempty"`
}

/* Logging */

// SetLevelParams is the params object of `logging/setLevel`.
type SetLevelParams struct {
	Level string `json:"level"`
}

// LogNotificationParams is the params object of `notifications/message`.
type LogNotificationParams struct {
	Level  string `json:"level"`
	Logger string `json:"logger,omitempty"`
	Data   any    `json:"data"`
}

/* Tasks */

// TaskStatusParams is the params object of `notifications/tasks/status`.
type TaskStatusParams struct {
	TaskID string `json:"taskId"`
	Status string `json:"status"`
}

// CancelledParams is the params object of `notifications/cancelled`.
type CancelledParams struct {
	RequestID any    `json:"requestId"`
	Reason    string `json:"reason,omitempty"`
}
