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

// Package registry owns the set of registered tools, resources, resource
// templates, and prompts. Each handler's JSON Schema and wire-format bytes
// are computed once at registration and cached; re-serializing a handler
// requires an explicit Invalidate call.
//
// The source derives schemas from Python type hints at call time. Go has no
// runtime type hints, so registration here takes an explicit []ParamSpec
// descriptor list (the static-schema-generation option named in the design
// notes this module grew from) instead of reflecting over fn.
package registry

import "context"

// Kind discriminates the four handler tables.
type Kind string

const (
	KindTool             Kind = "tool"
	KindResource         Kind = "resource"
	KindResourceTemplate Kind = "resourceTemplate"
	KindPrompt           Kind = "prompt"
)

// ParamType is the scalar/compound type of one parameter, mapped onto JSON
// Schema per the registry's type-mapping contract.
type ParamType string

const (
	TypeString  ParamType = "string"
	TypeInteger ParamType = "integer"
	TypeNumber  ParamType = "number"
	TypeBoolean ParamType = "boolean"
	TypeArray   ParamType = "array"
	TypeObject  ParamType = "object"
)

// ParamSpec describes one handler parameter (or, recursively, one field of
// an object parameter / one element of an array parameter).
type ParamSpec struct {
	Name        string
	Type        ParamType
	Description string
	Required    bool
	Enum        []string     // when set, Type must be TypeString
	Items       *ParamSpec   // required when Type == TypeArray
	Properties  []ParamSpec  // required when Type == TypeObject
	Ref         string       // set to reference a recursive $defs entry instead of inlining Properties
}

// ToolFunc is a registered tool's implementation. args has already been
// coerced against the tool's schema by the protocol handler. The return
// value is normalized by the protocol handler per the result-normalization
// contract: a {content, structuredContent} shaped map/struct passes
// through untouched, anything else is wrapped as text content.
type ToolFunc func(ctx context.Context, args map[string]any) (any, error)

// ResourceFunc reads the content of a registered resource.
type ResourceFunc func(ctx context.Context, uri string) (mime string, content string, err error)

// ResourceTemplateFunc resolves a URI matched against a resource template's
// pattern into content, given the template's bound variables.
type ResourceTemplateFunc func(ctx context.Context, uri string, vars map[string]string) (mime string, content string, err error)

// PromptFunc renders a registered prompt into a sequence of messages.
type PromptFunc func(ctx context.Context, args map[string]any) (description string, messages []PromptMessage, err error)

// PromptMessage mirrors mcp.PromptMessage without importing the mcp package
// here, to keep registry free of the wire-type dependency in its function
// signatures; the protocol package converts between the two.
type PromptMessage struct {
	Role string
	Text string
}
