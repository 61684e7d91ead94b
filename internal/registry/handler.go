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

import (
	"encoding/json"
	"fmt"

	"github.com/jfellow/mcpforge/internal/mcp"
)

// handler is the registry's internal record for one tool/resource/template/
// prompt: the live callable plus its pre-computed schema and wire bytes.
type handler struct {
	kind Kind
	name string

	tool             ToolFunc
	resource         ResourceFunc
	resourceTemplate ResourceTemplateFunc
	prompt           PromptFunc

	params       []ParamSpec
	requiresAuth bool
	authScopes   []string
	rateLimitRPS float64
	longRunning  bool

	// manifest is the decoded wire representation; wireBytes is its
	// serialized form, computed once at registration/invalidation and never
	// mutated in place. Registry.List returns a copy of wireBytes so a
	// caller mutating the returned value cannot affect future reads.
	manifest  any
	wireBytes json.RawMessage
}

// AuthRequirement reports whether calling this handler requires an
// authenticated caller and, if so, which scopes.
func (h *handler) AuthRequirement() (required bool, scopes []string) {
	return h.requiresAuth, h.authScopes
}

// recompute derives the manifest and wire bytes for h from its current
// registration data. Called once at registration and again on Invalidate.
func (h *handler) recompute(serverVersion string) error {
	switch h.kind {
	case KindTool:
		return h.recomputeTool()
	case KindResource:
		return h.recomputeResource()
	case KindResourceTemplate:
		return h.recomputeResourceTemplate()
	case KindPrompt:
		return h.recomputePrompt()
	default:
		return fmt.Errorf("unknown handler kind %q", h.kind)
	}
}

func (h *handler) recomputeTool() error {
	t, ok := h.manifest.(mcp.ToolManifest)
	if !ok {
		return fmt.Errorf("tool %q: manifest not initialized", h.name)
	}
	t.InputSchema = buildObjectSchema(h.params)
	h.manifest = t
	b, err := json.Marshal(t)
	if err != nil {
		return fmt.Errorf("tool %q: marshal manifest: %w", h.name, err)
	}
	h.wireBytes = b
	return nil
}

func (h *handler) recomputeResource() error {
	r, ok := h.manifest.(mcp.ResourceManifest)
	if !ok {
		return fmt.Errorf("resource %q: manifest not initialized", h.name)
	}
	b, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("resource %q: marshal manifest: %w", h.name, err)
	}
	h.wireBytes = b
	return nil
}

func (h *handler) recomputeResourceTemplate() error {
	r, ok := h.manifest.(mcp.ResourceTemplateManifest)
	if !ok {
		return fmt.Errorf("resource template %q: manifest not initialized", h.name)
	}
	b, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("resource template %q: marshal manifest: %w", h.name, err)
	}
	h.wireBytes = b
	return nil
}

func (h *handler) recomputePrompt() error {
	p, ok := h.manifest.(mcp.PromptManifest)
	if !ok {
		return fmt.Errorf("prompt %q: manifest not initialized", h.name)
	}
	args := make([]mcp.PromptArgument, 0, len(h.params))
	for _, ps := range h.params {
		args = append(args, mcp.PromptArgument{
			Name:        ps.Name,
			Description: ps.Description,
			Required:    ps.Required,
		})
	}
	p.Arguments = args
	h.manifest = p
	b, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("prompt %q: marshal manifest: %w", h.name, err)
	}
	h.wireBytes = b
	return nil
}
