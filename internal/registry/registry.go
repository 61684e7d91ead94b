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
	"encoding/base64"
	"encoding/json"
	"fmt"
	"regexp"
	"sort"
	"sync"

	"github.com/antzucaro/matchr"
	"github.com/jfellow/mcpforge/internal/mcp"
	"github.com/jfellow/mcpforge/internal/mcperr"
)

var toolNamePattern = regexp.MustCompile(`^[A-Za-z0-9_.\-]{1,128}$`)

// Registry owns the four kind-specific handler tables. All mutations are
// serialized by mu; lookups take the same lock since handler tables are
// small and this is not expected to be a contention point.
type Registry struct {
	mu            sync.Mutex
	serverVersion string
	tables        map[Kind]*table
}

// table preserves insertion order for stable pagination while allowing O(1)
// lookup by name.
type table struct {
	order []string
	byName map[string]*handler
}

func newTable() *table {
	return &table{byName: map[string]*handler{}}
}

// New constructs an empty Registry. serverVersion is embedded in manifests
// that carry it (toolsets in the reference module; here just informational).
func New(serverVersion string) *Registry {
	r := &Registry{
		serverVersion: serverVersion,
		tables:        map[Kind]*table{},
	}
	for _, k := range []Kind{KindTool, KindResource, KindResourceTemplate, KindPrompt} {
		r.tables[k] = newTable()
	}
	return r
}

func validateName(name string) error {
	if !toolNamePattern.MatchString(name) {
		return mcperr.New(mcperr.KindInvalidName, "invalid name %q: must be 1-128 chars matching [A-Za-z0-9_.-]+", name)
	}
	return nil
}

// RegisterTool registers fn under name. Fails with KindDuplicateName if the
// name is already taken within the tool table, or KindInvalidName if name
// fails the character/length rule.
func (r *Registry) RegisterTool(name string, fn ToolFunc, opts ...ToolOption) error {
	if err := validateName(name); err != nil {
		return err
	}
	var o toolOpts
	for _, opt := range opts {
		opt(&o)
	}
	if err := validateParamSpecs(o.params); err != nil {
		return err
	}
	if o.outputSchema != nil {
		if err := validateParamSpecs([]ParamSpec{*o.outputSchema}); err != nil {
			return err
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	t := r.tables[KindTool]
	if _, exists := t.byName[name]; exists {
		return mcperr.New(mcperr.KindDuplicateName, "tool %q already registered", name)
	}

	var annotations *mcp.ToolAnnotations
	if o.readOnlyHint || o.destructiveHint || o.idempotentHint || o.openWorldHint {
		annotations = &mcp.ToolAnnotations{
			ReadOnlyHint:    o.readOnlyHint,
			DestructiveHint: o.destructiveHint,
			IdempotentHint:  o.idempotentHint,
			OpenWorldHint:   o.openWorldHint,
		}
	}
	var outputSchema *mcp.JSONSchema
	if o.outputSchema != nil {
		s := buildParamSchema(*o.outputSchema)
		outputSchema = &s
	}

	h := &handler{
		kind:         KindTool,
		name:         name,
		tool:         fn,
		params:       o.params,
		requiresAuth: o.requiresAuth,
		authScopes:   o.authScopes,
		rateLimitRPS: o.rateLimitRPS,
		longRunning:  o.longRunning,
		manifest: mcp.ToolManifest{
			Name:         name,
			Description:  o.description,
			Annotations:  annotations,
			OutputSchema: outputSchema,
			Icons:        o.icons,
			Meta:         o.meta,
		},
	}
	if err := h.recompute(r.serverVersion); err != nil {
		return fmt.Errorf("registering tool %q: %w", name, err)
	}
	t.byName[name] = h
	t.order = append(t.order, name)
	return nil
}

// RegisterResource registers a readable resource at uri.
func (r *Registry) RegisterResource(uri string, fn ResourceFunc, opts ...ResourceOption) error {
	var o resourceOpts
	for _, opt := range opts {
		opt(&o)
	}
	name := o.name
	if name == "" {
		name = uri
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	t := r.tables[KindResource]
	if _, exists := t.byName[uri]; exists {
		return mcperr.New(mcperr.KindDuplicateName, "resource %q already registered", uri)
	}

	h := &handler{
		kind:     KindResource,
		name:     uri,
		resource: fn,
		manifest: mcp.ResourceManifest{
			URI:         uri,
			Name:        name,
			Description: o.description,
			MimeType:    o.mimeType,
			Icons:       o.icons,
		},
	}
	if err := h.recompute(r.serverVersion); err != nil {
		return fmt.Errorf("registering resource %q: %w", uri, err)
	}
	t.byName[uri] = h
	t.order = append(t.order, uri)
	return nil
}

// RegisterResourceTemplate registers an RFC 6570 level-1 URI template.
func (r *Registry) RegisterResourceTemplate(uriTemplate string, fn ResourceTemplateFunc, opts ...ResourceOption) error {
	var o resourceOpts
	for _, opt := range opts {
		opt(&o)
	}
	name := o.name
	if name == "" {
		name = uriTemplate
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	t := r.tables[KindResourceTemplate]
	if _, exists := t.byName[uriTemplate]; exists {
		return mcperr.New(mcperr.KindDuplicateName, "resource template %q already registered", uriTemplate)
	}

	h := &handler{
		kind:             KindResourceTemplate,
		name:             uriTemplate,
		resourceTemplate: fn,
		manifest: mcp.ResourceTemplateManifest{
			URITemplate: uriTemplate,
			Name:        name,
			Description: o.description,
			MimeType:    o.mimeType,
			Icons:       o.icons,
		},
	}
	if err := h.recompute(r.serverVersion); err != nil {
		return fmt.Errorf("registering resource template %q: %w", uriTemplate, err)
	}
	t.byName[uriTemplate] = h
	t.order = append(t.order, uriTemplate)
	return nil
}

// RegisterPrompt registers a parameterized prompt under name.
func (r *Registry) RegisterPrompt(name string, fn PromptFunc, opts ...PromptOption) error {
	if err := validateName(name); err != nil {
		return err
	}
	var o promptOpts
	for _, opt := range opts {
		opt(&o)
	}
	if err := validateParamSpecs(o.params); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	t := r.tables[KindPrompt]
	if _, exists := t.byName[name]; exists {
		return mcperr.New(mcperr.KindDuplicateName, "prompt %q already registered", name)
	}

	h := &handler{
		kind:   KindPrompt,
		name:   name,
		prompt: fn,
		params: o.params,
		manifest: mcp.PromptManifest{
			Name:        name,
			Description: o.description,
		},
	}
	if err := h.recompute(r.serverVersion); err != nil {
		return fmt.Errorf("registering prompt %q: %w", name, err)
	}
	t.byName[name] = h
	t.order = append(t.order, name)
	return nil
}

// Invalidate recomputes the cached schema and wire bytes for name within
// kind. It never mutates the previously cached bytes in place; callers
// holding a reference to the old manifest are unaffected.
func (r *Registry) Invalidate(kind Kind, name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.tables[kind]
	if !ok {
		return fmt.Errorf("unknown kind %q", kind)
	}
	h, ok := t.byName[name]
	if !ok {
		return mcperr.New(mcperr.KindNotFound, "%s %q not found", kind, name)
	}
	return h.recompute(r.serverVersion)
}

// Tool looks up a registered tool's callable, auth requirement, rate
// limit, and long-running annotation. On a miss it returns a
// KindToolNotFound error whose message includes a "did you mean"
// suggestion when one scores >= 0.6 similarity.
func (r *Registry) Tool(name string) (fn ToolFunc, requiresAuth bool, scopes []string, rateLimitRPS float64, longRunning bool, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t := r.tables[KindTool]
	h, ok := t.byName[name]
	if !ok {
		return nil, false, nil, 0, false, r.notFoundWithSuggestion(KindTool, name)
	}
	return h.tool, h.requiresAuth, h.authScopes, h.rateLimitRPS, h.longRunning, nil
}

// ToolParams returns the parameter descriptor list a tool was registered
// with, used by the protocol handler to coerce and validate arguments
// before dispatch.
func (r *Registry) ToolParams(name string) ([]ParamSpec, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	h, ok := r.tables[KindTool].byName[name]
	if !ok {
		return nil, false
	}
	return h.params, true
}

// Resource looks up a registered resource's reader.
func (r *Registry) Resource(uri string) (ResourceFunc, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	h, ok := r.tables[KindResource].byName[uri]
	if !ok {
		return nil, r.notFoundWithSuggestion(KindResource, uri)
	}
	return h.resource, nil
}

// ResourceTemplate looks up a registered resource template's resolver.
func (r *Registry) ResourceTemplate(uriTemplate string) (ResourceTemplateFunc, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	h, ok := r.tables[KindResourceTemplate].byName[uriTemplate]
	if !ok {
		return nil, r.notFoundWithSuggestion(KindResourceTemplate, uriTemplate)
	}
	return h.resourceTemplate, nil
}

// Prompt looks up a registered prompt's renderer.
func (r *Registry) Prompt(name string) (PromptFunc, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	h, ok := r.tables[KindPrompt].byName[name]
	if !ok {
		return nil, r.notFoundWithSuggestion(KindPrompt, name)
	}
	return h.prompt, nil
}

// notFoundWithSuggestion must be called with mu held.
func (r *Registry) notFoundWithSuggestion(kind Kind, name string) error {
	best, score := "", 0.0
	for _, n := range r.tables[kind].order {
		s := matchr.JaroWinkler(name, n, true)
		if s > score {
			best, score = n, s
		}
	}
	if score >= 0.6 {
		return mcperr.New(mcperr.KindToolNotFound, "%s %q not found, did you mean %q?", kind, name, best)
	}
	return mcperr.New(mcperr.KindToolNotFound, "%s %q not found", kind, name)
}

// Count returns the number of registered handlers of kind, used by the
// /health/detailed endpoint and readiness checks.
func (r *Registry) Count(kind Kind) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.tables[kind].order)
}

// List returns the wire bytes of up to limit handlers of kind starting
// after cursor, insertion-ordered, plus the cursor to resume from. The
// per-handler bytes are embedded as json.RawMessage so the enclosing array
// is the only thing actually re-serialized.
func (r *Registry) List(kind Kind, cursor string, limit int) (items []json.RawMessage, nextCursor string, err error) {
	if limit <= 0 {
		limit = 100
	}
	start, err := decodeCursor(cursor)
	if err != nil {
		return nil, "", mcperr.New(mcperr.KindInvalidRequest, "invalid cursor")
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.tables[kind]
	if !ok {
		return nil, "", fmt.Errorf("unknown kind %q", kind)
	}
	if start > len(t.order) {
		start = len(t.order)
	}
	end := start + limit
	if end > len(t.order) {
		end = len(t.order)
	}
	names := t.order[start:end]
	items = make([]json.RawMessage, 0, len(names))
	for _, n := range names {
		// Copy so a caller mutating a returned item cannot corrupt the
		// cached bytes read by later List/Get calls.
		b := append(json.RawMessage{}, t.byName[n].wireBytes...)
		items = append(items, b)
	}
	if end < len(t.order) {
		nextCursor = encodeCursor(end)
	}
	return items, nextCursor, nil
}

func encodeCursor(index int) string {
	return base64.RawURLEncoding.EncodeToString([]byte(fmt.Sprintf("%d", index)))
}

func decodeCursor(cursor string) (int, error) {
	if cursor == "" {
		return 0, nil
	}
	b, err := base64.RawURLEncoding.DecodeString(cursor)
	if err != nil {
		return 0, err
	}
	var n int
	if _, err := fmt.Sscanf(string(b), "%d", &n); err != nil {
		return 0, err
	}
	return n, nil
}

// Names returns every registered name of kind, sorted alphabetically.
func (r *Registry) Names(kind Kind) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := append([]string{}, r.tables[kind].order...)
	sort.Strings(out)
	return out
}
