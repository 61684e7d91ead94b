// Copyright 2024 Google LLC
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

package server

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/jfellow/mcpforge/internal/mcp"
	"github.com/jfellow/mcpforge/internal/registry"
)

// openAPIDoc is the minimal OpenAPI 3.1 document shape this module
// synthesizes: one POST operation per registered tool at /tools/{name},
// documented with that tool's cached input/output schema.
type openAPIDoc struct {
	OpenAPI string                `json:"openapi"`
	Info    openAPIInfo           `json:"info"`
	Paths   map[string]openAPIOps `json:"paths"`
}

type openAPIInfo struct {
	Title   string `json:"title"`
	Version string `json:"version"`
}

type openAPIOps struct {
	Post openAPIOperation `json:"post"`
}

type openAPIOperation struct {
	OperationID string                `json:"operationId"`
	Summary     string                `json:"summary,omitempty"`
	RequestBody openAPIRequestBody    `json:"requestBody"`
	Responses   map[string]openAPIRes `json:"responses"`
}

type openAPIRequestBody struct {
	Content map[string]openAPIMediaType `json:"content"`
}

type openAPIMediaType struct {
	Schema mcp.JSONSchema `json:"schema"`
}

type openAPIRes struct {
	Description string `json:"description"`
}

// openAPIHandler synthesizes an OpenAPI 3.1 document from every currently
// registered tool's cached manifest, per §6.3. It re-derives the document
// on every request rather than caching it, since tool registration can
// change at runtime via Invalidate/new registrations.
func openAPIHandler(version string, reg *registry.Registry) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		doc := openAPIDoc{
			OpenAPI: "3.1.0",
			Info:    openAPIInfo{Title: "MCP Tool API", Version: version},
			Paths:   map[string]openAPIOps{},
		}

		cursor := ""
		for {
			items, next, err := reg.List(registry.KindTool, cursor, 100)
			if err != nil {
				writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
				return
			}
			for _, raw := range items {
				var m mcp.ToolManifest
				if err := json.Unmarshal(raw, &m); err != nil {
					continue
				}
				doc.Paths[fmt.Sprintf("/tools/%s", m.Name)] = openAPIOps{
					Post: openAPIOperation{
						OperationID: m.Name,
						Summary:     m.Description,
						RequestBody: openAPIRequestBody{
							Content: map[string]openAPIMediaType{
								"application/json": {Schema: m.InputSchema},
							},
						},
						Responses: map[string]openAPIRes{
							"200": {Description: "Tool result"},
						},
					},
				}
			}
			if next == "" {
				break
			}
			cursor = next
		}
		writeJSON(w, http.StatusOK, doc)
	}
}
