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
	"github.com/jfellow/mcpforge/internal/mcp"
	"github.com/jfellow/mcpforge/internal/mcperr"
)

// validSchemaTypes is the set of ParamType values buildParamSchema knows
// how to render. A Ref-bearing ParamSpec is exempt: it skips type
// rendering entirely in favor of a $defs reference.
var validSchemaTypes = map[ParamType]bool{
	TypeString:  true,
	TypeInteger: true,
	TypeNumber:  true,
	TypeBoolean: true,
	TypeArray:   true,
	TypeObject:  true,
}

// validateParamSpecs walks params (and recursively, every Items/Properties
// child) and fails with KindUnsupportedParamType at the first ParamSpec
// whose Type is neither a known scalar/compound type nor Ref-qualified.
// Called at registration so a bad ParamType never reaches schema building.
func validateParamSpecs(params []ParamSpec) error {
	for _, p := range params {
		if p.Ref == "" && !validSchemaTypes[p.Type] {
			return mcperr.New(mcperr.KindUnsupportedParamType, "parameter %q has unsupported type %q", p.Name, p.Type)
		}
		if p.Items != nil {
			if err := validateParamSpecs([]ParamSpec{*p.Items}); err != nil {
				return err
			}
		}
		if len(p.Properties) > 0 {
			if err := validateParamSpecs(p.Properties); err != nil {
				return err
			}
		}
	}
	return nil
}

// buildObjectSchema derives the top-level JSON Schema for a handler's
// parameter list: an object whose properties are each param's own schema,
// with required tracking which params have no nothing-sentinel (i.e. are
// marked Required).
func buildObjectSchema(params []ParamSpec) mcp.JSONSchema {
	s := mcp.JSONSchema{Type: "object", Properties: map[string]*mcp.JSONSchema{}}
	for _, p := range params {
		child := buildParamSchema(p)
		s.Properties[p.Name] = &child
		if p.Required {
			s.Required = append(s.Required, p.Name)
		}
	}
	return s
}

// buildParamSchema derives the JSON Schema fragment for a single parameter,
// recursing into array items and object properties. Enumerations become
// {type: string, enum: [...]}; recursive records reference $defs via Ref
// instead of inlining, so a cyclic Properties graph terminates.
func buildParamSchema(p ParamSpec) mcp.JSONSchema {
	if p.Ref != "" {
		return mcp.JSONSchema{Ref: "#/$defs/" + p.Ref}
	}
	s := mcp.JSONSchema{Description: p.Description}
	switch p.Type {
	case TypeString, TypeInteger, TypeNumber, TypeBoolean:
		s.Type = string(p.Type)
		if len(p.Enum) > 0 {
			s.Enum = make([]any, len(p.Enum))
			for i, v := range p.Enum {
				s.Enum[i] = v
			}
		}
	case TypeArray:
		s.Type = "array"
		if p.Items != nil {
			item := buildParamSchema(*p.Items)
			s.Items = &item
		}
	case TypeObject:
		s.Type = "object"
		s.Properties = map[string]*mcp.JSONSchema{}
		for _, child := range p.Properties {
			childSchema := buildParamSchema(child)
			s.Properties[child.Name] = &childSchema
			if child.Required {
				s.Required = append(s.Required, child.Name)
			}
		}
	}
	return s
}
