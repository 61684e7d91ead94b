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

// Package sources holds the connections example tools run queries against.
// A Source is opened once at startup from the server's config file and
// handed to internal/exampletools, which registers the tools that use it.
//
// This keeps the reference module's kind-sniffing factory registry
// (Register/DecodeConfig, one factory per source kind) but drops its
// cloud-source kinds: this module only needs enough of the pattern to
// demonstrate a config-driven external dependency, not the full source
// catalog the reference ships.
package sources

import (
	"context"
	"fmt"

	"github.com/goccy/go-yaml"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// SourceConfigFactory builds a SourceConfig from a decoder already
// positioned at one named source's fields.
type SourceConfigFactory func(ctx context.Context, name string, decoder *yaml.Decoder) (SourceConfig, error)

var sourceRegistry = make(map[string]SourceConfigFactory)

// Register registers a new source kind with its factory. Returns false if
// the kind is already registered.
func Register(kind string, factory SourceConfigFactory) bool {
	if _, exists := sourceRegistry[kind]; exists {
		return false
	}
	sourceRegistry[kind] = factory
	return true
}

// DecodeConfig decodes a source configuration using the registered factory
// for kind.
func DecodeConfig(ctx context.Context, kind, name string, decoder *yaml.Decoder) (SourceConfig, error) {
	factory, found := sourceRegistry[kind]
	if !found {
		return nil, fmt.Errorf("unknown source kind: %q", kind)
	}
	cfg, err := factory(ctx, name, decoder)
	if err != nil {
		return nil, fmt.Errorf("unable to parse source %q as %q: %w", name, kind, err)
	}
	return cfg, nil
}

// SourceConfig describes how to build one Source.
type SourceConfig interface {
	SourceConfigKind() string
	Initialize(ctx context.Context, tracer trace.Tracer) (Source, error)
}

// Source is a live connection a tool invokes against.
type Source interface {
	SourceKind() string
}

// InitConnectionSpan traces connection-pool setup, mirroring the span the
// reference wraps every source's Initialize in.
func InitConnectionSpan(ctx context.Context, tracer trace.Tracer, sourceKind, sourceName string) (context.Context, trace.Span) {
	return tracer.Start(
		ctx,
		"mcpforge/source/connect",
		trace.WithAttributes(attribute.String("source_kind", sourceKind)),
		trace.WithAttributes(attribute.String("source_name", sourceName)),
	)
}
