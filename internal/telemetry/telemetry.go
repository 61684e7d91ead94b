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

// Package telemetry wires the tracer and meter used throughout the
// protocol handler and transports. SetupOTel installs the otel SDK's
// in-process providers with no exporter attached; a server that never
// calls SetupOTel uses the otel package's no-op global providers. Either
// way the span/metric instruments are safe to call and send nothing
// off-process.
package telemetry

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
)

// Instrumentation bundles the tracer and the request counters the protocol
// handler and transports record against. Every tool call produces one
// mcp.tool.<name> span; the SSE/POST counters track transport-level
// throughput independent of any individual handler.
type Instrumentation struct {
	Tracer        trace.Tracer
	Meter         metric.Meter
	ToolCallCount metric.Int64Counter
	SSEEventCount metric.Int64Counter
	HTTPReqCount  metric.Int64Counter
}

const instrumentationName = "github.com/jfellow/mcpforge"

// CreateTelemetryInstrumentation builds an Instrumentation bound to the
// globally configured tracer/meter providers (set up by SetupOTel, or the
// otel package's no-op defaults if SetupOTel was never called).
func CreateTelemetryInstrumentation(version string) (*Instrumentation, error) {
	tracer := otel.Tracer(instrumentationName, trace.WithInstrumentationVersion(version))
	meter := otel.Meter(instrumentationName, metric.WithInstrumentationVersion(version))

	toolCallCount, err := meter.Int64Counter(
		"mcp.tool.call.count",
		metric.WithDescription("Number of tools/call invocations, by tool name."),
	)
	if err != nil {
		return nil, err
	}
	sseEventCount, err := meter.Int64Counter(
		"mcp.transport.sse.event.count",
		metric.WithDescription("Number of SSE events emitted on the streamable HTTP transport."),
	)
	if err != nil {
		return nil, err
	}
	httpReqCount, err := meter.Int64Counter(
		"mcp.transport.http.request.count",
		metric.WithDescription("Number of HTTP requests served on /mcp, by method and status."),
	)
	if err != nil {
		return nil, err
	}

	return &Instrumentation{
		Tracer:        tracer,
		Meter:         meter,
		ToolCallCount: toolCallCount,
		SSEEventCount: sseEventCount,
		HTTPReqCount:  httpReqCount,
	}, nil
}

// SetupOTel installs SDK tracer/meter providers as the global providers.
// With otlpEndpoint empty, the providers run with no exporter registered:
// spans and metrics are still produced (instruments work, Start/End and
// Add are all safe to call) but nothing is ever sent off-process. This
// mirrors the reference's SetupOTel signature while dropping the
// GCP-specific exporter path, which is out of this module's scope.
func SetupOTel(ctx context.Context, version, otlpEndpoint, serviceName string) (func(context.Context) error, error) {
	tp := sdktrace.NewTracerProvider()
	mp := sdkmetric.NewMeterProvider()

	otel.SetTracerProvider(tp)
	otel.SetMeterProvider(mp)

	if otlpEndpoint != "" {
		// A real deployment would attach an OTLP exporter here. Wiring a
		// concrete exporter is left to the operator's build, since the
		// exporter choice (grpc vs http, TLS config) is deployment-specific
		// and outside this framework's scope.
		_ = serviceName
	}

	return func(shutdownCtx context.Context) error {
		if err := tp.Shutdown(shutdownCtx); err != nil {
			return err
		}
		return mp.Shutdown(shutdownCtx)
	}, nil
}

// StartToolSpan starts the mcp.tool.<name> span for one tools/call
// invocation.
func (i *Instrumentation) StartToolSpan(ctx context.Context, toolName string) (context.Context, trace.Span) {
	return i.Tracer.Start(ctx, "mcp.tool."+toolName)
}
