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

// Package server assembles the streamable HTTP transport, the health and
// OpenAPI surfaces of §6.3, and the CORS/logging middleware stack into one
// http.Server, mirroring the reference module's own NewServer/Listen/Serve
// split (internal/server/server.go in the teacher) so startup, listening,
// and shutdown remain independently testable steps.
package server

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/httplog/v2"

	"github.com/jfellow/mcpforge/internal/log"
	"github.com/jfellow/mcpforge/internal/protocol"
	"github.com/jfellow/mcpforge/internal/registry"
	"github.com/jfellow/mcpforge/internal/telemetry"
	"github.com/jfellow/mcpforge/internal/transport/httpmcp"
)

// slogLevel maps this module's four host log levels onto slog's, for the
// httplog middleware's own threshold; internal/log keeps its own mapping
// unexported since nothing outside that package needed it until now.
func slogLevel(level string) slog.Level {
	switch strings.ToUpper(level) {
	case log.Debug:
		return slog.LevelDebug
	case log.Warn:
		return slog.LevelWarn
	case log.Error:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Config controls the address the HTTP server listens on and the process
// metadata reported by /health.
type Config struct {
	Address       string
	Port          int
	Version       string
	LoggingFormat string // "standard" or "json"
	LogLevel      string
}

// Server wraps the http.Server exposing /mcp, /mcp/respond, /health,
// /health/ready, /health/detailed, and /openapi.json.
type Server struct {
	srv       *http.Server
	listener  net.Listener
	logger    log.Logger
	startedAt time.Time
}

// New builds a Server around dispatcher and reg. CORS is permissive by
// design (spec §4.5.1: allow all origins, expose Mcp-Session-Id, preflight
// cache 86400s) since the streamable transport is meant to be reachable
// from any MCP client's origin, the same posture the reference module's
// own router takes for its public API.
func New(cfg Config, dispatcher *protocol.Dispatcher, reg *registry.Registry, logger log.Logger, inst *telemetry.Instrumentation) (*Server, error) {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	httpOpts := httplog.Options{
		JSON:             cfg.LoggingFormat == "json",
		LogLevel:         slogLevel(cfg.LogLevel),
		Concise:          true,
		MessageFieldName: "message",
	}
	r.Use(httplog.RequestLogger(httplog.NewLogger("httplog", httpOpts)))
	r.Use(corsMiddleware)

	r.Method(http.MethodOptions, "/mcp", http.HandlerFunc(preflight))
	r.Method(http.MethodOptions, "/mcp/respond", http.HandlerFunc(preflight))
	r.Mount("/mcp", httpmcp.New(dispatcher, logger, inst).Router())

	startedAt := time.Now()
	r.Get("/health", healthHandler(startedAt))
	r.Get("/health/ready", readyHandler(reg))
	r.Get("/health/detailed", detailedHandler(dispatcher, reg))
	r.Get("/openapi.json", openAPIHandler(cfg.Version, reg))

	addr := net.JoinHostPort(cfg.Address, strconv.Itoa(cfg.Port))
	return &Server{
		srv:       &http.Server{Addr: addr, Handler: r},
		logger:    logger,
		startedAt: startedAt,
	}, nil
}

// corsMiddleware applies the permissive CORS posture spec §4.5.1 requires
// for every route this server exposes, not only /mcp, since a browser-
// based client may also probe /health before connecting.
func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Mcp-Session-Id, Last-Event-ID, Authorization")
		w.Header().Set("Access-Control-Expose-Headers", "Mcp-Session-Id, MCP-Protocol-Version")
		w.Header().Set("Access-Control-Max-Age", "86400")
		next.ServeHTTP(w, r)
	})
}

func preflight(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusNoContent)
}

// Listen opens the TCP listener without yet serving requests, so a caller
// can know the bind succeeded before handing control to Serve.
func (s *Server) Listen(ctx context.Context) error {
	if s.listener != nil {
		return fmt.Errorf("server is already listening: %s", s.listener.Addr().String())
	}
	lc := net.ListenConfig{KeepAlive: 30 * time.Second}
	var err error
	if s.listener, err = lc.Listen(ctx, "tcp", s.srv.Addr); err != nil {
		return fmt.Errorf("failed to open listener for %q: %w", s.srv.Addr, err)
	}
	return nil
}

// Addr returns the bound address, valid only after a successful Listen.
func (s *Server) Addr() string {
	if s.listener == nil {
		return s.srv.Addr
	}
	return s.listener.Addr().String()
}

// Serve blocks, accepting connections on the listener opened by Listen.
func (s *Server) Serve(ctx context.Context) error {
	s.logger.Info("http server serving", "addr", s.Addr())
	err := s.srv.Serve(s.listener)
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Shutdown gracefully drains in-flight HTTP connections, matching
// net/http.Server.Shutdown's semantics of not interrupting active
// requests.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("http server shutting down")
	return s.srv.Shutdown(ctx)
}
