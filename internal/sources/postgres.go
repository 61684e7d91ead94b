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

package sources

import (
	"context"
	"fmt"
	"net/url"
	"strings"

	"github.com/goccy/go-yaml"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/otel/trace"
)

const PostgresKind string = "postgres"

var _ SourceConfig = PostgresConfig{}

func init() {
	if !Register(PostgresKind, newPostgresConfig) {
		panic(fmt.Sprintf("source kind %q already registered", PostgresKind))
	}
}

func newPostgresConfig(ctx context.Context, name string, decoder *yaml.Decoder) (SourceConfig, error) {
	cfg := PostgresConfig{Name: name}
	if err := decoder.DecodeContext(ctx, &cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// PostgresConfig describes one Postgres connection pool.
type PostgresConfig struct {
	Name        string            `yaml:"name" validate:"required"`
	Kind        string            `yaml:"kind" validate:"required"`
	Host        string            `yaml:"host" validate:"required"`
	Port        string            `yaml:"port" validate:"required"`
	User        string            `yaml:"user" validate:"required"`
	Password    string            `yaml:"password" validate:"required"`
	Database    string            `yaml:"database" validate:"required"`
	QueryParams map[string]string `yaml:"queryParams"`
}

func (c PostgresConfig) SourceConfigKind() string { return PostgresKind }

// Initialize opens the connection pool and pings it so a misconfigured
// source fails at startup rather than on the first tool call.
func (c PostgresConfig) Initialize(ctx context.Context, tracer trace.Tracer) (Source, error) {
	ctx, span := InitConnectionSpan(ctx, tracer, PostgresKind, c.Name)
	defer span.End()

	u := &url.URL{
		Scheme:   "postgres",
		User:     url.UserPassword(c.User, c.Password),
		Host:     fmt.Sprintf("%s:%s", c.Host, c.Port),
		Path:     c.Database,
		RawQuery: paramsToRawQuery(c.QueryParams),
	}
	pool, err := pgxpool.New(ctx, u.String())
	if err != nil {
		return nil, fmt.Errorf("unable to create connection pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("unable to connect successfully: %w", err)
	}

	return &PostgresSource{name: c.Name, pool: pool}, nil
}

var _ Source = (*PostgresSource)(nil)

// PostgresSource is a live pgx connection pool.
type PostgresSource struct {
	name string
	pool *pgxpool.Pool
}

func (s *PostgresSource) SourceKind() string     { return PostgresKind }
func (s *PostgresSource) Pool() *pgxpool.Pool     { return s.pool }
func (s *PostgresSource) Close()                  { s.pool.Close() }

func paramsToRawQuery(params map[string]string) string {
	parts := make([]string, 0, len(params))
	for k, v := range params {
		parts = append(parts, fmt.Sprintf("%s=%s", k, v))
	}
	return strings.Join(parts, "&")
}
