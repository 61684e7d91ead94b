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
	"database/sql"
	"fmt"

	"github.com/goccy/go-yaml"
	"go.opentelemetry.io/otel/trace"
	_ "modernc.org/sqlite" // pure Go driver, registered under "sqlite"
)

const SQLiteKind string = "sqlite"

var _ SourceConfig = SQLiteConfig{}

func init() {
	if !Register(SQLiteKind, newSQLiteConfig) {
		panic(fmt.Sprintf("source kind %q already registered", SQLiteKind))
	}
}

func newSQLiteConfig(ctx context.Context, name string, decoder *yaml.Decoder) (SourceConfig, error) {
	cfg := SQLiteConfig{Name: name}
	if err := decoder.DecodeContext(ctx, &cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// SQLiteConfig describes one SQLite database file.
type SQLiteConfig struct {
	Name     string `yaml:"name" validate:"required"`
	Kind     string `yaml:"kind" validate:"required"`
	Database string `yaml:"database" validate:"required"`
}

func (c SQLiteConfig) SourceConfigKind() string { return SQLiteKind }

func (c SQLiteConfig) Initialize(ctx context.Context, tracer trace.Tracer) (Source, error) {
	ctx, span := InitConnectionSpan(ctx, tracer, SQLiteKind, c.Name)
	defer span.End()

	db, err := sql.Open("sqlite", c.Database)
	if err != nil {
		return nil, fmt.Errorf("sql.Open: %w", err)
	}
	// SQLite allows exactly one writer; a larger pool just serializes at
	// the file lock instead of in the driver.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("unable to connect successfully: %w", err)
	}

	return &SQLiteSource{name: c.Name, db: db}, nil
}

var _ Source = (*SQLiteSource)(nil)

// SQLiteSource is a live SQLite database handle.
type SQLiteSource struct {
	name string
	db   *sql.DB
}

func (s *SQLiteSource) SourceKind() string { return SQLiteKind }
func (s *SQLiteSource) DB() *sql.DB        { return s.db }
func (s *SQLiteSource) Close()             { s.db.Close() }
