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

// Package exampletools registers the example tools shipped with this
// module: one <source name>_execute_sql tool per configured Postgres or
// SQLite internal/sources.Source. They exist to exercise the
// registration API against a real external dependency end to end, the way
// the reference module's generic SQL execute-sql tools do against their
// own source pairs.
package exampletools

import (
	"context"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jfellow/mcpforge/internal/registry"
	"github.com/jfellow/mcpforge/internal/sources"
)

// Register wires one tool per configured source whose kind this package
// knows how to serve. Sources of an unrecognized kind are left alone —
// they may be consumed by some other component this module doesn't ship.
func Register(reg *registry.Registry, srcs map[string]sources.Source) error {
	for name, src := range srcs {
		switch s := src.(type) {
		case *sources.PostgresSource:
			if err := registerPostgresExecuteSQL(reg, name, s); err != nil {
				return err
			}
		case *sources.SQLiteSource:
			if err := registerSQLiteExecuteSQL(reg, name, s); err != nil {
				return err
			}
		}
	}
	return nil
}

var sqlParam = registry.ParamSpec{
	Name:        "sql",
	Type:        registry.TypeString,
	Description: "The SQL statement to execute.",
	Required:    true,
}

func registerPostgresExecuteSQL(reg *registry.Registry, sourceName string, src *sources.PostgresSource) error {
	toolName := fmt.Sprintf("%s_execute_sql", sourceName)
	return reg.RegisterTool(toolName, func(ctx context.Context, args map[string]any) (any, error) {
		stmt, _ := args["sql"].(string)
		rows, err := src.Pool().Query(ctx, stmt)
		if err != nil {
			return nil, fmt.Errorf("unable to execute query: %w", err)
		}
		defer rows.Close()
		return formatRows(rows.FieldDescriptions(), rows)
	},
		registry.WithDescription(fmt.Sprintf("Executes a SQL statement against the %q Postgres source and returns the result rows.", sourceName)),
		registry.WithParams([]registry.ParamSpec{sqlParam}),
		registry.WithDestructiveHint(),
	)
}

// pgxRows is the subset of pgx.Rows formatRows needs, kept narrow so it
// can be exercised without a live database in tests.
type pgxRows interface {
	Next() bool
	Values() ([]any, error)
	Err() error
}

func formatRows(fields []pgconn.FieldDescription, rows pgxRows) (string, error) {
	var out strings.Builder
	for i, f := range fields {
		if i > 0 {
			out.WriteByte('\t')
		}
		out.WriteString(f.Name)
	}
	out.WriteByte('\n')
	for rows.Next() {
		vals, err := rows.Values()
		if err != nil {
			return "", fmt.Errorf("unable to parse row: %w", err)
		}
		for i, v := range vals {
			if i > 0 {
				out.WriteByte('\t')
			}
			fmt.Fprintf(&out, "%v", v)
		}
		out.WriteByte('\n')
	}
	if err := rows.Err(); err != nil {
		return "", fmt.Errorf("error reading rows: %w", err)
	}
	return out.String(), nil
}

func registerSQLiteExecuteSQL(reg *registry.Registry, sourceName string, src *sources.SQLiteSource) error {
	toolName := fmt.Sprintf("%s_execute_sql", sourceName)
	return reg.RegisterTool(toolName, func(ctx context.Context, args map[string]any) (any, error) {
		stmt, _ := args["sql"].(string)
		rows, err := src.DB().QueryContext(ctx, stmt)
		if err != nil {
			return nil, fmt.Errorf("unable to execute query: %w", err)
		}
		defer rows.Close()

		cols, err := rows.Columns()
		if err != nil {
			return nil, fmt.Errorf("unable to read columns: %w", err)
		}
		var out strings.Builder
		out.WriteString(strings.Join(cols, "\t"))
		out.WriteByte('\n')

		vals := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range vals {
			ptrs[i] = &vals[i]
		}
		for rows.Next() {
			if err := rows.Scan(ptrs...); err != nil {
				return nil, fmt.Errorf("unable to scan row: %w", err)
			}
			for i, v := range vals {
				if i > 0 {
					out.WriteByte('\t')
				}
				fmt.Fprintf(&out, "%v", v)
			}
			out.WriteByte('\n')
		}
		if err := rows.Err(); err != nil {
			return nil, fmt.Errorf("error reading rows: %w", err)
		}
		return out.String(), nil
	},
		registry.WithDescription(fmt.Sprintf("Executes a SQL statement against the %q SQLite source and returns the result rows.", sourceName)),
		registry.WithParams([]registry.ParamSpec{sqlParam}),
		registry.WithDestructiveHint(),
	)
}
