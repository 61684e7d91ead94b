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

package cmd

import (
	"fmt"
	"strings"

	"github.com/jfellow/mcpforge/internal/log"
)

// Option configures a Command at construction, the same functional-option
// shape the reference cmd package uses for test injection (WithLogger,
// WithStreams).
type Option func(*Command)

// WithLogger overrides the default logger.
func WithLogger(l log.Logger) Option {
	return func(c *Command) { c.logger = l }
}

// stringLevel is a pflag.Value wrapping the four host log levels, so
// --log-level gets the same validation and help text a plain string flag
// wouldn't.
type stringLevel string

func (s *stringLevel) String() string {
	if string(*s) == "" {
		return "info"
	}
	return strings.ToLower(string(*s))
}

func (s *stringLevel) Set(v string) error {
	switch strings.ToUpper(v) {
	case log.Debug, log.Info, log.Warn, log.Error:
		*s = stringLevel(v)
		return nil
	default:
		return fmt.Errorf(`log level must be one of "debug", "info", "warn", or "error"`)
	}
}

func (s *stringLevel) Type() string { return "stringLevel" }

// logFormat is a pflag.Value restricting --logging-format to the two
// formats internal/log knows how to build.
type logFormat string

func (f *logFormat) String() string {
	if string(*f) == "" {
		return "standard"
	}
	return strings.ToLower(string(*f))
}

func (f *logFormat) Set(v string) error {
	switch strings.ToLower(v) {
	case "standard", "json":
		*f = logFormat(v)
		return nil
	default:
		return fmt.Errorf(`logging format must be one of "standard" or "json"`)
	}
}

func (f *logFormat) Type() string { return "logFormat" }
