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

// Package config decodes the optional server config file: static server
// metadata (name/version/title) plus the example sources and auth
// services this module ships (internal/sources, internal/auth/google).
// The registered tool/resource/prompt set itself is always built in code
// via internal/registry — this file only ever describes example sources,
// never the core registration surface, per this module's registration API
// boundary.
package config

import (
	"context"
	"fmt"
	"os"

	"github.com/go-playground/validator/v10"
	"github.com/goccy/go-yaml"
	"github.com/jfellow/mcpforge/internal/auth/google"
	"github.com/jfellow/mcpforge/internal/authn"
	"github.com/jfellow/mcpforge/internal/sources"
)

// Config is the decoded shape of the server config file.
type Config struct {
	ServerName    string             `yaml:"serverName"`
	ServerVersion string             `yaml:"serverVersion"`
	ServerTitle   string             `yaml:"serverTitle"`
	LogLevel      string             `yaml:"logLevel"`
	Sources       SourceConfigs      `yaml:"sources"`
	AuthServices  AuthServiceConfigs `yaml:"authServices"`
}

// Load reads and decodes the config file at path. A missing path is not
// an error: callers treat a zero-value Config as "no example sources
// configured" and run with the core protocol engine alone.
func Load(ctx context.Context, path string) (Config, error) {
	var cfg Config
	if path == "" {
		return cfg, nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("unable to read config file %q: %w", path, err)
	}
	if err := yaml.UnmarshalContext(ctx, raw, &cfg, yaml.Strict()); err != nil {
		return cfg, fmt.Errorf("unable to parse config file %q: %w", path, err)
	}
	v := validator.New()
	for name, s := range cfg.Sources {
		if err := v.Struct(s); err != nil {
			return cfg, fmt.Errorf("invalid source %q: %w", name, err)
		}
	}
	return cfg, nil
}

// SourceConfigs is the `sources:` block: a map of name to a
// kind-discriminated sources.SourceConfig.
type SourceConfigs map[string]sources.SourceConfig

var _ yaml.InterfaceUnmarshalerContext = &SourceConfigs{}

// UnmarshalYAML sniffs each entry's "kind" field and dispatches to the
// matching sources.SourceConfig factory, the same tagged-union decode the
// reference module's server.SourceConfigs uses.
func (c *SourceConfigs) UnmarshalYAML(ctx context.Context, unmarshal func(interface{}) error) error {
	*c = make(SourceConfigs)
	var raw map[string]delayedUnmarshaler
	if err := unmarshal(&raw); err != nil {
		return err
	}
	for name, u := range raw {
		var v map[string]any
		if err := u.Unmarshal(&v); err != nil {
			return fmt.Errorf("unable to unmarshal source %q: %w", name, err)
		}
		kind, ok := v["kind"].(string)
		if !ok || kind == "" {
			return fmt.Errorf("missing 'kind' field for source %q", name)
		}
		dec, err := newStrictDecoder(v)
		if err != nil {
			return fmt.Errorf("error creating decoder for source %q: %w", name, err)
		}
		cfg, err := sources.DecodeConfig(ctx, kind, name, dec)
		if err != nil {
			return err
		}
		(*c)[name] = cfg
	}
	return nil
}

// AuthServiceConfigs is the `authServices:` block. Only the "google" kind
// is known here; every other kind is rejected, matching the reference's
// single-switch decode (it has no per-kind factory registry for auth).
type AuthServiceConfigs map[string]authn.TokenValidator

var _ yaml.InterfaceUnmarshalerContext = &AuthServiceConfigs{}

func (c *AuthServiceConfigs) UnmarshalYAML(ctx context.Context, unmarshal func(interface{}) error) error {
	*c = make(AuthServiceConfigs)
	var raw map[string]delayedUnmarshaler
	if err := unmarshal(&raw); err != nil {
		return err
	}
	for name, u := range raw {
		var v map[string]any
		if err := u.Unmarshal(&v); err != nil {
			return fmt.Errorf("unable to unmarshal auth service %q: %w", name, err)
		}
		kind, _ := v["kind"].(string)
		dec, err := newStrictDecoder(v)
		if err != nil {
			return fmt.Errorf("error creating decoder for auth service %q: %w", name, err)
		}
		switch kind {
		case google.Kind:
			cfg := google.Config{Name: name}
			if err := dec.DecodeContext(ctx, &cfg); err != nil {
				return fmt.Errorf("unable to parse auth service %q as %q: %w", name, kind, err)
			}
			tv, err := cfg.Initialize()
			if err != nil {
				return fmt.Errorf("unable to initialize auth service %q: %w", name, err)
			}
			(*c)[name] = tv
		default:
			return fmt.Errorf("%q is not a valid auth service kind", kind)
		}
	}
	return nil
}
