// Copyright 2024 Google LLC
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//	http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package google validates Google-issued ID tokens, for tools registered
// with WithAuth("google").
package google

import (
	"context"
	"fmt"
	"net/http"

	"github.com/jfellow/mcpforge/internal/authn"
	"google.golang.org/api/idtoken"
)

const Kind string = "google"

var (
	_ authn.TokenValidator       = (*Validator)(nil)
	_ authn.HeaderTokenValidator = (*Validator)(nil)
)

// Config describes a Google ID token validator instance.
type Config struct {
	Name     string `yaml:"name" validate:"required"`
	Kind     string `yaml:"kind" validate:"required"`
	ClientID string `yaml:"clientId" validate:"required"`
}

// Initialize builds the Validator this Config describes.
func (cfg Config) Initialize() (*Validator, error) {
	return &Validator{name: cfg.Name, clientID: cfg.ClientID}, nil
}

// Validator verifies Google-issued ID tokens against a configured OAuth
// client ID.
type Validator struct {
	name     string
	clientID string
}

// Name returns the auth service name this validator was configured with.
func (v *Validator) Name() string { return v.name }

// Validate verifies token as a Google ID token and returns its claims.
func (v *Validator) Validate(ctx context.Context, token string) (authn.Claims, error) {
	payload, err := idtoken.Validate(ctx, token, v.clientID)
	if err != nil {
		return authn.Claims{}, fmt.Errorf("google ID token verification failure: %w", err)
	}
	claims := authn.Claims{Raw: payload.Claims}
	if sub, ok := payload.Claims["sub"].(string); ok {
		claims.Subject = sub
	}
	return claims, nil
}

// ValidateHeader extracts the token from the `<name>_token` header and
// validates it, matching the reference's header-keyed-by-service-name
// convention for multi-auth-service deployments.
func (v *Validator) ValidateHeader(ctx context.Context, h http.Header) (authn.Claims, error) {
	token := h.Get(v.name + "_token")
	if token == "" {
		return authn.Claims{}, fmt.Errorf("missing %s_token header", v.name)
	}
	return v.Validate(ctx, token)
}
