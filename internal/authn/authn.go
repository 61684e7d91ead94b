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

// Package authn defines the opaque token validation boundary a tool
// declared with WithAuth depends on. The protocol handler calls Validate
// with the caller-supplied `_external_access_token` argument and, on
// success, injects the returned claims back into the tool's arguments as
// `_user_id`, mirroring the reference module's auth-service pattern (see
// internal/auth/google, adapted into a TokenValidator implementation at
// internal/auth/google) generalized behind an interface instead of a
// config-file-driven factory registry.
package authn

import (
	"context"
	"net/http"
)

// Claims is whatever the validator extracts from the token: at minimum a
// subject identifying the caller, plus arbitrary additional claims.
type Claims struct {
	Subject string
	Scopes  []string
	Raw     map[string]any
}

// TokenValidator validates an access token and returns the claims it
// carries. Implementations may validate a bearer token directly (as here)
// or inspect arbitrary request headers.
type TokenValidator interface {
	// Name identifies this validator, matched against a tool's required
	// auth service name when a tool declares more than one acceptable
	// validator.
	Name() string
	// Validate checks token and returns the claims it asserts, or an error
	// if the token is missing, malformed, or rejected.
	Validate(ctx context.Context, token string) (Claims, error)
}

// HeaderTokenValidator is implemented by validators (like the Google ID
// token validator) that need the full request header set rather than a
// single bearer token, matching the reference's
// GetClaimsFromHeader(ctx, http.Header) shape.
type HeaderTokenValidator interface {
	TokenValidator
	ValidateHeader(ctx context.Context, h http.Header) (Claims, error)
}

// HasScope reports whether c carries scope.
func (c Claims) HasScope(scope string) bool {
	for _, s := range c.Scopes {
		if s == scope {
			return true
		}
	}
	return false
}

// Registry looks up a TokenValidator by name. The protocol handler holds
// one Registry built at startup from the configured auth services.
type Registry struct {
	validators map[string]TokenValidator
}

// NewRegistry builds a Registry from a set of validators.
func NewRegistry(validators ...TokenValidator) *Registry {
	r := &Registry{validators: map[string]TokenValidator{}}
	for _, v := range validators {
		r.validators[v.Name()] = v
	}
	return r
}

// Get looks up a validator by name.
func (r *Registry) Get(name string) (TokenValidator, bool) {
	v, ok := r.validators[name]
	return v, ok
}
