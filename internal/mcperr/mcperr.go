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

// Package mcperr defines the internal error taxonomy shared by the registry,
// session, task, and protocol packages, and the mapping from each kind to
// its JSON-RPC 2.0 error code.
package mcperr

import "fmt"

// Kind identifies the category of a framework error, independent of its
// wrapped cause.
type Kind string

const (
	KindParseError             Kind = "parse_error"
	KindInvalidRequest         Kind = "invalid_request"
	KindMethodNotFound         Kind = "method_not_found"
	KindParameterValidation    Kind = "parameter_validation"
	KindToolNotFound           Kind = "tool_not_found"
	KindCapabilityUnavailable  Kind = "capability_unavailable"
	KindRateLimited            Kind = "rate_limited"
	KindUnauthorized           Kind = "unauthorized"
	KindForbiddenScope         Kind = "forbidden_scope"
	KindURLElicitationRequired Kind = "url_elicitation_required"
	KindTransportTimeout       Kind = "transport_timeout"
	KindShutdown               Kind = "shutdown"
	KindInternal               Kind = "internal"
	KindDuplicateName          Kind = "duplicate_name"
	KindInvalidName            Kind = "invalid_name"
	KindUnsupportedParamType   Kind = "unsupported_parameter_type"
	KindNotFound               Kind = "not_found"
	KindTransportBackpressure  Kind = "transport_backpressure"
)

// RPCCode maps an internal Kind to its JSON-RPC 2.0 error code.
func (k Kind) RPCCode() int {
	switch k {
	case KindParseError:
		return -32700
	case KindInvalidRequest:
		return -32600
	case KindMethodNotFound:
		return -32601
	case KindParameterValidation, KindToolNotFound, KindDuplicateName, KindInvalidName, KindUnsupportedParamType, KindNotFound:
		return -32602
	case KindRateLimited:
		return -32000
	case KindUnauthorized:
		return -32001
	case KindForbiddenScope:
		return -32003
	case KindURLElicitationRequired:
		return -32042
	case KindCapabilityUnavailable, KindTransportTimeout, KindShutdown, KindTransportBackpressure, KindInternal:
		return -32603
	default:
		return -32603
	}
}

// Error is a taxonomy-tagged error. Data carries optional structured payload
// attached to the JSON-RPC error (e.g. {url, description} for elicitation).
type Error struct {
	Kind Kind
	msg  string
	Data any
	err  error
}

func (e *Error) Error() string {
	if e.err != nil {
		return fmt.Sprintf("%s: %s", e.msg, e.err)
	}
	return e.msg
}

func (e *Error) Unwrap() error { return e.err }

// New constructs an Error of the given kind with a human-readable message.
func New(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, msg: fmt.Sprintf(format, args...)}
}

// Wrap constructs an Error of the given kind, wrapping an underlying cause.
func Wrap(kind Kind, err error, format string, args ...any) *Error {
	return &Error{Kind: kind, msg: fmt.Sprintf(format, args...), err: err}
}

// WithData attaches structured payload data to the error (e.g. the
// {url, description} pair for a KindURLElicitationRequired error).
func (e *Error) WithData(data any) *Error {
	e.Data = data
	return e
}

// KindOf extracts the Kind from err if it (or something it wraps) is an
// *Error; otherwise it returns KindInternal.
func KindOf(err error) Kind {
	var e *Error
	if As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// As reports whether err, or an error reached through its chain of
// single-error Unwrap methods, is an *Error, and if so stores it in target.
// Errors joined with Unwrap() []error are not searched.
func As(err error, target **Error) bool {
	for err != nil {
		if e, ok := err.(*Error); ok {
			*target = e
			return true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}
