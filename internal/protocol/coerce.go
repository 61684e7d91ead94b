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

package protocol

import (
	"fmt"

	"github.com/jfellow/mcpforge/internal/mcperr"
	"github.com/jfellow/mcpforge/internal/registry"
)

const maxArgumentKeys = 100

// coerceArguments validates args against params, coercing JSON-decoded
// numeric types (float64 from encoding/json) into the declared integer
// type where exact. Missing required parameters and type mismatches are
// reported as KindParameterValidation errors naming the offending
// parameter, per the parameter-validation contract.
func coerceArguments(params []registry.ParamSpec, args map[string]any) (map[string]any, error) {
	if len(args) > maxArgumentKeys {
		return nil, mcperr.New(mcperr.KindInvalidRequest, "arguments object has %d keys, exceeds the %d limit", len(args), maxArgumentKeys)
	}

	out := make(map[string]any, len(args))
	for k, v := range args {
		out[k] = v
	}

	for _, p := range params {
		v, present := out[p.Name]
		if !present {
			if p.Required {
				return nil, mcperr.New(mcperr.KindParameterValidation, "missing required parameter %q (expected %s)", p.Name, p.Type).
					WithData(map[string]any{"param": p.Name, "expectedType": string(p.Type)})
			}
			continue
		}
		coerced, err := coerceValue(p, v)
		if err != nil {
			return nil, err
		}
		out[p.Name] = coerced
	}
	return out, nil
}

func coerceValue(p registry.ParamSpec, v any) (any, error) {
	switch p.Type {
	case registry.TypeString:
		s, ok := v.(string)
		if !ok {
			return nil, validationErr(p, v)
		}
		if len(p.Enum) > 0 && !containsString(p.Enum, s) {
			return nil, mcperr.New(mcperr.KindParameterValidation, "parameter %q: %q is not one of %v", p.Name, s, p.Enum)
		}
		return s, nil
	case registry.TypeBoolean:
		b, ok := v.(bool)
		if !ok {
			return nil, validationErr(p, v)
		}
		return b, nil
	case registry.TypeInteger:
		f, ok := v.(float64)
		if !ok || f != float64(int64(f)) {
			return nil, validationErr(p, v)
		}
		return int64(f), nil
	case registry.TypeNumber:
		f, ok := v.(float64)
		if !ok {
			return nil, validationErr(p, v)
		}
		return f, nil
	case registry.TypeArray:
		arr, ok := v.([]any)
		if !ok {
			return nil, validationErr(p, v)
		}
		if p.Items == nil {
			return arr, nil
		}
		out := make([]any, len(arr))
		for i, item := range arr {
			coerced, err := coerceValue(*p.Items, item)
			if err != nil {
				return nil, err
			}
			out[i] = coerced
		}
		return out, nil
	case registry.TypeObject:
		obj, ok := v.(map[string]any)
		if !ok {
			return nil, validationErr(p, v)
		}
		if len(p.Properties) == 0 {
			return obj, nil
		}
		nested, err := coerceArguments(p.Properties, obj)
		if err != nil {
			return nil, err
		}
		return nested, nil
	default:
		return v, nil
	}
}

func validationErr(p registry.ParamSpec, actual any) error {
	return mcperr.New(mcperr.KindParameterValidation, "parameter %q: expected %s, got %T(%v)", p.Name, p.Type, actual, actual).
		WithData(map[string]any{"param": p.Name, "expectedType": string(p.Type), "actualValue": fmt.Sprintf("%v", actual)})
}

func containsString(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
