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

package config

import (
	"bytes"
	"context"
	"fmt"

	"github.com/goccy/go-yaml"
)

// delayedUnmarshaler saves the unmarshal func go-yaml hands UnmarshalYAML
// so it can be replayed once the target's concrete kind is known. This is
// how SourceConfigs.UnmarshalYAML in config.go sniffs a block's "kind" field
// before deciding which SourceConfig factory to decode it into.
type delayedUnmarshaler struct {
	unmarshal func(interface{}) error
}

var _ yaml.InterfaceUnmarshalerContext = &delayedUnmarshaler{}

func (d *delayedUnmarshaler) UnmarshalYAML(_ context.Context, unmarshal func(interface{}) error) error {
	d.unmarshal = unmarshal
	return nil
}

func (d *delayedUnmarshaler) Unmarshal(v interface{}) error {
	if d.unmarshal == nil {
		return fmt.Errorf("nothing to unmarshal")
	}
	return d.unmarshal(v)
}

// newStrictDecoder re-marshals v and returns a yaml.Decoder over the
// result, so a per-kind Config type can decode its own fields out of a
// block that was first read generically to sniff "kind".
func newStrictDecoder(v interface{}) (*yaml.Decoder, error) {
	b, err := yaml.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("unable to marshal %v: %w", v, err)
	}
	return yaml.NewDecoder(bytes.NewReader(b), yaml.Strict()), nil
}
