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

import "testing"

func TestStringLevelRoundTrip(t *testing.T) {
	var lvl stringLevel
	if lvl.String() != "info" {
		t.Fatalf("zero value String() = %q, want info", lvl.String())
	}
	if err := lvl.Set("WARN"); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if lvl.String() != "warn" {
		t.Fatalf("String() = %q, want warn", lvl.String())
	}
	if err := lvl.Set("bogus"); err == nil {
		t.Fatal("expected an error for an invalid level")
	}
}

func TestLogFormatRoundTrip(t *testing.T) {
	var f logFormat
	if f.String() != "standard" {
		t.Fatalf("zero value String() = %q, want standard", f.String())
	}
	if err := f.Set("JSON"); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if f.String() != "json" {
		t.Fatalf("String() = %q, want json", f.String())
	}
	if err := f.Set("xml"); err == nil {
		t.Fatal("expected an error for an invalid format")
	}
}
