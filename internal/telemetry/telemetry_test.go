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

package telemetry

import (
	"context"
	"testing"
)

func TestCreateTelemetryInstrumentationBuildsWorkingInstruments(t *testing.T) {
	inst, err := CreateTelemetryInstrumentation("0.0.1-test")
	if err != nil {
		t.Fatalf("CreateTelemetryInstrumentation: %v", err)
	}
	ctx, span := inst.StartToolSpan(context.Background(), "echo")
	if ctx == nil || span == nil {
		t.Fatal("StartToolSpan returned a nil context or span")
	}
	span.End()

	inst.ToolCallCount.Add(context.Background(), 1)
	inst.SSEEventCount.Add(context.Background(), 1)
	inst.HTTPReqCount.Add(context.Background(), 1)
}

func TestSetupOTelShutdownSucceeds(t *testing.T) {
	shutdown, err := SetupOTel(context.Background(), "0.0.1-test", "", "test-service")
	if err != nil {
		t.Fatalf("SetupOTel: %v", err)
	}
	if err := shutdown(context.Background()); err != nil {
		t.Errorf("shutdown: %v", err)
	}
}
