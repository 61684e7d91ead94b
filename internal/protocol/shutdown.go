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
	"context"
	"time"
)

// Shutdown stops the dispatcher from accepting new requests, waits up to
// the configured shutdown timeout for in-flight tool calls to finish on
// their own, then fails every still-pending server-initiated request and
// clears all session state. Transports should call this before closing
// their listeners so clients mid-flight get a clean Shutdown error instead
// of a dropped connection.
func (d *Dispatcher) Shutdown(ctx context.Context) error {
	d.mu.Lock()
	d.accepting = false
	d.mu.Unlock()

	drained := make(chan struct{})
	go func() {
		d.inFlight.Wait()
		close(drained)
	}()

	timer := time.NewTimer(d.shutdownTimeout)
	defer timer.Stop()

	select {
	case <-drained:
	case <-timer.C:
	case <-ctx.Done():
	}

	d.failAllPending()
	d.sessions.Clear()
	return nil
}
