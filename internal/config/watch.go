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
	"context"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/jfellow/mcpforge/internal/log"
)

// ReloadFunc is invoked with the freshly decoded config after a debounced
// file change. It returns an error if the new config isn't safe to apply
// live (a structural change to the registered source set); the caller
// logs that as a warning and keeps running on the old config rather than
// restarting, since this module's Non-goal is live tool/source
// registration changes, not config files in general.
type ReloadFunc func(Config) error

// Watch watches path for writes and, after a 100ms debounce, reloads the
// file and passes the new Config to apply, logging a warning when the load
// fails or apply returns an error. It blocks until ctx is cancelled. Watch
// itself changes no setting of the running server: the apply func cmd
// passes only rejects structural differences (a changed number of sources
// or auth services) and does not apply the log level or any other field.
func Watch(ctx context.Context, path string, logger log.Logger, apply ReloadFunc) {
	if path == "" {
		return
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		logger.Warn("unable to start config watcher", "error", err)
		return
	}
	defer w.Close()

	if err := w.Add(path); err != nil {
		logger.Warn("unable to watch config file", "path", path, "error", err)
		return
	}

	const debounceDelay = 100 * time.Millisecond
	debounce := time.NewTimer(time.Minute)
	debounce.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case err, ok := <-w.Errors:
			if !ok {
				return
			}
			logger.Warn("config watcher error", "error", err)
		case ev, ok := <-w.Events:
			if !ok {
				return
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			debounce.Reset(debounceDelay)
		case <-debounce.C:
			reload(ctx, path, logger, apply)
		}
	}
}

func reload(ctx context.Context, path string, logger log.Logger, apply ReloadFunc) {
	cfg, err := Load(ctx, path)
	if err != nil {
		logger.Warn("config reload failed, keeping previous config", "error", err)
		return
	}
	if err := apply(cfg); err != nil {
		logger.Warn("config reload requires a restart, ignoring live", "error", err)
		return
	}
	logger.Info("config reloaded", "path", path)
}
