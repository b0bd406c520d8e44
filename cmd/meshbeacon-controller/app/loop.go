// Copyright (c) The MeshBeacon Authors.
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

package app

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/meshbeacon-net/meshbeacon/pkg/beacon"
)

// syncLoop runs one reconciliation pass per state-file change. It is a
// leader-elected runnable: on followers it never starts, which implements
// the passive side of the leadership convention. Passes are serialized by
// the loop itself, so they never overlap.
type syncLoop struct {
	manager    *beacon.Manager
	stateFile  string
	configFile string

	logger *logrus.Entry
}

func newSyncLoop(manager *beacon.Manager, stateFile, configFile string) *syncLoop {
	return &syncLoop{
		manager:    manager,
		stateFile:  stateFile,
		configFile: configFile,
		logger:     logrus.WithField("component", "app.syncloop"),
	}
}

// NeedLeaderElection marks the loop as leader-only.
func (l *syncLoop) NeedLeaderElection() bool {
	return true
}

// Start watches the state file and reconciles on every change, after an
// initial pass. It blocks until the context is canceled.
func (l *syncLoop) Start(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("cannot create state watcher: %w", err)
	}
	defer func() {
		if err := watcher.Close(); err != nil {
			l.logger.Errorf("Cannot close state watcher: %v.", err)
		}
	}()

	// Watch directories: substrates typically replace these files
	// atomically via rename, which would drop a watch on the file itself.
	for _, dir := range watchDirs(l.stateFile, l.configFile) {
		if err := watcher.Add(dir); err != nil {
			return fmt.Errorf("cannot watch %q: %w", dir, err)
		}
	}

	l.pass(ctx)

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			switch event.Name {
			case l.stateFile:
				l.pass(ctx)
			case l.configFile:
				// Configuration is immutable for the process lifetime;
				// exit and let the substrate restart us with the new one.
				l.logger.Info("Configuration changed; restarting.")
				return nil
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			l.logger.Errorf("State watcher error: %v.", err)
		}
	}
}

// pass loads the channel state, runs one synchronous pass and publishes
// the locally written relation data back to the substrate. A failed pass
// is logged as an operator-visible error and retried on the next trigger.
func (l *syncLoop) pass(ctx context.Context) {
	logger := l.logger.WithField("pass", uuid.NewString()[:8])

	state, err := loadState(l.stateFile)
	if err != nil {
		logger.Errorf("Cannot load channel state: %v.", err)
		return
	}
	// This process runs only while holding leadership.
	state.Leader = true

	logger.Info("Starting reconciliation pass.")
	if err := l.manager.Sync(ctx, state); err != nil {
		logger.Errorf("Reconciliation pass failed: %v.", err)
		return
	}

	if err := publishState(l.stateFile, state); err != nil {
		logger.Errorf("Cannot publish relation data: %v.", err)
		return
	}
	logger.Info("Reconciliation pass complete.")
}

// watchDirs returns the deduplicated parent directories of the given
// files.
func watchDirs(files ...string) []string {
	dirs := []string{}
	seen := map[string]struct{}{}
	for _, file := range files {
		dir := filepath.Dir(file)
		if _, ok := seen[dir]; ok {
			continue
		}
		seen[dir] = struct{}{}
		dirs = append(dirs, dir)
	}
	return dirs
}

// loadState reads the relation-channel state maintained by the hosting
// substrate.
func loadState(path string) (*beacon.State, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	state := &beacon.State{}
	if err := json.Unmarshal(raw, state); err != nil {
		return nil, fmt.Errorf("cannot parse state file: %w", err)
	}
	return state, nil
}

// publishState writes the post-pass state, including locally published
// relation data, to a sidecar file the substrate picks up. Writing next
// to the input rather than over it keeps the watcher from re-triggering
// on our own output.
func publishState(path string, state *beacon.State) error {
	encoded, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return fmt.Errorf("cannot encode state: %w", err)
	}

	return os.WriteFile(path+".out", encoded, 0o600)
}
