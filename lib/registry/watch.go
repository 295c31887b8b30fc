// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package registry

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
)

// Watcher reports changes to the registry file. It watches the parent
// directory so that editors which replace the file by rename are seen.
type Watcher struct {
	path    string
	watcher *fsnotify.Watcher
	logger  *slog.Logger
}

// NewWatcher starts watching the directory containing path. Call Run to
// receive events and Close if Run is never called.
func NewWatcher(path string, logger *slog.Logger) (*Watcher, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("creating registry watcher: %w", err)
	}
	absolute, err := filepath.Abs(path)
	if err != nil {
		watcher.Close()
		return nil, fmt.Errorf("resolving registry path: %w", err)
	}
	if err := watcher.Add(filepath.Dir(absolute)); err != nil {
		watcher.Close()
		return nil, fmt.Errorf("watching %s: %w", filepath.Dir(absolute), err)
	}
	return &Watcher{path: absolute, watcher: watcher, logger: logger}, nil
}

// Run sends on notify whenever the registry file is written, created or
// renamed into place, until ctx is cancelled. Sends never block: a
// pending notification already covers the new change.
func (w *Watcher) Run(ctx context.Context, notify chan<- struct{}) {
	defer w.watcher.Close()

	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != w.path {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
				continue
			}
			w.logger.Debug("builder registry changed", "path", w.path, "op", event.Op.String())
			select {
			case notify <- struct{}{}:
			default:
			}
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Error("builder registry watch failed", "path", w.path, "error", err)
		}
	}
}

// Close stops watching. It is only needed when Run was not called.
func (w *Watcher) Close() error {
	return w.watcher.Close()
}
