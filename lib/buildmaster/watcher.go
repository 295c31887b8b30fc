// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package buildmaster

import (
	"context"
	"log/slog"
	"time"

	"github.com/bureau-foundation/buildfarm/lib/clock"
	"github.com/bureau-foundation/buildfarm/lib/registry"
)

// Watcher refreshes the fleet and reports builders it has not seen
// before.
type Watcher struct {
	factory      Factory
	store        registry.Upserter
	registryPath string
	interval     time.Duration
	clock        clock.Clock
	logger       *slog.Logger

	// onNewBuilder is called once per newly seen builder name.
	onNewBuilder func(name string)

	known map[string]bool
}

// WatcherConfig configures a Watcher.
type WatcherConfig struct {
	Factory Factory

	// Store receives registry entries. It may be nil when RegistryPath
	// is empty.
	Store        registry.Upserter
	RegistryPath string

	Interval time.Duration
	Clock    clock.Clock
	Logger   *slog.Logger

	OnNewBuilder func(name string)
}

// NewWatcher returns a watcher that has seen no builders.
func NewWatcher(config WatcherConfig) *Watcher {
	return &Watcher{
		factory:      config.Factory,
		store:        config.Store,
		registryPath: config.RegistryPath,
		interval:     config.Interval,
		clock:        config.Clock,
		logger:       config.Logger,
		onNewBuilder: config.OnNewBuilder,
		known:        make(map[string]bool),
	}
}

// Run makes a pass immediately, then every interval and whenever
// refresh fires, until ctx is cancelled. refresh may be nil.
func (w *Watcher) Run(ctx context.Context, refresh <-chan struct{}) {
	ticker := w.clock.NewTicker(w.interval)
	defer ticker.Stop()

	passContext := context.WithoutCancel(ctx)
	for {
		w.Pass(passContext)

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		case <-refresh:
			w.logger.Info("builder registry changed, refreshing fleet")
		}
	}
}

// Pass syncs the registry, refreshes the factory and reports new
// builders. It returns the names of the builders it reported.
func (w *Watcher) Pass(ctx context.Context) []string {
	if w.registryPath != "" {
		w.syncRegistry(ctx)
	}

	if err := w.factory.Update(ctx); err != nil {
		w.logger.Error("refreshing fleet failed", "error", err)
		return nil
	}
	all, err := w.factory.AllVitals(ctx)
	if err != nil {
		w.logger.Error("listing builders failed", "error", err)
		return nil
	}

	var added []string
	for _, vitals := range all {
		name := vitals.Name()
		if w.known[name] {
			continue
		}
		w.known[name] = true
		added = append(added, name)
	}
	for _, name := range added {
		w.logger.Info("new builder", "builder", name)
		w.onNewBuilder(name)
	}
	return added
}

// syncRegistry upserts the registry file into the store. A broken
// registry is logged and the fleet is refreshed from the store alone.
func (w *Watcher) syncRegistry(ctx context.Context) {
	entries, err := registry.Load(w.registryPath)
	if err != nil {
		w.logger.Error("loading builder registry failed", "path", w.registryPath, "error", err)
		return
	}
	if err := registry.Sync(ctx, w.store, entries); err != nil {
		w.logger.Error("syncing builder registry failed", "path", w.registryPath, "error", err)
	}
}
