// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package buildmaster

import (
	"context"
	"os"
	"path/filepath"
	"slices"
	"testing"
	"time"

	"github.com/bureau-foundation/buildfarm/lib/buildfarm"
	"github.com/bureau-foundation/buildfarm/lib/config"
	"github.com/bureau-foundation/buildfarm/lib/testutil"
)

const twoBuilders = `{
  "builders": [
    {"name": "alpha", "url": "unix:///tmp/alpha.sock", "processor": "amd64"},
    {"name": "beta", "url": "unix:///tmp/beta.sock", "processor": "arm64"},
  ],
}`

func writeRegistry(t *testing.T, path, content string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("writing registry: %v", err)
	}
}

func schedulerConfig() config.SchedulerConfig {
	scheduler := config.Default().Scheduler
	scheduler.ScanInterval = scanInterval
	return scheduler
}

func (h *harness) manager(registryConfig config.RegistryConfig) *Manager {
	h.t.Helper()
	manager, err := NewManager(Config{
		Store:     h.store,
		Workers:   h.workers,
		Resumer:   h.resumer,
		Behaviors: h.behaviors,
		Scheduler: schedulerConfig(),
		Registry:  registryConfig,
		Clock:     h.clock,
		Logger:    discardLogger(),
	})
	if err != nil {
		h.t.Fatalf("NewManager: %v", err)
	}
	return manager
}

// waitForTimers fails the test instead of hanging when the loops never
// register n timers.
func waitForTimers(t *testing.T, h *harness, n int) {
	t.Helper()
	registered := make(chan struct{})
	go func() {
		h.clock.WaitForTimers(n)
		close(registered)
	}()
	testutil.RequireClosed(t, registered, 5*time.Second, "timed out waiting for %d timers", n)
}

func TestWatcherPass(t *testing.T) {
	h := newHarness(t)
	path := filepath.Join(t.TempDir(), "builders.jsonc")
	writeRegistry(t, path, twoBuilders)

	var started []string
	watcher := NewWatcher(WatcherConfig{
		Factory:      NewPrefetchedFactory(h.store, h.clock),
		Store:        h.store,
		RegistryPath: path,
		Interval:     15 * time.Second,
		Clock:        h.clock,
		Logger:       discardLogger(),
		OnNewBuilder: func(name string) { started = append(started, name) },
	})
	ctx := context.Background()

	if added := watcher.Pass(ctx); !slices.Equal(added, []string{"alpha", "beta"}) {
		t.Fatalf("first pass added %v", added)
	}
	if added := watcher.Pass(ctx); len(added) != 0 {
		t.Fatalf("second pass added %v", added)
	}

	writeRegistry(t, path, `{"builders": [{"name": "gamma", "url": "tcp://gamma:8221", "processor": "amd64", "virtualized": true}]}`)
	if added := watcher.Pass(ctx); !slices.Equal(added, []string{"gamma"}) {
		t.Fatalf("third pass added %v", added)
	}
	if !slices.Equal(started, []string{"alpha", "beta", "gamma"}) {
		t.Errorf("scanners started for %v", started)
	}
	if gamma := h.builder("gamma"); !gamma.Virtualized || !gamma.OK {
		t.Errorf("gamma = %+v", gamma)
	}

	// A broken registry does not stop the refresh.
	writeRegistry(t, path, `{"builders": [`)
	if added := watcher.Pass(ctx); len(added) != 0 {
		t.Errorf("pass with a broken registry added %v", added)
	}
}

func TestNewManagerValidates(t *testing.T) {
	h := newHarness(t)
	if _, err := NewManager(Config{Workers: h.workers, Resumer: h.resumer, Clock: h.clock, Logger: discardLogger(), Scheduler: schedulerConfig()}); err == nil {
		t.Error("NewManager accepted a missing store")
	}
	if _, err := NewManager(Config{Store: h.store, Workers: h.workers, Resumer: h.resumer, Clock: h.clock, Logger: discardLogger()}); err == nil {
		t.Error("NewManager accepted zero intervals")
	}

	// A zero threshold would disable a builder on its first failure.
	for _, thresholds := range [][2]int{{0, 3}, {5, 0}} {
		scheduler := schedulerConfig()
		scheduler.ResetThreshold = thresholds[0]
		scheduler.ResetFailureThreshold = thresholds[1]
		_, err := NewManager(Config{Store: h.store, Workers: h.workers, Resumer: h.resumer, Clock: h.clock, Logger: discardLogger(), Scheduler: scheduler})
		if err == nil {
			t.Errorf("NewManager accepted thresholds %d/%d", thresholds[0], thresholds[1])
		}
	}
}

func TestManagerStartStop(t *testing.T) {
	h := newHarness(t)
	h.addBuilder("alpha", "amd64", false)
	h.addBuilder("beta", "arm64", false)
	job := h.enqueue(buildfarm.PackageBuild, "hello", "arm64", buildfarm.Bool(false))

	manager := h.manager(config.RegistryConfig{})
	if err := manager.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := manager.Start(context.Background()); err == nil {
		t.Error("second Start succeeded")
	}

	// One ticker for the watcher and one per scanner.
	waitForTimers(t, h, 3)
	if builders := manager.Builders(); !slices.Equal(builders, []string{"alpha", "beta"}) {
		t.Errorf("Builders = %v", builders)
	}

	stopped := make(chan struct{})
	go func() {
		manager.Stop()
		close(stopped)
	}()
	testutil.RequireClosed(t, stopped, 5*time.Second, "Stop did not return")

	// Every first tick ran to completion before Stop returned.
	if dispatched := h.job(job.ID); dispatched.BuilderID != h.builder("beta").ID {
		t.Errorf("job = %+v, want dispatched to beta", dispatched)
	}
	if h.clock.Pending() != 0 {
		t.Errorf("%d timers still registered after Stop", h.clock.Pending())
	}
}

func TestManagerRegistryWatchAddsBuilder(t *testing.T) {
	h := newHarness(t)
	path := filepath.Join(t.TempDir(), "builders.jsonc")
	writeRegistry(t, path, `{"builders": [{"name": "alpha", "url": "unix:///tmp/alpha.sock", "processor": "amd64"}]}`)
	h.workers.workers["alpha"] = newFakeWorker()
	h.workers.workers["beta"] = newFakeWorker()

	manager := h.manager(config.RegistryConfig{Path: path, Watch: true})
	if err := manager.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer manager.Stop()
	waitForTimers(t, h, 2)

	// No clock movement: only the file watch can trigger this pass.
	writeRegistry(t, path, twoBuilders)
	waitForTimers(t, h, 3)
	if builders := manager.Builders(); !slices.Equal(builders, []string{"alpha", "beta"}) {
		t.Errorf("Builders = %v", builders)
	}
}

func TestManagerEstimatedStartTime(t *testing.T) {
	h := newHarness(t)
	h.addBuilder("alpha", "amd64", false)
	job := h.enqueue(buildfarm.PackageBuild, "hello", "amd64", buildfarm.Bool(false))
	manager := h.manager(config.RegistryConfig{})
	ctx := context.Background()

	start, ok, err := manager.EstimatedStartTime(ctx, job.ID)
	if err != nil || !ok {
		t.Fatalf("EstimatedStartTime = %v, %v, %v", start, ok, err)
	}
	// A free builder means no wait beyond the floor.
	if want := epoch.Add(5 * time.Second); !start.Equal(want) {
		t.Errorf("start = %v, want %v", start, want)
	}

	orphan := h.enqueue(buildfarm.PackageBuild, "sparc", "sparc", buildfarm.Bool(false))
	if _, ok, err := manager.EstimatedStartTime(ctx, orphan.ID); err != nil || ok {
		t.Errorf("job without a builder: ok %v, err %v; want not ok", ok, err)
	}
}
