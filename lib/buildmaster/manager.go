// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package buildmaster

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/bureau-foundation/buildfarm/lib/behavior"
	"github.com/bureau-foundation/buildfarm/lib/buildd"
	"github.com/bureau-foundation/buildfarm/lib/clock"
	"github.com/bureau-foundation/buildfarm/lib/config"
	"github.com/bureau-foundation/buildfarm/lib/farmstore"
	"github.com/bureau-foundation/buildfarm/lib/queue"
	"github.com/bureau-foundation/buildfarm/lib/registry"
)

// Config holds everything a Manager needs.
type Config struct {
	Store     *farmstore.Store
	Workers   WorkerFactory
	Resumer   buildd.Resumer
	Behaviors *behavior.Registry
	Scheduler config.SchedulerConfig
	Registry  config.RegistryConfig
	Clock     clock.Clock
	Logger    *slog.Logger

	// Factory overrides the factory chosen by Scheduler.Prefetch.
	Factory Factory
}

// Manager runs the fleet watcher and one scanner per builder.
type Manager struct {
	config     Config
	factory    Factory
	interactor *Interactor
	escalator  *Escalator
	estimator  *queue.Estimator
	logger     *slog.Logger

	mu       sync.Mutex
	started  bool
	ctx      context.Context
	cancel   context.CancelFunc
	group    *errgroup.Group
	scanners map[string]*Scanner
}

// NewManager validates config and returns a stopped manager.
func NewManager(cfg Config) (*Manager, error) {
	switch {
	case cfg.Store == nil:
		return nil, errors.New("buildmaster: Store is required")
	case cfg.Workers == nil:
		return nil, errors.New("buildmaster: Workers is required")
	case cfg.Resumer == nil:
		return nil, errors.New("buildmaster: Resumer is required")
	case cfg.Clock == nil:
		return nil, errors.New("buildmaster: Clock is required")
	case cfg.Logger == nil:
		return nil, errors.New("buildmaster: Logger is required")
	case cfg.Scheduler.ScanInterval <= 0 || cfg.Scheduler.WatcherInterval <= 0:
		return nil, errors.New("buildmaster: scan and watcher intervals must be positive")
	case cfg.Scheduler.ResetThreshold < 1 || cfg.Scheduler.ResetFailureThreshold < 1:
		return nil, errors.New("buildmaster: reset thresholds must be at least 1")
	}
	if cfg.Behaviors == nil {
		cfg.Behaviors = behavior.Default()
	}

	factory := cfg.Factory
	if factory == nil {
		if cfg.Scheduler.Prefetch {
			factory = NewPrefetchedFactory(cfg.Store, cfg.Clock)
		} else {
			factory = NewLiveFactory(cfg.Store, cfg.Clock)
		}
	}

	interactor := NewInteractor(cfg.Store, cfg.Behaviors, cfg.Resumer, cfg.Logger)
	return &Manager{
		config:     cfg,
		factory:    factory,
		interactor: interactor,
		escalator: NewEscalator(cfg.Store, interactor, Thresholds{
			Reset:        cfg.Scheduler.ResetThreshold,
			ResetFailure: cfg.Scheduler.ResetFailureThreshold,
		}, cfg.Logger),
		estimator: queue.NewEstimator(queue.EstimatorConfig{
			HeadOverrun: cfg.Scheduler.HeadOverrunEstimate,
			Minimum:     cfg.Scheduler.MinimumEstimate,
		}, cfg.Clock),
		logger:   cfg.Logger,
		scanners: make(map[string]*Scanner),
	}, nil
}

// Start launches the watcher, which starts scanners as it finds
// builders. The loops run until Stop or until ctx is cancelled.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.started {
		return errors.New("buildmaster: manager already started")
	}

	var refresh chan struct{}
	var registryWatcher *registry.Watcher
	if m.config.Registry.Path != "" && m.config.Registry.Watch {
		var err error
		registryWatcher, err = registry.NewWatcher(m.config.Registry.Path, m.logger)
		if err != nil {
			return err
		}
		refresh = make(chan struct{}, 1)
	}

	m.ctx, m.cancel = context.WithCancel(ctx)
	m.group = new(errgroup.Group)
	m.started = true

	if registryWatcher != nil {
		m.group.Go(func() error {
			registryWatcher.Run(m.ctx, refresh)
			return nil
		})
	}

	watcher := NewWatcher(WatcherConfig{
		Factory:      m.factory,
		Store:        m.config.Store,
		RegistryPath: m.config.Registry.Path,
		Interval:     m.config.Scheduler.WatcherInterval,
		Clock:        m.config.Clock,
		Logger:       m.logger,
		OnNewBuilder: m.addScanner,
	})
	m.group.Go(func() error {
		watcher.Run(m.ctx, refresh)
		return nil
	})

	m.logger.Info("build manager started",
		"scan_interval", m.config.Scheduler.ScanInterval,
		"prefetch", m.config.Scheduler.Prefetch,
	)
	return nil
}

// addScanner starts a scanner for a newly seen builder.
func (m *Manager) addScanner(name string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.scanners[name]; exists || m.ctx.Err() != nil {
		return
	}

	scanner := NewScanner(ScannerConfig{
		Name:          name,
		Factory:       m.factory,
		Store:         m.config.Store,
		Workers:       m.config.Workers,
		Behaviors:     m.config.Behaviors,
		Interactor:    m.interactor,
		Escalator:     m.escalator,
		Clock:         m.config.Clock,
		Logger:        m.logger,
		Interval:      m.config.Scheduler.ScanInterval,
		CancelTimeout: m.config.Scheduler.CancelTimeout,
	})
	m.scanners[name] = scanner
	m.group.Go(func() error {
		scanner.Run(m.ctx)
		return nil
	})
}

// Stop stops the watcher and every scanner and waits for the ticks in
// progress to finish.
func (m *Manager) Stop() error {
	m.mu.Lock()
	if !m.started {
		m.mu.Unlock()
		return nil
	}
	m.cancel()
	group := m.group
	m.mu.Unlock()

	err := group.Wait()
	m.logger.Info("build manager stopped")
	return err
}

// Builders returns the names of the builders being scanned.
func (m *Manager) Builders() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	names := make([]string, 0, len(m.scanners))
	for name := range m.scanners {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// EstimatedStartTime predicts when a waiting job will be dispatched. ok
// is false when no builder can run it.
func (m *Manager) EstimatedStartTime(ctx context.Context, jobID int64) (start time.Time, ok bool, err error) {
	job, err := m.config.Store.Job(ctx, jobID)
	if err != nil {
		return time.Time{}, false, err
	}
	fleet, err := m.config.Store.Fleet(ctx)
	if err != nil {
		return time.Time{}, false, err
	}
	start, ok, err = m.estimator.EstimatedStartTime(job, fleet)
	if err != nil {
		return time.Time{}, false, fmt.Errorf("estimating job %d: %w", jobID, err)
	}
	return start, ok, nil
}
