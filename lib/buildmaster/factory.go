// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package buildmaster

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/bureau-foundation/buildfarm/lib/buildfarm"
	"github.com/bureau-foundation/buildfarm/lib/clock"
	"github.com/bureau-foundation/buildfarm/lib/farmstore"
)

// Factory provides builder vitals to scanners.
type Factory interface {
	// Update refreshes the factory's view of the fleet. The watcher
	// calls it once per pass.
	Update(ctx context.Context) error

	// PrescanUpdate refreshes whatever a single scan needs. Scanners
	// call it at the start of every tick.
	PrescanUpdate(ctx context.Context) error

	// DateUpdated is when the data served was last refreshed. A scanner
	// skips its tick if it already scanned after this time.
	DateUpdated() time.Time

	// Vitals returns one builder's vitals.
	Vitals(ctx context.Context, name string) (buildfarm.Vitals, error)

	// AllVitals returns every builder's vitals ordered by name.
	AllVitals(ctx context.Context) ([]buildfarm.Vitals, error)
}

// VitalsReader reads vitals from persistent storage. *farmstore.Store
// implements it.
type VitalsReader interface {
	Vitals(ctx context.Context, name string) (buildfarm.Vitals, error)
	AllVitals(ctx context.Context) ([]buildfarm.Vitals, error)
}

// LiveFactory queries the store on every call. Its data is always
// current, so scanners never skip a tick.
type LiveFactory struct {
	store VitalsReader
	clock clock.Clock
}

// NewLiveFactory returns a factory reading store directly.
func NewLiveFactory(store VitalsReader, clk clock.Clock) *LiveFactory {
	return &LiveFactory{store: store, clock: clk}
}

func (f *LiveFactory) Update(ctx context.Context) error        { return nil }
func (f *LiveFactory) PrescanUpdate(ctx context.Context) error { return nil }
func (f *LiveFactory) DateUpdated() time.Time                  { return f.clock.Now() }

func (f *LiveFactory) Vitals(ctx context.Context, name string) (buildfarm.Vitals, error) {
	return f.store.Vitals(ctx, name)
}

func (f *LiveFactory) AllVitals(ctx context.Context) ([]buildfarm.Vitals, error) {
	return f.store.AllVitals(ctx)
}

// PrefetchedFactory loads every builder and its assignment in a single
// query per Update and serves vitals from memory until the next one.
type PrefetchedFactory struct {
	store VitalsReader
	clock clock.Clock

	mu          sync.RWMutex
	vitals      map[string]buildfarm.Vitals
	dateUpdated time.Time
}

// NewPrefetchedFactory returns a factory that serves nothing until its
// first Update.
func NewPrefetchedFactory(store VitalsReader, clk clock.Clock) *PrefetchedFactory {
	return &PrefetchedFactory{store: store, clock: clk, vitals: map[string]buildfarm.Vitals{}}
}

func (f *PrefetchedFactory) Update(ctx context.Context) error {
	all, err := f.store.AllVitals(ctx)
	if err != nil {
		return fmt.Errorf("prefetching vitals: %w", err)
	}
	loaded := make(map[string]buildfarm.Vitals, len(all))
	for _, vitals := range all {
		loaded[vitals.Name()] = vitals
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.vitals = loaded
	f.dateUpdated = f.clock.Now()
	return nil
}

// PrescanUpdate is a no-op: Update already brought the data up to
// date.
func (f *PrefetchedFactory) PrescanUpdate(ctx context.Context) error { return nil }

func (f *PrefetchedFactory) DateUpdated() time.Time {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.dateUpdated
}

func (f *PrefetchedFactory) Vitals(ctx context.Context, name string) (buildfarm.Vitals, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	vitals, ok := f.vitals[name]
	if !ok {
		return buildfarm.Vitals{}, fmt.Errorf("builder %s: %w", name, farmstore.ErrNotFound)
	}
	return vitals, nil
}

func (f *PrefetchedFactory) AllVitals(ctx context.Context) ([]buildfarm.Vitals, error) {
	f.mu.RLock()
	all := make([]buildfarm.Vitals, 0, len(f.vitals))
	for _, vitals := range f.vitals {
		all = append(all, vitals)
	}
	f.mu.RUnlock()

	sort.Slice(all, func(i, j int) bool { return all[i].Name() < all[j].Name() })
	return all, nil
}
