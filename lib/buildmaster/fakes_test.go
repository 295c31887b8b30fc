// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package buildmaster

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/bureau-foundation/buildfarm/lib/behavior"
	"github.com/bureau-foundation/buildfarm/lib/buildd"
	"github.com/bureau-foundation/buildfarm/lib/buildfarm"
	"github.com/bureau-foundation/buildfarm/lib/clock"
	"github.com/bureau-foundation/buildfarm/lib/farmstore"
	"github.com/bureau-foundation/buildfarm/lib/logtail"
	"github.com/bureau-foundation/buildfarm/lib/queue"
)

var epoch = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

const scanInterval = 15 * time.Second

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeWorker behaves like a well-mannered worker unless told
// otherwise. Every RPC is recorded in calls.
type fakeWorker struct {
	mu        sync.Mutex
	status    buildd.Status
	statusErr error
	abortErr  error
	buildErr  error
	calls     []string
	builds    []buildd.BuildRequest

	// gate, when set, blocks Status until a value is received.
	gate chan struct{}

	inFlight    int
	maxInFlight int
}

func newFakeWorker() *fakeWorker {
	return &fakeWorker{status: buildd.Status{Builder: buildd.BuilderIdle}}
}

func (w *fakeWorker) record(call string) {
	w.calls = append(w.calls, call)
}

func (w *fakeWorker) Status(ctx context.Context) (buildd.Status, error) {
	w.mu.Lock()
	w.record("status")
	w.inFlight++
	w.maxInFlight = max(w.maxInFlight, w.inFlight)
	gate := w.gate
	w.mu.Unlock()

	if gate != nil {
		<-gate
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	w.inFlight--
	return w.status, w.statusErr
}

func (w *fakeWorker) Build(ctx context.Context, request buildd.BuildRequest) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.record("build")
	if w.buildErr != nil {
		return w.buildErr
	}
	w.builds = append(w.builds, request)
	w.status = buildd.Status{Builder: buildd.BuilderBuilding, BuildID: request.Cookie}
	return nil
}

func (w *fakeWorker) Abort(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.record("abort")
	if w.abortErr != nil {
		return w.abortErr
	}
	if w.status.Builder == buildd.BuilderBuilding {
		w.status.Builder = buildd.BuilderAborting
		w.status.LogTail = ""
	}
	return nil
}

func (w *fakeWorker) Clean(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.record("clean")
	w.status = buildd.Status{Builder: buildd.BuilderIdle}
	return nil
}

func (w *fakeWorker) Echo(ctx context.Context, args ...string) ([]string, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.record("echo " + strings.Join(args, " "))
	return args, nil
}

func (w *fakeWorker) Info(ctx context.Context) (buildd.Info, error) {
	return buildd.Info{}, nil
}

// setStatus replaces what the worker reports.
func (w *fakeWorker) setStatus(status buildd.Status) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.status = status
}

// finish turns the current build into a WAITING result.
func (w *fakeWorker) finish(result buildd.BuildStatus) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.status = buildd.Status{Builder: buildd.BuilderWaiting, BuildID: w.status.BuildID, Build: result, LogTail: "done\n"}
}

func (w *fakeWorker) callLog() []string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]string(nil), w.calls...)
}

func (w *fakeWorker) resetCalls() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.calls = nil
}

// fakeWorkers hands out one fakeWorker per builder name.
type fakeWorkers struct {
	mu      sync.Mutex
	workers map[string]*fakeWorker
}

func (f *fakeWorkers) Worker(builder buildfarm.Builder) (buildd.Worker, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	worker, ok := f.workers[builder.Name]
	if !ok {
		return nil, fmt.Errorf("no worker for %s", builder.Name)
	}
	return worker, nil
}

type fakeResumer struct {
	mu      sync.Mutex
	resumed []string
	err     error
}

func (r *fakeResumer) Resume(ctx context.Context, builder buildfarm.Builder) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.resumed = append(r.resumed, builder.Name)
	if r.err != nil {
		return r.err
	}
	if !builder.Virtualized {
		return fmt.Errorf("%w: %s is not virtualized", buildd.ErrCannotResume, builder.Name)
	}
	return nil
}

func (r *fakeResumer) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.resumed)
}

// harness wires a real store to fake workers.
type harness struct {
	t          *testing.T
	store      *farmstore.Store
	clock      *clock.FakeClock
	workers    *fakeWorkers
	resumer    *fakeResumer
	behaviors  *behavior.Registry
	interactor *Interactor
	escalator  *Escalator
	factory    Factory
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	fakeClock := clock.Fake(epoch)
	store, err := farmstore.Open(farmstore.Config{
		Path:        filepath.Join(t.TempDir(), "farm.db"),
		PoolSize:    4,
		Compression: logtail.Zstd,
		Clock:       fakeClock,
		Logger:      discardLogger(),
	})
	if err != nil {
		t.Fatalf("farmstore.Open: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	resumer := &fakeResumer{}
	behaviors := behavior.Default()
	interactor := NewInteractor(store, behaviors, resumer, discardLogger())
	return &harness{
		t:          t,
		store:      store,
		clock:      fakeClock,
		workers:    &fakeWorkers{workers: map[string]*fakeWorker{}},
		resumer:    resumer,
		behaviors:  behaviors,
		interactor: interactor,
		escalator:  NewEscalator(store, interactor, Thresholds{Reset: 5, ResetFailure: 3}, discardLogger()),
		factory:    NewLiveFactory(store, fakeClock),
	}
}

// addBuilder registers a builder and its fake worker.
func (h *harness) addBuilder(name, processor string, virtualized bool) *fakeWorker {
	h.t.Helper()
	spec := farmstore.BuilderSpec{
		Name:        name,
		URL:         "unix:///tmp/" + name + ".sock",
		Processor:   processor,
		Virtualized: virtualized,
	}
	if virtualized {
		spec.VMHost = name + "-host"
	}
	if _, err := h.store.UpsertBuilder(context.Background(), spec); err != nil {
		h.t.Fatalf("UpsertBuilder(%s): %v", name, err)
	}
	worker := newFakeWorker()
	h.workers.mu.Lock()
	h.workers.workers[name] = worker
	h.workers.mu.Unlock()
	return worker
}

func (h *harness) enqueue(jobType buildfarm.JobType, title, processor string, virtualized *bool) buildfarm.Job {
	h.t.Helper()
	job, err := h.store.EnqueueJob(context.Background(), farmstore.NewJob{
		Type:              jobType,
		Title:             title,
		Processor:         processor,
		Virtualized:       virtualized,
		EstimatedDuration: 10 * time.Minute,
	}, queue.NewScorer(h.behaviors))
	if err != nil {
		h.t.Fatalf("EnqueueJob(%s): %v", title, err)
	}
	return job
}

// useResumer rebuilds the interactor and escalator around resumer.
func (h *harness) useResumer(resumer buildd.Resumer) {
	h.interactor = NewInteractor(h.store, h.behaviors, resumer, discardLogger())
	h.escalator = NewEscalator(h.store, h.interactor, h.escalator.thresholds, discardLogger())
}

func (h *harness) scanner(name string) *Scanner {
	return NewScanner(ScannerConfig{
		Name:          name,
		Factory:       h.factory,
		Store:         h.store,
		Workers:       h.workers,
		Behaviors:     h.behaviors,
		Interactor:    h.interactor,
		Escalator:     h.escalator,
		Clock:         h.clock,
		Logger:        discardLogger(),
		Interval:      scanInterval,
		CancelTimeout: 180 * time.Second,
	})
}

// tick advances the clock one interval and runs one cycle.
func (h *harness) tick(scanner *Scanner) {
	h.clock.Advance(scanInterval)
	scanner.SingleCycle(context.Background())
}

func (h *harness) builder(name string) buildfarm.Builder {
	h.t.Helper()
	builder, err := h.store.Builder(context.Background(), name)
	if err != nil {
		h.t.Fatalf("Builder(%s): %v", name, err)
	}
	return builder
}

func (h *harness) vitals(name string) buildfarm.Vitals {
	h.t.Helper()
	vitals, err := h.store.Vitals(context.Background(), name)
	if err != nil {
		h.t.Fatalf("Vitals(%s): %v", name, err)
	}
	return vitals
}

func (h *harness) job(id int64) buildfarm.Job {
	h.t.Helper()
	job, err := h.store.Job(context.Background(), id)
	if err != nil {
		h.t.Fatalf("Job(%d): %v", id, err)
	}
	return job
}

// buildStatus returns the status of a job's build, also after the
// queue entry is gone.
func (h *harness) buildStatus(job buildfarm.Job) buildfarm.BuildStatus {
	h.t.Helper()
	status, _, err := h.store.Build(context.Background(), job.BuildID)
	if err != nil {
		h.t.Fatalf("Build(%d): %v", job.BuildID, err)
	}
	return status
}

func (h *harness) requireGone(job buildfarm.Job) {
	h.t.Helper()
	if _, err := h.store.Job(context.Background(), job.ID); !errors.Is(err, farmstore.ErrNotFound) {
		h.t.Fatalf("job %d still queued (err %v)", job.ID, err)
	}
}

func (h *harness) assign(job buildfarm.Job, builderName string) {
	h.t.Helper()
	builderID := h.builder(builderName).ID
	err := h.store.Update(context.Background(), func(tx *farmstore.Tx) error {
		return tx.AssignJob(job.ID, builderID)
	})
	if err != nil {
		h.t.Fatalf("AssignJob: %v", err)
	}
}

func (h *harness) cookie(job buildfarm.Job) string {
	h.t.Helper()
	cookie, err := h.behaviors.Cookie(job)
	if err != nil {
		h.t.Fatalf("Cookie: %v", err)
	}
	return cookie
}
