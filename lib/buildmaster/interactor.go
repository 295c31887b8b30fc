// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package buildmaster

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/bureau-foundation/buildfarm/lib/behavior"
	"github.com/bureau-foundation/buildfarm/lib/buildd"
	"github.com/bureau-foundation/buildfarm/lib/buildfarm"
	"github.com/bureau-foundation/buildfarm/lib/farmstore"
	"github.com/bureau-foundation/buildfarm/lib/queue"
)

// abortingLogTail is stored while a worker tears down an aborted build.
const abortingLogTail = "Waiting for slave process to be terminated"

// WorkerFactory opens a connection to a builder's worker.
// buildd.ClientFactory implements it.
type WorkerFactory interface {
	Worker(builder buildfarm.Builder) (buildd.Worker, error)
}

// Interactor carries out the store and worker steps of a scan.
type Interactor struct {
	store     *farmstore.Store
	behaviors *behavior.Registry
	resumer   buildd.Resumer
	logger    *slog.Logger
}

// NewInteractor returns an interactor.
func NewInteractor(store *farmstore.Store, behaviors *behavior.Registry, resumer buildd.Resumer, logger *slog.Logger) *Interactor {
	return &Interactor{store: store, behaviors: behaviors, resumer: resumer, logger: logger}
}

// RescueIfLost reports whether the worker is doing something other
// than what the store expects. expectedCookie is empty when no job is
// assigned. A lost worker holding a finished result is cleaned and one
// still building is aborted; the caller resets the assignment.
func (i *Interactor) RescueIfLost(ctx context.Context, vitals buildfarm.Vitals, worker buildd.Worker, expectedCookie string) (bool, error) {
	status, err := worker.Status(ctx)
	if err != nil {
		return false, fmt.Errorf("probing %s: %w", vitals.Name(), err)
	}

	switch status.Builder {
	case buildd.BuilderIdle, buildd.BuilderBuilding, buildd.BuilderAborting, buildd.BuilderWaiting:
	default:
		return false, fmt.Errorf("%w: %s reported unknown status %q", ErrBuilderFailure, vitals.Name(), status.Builder)
	}

	cookie := status.Cookie()
	if cookie == expectedCookie {
		return false, nil
	}

	switch status.Builder {
	case buildd.BuilderWaiting:
		if err := worker.Clean(ctx); err != nil {
			return true, fmt.Errorf("cleaning lost %s: %w", vitals.Name(), err)
		}
	case buildd.BuilderBuilding:
		if err := worker.Abort(ctx); err != nil {
			return true, fmt.Errorf("aborting lost %s: %w", vitals.Name(), err)
		}
	}
	i.logger.Info("builder rescued",
		"builder", vitals.Name(),
		"worker_status", status.Builder,
		"cookie", cookie,
		"expected_cookie", expectedCookie,
	)
	return true, nil
}

// ResumeHost resets a virtualized builder's VM.
func (i *Interactor) ResumeHost(ctx context.Context, builder buildfarm.Builder) error {
	if err := i.resumer.Resume(ctx, builder); err != nil {
		return fmt.Errorf("resuming %s: %w", builder.Name, err)
	}
	return nil
}

// ResetBuilder tries to recover a builder after cause by resuming its
// VM. Builders without a VM are left for the next tick to retry;
// disabling is the escalator's call. resumed reports whether the
// builder was resumed.
func (i *Interactor) ResetBuilder(ctx context.Context, builder buildfarm.Builder, cause error) (resumed bool, err error) {
	if !builder.Virtualized || builder.VMHost == "" {
		i.logger.Warn("builder cannot be reset", "builder", builder.Name, "url", builder.URL, "cause", cause.Error())
		return false, nil
	}

	i.logger.Info("resetting builder", "builder", builder.Name, "url", builder.URL, "cause", cause.Error())
	if err := i.ResumeHost(ctx, builder); err != nil {
		return false, err
	}
	return true, nil
}

// FindAndStartJob dispatches the best waiting job the builder can run.
// It returns the job, or nil when nothing was dispatched.
func (i *Interactor) FindAndStartJob(ctx context.Context, vitals buildfarm.Vitals, worker buildd.Worker) (*buildfarm.Job, error) {
	jobs, err := i.store.Jobs(ctx)
	if err != nil {
		return nil, err
	}
	candidate := queue.SelectCandidate(vitals.Builder, jobs)
	if candidate == nil {
		i.logger.Debug("no job for builder", "builder", vitals.Name())
		return nil, nil
	}

	err = i.StartBuild(ctx, vitals.Builder, *candidate, worker)
	if errors.Is(err, farmstore.ErrJobTaken) {
		i.logger.Debug("job taken by another builder", "builder", vitals.Name(), "job_id", candidate.ID)
		return nil, nil
	}
	if errors.Is(err, behavior.ErrCannotBuild) {
		// No builder can run the job; it must not count against this one.
		return nil, i.failUnbuildable(ctx, *candidate, err)
	}
	if err != nil {
		return nil, err
	}
	return candidate, nil
}

// failUnbuildable fails a job whose request can never be verified.
// A job another builder has taken in the meantime is left alone.
func (i *Interactor) failUnbuildable(ctx context.Context, job buildfarm.Job, cause error) error {
	i.logger.Warn("failing job that cannot be built", "job_id", job.ID, "title", job.Title, "error", cause.Error())
	return i.store.Update(ctx, func(tx *farmstore.Tx) error {
		current, err := tx.Job(job.ID)
		if errors.Is(err, farmstore.ErrNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		if current.Status != buildfarm.JobWaiting || current.BuilderID != 0 {
			return nil
		}
		return tx.CompleteJob(job.ID, buildfarm.BuildFailedToBuild)
	})
}

// StartBuild assigns job to builder and sends it to the worker. The
// assignment is committed before any RPC. A virtualized builder is
// pinged first, after resuming its VM when it has one. A request that
// fails verification is an [behavior.ErrCannotBuild] error and nothing
// is assigned.
func (i *Interactor) StartBuild(ctx context.Context, builder buildfarm.Builder, job buildfarm.Job, worker buildd.Worker) error {
	handler, err := i.behaviors.For(job.Type)
	if err != nil {
		return err
	}
	if err := handler.VerifyRequest(builder, job); err != nil {
		return err
	}

	err = i.store.Update(ctx, func(tx *farmstore.Tx) error {
		return tx.AssignJob(job.ID, builder.ID)
	})
	if err != nil {
		return err
	}

	cookie := handler.Cookie(job)
	i.logger.Info("dispatching job",
		"builder", builder.Name,
		"job_id", job.ID,
		"title", job.Title,
		"cookie", cookie,
	)

	if builder.Virtualized {
		if builder.VMHost != "" {
			if err := i.ResumeHost(ctx, builder); err != nil {
				return err
			}
		}
		if _, err := worker.Echo(ctx, "ping"); err != nil {
			return fmt.Errorf("pinging %s: %w", builder.Name, err)
		}
	}

	request := buildd.BuildRequest{
		Cookie:  cookie,
		JobType: string(job.Type),
		Args:    handler.Payload(builder, job),
	}
	if err := worker.Build(ctx, request); err != nil {
		return fmt.Errorf("dispatching job %d to %s: %w", job.ID, builder.Name, err)
	}
	return nil
}

// UpdateBuild polls the worker running vitals' job. A running build has
// its log tail stored; a finished one is collected and the worker
// cleaned.
func (i *Interactor) UpdateBuild(ctx context.Context, vitals buildfarm.Vitals, worker buildd.Worker) error {
	job := vitals.Job
	if job == nil {
		return fmt.Errorf("updating %s: no job assigned", vitals.Name())
	}

	status, err := worker.Status(ctx)
	if err != nil {
		return fmt.Errorf("polling %s: %w", vitals.Name(), err)
	}

	switch status.Builder {
	case buildd.BuilderBuilding:
		if job.Status == buildfarm.JobWaiting {
			return fmt.Errorf("%s is building job %d which is still waiting", vitals.Name(), job.ID)
		}
		return i.store.Update(ctx, func(tx *farmstore.Tx) error {
			return tx.UpdateLogTail(job.ID, status.LogTail)
		})
	case buildd.BuilderAborting:
		return i.store.Update(ctx, func(tx *farmstore.Tx) error {
			return tx.UpdateLogTail(job.ID, abortingLogTail)
		})
	case buildd.BuilderWaiting:
		return i.handleStatus(ctx, vitals, worker, status)
	}
	return fmt.Errorf("%w: %s reported %s while holding job %d", ErrBuilderFailure, vitals.Name(), status.Builder, job.ID)
}

// handleStatus records a finished build and cleans the worker.
func (i *Interactor) handleStatus(ctx context.Context, vitals buildfarm.Vitals, worker buildd.Worker, status buildd.Status) error {
	job := *vitals.Job

	var (
		terminal buildfarm.BuildStatus
		failure  error
	)
	switch status.Build {
	case buildd.BuildOK:
		terminal = buildfarm.BuildFullyBuilt
	case buildd.BuildPackageFail:
		terminal = buildfarm.BuildFailedToBuild
	case buildd.BuildDepFail:
		terminal = buildfarm.BuildManualDepWait
	case buildd.BuildChrootFail:
		terminal = buildfarm.BuildChrootWait
	case buildd.BuildGivenBack:
	case buildd.BuildBuilderFail:
		failure = fmt.Errorf("%w: %s reported BUILDERFAIL for job %d", ErrBuilderFailure, vitals.Name(), job.ID)
	case buildd.BuildAborted:
		if job.Status == buildfarm.JobCancelling {
			terminal = buildfarm.BuildCancelled
		} else {
			failure = fmt.Errorf("%w: %s aborted job %d unasked", ErrBuilderFailure, vitals.Name(), job.ID)
		}
	default:
		return fmt.Errorf("%w: %s returned unknown build status %q", ErrBuilderFailure, vitals.Name(), status.Build)
	}

	err := i.store.Update(ctx, func(tx *farmstore.Tx) error {
		if status.LogTail != "" {
			if err := tx.UpdateLogTail(job.ID, status.LogTail); err != nil {
				return err
			}
		}
		if terminal != "" {
			return tx.CompleteJob(job.ID, terminal)
		}
		return tx.ResetJob(job.ID)
	})
	if err != nil {
		return err
	}

	if terminal != "" {
		i.logger.Info("build finished", "builder", vitals.Name(), "job_id", job.ID, "title", job.Title, "status", terminal)
	} else {
		i.logger.Info("build given back", "builder", vitals.Name(), "job_id", job.ID, "title", job.Title, "worker_result", status.Build)
	}

	if err := worker.Clean(ctx); err != nil {
		return fmt.Errorf("cleaning %s: %w", vitals.Name(), err)
	}
	return failure
}
