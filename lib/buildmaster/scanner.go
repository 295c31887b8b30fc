// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package buildmaster

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/bureau-foundation/buildfarm/lib/behavior"
	"github.com/bureau-foundation/buildfarm/lib/buildd"
	"github.com/bureau-foundation/buildfarm/lib/buildfarm"
	"github.com/bureau-foundation/buildfarm/lib/clock"
	"github.com/bureau-foundation/buildfarm/lib/farmstore"
)

// ScannerConfig holds the collaborators and timing of a Scanner.
type ScannerConfig struct {
	Name       string
	Factory    Factory
	Store      *farmstore.Store
	Workers    WorkerFactory
	Behaviors  *behavior.Registry
	Interactor *Interactor
	Escalator  *Escalator
	Clock      clock.Clock
	Logger     *slog.Logger

	// Interval is the delay between ticks.
	Interval time.Duration

	// CancelTimeout bounds how long a worker may take to abort a
	// cancelled build.
	CancelTimeout time.Duration
}

// Scanner drives one builder. Its fields are only touched by the
// goroutine running Run, so ticks never overlap.
type Scanner struct {
	config ScannerConfig
	logger *slog.Logger

	// dateCancel is the deadline for the pending abort, zero when none
	// was sent.
	dateCancel time.Time

	dateScanned time.Time

	// The expected cookie is cached against the queue entry it was
	// computed for.
	cookieJobID int64
	cookie      string
}

// NewScanner returns a scanner for one builder.
func NewScanner(config ScannerConfig) *Scanner {
	return &Scanner{
		config: config,
		logger: config.Logger.With("builder", config.Name),
	}
}

// Name is the builder this scanner drives.
func (s *Scanner) Name() string { return s.config.Name }

// Run ticks immediately and then every interval until ctx is
// cancelled. A tick in progress when ctx is cancelled runs to
// completion so that nothing is left half-committed.
func (s *Scanner) Run(ctx context.Context) {
	s.logger.Debug("scanner started", "interval", s.config.Interval)
	defer s.logger.Debug("scanner stopped")

	ticker := s.config.Clock.NewTicker(s.config.Interval)
	defer ticker.Stop()

	tickContext := context.WithoutCancel(ctx)
	for {
		s.SingleCycle(tickContext)

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// SingleCycle runs one tick. It is skipped when the factory has not
// refreshed since the previous tick. Errors are handed to the
// escalator.
func (s *Scanner) SingleCycle(ctx context.Context) {
	if !s.dateScanned.IsZero() && !s.dateScanned.Before(s.config.Factory.DateUpdated()) {
		s.logger.Debug("skipping builder, cache out of date")
		return
	}

	s.logger.Debug("scanning builder")
	if err := s.scan(ctx); err != nil {
		s.scanFailed(ctx, err)
	}
	s.dateScanned = s.config.Clock.Now()
}

func (s *Scanner) scanFailed(ctx context.Context, err error) {
	if knownFailure(err) {
		s.logger.Info("scan failed", "error", err.Error())
	} else {
		s.logger.Warn("scan failed with unexpected error", "error", err.Error(), "error_type", fmt.Sprintf("%T", rootCause(err)))
	}

	vitals, vitalsErr := s.config.Factory.Vitals(ctx, s.config.Name)
	if vitalsErr != nil {
		s.logger.Error("cannot load builder to handle failure", "error", vitalsErr, "cause", err.Error())
		return
	}
	s.config.Escalator.Handle(ctx, vitals.Builder, err)
}

// scan probes the builder and updates, collects or dispatches.
func (s *Scanner) scan(ctx context.Context) error {
	if err := s.config.Factory.PrescanUpdate(ctx); err != nil {
		return err
	}
	vitals, err := s.config.Factory.Vitals(ctx, s.config.Name)
	if err != nil {
		return err
	}
	// A disabled builder is not contacted; its job goes back to the
	// queue for another builder.
	if !vitals.Builder.OK {
		s.dateCancel = time.Time{}
		return s.releaseJob(ctx, vitals, "builder is disabled")
	}

	worker, err := s.config.Workers.Worker(vitals.Builder)
	if err != nil {
		return err
	}

	cancelled, err := s.checkCancellation(ctx, vitals, worker)
	if err != nil {
		return err
	}
	if cancelled {
		return nil
	}

	expected, err := s.expectedCookie(vitals)
	if err != nil {
		return err
	}
	lost, err := s.config.Interactor.RescueIfLost(ctx, vitals, worker, expected)
	if err != nil {
		return err
	}
	if lost {
		return s.releaseJob(ctx, vitals, "builder is lost")
	}

	if vitals.Job != nil {
		return s.config.Interactor.UpdateBuild(ctx, vitals, worker)
	}
	if vitals.Builder.Manual {
		s.logger.Debug("builder in manual mode, not dispatching")
		return nil
	}

	job, err := s.config.Interactor.FindAndStartJob(ctx, vitals, worker)
	if err != nil {
		return err
	}
	if job != nil {
		return s.config.Store.Update(ctx, func(tx *farmstore.Tx) error {
			return tx.ResetBuilderFailures(vitals.Builder.ID)
		})
	}
	return nil
}

// checkCancellation aborts a job that is being cancelled. The first
// tick sends the abort and starts the deadline; later ticks wait for
// the worker to report the abort. When the abort fails or the deadline
// passes, the job is cancelled outright and the failure is escalated
// once against the builder. done reports that the tick should end.
func (s *Scanner) checkCancellation(ctx context.Context, vitals buildfarm.Vitals, worker buildd.Worker) (done bool, err error) {
	job := vitals.Job
	if job == nil || job.Status != buildfarm.JobCancelling {
		s.dateCancel = time.Time{}
		return false, nil
	}

	now := s.config.Clock.Now()
	var failure error
	switch {
	case s.dateCancel.IsZero():
		s.logger.Info("cancelling build", "job_id", job.ID, "title", job.Title)
		if err := worker.Abort(ctx); err != nil {
			failure = fmt.Errorf("aborting build %q: %w", job.Title, err)
			break
		}
		s.dateCancel = now.Add(s.config.CancelTimeout)
		return false, nil
	case now.Before(s.dateCancel):
		s.logger.Info("waiting for build to cancel", "job_id", job.ID, "title", job.Title)
		return false, nil
	default:
		failure = fmt.Errorf("%w: build %q", ErrCancelTimedOut, job.Title)
	}

	s.logger.Info("build failed to cancel", "job_id", job.ID, "title", job.Title, "error", failure.Error())
	s.dateCancel = time.Time{}
	err = s.config.Store.Update(ctx, func(tx *farmstore.Tx) error {
		return tx.CompleteJob(job.ID, buildfarm.BuildCancelled)
	})
	if err != nil {
		return true, err
	}
	s.config.Escalator.Handle(ctx, vitals.Builder, failure)
	return true, nil
}

// releaseJob resets the assigned job, if any, to waiting without
// counting a failure.
func (s *Scanner) releaseJob(ctx context.Context, vitals buildfarm.Vitals, reason string) error {
	if vitals.Job == nil {
		return nil
	}
	s.logger.Warn("resetting job", "reason", reason, "job_id", vitals.Job.ID)
	return s.config.Store.Update(ctx, func(tx *farmstore.Tx) error {
		return tx.ResetJob(vitals.Job.ID)
	})
}

// expectedCookie returns the cookie the worker should report, empty
// when no job is assigned.
func (s *Scanner) expectedCookie(vitals buildfarm.Vitals) (string, error) {
	if vitals.JobID() == s.cookieJobID {
		return s.cookie, nil
	}
	cookie := ""
	if vitals.Job != nil {
		var err error
		cookie, err = s.config.Behaviors.Cookie(*vitals.Job)
		if err != nil {
			return "", err
		}
	}
	s.cookieJobID = vitals.JobID()
	s.cookie = cookie
	return cookie, nil
}
