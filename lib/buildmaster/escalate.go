// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package buildmaster

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/bureau-foundation/buildfarm/lib/buildfarm"
	"github.com/bureau-foundation/buildfarm/lib/farmstore"
)

// Thresholds bound how long a failing builder is retried.
type Thresholds struct {
	// Reset is the number of builder failures between reset attempts.
	Reset int

	// ResetFailure is the number of reset attempts after which the
	// builder is disabled.
	ResetFailure int
}

// Action is the outcome of a failure assessment.
type Action int

const (
	// ActionRetryBoth resets the job. Builder and job failed equally
	// often, so neither can be blamed.
	ActionRetryBoth Action = iota

	// ActionRetryBuilder blames the builder but leaves it in service;
	// its job, if any, is reset.
	ActionRetryBuilder

	// ActionResetBuilder blames the builder and tries to recover it.
	ActionResetBuilder

	// ActionDisableBuilder blames the builder and takes it out of
	// service.
	ActionDisableBuilder

	// ActionFailJob blames the job: its build fails permanently and
	// the builder's counter is cleared.
	ActionFailJob
)

// ActionNone is reported when the failure could not be handled.
const ActionNone Action = -1

func (a Action) String() string {
	switch a {
	case ActionRetryBoth:
		return "retry"
	case ActionRetryBuilder:
		return "retry-builder"
	case ActionResetBuilder:
		return "reset-builder"
	case ActionDisableBuilder:
		return "disable-builder"
	case ActionFailJob:
		return "fail-job"
	case ActionNone:
		return "none"
	}
	return fmt.Sprintf("Action(%d)", int(a))
}

// Decide assesses failure counters after both were incremented for the
// current failure. jobFailures is ignored without a job.
func Decide(builderFailures, jobFailures int, hasJob bool, thresholds Thresholds) Action {
	if hasJob && builderFailures == jobFailures {
		return ActionRetryBoth
	}
	if !hasJob || builderFailures > jobFailures {
		switch {
		case builderFailures >= thresholds.Reset*thresholds.ResetFailure:
			return ActionDisableBuilder
		case thresholds.Reset > 0 && builderFailures%thresholds.Reset == 0:
			return ActionResetBuilder
		}
		return ActionRetryBuilder
	}
	return ActionFailJob
}

// Escalator handles errors raised by scanner ticks.
type Escalator struct {
	store      *farmstore.Store
	interactor *Interactor
	thresholds Thresholds
	logger     *slog.Logger
}

// NewEscalator returns an escalator.
func NewEscalator(store *farmstore.Store, interactor *Interactor, thresholds Thresholds, logger *slog.Logger) *Escalator {
	return &Escalator{store: store, interactor: interactor, thresholds: thresholds, logger: logger}
}

// Handle counts cause against builder and its current job and acts on
// the assessment. It never fails or panics: problems handling the
// failure are logged and the transaction is rolled back.
func (e *Escalator) Handle(ctx context.Context, builder buildfarm.Builder, cause error) (action Action) {
	action = ActionNone
	defer func() {
		if recovered := recover(); recovered != nil {
			e.logger.Error("panic while handling failure",
				"builder", builder.Name,
				"cause", cause.Error(),
				"panic", fmt.Sprint(recovered),
			)
			action = ActionNone
		}
	}()

	var job *buildfarm.Job
	err := e.store.Update(ctx, func(tx *farmstore.Tx) error {
		var err error
		job, err = tx.AssignedJob(builder.ID)
		if err != nil {
			return err
		}
		jobID := int64(0)
		if job != nil {
			jobID = job.ID
		}
		builderFailures, jobFailures, err := tx.RecordFailure(builder.ID, jobID)
		if err != nil {
			return err
		}
		action = Decide(builderFailures, jobFailures, job != nil, e.thresholds)

		e.logger.Debug("assessed failure",
			"builder", builder.Name,
			"job_id", jobID,
			"failure_count", builderFailures,
			"job_failure_count", jobFailures,
			"action", action.String(),
		)

		switch action {
		case ActionFailJob:
			if err := tx.ResetBuilderFailures(builder.ID); err != nil {
				return err
			}
			return tx.CompleteJob(job.ID, buildfarm.BuildFailedToBuild)
		case ActionDisableBuilder:
			if err := tx.DisableBuilder(builder.ID, cause.Error()); err != nil {
				return err
			}
		}
		if job != nil {
			return tx.ResetJob(job.ID)
		}
		return nil
	})
	if err != nil {
		e.logger.Error("failed to handle failure",
			"builder", builder.Name,
			"cause", cause.Error(),
			"error", err,
		)
		return ActionNone
	}

	switch action {
	case ActionFailJob:
		e.logger.Info("job failed", "builder", builder.Name, "job_id", job.ID, "title", job.Title)
	case ActionDisableBuilder:
		e.logger.Warn("builder disabled", "builder", builder.Name, "cause", cause.Error())
	case ActionResetBuilder:
		if _, err := e.interactor.ResetBuilder(ctx, builder, cause); err != nil {
			e.logger.Error("failed to reset builder", "builder", builder.Name, "cause", cause.Error(), "error", err)
		}
	}
	return action
}
