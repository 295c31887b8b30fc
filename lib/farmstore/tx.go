// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package farmstore

import (
	"context"
	"fmt"
	"time"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"github.com/bureau-foundation/buildfarm/lib/buildfarm"
	"github.com/bureau-foundation/buildfarm/lib/logtail"
	"github.com/bureau-foundation/buildfarm/lib/queue"
)

// Tx is an open IMMEDIATE transaction. It is only valid inside the
// function passed to [Store.Update].
type Tx struct {
	conn  *sqlite.Conn
	store *Store
}

func (tx *Tx) exec(query string, args ...any) error {
	return sqlitex.Execute(tx.conn, query, &sqlitex.ExecOptions{Args: args})
}

func (tx *Tx) now() int64 {
	return tx.store.clock.Now().UnixNano()
}

// Builder loads a builder by id.
func (tx *Tx) Builder(id int64) (buildfarm.Builder, error) {
	return loadBuilder(tx.conn, "r.id = ?", id)
}

// Job loads a queue entry by id.
func (tx *Tx) Job(id int64) (buildfarm.Job, error) {
	return loadJob(tx.conn, id)
}

// Jobs lists every queue entry in dispatch order.
func (tx *Tx) Jobs() ([]buildfarm.Job, error) {
	return listJobs(tx.conn)
}

// AssignedJob returns the job currently assigned to a builder, or nil.
func (tx *Tx) AssignedJob(builderID int64) (*buildfarm.Job, error) {
	var job *buildfarm.Job
	err := sqlitex.Execute(tx.conn, "SELECT "+jobColumns+" FROM build_queue q JOIN builds b ON b.id = q.build_id WHERE q.builder_id = ?", &sqlitex.ExecOptions{
		Args: []any{builderID},
		ResultFunc: func(stmt *sqlite.Stmt) error {
			loaded := scanJob(stmt, 0)
			job = &loaded
			return nil
		},
	})
	if err != nil {
		return nil, fmt.Errorf("farmstore: loading job of builder %d: %w", builderID, err)
	}
	return job, nil
}

// BuilderSpec is the static description of a builder, as found in the
// registry.
type BuilderSpec struct {
	Name        string
	URL         string
	Processor   string
	Virtualized bool
	VMHost      string
}

// UpsertBuilder creates a builder or updates its static attributes.
// New builders start healthy and automatic. Health, the manual flag
// and the failure counter of an existing builder are left alone.
func (tx *Tx) UpsertBuilder(spec BuilderSpec) (id int64, err error) {
	if spec.Name == "" {
		return 0, fmt.Errorf("farmstore: builder name is required")
	}
	err = tx.exec(`
		INSERT INTO builders (name, url, processor, virtualized, vm_host)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (name) DO UPDATE SET
			url = excluded.url,
			processor = excluded.processor,
			virtualized = excluded.virtualized,
			vm_host = excluded.vm_host`,
		spec.Name, spec.URL, spec.Processor, boolInt(spec.Virtualized), spec.VMHost)
	if err != nil {
		return 0, fmt.Errorf("farmstore: upserting builder %s: %w", spec.Name, err)
	}
	builder, err := loadBuilder(tx.conn, "r.name = ?", spec.Name)
	if err != nil {
		return 0, err
	}
	return builder.ID, nil
}

// SetBuilderManual sets or clears a builder's manual flag.
func (tx *Tx) SetBuilderManual(builderID int64, manual bool) error {
	if err := tx.exec("UPDATE builders SET manual = ? WHERE id = ?", boolInt(manual), builderID); err != nil {
		return fmt.Errorf("farmstore: setting manual on builder %d: %w", builderID, err)
	}
	return tx.requireChange("builder", builderID)
}

// EnableBuilder marks a builder healthy and clears its failure state.
func (tx *Tx) EnableBuilder(builderID int64) error {
	err := tx.exec("UPDATE builders SET builderok = 1, failnotes = '', failure_count = 0 WHERE id = ?", builderID)
	if err != nil {
		return fmt.Errorf("farmstore: enabling builder %d: %w", builderID, err)
	}
	return tx.requireChange("builder", builderID)
}

// DisableBuilder marks a builder failed with notes explaining why.
func (tx *Tx) DisableBuilder(builderID int64, notes string) error {
	err := tx.exec("UPDATE builders SET builderok = 0, failnotes = ? WHERE id = ?", notes, builderID)
	if err != nil {
		return fmt.Errorf("farmstore: disabling builder %d: %w", builderID, err)
	}
	return tx.requireChange("builder", builderID)
}

// ResetBuilderFailures sets a builder's failure counter to zero.
func (tx *Tx) ResetBuilderFailures(builderID int64) error {
	if err := tx.exec("UPDATE builders SET failure_count = 0 WHERE id = ?", builderID); err != nil {
		return fmt.Errorf("farmstore: resetting failures of builder %d: %w", builderID, err)
	}
	return tx.requireChange("builder", builderID)
}

// RecordFailure increments the failure counters of a builder and, when
// jobID is not zero, of the job's build. It returns both counters after
// the increment; the job counter is zero without a job.
func (tx *Tx) RecordFailure(builderID, jobID int64) (builderFailures, jobFailures int, err error) {
	if err := tx.exec("UPDATE builders SET failure_count = failure_count + 1 WHERE id = ?", builderID); err != nil {
		return 0, 0, fmt.Errorf("farmstore: counting failure of builder %d: %w", builderID, err)
	}
	if err := tx.requireChange("builder", builderID); err != nil {
		return 0, 0, err
	}
	builder, err := tx.Builder(builderID)
	if err != nil {
		return 0, 0, err
	}

	if jobID == 0 {
		return builder.FailureCount, 0, nil
	}
	err = tx.exec(`
		UPDATE builds SET failure_count = failure_count + 1
		WHERE id = (SELECT build_id FROM build_queue WHERE id = ?)`, jobID)
	if err != nil {
		return 0, 0, fmt.Errorf("farmstore: counting failure of job %d: %w", jobID, err)
	}
	job, err := tx.Job(jobID)
	if err != nil {
		return 0, 0, err
	}
	return builder.FailureCount, job.FailureCount, nil
}

// NewJob describes a job to queue.
type NewJob struct {
	Type              buildfarm.JobType
	Title             string
	Processor         string
	Virtualized       *bool
	EstimatedDuration time.Duration
}

// EnqueueJob creates a build and its WAITING queue entry with the given
// score.
func (tx *Tx) EnqueueJob(spec NewJob, score int64) (buildfarm.Job, error) {
	err := tx.exec("INSERT INTO builds (job_type, title, status, date_created) VALUES (?, ?, ?, ?)",
		string(spec.Type), spec.Title, string(buildfarm.BuildNeedsBuild), tx.now())
	if err != nil {
		return buildfarm.Job{}, fmt.Errorf("farmstore: creating build %s: %w", spec.Title, err)
	}
	buildID := tx.conn.LastInsertRowID()

	err = tx.exec(`
		INSERT INTO build_queue
			(build_id, status, lastscore, processor, virtualized, estimated_duration_ms)
		VALUES (?, ?, ?, ?, ?, ?)`,
		buildID, string(buildfarm.JobWaiting), score,
		nullableString(spec.Processor), nullableBool(spec.Virtualized),
		spec.EstimatedDuration.Milliseconds())
	if err != nil {
		return buildfarm.Job{}, fmt.Errorf("farmstore: queueing build %d: %w", buildID, err)
	}
	return tx.Job(tx.conn.LastInsertRowID())
}

// SetScore stores a job's score. manual marks it as an operator
// override.
func (tx *Tx) SetScore(jobID, score int64, manual bool) error {
	if err := tx.exec("UPDATE build_queue SET lastscore = ?, manual = ? WHERE id = ?", score, boolInt(manual), jobID); err != nil {
		return fmt.Errorf("farmstore: scoring job %d: %w", jobID, err)
	}
	return tx.requireChange("job", jobID)
}

// AssignJob hands a waiting job to a builder: the job becomes RUNNING
// and its build BUILDING. It returns ErrJobTaken if the job is not
// waiting or already assigned.
func (tx *Tx) AssignJob(jobID, builderID int64) error {
	now := tx.now()
	err := tx.exec(`
		UPDATE build_queue SET builder_id = ?, status = ?, date_started = ?
		WHERE id = ? AND status = ? AND builder_id IS NULL`,
		builderID, string(buildfarm.JobRunning), now, jobID, string(buildfarm.JobWaiting))
	if err != nil {
		return fmt.Errorf("farmstore: assigning job %d to builder %d: %w", jobID, builderID, err)
	}
	if tx.conn.Changes() == 0 {
		return fmt.Errorf("farmstore: assigning job %d: %w", jobID, ErrJobTaken)
	}
	err = tx.exec(`
		UPDATE builds SET status = ?, builder_id = ?, date_started = ?, date_finished = NULL
		WHERE id = (SELECT build_id FROM build_queue WHERE id = ?)`,
		string(buildfarm.BuildBuilding), builderID, now, jobID)
	if err != nil {
		return fmt.Errorf("farmstore: starting build of job %d: %w", jobID, err)
	}
	return nil
}

// ResetJob returns a job to the queue: unassigned, WAITING, with no
// start time or log tail. A job that was being cancelled is cancelled
// instead, so it is never dispatched again.
func (tx *Tx) ResetJob(jobID int64) error {
	job, err := tx.Job(jobID)
	if err != nil {
		return err
	}
	if job.Status == buildfarm.JobCancelling {
		return tx.CompleteJob(jobID, buildfarm.BuildCancelled)
	}

	err = tx.exec(`
		UPDATE build_queue SET
			builder_id = NULL, status = ?, date_started = NULL,
			logtail = NULL, logtail_codec = NULL, logtail_size = 0
		WHERE id = ?`, string(buildfarm.JobWaiting), jobID)
	if err != nil {
		return fmt.Errorf("farmstore: resetting job %d: %w", jobID, err)
	}
	err = tx.exec("UPDATE builds SET status = ?, builder_id = NULL, date_started = NULL WHERE id = ?",
		string(buildfarm.BuildNeedsBuild), job.BuildID)
	if err != nil {
		return fmt.Errorf("farmstore: resetting build %d: %w", job.BuildID, err)
	}
	return nil
}

// CompleteJob records a terminal build status and removes the queue
// entry, releasing its builder.
func (tx *Tx) CompleteJob(jobID int64, status buildfarm.BuildStatus) error {
	if !status.Terminal() {
		return fmt.Errorf("farmstore: completing job %d with non-terminal status %s", jobID, status)
	}
	job, err := tx.Job(jobID)
	if err != nil {
		return err
	}
	err = tx.exec("UPDATE builds SET status = ?, date_finished = ? WHERE id = ?",
		string(status), tx.now(), job.BuildID)
	if err != nil {
		return fmt.Errorf("farmstore: finishing build %d: %w", job.BuildID, err)
	}
	if err := tx.exec("DELETE FROM build_queue WHERE id = ?", jobID); err != nil {
		return fmt.Errorf("farmstore: removing job %d: %w", jobID, err)
	}
	return nil
}

// RequestCancel asks for a job to be cancelled. A waiting job is
// cancelled at once; a running job becomes CANCELLING and is aborted by
// its builder's scanner.
func (tx *Tx) RequestCancel(jobID int64) error {
	job, err := tx.Job(jobID)
	if err != nil {
		return err
	}
	switch job.Status {
	case buildfarm.JobWaiting:
		return tx.CompleteJob(jobID, buildfarm.BuildCancelled)
	case buildfarm.JobCancelling:
		return nil
	}
	if err := tx.exec("UPDATE build_queue SET status = ? WHERE id = ?", string(buildfarm.JobCancelling), jobID); err != nil {
		return fmt.Errorf("farmstore: cancelling job %d: %w", jobID, err)
	}
	err = tx.exec("UPDATE builds SET status = ? WHERE id = ?", string(buildfarm.BuildCancelling), job.BuildID)
	if err != nil {
		return fmt.Errorf("farmstore: cancelling build %d: %w", job.BuildID, err)
	}
	return nil
}

// UpdateLogTail replaces a job's stored log tail.
func (tx *Tx) UpdateLogTail(jobID int64, tail string) error {
	encoded, err := logtail.Encode(tail, tx.store.compression)
	if err != nil {
		return fmt.Errorf("farmstore: encoding log tail of job %d: %w", jobID, err)
	}
	err = tx.exec("UPDATE build_queue SET logtail = ?, logtail_codec = ?, logtail_size = ? WHERE id = ?",
		encoded.Data, string(encoded.Codec), encoded.Size, jobID)
	if err != nil {
		return fmt.Errorf("farmstore: storing log tail of job %d: %w", jobID, err)
	}
	return tx.requireChange("job", jobID)
}

func (tx *Tx) requireChange(kind string, id int64) error {
	if tx.conn.Changes() == 0 {
		return fmt.Errorf("farmstore: %s %d: %w", kind, id, ErrNotFound)
	}
	return nil
}

// The methods below run one Tx operation in its own transaction.

// UpsertBuilder runs [Tx.UpsertBuilder] in its own transaction.
func (s *Store) UpsertBuilder(ctx context.Context, spec BuilderSpec) (int64, error) {
	var id int64
	err := s.Update(ctx, func(tx *Tx) error {
		var err error
		id, err = tx.UpsertBuilder(spec)
		return err
	})
	return id, err
}

// SetBuilderManual sets the manual flag of the builder called name.
func (s *Store) SetBuilderManual(ctx context.Context, name string, manual bool) error {
	return s.Update(ctx, func(tx *Tx) error {
		builder, err := loadBuilder(tx.conn, "r.name = ?", name)
		if err != nil {
			return err
		}
		return tx.SetBuilderManual(builder.ID, manual)
	})
}

// EnableBuilder re-enables the builder called name.
func (s *Store) EnableBuilder(ctx context.Context, name string) error {
	return s.Update(ctx, func(tx *Tx) error {
		builder, err := loadBuilder(tx.conn, "r.name = ?", name)
		if err != nil {
			return err
		}
		return tx.EnableBuilder(builder.ID)
	})
}

// EnqueueJob queues a job scored by scorer.
func (s *Store) EnqueueJob(ctx context.Context, spec NewJob, scorer *queue.Scorer) (buildfarm.Job, error) {
	score, err := scorer.Score(buildfarm.Job{
		Type:              spec.Type,
		Title:             spec.Title,
		Processor:         spec.Processor,
		Virtualized:       spec.Virtualized,
		EstimatedDuration: spec.EstimatedDuration,
	})
	if err != nil {
		return buildfarm.Job{}, fmt.Errorf("farmstore: scoring %s: %w", spec.Title, err)
	}

	var job buildfarm.Job
	err = s.Update(ctx, func(tx *Tx) error {
		var err error
		job, err = tx.EnqueueJob(spec, score)
		return err
	})
	return job, err
}

// SetManualScore fixes a job's score; automatic rescoring skips it.
func (s *Store) SetManualScore(ctx context.Context, jobID, score int64) error {
	return s.Update(ctx, func(tx *Tx) error {
		return tx.SetScore(jobID, score, true)
	})
}

// Rescore recomputes the score of every waiting job not scored
// manually. It returns the number of scores that changed.
func (s *Store) Rescore(ctx context.Context, scorer *queue.Scorer) (int, error) {
	changed := 0
	err := s.Update(ctx, func(tx *Tx) error {
		jobs, err := tx.Jobs()
		if err != nil {
			return err
		}
		for _, job := range jobs {
			if job.Status != buildfarm.JobWaiting || job.ManualScore {
				continue
			}
			score, err := scorer.Score(job)
			if err != nil {
				return fmt.Errorf("farmstore: scoring job %d: %w", job.ID, err)
			}
			if score == job.Score {
				continue
			}
			if err := tx.SetScore(job.ID, score, false); err != nil {
				return err
			}
			changed++
		}
		return nil
	})
	return changed, err
}

// RequestCancel runs [Tx.RequestCancel] in its own transaction.
func (s *Store) RequestCancel(ctx context.Context, jobID int64) error {
	return s.Update(ctx, func(tx *Tx) error {
		return tx.RequestCancel(jobID)
	})
}
