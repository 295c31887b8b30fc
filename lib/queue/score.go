// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package queue

import (
	"github.com/bureau-foundation/buildfarm/lib/behavior"
	"github.com/bureau-foundation/buildfarm/lib/buildfarm"
)

// Scorer computes automatic job scores from the job type behaviors.
type Scorer struct {
	behaviors *behavior.Registry
}

// NewScorer returns a scorer backed by behaviors.
func NewScorer(behaviors *behavior.Registry) *Scorer {
	return &Scorer{behaviors: behaviors}
}

// Score returns the score job should have. A manually scored job keeps
// its current score.
func (s *Scorer) Score(job buildfarm.Job) (int64, error) {
	if job.ManualScore {
		return job.Score, nil
	}
	jobBehavior, err := s.behaviors.For(job.Type)
	if err != nil {
		return 0, err
	}
	return jobBehavior.Score(job), nil
}

// ManualScore fixes job's score at value. Later automatic scoring
// leaves it unchanged.
func ManualScore(job *buildfarm.Job, value int64) {
	job.Score = value
	job.ManualScore = true
}

// Ahead reports whether a dispatches before b: higher score first,
// then lower id.
func Ahead(a, b buildfarm.Job) bool {
	if a.Score != b.Score {
		return a.Score > b.Score
	}
	return a.ID < b.ID
}

// Dispatchable reports whether job is waiting for a builder.
func Dispatchable(job buildfarm.Job) bool {
	return job.Status == buildfarm.JobWaiting && job.BuilderID == 0
}

// SelectCandidate returns the job builder should run next, or nil.
// Manual and disabled builders get nothing.
func SelectCandidate(builder buildfarm.Builder, jobs []buildfarm.Job) *buildfarm.Job {
	if builder.Manual || !builder.OK {
		return nil
	}
	platform := builder.Platform()

	var best *buildfarm.Job
	for i := range jobs {
		job := &jobs[i]
		if !Dispatchable(*job) || !platform.Serves(job.Platform()) {
			continue
		}
		if best == nil || Ahead(*job, *best) {
			best = job
		}
	}
	if best == nil {
		return nil
	}
	candidate := *best
	return &candidate
}
