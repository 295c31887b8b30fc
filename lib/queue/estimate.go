// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package queue

import (
	"time"

	"github.com/bureau-foundation/buildfarm/lib/buildfarm"
	"github.com/bureau-foundation/buildfarm/lib/clock"
)

// Fleet is the input to estimation: every builder and every queue
// entry, waiting or not.
type Fleet struct {
	Builders []buildfarm.Builder
	Jobs     []buildfarm.Job
}

// BuilderStats counts the builders available to automatic dispatch
// per platform. Besides one entry per concrete platform it holds the
// processor-independent totals for virtualized and native builders.
type BuilderStats map[buildfarm.Platform]int

// CountBuilders computes BuilderStats over builders that are healthy
// and not manual.
func CountBuilders(builders []buildfarm.Builder) BuilderStats {
	stats := make(BuilderStats)
	for _, builder := range builders {
		if !builder.OK || builder.Manual {
			continue
		}
		stats[builder.Platform()]++
		stats[buildfarm.Platform{Virtualized: builder.Virtualized}]++
	}
	return stats
}

// EstimatorConfig holds the estimator constants.
type EstimatorConfig struct {
	// HeadOverrun is assumed as the remaining time of a running job
	// that has exceeded its estimate.
	HeadOverrun time.Duration

	// Minimum is the floor of every estimate.
	Minimum time.Duration
}

// Estimator predicts dispatch delays for waiting jobs.
type Estimator struct {
	config EstimatorConfig
	clock  clock.Clock
}

// NewEstimator returns an estimator reading the time from clk.
func NewEstimator(config EstimatorConfig, clk clock.Clock) *Estimator {
	return &Estimator{config: config, clock: clk}
}

// EstimateStartTime returns how long job will wait before dispatch.
// ok is false when no builder in the fleet can ever run the job. job
// must be waiting; otherwise the error is [buildfarm.ErrJobNotWaiting].
func (e *Estimator) EstimateStartTime(job buildfarm.Job, fleet Fleet) (wait time.Duration, ok bool, err error) {
	if job.Status != buildfarm.JobWaiting {
		return 0, false, buildfarm.ErrJobNotWaiting
	}

	stats := CountBuilders(fleet.Builders)
	if stats[job.Platform()] == 0 {
		return 0, false, nil
	}

	ahead := competitorsAhead(job, fleet.Jobs)
	delay := jobDelay(job.Platform(), ahead, stats)
	next := e.timeToNextBuilder(headPlatform(job, ahead), fleet)

	return max(e.config.Minimum, next+delay), true, nil
}

// EstimatedStartTime is EstimateStartTime as an absolute time.
func (e *Estimator) EstimatedStartTime(job buildfarm.Job, fleet Fleet) (time.Time, bool, error) {
	wait, ok, err := e.EstimateStartTime(job, fleet)
	if err != nil || !ok {
		return time.Time{}, ok, err
	}
	return e.clock.Now().Add(wait), true, nil
}

// competitorsAhead returns the waiting jobs dispatched before job that
// could take a builder job could use: same normalized virtualization
// and, when job names a processor, the same or no processor.
func competitorsAhead(job buildfarm.Job, jobs []buildfarm.Job) []buildfarm.Job {
	platform := job.Platform()
	var ahead []buildfarm.Job
	for _, other := range jobs {
		if other.ID == job.ID || !Dispatchable(other) || !Ahead(other, job) {
			continue
		}
		if buildfarm.NormalizeVirtualization(other.Virtualized) != platform.Virtualized {
			continue
		}
		if !platform.Independent() && other.Processor != "" && other.Processor != platform.Processor {
			continue
		}
		ahead = append(ahead, other)
	}
	return ahead
}

// headPlatform is the platform of the first job in ahead by dispatch
// order, or job's own platform when nothing is ahead.
func headPlatform(job buildfarm.Job, ahead []buildfarm.Job) buildfarm.Platform {
	if len(ahead) == 0 {
		return job.Platform()
	}
	head := ahead[0]
	for _, other := range ahead[1:] {
		if Ahead(other, head) {
			head = other
		}
	}
	return head.Platform()
}

// timeToNextBuilder estimates when a builder able to run a job on the
// head platform becomes free. A free builder means zero. Otherwise it
// is the least remaining time among running jobs on such builders,
// with overrunning jobs assumed to finish within HeadOverrun.
func (e *Estimator) timeToNextBuilder(head buildfarm.Platform, fleet Fleet) time.Duration {
	busy := make(map[int64]buildfarm.Job)
	for _, job := range fleet.Jobs {
		if job.BuilderID != 0 {
			busy[job.BuilderID] = job
		}
	}

	now := e.clock.Now()
	var (
		soonest time.Duration
		found   bool
	)
	for _, builder := range fleet.Builders {
		if !builder.OK || builder.Manual || !builder.Platform().Serves(head) {
			continue
		}
		job, assigned := busy[builder.ID]
		if !assigned {
			return 0
		}
		if job.Status != buildfarm.JobRunning {
			continue
		}
		remaining := job.EstimatedDuration - job.Elapsed(now)
		if remaining < 0 {
			remaining = e.config.HeadOverrun
		}
		if !found || remaining < soonest {
			soonest, found = remaining, true
		}
	}
	return soonest
}

// jobDelay sums the estimated durations of the jobs ahead per
// platform, divides each platform's sum by the number of its builders
// that can work through it in parallel, and adds the results. Jobs on
// platforms that no builder serves, or that do not compete with mine,
// are ignored.
func jobDelay(mine buildfarm.Platform, ahead []buildfarm.Job, stats BuilderStats) time.Duration {
	durations := make(map[buildfarm.Platform]time.Duration)
	counts := make(map[buildfarm.Platform]int)
	for _, job := range ahead {
		platform := job.Platform()
		if stats[platform] == 0 || !buildfarm.Compete(mine, platform) {
			continue
		}
		durations[platform] += job.EstimatedDuration
		counts[platform]++
	}

	var total time.Duration
	for platform, duration := range durations {
		parallel := min(counts[platform], stats[platform])
		if parallel > 1 {
			duration /= time.Duration(parallel)
		}
		total += duration
	}
	return total
}
