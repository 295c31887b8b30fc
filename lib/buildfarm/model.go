// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package buildfarm

import (
	"errors"
	"time"
)

// ErrJobNotWaiting is returned when a start time estimate is requested
// for a job that is no longer pending. It indicates a caller bug.
var ErrJobNotWaiting = errors.New("start time is only estimated for waiting jobs")

// JobStatus is the lifecycle state of a queue entry.
type JobStatus string

const (
	JobWaiting    JobStatus = "WAITING"
	JobRunning    JobStatus = "RUNNING"
	JobCancelling JobStatus = "CANCELLING"
)

// BuildStatus is the state of the build a queue entry produces. It
// outlives the queue entry: terminal statuses are recorded on the build
// when the entry is removed.
type BuildStatus string

const (
	BuildNeedsBuild    BuildStatus = "NEEDSBUILD"
	BuildBuilding      BuildStatus = "BUILDING"
	BuildFullyBuilt    BuildStatus = "FULLYBUILT"
	BuildFailedToBuild BuildStatus = "FAILEDTOBUILD"
	BuildManualDepWait BuildStatus = "MANUALDEPWAIT"
	BuildChrootWait    BuildStatus = "CHROOTWAIT"
	BuildCancelling    BuildStatus = "CANCELLING"
	BuildCancelled     BuildStatus = "CANCELLED"
)

// Terminal reports whether a build in this status will not be
// dispatched again.
func (s BuildStatus) Terminal() bool {
	switch s {
	case BuildFullyBuilt, BuildFailedToBuild, BuildManualDepWait, BuildChrootWait, BuildCancelled:
		return true
	}
	return false
}

// JobType identifies the kind of work a job performs. Each type has
// one behavior registered in lib/behavior.
type JobType string

const (
	PackageBuild              JobType = "PACKAGEBUILD"
	RecipeBuild               JobType = "RECIPEBRANCHBUILD"
	TranslationTemplatesBuild JobType = "TRANSLATIONTEMPLATESBUILD"
)

// Builder is a remote build worker.
type Builder struct {
	ID   int64
	Name string

	// URL addresses the worker's RPC socket: unix:///path or
	// tcp://host:port.
	URL string

	Processor   string
	Virtualized bool

	// VMHost is the host whose VM is reset to recover a virtualized
	// builder. Empty means the builder cannot be resumed.
	VMHost string

	// OK is false once the builder has been disabled.
	OK bool

	// Manual builders are never picked by automatic dispatch.
	Manual bool

	FailureCount int

	// FailNotes records why the builder was disabled.
	FailNotes string
}

// Platform returns the builder's platform.
func (b Builder) Platform() Platform {
	return Platform{Processor: b.Processor, Virtualized: b.Virtualized}
}

// Job is a build queue entry together with the build fields the
// scheduler reads.
type Job struct {
	// ID identifies the queue entry. Lower ids were queued earlier.
	ID int64

	BuildID int64
	Type    JobType
	Title   string

	Status      JobStatus
	BuildStatus BuildStatus

	// Score is the dispatch priority; higher dispatches sooner.
	Score int64

	// ManualScore is set once an operator fixed the score. Automatic
	// rescoring leaves such jobs alone.
	ManualScore bool

	// Processor is the required processor, empty for any.
	Processor string

	// Virtualized is the required virtualization, nil for don't care.
	Virtualized *bool

	EstimatedDuration time.Duration

	// BuilderID is the assigned builder, zero when unassigned.
	BuilderID int64

	DateStarted time.Time

	// FailureCount is the build's failure counter.
	FailureCount int
}

// Platform returns the job's platform with virtualization normalized.
func (j Job) Platform() Platform {
	return Platform{Processor: j.Processor, Virtualized: NormalizeVirtualization(j.Virtualized)}
}

// Elapsed is how long the job has been running at now. Jobs that have
// not started report zero.
func (j Job) Elapsed(now time.Time) time.Duration {
	if j.DateStarted.IsZero() {
		return 0
	}
	return now.Sub(j.DateStarted)
}

// Vitals is a point-in-time view of a builder and its assigned job.
// Job is nil when the builder has no assignment. Values are copies;
// nothing mutates them after construction.
type Vitals struct {
	Builder Builder
	Job     *Job
}

// Name is the builder name.
func (v Vitals) Name() string { return v.Builder.Name }

// JobID returns the assigned queue entry id, or zero.
func (v Vitals) JobID() int64 {
	if v.Job == nil {
		return 0
	}
	return v.Job.ID
}
