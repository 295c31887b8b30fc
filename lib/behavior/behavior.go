// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package behavior

import (
	"errors"
	"fmt"

	"github.com/bureau-foundation/buildfarm/lib/buildfarm"
)

// ErrCannotBuild is returned by [Behavior.VerifyRequest] when a job
// must not be sent to a builder, and by [Registry.For] for a job type
// with no behavior.
var ErrCannotBuild = errors.New("cannot build")

// Behavior is the job-type specific logic used by the scheduler.
type Behavior interface {
	// Type is the job type this behavior handles.
	Type() buildfarm.JobType

	// Score computes the automatic dispatch priority of job.
	Score(job buildfarm.Job) int64

	// Cookie is the token a worker reports while it holds job.
	Cookie(job buildfarm.Job) string

	// VerifyRequest checks that job may be dispatched to builder. The
	// error wraps ErrCannotBuild.
	VerifyRequest(builder buildfarm.Builder, job buildfarm.Job) error

	// Payload is the argument map sent with the build request.
	Payload(builder buildfarm.Builder, job buildfarm.Job) map[string]any
}

// Registry resolves job types to behaviors.
type Registry struct {
	behaviors map[buildfarm.JobType]Behavior
}

// NewRegistry builds a registry from behaviors. It panics on a
// duplicate type; registries are built at startup from fixed lists.
func NewRegistry(behaviors ...Behavior) *Registry {
	registry := &Registry{behaviors: make(map[buildfarm.JobType]Behavior, len(behaviors))}
	for _, behavior := range behaviors {
		if _, exists := registry.behaviors[behavior.Type()]; exists {
			panic(fmt.Sprintf("behavior: duplicate behavior for %s", behavior.Type()))
		}
		registry.behaviors[behavior.Type()] = behavior
	}
	return registry
}

// Default returns the registry of every job type the farm runs.
func Default() *Registry {
	return NewRegistry(
		PackageBuildBehavior(),
		RecipeBuildBehavior(),
		TranslationTemplatesBehavior(),
	)
}

// For returns the behavior for jobType.
func (r *Registry) For(jobType buildfarm.JobType) (Behavior, error) {
	behavior, ok := r.behaviors[jobType]
	if !ok {
		return nil, fmt.Errorf("%w: no behavior registered for job type %q", ErrCannotBuild, jobType)
	}
	return behavior, nil
}

// Cookie returns the cookie for job, or an error for an unknown type.
func (r *Registry) Cookie(job buildfarm.Job) (string, error) {
	behavior, err := r.For(job.Type)
	if err != nil {
		return "", err
	}
	return behavior.Cookie(job), nil
}

// typedBehavior implements Behavior for one job type from a base score
// and a set of dispatch rules.
type typedBehavior struct {
	jobType   buildfarm.JobType
	baseScore int64

	// needsProcessor rejects processor-independent jobs.
	needsProcessor bool

	// virtualOnly rejects native builders regardless of the job's
	// own requirement.
	virtualOnly bool
}

// PackageBuildBehavior handles source package builds. They always
// target one processor.
func PackageBuildBehavior() Behavior {
	return &typedBehavior{jobType: buildfarm.PackageBuild, baseScore: 1000, needsProcessor: true}
}

// RecipeBuildBehavior handles recipe builds, which run code from
// arbitrary branches and so only ever run virtualized.
func RecipeBuildBehavior() Behavior {
	return &typedBehavior{jobType: buildfarm.RecipeBuild, baseScore: 2505, virtualOnly: true}
}

// TranslationTemplatesBehavior handles translation template
// extraction. The jobs are short and scored above builds.
func TranslationTemplatesBehavior() Behavior {
	return &typedBehavior{jobType: buildfarm.TranslationTemplatesBuild, baseScore: 2510, virtualOnly: true}
}

func (b *typedBehavior) Type() buildfarm.JobType { return b.jobType }

func (b *typedBehavior) Score(job buildfarm.Job) int64 {
	return b.baseScore
}

func (b *typedBehavior) Cookie(job buildfarm.Job) string {
	return BuildCookie(job)
}

func (b *typedBehavior) VerifyRequest(builder buildfarm.Builder, job buildfarm.Job) error {
	if job.Type != b.jobType {
		return fmt.Errorf("%w: %s job handed to %s behavior", ErrCannotBuild, job.Type, b.jobType)
	}
	if b.needsProcessor && job.Processor == "" {
		return fmt.Errorf("%w: %s has no target processor", ErrCannotBuild, job.Title)
	}
	if b.virtualOnly && !builder.Virtualized {
		return fmt.Errorf("%w: attempt to build virtual item %s on non-virtual builder %s",
			ErrCannotBuild, job.Title, builder.Name)
	}
	if !builder.Platform().Serves(job.Platform()) {
		return fmt.Errorf("%w: builder %s (%s) cannot run %s (%s)",
			ErrCannotBuild, builder.Name, builder.Platform(), job.Title, job.Platform())
	}
	return nil
}

func (b *typedBehavior) Payload(builder buildfarm.Builder, job buildfarm.Job) map[string]any {
	payload := map[string]any{
		"build_id":    job.BuildID,
		"queue_id":    job.ID,
		"title":       job.Title,
		"virtualized": builder.Virtualized,
	}
	if job.Processor != "" {
		payload["processor"] = job.Processor
	}
	if job.EstimatedDuration > 0 {
		payload["estimated_duration_seconds"] = int64(job.EstimatedDuration.Seconds())
	}
	return payload
}
