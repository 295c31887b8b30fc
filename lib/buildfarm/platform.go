// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package buildfarm

import "fmt"

// NormalizeVirtualization maps a job's virtualization requirement to
// the builder kind it needs. No requirement means virtualized.
func NormalizeVirtualization(virtualized *bool) bool {
	return virtualized == nil || *virtualized
}

// Bool returns a pointer to v, for building jobs with an explicit
// virtualization requirement.
func Bool(v bool) *bool { return &v }

// Platform is a (processor, virtualization) pair. An empty Processor
// means the platform is processor independent.
type Platform struct {
	Processor   string
	Virtualized bool
}

// Independent reports whether the platform accepts any processor.
func (p Platform) Independent() bool {
	return p.Processor == ""
}

func (p Platform) String() string {
	processor := p.Processor
	if processor == "" {
		processor = "any"
	}
	if p.Virtualized {
		return fmt.Sprintf("%s/virtual", processor)
	}
	return fmt.Sprintf("%s/native", processor)
}

// Serves reports whether a builder on platform p can run a job that
// needs platform job. Virtualization always has to agree; the
// processor only when the job names one.
func (p Platform) Serves(job Platform) bool {
	if p.Virtualized != job.Virtualized {
		return false
	}
	return job.Independent() || p.Processor == job.Processor
}

// Compete reports whether jobs on platforms a and b draw from the same
// pool of builders. Processor-specific jobs compete only on an equal
// platform; if either is processor independent, matching
// virtualization is enough.
func Compete(a, b Platform) bool {
	if a.Independent() || b.Independent() {
		return a.Virtualized == b.Virtualized
	}
	return a == b
}
