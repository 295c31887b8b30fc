// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package buildfarm defines the build farm data model shared by the
// store, the queue scorer, and the scheduler.
//
// Builders and jobs reference each other only by integer id. A
// [Vitals] value pairs one builder with a copy of its assigned job and
// is never mutated after construction, so it can be handed between
// goroutines freely.
//
// A [Platform] is the (processor, virtualization) pair that decides
// which builders can run which jobs. Jobs with no virtualization
// requirement are treated as needing a virtualized builder (see
// [NormalizeVirtualization]); untrusted code should never land on a
// native builder by default.
package buildfarm
