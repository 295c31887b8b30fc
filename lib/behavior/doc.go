// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package behavior maps each job type to the logic the scheduler needs
// but that depends on what the job builds: its automatic score, the
// cookie a worker reports while holding it, the checks run before
// dispatch, and the arguments sent to the worker.
//
// The mapping is a [Registry] built once at startup and passed to the
// scheduler. Lookups never construct anything.
package behavior
