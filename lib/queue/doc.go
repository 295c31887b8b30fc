// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package queue holds the pure parts of build queue management:
// scoring jobs, choosing the next job for a builder, and estimating how
// long a waiting job will wait before dispatch.
//
// Nothing here performs I/O. Callers load a [Fleet] (builders plus
// queue entries) from the store and pass it in.
//
// Dispatch order is a strict total order: higher score first, then
// lower queue entry id. [Ahead] is that order and both [SelectCandidate]
// and the estimator use it, so an estimate always counts exactly the
// jobs that would be dispatched before the one asked about.
//
// The estimate for a waiting job is
//
//	max(minimum, time until a builder frees up + delay of competing jobs ahead)
//
// where the delay of the jobs ahead is summed per platform and divided
// by the parallelism available on that platform.
package queue
