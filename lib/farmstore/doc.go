// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package farmstore persists builders, builds, and the build queue in
// SQLite.
//
// Three tables hold the state:
//
//   - builders: one row per worker. Static attributes come from the
//     registry; health (builderok, failnotes), the manual flag and the
//     failure counter are owned by the scheduler and operators.
//   - builds: one row per build, outliving its queue entry. Terminal
//     build statuses are recorded here.
//   - build_queue: one row per pending or in-flight job. The row is
//     deleted when the job finishes, is cancelled, or fails.
//
// A queue entry's builder_id is UNIQUE, so a builder never holds two
// jobs, and a job is one row so it never has two builders.
//
// Reads take a pooled connection and run without a transaction. Every
// mutation runs through [Store.Update], which wraps one IMMEDIATE
// transaction around a function operating on a [Tx]. The transaction
// commits when the function returns nil and rolls back otherwise. The
// scheduler never holds a Tx across a worker RPC.
package farmstore
