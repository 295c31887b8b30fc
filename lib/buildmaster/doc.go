// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package buildmaster dispatches queued builds to remote workers and
// follows them to completion.
//
// One [Scanner] per builder ticks at a fixed interval. Each tick reads
// the builder's vitals from a [Factory], reconciles the worker's
// reported build cookie with the store, then either polls the running
// build, collects its result, or dispatches the best waiting job. Ticks
// of one builder never overlap; different builders are independent.
//
// Errors raised during a tick go to the [Escalator], which counts the
// failure against both the builder and its job and decides which one
// to blame: retry the job, reset or disable the builder, or fail the
// job. Nothing below a scanner stops the fleet.
//
// The [Watcher] syncs the builder registry into the store, refreshes
// the factory, and starts a scanner for every builder it has not seen
// before. [Manager] owns the watcher and all scanners; Stop returns
// once every loop has finished its current tick.
//
// The store is never held in a transaction across a worker RPC: every
// assignment, rescue and escalation commits on its own.
package buildmaster
