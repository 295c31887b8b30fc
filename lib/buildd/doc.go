// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package buildd is the build manager's side of the worker protocol,
// plus a server for the worker side.
//
// A worker ("build daemon") runs one job at a time and moves through
// four states:
//
//	IDLE --build--> BUILDING --finish--> WAITING --clean--> IDLE
//	                   |                    ^
//	                 abort                  |
//	                   v                    |
//	                ABORTING ---------------+  (build status ABORTED)
//
// While BUILDING, ABORTING or WAITING the worker reports the cookie of
// the job it holds; the manager compares it against the job it thinks
// is assigned to decide whether the two sides agree.
//
// The wire protocol is CBOR over a stream socket (unix:// or tcp://),
// one request per connection. A request is a map with an "action" key
// and action-specific fields; the response is {ok, error, data}.
//
// [Worker] is the interface the scheduler programs against. [Client]
// implements it over the wire, [Server] exposes any Worker on a
// socket, and [Simulator] is a Worker that pretends to build, used by
// the mock worker binary and by tests.
package buildd
