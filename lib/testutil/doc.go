// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package testutil provides shared test helpers.
//
// [SocketDir] returns a short directory under /tmp for Unix sockets,
// whose paths are limited to 108 bytes (t.TempDir paths are often
// longer). [RequireReceive] and [RequireClosed] wrap the select-with-
// timeout safety valve so that tests driven by a fake clock still fail
// instead of hanging when a goroutine never makes progress. They are
// the only place tests touch the wall clock.
package testutil
