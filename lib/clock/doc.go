// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package clock is the time source for the build farm manager.
//
// Scanner loops, cancellation deadlines, and snapshot freshness all read
// time through a [Clock] instead of the time package. The daemon wires
// [Real]; tests wire [Fake] and move time with [FakeClock.Advance], so a
// 180-second cancellation timeout is exercised without waiting for it.
//
// A goroutine that blocks on a fake ticker or After channel registers a
// waiter. Tests call [FakeClock.WaitForTimers] before advancing so the
// advance cannot race ahead of the goroutine that is about to wait:
//
//	fake := clock.Fake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
//	manager := buildmaster.NewManager(buildmaster.ManagerConfig{Clock: fake, ...})
//	manager.Start(ctx)
//	fake.WaitForTimers(1)           // the fleet watcher is waiting for its next pass
//	fake.Advance(15 * time.Second)  // run exactly one pass
package clock
