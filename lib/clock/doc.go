// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package clock provides an injectable time source.
//
// Structs that read the time or wait on it hold a Clock field. In
// production that field is Real(). In tests it is a *FakeClock, which
// stands still until Advance is called:
//
//	fake := clock.Fake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
//	registry := membership.New(membership.Config{TTL: time.Minute, Clock: fake})
//	registry.Register("http://node-a:9000")
//	fake.Advance(time.Minute) // entry is now expired
//
// A goroutine that blocks on a ticker or After channel registers a
// waiter. WaitForTimers lets a test wait until that registration has
// happened before advancing, so no test depends on real sleeps.
package clock
