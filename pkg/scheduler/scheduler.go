// Package scheduler provides the one-shot timer abstraction every retry and
// reconnect in parcelsync is expressed with.
//
// Loop is the production implementation: all callbacks of a session run on
// one goroutine, so retry ticks, reconnect ticks and push handling interleave
// but never run in parallel. Manual is a deterministic fake clock for tests.
package scheduler

import "time"

// CancelFunc prevents a scheduled callback from running. It returns false if
// the callback already started or was already cancelled.
//
// A callback that has already fired cannot be recalled, so callbacks that
// must not run after teardown should also check their own liveness guard.
type CancelFunc func() bool

// Scheduler runs callbacks once after a delay.
type Scheduler interface {
	ScheduleOnce(delay time.Duration, fn func()) CancelFunc
	Now() time.Time
}
