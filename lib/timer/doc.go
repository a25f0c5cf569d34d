// Package timer implements the two timer services of the lock manager.
//
// WaitTimer schedules the expiry of timed monitor waits (and timed lock
// requests). A TimerSpec describes how long to wait: no arguments means an
// infinite wait, millis (and optionally nanos) mean a bounded wait, where a
// zero duration again means infinite. Scheduling an infinite spec returns no
// handle. Cancelling a handle records the elapsed time on the spec so that a
// reused spec reflects the true remaining time.
//
// LockTimer is the award/recall watchdog. Whenever a greedy lease is
// contended it arms a deadline for the holding node. If the node does not
// give the lease back before the deadline, the owner's ExpiryHandler is
// invoked, which is expected to forcibly disconnect the node. The handler
// receives a *Deadline that it must Claim() while holding the per-lock
// exclusion: a deadline that was revoked or replaced in the meantime can no
// longer be claimed, so "first writer wins".
//
// Both services take their time from a github.com/juju/clock Clock so tests
// can drive them with testclock. Both are owned by a single lock manager
// instance and have a symmetric Shutdown: after Shutdown returns no callback
// is running and none will run.
//
// Invariant violations of the watchdog (revoking a deadline that does not
// exist, non positive pending counts) are programming errors and panic with
// an error wrapping ErrAssertion.
package timer
