package timer

import (
	"github.com/juju/clock"
	"github.com/lni/dragonboat/v4/logger"
	"sync"
	"time"
)

var Logger = logger.GetLogger("dlm/timer")

// TimerCallback is invoked with the callbackObj given to Schedule once the
// timer expired without being cancelled.
type TimerCallback func(callbackObj any)

// --------------------------------------------------------------------------
// Timer Handle
// --------------------------------------------------------------------------

// TimerHandle is a cancellable scheduled wait expiry.
type TimerHandle struct {
	owner       *WaitTimer
	timer       clock.Timer
	spec        *TimerSpec
	callbackObj any
	scheduledAt time.Time
	done        bool // fired or cancelled, guarded by owner.mu
}

// Cancel stops the timer and records the elapsed wait on the spec.
// Cancel is idempotent and safe to call on a nil handle.
func (h *TimerHandle) Cancel() {
	if h == nil {
		return
	}
	t := h.owner
	t.mu.Lock()
	defer t.mu.Unlock()

	if h.done {
		return
	}
	h.done = true
	h.timer.Stop()
	delete(t.handles, h)
	h.spec.Adjust(t.clock.Now().Sub(h.scheduledAt))
}

// Spec returns the spec the handle was scheduled with.
func (h *TimerHandle) Spec() *TimerSpec {
	return h.spec
}

// --------------------------------------------------------------------------
// Wait Timer
// --------------------------------------------------------------------------

// WaitTimer schedules one-shot wait expiries.
type WaitTimer struct {
	clock   clock.Clock
	mu      sync.Mutex
	handles map[*TimerHandle]struct{}
	stopped bool
	running sync.WaitGroup // callbacks in flight
}

// NewWaitTimer creates a timer service on the given clock (nil = wall clock).
func NewWaitTimer(clk clock.Clock) *WaitTimer {
	if clk == nil {
		clk = clock.WallClock
	}
	return &WaitTimer{
		clock:   clk,
		handles: make(map[*TimerHandle]struct{}),
	}
}

// Schedule arranges for callback(callbackObj) to be called once the delay of
// spec has passed. An infinite spec (no arguments, or zero millis and nanos)
// schedules nothing and returns nil, as does a shut down service.
//
// Thread-safety: This method is thread-safe and can be called concurrently.
func (t *WaitTimer) Schedule(callback TimerCallback, spec *TimerSpec, callbackObj any) *TimerHandle {
	if spec == nil || !spec.NeedsToWait() {
		return nil
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.stopped {
		return nil
	}

	h := &TimerHandle{
		owner:       t,
		spec:        spec,
		callbackObj: callbackObj,
		scheduledAt: t.clock.Now(),
	}
	h.timer = t.clock.AfterFunc(spec.Delay(), func() { t.fire(h, callback) })
	t.handles[h] = struct{}{}
	return h
}

// fire runs the callback unless the handle was cancelled or the service shut down
func (t *WaitTimer) fire(h *TimerHandle, callback TimerCallback) {
	t.mu.Lock()
	if t.stopped || h.done {
		t.mu.Unlock()
		return
	}
	h.done = true
	delete(t.handles, h)
	t.running.Add(1)
	t.mu.Unlock()

	defer t.running.Done()
	callback(h.callbackObj)
}

// Outstanding returns the number of scheduled, not yet fired timers.
func (t *WaitTimer) Outstanding() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.handles)
}

// Shutdown stops all timers and waits for running callbacks. No callback
// fires after Shutdown returns. Shutdown is idempotent; it must not be
// called from inside a callback.
func (t *WaitTimer) Shutdown() {
	t.mu.Lock()
	if !t.stopped {
		t.stopped = true
		for h := range t.handles {
			h.done = true
			h.timer.Stop()
		}
		t.handles = make(map[*TimerHandle]struct{})
		Logger.Debugf("wait timer stopped")
	}
	t.mu.Unlock()

	t.running.Wait()
}
