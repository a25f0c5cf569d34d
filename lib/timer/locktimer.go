package timer

import (
	"fmt"
	"github.com/ValentinKolb/dMon/lib/ids"
	"github.com/juju/clock"
	"sync"
	"time"
)

// AwardContext identifies a lease under watch: which lock, which node
// holds it and how long the node may take to answer a recall.
type AwardContext struct {
	LockID  ids.LockID
	NodeID  ids.NodeID
	Timeout time.Duration
}

func (ac AwardContext) key() awardKey {
	return awardKey{lockID: ac.LockID, nodeID: ac.NodeID}
}

func (ac AwardContext) String() string {
	return fmt.Sprintf("AwardContext{%s, %s, %s}", ac.LockID, ac.NodeID, ac.Timeout)
}

type awardKey struct {
	lockID ids.LockID
	nodeID ids.NodeID
}

// --------------------------------------------------------------------------
// Deadline
// --------------------------------------------------------------------------

// Deadline is an armed recall deadline.
type Deadline struct {
	owner       *LockTimer
	ctx         AwardContext
	timer       clock.Timer
	scheduledAt time.Time
}

// Context returns the award context the deadline watches.
func (d *Deadline) Context() AwardContext {
	return d.ctx
}

// Claim removes the deadline if it is still the outstanding one for its
// award context. It returns false if the deadline was revoked or replaced.
// The expiry handler must claim a deadline before acting on it.
func (d *Deadline) Claim() bool {
	t := d.owner
	t.mu.Lock()
	defer t.mu.Unlock()

	if cur, ok := t.deadlines[d.ctx.key()]; !ok || cur != d {
		return false
	}
	delete(t.deadlines, d.ctx.key())
	return true
}

// ExpiryHandler is called when a deadline passed without a revoke.
type ExpiryHandler func(d *Deadline)

// --------------------------------------------------------------------------
// Lock Timer
// --------------------------------------------------------------------------

// LockTimer is the award/recall watchdog.
type LockTimer struct {
	clock     clock.Clock
	onExpire  ExpiryHandler
	mu        sync.Mutex
	deadlines map[awardKey]*Deadline
	stopped   bool
	running   sync.WaitGroup
}

// NewLockTimer creates a watchdog on the given clock (nil = wall clock).
func NewLockTimer(clk clock.Clock, onExpire ExpiryHandler) *LockTimer {
	if clk == nil {
		clk = clock.WallClock
	}
	return &LockTimer{
		clock:     clk,
		onExpire:  onExpire,
		deadlines: make(map[awardKey]*Deadline),
	}
}

// NotifyAddPending is called after a request was queued behind the lease
// described by ac. The deadline is armed only when the pending count went
// from zero to one.
func (t *LockTimer) NotifyAddPending(pendingCountAfterAdd int, ac AwardContext) {
	if pendingCountAfterAdd <= 0 {
		panic(fmt.Errorf("%w: pending count after add must be positive, got %d for %s", ErrAssertion, pendingCountAfterAdd, ac))
	}
	if pendingCountAfterAdd == 1 {
		t.schedule(ac)
	}
}

// NotifyAward is called when the lease described by ac was awarded. An
// uncontended lease (pendingCountAtAward == 0) is not bounded.
func (t *LockTimer) NotifyAward(pendingCountAtAward int, ac AwardContext) {
	if pendingCountAtAward < 0 {
		panic(fmt.Errorf("%w: pending count at award must not be negative, got %d for %s", ErrAssertion, pendingCountAtAward, ac))
	}
	if pendingCountAtAward > 0 {
		t.schedule(ac)
	}
}

// NotifyRevoke cancels the outstanding deadline for ac.
func (t *LockTimer) NotifyRevoke(ac AwardContext) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.stopped {
		return
	}

	d, ok := t.deadlines[ac.key()]
	if !ok {
		panic(fmt.Errorf("%w: no deadline scheduled for %s", ErrAssertion, ac))
	}
	d.timer.Stop()
	delete(t.deadlines, ac.key())
}

// IsScheduled reports whether a deadline is outstanding for ac.
func (t *LockTimer) IsScheduled(ac AwardContext) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.deadlines[ac.key()]
	return ok
}

// Outstanding returns the number of armed deadlines.
func (t *LockTimer) Outstanding() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.deadlines)
}

// schedule arms (or re-arms) the deadline for ac. A non positive timeout
// disables the watchdog.
func (t *LockTimer) schedule(ac AwardContext) {
	if ac.Timeout <= 0 {
		return
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.stopped {
		return
	}

	if old, ok := t.deadlines[ac.key()]; ok {
		old.timer.Stop()
	}
	d := &Deadline{
		owner:       t,
		ctx:         ac,
		scheduledAt: t.clock.Now(),
	}
	d.timer = t.clock.AfterFunc(ac.Timeout, func() { t.fire(d) })
	t.deadlines[ac.key()] = d
}

// fire hands a still outstanding deadline to the expiry handler
func (t *LockTimer) fire(d *Deadline) {
	t.mu.Lock()
	if cur, ok := t.deadlines[d.ctx.key()]; t.stopped || !ok || cur != d {
		t.mu.Unlock()
		return
	}
	t.running.Add(1)
	t.mu.Unlock()

	defer t.running.Done()
	Logger.Warningf("recall deadline of %s expired after %s", d.ctx, t.clock.Now().Sub(d.scheduledAt))
	if t.onExpire != nil {
		t.onExpire(d)
	}
}

// Shutdown disarms all deadlines and waits for running handlers.
// No handler runs after Shutdown returns. Shutdown is idempotent.
func (t *LockTimer) Shutdown() {
	t.mu.Lock()
	if !t.stopped {
		t.stopped = true
		for _, d := range t.deadlines {
			d.timer.Stop()
		}
		t.deadlines = make(map[awardKey]*Deadline)
		Logger.Debugf("lock timer stopped")
	}
	t.mu.Unlock()

	t.running.Wait()
}
