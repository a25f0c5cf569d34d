package lockmgr

import (
	"fmt"
	"github.com/ValentinKolb/dMon/lib/ids"
	"github.com/ValentinKolb/dMon/lib/timer"
	"sync"
	"time"
)

// holder is a granted lock. A greedy holder is a node lease: its context is
// (node, VMThreadID).
type holder struct {
	ctx         *ServerThreadContext
	level       ids.LockLevel
	greedy      bool
	recalled    bool // recall sent
	watched     bool // recall deadline armed in the LockTimer
	requestedAt time.Time
	awardedAt   time.Time
	sink        Sink
}

// waiter is a former WRITE holder suspended in wait()
type waiter struct {
	ctx    *ServerThreadContext
	sink   Sink
	spec   *timer.TimerSpec
	handle *timer.TimerHandle
	since  time.Time
}

// pendingRequest is a queued lock request. Try-lock requests with a bounded
// timeout carry a timer handle.
type pendingRequest struct {
	ctx         *ServerThreadContext
	level       ids.LockLevel
	sink        Sink
	spec        *timer.TimerSpec
	handle      *timer.TimerHandle
	requestedAt time.Time
}

// Lock is the state of one clustered monitor.
//
// All mutations happen while mu is held. A Lock is created by the manager on
// the first request and marked removed (then dropped from the registry) as
// soon as it has no holders, waiters or pending requests. Every entry holds
// a reference on its ServerThreadContext.
type Lock struct {
	id  ids.LockID
	mgr *lockManager

	mu      sync.Mutex
	holders []*holder
	waiters []*waiter
	pending []*pendingRequest
	removed bool
}

func newLock(id ids.LockID, mgr *lockManager) *Lock {
	return &Lock{id: id, mgr: mgr}
}

// ID returns the lock's ID.
func (l *Lock) ID() ids.LockID {
	return l.id
}

// --------------------------------------------------------------------------
// Lookups (mu held)
// --------------------------------------------------------------------------

func (l *Lock) holderOf(ctx *ServerThreadContext) *holder {
	for _, h := range l.holders {
		if h.ctx == ctx {
			return h
		}
	}
	return nil
}

// leaseOf returns the greedy holder of a node
func (l *Lock) leaseOf(node ids.NodeID) *holder {
	for _, h := range l.holders {
		if h.greedy && h.ctx.NodeID() == node {
			return h
		}
	}
	return nil
}

// coveringHolder returns the holder entry that ctx acts under: its own, or
// the greedy lease of its node.
func (l *Lock) coveringHolder(ctx *ServerThreadContext) *holder {
	if h := l.holderOf(ctx); h != nil {
		return h
	}
	return l.leaseOf(ctx.NodeID())
}

func (l *Lock) waiterIndex(ctx *ServerThreadContext) int {
	for i, w := range l.waiters {
		if w.ctx == ctx {
			return i
		}
	}
	return -1
}

func (l *Lock) pendingIndex(ctx *ServerThreadContext) int {
	for i, p := range l.pending {
		if p.ctx == ctx {
			return i
		}
	}
	return -1
}

func (l *Lock) hasGreedyHolder() bool {
	for _, h := range l.holders {
		if h.greedy {
			return true
		}
	}
	return false
}

func (l *Lock) isEmpty() bool {
	return len(l.holders) == 0 && len(l.waiters) == 0 && len(l.pending) == 0
}

func (l *Lock) awardContext(h *holder) timer.AwardContext {
	return timer.AwardContext{LockID: l.id, NodeID: h.ctx.NodeID(), Timeout: l.mgr.cfg.RecallTimeout}
}

// compatible reports whether level may be held next to all current holders
// and the requests about to be awarded
func (l *Lock) compatible(level ids.LockLevel, batch []*pendingRequest) bool {
	for _, h := range l.holders {
		if !level.CompatibleWith(h.level) {
			return false
		}
	}
	for _, p := range batch {
		if !level.CompatibleWith(p.level) {
			return false
		}
	}
	return true
}

// grantable reports whether a new request can be awarded right away.
// Requests never overtake the pending queue.
func (l *Lock) grantable(level ids.LockLevel) bool {
	if level.IsConcurrent() {
		return true
	}
	return len(l.pending) == 0 && l.compatible(level, nil)
}

func (l *Lock) pendingChanged() {
	l.mgr.stats.PendingChanged(l.id, len(l.pending))
}

// --------------------------------------------------------------------------
// Requests
// --------------------------------------------------------------------------

// requestLock awards the lock to ctx or queues the request. It returns true
// if the lock was awarded right away. A queued request that conflicts with a
// greedy lease recalls that lease.
func (l *Lock) requestLock(ctx *ServerThreadContext, level ids.LockLevel, sink Sink) (bool, error) {
	return l.request(ctx, level, sink, nil, false)
}

// tryRequestLock is requestLock for a try-lock: if the lock cannot be awarded
// and nothing has to be recalled, an unbounded spec fails right away with a
// NotAwarded event; a bounded spec is withdrawn when it expires.
func (l *Lock) tryRequestLock(ctx *ServerThreadContext, level ids.LockLevel, spec *timer.TimerSpec, sink Sink) (bool, error) {
	if spec == nil {
		spec = timer.NoTimeout()
	}
	if err := spec.Validate(); err != nil {
		return false, err
	}
	return l.request(ctx, level, sink, spec, true)
}

func (l *Lock) request(ctx *ServerThreadContext, level ids.LockLevel, sink Sink, spec *timer.TimerSpec, try bool) (bool, error) {
	if err := l.checkCurrent(ctx); err != nil {
		return false, err
	}
	if err := l.checkRequest(ctx, level); err != nil {
		return false, err
	}

	l.mgr.stats.LockRequested(l.id)
	now := l.mgr.clock.Now()

	if l.grantable(level) {
		l.award(ctx, level, sink, now)
		return true, nil
	}

	if try && !spec.NeedsToWait() && !l.hasGreedyHolder() {
		Logger.Debugf("%s not awarded to %s", l.id, ctx)
		sink.Put(&LockResponse{
			Type:     ResponseNotAwarded,
			LockID:   l.id,
			NodeID:   ctx.NodeID(),
			ThreadID: ctx.ThreadID(),
			Level:    level,
		})
		return false, nil
	}

	p := &pendingRequest{
		ctx:         l.mgr.contexts.Retain(ctx),
		level:       level,
		sink:        sink,
		spec:        spec,
		requestedAt: now,
	}
	l.enqueue(p)
	if try && spec.NeedsToWait() {
		p.handle = l.mgr.waitTimer.Schedule(l.onTryTimeout, spec, p)
	}
	Logger.Debugf("%s queued %s for %s (pending=%d)", l.id, level, ctx, len(l.pending))
	return false, nil
}

// checkCurrent rejects the contexts of a node incarnation that ClearNode
// already swept. Their requests were in flight while the node was cleared.
func (l *Lock) checkCurrent(ctx *ServerThreadContext) error {
	if !l.mgr.contexts.IsCurrent(ctx) {
		return fmt.Errorf("%w: %s on %s", ErrNodeDisconnected, ctx, l.id)
	}
	return nil
}

// checkRequest validates a request without touching any state
func (l *Lock) checkRequest(ctx *ServerThreadContext, level ids.LockLevel) error {
	if !level.IsValid() {
		return fmt.Errorf("%w: %s", ErrInvalidLockLevel, level)
	}
	if h := l.coveringHolder(ctx); h != nil {
		if h.level.IsRead() && level.IsWrite() {
			return fmt.Errorf("%w: %s holds %s on %s", ErrUpgradeNotSupported, ctx, h.level, l.id)
		}
		return fmt.Errorf("%w: %s already holds %s on %s", ErrDuplicateRequest, ctx, h.level, l.id)
	}
	if l.waiterIndex(ctx) >= 0 {
		return fmt.Errorf("%w: %s is waiting on %s", ErrDuplicateRequest, ctx, l.id)
	}
	if l.pendingIndex(ctx) >= 0 {
		return fmt.Errorf("%w: %s is already queued for %s", ErrDuplicateRequest, ctx, l.id)
	}
	return nil
}

// award adds a holder for ctx and sends the award event. Under the greedy
// policy the award becomes a node lease if nobody else is waiting.
func (l *Lock) award(ctx *ServerThreadContext, level ids.LockLevel, sink Sink, requestedAt time.Time) {
	greedy := l.mgr.Policy() == PolicyGreedy &&
		len(l.pending) == 0 &&
		!level.IsConcurrent() &&
		l.leaseOf(ctx.NodeID()) == nil

	var hctx *ServerThreadContext
	if greedy {
		hctx = l.mgr.contexts.Acquire(ctx.NodeID(), ids.VMThreadID)
	} else {
		hctx = l.mgr.contexts.Retain(ctx)
	}

	now := l.mgr.clock.Now()
	h := &holder{
		ctx:         hctx,
		level:       level,
		greedy:      greedy,
		requestedAt: requestedAt,
		awardedAt:   now,
		sink:        sink,
	}
	l.holders = append(l.holders, h)
	depth := hctx.held.Add(1) - 1
	l.mgr.stats.LockAwarded(l.id, now.Sub(requestedAt), int(depth))

	Logger.Debugf("%s awarded %s to %s (greedy=%v)", l.id, level, ctx, greedy)
	sink.Put(&LockResponse{
		Type:     ResponseAward,
		LockID:   l.id,
		NodeID:   ctx.NodeID(),
		ThreadID: ctx.ThreadID(),
		Level:    level,
		Greedy:   greedy,
	})

	if greedy {
		l.mgr.lockTimer.NotifyAward(len(l.pending), l.awardContext(h))
	}
}

// enqueue appends p to the pending queue and recalls all greedy leases
func (l *Lock) enqueue(p *pendingRequest) {
	l.pending = append(l.pending, p)
	l.pendingChanged()

	n := len(l.pending)
	for _, h := range l.holders {
		if !h.greedy {
			continue
		}
		if !h.recalled {
			h.recalled = true
			l.mgr.stats.LockHopped(l.id)
			Logger.Debugf("%s recalling greedy %s lease of %s", l.id, h.level, h.ctx.NodeID())
			h.sink.Put(&LockResponse{
				Type:     ResponseRecall,
				LockID:   l.id,
				NodeID:   h.ctx.NodeID(),
				ThreadID: ids.VMThreadID,
				Level:    h.level,
				Greedy:   true,
			})
		}
		ac := l.awardContext(h)
		l.mgr.lockTimer.NotifyAddPending(n, ac)
		if n == 1 && ac.Timeout > 0 {
			h.watched = true
		}
	}
}

// --------------------------------------------------------------------------
// Release
// --------------------------------------------------------------------------

// release drops a holder entry
func (l *Lock) release(h *holder) {
	for i, cur := range l.holders {
		if cur == h {
			l.holders = append(l.holders[:i], l.holders[i+1:]...)
			break
		}
	}

	h.ctx.held.Add(-1)
	l.mgr.stats.LockReleased(l.id, l.mgr.clock.Now().Sub(h.awardedAt))
	if h.watched {
		h.watched = false
		l.mgr.lockTimer.NotifyRevoke(l.awardContext(h))
	}
	l.mgr.contexts.Release(h.ctx)
}

// removeCurrentHold drops the hold of ctx. For the VMThreadID context every
// hold of the node is dropped; a thread covered by its node's greedy lease
// releases the lease.
func (l *Lock) removeCurrentHold(ctx *ServerThreadContext) error {
	var released []*holder
	if ctx.ThreadID().IsVM() {
		for _, h := range l.holders {
			if h.ctx.NodeID() == ctx.NodeID() {
				released = append(released, h)
			}
		}
	} else if h := l.coveringHolder(ctx); h != nil {
		released = append(released, h)
	}

	if len(released) == 0 {
		return fmt.Errorf("%w: %s does not hold %s", ErrNotHeld, ctx, l.id)
	}
	for _, h := range released {
		Logger.Debugf("%s released %s by %s", l.id, h.level, h.ctx)
		l.release(h)
	}
	return nil
}

// unlock releases the hold of ctx and awards the lock to the next requests
func (l *Lock) unlock(ctx *ServerThreadContext) error {
	if err := l.checkCurrent(ctx); err != nil {
		return err
	}
	if err := l.removeCurrentHold(ctx); err != nil {
		return err
	}
	l.nextPending()
	return nil
}

// nextPending awards the lock to the head of the pending queue, and to every
// following request that is compatible (a batch of readers). Arrival order is
// always honored.
func (l *Lock) nextPending() {
	var batch []*pendingRequest
	dropped := 0
	for len(l.pending) > 0 {
		head := l.pending[0]
		current := l.mgr.contexts.IsCurrent(head.ctx)
		if current && !l.compatible(head.level, batch) {
			break
		}
		l.pending[0] = nil
		l.pending = l.pending[1:]
		head.handle.Cancel()
		if !current {
			// queued by a node that has been cleared meanwhile
			dropped++
			l.mgr.stats.LockWithdrawn(l.id)
			l.mgr.contexts.Release(head.ctx)
			continue
		}
		batch = append(batch, head)
	}
	if len(batch) == 0 && dropped == 0 {
		return
	}
	if len(l.pending) == 0 {
		l.pending = nil
	}
	l.pendingChanged()

	for _, p := range batch {
		l.award(p.ctx, p.level, p.sink, p.requestedAt)
		l.mgr.contexts.Release(p.ctx)
	}
}

// onTryTimeout withdraws an expired try-lock request
func (l *Lock) onTryTimeout(obj any) {
	p := obj.(*pendingRequest)
	if !l.mgr.enter() {
		return
	}
	defer l.mgr.exit()

	l.mu.Lock()
	idx := -1
	for i, cur := range l.pending {
		if cur == p {
			idx = i
			break
		}
	}
	if idx < 0 || l.removed {
		l.mu.Unlock()
		return
	}

	l.pending = append(l.pending[:idx], l.pending[idx+1:]...)
	l.pendingChanged()
	l.mgr.stats.LockWithdrawn(l.id)
	Logger.Debugf("%s try-lock of %s expired", l.id, p.ctx)
	p.sink.Put(&LockResponse{
		Type:     ResponseNotAwarded,
		LockID:   l.id,
		NodeID:   p.ctx.NodeID(),
		ThreadID: p.ctx.ThreadID(),
		Level:    p.level,
	})
	l.mgr.contexts.Release(p.ctx)
	// the withdrawn request may have blocked the ones behind it
	l.nextPending()
	l.mu.Unlock()

	l.mgr.maybeRemove(l)
}

// --------------------------------------------------------------------------
// Wait / Notify
// --------------------------------------------------------------------------

// checkMonitorOwner verifies that ctx is the WRITE holder
func (l *Lock) checkMonitorOwner(ctx *ServerThreadContext) error {
	if l.waiterIndex(ctx) >= 0 {
		return fmt.Errorf("%w: %s is already waiting on %s", ErrIllegalMonitorState, ctx, l.id)
	}
	if len(l.holders) == 0 {
		return fmt.Errorf("%w: %s is not held", ErrIllegalMonitorState, l.id)
	}
	if h := l.coveringHolder(ctx); h == nil || !h.level.IsWrite() {
		return fmt.Errorf("%w: %s is not the write holder of %s", ErrIllegalMonitorState, ctx, l.id)
	}
	return nil
}

// wait moves the WRITE holder ctx to the waiters and releases the lock. A
// bounded spec schedules a wait timeout.
func (l *Lock) wait(ctx *ServerThreadContext, spec *timer.TimerSpec, sink Sink) error {
	if err := l.checkCurrent(ctx); err != nil {
		return err
	}
	if spec != nil {
		if err := spec.Validate(); err != nil {
			return err
		}
	}
	if err := l.checkMonitorOwner(ctx); err != nil {
		return err
	}

	l.release(l.coveringHolder(ctx))

	w := &waiter{
		ctx:   l.mgr.contexts.Retain(ctx),
		sink:  sink,
		spec:  spec,
		since: l.mgr.clock.Now(),
	}
	l.waiters = append(l.waiters, w)
	if spec != nil {
		w.handle = l.mgr.waitTimer.Schedule(l.onWaitTimeout, spec, w)
	}
	Logger.Debugf("%s: %s waiting (%v)", l.id, ctx, spec)

	l.nextPending()
	return nil
}

// notify moves one (or all) waiters to the pending queue. It returns the
// notified contexts; notifying without waiters is a no-op.
func (l *Lock) notify(ctx *ServerThreadContext, all bool) ([]ContextKey, error) {
	if err := l.checkCurrent(ctx); err != nil {
		return nil, err
	}
	if err := l.checkMonitorOwner(ctx); err != nil {
		return nil, err
	}

	n := 1
	if all {
		n = len(l.waiters)
	}

	var notified []ContextKey
	for i := 0; i < n && len(l.waiters) > 0; i++ {
		w := l.waiters[0]
		l.waiters[0] = nil
		l.waiters = l.waiters[1:]
		w.handle.Cancel()
		notified = append(notified, w.ctx.Key())
		l.repend(w)
	}
	if len(l.waiters) == 0 {
		l.waiters = nil
	}
	if len(notified) > 0 {
		Logger.Debugf("%s: %s notified %v", l.id, ctx, notified)
	}
	return notified, nil
}

// repend turns a waiter back into a WRITE request at the end of the queue.
// The waiter's context reference moves to the pending entry.
func (l *Lock) repend(w *waiter) {
	l.enqueue(&pendingRequest{
		ctx:         w.ctx,
		level:       ids.LevelWrite,
		sink:        w.sink,
		requestedAt: l.mgr.clock.Now(),
	})
}

// onWaitTimeout wakes an expired waiter
func (l *Lock) onWaitTimeout(obj any) {
	w := obj.(*waiter)
	if !l.mgr.enter() {
		return
	}
	defer l.mgr.exit()

	l.mu.Lock()
	idx := -1
	for i, cur := range l.waiters {
		if cur == w {
			idx = i
			break
		}
	}
	if idx < 0 || l.removed {
		l.mu.Unlock()
		return
	}

	l.waiters = append(l.waiters[:idx], l.waiters[idx+1:]...)
	Logger.Debugf("%s: wait of %s timed out", l.id, w.ctx)
	w.sink.Put(&LockResponse{
		Type:     ResponseWaitTimeout,
		LockID:   l.id,
		NodeID:   w.ctx.NodeID(),
		ThreadID: w.ctx.ThreadID(),
		Level:    ids.LevelWrite,
	})
	l.repend(w)
	l.nextPending()
	l.mu.Unlock()

	l.mgr.maybeRemove(l)
}

// --------------------------------------------------------------------------
// Node failure / shutdown
// --------------------------------------------------------------------------

// clearNode drops every holder, waiter and pending request of a node
func (l *Lock) clearNode(node ids.NodeID) {
	var released []*holder
	for _, h := range l.holders {
		if h.ctx.NodeID() == node {
			released = append(released, h)
		}
	}
	for _, h := range released {
		l.release(h)
	}

	var pending []*pendingRequest
	for _, p := range l.pending {
		if p.ctx.NodeID() != node {
			pending = append(pending, p)
			continue
		}
		p.handle.Cancel()
		l.mgr.stats.LockWithdrawn(l.id)
		l.mgr.contexts.Release(p.ctx)
	}
	if len(pending) != len(l.pending) {
		l.pending = pending
		l.pendingChanged()
	}

	var waiters []*waiter
	for _, w := range l.waiters {
		if w.ctx.NodeID() != node {
			waiters = append(waiters, w)
			continue
		}
		w.handle.Cancel()
		l.mgr.contexts.Release(w.ctx)
	}
	l.waiters = waiters

	l.nextPending()
}

// discard drops all state without sending events. The lock must not be used
// afterwards.
func (l *Lock) discard() {
	for _, p := range l.pending {
		p.handle.Cancel()
	}
	for _, w := range l.waiters {
		w.handle.Cancel()
	}
	l.holders, l.waiters, l.pending = nil, nil, nil
	l.removed = true
}

// --------------------------------------------------------------------------
// Accessors
// --------------------------------------------------------------------------

// HoldersCount returns the number of holder entries.
func (l *Lock) HoldersCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.holders)
}

// WaitersCount returns the number of waiting contexts.
func (l *Lock) WaitersCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.waiters)
}

// PendingCount returns the length of the pending queue.
func (l *Lock) PendingCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.pending)
}

// IsGreedy reports whether a node lease is currently outstanding.
func (l *Lock) IsGreedy() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.hasGreedyHolder()
}

// Holders returns a copy of all holder entries, greedy leases included.
func (l *Lock) Holders() []GlobalLockStateInfo {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]GlobalLockStateInfo, 0, len(l.holders))
	for _, h := range l.holders {
		out = append(out, l.holderInfo(h))
	}
	return out
}

// Waiters returns a copy of all waiters in wait order.
func (l *Lock) Waiters() []GlobalLockStateInfo {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]GlobalLockStateInfo, 0, len(l.waiters))
	for _, w := range l.waiters {
		out = append(out, l.waiterInfo(w))
	}
	return out
}

// Pending returns a copy of the pending queue in arrival order.
func (l *Lock) Pending() []GlobalLockStateInfo {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]GlobalLockStateInfo, 0, len(l.pending))
	for _, p := range l.pending {
		var timeout int64
		if p.spec != nil {
			timeout = p.spec.Delay().Milliseconds()
		}
		out = append(out, GlobalLockStateInfo{
			LockID:    l.id,
			NodeID:    p.ctx.NodeID(),
			ThreadID:  p.ctx.ThreadID(),
			Timestamp: p.requestedAt.UnixMilli(),
			Timeout:   timeout,
			Level:     p.level,
		})
	}
	return out
}

// Info returns a point-in-time snapshot of the lock.
func (l *Lock) Info() GlobalLockInfo {
	l.mu.Lock()
	defer l.mu.Unlock()

	info := GlobalLockInfo{
		LockID:             l.id,
		Level:              ids.LevelNil,
		RequestQueueLength: int32(len(l.pending)),
		Holders:            []GlobalLockStateInfo{},
		GreedyHolders:      []GlobalLockStateInfo{},
		Waiters:            []GlobalLockStateInfo{},
	}
	for _, h := range l.holders {
		switch {
		case h.level.IsWrite():
			info.Level = ids.LevelWrite
		case h.level.IsRead() && info.Level != ids.LevelWrite:
			info.Level = ids.LevelRead
		case h.level.IsConcurrent() && info.Level == ids.LevelNil:
			info.Level = ids.LevelConcurrent
		}
		if h.greedy {
			info.GreedyHolders = append(info.GreedyHolders, l.holderInfo(h))
		} else {
			info.Holders = append(info.Holders, l.holderInfo(h))
		}
	}
	for _, w := range l.waiters {
		info.Waiters = append(info.Waiters, l.waiterInfo(w))
	}
	return info
}

func (l *Lock) holderInfo(h *holder) GlobalLockStateInfo {
	var timeout int64
	if h.watched {
		timeout = l.mgr.cfg.RecallTimeout.Milliseconds()
	}
	return GlobalLockStateInfo{
		LockID:    l.id,
		NodeID:    h.ctx.NodeID(),
		ThreadID:  h.ctx.ThreadID(),
		Timestamp: h.awardedAt.UnixMilli(),
		Timeout:   timeout,
		Level:     h.level,
	}
}

func (l *Lock) waiterInfo(w *waiter) GlobalLockStateInfo {
	var timeout int64
	if w.spec != nil {
		timeout = w.spec.Delay().Milliseconds()
	}
	return GlobalLockStateInfo{
		LockID:    l.id,
		NodeID:    w.ctx.NodeID(),
		ThreadID:  w.ctx.ThreadID(),
		Timestamp: w.since.UnixMilli(),
		Timeout:   timeout,
		Level:     ids.LevelWrite,
	}
}
