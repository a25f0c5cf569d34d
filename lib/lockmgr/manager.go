package lockmgr

import (
	"fmt"
	"github.com/ValentinKolb/dMon/lib/ids"
	"github.com/ValentinKolb/dMon/lib/lockstats"
	"github.com/ValentinKolb/dMon/lib/timer"
	"github.com/juju/clock"
	"github.com/lni/dragonboat/v4/logger"
	"github.com/puzpuzpuz/xsync/v3"
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

var Logger = logger.GetLogger("dlm")

// DefaultRecallTimeout is the time a node has to give back a recalled lease.
const DefaultRecallTimeout = 10 * time.Second

// Config configures a lock manager.
type Config struct {
	// Policy is the initial lock policy.
	Policy LockPolicy
	// RecallTimeout bounds the time a node may keep a recalled greedy lease
	// while others are waiting. Zero disables the watchdog.
	RecallTimeout time.Duration
	// Clock is the time source of the timers (nil = wall clock).
	Clock clock.Clock
	// Disconnector is called for nodes that did not answer a recall in time.
	Disconnector NodeDisconnector
	// Stats receives the lock statistics (nil = a new manager is created).
	Stats *lockstats.Manager
}

// DefaultConfig returns a greedy configuration with the default recall timeout.
func DefaultConfig() Config {
	return Config{
		Policy:        PolicyGreedy,
		RecallTimeout: DefaultRecallTimeout,
	}
}

type lockManager struct {
	cfg      Config
	clock    clock.Clock
	policy   atomic.Int32
	stats    *lockstats.Manager
	locks    *xsync.MapOf[ids.LockID, *Lock]
	contexts *ContextFactory

	lifecycle sync.Mutex   // serializes Start and Stop
	mu        sync.RWMutex // held (read) by every operation, (write) to flip running
	running   bool

	waitTimer *timer.WaitTimer
	lockTimer *timer.LockTimer
}

// NewLockManager creates a stopped lock manager.
func NewLockManager(cfg Config) ILockManager {
	if cfg.Clock == nil {
		cfg.Clock = clock.WallClock
	}
	if cfg.Stats == nil {
		cfg.Stats = lockstats.NewManager()
	}
	m := &lockManager{
		cfg:      cfg,
		clock:    cfg.Clock,
		stats:    cfg.Stats,
		locks:    xsync.NewMapOf[ids.LockID, *Lock](),
		contexts: NewContextFactory(),
	}
	m.policy.Store(int32(cfg.Policy))
	return m
}

// --------------------------------------------------------------------------
// Lifecycle
// --------------------------------------------------------------------------

func (m *lockManager) Start() error {
	if !m.Policy().IsValid() {
		return fmt.Errorf("%w: %s", ErrInvalidPolicy, m.Policy())
	}
	if m.cfg.RecallTimeout < 0 {
		return fmt.Errorf("negative recall timeout %s", m.cfg.RecallTimeout)
	}

	m.lifecycle.Lock()
	defer m.lifecycle.Unlock()

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.running {
		return nil
	}

	m.waitTimer = timer.NewWaitTimer(m.clock)
	m.lockTimer = timer.NewLockTimer(m.clock, m.onRecallExpired)
	m.stats.Reset()
	m.running = true

	Logger.Infof("lock manager started (policy=%s, recall timeout=%s)", m.Policy(), m.cfg.RecallTimeout)
	return nil
}

func (m *lockManager) Stop() {
	m.lifecycle.Lock()
	defer m.lifecycle.Unlock()

	// wait for running operations, reject new ones
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return
	}
	m.running = false
	waitTimer, lockTimer := m.waitTimer, m.lockTimer
	m.mu.Unlock()

	waitTimer.Shutdown()
	lockTimer.Shutdown()

	m.locks.Range(func(_ ids.LockID, l *Lock) bool {
		l.mu.Lock()
		l.discard()
		l.mu.Unlock()
		return true
	})
	m.locks.Clear()
	m.contexts.Clear()

	Logger.Infof("lock manager stopped")
}

func (m *lockManager) IsRunning() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.running
}

// enter guards an operation or timer callback; exit must be called iff enter
// returned true
func (m *lockManager) enter() bool {
	m.mu.RLock()
	if !m.running {
		m.mu.RUnlock()
		return false
	}
	return true
}

func (m *lockManager) exit() {
	m.mu.RUnlock()
}

// --------------------------------------------------------------------------
// Registry
// --------------------------------------------------------------------------

// withLock runs fn on the lock while holding its exclusion. If notFound is
// nil a missing lock is created, otherwise notFound is returned.
func (m *lockManager) withLock(id ids.LockID, notFound error, fn func(l *Lock) error) error {
	for {
		var l *Lock
		if notFound == nil {
			l, _ = m.locks.LoadOrCompute(id, func() *Lock { return newLock(id, m) })
		} else {
			var ok bool
			if l, ok = m.locks.Load(id); !ok {
				return notFound
			}
		}

		l.mu.Lock()
		if l.removed {
			// lost a race against maybeRemove, look again
			l.mu.Unlock()
			continue
		}
		err := fn(l)
		l.mu.Unlock()

		m.maybeRemove(l)
		return err
	}
}

// maybeRemove drops the lock from the registry if it is empty
func (m *lockManager) maybeRemove(l *Lock) {
	m.locks.Compute(l.id, func(cur *Lock, loaded bool) (*Lock, bool) {
		if !loaded {
			return cur, true
		}
		if cur != l {
			return cur, false
		}
		l.mu.Lock()
		defer l.mu.Unlock()
		if !l.isEmpty() {
			return cur, false
		}
		l.removed = true
		// still inside the registry entry, a new lock of the same id
		// cannot report statistics before this
		m.stats.LockRemoved(l.id)
		return cur, true
	})
}

// requester returns the context of (node, thread) with a reference taken
func (m *lockManager) requester(nodeID ids.NodeID, threadID ids.ThreadID) (*ServerThreadContext, error) {
	if threadID == ids.NullThreadID {
		return nil, fmt.Errorf("%w: %s", ErrNullThread, nodeID)
	}
	return m.contexts.Acquire(nodeID, threadID), nil
}

func orNop(sink Sink) Sink {
	if sink == nil {
		return NopSink
	}
	return sink
}

// --------------------------------------------------------------------------
// Operations
// --------------------------------------------------------------------------

func (m *lockManager) RequestLock(lockID ids.LockID, nodeID ids.NodeID, threadID ids.ThreadID, level ids.LockLevel, sink Sink) (bool, error) {
	if !m.enter() {
		return false, ErrNotRunning
	}
	defer m.exit()

	ctx, err := m.requester(nodeID, threadID)
	if err != nil {
		return false, err
	}
	defer m.contexts.Release(ctx)

	var granted bool
	err = m.withLock(lockID, nil, func(l *Lock) (err error) {
		granted, err = l.requestLock(ctx, level, orNop(sink))
		return err
	})
	return granted, err
}

func (m *lockManager) TryRequestLock(lockID ids.LockID, nodeID ids.NodeID, threadID ids.ThreadID, level ids.LockLevel, spec *timer.TimerSpec, sink Sink) (bool, error) {
	if !m.enter() {
		return false, ErrNotRunning
	}
	defer m.exit()

	ctx, err := m.requester(nodeID, threadID)
	if err != nil {
		return false, err
	}
	defer m.contexts.Release(ctx)

	var granted bool
	err = m.withLock(lockID, nil, func(l *Lock) (err error) {
		granted, err = l.tryRequestLock(ctx, level, spec, orNop(sink))
		return err
	})
	return granted, err
}

func (m *lockManager) Unlock(lockID ids.LockID, nodeID ids.NodeID, threadID ids.ThreadID) error {
	if !m.enter() {
		return ErrNotRunning
	}
	defer m.exit()

	ctx, err := m.requester(nodeID, threadID)
	if err != nil {
		return err
	}
	defer m.contexts.Release(ctx)

	notFound := fmt.Errorf("%w: %s does not hold %s", ErrNotHeld, ctx, lockID)
	return m.withLock(lockID, notFound, func(l *Lock) error {
		return l.unlock(ctx)
	})
}

func (m *lockManager) Wait(lockID ids.LockID, nodeID ids.NodeID, threadID ids.ThreadID, spec *timer.TimerSpec, sink Sink) error {
	if !m.enter() {
		return ErrNotRunning
	}
	defer m.exit()

	ctx, err := m.requester(nodeID, threadID)
	if err != nil {
		return err
	}
	defer m.contexts.Release(ctx)

	notFound := fmt.Errorf("%w: %s is not held", ErrIllegalMonitorState, lockID)
	return m.withLock(lockID, notFound, func(l *Lock) error {
		return l.wait(ctx, spec, orNop(sink))
	})
}

func (m *lockManager) Notify(lockID ids.LockID, nodeID ids.NodeID, threadID ids.ThreadID, all bool) ([]ContextKey, error) {
	if !m.enter() {
		return nil, ErrNotRunning
	}
	defer m.exit()

	ctx, err := m.requester(nodeID, threadID)
	if err != nil {
		return nil, err
	}
	defer m.contexts.Release(ctx)

	var notified []ContextKey
	notFound := fmt.Errorf("%w: %s is not held", ErrIllegalMonitorState, lockID)
	err = m.withLock(lockID, notFound, func(l *Lock) (err error) {
		notified, err = l.notify(ctx, all)
		return err
	})
	return notified, err
}

func (m *lockManager) ClearNode(nodeID ids.NodeID) error {
	if !m.enter() {
		return ErrNotRunning
	}
	defer m.exit()

	m.clearNode(nodeID)
	return nil
}

func (m *lockManager) clearNode(nodeID ids.NodeID) {
	// invalidate first: a request that picked up its context before this
	// point is rejected once it reaches a lock the sweep already passed
	swept := m.contexts.ReleaseNode(nodeID)
	m.locks.Range(func(_ ids.LockID, l *Lock) bool {
		l.mu.Lock()
		if !l.removed {
			l.clearNode(nodeID)
		}
		l.mu.Unlock()
		m.maybeRemove(l)
		return true
	})
	Logger.Infof("cleared %s (%d contexts)", nodeID, swept)
}

// onRecallExpired disconnects a node that kept a recalled lease too long
func (m *lockManager) onRecallExpired(d *timer.Deadline) {
	if !m.enter() {
		return
	}
	defer m.exit()

	ac := d.Context()
	l, ok := m.locks.Load(ac.LockID)
	if !ok {
		return
	}

	l.mu.Lock()
	claimed := d.Claim()
	if claimed {
		if h := l.leaseOf(ac.NodeID); h != nil {
			h.watched = false
		}
	}
	l.mu.Unlock()
	if !claimed {
		return
	}

	Logger.Warningf("%s did not give back %s within %s, disconnecting", ac.NodeID, ac.LockID, ac.Timeout)
	if m.cfg.Disconnector != nil {
		m.cfg.Disconnector.DisconnectNode(ac.NodeID)
	}
	m.clearNode(ac.NodeID)
}

// --------------------------------------------------------------------------
// Policy / accessors
// --------------------------------------------------------------------------

func (m *lockManager) SetPolicy(policy LockPolicy) {
	if !policy.IsValid() {
		Logger.Warningf("ignoring invalid lock policy %s", policy)
		return
	}
	if old := LockPolicy(m.policy.Swap(int32(policy))); old != policy {
		Logger.Infof("lock policy changed from %s to %s", old, policy)
	}
}

func (m *lockManager) Policy() LockPolicy {
	return LockPolicy(m.policy.Load())
}

func (m *lockManager) LockCount() int {
	return m.locks.Size()
}

func (m *lockManager) ContextCount() int {
	return m.contexts.Count()
}

func (m *lockManager) GetLock(lockID ids.LockID) (*Lock, bool) {
	return m.locks.Load(lockID)
}

func (m *lockManager) Snapshot(lockID ids.LockID) (GlobalLockInfo, bool) {
	l, ok := m.locks.Load(lockID)
	if !ok {
		return GlobalLockInfo{}, false
	}
	return l.Info(), true
}

func (m *lockManager) Snapshots() []GlobalLockInfo {
	var infos []GlobalLockInfo
	m.locks.Range(func(_ ids.LockID, l *Lock) bool {
		infos = append(infos, l.Info())
		return true
	})
	sort.Slice(infos, func(i, j int) bool { return infos[i].LockID < infos[j].LockID })
	return infos
}

func (m *lockManager) Stats() *lockstats.Manager {
	return m.stats
}

func (m *lockManager) SetLockStatisticsEnabled(enabled bool) {
	m.stats.SetLockStatisticsEnabled(enabled)
	if !enabled || !m.enter() {
		return
	}
	defer m.exit()

	// the queues kept changing while collection was off
	m.stats.ClearPending()
	m.locks.Range(func(_ ids.LockID, l *Lock) bool {
		l.mu.Lock()
		if !l.removed {
			l.pendingChanged()
		}
		l.mu.Unlock()
		return true
	})
}
