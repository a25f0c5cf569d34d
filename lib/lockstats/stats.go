package lockstats

import (
	"fmt"
	"github.com/ValentinKolb/dMon/lib/ids"
	vmetrics "github.com/VictoriaMetrics/metrics"
	lru "github.com/hashicorp/golang-lru"
	"github.com/lni/dragonboat/v4/logger"
	"github.com/puzpuzpuz/xsync/v3"
	gometrics "github.com/rcrowley/go-metrics"
	"io"
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

var Logger = logger.GetLogger("dlm/stats")

// sampleSize is the reservoir size of the per-lock histograms
const sampleSize = 1028

// DefaultIdleRetention is the number of locks no longer in use whose
// statistics are kept by NewManager.
const DefaultIdleRetention = 1024

// LockStat is a point-in-time copy of the statistics of one lock.
type LockStat struct {
	LockID         ids.LockID    `json:"lock_id"`
	Requests       int64         `json:"requests"`
	Releases       int64         `json:"releases"`
	Pending        int64         `json:"pending"`
	Hops           int64         `json:"hops"`
	Withdrawn      int64         `json:"withdrawn"`
	AvgHeldTime    time.Duration `json:"avg_held_time"`
	AvgWaitTime    time.Duration `json:"avg_wait_time"`
	AvgNestedDepth float64       `json:"avg_nested_depth"`
}

func (s LockStat) String() string {
	return fmt.Sprintf("%s: requests=%d releases=%d pending=%d hops=%d withdrawn=%d held=%s wait=%s depth=%.2f",
		s.LockID, s.Requests, s.Releases, s.Pending, s.Hops, s.Withdrawn, s.AvgHeldTime, s.AvgWaitTime, s.AvgNestedDepth)
}

// lockCounters holds the live metrics of one lock
type lockCounters struct {
	requests  gometrics.Counter
	releases  gometrics.Counter
	hops      gometrics.Counter
	withdrawn gometrics.Counter
	pending   gometrics.Gauge
	held      gometrics.Histogram // nanoseconds
	wait      gometrics.Histogram // nanoseconds
	depth     gometrics.Histogram

	// active is false once the lock was dropped by the lock manager; idle
	// counters are evicted when the retention is exceeded
	active atomic.Bool
}

func newLockCounters() *lockCounters {
	return &lockCounters{
		requests:  gometrics.NewCounter(),
		releases:  gometrics.NewCounter(),
		hops:      gometrics.NewCounter(),
		withdrawn: gometrics.NewCounter(),
		pending:   gometrics.NewGauge(),
		held:      gometrics.NewHistogram(gometrics.NewUniformSample(sampleSize)),
		wait:      gometrics.NewHistogram(gometrics.NewUniformSample(sampleSize)),
		depth:     gometrics.NewHistogram(gometrics.NewUniformSample(sampleSize)),
	}
}

func (c *lockCounters) snapshot(id ids.LockID) LockStat {
	return LockStat{
		LockID:         id,
		Requests:       c.requests.Count(),
		Releases:       c.releases.Count(),
		Pending:        c.pending.Value(),
		Hops:           c.hops.Count(),
		Withdrawn:      c.withdrawn.Count(),
		AvgHeldTime:    time.Duration(c.held.Mean()),
		AvgWaitTime:    time.Duration(c.wait.Mean()),
		AvgNestedDepth: c.depth.Mean(),
	}
}

// totals are the process-wide counters exported in the Prometheus format
type totals struct {
	set       *vmetrics.Set
	requests  *vmetrics.Counter
	awards    *vmetrics.Counter
	releases  *vmetrics.Counter
	hops      *vmetrics.Counter
	withdrawn *vmetrics.Counter
}

// --------------------------------------------------------------------------
// Manager
// --------------------------------------------------------------------------

// Manager accumulates lock statistics. The zero value is not usable, use
// NewManager.
//
// The statistics of locks in use are always kept. Locks the lock manager
// dropped (LockRemoved) are kept in least recently used order up to the idle
// retention, older ones are evicted.
type Manager struct {
	enabled atomic.Bool
	locks   *xsync.MapOf[ids.LockID, *lockCounters]
	idle    *lru.Cache // ids.LockID -> *lockCounters of dropped locks

	mu     sync.RWMutex // guards totals
	totals *totals
}

// NewManager creates a statistics manager with DefaultIdleRetention;
// collection starts enabled.
func NewManager() *Manager {
	return NewManagerWithRetention(DefaultIdleRetention)
}

// NewManagerWithRetention creates a statistics manager that keeps the
// statistics of at most retention (at least 1) dropped locks.
func NewManagerWithRetention(retention int) *Manager {
	if retention < 1 {
		retention = 1
	}
	m := &Manager{
		locks: xsync.NewMapOf[ids.LockID, *lockCounters](),
	}
	idle, err := lru.NewWithEvict(retention, m.evict)
	if err != nil {
		// only fails for a non-positive size
		panic(err)
	}
	m.idle = idle
	m.totals = m.newTotals()
	m.enabled.Store(true)
	return m
}

// evict drops the counters of an idle lock unless it came back in the meantime
func (m *Manager) evict(key, _ interface{}) {
	m.locks.Compute(key.(ids.LockID), func(c *lockCounters, loaded bool) (*lockCounters, bool) {
		return c, !loaded || !c.active.Load()
	})
}

func (m *Manager) newTotals() *totals {
	set := vmetrics.NewSet()
	t := &totals{
		set:       set,
		requests:  set.NewCounter("dmon_lock_requests_total"),
		awards:    set.NewCounter("dmon_lock_awards_total"),
		releases:  set.NewCounter("dmon_lock_releases_total"),
		hops:      set.NewCounter("dmon_lock_hops_total"),
		withdrawn: set.NewCounter("dmon_lock_withdrawn_total"),
	}
	set.NewGauge("dmon_locks_tracked", func() float64 {
		return float64(m.locks.Size())
	})
	set.NewGauge("dmon_lock_pending", func() float64 {
		var sum int64
		m.locks.Range(func(_ ids.LockID, c *lockCounters) bool {
			sum += c.pending.Value()
			return true
		})
		return float64(sum)
	})
	return t
}

// SetLockStatisticsEnabled turns collection on or off.
func (m *Manager) SetLockStatisticsEnabled(enabled bool) {
	if m.enabled.Swap(enabled) != enabled {
		Logger.Infof("lock statistics enabled=%v", enabled)
	}
}

// IsEnabled reports whether collection is on.
func (m *Manager) IsEnabled() bool {
	return m.enabled.Load()
}

// Reset discards all statistics.
func (m *Manager) Reset() {
	m.idle.Purge()
	m.locks.Clear()
	m.mu.Lock()
	m.totals = m.newTotals()
	m.mu.Unlock()
}

// ClearPending zeroes the pending gauge of every lock. The lock manager
// refreshes the gauges from its queues after re-enabling collection.
func (m *Manager) ClearPending() {
	m.locks.Range(func(_ ids.LockID, c *lockCounters) bool {
		c.pending.Update(0)
		return true
	})
}

// Stat returns the statistics of one lock.
func (m *Manager) Stat(id ids.LockID) (LockStat, bool) {
	c, ok := m.locks.Load(id)
	if !ok {
		return LockStat{LockID: id}, false
	}
	return c.snapshot(id), true
}

// Stats returns the statistics of all locks ordered by lock ID.
func (m *Manager) Stats() []LockStat {
	stats := make([]LockStat, 0, m.locks.Size())
	m.locks.Range(func(id ids.LockID, c *lockCounters) bool {
		stats = append(stats, c.snapshot(id))
		return true
	})
	sort.Slice(stats, func(i, j int) bool { return stats[i].LockID < stats[j].LockID })
	return stats
}

// WritePrometheus writes the process-wide totals in the Prometheus text format.
func (m *Manager) WritePrometheus(w io.Writer) {
	m.mu.RLock()
	set := m.totals.set
	m.mu.RUnlock()
	set.WritePrometheus(w)
}

// --------------------------------------------------------------------------
// Recorder hooks
// --------------------------------------------------------------------------

// counters returns the counters of a lock, or nil if collection is off
func (m *Manager) counters(id ids.LockID) (*lockCounters, *totals) {
	if m == nil || !m.enabled.Load() {
		return nil, nil
	}
	var revived bool
	c, _ := m.locks.Compute(id, func(c *lockCounters, loaded bool) (*lockCounters, bool) {
		if !loaded {
			c = newLockCounters()
		}
		revived = !c.active.Swap(true) && loaded
		return c, false
	})
	if revived {
		m.idle.Remove(id)
	}
	m.mu.RLock()
	t := m.totals
	m.mu.RUnlock()
	return c, t
}

// LockRequested records a lock request.
func (m *Manager) LockRequested(id ids.LockID) {
	if c, t := m.counters(id); c != nil {
		c.requests.Inc(1)
		t.requests.Inc()
	}
}

// LockAwarded records a grant after waited time. depth is the number of other
// locks the requester held at the time of the award.
func (m *Manager) LockAwarded(id ids.LockID, waited time.Duration, depth int) {
	if c, t := m.counters(id); c != nil {
		c.wait.Update(int64(waited))
		c.depth.Update(int64(depth))
		t.awards.Inc()
	}
}

// LockReleased records a released hold that was held for the given time.
func (m *Manager) LockReleased(id ids.LockID, held time.Duration) {
	if c, t := m.counters(id); c != nil {
		c.releases.Inc(1)
		c.held.Update(int64(held))
		t.releases.Inc()
	}
}

// LockHopped records a recall of a greedy lease.
func (m *Manager) LockHopped(id ids.LockID) {
	if c, t := m.counters(id); c != nil {
		c.hops.Inc(1)
		t.hops.Inc()
	}
}

// LockWithdrawn records a pending request that was given up.
func (m *Manager) LockWithdrawn(id ids.LockID) {
	if c, t := m.counters(id); c != nil {
		c.withdrawn.Inc(1)
		t.withdrawn.Inc()
	}
}

// PendingChanged records the current length of the pending queue.
func (m *Manager) PendingChanged(id ids.LockID, pending int) {
	if c, _ := m.counters(id); c != nil {
		c.pending.Update(int64(pending))
	}
}

// LockRemoved marks a lock as no longer in use. Its statistics stay available
// until they are evicted by newer idle locks.
func (m *Manager) LockRemoved(id ids.LockID) {
	if m == nil {
		return
	}
	if c, ok := m.locks.Load(id); ok {
		c.active.Store(false)
		m.idle.Add(id, c)
	}
}
