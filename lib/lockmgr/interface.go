package lockmgr

import (
	"github.com/ValentinKolb/dMon/lib/ids"
	"github.com/ValentinKolb/dMon/lib/lockstats"
	"github.com/ValentinKolb/dMon/lib/timer"
)

// ILockManager defines the interface of the distributed lock manager.
//
// Every operation identifies the requester by (nodeID, threadID). Outbound
// events (awards, recalls, wait timeouts, failed try-locks) are delivered
// through the Sink passed with the request that caused them. No operation
// blocks on a lock: requests that cannot be awarded are queued and answered
// later through the sink.
type ILockManager interface {
	// RequestLock requests the lock at the given level. It returns true if the
	// lock was awarded right away. In both cases an Award event is sent to the
	// sink once the lock is awarded.
	RequestLock(lockID ids.LockID, nodeID ids.NodeID, threadID ids.ThreadID, level ids.LockLevel, sink Sink) (granted bool, err error)

	// TryRequestLock is RequestLock with a timeout. A request that was not
	// awarded in time is withdrawn and answered with a NotAwarded event. A nil
	// or zero spec fails immediately unless a greedy lease has to be recalled.
	TryRequestLock(lockID ids.LockID, nodeID ids.NodeID, threadID ids.ThreadID, level ids.LockLevel, spec *timer.TimerSpec, sink Sink) (granted bool, err error)

	// Unlock releases the hold of the thread. ids.VMThreadID releases every
	// hold of the node on the lock (this is how a node answers a recall).
	Unlock(lockID ids.LockID, nodeID ids.NodeID, threadID ids.ThreadID) error

	// Wait releases the WRITE hold of the thread and suspends it until it is
	// notified or the spec expires (nil = forever). The thread then re-contends
	// for the lock and receives an Award event once it holds it again.
	Wait(lockID ids.LockID, nodeID ids.NodeID, threadID ids.ThreadID, spec *timer.TimerSpec, sink Sink) error

	// Notify wakes one (or all) waiters of the lock. The caller must be the
	// WRITE holder. It returns the notified contexts.
	Notify(lockID ids.LockID, nodeID ids.NodeID, threadID ids.ThreadID, all bool) ([]ContextKey, error)

	// ClearNode drops all holds, waiters and queued requests of a node and all
	// of its thread contexts. It is called when the node disconnected.
	ClearNode(nodeID ids.NodeID) error

	// SetPolicy changes the lock policy for all future awards.
	SetPolicy(policy LockPolicy)
	Policy() LockPolicy

	// Start starts the timer services and resets the statistics.
	Start() error
	// Stop discards all lock state. No timer fires after Stop returns.
	// Stop is idempotent.
	Stop()
	IsRunning() bool

	// LockCount returns the number of locks with holders, waiters or pending requests.
	LockCount() int
	// ContextCount returns the number of cached thread contexts.
	ContextCount() int

	// GetLock returns the live state of a lock.
	GetLock(lockID ids.LockID) (*Lock, bool)
	// Snapshot returns a point-in-time snapshot of a lock.
	Snapshot(lockID ids.LockID) (GlobalLockInfo, bool)
	// Snapshots returns snapshots of all locks ordered by lock ID.
	Snapshots() []GlobalLockInfo

	// Stats returns the statistics manager.
	Stats() *lockstats.Manager
	// SetLockStatisticsEnabled turns statistics collection on or off. When it
	// is turned on the pending gauges are refreshed from the live queues;
	// all other counters resume from where they were frozen.
	SetLockStatisticsEnabled(enabled bool)
}

// NodeDisconnector forcibly closes the connection of a node that did not
// answer a recall in time. DisconnectNode must not call back into the lock
// manager.
type NodeDisconnector interface {
	DisconnectNode(nodeID ids.NodeID)
}

// DisconnectFunc adapts a function to the NodeDisconnector interface.
type DisconnectFunc func(nodeID ids.NodeID)

func (f DisconnectFunc) DisconnectNode(nodeID ids.NodeID) {
	f(nodeID)
}
