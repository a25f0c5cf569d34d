// Package lockmgr implements the distributed lock manager (DLM) that turns
// Java object monitors into cluster wide locks.
//
// Client nodes send lock requests for abstract identifiers: a lock (LockID),
// a node (NodeID) and a thread on that node (ThreadID). The lock manager keeps
// one Lock state machine per LockID and answers asynchronously through a Sink
// supplied by the caller. No operation ever blocks on a lock.
//
// Lock State:
//
//	Every Lock has three disjoint sets of ServerThreadContexts:
//
//	- Holders: contexts that currently hold the lock. READ is shared, WRITE
//	  is exclusive and CONCURRENT never conflicts. There is at most one WRITE
//	  holder and never a READ holder next to it.
//	- Waiters: former WRITE holders that called Wait. A waiter is moved back
//	  to the pending queue when it is notified or its wait times out and has
//	  to re-acquire the lock like any other requester.
//	- Pending: FIFO queue of requests that could not be awarded. Requests are
//	  awarded strictly in arrival order; consecutive READ requests are
//	  awarded together.
//
//	A Lock is created on the first request and dropped as soon as all three
//	sets are empty.
//
// Lock Policy:
//
//	Under PolicyGreedy an uncontended award is a lease for the whole node
//	(holder context (node, ids.VMThreadID)), so that the node's threads can
//	lock locally without a round trip. As soon as another request has to be
//	queued behind a lease, a Recall event is sent to the node (counted as a
//	"hop" in the statistics). The node answers by unlocking with
//	ids.VMThreadID. Under PolicyAltruistic every award belongs to the
//	requesting thread. The policy can be changed at runtime.
//
// Recall Watchdog:
//
//	Recalls are fire-and-forget. To bound how long one unresponsive node can
//	block the cluster, the manager arms a timer.LockTimer deadline
//	(Config.RecallTimeout) when the first request queues behind a lease. If
//	the lease is not given back in time the node is disconnected through the
//	configured NodeDisconnector and all its holds, waits and requests are
//	cleared.
//
// Thread Contexts:
//
//	ServerThreadContexts are cached by (NodeID, ThreadID) in a
//	ContextFactory. Every holder, waiter and pending entry holds a reference;
//	a context is dropped with its last reference. After a complete
//	request/release cycle both LockCount and ContextCount return to zero.
//
// Thread Safety:
//
//	All operations are safe for concurrent use. Each Lock is guarded by its
//	own mutex; unrelated locks never contend. Timer callbacks (wait timeout,
//	try-lock timeout, recall deadline) take the same per-lock mutex and
//	re-check that their entry still exists, so a timer that lost the race
//	against an unlock or notify does nothing.
//
// Errors:
//
//	Usage errors are returned synchronously and never change any state:
//	ErrIllegalMonitorState, ErrUpgradeNotSupported, ErrNotHeld,
//	ErrDuplicateRequest and ErrInvalidLockLevel. Timeouts are not errors,
//	they are reported as events (NotAwarded, WaitTimeout) or handled
//	internally (disconnect).
//
// Usage Example:
//
//	mgr := lockmgr.NewLockManager(lockmgr.DefaultConfig())
//	if err := mgr.Start(); err != nil {
//	    // Handle error
//	}
//	defer mgr.Stop()
//
//	sink := lockmgr.NewQueueSink()
//	defer sink.Close()
//
//	// node 1, thread 7
//	if _, err := mgr.RequestLock("account:42", 1, 7, ids.LevelWrite, sink); err != nil {
//	    // Handle error
//	}
//	award := <-sink.Recv() // the Award event is sent whether or not it was granted right away
//
//	// ... critical section ...
//
//	if award.Greedy {
//	    // node 1 holds a lease, give it back when it is recalled
//	}
//	_ = mgr.Unlock("account:42", 1, 7)
package lockmgr
