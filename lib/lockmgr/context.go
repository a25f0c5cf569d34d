package lockmgr

import (
	"fmt"
	"github.com/ValentinKolb/dMon/lib/ids"
	"github.com/puzpuzpuz/xsync/v3"
	"sync/atomic"
)

// ContextKey is the identity of a requester: a thread on a node.
type ContextKey struct {
	NodeID   ids.NodeID
	ThreadID ids.ThreadID
}

func (k ContextKey) String() string {
	return fmt.Sprintf("(%s, %s)", k.NodeID, k.ThreadID)
}

// ServerThreadContext is the server side identity of a requester. There is
// at most one context per ContextKey at any time, so contexts can be
// compared by pointer.
type ServerThreadContext struct {
	key   ContextKey
	epoch uint64       // node epoch at creation, see ContextFactory.IsCurrent
	refs  int          // guarded by the factory map entry
	held  atomic.Int32 // number of locks currently held by this context
}

func (c *ServerThreadContext) Key() ContextKey        { return c.key }
func (c *ServerThreadContext) NodeID() ids.NodeID     { return c.key.NodeID }
func (c *ServerThreadContext) ThreadID() ids.ThreadID { return c.key.ThreadID }

// HeldCount returns the number of locks the context currently holds.
func (c *ServerThreadContext) HeldCount() int {
	return int(c.held.Load())
}

func (c *ServerThreadContext) String() string {
	return "Context" + c.key.String()
}

// --------------------------------------------------------------------------
// Context Factory
// --------------------------------------------------------------------------

// ContextFactory caches ServerThreadContexts by (NodeID, ThreadID).
//
// Entries are reference counted: Acquire and Retain take a reference,
// Release gives it back and the entry is dropped when the last reference is
// gone. Lookups and reclamation of different keys never block each other.
//
// Every node has an epoch that ReleaseNode advances. A context created in an
// earlier epoch belongs to a cleared incarnation of its node and must not
// enter any lock state again.
type ContextFactory struct {
	contexts *xsync.MapOf[ContextKey, *ServerThreadContext]
	epochs   *xsync.MapOf[ids.NodeID, uint64]
}

// NewContextFactory creates an empty context cache.
func NewContextFactory() *ContextFactory {
	return &ContextFactory{
		contexts: xsync.NewMapOf[ContextKey, *ServerThreadContext](),
		epochs:   xsync.NewMapOf[ids.NodeID, uint64](),
	}
}

func (f *ContextFactory) epoch(node ids.NodeID) uint64 {
	e, _ := f.epochs.Load(node)
	return e
}

// IsCurrent reports whether ctx was created after the last ReleaseNode of
// its node.
func (f *ContextFactory) IsCurrent(ctx *ServerThreadContext) bool {
	return ctx.epoch == f.epoch(ctx.NodeID())
}

// Acquire returns the context of (node, thread), creating it if necessary,
// and takes a reference on it.
func (f *ContextFactory) Acquire(node ids.NodeID, thread ids.ThreadID) *ServerThreadContext {
	key := ContextKey{NodeID: node, ThreadID: thread}
	ctx, _ := f.contexts.Compute(key, func(old *ServerThreadContext, loaded bool) (*ServerThreadContext, bool) {
		if !loaded {
			old = &ServerThreadContext{key: key, epoch: f.epoch(node)}
		}
		old.refs++
		return old, false
	})
	return ctx
}

// Retain takes an additional reference on a context the caller already holds
// a reference on. It returns ctx for convenience.
func (f *ContextFactory) Retain(ctx *ServerThreadContext) *ServerThreadContext {
	f.contexts.Compute(ctx.key, func(old *ServerThreadContext, loaded bool) (*ServerThreadContext, bool) {
		if !loaded || old != ctx {
			// swept by ReleaseNode or Clear, re-register
			ctx.refs = 0
			old = ctx
		}
		old.refs++
		return old, false
	})
	return ctx
}

// Release gives back one reference. The context is dropped from the cache
// once its last reference is released.
func (f *ContextFactory) Release(ctx *ServerThreadContext) {
	f.contexts.Compute(ctx.key, func(old *ServerThreadContext, loaded bool) (*ServerThreadContext, bool) {
		if !loaded {
			return old, true
		}
		if old != ctx {
			return old, false
		}
		old.refs--
		return old, old.refs <= 0
	})
}

// Lookup returns the cached context of (node, thread) without taking a
// reference.
func (f *ContextFactory) Lookup(node ids.NodeID, thread ids.ThreadID) (*ServerThreadContext, bool) {
	return f.contexts.Load(ContextKey{NodeID: node, ThreadID: thread})
}

// ReleaseNode invalidates every context of a node and drops them from the
// cache regardless of their references. It returns how many were dropped.
// It is called when a node disconnects.
func (f *ContextFactory) ReleaseNode(node ids.NodeID) int {
	f.epochs.Compute(node, func(old uint64, _ bool) (uint64, bool) {
		return old + 1, false
	})

	var keys []ContextKey
	f.contexts.Range(func(key ContextKey, _ *ServerThreadContext) bool {
		if key.NodeID == node {
			keys = append(keys, key)
		}
		return true
	})

	n := 0
	for _, key := range keys {
		if _, ok := f.contexts.LoadAndDelete(key); ok {
			n++
		}
	}
	return n
}

// Count returns the number of cached contexts.
func (f *ContextFactory) Count() int {
	return f.contexts.Size()
}

// Clear drops all contexts.
func (f *ContextFactory) Clear() {
	f.contexts.Clear()
}
