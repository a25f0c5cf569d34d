package ids

import (
	"fmt"
	"math"
)

// --------------------------------------------------------------------------
// Lock ID
// --------------------------------------------------------------------------

// LockID identifies a clustered monitor across the whole cluster.
type LockID string

func (id LockID) String() string {
	return "Lock(" + string(id) + ")"
}

// --------------------------------------------------------------------------
// Node ID
// --------------------------------------------------------------------------

// NodeID identifies a cluster member (one client connection).
type NodeID uint64

func (id NodeID) String() string {
	return fmt.Sprintf("Node(%d)", uint64(id))
}

// --------------------------------------------------------------------------
// Thread ID
// --------------------------------------------------------------------------

// ThreadID identifies a logical requester thread on a node.
type ThreadID int64

const (
	// VMThreadID means "this node, no specific thread"
	VMThreadID ThreadID = math.MinInt64
	// NullThreadID is the absent thread
	NullThreadID ThreadID = -1
)

// IsVM returns true for the node level sentinel.
func (id ThreadID) IsVM() bool {
	return id == VMThreadID
}

func (id ThreadID) String() string {
	switch id {
	case VMThreadID:
		return "Thread(vm)"
	case NullThreadID:
		return "Thread(null)"
	default:
		return fmt.Sprintf("Thread(%d)", int64(id))
	}
}
