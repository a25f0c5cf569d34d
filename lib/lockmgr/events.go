package lockmgr

import (
	"fmt"
	"github.com/ValentinKolb/dMon/lib/ids"
	"github.com/ValentinKolb/dMon/lib/util"
)

// ResponseType is the kind of an outbound lock event.
type ResponseType uint8

const (
	// ResponseAward tells a thread that it was granted the lock.
	ResponseAward ResponseType = iota + 1
	// ResponseRecall asks a node to give back its greedy lease.
	ResponseRecall
	// ResponseWaitTimeout tells a thread that its timed wait expired. The
	// thread re-contends for the lock and receives an award later.
	ResponseWaitTimeout
	// ResponseNotAwarded tells a thread that its try-lock failed.
	ResponseNotAwarded
)

func (t ResponseType) String() string {
	switch t {
	case ResponseAward:
		return "award"
	case ResponseRecall:
		return "recall"
	case ResponseWaitTimeout:
		return "waitTimeout"
	case ResponseNotAwarded:
		return "notAwarded"
	default:
		return fmt.Sprintf("ResponseType(%d)", uint8(t))
	}
}

// LockResponse is an outbound event for a node.
type LockResponse struct {
	Type     ResponseType
	LockID   ids.LockID
	NodeID   ids.NodeID
	ThreadID ids.ThreadID
	Level    ids.LockLevel
	Greedy   bool
}

func (r *LockResponse) String() string {
	return fmt.Sprintf("%s{%s, %s, %s, %s, greedy=%v}", r.Type, r.LockID, r.NodeID, r.ThreadID, r.Level, r.Greedy)
}

// Sink receives outbound lock events. Put is called while the per-lock
// exclusion is held and must not block.
type Sink interface {
	// Put hands over an event and reports whether it was accepted.
	Put(resp *LockResponse) bool
}

// SinkFunc adapts a function to the Sink interface.
type SinkFunc func(resp *LockResponse) bool

func (f SinkFunc) Put(resp *LockResponse) bool {
	return f(resp)
}

// NopSink drops every event.
var NopSink Sink = SinkFunc(func(*LockResponse) bool { return false })

// QueueSink buffers events in an unbounded queue so that a (possibly slow)
// consumer can read them from a channel.
type QueueSink struct {
	queue *util.Queue[*LockResponse]
}

// NewQueueSink creates a sink and its delivery goroutine. Close must be
// called to stop the goroutine.
func NewQueueSink() *QueueSink {
	return &QueueSink{queue: util.NewQueue[*LockResponse]()}
}

func (s *QueueSink) Put(resp *LockResponse) bool {
	return s.queue.Push(resp)
}

// Recv returns the channel events are delivered on, in Put order.
func (s *QueueSink) Recv() <-chan *LockResponse {
	return s.queue.Recv()
}

// Close stops accepting events; buffered events are still delivered.
func (s *QueueSink) Close() {
	s.queue.Close()
}
