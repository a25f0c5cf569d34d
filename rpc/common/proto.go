package common

import (
	"encoding/json"
	"fmt"
	"github.com/ValentinKolb/dMon/lib/ids"
	"github.com/ValentinKolb/dMon/lib/timer"
)

// --------------------------------------------------------------------------
// Message Structure
// --------------------------------------------------------------------------

// Message represents a single message used for requests, responses and
// the events the lock manager sends back to a node.
// Which fields are used depends on the type of message.
type Message struct {
	// Type of message
	MsgType MessageType `json:"msg_type"`

	// Lock addressing
	LockID   ids.LockID    `json:"lock_id,omitempty"`   // Used for: all lock requests and events
	NodeID   ids.NodeID    `json:"node_id,omitempty"`   // Set by the server on events
	ThreadID ids.ThreadID  `json:"thread_id,omitempty"` // Used for: all requests, Award, WaitTimeout, NotAwarded
	Level    ids.LockLevel `json:"level,omitempty"`     // Used for: Lock, TryLock, Award, Recall, NotAwarded

	// Timer arguments, see timer.NewSpec
	TimerSig timer.Signature `json:"timer_sig,omitempty"` // Used for: TryLock, Wait
	Millis   int64           `json:"millis,omitempty"`    // Used for: TryLock, Wait
	Nanos    int32           `json:"nanos,omitempty"`     // Used for: TryLock, Wait

	// Flags
	All    bool `json:"all,omitempty"`    // Used for: Notify (notifyAll)
	Greedy bool `json:"greedy,omitempty"` // Used for: Award events

	// Response only fields
	Ok  bool   `json:"ok,omitempty"`  // Used for: Lock, TryLock, Query responses
	Err string `json:"err,omitempty"` // Empty if no error, otherwise contains the error message

	// Meta information
	Meta []byte `json:"meta,omitempty"` // Used for: Query (binary GlobalLockInfo), Notify (count)
}

// TimerSpec rebuilds the timer spec carried by a TryLock or Wait request.
func (m *Message) TimerSpec() *timer.TimerSpec {
	return timer.NewSpec(m.TimerSig, m.Millis, m.Nanos)
}

// setTimer copies a timer spec into the message. A nil spec is sent as an
// infinite wait.
func (m *Message) setTimer(spec *timer.TimerSpec) {
	if spec == nil {
		return
	}
	m.TimerSig = spec.Signature()
	m.Millis = spec.Millis()
	m.Nanos = spec.Nanos()
}

// IsEvent reports whether the message is an asynchronous lock manager event.
func (m *Message) IsEvent() bool {
	switch m.MsgType {
	case MsgTAward, MsgTRecall, MsgTWaitTimeout, MsgTNotAwarded:
		return true
	default:
		return false
	}
}

// --------------------------------------------------------------------------
// Message Factory Functions
// --------------------------------------------------------------------------

// NewLockRequest creates a new Lock request
func NewLockRequest(lockID ids.LockID, threadID ids.ThreadID, level ids.LockLevel) *Message {
	return &Message{
		MsgType:  MsgTLock,
		LockID:   lockID,
		ThreadID: threadID,
		Level:    level,
	}
}

// NewLockResponse creates a new Lock response
func NewLockResponse(granted bool, err error) *Message {
	msg := &Message{
		MsgType: MsgTLock,
		Ok:      granted,
	}
	if err != nil {
		msg.Err = err.Error()
	}
	return msg
}

// NewTryLockRequest creates a new TryLock request
func NewTryLockRequest(lockID ids.LockID, threadID ids.ThreadID, level ids.LockLevel, spec *timer.TimerSpec) *Message {
	msg := &Message{
		MsgType:  MsgTTryLock,
		LockID:   lockID,
		ThreadID: threadID,
		Level:    level,
	}
	msg.setTimer(spec)
	return msg
}

// NewTryLockResponse creates a new TryLock response
func NewTryLockResponse(granted bool, err error) *Message {
	msg := &Message{
		MsgType: MsgTTryLock,
		Ok:      granted,
	}
	if err != nil {
		msg.Err = err.Error()
	}
	return msg
}

// NewUnlockRequest creates a new Unlock request. Use ids.VMThreadID to give
// back a greedy lease.
func NewUnlockRequest(lockID ids.LockID, threadID ids.ThreadID) *Message {
	return &Message{
		MsgType:  MsgTUnlock,
		LockID:   lockID,
		ThreadID: threadID,
	}
}

// NewUnlockResponse creates a new Unlock response
func NewUnlockResponse(err error) *Message {
	msg := &Message{
		MsgType: MsgTUnlock,
	}
	if err != nil {
		msg.Err = err.Error()
	}
	return msg
}

// NewWaitRequest creates a new Wait request
func NewWaitRequest(lockID ids.LockID, threadID ids.ThreadID, spec *timer.TimerSpec) *Message {
	msg := &Message{
		MsgType:  MsgTWait,
		LockID:   lockID,
		ThreadID: threadID,
	}
	msg.setTimer(spec)
	return msg
}

// NewWaitResponse creates a new Wait response
func NewWaitResponse(err error) *Message {
	msg := &Message{
		MsgType: MsgTWait,
	}
	if err != nil {
		msg.Err = err.Error()
	}
	return msg
}

// NewNotifyRequest creates a new Notify request. all selects notifyAll.
func NewNotifyRequest(lockID ids.LockID, threadID ids.ThreadID, all bool) *Message {
	return &Message{
		MsgType:  MsgTNotify,
		LockID:   lockID,
		ThreadID: threadID,
		All:      all,
	}
}

// NewNotifyResponse creates a new Notify response. Meta holds the number of
// notified waiters as a decimal string.
func NewNotifyResponse(notified int, err error) *Message {
	msg := &Message{
		MsgType: MsgTNotify,
		Meta:    []byte(fmt.Sprintf("%d", notified)),
	}
	if err != nil {
		msg.Err = err.Error()
		msg.Meta = nil
	}
	return msg
}

// NewQueryRequest creates a new Query request
func NewQueryRequest(lockID ids.LockID) *Message {
	return &Message{
		MsgType: MsgTQuery,
		LockID:  lockID,
	}
}

// NewQueryResponse creates a new Query response. info is the binary
// encoded lock snapshot, ok is false if the lock does not exist.
func NewQueryResponse(info []byte, ok bool, err error) *Message {
	msg := &Message{
		MsgType: MsgTQuery,
		Ok:      ok,
		Meta:    info,
	}
	if err != nil {
		msg.Err = err.Error()
	}
	return msg
}

// NewAwardEvent creates a new Award event
func NewAwardEvent(lockID ids.LockID, nodeID ids.NodeID, threadID ids.ThreadID, level ids.LockLevel, greedy bool) *Message {
	return &Message{
		MsgType:  MsgTAward,
		LockID:   lockID,
		NodeID:   nodeID,
		ThreadID: threadID,
		Level:    level,
		Greedy:   greedy,
	}
}

// NewRecallEvent creates a new Recall event
func NewRecallEvent(lockID ids.LockID, nodeID ids.NodeID, level ids.LockLevel) *Message {
	return &Message{
		MsgType:  MsgTRecall,
		LockID:   lockID,
		NodeID:   nodeID,
		ThreadID: ids.VMThreadID,
		Level:    level,
	}
}

// NewWaitTimeoutEvent creates a new WaitTimeout event
func NewWaitTimeoutEvent(lockID ids.LockID, nodeID ids.NodeID, threadID ids.ThreadID) *Message {
	return &Message{
		MsgType:  MsgTWaitTimeout,
		LockID:   lockID,
		NodeID:   nodeID,
		ThreadID: threadID,
	}
}

// NewNotAwardedEvent creates a new NotAwarded event
func NewNotAwardedEvent(lockID ids.LockID, nodeID ids.NodeID, threadID ids.ThreadID, level ids.LockLevel) *Message {
	return &Message{
		MsgType:  MsgTNotAwarded,
		LockID:   lockID,
		NodeID:   nodeID,
		ThreadID: threadID,
		Level:    level,
	}
}

// NewSuccessResponse creates a new Success response
func NewSuccessResponse() *Message {
	return &Message{
		MsgType: MsgTSuccess,
	}
}

// NewErrorResponse creates a new Error response
func NewErrorResponse(err string) *Message {
	return &Message{
		MsgType: MsgTError,
		Err:     err,
	}
}

// --------------------------------------------------------------------------
// Message Type Definition
// --------------------------------------------------------------------------

// MessageType defines the type of message used in RPC communication.
type MessageType uint8

var messageTypeNames = map[MessageType]string{
	MsgTSuccess:     "success",
	MsgTError:       "error",
	MsgTLock:        "lock",
	MsgTTryLock:     "tryLock",
	MsgTUnlock:      "unlock",
	MsgTWait:        "wait",
	MsgTNotify:      "notify",
	MsgTQuery:       "query",
	MsgTAward:       "award",
	MsgTRecall:      "recall",
	MsgTWaitTimeout: "waitTimeout",
	MsgTNotAwarded:  "notAwarded",
}

// String returns the string representation of a MessageType.
func (t MessageType) String() string {
	if name, ok := messageTypeNames[t]; ok {
		return name
	}
	return "unknown"
}

// MarshalJSON implements the json.Marshaller interface for MessageType.
// This allows MessageType to be serialized as a string in JSON.
func (t MessageType) MarshalJSON() ([]byte, error) {
	return json.Marshal(t.String())
}

// UnmarshalJSON implements the json.Unmarshaler interface for MessageType.
// This allows MessageType to be deserialized from a string in JSON.
func (t *MessageType) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}

	// Convert string back to MessageType
	for msgType, name := range messageTypeNames {
		if name == s {
			*t = msgType
			return nil
		}
	}
	return fmt.Errorf("unknown message type: %s", s)
}

// --------------------------------------------------------------------------
// Message Type Constants
// --------------------------------------------------------------------------

const (
	// General message types

	MsgTUnknown MessageType = iota
	MsgTSuccess             // Indicates a successful operation
	MsgTError               // Indicates an error occurred

	// Lock manager requests (node -> server)

	MsgTLock    // Request a lock, blocking semantics
	MsgTTryLock // Request a lock, optionally bounded by a timer
	MsgTUnlock  // Release a hold (or a greedy lease)
	MsgTWait    // Object.wait() on a held lock
	MsgTNotify  // Object.notify() / notifyAll()
	MsgTQuery   // Fetch a lock snapshot

	// Lock manager events (server -> node)

	MsgTAward       // The lock was awarded
	MsgTRecall      // A greedy lease has to be given back
	MsgTWaitTimeout // A timed wait expired
	MsgTNotAwarded  // A try-lock failed
)
