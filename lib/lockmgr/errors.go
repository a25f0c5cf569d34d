package lockmgr

import (
	"github.com/juju/errors"
)

const (
	// ErrIllegalMonitorState is returned when wait() or notify() is called by
	// a context that is not the WRITE holder of the lock, on a lock nobody
	// holds, or by a context that is already waiting.
	ErrIllegalMonitorState = errors.ConstError("illegal monitor state")

	// ErrUpgradeNotSupported is returned when a READ holder requests WRITE on
	// the same lock. The READ hold is left intact.
	ErrUpgradeNotSupported = errors.ConstError("lock upgrade not supported")

	// ErrNotHeld is returned by Unlock for a context that holds nothing.
	ErrNotHeld = errors.ConstError("lock not held")

	// ErrDuplicateRequest is returned when a context that already holds, waits
	// on or is queued for a lock requests it again.
	ErrDuplicateRequest = errors.ConstError("duplicate lock request")

	// ErrNodeDisconnected is returned for a request of a thread context that
	// was invalidated by ClearNode while the request was in flight.
	ErrNodeDisconnected = errors.ConstError("node disconnected")

	// ErrNullThread is returned for requests that carry ids.NullThreadID.
	ErrNullThread = errors.ConstError("request without thread")

	ErrInvalidLockLevel = errors.ConstError("invalid lock level")
	ErrInvalidPolicy    = errors.ConstError("invalid lock policy")

	// ErrNotRunning is returned by every operation outside Start..Stop.
	ErrNotRunning = errors.ConstError("lock manager not running")

	ErrMalformedSnapshot = errors.ConstError("malformed lock snapshot")
)
