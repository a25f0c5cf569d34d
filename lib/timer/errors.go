package timer

import "github.com/juju/errors"

const (
	// ErrAssertion marks a violated watchdog invariant (a bug, not a runtime condition)
	ErrAssertion = errors.ConstError("lock timer assertion failed")
	// ErrInvalidSpec is returned for negative or malformed timeouts
	ErrInvalidSpec = errors.ConstError("invalid timer spec")
)
