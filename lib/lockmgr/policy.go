package lockmgr

import (
	"fmt"
	"strings"
)

// LockPolicy selects how locks are awarded.
type LockPolicy int32

const (
	// PolicyGreedy awards a lease to the whole node whenever the lock is
	// uncontended. Threads of that node can then lock locally until the server
	// recalls the lease.
	PolicyGreedy LockPolicy = iota
	// PolicyAltruistic awards every request to the requesting thread only.
	PolicyAltruistic
)

func (p LockPolicy) String() string {
	switch p {
	case PolicyGreedy:
		return "greedy"
	case PolicyAltruistic:
		return "altruistic"
	default:
		return fmt.Sprintf("LockPolicy(%d)", int32(p))
	}
}

// IsValid reports whether p is a known policy.
func (p LockPolicy) IsValid() bool {
	return p == PolicyGreedy || p == PolicyAltruistic
}

// ParseLockPolicy parses "greedy" or "altruistic" (case insensitive).
func ParseLockPolicy(s string) (LockPolicy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "greedy":
		return PolicyGreedy, nil
	case "altruistic":
		return PolicyAltruistic, nil
	default:
		return 0, fmt.Errorf("%w: %q", ErrInvalidPolicy, s)
	}
}
