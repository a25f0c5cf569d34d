package ids

import (
	"encoding/json"
	"fmt"
	"strings"
)

// LockLevel is the mode a lock is requested or held in.
// The values are bit flags and are sent as int32 on the wire.
type LockLevel int32

const (
	LevelNil        LockLevel = 0      // no lock
	LevelRead       LockLevel = 1 << 0 // shared
	LevelWrite      LockLevel = 1 << 1 // exclusive
	LevelConcurrent LockLevel = 1 << 2 // never blocks, never blocked
)

// IsValid reports whether the level can be requested.
func (l LockLevel) IsValid() bool {
	return l == LevelRead || l == LevelWrite || l == LevelConcurrent
}

// IsRead returns true for the shared level
func (l LockLevel) IsRead() bool { return l == LevelRead }

// IsWrite returns true for the exclusive level
func (l LockLevel) IsWrite() bool { return l == LevelWrite }

// IsConcurrent returns true for the concurrent level
func (l LockLevel) IsConcurrent() bool { return l == LevelConcurrent }

// CompatibleWith reports whether a holder at level l may coexist with a
// holder at level other. WRITE excludes READ and WRITE, CONCURRENT excludes nothing.
func (l LockLevel) CompatibleWith(other LockLevel) bool {
	if l.IsConcurrent() || other.IsConcurrent() {
		return true
	}
	return l.IsRead() && other.IsRead()
}

func (l LockLevel) String() string {
	switch l {
	case LevelNil:
		return "nil"
	case LevelRead:
		return "read"
	case LevelWrite:
		return "write"
	case LevelConcurrent:
		return "concurrent"
	default:
		return fmt.Sprintf("unknown(%d)", int32(l))
	}
}

// ParseLockLevel converts the string form back into a LockLevel.
func ParseLockLevel(s string) (LockLevel, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "nil", "":
		return LevelNil, nil
	case "read":
		return LevelRead, nil
	case "write":
		return LevelWrite, nil
	case "concurrent":
		return LevelConcurrent, nil
	default:
		return LevelNil, fmt.Errorf("unknown lock level: %s", s)
	}
}

// MarshalJSON encodes the level as its name.
func (l LockLevel) MarshalJSON() ([]byte, error) {
	return json.Marshal(l.String())
}

// UnmarshalJSON decodes a level from its name.
func (l *LockLevel) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	level, err := ParseLockLevel(s)
	if err != nil {
		return err
	}
	*l = level
	return nil
}
