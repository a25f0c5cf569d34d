package timer

import (
	"fmt"
	"sync"
	"time"
)

// Signature describes which arguments a TimerSpec was created with.
type Signature uint8

const (
	SigNoArgs      Signature = iota // wait() - infinite
	SigMillis                       // wait(millis)
	SigMillisNanos                  // wait(millis, nanos)
)

func (s Signature) String() string {
	switch s {
	case SigNoArgs:
		return "no-args"
	case SigMillis:
		return "millis"
	case SigMillisNanos:
		return "millis+nanos"
	default:
		return "unknown"
	}
}

// TimerSpec is the timeout argument of a timed wait or a timed lock request.
// It is mutable: cancelling a scheduled timer subtracts the elapsed time.
type TimerSpec struct {
	mu     sync.Mutex
	sig    Signature
	millis int64
	nanos  int32
}

// NoTimeout returns a spec for an infinite wait.
func NoTimeout() *TimerSpec {
	return &TimerSpec{sig: SigNoArgs}
}

// NewMillis returns a spec for a wait of the given milliseconds (0 = infinite).
func NewMillis(millis int64) *TimerSpec {
	return &TimerSpec{sig: SigMillis, millis: millis}
}

// NewMillisNanos returns a spec for a wait of millis plus nanos (both 0 = infinite).
func NewMillisNanos(millis int64, nanos int32) *TimerSpec {
	return &TimerSpec{sig: SigMillisNanos, millis: millis, nanos: nanos}
}

// NewSpec builds a spec from its wire form.
func NewSpec(sig Signature, millis int64, nanos int32) *TimerSpec {
	switch sig {
	case SigMillis:
		return NewMillis(millis)
	case SigMillisNanos:
		return NewMillisNanos(millis, nanos)
	default:
		return NoTimeout()
	}
}

// Validate rejects negative durations and out of range nanos.
func (s *TimerSpec) Validate() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.millis < 0 {
		return fmt.Errorf("%w: negative timeout %d ms", ErrInvalidSpec, s.millis)
	}
	if s.nanos < 0 || s.nanos > 999999 {
		return fmt.Errorf("%w: nanos %d out of range [0, 999999]", ErrInvalidSpec, s.nanos)
	}
	return nil
}

// Signature returns the argument form of the spec.
func (s *TimerSpec) Signature() Signature {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sig
}

// Millis returns the remaining milliseconds.
func (s *TimerSpec) Millis() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.millis
}

// Nanos returns the remaining sub-millisecond nanos.
func (s *TimerSpec) Nanos() int32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.nanos
}

// NeedsToWait reports whether the spec describes a bounded wait, i.e.
// whether a timer has to be scheduled for it.
func (s *TimerSpec) NeedsToWait() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.needsToWait()
}

func (s *TimerSpec) needsToWait() bool {
	switch s.sig {
	case SigMillis:
		return s.millis > 0
	case SigMillisNanos:
		return s.millis > 0 || s.nanos > 0
	default:
		return false
	}
}

// Delay returns the timer delay. Sub-millisecond nanos round up to one
// additional millisecond. An infinite spec returns 0.
func (s *TimerSpec) Delay() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.delay()
}

func (s *TimerSpec) delay() time.Duration {
	if !s.needsToWait() {
		return 0
	}
	d := time.Duration(s.millis) * time.Millisecond
	if s.sig == SigMillisNanos && s.nanos > 0 {
		d += time.Millisecond
	}
	return d
}

// Adjust subtracts the elapsed wait from a bounded spec. The remaining time
// is rounded up to whole milliseconds and never drops below 1ms, since a
// zero spec would mean an infinite wait.
func (s *TimerSpec) Adjust(elapsed time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.needsToWait() || elapsed <= 0 {
		return
	}
	remaining := s.delay() - elapsed
	millis := int64((remaining + time.Millisecond - 1) / time.Millisecond)
	if millis < 1 {
		millis = 1
	}
	s.millis = millis
	s.nanos = 0
}

func (s *TimerSpec) String() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch s.sig {
	case SigMillis:
		return fmt.Sprintf("TimerSpec{%d ms}", s.millis)
	case SigMillisNanos:
		return fmt.Sprintf("TimerSpec{%d ms, %d ns}", s.millis, s.nanos)
	default:
		return "TimerSpec{infinite}"
	}
}
