package timer

import (
	"errors"
	"fmt"
	"github.com/ValentinKolb/dMon/lib/ids"
	"github.com/juju/clock/testclock"
	"testing"
	"time"
)

func expectAssertion(t *testing.T, f func()) {
	t.Helper()
	defer func() {
		r := recover()
		err, ok := r.(error)
		if !ok || !errors.Is(err, ErrAssertion) {
			t.Errorf("expected panic wrapping ErrAssertion, got %v", r)
		}
	}()
	f()
}

func TestLockTimerExpiry(t *testing.T) {
	clk := testclock.NewClock(epoch)
	expired := make(chan *Deadline, 1)
	lt := NewLockTimer(clk, func(d *Deadline) { expired <- d })
	defer lt.Shutdown()

	ac := AwardContext{LockID: "a", NodeID: 1, Timeout: 5 * time.Second}
	lt.NotifyAddPending(1, ac)
	if !lt.IsScheduled(ac) {
		t.Fatal("expected deadline after first pending request")
	}

	// further pending requests do not re-arm
	lt.NotifyAddPending(2, ac)
	if lt.Outstanding() != 1 {
		t.Errorf("expected 1 deadline, got %d", lt.Outstanding())
	}

	clk.Advance(5 * time.Second)
	select {
	case d := <-expired:
		if d.Context() != ac {
			t.Errorf("expected context %v, got %v", ac, d.Context())
		}
		if !d.Claim() {
			t.Error("expected to claim the expired deadline")
		}
		if d.Claim() {
			t.Error("a deadline can only be claimed once")
		}
	case <-time.After(time.Second):
		t.Fatal("deadline did not expire")
	}
	if lt.IsScheduled(ac) {
		t.Error("claimed deadline must be removed")
	}
}

func TestLockTimerRevoke(t *testing.T) {
	clk := testclock.NewClock(epoch)
	lt := NewLockTimer(clk, func(d *Deadline) { t.Errorf("unexpected expiry of %v", d.Context()) })
	defer lt.Shutdown()

	ac := AwardContext{LockID: "a", NodeID: 1, Timeout: time.Second}
	lt.NotifyAward(3, ac)
	lt.NotifyRevoke(ac)
	if lt.IsScheduled(ac) {
		t.Error("revoked deadline still scheduled")
	}

	clk.Advance(time.Minute)
	time.Sleep(20 * time.Millisecond)

	expectAssertion(t, func() { lt.NotifyRevoke(ac) })
}

func TestLockTimerAwardWithoutPending(t *testing.T) {
	lt := NewLockTimer(testclock.NewClock(epoch), nil)
	defer lt.Shutdown()

	ac := AwardContext{LockID: "a", NodeID: 1, Timeout: time.Second}
	lt.NotifyAward(0, ac)
	if lt.IsScheduled(ac) {
		t.Error("uncontended award must not be bounded")
	}

	// disabled watchdog
	ac.Timeout = 0
	lt.NotifyAward(1, ac)
	if lt.IsScheduled(ac) {
		t.Error("zero timeout must disable the watchdog")
	}
}

func TestLockTimerStaleDeadline(t *testing.T) {
	clk := testclock.NewClock(epoch)
	lt := NewLockTimer(clk, nil)
	defer lt.Shutdown()

	ac := AwardContext{LockID: "a", NodeID: 1, Timeout: time.Second}
	lt.NotifyAward(1, ac)
	lt.mu.Lock()
	first := lt.deadlines[ac.key()]
	lt.mu.Unlock()

	// re-arming replaces the deadline
	lt.NotifyAward(1, ac)
	if first.Claim() {
		t.Error("replaced deadline must not be claimable")
	}
	if lt.Outstanding() != 1 {
		t.Errorf("expected 1 deadline, got %d", lt.Outstanding())
	}
}

func TestLockTimerAssertions(t *testing.T) {
	lt := NewLockTimer(testclock.NewClock(epoch), nil)
	defer lt.Shutdown()
	ac := AwardContext{LockID: "a", NodeID: 1, Timeout: time.Second}

	for i, f := range []func(){
		func() { lt.NotifyAddPending(0, ac) },
		func() { lt.NotifyAddPending(-1, ac) },
		func() { lt.NotifyAward(-1, ac) },
		func() { lt.NotifyRevoke(ac) },
	} {
		t.Run(fmt.Sprintf("case-%d", i), func(t *testing.T) { expectAssertion(t, f) })
	}
}

func TestLockTimerShutdown(t *testing.T) {
	clk := testclock.NewClock(epoch)
	lt := NewLockTimer(clk, func(d *Deadline) { t.Errorf("unexpected expiry after shutdown") })

	for _, id := range []ids.LockID{"a", "b", "c"} {
		lt.NotifyAward(1, AwardContext{LockID: id, NodeID: 1, Timeout: time.Second})
	}
	lt.Shutdown()
	lt.Shutdown()

	clk.Advance(time.Minute)
	time.Sleep(20 * time.Millisecond)
	if lt.Outstanding() != 0 {
		t.Errorf("expected no deadlines after shutdown, got %d", lt.Outstanding())
	}

	// revoke after shutdown is a no-op
	lt.NotifyRevoke(AwardContext{LockID: "a", NodeID: 1})
}
