package ids

import (
	"encoding/json"
	"testing"
)

// TestLevelCompatibility checks the READ/WRITE/CONCURRENT matrix
func TestLevelCompatibility(t *testing.T) {
	testCases := []struct {
		a, b     LockLevel
		expected bool
	}{
		{LevelRead, LevelRead, true},
		{LevelRead, LevelWrite, false},
		{LevelWrite, LevelRead, false},
		{LevelWrite, LevelWrite, false},
		{LevelConcurrent, LevelWrite, true},
		{LevelWrite, LevelConcurrent, true},
		{LevelConcurrent, LevelRead, true},
		{LevelConcurrent, LevelConcurrent, true},
	}

	for _, tc := range testCases {
		if got := tc.a.CompatibleWith(tc.b); got != tc.expected {
			t.Errorf("%s compatible with %s: expected %v, got %v", tc.a, tc.b, tc.expected, got)
		}
	}
}

// TestLevelValidity checks that only requestable levels are valid
func TestLevelValidity(t *testing.T) {
	if LevelNil.IsValid() {
		t.Error("nil level must not be valid")
	}
	if LockLevel(3).IsValid() {
		t.Error("combined flags must not be valid")
	}
	for _, l := range []LockLevel{LevelRead, LevelWrite, LevelConcurrent} {
		if !l.IsValid() {
			t.Errorf("%s should be valid", l)
		}
	}
}

// TestLevelJSON checks that levels travel as names
func TestLevelJSON(t *testing.T) {
	for _, l := range []LockLevel{LevelNil, LevelRead, LevelWrite, LevelConcurrent} {
		data, err := json.Marshal(l)
		if err != nil {
			t.Fatalf("Failed to marshal %s: %v", l, err)
		}
		var result LockLevel
		if err := json.Unmarshal(data, &result); err != nil {
			t.Fatalf("Failed to unmarshal %s: %v", data, err)
		}
		if result != l {
			t.Errorf("Expected %s, got %s", l, result)
		}
	}

	var l LockLevel
	if err := json.Unmarshal([]byte(`"upgrade"`), &l); err == nil {
		t.Error("Expected error for unknown level")
	}
}

// TestThreadIDSentinels checks the string form of the sentinels
func TestThreadIDSentinels(t *testing.T) {
	if !VMThreadID.IsVM() {
		t.Error("VMThreadID should report IsVM")
	}
	if ThreadID(7).IsVM() {
		t.Error("regular thread must not report IsVM")
	}
	if VMThreadID.String() != "Thread(vm)" {
		t.Errorf("unexpected string %q", VMThreadID.String())
	}
	if ThreadID(7).String() != "Thread(7)" {
		t.Errorf("unexpected string %q", ThreadID(7).String())
	}
	if NodeID(3).String() != "Node(3)" {
		t.Errorf("unexpected string %q", NodeID(3).String())
	}
}
