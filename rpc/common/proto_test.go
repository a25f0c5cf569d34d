package common

import (
	"encoding/json"
	"errors"
	"github.com/ValentinKolb/dMon/lib/ids"
	"strings"
	"testing"
	"time"
)

func TestMessageTypeJSON(t *testing.T) {
	for msgType := MsgTSuccess; msgType <= MsgTNotAwarded; msgType++ {
		data, err := json.Marshal(msgType)
		if err != nil {
			t.Fatalf("marshal %d: %v", msgType, err)
		}
		if string(data) != `"`+msgType.String()+`"` {
			t.Errorf("expected name of %d, got %s", msgType, data)
		}

		var back MessageType
		if err := json.Unmarshal(data, &back); err != nil {
			t.Fatalf("unmarshal %s: %v", data, err)
		}
		if back != msgType {
			t.Errorf("expected %s, got %s", msgType, back)
		}
	}

	var mt MessageType
	if err := json.Unmarshal([]byte(`"bogus"`), &mt); err == nil {
		t.Errorf("expected error for unknown type")
	}
	if MessageType(200).String() != "unknown" {
		t.Errorf("expected unknown name")
	}
}

func TestIsEvent(t *testing.T) {
	events := map[MessageType]bool{
		MsgTAward:       true,
		MsgTRecall:      true,
		MsgTWaitTimeout: true,
		MsgTNotAwarded:  true,
		MsgTLock:        false,
		MsgTUnlock:      false,
		MsgTQuery:       false,
		MsgTError:       false,
	}
	for msgType, want := range events {
		msg := Message{MsgType: msgType}
		if msg.IsEvent() != want {
			t.Errorf("%s: expected IsEvent %v", msgType, want)
		}
	}
}

func TestResponses(t *testing.T) {
	resp := NewLockResponse(false, errors.New("boom"))
	if resp.Ok || resp.Err != "boom" {
		t.Errorf("unexpected lock response %+v", resp)
	}

	resp = NewNotifyResponse(3, nil)
	if string(resp.Meta) != "3" || resp.Err != "" {
		t.Errorf("unexpected notify response %+v", resp)
	}
	resp = NewNotifyResponse(3, errors.New("not owner"))
	if resp.Meta != nil {
		t.Errorf("expected no count on error")
	}

	recall := NewRecallEvent("l", 4, ids.LevelWrite)
	if !recall.ThreadID.IsVM() || !recall.IsEvent() {
		t.Errorf("recall must address the node, got %+v", recall)
	}
}

func TestConfigString(t *testing.T) {
	cfg := DefaultServerConfig()
	cfg.RecallTimeout = 3 * time.Second
	out := cfg.String()
	for _, want := range []string{"LOCK MANAGER", "greedy", "3s", "binary", "info"} {
		if !strings.Contains(out, want) {
			t.Errorf("expected %q in config output:\n%s", want, out)
		}
	}

	sim := SimulationConfig{Nodes: 2, Threads: 4, Locks: 8, Ops: 100, ReadRatio: 0.25}
	if !strings.Contains(sim.String(), "0.25") {
		t.Errorf("expected read ratio in output:\n%s", sim.String())
	}
}

func TestParseLogLevel(t *testing.T) {
	for _, level := range []string{"debug", "INFO", "warn", "warning", "error"} {
		if _, err := ParseLogLevel(level); err != nil {
			t.Errorf("%s: unexpected error %v", level, err)
		}
	}
	if _, err := ParseLogLevel("loud"); err == nil {
		t.Errorf("expected error for invalid level")
	}
	if err := InitLoggers(ServerConfig{LogLevel: "loud"}); err == nil {
		t.Errorf("expected InitLoggers to reject invalid level")
	}
}
