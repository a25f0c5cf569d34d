package server

import (
	"errors"
	"github.com/ValentinKolb/dMon/lib/ids"
	"github.com/ValentinKolb/dMon/lib/lockmgr"
	"github.com/ValentinKolb/dMon/lib/timer"
	"github.com/ValentinKolb/dMon/rpc/common"
	"github.com/ValentinKolb/dMon/rpc/serializer"
	"github.com/juju/clock/testclock"
	"go.uber.org/goleak"
	"strings"
	"sync"
	"testing"
	"time"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

var epoch = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

const lockA = ids.LockID("account-1")

// --------------------------------------------------------------------------
// Test helpers
// --------------------------------------------------------------------------

type testServer struct {
	ILockServer
	t     *testing.T
	ser   serializer.IRPCSerializer
	clock *testclock.Clock

	mu    sync.Mutex
	nodes []*testNode
}

// newTestServer creates and starts a server on a test clock. All event
// channels are drained after the server is stopped.
func newTestServer(t *testing.T, policy string, recallTimeout time.Duration) *testServer {
	t.Helper()
	cfg := common.DefaultServerConfig()
	cfg.Policy = policy
	cfg.RecallTimeout = recallTimeout

	clk := testclock.NewClock(epoch)
	ser := serializer.NewBinarySerializer()
	srv, err := NewLockServer(cfg, ser, clk)
	if err != nil {
		t.Fatalf("NewLockServer failed: %v", err)
	}
	if err := srv.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	ts := &testServer{ILockServer: srv, t: t, ser: ser, clock: clk}
	t.Cleanup(func() {
		ts.Stop()
		ts.mu.Lock()
		defer ts.mu.Unlock()
		for _, n := range ts.nodes {
			for range n.events {
			}
		}
	})
	return ts
}

type testNode struct {
	srv    *testServer
	id     ids.NodeID
	events <-chan []byte
}

func (ts *testServer) connect(id ids.NodeID) *testNode {
	ts.t.Helper()
	events, err := ts.Connect(id)
	if err != nil {
		ts.t.Fatalf("Connect(%d) failed: %v", id, err)
	}
	n := &testNode{srv: ts, id: id, events: events}
	ts.mu.Lock()
	ts.nodes = append(ts.nodes, n)
	ts.mu.Unlock()
	return n
}

// call sends a request through the wire format and decodes the response
func (n *testNode) call(req *common.Message) common.Message {
	n.srv.t.Helper()
	data, err := n.srv.ser.Serialize(*req)
	if err != nil {
		n.srv.t.Fatalf("serialize request: %v", err)
	}
	var resp common.Message
	if err := n.srv.ser.Deserialize(n.srv.Handle(n.id, data), &resp); err != nil {
		n.srv.t.Fatalf("deserialize response: %v", err)
	}
	return resp
}

// next returns the next event of the node
func (n *testNode) next() common.Message {
	n.srv.t.Helper()
	select {
	case data, ok := <-n.events:
		if !ok {
			n.srv.t.Fatalf("event channel of node %d closed", n.id)
		}
		var msg common.Message
		if err := n.srv.ser.Deserialize(data, &msg); err != nil {
			n.srv.t.Fatalf("deserialize event: %v", err)
		}
		return msg
	case <-time.After(2 * time.Second):
		n.srv.t.Fatalf("timeout waiting for an event of node %d", n.id)
	}
	return common.Message{}
}

// expect reads the next event and checks its type and thread
func (n *testNode) expect(msgType common.MessageType, thread ids.ThreadID) common.Message {
	n.srv.t.Helper()
	msg := n.next()
	if msg.MsgType != msgType || msg.ThreadID != thread || msg.LockID != lockA {
		n.srv.t.Fatalf("node %d: expected %s for thread %s, got %+v", n.id, msgType, thread, msg)
	}
	if msg.NodeID != n.id {
		n.srv.t.Errorf("node %d: event addressed to node %d", n.id, msg.NodeID)
	}
	return msg
}

// expectClosed waits until the event channel is closed
func (n *testNode) expectClosed() {
	n.srv.t.Helper()
	timeout := time.After(2 * time.Second)
	for {
		select {
		case _, ok := <-n.events:
			if !ok {
				return
			}
		case <-timeout:
			n.srv.t.Fatalf("event channel of node %d not closed", n.id)
		}
	}
}

// --------------------------------------------------------------------------
// Tests
// --------------------------------------------------------------------------

func TestLockAwardAndUnlock(t *testing.T) {
	ts := newTestServer(t, "greedy", 0)
	n := ts.connect(1)

	resp := n.call(common.NewLockRequest(lockA, 10, ids.LevelWrite))
	if resp.MsgType != common.MsgTLock || !resp.Ok || resp.Err != "" {
		t.Fatalf("expected granted lock response, got %+v", resp)
	}
	award := n.expect(common.MsgTAward, 10)
	if !award.Greedy || award.Level != ids.LevelWrite {
		t.Errorf("expected greedy write award, got %+v", award)
	}

	resp = n.call(common.NewUnlockRequest(lockA, ids.VMThreadID))
	if resp.Err != "" {
		t.Fatalf("unlock failed: %s", resp.Err)
	}
	if ts.Manager().LockCount() != 0 {
		t.Errorf("expected lock to be removed, %d left", ts.Manager().LockCount())
	}

	// a second unlock is an error reported in the response
	resp = n.call(common.NewUnlockRequest(lockA, 10))
	if !strings.Contains(resp.Err, lockmgr.ErrNotHeld.Error()) {
		t.Errorf("expected not held error, got %q", resp.Err)
	}
}

func TestRecallThroughServer(t *testing.T) {
	ts := newTestServer(t, "greedy", 0)
	n1 := ts.connect(1)
	n2 := ts.connect(2)

	n1.call(common.NewLockRequest(lockA, 10, ids.LevelWrite))
	n1.expect(common.MsgTAward, 10)

	resp := n2.call(common.NewLockRequest(lockA, 20, ids.LevelWrite))
	if resp.Ok || resp.Err != "" {
		t.Fatalf("expected queued request, got %+v", resp)
	}
	recall := n1.expect(common.MsgTRecall, ids.VMThreadID)
	if recall.Level != ids.LevelWrite {
		t.Errorf("expected write recall, got %s", recall.Level)
	}

	// snapshot while the request is pending
	resp = n2.call(common.NewQueryRequest(lockA))
	if !resp.Ok {
		t.Fatalf("expected snapshot, got %+v", resp)
	}
	var info lockmgr.GlobalLockInfo
	if err := info.UnmarshalBinary(resp.Meta); err != nil {
		t.Fatalf("decode snapshot: %v", err)
	}
	if info.RequestQueueLength != 1 || len(info.GreedyHolders) != 1 || info.GreedyHolders[0].NodeID != 1 {
		t.Errorf("unexpected snapshot %+v", info)
	}

	// node 1 gives the lease back
	if resp := n1.call(common.NewUnlockRequest(lockA, ids.VMThreadID)); resp.Err != "" {
		t.Fatalf("unlock failed: %s", resp.Err)
	}
	n2.expect(common.MsgTAward, 20)

	stat, ok := ts.Manager().Stats().Stat(lockA)
	if !ok || stat.Hops != 1 {
		t.Errorf("expected one hop, got %+v", stat)
	}
}

func TestWaitNotifyThroughServer(t *testing.T) {
	ts := newTestServer(t, "altruistic", 0)
	n1 := ts.connect(1)
	n2 := ts.connect(2)

	n1.call(common.NewLockRequest(lockA, 10, ids.LevelWrite))
	n1.expect(common.MsgTAward, 10)

	if resp := n1.call(common.NewWaitRequest(lockA, 10, nil)); resp.Err != "" {
		t.Fatalf("wait failed: %s", resp.Err)
	}

	n2.call(common.NewLockRequest(lockA, 20, ids.LevelWrite))
	n2.expect(common.MsgTAward, 20)

	resp := n2.call(common.NewNotifyRequest(lockA, 20, false))
	if resp.Err != "" || string(resp.Meta) != "1" {
		t.Fatalf("expected one notified waiter, got %+v", resp)
	}

	n2.call(common.NewUnlockRequest(lockA, 20))
	n1.expect(common.MsgTAward, 10)

	// notify by a thread that does not own the monitor
	resp = n2.call(common.NewNotifyRequest(lockA, 20, true))
	if !strings.Contains(resp.Err, lockmgr.ErrIllegalMonitorState.Error()) {
		t.Errorf("expected illegal monitor state, got %q", resp.Err)
	}
}

func TestTimedWaitThroughServer(t *testing.T) {
	ts := newTestServer(t, "altruistic", 0)
	n := ts.connect(1)

	n.call(common.NewLockRequest(lockA, 10, ids.LevelWrite))
	n.expect(common.MsgTAward, 10)

	if resp := n.call(common.NewWaitRequest(lockA, 10, timer.NewMillis(100))); resp.Err != "" {
		t.Fatalf("wait failed: %s", resp.Err)
	}
	ts.clock.Advance(100 * time.Millisecond)

	n.expect(common.MsgTWaitTimeout, 10)
	n.expect(common.MsgTAward, 10)
}

func TestTryLockThroughServer(t *testing.T) {
	ts := newTestServer(t, "altruistic", 0)
	n1 := ts.connect(1)
	n2 := ts.connect(2)

	n1.call(common.NewLockRequest(lockA, 10, ids.LevelWrite))
	n1.expect(common.MsgTAward, 10)

	resp := n2.call(common.NewTryLockRequest(lockA, 20, ids.LevelRead, nil))
	if resp.MsgType != common.MsgTTryLock || resp.Ok {
		t.Fatalf("expected failed try-lock, got %+v", resp)
	}
	n2.expect(common.MsgTNotAwarded, 20)

	n2.call(common.NewTryLockRequest(lockA, 20, ids.LevelRead, timer.NewMillis(50)))
	ts.clock.Advance(50 * time.Millisecond)
	n2.expect(common.MsgTNotAwarded, 20)
}

func TestRecallTimeoutDropsSession(t *testing.T) {
	ts := newTestServer(t, "greedy", 5*time.Second)
	n1 := ts.connect(1)
	n2 := ts.connect(2)

	n1.call(common.NewLockRequest(lockA, 10, ids.LevelWrite))
	n1.expect(common.MsgTAward, 10)

	n2.call(common.NewLockRequest(lockA, 20, ids.LevelWrite))
	n1.expect(common.MsgTRecall, ids.VMThreadID)

	// node 1 never answers
	ts.clock.Advance(5 * time.Second)

	n1.expectClosed()
	n2.expect(common.MsgTAward, 20)

	if ts.Sessions() != 1 {
		t.Errorf("expected one session, got %d", ts.Sessions())
	}
	resp := n1.call(common.NewLockRequest(lockA, 10, ids.LevelWrite))
	if resp.MsgType != common.MsgTError || !strings.Contains(resp.Err, ErrNodeNotConnected.Error()) {
		t.Errorf("expected not connected error, got %+v", resp)
	}
}

func TestDisconnectClearsNode(t *testing.T) {
	ts := newTestServer(t, "altruistic", 0)
	n1 := ts.connect(1)
	n2 := ts.connect(2)

	n1.call(common.NewLockRequest(lockA, 10, ids.LevelWrite))
	n1.expect(common.MsgTAward, 10)
	n2.call(common.NewLockRequest(lockA, 20, ids.LevelWrite))

	if err := ts.Disconnect(1); err != nil {
		t.Fatalf("Disconnect failed: %v", err)
	}
	n1.expectClosed()
	n2.expect(common.MsgTAward, 20)

	if err := ts.Disconnect(1); !errors.Is(err, ErrNodeNotConnected) {
		t.Errorf("expected ErrNodeNotConnected, got %v", err)
	}
}

func TestDisconnectWaitsForRunningRequest(t *testing.T) {
	ts := newTestServer(t, "altruistic", 0)
	n1 := ts.connect(1)
	n2 := ts.connect(2)

	s := ts.ILockServer.(*lockServer)
	sess, ok := s.sessions.Load(1)
	if !ok {
		t.Fatal("expected a session for node 1")
	}

	// a request of node 1 passed the session check before the disconnect
	sess.inflight.RLock()
	disconnected := make(chan error, 1)
	go func() { disconnected <- ts.Disconnect(1) }()

	deadline := time.Now().Add(2 * time.Second)
	for !sess.closed.Load() {
		if time.Now().After(deadline) {
			t.Fatal("session was not closed")
		}
		time.Sleep(time.Millisecond)
	}
	if resp := s.dispatch(1, common.NewLockRequest(lockA, 10, ids.LevelWrite), sess.sink); !resp.Ok {
		t.Fatalf("expected the running request to be granted, got %+v", resp)
	}
	select {
	case err := <-disconnected:
		t.Fatalf("Disconnect returned before the running request finished: %v", err)
	case <-time.After(20 * time.Millisecond):
	}
	sess.inflight.RUnlock()

	select {
	case err := <-disconnected:
		if err != nil {
			t.Fatalf("Disconnect failed: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Disconnect did not return")
	}
	n1.expectClosed()

	// the grant of the running request was cleared with the node
	if resp := n2.call(common.NewLockRequest(lockA, 20, ids.LevelWrite)); !resp.Ok || resp.Err != "" {
		t.Fatalf("expected node 2 to be granted, got %+v", resp)
	}
	n2.expect(common.MsgTAward, 20)
}

func TestStopWithoutReader(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	srv, err := NewLockServer(common.DefaultServerConfig(), serializer.NewBinarySerializer(), testclock.NewClock(epoch))
	if err != nil {
		t.Fatalf("NewLockServer failed: %v", err)
	}
	if err := srv.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if _, err := srv.Connect(1); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}

	// events pile up, nobody reads them
	ser := serializer.NewBinarySerializer()
	for _, id := range []ids.LockID{"a", "b", "c"} {
		req, _ := ser.Serialize(*common.NewLockRequest(id, 10, ids.LevelWrite))
		srv.Handle(1, req)
	}

	srv.Stop()
}

func TestConnectErrors(t *testing.T) {
	ts := newTestServer(t, "greedy", 0)
	ts.connect(1)

	if _, err := ts.Connect(1); !errors.Is(err, ErrNodeConnected) {
		t.Errorf("expected ErrNodeConnected, got %v", err)
	}

	ts.Stop()
	if _, err := ts.Connect(2); !errors.Is(err, lockmgr.ErrNotRunning) {
		t.Errorf("expected ErrNotRunning after Stop, got %v", err)
	}
}

func TestHandleInvalidRequests(t *testing.T) {
	ts := newTestServer(t, "greedy", 0)
	n := ts.connect(1)

	var resp common.Message
	if err := ts.ser.Deserialize(ts.Handle(1, []byte{1}), &resp); err != nil {
		t.Fatalf("deserialize response: %v", err)
	}
	if resp.MsgType != common.MsgTError || !strings.Contains(resp.Err, "deserialize") {
		t.Errorf("expected deserialize error, got %+v", resp)
	}

	resp = n.call(&common.Message{MsgType: common.MsgTAward, LockID: lockA})
	if resp.MsgType != common.MsgTError {
		t.Errorf("expected unsupported type error, got %+v", resp)
	}

	resp = n.call(common.NewLockRequest(lockA, 10, ids.LevelNil))
	if !strings.Contains(resp.Err, lockmgr.ErrInvalidLockLevel.Error()) {
		t.Errorf("expected invalid level error, got %q", resp.Err)
	}

	resp = n.call(common.NewLockRequest(lockA, ids.NullThreadID, ids.LevelWrite))
	if !strings.Contains(resp.Err, lockmgr.ErrNullThread.Error()) {
		t.Errorf("expected null thread error, got %q", resp.Err)
	}

	resp = n.call(common.NewQueryRequest("missing"))
	if resp.Ok || resp.Meta != nil {
		t.Errorf("expected empty query response, got %+v", resp)
	}
}

func TestNewLockServerConfig(t *testing.T) {
	cfg := common.DefaultServerConfig()
	cfg.Policy = "fair"
	if _, err := NewLockServer(cfg, serializer.NewJSONSerializer(), nil); !errors.Is(err, lockmgr.ErrInvalidPolicy) {
		t.Errorf("expected ErrInvalidPolicy, got %v", err)
	}

	cfg = common.DefaultServerConfig()
	cfg.RecallTimeout = -time.Second
	if _, err := NewLockServer(cfg, serializer.NewJSONSerializer(), nil); err == nil {
		t.Errorf("expected error for negative recall timeout")
	}

	cfg = common.DefaultServerConfig()
	cfg.StatsEnabled = false
	srv, err := NewLockServer(cfg, serializer.NewJSONSerializer(), nil)
	if err != nil {
		t.Fatalf("NewLockServer failed: %v", err)
	}
	if srv.Manager().Stats().IsEnabled() {
		t.Errorf("expected statistics to be disabled")
	}
}
