package simulate

import (
	"errors"
	"fmt"
	"github.com/ValentinKolb/dMon/lib/ids"
	"github.com/ValentinKolb/dMon/lib/timer"
	"github.com/ValentinKolb/dMon/lib/util"
	"github.com/ValentinKolb/dMon/rpc/common"
	"github.com/ValentinKolb/dMon/rpc/serializer"
	"github.com/ValentinKolb/dMon/rpc/server"
	"github.com/lni/dragonboat/v4/logger"
	"math/rand"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

var Logger = logger.GetLogger("cmd")

// waitMillis is the timeout of the monitor waits issued by simulated threads
const waitMillis = 2

var errNodeGone = errors.New("node was disconnected")

// Result summarizes a simulation run
type Result struct {
	Duration     time.Duration
	Operations   int64
	LocalHits    int64 // operations served from a greedy lease without a request
	Waits        int64
	WaitTimeouts int64
	Notified     int64
	Violations   int64 // mutual exclusion violations seen by the lock guards
	Dropped      int64 // nodes disconnected by the recall watchdog
	Errors       int64

	// AcquireLatency is the time from the lock request to the award in microseconds
	AcquireLatency util.Stats
}

func (r Result) String() string {
	var sb strings.Builder

	addField := func(name, value string) {
		sb.WriteString(fmt.Sprintf("  %-22s: %s\n", name, value))
	}

	opsPerSec := float64(r.Operations) / max(r.Duration.Seconds(), 1e-9)

	sb.WriteString("\nRESULT\n")
	addField("Duration", r.Duration.String())
	addField("Operations", fmt.Sprintf("%d (%.0f ops/sec)", r.Operations, opsPerSec))
	addField("Local Hits", strconv.FormatInt(r.LocalHits, 10))
	addField("Waits", fmt.Sprintf("%d (%d timed out)", r.Waits, r.WaitTimeouts))
	addField("Notified", strconv.FormatInt(r.Notified, 10))
	addField("Violations", strconv.FormatInt(r.Violations, 10))
	addField("Dropped Nodes", strconv.FormatInt(r.Dropped, 10))
	addField("Errors", strconv.FormatInt(r.Errors, 10))
	addField("Acquire p50", fmt.Sprintf("%.0fµs", r.AcquireLatency.P50))
	addField("Acquire p99", fmt.Sprintf("%.0fµs", r.AcquireLatency.P99))
	addField("Acquire max", fmt.Sprintf("%.0fµs", r.AcquireLatency.Max))

	return sb.String()
}

// --------------------------------------------------------------------------
// Simulation
// --------------------------------------------------------------------------

type simulation struct {
	cfg   common.SimulationConfig
	srv   server.ILockServer
	ser   serializer.IRPCSerializer
	locks []ids.LockID

	guards map[ids.LockID]*guard

	operations   atomic.Int64
	localHits    atomic.Int64
	waits        atomic.Int64
	waitTimeouts atomic.Int64
	notified     atomic.Int64
	violations   atomic.Int64
	errors       atomic.Int64

	latencyMu sync.Mutex
	latencies []float64
}

// Run drives a started lock server with cfg.Nodes simulated nodes and
// returns once every thread finished its operations. All nodes are
// disconnected afterwards.
func Run(srv server.ILockServer, ser serializer.IRPCSerializer, cfg common.SimulationConfig, seed int64) (Result, error) {
	if cfg.Nodes <= 0 || cfg.Threads <= 0 || cfg.Locks <= 0 || cfg.Ops < 0 {
		return Result{}, fmt.Errorf("invalid simulation %+v", cfg)
	}
	if cfg.ReadRatio < 0 || cfg.ReadRatio > 1 || cfg.WaitRatio < 0 || cfg.WaitRatio > 1 {
		return Result{}, fmt.Errorf("ratios must be within [0, 1]")
	}

	sim := &simulation{
		cfg:    cfg,
		srv:    srv,
		ser:    ser,
		guards: make(map[ids.LockID]*guard, cfg.Locks),
	}
	for i := 0; i < cfg.Locks; i++ {
		id := ids.LockID(fmt.Sprintf("sim-lock-%d", i))
		sim.locks = append(sim.locks, id)
		sim.guards[id] = &guard{}
	}

	nodes := make([]*simNode, 0, cfg.Nodes)
	for i := 1; i <= cfg.Nodes; i++ {
		n, err := sim.connect(ids.NodeID(i))
		if err != nil {
			for _, n := range nodes {
				_ = srv.Disconnect(n.id)
				<-n.done
			}
			return Result{}, err
		}
		nodes = append(nodes, n)
	}

	start := time.Now()
	var wg sync.WaitGroup
	for _, n := range nodes {
		for _, t := range n.threads {
			wg.Add(1)
			go func(t *simThread, seed int64) {
				defer wg.Done()
				t.run(rand.New(rand.NewSource(seed)))
			}(t, seed+int64(n.id)*7919+int64(t.id))
		}
	}
	wg.Wait()
	duration := time.Since(start)

	var dropped int64
	for _, n := range nodes {
		if err := srv.Disconnect(n.id); errors.Is(err, server.ErrNodeNotConnected) {
			dropped++
		} else if err != nil {
			Logger.Warningf("disconnect %s: %v", n.id, err)
		}
		<-n.done
	}

	sim.latencyMu.Lock()
	latency := util.NewStats(sim.latencies)
	sim.latencyMu.Unlock()

	return Result{
		Duration:       duration,
		Operations:     sim.operations.Load(),
		LocalHits:      sim.localHits.Load(),
		Waits:          sim.waits.Load(),
		WaitTimeouts:   sim.waitTimeouts.Load(),
		Notified:       sim.notified.Load(),
		Violations:     sim.violations.Load(),
		Dropped:        dropped,
		Errors:         sim.errors.Load(),
		AcquireLatency: latency,
	}, nil
}

func (sim *simulation) recordLatency(d time.Duration) {
	sim.latencyMu.Lock()
	sim.latencies = append(sim.latencies, float64(d.Microseconds()))
	sim.latencyMu.Unlock()
}

// --------------------------------------------------------------------------
// Guard
// --------------------------------------------------------------------------

// guard checks that the awarded locks really are exclusive
type guard struct {
	mu      sync.Mutex
	readers int
	writers int
}

// enter registers a holder and reports whether that was legal
func (g *guard) enter(level ids.LockLevel) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	ok := g.writers == 0 && (level.IsRead() || g.readers == 0)
	if level.IsWrite() {
		g.writers++
	} else {
		g.readers++
	}
	return ok
}

func (g *guard) exit(level ids.LockLevel) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if level.IsWrite() {
		g.writers--
	} else {
		g.readers--
	}
}

func (sim *simulation) enter(id ids.LockID, level ids.LockLevel) {
	if !sim.guards[id].enter(level) {
		sim.violations.Add(1)
		Logger.Errorf("mutual exclusion violated on %s (%s)", id, level)
	}
}

func (sim *simulation) exit(id ids.LockID, level ids.LockLevel) {
	sim.guards[id].exit(level)
}

// --------------------------------------------------------------------------
// Node
// --------------------------------------------------------------------------

// nodeLock is the client side view of one lock on a node. Threads of the
// node take local in turn; the other fields are guarded by mu.
type nodeLock struct {
	local sync.Mutex

	mu       sync.Mutex
	leased   bool          // the node holds a greedy lease
	level    ids.LockLevel // level of the lease
	recalled bool          // the lease has to be given back after use
	inUse    bool          // a thread works under the lease
}

// covers reports whether the lease can serve a request at level
func (nl *nodeLock) covers(level ids.LockLevel) bool {
	return nl.leased && !nl.recalled && (nl.level.IsWrite() || level.IsRead())
}

type simNode struct {
	sim     *simulation
	id      ids.NodeID
	events  <-chan []byte
	locks   map[ids.LockID]*nodeLock
	threads map[ids.ThreadID]*simThread
	done    chan struct{}
}

func (sim *simulation) connect(id ids.NodeID) (*simNode, error) {
	events, err := sim.srv.Connect(id)
	if err != nil {
		return nil, err
	}

	n := &simNode{
		sim:     sim,
		id:      id,
		events:  events,
		locks:   make(map[ids.LockID]*nodeLock, len(sim.locks)),
		threads: make(map[ids.ThreadID]*simThread, sim.cfg.Threads),
		done:    make(chan struct{}),
	}
	for _, lockID := range sim.locks {
		n.locks[lockID] = &nodeLock{}
	}
	for i := 1; i <= sim.cfg.Threads; i++ {
		t := &simThread{
			node:   n,
			id:     ids.ThreadID(i),
			events: make(chan common.Message, 4),
		}
		n.threads[t.id] = t
	}

	go n.loop()
	return n, nil
}

// call sends a request on behalf of the node and decodes the response
func (n *simNode) call(req *common.Message) (common.Message, error) {
	data, err := n.sim.ser.Serialize(*req)
	if err != nil {
		return common.Message{}, err
	}

	var resp common.Message
	if err := n.sim.ser.Deserialize(n.sim.srv.Handle(n.id, data), &resp); err != nil {
		return common.Message{}, err
	}
	if resp.Err != "" {
		if strings.Contains(resp.Err, server.ErrNodeNotConnected.Error()) {
			return resp, errNodeGone
		}
		return resp, fmt.Errorf("%s %s: %s", req.MsgType, req.LockID, resp.Err)
	}
	return resp, nil
}

// loop dispatches the events of the node until its session ends
func (n *simNode) loop() {
	defer close(n.done)

	for data := range n.events {
		var msg common.Message
		if err := n.sim.ser.Deserialize(data, &msg); err != nil {
			Logger.Errorf("%s: failed to decode event: %v", n.id, err)
			n.sim.errors.Add(1)
			continue
		}

		switch msg.MsgType {
		case common.MsgTAward:
			if msg.Greedy {
				nl := n.locks[msg.LockID]
				nl.mu.Lock()
				nl.leased, nl.level, nl.recalled, nl.inUse = true, msg.Level, false, true
				nl.mu.Unlock()
			}
			n.deliver(msg)
		case common.MsgTWaitTimeout, common.MsgTNotAwarded:
			n.deliver(msg)
		case common.MsgTRecall:
			n.recall(msg.LockID)
		default:
			Logger.Warningf("%s: unexpected event %s", n.id, msg.MsgType)
		}
	}
}

func (n *simNode) deliver(msg common.Message) {
	t, ok := n.threads[msg.ThreadID]
	if !ok {
		Logger.Warningf("%s: event %s for unknown thread %s", n.id, msg.MsgType, msg.ThreadID)
		return
	}
	select {
	case t.events <- msg:
	default:
		Logger.Errorf("%s: event queue of %s is full, dropping %s", n.id, t.id, msg.MsgType)
		n.sim.errors.Add(1)
	}
}

// recall gives the lease back right away or marks it for the thread using it
func (n *simNode) recall(id ids.LockID) {
	nl := n.locks[id]
	nl.mu.Lock()
	defer nl.mu.Unlock()

	if !nl.leased {
		return
	}
	if nl.inUse {
		nl.recalled = true
		return
	}
	n.giveBack(id, nl)
}

// giveBack releases the lease of the node (nl.mu held)
func (n *simNode) giveBack(id ids.LockID, nl *nodeLock) {
	nl.leased, nl.recalled, nl.inUse = false, false, false
	if _, err := n.call(common.NewUnlockRequest(id, ids.VMThreadID)); err != nil && !errors.Is(err, errNodeGone) {
		Logger.Warningf("%s: give back %s: %v", n.id, id, err)
		n.sim.errors.Add(1)
	}
}

// --------------------------------------------------------------------------
// Thread
// --------------------------------------------------------------------------

type simThread struct {
	node   *simNode
	id     ids.ThreadID
	events chan common.Message
}

func (t *simThread) run(rnd *rand.Rand) {
	sim := t.node.sim
	for i := 0; i < sim.cfg.Ops; i++ {
		id := sim.locks[rnd.Intn(len(sim.locks))]
		level := ids.LevelWrite
		if rnd.Float64() < sim.cfg.ReadRatio {
			level = ids.LevelRead
		}
		wait := level.IsWrite() && rnd.Float64() < sim.cfg.WaitRatio

		err := t.op(id, level, wait)
		if errors.Is(err, errNodeGone) {
			Logger.Warningf("%s/%s: stopping, node is gone", t.node.id, t.id)
			return
		}
		if err != nil {
			Logger.Warningf("%s/%s: %v", t.node.id, t.id, err)
			sim.errors.Add(1)
			continue
		}
		sim.operations.Add(1)
	}
}

// op runs one critical section on lock id
func (t *simThread) op(id ids.LockID, level ids.LockLevel, wait bool) error {
	sim := t.node.sim
	nl := t.node.locks[id]
	nl.local.Lock()
	defer nl.local.Unlock()

	start := time.Now()
	leased, err := t.acquire(id, nl, level)
	if err != nil {
		return err
	}
	sim.recordLatency(time.Since(start))

	sim.enter(id, level)
	if wait {
		sim.exit(id, level)
		if leased, err = t.wait(id, nl, leased); err != nil {
			return err
		}
		sim.enter(id, level)
	}
	if level.IsWrite() && sim.cfg.WaitRatio > 0 {
		resp, err := t.node.call(common.NewNotifyRequest(id, t.id, true))
		if err != nil {
			sim.exit(id, level)
			return errors.Join(err, t.release(id, nl, leased))
		}
		if n, err := strconv.Atoi(string(resp.Meta)); err == nil {
			sim.notified.Add(int64(n))
		}
	}
	sim.exit(id, level)

	return t.release(id, nl, leased)
}

// acquire obtains the lock, either from the lease of the node or from the
// server. It reports whether the thread works under a lease.
func (t *simThread) acquire(id ids.LockID, nl *nodeLock, level ids.LockLevel) (bool, error) {
	nl.mu.Lock()
	if nl.covers(level) {
		nl.inUse = true
		nl.mu.Unlock()
		t.node.sim.localHits.Add(1)
		return true, nil
	}
	if nl.leased {
		// recalled or too weak, the lease has to go before the thread may ask
		t.node.giveBack(id, nl)
	}
	nl.mu.Unlock()

	if _, err := t.node.call(common.NewLockRequest(id, t.id, level)); err != nil {
		return false, err
	}
	award, err := t.awaitAward(id)
	if err != nil {
		return false, err
	}
	return award.Greedy, nil
}

// wait waits on the monitor of id. The thread holds the lock again when
// wait returns.
func (t *simThread) wait(id ids.LockID, nl *nodeLock, leased bool) (bool, error) {
	if leased {
		// the server turns the lease into the waiter of this thread
		nl.mu.Lock()
		nl.leased, nl.recalled, nl.inUse = false, false, false
		nl.mu.Unlock()
	}

	t.node.sim.waits.Add(1)
	if _, err := t.node.call(common.NewWaitRequest(id, t.id, timer.NewMillis(waitMillis))); err != nil {
		return false, err
	}
	award, err := t.awaitAward(id)
	if err != nil {
		return false, err
	}
	return award.Greedy, nil
}

func (t *simThread) release(id ids.LockID, nl *nodeLock, leased bool) error {
	if !leased {
		_, err := t.node.call(common.NewUnlockRequest(id, t.id))
		return err
	}

	nl.mu.Lock()
	defer nl.mu.Unlock()
	nl.inUse = false
	if nl.recalled {
		t.node.giveBack(id, nl)
	}
	return nil
}

// awaitAward blocks until the award for id arrives
func (t *simThread) awaitAward(id ids.LockID) (common.Message, error) {
	for {
		select {
		case msg := <-t.events:
			switch {
			case msg.MsgType == common.MsgTAward && msg.LockID == id:
				return msg, nil
			case msg.MsgType == common.MsgTWaitTimeout:
				t.node.sim.waitTimeouts.Add(1)
			default:
				return msg, fmt.Errorf("unexpected %s for %s while waiting for %s", msg.MsgType, msg.LockID, id)
			}
		case <-t.node.done:
			return common.Message{}, errNodeGone
		}
	}
}
