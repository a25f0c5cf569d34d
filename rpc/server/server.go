package server

import (
	"fmt"
	"github.com/ValentinKolb/dMon/lib/ids"
	"github.com/ValentinKolb/dMon/lib/lockmgr"
	"github.com/ValentinKolb/dMon/lib/lockstats"
	"github.com/ValentinKolb/dMon/rpc/common"
	"github.com/ValentinKolb/dMon/rpc/serializer"
	"github.com/juju/clock"
	"github.com/lni/dragonboat/v4/logger"
	"github.com/puzpuzpuz/xsync/v3"
	"sync"
	"sync/atomic"
)

var Logger = logger.GetLogger("rpc")

// --------------------------------------------------------------------------
// Session
// --------------------------------------------------------------------------

// session is the server side state of a connected node. Events of the lock
// manager are buffered in sink and serialized by the forward goroutine.
//
// events is unbuffered: the consumer has to read it until it is closed. Once
// the server is stopped (done closed) undelivered events are discarded so
// that forward never outlives the server.
type session struct {
	nodeID ids.NodeID
	sink   *lockmgr.QueueSink
	events chan []byte
	done   <-chan struct{}
	closed atomic.Bool

	// inflight is held (read) by Handle while a request is dispatched.
	// Disconnect takes it (write) before the node is cleared.
	inflight sync.RWMutex
}

func newSession(nodeID ids.NodeID, ser serializer.IRPCSerializer, done <-chan struct{}) *session {
	sess := &session{
		nodeID: nodeID,
		sink:   lockmgr.NewQueueSink(),
		events: make(chan []byte),
		done:   done,
	}
	go sess.forward(ser)
	return sess
}

// forward serializes events until the sink is closed and drained
func (sess *session) forward(ser serializer.IRPCSerializer) {
	defer close(sess.events)

	for resp := range sess.sink.Recv() {
		data, err := ser.Serialize(*eventMessage(resp))
		if err != nil {
			Logger.Errorf("failed to serialize %s for %s: %v", resp, sess.nodeID, err)
			continue
		}
		select {
		case sess.events <- data:
		case <-sess.done:
			// nobody reads anymore, let the sink drain
			Logger.Debugf("discarding %s for %s", resp, sess.nodeID)
		}
	}
}

// close stops accepting events. It returns false if the session was
// already closed.
func (sess *session) close() bool {
	if !sess.closed.CompareAndSwap(false, true) {
		return false
	}
	sess.sink.Close()
	return true
}

// eventMessage converts a lock manager event into its wire form
func eventMessage(resp *lockmgr.LockResponse) *common.Message {
	switch resp.Type {
	case lockmgr.ResponseAward:
		return common.NewAwardEvent(resp.LockID, resp.NodeID, resp.ThreadID, resp.Level, resp.Greedy)
	case lockmgr.ResponseRecall:
		return common.NewRecallEvent(resp.LockID, resp.NodeID, resp.Level)
	case lockmgr.ResponseWaitTimeout:
		return common.NewWaitTimeoutEvent(resp.LockID, resp.NodeID, resp.ThreadID)
	case lockmgr.ResponseNotAwarded:
		return common.NewNotAwardedEvent(resp.LockID, resp.NodeID, resp.ThreadID, resp.Level)
	default:
		return common.NewErrorResponse(fmt.Sprintf("unknown event %s", resp.Type))
	}
}

// --------------------------------------------------------------------------
// Lock server
// --------------------------------------------------------------------------

// NewLockServer creates a lock server
// It takes a config, a serializer and the clock of the lock manager timers
// (nil = wall clock) as parameters
//
// Usage:
//
//	s, err := server.NewLockServer(
//		common.DefaultServerConfig(),
//		serializer.NewBinarySerializer(),
//		nil,
//	)
//	if err != nil {
//		panic(err)
//	}
//	if err := s.Start(); err != nil {
//		panic(err)
//	}
//	events, _ := s.Connect(1)
func NewLockServer(
	config common.ServerConfig,
	serializer serializer.IRPCSerializer,
	clk clock.Clock,
) (ILockServer, error) {
	policy, err := lockmgr.ParseLockPolicy(config.Policy)
	if err != nil {
		return nil, err
	}
	if config.RecallTimeout < 0 {
		return nil, fmt.Errorf("negative recall timeout %s", config.RecallTimeout)
	}

	s := &lockServer{
		config:     config,
		serializer: serializer,
		sessions:   xsync.NewMapOf[ids.NodeID, *session](),
		done:       make(chan struct{}),
	}
	s.manager = lockmgr.NewLockManager(lockmgr.Config{
		Policy:        policy,
		RecallTimeout: config.RecallTimeout,
		Clock:         clk,
		Disconnector:  lockmgr.DisconnectFunc(s.dropSession),
		Stats:         lockstats.NewManager(),
	})
	s.manager.SetLockStatisticsEnabled(config.StatsEnabled)

	Logger.Infof("Created lock server")
	Logger.Infof(config.String())

	return s, nil
}

type lockServer struct {
	config     common.ServerConfig
	serializer serializer.IRPCSerializer
	manager    lockmgr.ILockManager
	sessions   *xsync.MapOf[ids.NodeID, *session]

	mu   sync.Mutex // guards done
	done chan struct{}
}

func (s *lockServer) Start() error {
	s.mu.Lock()
	select {
	case <-s.done:
		// restart after Stop
		s.done = make(chan struct{})
	default:
	}
	s.mu.Unlock()
	return s.manager.Start()
}

func (s *lockServer) Stop() {
	s.sessions.Range(func(nodeID ids.NodeID, _ *session) bool {
		if sess, ok := s.sessions.LoadAndDelete(nodeID); ok {
			sess.close()
		}
		return true
	})
	s.manager.Stop()

	s.mu.Lock()
	select {
	case <-s.done:
	default:
		close(s.done)
	}
	s.mu.Unlock()
}

func (s *lockServer) stopped() <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.done
}

func (s *lockServer) Connect(nodeID ids.NodeID) (<-chan []byte, error) {
	if !s.manager.IsRunning() {
		return nil, lockmgr.ErrNotRunning
	}

	done := s.stopped()
	sess, loaded := s.sessions.LoadOrCompute(nodeID, func() *session {
		return newSession(nodeID, s.serializer, done)
	})
	if loaded {
		return nil, fmt.Errorf("%w: %s", ErrNodeConnected, nodeID)
	}

	Logger.Infof("%s connected", nodeID)
	return sess.events, nil
}

func (s *lockServer) Disconnect(nodeID ids.NodeID) error {
	sess, ok := s.sessions.LoadAndDelete(nodeID)
	if !ok {
		return fmt.Errorf("%w: %s", ErrNodeNotConnected, nodeID)
	}
	sess.close()

	// requests that passed the session check before close finish first
	sess.inflight.Lock()
	defer sess.inflight.Unlock()

	Logger.Infof("%s disconnected", nodeID)
	return s.manager.ClearNode(nodeID)
}

// dropSession is the lock manager's disconnect hook. It must not call back
// into the manager, which clears the node itself afterwards.
func (s *lockServer) dropSession(nodeID ids.NodeID) {
	if sess, ok := s.sessions.LoadAndDelete(nodeID); ok && sess.close() {
		Logger.Warningf("%s dropped by the lock manager", nodeID)
	}
}

func (s *lockServer) Handle(nodeID ids.NodeID, req []byte) []byte {
	var msg common.Message
	var resp *common.Message

	// Decode the request
	if err := s.serializer.Deserialize(req, &msg); err != nil {
		resp = common.NewErrorResponse(fmt.Sprintf("failed to deserialize request: %s", err))
	} else if sess, ok := s.sessions.Load(nodeID); !ok {
		resp = notConnected(nodeID)
	} else {
		resp = s.handleSession(sess, &msg)
	}

	// Return result
	val, err := s.serializer.Serialize(*resp)
	if err != nil {
		Logger.Errorf("failed to serialize response: %v", err)
		val, _ = s.serializer.Serialize(*common.NewErrorResponse(fmt.Sprintf("failed to serialize response: %s", err)))
	}
	return val
}

// handleSession dispatches a request of an open session. If the lock manager
// dropped the session while the request was executed, whatever the request
// left behind is cleared again.
func (s *lockServer) handleSession(sess *session, msg *common.Message) *common.Message {
	sess.inflight.RLock()
	defer sess.inflight.RUnlock()

	if sess.closed.Load() {
		return notConnected(sess.nodeID)
	}
	resp := s.dispatch(sess.nodeID, msg, sess.sink)
	if !sess.closed.Load() {
		return resp
	}

	if _, reconnected := s.sessions.Load(sess.nodeID); reconnected {
		Logger.Warningf("%s reconnected while a request of its old session was running", sess.nodeID)
	} else if err := s.manager.ClearNode(sess.nodeID); err != nil {
		Logger.Warningf("failed to clear %s: %v", sess.nodeID, err)
	}
	return notConnected(sess.nodeID)
}

func notConnected(nodeID ids.NodeID) *common.Message {
	return common.NewErrorResponse(fmt.Sprintf("%s: %s", ErrNodeNotConnected, nodeID))
}

// dispatch executes a decoded request
func (s *lockServer) dispatch(nodeID ids.NodeID, req *common.Message, sink lockmgr.Sink) *common.Message {
	Logger.Debugf("%s: %s %s thread=%s", nodeID, req.MsgType, req.LockID, req.ThreadID)

	switch req.MsgType {
	case common.MsgTLock:
		granted, err := s.manager.RequestLock(req.LockID, nodeID, req.ThreadID, req.Level, sink)
		return common.NewLockResponse(granted, err)
	case common.MsgTTryLock:
		granted, err := s.manager.TryRequestLock(req.LockID, nodeID, req.ThreadID, req.Level, req.TimerSpec(), sink)
		return common.NewTryLockResponse(granted, err)
	case common.MsgTUnlock:
		return common.NewUnlockResponse(s.manager.Unlock(req.LockID, nodeID, req.ThreadID))
	case common.MsgTWait:
		return common.NewWaitResponse(s.manager.Wait(req.LockID, nodeID, req.ThreadID, req.TimerSpec(), sink))
	case common.MsgTNotify:
		notified, err := s.manager.Notify(req.LockID, nodeID, req.ThreadID, req.All)
		return common.NewNotifyResponse(len(notified), err)
	case common.MsgTQuery:
		info, ok := s.manager.Snapshot(req.LockID)
		if !ok {
			return common.NewQueryResponse(nil, false, nil)
		}
		data, err := info.MarshalBinary()
		return common.NewQueryResponse(data, err == nil, err)
	default:
		return common.NewErrorResponse(fmt.Sprintf("lock server - unsupported message type: %s", req.MsgType))
	}
}

func (s *lockServer) Manager() lockmgr.ILockManager {
	return s.manager
}

func (s *lockServer) Sessions() int {
	return s.sessions.Size()
}
