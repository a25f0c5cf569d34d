// Package server implements the server side of the lock protocol. It owns a
// lock manager and translates between protocol messages and lock manager
// calls, keeping one session per connected node.
//
// The package focuses on:
//   - Decoding requests with a pluggable serializer and dispatching them to
//     the lock manager on behalf of the requesting node
//   - Delivering the asynchronous events of the lock manager (award, recall,
//     waitTimeout, notAwarded) to the node they belong to, in order
//   - Ending sessions, either on request or when the lock manager drops a
//     node that did not give back a recalled lease in time
//
// Key Components:
//
//   - ILockServer: Interface of the server. Handle takes the raw request
//     bytes of a node and returns the raw response bytes, Connect opens a
//     session and returns its event channel.
//
//   - NewLockServer: Factory function creating a server from a
//     common.ServerConfig, a serializer and the clock used by the lock
//     manager timers.
//
//   - session: Per node state. Events are buffered in an unbounded
//     lockmgr.QueueSink (the lock manager never blocks on a slow node) and
//     serialized by one goroutine per session.
//
// Usage Example:
//
//	s, err := server.NewLockServer(common.DefaultServerConfig(), serializer.NewBinarySerializer(), nil)
//	if err != nil {
//	  log.Fatalf("Server error: %v", err)
//	}
//	if err := s.Start(); err != nil {
//	  log.Fatalf("Server error: %v", err)
//	}
//	defer s.Stop()
//
//	// node 1 connects and reads its events
//	events, _ := s.Connect(1)
//	go func() {
//	  for data := range events {
//	    // ... send data to node 1 ...
//	  }
//	}()
//
//	// a transport hands over the requests of node 1
//	resp := s.Handle(1, requestBytes)
//
// Thread Safety:
//
//	The server is safe for concurrent use. Requests of different nodes are
//	processed independently. Requests of a single node should not race with
//	the Disconnect of that node.
package server
