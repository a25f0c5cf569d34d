// Package common provides core data structures and utilities shared by the
// lock server, the serializers and the command line tools. It defines the
// lock protocol, the configuration structures and the logging setup.
//
// The package focuses on:
//   - Message protocol definition for requests, responses and events
//   - Configuration structures for the lock server and the simulator
//   - Custom logging implementation integrated with Dragonboat's logger package
//
// Key Components:
//
//   - Message: Core data structure for all communication between a node and
//     the lock server. A node sends requests (lock, tryLock, unlock, wait,
//     notify, query) and receives a response for each of them. Independently
//     of any request the server pushes events (award, recall, waitTimeout,
//     notAwarded) to the node. Factory functions exist for every variant.
//
//   - MessageType: Enumeration of all message kinds. Types are encoded as a
//     single byte by the binary serializer and as their name in JSON.
//
//   - ServerConfig: Lock manager policy, recall timeout, statistics switch,
//     wire format and log level, with a String method for startup logging.
//
//   - SimulationConfig: Shape of an in-process contention run.
//
//   - Logger: Custom logging implementation that plugs into Dragonboat's
//     logger factory and prints "LEVEL | name | message" lines. InitLoggers
//     applies one level to every logger named in LoggerNames.
//
// Protocol Example:
//
//	// node 7, thread 42 asks for a write lock
//	req := common.NewLockRequest("account-1", 42, ids.LevelWrite)
//
//	// the response tells whether the lock was granted synchronously,
//	// the Award event follows in either case
//	resp := common.NewLockResponse(true, nil)
//	event := common.NewAwardEvent("account-1", 7, 42, ids.LevelWrite, true)
//
//	// the lease is recalled once another node contends
//	recall := common.NewRecallEvent("account-1", 7, ids.LevelWrite)
//	giveBack := common.NewUnlockRequest("account-1", ids.VMThreadID)
package common
