// Package rpc provides the wire protocol of the distributed lock manager.
// It sits between the lock manager and whatever transport connects the
// nodes of a cluster, so a node only ever exchanges byte slices with it.
//
// The package is organized into several subpackages:
//
//   - common: Core data structures and utilities used across the RPC system,
//     including the Message protocol, configuration structures, and logging.
//
//   - serializer: Message serialization with multiple format options (Binary, JSON, GOB)
//     for converting between Message objects and byte arrays.
//
//   - server: The lock server. It keeps one session per connected node, turns
//     requests into lock manager calls and streams the lock events of a node
//     (award, recall, wait timeout, not awarded) to that node.
package rpc
