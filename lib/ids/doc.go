// Package ids defines the identifiers shared by every part of the lock
// manager: the cluster-wide lock id, the node (client connection) id, the
// requester thread id and the lock level.
//
// All identifiers are plain value types without behavior besides formatting.
// They are comparable and can be used as map keys.
//
// Sentinels:
//
//   - VMThreadID: "this node, no specific thread". Used for node level
//     operations, e.g. releasing a greedy lease on behalf of a whole node.
//   - NullThreadID: no thread at all (zero value for optional fields).
package ids
