package server

import (
	"github.com/ValentinKolb/dMon/lib/ids"
	"github.com/ValentinKolb/dMon/lib/lockmgr"
	"github.com/juju/errors"
)

const (
	// ErrNodeConnected is returned by Connect for a node that already has a session.
	ErrNodeConnected = errors.ConstError("node already connected")
	// ErrNodeNotConnected is returned for requests of a node without a session.
	ErrNodeNotConnected = errors.ConstError("node not connected")
)

// ILockServer is the server side of the lock protocol. It owns a lock
// manager and one session per connected node. A transport passes the raw
// request bytes of a node to Handle and writes the returned bytes back; the
// events of the node (awards, recalls, ...) are read from the channel
// returned by Connect.
type ILockServer interface {
	// Start starts the lock manager.
	Start() error
	// Stop closes all sessions and discards all lock state.
	Stop()

	// Connect opens a session for a node. The returned channel delivers the
	// serialized events of the node in order and is closed when the session
	// ends. It must be drained until closed.
	Connect(nodeID ids.NodeID) (<-chan []byte, error)
	// Disconnect ends the session of a node and clears all its locks.
	Disconnect(nodeID ids.NodeID) error

	// Handle decodes a request of a node, executes it and returns the
	// serialized response. Errors are reported in the response.
	Handle(nodeID ids.NodeID, req []byte) []byte

	// Manager returns the lock manager used by the server.
	Manager() lockmgr.ILockManager
	// Sessions returns the number of connected nodes.
	Sessions() int
}
