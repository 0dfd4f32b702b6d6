package redisnode

import (
	"errors"
	"fmt"

	"github.com/raniellyferreira/redis-inmemory-node/replication"
)

// Error types for specific failure scenarios
var (
	// ErrNotStarted indicates the node has not been started
	ErrNotStarted = errors.New("node not started")

	// ErrNotMaster indicates an operation only a master node supports
	ErrNotMaster = errors.New("node is not a master")

	// ErrInvalidConfig indicates invalid configuration options
	ErrInvalidConfig = errors.New("invalid configuration")

	// ErrClosed indicates the node has been closed
	ErrClosed = errors.New("node is closed")
)

// SyncError reports why a replica gave up on its master. Phase is one of
// "connect", "handshake", "rdb" or "streaming".
type SyncError = replication.SyncError

// ConnectionError represents a connection-related error
type ConnectionError struct {
	Addr string
	Err  error
}

// Error implements the error interface
func (e *ConnectionError) Error() string {
	return fmt.Sprintf("connection error to %s: %v", e.Addr, e.Err)
}

// Unwrap returns the wrapped error
func (e *ConnectionError) Unwrap() error {
	return e.Err
}
