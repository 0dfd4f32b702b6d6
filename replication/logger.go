package replication

import (
	"fmt"
	"time"
)

// Logger interface for replication logging
type Logger interface {
	Debug(msg string, fields ...interface{})
	Info(msg string, fields ...interface{})
	Error(msg string, fields ...interface{})
}

// MetricsCollector interface for replication metrics
type MetricsCollector interface {
	RecordSyncDuration(duration time.Duration)
	RecordNetworkBytes(bytes int64)
	RecordReconnection()
	RecordError(errorType string)
}

type nopLogger struct{}

func (nopLogger) Debug(string, ...interface{}) {}
func (nopLogger) Info(string, ...interface{})  {}
func (nopLogger) Error(string, ...interface{}) {}

// SyncError represents a synchronization error with additional context
type SyncError struct {
	Phase   string // "handshake", "rdb", "streaming"
	Err     error
	Retries int
}

// Error implements the error interface
func (e *SyncError) Error() string {
	return fmt.Sprintf("sync error in phase %s after %d retries: %v", e.Phase, e.Retries, e.Err)
}

// Unwrap returns the wrapped error
func (e *SyncError) Unwrap() error {
	return e.Err
}
