package engine

import "time"

// Logger interface for engine logging
type Logger interface {
	Debug(msg string, fields ...interface{})
	Info(msg string, fields ...interface{})
	Error(msg string, fields ...interface{})
}

// MetricsCollector interface for engine metrics
type MetricsCollector interface {
	RecordCommandProcessed(cmd string, duration time.Duration)
	RecordError(errorType string)
}

type nopLogger struct{}

func (nopLogger) Debug(string, ...interface{}) {}
func (nopLogger) Info(string, ...interface{})  {}
func (nopLogger) Error(string, ...interface{}) {}
