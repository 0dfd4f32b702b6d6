package redisnode

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"
)

// Field represents a structured log field
type Field struct {
	Key   string
	Value interface{}
}

// Logger interface for custom logging implementations
type Logger interface {
	// Debug logs a debug message with optional fields
	Debug(msg string, fields ...Field)

	// Info logs an info message with optional fields
	Info(msg string, fields ...Field)

	// Error logs an error message with optional fields
	Error(msg string, fields ...Field)
}

// MetricsCollector interface for metrics collection.
// metrics.Prometheus implements it.
type MetricsCollector interface {
	// RecordSyncDuration records the time taken for a full synchronization
	RecordSyncDuration(duration time.Duration)

	// RecordCommandProcessed records a processed command with its duration
	RecordCommandProcessed(cmd string, duration time.Duration)

	// RecordNetworkBytes records replication bytes transferred
	RecordNetworkBytes(bytes int64)

	// RecordKeyCount records the current number of keys
	RecordKeyCount(count int64)

	// RecordReconnection records a reconnection to the master
	RecordReconnection()

	// RecordConnection records an accepted client connection
	RecordConnection()

	// RecordDisconnection records a closed client connection
	RecordDisconnection()

	// RecordError records an error event
	RecordError(errorType string)
}

// ParseLogLevel parses "debug", "info" or "error"
func ParseLogLevel(level string) (slog.Level, error) {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug, nil
	case "info", "":
		return slog.LevelInfo, nil
	case "error":
		return slog.LevelError, nil
	default:
		return 0, fmt.Errorf("%w: unknown log level %q", ErrInvalidConfig, level)
	}
}

// slogLogger is the default logger, writing text records through log/slog
type slogLogger struct {
	logger *slog.Logger
}

// NewLogger returns a Logger writing to w at the given minimum level
func NewLogger(w io.Writer, level slog.Level) Logger {
	handler := slog.NewTextHandler(w, &slog.HandlerOptions{Level: level})
	return &slogLogger{logger: slog.New(handler)}
}

func (l *slogLogger) Debug(msg string, fields ...Field) {
	l.log(slog.LevelDebug, msg, fields)
}

func (l *slogLogger) Info(msg string, fields ...Field) {
	l.log(slog.LevelInfo, msg, fields)
}

func (l *slogLogger) Error(msg string, fields ...Field) {
	l.log(slog.LevelError, msg, fields)
}

func (l *slogLogger) log(level slog.Level, msg string, fields []Field) {
	ctx := context.Background()
	if !l.logger.Enabled(ctx, level) {
		return
	}
	attrs := make([]slog.Attr, len(fields))
	for i, f := range fields {
		if err, ok := f.Value.(error); ok {
			attrs[i] = slog.String(f.Key, err.Error())
			continue
		}
		attrs[i] = slog.Any(f.Key, f.Value)
	}
	l.logger.LogAttrs(ctx, level, msg, attrs...)
}

// nopLogger discards everything
type nopLogger struct{}

func (nopLogger) Debug(string, ...Field) {}
func (nopLogger) Info(string, ...Field)  {}
func (nopLogger) Error(string, ...Field) {}
