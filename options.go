package redisnode

import (
	"fmt"
	"log/slog"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/raniellyferreira/redis-inmemory-node/replication"
)

// config holds the configuration for a Node
type config struct {
	// Listener settings
	port     int
	bind     string
	password string

	// Replication settings. An empty masterAddr makes the node a master.
	masterAddr      string
	masterPassword  string
	snapshotMode    replication.SnapshotMode
	replicaBacklog  int
	reconnectPolicy replication.ReconnectPolicy

	// Snapshot file loaded at startup, also reported by CONFIG GET
	dir        string
	dbFilename string

	// Timeouts
	syncTimeout    time.Duration
	connectTimeout time.Duration
	idleTimeout    time.Duration

	// Observability
	logger        Logger
	logLevel      slog.Level
	metrics       MetricsCollector
	metricsAddr   string
	statsInterval time.Duration
}

// defaultConfig returns a configuration with sensible defaults
func defaultConfig() *config {
	return &config{
		port:            6379,
		bind:            "0.0.0.0",
		snapshotMode:    replication.SnapshotPointInTime,
		replicaBacklog:  replication.DefaultReplicaBacklog,
		reconnectPolicy: replication.DefaultReconnectPolicy,
		dir:             ".",
		dbFilename:      "dump.rdb",
		syncTimeout:     30 * time.Second,
		connectTimeout:  5 * time.Second,
		logLevel:        slog.LevelInfo,
		statsInterval:   5 * time.Second,
	}
}

// Option represents a configuration option for a Node
type Option func(*config) error

// WithPort sets the TCP port clients connect to. Port 0 picks a free port,
// which Addr reports once the node started.
//
// Example:
//
//	WithPort(6380)
func WithPort(port int) Option {
	return func(c *config) error {
		if port < 0 || port > 65535 {
			return fmt.Errorf("%w: port %d out of range", ErrInvalidConfig, port)
		}
		c.port = port
		return nil
	}
}

// WithBind sets the address the listener binds to (default "0.0.0.0")
func WithBind(addr string) Option {
	return func(c *config) error {
		if addr == "" {
			return fmt.Errorf("%w: empty bind address", ErrInvalidConfig)
		}
		c.bind = addr
		return nil
	}
}

// WithPassword requires clients to AUTH with password
func WithPassword(password string) Option {
	return func(c *config) error {
		c.password = password
		return nil
	}
}

// WithReplicaOf makes the node a replica of the given master. The address
// is either "host port", as in redis.conf, or "host:port".
//
// Example:
//
//	WithReplicaOf("localhost 6379")
func WithReplicaOf(master string) Option {
	return func(c *config) error {
		addr, err := ParseReplicaOf(master)
		if err != nil {
			return &ConnectionError{Addr: master, Err: err}
		}
		c.masterAddr = addr
		return nil
	}
}

// WithMasterAuth sets the password a replica authenticates to its master with
func WithMasterAuth(password string) Option {
	return func(c *config) error {
		c.masterPassword = password
		return nil
	}
}

// WithSnapshotMode selects the snapshot a master sends to new replicas
func WithSnapshotMode(mode replication.SnapshotMode) Option {
	return func(c *config) error {
		if _, err := replication.ParseSnapshotMode(string(mode)); err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
		}
		c.snapshotMode = mode
		return nil
	}
}

// WithReplicaBacklog sets how many writes a master queues for a replica
// before detaching it
func WithReplicaBacklog(n int) Option {
	return func(c *config) error {
		if n <= 0 {
			return fmt.Errorf("%w: replica backlog must be positive", ErrInvalidConfig)
		}
		c.replicaBacklog = n
		return nil
	}
}

// WithReconnectPolicy sets how a replica reconnects to its master
//
// Example:
//
//	WithReconnectPolicy(replication.ReconnectPolicy{
//		MaxRetries:     -1, // forever
//		InitialBackoff: 200 * time.Millisecond,
//		MaxBackoff:     5 * time.Second,
//	})
func WithReconnectPolicy(policy replication.ReconnectPolicy) Option {
	return func(c *config) error {
		if policy.InitialBackoff < 0 || policy.MaxBackoff < policy.InitialBackoff {
			return fmt.Errorf("%w: invalid reconnect backoff", ErrInvalidConfig)
		}
		c.reconnectPolicy = policy
		return nil
	}
}

// WithDir sets the directory of the snapshot file loaded at startup
func WithDir(dir string) Option {
	return func(c *config) error {
		c.dir = dir
		return nil
	}
}

// WithDBFilename sets the name of the RDB file loaded at startup when it
// exists. An empty name disables loading.
func WithDBFilename(name string) Option {
	return func(c *config) error {
		c.dbFilename = name
		return nil
	}
}

// WithSyncTimeout bounds a replica's handshake and snapshot transfer
func WithSyncTimeout(timeout time.Duration) Option {
	return func(c *config) error {
		if timeout <= 0 {
			return ErrInvalidConfig
		}
		c.syncTimeout = timeout
		return nil
	}
}

// WithConnectTimeout sets the timeout for connecting to the master
func WithConnectTimeout(timeout time.Duration) Option {
	return func(c *config) error {
		if timeout <= 0 {
			return ErrInvalidConfig
		}
		c.connectTimeout = timeout
		return nil
	}
}

// WithIdleTimeout closes client connections idle for longer than timeout.
// Zero keeps them open.
func WithIdleTimeout(timeout time.Duration) Option {
	return func(c *config) error {
		if timeout < 0 {
			return ErrInvalidConfig
		}
		c.idleTimeout = timeout
		return nil
	}
}

// WithLogger sets a custom logger for the node
func WithLogger(logger Logger) Option {
	return func(c *config) error {
		if logger == nil {
			return ErrInvalidConfig
		}
		c.logger = logger
		return nil
	}
}

// WithLogLevel sets the level of the default logger: "debug", "info" or
// "error". It has no effect with WithLogger.
func WithLogLevel(level string) Option {
	return func(c *config) error {
		lvl, err := ParseLogLevel(level)
		if err != nil {
			return err
		}
		c.logLevel = lvl
		return nil
	}
}

// WithMetrics enables metrics collection with the provided collector
func WithMetrics(collector MetricsCollector) Option {
	return func(c *config) error {
		c.metrics = collector
		return nil
	}
}

// WithMetricsAddr serves Prometheus metrics on addr at /metrics. Unless
// WithMetrics is also given, the node records into its own registry.
//
// Example:
//
//	WithMetricsAddr(":9121")
func WithMetricsAddr(addr string) Option {
	return func(c *config) error {
		c.metricsAddr = addr
		return nil
	}
}

// ParseReplicaOf parses a master address given as "host port" or
// "host:port" and returns it as "host:port"
func ParseReplicaOf(s string) (string, error) {
	fields := strings.Fields(s)
	var host, port string
	switch len(fields) {
	case 1:
		var err error
		if host, port, err = net.SplitHostPort(fields[0]); err != nil {
			return "", fmt.Errorf("invalid master address %q: %w", s, err)
		}
	case 2:
		host, port = fields[0], fields[1]
	default:
		return "", fmt.Errorf("invalid master address %q: expected \"<host> <port>\"", s)
	}

	n, err := strconv.Atoi(port)
	if err != nil || n <= 0 || n > 65535 {
		return "", fmt.Errorf("invalid master port %q", port)
	}
	if host == "" {
		return "", fmt.Errorf("invalid master address %q: empty host", s)
	}
	return net.JoinHostPort(host, port), nil
}

func (c *config) resolveLogger() Logger {
	if c.logger != nil {
		return c.logger
	}
	return NewLogger(os.Stderr, c.logLevel)
}
