package redisnode

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/raniellyferreira/redis-inmemory-node/engine"
	"github.com/raniellyferreira/redis-inmemory-node/metrics"
	"github.com/raniellyferreira/redis-inmemory-node/replication"
	"github.com/raniellyferreira/redis-inmemory-node/server"
	"github.com/raniellyferreira/redis-inmemory-node/storage"
)

// SyncStatus represents the current replication status of a node
type SyncStatus struct {
	Role                 string
	InitialSyncCompleted bool
	Connected            bool
	State                string
	MasterAddr           string
	ReplID               string
	ReplicationOffset    int64
	LastSyncTime         time.Time
	BytesReceived        int64
	CommandsProcessed    int64
	ReconnectCount       int64
	ConnectedReplicas    int
}

// Node is a Redis-compatible in-memory server, acting either as a master
// or as a replica of another node
type Node struct {
	// Configuration
	config *config
	logger Logger

	// Components
	storage *storage.MemoryStorage
	engine  *engine.Engine
	server  *server.Server
	master  *replication.Master
	replica *replication.Replica

	registry      *prometheus.Registry
	metricsServer *http.Server

	// State
	mu      sync.RWMutex
	started bool
	closed  bool
	stop    chan struct{}
	wg      sync.WaitGroup
}

// New creates a new Node with the given options
//
// The node is created but not started. Use Start() to begin serving.
//
// Example:
//
//	node, err := redisnode.New(
//		redisnode.WithPort(6380),
//		redisnode.WithReplicaOf("localhost 6379"),
//	)
//	if err != nil {
//		log.Fatal(err)
//	}
func New(opts ...Option) (*Node, error) {
	cfg := defaultConfig()

	// Apply options
	for _, opt := range opts {
		if err := opt(cfg); err != nil {
			return nil, err
		}
	}

	n := &Node{
		config: cfg,
		logger: cfg.resolveLogger(),
		stop:   make(chan struct{}),
	}

	if cfg.metricsAddr != "" {
		n.registry = prometheus.NewRegistry()
		n.registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
		if cfg.metrics == nil {
			collector, err := metrics.NewPrometheus(n.registry)
			if err != nil {
				return nil, fmt.Errorf("failed to register metrics: %w", err)
			}
			cfg.metrics = collector
		}
	}

	n.storage = storage.NewMemory()

	engineConfig := engine.Config{
		Port:         cfg.port,
		Bind:         cfg.bind,
		Password:     cfg.password,
		Dir:          cfg.dir,
		DBFilename:   cfg.dbFilename,
		SnapshotMode: string(cfg.snapshotMode),
		Version:      Version,
	}
	if cfg.masterAddr != "" {
		host, port, _ := net.SplitHostPort(cfg.masterAddr)
		engineConfig.ReplicaOf = host + " " + port
	}

	log := &loggerAdapter{logger: n.logger}
	n.engine = engine.New(n.storage, engineConfig)
	n.engine.SetLogger(log)
	if cfg.metrics != nil {
		n.engine.SetMetrics(cfg.metrics)
	}

	if cfg.masterAddr != "" {
		n.replica = replication.NewReplica(cfg.masterAddr, n.engine, n.storage)
		if cfg.masterPassword != "" {
			n.replica.SetAuth(cfg.masterPassword)
		}
		n.replica.SetReconnectPolicy(cfg.reconnectPolicy)
		n.replica.SetSyncTimeout(cfg.syncTimeout)
		n.replica.SetConnectTimeout(cfg.connectTimeout)
		n.replica.SetLogger(log)
		if cfg.metrics != nil {
			n.replica.SetMetrics(cfg.metrics)
		}
		n.engine.SetReplicaLink(n.replica)
	} else {
		n.master = replication.NewMaster(n.storage)
		n.master.SetSnapshotMode(cfg.snapshotMode)
		n.master.SetBacklog(cfg.replicaBacklog)
		n.master.SetLogger(log)
		if cfg.metrics != nil {
			n.master.SetMetrics(cfg.metrics)
		}
		n.engine.SetMaster(n.master)
	}

	n.server = server.NewServer(net.JoinHostPort(cfg.bind, strconv.Itoa(cfg.port)), n.engine)
	n.server.SetLogger(log)
	n.server.SetIdleTimeout(cfg.idleTimeout)
	if cfg.metrics != nil {
		n.server.SetMetrics(cfg.metrics)
	}

	return n, nil
}

// Start loads the snapshot file, if there is one, then starts the listener
// and, on a replica, replication in the background. It does not wait for the initial sync; use WaitForSync.
//
// Example:
//
//	if err := node.Start(context.Background()); err != nil {
//		log.Fatal(err)
//	}
func (n *Node) Start(ctx context.Context) error {
	n.mu.Lock()
	defer n.mu.Unlock()

	if n.closed {
		return ErrClosed
	}
	if n.started {
		return nil // Already started
	}

	if n.config.dbFilename != "" {
		path := filepath.Join(n.config.dir, n.config.dbFilename)
		if _, err := replication.LoadSnapshotFile(path, n.storage, &loggerAdapter{logger: n.logger}); err != nil {
			n.logger.Error("Failed to load snapshot file", Field{Key: "error", Value: err}, Field{Key: "path", Value: path})
			return err
		}
	}

	if err := n.server.Start(); err != nil {
		n.logger.Error("Failed to start server", Field{Key: "error", Value: err}, Field{Key: "addr", Value: n.server.Addr()})
		return err
	}
	n.logger.Info("Node listening", Field{Key: "addr", Value: n.server.Addr()}, Field{Key: "role", Value: n.engine.Role()})

	if n.config.metricsAddr != "" {
		if err := n.startMetricsServer(); err != nil {
			n.server.Stop()
			return err
		}
	}

	if n.replica != nil {
		// Port 0 is only known once the listener is bound
		if _, port, err := net.SplitHostPort(n.server.Addr()); err == nil {
			p, _ := strconv.Atoi(port)
			n.replica.SetListeningPort(p)
		}
		// Replication outlives ctx; Close stops it
		if err := n.replica.Start(context.WithoutCancel(ctx)); err != nil {
			n.server.Stop()
			return err
		}
	}

	if n.config.metrics != nil {
		n.wg.Add(1)
		go n.sampleStats()
	}

	n.started = true
	return nil
}

func (n *Node) startMetricsServer() error {
	ln, err := net.Listen("tcp", n.config.metricsAddr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", n.config.metricsAddr, err)
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler(n.registry))
	n.metricsServer = &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		if err := n.metricsServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			n.logger.Error("Metrics server failed", Field{Key: "error", Value: err})
		}
	}()
	n.logger.Info("Serving metrics", Field{Key: "addr", Value: ln.Addr().String()})
	return nil
}

// sampleStats periodically records gauges that are not event driven
func (n *Node) sampleStats() {
	defer n.wg.Done()

	ticker := time.NewTicker(n.config.statsInterval)
	defer ticker.Stop()

	for {
		n.config.metrics.RecordKeyCount(n.storage.KeyCount())
		select {
		case <-ticker.C:
		case <-n.stop:
			return
		}
	}
}

// WaitForSync blocks until a replica completed its initial sync or ctx is
// cancelled. It returns immediately on a master.
//
// Example:
//
//	if err := node.WaitForSync(ctx); err != nil {
//		log.Fatal(err)
//	}
func (n *Node) WaitForSync(ctx context.Context) error {
	if !n.isStarted() {
		return ErrNotStarted
	}
	if n.replica == nil {
		return nil
	}
	return n.replica.WaitForSync(ctx)
}

// WaitForReplicas waits until count replicas acknowledged every write made
// so far, or ctx is done, and returns how many did
func (n *Node) WaitForReplicas(ctx context.Context, count int) (int, error) {
	if n.master == nil {
		return 0, ErrNotMaster
	}
	return n.master.WaitForReplicas(ctx, count), nil
}

// Done is closed when a replica gives up on its master. It is never
// closed on a master.
func (n *Node) Done() <-chan struct{} {
	if n.replica == nil {
		return nil
	}
	return n.replica.Done()
}

// Err returns the error a replica gave up with, a *SyncError
func (n *Node) Err() error {
	if n.replica == nil {
		return nil
	}
	return n.replica.Err()
}

// OnSyncComplete registers a callback for when the initial sync completes.
// On a master it runs immediately.
func (n *Node) OnSyncComplete(fn func()) {
	if n.replica == nil {
		fn()
		return
	}
	n.replica.OnSyncComplete(fn)
}

// Addr returns the address clients connect to
func (n *Node) Addr() string {
	return n.server.Addr()
}

// Role returns "master" or "slave"
func (n *Node) Role() string {
	return n.engine.Role()
}

// SyncStatus returns the current replication status
//
// Example:
//
//	status := node.SyncStatus()
//	fmt.Printf("Sync completed: %v\n", status.InitialSyncCompleted)
//	fmt.Printf("Replication offset: %d\n", status.ReplicationOffset)
func (n *Node) SyncStatus() SyncStatus {
	if n.master != nil {
		status := n.master.Status()
		return SyncStatus{
			Role:                 status.Role,
			InitialSyncCompleted: true,
			State:                "master",
			ReplID:               status.ReplID,
			ReplicationOffset:    status.Offset,
			ConnectedReplicas:    len(status.Replicas),
		}
	}

	stats := n.replica.Stats()
	return SyncStatus{
		Role:                 engine.RoleReplica,
		InitialSyncCompleted: stats.InitialSyncCompleted,
		Connected:            stats.Connected,
		State:                stats.State,
		MasterAddr:           stats.MasterAddr,
		ReplID:               stats.MasterReplID,
		ReplicationOffset:    stats.ReplicationOffset,
		LastSyncTime:         stats.LastSyncTime,
		BytesReceived:        stats.BytesReceived,
		CommandsProcessed:    stats.CommandsProcessed,
		ReconnectCount:       stats.ReconnectCount,
	}
}

// Storage returns the underlying storage for direct access
//
// Writes made through it are neither propagated to replicas nor checked
// against a replica's read-only mode.
func (n *Node) Storage() storage.Storage {
	return n.storage
}

// GetInfo returns a summary of the node's keyspace, replication and
// connections
func (n *Node) GetInfo() map[string]interface{} {
	keys, expires := n.storage.KeyspaceStats()
	status := n.SyncStatus()
	engineStats := n.engine.Stats()

	return map[string]interface{}{
		"keys":    keys,
		"expires": expires,
		"replication": map[string]interface{}{
			"role":                   status.Role,
			"state":                  status.State,
			"master_addr":            status.MasterAddr,
			"initial_sync_completed": status.InitialSyncCompleted,
			"replication_offset":     status.ReplicationOffset,
			"connected_replicas":     status.ConnectedReplicas,
		},
		"clients": map[string]interface{}{
			"connected":          engineStats.ConnectedClients,
			"total_connections":  engineStats.ConnectionsReceived,
			"commands_processed": engineStats.CommandsProcessed,
		},
		"version": VersionInfo(),
	}
}

// Close gracefully shuts down the node
//
// It stops accepting clients, closes their connections, stops replication
// and releases the keyspace.
//
// Example:
//
//	defer node.Close()
func (n *Node) Close() error {
	n.mu.Lock()
	defer n.mu.Unlock()

	if n.closed {
		return nil
	}
	n.closed = true
	close(n.stop)

	var errs []error

	// Stop server first
	if n.started {
		if err := n.server.Stop(); err != nil {
			errs = append(errs, err)
		}
	}

	if n.replica != nil && n.started {
		if err := n.replica.Stop(); err != nil {
			errs = append(errs, err)
		}
	}
	if n.master != nil {
		n.master.Close()
	}

	if n.metricsServer != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := n.metricsServer.Shutdown(ctx); err != nil {
			errs = append(errs, err)
		}
		cancel()
	}

	n.wg.Wait()

	if err := n.storage.Close(); err != nil {
		errs = append(errs, err)
	}

	n.logger.Info("Node closed", Field{Key: "addr", Value: n.server.Addr()})
	return errors.Join(errs...)
}

// isStarted returns true if the node is started (thread-safe)
func (n *Node) isStarted() bool {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.started && !n.closed
}
