package replication

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/raniellyferreira/redis-inmemory-node/engine"
	"github.com/raniellyferreira/redis-inmemory-node/protocol"
	"github.com/raniellyferreira/redis-inmemory-node/storage"
)

// State is the state of a replica's link to its master
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateHandshaking
	StateStreaming
)

// String returns the state as reported by ROLE
func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateHandshaking:
		return "sync"
	case StateStreaming:
		return "connected"
	default:
		return "connect"
	}
}

// ReconnectPolicy controls how a replica reconnects after losing its
// master. MaxRetries 0 makes the first failure fatal and a negative value
// retries forever. The backoff doubles from InitialBackoff up to
// MaxBackoff and resets once a sync succeeds.
type ReconnectPolicy struct {
	MaxRetries     int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
}

// DefaultReconnectPolicy retries five times starting one second apart
var DefaultReconnectPolicy = ReconnectPolicy{
	MaxRetries:     5,
	InitialBackoff: time.Second,
	MaxBackoff:     30 * time.Second,
}

// Executor applies the commands streamed by the master
type Executor interface {
	Execute(sess *engine.Session, cmd *protocol.Command) protocol.Value
}

// ReplicationStats tracks replication statistics
type ReplicationStats struct {
	Connected            bool
	State                string
	MasterAddr           string
	MasterReplID         string
	ReplicationOffset    int64
	LastSyncTime         time.Time
	BytesReceived        int64
	CommandsProcessed    int64
	ReconnectCount       int64
	InitialSyncCompleted bool
	SnapshotKeys         int
}

// Replica keeps a replica's keyspace in sync with its master: it performs
// the handshake, loads the snapshot and applies the command stream.
type Replica struct {
	masterAddr     string
	masterPassword string
	listeningPort  int
	executor       Executor
	storage        storage.Storage
	policy         ReconnectPolicy

	connectTimeout time.Duration
	syncTimeout    time.Duration
	readTimeout    time.Duration

	mu              sync.RWMutex
	conn            net.Conn
	state           State
	replID          string
	lastSync        time.Time
	snapshotKeys    int
	initialSyncDone bool
	syncCallbacks   []func()
	err             error

	offset            atomic.Int64
	bytesReceived     atomic.Int64
	commandsProcessed atomic.Int64
	reconnects        atomic.Int64

	started atomic.Bool
	cancel  context.CancelFunc
	synced  chan struct{}
	done    chan struct{}

	logger  Logger
	metrics MetricsCollector
}

// NewReplica creates a replica of the master at masterAddr. Commands from
// the master are applied through executor, which must operate on stor.
func NewReplica(masterAddr string, executor Executor, stor storage.Storage) *Replica {
	return &Replica{
		masterAddr:     masterAddr,
		executor:       executor,
		storage:        stor,
		policy:         DefaultReconnectPolicy,
		connectTimeout: 5 * time.Second,
		syncTimeout:    30 * time.Second,
		synced:         make(chan struct{}),
		done:           make(chan struct{}),
		logger:         nopLogger{},
	}
}

// SetAuth configures the password sent to the master
func (r *Replica) SetAuth(password string) {
	r.masterPassword = password
}

// SetListeningPort sets the port announced with REPLCONF listening-port
func (r *Replica) SetListeningPort(port int) {
	r.listeningPort = port
}

// SetReconnectPolicy sets the reconnect policy
func (r *Replica) SetReconnectPolicy(policy ReconnectPolicy) {
	r.policy = policy
}

// SetLogger sets the logger
func (r *Replica) SetLogger(logger Logger) {
	r.logger = logger
}

// SetMetrics sets the metrics collector
func (r *Replica) SetMetrics(metrics MetricsCollector) {
	r.metrics = metrics
}

// SetConnectTimeout sets the dial timeout
func (r *Replica) SetConnectTimeout(timeout time.Duration) {
	r.connectTimeout = timeout
}

// SetSyncTimeout bounds the handshake and snapshot transfer
func (r *Replica) SetSyncTimeout(timeout time.Duration) {
	r.syncTimeout = timeout
}

// SetReadTimeout sets the idle timeout of the command stream. Zero
// disables it.
func (r *Replica) SetReadTimeout(timeout time.Duration) {
	r.readTimeout = timeout
}

// MasterAddr returns the master's address
func (r *Replica) MasterAddr() string {
	return r.masterAddr
}

// Start begins replication in the background. It returns immediately;
// use WaitForSync to wait for the initial sync and Done/Err to learn when
// the replica gave up.
func (r *Replica) Start(ctx context.Context) error {
	if !r.started.CompareAndSwap(false, true) {
		return errors.New("replica already started")
	}
	r.logger.Info("Starting replication", "master", r.masterAddr)

	ctx, cancel := context.WithCancel(ctx)
	r.cancel = cancel
	go r.run(ctx)
	return nil
}

// Stop stops replication and waits for the replication goroutine to exit
func (r *Replica) Stop() error {
	if !r.started.Load() {
		return nil
	}
	r.cancel()

	select {
	case <-r.done:
		return nil
	case <-time.After(5 * time.Second):
		return errors.New("stop timeout")
	}
}

// Done is closed when the replication goroutine exits
func (r *Replica) Done() <-chan struct{} {
	return r.done
}

// Err returns the error that made the replica give up, if any
func (r *Replica) Err() error {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.err
}

// OnSyncComplete registers a callback for the first completed sync.
// Callbacks registered after it completed run immediately.
func (r *Replica) OnSyncComplete(fn func()) {
	r.mu.Lock()
	if !r.initialSyncDone {
		r.syncCallbacks = append(r.syncCallbacks, fn)
		r.mu.Unlock()
		return
	}
	r.mu.Unlock()
	fn()
}

// WaitForSync blocks until the initial sync completed, the replica gave
// up or ctx ends
func (r *Replica) WaitForSync(ctx context.Context) error {
	select {
	case <-r.synced:
		return nil
	case <-r.done:
		select {
		case <-r.synced:
			return nil
		default:
		}
		if err := r.Err(); err != nil {
			return err
		}
		return errors.New("replication stopped before initial sync")
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Offset returns the number of stream bytes applied
func (r *Replica) Offset() int64 {
	return r.offset.Load()
}

// State returns the link state
func (r *Replica) State() State {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.state
}

// Stats returns current replication statistics
func (r *Replica) Stats() ReplicationStats {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return ReplicationStats{
		Connected:            r.state == StateStreaming,
		State:                r.state.String(),
		MasterAddr:           r.masterAddr,
		MasterReplID:         r.replID,
		ReplicationOffset:    r.offset.Load(),
		LastSyncTime:         r.lastSync,
		BytesReceived:        r.bytesReceived.Load(),
		CommandsProcessed:    r.commandsProcessed.Load(),
		ReconnectCount:       r.reconnects.Load(),
		InitialSyncCompleted: r.initialSyncDone,
		SnapshotKeys:         r.snapshotKeys,
	}
}

// Status reports the replica side of replication
func (r *Replica) Status() engine.ReplicationStatus {
	host, portStr, _ := net.SplitHostPort(r.masterAddr)
	port, _ := strconv.Atoi(portStr)

	r.mu.RLock()
	defer r.mu.RUnlock()

	return engine.ReplicationStatus{
		Role:           engine.RoleReplica,
		ReplID:         r.replID,
		Offset:         r.offset.Load(),
		MasterHost:     host,
		MasterPort:     port,
		LinkUp:         r.state == StateStreaming,
		SyncInProgress: r.state == StateHandshaking,
		State:          r.state.String(),
	}
}

// run is the main replication loop
func (r *Replica) run(ctx context.Context) {
	defer close(r.done)

	backoff := r.policy.InitialBackoff
	failures := 0

	for {
		synced, err := r.replicate(ctx)
		r.disconnect()
		if ctx.Err() != nil {
			r.logger.Info("Replication stopped", "master", r.masterAddr)
			return
		}

		if synced {
			failures = 0
			backoff = r.policy.InitialBackoff
		}

		phase := "streaming"
		var syncErr *SyncError
		if errors.As(err, &syncErr) {
			phase = syncErr.Phase
		}
		r.logger.Error("Replication link failed", "master", r.masterAddr, "phase", phase, "error", err)
		r.recordError(phase)

		if r.policy.MaxRetries >= 0 && failures >= r.policy.MaxRetries {
			r.fail(err, failures)
			return
		}
		failures++

		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return
		}
		backoff = min(backoff*2, r.policy.MaxBackoff)
		if backoff <= 0 {
			backoff = r.policy.InitialBackoff
		}

		r.reconnects.Add(1)
		if r.metrics != nil {
			r.metrics.RecordReconnection()
		}
	}
}

func (r *Replica) fail(err error, retries int) {
	var syncErr *SyncError
	if !errors.As(err, &syncErr) {
		syncErr = &SyncError{Phase: "streaming", Err: err}
	}
	syncErr.Retries = retries

	r.mu.Lock()
	r.err = syncErr
	r.mu.Unlock()
	r.logger.Error("Giving up on master", "master", r.masterAddr, "retries", retries, "error", err)
}

// replicate runs one connection to the master. synced reports whether the
// initial sync completed before the link failed.
func (r *Replica) replicate(ctx context.Context) (synced bool, err error) {
	r.setState(StateConnecting)

	dialer := &net.Dialer{Timeout: r.connectTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", r.masterAddr)
	if err != nil {
		return false, &SyncError{Phase: "connect", Err: err}
	}
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	r.mu.Lock()
	r.conn = conn
	r.mu.Unlock()

	reader := protocol.NewReader(conn)
	writer := protocol.NewWriter(conn)

	if r.syncTimeout > 0 {
		_ = conn.SetDeadline(time.Now().Add(r.syncTimeout))
	}

	start := time.Now()
	r.setState(StateHandshaking)
	replID, offset, err := r.handshake(reader, writer)
	if err != nil {
		return false, &SyncError{Phase: "handshake", Err: err}
	}
	if err := r.loadSnapshot(reader); err != nil {
		return false, &SyncError{Phase: "rdb", Err: err}
	}
	_ = conn.SetDeadline(time.Time{})

	r.offset.Store(offset)
	r.completeSync(replID, time.Since(start))

	return true, r.stream(reader, writer, conn)
}

// handshake performs PING, REPLCONF and PSYNC and returns the replication
// id and offset from +FULLRESYNC
func (r *Replica) handshake(reader *protocol.Reader, writer *protocol.Writer) (string, int64, error) {
	if r.masterPassword != "" {
		if _, err := r.roundTrip(reader, writer, "AUTH", r.masterPassword); err != nil {
			return "", 0, fmt.Errorf("authentication failed: %w", err)
		}
	}

	pong, err := r.roundTrip(reader, writer, "PING")
	if err != nil {
		return "", 0, err
	}
	if !strings.EqualFold(pong.String(), "PONG") {
		return "", 0, fmt.Errorf("unexpected PING reply: %q", pong.String())
	}

	if _, err := r.roundTrip(reader, writer, "REPLCONF", "listening-port", strconv.Itoa(r.listeningPort)); err != nil {
		return "", 0, err
	}
	if _, err := r.roundTrip(reader, writer, "REPLCONF", "capa", "psync2"); err != nil {
		return "", 0, err
	}

	reply, err := r.roundTrip(reader, writer, "PSYNC", "?", "-1")
	if err != nil {
		return "", 0, err
	}
	parts := strings.Fields(reply.String())
	if len(parts) != 3 || parts[0] != "FULLRESYNC" {
		return "", 0, fmt.Errorf("unsupported PSYNC response: %q", reply.String())
	}
	offset, err := strconv.ParseInt(parts[2], 10, 64)
	if err != nil || offset < 0 {
		return "", 0, fmt.Errorf("invalid offset in PSYNC response: %q", parts[2])
	}

	r.logger.Debug("Handshake completed", "master", r.masterAddr, "replid", parts[1], "offset", offset)
	return parts[1], offset, nil
}

func (r *Replica) roundTrip(reader *protocol.Reader, writer *protocol.Writer, cmd string, args ...string) (protocol.Value, error) {
	if err := writer.WriteCommand(cmd, args...); err != nil {
		return protocol.Value{}, err
	}
	if err := writer.Flush(); err != nil {
		return protocol.Value{}, err
	}
	reply, err := reader.ReadNext()
	if err != nil {
		return protocol.Value{}, fmt.Errorf("%s failed: %w", cmd, err)
	}
	if reply.IsError() {
		return protocol.Value{}, fmt.Errorf("%s failed: %s", cmd, reply.Error())
	}
	return reply, nil
}

// loadSnapshot reads the snapshot and replaces the keyspace with it. The
// keyspace is left untouched when the snapshot cannot be parsed.
func (r *Replica) loadSnapshot(reader *protocol.Reader) error {
	var buf bytes.Buffer
	n, err := reader.ReadSnapshot(func(chunk []byte) error {
		buf.Write(chunk)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to read RDB data: %w", err)
	}
	r.bytesReceived.Add(n)
	if r.metrics != nil {
		r.metrics.RecordNetworkBytes(n)
	}

	loader := &snapshotLoader{logger: r.logger}
	parser := NewRDBParser(&buf, loader)
	parser.SetLogger(r.logger)
	if err := parser.Parse(); err != nil {
		return fmt.Errorf("RDB parsing failed: %w", err)
	}

	if err := r.storage.FlushAll(); err != nil {
		return err
	}
	loader.apply(r.storage)

	r.mu.Lock()
	r.snapshotKeys = len(loader.entries)
	r.mu.Unlock()

	r.logger.Info("Snapshot loaded",
		"bytes", n,
		"rdb_version", parser.Version(),
		"keys", len(loader.entries),
		"skipped", parser.Skipped())
	return nil
}

func (r *Replica) completeSync(replID string, duration time.Duration) {
	r.mu.Lock()
	r.replID = replID
	r.state = StateStreaming
	r.lastSync = time.Now()
	first := !r.initialSyncDone
	r.initialSyncDone = true
	callbacks := r.syncCallbacks
	r.syncCallbacks = nil
	r.mu.Unlock()

	if r.metrics != nil {
		r.metrics.RecordSyncDuration(duration)
	}
	r.logger.Info("Synchronization completed", "master", r.masterAddr, "duration", duration)

	if first {
		close(r.synced)
		for _, fn := range callbacks {
			fn()
		}
	}
}

// stream applies the master's command stream until the link fails.
// Replies are written only for the commands the executor answers, which
// on the master link is REPLCONF GETACK.
func (r *Replica) stream(reader *protocol.Reader, writer *protocol.Writer, conn net.Conn) error {
	sess := engine.NewMasterSession()
	defer sess.Close()

	for {
		if r.readTimeout > 0 {
			_ = conn.SetReadDeadline(time.Now().Add(r.readTimeout))
		}
		cmd, err := reader.ReadCommand()
		if err != nil {
			return &SyncError{Phase: "streaming", Err: err}
		}

		reply := r.executor.Execute(sess, cmd)
		if !reply.IsEmpty() {
			if err := writer.WriteValue(reply); err != nil {
				return &SyncError{Phase: "streaming", Err: err}
			}
			if err := writer.Flush(); err != nil {
				return &SyncError{Phase: "streaming", Err: err}
			}
		}

		r.offset.Add(int64(len(cmd.Raw)))
		r.bytesReceived.Add(int64(len(cmd.Raw)))
		r.commandsProcessed.Add(1)
	}
}

func (r *Replica) setState(state State) {
	r.mu.Lock()
	r.state = state
	r.mu.Unlock()
}

func (r *Replica) disconnect() {
	r.mu.Lock()
	if r.conn != nil {
		r.conn.Close()
		r.conn = nil
	}
	r.state = StateDisconnected
	r.mu.Unlock()
}

func (r *Replica) recordError(errorType string) {
	if r.metrics != nil {
		r.metrics.RecordError(errorType)
	}
}
