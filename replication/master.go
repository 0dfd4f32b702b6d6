package replication

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/raniellyferreira/redis-inmemory-node/engine"
	"github.com/raniellyferreira/redis-inmemory-node/protocol"
	"github.com/raniellyferreira/redis-inmemory-node/storage"
)

// SnapshotMode selects the snapshot a master sends after FULLRESYNC
type SnapshotMode string

const (
	// SnapshotEmpty sends the empty RDB payload
	SnapshotEmpty SnapshotMode = "empty"
	// SnapshotPointInTime sends the keyspace as of the PSYNC
	SnapshotPointInTime SnapshotMode = "point-in-time"
)

// ParseSnapshotMode parses "empty" or "point-in-time"
func ParseSnapshotMode(s string) (SnapshotMode, error) {
	switch mode := SnapshotMode(strings.ToLower(s)); mode {
	case SnapshotEmpty, SnapshotPointInTime:
		return mode, nil
	default:
		return "", fmt.Errorf("invalid snapshot mode %q: must be %q or %q", s, SnapshotEmpty, SnapshotPointInTime)
	}
}

const (
	// DefaultReplicaBacklog is the number of writes queued per replica
	// before it is detached
	DefaultReplicaBacklog = 10000

	defaultMasterWriteTimeout = 10 * time.Second
)

var getAckCommand = protocol.EncodeStrings("REPLCONF", "GETACK", "*")

// Master coordinates the replicas attached to a master node. Every write
// propagated is queued for every replica in the same order and counted in
// the replication offset.
type Master struct {
	storage      storage.Storage
	replID       string
	mode         SnapshotMode
	backlog      int
	writeTimeout time.Duration

	mu        sync.Mutex
	offset    int64
	replicas  map[string]*replicaHandle
	ackSignal chan struct{}

	logger  Logger
	metrics MetricsCollector
}

// replicaHandle is a replica attached to the master. queue is fed under
// Master.mu and drained by the handle's writer goroutine.
type replicaHandle struct {
	sess      *engine.Session
	queue     chan []byte
	ackOffset int64
	done      chan struct{}
}

// NewMaster creates the replication coordinator of a master node
func NewMaster(stor storage.Storage) *Master {
	return &Master{
		storage:      stor,
		replID:       newReplID(),
		mode:         SnapshotPointInTime,
		backlog:      DefaultReplicaBacklog,
		writeTimeout: defaultMasterWriteTimeout,
		replicas:     make(map[string]*replicaHandle),
		ackSignal:    make(chan struct{}),
		logger:       nopLogger{},
	}
}

// newReplID returns 40 random hex characters
func newReplID() string {
	id := strings.ReplaceAll(uuid.NewString()+uuid.NewString(), "-", "")
	return id[:40]
}

// SetLogger sets the logger
func (m *Master) SetLogger(logger Logger) {
	m.logger = logger
}

// SetMetrics sets the metrics collector
func (m *Master) SetMetrics(metrics MetricsCollector) {
	m.metrics = metrics
}

// SetSnapshotMode sets the snapshot sent to new replicas
func (m *Master) SetSnapshotMode(mode SnapshotMode) {
	m.mode = mode
}

// SetBacklog sets the per-replica queue length
func (m *Master) SetBacklog(n int) {
	if n > 0 {
		m.backlog = n
	}
}

// SetWriteTimeout bounds every write to a replica connection
func (m *Master) SetWriteTimeout(timeout time.Duration) {
	m.writeTimeout = timeout
}

// ReplID returns the replication id
func (m *Master) ReplID() string {
	return m.replID
}

// Offset returns the number of bytes propagated so far
func (m *Master) Offset() int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.offset
}

// ReplicaCount returns the number of attached replicas
func (m *Master) ReplicaCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.replicas)
}

// Propagate appends raw to the replication stream
func (m *Master) Propagate(raw []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.propagateLocked(raw)
}

func (m *Master) propagateLocked(raw []byte) {
	m.offset += int64(len(raw))
	for _, h := range m.replicas {
		select {
		case h.queue <- raw:
		default:
			m.logger.Error("Replica fell behind, detaching", "replica", h.sess.RemoteAddr, "backlog", m.backlog)
			m.recordError("replica_overflow")
			m.detachLocked(h)
		}
	}
	if m.metrics != nil && len(m.replicas) > 0 {
		m.metrics.RecordNetworkBytes(int64(len(raw) * len(m.replicas)))
	}
}

// FullResync attaches the session as a replica at the current offset and
// hands +FULLRESYNC and the snapshot to the replica's writer goroutine. The
// caller must keep writes from committing until it returns; no network I/O
// happens before it does.
func (m *Master) FullResync(sess *engine.Session) error {
	if sess.Conn == nil || sess.Out == nil {
		return errors.New("replica session has no connection")
	}

	start := time.Now()
	payload, err := m.snapshot()
	if err != nil {
		return fmt.Errorf("failed to encode snapshot: %w", err)
	}

	sess.MarkReplica()

	m.mu.Lock()
	offset := m.offset
	h := &replicaHandle{
		sess:      sess,
		queue:     make(chan []byte, m.backlog),
		ackOffset: offset,
		done:      make(chan struct{}),
	}
	m.replicas[sess.ID] = h
	m.mu.Unlock()

	go m.writeLoop(h, fmt.Sprintf("FULLRESYNC %s %d", m.replID, offset), payload, start)
	sess.OnClose(func() { m.Detach(sess) })

	m.logger.Info("Replica attached",
		"replica", sess.RemoteAddr,
		"listening_port", sess.ListeningPort,
		"offset", offset,
		"snapshot_bytes", len(payload),
		"mode", string(m.mode))
	return nil
}

func (m *Master) snapshot() ([]byte, error) {
	if m.mode == SnapshotEmpty {
		return EmptyRDB(), nil
	}
	return EncodeSnapshot(m.storage)
}

// snapshotChunk bounds how much of a snapshot is written per deadline
const snapshotChunk = 64 * 1024

// writeLoop sends the FULLRESYNC line and the snapshot, then forwards
// queued writes to the replica, flushing once the queue is drained
func (m *Master) writeLoop(h *replicaHandle, fullResync string, payload []byte, start time.Time) {
	defer close(h.done)

	if err := m.sendSnapshot(h, fullResync, payload); err != nil {
		m.logger.Error("Failed to send snapshot to replica", "replica", h.sess.RemoteAddr, "error", err)
		m.recordError("replica_sync")
		m.abandon(h)
		return
	}
	if m.metrics != nil {
		m.metrics.RecordNetworkBytes(int64(len(payload)))
		m.metrics.RecordSyncDuration(time.Since(start))
	}

	for raw := range h.queue {
		if err := m.writeBatch(h, raw); err != nil {
			m.logger.Error("Failed to write to replica", "replica", h.sess.RemoteAddr, "error", err)
			m.recordError("replica_write")
			m.abandon(h)
			return
		}
	}
}

func (m *Master) sendSnapshot(h *replicaHandle, fullResync string, payload []byte) error {
	out := h.sess.Out
	m.extendDeadline(h)
	if err := out.WriteSimpleString(fullResync); err != nil {
		return err
	}
	if err := out.WriteSnapshotHeader(len(payload)); err != nil {
		return err
	}
	for len(payload) > 0 {
		n := min(len(payload), snapshotChunk)
		m.extendDeadline(h)
		if err := out.WriteRaw(payload[:n]); err != nil {
			return err
		}
		payload = payload[n:]
	}
	m.extendDeadline(h)
	return out.Flush()
}

// abandon detaches the replica and discards what is left in its queue
func (m *Master) abandon(h *replicaHandle) {
	m.Detach(h.sess)
	for range h.queue {
	}
}

func (m *Master) writeBatch(h *replicaHandle, raw []byte) error {
	out := h.sess.Out
	m.extendDeadline(h)
	if err := out.WriteRaw(raw); err != nil {
		return err
	}
	for {
		select {
		case more, ok := <-h.queue:
			if !ok {
				return nil
			}
			m.extendDeadline(h)
			if err := out.WriteRaw(more); err != nil {
				return err
			}
		default:
			m.extendDeadline(h)
			return out.Flush()
		}
	}
}

// extendDeadline must precede every write: bufio writes large buffers
// straight to the connection
func (m *Master) extendDeadline(h *replicaHandle) {
	if m.writeTimeout > 0 {
		_ = h.sess.Conn.SetWriteDeadline(time.Now().Add(m.writeTimeout))
	}
}

// Ack records the offset a replica acknowledged
func (m *Master) Ack(sess *engine.Session, offset int64) {
	m.mu.Lock()
	defer m.mu.Unlock()

	h, ok := m.replicas[sess.ID]
	if !ok || offset <= h.ackOffset {
		return
	}
	h.ackOffset = offset
	close(m.ackSignal)
	m.ackSignal = make(chan struct{})
}

// WaitForReplicas returns once n replicas acknowledged every write
// propagated before the call, or when ctx ends. It returns the number of
// replicas that did.
func (m *Master) WaitForReplicas(ctx context.Context, n int) int {
	m.mu.Lock()
	target := m.offset
	if target == 0 {
		count := len(m.replicas)
		m.mu.Unlock()
		return count
	}
	acked := m.ackedLocked(target)
	if acked >= n {
		m.mu.Unlock()
		return acked
	}
	m.propagateLocked(getAckCommand)
	m.mu.Unlock()

	for {
		m.mu.Lock()
		acked = m.ackedLocked(target)
		signal := m.ackSignal
		m.mu.Unlock()

		if acked >= n {
			return acked
		}
		select {
		case <-signal:
		case <-ctx.Done():
			return acked
		}
	}
}

func (m *Master) ackedLocked(target int64) int {
	acked := 0
	for _, h := range m.replicas {
		if h.ackOffset >= target {
			acked++
		}
	}
	return acked
}

// Detach removes the replica attached on sess and closes its connection
func (m *Master) Detach(sess *engine.Session) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if h, ok := m.replicas[sess.ID]; ok {
		m.detachLocked(h)
	}
}

func (m *Master) detachLocked(h *replicaHandle) {
	delete(m.replicas, h.sess.ID)
	close(h.queue)
	if h.sess.Conn != nil {
		_ = h.sess.Conn.Close()
	}
	m.logger.Info("Replica detached", "replica", h.sess.RemoteAddr)
}

// Close detaches every replica and waits for their writers to stop
func (m *Master) Close() {
	m.mu.Lock()
	handles := make([]*replicaHandle, 0, len(m.replicas))
	for _, h := range m.replicas {
		handles = append(handles, h)
		m.detachLocked(h)
	}
	m.mu.Unlock()

	for _, h := range handles {
		<-h.done
	}
}

// Status reports the master side of replication
func (m *Master) Status() engine.ReplicationStatus {
	m.mu.Lock()
	defer m.mu.Unlock()

	status := engine.ReplicationStatus{
		Role:     engine.RoleMaster,
		ReplID:   m.replID,
		Offset:   m.offset,
		Replicas: make([]engine.ReplicaInfo, 0, len(m.replicas)),
	}

	handles := make([]*replicaHandle, 0, len(m.replicas))
	for _, h := range m.replicas {
		handles = append(handles, h)
	}
	sort.Slice(handles, func(i, j int) bool {
		return handles[i].sess.ClientID < handles[j].sess.ClientID
	})

	for _, h := range handles {
		ip := h.sess.RemoteAddr
		if host, _, err := net.SplitHostPort(ip); err == nil {
			ip = host
		}
		status.Replicas = append(status.Replicas, engine.ReplicaInfo{
			IP:     ip,
			Port:   h.sess.ListeningPort,
			Offset: h.ackOffset,
			State:  "online",
		})
	}
	return status
}

func (m *Master) recordError(errorType string) {
	if m.metrics != nil {
		m.metrics.RecordError(errorType)
	}
}
