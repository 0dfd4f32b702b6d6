package engine

import "context"

// Master is the replication coordinator of a master node as used by the
// engine
type Master interface {
	// Propagate appends a committed write to the replication stream
	Propagate(raw []byte)
	// FullResync registers the session as a replica at the current offset
	// and queues the FULLRESYNC reply and a snapshot for it. It runs while
	// the engine holds its write lock and must not block on the network.
	FullResync(sess *Session) error
	// Ack records the offset a replica acknowledged
	Ack(sess *Session, offset int64)
	// WaitForReplicas blocks until n replicas acknowledged every write
	// propagated so far or ctx ends, and returns the number that did
	WaitForReplicas(ctx context.Context, n int) int
	// Status reports the master side of replication
	Status() ReplicationStatus
}

// ReplicaLink is the replication client of a replica node as used by the
// engine
type ReplicaLink interface {
	// Offset is the number of stream bytes applied so far
	Offset() int64
	// Status reports the replica side of replication
	Status() ReplicationStatus
}

// ReplicationStatus is reported by INFO replication and ROLE
type ReplicationStatus struct {
	Role   string
	ReplID string
	Offset int64

	// Master role
	Replicas []ReplicaInfo

	// Replica role
	MasterHost     string
	MasterPort     int
	LinkUp         bool
	SyncInProgress bool
	State          string
}

// ReplicaInfo describes a replica attached to a master
type ReplicaInfo struct {
	IP     string
	Port   int
	Offset int64
	State  string
}

const (
	RoleMaster  = "master"
	RoleReplica = "slave"
)
