// Package replication implements both sides of Redis master/replica
// replication.
//
// On a master node, Master answers PSYNC with +FULLRESYNC and an RDB
// snapshot, then forwards every write propagated by the engine to each
// attached replica in commit order. Replicas that fall behind by more than
// the configured backlog are detached.
//
// On a replica node, Replica connects to the master, performs the
// handshake, loads the snapshot into storage and applies the command
// stream through the engine:
//
//	r := replication.NewReplica("localhost:6379", eng, stor)
//	eng.SetReplicaLink(r)
//	if err := r.Start(ctx); err != nil {
//		log.Fatal(err)
//	}
//	err := r.WaitForSync(ctx)
//
// The RDB parser understands versions up to 12. Strings and lists are
// loaded; other types are skipped.
package replication
