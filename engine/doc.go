// Package engine implements command dispatch for the node.
//
// Commands are looked up in a static table that records their arity and
// flags. Arguments are validated before the keyspace is touched, and write
// commands run under a single lock that is held until the write has been
// handed to the replication stream, so replicas observe writes in commit
// order.
//
// On a replica, client writes are rejected with READONLY while the session
// fed by the master applies them without replying.
package engine
