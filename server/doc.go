// Package server accepts RESP connections for a node and runs their
// commands through the engine.
//
// Each connection is served by its own goroutine. Pipelined requests are
// answered in order and replies are flushed once the read buffer is
// drained. A malformed request closes the connection without a reply.
//
// A connection that issues PSYNC on a master becomes a replica link: the
// server keeps reading its REPLCONF ACK frames but stops writing to it, as
// the replication package's writer goroutine owns its output from then on.
//
// The server is compatible with Redis clients like github.com/redis/go-redis.
package server
