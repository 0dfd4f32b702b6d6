// Package redisnode provides an in-memory, Redis-compatible server that
// runs either as a master or as a replica of another node.
//
// A master accepts reads and writes and streams every write to its
// replicas. A replica performs a full synchronization with its master,
// then applies the master's command stream and serves read-only clients.
//
// Basic usage:
//
//	master, err := redisnode.New(redisnode.WithPort(6379))
//	if err != nil {
//		log.Fatal(err)
//	}
//	defer master.Close()
//	if err := master.Start(context.Background()); err != nil {
//		log.Fatal(err)
//	}
//
//	replica, err := redisnode.New(
//		redisnode.WithPort(6380),
//		redisnode.WithReplicaOf("localhost 6379"),
//	)
//	if err != nil {
//		log.Fatal(err)
//	}
//	defer replica.Close()
//	if err := replica.Start(context.Background()); err != nil {
//		log.Fatal(err)
//	}
//
//	// Wait for initial sync
//	if err := replica.WaitForSync(ctx); err != nil {
//		log.Fatal(err)
//	}
//
// The node supports:
//
//   - Strings with expiry, lists, streams and Lua scripting
//   - Full resynchronization with a point-in-time or empty RDB snapshot
//   - WAIT for replica acknowledgements
//   - Reconnection with exponential backoff
//   - Structured logging through log/slog and Prometheus metrics
//
// See cmd/redis-node for the command line server.
package redisnode
