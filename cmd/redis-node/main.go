// Command redis-node runs a Redis-compatible in-memory server, as a master
// or as a replica of another node.
//
// Usage:
//
//	redis-node --port 6379
//	redis-node --port 6380 --replicaof "localhost 6379"
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	redisnode "github.com/raniellyferreira/redis-inmemory-node"
	"github.com/raniellyferreira/redis-inmemory-node/replication"
)

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintln(os.Stderr, "redis-node:", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	fs := flag.NewFlagSet("redis-node", flag.ContinueOnError)
	var (
		port             = fs.Int("port", 6379, "TCP port to listen on")
		bind             = fs.String("bind", "0.0.0.0", "Address to bind to")
		replicaOf        = fs.String("replicaof", "", "Master to replicate, as \"<host> <port>\"")
		requirePass      = fs.String("requirepass", "", "Password clients must AUTH with")
		masterAuth       = fs.String("masterauth", "", "Password to authenticate to the master with")
		snapshotMode     = fs.String("replica-snapshot", string(replication.SnapshotPointInTime), "Snapshot sent to new replicas: point-in-time or empty")
		reconnectRetries = fs.Int("reconnect-retries", -1, "Reconnect attempts before a replica gives up, -1 for unlimited")
		metricsAddr      = fs.String("metrics-addr", "", "Serve Prometheus metrics on this address")
		logLevel         = fs.String("log-level", "info", "Log level: debug, info or error")
		dir              = fs.String("dir", ".", "Directory of the RDB file loaded at startup")
		dbFilename       = fs.String("dbfilename", "dump.rdb", "RDB file loaded at startup when it exists")
		showVersion      = fs.Bool("version", false, "Print version and exit")
	)
	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return nil
		}
		return err
	}

	if *showVersion {
		fmt.Println("redis-node", redisnode.Version)
		return nil
	}

	// --replicaof host port, as redis-server accepts it
	if *replicaOf != "" && !strings.ContainsAny(*replicaOf, " :") && fs.NArg() > 0 {
		*replicaOf = *replicaOf + " " + fs.Arg(0)
	}

	mode, err := replication.ParseSnapshotMode(*snapshotMode)
	if err != nil {
		return err
	}

	opts := []redisnode.Option{
		redisnode.WithPort(*port),
		redisnode.WithBind(*bind),
		redisnode.WithPassword(*requirePass),
		redisnode.WithSnapshotMode(mode),
		redisnode.WithLogLevel(*logLevel),
		redisnode.WithDir(*dir),
		redisnode.WithDBFilename(*dbFilename),
	}
	if *replicaOf != "" {
		opts = append(opts,
			redisnode.WithReplicaOf(*replicaOf),
			redisnode.WithMasterAuth(*masterAuth),
			redisnode.WithReconnectPolicy(replication.ReconnectPolicy{
				MaxRetries:     *reconnectRetries,
				InitialBackoff: 200 * time.Millisecond,
				MaxBackoff:     5 * time.Second,
			}),
		)
	}
	if *metricsAddr != "" {
		opts = append(opts, redisnode.WithMetricsAddr(*metricsAddr))
	}

	node, err := redisnode.New(opts...)
	if err != nil {
		return err
	}
	defer node.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := node.Start(ctx); err != nil {
		return err
	}

	select {
	case <-ctx.Done():
		return nil
	case <-node.Done():
		return node.Err()
	}
}
