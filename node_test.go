package redisnode

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/raniellyferreira/redis-inmemory-node/replication"
	"github.com/raniellyferreira/redis-inmemory-node/storage"
)

func TestOptionsValidation(t *testing.T) {
	tests := []struct {
		name    string
		opt     Option
		wantErr bool
	}{
		{"valid port", WithPort(6380), false},
		{"port zero", WithPort(0), false},
		{"negative port", WithPort(-1), true},
		{"port too large", WithPort(70000), true},
		{"empty bind", WithBind(""), true},
		{"replicaof with space", WithReplicaOf("localhost 6379"), false},
		{"replicaof with colon", WithReplicaOf("localhost:6379"), false},
		{"replicaof without port", WithReplicaOf("localhost"), true},
		{"replicaof bad port", WithReplicaOf("localhost abc"), true},
		{"snapshot mode", WithSnapshotMode(replication.SnapshotEmpty), false},
		{"bad snapshot mode", WithSnapshotMode("partial"), true},
		{"zero backlog", WithReplicaBacklog(0), true},
		{"bad backoff", WithReconnectPolicy(replication.ReconnectPolicy{InitialBackoff: time.Second, MaxBackoff: time.Millisecond}), true},
		{"zero sync timeout", WithSyncTimeout(0), true},
		{"zero connect timeout", WithConnectTimeout(0), true},
		{"negative idle timeout", WithIdleTimeout(-time.Second), true},
		{"nil logger", WithLogger(nil), true},
		{"log level", WithLogLevel("debug"), false},
		{"bad log level", WithLogLevel("verbose"), true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.opt(defaultConfig())
			if (err != nil) != tt.wantErr {
				t.Errorf("got error %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestInvalidOptionErrors(t *testing.T) {
	if _, err := New(WithPort(-1)); !errors.Is(err, ErrInvalidConfig) {
		t.Errorf("expected ErrInvalidConfig, got %v", err)
	}

	_, err := New(WithReplicaOf("nowhere"))
	var connErr *ConnectionError
	if !errors.As(err, &connErr) || connErr.Addr != "nowhere" {
		t.Errorf("expected a ConnectionError, got %v", err)
	}
}

func TestParseReplicaOf(t *testing.T) {
	tests := []struct {
		in      string
		want    string
		wantErr bool
	}{
		{"localhost 6379", "localhost:6379", false},
		{"  10.0.0.1   6380 ", "10.0.0.1:6380", false},
		{"localhost:6379", "localhost:6379", false},
		{"::1 6379", "[::1]:6379", false},
		{"localhost 0", "", true},
		{"localhost 6379 extra", "", true},
		{"", "", true},
		{":6379", "", true},
	}

	for _, tt := range tests {
		got, err := ParseReplicaOf(tt.in)
		if (err != nil) != tt.wantErr || got != tt.want {
			t.Errorf("ParseReplicaOf(%q) = %q, %v; want %q", tt.in, got, err, tt.want)
		}
	}
}

func TestParseLogLevel(t *testing.T) {
	tests := map[string]slog.Level{
		"debug": slog.LevelDebug,
		"INFO":  slog.LevelInfo,
		"":      slog.LevelInfo,
		"error": slog.LevelError,
	}
	for in, want := range tests {
		got, err := ParseLogLevel(in)
		if err != nil || got != want {
			t.Errorf("ParseLogLevel(%q) = %v, %v", in, got, err)
		}
	}
}

func TestLoggerLevels(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(&buf, slog.LevelInfo)

	logger.Debug("hidden")
	logger.Info("replica attached", Field{Key: "port", Value: 6380})
	logger.Error("link failed", Field{Key: "error", Value: errors.New("boom")})

	out := buf.String()
	if strings.Contains(out, "hidden") {
		t.Error("debug record written at info level")
	}
	for _, want := range []string{"level=INFO", `msg="replica attached"`, "port=6380", "level=ERROR", "error=boom"} {
		if !strings.Contains(out, want) {
			t.Errorf("log output missing %q:\n%s", want, out)
		}
	}
}

func TestConvertFields(t *testing.T) {
	fields := convertFields("a", 1, 2, "skipped", "b", "x", "dangling")
	if len(fields) != 2 {
		t.Fatalf("expected 2 fields, got %+v", fields)
	}
	if fields[0] != (Field{Key: "a", Value: 1}) || fields[1] != (Field{Key: "b", Value: "x"}) {
		t.Errorf("unexpected fields %+v", fields)
	}
}

func TestNodeLifecycle(t *testing.T) {
	node, err := New(WithPort(0), WithBind("127.0.0.1"), WithLogger(nopLogger{}))
	if err != nil {
		t.Fatal(err)
	}

	if err := node.WaitForSync(context.Background()); !errors.Is(err, ErrNotStarted) {
		t.Errorf("WaitForSync before Start: expected ErrNotStarted, got %v", err)
	}

	if err := node.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	if err := node.Start(context.Background()); err != nil {
		t.Errorf("second Start: %v", err)
	}
	if strings.HasSuffix(node.Addr(), ":0") {
		t.Errorf("Addr did not resolve the port: %s", node.Addr())
	}
	if node.Role() != "master" {
		t.Errorf("expected master, got %s", node.Role())
	}
	if err := node.WaitForSync(context.Background()); err != nil {
		t.Errorf("WaitForSync on a master: %v", err)
	}

	called := false
	node.OnSyncComplete(func() { called = true })
	if !called {
		t.Error("OnSyncComplete callback not run on a master")
	}

	if err := node.Close(); err != nil {
		t.Fatal(err)
	}
	if err := node.Close(); err != nil {
		t.Errorf("second Close: %v", err)
	}
	if err := node.Start(context.Background()); !errors.Is(err, ErrClosed) {
		t.Errorf("Start after Close: expected ErrClosed, got %v", err)
	}
}

func TestNodeWaitForReplicasOnReplica(t *testing.T) {
	node, err := New(WithReplicaOf("127.0.0.1 6379"), WithLogger(nopLogger{}))
	if err != nil {
		t.Fatal(err)
	}
	defer node.Close()

	if node.Role() != "slave" {
		t.Errorf("expected slave, got %s", node.Role())
	}
	if _, err := node.WaitForReplicas(context.Background(), 1); !errors.Is(err, ErrNotMaster) {
		t.Errorf("expected ErrNotMaster, got %v", err)
	}
}

func TestNodeLoadsSnapshotFile(t *testing.T) {
	src := storage.NewMemory()
	src.Set("greeting", []byte("hello"), nil)
	src.RPush("jobs", []byte("a"), []byte("b"))
	payload, err := replication.EncodeSnapshot(src)
	src.Close()
	if err != nil {
		t.Fatal(err)
	}

	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "seed.rdb"), payload, 0o644); err != nil {
		t.Fatal(err)
	}

	node, err := New(WithPort(0), WithBind("127.0.0.1"), WithLogger(nopLogger{}), WithDir(dir), WithDBFilename("seed.rdb"))
	if err != nil {
		t.Fatal(err)
	}
	defer node.Close()
	if err := node.Start(context.Background()); err != nil {
		t.Fatal(err)
	}

	if v, err := node.Storage().Get("greeting"); err != nil || string(v) != "hello" {
		t.Errorf("greeting = %q, %v", v, err)
	}
	if n := node.Storage().KeyCount(); n != 2 {
		t.Errorf("key count = %d, want 2", n)
	}
}

func TestNodeStartFailsOnCorruptSnapshotFile(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "dump.rdb"), []byte("not an rdb file"), 0o644); err != nil {
		t.Fatal(err)
	}

	node, err := New(WithPort(0), WithBind("127.0.0.1"), WithLogger(nopLogger{}), WithDir(dir))
	if err != nil {
		t.Fatal(err)
	}
	defer node.Close()
	if err := node.Start(context.Background()); err == nil {
		t.Error("Start succeeded with a corrupt snapshot file")
	}
}

func TestVersionInfo(t *testing.T) {
	info := VersionInfo()
	if info["version"] != Version {
		t.Errorf("expected version %s, got %s", Version, info["version"])
	}
}
