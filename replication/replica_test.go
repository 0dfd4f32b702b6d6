package replication

import (
	"context"
	"errors"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/raniellyferreira/redis-inmemory-node/engine"
	"github.com/raniellyferreira/redis-inmemory-node/protocol"
	"github.com/raniellyferreira/redis-inmemory-node/storage"
)

type testReplica struct {
	replica *Replica
	engine  *engine.Engine
	storage *storage.MemoryStorage
}

func newTestReplica(t *testing.T, masterAddr string) *testReplica {
	t.Helper()

	stor := storage.NewMemory()
	eng := engine.New(stor, engine.Config{})
	r := NewReplica(masterAddr, eng, stor)
	r.SetLogger(&testLogger{t: t})
	r.SetListeningPort(6380)
	r.SetReconnectPolicy(ReconnectPolicy{MaxRetries: -1, InitialBackoff: 10 * time.Millisecond, MaxBackoff: 50 * time.Millisecond})
	eng.SetReplicaLink(r)

	t.Cleanup(func() {
		r.Stop()
		stor.Close()
	})
	return &testReplica{replica: r, engine: eng, storage: stor}
}

func (tr *testReplica) startAndSync(t *testing.T) {
	t.Helper()
	if err := tr.replica.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := tr.replica.WaitForSync(ctx); err != nil {
		t.Fatalf("WaitForSync: %v", err)
	}
}

func (tr *testReplica) get(key string) string {
	v, err := tr.storage.Get(key)
	if err != nil {
		return ""
	}
	return string(v)
}

func TestReplica_SyncAndStream(t *testing.T) {
	tm := startMaster(t)
	tm.exec("SET", "before", "snapshot")
	tm.exec("RPUSH", "list", "a", "b")

	tr := newTestReplica(t, tm.addr)
	tr.startAndSync(t)

	if got := tr.get("before"); got != "snapshot" {
		t.Errorf("before = %q, want snapshot", got)
	}
	if items, _ := tr.storage.LRange("list", 0, -1); len(items) != 2 {
		t.Errorf("list = %q, want 2 items", items)
	}

	tm.exec("SET", "after", "1")
	tm.exec("INCR", "after")
	tm.exec("LPUSH", "list", "z")
	tm.exec("DEL", "before")
	id := tm.exec("XADD", "stream", "*", "field", "value")

	eventually(t, "stream to be applied", func() bool {
		return tr.replica.Offset() == tm.master.Offset()
	})

	if got := tr.get("after"); got != "2" {
		t.Errorf("after = %q, want 2", got)
	}
	if got := tr.get("before"); got != "" {
		t.Errorf("deleted key still present: %q", got)
	}
	if items, _ := tr.storage.LRange("list", 0, 0); len(items) != 1 || string(items[0]) != "z" {
		t.Errorf("list head = %q, want z", items)
	}
	if last, err := tr.storage.LastStreamID("stream"); err != nil || last.String() != id.String() {
		t.Errorf("stream last id = %v, want %s", last, id.String())
	}

	status := tr.replica.Status()
	if !status.LinkUp || status.State != "connected" || status.Role != engine.RoleReplica {
		t.Errorf("status = %+v", status)
	}
	if status.ReplID != tm.master.ReplID() {
		t.Errorf("replid = %q, want %q", status.ReplID, tm.master.ReplID())
	}

	stats := tr.replica.Stats()
	if !stats.InitialSyncCompleted || stats.CommandsProcessed != 5 || stats.SnapshotKeys != 2 {
		t.Errorf("stats = %+v", stats)
	}

	if masterStatus := tm.master.Status(); len(masterStatus.Replicas) != 1 || masterStatus.Replicas[0].Port != 6380 {
		t.Errorf("master status = %+v", masterStatus)
	}
}

func TestReplica_ReadOnly(t *testing.T) {
	tm := startMaster(t)
	tr := newTestReplica(t, tm.addr)
	tr.startAndSync(t)

	sess := tr.engine.NewSession(nil, nil)
	defer sess.Close()

	reply := tr.engine.Execute(sess, protocol.NewCommand("SET", []byte("k"), []byte("v")))
	if !reply.IsError() || !strings.HasPrefix(reply.Error(), "READONLY") {
		t.Errorf("SET on replica = %q", reply.String())
	}
	if reply := tr.engine.Execute(sess, protocol.NewCommand("GET", []byte("k"))); reply.IsError() {
		t.Errorf("GET on replica = %q", reply.String())
	}
}

func TestReplica_Wait(t *testing.T) {
	tm := startMaster(t)
	tr := newTestReplica(t, tm.addr)
	tr.startAndSync(t)

	tm.exec("SET", "k", "v")
	tm.exec("SET", "k2", "v2")

	reply := tm.exec("WAIT", "1", "2000")
	if reply.String() != "1" {
		t.Fatalf("WAIT 1 = %q, want 1", reply.String())
	}

	// Acks report the offset before the GETACK
	eventually(t, "replica to apply GETACK", func() bool {
		return tr.replica.Offset() == tm.master.Offset()
	})

	if reply := tm.exec("WAIT", "2", "500"); reply.String() != "1" {
		t.Errorf("WAIT 2 with one replica = %q, want 1", reply.String())
	}
}

func TestReplica_Auth(t *testing.T) {
	tm := startMasterWithConfig(t, engine.Config{Password: "secret"})
	tm.exec("SET", "k", "v")

	tr := newTestReplica(t, tm.addr)
	tr.replica.SetAuth("secret")
	tr.startAndSync(t)

	if got := tr.get("k"); got != "v" {
		t.Errorf("k = %q, want v", got)
	}
}

func TestReplica_Reconnect(t *testing.T) {
	tm := startMaster(t)
	tr := newTestReplica(t, tm.addr)

	resynced := make(chan struct{}, 4)
	tr.replica.OnSyncComplete(func() { resynced <- struct{}{} })
	tr.startAndSync(t)
	<-resynced

	// Dropping every replica forces a new full sync
	tm.exec("SET", "during", "outage")
	tm.master.Close()

	eventually(t, "replica to reattach", func() bool {
		return tm.master.ReplicaCount() == 1 && tr.replica.State() == StateStreaming
	})
	if tr.replica.Stats().ReconnectCount < 1 {
		t.Error("reconnect was not counted")
	}

	tm.exec("SET", "after", "reconnect")
	eventually(t, "writes after reconnect", func() bool {
		return tr.get("during") == "outage" && tr.get("after") == "reconnect"
	})
}

func TestReplica_SnapshotReplacesKeyspace(t *testing.T) {
	tm := startMaster(t)
	tm.exec("SET", "master", "1")

	tr := newTestReplica(t, tm.addr)
	tr.storage.Set("stale", []byte("x"), nil)
	tr.startAndSync(t)

	if got := tr.get("stale"); got != "" {
		t.Errorf("stale key survived the snapshot: %q", got)
	}
	if got := tr.get("master"); got != "1" {
		t.Errorf("master = %q, want 1", got)
	}
}

// fakeMaster accepts connections and answers every command with reply
func fakeMaster(t *testing.T, reply string) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	t.Cleanup(func() { ln.Close() })

	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go func() {
				defer conn.Close()
				reader := protocol.NewReader(conn)
				for {
					if _, err := reader.ReadCommand(); err != nil {
						return
					}
					if _, err := conn.Write([]byte(reply)); err != nil {
						return
					}
				}
			}()
		}
	}()
	return ln.Addr().String()
}

func TestReplica_HandshakeFailure(t *testing.T) {
	addr := fakeMaster(t, "-ERR not today\r\n")

	tr := newTestReplica(t, addr)
	tr.replica.SetReconnectPolicy(ReconnectPolicy{MaxRetries: 0})
	if err := tr.replica.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := tr.replica.WaitForSync(ctx)

	var syncErr *SyncError
	if !errors.As(err, &syncErr) {
		t.Fatalf("WaitForSync = %v, want a SyncError", err)
	}
	if syncErr.Phase != "handshake" || !strings.Contains(syncErr.Error(), "not today") {
		t.Errorf("sync error = %v", syncErr)
	}

	select {
	case <-tr.replica.Done():
	case <-time.After(time.Second):
		t.Fatal("replica did not give up")
	}
}

func TestReplica_RetriesBeforeGivingUp(t *testing.T) {
	addr := fakeMaster(t, "+PONG\r\n")

	tr := newTestReplica(t, addr)
	tr.replica.SetReconnectPolicy(ReconnectPolicy{MaxRetries: 2, InitialBackoff: time.Millisecond, MaxBackoff: time.Millisecond})
	tr.replica.Start(context.Background())

	select {
	case <-tr.replica.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("replica did not give up")
	}

	var syncErr *SyncError
	if !errors.As(tr.replica.Err(), &syncErr) {
		t.Fatalf("Err = %v, want a SyncError", tr.replica.Err())
	}
	if syncErr.Retries != 2 {
		t.Errorf("retries = %d, want 2", syncErr.Retries)
	}
	if tr.replica.Stats().ReconnectCount != 2 {
		t.Errorf("reconnects = %d, want 2", tr.replica.Stats().ReconnectCount)
	}
}

func TestReplica_ConnectFailure(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	addr := ln.Addr().String()
	ln.Close()

	tr := newTestReplica(t, addr)
	tr.replica.SetReconnectPolicy(ReconnectPolicy{MaxRetries: 0})
	tr.replica.Start(context.Background())
	<-tr.replica.Done()

	var syncErr *SyncError
	if !errors.As(tr.replica.Err(), &syncErr) || syncErr.Phase != "connect" {
		t.Errorf("Err = %v, want a connect SyncError", tr.replica.Err())
	}
}

func TestReplica_Stop(t *testing.T) {
	tm := startMaster(t)
	tr := newTestReplica(t, tm.addr)
	tr.startAndSync(t)

	if err := tr.replica.Start(context.Background()); err == nil {
		t.Error("second Start succeeded")
	}
	if err := tr.replica.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if err := tr.replica.Err(); err != nil {
		t.Errorf("Err after Stop = %v", err)
	}
	if tr.replica.State() != StateDisconnected {
		t.Errorf("state after Stop = %v", tr.replica.State())
	}
	eventually(t, "master to drop the replica", func() bool {
		return tm.master.ReplicaCount() == 0
	})
}

func TestState_String(t *testing.T) {
	tests := map[State]string{
		StateDisconnected: "connect",
		StateConnecting:   "connecting",
		StateHandshaking:  "sync",
		StateStreaming:    "connected",
	}
	for state, want := range tests {
		if got := state.String(); got != want {
			t.Errorf("%d.String() = %q, want %q", state, got, want)
		}
	}
}
