package engine

import (
	"context"
	"strings"
	"sync"
	"testing"

	"github.com/raniellyferreira/redis-inmemory-node/protocol"
	"github.com/raniellyferreira/redis-inmemory-node/storage"
)

// fakeMaster records the replication stream
type fakeMaster struct {
	mu         sync.Mutex
	stream     [][]byte
	acks       map[string]int64
	resyncs    int
	waitResult int
}

func (m *fakeMaster) Propagate(raw []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stream = append(m.stream, append([]byte(nil), raw...))
}

func (m *fakeMaster) FullResync(sess *Session) error {
	m.mu.Lock()
	m.resyncs++
	m.mu.Unlock()
	sess.MarkReplica()
	return nil
}

func (m *fakeMaster) Ack(sess *Session, offset int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.acks == nil {
		m.acks = make(map[string]int64)
	}
	m.acks[sess.ID] = offset
}

func (m *fakeMaster) WaitForReplicas(ctx context.Context, n int) int {
	return m.waitResult
}

func (m *fakeMaster) Status() ReplicationStatus {
	m.mu.Lock()
	defer m.mu.Unlock()
	var offset int64
	for _, raw := range m.stream {
		offset += int64(len(raw))
	}
	return ReplicationStatus{
		Role:     RoleMaster,
		ReplID:   strings.Repeat("a", 40),
		Offset:   offset,
		Replicas: []ReplicaInfo{{IP: "127.0.0.1", Port: 6380, Offset: offset, State: "online"}},
	}
}

func (m *fakeMaster) commands() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, len(m.stream))
	for i, raw := range m.stream {
		v, _, err := protocol.Decode(raw)
		if err != nil {
			out[i] = "invalid: " + err.Error()
			continue
		}
		cmd, _ := protocol.ParseCommand(v)
		out[i] = cmd.String()
	}
	return out
}

// fakeReplica reports a fixed replication status
type fakeReplica struct {
	offset int64
}

func (r *fakeReplica) Offset() int64 { return r.offset }

func (r *fakeReplica) Status() ReplicationStatus {
	return ReplicationStatus{
		Role:       RoleReplica,
		ReplID:     strings.Repeat("b", 40),
		Offset:     r.offset,
		MasterHost: "localhost",
		MasterPort: 6379,
		LinkUp:     true,
		State:      "connected",
	}
}

func newTestEngine(t *testing.T, config Config) *Engine {
	t.Helper()
	store := storage.NewMemory()
	t.Cleanup(func() { _ = store.Close() })
	if config.Version == "" {
		config.Version = "7.2.0"
	}
	return New(store, config)
}

func exec(e *Engine, sess *Session, args ...string) protocol.Value {
	argv := make([][]byte, len(args)-1)
	for i, arg := range args[1:] {
		argv[i] = []byte(arg)
	}
	return e.Execute(sess, protocol.NewCommand(args[0], argv...))
}

func expectReply(t *testing.T, got protocol.Value, want protocol.Value) {
	t.Helper()
	if !got.Equal(want) {
		t.Errorf("expected %q, got %q", protocol.Encode(want), protocol.Encode(got))
	}
}

func expectError(t *testing.T, got protocol.Value, prefix string) {
	t.Helper()
	if !got.IsError() || !strings.HasPrefix(got.Error(), prefix) {
		t.Errorf("expected error starting with %q, got %q", prefix, protocol.Encode(got))
	}
}

func TestEngine_SetGet(t *testing.T) {
	e := newTestEngine(t, Config{})
	sess := e.NewSession(nil, nil)

	if got := protocol.Encode(exec(e, sess, "SET", "foo", "bar")); string(got) != "+OK\r\n" {
		t.Errorf("SET reply = %q", got)
	}
	if got := protocol.Encode(exec(e, sess, "GET", "foo")); string(got) != "$3\r\nbar\r\n" {
		t.Errorf("GET reply = %q", got)
	}
	if got := protocol.Encode(exec(e, sess, "GET", "missing")); string(got) != "$-1\r\n" {
		t.Errorf("GET missing reply = %q", got)
	}

	// Command names are case-insensitive
	expectReply(t, exec(e, sess, "get", "foo"), protocol.BulkStringFromString("bar"))
}

func TestEngine_UnknownCommand(t *testing.T) {
	e := newTestEngine(t, Config{})
	sess := e.NewSession(nil, nil)

	reply := exec(e, sess, "FOOBAR", "a", "b")
	expectReply(t, reply, protocol.ErrorValue("ERR unknown command 'FOOBAR', with args beginning with: 'a' 'b' "))
}

func TestEngine_WrongArity(t *testing.T) {
	e := newTestEngine(t, Config{})
	sess := e.NewSession(nil, nil)

	tests := [][]string{
		{"GET"},
		{"GET", "a", "b"},
		{"SET", "k"},
		{"ECHO"},
		{"LRANGE", "l", "0"},
		{"XADD", "s", "*", "f"},
		{"PING", "a", "b"},
	}

	for _, args := range tests {
		t.Run(strings.Join(args, " "), func(t *testing.T) {
			reply := exec(e, sess, args...)
			want := "ERR wrong number of arguments for '" + strings.ToLower(args[0]) + "' command"
			expectReply(t, reply, protocol.ErrorValue(want))
		})
	}

	// The store is never touched by rejected commands
	if n := e.Storage().KeyCount(); n != 0 {
		t.Errorf("store has %d keys after arity errors", n)
	}
}

func TestEngine_Propagation(t *testing.T) {
	e := newTestEngine(t, Config{})
	master := &fakeMaster{}
	e.SetMaster(master)
	sess := e.NewSession(nil, nil)

	exec(e, sess, "SET", "a", "1")
	exec(e, sess, "GET", "a")
	exec(e, sess, "INCR", "a")
	exec(e, sess, "LPUSH", "a", "x") // WRONGTYPE, not propagated
	exec(e, sess, "DEL", "a")

	want := []string{"SET a 1", "INCR a", "DEL a"}
	got := master.commands()
	if strings.Join(got, "|") != strings.Join(want, "|") {
		t.Errorf("propagated %v, want %v", got, want)
	}

	// The propagated bytes are the bytes the client sent
	cmd := protocol.NewCommand("set", []byte("b"), []byte("2"))
	e.Execute(sess, cmd)
	master.mu.Lock()
	last := master.stream[len(master.stream)-1]
	master.mu.Unlock()
	if string(last) != string(cmd.Raw) {
		t.Errorf("propagated %q, want %q", last, cmd.Raw)
	}
}

func TestEngine_ConcurrentWritesPropagateInCommitOrder(t *testing.T) {
	e := newTestEngine(t, Config{})
	master := &fakeMaster{}
	e.SetMaster(master)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			sess := e.NewSession(nil, nil)
			for j := 0; j < 100; j++ {
				exec(e, sess, "INCR", "counter")
			}
		}()
	}
	wg.Wait()

	// Replaying the stream yields the master's state
	replica := newTestEngine(t, Config{})
	replica.SetReplicaLink(&fakeReplica{})
	fromMaster := NewMasterSession()
	master.mu.Lock()
	stream := master.stream
	master.mu.Unlock()
	for _, raw := range stream {
		v, _, err := protocol.Decode(raw)
		if err != nil {
			t.Fatal(err)
		}
		cmd, err := protocol.ParseCommand(v)
		if err != nil {
			t.Fatal(err)
		}
		replica.Execute(fromMaster, cmd)
	}

	want, _ := e.Storage().Get("counter")
	got, _ := replica.Storage().Get("counter")
	if string(got) != "800" || string(got) != string(want) {
		t.Errorf("replica counter = %s, master counter = %s, want 800", got, want)
	}
}

func TestEngine_ReadOnlyReplica(t *testing.T) {
	e := newTestEngine(t, Config{})
	e.SetReplicaLink(&fakeReplica{offset: 42})

	client := e.NewSession(nil, nil)
	expectReply(t, exec(e, client, "SET", "k", "v"), protocol.ErrorValue("READONLY You can't write against a read only replica."))

	// The master link applies writes and gets no replies
	fromMaster := NewMasterSession()
	if reply := exec(e, fromMaster, "SET", "k", "v"); !reply.IsEmpty() {
		t.Errorf("replicated SET replied %q", protocol.Encode(reply))
	}
	expectReply(t, exec(e, client, "GET", "k"), protocol.BulkStringFromString("v"))

	// Except for GETACK, answered with the applied offset
	expectReply(t, exec(e, fromMaster, "REPLCONF", "GETACK", "*"), protocol.BulkStrings("REPLCONF", "ACK", "42"))

	// Role reporting
	if e.Role() != RoleReplica {
		t.Errorf("Role() = %s", e.Role())
	}
	expectError(t, exec(e, client, "WAIT", "1", "0"), "ERR WAIT cannot be used with replica instances")
}

func TestEngine_Auth(t *testing.T) {
	e := newTestEngine(t, Config{Password: "secret"})
	sess := e.NewSession(nil, nil)

	expectReply(t, exec(e, sess, "GET", "k"), protocol.ErrorValue("NOAUTH Authentication required."))
	expectError(t, exec(e, sess, "AUTH", "wrong"), "WRONGPASS")
	expectReply(t, exec(e, sess, "AUTH", "secret"), protocol.OK())
	expectReply(t, exec(e, sess, "GET", "k"), protocol.NullBulkString())

	other := e.NewSession(nil, nil)
	expectReply(t, exec(e, other, "AUTH", "default", "secret"), protocol.OK())

	// Without a configured password AUTH is an error
	open := newTestEngine(t, Config{})
	expectError(t, exec(open, open.NewSession(nil, nil), "AUTH", "x"), "ERR AUTH <password> called without any password")
}

func TestEngine_Quit(t *testing.T) {
	e := newTestEngine(t, Config{})
	sess := e.NewSession(nil, nil)

	expectReply(t, exec(e, sess, "QUIT"), protocol.OK())
	if !sess.Quitting() {
		t.Error("session should be marked for closing")
	}
}

func TestEngine_Stats(t *testing.T) {
	e := newTestEngine(t, Config{})
	a := e.NewSession(nil, nil)
	b := e.NewSession(nil, nil)

	exec(e, a, "PING")
	exec(e, b, "PING")
	b.Close()
	b.Close()

	stats := e.Stats()
	if stats.ConnectedClients != 1 || stats.ConnectionsReceived != 2 || stats.CommandsProcessed != 2 {
		t.Errorf("unexpected stats %+v", stats)
	}
	if a.ClientID == b.ClientID {
		t.Error("client ids must be unique")
	}
}

func TestSession_CloseHooks(t *testing.T) {
	sess := newSession(nil, nil)

	var order []int
	sess.OnClose(func() { order = append(order, 1) })
	sess.OnClose(func() { order = append(order, 2) })
	sess.Close()

	if len(order) != 2 || order[0] != 2 || order[1] != 1 {
		t.Errorf("hooks ran in order %v, want [2 1]", order)
	}
	if sess.Context().Err() == nil {
		t.Error("context should be cancelled after Close")
	}

	// Late hooks run immediately
	ran := false
	sess.OnClose(func() { ran = true })
	if !ran {
		t.Error("hook registered after Close did not run")
	}
}
