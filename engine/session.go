package engine

import (
	"context"
	"net"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/raniellyferreira/redis-inmemory-node/protocol"
)

// Session holds the per-connection state the engine needs while executing
// commands. A session is used by a single connection goroutine; the fields
// that other goroutines read are atomic.
type Session struct {
	// ID uniquely identifies the session for logs and replica bookkeeping
	ID string
	// ClientID is the numeric id reported by CLIENT ID
	ClientID int64
	// RemoteAddr is the peer address, empty for internal sessions
	RemoteAddr string

	// Conn is the underlying connection. Nil for internal sessions.
	Conn net.Conn
	// Out is the connection's buffered reply writer. Nil for internal
	// sessions.
	Out *protocol.Writer

	Name          string
	Authenticated bool

	// FromMaster marks the replication stream on a replica: its writes are
	// applied without being propagated and its replies are suppressed.
	FromMaster bool

	// ListeningPort and Capabilities are announced by replicas via REPLCONF
	ListeningPort int
	Capabilities  []string

	replica atomic.Bool
	quit    atomic.Bool

	ctx    context.Context
	cancel context.CancelFunc

	closeOnce sync.Once
	mu        sync.Mutex
	onClose   []func()
	release   func()

	watchDisconnect func() (stop func())
}

func newSession(conn net.Conn, out *protocol.Writer) *Session {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Session{
		ID:     uuid.NewString(),
		Conn:   conn,
		Out:    out,
		ctx:    ctx,
		cancel: cancel,
	}
	if conn != nil {
		s.RemoteAddr = conn.RemoteAddr().String()
	}
	return s
}

// NewMasterSession creates the session a replica applies its master's
// command stream with
func NewMasterSession() *Session {
	s := newSession(nil, nil)
	s.Authenticated = true
	s.FromMaster = true
	return s
}

// Context is cancelled when the session closes. Blocking commands use it
// to stop waiting for a client that went away.
func (s *Session) Context() context.Context {
	return s.ctx
}

// SetDisconnectWatcher installs the hook blocking commands use to notice a
// client that hangs up while they wait. fn starts watching the connection,
// closes the session when the peer goes away, and returns a function that
// stops watching and hands the connection back to its reader.
func (s *Session) SetDisconnectWatcher(fn func() (stop func())) {
	s.watchDisconnect = fn
}

// WatchDisconnect starts the disconnect watcher, if any, for the duration
// of a blocking command. The returned stop function must be called before
// the command returns.
func (s *Session) WatchDisconnect() (stop func()) {
	if s.watchDisconnect == nil {
		return func() {}
	}
	return s.watchDisconnect()
}

// MarkReplica promotes the session to a replica link. From then on the
// connection handler must not write replies on it.
func (s *Session) MarkReplica() {
	s.replica.Store(true)
}

// IsReplica reports whether the session has been promoted by PSYNC
func (s *Session) IsReplica() bool {
	return s.replica.Load()
}

// Quit marks the session to be closed after the current reply
func (s *Session) Quit() {
	s.quit.Store(true)
}

// Quitting reports whether QUIT was received
func (s *Session) Quitting() bool {
	return s.quit.Load()
}

// OnClose registers fn to run when the session closes. Hooks registered
// after Close run immediately.
func (s *Session) OnClose(fn func()) {
	s.mu.Lock()
	if s.ctx.Err() == nil {
		s.onClose = append(s.onClose, fn)
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()
	fn()
}

// Close cancels the session's context and runs its close hooks once
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.cancel()
		hooks := s.onClose
		s.onClose = nil
		s.mu.Unlock()

		for i := len(hooks) - 1; i >= 0; i-- {
			hooks[i]()
		}
		if s.release != nil {
			s.release()
		}
	})
}
