package engine

import (
	"errors"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/raniellyferreira/redis-inmemory-node/lua"
	"github.com/raniellyferreira/redis-inmemory-node/protocol"
	"github.com/raniellyferreira/redis-inmemory-node/storage"
)

// Config holds the settings the engine reports or enforces
type Config struct {
	Port      int
	Bind      string
	ReplicaOf string
	Password  string

	Dir          string
	DBFilename   string
	SnapshotMode string

	Version string
}

// Engine validates and executes commands against the keyspace. Write
// commands are serialized and propagated to replicas in commit order.
type Engine struct {
	storage storage.Storage
	scripts *lua.Engine
	config  Config

	master  Master
	replica ReplicaLink

	// writeMu is held across executing a write and propagating it
	writeMu sync.Mutex

	waiters *keyWaiters

	logger  Logger
	metrics MetricsCollector

	startTime           time.Time
	nextClientID        atomic.Int64
	connectedClients    atomic.Int64
	connectionsReceived atomic.Int64
	commandsProcessed   atomic.Int64
}

// Stats contains engine statistics
type Stats struct {
	ConnectedClients    int64
	ConnectionsReceived int64
	CommandsProcessed   int64
	Uptime              time.Duration
}

// New creates an engine over stor
func New(stor storage.Storage, config Config) *Engine {
	e := &Engine{
		storage:   stor,
		scripts:   lua.NewEngine(),
		config:    config,
		waiters:   newKeyWaiters(),
		logger:    nopLogger{},
		startTime: time.Now(),
	}
	stor.AddObserver(e.waiters)
	return e
}

// SetLogger sets the logger
func (e *Engine) SetLogger(logger Logger) {
	e.logger = logger
}

// SetMetrics sets the metrics collector
func (e *Engine) SetMetrics(metrics MetricsCollector) {
	e.metrics = metrics
}

// SetMaster makes the engine a master that propagates writes through m.
// It must be called before any command is executed.
func (e *Engine) SetMaster(m Master) {
	e.master = m
}

// SetReplicaLink makes the engine a read-only replica fed by r. It must be
// called before any command is executed.
func (e *Engine) SetReplicaLink(r ReplicaLink) {
	e.replica = r
}

// Role returns "master" or "slave"
func (e *Engine) Role() string {
	if e.replica != nil {
		return RoleReplica
	}
	return RoleMaster
}

// Storage returns the engine's keyspace
func (e *Engine) Storage() storage.Storage {
	return e.storage
}

// Stats returns engine statistics
func (e *Engine) Stats() Stats {
	return Stats{
		ConnectedClients:    e.connectedClients.Load(),
		ConnectionsReceived: e.connectionsReceived.Load(),
		CommandsProcessed:   e.commandsProcessed.Load(),
		Uptime:              time.Since(e.startTime),
	}
}

// NewSession creates the session for an accepted connection. Closing the
// session releases it.
func (e *Engine) NewSession(conn net.Conn, out *protocol.Writer) *Session {
	s := newSession(conn, out)
	s.ClientID = e.nextClientID.Add(1)
	s.Authenticated = e.config.Password == ""
	e.connectedClients.Add(1)
	e.connectionsReceived.Add(1)
	s.release = func() { e.connectedClients.Add(-1) }
	return s
}

// call is a single command invocation
type call struct {
	sess *Session
	name string
	args [][]byte

	// script is set for commands issued by redis.call
	script bool
	// rewrite replaces the propagated form of a write, for commands whose
	// effect depends on the node executing them
	rewrite []byte
}

// Execute runs cmd for sess and returns the reply. The zero Value means
// no reply must be written: sessions fed by a master get replies only for
// REPLCONF GETACK, and a promoted replica link gets none.
func (e *Engine) Execute(sess *Session, cmd *protocol.Command) protocol.Value {
	start := time.Now()
	reply := e.execute(sess, cmd)

	e.commandsProcessed.Add(1)
	if e.metrics != nil {
		e.metrics.RecordCommandProcessed(cmd.Name, time.Since(start))
		if reply.IsError() {
			e.metrics.RecordError("command")
		}
	}

	if sess.FromMaster && !isGetAck(cmd) {
		if reply.IsError() {
			e.logger.Error("replicated command failed", "command", cmd.Name, "error", reply.Error())
		}
		return protocol.Value{}
	}
	return reply
}

func (e *Engine) execute(sess *Session, cmd *protocol.Command) protocol.Value {
	spec, ok := lookupCommand(cmd.Name)
	if !ok {
		return unknownCommand(cmd)
	}
	if !spec.acceptsArgs(len(cmd.Args)) {
		return wrongArity(spec.name)
	}

	if !sess.Authenticated && spec.flags&flagNoAuth == 0 {
		return protocol.ErrorValue("NOAUTH Authentication required.")
	}

	if spec.flags&flagWrite != 0 && e.replica != nil && !sess.FromMaster {
		return protocol.ErrorValue("READONLY You can't write against a read only replica.")
	}

	c := &call{sess: sess, name: spec.name, args: cmd.Args}

	if spec.flags&(flagWrite|flagExclusive) == 0 {
		return spec.handler(e, c)
	}

	e.writeMu.Lock()
	defer e.writeMu.Unlock()

	reply := spec.handler(e, c)
	if spec.flags&flagWrite != 0 && !reply.IsError() && !sess.FromMaster {
		raw := c.rewrite
		if raw == nil {
			raw = cmd.Raw
		}
		if raw == nil {
			raw = protocol.EncodeCommand(cmd.Name, cmd.Args...)
		}
		e.propagate(raw)
	}
	return reply
}

// propagate must be called with writeMu held
func (e *Engine) propagate(raw []byte) {
	if e.master == nil {
		return
	}
	e.master.Propagate(raw)
}

func isGetAck(cmd *protocol.Command) bool {
	return cmd.Name == "REPLCONF" && len(cmd.Args) > 0 && strings.EqualFold(string(cmd.Args[0]), "GETACK")
}

func unknownCommand(cmd *protocol.Command) protocol.Value {
	var b strings.Builder
	b.WriteString("ERR unknown command '")
	b.WriteString(cmd.Name)
	b.WriteString("', with args beginning with: ")
	for _, arg := range cmd.Args {
		b.WriteString("'")
		b.Write(arg)
		b.WriteString("' ")
	}
	return protocol.ErrorValue(b.String())
}

func wrongArity(name string) protocol.Value {
	return protocol.Errorf("ERR wrong number of arguments for '%s' command", strings.ToLower(name))
}

var (
	errSyntax     = protocol.ErrorValue("ERR syntax error")
	errNotInteger = protocol.ErrorValue("ERR value is not an integer or out of range")
)

// storageErrors maps storage errors to the prefix of their reply
var storageErrors = []struct {
	err    error
	prefix string
}{
	{storage.ErrWrongType, ""},
	{storage.ErrNotInteger, "ERR "},
	{storage.ErrOverflow, "ERR "},
	{storage.ErrStreamIDZero, "ERR "},
	{storage.ErrStreamIDTooSmall, "ERR "},
	{storage.ErrInvalidStreamID, "ERR "},
}

// errorReply converts an error returned by storage into a reply
func errorReply(err error) protocol.Value {
	for _, se := range storageErrors {
		if errors.Is(err, se.err) {
			return protocol.ErrorValue(se.prefix + se.err.Error())
		}
	}
	return protocol.ErrorValue("ERR " + err.Error())
}
