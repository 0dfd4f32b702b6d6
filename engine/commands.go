package engine

import (
	"strings"

	"github.com/raniellyferreira/redis-inmemory-node/protocol"
)

type commandFlags uint8

const (
	// flagWrite commands mutate the keyspace and are propagated after
	// they succeed
	flagWrite commandFlags = 1 << iota
	// flagReadOnly commands only read the keyspace
	flagReadOnly
	// flagAdmin commands manage the connection or replication and cannot
	// be called from scripts
	flagAdmin
	// flagExclusive commands run under the write lock without being
	// propagated themselves
	flagExclusive
	// flagNoAuth commands are accepted before AUTH
	flagNoAuth
)

type handlerFunc func(e *Engine, c *call) protocol.Value

type commandSpec struct {
	name string
	// arity counts the command name. Negative values are a minimum.
	arity   int
	flags   commandFlags
	handler handlerFunc
}

func (s *commandSpec) acceptsArgs(nargs int) bool {
	argc := nargs + 1
	if s.arity >= 0 {
		return argc == s.arity
	}
	return argc >= -s.arity
}

// commandTable is filled in init since handlers refer back to it
var commandTable map[string]*commandSpec

func init() {
	specs := []*commandSpec{
		// Connection
		{"PING", -1, 0, (*Engine).cmdPing},
		{"ECHO", 2, 0, (*Engine).cmdEcho},
		{"QUIT", -1, flagAdmin | flagNoAuth, (*Engine).cmdQuit},
		{"AUTH", -2, flagAdmin | flagNoAuth, (*Engine).cmdAuth},
		{"SELECT", 2, flagAdmin, (*Engine).cmdSelect},
		{"CLIENT", -2, flagAdmin, (*Engine).cmdClient},
		{"COMMAND", -1, 0, (*Engine).cmdCommand},

		// Strings and keys
		{"GET", 2, flagReadOnly, (*Engine).cmdGet},
		{"SET", -3, flagWrite, (*Engine).cmdSet},
		{"MGET", -2, flagReadOnly, (*Engine).cmdMGet},
		{"INCR", 2, flagWrite, (*Engine).cmdIncr},
		{"INCRBY", 3, flagWrite, (*Engine).cmdIncrBy},
		{"DECR", 2, flagWrite, (*Engine).cmdDecr},
		{"DECRBY", 3, flagWrite, (*Engine).cmdDecrBy},
		{"APPEND", 3, flagWrite, (*Engine).cmdAppend},
		{"STRLEN", 2, flagReadOnly, (*Engine).cmdStrLen},
		{"DEL", -2, flagWrite, (*Engine).cmdDel},
		{"EXISTS", -2, flagReadOnly, (*Engine).cmdExists},
		{"TYPE", 2, flagReadOnly, (*Engine).cmdType},
		{"KEYS", 2, flagReadOnly, (*Engine).cmdKeys},
		{"DBSIZE", 1, flagReadOnly, (*Engine).cmdDBSize},
		{"FLUSHALL", -1, flagWrite, (*Engine).cmdFlushAll},
		{"EXPIRE", 3, flagWrite, (*Engine).cmdExpire},
		{"PEXPIRE", 3, flagWrite, (*Engine).cmdPExpire},
		{"PERSIST", 2, flagWrite, (*Engine).cmdPersist},
		{"TTL", 2, flagReadOnly, (*Engine).cmdTTL},
		{"PTTL", 2, flagReadOnly, (*Engine).cmdPTTL},

		// Lists
		{"LPUSH", -3, flagWrite, (*Engine).cmdLPush},
		{"RPUSH", -3, flagWrite, (*Engine).cmdRPush},
		{"LPOP", -2, flagWrite, (*Engine).cmdLPop},
		{"RPOP", -2, flagWrite, (*Engine).cmdRPop},
		{"LRANGE", 4, flagReadOnly, (*Engine).cmdLRange},
		{"LLEN", 2, flagReadOnly, (*Engine).cmdLLen},
		{"LINDEX", 3, flagReadOnly, (*Engine).cmdLIndex},

		// Streams
		{"XADD", -5, flagWrite, (*Engine).cmdXAdd},
		{"XRANGE", -4, flagReadOnly, (*Engine).cmdXRange},
		{"XREAD", -4, flagReadOnly, (*Engine).cmdXRead},

		// Server
		{"INFO", -1, 0, (*Engine).cmdInfo},
		{"CONFIG", -2, flagAdmin, (*Engine).cmdConfig},
		{"ROLE", 1, 0, (*Engine).cmdRole},

		// Replication
		{"REPLCONF", -2, flagAdmin, (*Engine).cmdReplConf},
		{"PSYNC", 3, flagAdmin | flagExclusive, (*Engine).cmdPSync},
		{"WAIT", 3, flagAdmin, (*Engine).cmdWait},

		// Scripting
		{"EVAL", -3, flagExclusive, (*Engine).cmdEval},
		{"EVALSHA", -3, flagExclusive, (*Engine).cmdEvalSHA},
		{"SCRIPT", -2, 0, (*Engine).cmdScript},
	}

	commandTable = make(map[string]*commandSpec, len(specs))
	for _, spec := range specs {
		commandTable[spec.name] = spec
	}
}

// lookupCommand finds a command by case-insensitive name
func lookupCommand(name string) (*commandSpec, bool) {
	spec, ok := commandTable[name]
	if !ok {
		spec, ok = commandTable[strings.ToUpper(name)]
	}
	return spec, ok
}
