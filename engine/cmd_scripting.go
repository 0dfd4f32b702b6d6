package engine

import (
	"errors"
	"strconv"
	"strings"

	"github.com/raniellyferreira/redis-inmemory-node/lua"
	"github.com/raniellyferreira/redis-inmemory-node/protocol"
)

// scriptCaller runs redis.call from a script. The calling EVAL already
// holds the write lock, so commands are dispatched directly and writes are
// propagated one by one as they happen.
type scriptCaller struct {
	e    *Engine
	sess *Session
}

func (sc *scriptCaller) Call(name string, args [][]byte) protocol.Value {
	spec, ok := lookupCommand(name)
	if !ok {
		return protocol.ErrorValue("ERR Unknown Redis command called from script")
	}
	if !spec.acceptsArgs(len(args)) {
		return protocol.ErrorValue("ERR Wrong number of args calling Redis command from script")
	}
	if spec.flags&(flagAdmin|flagExclusive) != 0 {
		return protocol.ErrorValue("ERR This Redis command is not allowed from script")
	}
	if spec.flags&flagWrite != 0 && sc.e.replica != nil && !sc.sess.FromMaster {
		return protocol.ErrorValue("READONLY You can't write against a read only replica.")
	}

	c := &call{sess: sc.sess, name: spec.name, args: args, script: true}
	reply := spec.handler(sc.e, c)

	if spec.flags&flagWrite != 0 && !reply.IsError() && !sc.sess.FromMaster {
		raw := c.rewrite
		if raw == nil {
			raw = protocol.EncodeCommand(spec.name, args...)
		}
		sc.e.propagate(raw)
	}
	return reply
}

// cmdEval implements EVAL script numkeys [key ...] [arg ...]
func (e *Engine) cmdEval(c *call) protocol.Value {
	keys, args, errReply := splitScriptArgs(c.args[1], c.args[2:])
	if errReply.IsError() {
		return errReply
	}
	reply, err := e.scripts.Eval(&scriptCaller{e: e, sess: c.sess}, string(c.args[0]), keys, args)
	return scriptReply(reply, err)
}

// cmdEvalSHA implements EVALSHA sha1 numkeys [key ...] [arg ...]
func (e *Engine) cmdEvalSHA(c *call) protocol.Value {
	keys, args, errReply := splitScriptArgs(c.args[1], c.args[2:])
	if errReply.IsError() {
		return errReply
	}
	reply, err := e.scripts.EvalSHA(&scriptCaller{e: e, sess: c.sess}, string(c.args[0]), keys, args)
	return scriptReply(reply, err)
}

// cmdScript implements SCRIPT LOAD|EXISTS|FLUSH
func (e *Engine) cmdScript(c *call) protocol.Value {
	switch strings.ToUpper(string(c.args[0])) {
	case "LOAD":
		if len(c.args) != 2 {
			return wrongArity("script|load")
		}
		script := string(c.args[1])
		if err := e.scripts.Compile(script); err != nil {
			return protocol.ErrorValue("ERR " + err.Error())
		}
		return protocol.BulkStringFromString(e.scripts.LoadScript(script))

	case "EXISTS":
		if len(c.args) < 2 {
			return wrongArity("script|exists")
		}
		exists := e.scripts.ScriptExists(stringArgs(c.args[1:]))
		items := make([]protocol.Value, len(exists))
		for i, ok := range exists {
			if ok {
				items[i] = protocol.Integer(1)
			} else {
				items[i] = protocol.Integer(0)
			}
		}
		return protocol.Array(items...)

	case "FLUSH":
		e.scripts.ScriptFlush()
		return protocol.OK()

	default:
		return protocol.Errorf("ERR unknown subcommand '%s'. Try SCRIPT HELP.", string(c.args[0]))
	}
}

func splitScriptArgs(numKeysArg []byte, rest [][]byte) (keys, args [][]byte, errReply protocol.Value) {
	numKeys, err := strconv.Atoi(string(numKeysArg))
	if err != nil {
		return nil, nil, errNotInteger
	}
	if numKeys < 0 {
		return nil, nil, protocol.ErrorValue("ERR Number of keys can't be negative")
	}
	if numKeys > len(rest) {
		return nil, nil, protocol.ErrorValue("ERR Number of keys can't be greater than number of args")
	}
	return rest[:numKeys], rest[numKeys:], protocol.Value{}
}

func scriptReply(reply protocol.Value, err error) protocol.Value {
	switch {
	case errors.Is(err, lua.ErrNoScript):
		return protocol.ErrorValue(lua.ErrNoScript.Error())
	case err != nil:
		return protocol.ErrorValue("ERR " + err.Error())
	default:
		return reply
	}
}
