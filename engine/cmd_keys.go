package engine

import (
	"strconv"
	"strings"
	"time"

	"github.com/raniellyferreira/redis-inmemory-node/protocol"
	"github.com/raniellyferreira/redis-inmemory-node/storage"
)

func (e *Engine) cmdDel(c *call) protocol.Value {
	return protocol.Integer(e.storage.Del(stringArgs(c.args)...))
}

func (e *Engine) cmdExists(c *call) protocol.Value {
	return protocol.Integer(e.storage.Exists(stringArgs(c.args)...))
}

func (e *Engine) cmdType(c *call) protocol.Value {
	return protocol.SimpleString(e.storage.Type(string(c.args[0])).String())
}

func (e *Engine) cmdKeys(c *call) protocol.Value {
	return protocol.BulkStrings(e.storage.Keys(string(c.args[0]))...)
}

func (e *Engine) cmdDBSize(c *call) protocol.Value {
	return protocol.Integer(e.storage.KeyCount())
}

func (e *Engine) cmdFlushAll(c *call) protocol.Value {
	if len(c.args) > 1 {
		return errSyntax
	}
	if len(c.args) == 1 {
		mode := strings.ToUpper(string(c.args[0]))
		if mode != "SYNC" && mode != "ASYNC" {
			return errSyntax
		}
	}
	if err := e.storage.FlushAll(); err != nil {
		return errorReply(err)
	}
	return protocol.OK()
}

func (e *Engine) cmdExpire(c *call) protocol.Value {
	return e.expire(c, time.Second)
}

func (e *Engine) cmdPExpire(c *call) protocol.Value {
	return e.expire(c, time.Millisecond)
}

func (e *Engine) expire(c *call, unit time.Duration) protocol.Value {
	n, err := strconv.ParseInt(string(c.args[1]), 10, 64)
	if err != nil {
		return errNotInteger
	}
	if n > int64(maxDuration/unit) || n < -int64(maxDuration/unit) {
		return protocol.Errorf("ERR invalid expire time in '%s' command", strings.ToLower(c.name))
	}
	if e.storage.Expire(string(c.args[0]), time.Now().Add(time.Duration(n)*unit)) {
		return protocol.Integer(1)
	}
	return protocol.Integer(0)
}

const maxDuration = time.Duration(1<<63 - 1)

func (e *Engine) cmdPersist(c *call) protocol.Value {
	if e.storage.Persist(string(c.args[0])) {
		return protocol.Integer(1)
	}
	return protocol.Integer(0)
}

func (e *Engine) cmdTTL(c *call) protocol.Value {
	ttl := e.storage.TTL(string(c.args[0]))
	if ttl == storage.TTLNotFound || ttl == storage.TTLNoExpiry {
		return protocol.Integer(int64(ttl))
	}
	// Round to the nearest second like Redis
	return protocol.Integer(int64((ttl + 500*time.Millisecond) / time.Second))
}

func (e *Engine) cmdPTTL(c *call) protocol.Value {
	ttl := e.storage.TTL(string(c.args[0]))
	if ttl == storage.TTLNotFound || ttl == storage.TTLNoExpiry {
		return protocol.Integer(int64(ttl))
	}
	return protocol.Integer(ttl.Milliseconds())
}

func stringArgs(args [][]byte) []string {
	out := make([]string, len(args))
	for i, arg := range args {
		out[i] = string(arg)
	}
	return out
}
