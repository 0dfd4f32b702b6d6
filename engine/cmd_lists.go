package engine

import (
	"errors"
	"strconv"

	"github.com/raniellyferreira/redis-inmemory-node/protocol"
	"github.com/raniellyferreira/redis-inmemory-node/storage"
)

func (e *Engine) cmdLPush(c *call) protocol.Value {
	n, err := e.storage.LPush(string(c.args[0]), c.args[1:]...)
	if err != nil {
		return errorReply(err)
	}
	return protocol.Integer(n)
}

func (e *Engine) cmdRPush(c *call) protocol.Value {
	n, err := e.storage.RPush(string(c.args[0]), c.args[1:]...)
	if err != nil {
		return errorReply(err)
	}
	return protocol.Integer(n)
}

func (e *Engine) cmdLPop(c *call) protocol.Value {
	return e.pop(c, e.storage.LPop)
}

func (e *Engine) cmdRPop(c *call) protocol.Value {
	return e.pop(c, e.storage.RPop)
}

// pop implements LPOP/RPOP key [count]. Without a count the reply is a
// single bulk string, with one it is an array.
func (e *Engine) pop(c *call, popFn func(key string, count int) ([][]byte, error)) protocol.Value {
	key := string(c.args[0])

	if len(c.args) == 1 {
		items, err := popFn(key, 1)
		if err != nil {
			return errorReply(err)
		}
		if len(items) == 0 {
			return protocol.NullBulkString()
		}
		return protocol.BulkString(items[0])
	}
	if len(c.args) > 2 {
		return errSyntax
	}

	count, err := strconv.ParseInt(string(c.args[1]), 10, 64)
	if err != nil || count < 0 {
		return protocol.ErrorValue("ERR value is out of range, must be positive")
	}
	if count == 0 {
		// Nothing is removed, but the key type is still checked
		n, err := e.storage.LLen(key)
		if err != nil {
			return errorReply(err)
		}
		if n == 0 {
			return protocol.NullArray()
		}
		return protocol.Array()
	}

	items, err := popFn(key, int(min(count, int64(maxInt))))
	if err != nil {
		return errorReply(err)
	}
	if items == nil {
		return protocol.NullArray()
	}
	return bulkArray(items)
}

const maxInt = int(^uint(0) >> 1)

func (e *Engine) cmdLRange(c *call) protocol.Value {
	start, err1 := strconv.ParseInt(string(c.args[1]), 10, 64)
	stop, err2 := strconv.ParseInt(string(c.args[2]), 10, 64)
	if err1 != nil || err2 != nil {
		return errNotInteger
	}
	items, err := e.storage.LRange(string(c.args[0]), start, stop)
	if err != nil {
		return errorReply(err)
	}
	return bulkArray(items)
}

func (e *Engine) cmdLLen(c *call) protocol.Value {
	n, err := e.storage.LLen(string(c.args[0]))
	if err != nil {
		return errorReply(err)
	}
	return protocol.Integer(n)
}

func (e *Engine) cmdLIndex(c *call) protocol.Value {
	index, err := strconv.ParseInt(string(c.args[1]), 10, 64)
	if err != nil {
		return errNotInteger
	}
	item, err := e.storage.LIndex(string(c.args[0]), index)
	if errors.Is(err, storage.ErrNotFound) {
		return protocol.NullBulkString()
	}
	if err != nil {
		return errorReply(err)
	}
	return protocol.BulkString(item)
}

func bulkArray(items [][]byte) protocol.Value {
	values := make([]protocol.Value, len(items))
	for i, item := range items {
		values[i] = protocol.BulkString(item)
	}
	return protocol.Array(values...)
}
