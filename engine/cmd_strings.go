package engine

import (
	"errors"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/raniellyferreira/redis-inmemory-node/protocol"
	"github.com/raniellyferreira/redis-inmemory-node/storage"
)

func (e *Engine) cmdGet(c *call) protocol.Value {
	value, err := e.storage.Get(string(c.args[0]))
	if errors.Is(err, storage.ErrNotFound) {
		return protocol.NullBulkString()
	}
	if err != nil {
		return errorReply(err)
	}
	return protocol.BulkString(value)
}

// cmdSet implements SET key value [NX|XX] [GET] [EX s|PX ms|EXAT ts|PXAT ts|KEEPTTL]
func (e *Engine) cmdSet(c *call) protocol.Value {
	key, value := string(c.args[0]), c.args[1]

	var opts storage.SetOptions
	hasExpiry := false

	for i := 2; i < len(c.args); i++ {
		opt := strings.ToUpper(string(c.args[i]))
		switch opt {
		case "NX":
			if opts.XX {
				return errSyntax
			}
			opts.NX = true
		case "XX":
			if opts.NX {
				return errSyntax
			}
			opts.XX = true
		case "GET":
			opts.Get = true
		case "KEEPTTL":
			if hasExpiry {
				return errSyntax
			}
			opts.KeepTTL = true
		case "EX", "PX", "EXAT", "PXAT":
			if hasExpiry || opts.KeepTTL || i+1 >= len(c.args) {
				return errSyntax
			}
			i++
			n, err := strconv.ParseInt(string(c.args[i]), 10, 64)
			if err != nil {
				return errNotInteger
			}
			if n <= 0 {
				return protocol.ErrorValue("ERR invalid expire time in 'set' command")
			}
			expiry, ok := expiryFromOption(opt, n, time.Now())
			if !ok {
				return protocol.ErrorValue("ERR invalid expire time in 'set' command")
			}
			opts.Expiry = &expiry
			hasExpiry = true
		default:
			return errSyntax
		}
	}

	res, err := e.storage.SetWithOptions(key, value, opts)
	if err != nil {
		return errorReply(err)
	}

	if opts.Get {
		if !res.OldExists {
			return protocol.NullBulkString()
		}
		return protocol.BulkString(res.Old)
	}
	if !res.Written {
		return protocol.NullBulkString()
	}
	return protocol.OK()
}

// expiryFromOption converts a SET expiry option to an absolute time
func expiryFromOption(opt string, n int64, now time.Time) (time.Time, bool) {
	switch opt {
	case "EX":
		if n > math.MaxInt64/int64(time.Second) {
			return time.Time{}, false
		}
		return now.Add(time.Duration(n) * time.Second), true
	case "PX":
		if n > math.MaxInt64/int64(time.Millisecond) {
			return time.Time{}, false
		}
		return now.Add(time.Duration(n) * time.Millisecond), true
	case "EXAT":
		return time.Unix(n, 0), true
	default:
		return time.UnixMilli(n), true
	}
}

func (e *Engine) cmdMGet(c *call) protocol.Value {
	items := make([]protocol.Value, len(c.args))
	for i, key := range c.args {
		value, err := e.storage.Get(string(key))
		if err != nil {
			// Missing keys and keys of other types are both nil
			items[i] = protocol.NullBulkString()
			continue
		}
		items[i] = protocol.BulkString(value)
	}
	return protocol.Array(items...)
}

func (e *Engine) cmdIncr(c *call) protocol.Value {
	return e.incrBy(c.args[0], 1)
}

func (e *Engine) cmdDecr(c *call) protocol.Value {
	return e.incrBy(c.args[0], -1)
}

func (e *Engine) cmdIncrBy(c *call) protocol.Value {
	delta, err := strconv.ParseInt(string(c.args[1]), 10, 64)
	if err != nil {
		return errNotInteger
	}
	return e.incrBy(c.args[0], delta)
}

func (e *Engine) cmdDecrBy(c *call) protocol.Value {
	delta, err := strconv.ParseInt(string(c.args[1]), 10, 64)
	if err != nil {
		return errNotInteger
	}
	if delta == math.MinInt64 {
		return protocol.ErrorValue("ERR decrement would overflow")
	}
	return e.incrBy(c.args[0], -delta)
}

func (e *Engine) incrBy(key []byte, delta int64) protocol.Value {
	n, err := e.storage.Incr(string(key), delta)
	if err != nil {
		return errorReply(err)
	}
	return protocol.Integer(n)
}

func (e *Engine) cmdAppend(c *call) protocol.Value {
	n, err := e.storage.Append(string(c.args[0]), c.args[1])
	if err != nil {
		return errorReply(err)
	}
	return protocol.Integer(n)
}

func (e *Engine) cmdStrLen(c *call) protocol.Value {
	n, err := e.storage.StrLen(string(c.args[0]))
	if err != nil {
		return errorReply(err)
	}
	return protocol.Integer(n)
}
