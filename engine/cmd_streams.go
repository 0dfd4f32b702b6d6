package engine

import (
	"context"
	"strconv"
	"strings"
	"time"

	"github.com/raniellyferreira/redis-inmemory-node/protocol"
	"github.com/raniellyferreira/redis-inmemory-node/storage"
)

// cmdXAdd implements XADD key id field value [field value ...]
func (e *Engine) cmdXAdd(c *call) protocol.Value {
	key, id := c.args[0], c.args[1]
	fields := c.args[2:]
	if len(fields)%2 != 0 {
		return wrongArity(c.name)
	}

	added, err := e.storage.XAdd(string(key), string(id), fields)
	if err != nil {
		return errorReply(err)
	}

	// Replicas must store the ID this node generated
	if strings.Contains(string(id), "*") {
		args := make([][]byte, 0, len(c.args))
		args = append(args, key, []byte(added.String()))
		args = append(args, fields...)
		c.rewrite = protocol.EncodeCommand("XADD", args...)
	}

	return protocol.BulkStringFromString(added.String())
}

// cmdXRange implements XRANGE key start end [COUNT n]
func (e *Engine) cmdXRange(c *call) protocol.Value {
	start, err := storage.ParseRangeBound(string(c.args[1]), false)
	if err != nil {
		return errorReply(err)
	}
	end, err := storage.ParseRangeBound(string(c.args[2]), true)
	if err != nil {
		return errorReply(err)
	}

	count := 0
	switch len(c.args) {
	case 3:
	case 5:
		if !strings.EqualFold(string(c.args[3]), "COUNT") {
			return errSyntax
		}
		n, err := strconv.Atoi(string(c.args[4]))
		if err != nil {
			return errNotInteger
		}
		if n <= 0 {
			return protocol.Array()
		}
		count = n
	default:
		return errSyntax
	}

	entries, err := e.storage.XRange(string(c.args[0]), start, end, count)
	if err != nil {
		return errorReply(err)
	}
	return streamEntries(entries)
}

// cmdXRead implements XREAD [COUNT n] [BLOCK ms] STREAMS key [key ...] id [id ...]
func (e *Engine) cmdXRead(c *call) protocol.Value {
	count := 0
	block := time.Duration(-1)

	i := 0
	for ; i < len(c.args); i++ {
		opt := strings.ToUpper(string(c.args[i]))
		if opt == "STREAMS" {
			i++
			break
		}
		if i+1 >= len(c.args) {
			return errSyntax
		}
		switch opt {
		case "COUNT":
			n, err := strconv.Atoi(string(c.args[i+1]))
			if err != nil {
				return errNotInteger
			}
			count = max(n, 0)
		case "BLOCK":
			ms, err := strconv.ParseInt(string(c.args[i+1]), 10, 64)
			if err != nil {
				return protocol.ErrorValue("ERR timeout is not an integer or out of range")
			}
			if ms < 0 {
				return protocol.ErrorValue("ERR timeout is negative")
			}
			block = time.Duration(ms) * time.Millisecond
		default:
			return errSyntax
		}
		i++
	}

	rest := c.args[i:]
	if len(rest) == 0 {
		return errSyntax
	}
	if len(rest)%2 != 0 {
		return protocol.ErrorValue("ERR Unbalanced 'xread' list of streams: for each stream key an ID or '$' must be specified.")
	}

	n := len(rest) / 2
	keys := stringArgs(rest[:n])
	after := make([]storage.StreamID, n)
	for j, raw := range rest[n:] {
		if string(raw) == "$" {
			last, err := e.storage.LastStreamID(keys[j])
			if err != nil {
				return errorReply(err)
			}
			after[j] = last
			continue
		}
		id, err := storage.ParseStreamID(string(raw), 0)
		if err != nil {
			return errorReply(err)
		}
		after[j] = id
	}

	// Scripts never block
	if block < 0 || c.script {
		return e.readStreams(keys, after, count)
	}
	stop := c.sess.WatchDisconnect()
	defer stop()
	return e.blockingRead(c.sess.Context(), keys, after, count, block)
}

// blockingRead waits until one of the streams has entries after the given
// IDs. A zero timeout waits forever.
func (e *Engine) blockingRead(ctx context.Context, keys []string, after []storage.StreamID, count int, timeout time.Duration) protocol.Value {
	wake, stop := e.waiters.watch(keys)
	defer stop()

	var expired <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		expired = timer.C
	}

	for {
		// Checked after watching so no write between the two is missed
		reply := e.readStreams(keys, after, count)
		if !reply.IsNull {
			return reply
		}

		select {
		case <-wake:
		case <-expired:
			return protocol.NullArray()
		case <-ctx.Done():
			return protocol.NullArray()
		}
	}
}

// readStreams returns the entries after each ID, or a null array when
// every stream is empty past its ID
func (e *Engine) readStreams(keys []string, after []storage.StreamID, count int) protocol.Value {
	var results []protocol.Value
	for i, key := range keys {
		if after[i] == storage.MaxStreamID {
			continue
		}
		entries, err := e.storage.XRange(key, after[i].Next(), storage.MaxStreamID, count)
		if err != nil {
			return errorReply(err)
		}
		if len(entries) == 0 {
			continue
		}
		results = append(results, protocol.Array(
			protocol.BulkStringFromString(key),
			streamEntries(entries),
		))
	}
	if len(results) == 0 {
		return protocol.NullArray()
	}
	return protocol.Array(results...)
}

func streamEntries(entries []storage.StreamEntry) protocol.Value {
	items := make([]protocol.Value, len(entries))
	for i, entry := range entries {
		items[i] = protocol.Array(
			protocol.BulkStringFromString(entry.ID.String()),
			bulkArray(entry.Fields),
		)
	}
	return protocol.Array(items...)
}
