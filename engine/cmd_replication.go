package engine

import (
	"context"
	"strconv"
	"strings"
	"time"

	"github.com/raniellyferreira/redis-inmemory-node/protocol"
)

// cmdReplConf implements REPLCONF listening-port|capa|ACK|GETACK
func (e *Engine) cmdReplConf(c *call) protocol.Value {
	switch strings.ToLower(string(c.args[0])) {
	case "getack":
		// Sent by our master: answer with the offset applied before it
		if !c.sess.FromMaster || e.replica == nil {
			return protocol.Value{}
		}
		return protocol.BulkStrings("REPLCONF", "ACK", strconv.FormatInt(e.replica.Offset(), 10))

	case "ack":
		if len(c.args) != 2 {
			return errSyntax
		}
		offset, err := strconv.ParseInt(string(c.args[1]), 10, 64)
		if err != nil {
			return protocol.Value{}
		}
		if e.master != nil {
			e.master.Ack(c.sess, offset)
		}
		// Acks are never answered
		return protocol.Value{}
	}

	if len(c.args)%2 != 0 {
		return errSyntax
	}
	for i := 0; i < len(c.args); i += 2 {
		option, value := strings.ToLower(string(c.args[i])), string(c.args[i+1])
		switch option {
		case "listening-port":
			port, err := strconv.Atoi(value)
			if err != nil || port < 0 || port > 65535 {
				return errNotInteger
			}
			c.sess.ListeningPort = port
		case "capa":
			c.sess.Capabilities = append(c.sess.Capabilities, value)
		case "ip-address", "rdb-only", "rdb-filter-only":
		default:
			return protocol.Errorf("ERR Unrecognized REPLCONF option: %s", option)
		}
	}
	return protocol.OK()
}

// cmdPSync implements PSYNC replid offset. Only full resynchronization is
// offered. It runs under the write lock, so the snapshot and the start of
// the replica's stream meet at a single offset.
func (e *Engine) cmdPSync(c *call) protocol.Value {
	if e.master == nil || e.replica != nil {
		return protocol.ErrorValue("ERR PSYNC is only supported by master nodes")
	}
	if c.sess.Out == nil || c.sess.Conn == nil {
		return protocol.ErrorValue("ERR PSYNC requires a network connection")
	}

	if err := e.master.FullResync(c.sess); err != nil {
		e.logger.Error("full resync failed", "replica", c.sess.RemoteAddr, "error", err)
		c.sess.Quit()
		return protocol.Value{}
	}
	return protocol.Value{}
}

// cmdWait implements WAIT numreplicas timeout
func (e *Engine) cmdWait(c *call) protocol.Value {
	if e.replica != nil {
		return protocol.ErrorValue("ERR WAIT cannot be used with replica instances. Please also note that since Redis 4.0 if a replica is configured to be writable (which is not the default) writes to replicas are just local and are not propagated.")
	}

	numReplicas, err := strconv.Atoi(string(c.args[0]))
	if err != nil || numReplicas < 0 {
		return errNotInteger
	}
	timeoutMs, err := strconv.ParseInt(string(c.args[1]), 10, 64)
	if err != nil {
		return protocol.ErrorValue("ERR timeout is not an integer or out of range")
	}
	if timeoutMs < 0 {
		return protocol.ErrorValue("ERR timeout is negative")
	}

	if e.master == nil {
		return protocol.Integer(0)
	}

	stop := c.sess.WatchDisconnect()
	defer stop()

	ctx := c.sess.Context()
	if timeoutMs > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, time.Duration(timeoutMs)*time.Millisecond)
		defer cancel()
	}

	return protocol.Integer(int64(e.master.WaitForReplicas(ctx, numReplicas)))
}
