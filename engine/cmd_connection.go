package engine

import (
	"crypto/subtle"
	"sort"
	"strings"

	"github.com/raniellyferreira/redis-inmemory-node/protocol"
)

func (e *Engine) cmdPing(c *call) protocol.Value {
	switch len(c.args) {
	case 0:
		return protocol.SimpleString("PONG")
	case 1:
		return protocol.BulkString(c.args[0])
	default:
		return wrongArity(c.name)
	}
}

func (e *Engine) cmdEcho(c *call) protocol.Value {
	return protocol.BulkString(c.args[0])
}

func (e *Engine) cmdQuit(c *call) protocol.Value {
	c.sess.Quit()
	return protocol.OK()
}

// cmdAuth implements AUTH [username] password for the default user
func (e *Engine) cmdAuth(c *call) protocol.Value {
	if len(c.args) > 2 {
		return errSyntax
	}
	if e.config.Password == "" {
		return protocol.ErrorValue("ERR AUTH <password> called without any password configured for the default user. Are you sure your configuration is correct?")
	}

	password := c.args[len(c.args)-1]
	userOK := len(c.args) == 1 || string(c.args[0]) == "default"
	if !userOK || subtle.ConstantTimeCompare(password, []byte(e.config.Password)) != 1 {
		e.logger.Info("authentication failed", "client", c.sess.RemoteAddr)
		return protocol.ErrorValue("WRONGPASS invalid username-password pair or user is disabled.")
	}

	c.sess.Authenticated = true
	return protocol.OK()
}

func (e *Engine) cmdSelect(c *call) protocol.Value {
	if string(c.args[0]) != "0" {
		return protocol.ErrorValue("ERR DB index is out of range")
	}
	return protocol.OK()
}

// cmdClient implements the CLIENT subcommands clients send on connect
func (e *Engine) cmdClient(c *call) protocol.Value {
	sub := strings.ToUpper(string(c.args[0]))
	switch sub {
	case "SETNAME":
		if len(c.args) != 2 {
			return wrongArity("client|setname")
		}
		if strings.ContainsAny(string(c.args[1]), " \n") {
			return protocol.ErrorValue("ERR Client names cannot contain spaces, newlines or special characters.")
		}
		c.sess.Name = string(c.args[1])
		return protocol.OK()
	case "GETNAME":
		if c.sess.Name == "" {
			return protocol.NullBulkString()
		}
		return protocol.BulkStringFromString(c.sess.Name)
	case "ID":
		return protocol.Integer(c.sess.ClientID)
	case "SETINFO":
		if len(c.args) != 3 {
			return wrongArity("client|setinfo")
		}
		return protocol.OK()
	default:
		return protocol.Errorf("ERR unknown subcommand '%s'. Try CLIENT HELP.", string(c.args[0]))
	}
}

// cmdCommand implements COMMAND, COMMAND COUNT, COMMAND INFO and COMMAND DOCS
func (e *Engine) cmdCommand(c *call) protocol.Value {
	if len(c.args) == 0 {
		names := make([]string, 0, len(commandTable))
		for name := range commandTable {
			names = append(names, name)
		}
		sort.Strings(names)
		return commandInfo(names)
	}

	switch strings.ToUpper(string(c.args[0])) {
	case "COUNT":
		return protocol.Integer(int64(len(commandTable)))
	case "INFO":
		return commandInfo(stringArgs(c.args[1:]))
	case "DOCS":
		return protocol.Array()
	default:
		return protocol.Errorf("ERR unknown subcommand '%s'. Try COMMAND HELP.", string(c.args[0]))
	}
}

func commandInfo(names []string) protocol.Value {
	items := make([]protocol.Value, len(names))
	for i, name := range names {
		spec, ok := lookupCommand(name)
		if !ok {
			items[i] = protocol.NullArray()
			continue
		}
		items[i] = protocol.Array(
			protocol.BulkStringFromString(strings.ToLower(spec.name)),
			protocol.Integer(int64(spec.arity)),
			flagNames(spec.flags),
			protocol.Integer(0),
			protocol.Integer(0),
			protocol.Integer(0),
		)
	}
	return protocol.Array(items...)
}

func flagNames(flags commandFlags) protocol.Value {
	var names []protocol.Value
	if flags&flagWrite != 0 {
		names = append(names, protocol.SimpleString("write"))
	}
	if flags&flagReadOnly != 0 {
		names = append(names, protocol.SimpleString("readonly"))
	}
	if flags&flagAdmin != 0 {
		names = append(names, protocol.SimpleString("admin"), protocol.SimpleString("noscript"))
	}
	if flags&flagNoAuth != 0 {
		names = append(names, protocol.SimpleString("no-auth"))
	}
	return protocol.Array(names...)
}
