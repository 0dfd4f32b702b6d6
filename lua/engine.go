package lua

import (
	"crypto/sha1"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"sync"

	lua "github.com/yuin/gopher-lua"

	"github.com/raniellyferreira/redis-inmemory-node/protocol"
)

// ErrNoScript is returned by EvalSHA for unknown hashes
var ErrNoScript = errors.New("NOSCRIPT No matching script. Please use EVAL.")

// Caller executes a command on behalf of a running script. Failures are
// reported as RESP error values.
type Caller interface {
	Call(name string, args [][]byte) protocol.Value
}

// Engine provides Redis-compatible Lua script execution
type Engine struct {
	scripts sync.Map // SHA1 -> script body
}

// NewEngine creates a new Lua execution engine
func NewEngine() *Engine {
	return &Engine{}
}

// run holds the state of a single script execution
type run struct {
	caller Caller
	// callErr is the error reply that made redis.call abort the script
	callErr *protocol.Value
}

// Eval executes a Lua script with the given keys and arguments and converts
// its return value to a RESP reply. The script is cached for EVALSHA.
func (e *Engine) Eval(caller Caller, script string, keys, args [][]byte) (protocol.Value, error) {
	e.LoadScript(script)

	L := lua.NewState(lua.Options{SkipOpenLibs: true})
	defer L.Close()

	if err := openLibs(L); err != nil {
		return protocol.Value{}, err
	}

	r := &run{caller: caller}
	r.setupRedisAPI(L, keys, args)

	fn, err := L.LoadString(script)
	if err != nil {
		return protocol.Value{}, fmt.Errorf("Error compiling script: %w", err)
	}

	L.Push(fn)
	if err := L.PCall(0, 1, nil); err != nil {
		if r.callErr != nil {
			return *r.callErr, nil
		}
		return protocol.Value{}, fmt.Errorf("Error running script: %s", luaErrorMessage(err))
	}

	ret := L.Get(-1)
	L.Pop(1)
	return toRESP(ret), nil
}

// EvalSHA executes a previously loaded script by its SHA1 hash
func (e *Engine) EvalSHA(caller Caller, sha string, keys, args [][]byte) (protocol.Value, error) {
	script, exists := e.scripts.Load(strings.ToLower(sha))
	if !exists {
		return protocol.Value{}, ErrNoScript
	}
	return e.Eval(caller, script.(string), keys, args)
}

// LoadScript caches a script and returns its SHA1 hash
func (e *Engine) LoadScript(script string) string {
	sum := sha1.Sum([]byte(script))
	hash := hex.EncodeToString(sum[:])
	e.scripts.Store(hash, script)
	return hash
}

// Compile checks that a script parses
func (e *Engine) Compile(script string) error {
	L := lua.NewState(lua.Options{SkipOpenLibs: true})
	defer L.Close()
	if _, err := L.LoadString(script); err != nil {
		return fmt.Errorf("Error compiling script: %w", err)
	}
	return nil
}

// ScriptExists checks if scripts with given SHA1 hashes exist
func (e *Engine) ScriptExists(hashes []string) []bool {
	results := make([]bool, len(hashes))
	for i, hash := range hashes {
		_, results[i] = e.scripts.Load(strings.ToLower(hash))
	}
	return results
}

// ScriptFlush removes all cached scripts
func (e *Engine) ScriptFlush() {
	e.scripts.Range(func(key, _ interface{}) bool {
		e.scripts.Delete(key)
		return true
	})
}

// openLibs loads the subset of the standard library scripts may use
func openLibs(L *lua.LState) error {
	libs := []struct {
		name string
		fn   lua.LGFunction
	}{
		{lua.BaseLibName, lua.OpenBase},
		{lua.TabLibName, lua.OpenTable},
		{lua.StringLibName, lua.OpenString},
		{lua.MathLibName, lua.OpenMath},
	}
	for _, lib := range libs {
		if err := L.CallByParam(lua.P{
			Fn:      L.NewFunction(lib.fn),
			NRet:    0,
			Protect: true,
		}, lua.LString(lib.name)); err != nil {
			return err
		}
	}

	// No file or module loading from scripts
	for _, name := range []string{"dofile", "loadfile", "require", "module"} {
		L.SetGlobal(name, lua.LNil)
	}
	return nil
}

// setupRedisAPI installs KEYS, ARGV and the redis table
func (r *run) setupRedisAPI(L *lua.LState, keys, args [][]byte) {
	keysTable := L.NewTable()
	for i, key := range keys {
		keysTable.RawSetInt(i+1, lua.LString(key))
	}
	L.SetGlobal("KEYS", keysTable)

	argvTable := L.NewTable()
	for i, arg := range args {
		argvTable.RawSetInt(i+1, lua.LString(arg))
	}
	L.SetGlobal("ARGV", argvTable)

	redisTable := L.NewTable()
	L.SetFuncs(redisTable, map[string]lua.LGFunction{
		"call":         r.redisCall,
		"pcall":        r.redisPCall,
		"status_reply": statusReply,
		"error_reply":  errorReply,
	})
	L.SetGlobal("redis", redisTable)
}

// redisCall implements redis.call(): error replies abort the script
func (r *run) redisCall(L *lua.LState) int {
	reply, err := r.execute(L)
	if err != nil {
		L.RaiseError("%s", err.Error())
		return 0
	}
	if reply.IsError() {
		r.callErr = &reply
		L.RaiseError("%s", reply.Error())
		return 0
	}
	L.Push(toLua(L, reply))
	return 1
}

// redisPCall implements redis.pcall(): error replies are returned as
// tables with an err field
func (r *run) redisPCall(L *lua.LState) int {
	reply, err := r.execute(L)
	if err != nil {
		reply = protocol.ErrorValue("ERR " + err.Error())
	}
	L.Push(toLua(L, reply))
	return 1
}

func (r *run) execute(L *lua.LState) (protocol.Value, error) {
	argc := L.GetTop()
	if argc == 0 {
		return protocol.Value{}, errors.New("Please specify at least one argument for this redis lib call")
	}

	argv := make([][]byte, argc)
	for i := 1; i <= argc; i++ {
		switch v := L.Get(i).(type) {
		case lua.LString:
			argv[i-1] = []byte(string(v))
		case lua.LNumber:
			argv[i-1] = []byte(v.String())
		default:
			return protocol.Value{}, errors.New("Lua redis lib command arguments must be strings or integers")
		}
	}

	return r.caller.Call(string(argv[0]), argv[1:]), nil
}

func statusReply(L *lua.LState) int {
	t := L.NewTable()
	t.RawSetString("ok", lua.LString(L.CheckString(1)))
	L.Push(t)
	return 1
}

func errorReply(L *lua.LState) int {
	t := L.NewTable()
	t.RawSetString("err", lua.LString(L.CheckString(1)))
	L.Push(t)
	return 1
}

// toLua converts a RESP reply to a Lua value using the Redis conversion rules
func toLua(L *lua.LState, v protocol.Value) lua.LValue {
	switch v.Type {
	case protocol.TypeInteger:
		return lua.LNumber(v.Integer)
	case protocol.TypeBulkString:
		if v.IsNull {
			return lua.LFalse
		}
		return lua.LString(v.Data)
	case protocol.TypeSimpleString:
		t := L.NewTable()
		t.RawSetString("ok", lua.LString(v.Data))
		return t
	case protocol.TypeError:
		t := L.NewTable()
		t.RawSetString("err", lua.LString(v.Data))
		return t
	case protocol.TypeArray:
		if v.IsNull {
			return lua.LFalse
		}
		t := L.NewTable()
		for i, item := range v.Array {
			t.RawSetInt(i+1, toLua(L, item))
		}
		return t
	default:
		return lua.LNil
	}
}

// toRESP converts a script's return value to a RESP reply
func toRESP(lv lua.LValue) protocol.Value {
	switch v := lv.(type) {
	case lua.LBool:
		if v {
			return protocol.Integer(1)
		}
		return protocol.NullBulkString()
	case lua.LNumber:
		return protocol.Integer(int64(v))
	case lua.LString:
		return protocol.BulkStringFromString(string(v))
	case *lua.LTable:
		if errMsg, ok := v.RawGetString("err").(lua.LString); ok {
			return protocol.ErrorValue(string(errMsg))
		}
		if status, ok := v.RawGetString("ok").(lua.LString); ok {
			return protocol.SimpleString(string(status))
		}
		// Arrays stop at the first nil, as in Redis
		items := []protocol.Value{}
		for i := 1; ; i++ {
			item := v.RawGetInt(i)
			if item == lua.LNil {
				break
			}
			items = append(items, toRESP(item))
		}
		return protocol.Array(items...)
	default:
		return protocol.NullBulkString()
	}
}

func luaErrorMessage(err error) string {
	var apiErr *lua.ApiError
	if errors.As(err, &apiErr) && apiErr.Object != nil {
		return apiErr.Object.String()
	}
	return err.Error()
}
