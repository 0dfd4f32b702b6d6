package protocol

import (
	"fmt"
	"strconv"
	"strings"
)

// ValueType represents the type of a RESP value
type ValueType byte

const (
	// RESP2 value types
	TypeSimpleString ValueType = '+'
	TypeError        ValueType = '-'
	TypeInteger      ValueType = ':'
	TypeBulkString   ValueType = '$'
	TypeArray        ValueType = '*'
)

// Value represents a parsed RESP value.
//
// The zero Value has no type and encodes to nothing; command handlers use
// it to signal that no reply should be written.
type Value struct {
	Type    ValueType
	Data    []byte
	Integer int64
	Array   []Value
	IsNull  bool
}

// SimpleString builds a simple string value
func SimpleString(s string) Value {
	return Value{Type: TypeSimpleString, Data: []byte(s)}
}

// ErrorValue builds an error value. CR and LF are replaced with spaces so
// the reply stays a single line.
func ErrorValue(msg string) Value {
	msg = strings.NewReplacer("\r", " ", "\n", " ").Replace(msg)
	return Value{Type: TypeError, Data: []byte(msg)}
}

// Errorf builds an error value from a format string
func Errorf(format string, args ...interface{}) Value {
	return ErrorValue(fmt.Sprintf(format, args...))
}

// Integer builds an integer value
func Integer(n int64) Value {
	return Value{Type: TypeInteger, Integer: n}
}

// BulkString builds a bulk string value
func BulkString(b []byte) Value {
	if b == nil {
		b = []byte{}
	}
	return Value{Type: TypeBulkString, Data: b}
}

// BulkStringFromString builds a bulk string value from a string
func BulkStringFromString(s string) Value {
	return Value{Type: TypeBulkString, Data: []byte(s)}
}

// NullBulkString builds the null bulk string ($-1)
func NullBulkString() Value {
	return Value{Type: TypeBulkString, IsNull: true}
}

// Array builds an array value
func Array(items ...Value) Value {
	if items == nil {
		items = []Value{}
	}
	return Value{Type: TypeArray, Array: items}
}

// NullArray builds the null array (*-1)
func NullArray() Value {
	return Value{Type: TypeArray, IsNull: true}
}

// BulkStrings builds an array of bulk strings
func BulkStrings(items ...string) Value {
	values := make([]Value, len(items))
	for i, item := range items {
		values[i] = BulkStringFromString(item)
	}
	return Array(values...)
}

// OK is the canonical +OK reply
func OK() Value {
	return SimpleString("OK")
}

// IsEmpty reports whether v is the zero Value
func (v Value) IsEmpty() bool {
	return v.Type == 0
}

// String returns a string representation of the value
func (v Value) String() string {
	switch v.Type {
	case TypeSimpleString:
		return string(v.Data)
	case TypeError:
		return string(v.Data)
	case TypeInteger:
		return strconv.FormatInt(v.Integer, 10)
	case TypeBulkString:
		if v.IsNull {
			return "(nil)"
		}
		return string(v.Data)
	case TypeArray:
		if v.IsNull {
			return "(nil)"
		}
		parts := make([]string, len(v.Array))
		for i, item := range v.Array {
			parts[i] = item.String()
		}
		return "[" + strings.Join(parts, ", ") + "]"
	case 0:
		return ""
	default:
		return fmt.Sprintf("unknown type %c", v.Type)
	}
}

// Equal reports whether two values are structurally identical
func (v Value) Equal(o Value) bool {
	if v.Type != o.Type || v.IsNull != o.IsNull {
		return false
	}
	switch v.Type {
	case TypeInteger:
		return v.Integer == o.Integer
	case TypeArray:
		if len(v.Array) != len(o.Array) {
			return false
		}
		for i := range v.Array {
			if !v.Array[i].Equal(o.Array[i]) {
				return false
			}
		}
		return true
	default:
		return string(v.Data) == string(o.Data)
	}
}

// IsError returns true if this is an error value
func (v Value) IsError() bool {
	return v.Type == TypeError
}

// Error returns the error message if this is an error value
func (v Value) Error() string {
	if v.Type == TypeError {
		return string(v.Data)
	}
	return ""
}

// Command represents a Redis command parsed from a RESP array
type Command struct {
	Name string
	Args [][]byte

	// Raw holds the exact bytes the command arrived as. Write commands are
	// propagated to replicas using these bytes unchanged.
	Raw []byte
}

// ParseCommand parses a RESP array value into a Command. Requests that are
// not a non-empty array of bulk strings are protocol errors.
func ParseCommand(v Value) (*Command, error) {
	if v.Type != TypeArray || v.IsNull || len(v.Array) == 0 {
		return nil, &ProtocolError{Msg: "expected non-empty array of bulk strings"}
	}

	cmd := &Command{
		Args: make([][]byte, len(v.Array)-1),
	}

	for i, item := range v.Array {
		if item.Type != TypeBulkString || item.IsNull {
			return nil, &ProtocolError{Msg: "command arguments must be bulk strings"}
		}
		if i == 0 {
			cmd.Name = strings.ToUpper(string(item.Data))
			continue
		}
		cmd.Args[i-1] = item.Data
	}

	return cmd, nil
}

// NewCommand builds a command and its raw encoding from a name and arguments
func NewCommand(name string, args ...[]byte) *Command {
	return &Command{
		Name: strings.ToUpper(name),
		Args: args,
		Raw:  EncodeCommand(name, args...),
	}
}

// String returns a string representation of the command
func (c *Command) String() string {
	args := make([]string, len(c.Args))
	for i, arg := range c.Args {
		args[i] = string(arg)
	}
	return strings.TrimSpace(c.Name + " " + strings.Join(args, " "))
}
