package protocol

import (
	"bytes"
	"errors"
	"fmt"
	"strconv"
)

const (
	// CRLF is the Redis protocol line terminator
	CRLF = "\r\n"

	// maxBulkSize is the maximum size for bulk strings (512MB, as in Redis)
	maxBulkSize = 512 * 1024 * 1024

	// maxArraySize is the maximum size for arrays
	maxArraySize = 1024 * 1024

	// maxLineSize bounds simple strings, errors, integers and length prefixes
	maxLineSize = 64 * 1024

	// maxNestingDepth bounds nested arrays
	maxNestingDepth = 64
)

var crlfBytes = []byte(CRLF)

// ErrNeedMoreData is returned by Decode when the buffer holds an
// incomplete frame. The caller should read more bytes and retry.
var ErrNeedMoreData = errors.New("protocol: need more data")

// ProtocolError describes a malformed RESP frame. A stream that produced a
// ProtocolError can no longer be trusted and should be closed.
type ProtocolError struct {
	Offset int
	Msg    string
}

func (e *ProtocolError) Error() string {
	if e.Offset > 0 {
		return fmt.Sprintf("protocol error at byte %d: %s", e.Offset, e.Msg)
	}
	return "protocol error: " + e.Msg
}

// IsProtocolError reports whether err is or wraps a *ProtocolError
func IsProtocolError(err error) bool {
	var pe *ProtocolError
	return errors.As(err, &pe)
}

// Decode parses one RESP value from the start of buf and returns it along
// with the number of bytes consumed. It never blocks and never retains buf.
//
// Decode returns ErrNeedMoreData if buf holds only part of a frame and a
// *ProtocolError if the frame is malformed.
func Decode(buf []byte) (Value, int, error) {
	v, next, err := decodeAt(buf, 0, 0)
	if err != nil {
		return Value{}, 0, err
	}
	return v, next, nil
}

// decodeAt decodes the value at pos. With ErrNeedMoreData the returned
// offset is the least buffer length at which decoding can make progress.
func decodeAt(buf []byte, pos, depth int) (Value, int, error) {
	if pos >= len(buf) {
		return Value{}, pos + 1, ErrNeedMoreData
	}

	typ := ValueType(buf[pos])
	switch typ {
	case TypeSimpleString, TypeError:
		line, next, err := readLine(buf, pos+1)
		if err != nil {
			return Value{}, next, err
		}
		return Value{Type: typ, Data: bytes.Clone(line)}, next, nil

	case TypeInteger:
		line, next, err := readLine(buf, pos+1)
		if err != nil {
			return Value{}, next, err
		}
		n, err := parseInt64(line)
		if err != nil {
			return Value{}, 0, &ProtocolError{Offset: pos, Msg: fmt.Sprintf("invalid integer %q", line)}
		}
		return Integer(n), next, nil

	case TypeBulkString:
		line, next, err := readLine(buf, pos+1)
		if err != nil {
			return Value{}, next, err
		}
		length, err := parseLength(line, pos, maxBulkSize, "bulk string")
		if err != nil {
			return Value{}, 0, err
		}
		if length == -1 {
			return NullBulkString(), next, nil
		}
		end := next + int(length)
		if end+2 > len(buf) {
			return Value{}, end + 2, ErrNeedMoreData
		}
		if buf[end] != '\r' || buf[end+1] != '\n' {
			return Value{}, 0, &ProtocolError{Offset: end, Msg: "bulk string not terminated by CRLF"}
		}
		return Value{Type: TypeBulkString, Data: bytes.Clone(buf[next:end])}, end + 2, nil

	case TypeArray:
		if depth >= maxNestingDepth {
			return Value{}, 0, &ProtocolError{Offset: pos, Msg: "array nesting too deep"}
		}
		line, next, err := readLine(buf, pos+1)
		if err != nil {
			return Value{}, next, err
		}
		count, err := parseLength(line, pos, maxArraySize, "array")
		if err != nil {
			return Value{}, 0, err
		}
		if count == -1 {
			return NullArray(), next, nil
		}
		items := make([]Value, 0, min(int(count), 1024))
		for i := int64(0); i < count; i++ {
			var item Value
			item, next, err = decodeAt(buf, next, depth+1)
			if err != nil {
				return Value{}, next, err
			}
			items = append(items, item)
		}
		return Value{Type: TypeArray, Array: items}, next, nil

	default:
		return Value{}, 0, &ProtocolError{Offset: pos, Msg: fmt.Sprintf("unknown type byte 0x%02x", buf[pos])}
	}
}

// readLine returns the bytes between pos and the next CRLF, and the offset
// just past that CRLF. An unterminated line needs at least one more byte.
func readLine(buf []byte, pos int) ([]byte, int, error) {
	idx := bytes.Index(buf[pos:], crlfBytes)
	if idx < 0 {
		if len(buf)-pos > maxLineSize {
			return nil, 0, &ProtocolError{Offset: pos, Msg: "line too long"}
		}
		return nil, len(buf) + 1, ErrNeedMoreData
	}
	if idx > maxLineSize {
		return nil, 0, &ProtocolError{Offset: pos, Msg: "line too long"}
	}
	return buf[pos : pos+idx], pos + idx + 2, nil
}

// parseLength parses a bulk or array length prefix. -1 is the null sentinel;
// any other negative value is malformed.
func parseLength(line []byte, pos int, limit int64, what string) (int64, error) {
	n, err := parseInt64(line)
	if err != nil {
		return 0, &ProtocolError{Offset: pos, Msg: fmt.Sprintf("invalid %s length %q", what, line)}
	}
	if n == -1 {
		return -1, nil
	}
	if n < 0 {
		return 0, &ProtocolError{Offset: pos, Msg: fmt.Sprintf("negative %s length %d", what, n)}
	}
	if n > limit {
		return 0, &ProtocolError{Offset: pos, Msg: fmt.Sprintf("%s length %d exceeds limit", what, n)}
	}
	return n, nil
}

// parseInt64 parses an int64 from a byte slice without allocation
func parseInt64(b []byte) (int64, error) {
	if len(b) == 0 {
		return 0, strconv.ErrSyntax
	}

	var neg bool
	var i int

	switch b[0] {
	case '-':
		neg = true
		i = 1
	case '+':
		i = 1
	}

	if i >= len(b) {
		return 0, strconv.ErrSyntax
	}

	var n int64
	for ; i < len(b); i++ {
		if b[i] < '0' || b[i] > '9' {
			return 0, strconv.ErrSyntax
		}
		if n > (1<<63-1)/10 {
			return 0, strconv.ErrRange
		}
		n = n*10 + int64(b[i]-'0')
		if n < 0 {
			return 0, strconv.ErrRange
		}
	}

	if neg {
		return -n, nil
	}
	return n, nil
}
