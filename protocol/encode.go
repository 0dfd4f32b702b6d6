package protocol

import "strconv"

// Encode returns the RESP encoding of v. The zero Value encodes to nil.
func Encode(v Value) []byte {
	return AppendValue(nil, v)
}

// AppendValue appends the RESP encoding of v to dst
func AppendValue(dst []byte, v Value) []byte {
	switch v.Type {
	case TypeSimpleString, TypeError:
		dst = append(dst, byte(v.Type))
		dst = append(dst, v.Data...)
		return append(dst, CRLF...)
	case TypeInteger:
		dst = append(dst, ':')
		dst = strconv.AppendInt(dst, v.Integer, 10)
		return append(dst, CRLF...)
	case TypeBulkString:
		if v.IsNull {
			return append(dst, "$-1\r\n"...)
		}
		return appendBulk(dst, v.Data)
	case TypeArray:
		if v.IsNull {
			return append(dst, "*-1\r\n"...)
		}
		dst = appendHeader(dst, '*', len(v.Array))
		for _, item := range v.Array {
			dst = AppendValue(dst, item)
		}
		return dst
	default:
		return dst
	}
}

// EncodeCommand encodes a request as an array of bulk strings
func EncodeCommand(name string, args ...[]byte) []byte {
	size := 16 + len(name)
	for _, arg := range args {
		size += len(arg) + 16
	}
	dst := make([]byte, 0, size)
	dst = appendHeader(dst, '*', len(args)+1)
	dst = appendBulk(dst, []byte(name))
	for _, arg := range args {
		dst = appendBulk(dst, arg)
	}
	return dst
}

// EncodeStrings is EncodeCommand for string arguments
func EncodeStrings(name string, args ...string) []byte {
	raw := make([][]byte, len(args))
	for i, arg := range args {
		raw[i] = []byte(arg)
	}
	return EncodeCommand(name, raw...)
}

func appendHeader(dst []byte, prefix byte, n int) []byte {
	dst = append(dst, prefix)
	dst = strconv.AppendInt(dst, int64(n), 10)
	return append(dst, CRLF...)
}

func appendBulk(dst []byte, data []byte) []byte {
	dst = appendHeader(dst, '$', len(data))
	dst = append(dst, data...)
	return append(dst, CRLF...)
}
