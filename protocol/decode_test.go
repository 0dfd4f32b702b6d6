package protocol_test

import (
	"errors"
	"strings"
	"testing"

	"github.com/raniellyferreira/redis-inmemory-node/protocol"
)

func TestRoundTrip(t *testing.T) {
	values := []protocol.Value{
		protocol.SimpleString("OK"),
		protocol.SimpleString(""),
		protocol.ErrorValue("ERR unknown command"),
		protocol.Integer(0),
		protocol.Integer(-42),
		protocol.Integer(1<<63 - 1),
		protocol.BulkStringFromString("hello"),
		protocol.BulkString([]byte{}),
		protocol.BulkString([]byte("bin\r\n\x00ary")),
		protocol.NullBulkString(),
		protocol.Array(),
		protocol.NullArray(),
		protocol.BulkStrings("SET", "foo", "bar"),
		protocol.Array(
			protocol.Integer(1),
			protocol.Array(protocol.BulkStringFromString("nested"), protocol.NullBulkString()),
			protocol.SimpleString("PONG"),
		),
	}

	for _, v := range values {
		t.Run(v.String(), func(t *testing.T) {
			encoded := protocol.Encode(v)
			decoded, n, err := protocol.Decode(encoded)
			if err != nil {
				t.Fatalf("Decode(%q) error = %v", encoded, err)
			}
			if n != len(encoded) {
				t.Errorf("Decode(%q) consumed %d, want %d", encoded, n, len(encoded))
			}
			if !decoded.Equal(v) {
				t.Errorf("Decode(Encode(v)) = %#v, want %#v", decoded, v)
			}
		})
	}
}

func TestDecodeNeedMoreData(t *testing.T) {
	frames := []string{
		"+OK\r\n",
		":1234\r\n",
		"$5\r\nhello\r\n",
		"*2\r\n$3\r\nGET\r\n$3\r\nfoo\r\n",
		"*1\r\n*1\r\n:1\r\n",
	}

	for _, frame := range frames {
		for i := 0; i < len(frame); i++ {
			_, _, err := protocol.Decode([]byte(frame[:i]))
			if !errors.Is(err, protocol.ErrNeedMoreData) {
				t.Errorf("Decode(%q) error = %v, want ErrNeedMoreData", frame[:i], err)
			}
		}
	}
}

func TestDecodeConsumesOneFrame(t *testing.T) {
	buf := []byte("+OK\r\n:1\r\n")
	v, n, err := protocol.Decode(buf)
	if err != nil {
		t.Fatalf("Decode() error = %v", err)
	}
	if n != 5 || string(v.Data) != "OK" {
		t.Errorf("Decode() = (%v, %d), want (OK, 5)", v, n)
	}
}

func TestDecodeProtocolErrors(t *testing.T) {
	tests := []struct {
		name  string
		input string
	}{
		{"negative bulk length", "*2\r\n$-2\r\nab\r\n"},
		{"non numeric bulk length", "$abc\r\n"},
		{"empty bulk length", "$\r\n"},
		{"negative array length", "*-5\r\n"},
		{"unknown prefix", "!3\r\nfoo\r\n"},
		{"inline command", "PING\r\n"},
		{"bad integer", ":12a\r\n"},
		{"bulk without terminator", "$3\r\nfooXY"},
		{"bulk too large", "$999999999999\r\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, _, err := protocol.Decode([]byte(tt.input))
			if !protocol.IsProtocolError(err) {
				t.Errorf("Decode(%q) error = %v, want *ProtocolError", tt.input, err)
			}
		})
	}
}

func TestDecodeLineTooLong(t *testing.T) {
	input := "+" + strings.Repeat("a", 70*1024)
	_, _, err := protocol.Decode([]byte(input))
	if !protocol.IsProtocolError(err) {
		t.Errorf("Decode() error = %v, want *ProtocolError", err)
	}
}

func TestEncodeCommand(t *testing.T) {
	got := string(protocol.EncodeStrings("REPLCONF", "GETACK", "*"))
	want := "*3\r\n$8\r\nREPLCONF\r\n$6\r\nGETACK\r\n$1\r\n*\r\n"
	if got != want {
		t.Errorf("EncodeStrings() = %q, want %q", got, want)
	}
}

func TestErrorValueStripsNewlines(t *testing.T) {
	v := protocol.ErrorValue("ERR bad\r\nthing")
	if strings.ContainsAny(string(v.Data), "\r\n") {
		t.Errorf("ErrorValue() = %q contains CR or LF", v.Data)
	}
}

func BenchmarkDecodeCommand(b *testing.B) {
	buf := protocol.EncodeStrings("SET", "key:000123", strings.Repeat("v", 64))

	b.ReportAllocs()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if _, _, err := protocol.Decode(buf); err != nil {
			b.Fatal(err)
		}
	}
}
