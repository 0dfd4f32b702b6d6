package protocol_test

import (
	"bytes"
	"io"
	"strconv"
	"strings"
	"testing"
	"testing/iotest"

	"github.com/raniellyferreira/redis-inmemory-node/protocol"
)

func TestRESPReader(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected protocol.Value
	}{
		{
			name:  "simple string",
			input: "+OK\r\n",
			expected: protocol.Value{
				Type: protocol.TypeSimpleString,
				Data: []byte("OK"),
			},
		},
		{
			name:  "error",
			input: "-ERR unknown command\r\n",
			expected: protocol.Value{
				Type: protocol.TypeError,
				Data: []byte("ERR unknown command"),
			},
		},
		{
			name:  "integer",
			input: ":42\r\n",
			expected: protocol.Value{
				Type:    protocol.TypeInteger,
				Integer: 42,
			},
		},
		{
			name:  "bulk string",
			input: "$5\r\nhello\r\n",
			expected: protocol.Value{
				Type: protocol.TypeBulkString,
				Data: []byte("hello"),
			},
		},
		{
			name:  "null bulk string",
			input: "$-1\r\n",
			expected: protocol.Value{
				Type:   protocol.TypeBulkString,
				IsNull: true,
			},
		},
		{
			name:  "empty bulk string",
			input: "$0\r\n\r\n",
			expected: protocol.Value{
				Type: protocol.TypeBulkString,
				Data: []byte(""),
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			reader := protocol.NewReader(strings.NewReader(tt.input))
			value, err := reader.ReadNext()
			if err != nil {
				t.Fatalf("ReadNext() error = %v", err)
			}

			if value.Type != tt.expected.Type {
				t.Errorf("Type = %v, want %v", value.Type, tt.expected.Type)
			}

			if !bytes.Equal(value.Data, tt.expected.Data) {
				t.Errorf("Data = %v, want %v", value.Data, tt.expected.Data)
			}

			if value.Integer != tt.expected.Integer {
				t.Errorf("Integer = %v, want %v", value.Integer, tt.expected.Integer)
			}

			if value.IsNull != tt.expected.IsNull {
				t.Errorf("IsNull = %v, want %v", value.IsNull, tt.expected.IsNull)
			}
		})
	}
}

func TestRESPArray(t *testing.T) {
	// Test array: ["SET", "key", "value"]
	input := "*3\r\n$3\r\nSET\r\n$3\r\nkey\r\n$5\r\nvalue\r\n"

	reader := protocol.NewReader(strings.NewReader(input))
	value, err := reader.ReadNext()
	if err != nil {
		t.Fatalf("ReadNext() error = %v", err)
	}

	if value.Type != protocol.TypeArray {
		t.Errorf("Type = %v, want %v", value.Type, protocol.TypeArray)
	}

	if len(value.Array) != 3 {
		t.Errorf("Array length = %d, want 3", len(value.Array))
	}

	expectedElements := []string{"SET", "key", "value"}
	for i, expected := range expectedElements {
		if string(value.Array[i].Data) != expected {
			t.Errorf("Array[%d] = %s, want %s", i, string(value.Array[i].Data), expected)
		}
	}
}

func TestRESPWriter(t *testing.T) {
	var buf bytes.Buffer
	writer := protocol.NewWriter(&buf)

	// Test simple string
	err := writer.WriteSimpleString("OK")
	if err != nil {
		t.Fatalf("WriteSimpleString() error = %v", err)
	}
	writer.Flush()

	expected := "+OK\r\n"
	if buf.String() != expected {
		t.Errorf("WriteSimpleString() = %q, want %q", buf.String(), expected)
	}

	// Test bulk string
	buf.Reset()
	err = writer.WriteValue(protocol.BulkString([]byte("hello")))
	if err != nil {
		t.Fatalf("WriteValue() error = %v", err)
	}
	writer.Flush()

	expected = "$5\r\nhello\r\n"
	if buf.String() != expected {
		t.Errorf("WriteValue(bulk) = %q, want %q", buf.String(), expected)
	}

	// Test integer
	buf.Reset()
	err = writer.WriteValue(protocol.Integer(42))
	if err != nil {
		t.Fatalf("WriteValue() error = %v", err)
	}
	writer.Flush()

	expected = ":42\r\n"
	if buf.String() != expected {
		t.Errorf("WriteValue(integer) = %q, want %q", buf.String(), expected)
	}

	// Test command
	buf.Reset()
	err = writer.WriteCommand("SET", "key", "value")
	if err != nil {
		t.Fatalf("WriteCommand() error = %v", err)
	}
	writer.Flush()

	expected = "*3\r\n$3\r\nSET\r\n$3\r\nkey\r\n$5\r\nvalue\r\n"
	if buf.String() != expected {
		t.Errorf("WriteCommand() = %q, want %q", buf.String(), expected)
	}
}

func TestParseCommand(t *testing.T) {
	// Create array value representing ["SET", "key", "value"]
	value := protocol.Value{
		Type: protocol.TypeArray,
		Array: []protocol.Value{
			{Type: protocol.TypeBulkString, Data: []byte("SET")},
			{Type: protocol.TypeBulkString, Data: []byte("key")},
			{Type: protocol.TypeBulkString, Data: []byte("value")},
		},
	}

	cmd, err := protocol.ParseCommand(value)
	if err != nil {
		t.Fatalf("ParseCommand() error = %v", err)
	}

	if cmd.Name != "SET" {
		t.Errorf("Command name = %s, want SET", cmd.Name)
	}

	if len(cmd.Args) != 2 {
		t.Errorf("Args length = %d, want 2", len(cmd.Args))
	}

	if string(cmd.Args[0]) != "key" {
		t.Errorf("Args[0] = %s, want key", string(cmd.Args[0]))
	}

	if string(cmd.Args[1]) != "value" {
		t.Errorf("Args[1] = %s, want value", string(cmd.Args[1]))
	}
}

func TestValueString(t *testing.T) {
	tests := []struct {
		name     string
		value    protocol.Value
		expected string
	}{
		{
			name: "simple string",
			value: protocol.Value{
				Type: protocol.TypeSimpleString,
				Data: []byte("OK"),
			},
			expected: "OK",
		},
		{
			name: "integer",
			value: protocol.Value{
				Type:    protocol.TypeInteger,
				Integer: 42,
			},
			expected: "42",
		},
		{
			name: "null bulk string",
			value: protocol.Value{
				Type:   protocol.TypeBulkString,
				IsNull: true,
			},
			expected: "(nil)",
		},
		{
			name: "error",
			value: protocol.Value{
				Type: protocol.TypeError,
				Data: []byte("ERR unknown command"),
			},
			expected: "ERR unknown command",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := tt.value.String()
			if result != tt.expected {
				t.Errorf("String() = %q, want %q", result, tt.expected)
			}
		})
	}
}

func TestReadFrameRaw(t *testing.T) {
	input := "*1\r\n$4\r\nPING\r\n*3\r\n$3\r\nSET\r\n$1\r\nk\r\n$1\r\nv\r\n"

	// One byte per Read forces every frame to be reassembled from fragments
	reader := protocol.NewReader(iotest.OneByteReader(strings.NewReader(input)))

	wantRaw := []string{
		"*1\r\n$4\r\nPING\r\n",
		"*3\r\n$3\r\nSET\r\n$1\r\nk\r\n$1\r\nv\r\n",
	}
	for i, want := range wantRaw {
		_, raw, err := reader.ReadFrame()
		if err != nil {
			t.Fatalf("ReadFrame() #%d error = %v", i, err)
		}
		if string(raw) != want {
			t.Errorf("ReadFrame() #%d raw = %q, want %q", i, raw, want)
		}
	}

	if _, _, err := reader.ReadFrame(); err != io.EOF {
		t.Errorf("ReadFrame() at end error = %v, want io.EOF", err)
	}
}

func TestReadFrameTruncated(t *testing.T) {
	reader := protocol.NewReader(strings.NewReader("*2\r\n$3\r\nGET"))
	if _, _, err := reader.ReadFrame(); err != io.ErrUnexpectedEOF {
		t.Errorf("ReadFrame() error = %v, want io.ErrUnexpectedEOF", err)
	}
}

func TestReadCommand(t *testing.T) {
	input := "*2\r\n$3\r\nget\r\n$3\r\nfoo\r\n"
	reader := protocol.NewReader(strings.NewReader(input))

	cmd, err := reader.ReadCommand()
	if err != nil {
		t.Fatalf("ReadCommand() error = %v", err)
	}
	if cmd.Name != "GET" || len(cmd.Args) != 1 || string(cmd.Args[0]) != "foo" {
		t.Errorf("ReadCommand() = %s, want GET foo", cmd)
	}
	if string(cmd.Raw) != input {
		t.Errorf("Raw = %q, want %q", cmd.Raw, input)
	}
}

func TestReadCommandRejectsNonArray(t *testing.T) {
	reader := protocol.NewReader(strings.NewReader("+PING\r\n"))
	_, err := reader.ReadCommand()
	if !protocol.IsProtocolError(err) {
		t.Errorf("ReadCommand() error = %v, want protocol error", err)
	}
}

func TestReadSnapshot(t *testing.T) {
	payload := "REDIS0011\xfa\x00binary\r\npayload"
	input := "$" + strconv.Itoa(len(payload)) + "\r\n" + payload + "*1\r\n$4\r\nPING\r\n"

	reader := protocol.NewReaderSize(iotest.HalfReader(strings.NewReader(input)), 64)

	var got bytes.Buffer
	n, err := reader.ReadSnapshot(func(chunk []byte) error {
		got.Write(chunk)
		return nil
	})
	if err != nil {
		t.Fatalf("ReadSnapshot() error = %v", err)
	}
	if n != int64(len(payload)) {
		t.Errorf("ReadSnapshot() n = %d, want %d", n, len(payload))
	}
	if got.String() != payload {
		t.Errorf("payload = %q, want %q", got.String(), payload)
	}

	// The stream continues right after the payload with no CRLF in between
	cmd, err := reader.ReadCommand()
	if err != nil {
		t.Fatalf("ReadCommand() after snapshot error = %v", err)
	}
	if cmd.Name != "PING" {
		t.Errorf("command after snapshot = %s, want PING", cmd.Name)
	}
}

func TestWriteSnapshotHeader(t *testing.T) {
	var buf bytes.Buffer
	writer := protocol.NewWriter(&buf)
	if err := writer.WriteSnapshotHeader(3); err != nil {
		t.Fatalf("WriteSnapshotHeader() error = %v", err)
	}
	writer.WriteRaw([]byte("abc"))
	writer.Flush()

	if buf.String() != "$3\r\nabc" {
		t.Errorf("snapshot framing = %q, want %q", buf.String(), "$3\r\nabc")
	}
}

func BenchmarkRESPReader(b *testing.B) {
	input := "+OK\r\n"

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		reader := protocol.NewReader(strings.NewReader(input))
		_, err := reader.ReadNext()
		if err != nil {
			b.Fatal(err)
		}
	}
}

func BenchmarkRESPWriter(b *testing.B) {
	var buf bytes.Buffer
	writer := protocol.NewWriter(&buf)

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		buf.Reset()
		err := writer.WriteSimpleString("OK")
		if err != nil {
			b.Fatal(err)
		}
		writer.Flush()
	}
}
