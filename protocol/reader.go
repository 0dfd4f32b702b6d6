package protocol

import (
	"bytes"
	"errors"
	"fmt"
	"io"
)

const (
	defaultReaderSize = 16 * 1024

	// snapshotChunkSize is the chunk size handed to ReadSnapshot callbacks
	snapshotChunkSize = 8192
)

// Reader is a buffered RESP frame reader. It accumulates bytes from the
// underlying reader and decodes them into frames, so pipelined
// requests are consumed one frame at a time.
type Reader struct {
	rd   io.Reader
	buf  []byte
	r, w int

	// need is the least number of unconsumed bytes the pending frame can
	// complete with. Decoding is not retried until that many are buffered.
	need int
}

// NewReader creates a new RESP reader with the default buffer size
func NewReader(rd io.Reader) *Reader {
	return NewReaderSize(rd, defaultReaderSize)
}

// NewReaderSize creates a new RESP reader whose buffer starts at size bytes.
// The buffer grows as needed to hold a single frame.
func NewReaderSize(rd io.Reader, size int) *Reader {
	if size < 64 {
		size = 64
	}
	return &Reader{
		rd:  rd,
		buf: make([]byte, size),
	}
}

// ReadNext reads the next RESP value from the stream
func (r *Reader) ReadNext() (Value, error) {
	v, _, err := r.readFrame(false)
	return v, err
}

// ReadFrame reads the next RESP value along with a copy of the exact bytes
// it was encoded as.
func (r *Reader) ReadFrame() (Value, []byte, error) {
	return r.readFrame(true)
}

// ReadCommand reads the next frame and parses it as a command. The command's
// Raw field holds the frame bytes.
func (r *Reader) ReadCommand() (*Command, error) {
	v, raw, err := r.readFrame(true)
	if err != nil {
		return nil, err
	}
	cmd, err := ParseCommand(v)
	if err != nil {
		return nil, err
	}
	cmd.Raw = raw
	return cmd, nil
}

// Buffered returns the number of bytes that have been read from the
// underlying reader but not yet consumed as frames.
func (r *Reader) Buffered() int {
	return r.w - r.r
}

// Wait blocks until unconsumed data is buffered or the underlying reader
// fails. Nothing is consumed, so a later ReadCommand still sees every byte.
func (r *Reader) Wait() error {
	if r.w > r.r {
		return nil
	}
	return r.fill()
}

func (r *Reader) readFrame(keepRaw bool) (Value, []byte, error) {
	for {
		if r.w > r.r && r.w-r.r >= r.need {
			v, n, err := decodeAt(r.buf[r.r:r.w], 0, 0)
			if err == nil {
				var raw []byte
				if keepRaw {
					raw = bytes.Clone(r.buf[r.r : r.r+n])
				}
				r.r += n
				r.need = 0
				return v, raw, nil
			}
			if !errors.Is(err, ErrNeedMoreData) {
				return Value{}, nil, err
			}
			r.need = n
		}
		if err := r.fill(); err != nil {
			return Value{}, nil, err
		}
	}
}

// fill reads more data into the buffer, compacting or growing it first
func (r *Reader) fill() error {
	if r.r > 0 {
		copy(r.buf, r.buf[r.r:r.w])
		r.w -= r.r
		r.r = 0
	}
	if r.w == len(r.buf) {
		grown := make([]byte, len(r.buf)*2)
		copy(grown, r.buf[:r.w])
		r.buf = grown
	}

	for i := 0; i < 100; i++ {
		n, err := r.rd.Read(r.buf[r.w:])
		r.w += n
		if n > 0 {
			return nil
		}
		if err != nil {
			if errors.Is(err, io.EOF) && r.w > r.r {
				return io.ErrUnexpectedEOF
			}
			return err
		}
	}
	return io.ErrNoProgress
}

// readLine returns the next CRLF-terminated line without the terminator
func (r *Reader) readLine() ([]byte, error) {
	for {
		if idx := bytes.Index(r.buf[r.r:r.w], crlfBytes); idx >= 0 {
			line := r.buf[r.r : r.r+idx]
			r.r += idx + 2
			return line, nil
		}
		if r.w-r.r > maxLineSize {
			return nil, &ProtocolError{Msg: "line too long"}
		}
		if err := r.fill(); err != nil {
			return nil, err
		}
	}
}

// ReadSnapshot reads a bulk payload that is not followed by CRLF, as sent
// by a master after +FULLRESYNC. The payload is handed to fn in chunks.
// It returns the payload length.
func (r *Reader) ReadSnapshot(fn func(chunk []byte) error) (int64, error) {
	r.need = 0
	line, err := r.readLine()
	if err != nil {
		return 0, err
	}
	if len(line) == 0 || ValueType(line[0]) != TypeBulkString {
		if len(line) > 0 && ValueType(line[0]) == TypeError {
			return 0, fmt.Errorf("master replied with error: %s", line[1:])
		}
		return 0, &ProtocolError{Msg: fmt.Sprintf("expected snapshot bulk header, got %q", line)}
	}
	length, err := parseLength(line[1:], 0, maxBulkSize, "snapshot")
	if err != nil {
		return 0, err
	}
	if length <= 0 {
		return 0, nil
	}

	remaining := length
	for remaining > 0 {
		if r.w == r.r {
			if err := r.fill(); err != nil {
				if errors.Is(err, io.EOF) {
					err = io.ErrUnexpectedEOF
				}
				return length - remaining, err
			}
		}
		n := r.w - r.r
		if int64(n) > remaining {
			n = int(remaining)
		}
		if n > snapshotChunkSize {
			n = snapshotChunkSize
		}
		if err := fn(r.buf[r.r : r.r+n]); err != nil {
			return length - remaining, err
		}
		r.r += n
		remaining -= int64(n)
	}
	return length, nil
}
