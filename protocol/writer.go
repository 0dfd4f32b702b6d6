package protocol

import (
	"bufio"
	"io"
)

// Writer provides buffered writing of RESP protocol messages
type Writer struct {
	bw      *bufio.Writer
	scratch []byte
}

// NewWriter creates a new RESP protocol writer
func NewWriter(w io.Writer) *Writer {
	return &Writer{
		bw:      bufio.NewWriter(w),
		scratch: make([]byte, 0, 512),
	}
}

// WriteValue writes a RESP value to the output stream. The zero Value
// writes nothing.
func (w *Writer) WriteValue(v Value) error {
	if v.IsEmpty() {
		return nil
	}
	w.scratch = AppendValue(w.scratch[:0], v)
	_, err := w.bw.Write(w.scratch)
	if cap(w.scratch) > 64*1024 {
		w.scratch = make([]byte, 0, 512)
	}
	return err
}

// WriteSimpleString writes a simple string
func (w *Writer) WriteSimpleString(s string) error {
	if _, err := w.bw.WriteString("+"); err != nil {
		return err
	}
	if _, err := w.bw.WriteString(s); err != nil {
		return err
	}
	return w.writeCRLF()
}

// WriteCommand writes a Redis command as a RESP array of bulk strings
func (w *Writer) WriteCommand(cmd string, args ...string) error {
	_, err := w.bw.Write(EncodeStrings(cmd, args...))
	return err
}

// WriteRaw writes pre-encoded RESP bytes
func (w *Writer) WriteRaw(b []byte) error {
	_, err := w.bw.Write(b)
	return err
}

// WriteSnapshotHeader writes the $<size> line of the snapshot that
// follows +FULLRESYNC. The payload goes out with WriteRaw and carries no
// trailing CRLF.
func (w *Writer) WriteSnapshotHeader(size int) error {
	w.scratch = appendHeader(w.scratch[:0], '$', size)
	_, err := w.bw.Write(w.scratch)
	return err
}

// Flush flushes any buffered data to the underlying writer
func (w *Writer) Flush() error {
	return w.bw.Flush()
}

func (w *Writer) writeCRLF() error {
	_, err := w.bw.WriteString(CRLF)
	return err
}
