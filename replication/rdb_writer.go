package replication

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"io"
	"strconv"
	"time"

	"github.com/raniellyferreira/redis-inmemory-node/storage"
)

const (
	rdbWriteVersion = "0011"
	rdbRedisVersion = "7.2.0"

	// strings at least this long are LZF compressed when it saves space
	rdbCompressMin = 20
)

// emptyRDB is the snapshot of an empty keyspace sent in empty mode
var emptyRDB = []byte{
	0x52, 0x45, 0x44, 0x49, 0x53, 0x30, 0x30, 0x31, 0x31, 0xfa, 0x09, 0x72, 0x65, 0x64, 0x69,
	0x73, 0x2d, 0x76, 0x65, 0x72, 0x05, 0x37, 0x2e, 0x32, 0x2e, 0x30, 0xfa, 0x0a, 0x72, 0x65, 0x64,
	0x69, 0x73, 0x2d, 0x62, 0x69, 0x74, 0x73, 0xc0, 0x40, 0xfa, 0x05, 0x63, 0x74, 0x69, 0x6d, 0x65,
	0xc2, 0x6d, 0x08, 0xbc, 0x65, 0xfa, 0x08, 0x75, 0x73, 0x65, 0x64, 0x2d, 0x6d, 0x65, 0x6d, 0xc2,
	0xb0, 0xc4, 0x10, 0x00, 0xfa, 0x08, 0x61, 0x6f, 0x66, 0x2d, 0x62, 0x61, 0x73, 0x65, 0xc0, 0x00,
	0xff, 0xf0, 0x6e, 0x3b, 0xfe, 0xc0, 0xff, 0x5a, 0xa2,
}

// EmptyRDB returns a copy of the empty snapshot payload
func EmptyRDB() []byte {
	return append([]byte(nil), emptyRDB...)
}

// RDBWriter encodes keys in RDB format. The first write error is kept and
// returned by every later call.
type RDBWriter struct {
	w   *bufio.Writer
	err error
}

// NewRDBWriter creates a writer that encodes to w
func NewRDBWriter(w io.Writer) *RDBWriter {
	return &RDBWriter{w: bufio.NewWriter(w)}
}

// WriteHeader writes the magic, version and the aux fields Redis emits
func (w *RDBWriter) WriteHeader(now time.Time) error {
	w.write([]byte("REDIS" + rdbWriteVersion))
	w.WriteAux("redis-ver", rdbRedisVersion)
	w.WriteAux("redis-bits", "64")
	w.WriteAux("ctime", strconv.FormatInt(now.Unix(), 10))
	return w.err
}

// WriteAux writes an auxiliary field
func (w *RDBWriter) WriteAux(key, value string) error {
	w.writeByte(RDBOpcodeAux)
	w.writeString([]byte(key))
	w.writeString([]byte(value))
	return w.err
}

// SelectDB starts database db with a resize hint
func (w *RDBWriter) SelectDB(db int, keys, expires int64) error {
	w.writeByte(RDBOpcodeDB)
	w.writeLength(uint64(db))
	w.writeByte(RDBOpcodeResizeDB)
	w.writeLength(uint64(keys))
	w.writeLength(uint64(expires))
	return w.err
}

// WriteString writes a string key
func (w *RDBWriter) WriteString(key string, value []byte, expiry *time.Time) error {
	w.writeExpiry(expiry)
	w.writeByte(RDBTypeString)
	w.writeString([]byte(key))
	w.writeString(value)
	return w.err
}

// WriteList writes a list key in the plain list encoding
func (w *RDBWriter) WriteList(key string, elems [][]byte, expiry *time.Time) error {
	w.writeExpiry(expiry)
	w.writeByte(RDBTypeList)
	w.writeString([]byte(key))
	w.writeLength(uint64(len(elems)))
	for _, e := range elems {
		w.writeString(e)
	}
	return w.err
}

// Close writes the EOF opcode and a zero checksum, which tells loaders to
// skip verification, and flushes
func (w *RDBWriter) Close() error {
	w.writeByte(RDBOpcodeEOF)
	w.write(make([]byte, 8))
	if w.err != nil {
		return w.err
	}
	return w.w.Flush()
}

func (w *RDBWriter) writeExpiry(expiry *time.Time) {
	if expiry == nil {
		return
	}
	var b [9]byte
	b[0] = RDBOpcodeExpiryMs
	binary.LittleEndian.PutUint64(b[1:], uint64(expiry.UnixMilli()))
	w.write(b[:])
}

func (w *RDBWriter) writeLength(n uint64) {
	switch {
	case n < 1<<6:
		w.writeByte(byte(n))
	case n < 1<<14:
		w.write([]byte{byte(n>>8) | 0x40, byte(n)})
	case n <= 0xFFFFFFFF:
		var b [5]byte
		b[0] = 0x80
		binary.BigEndian.PutUint32(b[1:], uint32(n))
		w.write(b[:])
	default:
		var b [9]byte
		b[0] = 0x81
		binary.BigEndian.PutUint64(b[1:], n)
		w.write(b[:])
	}
}

func (w *RDBWriter) writeString(s []byte) {
	if v, ok := intEncodable(s); ok {
		switch {
		case v >= -1<<7 && v < 1<<7:
			w.write([]byte{0xC0 | rdbEncInt8, byte(int8(v))})
		case v >= -1<<15 && v < 1<<15:
			var b [3]byte
			b[0] = 0xC0 | rdbEncInt16
			binary.LittleEndian.PutUint16(b[1:], uint16(int16(v)))
			w.write(b[:])
		default:
			var b [5]byte
			b[0] = 0xC0 | rdbEncInt32
			binary.LittleEndian.PutUint32(b[1:], uint32(int32(v)))
			w.write(b[:])
		}
		return
	}

	if len(s) >= rdbCompressMin {
		if c := lzfCompress(s); c != nil {
			w.writeByte(0xC0 | rdbEncLZF)
			w.writeLength(uint64(len(c)))
			w.writeLength(uint64(len(s)))
			w.write(c)
			return
		}
	}

	w.writeLength(uint64(len(s)))
	w.write(s)
}

// intEncodable reports whether s is the canonical form of an int32
func intEncodable(s []byte) (int64, bool) {
	if len(s) == 0 || len(s) > 11 {
		return 0, false
	}
	v, err := strconv.ParseInt(string(s), 10, 32)
	if err != nil {
		return 0, false
	}
	if !bytes.Equal(strconv.AppendInt(nil, v, 10), s) {
		return 0, false
	}
	return v, true
}

func (w *RDBWriter) writeByte(b byte) {
	if w.err == nil {
		w.err = w.w.WriteByte(b)
	}
}

func (w *RDBWriter) write(b []byte) {
	if w.err == nil {
		_, w.err = w.w.Write(b)
	}
}

// EncodeSnapshot serializes the live keyspace of stor. Streams have no
// plain RDB encoding here and are left out.
func EncodeSnapshot(stor storage.Storage) ([]byte, error) {
	var buf bytes.Buffer
	w := NewRDBWriter(&buf)
	if err := w.WriteHeader(time.Now()); err != nil {
		return nil, err
	}

	keys, expires := stor.KeyspaceStats()
	if err := w.SelectDB(0, keys, expires); err != nil {
		return nil, err
	}

	err := stor.ForEach(func(key string, value *storage.Value) error {
		switch data := value.Data.(type) {
		case *storage.StringValue:
			return w.WriteString(key, data.Data, value.Expiry)
		case *storage.ListValue:
			return w.WriteList(key, data.Elements, value.Expiry)
		default:
			return nil
		}
	})
	if err != nil {
		return nil, err
	}

	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// snapshotLoader collects the keys of a snapshot so the keyspace is only
// replaced once the whole payload parsed
type snapshotLoader struct {
	logger Logger

	db      int
	entries []snapshotEntry
}

type snapshotEntry struct {
	key   string
	value *storage.Value
}

func (l *snapshotLoader) OnDatabase(index int) error {
	l.db = index
	if index != 0 {
		l.logger.Info("Ignoring keys of database other than 0 in snapshot", "db", index)
	}
	return nil
}

func (l *snapshotLoader) OnKey(key []byte, value interface{}, expiry *time.Time) error {
	if l.db != 0 {
		return nil
	}
	var v *storage.Value
	switch data := value.(type) {
	case []byte:
		v = storage.NewStringValue(data, expiry)
	case [][]byte:
		if len(data) == 0 {
			return nil
		}
		v = storage.NewListValue(data, expiry)
	default:
		return nil
	}
	l.entries = append(l.entries, snapshotEntry{key: string(key), value: v})
	return nil
}

func (l *snapshotLoader) OnAux(key, value []byte) error {
	l.logger.Debug("RDB aux field", "key", string(key), "value", string(value))
	return nil
}

func (l *snapshotLoader) OnEnd() error {
	l.logger.Debug("RDB parsing completed", "keys", len(l.entries))
	return nil
}

// apply stores the collected keys. Keys that expired meanwhile are dropped
// by the store.
func (l *snapshotLoader) apply(stor storage.Storage) {
	for _, e := range l.entries {
		stor.Load(e.key, e.value)
	}
}
