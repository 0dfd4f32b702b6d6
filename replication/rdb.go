package replication

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"strconv"
	"time"
)

// RDB format constants
const (
	MaxSupportedRDBVersion = 12

	RDBOpcodeSlotInfo  = 0xF4
	RDBOpcodeFunction2 = 0xF5
	RDBOpcodeModuleAux = 0xF7
	RDBOpcodeIdle      = 0xF8
	RDBOpcodeFreq      = 0xF9
	RDBOpcodeAux       = 0xFA
	RDBOpcodeResizeDB  = 0xFB
	RDBOpcodeExpiryMs  = 0xFC
	RDBOpcodeExpiry    = 0xFD
	RDBOpcodeDB        = 0xFE
	RDBOpcodeEOF       = 0xFF

	RDBTypeString          = 0
	RDBTypeList            = 1
	RDBTypeSet             = 2
	RDBTypeZSet            = 3
	RDBTypeHash            = 4
	RDBTypeZSet2           = 5
	RDBTypeModule          = 6
	RDBTypeModule2         = 7
	RDBTypeHashZipmap      = 9
	RDBTypeListZiplist     = 10
	RDBTypeSetIntset       = 11
	RDBTypeZSetZiplist     = 12
	RDBTypeHashZiplist     = 13
	RDBTypeListQuicklist   = 14
	RDBTypeStreamListpack  = 15
	RDBTypeHashListpack    = 16
	RDBTypeZSetListpack    = 17
	RDBTypeListQuicklist2  = 18
	RDBTypeStreamListpack2 = 19
	RDBTypeSetListpack     = 20
	RDBTypeStreamListpack3 = 21
)

const (
	rdbEncInt8  = 0
	rdbEncInt16 = 1
	rdbEncInt32 = 2
	rdbEncLZF   = 3

	quicklistNodePlain  = 1
	quicklistNodePacked = 2

	// maxRDBString matches the default proto-max-bulk-len
	maxRDBString = 512 * 1024 * 1024
)

// ErrUnsupportedRDBType is returned for value types whose layout cannot be
// skipped safely, such as module values
var ErrUnsupportedRDBType = errors.New("unsupported RDB value type")

// RDBHandler processes RDB entries during parsing
type RDBHandler interface {
	// OnDatabase is called when switching to a new database
	OnDatabase(index int) error

	// OnKey is called for each key the keyspace can hold. value is []byte
	// for strings and [][]byte for lists.
	OnKey(key []byte, value interface{}, expiry *time.Time) error

	// OnAux is called for auxiliary fields
	OnAux(key, value []byte) error

	// OnEnd is called when parsing is complete
	OnEnd() error
}

// RDBParser parses RDB payloads in streaming mode
type RDBParser struct {
	br      *bufio.Reader
	handler RDBHandler
	logger  Logger

	version int
	skipped int
}

// NewRDBParser creates a new RDB parser
func NewRDBParser(r io.Reader, handler RDBHandler) *RDBParser {
	return &RDBParser{
		br:      bufio.NewReader(r),
		handler: handler,
		logger:  nopLogger{},
	}
}

// SetLogger sets the logger for the RDB parser
func (p *RDBParser) SetLogger(logger Logger) {
	p.logger = logger
}

// Version returns the RDB version read from the header
func (p *RDBParser) Version() int {
	return p.version
}

// Skipped returns the number of keys whose type the keyspace cannot hold
func (p *RDBParser) Skipped() int {
	return p.skipped
}

// Parse parses the RDB stream up to the EOF opcode. The checksum that
// follows it is not verified.
func (p *RDBParser) Parse() error {
	header := make([]byte, 9)
	if _, err := io.ReadFull(p.br, header); err != nil {
		return fmt.Errorf("failed to read RDB header: %w", err)
	}
	if string(header[:5]) != "REDIS" {
		return fmt.Errorf("invalid RDB magic: %q", header[:5])
	}
	version, err := strconv.Atoi(string(header[5:]))
	if err != nil {
		return fmt.Errorf("invalid RDB version: %q", header[5:])
	}
	if version > MaxSupportedRDBVersion {
		return fmt.Errorf("unsupported RDB version: %d (max supported: %d)", version, MaxSupportedRDBVersion)
	}
	p.version = version

	var expiry *time.Time
	for {
		opcode, err := p.br.ReadByte()
		if err != nil {
			return fmt.Errorf("failed to read opcode: %w", err)
		}

		switch opcode {
		case RDBOpcodeEOF:
			return p.handler.OnEnd()

		case RDBOpcodeDB:
			db, err := p.readLength()
			if err != nil {
				return fmt.Errorf("failed to read database number: %w", err)
			}
			if err := p.handler.OnDatabase(int(db)); err != nil {
				return err
			}

		case RDBOpcodeExpiry:
			var ts uint32
			if err := binary.Read(p.br, binary.LittleEndian, &ts); err != nil {
				return fmt.Errorf("failed to read expiry timestamp: %w", err)
			}
			t := time.Unix(int64(ts), 0)
			expiry = &t

		case RDBOpcodeExpiryMs:
			var ts uint64
			if err := binary.Read(p.br, binary.LittleEndian, &ts); err != nil {
				return fmt.Errorf("failed to read expiry timestamp: %w", err)
			}
			t := time.UnixMilli(int64(ts))
			expiry = &t

		case RDBOpcodeResizeDB:
			if _, err := p.readLength(); err != nil {
				return err
			}
			if _, err := p.readLength(); err != nil {
				return err
			}

		case RDBOpcodeAux:
			key, err := p.readString()
			if err != nil {
				return fmt.Errorf("failed to read aux key: %w", err)
			}
			value, err := p.readString()
			if err != nil {
				return fmt.Errorf("failed to read aux value for key %s: %w", key, err)
			}
			if err := p.handler.OnAux(key, value); err != nil {
				return err
			}

		case RDBOpcodeIdle:
			if _, err := p.readLength(); err != nil {
				return err
			}

		case RDBOpcodeFreq:
			if _, err := p.br.ReadByte(); err != nil {
				return err
			}

		case RDBOpcodeSlotInfo:
			for i := 0; i < 3; i++ {
				if _, err := p.readLength(); err != nil {
					return err
				}
			}

		case RDBOpcodeFunction2:
			if _, err := p.readString(); err != nil {
				return fmt.Errorf("failed to read function library: %w", err)
			}

		case RDBOpcodeModuleAux:
			return fmt.Errorf("%w: module aux data", ErrUnsupportedRDBType)

		default:
			if err := p.readKeyValue(opcode, expiry); err != nil {
				return err
			}
			expiry = nil
		}
	}
}

func (p *RDBParser) readKeyValue(valueType byte, expiry *time.Time) error {
	key, err := p.readString()
	if err != nil {
		return fmt.Errorf("failed to read key: %w", err)
	}

	value, err := p.readValue(valueType)
	if err != nil {
		return fmt.Errorf("failed to read value for key %s: %w", key, err)
	}
	if value == nil {
		p.skipped++
		p.logger.Debug("Skipping RDB key of unsupported type", "key", string(key), "type", valueType)
		return nil
	}
	return p.handler.OnKey(key, value, expiry)
}

// readValue returns []byte or [][]byte, or nil for types that were skipped
func (p *RDBParser) readValue(valueType byte) (interface{}, error) {
	switch valueType {
	case RDBTypeString:
		return p.readString()

	case RDBTypeList:
		n, err := p.readLength()
		if err != nil {
			return nil, err
		}
		list := make([][]byte, 0, min(n, 1024))
		for i := uint64(0); i < n; i++ {
			elem, err := p.readString()
			if err != nil {
				return nil, err
			}
			list = append(list, elem)
		}
		return list, nil

	case RDBTypeListZiplist:
		blob, err := p.readString()
		if err != nil {
			return nil, err
		}
		return decodeZiplist(blob)

	case RDBTypeListQuicklist:
		return p.readQuicklist(false)

	case RDBTypeListQuicklist2:
		return p.readQuicklist(true)

	case RDBTypeSet:
		return nil, p.skipStrings(1)

	case RDBTypeHash:
		return nil, p.skipStrings(2)

	case RDBTypeZSet:
		return nil, p.skipZSet(false)

	case RDBTypeZSet2:
		return nil, p.skipZSet(true)

	case RDBTypeHashZipmap, RDBTypeSetIntset, RDBTypeZSetZiplist, RDBTypeHashZiplist,
		RDBTypeHashListpack, RDBTypeZSetListpack, RDBTypeSetListpack:
		_, err := p.readString()
		return nil, err

	case RDBTypeStreamListpack, RDBTypeStreamListpack2, RDBTypeStreamListpack3:
		return nil, p.skipStream(valueType)

	default:
		return nil, fmt.Errorf("%w: %d", ErrUnsupportedRDBType, valueType)
	}
}

// readQuicklist reads a list stored as ziplist nodes, or as listpack and
// plain nodes for the second quicklist encoding
func (p *RDBParser) readQuicklist(v2 bool) (interface{}, error) {
	nodes, err := p.readLength()
	if err != nil {
		return nil, err
	}

	var list [][]byte
	for i := uint64(0); i < nodes; i++ {
		container := uint64(quicklistNodePacked)
		if v2 {
			if container, err = p.readLength(); err != nil {
				return nil, err
			}
		}
		blob, err := p.readString()
		if err != nil {
			return nil, err
		}

		switch {
		case container == quicklistNodePlain:
			list = append(list, blob)
		case v2:
			elems, err := decodeListpack(blob)
			if err != nil {
				return nil, err
			}
			list = append(list, elems...)
		default:
			elems, err := decodeZiplist(blob)
			if err != nil {
				return nil, err
			}
			list = append(list, elems...)
		}
	}
	return list, nil
}

func (p *RDBParser) skipStrings(perEntry int) error {
	n, err := p.readLength()
	if err != nil {
		return err
	}
	for i := uint64(0); i < n*uint64(perEntry); i++ {
		if _, err := p.readString(); err != nil {
			return err
		}
	}
	return nil
}

func (p *RDBParser) skipZSet(binaryScores bool) error {
	n, err := p.readLength()
	if err != nil {
		return err
	}
	for i := uint64(0); i < n; i++ {
		if _, err := p.readString(); err != nil {
			return err
		}
		if binaryScores {
			if err := p.skipBytes(8); err != nil {
				return err
			}
			continue
		}
		// 253, 254 and 255 encode nan, +inf and -inf without payload
		l, err := p.br.ReadByte()
		if err != nil {
			return err
		}
		if l < 253 {
			if err := p.skipBytes(int(l)); err != nil {
				return err
			}
		}
	}
	return nil
}

func (p *RDBParser) skipStream(valueType byte) error {
	nodes, err := p.readLength()
	if err != nil {
		return err
	}
	for i := uint64(0); i < nodes*2; i++ {
		if _, err := p.readString(); err != nil {
			return err
		}
	}

	// length, last id
	lengths := 3
	if valueType >= RDBTypeStreamListpack2 {
		// first id, max deleted id, entries added
		lengths += 5
	}
	if err := p.skipLengths(lengths); err != nil {
		return err
	}

	groups, err := p.readLength()
	if err != nil {
		return err
	}
	for g := uint64(0); g < groups; g++ {
		if _, err := p.readString(); err != nil {
			return err
		}
		groupLengths := 2
		if valueType >= RDBTypeStreamListpack2 {
			groupLengths++
		}
		if err := p.skipLengths(groupLengths); err != nil {
			return err
		}

		pending, err := p.readLength()
		if err != nil {
			return err
		}
		for i := uint64(0); i < pending; i++ {
			// raw id and delivery time
			if err := p.skipBytes(16 + 8); err != nil {
				return err
			}
			if _, err := p.readLength(); err != nil {
				return err
			}
		}

		consumers, err := p.readLength()
		if err != nil {
			return err
		}
		for c := uint64(0); c < consumers; c++ {
			if _, err := p.readString(); err != nil {
				return err
			}
			times := 8
			if valueType >= RDBTypeStreamListpack3 {
				times += 8
			}
			if err := p.skipBytes(times); err != nil {
				return err
			}
			owned, err := p.readLength()
			if err != nil {
				return err
			}
			if err := p.skipBytes(int(owned) * 16); err != nil {
				return err
			}
		}
	}
	return nil
}

func (p *RDBParser) skipLengths(n int) error {
	for i := 0; i < n; i++ {
		if _, err := p.readLength(); err != nil {
			return err
		}
	}
	return nil
}

func (p *RDBParser) skipBytes(n int) error {
	_, err := p.br.Discard(n)
	return err
}

// readLength reads a plain length. Integer-encoded strings are rejected.
func (p *RDBParser) readLength() (uint64, error) {
	n, encoded, err := p.readLengthOrEncoding()
	if err != nil {
		return 0, err
	}
	if encoded {
		return 0, fmt.Errorf("unexpected string encoding %d where a length was expected", n)
	}
	return n, nil
}

// readLengthOrEncoding reads a length. When encoded is true, n is the
// special string encoding instead.
func (p *RDBParser) readLengthOrEncoding() (n uint64, encoded bool, err error) {
	b, err := p.br.ReadByte()
	if err != nil {
		return 0, false, err
	}

	switch b >> 6 {
	case 0:
		return uint64(b & 0x3F), false, nil
	case 1:
		b2, err := p.br.ReadByte()
		if err != nil {
			return 0, false, err
		}
		return uint64(b&0x3F)<<8 | uint64(b2), false, nil
	case 2:
		switch b {
		case 0x80:
			var v uint32
			err := binary.Read(p.br, binary.BigEndian, &v)
			return uint64(v), false, err
		case 0x81:
			var v uint64
			err := binary.Read(p.br, binary.BigEndian, &v)
			return v, false, err
		default:
			return 0, false, fmt.Errorf("invalid length encoding: %#x", b)
		}
	default:
		return uint64(b & 0x3F), true, nil
	}
}

func (p *RDBParser) readString() ([]byte, error) {
	n, encoded, err := p.readLengthOrEncoding()
	if err != nil {
		return nil, err
	}
	if !encoded {
		return p.readStringData(n)
	}

	switch n {
	case rdbEncInt8:
		b, err := p.br.ReadByte()
		if err != nil {
			return nil, err
		}
		return strconv.AppendInt(nil, int64(int8(b)), 10), nil
	case rdbEncInt16:
		var v int16
		if err := binary.Read(p.br, binary.LittleEndian, &v); err != nil {
			return nil, err
		}
		return strconv.AppendInt(nil, int64(v), 10), nil
	case rdbEncInt32:
		var v int32
		if err := binary.Read(p.br, binary.LittleEndian, &v); err != nil {
			return nil, err
		}
		return strconv.AppendInt(nil, int64(v), 10), nil
	case rdbEncLZF:
		return p.readCompressedString()
	default:
		return nil, fmt.Errorf("invalid special string encoding: %d", n)
	}
}

func (p *RDBParser) readCompressedString() ([]byte, error) {
	compressedLen, err := p.readLength()
	if err != nil {
		return nil, fmt.Errorf("failed to read compressed length: %w", err)
	}
	uncompressedLen, err := p.readLength()
	if err != nil {
		return nil, fmt.Errorf("failed to read uncompressed length: %w", err)
	}
	if uncompressedLen > maxRDBString {
		return nil, fmt.Errorf("string length too large: %d", uncompressedLen)
	}

	compressed, err := p.readStringData(compressedLen)
	if err != nil {
		return nil, err
	}
	return lzfDecompress(compressed, int(uncompressedLen))
}

func (p *RDBParser) readStringData(length uint64) ([]byte, error) {
	if length == 0 {
		return []byte{}, nil
	}
	if length > maxRDBString {
		return nil, fmt.Errorf("string length too large: %d", length)
	}

	data := make([]byte, length)
	if _, err := io.ReadFull(p.br, data); err != nil {
		return nil, fmt.Errorf("failed to read string data: %w", err)
	}
	return data, nil
}

// ParseRDB is a convenience function to parse an RDB stream
func ParseRDB(r io.Reader, handler RDBHandler) error {
	return NewRDBParser(r, handler).Parse()
}

// decodeZiplist returns the entries of a ziplist blob
func decodeZiplist(zl []byte) ([][]byte, error) {
	// zlbytes, zltail, zllen
	const headerLen = 10
	if len(zl) < headerLen+1 {
		return nil, errors.New("ziplist too short")
	}

	var out [][]byte
	pos := headerLen
	for {
		if pos >= len(zl) {
			return nil, errors.New("ziplist not terminated")
		}
		if zl[pos] == 0xFF {
			return out, nil
		}

		// previous entry length
		if zl[pos] < 254 {
			pos++
		} else {
			pos += 5
		}
		if pos >= len(zl) {
			return nil, errors.New("truncated ziplist entry")
		}

		enc := zl[pos]
		var (
			strLen int
			hdrLen int
			intLen int
		)
		switch enc >> 6 {
		case 0:
			strLen, hdrLen = int(enc&0x3F), 1
		case 1:
			if pos+1 >= len(zl) {
				return nil, errors.New("truncated ziplist entry")
			}
			strLen, hdrLen = int(enc&0x3F)<<8|int(zl[pos+1]), 2
		case 2:
			if pos+4 >= len(zl) {
				return nil, errors.New("truncated ziplist entry")
			}
			strLen, hdrLen = int(binary.BigEndian.Uint32(zl[pos+1:])), 5
		default:
			hdrLen = 1
			switch enc {
			case 0xC0:
				intLen = 2
			case 0xD0:
				intLen = 4
			case 0xE0:
				intLen = 8
			case 0xF0:
				intLen = 3
			case 0xFE:
				intLen = 1
			default:
				// immediate 4 bit integer 0..12
				imm := int64(enc&0x0F) - 1
				if enc>>4 != 0x0F || imm < 0 || imm > 12 {
					return nil, fmt.Errorf("invalid ziplist encoding: %#x", enc)
				}
				out = append(out, strconv.AppendInt(nil, imm, 10))
				pos++
				continue
			}
		}

		pos += hdrLen
		if intLen > 0 {
			if pos+intLen > len(zl) {
				return nil, errors.New("truncated ziplist integer")
			}
			out = append(out, strconv.AppendInt(nil, readIntLE(zl[pos:pos+intLen]), 10))
			pos += intLen
			continue
		}
		if pos+strLen > len(zl) {
			return nil, errors.New("truncated ziplist string")
		}
		out = append(out, append([]byte(nil), zl[pos:pos+strLen]...))
		pos += strLen
	}
}

// decodeListpack returns the entries of a listpack blob
func decodeListpack(lp []byte) ([][]byte, error) {
	// total bytes, element count
	const headerLen = 6
	if len(lp) < headerLen+1 {
		return nil, errors.New("listpack too short")
	}

	var out [][]byte
	pos := headerLen
	for {
		if pos >= len(lp) {
			return nil, errors.New("listpack not terminated")
		}
		enc := lp[pos]
		if enc == 0xFF {
			return out, nil
		}

		var (
			entryLen int
			value    []byte
		)
		switch {
		case enc&0x80 == 0:
			value = strconv.AppendInt(nil, int64(enc&0x7F), 10)
			entryLen = 1
		case enc&0xC0 == 0x80:
			n := int(enc & 0x3F)
			if pos+1+n > len(lp) {
				return nil, errors.New("truncated listpack string")
			}
			value = append([]byte(nil), lp[pos+1:pos+1+n]...)
			entryLen = 1 + n
		case enc&0xE0 == 0xC0:
			if pos+1 >= len(lp) {
				return nil, errors.New("truncated listpack integer")
			}
			v := int64(enc&0x1F)<<8 | int64(lp[pos+1])
			if v >= 1<<12 {
				v -= 1 << 13
			}
			value = strconv.AppendInt(nil, v, 10)
			entryLen = 2
		case enc&0xF0 == 0xE0:
			if pos+1 >= len(lp) {
				return nil, errors.New("truncated listpack string")
			}
			n := int(enc&0x0F)<<8 | int(lp[pos+1])
			if pos+2+n > len(lp) {
				return nil, errors.New("truncated listpack string")
			}
			value = append([]byte(nil), lp[pos+2:pos+2+n]...)
			entryLen = 2 + n
		case enc == 0xF0:
			if pos+5 > len(lp) {
				return nil, errors.New("truncated listpack string")
			}
			n := int(binary.LittleEndian.Uint32(lp[pos+1:]))
			if pos+5+n > len(lp) {
				return nil, errors.New("truncated listpack string")
			}
			value = append([]byte(nil), lp[pos+5:pos+5+n]...)
			entryLen = 5 + n
		default:
			var intLen int
			switch enc {
			case 0xF1:
				intLen = 2
			case 0xF2:
				intLen = 3
			case 0xF3:
				intLen = 4
			case 0xF4:
				intLen = 8
			default:
				return nil, fmt.Errorf("invalid listpack encoding: %#x", enc)
			}
			if pos+1+intLen > len(lp) {
				return nil, errors.New("truncated listpack integer")
			}
			value = strconv.AppendInt(nil, readIntLE(lp[pos+1:pos+1+intLen]), 10)
			entryLen = 1 + intLen
		}

		out = append(out, value)
		pos += entryLen + listpackBacklenSize(entryLen)
	}
}

func listpackBacklenSize(n int) int {
	switch {
	case n <= 127:
		return 1
	case n < 16383:
		return 2
	case n < 2097151:
		return 3
	case n < 268435455:
		return 4
	default:
		return 5
	}
}

// readIntLE decodes a little endian two's complement integer of 1 to 8 bytes
func readIntLE(b []byte) int64 {
	var u uint64
	for i := len(b) - 1; i >= 0; i-- {
		u = u<<8 | uint64(b[i])
	}
	shift := uint(64 - 8*len(b))
	return int64(u<<shift) >> shift
}
