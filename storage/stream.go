package storage

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
)

// StreamID identifies a stream entry as <milliseconds>-<sequence>
type StreamID struct {
	Ms  uint64
	Seq uint64
}

// MaxStreamID is the largest possible stream ID
var MaxStreamID = StreamID{Ms: math.MaxUint64, Seq: math.MaxUint64}

func (id StreamID) String() string {
	return strconv.FormatUint(id.Ms, 10) + "-" + strconv.FormatUint(id.Seq, 10)
}

// Compare returns -1, 0 or 1 depending on the order of id and o
func (id StreamID) Compare(o StreamID) int {
	switch {
	case id.Ms < o.Ms:
		return -1
	case id.Ms > o.Ms:
		return 1
	case id.Seq < o.Seq:
		return -1
	case id.Seq > o.Seq:
		return 1
	default:
		return 0
	}
}

// IsZero reports whether id is 0-0
func (id StreamID) IsZero() bool {
	return id.Ms == 0 && id.Seq == 0
}

// Next returns the smallest ID greater than id
func (id StreamID) Next() StreamID {
	if id.Seq == math.MaxUint64 {
		return StreamID{Ms: id.Ms + 1}
	}
	return StreamID{Ms: id.Ms, Seq: id.Seq + 1}
}

// ParseStreamID parses a complete "<ms>-<seq>" ID. A bare "<ms>" takes
// missingSeq as its sequence number.
func ParseStreamID(s string, missingSeq uint64) (StreamID, error) {
	msPart, seqPart, hasSeq := strings.Cut(s, "-")
	ms, err := strconv.ParseUint(msPart, 10, 64)
	if err != nil {
		return StreamID{}, fmt.Errorf("%w: %q", ErrInvalidStreamID, s)
	}
	if !hasSeq {
		return StreamID{Ms: ms, Seq: missingSeq}, nil
	}
	seq, err := strconv.ParseUint(seqPart, 10, 64)
	if err != nil {
		return StreamID{}, fmt.Errorf("%w: %q", ErrInvalidStreamID, s)
	}
	return StreamID{Ms: ms, Seq: seq}, nil
}

// ParseRangeBound parses an XRANGE bound. "-" and "+" are the minimum and
// maximum IDs; a bare millisecond value covers every sequence number when
// used as an end bound.
func ParseRangeBound(s string, end bool) (StreamID, error) {
	switch s {
	case "-":
		return StreamID{}, nil
	case "+":
		return MaxStreamID, nil
	}
	if end {
		return ParseStreamID(s, math.MaxUint64)
	}
	return ParseStreamID(s, 0)
}

// nextStreamID resolves the ID requested by XADD against the stream's last ID
func nextStreamID(requested string, last StreamID, now time.Time) (StreamID, error) {
	if requested == "*" {
		ms := uint64(now.UnixMilli())
		if ms <= last.Ms {
			return last.Next(), nil
		}
		return StreamID{Ms: ms}, nil
	}

	msPart, seqPart, hasSeq := strings.Cut(requested, "-")
	if hasSeq && seqPart == "*" {
		ms, err := strconv.ParseUint(msPart, 10, 64)
		if err != nil {
			return StreamID{}, fmt.Errorf("%w: %q", ErrInvalidStreamID, requested)
		}
		var id StreamID
		switch {
		case ms == last.Ms && !last.IsZero():
			id = last.Next()
		case ms == 0:
			id = StreamID{Ms: 0, Seq: 1}
		default:
			id = StreamID{Ms: ms}
		}
		if id.Compare(last) <= 0 {
			return StreamID{}, ErrStreamIDTooSmall
		}
		return id, nil
	}

	id, err := ParseStreamID(requested, 0)
	if err != nil {
		return StreamID{}, err
	}
	if id.IsZero() {
		return StreamID{}, ErrStreamIDZero
	}
	if id.Compare(last) <= 0 {
		return StreamID{}, ErrStreamIDTooSmall
	}
	return id, nil
}

// XAdd appends an entry to the stream at key, creating the stream if
// needed. id is "*", "<ms>-*" or an explicit "<ms>-<seq>" that must be
// greater than the stream's last ID.
func (s *MemoryStorage) XAdd(key string, id string, fields [][]byte) (StreamID, error) {
	var added StreamID
	err := s.update(key, func(cur *Value) (*Value, bool, error) {
		if cur == nil {
			cur = &Value{Type: ValueTypeStream, Data: &StreamValue{}}
		}
		stream, ok := cur.Data.(*StreamValue)
		if !ok {
			return nil, false, ErrWrongType
		}

		next, err := nextStreamID(id, stream.LastID, s.now())
		if err != nil {
			return nil, false, err
		}

		entry := StreamEntry{ID: next, Fields: make([][]byte, len(fields))}
		for i, f := range fields {
			entry.Fields[i] = append([]byte(nil), f...)
		}
		stream.Entries = append(stream.Entries, entry)
		stream.LastID = next
		added = next
		return cur, true, nil
	})
	return added, err
}

// XRange returns entries with IDs between start and end inclusive, at most
// count entries when count is positive
func (s *MemoryStorage) XRange(key string, start, end StreamID, count int) ([]StreamEntry, error) {
	result := []StreamEntry{}
	err := s.view(key, func(cur *Value) error {
		if cur == nil {
			return nil
		}
		stream, ok := cur.Data.(*StreamValue)
		if !ok {
			return ErrWrongType
		}

		i := searchStream(stream.Entries, start)
		for ; i < len(stream.Entries); i++ {
			e := stream.Entries[i]
			if e.ID.Compare(end) > 0 {
				break
			}
			result = append(result, e.clone())
			if count > 0 && len(result) >= count {
				break
			}
		}
		return nil
	})
	return result, err
}

// LastStreamID returns the last ID added to the stream at key, 0-0 if the
// key does not exist
func (s *MemoryStorage) LastStreamID(key string) (StreamID, error) {
	var last StreamID
	err := s.view(key, func(cur *Value) error {
		if cur == nil {
			return nil
		}
		stream, ok := cur.Data.(*StreamValue)
		if !ok {
			return ErrWrongType
		}
		last = stream.LastID
		return nil
	})
	return last, err
}

// searchStream returns the index of the first entry with ID >= id
func searchStream(entries []StreamEntry, id StreamID) int {
	lo, hi := 0, len(entries)
	for lo < hi {
		mid := int(uint(lo+hi) >> 1)
		if entries[mid].ID.Compare(id) < 0 {
			lo = mid + 1
		} else {
			hi = mid
		}
	}
	return lo
}
