package storage

import "time"

// ValueType represents the Redis data type
type ValueType int

const (
	ValueTypeNone ValueType = iota
	ValueTypeString
	ValueTypeList
	ValueTypeStream
)

// String returns the Redis-compatible type name
func (vt ValueType) String() string {
	switch vt {
	case ValueTypeString:
		return "string"
	case ValueTypeList:
		return "list"
	case ValueTypeStream:
		return "stream"
	default:
		return "none"
	}
}

// Value represents a stored value with metadata
type Value struct {
	Type   ValueType
	Data   interface{}
	Expiry *time.Time
}

// IsExpired returns true if the value has expired
func (v *Value) IsExpired() bool {
	return v.expiredAt(time.Now())
}

func (v *Value) expiredAt(now time.Time) bool {
	return v.Expiry != nil && !now.Before(*v.Expiry)
}

// Clone returns a deep copy of the value
func (v *Value) Clone() *Value {
	c := &Value{Type: v.Type}
	if v.Expiry != nil {
		exp := *v.Expiry
		c.Expiry = &exp
	}
	switch data := v.Data.(type) {
	case *StringValue:
		c.Data = &StringValue{Data: append([]byte(nil), data.Data...)}
	case *ListValue:
		elems := make([][]byte, len(data.Elements))
		for i, e := range data.Elements {
			elems[i] = append([]byte(nil), e...)
		}
		c.Data = &ListValue{Elements: elems}
	case *StreamValue:
		entries := make([]StreamEntry, len(data.Entries))
		for i, e := range data.Entries {
			entries[i] = e.clone()
		}
		c.Data = &StreamValue{Entries: entries, LastID: data.LastID}
	}
	return c
}

// NewStringValue wraps raw bytes as a string value
func NewStringValue(data []byte, expiry *time.Time) *Value {
	return &Value{
		Type:   ValueTypeString,
		Data:   &StringValue{Data: append([]byte(nil), data...)},
		Expiry: expiry,
	}
}

// NewListValue wraps elements as a list value
func NewListValue(elements [][]byte, expiry *time.Time) *Value {
	return &Value{
		Type:   ValueTypeList,
		Data:   &ListValue{Elements: elements},
		Expiry: expiry,
	}
}

// StringValue represents a string value
type StringValue struct {
	Data []byte
}

// ListValue represents a list value
type ListValue struct {
	Elements [][]byte
}

// StreamValue represents a stream value. Entries are ordered by ID.
type StreamValue struct {
	Entries []StreamEntry
	LastID  StreamID
}

// StreamEntry represents a stream entry. Fields holds field/value pairs in
// insertion order.
type StreamEntry struct {
	ID     StreamID
	Fields [][]byte
}

func (e StreamEntry) clone() StreamEntry {
	fields := make([][]byte, len(e.Fields))
	for i, f := range e.Fields {
		fields[i] = append([]byte(nil), f...)
	}
	return StreamEntry{ID: e.ID, Fields: fields}
}
