package storage

import (
	"errors"
	"testing"
	"time"
)

func TestNextStreamID(t *testing.T) {
	now := time.UnixMilli(5000)

	tests := []struct {
		name      string
		requested string
		last      StreamID
		want      StreamID
		wantErr   error
	}{
		{"explicit", "1-1", StreamID{}, StreamID{1, 1}, nil},
		{"explicit zero", "0-0", StreamID{}, StreamID{}, ErrStreamIDZero},
		{"explicit equal", "1-1", StreamID{1, 1}, StreamID{}, ErrStreamIDTooSmall},
		{"explicit smaller", "0-5", StreamID{1, 1}, StreamID{}, ErrStreamIDTooSmall},
		{"auto seq new ms", "2-*", StreamID{1, 1}, StreamID{2, 0}, nil},
		{"auto seq same ms", "1-*", StreamID{1, 1}, StreamID{1, 2}, nil},
		{"auto seq zero ms", "0-*", StreamID{}, StreamID{0, 1}, nil},
		{"auto seq older ms", "0-*", StreamID{1, 1}, StreamID{}, ErrStreamIDTooSmall},
		{"auto all", "*", StreamID{}, StreamID{5000, 0}, nil},
		{"auto all clock behind", "*", StreamID{6000, 3}, StreamID{6000, 4}, nil},
		{"garbage", "abc", StreamID{}, StreamID{}, ErrInvalidStreamID},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := nextStreamID(tt.requested, tt.last, now)
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("nextStreamID() error = %v, want %v", err, tt.wantErr)
			}
			if err == nil && got != tt.want {
				t.Errorf("nextStreamID() = %s, want %s", got, tt.want)
			}
		})
	}
}

func TestParseRangeBound(t *testing.T) {
	tests := []struct {
		in   string
		end  bool
		want StreamID
	}{
		{"-", false, StreamID{}},
		{"+", true, MaxStreamID},
		{"5", false, StreamID{5, 0}},
		{"5", true, StreamID{5, MaxStreamID.Seq}},
		{"5-3", true, StreamID{5, 3}},
	}
	for _, tt := range tests {
		got, err := ParseRangeBound(tt.in, tt.end)
		if err != nil {
			t.Fatalf("ParseRangeBound(%q) error = %v", tt.in, err)
		}
		if got != tt.want {
			t.Errorf("ParseRangeBound(%q, %v) = %s, want %s", tt.in, tt.end, got, tt.want)
		}
	}
}

func TestXAddAndXRange(t *testing.T) {
	s := NewMemory(WithClock(func() time.Time { return time.UnixMilli(1000) }))
	defer s.Close()

	fields := [][]byte{[]byte("temp"), []byte("21")}
	ids := []string{"1-1", "1-2", "2-*", "*"}
	want := []StreamID{{1, 1}, {1, 2}, {2, 0}, {1000, 0}}
	for i, id := range ids {
		got, err := s.XAdd("s", id, fields)
		if err != nil {
			t.Fatalf("XAdd(%s) error = %v", id, err)
		}
		if got != want[i] {
			t.Errorf("XAdd(%s) = %s, want %s", id, got, want[i])
		}
	}

	entries, err := s.XRange("s", StreamID{1, 2}, StreamID{2, MaxStreamID.Seq}, 0)
	if err != nil {
		t.Fatalf("XRange() error = %v", err)
	}
	if len(entries) != 2 || entries[0].ID != (StreamID{1, 2}) || entries[1].ID != (StreamID{2, 0}) {
		t.Errorf("XRange() = %+v, want 1-2 and 2-0", entries)
	}
	if string(entries[0].Fields[1]) != "21" {
		t.Errorf("entry fields = %q", entries[0].Fields)
	}

	limited, _ := s.XRange("s", StreamID{}, MaxStreamID, 3)
	if len(limited) != 3 {
		t.Errorf("XRange(COUNT 3) returned %d entries", len(limited))
	}

	last, _ := s.LastStreamID("s")
	if last != (StreamID{1000, 0}) {
		t.Errorf("LastStreamID() = %s, want 1000-0", last)
	}

	// A rejected ID leaves the stream untouched and does not create keys
	if _, err := s.XAdd("s", "1-1", fields); !errors.Is(err, ErrStreamIDTooSmall) {
		t.Errorf("XAdd(1-1) error = %v, want ErrStreamIDTooSmall", err)
	}
	if _, err := s.XAdd("fresh", "0-0", fields); !errors.Is(err, ErrStreamIDZero) {
		t.Errorf("XAdd(0-0) error = %v, want ErrStreamIDZero", err)
	}
	if s.Exists("fresh") != 0 {
		t.Error("failed XADD created the key")
	}
}
