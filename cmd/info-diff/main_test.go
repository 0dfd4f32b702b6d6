package main

import (
	"io"
	"testing"
)

const masterInfo = "# Replication\r\nrole:master\r\nconnected_slaves:1\r\nmaster_replid:abc\r\nmaster_repl_offset:120\r\n\r\n# Keyspace\r\ndb0:keys=10,expires=2,avg_ttl=0\r\n"

func TestParseInfo(t *testing.T) {
	info := parseInfo(masterInfo)
	if info.Role != "master" || info.Offset != 120 {
		t.Errorf("unexpected info %+v", info)
	}
	if got := info.Keyspace[0]; got != (DatabaseStats{Keys: 10, Expires: 2}) {
		t.Errorf("db0 = %+v", got)
	}
}

func TestCompare(t *testing.T) {
	ref := parseInfo(masterInfo)

	tests := []struct {
		name string
		sut  string
		want int
	}{
		{"in sync", "role:slave\r\nmaster_repl_offset:120\r\ndb0:keys=10,expires=2,avg_ttl=5\r\n", 0},
		{"lagging", "role:slave\r\nmaster_repl_offset:100\r\ndb0:keys=9,expires=2\r\n", 2},
		{"empty replica", "role:slave\r\nmaster_repl_offset:120\r\n", 1},
		{"not a replica", "role:master\r\nmaster_repl_offset:120\r\ndb0:keys=10,expires=2\r\ndb1:keys=1,expires=0\r\n", 2},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := compare(io.Discard, ref, parseInfo(tt.sut)); got != tt.want {
				t.Errorf("got %d differences, want %d", got, tt.want)
			}
		})
	}
}
