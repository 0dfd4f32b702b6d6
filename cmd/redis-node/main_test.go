package main

import "testing"

func TestRunRejectsBadFlags(t *testing.T) {
	tests := [][]string{
		{"--replica-snapshot", "partial"},
		{"--port", "-5"},
		{"--log-level", "verbose"},
		{"--replicaof", "localhost"},
		{"--no-such-flag"},
	}
	for _, args := range tests {
		if err := run(args); err == nil {
			t.Errorf("run(%q) succeeded", args)
		}
	}
}

func TestRunVersion(t *testing.T) {
	if err := run([]string{"--version"}); err != nil {
		t.Fatal(err)
	}
}
