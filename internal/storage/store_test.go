package storage

import (
	"os"
	"path/filepath"
	"testing"
)

type loginEntry struct {
	User      string  `json:"user"`
	Timestamp float64 `json:"timestamp"`
	Clock     uint64  `json:"clock"`
}

func TestLoadMissingReturnsDefaultFalse(t *testing.T) {
	s, err := Open(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}

	var out []loginEntry
	if ok := s.Load("logins.json", &out); ok {
		t.Fatalf("expected Load to report false for a missing file")
	}
	if out != nil {
		t.Fatalf("expected v to stay untouched, got %#v", out)
	}
}

func TestLoadCorruptReturnsFalse(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(dir)
	if err != nil {
		t.Fatal(err)
	}

	if err := os.WriteFile(filepath.Join(dir, "logins.json"), []byte("not json"), 0o644); err != nil {
		t.Fatal(err)
	}

	var out []loginEntry
	if ok := s.Load("logins.json", &out); ok {
		t.Fatalf("expected Load to report false for corrupt JSON")
	}
}

func TestSaveThenLoadRoundTrips(t *testing.T) {
	s, err := Open(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}

	want := []loginEntry{{User: "alice", Timestamp: 1, Clock: 1}}
	if err := s.Save("logins.json", want); err != nil {
		t.Fatal(err)
	}

	var got []loginEntry
	if ok := s.Load("logins.json", &got); !ok {
		t.Fatalf("expected Load to succeed after Save")
	}
	if len(got) != 1 || got[0].User != "alice" {
		t.Fatalf("round trip mismatch: %#v", got)
	}
}

func TestAppendAccumulates(t *testing.T) {
	s, err := Open(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}

	if err := s.Append("logins.json", loginEntry{User: "alice", Clock: 1}); err != nil {
		t.Fatal(err)
	}
	if err := s.Append("logins.json", loginEntry{User: "bob", Clock: 2}); err != nil {
		t.Fatal(err)
	}

	var got []loginEntry
	if ok := s.Load("logins.json", &got); !ok {
		t.Fatalf("expected Load to succeed")
	}
	if len(got) != 2 || got[0].User != "alice" || got[1].User != "bob" {
		t.Fatalf("append order/content mismatch: %#v", got)
	}
}

func TestReplicationNamespaceIsolated(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(dir)
	if err != nil {
		t.Fatal(err)
	}

	if err := s.SaveReplication("server-2", map[string]int{"n": 3}); err != nil {
		t.Fatal(err)
	}

	var got map[string]int
	if ok := s.LoadReplication("server-2", &got); !ok {
		t.Fatalf("expected LoadReplication to succeed")
	}
	if got["n"] != 3 {
		t.Fatalf("got %#v", got)
	}

	if _, err := os.Stat(filepath.Join(dir, "replication", "server-2.json")); err != nil {
		t.Fatalf("expected replication file to exist under replication/: %v", err)
	}
}
