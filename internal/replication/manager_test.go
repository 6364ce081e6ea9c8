package replication

import (
	"encoding/json"
	"testing"

	"distributed-bbs/internal/storage"
)

func newManager(t *testing.T) *Manager {
	t.Helper()
	st, err := storage.Open(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	return New("server_a", st)
}

func TestMergeLoginsIsSetUnionByUser(t *testing.T) {
	m := newManager(t)

	payload, _ := json.Marshal([]Login{{User: "alice", Timestamp: 1, Clock: 1}})
	added, err := m.ApplyReplicate("server_b", "logins", payload)
	if err != nil {
		t.Fatal(err)
	}
	if added != 1 {
		t.Fatalf("added = %d, want 1", added)
	}

	// Re-applying the same login is a no-op (idempotence, P3).
	added, err = m.ApplyReplicate("server_b", "logins", payload)
	if err != nil {
		t.Fatal(err)
	}
	if added != 0 {
		t.Fatalf("re-applying same login added %d, want 0", added)
	}

	var logins []Login
	m.store.Load("logins.json", &logins)
	if len(logins) != 1 {
		t.Fatalf("expected 1 login total, got %d", len(logins))
	}
}

func TestMergeMessagesDedupsByTuple(t *testing.T) {
	m := newManager(t)

	msgs := []Message{
		{Type: "publish", User: "alice", Channel: "geral", Message: "m1", Timestamp: 1, Clock: 1},
		{Type: "publish", User: "alice", Channel: "geral", Message: "m2", Timestamp: 2, Clock: 2},
	}
	payload, _ := json.Marshal(msgs)

	added, err := m.ApplyReplicate("server_b", "messages", payload)
	if err != nil {
		t.Fatal(err)
	}
	if added != 2 {
		t.Fatalf("added = %d, want 2", added)
	}

	// Replaying an overlapping batch only adds the genuinely new one.
	overlap := []Message{
		msgs[0],
		{Type: "publish", User: "alice", Channel: "geral", Message: "m3", Timestamp: 3, Clock: 3},
	}
	payload2, _ := json.Marshal(overlap)
	added, err = m.ApplyReplicate("server_c", "messages", payload2)
	if err != nil {
		t.Fatal(err)
	}
	if added != 1 {
		t.Fatalf("added = %d, want 1 (only m3 is new)", added)
	}

	var stored []Message
	m.store.Load("messages.json", &stored)
	if len(stored) != 3 {
		t.Fatalf("expected 3 total messages, got %d", len(stored))
	}
}

func TestMergeMessagesOrdersByTimestampThenClock(t *testing.T) {
	m := newManager(t)

	// Deliver out of order.
	batch1, _ := json.Marshal([]Message{
		{Type: "publish", User: "bob", Channel: "geral", Message: "third", Timestamp: 3, Clock: 1},
	})
	batch2, _ := json.Marshal([]Message{
		{Type: "publish", User: "bob", Channel: "geral", Message: "first", Timestamp: 1, Clock: 1},
		{Type: "publish", User: "bob", Channel: "geral", Message: "second", Timestamp: 2, Clock: 1},
	})

	if _, err := m.ApplyReplicate("server_b", "messages", batch1); err != nil {
		t.Fatal(err)
	}
	if _, err := m.ApplyReplicate("server_b", "messages", batch2); err != nil {
		t.Fatal(err)
	}

	var stored []Message
	m.store.Load("messages.json", &stored)
	if len(stored) != 3 {
		t.Fatalf("expected 3 messages, got %d", len(stored))
	}
	want := []string{"first", "second", "third"}
	for i, w := range want {
		if stored[i].Message != w {
			t.Fatalf("stored[%d] = %q, want %q (order: %v)", i, stored[i].Message, w, stored)
		}
	}
}

func TestMergeIsCommutativeAcrossArrivalOrder(t *testing.T) {
	logins := []Login{{User: "alice", Timestamp: 1, Clock: 1}, {User: "bob", Timestamp: 2, Clock: 2}}

	m1 := newManager(t)
	p0, _ := json.Marshal([]Login{logins[0]})
	p1, _ := json.Marshal([]Login{logins[1]})
	m1.ApplyReplicate("x", "logins", p0)
	m1.ApplyReplicate("x", "logins", p1)

	m2 := newManager(t)
	m2.ApplyReplicate("x", "logins", p1)
	m2.ApplyReplicate("x", "logins", p0)

	var l1, l2 []Login
	m1.store.Load("logins.json", &l1)
	m2.store.Load("logins.json", &l2)

	if len(l1) != len(l2) || len(l1) != 2 {
		t.Fatalf("expected convergence to 2 logins regardless of order, got %d and %d", len(l1), len(l2))
	}
}

func TestApplyReplicateUnknownTypeErrors(t *testing.T) {
	m := newManager(t)
	if _, err := m.ApplyReplicate("server_b", "bogus", json.RawMessage(`[]`)); err == nil {
		t.Fatalf("expected error for unknown replication type")
	}
}

func TestUpdateServerListExcludesSelf(t *testing.T) {
	m := newManager(t)
	m.UpdateServerList([]Peer{
		{Name: "server_a", Rank: 1},
		{Name: "server_b", Rank: 2},
		{Name: "server_c", Rank: 3},
	})

	peers := m.Peers()
	if len(peers) != 2 {
		t.Fatalf("expected 2 peers excluding self, got %d", len(peers))
	}
	for _, p := range peers {
		if p.Name == "server_a" {
			t.Fatalf("self should be excluded from peer list")
		}
	}
}

func TestSyncStateReturnsCurrentSnapshot(t *testing.T) {
	m := newManager(t)
	payload, _ := json.Marshal([]Channel{{Channel: "geral", Timestamp: 1, Clock: 1}})
	m.ApplyReplicate("server_b", "channels", payload)

	state := m.SyncState()
	if len(state.Channels) != 1 || state.Channels[0].Channel != "geral" {
		t.Fatalf("unexpected sync state: %#v", state)
	}
}

func TestReplicationLogRecordsAppliedBatches(t *testing.T) {
	m := newManager(t)
	payload, _ := json.Marshal([]Login{{User: "alice", Timestamp: 1, Clock: 1}})
	m.ApplyReplicate("server_b", "logins", payload)

	entries := m.ReplicationLog()
	if len(entries) != 1 || entries[0].Source != "server_b" || entries[0].Type != "logins" {
		t.Fatalf("unexpected log: %#v", entries)
	}
}
