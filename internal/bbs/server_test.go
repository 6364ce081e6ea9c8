package bbs

import (
	"encoding/json"
	"testing"

	"distributed-bbs/internal/clock"
	"distributed-bbs/internal/replication"
	"distributed-bbs/internal/storage"
)

func newTestServer(t *testing.T, rank int) *Server {
	t.Helper()
	st, err := storage.Open(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	deps := Deps{
		ServerName: "server_test",
		Clock:      clock.New(),
		Store:      st,
	}
	return New(deps, rank)
}

func TestLoginRejectsDuplicateUser(t *testing.T) {
	s := newTestServer(t, 1)

	ok, desc := s.Login("alice")
	if !ok || desc != "" {
		t.Fatalf("first login should succeed, got ok=%v desc=%q", ok, desc)
	}

	ok, desc = s.Login("alice")
	if ok {
		t.Fatalf("duplicate login should fail")
	}
	if desc != "Usuário já cadastrado" {
		t.Fatalf("description = %q, want the documented duplicate-user message", desc)
	}
}

func TestLoginRejectsEmptyUser(t *testing.T) {
	s := newTestServer(t, 1)
	ok, desc := s.Login("")
	if ok || desc == "" {
		t.Fatalf("empty user should be rejected with a description")
	}
}

func TestCreateChannelThenPublishHistoryOrdering(t *testing.T) {
	s := newTestServer(t, 1)

	ok, _ := s.CreateChannel("geral")
	if !ok {
		t.Fatalf("channel creation should succeed")
	}

	// Re-creating the same channel fails.
	if ok, desc := s.CreateChannel("geral"); ok || desc != "Canal já existe" {
		t.Fatalf("duplicate channel should fail with the documented message, got ok=%v desc=%q", ok, desc)
	}

	for _, text := range []string{"m1", "m2", "m3"} {
		if ok, _ := s.Publish("alice", "geral", text); !ok {
			t.Fatalf("publish of %q should succeed", text)
		}
	}

	msgs, ok, _ := s.GetHistory("geral", 50)
	if !ok {
		t.Fatalf("get_history on an existing channel should succeed")
	}
	if len(msgs) != 3 {
		t.Fatalf("expected 3 history entries, got %d", len(msgs))
	}
	want := []string{"m1", "m2", "m3"}
	for i, w := range want {
		if msgs[i].Message != w {
			t.Fatalf("msgs[%d] = %q, want %q", i, msgs[i].Message, w)
		}
	}
	for i := 1; i < len(msgs); i++ {
		if msgs[i].Clock <= msgs[i-1].Clock {
			t.Fatalf("clocks should strictly increase across publishes: %v", msgs)
		}
	}
}

func TestPublishToUnknownChannelFails(t *testing.T) {
	s := newTestServer(t, 1)
	ok, desc := s.Publish("alice", "nope", "hi")
	if ok || desc != "Canal não existe" {
		t.Fatalf("publish to unknown channel should fail with the documented message, got ok=%v desc=%q", ok, desc)
	}
}

func TestMessageToUnknownUserFails(t *testing.T) {
	s := newTestServer(t, 1)
	ok, desc := s.Message("alice", "bob", "hi")
	if ok || desc != "Usuário destinatário não existe" {
		t.Fatalf("message to unknown recipient should fail with the documented message, got ok=%v desc=%q", ok, desc)
	}
}

func TestMessageRoundTripAndPrivateHistory(t *testing.T) {
	s := newTestServer(t, 1)
	s.Login("bob")

	ok, _ := s.Message("alice", "bob", "hello")
	if !ok {
		t.Fatalf("message to a known user should succeed")
	}

	msgs, ok, _ := s.GetPrivateHistory("bob", 50)
	if !ok || len(msgs) != 1 || msgs[0].Message != "hello" {
		t.Fatalf("unexpected private history: ok=%v msgs=%#v", ok, msgs)
	}

	// The sender also sees it in their private history.
	msgs, ok, _ = s.GetPrivateHistory("alice", 50)
	if !ok || len(msgs) != 1 {
		t.Fatalf("sender should see the message in their own private history: %#v", msgs)
	}
}

func TestHistoryLimitReturnsMostRecent(t *testing.T) {
	s := newTestServer(t, 1)
	s.CreateChannel("geral")
	for i := 0; i < 5; i++ {
		s.Publish("alice", "geral", string(rune('a'+i)))
	}

	msgs, ok, _ := s.GetHistory("geral", 2)
	if !ok || len(msgs) != 2 {
		t.Fatalf("expected exactly 2 messages with limit=2, got %#v", msgs)
	}
	if msgs[0].Message != "d" || msgs[1].Message != "e" {
		t.Fatalf("expected the last two messages, got %#v", msgs)
	}
}

func TestRankOneBootsAsCoordinator(t *testing.T) {
	s := newTestServer(t, 1)
	if !s.IsCoordinator() {
		t.Fatalf("rank 1 should boot as coordinator")
	}
}

func TestRankAboveOneDoesNotBootAsCoordinator(t *testing.T) {
	s := newTestServer(t, 2)
	if s.IsCoordinator() {
		t.Fatalf("rank > 1 should not boot as coordinator")
	}
}

func TestOnServersTopicAnnouncementUpdatesCoordinator(t *testing.T) {
	s := newTestServer(t, 2)
	s.OnServersTopicAnnouncement("server_other", 1)

	if s.Coordinator() != "server_other" {
		t.Fatalf("coordinator should reflect the announcement")
	}
	if s.IsCoordinator() {
		t.Fatalf("this server did not announce itself")
	}
}

func TestReplicatedStateSurfacesThroughLiveServerWithoutRestart(t *testing.T) {
	st, err := storage.Open(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	repl := replication.New("server_test", st)

	deps := Deps{ServerName: "server_test", Clock: clock.New(), Store: st, Replication: repl}
	s := New(deps, 1)
	s.CreateChannel("geral")

	loginPayload, _ := json.Marshal([]replication.Login{{User: "bob", Timestamp: 1, Clock: 1}})
	if _, err := repl.ApplyReplicate("server_peer", "logins", loginPayload); err != nil {
		t.Fatal(err)
	}
	channelPayload, _ := json.Marshal([]replication.Channel{{Channel: "random", Timestamp: 1, Clock: 1}})
	if _, err := repl.ApplyReplicate("server_peer", "channels", channelPayload); err != nil {
		t.Fatal(err)
	}
	msgPayload, _ := json.Marshal([]replication.Message{
		{Type: "publish", User: "bob", Channel: "geral", Message: "from peer", Timestamp: 1, Clock: 1},
	})
	if _, err := repl.ApplyReplicate("server_peer", "messages", msgPayload); err != nil {
		t.Fatal(err)
	}

	// Without a reload, the live server still has the stale snapshot
	// it constructed with.
	if len(s.Users()) != 0 {
		t.Fatalf("sanity check: expected no users before reload, got %v", s.Users())
	}

	s.OnReplicationApplied()

	users := s.Users()
	if len(users) != 1 || users[0] != "bob" {
		t.Fatalf("expected replicated user bob to surface after reload, got %v", users)
	}
	channels := s.Channels()
	if len(channels) != 2 {
		t.Fatalf("expected local + replicated channel, got %v", channels)
	}

	msgs, ok, _ := s.GetHistory("geral", 50)
	if !ok || len(msgs) != 1 || msgs[0].Message != "from peer" {
		t.Fatalf("expected replicated message to surface in get_history, got ok=%v msgs=%#v", ok, msgs)
	}
}

// TestLocalWritesSurviveConcurrentReplicationMerge guards against the
// data-loss path where a local publish's full-file save would otherwise
// stomp on a peer's batch that landed on disk in between.
func TestLocalWritesSurviveConcurrentReplicationMerge(t *testing.T) {
	st, err := storage.Open(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	repl := replication.New("server_test", st)
	deps := Deps{ServerName: "server_test", Clock: clock.New(), Store: st, Replication: repl}
	s := New(deps, 1)
	s.CreateChannel("geral")

	// A peer's batch lands directly on disk, bypassing s's in-memory view.
	msgPayload, _ := json.Marshal([]replication.Message{
		{Type: "publish", User: "bob", Channel: "geral", Message: "from peer", Timestamp: 1, Clock: 1},
	})
	if _, err := repl.ApplyReplicate("server_peer", "messages", msgPayload); err != nil {
		t.Fatal(err)
	}

	// A local publish must not overwrite that peer message away.
	if ok, _ := s.Publish("alice", "geral", "from local"); !ok {
		t.Fatalf("local publish should succeed")
	}

	var stored []replication.Message
	st.Load("messages.json", &stored)
	if len(stored) != 2 {
		t.Fatalf("expected both the peer message and the local one on disk, got %#v", stored)
	}
}

func TestStateSurvivesReload(t *testing.T) {
	st, err := storage.Open(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}

	deps := Deps{ServerName: "server_test", Clock: clock.New(), Store: st}
	s1 := New(deps, 1)
	s1.Login("alice")
	s1.CreateChannel("geral")
	s1.saveState()

	deps2 := Deps{ServerName: "server_test", Clock: clock.New(), Store: st}
	s2 := New(deps2, 1)

	users := s2.Users()
	if len(users) != 1 || users[0] != "alice" {
		t.Fatalf("expected reloaded user alice, got %v", users)
	}
	channels := s2.Channels()
	if len(channels) != 1 || channels[0] != "geral" {
		t.Fatalf("expected reloaded channel geral, got %v", channels)
	}
}
