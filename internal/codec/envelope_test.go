package codec

import (
	"testing"

	"distributed-bbs/internal/clock"
)

func TestNewMessageStampsClockAndTimestamp(t *testing.T) {
	lc := clock.New()
	env := NewMessage("login", map[string]any{"user": "alice"}, lc)

	if env.Service != "login" {
		t.Fatalf("service = %q, want login", env.Service)
	}
	if env.Clock() != 1 {
		t.Fatalf("clock = %d, want 1", env.Clock())
	}
	if _, ok := env.Data["timestamp"].(float64); !ok {
		t.Fatalf("timestamp missing or wrong type: %#v", env.Data["timestamp"])
	}
}

func TestNewResponseIncludesDescriptionOnlyOnFailure(t *testing.T) {
	lc := clock.New()

	errResp := NewResponse("login", StatusErro, nil, lc, "Usuário já cadastrado")
	if errResp.Status() != StatusErro {
		t.Fatalf("status = %q, want erro", errResp.Status())
	}
	if errResp.Data["description"] != "Usuário já cadastrado" {
		t.Fatalf("description missing: %#v", errResp.Data)
	}

	okResp := NewResponse("login", StatusSucesso, nil, lc, "")
	if _, ok := okResp.Data["description"]; ok {
		t.Fatalf("expected no description field on success, got %#v", okResp.Data)
	}
}

func TestParseRoundTrip(t *testing.T) {
	lc := clock.New()
	env := NewMessage("channel", map[string]any{"channel": "geral"}, lc)

	raw, err := Marshal(env)
	if err != nil {
		t.Fatal(err)
	}

	parsed, err := Parse(raw)
	if err != nil {
		t.Fatal(err)
	}
	if parsed.Service != "channel" {
		t.Fatalf("service = %q, want channel", parsed.Service)
	}
	if parsed.Data["channel"] != "geral" {
		t.Fatalf("channel = %v, want geral", parsed.Data["channel"])
	}
}

func TestParseMalformedReturnsError(t *testing.T) {
	if _, err := Parse([]byte("{not json")); err == nil {
		t.Fatalf("expected an error parsing malformed input")
	}
}
