// Package codec implements the self-describing wire envelope every RPC
// in this system is framed with: {"service": "...", "data": {...}}.
//
// The original system frames this as a MessagePack map; no example
// repository in this codebase's corpus imports a MessagePack codec, so
// the envelope is carried over encoding/json instead — the closest
// library-free equivalent of "self-describing map" available. Inbound
// routing goes through gin (see internal/registry, internal/replication,
// internal/election, internal/bbs); outbound calls, with their timeouts
// and retries, use net/http clients.
package codec

import (
	"encoding/json"
	"time"
)

// Status values a response's data.status field can carry.
const (
	StatusOK      = "OK"
	StatusSucesso = "sucesso"
	StatusErro    = "erro"
)

// Envelope is the wire frame for every request and response.
type Envelope struct {
	Service string         `json:"service"`
	Data    map[string]any `json:"data"`
}

// Clock returns the "clock" field from Data as a uint64, or 0 if absent
// or not numeric.
func (e Envelope) Clock() uint64 {
	return asUint64(e.Data["clock"])
}

// Status returns the "status" field from Data, or "" if absent.
func (e Envelope) Status() string {
	s, _ := e.Data["status"].(string)
	return s
}

func asUint64(v any) uint64 {
	switch n := v.(type) {
	case float64:
		if n < 0 {
			return 0
		}
		return uint64(n)
	case uint64:
		return n
	case int:
		if n < 0 {
			return 0
		}
		return uint64(n)
	default:
		return 0
	}
}

// clockSource is the minimal clock interface the codec needs: increment
// before sending. Satisfied by *clock.Clock.
type clockSource interface {
	Increment() uint64
}

// NewMessage builds a request envelope for service, stamping data with
// the sender's post-increment Lamport value and a wall-clock timestamp.
func NewMessage(service string, data map[string]any, lc clockSource) Envelope {
	if data == nil {
		data = map[string]any{}
	}
	data["clock"] = lc.Increment()
	data["timestamp"] = nowSeconds()
	return Envelope{Service: service, Data: data}
}

// NewResponse builds a response envelope, additionally stamping status
// and (on failure) a human-readable description.
func NewResponse(service, status string, data map[string]any, lc clockSource, description string) Envelope {
	if data == nil {
		data = map[string]any{}
	}
	resp := map[string]any{
		"status":    status,
		"timestamp": nowSeconds(),
		"clock":     lc.Increment(),
	}
	if description != "" {
		resp["description"] = description
	}
	for k, v := range data {
		resp[k] = v
	}
	return Envelope{Service: service, Data: resp}
}

// Marshal serializes an Envelope to bytes.
func Marshal(e Envelope) ([]byte, error) {
	return json.Marshal(e)
}

// Parse deserializes raw bytes into an Envelope. A malformed payload
// yields a zero-value Envelope and an error — callers at the RPC
// boundary turn that into an erro/error response rather than crashing,
// per the "malformed inbound message yields an error response, not a
// crash" rule.
func Parse(raw []byte) (Envelope, error) {
	var e Envelope
	if err := json.Unmarshal(raw, &e); err != nil {
		return Envelope{}, err
	}
	if e.Data == nil {
		e.Data = map[string]any{}
	}
	return e, nil
}

func nowSeconds() float64 {
	return float64(time.Now().UnixNano()) / 1e9
}
