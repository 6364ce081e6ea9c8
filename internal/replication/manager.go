// Package replication implements active peer-to-peer replication of
// users, channels, and messages: each server pushes its own writes to
// every known peer and merges whatever peers push back, with
// deterministic, idempotent, commutative merge rules so that the order
// messages arrive in never changes the converged result.
package replication

import (
	"bytes"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"distributed-bbs/internal/storage"
)

// Login is one entry in logins.json.
type Login struct {
	User      string  `json:"user"`
	Timestamp float64 `json:"timestamp"`
	Clock     uint64  `json:"clock"`
}

// Channel is one entry in channels.json.
type Channel struct {
	Channel   string  `json:"channel"`
	Timestamp float64 `json:"timestamp"`
	Clock     uint64  `json:"clock"`
}

// Message is one entry in messages.json: either a channel publish or a
// private message, distinguished by Type.
type Message struct {
	Type      string  `json:"type"`
	User      string  `json:"user,omitempty"`
	Src       string  `json:"src,omitempty"`
	Channel   string  `json:"channel,omitempty"`
	Dst       string  `json:"dst,omitempty"`
	Message   string  `json:"message"`
	Timestamp float64 `json:"timestamp"`
	Clock     uint64  `json:"clock"`
}

// author returns the message's sending user, covering both the
// publish ("user") and private-message ("src") field names.
func (m Message) author() string {
	if m.User != "" {
		return m.User
	}
	return m.Src
}

// target returns the message's channel (publish) or recipient
// (private message).
func (m Message) target() string {
	if m.Type == "publish" {
		return m.Channel
	}
	return m.Dst
}

// dedupKey is the tuple identity used to deduplicate messages across
// merges: (timestamp, clock, type, author, target, body).
func (m Message) dedupKey() string {
	return fmt.Sprintf("%v|%v|%s|%s|%s|%s", m.Timestamp, m.Clock, m.Type, m.author(), m.target(), m.Message)
}

// Peer is one other known server, as seen in the registry's roster.
type Peer struct {
	Name string
	Rank int
}

// LogEntry records one applied inbound replication batch.
type LogEntry struct {
	Timestamp float64 `json:"timestamp"`
	Source    string  `json:"source"`
	Type      string  `json:"type"`
	Records   int     `json:"records"`
}

type persistedLog struct {
	Server string     `json:"server"`
	Log    []LogEntry `json:"log"`
}

// State is the full logins/channels/messages snapshot exchanged by
// sync_state.
type State struct {
	Logins   []Login   `json:"logins"`
	Channels []Channel `json:"channels"`
	Messages []Message `json:"messages"`
}

// Manager owns the logins/channels/messages merge logic and the
// outbound fan-out to known peers. It does not itself hold the
// authoritative in-memory state of internal/bbs — it reads and writes
// straight through the shared Store, the same way the message server
// does, so a replication apply and a local write are both just Store
// operations serialized by storage's own file semantics.
type Manager struct {
	serverName string
	store      *storage.Store
	httpClient *http.Client

	peersMu sync.Mutex
	peers   []Peer

	logMu sync.Mutex
	log   []LogEntry
}

// New builds a Manager for serverName, persisting through store.
func New(serverName string, store *storage.Store) *Manager {
	return &Manager{
		serverName: serverName,
		store:      store,
		httpClient: &http.Client{Timeout: 3 * time.Second},
	}
}

// UpdateServerList replaces the known-peers set, excluding self.
func (m *Manager) UpdateServerList(servers []Peer) {
	m.peersMu.Lock()
	defer m.peersMu.Unlock()

	m.peers = m.peers[:0]
	for _, s := range servers {
		if s.Name != m.serverName {
			m.peers = append(m.peers, s)
		}
	}
	log.Printf("[REPLICATION:%s] server list updated: %d peers", m.serverName, len(m.peers))
}

// Peers returns a snapshot of the known peers.
func (m *Manager) Peers() []Peer {
	m.peersMu.Lock()
	defer m.peersMu.Unlock()
	out := make([]Peer, len(m.peers))
	copy(out, m.peers)
	return out
}

// ApplyReplicate merges an inbound batch of the given dataType into
// local storage and records the log entry. Mirrors the registry-style
// "state update, then log" mutex ordering.
func (m *Manager) ApplyReplicate(sourceServer, dataType string, payload json.RawMessage) (int, error) {
	var records int
	var err error

	switch dataType {
	case "logins":
		var incoming []Login
		if e := json.Unmarshal(payload, &incoming); e != nil {
			return 0, e
		}
		records, err = m.mergeLogins(incoming)
	case "channels":
		var incoming []Channel
		if e := json.Unmarshal(payload, &incoming); e != nil {
			return 0, e
		}
		records, err = m.mergeChannels(incoming)
	case "messages":
		var incoming []Message
		if e := json.Unmarshal(payload, &incoming); e != nil {
			return 0, e
		}
		records, err = m.mergeMessages(incoming)
	default:
		return 0, fmt.Errorf("unknown replication type: %s", dataType)
	}
	if err != nil {
		return 0, err
	}

	m.appendLog(LogEntry{
		Timestamp: nowSeconds(),
		Source:    sourceServer,
		Type:      dataType,
		Records:   records,
	})
	return records, nil
}

func (m *Manager) appendLog(entry LogEntry) {
	m.logMu.Lock()
	defer m.logMu.Unlock()

	m.log = append(m.log, entry)
	if err := m.store.SaveReplication(m.serverName, persistedLog{Server: m.serverName, Log: m.log}); err != nil {
		log.Printf("[REPLICATION:%s] saving replication log: %v", m.serverName, err)
	}
}

// ReplicationLog returns a snapshot of applied batches.
func (m *Manager) ReplicationLog() []LogEntry {
	m.logMu.Lock()
	defer m.logMu.Unlock()
	out := make([]LogEntry, len(m.log))
	copy(out, m.log)
	return out
}

// mergeLogins is a set union over Login.User: existing entries are
// never overwritten, so re-applying the same batch (or an overlapping
// one from another peer) is a no-op for already-known users.
func (m *Manager) mergeLogins(incoming []Login) (int, error) {
	var existing []Login
	m.store.Load("logins.json", &existing)

	seen := make(map[string]bool, len(existing))
	for _, l := range existing {
		seen[l.User] = true
	}

	added := 0
	for _, l := range incoming {
		if l.User == "" || seen[l.User] {
			continue
		}
		existing = append(existing, l)
		seen[l.User] = true
		added++
	}

	if err := m.store.Save("logins.json", existing); err != nil {
		return 0, err
	}
	return added, nil
}

// mergeChannels is a set union over Channel.Channel.
func (m *Manager) mergeChannels(incoming []Channel) (int, error) {
	var existing []Channel
	m.store.Load("channels.json", &existing)

	seen := make(map[string]bool, len(existing))
	for _, c := range existing {
		seen[c.Channel] = true
	}

	added := 0
	for _, c := range incoming {
		if c.Channel == "" || seen[c.Channel] {
			continue
		}
		existing = append(existing, c)
		seen[c.Channel] = true
		added++
	}

	if err := m.store.Save("channels.json", existing); err != nil {
		return 0, err
	}
	return added, nil
}

// mergeMessages dedups by the (timestamp, clock, type, author, target,
// body) tuple, then resorts the whole list by (timestamp, clock) so
// repeated merges from different peers converge on the same order
// regardless of arrival order.
func (m *Manager) mergeMessages(incoming []Message) (int, error) {
	var existing []Message
	m.store.Load("messages.json", &existing)

	seen := make(map[string]bool, len(existing))
	for _, msg := range existing {
		seen[msg.dedupKey()] = true
	}

	added := 0
	for _, msg := range incoming {
		key := msg.dedupKey()
		if seen[key] {
			continue
		}
		existing = append(existing, msg)
		seen[key] = true
		added++
	}

	sort.SliceStable(existing, func(i, j int) bool {
		if existing[i].Timestamp != existing[j].Timestamp {
			return existing[i].Timestamp < existing[j].Timestamp
		}
		return existing[i].Clock < existing[j].Clock
	})

	if err := m.store.Save("messages.json", existing); err != nil {
		return 0, err
	}
	return added, nil
}

// SyncState returns the full local snapshot, used both to answer an
// inbound sync_state request and to feed a fresh peer's bootstrap.
func (m *Manager) SyncState() State {
	var s State
	m.store.Load("logins.json", &s.Logins)
	m.store.Load("channels.json", &s.Channels)
	m.store.Load("messages.json", &s.Messages)
	return s
}

// ReplicateToAll fans payload out to every known peer. Failures are
// logged and otherwise ignored: replication is best-effort, and a peer
// that's down now will catch up on the next sync round or via
// SyncFrom after it restarts.
func (m *Manager) ReplicateToAll(dataType string, payload any) {
	peers := m.Peers()
	if len(peers) == 0 {
		log.Printf("[REPLICATION:%s] no peers to replicate to", m.serverName)
		return
	}

	log.Printf("[REPLICATION:%s] replicating %s to %d peers", m.serverName, dataType, len(peers))
	for _, p := range peers {
		go m.replicateToServer(p.Name, dataType, payload)
	}
}

func (m *Manager) replicateToServer(targetServer, dataType string, payload any) {
	body := map[string]any{
		"source_server": m.serverName,
		"type":          dataType,
		"payload":       payload,
		"timestamp":     nowSeconds(),
	}

	var resp replicateResponse
	if m.postWithRetry(targetServer, "/rpc/replicate", body, &resp, 3) && resp.Status == "success" {
		log.Printf("[REPLICATION:%s] replicated %s to %s", m.serverName, dataType, targetServer)
		return
	}
	log.Printf("[REPLICATION:%s] failed to replicate %s to %s", m.serverName, dataType, targetServer)
}

type replicateResponse struct {
	Status          string `json:"status"`
	RecordsReceived int    `json:"records_received"`
	Message         string `json:"message"`
}

// SyncFrom pulls a complete snapshot from coordinatorAddr and replaces
// local state wholesale, used by a freshly (re)started server to catch
// up before joining the regular replication flow.
func (m *Manager) SyncFrom(coordinatorAddr string) bool {
	var resp struct {
		Status string `json:"status"`
		State  State  `json:"state"`
	}
	if !m.postWithRetry(coordinatorAddr, "/rpc/sync_state", map[string]any{"requester": m.serverName}, &resp, 1) {
		return false
	}
	if resp.Status != "success" {
		return false
	}

	m.store.Save("logins.json", resp.State.Logins)
	m.store.Save("channels.json", resp.State.Channels)
	m.store.Save("messages.json", resp.State.Messages)
	log.Printf("[REPLICATION:%s] state synced from %s", m.serverName, coordinatorAddr)
	return true
}

// postWithRetry POSTs body to addr+path with exponential backoff,
// decoding the response into out on the first successful attempt.
// addr may be a bare server name (resolved to the conventional
// replication port) or a full http(s):// base address.
func (m *Manager) postWithRetry(addr, path string, body any, out any, maxRetries int) bool {
	backoff := 100 * time.Millisecond

	for attempt := 0; attempt < maxRetries; attempt++ {
		if attempt > 0 {
			time.Sleep(backoff)
			backoff *= 2
		}
		if m.post(addr, path, body, out) {
			return true
		}
	}
	return false
}

func (m *Manager) post(addr, path string, body any, out any) bool {
	encoded, err := json.Marshal(body)
	if err != nil {
		return false
	}

	resp, err := m.httpClient.Post(resolveAddr(addr)+path, "application/json", bytes.NewReader(encoded))
	if err != nil {
		return false
	}
	defer resp.Body.Close()

	if out == nil {
		return resp.StatusCode == http.StatusOK
	}
	return json.NewDecoder(resp.Body).Decode(out) == nil
}

func resolveAddr(addr string) string {
	if strings.HasPrefix(addr, "http://") || strings.HasPrefix(addr, "https://") {
		return addr
	}
	return "http://" + addr + ":6000"
}

func nowSeconds() float64 {
	return float64(time.Now().UnixNano()) / 1e9
}
