// Package berkeley implements Berkeley clock synchronization: only the
// elected coordinator runs rounds, collecting wall-clock samples from
// every known peer, averaging them, and distributing per-peer
// corrections.
//
// No process ever touches its OS clock. The accumulated offset is
// purely additive bookkeeping surfaced through LocalTime, which is
// what the message server stamps its stored users, channels and
// messages (and its topic publications) with; codec envelopes and the
// election/replication RPC bodies still carry raw wall-clock time.
package berkeley

import (
	"bytes"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"sync"
	"time"

	"distributed-bbs/internal/storage"
)

// Peer is one other known server.
type Peer struct {
	Name string
	Rank int
}

// HistoryEntry is one applied offset correction.
type HistoryEntry struct {
	Timestamp     float64 `json:"timestamp"`
	OffsetApplied float64 `json:"offset_applied"`
	TotalOffset   float64 `json:"total_offset"`
}

type persistedSync struct {
	Server      string         `json:"server"`
	TimeOffset  float64        `json:"time_offset"`
	SyncHistory []HistoryEntry `json:"sync_history"`
}

// Synchronizer runs (as coordinator) or receives (as peer) Berkeley
// rounds for one server.
type Synchronizer struct {
	serverName string
	store      *storage.Store
	httpClient *http.Client

	mu      sync.Mutex
	offset  float64
	history []HistoryEntry
}

// New builds a Synchronizer for serverName.
func New(serverName string, store *storage.Store) *Synchronizer {
	return &Synchronizer{
		serverName: serverName,
		store:      store,
		httpClient: &http.Client{Timeout: 2 * time.Second},
	}
}

// LocalTime returns the current wall-clock time adjusted by the
// accumulated Berkeley offset. The message server's record and
// publication timestamps, and the get_time answer, go through this.
func (s *Synchronizer) LocalTime() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return nowSeconds() + s.offset
}

// RunRound executes one full coordinator-side synchronization round
// against peers. Returns false (aborting the round) if fewer than two
// samples (including self) were collected.
func (s *Synchronizer) RunRound(peers []Peer) bool {
	log.Printf("[BERKELEY:%s] starting synchronization round as coordinator", s.serverName)

	timestamps := s.collectTimestamps(peers)
	if len(timestamps) < 2 {
		log.Printf("[BERKELEY:%s] insufficient samples for synchronization: %d", s.serverName, len(timestamps))
		return false
	}

	offsets := calculateOffsets(timestamps)
	s.distributeOffsets(offsets, peers)

	log.Printf("[BERKELEY:%s] synchronization round complete", s.serverName)
	return true
}

func (s *Synchronizer) collectTimestamps(peers []Peer) map[string]float64 {
	timestamps := map[string]float64{s.serverName: s.LocalTime()}

	for _, p := range peers {
		t, ok := s.getTime(p)
		if !ok {
			continue
		}
		timestamps[p.Name] = t
	}
	return timestamps
}

func (s *Synchronizer) getTime(p Peer) (float64, bool) {
	resp, err := s.httpClient.Post(peerAddr(p.Name)+"/rpc/get_time", "application/json", bytes.NewReader([]byte(`{}`)))
	if err != nil {
		log.Printf("[BERKELEY:%s] error collecting timestamp from %s: %v", s.serverName, p.Name, err)
		return 0, false
	}
	defer resp.Body.Close()

	var decoded struct {
		Time float64 `json:"time"`
	}
	if json.NewDecoder(resp.Body).Decode(&decoded) != nil {
		return 0, false
	}
	return decoded.Time, true
}

// calculateOffsets returns, for each server, the delta that would
// bring it to the mean of all collected samples.
func calculateOffsets(timestamps map[string]float64) map[string]float64 {
	var sum float64
	for _, t := range timestamps {
		sum += t
	}
	mean := sum / float64(len(timestamps))

	offsets := make(map[string]float64, len(timestamps))
	for name, t := range timestamps {
		offsets[name] = mean - t
	}
	log.Printf("[BERKELEY] mean time: %.6f, offsets: %v", mean, offsets)
	return offsets
}

func (s *Synchronizer) distributeOffsets(offsets map[string]float64, peers []Peer) {
	if offset, ok := offsets[s.serverName]; ok {
		s.ApplyOffset(offset)
	}

	for _, p := range peers {
		offset, ok := offsets[p.Name]
		if !ok {
			continue
		}
		s.sendOffset(p, offset)
	}
}

func (s *Synchronizer) sendOffset(p Peer, offset float64) {
	body, _ := json.Marshal(map[string]any{
		"offset":      offset,
		"coordinator": s.serverName,
		"timestamp":   nowSeconds(),
	})

	resp, err := s.httpClient.Post(peerAddr(p.Name)+"/rpc/apply_offset", "application/json", bytes.NewReader(body))
	if err != nil {
		log.Printf("[BERKELEY:%s] error distributing offset to %s: %v", s.serverName, p.Name, err)
		return
	}
	defer resp.Body.Close()
	log.Printf("[BERKELEY:%s] offset applied at %s: %.6fs", s.serverName, p.Name, offset)
}

// ApplyOffset folds a received correction into the accumulated offset
// and appends a history entry, persisted under this server's own
// berkeley_sync namespace.
func (s *Synchronizer) ApplyOffset(offset float64) {
	s.mu.Lock()
	s.offset += offset
	entry := HistoryEntry{
		Timestamp:     nowSeconds(),
		OffsetApplied: offset,
		TotalOffset:   s.offset,
	}
	s.history = append(s.history, entry)
	total := s.offset
	historySnapshot := make([]HistoryEntry, len(s.history))
	copy(historySnapshot, s.history)
	s.mu.Unlock()

	name := fmt.Sprintf("berkeley_sync_%s", s.serverName)
	if err := s.store.SaveReplication(name, persistedSync{
		Server:      s.serverName,
		TimeOffset:  total,
		SyncHistory: historySnapshot,
	}); err != nil {
		log.Printf("[BERKELEY:%s] saving sync history: %v", s.serverName, err)
	}

	log.Printf("[BERKELEY:%s] offset applied: %.6fs (total: %.6fs)", s.serverName, offset, total)
}

// SyncHistory returns a snapshot of every applied correction.
func (s *Synchronizer) SyncHistory() []HistoryEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]HistoryEntry, len(s.history))
	copy(out, s.history)
	return out
}

// Offset returns the current accumulated offset.
func (s *Synchronizer) Offset() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.offset
}

func peerAddr(name string) string {
	return fmt.Sprintf("http://%s:6000", name)
}

func nowSeconds() float64 {
	return float64(time.Now().UnixNano()) / 1e9
}
