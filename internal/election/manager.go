// Package election implements the Bully leader-election protocol over
// server ranks, plus the coordinator-announcement fan-out (topic
// broadcast + point-to-point unicast with ack).
//
// Rank-direction convention: rank 1 is the highest-priority server (the
// registry hands out ranks starting at 1, in arrival order), so Bully
// here contacts peers of LOWER rank and a lower rank wins a contested
// election. This is the reverse of the "bigger rank wins" convention a
// literal reading of the classic Bully writeup suggests, chosen to
// match the registry's own "rank 1 is the initial coordinator"
// semantics rather than leave the two inconsistent.
package election

import (
	"bytes"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"sync"
	"time"

	"distributed-bbs/internal/pubsub"
	"distributed-bbs/internal/storage"
)

// State is one of the three election states a server can be in.
type State string

const (
	Follower  State = "FOLLOWER"
	Electing  State = "ELECTING"
	Coordinator State = "COORDINATOR"
)

// Peer is one other known server.
type Peer struct {
	Name string
	Rank int
}

// LogEntry is one recorded election event.
type LogEntry struct {
	Timestamp   float64 `json:"timestamp"`
	Event       string  `json:"event"`
	Server      string  `json:"server"`
	Rank        int     `json:"rank"`
	LocalServer string  `json:"local_server"`
}

type persistedLog struct {
	Server string     `json:"server"`
	Log    []LogEntry `json:"log"`
}

// Manager runs the Bully protocol for one server.
type Manager struct {
	serverName string
	rank       int
	publisher  pubsub.Publisher
	store      *storage.Store
	httpClient *http.Client

	mu            sync.Mutex
	state         State
	coordinator   string
	coordinatorRank int

	peersMu sync.Mutex
	peers   []Peer

	logMu sync.Mutex
	log   []LogEntry
}

// New builds a Manager for a server with the given rank. is_coordinator
// starts true only when rank == 1, matching the message server's boot
// sequence.
func New(serverName string, rank int, publisher pubsub.Publisher, store *storage.Store) *Manager {
	m := &Manager{
		serverName: serverName,
		rank:       rank,
		publisher:  publisher,
		store:      store,
		httpClient: &http.Client{Timeout: 2 * time.Second},
		state:      Follower,
	}
	if rank == 1 {
		m.state = Coordinator
		m.coordinator = serverName
		m.coordinatorRank = rank
	}
	return m
}

// UpdateServerList replaces the known-peers roster, excluding self.
func (m *Manager) UpdateServerList(servers []Peer) {
	m.peersMu.Lock()
	defer m.peersMu.Unlock()
	m.peers = m.peers[:0]
	for _, s := range servers {
		if s.Name != m.serverName {
			m.peers = append(m.peers, s)
		}
	}
}

func (m *Manager) peerSnapshot() []Peer {
	m.peersMu.Lock()
	defer m.peersMu.Unlock()
	out := make([]Peer, len(m.peers))
	copy(out, m.peers)
	return out
}

// IsCoordinator reports whether this server currently believes itself
// to be the coordinator.
func (m *Manager) IsCoordinator() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state == Coordinator
}

// Coordinator returns the name and rank of the currently known
// coordinator (possibly this server, possibly "" if none yet known).
func (m *Manager) Coordinator() (string, int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.coordinator, m.coordinatorRank
}

// SetCoordinatorFromList recomputes the coordinator as the live server
// with the lowest rank, per the peer-list-refresh convention. Used when
// the periodic roster refresh arrives and no election is in progress.
func (m *Manager) SetCoordinatorFromList(servers []Peer) {
	best := Peer{Name: m.serverName, Rank: m.rank}
	for _, s := range servers {
		if s.Rank < best.Rank {
			best = s
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state == Electing {
		return
	}
	m.coordinator = best.Name
	m.coordinatorRank = best.Rank
	m.state = Follower
	if best.Name == m.serverName {
		m.state = Coordinator
	}
}

// StartElection runs the Bully protocol: contact every lower-ranked
// peer; if any answers OK, step back and wait for an announcement;
// otherwise declare self coordinator.
func (m *Manager) StartElection() {
	m.mu.Lock()
	if m.state == Electing {
		m.mu.Unlock()
		log.Printf("[ELECTION:%s] election already in progress, ignoring", m.serverName)
		return
	}
	m.state = Electing
	m.mu.Unlock()

	log.Printf("[ELECTION:%s] starting election (rank %d)", m.serverName, m.rank)
	m.appendLog("election_started", m.serverName, m.rank)

	var lower []Peer
	for _, p := range m.peerSnapshot() {
		if p.Rank < m.rank {
			lower = append(lower, p)
		}
	}

	if len(lower) == 0 {
		log.Printf("[ELECTION:%s] no lower-ranked peer, becoming coordinator", m.serverName)
		m.becomeCoordinator()
		return
	}

	receivedOK := false
	for _, p := range lower {
		if m.sendElection(p) {
			log.Printf("[ELECTION:%s] received OK from %s, standing down", m.serverName, p.Name)
			receivedOK = true
		}
	}

	if !receivedOK {
		log.Printf("[ELECTION:%s] no OK received, becoming coordinator", m.serverName)
		m.becomeCoordinator()
		return
	}

	m.mu.Lock()
	m.state = Follower
	m.mu.Unlock()
	log.Printf("[ELECTION:%s] awaiting coordinator announcement", m.serverName)
}

type electionWireResponse struct {
	Status string `json:"status"`
	Rank   int    `json:"rank"`
	Server string `json:"server"`
}

func (m *Manager) sendElection(p Peer) bool {
	body, _ := json.Marshal(map[string]any{
		"rank":      m.rank,
		"server":    m.serverName,
		"timestamp": nowSeconds(),
	})

	resp, err := m.httpClient.Post(peerAddr(p.Name)+"/rpc/election", "application/json", bytes.NewReader(body))
	if err != nil {
		log.Printf("[ELECTION:%s] error contacting %s: %v", m.serverName, p.Name, err)
		return false
	}
	defer resp.Body.Close()

	var decoded electionWireResponse
	if json.NewDecoder(resp.Body).Decode(&decoded) != nil {
		return false
	}
	return decoded.Status == "OK"
}

// HandleElectionRequest answers an inbound election request from a
// peer with the requester's rank. If this server outranks (has a lower
// rank than) the requester, it also kicks off its own election in the
// background, per Bully.
func (m *Manager) HandleElectionRequest(requesterName string, requesterRank int) (status string, rank int) {
	log.Printf("[ELECTION:%s] election request from %s (rank %d)", m.serverName, requesterName, requesterRank)

	if m.rank < requesterRank {
		log.Printf("[ELECTION:%s] my rank (%d) outranks requester, starting my own election", m.serverName, m.rank)
		go m.StartElection()
	}
	return "OK", m.rank
}

func (m *Manager) becomeCoordinator() {
	m.mu.Lock()
	m.state = Coordinator
	m.coordinator = m.serverName
	m.coordinatorRank = m.rank
	m.mu.Unlock()

	log.Printf("[ELECTION:%s] is the new COORDINATOR (rank %d)", m.serverName, m.rank)
	m.appendLog("became_coordinator", m.serverName, m.rank)

	m.publishCoordinatorAnnouncement()
	m.announceToAllPeers()
}

func (m *Manager) publishCoordinatorAnnouncement() {
	announcement := map[string]any{
		"service": "election",
		"data": map[string]any{
			"event":       "new_coordinator",
			"coordinator": m.serverName,
			"rank":        m.rank,
			"timestamp":   nowSeconds(),
		},
	}
	if err := m.publisher.Publish("servers", announcement); err != nil {
		log.Printf("[ELECTION:%s] error publishing announcement: %v", m.serverName, err)
		return
	}
	log.Printf("[ELECTION:%s] coordinator announced on topic 'servers'", m.serverName)
}

func (m *Manager) announceToAllPeers() {
	for _, p := range m.peerSnapshot() {
		go m.sendCoordinatorAnnouncement(p)
	}
}

func (m *Manager) sendCoordinatorAnnouncement(p Peer) {
	body, _ := json.Marshal(map[string]any{
		"coordinator": m.serverName,
		"rank":        m.rank,
		"timestamp":   nowSeconds(),
	})

	resp, err := m.httpClient.Post(peerAddr(p.Name)+"/rpc/coordinator", "application/json", bytes.NewReader(body))
	if err != nil {
		log.Printf("[ELECTION:%s] error announcing to %s: %v", m.serverName, p.Name, err)
		return
	}
	defer resp.Body.Close()
	log.Printf("[ELECTION:%s] announcement sent to %s", m.serverName, p.Name)
}

// HandleCoordinatorAnnouncement applies an inbound coordinator
// announcement, clearing any in-progress election.
func (m *Manager) HandleCoordinatorAnnouncement(newCoordinator string, rank int) {
	log.Printf("[ELECTION:%s] coordinator announced: %s (rank %d)", m.serverName, newCoordinator, rank)

	m.mu.Lock()
	m.coordinator = newCoordinator
	m.coordinatorRank = rank
	m.state = Follower
	if newCoordinator == m.serverName {
		m.state = Coordinator
	}
	m.mu.Unlock()

	m.appendLog("coordinator_announced", newCoordinator, rank)
}

// CheckCoordinatorHealth reports whether the coordinator should be
// considered alive given the elapsed time since its last observed
// heartbeat. A server always considers itself, and an as-yet-unknown
// coordinator, healthy.
func (m *Manager) CheckCoordinatorHealth(lastHeartbeat time.Time, timeout time.Duration) bool {
	m.mu.Lock()
	coordinator, isSelf := m.coordinator, m.state == Coordinator
	m.mu.Unlock()

	if coordinator == "" || isSelf {
		return true
	}

	elapsed := time.Since(lastHeartbeat)
	if elapsed > timeout {
		log.Printf("[ELECTION:%s] coordinator %s appears to have failed (%.1fs since last heartbeat)", m.serverName, coordinator, elapsed.Seconds())
		return false
	}
	return true
}

func (m *Manager) appendLog(event, server string, rank int) {
	m.logMu.Lock()
	defer m.logMu.Unlock()

	m.log = append(m.log, LogEntry{
		Timestamp:   nowSeconds(),
		Event:       event,
		Server:      server,
		Rank:        rank,
		LocalServer: m.serverName,
	})
	if err := m.store.SaveReplication("election_log", persistedLog{Server: m.serverName, Log: m.log}); err != nil {
		log.Printf("[ELECTION:%s] saving election log: %v", m.serverName, err)
	}
}

// ElectionLog returns a snapshot of recorded events.
func (m *Manager) ElectionLog() []LogEntry {
	m.logMu.Lock()
	defer m.logMu.Unlock()
	out := make([]LogEntry, len(m.log))
	copy(out, m.log)
	return out
}

func peerAddr(name string) string {
	return fmt.Sprintf("http://%s:6001", name)
}

func nowSeconds() float64 {
	return float64(time.Now().UnixNano()) / 1e9
}
