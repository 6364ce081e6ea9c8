// Package bbs implements the client-facing message server (C8): login,
// channel management, publish/private-message delivery, and history
// queries, on top of the coordination plane in internal/registry,
// internal/replication, internal/election, and internal/berkeley.
//
// Deps is a plain aggregate of references to those collaborators
// rather than the message server owning them and them owning it back —
// the cyclic "election/replication/berkeley all need to announce
// through the same publisher and the same datastore that the message
// server owns" relationship is broken by injecting the shared pieces
// in rather than each side holding the other.
package bbs

import (
	"log"
	"sort"
	"sync"
	"time"

	"distributed-bbs/internal/berkeley"
	"distributed-bbs/internal/clock"
	"distributed-bbs/internal/election"
	"distributed-bbs/internal/pubsub"
	"distributed-bbs/internal/regclient"
	"distributed-bbs/internal/replication"
	"distributed-bbs/internal/storage"
)

// Background task intervals, per the message server's startup order.
const (
	HeartbeatInterval    = 10 * time.Second
	PeerListInterval     = 20 * time.Second
	CoordinatorMonitorInterval = 5 * time.Second
	ElectionTimeout      = 15 * time.Second
	SyncInterval         = 10 // every N successful login/channel/publish/message requests
)

// Deps bundles every collaborator the message server orchestrates.
type Deps struct {
	ServerName  string
	Clock       *clock.Clock
	Store       *storage.Store
	Election    *election.Manager
	Replication *replication.Manager
	Berkeley    *berkeley.Synchronizer
	Publisher   pubsub.Publisher
	Registry    *regclient.Client
}

// Server owns the core BBS state: users, channels, and messages, each
// behind its own mutex, plus a coordinator-state mutex guarding the
// cached coordinator name used by background tasks.
type Server struct {
	deps Deps

	usersMu sync.Mutex
	users   map[string]bool

	channelsMu sync.Mutex
	channels   map[string]bool

	messagesMu sync.Mutex
	messages   []replication.Message

	coordinatorMu       sync.Mutex
	coordinator         string
	lastCoordinatorBeat time.Time

	countMu      sync.Mutex
	messageCount int

	rank int
}

// New loads persisted state and returns a ready-to-use Server. rank is
// the value returned by the registry's rank/heartbeat call, supplied
// by the caller after registration completes.
func New(deps Deps, rank int) *Server {
	s := &Server{
		deps:                deps,
		users:               make(map[string]bool),
		channels:            make(map[string]bool),
		rank:                rank,
		lastCoordinatorBeat: time.Now(),
	}
	s.loadState()

	if rank == 1 {
		s.coordinator = deps.ServerName
	}

	return s
}

// loadState reads logins/channels/messages off disk into the live
// maps/slice. Safe to call again after construction: it replaces
// rather than merges, which is correct because everything this process
// writes to disk (Login/CreateChannel's immediate Append, appendMessage's
// read-merge-write) and everything internal/replication.Manager merges
// in from peers both land in the same files, so disk is always the
// superset.
func (s *Server) loadState() {
	var logins []replication.Login
	s.deps.Store.Load("logins.json", &logins)
	users := make(map[string]bool, len(logins))
	for _, l := range logins {
		users[l.User] = true
	}

	var channels []replication.Channel
	s.deps.Store.Load("channels.json", &channels)
	chset := make(map[string]bool, len(channels))
	for _, c := range channels {
		chset[c.Channel] = true
	}

	var messages []replication.Message
	s.deps.Store.Load("messages.json", &messages)

	s.usersMu.Lock()
	s.users = users
	s.usersMu.Unlock()

	s.channelsMu.Lock()
	s.channels = chset
	s.channelsMu.Unlock()

	s.messagesMu.Lock()
	s.messages = messages
	s.messagesMu.Unlock()

	log.Printf("[SERVER:%s] state loaded: %d users, %d channels, %d messages",
		s.deps.ServerName, len(users), len(chset), len(messages))
}

// OnReplicationApplied re-reads logins/channels/messages off disk into
// the live view. Wired as internal/replication.Server's onApplied
// callback (invoked after a peer's replicate request is merged onto
// disk) and called directly after a bootstrap internal/replication.Manager.SyncFrom,
// since both of those write straight to internal/storage without ever
// touching this server's in-memory maps on their own.
func (s *Server) OnReplicationApplied() {
	s.loadState()
}

// saveState persists every currently known login/channel. It merges
// against whatever is already on disk rather than overwriting from
// memory alone, so a peer's replicated logins/channels landed via
// internal/replication.Manager.ApplyReplicate since the last reload
// are never destroyed by this process's own periodic save.
func (s *Server) saveState() {
	var onDiskLogins []replication.Login
	s.deps.Store.Load("logins.json", &onDiskLogins)
	loginSet := make(map[string]replication.Login, len(onDiskLogins))
	for _, l := range onDiskLogins {
		loginSet[l.User] = l
	}

	s.usersMu.Lock()
	for u := range s.users {
		if _, known := loginSet[u]; !known {
			loginSet[u] = replication.Login{User: u, Timestamp: s.localTime(), Clock: s.deps.Clock.Peek()}
		}
	}
	s.usersMu.Unlock()

	logins := make([]replication.Login, 0, len(loginSet))
	for _, l := range loginSet {
		logins = append(logins, l)
	}

	var onDiskChannels []replication.Channel
	s.deps.Store.Load("channels.json", &onDiskChannels)
	channelSet := make(map[string]replication.Channel, len(onDiskChannels))
	for _, c := range onDiskChannels {
		channelSet[c.Channel] = c
	}

	s.channelsMu.Lock()
	for c := range s.channels {
		if _, known := channelSet[c]; !known {
			channelSet[c] = replication.Channel{Channel: c, Timestamp: s.localTime(), Clock: s.deps.Clock.Peek()}
		}
	}
	s.channelsMu.Unlock()

	channels := make([]replication.Channel, 0, len(channelSet))
	for _, c := range channelSet {
		channels = append(channels, c)
	}

	s.deps.Store.Save("logins.json", logins)
	s.deps.Store.Save("channels.json", channels)
}

// localTime routes every outbound timestamp through Berkeley's
// accumulated offset when a synchronizer is wired in.
func (s *Server) localTime() float64 {
	if s.deps.Berkeley != nil {
		return s.deps.Berkeley.LocalTime()
	}
	return float64(time.Now().UnixNano()) / 1e9
}

// --- client-facing handlers -------------------------------------------------

// Login registers a new user.
func (s *Server) Login(user string) (ok bool, description string) {
	if user == "" {
		return false, "Nome de usuário não fornecido"
	}

	s.usersMu.Lock()
	if s.users[user] {
		s.usersMu.Unlock()
		return false, "Usuário já cadastrado"
	}

	s.users[user] = true
	s.deps.Store.Append("logins.json", replication.Login{
		User:      user,
		Timestamp: s.localTime(),
		Clock:     s.deps.Clock.Peek(),
	})
	s.usersMu.Unlock()

	log.Printf("[SERVER:%s] new login: %s", s.deps.ServerName, user)
	s.afterRequest()
	return true, ""
}

// Users returns every registered user.
func (s *Server) Users() []string {
	s.usersMu.Lock()
	defer s.usersMu.Unlock()
	out := make([]string, 0, len(s.users))
	for u := range s.users {
		out = append(out, u)
	}
	sort.Strings(out)
	return out
}

// CreateChannel creates a new channel.
func (s *Server) CreateChannel(channel string) (ok bool, description string) {
	if channel == "" {
		return false, "Nome do canal não fornecido"
	}

	s.channelsMu.Lock()
	if s.channels[channel] {
		s.channelsMu.Unlock()
		return false, "Canal já existe"
	}

	s.channels[channel] = true
	s.deps.Store.Append("channels.json", replication.Channel{
		Channel:   channel,
		Timestamp: s.localTime(),
		Clock:     s.deps.Clock.Peek(),
	})
	s.channelsMu.Unlock()

	log.Printf("[SERVER:%s] new channel: %s", s.deps.ServerName, channel)
	s.afterRequest()
	return true, ""
}

// Channels returns every known channel.
func (s *Server) Channels() []string {
	s.channelsMu.Lock()
	defer s.channelsMu.Unlock()
	out := make([]string, 0, len(s.channels))
	for c := range s.channels {
		out = append(out, c)
	}
	sort.Strings(out)
	return out
}

// Publish appends a publish-type message to channel and fans it out on
// the channel's pubsub topic.
func (s *Server) Publish(user, channel, message string) (ok bool, description string) {
	if channel == "" {
		return false, "Nome do canal não fornecido"
	}

	s.channelsMu.Lock()
	known := s.channels[channel]
	s.channelsMu.Unlock()
	if !known {
		return false, "Canal não existe"
	}

	entry := replication.Message{
		Type:      "publish",
		User:      user,
		Channel:   channel,
		Message:   message,
		Timestamp: s.localTime(),
		Clock:     s.deps.Clock.Increment(),
	}

	s.appendMessage(entry)

	s.publish(channel, "publish", map[string]any{"user": user, "message": message})

	log.Printf("[SERVER:%s] publish on #%s by %s", s.deps.ServerName, channel, user)
	s.afterRequest()
	return true, ""
}

// Message sends a private message from src to dst and fans it out on
// dst's pubsub topic.
func (s *Server) Message(src, dst, message string) (ok bool, description string) {
	if dst == "" {
		return false, "Destinatário não fornecido"
	}

	s.usersMu.Lock()
	known := s.users[dst]
	s.usersMu.Unlock()
	if !known {
		return false, "Usuário destinatário não existe"
	}

	entry := replication.Message{
		Type:      "message",
		Src:       src,
		Dst:       dst,
		Message:   message,
		Timestamp: s.localTime(),
		Clock:     s.deps.Clock.Peek(),
	}

	s.appendMessage(entry)

	s.publish(dst, "message", map[string]any{"src": src, "message": message})

	log.Printf("[SERVER:%s] message from %s to %s", s.deps.ServerName, src, dst)
	s.afterRequest()
	return true, ""
}

// appendMessage appends entry to the live history and persists it.
// It re-reads messages.json before appending rather than trusting the
// in-memory slice alone, so a batch internal/replication.Manager just
// merged in from a peer isn't overwritten by a stale snapshot.
func (s *Server) appendMessage(entry replication.Message) {
	s.messagesMu.Lock()
	defer s.messagesMu.Unlock()

	var onDisk []replication.Message
	s.deps.Store.Load("messages.json", &onDisk)
	s.messages = append(onDisk, entry)

	snapshot := make([]replication.Message, len(s.messages))
	copy(snapshot, s.messages)
	s.deps.Store.Save("messages.json", snapshot)
}

func (s *Server) publish(topic, service string, data map[string]any) {
	if s.deps.Publisher == nil {
		return
	}
	data["clock"] = s.deps.Clock.Peek()
	data["timestamp"] = s.localTime()
	envelope := map[string]any{"service": service, "data": data}
	if err := s.deps.Publisher.Publish(topic, envelope); err != nil {
		log.Printf("[SERVER:%s] error publishing on %q: %v", s.deps.ServerName, topic, err)
	}
}

// GetHistory returns up to limit publish-type messages for channel, in
// insertion (append) order, most recent last.
func (s *Server) GetHistory(channel string, limit int) (msgs []replication.Message, ok bool, description string) {
	if channel == "" {
		return nil, false, "Nome do canal não fornecido"
	}

	s.channelsMu.Lock()
	known := s.channels[channel]
	s.channelsMu.Unlock()
	if !known {
		return nil, false, "Canal não existe"
	}

	s.messagesMu.Lock()
	defer s.messagesMu.Unlock()

	var filtered []replication.Message
	for _, m := range s.messages {
		if m.Type == "publish" && m.Channel == channel {
			filtered = append(filtered, m)
		}
	}
	return lastN(filtered, limit), true, ""
}

// GetPrivateHistory returns up to limit private messages where user is
// either the sender or recipient.
func (s *Server) GetPrivateHistory(user string, limit int) (msgs []replication.Message, ok bool, description string) {
	if user == "" {
		return nil, false, "Nome do usuário não fornecido"
	}

	s.messagesMu.Lock()
	defer s.messagesMu.Unlock()

	var filtered []replication.Message
	for _, m := range s.messages {
		if m.Type == "message" && (m.Src == user || m.Dst == user) {
			filtered = append(filtered, m)
		}
	}
	return lastN(filtered, limit), true, ""
}

func lastN(msgs []replication.Message, limit int) []replication.Message {
	if limit <= 0 {
		limit = 50
	}
	if len(msgs) <= limit {
		return msgs
	}
	return msgs[len(msgs)-limit:]
}

// afterRequest increments the request counter and, every SyncInterval
// requests, triggers a state persist, async replication, and (if this
// server is currently the coordinator) a Berkeley round. Only successful
// Login, CreateChannel, Publish and Message calls invoke it; read-only
// queries and rejected requests are not counted.
func (s *Server) afterRequest() {
	s.countMu.Lock()
	s.messageCount++
	count := s.messageCount
	s.countMu.Unlock()

	if count%SyncInterval != 0 {
		return
	}

	log.Printf("[SERVER:%s] sync triggered after %d messages", s.deps.ServerName, count)
	s.saveState()
	go s.replicateCurrentState()

	if s.IsCoordinator() {
		go s.runBerkeleyRound()
	}
}

func (s *Server) replicateCurrentState() {
	if s.deps.Replication == nil {
		return
	}

	s.usersMu.Lock()
	logins := make([]replication.Login, 0, len(s.users))
	for u := range s.users {
		logins = append(logins, replication.Login{User: u, Timestamp: s.localTime(), Clock: s.deps.Clock.Peek()})
	}
	s.usersMu.Unlock()

	s.channelsMu.Lock()
	channels := make([]replication.Channel, 0, len(s.channels))
	for c := range s.channels {
		channels = append(channels, replication.Channel{Channel: c, Timestamp: s.localTime(), Clock: s.deps.Clock.Peek()})
	}
	s.channelsMu.Unlock()

	s.messagesMu.Lock()
	messages := make([]replication.Message, len(s.messages))
	copy(messages, s.messages)
	s.messagesMu.Unlock()

	s.deps.Replication.ReplicateToAll("logins", logins)
	s.deps.Replication.ReplicateToAll("channels", channels)
	s.deps.Replication.ReplicateToAll("messages", messages)

	log.Printf("[SERVER:%s] state replicated to peers", s.deps.ServerName)
}

func (s *Server) runBerkeleyRound() {
	if s.deps.Berkeley == nil || s.deps.Replication == nil {
		return
	}

	s.deps.Berkeley.RunRound(berkeleyPeersFromReplication(s.deps.Replication.Peers()))
}

// IsCoordinator reports whether this server currently believes itself
// the coordinator.
func (s *Server) IsCoordinator() bool {
	s.coordinatorMu.Lock()
	defer s.coordinatorMu.Unlock()
	return s.coordinator == s.deps.ServerName
}

// Coordinator returns the currently known coordinator's name.
func (s *Server) Coordinator() string {
	s.coordinatorMu.Lock()
	defer s.coordinatorMu.Unlock()
	return s.coordinator
}

// setCoordinator updates the cached coordinator and resets the
// liveness timer used by the monitor loop.
func (s *Server) setCoordinator(name string) {
	s.coordinatorMu.Lock()
	old := s.coordinator
	s.coordinator = name
	s.lastCoordinatorBeat = time.Now()
	s.coordinatorMu.Unlock()

	if old != name {
		log.Printf("[SERVER:%s] coordinator changed: %s -> %s", s.deps.ServerName, old, name)
	}
}

// OnCoordinatorAnnouncement records name as the cached coordinator.
// Unlike OnServersTopicAnnouncement, it does not update the election
// manager; the 'servers'-topic webhook and the election transport both
// go through OnServersTopicAnnouncement instead.
func (s *Server) OnCoordinatorAnnouncement(name string) {
	s.setCoordinator(name)
}
