package bbs

import (
	"log"
	"time"

	"distributed-bbs/internal/berkeley"
	"distributed-bbs/internal/election"
	"distributed-bbs/internal/replication"
)

// RunHeartbeatLoop periodically refreshes this server's liveness with
// the registry until stop is closed. Registry unreachability is logged
// and retried next tick; the server keeps serving clients with its
// current rank regardless.
func (s *Server) RunHeartbeatLoop(stop <-chan struct{}) {
	ticker := time.NewTicker(HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if err := s.deps.Registry.Heartbeat(s.deps.ServerName); err != nil {
				log.Printf("[SERVER:%s] heartbeat error: %v", s.deps.ServerName, err)
			}
		case <-stop:
			return
		}
	}
}

// RunPeerListLoop periodically refreshes the known-peer roster from
// the registry, propagates it to the replication and election
// managers, and recomputes the coordinator as the lowest-ranked live
// server, unless an election is currently in progress.
func (s *Server) RunPeerListLoop(stop <-chan struct{}) {
	ticker := time.NewTicker(PeerListInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			s.refreshPeerList()
		case <-stop:
			return
		}
	}
}

func (s *Server) refreshPeerList() {
	entries, err := s.deps.Registry.List()
	if err != nil {
		log.Printf("[SERVER:%s] error refreshing server list: %v", s.deps.ServerName, err)
		return
	}

	var replicationPeers []replication.Peer
	var electionPeers []election.Peer
	for _, e := range entries {
		replicationPeers = append(replicationPeers, replication.Peer{Name: e.Name, Rank: e.Rank})
		electionPeers = append(electionPeers, election.Peer{Name: e.Name, Rank: e.Rank})
	}

	if s.deps.Replication != nil {
		s.deps.Replication.UpdateServerList(replicationPeers)
	}
	if s.deps.Election != nil {
		s.deps.Election.UpdateServerList(electionPeers)
		s.deps.Election.SetCoordinatorFromList(electionPeers)
		coordinator, _ := s.deps.Election.Coordinator()
		if coordinator != "" {
			s.setCoordinator(coordinator)
		}
	}
}

// RunCoordinatorMonitorLoop watches the cached coordinator's health and
// fires a Bully election when it appears to have failed.
func (s *Server) RunCoordinatorMonitorLoop(stop <-chan struct{}) {
	ticker := time.NewTicker(CoordinatorMonitorInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			s.checkCoordinatorHealth()
		case <-stop:
			return
		}
	}
}

func (s *Server) checkCoordinatorHealth() {
	if s.deps.Election == nil {
		return
	}

	s.coordinatorMu.Lock()
	current := s.coordinator
	lastBeat := s.lastCoordinatorBeat
	s.coordinatorMu.Unlock()

	if current == "" || current == s.deps.ServerName {
		s.coordinatorMu.Lock()
		s.lastCoordinatorBeat = time.Now()
		s.coordinatorMu.Unlock()
		return
	}

	if s.deps.Election.CheckCoordinatorHealth(lastBeat, ElectionTimeout) {
		return
	}

	log.Printf("[SERVER:%s] coordinator %s is not responding, starting election", s.deps.ServerName, current)
	go s.deps.Election.StartElection()
}

// OnServersTopicAnnouncement applies an inbound new_coordinator
// announcement received on the 'servers' pubsub topic.
func (s *Server) OnServersTopicAnnouncement(coordinator string, rank int) {
	if s.deps.Election != nil {
		s.deps.Election.HandleCoordinatorAnnouncement(coordinator, rank)
	}
	s.setCoordinator(coordinator)
}

// berkeleyPeersFromReplication is a small helper used by runBerkeleyRound
// to avoid internal/bbs importing internal/berkeley's Peer type
// everywhere peers are listed.
func berkeleyPeersFromReplication(peers []replication.Peer) []berkeley.Peer {
	out := make([]berkeley.Peer, len(peers))
	for i, p := range peers {
		out[i] = berkeley.Peer{Name: p.Name, Rank: p.Rank}
	}
	return out
}
