package election

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// Server wires a Manager onto the election service's gin routes
// (conventionally port 6001): election and coordinator.
type Server struct {
	manager        *Manager
	onAnnouncement func(coordinator string, rank int)
}

// NewServer builds the HTTP front for mgr. onAnnouncement, if non-nil,
// is invoked after every applied coordinator announcement, letting the
// message server keep its own cached coordinator in sync without this
// package depending on internal/bbs.
func NewServer(mgr *Manager, onAnnouncement func(coordinator string, rank int)) *Server {
	return &Server{manager: mgr, onAnnouncement: onAnnouncement}
}

// Register mounts the election routes on r.
func (s *Server) Register(r *gin.Engine) {
	r.POST("/rpc/election", s.handleElection)
	r.POST("/rpc/coordinator", s.handleCoordinator)
}

type electionRequest struct {
	Rank   int    `json:"rank"`
	Server string `json:"server"`
}

func (s *Server) handleElection(c *gin.Context) {
	var req electionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"status": "error", "message": "invalid request"})
		return
	}

	status, rank := s.manager.HandleElectionRequest(req.Server, req.Rank)
	c.JSON(http.StatusOK, gin.H{
		"status":    status,
		"rank":      rank,
		"server":    s.manager.serverName,
		"timestamp": nowSeconds(),
	})
}

type coordinatorRequest struct {
	Coordinator string `json:"coordinator"`
	Rank        int    `json:"rank"`
}

func (s *Server) handleCoordinator(c *gin.Context) {
	var req coordinatorRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"status": "error", "message": "invalid request"})
		return
	}

	s.manager.HandleCoordinatorAnnouncement(req.Coordinator, req.Rank)
	if s.onAnnouncement != nil {
		s.onAnnouncement(req.Coordinator, req.Rank)
	}
	c.JSON(http.StatusOK, gin.H{"status": "OK", "timestamp": nowSeconds()})
}
