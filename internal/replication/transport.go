package replication

import (
	"encoding/json"
	"net/http"

	"github.com/gin-gonic/gin"
)

// Server wires a Manager onto the replication service's gin routes
// (conventionally port 6000): replicate, get_time, apply_offset, and
// sync_state.
type Server struct {
	manager   *Manager
	onOffset  func(offset float64, coordinator string)
	localTime func() float64
	onApplied func()
}

// NewServer builds the HTTP front for mgr.
//
// onOffset, if non-nil, is invoked whenever an apply_offset request
// arrives, letting the caller wire Berkeley synchronization in without
// this package depending on internal/berkeley directly.
//
// localTime, if non-nil, supplies the value returned by get_time
// (Berkeley's clock-sampling call) instead of raw wall-clock time —
// the caller wires in its own berkeley.Synchronizer.LocalTime so a
// server's own accumulated offset is reflected back to whoever is
// collecting samples for the next round.
//
// onApplied, if non-nil, is invoked after every successful replicate
// request, letting the caller (the message server) re-read the
// just-merged logins/channels/messages off disk into its own live
// view, without this package depending on internal/bbs directly.
func NewServer(mgr *Manager, onOffset func(offset float64, coordinator string), localTime func() float64, onApplied func()) *Server {
	return &Server{manager: mgr, onOffset: onOffset, localTime: localTime, onApplied: onApplied}
}

// Register mounts the replication routes on r.
func (s *Server) Register(r *gin.Engine) {
	r.POST("/rpc/replicate", s.handleReplicate)
	r.POST("/rpc/get_time", s.handleGetTime)
	r.POST("/rpc/apply_offset", s.handleApplyOffset)
	r.POST("/rpc/sync_state", s.handleSyncState)
}

type replicateRequest struct {
	SourceServer string          `json:"source_server"`
	Type         string          `json:"type"`
	Payload      json.RawMessage `json:"payload"`
	Timestamp    float64         `json:"timestamp"`
}

func (s *Server) handleReplicate(c *gin.Context) {
	var req replicateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"status": "error", "message": "invalid request"})
		return
	}

	records, err := s.manager.ApplyReplicate(req.SourceServer, req.Type, req.Payload)
	if err != nil {
		c.JSON(http.StatusOK, gin.H{"status": "error", "message": err.Error()})
		return
	}
	if s.onApplied != nil {
		s.onApplied()
	}
	c.JSON(http.StatusOK, gin.H{"status": "success", "records_received": records})
}

func (s *Server) handleGetTime(c *gin.Context) {
	t := nowSeconds()
	if s.localTime != nil {
		t = s.localTime()
	}
	c.JSON(http.StatusOK, gin.H{"time": t})
}

type applyOffsetRequest struct {
	Offset      float64 `json:"offset"`
	Coordinator string  `json:"coordinator"`
}

func (s *Server) handleApplyOffset(c *gin.Context) {
	var req applyOffsetRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"status": "error", "message": "invalid request"})
		return
	}
	if s.onOffset != nil {
		s.onOffset(req.Offset, req.Coordinator)
	}
	c.JSON(http.StatusOK, gin.H{"status": "success"})
}

func (s *Server) handleSyncState(c *gin.Context) {
	state := s.manager.SyncState()
	c.JSON(http.StatusOK, gin.H{"status": "success", "state": state})
}
