package registry

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"distributed-bbs/internal/clock"
	"distributed-bbs/internal/codec"
)

// Server wires a Registry onto a single REQ/REP-shaped gin endpoint,
// serving the rank/list/heartbeat services described in spec.md §4.4.
type Server struct {
	registry *Registry
	clock    *clock.Clock
}

// NewServer builds the HTTP front for reg.
func NewServer(reg *Registry) *Server {
	return &Server{registry: reg, clock: clock.New()}
}

// Register mounts the registry's single RPC endpoint on r.
func (s *Server) Register(r *gin.Engine) {
	r.POST("/rpc", s.handleRPC)
}

func (s *Server) handleRPC(c *gin.Context) {
	var env codec.Envelope
	if err := c.ShouldBindJSON(&env); err != nil {
		c.JSON(http.StatusBadRequest, codec.NewResponse("", codec.StatusErro, nil, s.clock, "invalid envelope"))
		return
	}

	s.clock.Update(env.Clock())

	var resp codec.Envelope
	switch env.Service {
	case "rank":
		resp = s.handleRank(env.Data)
	case "list":
		resp = s.handleList()
	case "heartbeat":
		resp = s.handleHeartbeat(env.Data)
	default:
		resp = codec.NewResponse(env.Service, codec.StatusErro, nil, s.clock, "unknown service: "+env.Service)
	}

	c.JSON(http.StatusOK, resp)
}

func (s *Server) handleRank(data map[string]any) codec.Envelope {
	user, _ := data["user"].(string)
	if user == "" {
		return codec.NewResponse("rank", codec.StatusErro, nil, s.clock, "server name not provided")
	}
	rank := s.registry.Rank(user)
	return codec.NewResponse("rank", codec.StatusSucesso, map[string]any{"rank": rank}, s.clock, "")
}

func (s *Server) handleList() codec.Envelope {
	list := s.registry.List()
	return codec.NewResponse("list", codec.StatusSucesso, map[string]any{"list": list}, s.clock, "")
}

func (s *Server) handleHeartbeat(data map[string]any) codec.Envelope {
	user, _ := data["user"].(string)
	if user == "" {
		return codec.NewResponse("heartbeat", codec.StatusErro, nil, s.clock, "server name not provided")
	}
	s.registry.Heartbeat(user)
	return codec.NewResponse("heartbeat", codec.StatusSucesso, nil, s.clock, "")
}
