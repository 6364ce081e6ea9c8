package bbs

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"distributed-bbs/internal/codec"
)

// Transport wires a Server onto the single client-facing RPC endpoint
// that stands in for the request broker's per-server REP socket.
type Transport struct {
	server *Server
}

// NewTransport builds the HTTP front for srv.
func NewTransport(srv *Server) *Transport {
	return &Transport{server: srv}
}

// Register mounts the client-facing RPC route, plus the inbound
// webhook the fan-out proxy calls to deliver 'servers'-topic messages
// this server is subscribed to (coordinator announcements).
func (t *Transport) Register(r *gin.Engine) {
	r.POST("/rpc", t.handleRPC)
	r.POST("/topics/servers", t.handleServersTopic)
}

func (t *Transport) handleServersTopic(c *gin.Context) {
	var env codec.Envelope
	if err := c.ShouldBindJSON(&env); err != nil {
		c.Status(http.StatusBadRequest)
		return
	}

	if env.Service == "election" {
		if event, _ := env.Data["event"].(string); event == "new_coordinator" {
			coordinator, _ := env.Data["coordinator"].(string)
			rank := intField(env.Data, "rank", 0)
			t.server.OnServersTopicAnnouncement(coordinator, rank)
		}
	}
	c.Status(http.StatusOK)
}

func (t *Transport) handleRPC(c *gin.Context) {
	var env codec.Envelope
	if err := c.ShouldBindJSON(&env); err != nil {
		c.JSON(http.StatusBadRequest, codec.NewResponse("", codec.StatusErro, nil, t.server.deps.Clock, "invalid envelope"))
		return
	}
	t.server.deps.Clock.Update(env.Clock())

	var resp codec.Envelope
	switch env.Service {
	case "login":
		resp = t.handleLogin(env.Data)
	case "users":
		resp = t.handleUsers()
	case "channel":
		resp = t.handleCreateChannel(env.Data)
	case "channels":
		resp = t.handleChannels()
	case "publish":
		resp = t.handlePublish(env.Data)
	case "message":
		resp = t.handleMessage(env.Data)
	case "get_history":
		resp = t.handleGetHistory(env.Data)
	case "get_private_history":
		resp = t.handleGetPrivateHistory(env.Data)
	default:
		resp = codec.NewResponse(env.Service, codec.StatusErro, nil, t.server.deps.Clock, "unknown service: "+env.Service)
	}

	c.JSON(http.StatusOK, resp)
}

func (t *Transport) handleLogin(data map[string]any) codec.Envelope {
	user, _ := data["user"].(string)
	ok, desc := t.server.Login(user)
	if !ok {
		return codec.NewResponse("login", codec.StatusErro, nil, t.server.deps.Clock, desc)
	}
	return codec.NewResponse("login", codec.StatusSucesso, nil, t.server.deps.Clock, "")
}

func (t *Transport) handleUsers() codec.Envelope {
	return codec.NewResponse("users", codec.StatusSucesso, map[string]any{"users": t.server.Users()}, t.server.deps.Clock, "")
}

func (t *Transport) handleCreateChannel(data map[string]any) codec.Envelope {
	channel, _ := data["channel"].(string)
	ok, desc := t.server.CreateChannel(channel)
	if !ok {
		return codec.NewResponse("channel", codec.StatusErro, nil, t.server.deps.Clock, desc)
	}
	return codec.NewResponse("channel", codec.StatusSucesso, nil, t.server.deps.Clock, "")
}

func (t *Transport) handleChannels() codec.Envelope {
	return codec.NewResponse("channels", codec.StatusSucesso, map[string]any{"channels": t.server.Channels()}, t.server.deps.Clock, "")
}

func (t *Transport) handlePublish(data map[string]any) codec.Envelope {
	user, _ := data["user"].(string)
	channel, _ := data["channel"].(string)
	message, _ := data["message"].(string)

	ok, desc := t.server.Publish(user, channel, message)
	if !ok {
		return codec.NewResponse("publish", codec.StatusErro, nil, t.server.deps.Clock, desc)
	}
	return codec.NewResponse("publish", codec.StatusOK, nil, t.server.deps.Clock, "")
}

func (t *Transport) handleMessage(data map[string]any) codec.Envelope {
	src, _ := data["src"].(string)
	dst, _ := data["dst"].(string)
	message, _ := data["message"].(string)

	ok, desc := t.server.Message(src, dst, message)
	if !ok {
		return codec.NewResponse("message", codec.StatusErro, nil, t.server.deps.Clock, desc)
	}
	return codec.NewResponse("message", codec.StatusOK, nil, t.server.deps.Clock, "")
}

func (t *Transport) handleGetHistory(data map[string]any) codec.Envelope {
	channel, _ := data["channel"].(string)
	limit := intField(data, "limit", 50)

	msgs, ok, desc := t.server.GetHistory(channel, limit)
	if !ok {
		return codec.NewResponse("get_history", codec.StatusErro, nil, t.server.deps.Clock, desc)
	}
	return codec.NewResponse("get_history", codec.StatusSucesso, map[string]any{"channel": channel, "messages": msgs}, t.server.deps.Clock, "")
}

func (t *Transport) handleGetPrivateHistory(data map[string]any) codec.Envelope {
	user, _ := data["user"].(string)
	limit := intField(data, "limit", 50)

	msgs, ok, desc := t.server.GetPrivateHistory(user, limit)
	if !ok {
		return codec.NewResponse("get_private_history", codec.StatusErro, nil, t.server.deps.Clock, desc)
	}
	return codec.NewResponse("get_private_history", codec.StatusSucesso, map[string]any{"user": user, "messages": msgs}, t.server.deps.Clock, "")
}

func intField(data map[string]any, key string, def int) int {
	v, ok := data[key]
	if !ok {
		return def
	}
	switch n := v.(type) {
	case float64:
		return int(n)
	case int:
		return n
	default:
		return def
	}
}
