// Package regclient is the message server's (C8) client for the
// registry service (C4): request a rank, refresh liveness, and fetch the
// current server list.
package regclient

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"distributed-bbs/internal/clock"
	"distributed-bbs/internal/codec"
	"distributed-bbs/internal/registry"
)

// Client talks to one registry endpoint over HTTP.
type Client struct {
	addr       string
	httpClient *http.Client
	clock      *clock.Clock
}

// New builds a Client pointed at addr (e.g. "http://reference:5559").
func New(addr string, lc *clock.Clock, timeout time.Duration) *Client {
	if timeout == 0 {
		timeout = 5 * time.Second
	}
	return &Client{
		addr:       addr,
		httpClient: &http.Client{Timeout: timeout},
		clock:      lc,
	}
}

// Rank requests (or recovers) this server's rank.
func (c *Client) Rank(serverName string) (int, error) {
	resp, err := c.call(codec.NewMessage("rank", map[string]any{"user": serverName}, c.clock))
	if err != nil {
		return 0, err
	}
	if resp.Status() != codec.StatusSucesso {
		return 0, fmt.Errorf("rank request failed: %v", resp.Data["description"])
	}
	rank := int(asFloat(resp.Data["rank"]))
	return rank, nil
}

// Heartbeat refreshes this server's liveness.
func (c *Client) Heartbeat(serverName string) error {
	resp, err := c.call(codec.NewMessage("heartbeat", map[string]any{"user": serverName}, c.clock))
	if err != nil {
		return err
	}
	if resp.Status() != codec.StatusSucesso {
		return fmt.Errorf("heartbeat failed: %v", resp.Data["description"])
	}
	return nil
}

// List fetches the current server roster.
func (c *Client) List() ([]registry.ListEntry, error) {
	resp, err := c.call(codec.NewMessage("list", map[string]any{}, c.clock))
	if err != nil {
		return nil, err
	}

	raw, err := json.Marshal(resp.Data["list"])
	if err != nil {
		return nil, err
	}
	var entries []registry.ListEntry
	if err := json.Unmarshal(raw, &entries); err != nil {
		return nil, err
	}
	return entries, nil
}

func (c *Client) call(req codec.Envelope) (codec.Envelope, error) {
	body, err := codec.Marshal(req)
	if err != nil {
		return codec.Envelope{}, err
	}

	httpResp, err := c.httpClient.Post(c.addr+"/rpc", "application/json", bytes.NewReader(body))
	if err != nil {
		return codec.Envelope{}, err
	}
	defer httpResp.Body.Close()

	var resp codec.Envelope
	if err := json.NewDecoder(httpResp.Body).Decode(&resp); err != nil {
		return codec.Envelope{}, err
	}
	c.clock.Update(resp.Clock())
	return resp, nil
}

func asFloat(v any) float64 {
	f, _ := v.(float64)
	return f
}
