// Package bbsclient is a Go SDK for talking to a single message server's
// client-facing RPC endpoint (see internal/bbs.Transport). It hides the
// envelope framing and JSON transport behind plain Go methods.
package bbsclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"distributed-bbs/internal/clock"
	"distributed-bbs/internal/codec"
	"distributed-bbs/internal/replication"
)

// Client talks to one message server. It carries its own Lamport clock,
// since every outbound request is itself an event in the system's
// happens-before ordering.
type Client struct {
	baseURL    string
	httpClient *http.Client
	clock      *clock.Clock
}

// New creates a Client bound to baseURL (e.g. "http://localhost:8080").
func New(baseURL string, timeout time.Duration) *Client {
	if timeout == 0 {
		timeout = 10 * time.Second
	}
	return &Client{
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: timeout},
		clock:      clock.New(),
	}
}

// Login registers user with the server.
func (c *Client) Login(ctx context.Context, user string) error {
	_, err := c.call(ctx, "login", map[string]any{"user": user})
	return err
}

// Users lists every logged-in user.
func (c *Client) Users(ctx context.Context) ([]string, error) {
	resp, err := c.call(ctx, "users", nil)
	if err != nil {
		return nil, err
	}
	return stringSlice(resp.Data["users"]), nil
}

// CreateChannel creates a new broadcast channel.
func (c *Client) CreateChannel(ctx context.Context, channel string) error {
	_, err := c.call(ctx, "channel", map[string]any{"channel": channel})
	return err
}

// Channels lists every channel.
func (c *Client) Channels(ctx context.Context) ([]string, error) {
	resp, err := c.call(ctx, "channels", nil)
	if err != nil {
		return nil, err
	}
	return stringSlice(resp.Data["channels"]), nil
}

// Publish posts message to channel on behalf of user.
func (c *Client) Publish(ctx context.Context, user, channel, message string) error {
	_, err := c.call(ctx, "publish", map[string]any{"user": user, "channel": channel, "message": message})
	return err
}

// Message sends a private message from src to dst.
func (c *Client) Message(ctx context.Context, src, dst, message string) error {
	_, err := c.call(ctx, "message", map[string]any{"src": src, "dst": dst, "message": message})
	return err
}

// GetHistory returns up to limit of the most recent messages published
// to channel.
func (c *Client) GetHistory(ctx context.Context, channel string, limit int) ([]replication.Message, error) {
	resp, err := c.call(ctx, "get_history", map[string]any{"channel": channel, "limit": limit})
	if err != nil {
		return nil, err
	}
	return decodeMessages(resp.Data["messages"])
}

// GetPrivateHistory returns up to limit of the most recent private
// messages sent to or from user.
func (c *Client) GetPrivateHistory(ctx context.Context, user string, limit int) ([]replication.Message, error) {
	resp, err := c.call(ctx, "get_private_history", map[string]any{"user": user, "limit": limit})
	if err != nil {
		return nil, err
	}
	return decodeMessages(resp.Data["messages"])
}

// call sends a single request envelope and returns the decoded response
// envelope, turning an erro status into a Go error.
func (c *Client) call(ctx context.Context, service string, data map[string]any) (codec.Envelope, error) {
	req := codec.NewMessage(service, data, c.clock)
	body, err := codec.Marshal(req)
	if err != nil {
		return codec.Envelope{}, err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/rpc", bytes.NewReader(body))
	if err != nil {
		return codec.Envelope{}, err
	}
	httpReq.Header.Set("Content-Type", "application/json")

	httpResp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return codec.Envelope{}, fmt.Errorf("%s request failed: %w", service, err)
	}
	defer httpResp.Body.Close()

	raw, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return codec.Envelope{}, err
	}
	resp, err := codec.Parse(raw)
	if err != nil {
		return codec.Envelope{}, err
	}
	c.clock.Update(resp.Clock())

	if status := resp.Status(); status == codec.StatusErro {
		desc, _ := resp.Data["description"].(string)
		return resp, &ServiceError{Service: service, Description: desc}
	}
	return resp, nil
}

// ServiceError reports a non-success "status":"erro" response, carrying
// the server's human-readable (Portuguese) description verbatim.
type ServiceError struct {
	Service     string
	Description string
}

func (e *ServiceError) Error() string {
	return fmt.Sprintf("%s: %s", e.Service, e.Description)
}

func stringSlice(v any) []string {
	raw, ok := v.([]any)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(raw))
	for _, item := range raw {
		if s, ok := item.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

func decodeMessages(v any) ([]replication.Message, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var msgs []replication.Message
	if err := json.Unmarshal(raw, &msgs); err != nil {
		return nil, err
	}
	return msgs, nil
}
