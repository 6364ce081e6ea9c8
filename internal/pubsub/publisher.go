// Package pubsub models the external fan-out proxy's publish side: a
// topic-based broadcast channel where the first frame of a multipart
// message is the topic and the second is the serialized envelope.
//
// The original system talks to this proxy over a ZeroMQ PUB socket; no
// repository in this module's dependency corpus imports a ZeroMQ
// binding, so the proxy contract is modeled here as a plain HTTP POST
// to the proxy's publish endpoint instead — the proxy itself is an
// external collaborator, out of scope for this module, and any
// transport that preserves "topic + envelope goes out, fan-out is the
// proxy's job" is faithful to the contract.
package pubsub

import (
	"bytes"
	"encoding/json"
	"log"
	"net/http"
	"time"
)

// Publisher broadcasts an envelope on a topic.
type Publisher interface {
	Publish(topic string, envelope any) error
}

// HTTPPublisher posts to an external proxy's /publish endpoint.
type HTTPPublisher struct {
	proxyAddr string
	client    *http.Client
}

// NewHTTPPublisher builds a Publisher pointed at proxyAddr (the fan-out
// proxy's publisher-facing backend).
func NewHTTPPublisher(proxyAddr string) *HTTPPublisher {
	return &HTTPPublisher{
		proxyAddr: proxyAddr,
		client:    &http.Client{Timeout: 2 * time.Second},
	}
}

type publishRequest struct {
	Topic    string `json:"topic"`
	Envelope any    `json:"envelope"`
}

// Publish sends {topic, envelope} to the proxy for fan-out to
// subscribers of topic.
func (p *HTTPPublisher) Publish(topic string, envelope any) error {
	body, err := json.Marshal(publishRequest{Topic: topic, Envelope: envelope})
	if err != nil {
		return err
	}

	resp, err := p.client.Post(p.proxyAddr+"/publish", "application/json", bytes.NewReader(body))
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	return nil
}

// NullPublisher discards every publish, useful for tests and for
// standalone operation without a proxy configured.
type NullPublisher struct{}

// Publish logs and discards.
func (NullPublisher) Publish(topic string, envelope any) error {
	log.Printf("[PUBSUB] (no proxy configured) would publish on %q: %v", topic, envelope)
	return nil
}
