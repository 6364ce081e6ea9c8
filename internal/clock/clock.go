// Package clock implements a Lamport logical clock.
//
// Every process in the coordination plane carries exactly one Clock.
// It is incremented before a message is sent and updated (max + 1) when
// a message is received, which is enough to recover a happens-before
// ordering across the cluster without any shared physical clock.
package clock

import "sync"

// Clock is a Lamport logical clock. The zero value starts at 0 and is
// safe for concurrent use.
type Clock struct {
	mu    sync.Mutex
	value uint64
}

// New returns a Clock starting at 0.
func New() *Clock {
	return &Clock{}
}

// Increment bumps the counter by one and returns the new value.
// Call this before sending a message.
func (c *Clock) Increment() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.value++
	return c.value
}

// Update folds in a clock value observed on an incoming message:
// the counter becomes max(local, received)+1. Call this on every
// receive, before the handler looks at anything else in the message.
func (c *Clock) Update(received uint64) uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	if received > c.value {
		c.value = received
	}
	c.value++
	return c.value
}

// Peek returns the current value without mutating it.
func (c *Clock) Peek() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.value
}
