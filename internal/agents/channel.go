package agents

import (
	"context"
	"sync"
)

// SimulatedChannel is an in-memory verification channel for development and
// tests. Each user has one expected code; Challenge is recorded so tests can
// assert a challenge was actually issued before a code was accepted.
type SimulatedChannel struct {
	mu         sync.Mutex
	codes      map[string]string
	challenged map[string]bool
}

// NewSimulatedChannel creates an empty simulated channel.
func NewSimulatedChannel() *SimulatedChannel {
	return &SimulatedChannel{
		codes:      make(map[string]string),
		challenged: make(map[string]bool),
	}
}

// SetCode configures the expected verification code for a user.
func (c *SimulatedChannel) SetCode(userID, code string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.codes[userID] = code
}

// Challenged reports whether a challenge was issued for the user.
func (c *SimulatedChannel) Challenged(userID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.challenged[userID]
}

func (c *SimulatedChannel) Challenge(ctx context.Context, userID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.challenged[userID] = true
	return nil
}

func (c *SimulatedChannel) VerifyCode(ctx context.Context, userID, code string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	expected, ok := c.codes[userID]
	return ok && expected == code, nil
}
