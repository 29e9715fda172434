package chathub_test

import (
	"encoding/json"
	"sync"

	"anonchat/backend/internal/models"
)

type MockClient struct {
	identity models.Identity

	mu     sync.Mutex
	frames [][]byte
	closed bool
	// full makes Send report a full buffer
	full bool
}

func newMockClient(userID string) *MockClient {
	return &MockClient{identity: models.Identity{UserID: userID, Name: "user " + userID}}
}

func newPremiumClient(userID string) *MockClient {
	c := newMockClient(userID)
	c.identity.IsPremium = true
	return c
}

func (c *MockClient) UserID() string            { return c.identity.UserID }
func (c *MockClient) Identity() models.Identity { return c.identity }

func (c *MockClient) Send(frame []byte) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed || c.full {
		return false
	}
	c.frames = append(c.frames, frame)
	return true
}

// SetFull makes every later Send fail as if the buffer were full.
func (c *MockClient) SetFull() {
	c.mu.Lock()
	c.full = true
	c.mu.Unlock()
}

func (c *MockClient) Run() {
	// Not needed for testing
}

func (c *MockClient) Close() {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
}

func (c *MockClient) IsClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// Events decodes every frame received so far.
func (c *MockClient) Events() []models.Envelope {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]models.Envelope, 0, len(c.frames))
	for _, f := range c.frames {
		var env models.Envelope
		if err := json.Unmarshal(f, &env); err == nil {
			out = append(out, env)
		}
	}
	return out
}

// EventsOf returns the received events of one type.
func (c *MockClient) EventsOf(eventType string) []models.Envelope {
	var out []models.Envelope
	for _, env := range c.Events() {
		if env.Type == eventType {
			out = append(out, env)
		}
	}
	return out
}

// CountOf is EventsOf for use inside assert.Eventually.
func (c *MockClient) CountOf(eventType string) int {
	return len(c.EventsOf(eventType))
}

func decodeData[T any](env models.Envelope) T {
	var v T
	_ = json.Unmarshal(env.Data, &v)
	return v
}
