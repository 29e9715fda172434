package chathub

import (
	"context"
	"sync"
	"time"

	"anonchat/backend/internal/models"

	"go.uber.org/zap"
)

const busPublishTimeout = 2 * time.Second

// Sender is the narrow capability handed to collaborators that push
// out-of-band events (notifications) without seeing matchmaking state.
type Sender interface {
	SendTo(userID string, ev models.Event)
}

// Registry maps user ids to their live connection on this node.
// With a Bus attached, sends for users connected elsewhere are forwarded.
type Registry struct {
	mu      sync.RWMutex
	clients map[string]Client

	bus Bus
	log *zap.Logger
}

func NewRegistry(log *zap.Logger) *Registry {
	return &Registry{
		clients: make(map[string]Client),
		log:     log,
	}
}

// SetBus attaches a cross-node bus. Call before serving connections.
func (r *Registry) SetBus(b Bus) {
	r.bus = b
}

// Register associates the client with its user. Last connection wins: the
// previously registered client, if any, is returned so the caller can close it.
func (r *Registry) Register(c Client) (replaced Client) {
	r.mu.Lock()
	replaced = r.clients[c.UserID()]
	r.clients[c.UserID()] = c
	r.mu.Unlock()

	if replaced == c {
		return nil
	}
	r.log.Debug("client registered", zap.String("user_id", c.UserID()), zap.Bool("replaced", replaced != nil))
	return replaced
}

// Unregister drops whatever connection the user has. Idempotent.
func (r *Registry) Unregister(userID string) {
	r.mu.Lock()
	delete(r.clients, userID)
	r.mu.Unlock()
}

// UnregisterClient drops the user's entry only if it still points at c.
// It reports false when c had already been replaced by a newer connection.
func (r *Registry) UnregisterClient(c Client) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if cur, ok := r.clients[c.UserID()]; ok && cur == c {
		delete(r.clients, c.UserID())
		return true
	}
	return false
}

// Client returns the live connection of a user on this node.
func (r *Registry) Client(userID string) (Client, bool) {
	r.mu.RLock()
	c, ok := r.clients[userID]
	r.mu.RUnlock()
	return c, ok
}

// IsOnline reports whether the user has a live connection on this node.
func (r *Registry) IsOnline(userID string) bool {
	_, ok := r.Client(userID)
	return ok
}

// Reachable reports whether a send to the user can possibly be delivered:
// either the user is connected here or a bus may carry it to another node.
func (r *Registry) Reachable(userID string) bool {
	return r.bus != nil || r.IsOnline(userID)
}

// Len returns the number of local connections.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.clients)
}

// CloseAll closes every local connection. Each close runs the usual
// disconnect cleanup from the client's read loop.
func (r *Registry) CloseAll() {
	r.mu.RLock()
	clients := make([]Client, 0, len(r.clients))
	for _, c := range r.clients {
		clients = append(clients, c)
	}
	r.mu.RUnlock()

	for _, c := range clients {
		c.Close()
	}
}

// SendTo delivers ev to the user, best-effort. Offline users are silently skipped.
func (r *Registry) SendTo(userID string, ev models.Event) {
	frame, err := ev.Marshal()
	if err != nil {
		r.log.Error("encode event", zap.String("event_type", ev.Type), zap.Error(err))
		return
	}
	r.sendFrame(userID, frame)
}

// Broadcast sends ev to each listed user in order. Partial delivery is normal.
func (r *Registry) Broadcast(userIDs []string, ev models.Event) {
	frame, err := ev.Marshal()
	if err != nil {
		r.log.Error("encode event", zap.String("event_type", ev.Type), zap.Error(err))
		return
	}
	for _, id := range userIDs {
		r.sendFrame(id, frame)
	}
}

func (r *Registry) sendFrame(userID string, frame []byte) {
	if r.Deliver(userID, frame) {
		return
	}
	if r.bus == nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), busPublishTimeout)
	defer cancel()
	if err := r.bus.Publish(ctx, userID, frame); err != nil {
		r.log.Warn("bus publish failed", zap.String("user_id", userID), zap.Error(err))
	}
}

// Deliver writes a frame to the local connection only. It never touches the bus,
// so it is also the handler for frames arriving from other nodes.
func (r *Registry) Deliver(userID string, frame []byte) bool {
	c, ok := r.Client(userID)
	if !ok {
		return false
	}
	if c.Send(frame) {
		return true
	}

	// slow or dead consumer: close it and leave the entry to Relay.Disconnect,
	// which only cleans up after the connection it still finds registered
	r.log.Warn("send buffer full, closing client", zap.String("user_id", userID))
	c.Close()
	return true
}
