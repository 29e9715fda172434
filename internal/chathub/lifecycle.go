package chathub

import (
	"context"
	"time"

	"go.uber.org/zap"
)

const disconnectCleanupTimeout = 5 * time.Second

// Disconnect runs once per closed connection. It unregisters c, drops the user's
// search and, if the user was in a room, ends it and tells the partner.
// Every step is attempted; nothing is returned and panics are contained.
//
// A connection that was already replaced by a newer one for the same user is only
// unregistered: the newer connection keeps the user's search or room.
func (r *Relay) Disconnect(c Client) {
	userID := c.UserID()
	defer func() {
		if p := recover(); p != nil {
			r.log.Error("disconnect cleanup panicked", zap.String("user_id", userID), zap.Any("panic", p))
		}
	}()

	if !r.registry.UnregisterClient(c) {
		r.log.Debug("stale connection closed", zap.String("user_id", userID))
		return
	}
	r.reconcile(userID)
}

// Reconcile cleans up after a user regardless of which connection they had.
func (r *Relay) Reconcile(userID string) {
	defer func() {
		if p := recover(); p != nil {
			r.log.Error("reconcile panicked", zap.String("user_id", userID), zap.Any("panic", p))
		}
	}()

	r.registry.Unregister(userID)
	r.reconcile(userID)
}

func (r *Relay) reconcile(userID string) {
	ctx, cancel := context.WithTimeout(context.Background(), disconnectCleanupTimeout)
	defer cancel()

	queueKey, roomID := r.sessions.remove(userID)

	if queueKey != "" {
		if _, err := r.matcher.LeaveQueue(ctx, userID, queueKey); err != nil {
			r.log.Error("leave queue on disconnect", zap.String("user_id", userID), zap.String("queue_key", queueKey), zap.Error(err))
		}
	}

	// a room created on another node is only known through the shared marker
	if roomID == "" {
		marker, err := r.matcher.RoomIDForUser(ctx, userID)
		if err != nil {
			r.log.Error("look up room on disconnect", zap.String("user_id", userID), zap.Error(err))
		}
		roomID = marker
	}
	if roomID == "" {
		return
	}

	room, err := r.matcher.EndRoom(ctx, roomID)
	if err != nil {
		r.log.Error("end room on disconnect", zap.String("user_id", userID), zap.String("room_id", roomID), zap.Error(err))
		return
	}
	if room == nil {
		return
	}
	r.closeRoom(room, userID)
}
