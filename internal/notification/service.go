// Package notification stores out-of-band notifications and pushes them to
// the recipient's live connection, wherever it is.
package notification

import (
	"context"

	"anonchat/backend/internal/chathub"
	"anonchat/backend/internal/models"
	"anonchat/backend/internal/storage"

	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// Service handles the business logic for notifications.
type Service struct {
	store  storage.NotificationStore
	sender chathub.Sender
	log    *zap.Logger
}

// NewService creates a new notification service.
func NewService(store storage.NotificationStore, sender chathub.Sender, log *zap.Logger) *Service {
	return &Service{store: store, sender: sender, log: log}
}

// Notify persists the notification and pushes "notification:new" to the user.
// Nothing is pushed if persisting fails; an offline user reads it later from the store.
func (s *Service) Notify(ctx context.Context, userID string, typ models.NotificationType, data map[string]any) (*models.Notification, error) {
	if userID == "" {
		return nil, errors.New("notification without recipient")
	}

	n := &models.Notification{UserID: userID, Type: typ, Data: data}
	if err := s.store.CreateNotification(ctx, n); err != nil {
		return nil, errors.Wrapf(err, "notify %s", userID)
	}

	s.sender.SendTo(userID, models.Event{Type: models.TypeNotificationNew, Data: n})
	s.log.Debug("notification sent", zap.String("user_id", userID), zap.String("type", string(typ)))
	return n, nil
}

// FriendRequested tells the addressee about a new request.
func (s *Service) FriendRequested(ctx context.Context, f *models.Friendship) error {
	_, err := s.Notify(ctx, f.AddresseeID, models.NotificationFriendRequest, map[string]any{
		"friendshipId": f.ID,
		"requesterId":  f.RequesterID,
	})
	return err
}

// FriendAccepted tells the original requester that the addressee accepted.
func (s *Service) FriendAccepted(ctx context.Context, f *models.Friendship) error {
	_, err := s.Notify(ctx, f.RequesterID, models.NotificationFriendAccepted, map[string]any{
		"friendshipId": f.ID,
		"addresseeId":  f.AddresseeID,
	})
	return err
}
