package storage

import (
	"context"

	"anonchat/backend/internal/models"

	"github.com/pkg/errors"
	"gorm.io/gorm"
)

// GetUserByID повертає профіль користувача або ErrNotFound.
func (s *Service) GetUserByID(ctx context.Context, userID string) (*models.User, error) {
	var user models.User
	err := s.DB.WithContext(ctx).Where("id = ?", userID).First(&user).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, errors.Wrapf(err, "load user %s", userID)
	}
	return &user, nil
}

// SaveUser створює або оновлює користувача.
func (s *Service) SaveUser(ctx context.Context, user *models.User) error {
	return errors.Wrap(s.DB.WithContext(ctx).Save(user).Error, "save user")
}

// CreateNotification зберігає сповіщення.
func (s *Service) CreateNotification(ctx context.Context, n *models.Notification) error {
	return errors.Wrapf(s.DB.WithContext(ctx).Create(n).Error, "create notification for %s", n.UserID)
}

// CreateFriendRequest records a pending request from requesterID to addresseeID.
// A request in either direction between the same pair is rejected with ErrFriendshipExists.
func (s *Service) CreateFriendRequest(ctx context.Context, requesterID, addresseeID string) (*models.Friendship, error) {
	if requesterID == "" || addresseeID == "" || requesterID == addresseeID {
		return nil, ErrInvalidFriendRequest
	}

	var created *models.Friendship
	err := s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var count int64
		if err := tx.Model(&models.Friendship{}).
			Where("(requester_id = ? AND addressee_id = ?) OR (requester_id = ? AND addressee_id = ?)",
				requesterID, addresseeID, addresseeID, requesterID).
			Count(&count).Error; err != nil {
			return err
		}
		if count > 0 {
			return ErrFriendshipExists
		}

		f := &models.Friendship{
			RequesterID: requesterID,
			AddresseeID: addresseeID,
			Status:      models.FriendshipPending,
		}
		if err := tx.Create(f).Error; err != nil {
			return err
		}
		created = f
		return nil
	})
	if errors.Is(err, ErrFriendshipExists) {
		return nil, err
	}
	if err != nil {
		return nil, errors.Wrap(err, "create friend request")
	}
	return created, nil
}

// AcceptFriendRequest marks a pending request as accepted. Only the addressee may accept.
func (s *Service) AcceptFriendRequest(ctx context.Context, friendshipID, userID string) (*models.Friendship, error) {
	f, err := s.GetFriendship(ctx, friendshipID)
	if err != nil {
		return nil, err
	}
	if f.AddresseeID != userID || f.Status != models.FriendshipPending {
		return nil, ErrInvalidFriendRequest
	}

	f.Status = models.FriendshipAccepted
	if err := s.DB.WithContext(ctx).Model(f).Update("status", f.Status).Error; err != nil {
		return nil, errors.Wrapf(err, "accept friendship %s", friendshipID)
	}
	return f, nil
}
