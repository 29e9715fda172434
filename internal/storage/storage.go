package storage

import (
	"context"

	"anonchat/backend/internal/models"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"gorm.io/gorm"
)

var (
	// ErrNotFound is returned when a durable record does not exist.
	ErrNotFound = errors.New("record not found")
	// ErrFriendshipExists is returned when a request between the two users already exists.
	ErrFriendshipExists = errors.New("friend request already exists")
	// ErrInvalidFriendRequest covers self-requests and accepting someone else's request.
	ErrInvalidFriendRequest = errors.New("invalid friend request")
)

// ChatStore is the durable side consulted by the relay for group and friend traffic.
type ChatStore interface {
	GetGroupMembers(ctx context.Context, groupID string) ([]models.GroupMember, error)
	GetFriendship(ctx context.Context, friendshipID string) (*models.Friendship, error)
	SaveGroupMessage(ctx context.Context, senderID, groupID, content string) (*models.Message, error)
	SaveFriendMessage(ctx context.Context, senderID, friendshipID, content string) (*models.Message, error)
}

// UserStore resolves durable profiles for authenticated identities.
type UserStore interface {
	GetUserByID(ctx context.Context, userID string) (*models.User, error)
}

// NotificationStore persists out-of-band notifications.
type NotificationStore interface {
	CreateNotification(ctx context.Context, n *models.Notification) error
}

// FriendshipStore covers the friend-request flow that follows an anonymous chat.
type FriendshipStore interface {
	CreateFriendRequest(ctx context.Context, requesterID, addresseeID string) (*models.Friendship, error)
	AcceptFriendRequest(ctx context.Context, friendshipID, userID string) (*models.Friendship, error)
}

// Storage is everything the server needs from Postgres.
type Storage interface {
	ChatStore
	UserStore
	NotificationStore
	FriendshipStore
	Ping(ctx context.Context) error
}

// Service is the gorm-backed Storage.
type Service struct {
	DB *gorm.DB
}

// NewStorageService Constructor
func NewStorageService(db *gorm.DB) *Service {
	return &Service{DB: db}
}

// AutoMigrate створює таблиці для всіх моделей.
func (s *Service) AutoMigrate() error {
	return errors.Wrap(s.DB.AutoMigrate(
		&models.User{},
		&models.Group{},
		&models.GroupMember{},
		&models.Friendship{},
		&models.Message{},
		&models.Notification{},
	), "auto-migrate")
}

// Ping checks the underlying connection pool.
func (s *Service) Ping(ctx context.Context) error {
	sqlDB, err := s.DB.DB()
	if err != nil {
		return errors.Wrap(err, "get sql.DB")
	}
	return errors.Wrap(sqlDB.PingContext(ctx), "ping postgres")
}

// GetGroupMembers returns the members of a group with their user profiles loaded.
// An unknown group, or an id that is not a UUID, yields ErrNotFound.
func (s *Service) GetGroupMembers(ctx context.Context, groupID string) ([]models.GroupMember, error) {
	if !isUUID(groupID) {
		return nil, ErrNotFound
	}
	var group models.Group
	err := s.DB.WithContext(ctx).
		Preload("Members.User").
		Where("id = ?", groupID).
		First(&group).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, errors.Wrapf(err, "load group %s", groupID)
	}
	return group.Members, nil
}

// GetFriendship loads a friendship by id.
func (s *Service) GetFriendship(ctx context.Context, friendshipID string) (*models.Friendship, error) {
	if !isUUID(friendshipID) {
		return nil, ErrNotFound
	}
	var f models.Friendship
	err := s.DB.WithContext(ctx).Where("id = ?", friendshipID).First(&f).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, errors.Wrapf(err, "load friendship %s", friendshipID)
	}
	return &f, nil
}

// SaveGroupMessage зберігає повідомлення групи в PostgreSQL.
func (s *Service) SaveGroupMessage(ctx context.Context, senderID, groupID, content string) (*models.Message, error) {
	msg := &models.Message{Content: content, SenderID: senderID, GroupID: &groupID}
	if err := s.DB.WithContext(ctx).Create(msg).Error; err != nil {
		return nil, errors.Wrapf(err, "save message for group %s", groupID)
	}
	return msg, nil
}

// SaveFriendMessage зберігає приватне повідомлення між друзями.
func (s *Service) SaveFriendMessage(ctx context.Context, senderID, friendshipID, content string) (*models.Message, error) {
	msg := &models.Message{Content: content, SenderID: senderID, FriendshipID: &friendshipID}
	if err := s.DB.WithContext(ctx).Create(msg).Error; err != nil {
		return nil, errors.Wrapf(err, "save message for friendship %s", friendshipID)
	}
	return msg, nil
}

// колонки id мають тип uuid, інакше Postgres поверне синтаксичну помилку
func isUUID(id string) bool {
	_, err := uuid.Parse(id)
	return err == nil
}
