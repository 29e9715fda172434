package chathub_test

import (
	"context"

	"anonchat/backend/internal/models"

	"github.com/stretchr/testify/mock"
)

// MockChatStore is a testify mock of storage.ChatStore.
type MockChatStore struct {
	mock.Mock
}

func (m *MockChatStore) GetGroupMembers(ctx context.Context, groupID string) ([]models.GroupMember, error) {
	args := m.Called(ctx, groupID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]models.GroupMember), args.Error(1)
}

func (m *MockChatStore) GetFriendship(ctx context.Context, friendshipID string) (*models.Friendship, error) {
	args := m.Called(ctx, friendshipID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.Friendship), args.Error(1)
}

func (m *MockChatStore) SaveGroupMessage(ctx context.Context, senderID, groupID, content string) (*models.Message, error) {
	args := m.Called(ctx, senderID, groupID, content)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.Message), args.Error(1)
}

func (m *MockChatStore) SaveFriendMessage(ctx context.Context, senderID, friendshipID, content string) (*models.Message, error) {
	args := m.Called(ctx, senderID, friendshipID, content)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.Message), args.Error(1)
}
