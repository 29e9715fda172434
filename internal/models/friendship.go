package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

type FriendshipStatus string

const (
	FriendshipPending  FriendshipStatus = "pending"
	FriendshipAccepted FriendshipStatus = "accepted"
	FriendshipRejected FriendshipStatus = "rejected"
)

// Friendship is a directed request that becomes a symmetric link once accepted.
type Friendship struct {
	ID          string           `gorm:"type:uuid;primaryKey" json:"id"`
	RequesterID string           `gorm:"type:text;not null;index;uniqueIndex:idx_friendship_pair" json:"requesterId"`
	AddresseeID string           `gorm:"type:text;not null;index;uniqueIndex:idx_friendship_pair" json:"addresseeId"`
	Status      FriendshipStatus `gorm:"type:text;not null;default:pending" json:"status"`
	CreatedAt   time.Time        `json:"createdAt"`
	UpdatedAt   time.Time        `json:"updatedAt"`
}

func (f *Friendship) BeforeCreate(tx *gorm.DB) error {
	if f.ID == "" {
		f.ID = uuid.New().String()
	}
	return nil
}

// Counterpart returns the other side of the friendship for userID.
func (f *Friendship) Counterpart(userID string) (string, bool) {
	switch userID {
	case f.RequesterID:
		return f.AddresseeID, true
	case f.AddresseeID:
		return f.RequesterID, true
	}
	return "", false
}
