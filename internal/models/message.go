package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"gorm.io/gorm"
)

// ErrMessageTarget is returned when a message does not have exactly one target.
var ErrMessageTarget = errors.New("message must target exactly one of group or friendship")

// Message is a persisted group or friend chat message.
// Anonymous room traffic is never stored here.
type Message struct {
	ID           string    `gorm:"type:uuid;primaryKey" json:"id"`
	Content      string    `gorm:"type:text;not null" json:"content"`
	SenderID     string    `gorm:"type:text;not null" json:"senderId"`
	GroupID      *string   `gorm:"type:uuid;index:idx_message_group_created,priority:1" json:"groupId,omitempty"`
	FriendshipID *string   `gorm:"type:uuid;index:idx_message_friendship_created,priority:1" json:"friendshipId,omitempty"`
	CreatedAt    time.Time `gorm:"index:idx_message_group_created,priority:2;index:idx_message_friendship_created,priority:2" json:"createdAt"`
}

// BeforeCreate assigns an id and enforces the single-target rule.
func (m *Message) BeforeCreate(tx *gorm.DB) error {
	if (m.GroupID == nil) == (m.FriendshipID == nil) {
		return ErrMessageTarget
	}
	if m.ID == "" {
		m.ID = uuid.New().String()
	}
	return nil
}
