package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

type NotificationType string

const (
	NotificationFriendRequest  NotificationType = "friend_request"
	NotificationFriendAccepted NotificationType = "friend_accepted"
	NotificationGroupInvite    NotificationType = "group_invite"
)

type Notification struct {
	ID        string           `gorm:"type:uuid;primaryKey" json:"id"`
	UserID    string           `gorm:"type:text;not null;index:idx_notification_user_read,priority:1" json:"userId"`
	Type      NotificationType `gorm:"type:text;not null" json:"type"`
	Data      map[string]any   `gorm:"type:jsonb;serializer:json" json:"data"`
	Read      bool             `gorm:"not null;default:false;index:idx_notification_user_read,priority:2" json:"read"`
	CreatedAt time.Time        `json:"createdAt"`
}

func (n *Notification) BeforeCreate(tx *gorm.DB) error {
	if n.ID == "" {
		n.ID = uuid.New().String()
	}
	return nil
}
