package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

type GroupType string

const (
	GroupPublic  GroupType = "public"
	GroupPrivate GroupType = "private"
)

type GroupRole string

const (
	RoleHost   GroupRole = "host"
	RoleAdmin  GroupRole = "admin"
	RoleMember GroupRole = "member"
)

// Group is a persistent multi-user chat.
type Group struct {
	ID         string    `gorm:"type:uuid;primaryKey" json:"id"`
	Name       string    `gorm:"type:text;not null" json:"name"`
	Type       GroupType `gorm:"type:text;not null;default:public" json:"type"`
	InviteCode *string   `gorm:"type:text;uniqueIndex" json:"inviteCode,omitempty"`
	HostID     string    `gorm:"type:text;not null;index" json:"hostId"`
	MaxMembers int       `gorm:"not null;default:50" json:"maxMembers"`
	CreatedAt  time.Time `json:"createdAt"`

	Members []GroupMember `gorm:"foreignKey:GroupID" json:"members,omitempty"`
}

func (g *Group) BeforeCreate(tx *gorm.DB) error {
	if g.ID == "" {
		g.ID = uuid.New().String()
	}
	return nil
}

// GroupMember links a user to a group. The composite key is (group_id, user_id).
type GroupMember struct {
	GroupID  string    `gorm:"type:uuid;primaryKey" json:"groupId"`
	UserID   string    `gorm:"type:text;primaryKey" json:"userId"`
	Role     GroupRole `gorm:"type:text;not null;default:member" json:"role"`
	JoinedAt time.Time `gorm:"autoCreateTime" json:"joinedAt"`

	User User `gorm:"foreignKey:UserID" json:"user"`
}
