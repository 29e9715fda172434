package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// User is the durable profile behind an identity. Accounts themselves are
// managed by the identity provider; this table only mirrors what the chat core reads.
type User struct {
	ID        string `gorm:"primaryKey" json:"id"`
	Name      string `gorm:"type:text;not null" json:"name"`
	Gender    string `gorm:"type:text" json:"gender,omitempty"`
	Country   string `gorm:"type:text" json:"country,omitempty"`
	IsPremium bool   `gorm:"not null;default:false" json:"isPremium"`
	CreatedAt time.Time
	UpdatedAt time.Time
}

// BeforeCreate генерує UUID, якщо ID ще не встановлено.
func (u *User) BeforeCreate(tx *gorm.DB) (err error) {
	if u.ID == "" {
		u.ID = uuid.New().String()
	}
	return
}

// Identity projects the profile onto the connection identity.
func (u *User) Identity() Identity {
	return Identity{
		UserID:    u.ID,
		Name:      u.Name,
		Gender:    u.Gender,
		Country:   u.Country,
		IsPremium: u.IsPremium,
	}
}
