package chathub

import (
	"math/rand"

	"anonchat/backend/internal/config"

	"github.com/google/uuid"
)

// GenerateRoomID returns a fresh room key, "room:" followed by a time-ordered UUID.
func GenerateRoomID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return "room:" + uuid.NewString()
	}
	return "room:" + id.String()
}

// GenerateAnonymousName draws "<Adjective> <Animal>". Names are not unique.
func GenerateAnonymousName() string {
	adj := config.AnonymousAdjectives[rand.Intn(len(config.AnonymousAdjectives))]
	animal := config.AnonymousAnimals[rand.Intn(len(config.AnonymousAnimals))]
	return adj + " " + animal
}

// pairNames draws one name per participant, redrawing the second until the two differ.
func pairNames() (string, string) {
	first := GenerateAnonymousName()
	second := GenerateAnonymousName()
	for second == first {
		second = GenerateAnonymousName()
	}
	return first, second
}
