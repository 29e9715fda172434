package config

import "time"

const (
	// Matchmaking
	DefaultMatchRetryInterval = 3 * time.Second
	DefaultMatchTimeout       = 60 * time.Second
	DefaultQueueStaleAfter    = 60 * time.Second

	// Rooms
	DefaultRoomTTL = 2 * time.Hour

	// Transport
	DefaultSendBuffer = 256
	DefaultTokenTTL   = 72 * time.Hour
)

// QueuePrefix is prepended to every queue partition key in Redis.
const QueuePrefix = "matchmaking:queue:"

// RandomQueue is the unfiltered partition used when no gender preference is given.
const RandomQueue = "random"

var AnonymousAdjectives = []string{
	"Brave", "Calm", "Clever", "Bold", "Swift", "Wise", "Kind", "Bright",
	"Gentle", "Fierce", "Noble", "Witty", "Keen", "Daring", "Lucky",
}

var AnonymousAnimals = []string{
	"Fox", "Owl", "Bear", "Wolf", "Hawk", "Deer", "Lynx", "Otter",
	"Raven", "Tiger", "Eagle", "Panda", "Koala", "Falcon", "Dolphin",
}
