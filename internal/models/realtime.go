package models

import "time"

// Identity is the verified user behind a websocket connection.
type Identity struct {
	UserID    string
	Name      string
	Gender    string
	Country   string
	IsPremium bool
}

// QueueEntry is a waiting user stored in a matchmaking queue.
// Timestamp is the enqueue time in unix milliseconds.
type QueueEntry struct {
	UserID            string `json:"userId"`
	Gender            string `json:"gender,omitempty"`
	Country           string `json:"country,omitempty"`
	CountryPreference string `json:"countryPreference,omitempty"`
	IsPremium         bool   `json:"isPremium"`
	Timestamp         int64  `json:"timestamp"`
}

// EnqueuedAt returns the entry timestamp as a time.Time.
func (e QueueEntry) EnqueuedAt() time.Time {
	return time.UnixMilli(e.Timestamp)
}

// Age reports how long the entry has been waiting at now.
func (e QueueEntry) Age(now time.Time) time.Duration {
	return now.Sub(e.EnqueuedAt())
}
