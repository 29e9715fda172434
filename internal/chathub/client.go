package chathub

import "anonchat/backend/internal/models"

// Client is one live connection of an authenticated user.
// The Registry only needs to push bytes at it; the transport behind it is free.
type Client interface {
	// UserID returns the durable identifier of the connected user.
	UserID() string
	// Identity returns the verified identity resolved at admission.
	Identity() models.Identity

	// Send queues an encoded frame for writing. It must not block; false means
	// the frame was dropped because the client is closed or too slow.
	Send(frame []byte) bool

	// Run starts the client's read and write pumps.
	Run()
	// Close shuts the connection down. Safe to call more than once.
	Close()
}
