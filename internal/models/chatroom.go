package models

// ActiveRoom is an ephemeral 1-on-1 pairing held in the pairing store.
// The two participants are symmetric; User1ID is simply whoever requested the match.
type ActiveRoom struct {
	RoomID  string `json:"roomId"`
	User1ID string `json:"user1Id"`
	User2ID string `json:"user2Id"`
	// Names maps each participant to the anonymous display name drawn for this room.
	Names map[string]string `json:"names,omitempty"`
	// CreatedAt is unix milliseconds.
	CreatedAt int64 `json:"createdAt"`
}

// Has reports whether userID is one of the two participants.
func (r *ActiveRoom) Has(userID string) bool {
	return userID != "" && (r.User1ID == userID || r.User2ID == userID)
}

// Partner returns the other participant. ok is false when userID is not in the room.
func (r *ActiveRoom) Partner(userID string) (partnerID string, ok bool) {
	switch userID {
	case r.User1ID:
		return r.User2ID, true
	case r.User2ID:
		return r.User1ID, true
	}
	return "", false
}

// NameOf returns the anonymous name of a participant, or "" if none was recorded.
func (r *ActiveRoom) NameOf(userID string) string {
	if r.Names == nil {
		return ""
	}
	return r.Names[userID]
}

// Match is the result of a successful pairing.
type Match struct {
	Room    ActiveRoom
	Partner QueueEntry
}
