package storage

import (
	"context"
	"encoding/json"
	"time"

	"anonchat/backend/internal/config"
	"anonchat/backend/internal/models"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
)

var (
	// ErrRoomNotFound means the room expired, was ended, or never existed.
	ErrRoomNotFound = errors.New("active room not found")
	// ErrRequesterPaired means the first participant already holds a room.
	ErrRequesterPaired = errors.New("requester is already paired")
	// ErrPartnerPaired means the second participant already holds a room.
	ErrPartnerPaired = errors.New("partner is already paired")
	// ErrCorruptEntry is returned when a popped queue entry cannot be decoded. The entry is gone.
	ErrCorruptEntry = errors.New("corrupt queue entry")
)

// PairingStore is the shared store for matchmaking queues and active rooms.
// Queues are lists: new entries go to the head, the oldest entry sits at the tail.
type PairingStore interface {
	PushEntry(ctx context.Context, queueKey string, entry models.QueueEntry) error
	// PopOldest removes and returns the oldest entry, or nil when the queue is empty.
	PopOldest(ctx context.Context, queueKey string) (*models.QueueEntry, error)
	// RestoreOldest puts an entry back at the oldest end.
	RestoreOldest(ctx context.Context, queueKey string, entry models.QueueEntry) error
	// RemoveEntry deletes the first entry (oldest-last scan order) for userID.
	RemoveEntry(ctx context.Context, queueKey, userID string) (bool, error)
	// QueueEntries lists a queue oldest first.
	QueueEntries(ctx context.Context, queueKey string) ([]models.QueueEntry, error)
	QueueKeys(ctx context.Context) ([]string, error)

	// ClaimRoom stores the room and marks both participants as paired, atomically.
	ClaimRoom(ctx context.Context, room models.ActiveRoom, ttl time.Duration) error
	GetRoom(ctx context.Context, roomID string) (*models.ActiveRoom, error)
	// TakeRoom fetches and deletes a room in one step. Only one caller can win.
	TakeRoom(ctx context.Context, roomID string) (*models.ActiveRoom, error)
	DeleteRoom(ctx context.Context, roomID string) error
	// RoomIDForUser returns the live room a user is paired in, or "".
	RoomIDForUser(ctx context.Context, userID string) (string, error)

	Ping(ctx context.Context) error
}

// KEYS[1] = room key, KEYS[2] = marker of user1, KEYS[3] = marker of user2
// ARGV[1] = room json, ARGV[2] = ttl in ms, ARGV[3] = room id
// Returns 1 on success, 0 if user1 is paired, -1 if user2 is paired.
var luaClaimRoom = redis.NewScript(`
if redis.call("EXISTS", KEYS[2]) == 1 then
  return 0
end
if redis.call("EXISTS", KEYS[3]) == 1 then
  return -1
end
redis.call("SET", KEYS[1], ARGV[1], "PX", ARGV[2])
redis.call("SET", KEYS[2], ARGV[3], "PX", ARGV[2])
redis.call("SET", KEYS[3], ARGV[3], "PX", ARGV[2])
return 1
`)

// KEYS[1] = room key, KEYS[2..3] = participant markers
// ARGV[1] = room id, ARGV[2] = room json as read by the caller
// Returns 1 if this call deleted the room, 0 otherwise.
var luaTakeRoom = redis.NewScript(`
if redis.call("GET", KEYS[1]) ~= ARGV[2] then
  return 0
end
redis.call("DEL", KEYS[1])
for i = 2, #KEYS do
  if redis.call("GET", KEYS[i]) == ARGV[1] then
    redis.call("DEL", KEYS[i])
  end
end
return 1
`)

// RedisPairingStore implements PairingStore on Redis lists and strings.
//
// Room records and markers are touched together by Lua scripts; on Redis Cluster
// the keys of one room must hash to the same slot, which this naming does not guarantee.
type RedisPairingStore struct {
	rdb redis.UniversalClient
}

func NewRedisPairingStore(rdb redis.UniversalClient) *RedisPairingStore {
	return &RedisPairingStore{rdb: rdb}
}

func userRoomKey(userID string) string {
	return "matchmaking:user:" + userID + ":room"
}

func (s *RedisPairingStore) Ping(ctx context.Context) error {
	return errors.Wrap(s.rdb.Ping(ctx).Err(), "ping redis")
}

func (s *RedisPairingStore) PushEntry(ctx context.Context, queueKey string, entry models.QueueEntry) error {
	raw, err := json.Marshal(entry)
	if err != nil {
		return errors.Wrap(err, "marshal queue entry")
	}
	return errors.Wrapf(s.rdb.LPush(ctx, queueKey, raw).Err(), "push to %s", queueKey)
}

func (s *RedisPairingStore) PopOldest(ctx context.Context, queueKey string) (*models.QueueEntry, error) {
	raw, err := s.rdb.RPop(ctx, queueKey).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrapf(err, "pop from %s", queueKey)
	}

	var entry models.QueueEntry
	if err := json.Unmarshal([]byte(raw), &entry); err != nil {
		return nil, errors.Wrapf(ErrCorruptEntry, "%s: %v", queueKey, err)
	}
	return &entry, nil
}

func (s *RedisPairingStore) RestoreOldest(ctx context.Context, queueKey string, entry models.QueueEntry) error {
	raw, err := json.Marshal(entry)
	if err != nil {
		return errors.Wrap(err, "marshal queue entry")
	}
	return errors.Wrapf(s.rdb.RPush(ctx, queueKey, raw).Err(), "restore to %s", queueKey)
}

func (s *RedisPairingStore) RemoveEntry(ctx context.Context, queueKey, userID string) (bool, error) {
	raws, err := s.rdb.LRange(ctx, queueKey, 0, -1).Result()
	if err != nil {
		return false, errors.Wrapf(err, "scan %s", queueKey)
	}
	for _, raw := range raws {
		var entry models.QueueEntry
		if json.Unmarshal([]byte(raw), &entry) != nil || entry.UserID != userID {
			continue
		}
		n, err := s.rdb.LRem(ctx, queueKey, 1, raw).Result()
		if err != nil {
			return false, errors.Wrapf(err, "remove %s from %s", userID, queueKey)
		}
		return n > 0, nil
	}
	return false, nil
}

func (s *RedisPairingStore) QueueEntries(ctx context.Context, queueKey string) ([]models.QueueEntry, error) {
	raws, err := s.rdb.LRange(ctx, queueKey, 0, -1).Result()
	if err != nil {
		return nil, errors.Wrapf(err, "scan %s", queueKey)
	}
	entries := make([]models.QueueEntry, 0, len(raws))
	// head is newest; walk backwards so the result is oldest first
	for i := len(raws) - 1; i >= 0; i-- {
		var entry models.QueueEntry
		if err := json.Unmarshal([]byte(raws[i]), &entry); err != nil {
			continue
		}
		entries = append(entries, entry)
	}
	return entries, nil
}

func (s *RedisPairingStore) QueueKeys(ctx context.Context) ([]string, error) {
	var keys []string
	iter := s.rdb.Scan(ctx, 0, config.QueuePrefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	return keys, errors.Wrap(iter.Err(), "scan queue keys")
}

func (s *RedisPairingStore) ClaimRoom(ctx context.Context, room models.ActiveRoom, ttl time.Duration) error {
	raw, err := json.Marshal(room)
	if err != nil {
		return errors.Wrap(err, "marshal room")
	}

	keys := []string{room.RoomID, userRoomKey(room.User1ID), userRoomKey(room.User2ID)}
	res, err := luaClaimRoom.Run(ctx, s.rdb, keys, raw, ttl.Milliseconds(), room.RoomID).Int()
	if err != nil {
		return errors.Wrapf(err, "claim room %s", room.RoomID)
	}
	switch res {
	case 0:
		return ErrRequesterPaired
	case -1:
		return ErrPartnerPaired
	}
	return nil
}

func (s *RedisPairingStore) getRoomRaw(ctx context.Context, roomID string) (string, *models.ActiveRoom, error) {
	raw, err := s.rdb.Get(ctx, roomID).Result()
	if errors.Is(err, redis.Nil) {
		return "", nil, ErrRoomNotFound
	}
	if err != nil {
		return "", nil, errors.Wrapf(err, "get room %s", roomID)
	}

	var room models.ActiveRoom
	if err := json.Unmarshal([]byte(raw), &room); err != nil {
		return "", nil, errors.Wrapf(err, "decode room %s", roomID)
	}
	if room.RoomID == "" {
		room.RoomID = roomID
	}
	return raw, &room, nil
}

func (s *RedisPairingStore) GetRoom(ctx context.Context, roomID string) (*models.ActiveRoom, error) {
	_, room, err := s.getRoomRaw(ctx, roomID)
	return room, err
}

func (s *RedisPairingStore) TakeRoom(ctx context.Context, roomID string) (*models.ActiveRoom, error) {
	raw, room, err := s.getRoomRaw(ctx, roomID)
	if err != nil {
		return nil, err
	}

	keys := []string{roomID, userRoomKey(room.User1ID), userRoomKey(room.User2ID)}
	res, err := luaTakeRoom.Run(ctx, s.rdb, keys, roomID, raw).Int()
	if err != nil {
		return nil, errors.Wrapf(err, "take room %s", roomID)
	}
	if res == 0 {
		return nil, ErrRoomNotFound
	}
	return room, nil
}

func (s *RedisPairingStore) DeleteRoom(ctx context.Context, roomID string) error {
	_, err := s.TakeRoom(ctx, roomID)
	if errors.Is(err, ErrRoomNotFound) {
		return nil
	}
	return err
}

func (s *RedisPairingStore) RoomIDForUser(ctx context.Context, userID string) (string, error) {
	key := userRoomKey(userID)
	roomID, err := s.rdb.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	if err != nil {
		return "", errors.Wrapf(err, "get room marker for %s", userID)
	}

	n, err := s.rdb.Exists(ctx, roomID).Result()
	if err != nil {
		return "", errors.Wrapf(err, "check room %s", roomID)
	}
	if n == 0 {
		// marker outlived its room; drop it so the user can be paired again
		s.rdb.Del(ctx, key)
		return "", nil
	}
	return roomID, nil
}
