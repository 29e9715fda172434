package chathub

import (
	"context"
	"strings"
	"time"

	"anonchat/backend/internal/config"
	"anonchat/backend/internal/models"
	"anonchat/backend/internal/storage"

	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// maxPopsPerAttempt bounds how many stale or already-paired entries one TryMatch
// will walk past before giving up until the next retry.
const maxPopsPerAttempt = 16

type popOutcome int

const (
	popEmpty popOutcome = iota
	popSelf
	popStale
	popFound
)

// MatcherService відповідає за алгоритм пошуку співрозмовників.
// All queue and room state lives in the PairingStore, so any number of
// MatcherServices on any number of nodes can work the same queues.
type MatcherService struct {
	store      storage.PairingStore
	roomTTL    time.Duration
	staleAfter time.Duration
	now        func() time.Time
	// present filters out entries of users with no live connection anywhere.
	present func(userID string) bool
	log     *zap.Logger
}

// NewMatcherService створює новий Matcher.
func NewMatcherService(store storage.PairingStore, roomTTL, staleAfter time.Duration, log *zap.Logger) *MatcherService {
	return &MatcherService{
		store:      store,
		roomTTL:    roomTTL,
		staleAfter: staleAfter,
		now:        time.Now,
		log:        log,
	}
}

// SetClock replaces the time source used for timestamps and staleness.
func (m *MatcherService) SetClock(now func() time.Time) {
	m.now = now
}

// SetPresence installs the liveness check applied to popped entries.
// Entries of absent users are discarded like stale ones.
func (m *MatcherService) SetPresence(present func(userID string) bool) {
	m.present = present
}

// QueueKey maps a gender preference to its queue partition.
func QueueKey(genderPreference string) string {
	pref := strings.ToLower(strings.TrimSpace(genderPreference))
	if pref == "" {
		pref = config.RandomQueue
	}
	return config.QueuePrefix + pref
}

// JoinQueue appends the entry to the partition for genderPreference and returns its key.
// The caller is responsible for the premium check.
func (m *MatcherService) JoinQueue(ctx context.Context, entry models.QueueEntry, genderPreference string) (string, error) {
	key := QueueKey(genderPreference)
	if entry.Timestamp == 0 {
		entry.Timestamp = m.now().UnixMilli()
	}
	if err := m.store.PushEntry(ctx, key, entry); err != nil {
		return "", err
	}
	m.log.Debug("joined queue", zap.String("user_id", entry.UserID), zap.String("queue_key", key))
	return key, nil
}

// LeaveQueue removes at most one entry for the user. It reports whether an entry was found.
func (m *MatcherService) LeaveQueue(ctx context.Context, userID, queueKey string) (bool, error) {
	return m.store.RemoveEntry(ctx, queueKey, userID)
}

// FindMatch pops the oldest entry of the queue. It returns nil when the queue is empty,
// when the oldest entry is the requester (who is put back in place), or when the
// oldest entry was stale (dropped for good).
func (m *MatcherService) FindMatch(ctx context.Context, queueKey, requesterID string) (*models.QueueEntry, error) {
	entry, _, err := m.popCandidate(ctx, queueKey, requesterID)
	return entry, err
}

func (m *MatcherService) popCandidate(ctx context.Context, queueKey, requesterID string) (*models.QueueEntry, popOutcome, error) {
	entry, err := m.store.PopOldest(ctx, queueKey)
	if errors.Is(err, storage.ErrCorruptEntry) {
		m.log.Warn("dropped corrupt queue entry", zap.String("queue_key", queueKey), zap.Error(err))
		return nil, popStale, nil
	}
	if err != nil {
		return nil, popEmpty, err
	}
	if entry == nil {
		return nil, popEmpty, nil
	}

	if entry.UserID == requesterID {
		if err := m.store.RestoreOldest(ctx, queueKey, *entry); err != nil {
			return nil, popSelf, errors.Wrap(err, "restore own entry")
		}
		return nil, popSelf, nil
	}

	if entry.Age(m.now()) > m.staleAfter {
		m.log.Debug("discarded stale entry",
			zap.String("user_id", entry.UserID),
			zap.String("queue_key", queueKey),
			zap.Duration("age", entry.Age(m.now())))
		return nil, popStale, nil
	}
	if m.present != nil && !m.present(entry.UserID) {
		m.log.Debug("discarded entry of offline user", zap.String("user_id", entry.UserID), zap.String("queue_key", queueKey))
		return nil, popStale, nil
	}
	return entry, popFound, nil
}

// SetActiveRoom stores a room and marks both participants as paired.
// It fails with storage.ErrRequesterPaired or storage.ErrPartnerPaired if either already is.
func (m *MatcherService) SetActiveRoom(ctx context.Context, room models.ActiveRoom) error {
	return m.store.ClaimRoom(ctx, room, m.roomTTL)
}

// GetActiveRoom returns the room, or nil if it is gone.
func (m *MatcherService) GetActiveRoom(ctx context.Context, roomID string) (*models.ActiveRoom, error) {
	room, err := m.store.GetRoom(ctx, roomID)
	if errors.Is(err, storage.ErrRoomNotFound) {
		return nil, nil
	}
	return room, err
}

// RemoveActiveRoom deletes the room if it still exists.
func (m *MatcherService) RemoveActiveRoom(ctx context.Context, roomID string) error {
	return m.store.DeleteRoom(ctx, roomID)
}

// EndRoom removes the room and returns it. Of several concurrent callers only one
// gets the room back; the rest get nil.
func (m *MatcherService) EndRoom(ctx context.Context, roomID string) (*models.ActiveRoom, error) {
	room, err := m.store.TakeRoom(ctx, roomID)
	if errors.Is(err, storage.ErrRoomNotFound) {
		return nil, nil
	}
	return room, err
}

// RoomIDForUser returns the id of the live room the user is paired in, or "".
func (m *MatcherService) RoomIDForUser(ctx context.Context, userID string) (string, error) {
	return m.store.RoomIDForUser(ctx, userID)
}

// TryMatch runs one matching attempt for the requester against queueKey. On success the
// room is claimed, the requester's own entry is removed and the match is returned.
// A nil match with nil error means "nobody suitable yet, retry later".
// storage.ErrRequesterPaired means someone else already paired the requester.
func (m *MatcherService) TryMatch(ctx context.Context, queueKey, requesterID string) (*models.Match, error) {
	for i := 0; i < maxPopsPerAttempt; i++ {
		partner, outcome, err := m.popCandidate(ctx, queueKey, requesterID)
		if err != nil {
			return nil, err
		}
		switch outcome {
		case popEmpty, popSelf:
			return nil, nil
		case popStale:
			continue
		}

		requesterName, partnerName := pairNames()
		room := models.ActiveRoom{
			RoomID:  GenerateRoomID(),
			User1ID: requesterID,
			User2ID: partner.UserID,
			Names: map[string]string{
				requesterID:    requesterName,
				partner.UserID: partnerName,
			},
			CreatedAt: m.now().UnixMilli(),
		}

		err = m.SetActiveRoom(ctx, room)
		switch {
		case errors.Is(err, storage.ErrPartnerPaired):
			// the partner's entry outlived its search; drop it and look further
			continue
		case errors.Is(err, storage.ErrRequesterPaired):
			// the partner keeps its place unless it is the one who paired us
			if rid, _ := m.store.RoomIDForUser(ctx, partner.UserID); rid == "" {
				if rerr := m.store.RestoreOldest(ctx, queueKey, *partner); rerr != nil {
					m.log.Error("restore partner entry", zap.String("user_id", partner.UserID), zap.Error(rerr))
				}
			}
			return nil, err
		case err != nil:
			if rerr := m.store.RestoreOldest(ctx, queueKey, *partner); rerr != nil {
				m.log.Error("restore partner entry", zap.String("user_id", partner.UserID), zap.Error(rerr))
			}
			return nil, err
		}

		if _, err := m.store.RemoveEntry(ctx, queueKey, requesterID); err != nil {
			m.log.Error("remove requester entry", zap.String("user_id", requesterID), zap.Error(err))
		}

		m.log.Info("match found",
			zap.String("room_id", room.RoomID),
			zap.String("user_id", requesterID),
			zap.String("partner_id", partner.UserID),
			zap.String("queue_key", queueKey))
		return &models.Match{Room: room, Partner: *partner}, nil
	}
	return nil, nil
}
