package chathub

import (
	"context"
	"sync"
	"time"

	"anonchat/backend/internal/models"
	"anonchat/backend/internal/storage"

	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// TimestampLayout is the wire format of every timestamp the relay emits.
const TimestampLayout = "2006-01-02T15:04:05.000Z"

const (
	defaultSenderName  = "Anonymous"
	unknownMemberName  = "Unknown"
	timeoutCallTimeout = 5 * time.Second

	// DefaultClaimGrace bounds how long a timed-out search waits for a claim
	// on its already popped entry.
	DefaultClaimGrace = 250 * time.Millisecond
	claimPollInterval = 25 * time.Millisecond
)

var (
	// ErrPremiumRequired rejects a gender-filtered search from a non-premium user.
	ErrPremiumRequired = errors.New("gender preference requires premium")
	// ErrAlreadyInRoom rejects a search from a user who is still in a live room.
	ErrAlreadyInRoom = errors.New("already in a chat")
	// ErrNotGroupMember rejects group traffic from outsiders.
	ErrNotGroupMember = errors.New("not a member of this group")
	// ErrNotFriend rejects friend traffic on a friendship the sender is not part of.
	ErrNotFriend = errors.New("not a participant of this friendship")

	errNotInRoom = errors.New("not a participant of this room")
)

// clientMessages are the texts sent back in "error" events.
var clientMessages = map[error]string{
	models.ErrInvalidJSON:    "Invalid JSON",
	models.ErrMalformedEvent: "Invalid message payload",
	ErrPremiumRequired:       "Gender preference matching requires premium",
	ErrAlreadyInRoom:         "Already in a chat",
	ErrNotGroupMember:        "Not a member of this group",
	ErrNotFriend:             "Not a participant of this friendship",
}

// RelayConfig holds the search timings.
type RelayConfig struct {
	RetryInterval time.Duration
	Timeout       time.Duration
	// ClaimGrace defaults to DefaultClaimGrace.
	ClaimGrace time.Duration
}

// Relay interprets client events and drives each user through
// Idle, Searching and Matched.
type Relay struct {
	registry *Registry
	matcher  *MatcherService
	chats    storage.ChatStore
	sessions *sessionTable

	retryInterval time.Duration
	timeout       time.Duration
	claimGrace    time.Duration
	now           func() time.Time
	log           *zap.Logger

	ctx  context.Context
	stop context.CancelFunc
	wg   sync.WaitGroup
}

func NewRelay(registry *Registry, matcher *MatcherService, chats storage.ChatStore, cfg RelayConfig, log *zap.Logger) *Relay {
	ctx, stop := context.WithCancel(context.Background())
	matcher.SetPresence(registry.Reachable)
	if cfg.ClaimGrace <= 0 {
		cfg.ClaimGrace = DefaultClaimGrace
	}
	return &Relay{
		registry:      registry,
		matcher:       matcher,
		chats:         chats,
		sessions:      newSessionTable(),
		retryInterval: cfg.RetryInterval,
		timeout:       cfg.Timeout,
		claimGrace:    cfg.ClaimGrace,
		now:           time.Now,
		log:           log,
		ctx:           ctx,
		stop:          stop,
	}
}

// Close stops every running search and waits for the search goroutines to exit.
// Queue entries are left to go stale.
func (r *Relay) Close() {
	r.stop()
	r.sessions.cancelAll()
	r.wg.Wait()
}

// Dispatch handles one raw frame from the user. Errors are reported to the
// sender only; nothing here closes the connection.
func (r *Relay) Dispatch(ctx context.Context, id models.Identity, frame []byte) {
	ev, err := models.ParseEvent(frame)
	if err == nil {
		err = r.Handle(ctx, id, ev)
	}
	if err != nil {
		r.reportError(id.UserID, err)
	}
}

// Handle performs the state transition for a parsed event.
func (r *Relay) Handle(ctx context.Context, id models.Identity, ev models.InboundEvent) error {
	switch e := ev.(type) {
	case *models.JoinSearch:
		return r.join(ctx, id, e)
	case *models.CancelSearch:
		return r.cancel(ctx, id.UserID)
	case *models.ChatMessage:
		return r.chatMessage(ctx, id.UserID, e)
	case *models.ChatTyping:
		return r.chatTyping(ctx, id.UserID, e)
	case *models.ChatEnd:
		return r.chatEnd(ctx, id.UserID, e)
	case *models.GroupMessage:
		return r.groupMessage(ctx, id.UserID, e)
	case *models.GroupTyping:
		return r.groupTyping(ctx, id.UserID, e)
	case *models.FriendMessage:
		return r.friendMessage(ctx, id.UserID, e)
	case *models.FriendTyping:
		return r.friendTyping(ctx, id.UserID, e)
	default:
		return &models.UnknownEventError{Type: ev.EventType()}
	}
}

func (r *Relay) reportError(userID string, err error) {
	var unknown *models.UnknownEventError
	if errors.As(err, &unknown) {
		r.registry.SendTo(userID, models.NewErrorEvent(unknown.Error()))
		return
	}
	for target, msg := range clientMessages {
		if errors.Is(err, target) {
			r.registry.SendTo(userID, models.NewErrorEvent(msg))
			return
		}
	}

	// stale references are silent no-ops
	if errors.Is(err, storage.ErrRoomNotFound) || errors.Is(err, storage.ErrNotFound) || errors.Is(err, errNotInRoom) {
		r.log.Debug("ignored event for stale reference", zap.String("user_id", userID), zap.Error(err))
		return
	}

	r.log.Error("event handling failed", zap.String("user_id", userID), zap.Error(err))
	r.registry.SendTo(userID, models.NewErrorEvent("Internal server error"))
}

func (r *Relay) timestamp(t time.Time) string {
	if t.IsZero() {
		t = r.now()
	}
	return t.UTC().Format(TimestampLayout)
}

// --- matchmaking ---

func (r *Relay) join(ctx context.Context, id models.Identity, ev *models.JoinSearch) error {
	if ev.GenderPreference != "" && !id.IsPremium {
		return ErrPremiumRequired
	}
	userID := id.UserID

	inRoom, err := r.inLiveRoom(ctx, userID)
	if err != nil {
		return err
	}
	if inRoom {
		return ErrAlreadyInRoom
	}

	// a second join while searching restarts the search
	var prevKey string
	r.sessions.peek(userID, func(s *userSession) { prevKey = s.stopSearch() })
	if prevKey != "" {
		if _, err := r.matcher.LeaveQueue(ctx, userID, prevKey); err != nil {
			r.log.Error("leave previous queue", zap.String("user_id", userID), zap.String("queue_key", prevKey), zap.Error(err))
		}
	}

	queueKey := QueueKey(ev.GenderPreference)
	searchCtx, cancel := context.WithCancel(r.ctx)
	gen := r.sessions.beginSearch(userID, queueKey, cancel)

	entry := models.QueueEntry{
		UserID:            userID,
		Gender:            id.Gender,
		Country:           id.Country,
		CountryPreference: ev.CountryPreference,
		IsPremium:         id.IsPremium,
	}
	if _, err := r.matcher.JoinQueue(ctx, entry, ev.GenderPreference); err != nil {
		r.sessions.peek(userID, func(s *userSession) {
			if s.current(gen) {
				s.stopSearch()
			}
		})
		return err
	}

	if r.attempt(searchCtx, userID, queueKey, gen) {
		return nil
	}

	r.wg.Add(1)
	go r.runSearch(searchCtx, userID, queueKey, gen)
	return nil
}

// inLiveRoom checks the local bookkeeping and the shared marker. A room that
// expired underneath the user is forgotten.
func (r *Relay) inLiveRoom(ctx context.Context, userID string) (bool, error) {
	var roomID string
	r.sessions.peek(userID, func(s *userSession) { roomID = s.roomID })
	if roomID != "" {
		room, err := r.matcher.GetActiveRoom(ctx, roomID)
		if err != nil {
			return false, err
		}
		if room != nil {
			return true, nil
		}
		r.sessions.peek(userID, func(s *userSession) { s.leaveRoom(roomID) })
	}

	marker, err := r.matcher.RoomIDForUser(ctx, userID)
	if err != nil {
		return false, err
	}
	return marker != "", nil
}

func (r *Relay) cancel(ctx context.Context, userID string) error {
	var queueKey string
	r.sessions.peek(userID, func(s *userSession) { queueKey = s.stopSearch() })
	if queueKey == "" {
		return nil
	}
	_, err := r.matcher.LeaveQueue(ctx, userID, queueKey)
	return err
}

func (r *Relay) isCurrent(userID string, gen uint64) bool {
	current := false
	r.sessions.peek(userID, func(s *userSession) { current = s.current(gen) })
	return current
}

// runSearch is the retry loop of one search. It ends on match, cancel or timeout.
func (r *Relay) runSearch(ctx context.Context, userID, queueKey string, gen uint64) {
	defer r.wg.Done()
	defer func() {
		if p := recover(); p != nil {
			r.log.Error("search loop panicked", zap.String("user_id", userID), zap.Any("panic", p))
		}
	}()

	ticker := time.NewTicker(r.retryInterval)
	defer ticker.Stop()
	deadline := time.NewTimer(r.timeout)
	defer deadline.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if r.attempt(ctx, userID, queueKey, gen) {
				return
			}
		case <-deadline.C:
			r.expire(ctx, userID, queueKey, gen)
			return
		}
	}
}

// attempt runs one matching round. It returns true when the search is over.
func (r *Relay) attempt(ctx context.Context, userID, queueKey string, gen uint64) bool {
	if !r.isCurrent(userID, gen) {
		return true
	}
	// paired by a requester on another node since the last round
	if r.adoptPairing(ctx, userID, gen) {
		return true
	}

	// store calls in flight are never interrupted; a cancelled search is noticed afterwards
	storeCtx := context.WithoutCancel(ctx)
	match, err := r.matcher.TryMatch(storeCtx, queueKey, userID)
	if errors.Is(err, storage.ErrRequesterPaired) {
		r.adoptPairing(storeCtx, userID, gen)
		return true
	}
	if err != nil {
		r.log.Error("match attempt failed", zap.String("user_id", userID), zap.String("queue_key", queueKey), zap.Error(err))
		return false
	}
	if match != nil {
		r.completeMatch(match.Room, userID)
		return true
	}

	if !r.isCurrent(userID, gen) {
		// cancelled while our own entry was popped and put back
		r.dropOrphanEntry(storeCtx, userID, queueKey)
		return true
	}
	return false
}

// dropOrphanEntry removes the user's entry from queueKey unless the user is
// searching in that queue again.
func (r *Relay) dropOrphanEntry(ctx context.Context, userID, queueKey string) {
	searching := false
	r.sessions.peek(userID, func(s *userSession) { searching = s.queueKey == queueKey })
	if searching {
		return
	}
	if _, err := r.matcher.LeaveQueue(ctx, userID, queueKey); err != nil {
		r.log.Error("drop orphan entry", zap.String("user_id", userID), zap.String("queue_key", queueKey), zap.Error(err))
	}
}

// completeMatch moves both participants into the room and tells them.
// Partners connected to another node pick the room up themselves.
func (r *Relay) completeMatch(room models.ActiveRoom, requesterID string) {
	for _, uid := range []string{room.User1ID, room.User2ID} {
		if uid != requesterID && !r.registry.IsOnline(uid) {
			continue
		}
		name := room.NameOf(uid)
		r.sessions.with(uid, func(s *userSession) {
			s.stopSearch()
			s.enterRoom(room.RoomID, name)
		})
	}

	for _, uid := range []string{room.User1ID, room.User2ID} {
		partnerID, _ := room.Partner(uid)
		r.registry.SendTo(uid, models.Event{
			Type: models.TypeMatchmakingMatched,
			Data: models.MatchedData{
				RoomID:        room.RoomID,
				AnonymousName: room.NameOf(uid),
				PartnerName:   room.NameOf(partnerID),
			},
		})
	}
}

// adoptPairing moves a user into the room its shared marker points at, without
// emitting anything: whoever created the room already notified both sides.
func (r *Relay) adoptPairing(ctx context.Context, userID string, gen uint64) bool {
	roomID, err := r.matcher.RoomIDForUser(ctx, userID)
	if err != nil || roomID == "" {
		return false
	}
	room, err := r.matcher.GetActiveRoom(ctx, roomID)
	if err != nil || room == nil {
		return false
	}

	r.sessions.with(userID, func(s *userSession) {
		if s.current(gen) {
			s.stopSearch()
		}
		s.enterRoom(room.RoomID, room.NameOf(userID))
	})
	return true
}

// expire ends a search that ran out of time. The timeout event goes out at most once.
func (r *Relay) expire(ctx context.Context, userID, queueKey string, gen uint64) {
	if !r.isCurrent(userID, gen) {
		return
	}
	callCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), timeoutCallTimeout)
	defer cancel()

	removed, err := r.matcher.LeaveQueue(callCtx, userID, queueKey)
	if err != nil {
		r.log.Error("leave queue on timeout", zap.String("user_id", userID), zap.String("queue_key", queueKey), zap.Error(err))
	} else if !removed && r.awaitClaim(callCtx, userID, queueKey, gen) {
		// the entry was consumed by a match that just landed
		return
	}

	fired := false
	r.sessions.peek(userID, func(s *userSession) {
		if s.current(gen) {
			s.stopSearch()
			fired = true
		}
	})
	if fired {
		r.log.Debug("search timed out", zap.String("user_id", userID), zap.String("queue_key", queueKey))
		r.registry.SendTo(userID, models.Event{Type: models.TypeMatchmakingTimeout})
	}
}

// awaitClaim is called when the user's entry is already gone from the queue:
// a requester elsewhere may have popped it and not claimed the room yet.
// The marker is polled for up to claimGrace before the search is given up.
func (r *Relay) awaitClaim(ctx context.Context, userID, queueKey string, gen uint64) bool {
	if r.adoptPairing(ctx, userID, gen) {
		return true
	}

	ticker := time.NewTicker(claimPollInterval)
	defer ticker.Stop()
	grace := time.NewTimer(r.claimGrace)
	defer grace.Stop()

	for {
		select {
		case <-ctx.Done():
			return false
		case <-ticker.C:
			if !r.isCurrent(userID, gen) {
				return false
			}
			if r.adoptPairing(ctx, userID, gen) {
				return true
			}
		case <-grace.C:
			if !r.isCurrent(userID, gen) {
				return false
			}
			if r.adoptPairing(ctx, userID, gen) {
				return true
			}
			// a requester that lost its own claim puts the entry back
			if _, err := r.matcher.LeaveQueue(ctx, userID, queueKey); err != nil {
				r.log.Error("leave queue after claim grace", zap.String("user_id", userID), zap.String("queue_key", queueKey), zap.Error(err))
			}
			return false
		}
	}
}

// --- anonymous rooms ---

func (r *Relay) participantRoom(ctx context.Context, userID, roomID string) (*models.ActiveRoom, string, error) {
	room, err := r.matcher.GetActiveRoom(ctx, roomID)
	if err != nil {
		return nil, "", err
	}
	if room == nil {
		return nil, "", storage.ErrRoomNotFound
	}
	partnerID, ok := room.Partner(userID)
	if !ok {
		return nil, "", errNotInRoom
	}
	return room, partnerID, nil
}

func (r *Relay) displayName(userID string, room *models.ActiveRoom) string {
	var name string
	r.sessions.peek(userID, func(s *userSession) { name = s.names[room.RoomID] })
	if name == "" {
		name = room.NameOf(userID)
	}
	if name == "" {
		name = defaultSenderName
	}
	return name
}

func (r *Relay) chatMessage(ctx context.Context, userID string, ev *models.ChatMessage) error {
	room, partnerID, err := r.participantRoom(ctx, userID, ev.RoomID)
	if err != nil {
		return err
	}
	r.registry.SendTo(partnerID, models.Event{
		Type: models.TypeChatMessage,
		Data: models.ChatMessageData{
			RoomID:     room.RoomID,
			Content:    ev.Content,
			SenderName: r.displayName(userID, room),
			Timestamp:  r.timestamp(time.Time{}),
		},
	})
	return nil
}

func (r *Relay) chatTyping(ctx context.Context, userID string, ev *models.ChatTyping) error {
	room, partnerID, err := r.participantRoom(ctx, userID, ev.RoomID)
	if err != nil {
		return err
	}
	r.registry.SendTo(partnerID, models.Event{
		Type: models.TypeChatTyping,
		Data: models.ChatTypingData{RoomID: room.RoomID, IsTyping: *ev.IsTyping},
	})
	return nil
}

func (r *Relay) chatEnd(ctx context.Context, userID string, ev *models.ChatEnd) error {
	if _, _, err := r.participantRoom(ctx, userID, ev.RoomID); err != nil {
		return err
	}
	room, err := r.matcher.EndRoom(ctx, ev.RoomID)
	if err != nil {
		return err
	}
	if room == nil {
		// the partner ended it first
		return nil
	}
	r.closeRoom(room, "")
	return nil
}

// closeRoom clears local bookkeeping of both participants and sends chat:ended
// to everyone except leaverID.
func (r *Relay) closeRoom(room *models.ActiveRoom, leaverID string) {
	for _, uid := range []string{room.User1ID, room.User2ID} {
		r.sessions.peek(uid, func(s *userSession) { s.leaveRoom(room.RoomID) })
	}
	for _, uid := range []string{room.User1ID, room.User2ID} {
		if uid == leaverID {
			continue
		}
		partnerID, _ := room.Partner(uid)
		r.registry.SendTo(uid, models.Event{
			Type: models.TypeChatEnded,
			Data: models.ChatEndedData{RoomID: room.RoomID, CanAddFriend: true, PartnerID: partnerID},
		})
	}
	r.log.Info("room closed", zap.String("room_id", room.RoomID), zap.String("leaver_id", leaverID))
}

// --- groups and friends ---

func (r *Relay) groupRecipients(ctx context.Context, userID, groupID string) ([]string, *models.GroupMember, error) {
	members, err := r.chats.GetGroupMembers(ctx, groupID)
	if err != nil {
		return nil, nil, err
	}

	var self *models.GroupMember
	others := make([]string, 0, len(members))
	for i := range members {
		if members[i].UserID == userID {
			self = &members[i]
			continue
		}
		others = append(others, members[i].UserID)
	}
	if self == nil {
		return nil, nil, ErrNotGroupMember
	}
	return others, self, nil
}

func (r *Relay) groupMessage(ctx context.Context, userID string, ev *models.GroupMessage) error {
	recipients, self, err := r.groupRecipients(ctx, userID, ev.GroupID)
	if err != nil {
		return err
	}
	msg, err := r.chats.SaveGroupMessage(ctx, userID, ev.GroupID, ev.Content)
	if err != nil {
		return err
	}

	senderName := self.User.Name
	if senderName == "" {
		senderName = unknownMemberName
	}
	r.registry.Broadcast(recipients, models.Event{
		Type: models.TypeGroupMessage,
		Data: models.GroupMessageData{
			GroupID:    ev.GroupID,
			Content:    ev.Content,
			SenderID:   userID,
			SenderName: senderName,
			MessageID:  msg.ID,
			Timestamp:  r.timestamp(msg.CreatedAt),
		},
	})
	return nil
}

func (r *Relay) groupTyping(ctx context.Context, userID string, ev *models.GroupTyping) error {
	recipients, _, err := r.groupRecipients(ctx, userID, ev.GroupID)
	if err != nil {
		return err
	}
	r.registry.Broadcast(recipients, models.Event{
		Type: models.TypeGroupTyping,
		Data: models.GroupTypingData{GroupID: ev.GroupID, UserID: userID, IsTyping: *ev.IsTyping},
	})
	return nil
}

func (r *Relay) friendOf(ctx context.Context, userID, friendshipID string) (string, error) {
	f, err := r.chats.GetFriendship(ctx, friendshipID)
	if err != nil {
		return "", err
	}
	friendID, ok := f.Counterpart(userID)
	if !ok || f.Status != models.FriendshipAccepted {
		return "", ErrNotFriend
	}
	return friendID, nil
}

func (r *Relay) friendMessage(ctx context.Context, userID string, ev *models.FriendMessage) error {
	friendID, err := r.friendOf(ctx, userID, ev.FriendshipID)
	if err != nil {
		return err
	}
	msg, err := r.chats.SaveFriendMessage(ctx, userID, ev.FriendshipID, ev.Content)
	if err != nil {
		return err
	}
	r.registry.SendTo(friendID, models.Event{
		Type: models.TypeFriendMessage,
		Data: models.FriendMessageData{
			FriendshipID: ev.FriendshipID,
			Content:      ev.Content,
			SenderID:     userID,
			MessageID:    msg.ID,
			Timestamp:    r.timestamp(msg.CreatedAt),
		},
	})
	return nil
}

func (r *Relay) friendTyping(ctx context.Context, userID string, ev *models.FriendTyping) error {
	friendID, err := r.friendOf(ctx, userID, ev.FriendshipID)
	if err != nil {
		return err
	}
	r.registry.SendTo(friendID, models.Event{
		Type: models.TypeFriendTyping,
		Data: models.FriendTypingData{FriendshipID: ev.FriendshipID, IsTyping: *ev.IsTyping},
	})
	return nil
}
