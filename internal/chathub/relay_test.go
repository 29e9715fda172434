package chathub_test

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"anonchat/backend/internal/chathub"
	"anonchat/backend/internal/models"
	"anonchat/backend/internal/storage"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

const (
	waitFor = 2 * time.Second
	tick    = 10 * time.Millisecond
)

type relayHarness struct {
	mr       *miniredis.Miniredis
	store    *storage.RedisPairingStore
	registry *chathub.Registry
	matcher  *chathub.MatcherService
	relay    *chathub.Relay
	chats    *MockChatStore
}

func newRelayHarness(t *testing.T, retry, timeout time.Duration) *relayHarness {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	log := zap.NewNop()
	h := &relayHarness{
		mr:       mr,
		store:    storage.NewRedisPairingStore(rdb),
		registry: chathub.NewRegistry(log),
		chats:    new(MockChatStore),
	}
	h.matcher = chathub.NewMatcherService(h.store, 2*time.Hour, time.Minute, log)
	h.relay = chathub.NewRelay(h.registry, h.matcher, h.chats, chathub.RelayConfig{RetryInterval: retry, Timeout: timeout}, log)
	t.Cleanup(h.relay.Close)
	return h
}

func (h *relayHarness) connect(c *MockClient) *MockClient {
	h.registry.Register(c)
	return c
}

func (h *relayHarness) send(c *MockClient, eventType string, data any) {
	frame, _ := json.Marshal(map[string]any{"type": eventType, "data": data})
	h.relay.Dispatch(context.Background(), c.Identity(), frame)
}

func (h *relayHarness) queueLen(t *testing.T, key string) int {
	t.Helper()
	entries, err := h.store.QueueEntries(context.Background(), key)
	require.NoError(t, err)
	return len(entries)
}

// pair connects two users and matches them, returning the room id.
func (h *relayHarness) pair(t *testing.T, a, b *MockClient) string {
	t.Helper()
	h.send(a, models.TypeMatchmakingJoin, map[string]any{})
	h.send(b, models.TypeMatchmakingJoin, map[string]any{})

	require.Eventually(t, func() bool {
		return a.CountOf(models.TypeMatchmakingMatched) == 1 && b.CountOf(models.TypeMatchmakingMatched) == 1
	}, waitFor, tick)
	return decodeData[models.MatchedData](a.EventsOf(models.TypeMatchmakingMatched)[0]).RoomID
}

func lastError(c *MockClient) string {
	errs := c.EventsOf(models.TypeError)
	if len(errs) == 0 {
		return ""
	}
	return decodeData[models.ErrorData](errs[len(errs)-1]).Message
}

func TestRelay_GenderPreferenceRequiresPremium(t *testing.T) {
	h := newRelayHarness(t, time.Hour, time.Hour)
	u1 := h.connect(newMockClient("U1"))

	h.send(u1, models.TypeMatchmakingJoin, map[string]any{"genderPreference": "female"})

	assert.Equal(t, "Gender preference matching requires premium", lastError(u1))
	keys, err := h.store.QueueKeys(context.Background())
	require.NoError(t, err)
	assert.Empty(t, keys, "no queue was touched")
}

func TestRelay_PremiumUserJoinsFilteredQueue(t *testing.T) {
	h := newRelayHarness(t, time.Hour, time.Hour)
	u1 := h.connect(newPremiumClient("U1"))

	h.send(u1, models.TypeMatchmakingJoin, map[string]any{"genderPreference": "female", "countryPreference": "UA"})

	assert.Empty(t, u1.EventsOf(models.TypeError))
	entries, err := h.store.QueueEntries(context.Background(), "matchmaking:queue:female")
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "UA", entries[0].CountryPreference)
	assert.True(t, entries[0].IsPremium)
}

func TestRelay_TwoUsersMatch(t *testing.T) {
	h := newRelayHarness(t, time.Hour, time.Hour)
	u1 := h.connect(newMockClient("U1"))
	u2 := h.connect(newMockClient("U2"))

	h.send(u1, models.TypeMatchmakingJoin, map[string]any{})
	assert.Equal(t, 1, h.queueLen(t, randomKey))
	assert.Empty(t, u1.Events())

	h.send(u2, models.TypeMatchmakingJoin, map[string]any{})

	require.Equal(t, 1, u1.CountOf(models.TypeMatchmakingMatched))
	require.Equal(t, 1, u2.CountOf(models.TypeMatchmakingMatched))
	m1 := decodeData[models.MatchedData](u1.EventsOf(models.TypeMatchmakingMatched)[0])
	m2 := decodeData[models.MatchedData](u2.EventsOf(models.TypeMatchmakingMatched)[0])

	assert.Equal(t, m1.RoomID, m2.RoomID)
	assert.NotEqual(t, m1.AnonymousName, m2.AnonymousName)
	assert.Equal(t, m1.AnonymousName, m2.PartnerName)
	assert.Equal(t, m2.AnonymousName, m1.PartnerName)

	assert.Equal(t, 0, h.queueLen(t, randomKey), "U1's entry no longer exists")
	assert.True(t, h.mr.Exists(m1.RoomID))
}

func TestRelay_MatchFoundOnRetry(t *testing.T) {
	h := newRelayHarness(t, 20*time.Millisecond, time.Hour)
	u1 := h.connect(newMockClient("U1"))
	u2 := h.connect(newMockClient("U2"))

	h.send(u1, models.TypeMatchmakingJoin, map[string]any{})

	// U2 lands at the oldest end without searching itself; U1's next tick must find it
	err := h.store.RestoreOldest(context.Background(), randomKey, models.QueueEntry{UserID: "U2", Timestamp: time.Now().UnixMilli()})
	require.NoError(t, err)

	assert.Eventually(t, func() bool {
		return u1.CountOf(models.TypeMatchmakingMatched) == 1 && u2.CountOf(models.TypeMatchmakingMatched) == 1
	}, waitFor, tick)
	assert.Equal(t, 0, h.queueLen(t, randomKey))
}

func TestRelay_Cancel(t *testing.T) {
	h := newRelayHarness(t, time.Hour, 100*time.Millisecond)
	u1 := h.connect(newMockClient("U1"))

	h.send(u1, models.TypeMatchmakingJoin, map[string]any{})
	h.send(u1, models.TypeMatchmakingCancel, nil)
	assert.Equal(t, 0, h.queueLen(t, randomKey))

	// timers were stopped with the search
	time.Sleep(250 * time.Millisecond)
	assert.Empty(t, u1.Events())

	// cancelling again is a no-op
	h.send(u1, models.TypeMatchmakingCancel, nil)
	assert.Empty(t, u1.Events())
}

func TestRelay_TimeoutFiresOnce(t *testing.T) {
	h := newRelayHarness(t, 10*time.Millisecond, 80*time.Millisecond)
	u1 := h.connect(newMockClient("U1"))

	h.send(u1, models.TypeMatchmakingJoin, map[string]any{})

	assert.Eventually(t, func() bool { return u1.CountOf(models.TypeMatchmakingTimeout) == 1 }, waitFor, tick)
	time.Sleep(200 * time.Millisecond)
	assert.Equal(t, 1, u1.CountOf(models.TypeMatchmakingTimeout))
	assert.Equal(t, 0, h.queueLen(t, randomKey))
}

func TestRelay_TimeoutAfterMatchIsNoop(t *testing.T) {
	h := newRelayHarness(t, 10*time.Millisecond, 100*time.Millisecond)
	u1 := h.connect(newMockClient("U1"))
	u2 := h.connect(newMockClient("U2"))

	h.pair(t, u1, u2)

	time.Sleep(250 * time.Millisecond)
	assert.Zero(t, u1.CountOf(models.TypeMatchmakingTimeout))
	assert.Zero(t, u2.CountOf(models.TypeMatchmakingTimeout))
}

func TestRelay_TimeoutWaitsForClaimOnPoppedEntry(t *testing.T) {
	h := newRelayHarness(t, time.Hour, 100*time.Millisecond)
	u1 := h.connect(newMockClient("U1"))
	ctx := context.Background()

	h.send(u1, models.TypeMatchmakingJoin, map[string]any{})

	// a requester on another node pops U1 and is slow to claim
	popped, err := h.store.PopOldest(ctx, randomKey)
	require.NoError(t, err)
	require.Equal(t, "U1", popped.UserID)

	time.Sleep(150 * time.Millisecond)
	room := models.ActiveRoom{
		RoomID:  "room:late",
		User1ID: "remote",
		User2ID: "U1",
		Names:   map[string]string{"remote": "Calm Owl", "U1": "Brave Fox"},
	}
	require.NoError(t, h.matcher.SetActiveRoom(ctx, room))

	time.Sleep(chathub.DefaultClaimGrace + 100*time.Millisecond)
	assert.Zero(t, u1.CountOf(models.TypeMatchmakingTimeout), "the late claim wins over the timeout")

	h.send(u1, models.TypeMatchmakingJoin, map[string]any{})
	assert.Equal(t, "Already in a chat", lastError(u1))
}

func TestRelay_TimeoutFiresWhenPoppedEntryIsNeverClaimed(t *testing.T) {
	h := newRelayHarness(t, time.Hour, 50*time.Millisecond)
	u1 := h.connect(newMockClient("U1"))
	ctx := context.Background()

	h.send(u1, models.TypeMatchmakingJoin, map[string]any{})
	_, err := h.store.PopOldest(ctx, randomKey)
	require.NoError(t, err)

	// the popping requester gave up and put the entry back
	time.Sleep(80 * time.Millisecond)
	require.NoError(t, h.store.RestoreOldest(ctx, randomKey, models.QueueEntry{UserID: "U1", Timestamp: time.Now().UnixMilli()}))

	assert.Eventually(t, func() bool { return u1.CountOf(models.TypeMatchmakingTimeout) == 1 }, waitFor, tick)
	assert.Equal(t, 0, h.queueLen(t, randomKey), "the restored entry does not outlive the search")
	assert.Zero(t, u1.CountOf(models.TypeMatchmakingMatched))
}

func TestRelay_RejoinWhileSearchingRestarts(t *testing.T) {
	h := newRelayHarness(t, time.Hour, 100*time.Millisecond)
	u1 := h.connect(newPremiumClient("U1"))

	h.send(u1, models.TypeMatchmakingJoin, map[string]any{})
	h.send(u1, models.TypeMatchmakingJoin, map[string]any{"genderPreference": "male"})

	assert.Equal(t, 0, h.queueLen(t, randomKey))
	assert.Equal(t, 1, h.queueLen(t, "matchmaking:queue:male"))

	assert.Eventually(t, func() bool { return u1.CountOf(models.TypeMatchmakingTimeout) == 1 }, waitFor, tick)
	time.Sleep(200 * time.Millisecond)
	assert.Equal(t, 1, u1.CountOf(models.TypeMatchmakingTimeout), "the first search left no timer behind")
}

func TestRelay_JoinWhileMatchedIsRejected(t *testing.T) {
	h := newRelayHarness(t, time.Hour, time.Hour)
	u1 := h.connect(newMockClient("U1"))
	u2 := h.connect(newMockClient("U2"))
	h.pair(t, u1, u2)

	h.send(u1, models.TypeMatchmakingJoin, map[string]any{})

	assert.Equal(t, "Already in a chat", lastError(u1))
	assert.Equal(t, 0, h.queueLen(t, randomKey))
}

func TestRelay_ChatMessageGoesToPartnerOnly(t *testing.T) {
	h := newRelayHarness(t, time.Hour, time.Hour)
	u1 := h.connect(newMockClient("U1"))
	u2 := h.connect(newMockClient("U2"))
	roomID := h.pair(t, u1, u2)
	myName := decodeData[models.MatchedData](u1.EventsOf(models.TypeMatchmakingMatched)[0]).AnonymousName

	h.send(u1, models.TypeChatMessage, map[string]any{"roomId": roomID, "content": "hello"})

	require.Equal(t, 1, u2.CountOf(models.TypeChatMessage))
	msg := decodeData[models.ChatMessageData](u2.EventsOf(models.TypeChatMessage)[0])
	assert.Equal(t, roomID, msg.RoomID)
	assert.Equal(t, "hello", msg.Content)
	assert.Equal(t, myName, msg.SenderName)
	_, err := time.Parse(chathub.TimestampLayout, msg.Timestamp)
	assert.NoError(t, err)

	assert.Zero(t, u1.CountOf(models.TypeChatMessage))
}

func TestRelay_ChatTyping(t *testing.T) {
	h := newRelayHarness(t, time.Hour, time.Hour)
	u1 := h.connect(newMockClient("U1"))
	u2 := h.connect(newMockClient("U2"))
	roomID := h.pair(t, u1, u2)

	h.send(u2, models.TypeChatTyping, map[string]any{"roomId": roomID, "isTyping": false})

	require.Equal(t, 1, u1.CountOf(models.TypeChatTyping))
	typing := decodeData[models.ChatTypingData](u1.EventsOf(models.TypeChatTyping)[0])
	assert.Equal(t, roomID, typing.RoomID)
	assert.False(t, typing.IsTyping)
}

func TestRelay_OutsiderCannotUseRoom(t *testing.T) {
	h := newRelayHarness(t, time.Hour, time.Hour)
	u1 := h.connect(newMockClient("U1"))
	u2 := h.connect(newMockClient("U2"))
	u3 := h.connect(newMockClient("U3"))
	roomID := h.pair(t, u1, u2)

	h.send(u3, models.TypeChatMessage, map[string]any{"roomId": roomID, "content": "intruder"})
	h.send(u3, models.TypeChatEnd, map[string]any{"roomId": roomID})

	assert.Zero(t, u1.CountOf(models.TypeChatMessage))
	assert.Zero(t, u2.CountOf(models.TypeChatMessage))
	assert.Zero(t, u1.CountOf(models.TypeChatEnded))
	assert.Empty(t, u3.Events())
	assert.True(t, h.mr.Exists(roomID))
}

func TestRelay_StaleRoomIsSilent(t *testing.T) {
	h := newRelayHarness(t, time.Hour, time.Hour)
	u1 := h.connect(newMockClient("U1"))

	h.send(u1, models.TypeChatMessage, map[string]any{"roomId": "room:gone", "content": "hi"})
	h.send(u1, models.TypeChatEnd, map[string]any{"roomId": "room:gone"})

	assert.Empty(t, u1.Events())
}

func TestRelay_ChatEndIsSymmetric(t *testing.T) {
	h := newRelayHarness(t, time.Hour, time.Hour)
	u1 := h.connect(newMockClient("A"))
	u2 := h.connect(newMockClient("B"))
	roomID := h.pair(t, u1, u2)

	h.send(u1, models.TypeChatEnd, map[string]any{"roomId": roomID})

	require.Equal(t, 1, u1.CountOf(models.TypeChatEnded))
	require.Equal(t, 1, u2.CountOf(models.TypeChatEnded))
	endedA := decodeData[models.ChatEndedData](u1.EventsOf(models.TypeChatEnded)[0])
	endedB := decodeData[models.ChatEndedData](u2.EventsOf(models.TypeChatEnded)[0])
	assert.Equal(t, "B", endedA.PartnerID)
	assert.Equal(t, "A", endedB.PartnerID)
	assert.True(t, endedA.CanAddFriend)
	assert.Equal(t, roomID, endedB.RoomID)

	room, err := h.matcher.GetActiveRoom(context.Background(), roomID)
	require.NoError(t, err)
	assert.Nil(t, room)

	// B ending the same room again changes nothing
	h.send(u2, models.TypeChatEnd, map[string]any{"roomId": roomID})
	assert.Equal(t, 1, u1.CountOf(models.TypeChatEnded))
	assert.Equal(t, 1, u2.CountOf(models.TypeChatEnded))

	// both are free to search again
	h.send(u1, models.TypeMatchmakingJoin, map[string]any{})
	assert.Empty(t, u1.EventsOf(models.TypeError))
}

func TestRelay_ErrorsGoToSenderOnly(t *testing.T) {
	h := newRelayHarness(t, time.Hour, time.Hour)
	u1 := h.connect(newMockClient("U1"))
	u2 := h.connect(newMockClient("U2"))

	h.send(u1, "foo:bar", map[string]any{})
	assert.Equal(t, "Unknown message type: foo:bar", lastError(u1))

	h.relay.Dispatch(context.Background(), u1.Identity(), []byte("{not json"))
	assert.Equal(t, "Invalid JSON", lastError(u1))

	h.send(u1, models.TypeChatMessage, map[string]any{"content": "no room"})
	assert.Equal(t, "Invalid message payload", lastError(u1))

	h.send(u1, models.TypeChatTyping, map[string]any{"roomId": "room:x"})
	assert.Equal(t, "Invalid message payload", lastError(u1))

	assert.Len(t, u1.EventsOf(models.TypeError), 4)
	assert.Empty(t, u2.Events())
}

func TestRelay_PartnerOfflineAfterPopKeepsSearching(t *testing.T) {
	h := newRelayHarness(t, time.Hour, time.Hour)
	u2 := h.connect(newMockClient("U2"))

	// U1's entry is left behind by a connection that is gone
	_, err := h.matcher.JoinQueue(context.Background(), models.QueueEntry{UserID: "U1"}, "")
	require.NoError(t, err)

	h.send(u2, models.TypeMatchmakingJoin, map[string]any{})

	assert.Zero(t, u2.CountOf(models.TypeMatchmakingMatched))
	roomID, err := h.matcher.RoomIDForUser(context.Background(), "U2")
	require.NoError(t, err)
	assert.Empty(t, roomID, "the room with the offline partner was released")

	entries, err := h.store.QueueEntries(context.Background(), randomKey)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "U2", entries[0].UserID)
}

func TestRelay_AdoptsRoomCreatedElsewhere(t *testing.T) {
	h := newRelayHarness(t, 10*time.Millisecond, 150*time.Millisecond)
	u1 := h.connect(newMockClient("U1"))

	h.send(u1, models.TypeMatchmakingJoin, map[string]any{})

	// a requester on another node pairs U1 with a remote user
	room := models.ActiveRoom{
		RoomID:  "room:remote",
		User1ID: "remote",
		User2ID: "U1",
		Names:   map[string]string{"remote": "Calm Owl", "U1": "Brave Fox"},
	}
	require.NoError(t, h.matcher.SetActiveRoom(context.Background(), room))

	// adoption stops the search, so the timeout never fires and nothing is re-announced
	time.Sleep(300 * time.Millisecond)
	assert.Zero(t, u1.CountOf(models.TypeMatchmakingTimeout))
	assert.Zero(t, u1.CountOf(models.TypeMatchmakingMatched))

	h.send(u1, models.TypeMatchmakingJoin, map[string]any{})
	assert.Equal(t, "Already in a chat", lastError(u1))

	remote := h.connect(newMockClient("remote"))
	h.send(remote, models.TypeChatMessage, map[string]any{"roomId": "room:remote", "content": "hey"})
	require.Equal(t, 1, u1.CountOf(models.TypeChatMessage))
	assert.Equal(t, "Calm Owl", decodeData[models.ChatMessageData](u1.EventsOf(models.TypeChatMessage)[0]).SenderName)
}

func TestRelay_GroupMessageFansOut(t *testing.T) {
	h := newRelayHarness(t, time.Hour, time.Hour)
	alice := h.connect(newMockClient("alice"))
	bob := h.connect(newMockClient("bob"))
	carol := h.connect(newMockClient("carol"))

	members := []models.GroupMember{
		{GroupID: "g1", UserID: "alice", User: models.User{ID: "alice", Name: "Alice"}},
		{GroupID: "g1", UserID: "bob"},
		{GroupID: "g1", UserID: "carol"},
	}
	sent := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	h.chats.On("GetGroupMembers", mock.Anything, "g1").Return(members, nil)
	h.chats.On("SaveGroupMessage", mock.Anything, "alice", "g1", "hi all").
		Return(&models.Message{ID: "m1", CreatedAt: sent}, nil).Once()

	h.send(alice, models.TypeGroupMessage, map[string]any{"groupId": "g1", "content": "hi all"})

	for _, c := range []*MockClient{bob, carol} {
		require.Equal(t, 1, c.CountOf(models.TypeGroupMessage))
		msg := decodeData[models.GroupMessageData](c.EventsOf(models.TypeGroupMessage)[0])
		assert.Equal(t, "Alice", msg.SenderName)
		assert.Equal(t, "alice", msg.SenderID)
		assert.Equal(t, "m1", msg.MessageID)
		assert.Equal(t, "2024-05-01T12:00:00.000Z", msg.Timestamp)
	}
	assert.Empty(t, alice.Events())

	h.send(bob, models.TypeGroupTyping, map[string]any{"groupId": "g1", "isTyping": true})
	require.Equal(t, 1, alice.CountOf(models.TypeGroupTyping))
	typing := decodeData[models.GroupTypingData](alice.EventsOf(models.TypeGroupTyping)[0])
	assert.Equal(t, "bob", typing.UserID)
	assert.True(t, typing.IsTyping)

	h.chats.AssertExpectations(t)
}

func TestRelay_GroupRejectsOutsiders(t *testing.T) {
	h := newRelayHarness(t, time.Hour, time.Hour)
	eve := h.connect(newMockClient("eve"))
	bob := h.connect(newMockClient("bob"))

	h.chats.On("GetGroupMembers", mock.Anything, "g1").Return([]models.GroupMember{{GroupID: "g1", UserID: "bob"}}, nil)
	h.chats.On("GetGroupMembers", mock.Anything, "gone").Return(nil, storage.ErrNotFound)

	h.send(eve, models.TypeGroupMessage, map[string]any{"groupId": "g1", "content": "let me in"})
	assert.Equal(t, "Not a member of this group", lastError(eve))
	assert.Empty(t, bob.Events())
	h.chats.AssertNotCalled(t, "SaveGroupMessage", mock.Anything, mock.Anything, mock.Anything, mock.Anything)

	h.send(bob, models.TypeGroupTyping, map[string]any{"groupId": "gone", "isTyping": true})
	assert.Empty(t, bob.Events(), "unknown group is a silent no-op")
}

func TestRelay_FriendMessage(t *testing.T) {
	h := newRelayHarness(t, time.Hour, time.Hour)
	alice := h.connect(newMockClient("alice"))
	bob := h.connect(newMockClient("bob"))

	accepted := &models.Friendship{ID: "f1", RequesterID: "alice", AddresseeID: "bob", Status: models.FriendshipAccepted}
	pending := &models.Friendship{ID: "f2", RequesterID: "alice", AddresseeID: "bob", Status: models.FriendshipPending}
	h.chats.On("GetFriendship", mock.Anything, "f1").Return(accepted, nil)
	h.chats.On("GetFriendship", mock.Anything, "f2").Return(pending, nil)
	h.chats.On("SaveFriendMessage", mock.Anything, "bob", "f1", "yo").
		Return(&models.Message{ID: "m7", CreatedAt: time.Now()}, nil).Once()

	h.send(bob, models.TypeFriendMessage, map[string]any{"friendshipId": "f1", "content": "yo"})
	require.Equal(t, 1, alice.CountOf(models.TypeFriendMessage))
	msg := decodeData[models.FriendMessageData](alice.EventsOf(models.TypeFriendMessage)[0])
	assert.Equal(t, "bob", msg.SenderID)
	assert.Equal(t, "m7", msg.MessageID)

	h.send(alice, models.TypeFriendTyping, map[string]any{"friendshipId": "f1", "isTyping": true})
	assert.Equal(t, 1, bob.CountOf(models.TypeFriendTyping))

	h.send(alice, models.TypeFriendMessage, map[string]any{"friendshipId": "f2", "content": "not yet"})
	assert.Equal(t, "Not a participant of this friendship", lastError(alice))
	assert.Zero(t, bob.CountOf(models.TypeFriendMessage))

	h.chats.AssertExpectations(t)
}
