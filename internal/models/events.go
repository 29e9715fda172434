package models

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/go-playground/validator/v10"
	"github.com/pkg/errors"
)

// Inbound event types.
const (
	TypeMatchmakingJoin   = "matchmaking:join"
	TypeMatchmakingCancel = "matchmaking:cancel"
	TypeChatMessage       = "chat:message"
	TypeChatTyping        = "chat:typing"
	TypeChatEnd           = "chat:end"
	TypeGroupMessage      = "group:message"
	TypeGroupTyping       = "group:typing"
	TypeFriendMessage     = "friend:message"
	TypeFriendTyping      = "friend:typing"
)

// Outbound-only event types.
const (
	TypeMatchmakingMatched = "matchmaking:matched"
	TypeMatchmakingTimeout = "matchmaking:timeout"
	TypeChatEnded          = "chat:ended"
	TypeNotificationNew    = "notification:new"
	TypeError              = "error"
)

var (
	// ErrInvalidJSON means the frame was not JSON at all.
	ErrInvalidJSON = errors.New("invalid JSON")
	// ErrMalformedEvent means the envelope or its data did not have the expected shape.
	ErrMalformedEvent = errors.New("invalid message payload")
)

// UnknownEventError is returned by ParseEvent for a well-formed envelope with an unrecognized type.
type UnknownEventError struct {
	Type string
}

func (e *UnknownEventError) Error() string {
	return fmt.Sprintf("Unknown message type: %s", e.Type)
}

// Envelope is the wire shape of every frame in both directions.
type Envelope struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// InboundEvent is one of the recognized client events. The set is closed:
// only the types in this file implement it.
type InboundEvent interface {
	EventType() string
	inbound()
}

type JoinSearch struct {
	GenderPreference  string `json:"genderPreference,omitempty" validate:"omitempty,alphanum,max=32"`
	CountryPreference string `json:"countryPreference,omitempty" validate:"omitempty,alpha,max=64"`
}

type CancelSearch struct{}

type ChatMessage struct {
	RoomID  string `json:"roomId" validate:"required"`
	Content string `json:"content" validate:"required"`
}

type ChatTyping struct {
	RoomID   string `json:"roomId" validate:"required"`
	IsTyping *bool  `json:"isTyping" validate:"required"`
}

type ChatEnd struct {
	RoomID string `json:"roomId" validate:"required"`
}

type GroupMessage struct {
	GroupID string `json:"groupId" validate:"required"`
	Content string `json:"content" validate:"required"`
}

type GroupTyping struct {
	GroupID  string `json:"groupId" validate:"required"`
	IsTyping *bool  `json:"isTyping" validate:"required"`
}

type FriendMessage struct {
	FriendshipID string `json:"friendshipId" validate:"required"`
	Content      string `json:"content" validate:"required"`
}

type FriendTyping struct {
	FriendshipID string `json:"friendshipId" validate:"required"`
	IsTyping     *bool  `json:"isTyping" validate:"required"`
}

func (*JoinSearch) EventType() string    { return TypeMatchmakingJoin }
func (*CancelSearch) EventType() string  { return TypeMatchmakingCancel }
func (*ChatMessage) EventType() string   { return TypeChatMessage }
func (*ChatTyping) EventType() string    { return TypeChatTyping }
func (*ChatEnd) EventType() string       { return TypeChatEnd }
func (*GroupMessage) EventType() string  { return TypeGroupMessage }
func (*GroupTyping) EventType() string   { return TypeGroupTyping }
func (*FriendMessage) EventType() string { return TypeFriendMessage }
func (*FriendTyping) EventType() string  { return TypeFriendTyping }

func (*JoinSearch) inbound()    {}
func (*CancelSearch) inbound()  {}
func (*ChatMessage) inbound()   {}
func (*ChatTyping) inbound()    {}
func (*ChatEnd) inbound()       {}
func (*GroupMessage) inbound()  {}
func (*GroupTyping) inbound()   {}
func (*FriendMessage) inbound() {}
func (*FriendTyping) inbound()  {}

var validate = validator.New(validator.WithRequiredStructEnabled())

// ParseEvent decodes one client frame. It returns ErrInvalidJSON, ErrMalformedEvent
// or *UnknownEventError when the frame cannot be dispatched.
func ParseEvent(raw []byte) (InboundEvent, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, ErrInvalidJSON
	}
	if env.Type == "" {
		return nil, ErrMalformedEvent
	}

	var ev InboundEvent
	switch env.Type {
	case TypeMatchmakingJoin:
		ev = &JoinSearch{}
	case TypeMatchmakingCancel:
		ev = &CancelSearch{}
	case TypeChatMessage:
		ev = &ChatMessage{}
	case TypeChatTyping:
		ev = &ChatTyping{}
	case TypeChatEnd:
		ev = &ChatEnd{}
	case TypeGroupMessage:
		ev = &GroupMessage{}
	case TypeGroupTyping:
		ev = &GroupTyping{}
	case TypeFriendMessage:
		ev = &FriendMessage{}
	case TypeFriendTyping:
		ev = &FriendTyping{}
	default:
		return nil, &UnknownEventError{Type: env.Type}
	}

	if data := bytes.TrimSpace(env.Data); len(data) > 0 && !bytes.Equal(data, []byte("null")) {
		if err := json.Unmarshal(data, ev); err != nil {
			return nil, ErrMalformedEvent
		}
	}
	if err := validate.Struct(ev); err != nil {
		return nil, ErrMalformedEvent
	}
	return ev, nil
}

// Event is an outbound frame. Data is marshalled as-is.
type Event struct {
	Type string `json:"type"`
	Data any    `json:"data"`
}

// Marshal encodes the event for the wire.
func (e Event) Marshal() ([]byte, error) {
	if e.Data == nil {
		e.Data = struct{}{}
	}
	b, err := json.Marshal(e)
	return b, errors.Wrapf(err, "marshal %s event", e.Type)
}

type MatchedData struct {
	RoomID        string `json:"roomId"`
	AnonymousName string `json:"anonymousName"`
	PartnerName   string `json:"partnerName"`
}

type ChatMessageData struct {
	RoomID     string `json:"roomId"`
	Content    string `json:"content"`
	SenderName string `json:"senderName"`
	Timestamp  string `json:"timestamp"`
}

type ChatTypingData struct {
	RoomID   string `json:"roomId"`
	IsTyping bool   `json:"isTyping"`
}

type ChatEndedData struct {
	RoomID       string `json:"roomId"`
	CanAddFriend bool   `json:"canAddFriend"`
	PartnerID    string `json:"partnerId"`
}

type GroupMessageData struct {
	GroupID    string `json:"groupId"`
	Content    string `json:"content"`
	SenderID   string `json:"senderId"`
	SenderName string `json:"senderName"`
	MessageID  string `json:"messageId"`
	Timestamp  string `json:"timestamp"`
}

type GroupTypingData struct {
	GroupID  string `json:"groupId"`
	UserID   string `json:"userId"`
	IsTyping bool   `json:"isTyping"`
}

type FriendMessageData struct {
	FriendshipID string `json:"friendshipId"`
	Content      string `json:"content"`
	SenderID     string `json:"senderId"`
	MessageID    string `json:"messageId"`
	Timestamp    string `json:"timestamp"`
}

type FriendTypingData struct {
	FriendshipID string `json:"friendshipId"`
	IsTyping     bool   `json:"isTyping"`
}

type ErrorData struct {
	Message string `json:"message"`
}

// NewErrorEvent builds an "error" frame.
func NewErrorEvent(message string) Event {
	return Event{Type: TypeError, Data: ErrorData{Message: message}}
}
