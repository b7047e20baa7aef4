package domain

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Frame kinds accepted from clients.
const (
	FrameMessage  = "message"
	FrameTyping   = "typing"
	FrameEdit     = "edit"
	FrameDelete   = "delete"
	FrameReaction = "reaction"
	FrameRead     = "read"
)

// Event kinds sent to clients.
const (
	EventMessage  = "message"
	EventTyping   = "typing"
	EventEdited   = "edited"
	EventDeleted  = "deleted"
	EventReaction = "reaction"
	EventPresence = "presence"
	EventRead     = "read"
)

var ErrMalformedFrame = errors.New("malformed frame")

// Envelope is the wire unit in both directions.
type Envelope struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// Frame is a decoded inbound frame. One of the *Frame types below.
type Frame interface {
	FrameType() string
}

type MessageFrame struct {
	Content        string    `json:"content"`
	SharedObjectID string    `json:"shared_object_id,omitempty"`
	ReplyTo        MessageID `json:"reply_to,omitempty"`
}

type TypingFrame struct {
	IsTyping bool `json:"is_typing"`
}

type EditFrame struct {
	MessageID MessageID `json:"message_id"`
	Content   string    `json:"content"`
}

type DeleteFrame struct {
	MessageID MessageID `json:"message_id"`
}

type ReactionFrame struct {
	MessageID MessageID `json:"message_id"`
	Emoji     string    `json:"emoji"`
}

type ReadFrame struct{}

func (MessageFrame) FrameType() string  { return FrameMessage }
func (TypingFrame) FrameType() string   { return FrameTyping }
func (EditFrame) FrameType() string     { return FrameEdit }
func (DeleteFrame) FrameType() string   { return FrameDelete }
func (ReactionFrame) FrameType() string { return FrameReaction }
func (ReadFrame) FrameType() string     { return FrameRead }

// DecodeFrame parses and validates one inbound frame. Any failure wraps
// ErrMalformedFrame.
func DecodeFrame(data []byte) (Frame, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}

	var (
		frame Frame
		err   error
	)
	switch env.Type {
	case FrameMessage:
		var f MessageFrame
		err = decodeData(env.Data, &f)
		f.Content = strings.TrimSpace(f.Content)
		f.SharedObjectID = strings.TrimSpace(f.SharedObjectID)
		if err == nil && f.Content == "" && f.SharedObjectID == "" {
			err = errors.New("content is required")
		}
		frame = f
	case FrameTyping:
		var f TypingFrame
		err = decodeData(env.Data, &f)
		frame = f
	case FrameEdit:
		var f EditFrame
		err = decodeData(env.Data, &f)
		f.Content = strings.TrimSpace(f.Content)
		if err == nil && (f.MessageID == "" || f.Content == "") {
			err = errors.New("message_id and content are required")
		}
		frame = f
	case FrameDelete:
		var f DeleteFrame
		err = decodeData(env.Data, &f)
		if err == nil && f.MessageID == "" {
			err = errors.New("message_id is required")
		}
		frame = f
	case FrameReaction:
		var f ReactionFrame
		err = decodeData(env.Data, &f)
		f.Emoji = strings.TrimSpace(f.Emoji)
		if err == nil && (f.MessageID == "" || f.Emoji == "") {
			err = errors.New("message_id and emoji are required")
		}
		frame = f
	case FrameRead:
		frame = ReadFrame{}
	default:
		err = fmt.Errorf("unsupported frame type %q", env.Type)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}
	return frame, nil
}

func decodeData(raw json.RawMessage, v any) error {
	if len(raw) == 0 {
		return errors.New("data is required")
	}
	return json.Unmarshal(raw, v)
}

type SenderSummary struct {
	ID       UserID `json:"id"`
	Username string `json:"username"`
}

type MessageEvent struct {
	ID        MessageID     `json:"id"`
	Kind      MessageKind   `json:"kind"`
	Content   string        `json:"content"`
	Sender    SenderSummary `json:"sender"`
	CreatedAt time.Time     `json:"created_at"`
	IsRead    bool          `json:"is_read"`
	ReplyTo   MessageID     `json:"reply_to,omitempty"`
}

type TypingEvent struct {
	User     UserID `json:"user"`
	Username string `json:"username"`
	IsTyping bool   `json:"is_typing"`
}

// EditedEvent carries the stored content in the same form as MessageEvent.
type EditedEvent struct {
	MessageID MessageID   `json:"message_id"`
	Kind      MessageKind `json:"kind"`
	Content   string      `json:"content"`
	Editor    UserID      `json:"editor"`
}

type DeletedEvent struct {
	MessageID MessageID `json:"message_id"`
	User      UserID    `json:"user"`
}

type ReactionEvent struct {
	MessageID MessageID      `json:"message_id"`
	User      UserID         `json:"user"`
	Emoji     string         `json:"emoji"`
	Action    ReactionAction `json:"action"`
}

type PresenceEvent struct {
	User      UserID    `json:"user"`
	Username  string    `json:"username"`
	IsOnline  bool      `json:"is_online"`
	Timestamp time.Time `json:"timestamp"`
}

type ReadEvent struct {
	User   UserID    `json:"user"`
	Count  int       `json:"count"`
	ReadAt time.Time `json:"read_at"`
}

// NewMessageEvent builds the broadcast form of a persisted message.
func NewMessageEvent(m Message) MessageEvent {
	return MessageEvent{
		ID:        m.ID,
		Kind:      m.Kind,
		Content:   m.Content,
		Sender:    SenderSummary{ID: m.Sender.ID, Username: m.Sender.Username},
		CreatedAt: m.CreatedAt,
		IsRead:    m.Read,
		ReplyTo:   m.ReplyTo,
	}
}

// EncodeEvent wraps payload in an Envelope of the given type.
func EncodeEvent(eventType string, payload any) ([]byte, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal %s event: %w", eventType, err)
	}
	return json.Marshal(Envelope{Type: eventType, Data: data})
}
