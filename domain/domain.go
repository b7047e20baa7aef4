package domain

import (
	"context"
	"errors"
	"time"
)

type RoomID string
type UserID string
type SessionID string
type MessageID string

// DeletedPlaceholder replaces the content of a soft-deleted message.
const DeletedPlaceholder = "This message has been deleted"

var (
	ErrNotFound = errors.New("not found")
	ErrRejected = errors.New("connection rejected")
)

type Identity struct {
	ID       UserID `json:"id"`
	Username string `json:"username"`
}

type Room struct {
	ID             RoomID
	Participants   []UserID
	LastActivityAt time.Time
}

type ConnState int32

const (
	StateConnecting ConnState = iota
	StateAuthenticated
	StateActive
	StateClosed
)

func (s ConnState) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateAuthenticated:
		return "authenticated"
	case StateActive:
		return "active"
	case StateClosed:
		return "closed"
	}
	return "unknown"
}

// Session is one live connection bound to a room. Values handed out by the
// registry are copies.
type Session struct {
	ID        SessionID
	User      Identity
	Room      RoomID
	Typing    bool
	CreatedAt time.Time
	Conn      Connection
}

type PresenceRecord struct {
	User        Identity
	Online      bool
	CurrentRoom *RoomID
	LastSeen    time.Time
}

type MessageKind string

const (
	KindText         MessageKind = "text"
	KindSharedObject MessageKind = "shared_object"
)

type Message struct {
	ID        MessageID
	Room      RoomID
	Sender    Identity
	Kind      MessageKind
	Content   string
	ReplyTo   MessageID
	CreatedAt time.Time
	Edited    bool
	Deleted   bool
	Read      bool
	ReadAt    *time.Time
}

type NewMessage struct {
	Room    RoomID
	Sender  Identity
	Kind    MessageKind
	Content string
	ReplyTo MessageID
}

type ReactionAction string

const (
	ReactionAdded   ReactionAction = "added"
	ReactionRemoved ReactionAction = "removed"
)

type SharedObject struct {
	ID    string `json:"id" yaml:"id"`
	Title string `json:"title" yaml:"title"`
}

type Connection interface {
	ID() SessionID
	Room() RoomID
	User() Identity
	Send(data []byte) error
	Close() error
}

type IdentityVerifier interface {
	Verify(ctx context.Context, token string) (Identity, error)
}

type RoomStore interface {
	IsParticipant(ctx context.Context, room RoomID, user UserID) (bool, error)
}

// MessageStore persists messages and reactions. Every call returns only after
// the change is durable for the backing store.
type MessageStore interface {
	Create(ctx context.Context, msg NewMessage) (Message, error)
	// Edit replaces the text of a live message and returns it updated. The
	// stored kind is kept, so shared object messages stay shared objects.
	// It reports false when no live message with that id, room and sender exists.
	Edit(ctx context.Context, room RoomID, id MessageID, sender UserID, text string) (Message, bool, error)
	// SoftDelete reports false when the message is missing, foreign or already
	// deleted. A deleted message becomes a text message holding DeletedPlaceholder.
	SoftDelete(ctx context.Context, room RoomID, id MessageID, sender UserID) (bool, error)
	ToggleReaction(ctx context.Context, room RoomID, id MessageID, user UserID, emoji string) (ReactionAction, error)
	MarkRead(ctx context.Context, room RoomID, reader UserID, at time.Time) (int, error)
	ResolveSharedObject(ctx context.Context, id string) (SharedObject, error)
}

// Seeder populates a store with rooms and shared objects owned by external
// services.
type Seeder interface {
	PutRoom(ctx context.Context, room Room) error
	PutSharedObject(ctx context.Context, obj SharedObject) error
}

type Lifecycle interface {
	Join(ctx context.Context, conn Connection)
	Handle(ctx context.Context, conn Connection, data []byte)
	Leave(conn Connection)
}
