// Package memory is an in-memory RoomStore and MessageStore. It is NOT
// persistent and only suits development and tests.
package memory

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"roomchat-server/domain"
)

type reactionKey struct {
	message domain.MessageID
	user    domain.UserID
	emoji   string
}

type Store struct {
	mu        sync.RWMutex
	rooms     map[domain.RoomID]*roomRecord
	messages  map[domain.MessageID]*domain.Message
	byRoom    map[domain.RoomID][]domain.MessageID
	reactions map[reactionKey]struct{}
	objects   map[string]domain.SharedObject

	now func() time.Time
}

type roomRecord struct {
	participants   map[domain.UserID]struct{}
	lastActivityAt time.Time
}

func New() *Store {
	return &Store{
		rooms:     make(map[domain.RoomID]*roomRecord),
		messages:  make(map[domain.MessageID]*domain.Message),
		byRoom:    make(map[domain.RoomID][]domain.MessageID),
		reactions: make(map[reactionKey]struct{}),
		objects:   make(map[string]domain.SharedObject),
		now:       time.Now,
	}
}

func (s *Store) PutRoom(ctx context.Context, room domain.Room) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if room.ID == "" {
		return fmt.Errorf("room id is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	rec := &roomRecord{
		participants:   make(map[domain.UserID]struct{}, len(room.Participants)),
		lastActivityAt: room.LastActivityAt,
	}
	for _, p := range room.Participants {
		rec.participants[p] = struct{}{}
	}
	s.rooms[room.ID] = rec
	return nil
}

func (s *Store) PutSharedObject(ctx context.Context, obj domain.SharedObject) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if obj.ID == "" {
		return fmt.Errorf("shared object id is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.objects[obj.ID] = obj
	return nil
}

func (s *Store) IsParticipant(ctx context.Context, room domain.RoomID, user domain.UserID) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.rooms[room]
	if !ok {
		return false, nil
	}
	_, ok = rec.participants[user]
	return ok, nil
}

// LastActivity returns the room's last-activity timestamp.
func (s *Store) LastActivity(ctx context.Context, room domain.RoomID) (time.Time, error) {
	if err := ctx.Err(); err != nil {
		return time.Time{}, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.rooms[room]
	if !ok {
		return time.Time{}, fmt.Errorf("room %s: %w", room, domain.ErrNotFound)
	}
	return rec.lastActivityAt, nil
}

func (s *Store) Create(ctx context.Context, in domain.NewMessage) (domain.Message, error) {
	if err := ctx.Err(); err != nil {
		return domain.Message{}, err
	}
	id, err := uuid.NewV7()
	if err != nil {
		return domain.Message{}, fmt.Errorf("generate message id: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.rooms[in.Room]
	if !ok {
		return domain.Message{}, fmt.Errorf("room %s: %w", in.Room, domain.ErrNotFound)
	}
	kind := in.Kind
	if kind == "" {
		kind = domain.KindText
	}
	msg := &domain.Message{
		ID:        domain.MessageID(id.String()),
		Room:      in.Room,
		Sender:    in.Sender,
		Kind:      kind,
		Content:   in.Content,
		CreatedAt: s.now().UTC(),
	}
	if in.ReplyTo != "" {
		if target, ok := s.messages[in.ReplyTo]; ok && target.Room == in.Room {
			msg.ReplyTo = in.ReplyTo
		}
	}
	s.messages[msg.ID] = msg
	s.byRoom[in.Room] = append(s.byRoom[in.Room], msg.ID)
	rec.lastActivityAt = msg.CreatedAt
	return *msg, nil
}

func (s *Store) Edit(ctx context.Context, room domain.RoomID, id domain.MessageID, sender domain.UserID, text string) (domain.Message, bool, error) {
	if err := ctx.Err(); err != nil {
		return domain.Message{}, false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	msg, ok := s.ownedLive(room, id, sender)
	if !ok {
		return domain.Message{}, false, nil
	}
	content, err := domain.ReplaceText(msg.Kind, msg.Content, text)
	if err != nil {
		return domain.Message{}, false, fmt.Errorf("edit message %s: %w", id, err)
	}
	msg.Content = content
	msg.Edited = true
	return copyMessage(msg), true, nil
}

func (s *Store) SoftDelete(ctx context.Context, room domain.RoomID, id domain.MessageID, sender domain.UserID) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	msg, ok := s.ownedLive(room, id, sender)
	if !ok {
		return false, nil
	}
	msg.Deleted = true
	msg.Kind = domain.KindText
	msg.Content = domain.DeletedPlaceholder
	return true, nil
}

func (s *Store) ToggleReaction(ctx context.Context, room domain.RoomID, id domain.MessageID, user domain.UserID, emoji string) (domain.ReactionAction, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	msg, ok := s.messages[id]
	if !ok || msg.Room != room {
		return "", fmt.Errorf("message %s: %w", id, domain.ErrNotFound)
	}
	key := reactionKey{message: id, user: user, emoji: emoji}
	if _, exists := s.reactions[key]; exists {
		delete(s.reactions, key)
		return domain.ReactionRemoved, nil
	}
	s.reactions[key] = struct{}{}
	return domain.ReactionAdded, nil
}

func (s *Store) MarkRead(ctx context.Context, room domain.RoomID, reader domain.UserID, at time.Time) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	at = at.UTC()
	count := 0
	for _, id := range s.byRoom[room] {
		msg := s.messages[id]
		if msg.Read || msg.Deleted || msg.Sender.ID == reader {
			continue
		}
		readAt := at
		msg.Read = true
		msg.ReadAt = &readAt
		count++
	}
	return count, nil
}

func (s *Store) ResolveSharedObject(ctx context.Context, id string) (domain.SharedObject, error) {
	if err := ctx.Err(); err != nil {
		return domain.SharedObject{}, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	obj, ok := s.objects[id]
	if !ok {
		return domain.SharedObject{}, fmt.Errorf("shared object %s: %w", id, domain.ErrNotFound)
	}
	return obj, nil
}

// Get returns a copy of a stored message.
func (s *Store) Get(ctx context.Context, id domain.MessageID) (domain.Message, error) {
	if err := ctx.Err(); err != nil {
		return domain.Message{}, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	msg, ok := s.messages[id]
	if !ok {
		return domain.Message{}, fmt.Errorf("message %s: %w", id, domain.ErrNotFound)
	}
	return copyMessage(msg), nil
}

func copyMessage(msg *domain.Message) domain.Message {
	out := *msg
	if msg.ReadAt != nil {
		readAt := *msg.ReadAt
		out.ReadAt = &readAt
	}
	return out
}

// Reactions lists the emojis user has on a message.
func (s *Store) Reactions(ctx context.Context, id domain.MessageID, user domain.UserID) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []string
	for key := range s.reactions {
		if key.message == id && key.user == user {
			out = append(out, key.emoji)
		}
	}
	return out, nil
}

func (s *Store) ownedLive(room domain.RoomID, id domain.MessageID, sender domain.UserID) (*domain.Message, bool) {
	msg, ok := s.messages[id]
	if !ok || msg.Room != room || msg.Sender.ID != sender || msg.Deleted {
		return nil, false
	}
	return msg, true
}
