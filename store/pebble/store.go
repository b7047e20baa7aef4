// Package pebble stores chat state in an embedded Pebble key-value store.
//
// Keys are a sequence of parts, each written as a uvarint length followed by
// its bytes, so no id content can make two keys collide. Layout:
//
//	room   <room>                 -> roomRecord JSON
//	member <room> <user>          -> empty
//	msg    <message>              -> domain.Message JSON
//	roommsg <room> <message>      -> empty, ordered by message id
//	react  <message> <user> <emoji> -> unix millis
//	obj    <object>               -> domain.SharedObject JSON
package pebble

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strconv"
	"sync"
	"time"

	pebble "github.com/cockroachdb/pebble"
	"github.com/google/uuid"

	"roomchat-server/domain"
)

func key(parts ...string) []byte {
	var b []byte
	for _, p := range parts {
		b = binary.AppendUvarint(b, uint64(len(p)))
		b = append(b, p...)
	}
	return b
}

// prefix returns the common prefix of every key starting with parts.
func prefix(parts ...string) []byte {
	return key(parts...)
}

// lastPart decodes the single part that follows prefix p in k.
func lastPart(k, p []byte) (string, error) {
	rest := k[len(p):]
	n, w := binary.Uvarint(rest)
	if w <= 0 || uint64(len(rest)-w) != n {
		return "", fmt.Errorf("malformed key %q", k)
	}
	return string(rest[w:]), nil
}

// upperBound returns the smallest key greater than every key with prefix p.
func upperBound(p []byte) []byte {
	out := append([]byte(nil), p...)
	for i := len(out) - 1; i >= 0; i-- {
		if out[i] < 0xff {
			out[i]++
			return out[:i+1]
		}
	}
	return nil
}

type roomRecord struct {
	LastActivityAt time.Time `json:"last_activity_at"`
}

type Store struct {
	db *pebble.DB
	// mu serialises read-modify-write sequences; Pebble has no transactions.
	mu  sync.Mutex
	now func() time.Time
}

func Open(path string) (*Store, error) {
	if path == "" {
		return nil, fmt.Errorf("storage path is required")
	}
	if err := os.MkdirAll(path, 0o700); err != nil {
		return nil, fmt.Errorf("create pebble dir: %w", err)
	}
	db, err := pebble.Open(path, &pebble.Options{})
	if err != nil {
		return nil, fmt.Errorf("open pebble: %w", err)
	}
	return &Store{db: db, now: time.Now}, nil
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *Store) getJSON(k []byte, v any) error {
	raw, closer, err := s.db.Get(k)
	if err != nil {
		return err
	}
	defer closer.Close()
	return json.Unmarshal(raw, v)
}

func (s *Store) exists(k []byte) (bool, error) {
	_, closer, err := s.db.Get(k)
	if errors.Is(err, pebble.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	closer.Close()
	return true, nil
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

	rec := roomRecord{LastActivityAt: room.LastActivityAt.UTC()}
	var existing roomRecord
	switch err := s.getJSON(key("room", string(room.ID)), &existing); {
	case err == nil:
		if existing.LastActivityAt.After(rec.LastActivityAt) {
			rec.LastActivityAt = existing.LastActivityAt
		}
	case !errors.Is(err, pebble.ErrNotFound):
		return fmt.Errorf("get room: %w", err)
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal room: %w", err)
	}

	batch := s.db.NewBatch()
	defer batch.Close()
	members := prefix("member", string(room.ID))
	if err := batch.DeleteRange(members, upperBound(members), nil); err != nil {
		return fmt.Errorf("clear participants: %w", err)
	}
	if err := batch.Set(key("room", string(room.ID)), data, nil); err != nil {
		return err
	}
	for _, user := range room.Participants {
		if err := batch.Set(key("member", string(room.ID), string(user)), nil, nil); err != nil {
			return err
		}
	}
	return batch.Commit(pebble.Sync)
}

func (s *Store) PutSharedObject(ctx context.Context, obj domain.SharedObject) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if obj.ID == "" {
		return fmt.Errorf("shared object id is required")
	}
	data, err := json.Marshal(obj)
	if err != nil {
		return fmt.Errorf("marshal shared object: %w", err)
	}
	return s.db.Set(key("obj", obj.ID), data, pebble.Sync)
}

func (s *Store) IsParticipant(ctx context.Context, room domain.RoomID, user domain.UserID) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	ok, err := s.exists(key("member", string(room), string(user)))
	if err != nil {
		return false, fmt.Errorf("lookup participant: %w", err)
	}
	return ok, nil
}

// LastActivity returns the room's last-activity timestamp.
func (s *Store) LastActivity(ctx context.Context, room domain.RoomID) (time.Time, error) {
	if err := ctx.Err(); err != nil {
		return time.Time{}, err
	}
	var rec roomRecord
	if err := s.getJSON(key("room", string(room)), &rec); err != nil {
		if errors.Is(err, pebble.ErrNotFound) {
			return time.Time{}, fmt.Errorf("room %s: %w", room, domain.ErrNotFound)
		}
		return time.Time{}, fmt.Errorf("get room: %w", err)
	}
	return rec.LastActivityAt, nil
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

	var rec roomRecord
	if err := s.getJSON(key("room", string(in.Room)), &rec); err != nil {
		if errors.Is(err, pebble.ErrNotFound) {
			return domain.Message{}, fmt.Errorf("room %s: %w", in.Room, domain.ErrNotFound)
		}
		return domain.Message{}, fmt.Errorf("get room: %w", err)
	}

	kind := in.Kind
	if kind == "" {
		kind = domain.KindText
	}
	msg := domain.Message{
		ID:        domain.MessageID(id.String()),
		Room:      in.Room,
		Sender:    in.Sender,
		Kind:      kind,
		Content:   in.Content,
		CreatedAt: s.now().UTC(),
	}
	if in.ReplyTo != "" {
		ok, err := s.exists(key("roommsg", string(in.Room), string(in.ReplyTo)))
		if err != nil {
			return domain.Message{}, fmt.Errorf("lookup reply target: %w", err)
		}
		if ok {
			msg.ReplyTo = in.ReplyTo
		}
	}

	data, err := json.Marshal(msg)
	if err != nil {
		return domain.Message{}, fmt.Errorf("marshal message: %w", err)
	}
	rec.LastActivityAt = msg.CreatedAt
	roomData, err := json.Marshal(rec)
	if err != nil {
		return domain.Message{}, fmt.Errorf("marshal room: %w", err)
	}

	batch := s.db.NewBatch()
	defer batch.Close()
	if err := batch.Set(key("msg", string(msg.ID)), data, nil); err != nil {
		return domain.Message{}, err
	}
	if err := batch.Set(key("roommsg", string(msg.Room), string(msg.ID)), nil, nil); err != nil {
		return domain.Message{}, err
	}
	if err := batch.Set(key("room", string(msg.Room)), roomData, nil); err != nil {
		return domain.Message{}, err
	}
	if err := batch.Commit(pebble.Sync); err != nil {
		return domain.Message{}, fmt.Errorf("commit message: %w", err)
	}
	return msg, nil
}

func (s *Store) putMessage(msg domain.Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}
	return s.db.Set(key("msg", string(msg.ID)), data, pebble.Sync)
}

// loadInRoom returns the message only when it belongs to room.
func (s *Store) loadInRoom(room domain.RoomID, id domain.MessageID) (domain.Message, bool, error) {
	var msg domain.Message
	if err := s.getJSON(key("msg", string(id)), &msg); err != nil {
		if errors.Is(err, pebble.ErrNotFound) {
			return domain.Message{}, false, nil
		}
		return domain.Message{}, false, fmt.Errorf("get message: %w", err)
	}
	if msg.Room != room {
		return domain.Message{}, false, nil
	}
	return msg, true, nil
}

func (s *Store) Edit(ctx context.Context, room domain.RoomID, id domain.MessageID, sender domain.UserID, text string) (domain.Message, bool, error) {
	if err := ctx.Err(); err != nil {
		return domain.Message{}, false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	msg, ok, err := s.loadInRoom(room, id)
	if err != nil || !ok || msg.Sender.ID != sender || msg.Deleted {
		return domain.Message{}, false, err
	}
	content, err := domain.ReplaceText(msg.Kind, msg.Content, text)
	if err != nil {
		return domain.Message{}, false, fmt.Errorf("edit message %s: %w", id, err)
	}
	msg.Content = content
	msg.Edited = true
	if err := s.putMessage(msg); err != nil {
		return domain.Message{}, false, fmt.Errorf("edit message: %w", err)
	}
	return msg, true, nil
}

func (s *Store) SoftDelete(ctx context.Context, room domain.RoomID, id domain.MessageID, sender domain.UserID) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	msg, ok, err := s.loadInRoom(room, id)
	if err != nil || !ok || msg.Sender.ID != sender || msg.Deleted {
		return false, err
	}
	msg.Deleted = true
	msg.Kind = domain.KindText
	msg.Content = domain.DeletedPlaceholder
	if err := s.putMessage(msg); err != nil {
		return false, fmt.Errorf("delete message: %w", err)
	}
	return true, nil
}

func (s *Store) ToggleReaction(ctx context.Context, room domain.RoomID, id domain.MessageID, user domain.UserID, emoji string) (domain.ReactionAction, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok, err := s.loadInRoom(room, id); err != nil {
		return "", err
	} else if !ok {
		return "", fmt.Errorf("message %s: %w", id, domain.ErrNotFound)
	}

	k := key("react", string(id), string(user), emoji)
	present, err := s.exists(k)
	if err != nil {
		return "", fmt.Errorf("lookup reaction: %w", err)
	}
	if present {
		if err := s.db.Delete(k, pebble.Sync); err != nil {
			return "", fmt.Errorf("remove reaction: %w", err)
		}
		return domain.ReactionRemoved, nil
	}
	stamp := strconv.FormatInt(s.now().UnixMilli(), 10)
	if err := s.db.Set(k, []byte(stamp), pebble.Sync); err != nil {
		return "", fmt.Errorf("add reaction: %w", err)
	}
	return domain.ReactionAdded, nil
}

func (s *Store) MarkRead(ctx context.Context, room domain.RoomID, reader domain.UserID, at time.Time) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	p := prefix("roommsg", string(room))
	it, err := s.db.NewIter(&pebble.IterOptions{LowerBound: p, UpperBound: upperBound(p)})
	if err != nil {
		return 0, fmt.Errorf("iterate room messages: %w", err)
	}
	defer it.Close()

	batch := s.db.NewBatch()
	defer batch.Close()

	readAt := at.UTC()
	count := 0
	for ok := it.First(); ok; ok = it.Next() {
		if err := ctx.Err(); err != nil {
			return 0, err
		}
		id, err := lastPart(it.Key(), p)
		if err != nil {
			return 0, err
		}
		var msg domain.Message
		if err := s.getJSON(key("msg", id), &msg); err != nil {
			return 0, fmt.Errorf("get message %s: %w", id, err)
		}
		if msg.Read || msg.Deleted || msg.Sender.ID == reader {
			continue
		}
		msg.Read = true
		msg.ReadAt = &readAt
		data, err := json.Marshal(msg)
		if err != nil {
			return 0, fmt.Errorf("marshal message: %w", err)
		}
		if err := batch.Set(key("msg", id), data, nil); err != nil {
			return 0, err
		}
		count++
	}
	if err := it.Error(); err != nil {
		return 0, fmt.Errorf("iterate room messages: %w", err)
	}
	if count == 0 {
		return 0, nil
	}
	if err := batch.Commit(pebble.Sync); err != nil {
		return 0, fmt.Errorf("commit read marks: %w", err)
	}
	return count, nil
}

func (s *Store) ResolveSharedObject(ctx context.Context, id string) (domain.SharedObject, error) {
	if err := ctx.Err(); err != nil {
		return domain.SharedObject{}, err
	}
	var obj domain.SharedObject
	if err := s.getJSON(key("obj", id), &obj); err != nil {
		if errors.Is(err, pebble.ErrNotFound) {
			return domain.SharedObject{}, fmt.Errorf("shared object %s: %w", id, domain.ErrNotFound)
		}
		return domain.SharedObject{}, fmt.Errorf("resolve shared object: %w", err)
	}
	return obj, nil
}

// Get returns one stored message.
func (s *Store) Get(ctx context.Context, id domain.MessageID) (domain.Message, error) {
	if err := ctx.Err(); err != nil {
		return domain.Message{}, err
	}
	var msg domain.Message
	if err := s.getJSON(key("msg", string(id)), &msg); err != nil {
		if errors.Is(err, pebble.ErrNotFound) {
			return domain.Message{}, fmt.Errorf("message %s: %w", id, domain.ErrNotFound)
		}
		return domain.Message{}, fmt.Errorf("get message: %w", err)
	}
	return msg, nil
}

// Reactions lists the emojis user has on a message.
func (s *Store) Reactions(ctx context.Context, id domain.MessageID, user domain.UserID) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	p := prefix("react", string(id), string(user))
	it, err := s.db.NewIter(&pebble.IterOptions{LowerBound: p, UpperBound: upperBound(p)})
	if err != nil {
		return nil, fmt.Errorf("iterate reactions: %w", err)
	}
	defer it.Close()

	var out []string
	for ok := it.First(); ok; ok = it.Next() {
		emoji, err := lastPart(it.Key(), p)
		if err != nil {
			return nil, err
		}
		out = append(out, emoji)
	}
	return out, it.Error()
}
