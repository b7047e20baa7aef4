// Package sqlite persists rooms, memberships, messages and reactions in a
// single SQLite database.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"roomchat-server/domain"
	"roomchat-server/store/sqlite/migrations"
)

// Store persists chat state in SQLite.
type Store struct {
	db  *sql.DB
	now func() time.Time
}

func toMillis(value time.Time) int64 {
	return value.UTC().UnixMilli()
}

func fromMillis(value int64) time.Time {
	return time.UnixMilli(value).UTC()
}

// Open opens the database at path and applies embedded migrations.
func Open(ctx context.Context, path string) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("storage path is required")
	}
	dsn := filepath.Clean(path) +
		"?_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	// One writer at a time; readers share the same handle.
	db.SetMaxOpenConns(1)
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}
	if err := applyMigrations(ctx, db, migrations.FS); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}
	return &Store{db: db, now: time.Now}, nil
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// PutRoom upserts a room and replaces its participant list.
func (s *Store) PutRoom(ctx context.Context, room domain.Room) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if strings.TrimSpace(string(room.ID)) == "" {
		return fmt.Errorf("room id is required")
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin put room: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO rooms (id, last_activity_at) VALUES (?, ?)
		 ON CONFLICT(id) DO UPDATE SET last_activity_at = MAX(rooms.last_activity_at, excluded.last_activity_at)`,
		string(room.ID), lastActivityMillis(room.LastActivityAt),
	); err != nil {
		return fmt.Errorf("upsert room: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM room_participants WHERE room_id = ?`, string(room.ID)); err != nil {
		return fmt.Errorf("clear participants: %w", err)
	}
	for _, user := range room.Participants {
		if _, err := tx.ExecContext(ctx,
			`INSERT OR IGNORE INTO room_participants (room_id, user_id) VALUES (?, ?)`,
			string(room.ID), string(user),
		); err != nil {
			return fmt.Errorf("insert participant: %w", err)
		}
	}
	return tx.Commit()
}

func lastActivityMillis(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return toMillis(t)
}

func (s *Store) PutSharedObject(ctx context.Context, obj domain.SharedObject) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if strings.TrimSpace(obj.ID) == "" {
		return fmt.Errorf("shared object id is required")
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO shared_objects (id, title) VALUES (?, ?)
		 ON CONFLICT(id) DO UPDATE SET title = excluded.title`,
		obj.ID, obj.Title,
	)
	if err != nil {
		return fmt.Errorf("put shared object: %w", err)
	}
	return nil
}

func (s *Store) IsParticipant(ctx context.Context, room domain.RoomID, user domain.UserID) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	var found int
	err := s.db.QueryRowContext(ctx,
		`SELECT 1 FROM room_participants WHERE room_id = ? AND user_id = ?`,
		string(room), string(user),
	).Scan(&found)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("lookup participant: %w", err)
	}
	return true, nil
}

// LastActivity returns the room's last-activity timestamp.
func (s *Store) LastActivity(ctx context.Context, room domain.RoomID) (time.Time, error) {
	var millis int64
	err := s.db.QueryRowContext(ctx, `SELECT last_activity_at FROM rooms WHERE id = ?`, string(room)).Scan(&millis)
	if errors.Is(err, sql.ErrNoRows) {
		return time.Time{}, fmt.Errorf("room %s: %w", room, domain.ErrNotFound)
	}
	if err != nil {
		return time.Time{}, fmt.Errorf("get last activity: %w", err)
	}
	if millis == 0 {
		return time.Time{}, nil
	}
	return fromMillis(millis), nil
}

func (s *Store) Create(ctx context.Context, in domain.NewMessage) (domain.Message, error) {
	if err := ctx.Err(); err != nil {
		return domain.Message{}, err
	}
	id, err := uuid.NewV7()
	if err != nil {
		return domain.Message{}, fmt.Errorf("generate message id: %w", err)
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
		CreatedAt: fromMillis(toMillis(s.now())),
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return domain.Message{}, fmt.Errorf("begin create message: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx,
		`UPDATE rooms SET last_activity_at = ? WHERE id = ?`,
		toMillis(msg.CreatedAt), string(in.Room),
	)
	if err != nil {
		return domain.Message{}, fmt.Errorf("touch room: %w", err)
	}
	if n, err := res.RowsAffected(); err != nil {
		return domain.Message{}, fmt.Errorf("touch room: %w", err)
	} else if n == 0 {
		return domain.Message{}, fmt.Errorf("room %s: %w", in.Room, domain.ErrNotFound)
	}

	if in.ReplyTo != "" {
		var found int
		err := tx.QueryRowContext(ctx,
			`SELECT 1 FROM messages WHERE id = ? AND room_id = ?`,
			string(in.ReplyTo), string(in.Room),
		).Scan(&found)
		switch {
		case err == nil:
			msg.ReplyTo = in.ReplyTo
		case !errors.Is(err, sql.ErrNoRows):
			return domain.Message{}, fmt.Errorf("lookup reply target: %w", err)
		}
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO messages (id, room_id, sender_id, sender_username, kind, content, reply_to, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		string(msg.ID), string(msg.Room), string(msg.Sender.ID), msg.Sender.Username,
		string(msg.Kind), msg.Content, string(msg.ReplyTo), toMillis(msg.CreatedAt),
	); err != nil {
		return domain.Message{}, fmt.Errorf("insert message: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return domain.Message{}, fmt.Errorf("commit message: %w", err)
	}
	return msg, nil
}

func (s *Store) Edit(ctx context.Context, room domain.RoomID, id domain.MessageID, sender domain.UserID, text string) (domain.Message, bool, error) {
	if err := ctx.Err(); err != nil {
		return domain.Message{}, false, err
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return domain.Message{}, false, fmt.Errorf("begin edit message: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	msg, err := getMessage(ctx, tx, id)
	if errors.Is(err, domain.ErrNotFound) {
		return domain.Message{}, false, nil
	}
	if err != nil {
		return domain.Message{}, false, err
	}
	if msg.Room != room || msg.Sender.ID != sender || msg.Deleted {
		return domain.Message{}, false, nil
	}
	content, err := domain.ReplaceText(msg.Kind, msg.Content, text)
	if err != nil {
		return domain.Message{}, false, fmt.Errorf("edit message %s: %w", id, err)
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE messages SET content = ?, edited = 1 WHERE id = ?`,
		content, string(id),
	); err != nil {
		return domain.Message{}, false, fmt.Errorf("edit message: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return domain.Message{}, false, fmt.Errorf("commit edit: %w", err)
	}
	msg.Content = content
	msg.Edited = true
	return msg, true, nil
}

func (s *Store) SoftDelete(ctx context.Context, room domain.RoomID, id domain.MessageID, sender domain.UserID) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE messages SET kind = ?, content = ?, deleted = 1
		 WHERE id = ? AND room_id = ? AND sender_id = ? AND deleted = 0`,
		string(domain.KindText), domain.DeletedPlaceholder, string(id), string(room), string(sender),
	)
	if err != nil {
		return false, fmt.Errorf("delete message: %w", err)
	}
	return affectedOne(res)
}

func affectedOne(res sql.Result) (bool, error) {
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("rows affected: %w", err)
	}
	return n == 1, nil
}

func (s *Store) ToggleReaction(ctx context.Context, room domain.RoomID, id domain.MessageID, user domain.UserID, emoji string) (domain.ReactionAction, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return "", fmt.Errorf("begin toggle reaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var found int
	err = tx.QueryRowContext(ctx,
		`SELECT 1 FROM messages WHERE id = ? AND room_id = ?`, string(id), string(room),
	).Scan(&found)
	if errors.Is(err, sql.ErrNoRows) {
		return "", fmt.Errorf("message %s: %w", id, domain.ErrNotFound)
	}
	if err != nil {
		return "", fmt.Errorf("lookup message: %w", err)
	}

	res, err := tx.ExecContext(ctx,
		`DELETE FROM reactions WHERE message_id = ? AND user_id = ? AND emoji = ?`,
		string(id), string(user), emoji,
	)
	if err != nil {
		return "", fmt.Errorf("remove reaction: %w", err)
	}
	action := domain.ReactionRemoved
	if removed, err := affectedOne(res); err != nil {
		return "", err
	} else if !removed {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO reactions (message_id, user_id, emoji, created_at) VALUES (?, ?, ?, ?)`,
			string(id), string(user), emoji, toMillis(s.now()),
		); err != nil {
			return "", fmt.Errorf("add reaction: %w", err)
		}
		action = domain.ReactionAdded
	}
	if err := tx.Commit(); err != nil {
		return "", fmt.Errorf("commit reaction: %w", err)
	}
	return action, nil
}

func (s *Store) MarkRead(ctx context.Context, room domain.RoomID, reader domain.UserID, at time.Time) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE messages SET is_read = 1, read_at = ?
		 WHERE room_id = ? AND sender_id <> ? AND is_read = 0 AND deleted = 0`,
		toMillis(at), string(room), string(reader),
	)
	if err != nil {
		return 0, fmt.Errorf("mark read: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("rows affected: %w", err)
	}
	return int(n), nil
}

func (s *Store) ResolveSharedObject(ctx context.Context, id string) (domain.SharedObject, error) {
	if err := ctx.Err(); err != nil {
		return domain.SharedObject{}, err
	}
	obj := domain.SharedObject{ID: id}
	err := s.db.QueryRowContext(ctx, `SELECT title FROM shared_objects WHERE id = ?`, id).Scan(&obj.Title)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.SharedObject{}, fmt.Errorf("shared object %s: %w", id, domain.ErrNotFound)
	}
	if err != nil {
		return domain.SharedObject{}, fmt.Errorf("resolve shared object: %w", err)
	}
	return obj, nil
}

// Get returns one stored message.
func (s *Store) Get(ctx context.Context, id domain.MessageID) (domain.Message, error) {
	if err := ctx.Err(); err != nil {
		return domain.Message{}, err
	}
	return getMessage(ctx, s.db, id)
}

type rowQuerier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func getMessage(ctx context.Context, q rowQuerier, id domain.MessageID) (domain.Message, error) {
	var (
		msg                     domain.Message
		roomID, senderID, kind  string
		replyTo                 string
		createdAt               int64
		edited, deleted, isRead bool
		readAt                  sql.NullInt64
	)
	err := q.QueryRowContext(ctx,
		`SELECT id, room_id, sender_id, sender_username, kind, content, reply_to,
		        created_at, edited, deleted, is_read, read_at
		 FROM messages WHERE id = ?`, string(id),
	).Scan(&msg.ID, &roomID, &senderID, &msg.Sender.Username, &kind, &msg.Content, &replyTo,
		&createdAt, &edited, &deleted, &isRead, &readAt)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Message{}, fmt.Errorf("message %s: %w", id, domain.ErrNotFound)
	}
	if err != nil {
		return domain.Message{}, fmt.Errorf("get message: %w", err)
	}
	msg.Room = domain.RoomID(roomID)
	msg.Sender.ID = domain.UserID(senderID)
	msg.Kind = domain.MessageKind(kind)
	msg.ReplyTo = domain.MessageID(replyTo)
	msg.CreatedAt = fromMillis(createdAt)
	msg.Edited, msg.Deleted, msg.Read = edited, deleted, isRead
	if readAt.Valid {
		t := fromMillis(readAt.Int64)
		msg.ReadAt = &t
	}
	return msg, nil
}

// Reactions lists the emojis user has on a message.
func (s *Store) Reactions(ctx context.Context, id domain.MessageID, user domain.UserID) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT emoji FROM reactions WHERE message_id = ? AND user_id = ? ORDER BY created_at, emoji`,
		string(id), string(user),
	)
	if err != nil {
		return nil, fmt.Errorf("list reactions: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var emoji string
		if err := rows.Scan(&emoji); err != nil {
			return nil, fmt.Errorf("scan reaction: %w", err)
		}
		out = append(out, emoji)
	}
	return out, rows.Err()
}
