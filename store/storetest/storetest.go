// Package storetest holds the behavioural suite every store backend must pass.
package storetest

import (
	"context"
	"sort"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"roomchat-server/domain"
)

// Store is the surface exercised by the suite.
type Store interface {
	domain.RoomStore
	domain.MessageStore
	domain.Seeder
	Get(ctx context.Context, id domain.MessageID) (domain.Message, error)
	Reactions(ctx context.Context, id domain.MessageID, user domain.UserID) ([]string, error)
	LastActivity(ctx context.Context, room domain.RoomID) (time.Time, error)
}

var (
	Alice = domain.Identity{ID: "u-alice", Username: "alice"}
	Bob   = domain.Identity{ID: "u-bob", Username: "bob"}
	Carol = domain.Identity{ID: "u-carol", Username: "carol"}
)

const (
	RoomA domain.RoomID = "room-a"
	RoomB domain.RoomID = "room-b"
)

// Run executes the suite. open must return a fresh, empty store.
func Run(t *testing.T, open func(t *testing.T) Store) {
	t.Helper()

	seed := func(t *testing.T) Store {
		t.Helper()
		s := open(t)
		ctx := context.Background()
		require.NoError(t, s.PutRoom(ctx, domain.Room{ID: RoomA, Participants: []domain.UserID{Alice.ID, Bob.ID}}))
		require.NoError(t, s.PutRoom(ctx, domain.Room{ID: RoomB, Participants: []domain.UserID{Carol.ID}}))
		require.NoError(t, s.PutSharedObject(ctx, domain.SharedObject{ID: "post-1", Title: "Launch day"}))
		return s
	}

	t.Run("IsParticipant", func(t *testing.T) {
		s := seed(t)
		ctx := context.Background()
		tests := []struct {
			room domain.RoomID
			user domain.UserID
			want bool
		}{
			{RoomA, Alice.ID, true},
			{RoomA, Bob.ID, true},
			{RoomA, Carol.ID, false},
			{RoomB, Carol.ID, true},
			{"missing", Alice.ID, false},
		}
		for _, tt := range tests {
			got, err := s.IsParticipant(ctx, tt.room, tt.user)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got, "room=%s user=%s", tt.room, tt.user)
		}
	})

	t.Run("CreateAssignsOrderedIDs", func(t *testing.T) {
		s := seed(t)
		ctx := context.Background()

		first, err := s.Create(ctx, domain.NewMessage{Room: RoomA, Sender: Alice, Content: "one"})
		require.NoError(t, err)
		second, err := s.Create(ctx, domain.NewMessage{Room: RoomA, Sender: Alice, Content: "two"})
		require.NoError(t, err)

		assert.NotEmpty(t, first.ID)
		assert.Less(t, string(first.ID), string(second.ID))
		assert.Equal(t, domain.KindText, first.Kind)
		assert.Equal(t, Alice, first.Sender)
		assert.False(t, first.Read)
		assert.False(t, first.CreatedAt.IsZero())

		got, err := s.Get(ctx, first.ID)
		require.NoError(t, err)
		assert.Equal(t, "one", got.Content)
		assert.Equal(t, RoomA, got.Room)
		assert.Equal(t, Alice, got.Sender)
	})

	t.Run("CreateTouchesLastActivity", func(t *testing.T) {
		s := seed(t)
		ctx := context.Background()
		before, err := s.LastActivity(ctx, RoomA)
		require.NoError(t, err)
		assert.True(t, before.IsZero())

		msg, err := s.Create(ctx, domain.NewMessage{Room: RoomA, Sender: Alice, Content: "ping"})
		require.NoError(t, err)

		after, err := s.LastActivity(ctx, RoomA)
		require.NoError(t, err)
		assert.True(t, msg.CreatedAt.Equal(after))

		untouched, err := s.LastActivity(ctx, RoomB)
		require.NoError(t, err)
		assert.True(t, untouched.IsZero())

		_, err = s.LastActivity(ctx, "missing")
		assert.ErrorIs(t, err, domain.ErrNotFound)
	})

	t.Run("CreateUnknownRoom", func(t *testing.T) {
		s := seed(t)
		_, err := s.Create(context.Background(), domain.NewMessage{Room: "missing", Sender: Alice, Content: "x"})
		assert.ErrorIs(t, err, domain.ErrNotFound)
	})

	t.Run("CreateKeepsReplyWithinRoom", func(t *testing.T) {
		s := seed(t)
		ctx := context.Background()
		parent, err := s.Create(ctx, domain.NewMessage{Room: RoomA, Sender: Alice, Content: "parent"})
		require.NoError(t, err)
		foreign, err := s.Create(ctx, domain.NewMessage{Room: RoomB, Sender: Carol, Content: "elsewhere"})
		require.NoError(t, err)

		reply, err := s.Create(ctx, domain.NewMessage{Room: RoomA, Sender: Bob, Content: "reply", ReplyTo: parent.ID})
		require.NoError(t, err)
		assert.Equal(t, parent.ID, reply.ReplyTo)

		stray, err := s.Create(ctx, domain.NewMessage{Room: RoomA, Sender: Bob, Content: "stray", ReplyTo: foreign.ID})
		require.NoError(t, err)
		assert.Empty(t, stray.ReplyTo)
	})

	t.Run("EditBySenderOnly", func(t *testing.T) {
		s := seed(t)
		ctx := context.Background()
		msg, err := s.Create(ctx, domain.NewMessage{Room: RoomA, Sender: Alice, Content: "original"})
		require.NoError(t, err)

		_, ok, err := s.Edit(ctx, RoomA, msg.ID, Bob.ID, "hijack")
		require.NoError(t, err)
		assert.False(t, ok)

		_, ok, err = s.Edit(ctx, RoomB, msg.ID, Alice.ID, "wrong room")
		require.NoError(t, err)
		assert.False(t, ok)

		got, err := s.Get(ctx, msg.ID)
		require.NoError(t, err)
		assert.Equal(t, "original", got.Content)
		assert.False(t, got.Edited)

		edited, ok, err := s.Edit(ctx, RoomA, msg.ID, Alice.ID, "revised")
		require.NoError(t, err)
		assert.True(t, ok)
		assert.Equal(t, "revised", edited.Content)
		assert.Equal(t, domain.KindText, edited.Kind)

		got, err = s.Get(ctx, msg.ID)
		require.NoError(t, err)
		assert.Equal(t, "revised", got.Content)
		assert.True(t, got.Edited)
		assert.False(t, got.Deleted)
	})

	t.Run("SharedObjectStaysDecodable", func(t *testing.T) {
		s := seed(t)
		ctx := context.Background()
		kind, stored, err := domain.EncodeContent(domain.SharedObjectContent{ObjectID: "post-1", Title: "Launch", Text: "look"})
		require.NoError(t, err)
		msg, err := s.Create(ctx, domain.NewMessage{Room: RoomA, Sender: Alice, Kind: kind, Content: stored})
		require.NoError(t, err)

		edited, ok, err := s.Edit(ctx, RoomA, msg.ID, Alice.ID, "new text")
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, domain.KindSharedObject, edited.Kind)

		got, err := s.Get(ctx, msg.ID)
		require.NoError(t, err)
		assert.Equal(t, edited.Content, got.Content)
		content, err := domain.DecodeContent(got.Kind, got.Content)
		require.NoError(t, err)
		assert.Equal(t, domain.SharedObjectContent{ObjectID: "post-1", Title: "Launch", Text: "new text"}, content)

		ok, err = s.SoftDelete(ctx, RoomA, msg.ID, Alice.ID)
		require.NoError(t, err)
		require.True(t, ok)

		got, err = s.Get(ctx, msg.ID)
		require.NoError(t, err)
		assert.Equal(t, domain.KindText, got.Kind)
		content, err = domain.DecodeContent(got.Kind, got.Content)
		require.NoError(t, err)
		assert.Equal(t, domain.TextContent{Text: domain.DeletedPlaceholder}, content)
	})

	t.Run("EditMissingMessage", func(t *testing.T) {
		s := seed(t)
		_, ok, err := s.Edit(context.Background(), RoomA, "missing", Alice.ID, "x")
		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("SoftDeleteIsIdempotent", func(t *testing.T) {
		s := seed(t)
		ctx := context.Background()
		msg, err := s.Create(ctx, domain.NewMessage{Room: RoomA, Sender: Alice, Content: "secret"})
		require.NoError(t, err)

		ok, err := s.SoftDelete(ctx, RoomA, msg.ID, Bob.ID)
		require.NoError(t, err)
		assert.False(t, ok)

		ok, err = s.SoftDelete(ctx, RoomA, msg.ID, Alice.ID)
		require.NoError(t, err)
		assert.True(t, ok)

		ok, err = s.SoftDelete(ctx, RoomA, msg.ID, Alice.ID)
		require.NoError(t, err)
		assert.False(t, ok)

		got, err := s.Get(ctx, msg.ID)
		require.NoError(t, err)
		assert.True(t, got.Deleted)
		assert.Equal(t, domain.DeletedPlaceholder, got.Content)
		assert.Equal(t, msg.ID, got.ID)
		assert.Equal(t, Alice.ID, got.Sender.ID)
		assert.True(t, msg.CreatedAt.Equal(got.CreatedAt))

		_, ok, err = s.Edit(ctx, RoomA, msg.ID, Alice.ID, "resurrect")
		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("ToggleReaction", func(t *testing.T) {
		s := seed(t)
		ctx := context.Background()
		msg, err := s.Create(ctx, domain.NewMessage{Room: RoomA, Sender: Alice, Content: "react to me"})
		require.NoError(t, err)

		action, err := s.ToggleReaction(ctx, RoomA, msg.ID, Bob.ID, "👍")
		require.NoError(t, err)
		assert.Equal(t, domain.ReactionAdded, action)

		action, err = s.ToggleReaction(ctx, RoomA, msg.ID, Bob.ID, "🎉")
		require.NoError(t, err)
		assert.Equal(t, domain.ReactionAdded, action)

		emojis, err := s.Reactions(ctx, msg.ID, Bob.ID)
		require.NoError(t, err)
		sort.Strings(emojis)
		assert.ElementsMatch(t, []string{"👍", "🎉"}, emojis)

		action, err = s.ToggleReaction(ctx, RoomA, msg.ID, Bob.ID, "👍")
		require.NoError(t, err)
		assert.Equal(t, domain.ReactionRemoved, action)

		emojis, err = s.Reactions(ctx, msg.ID, Bob.ID)
		require.NoError(t, err)
		assert.Equal(t, []string{"🎉"}, emojis)

		_, err = s.ToggleReaction(ctx, RoomA, "missing", Bob.ID, "👍")
		assert.ErrorIs(t, err, domain.ErrNotFound)

		_, err = s.ToggleReaction(ctx, RoomB, msg.ID, Bob.ID, "👍")
		assert.ErrorIs(t, err, domain.ErrNotFound)
	})

	t.Run("MarkReadSkipsOwnAndDeleted", func(t *testing.T) {
		s := seed(t)
		ctx := context.Background()
		fromAlice, err := s.Create(ctx, domain.NewMessage{Room: RoomA, Sender: Alice, Content: "a1"})
		require.NoError(t, err)
		_, err = s.Create(ctx, domain.NewMessage{Room: RoomA, Sender: Alice, Content: "a2"})
		require.NoError(t, err)
		deleted, err := s.Create(ctx, domain.NewMessage{Room: RoomA, Sender: Alice, Content: "a3"})
		require.NoError(t, err)
		fromBob, err := s.Create(ctx, domain.NewMessage{Room: RoomA, Sender: Bob, Content: "b1"})
		require.NoError(t, err)
		_, err = s.SoftDelete(ctx, RoomA, deleted.ID, Alice.ID)
		require.NoError(t, err)

		at := time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)
		count, err := s.MarkRead(ctx, RoomA, Bob.ID, at)
		require.NoError(t, err)
		assert.Equal(t, 2, count)

		got, err := s.Get(ctx, fromAlice.ID)
		require.NoError(t, err)
		assert.True(t, got.Read)
		require.NotNil(t, got.ReadAt)
		assert.True(t, at.Equal(*got.ReadAt))

		own, err := s.Get(ctx, fromBob.ID)
		require.NoError(t, err)
		assert.False(t, own.Read)

		count, err = s.MarkRead(ctx, RoomA, Bob.ID, at)
		require.NoError(t, err)
		assert.Zero(t, count)
	})

	t.Run("ResolveSharedObject", func(t *testing.T) {
		s := seed(t)
		ctx := context.Background()
		obj, err := s.ResolveSharedObject(ctx, "post-1")
		require.NoError(t, err)
		assert.Equal(t, "Launch day", obj.Title)

		_, err = s.ResolveSharedObject(ctx, "post-404")
		assert.ErrorIs(t, err, domain.ErrNotFound)
	})

	t.Run("CancelledContext", func(t *testing.T) {
		s := seed(t)
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		_, err := s.Create(ctx, domain.NewMessage{Room: RoomA, Sender: Alice, Content: "late"})
		assert.Error(t, err)
	})
}
