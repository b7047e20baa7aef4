// Package protocol runs the chat protocol for one connection: admission,
// frame dispatch, and teardown. Every mutating frame is persisted before its
// event is broadcast, and every dropped frame is logged and counted.
package protocol

import (
	"context"
	"errors"
	"log/slog"
	"time"
	"unicode/utf8"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"roomchat-server/domain"
	"roomchat-server/hub"
	"roomchat-server/metrics"
	"roomchat-server/presence"
)

const tracerName = "roomchat-server/protocol"

type Options struct {
	// OperationTimeout bounds every verification and store call.
	OperationTimeout time.Duration
	MaxContentRunes  int
}

// Deps are the collaborators a Handler drives.
type Deps struct {
	Verifier domain.IdentityVerifier
	Rooms    domain.RoomStore
	Messages domain.MessageStore
	Hub      *hub.Hub
	Presence *presence.Tracker
	Metrics  *metrics.Metrics
}

type Handler struct {
	verifier domain.IdentityVerifier
	rooms    domain.RoomStore
	messages domain.MessageStore
	hub      *hub.Hub
	presence *presence.Tracker
	metrics  *metrics.Metrics
	tracer   trace.Tracer
	opts     Options
	now      func() time.Time
}

func NewHandler(d Deps, opts Options) *Handler {
	if opts.OperationTimeout <= 0 {
		opts.OperationTimeout = 5 * time.Second
	}
	if opts.MaxContentRunes <= 0 {
		opts.MaxContentRunes = 4000
	}
	return &Handler{
		verifier: d.Verifier,
		rooms:    d.Rooms,
		messages: d.Messages,
		hub:      d.Hub,
		presence: d.Presence,
		metrics:  d.Metrics,
		tracer:   otel.Tracer(tracerName),
		opts:     opts,
		now:      time.Now,
	}
}

// Authorize verifies the credential and the caller's membership of room.
// Every failure returns domain.ErrRejected; the cause is only logged.
func (h *Handler) Authorize(ctx context.Context, credential string, room domain.RoomID) (domain.Identity, error) {
	ctx, span := h.tracer.Start(ctx, "chat.authorize", trace.WithAttributes(attribute.String("chat.room", string(room))))
	defer span.End()

	vctx, cancel := context.WithTimeout(ctx, h.opts.OperationTimeout)
	identity, err := h.verifier.Verify(vctx, credential)
	cancel()
	if err != nil {
		return domain.Identity{}, h.reject(span, room, "", metrics.ReasonBadCredential, err)
	}

	mctx, cancel := context.WithTimeout(ctx, h.opts.OperationTimeout)
	ok, err := h.rooms.IsParticipant(mctx, room, identity.ID)
	cancel()
	if err != nil {
		return domain.Identity{}, h.reject(span, room, identity.ID, metrics.ReasonMembership, err)
	}
	if !ok {
		return domain.Identity{}, h.reject(span, room, identity.ID, metrics.ReasonNotParticipant, nil)
	}
	span.SetAttributes(attribute.String("chat.user", string(identity.ID)))
	return identity, nil
}

func (h *Handler) reject(span trace.Span, room domain.RoomID, user domain.UserID, reason string, cause error) error {
	h.metrics.ConnectionRejected(reason)
	span.SetStatus(codes.Error, reason)
	args := []any{"room", room, "reason", reason}
	if user != "" {
		args = append(args, "user", user)
	}
	if cause != nil {
		args = append(args, "error", cause)
	}
	slog.Info("connection rejected", args...)
	return domain.ErrRejected
}

// Join registers an authorized connection, announces it to the room, and
// sends the newcomer the users already online there.
func (h *Handler) Join(ctx context.Context, conn domain.Connection) {
	user := conn.User()
	sess := h.hub.Register(conn, user)
	rec := h.presence.OnSessionOpened(user, sess.Room)

	h.broadcast(sess.Room, domain.EventPresence, domain.PresenceEvent{
		User:      user.ID,
		Username:  user.Username,
		IsOnline:  true,
		Timestamp: rec.LastSeen,
	})

	seen := map[domain.UserID]struct{}{user.ID: {}}
	for _, other := range h.hub.SessionsOf(sess.Room) {
		if _, dup := seen[other.User.ID]; dup {
			continue
		}
		seen[other.User.ID] = struct{}{}
		prec, ok := h.presence.Get(other.User.ID)
		if !ok || !prec.Online {
			continue
		}
		data, err := domain.EncodeEvent(domain.EventPresence, domain.PresenceEvent{
			User:      other.User.ID,
			Username:  other.User.Username,
			IsOnline:  true,
			Timestamp: prec.LastSeen,
		})
		if err != nil {
			slog.Error("encode presence snapshot", "error", err)
			continue
		}
		if err := conn.Send(data); err != nil {
			slog.Warn("presence snapshot delivery failed", "room", sess.Room, "sessionId", sess.ID, "error", err)
			return
		}
	}
}

// Leave tears down a session. Only the first call for a session has any
// effect.
func (h *Handler) Leave(conn domain.Connection) {
	sess, ok := h.hub.Deregister(conn.ID())
	if !ok {
		return
	}
	if sess.Typing {
		h.broadcast(sess.Room, domain.EventTyping, domain.TypingEvent{
			User:     sess.User.ID,
			Username: sess.User.Username,
			IsTyping: false,
		})
	}
	rec, offline := h.presence.OnSessionClosed(sess.User)
	if !offline {
		return
	}
	h.broadcast(sess.Room, domain.EventPresence, domain.PresenceEvent{
		User:      sess.User.ID,
		Username:  sess.User.Username,
		IsOnline:  false,
		Timestamp: rec.LastSeen,
	})
}

// Handle processes one inbound frame. It never closes the connection.
func (h *Handler) Handle(ctx context.Context, conn domain.Connection, data []byte) {
	frame, err := domain.DecodeFrame(data)
	if err != nil {
		h.drop(conn, metrics.ReasonMalformed, err)
		return
	}

	ctx, span := h.tracer.Start(ctx, "chat.frame."+frame.FrameType(), trace.WithAttributes(
		attribute.String("chat.room", string(conn.Room())),
		attribute.String("chat.session", string(conn.ID())),
		attribute.String("chat.user", string(conn.User().ID)),
	))
	defer span.End()

	switch f := frame.(type) {
	case domain.MessageFrame:
		h.handleMessage(ctx, span, conn, f)
	case domain.TypingFrame:
		h.handleTyping(conn, f)
	case domain.EditFrame:
		h.handleEdit(ctx, span, conn, f)
	case domain.DeleteFrame:
		h.handleDelete(ctx, span, conn, f)
	case domain.ReactionFrame:
		h.handleReaction(ctx, span, conn, f)
	case domain.ReadFrame:
		h.handleRead(ctx, span, conn)
	}
}

func (h *Handler) handleMessage(ctx context.Context, span trace.Span, conn domain.Connection, f domain.MessageFrame) {
	if utf8.RuneCountInString(f.Content) > h.opts.MaxContentRunes {
		h.drop(conn, metrics.ReasonTooLarge, nil)
		return
	}

	var content domain.Content = domain.TextContent{Text: f.Content}
	if f.SharedObjectID != "" {
		rctx, cancel := context.WithTimeout(ctx, h.opts.OperationTimeout)
		obj, err := h.messages.ResolveSharedObject(rctx, f.SharedObjectID)
		cancel()
		if err != nil {
			h.dropStoreErr(span, conn, err)
			return
		}
		content = domain.SharedObjectContent{ObjectID: obj.ID, Title: obj.Title, Text: f.Content}
	}
	kind, stored, err := domain.EncodeContent(content)
	if err != nil {
		h.drop(conn, metrics.ReasonMalformed, err)
		return
	}

	cctx, cancel := context.WithTimeout(ctx, h.opts.OperationTimeout)
	msg, err := h.messages.Create(cctx, domain.NewMessage{
		Room:    conn.Room(),
		Sender:  conn.User(),
		Kind:    kind,
		Content: stored,
		ReplyTo: f.ReplyTo,
	})
	cancel()
	if err != nil {
		h.failPersistence(span, conn, err)
		return
	}
	span.SetAttributes(attribute.String("chat.message", string(msg.ID)))
	h.broadcast(conn.Room(), domain.EventMessage, domain.NewMessageEvent(msg))
}

func (h *Handler) handleTyping(conn domain.Connection, f domain.TypingFrame) {
	if !h.hub.SetTyping(conn.ID(), f.IsTyping) {
		return
	}
	user := conn.User()
	h.broadcast(conn.Room(), domain.EventTyping, domain.TypingEvent{
		User:     user.ID,
		Username: user.Username,
		IsTyping: f.IsTyping,
	})
}

func (h *Handler) handleEdit(ctx context.Context, span trace.Span, conn domain.Connection, f domain.EditFrame) {
	if utf8.RuneCountInString(f.Content) > h.opts.MaxContentRunes {
		h.drop(conn, metrics.ReasonTooLarge, nil)
		return
	}
	user := conn.User()
	ectx, cancel := context.WithTimeout(ctx, h.opts.OperationTimeout)
	msg, ok, err := h.messages.Edit(ectx, conn.Room(), f.MessageID, user.ID, f.Content)
	cancel()
	if err != nil {
		h.failPersistence(span, conn, err)
		return
	}
	if !ok {
		h.drop(conn, metrics.ReasonUnauthorized, nil, "messageId", f.MessageID)
		return
	}
	h.broadcast(conn.Room(), domain.EventEdited, domain.EditedEvent{
		MessageID: msg.ID,
		Kind:      msg.Kind,
		Content:   msg.Content,
		Editor:    user.ID,
	})
}

func (h *Handler) handleDelete(ctx context.Context, span trace.Span, conn domain.Connection, f domain.DeleteFrame) {
	user := conn.User()
	dctx, cancel := context.WithTimeout(ctx, h.opts.OperationTimeout)
	ok, err := h.messages.SoftDelete(dctx, conn.Room(), f.MessageID, user.ID)
	cancel()
	if err != nil {
		h.failPersistence(span, conn, err)
		return
	}
	if !ok {
		h.drop(conn, metrics.ReasonUnauthorized, nil, "messageId", f.MessageID)
		return
	}
	h.broadcast(conn.Room(), domain.EventDeleted, domain.DeletedEvent{
		MessageID: f.MessageID,
		User:      user.ID,
	})
}

func (h *Handler) handleReaction(ctx context.Context, span trace.Span, conn domain.Connection, f domain.ReactionFrame) {
	user := conn.User()
	rctx, cancel := context.WithTimeout(ctx, h.opts.OperationTimeout)
	action, err := h.messages.ToggleReaction(rctx, conn.Room(), f.MessageID, user.ID, f.Emoji)
	cancel()
	if err != nil {
		h.dropStoreErr(span, conn, err)
		return
	}
	h.broadcast(conn.Room(), domain.EventReaction, domain.ReactionEvent{
		MessageID: f.MessageID,
		User:      user.ID,
		Emoji:     f.Emoji,
		Action:    action,
	})
}

func (h *Handler) handleRead(ctx context.Context, span trace.Span, conn domain.Connection) {
	user := conn.User()
	at := h.now().UTC()
	rctx, cancel := context.WithTimeout(ctx, h.opts.OperationTimeout)
	count, err := h.messages.MarkRead(rctx, conn.Room(), user.ID, at)
	cancel()
	if err != nil {
		h.failPersistence(span, conn, err)
		return
	}
	if count == 0 {
		return
	}
	h.broadcast(conn.Room(), domain.EventRead, domain.ReadEvent{
		User:   user.ID,
		Count:  count,
		ReadAt: at,
	})
}

// dropStoreErr separates missing references from store failures.
func (h *Handler) dropStoreErr(span trace.Span, conn domain.Connection, err error) {
	if errors.Is(err, domain.ErrNotFound) {
		h.drop(conn, metrics.ReasonUnresolvable, err)
		return
	}
	h.failPersistence(span, conn, err)
}

func (h *Handler) failPersistence(span trace.Span, conn domain.Connection, err error) {
	span.RecordError(err)
	span.SetStatus(codes.Error, metrics.ReasonPersistence)
	h.drop(conn, metrics.ReasonPersistence, err)
}

// Drop records a frame discarded before it reached the handler.
func (h *Handler) Drop(conn domain.Connection, reason string) {
	h.drop(conn, reason, nil)
}

func (h *Handler) drop(conn domain.Connection, reason string, cause error, extra ...any) {
	h.metrics.FrameDropped(reason)
	args := append([]any{
		"room", conn.Room(),
		"sessionId", conn.ID(),
		"user", conn.User().ID,
		"reason", reason,
	}, extra...)
	if cause != nil {
		args = append(args, "error", cause)
	}
	if reason == metrics.ReasonPersistence {
		slog.Warn("frame dropped", args...)
		return
	}
	slog.Info("frame dropped", args...)
}

func (h *Handler) broadcast(room domain.RoomID, eventType string, payload any) {
	data, err := domain.EncodeEvent(eventType, payload)
	if err != nil {
		slog.Error("encode event", "room", room, "type", eventType, "error", err)
		return
	}
	delivered := h.hub.Broadcast(room, data, "")
	h.metrics.Broadcast(eventType)
	slog.Debug("event broadcast", "room", room, "type", eventType, "delivered", delivered)
}
