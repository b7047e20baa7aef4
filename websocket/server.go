// Package websocket is the gorilla/websocket transport for chat rooms.
package websocket

import (
	"context"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"roomchat-server/domain"
)

// Protocol is the per-connection behaviour the transport drives.
type Protocol interface {
	domain.Lifecycle
	Authorize(ctx context.Context, credential string, room domain.RoomID) (domain.Identity, error)
	Drop(conn domain.Connection, reason string)
}

type Options struct {
	MaxFrameBytes   int64
	FramesPerSecond float64
	FrameBurst      int
	SendBuffer      int
	WriteTimeout    time.Duration
	PongTimeout     time.Duration
	// AllowedOrigins restricts browser origins. Empty allows any origin.
	AllowedOrigins []string
}

func (o Options) withDefaults() Options {
	if o.MaxFrameBytes <= 0 {
		o.MaxFrameBytes = 16 * 1024
	}
	if o.FramesPerSecond <= 0 {
		o.FramesPerSecond = 20
	}
	if o.FrameBurst <= 0 {
		o.FrameBurst = 40
	}
	if o.SendBuffer <= 0 {
		o.SendBuffer = 256
	}
	if o.WriteTimeout <= 0 {
		o.WriteTimeout = 10 * time.Second
	}
	if o.PongTimeout <= 0 {
		o.PongTimeout = 60 * time.Second
	}
	return o
}

func (o Options) pingPeriod() time.Duration {
	return (o.PongTimeout * 9) / 10
}

// Server upgrades GET /ws/{room} requests. Credentials come from the token
// query parameter or an Authorization: Bearer header.
type Server struct {
	protocol Protocol
	opts     Options
	upgrader websocket.Upgrader
}

func NewServer(p Protocol, opts Options) *Server {
	opts = opts.withDefaults()
	s := &Server{protocol: p, opts: opts}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     s.checkOrigin,
	}
	return s
}

func (s *Server) checkOrigin(r *http.Request) bool {
	if len(s.opts.AllowedOrigins) == 0 {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	for _, allowed := range s.opts.AllowedOrigins {
		if strings.EqualFold(origin, allowed) {
			return true
		}
	}
	return false
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	room := domain.RoomID(strings.TrimSpace(r.PathValue("room")))
	if room == "" {
		http.NotFound(w, r)
		return
	}

	// Rejections get a bare 403 before the upgrade; no frame is ever sent.
	identity, err := s.protocol.Authorize(r.Context(), credentialFrom(r), room)
	if err != nil {
		w.WriteHeader(http.StatusForbidden)
		return
	}

	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Error("upgrade error", "room", room, "user", identity.ID, "error", err)
		return
	}

	id := domain.SessionID(uuid.New().String())
	conn := newConn(id, room, identity, ws, s.protocol, s.opts)
	conn.Start()
}

func credentialFrom(r *http.Request) string {
	if token := strings.TrimSpace(r.URL.Query().Get("token")); token != "" {
		return token
	}
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	if len(header) > len("bearer ") && strings.EqualFold(header[:len("bearer ")], "bearer ") {
		return strings.TrimSpace(header[len("bearer "):])
	}
	return ""
}
