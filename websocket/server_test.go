package websocket

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"roomchat-server/auth"
	"roomchat-server/domain"
	"roomchat-server/hub"
	"roomchat-server/metrics"
	"roomchat-server/presence"
	"roomchat-server/protocol"
	"roomchat-server/store/memory"
)

var (
	alice = domain.Identity{ID: "u-alice", Username: "alice"}
	bob   = domain.Identity{ID: "u-bob", Username: "bob"}
	eve   = domain.Identity{ID: "u-eve", Username: "eve"}
)

var testSecret = []byte("ws-test-secret")

type testServer struct {
	*httptest.Server
	hub     *hub.Hub
	metrics *metrics.Metrics
	issuer  *auth.Issuer
}

func newTestServer(t *testing.T, opts Options) *testServer {
	t.Helper()
	store := memory.New()
	require.NoError(t, store.PutRoom(context.Background(), domain.Room{
		ID:           "general",
		Participants: []domain.UserID{alice.ID, bob.ID},
	}))

	verifier, err := auth.NewJWTVerifier(auth.Config{Secret: testSecret})
	require.NoError(t, err)

	m := metrics.New(prometheus.NewRegistry())
	h := hub.New(m)
	handler := protocol.NewHandler(protocol.Deps{
		Verifier: verifier,
		Rooms:    store,
		Messages: store,
		Hub:      h,
		Presence: presence.NewTracker(h),
		Metrics:  m,
	}, protocol.Options{OperationTimeout: time.Second, MaxContentRunes: 4000})

	mux := http.NewServeMux()
	mux.Handle("GET /ws/{room}", NewServer(handler, opts))
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	return &testServer{
		Server:  srv,
		hub:     h,
		metrics: m,
		issuer:  auth.NewIssuer(auth.Config{Secret: testSecret}),
	}
}

func (s *testServer) url(room string) string {
	return "ws" + strings.TrimPrefix(s.URL, "http") + "/ws/" + room
}

func (s *testServer) token(t *testing.T, user domain.Identity) string {
	t.Helper()
	tok, err := s.issuer.Issue(user, time.Hour)
	require.NoError(t, err)
	return tok
}

func (s *testServer) connect(t *testing.T, user domain.Identity) *websocket.Conn {
	t.Helper()
	c, resp, err := websocket.DefaultDialer.Dial(s.url("general")+"?token="+s.token(t, user), nil)
	require.NoError(t, err)
	require.Equal(t, http.StatusSwitchingProtocols, resp.StatusCode)
	t.Cleanup(func() { c.Close() })
	return c
}

func writeFrame(t *testing.T, c *websocket.Conn, frameType string, data any) {
	t.Helper()
	raw, err := json.Marshal(data)
	require.NoError(t, err)
	require.NoError(t, c.WriteJSON(domain.Envelope{Type: frameType, Data: raw}))
}

// nextEvent reads until an event of eventType arrives, skipping others.
func nextEvent(t *testing.T, c *websocket.Conn, eventType string) domain.Envelope {
	t.Helper()
	require.NoError(t, c.SetReadDeadline(time.Now().Add(3*time.Second)))
	for {
		var env domain.Envelope
		require.NoError(t, c.ReadJSON(&env))
		if env.Type == eventType {
			return env
		}
	}
}

func decode[T any](t *testing.T, env domain.Envelope) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(env.Data, &v))
	return v
}

func TestServer_RejectsBeforeUpgrade(t *testing.T) {
	srv := newTestServer(t, Options{})

	tests := []struct {
		name   string
		target string
		header http.Header
	}{
		{name: "no credential", target: srv.url("general")},
		{name: "garbage token", target: srv.url("general") + "?token=garbage"},
		{name: "non participant", target: srv.url("general") + "?token=" + srv.token(t, eve)},
		{name: "unknown room", target: srv.url("elsewhere") + "?token=" + srv.token(t, alice)},
		{name: "bad bearer", target: srv.url("general"), header: http.Header{"Authorization": {"Bearer nope"}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, resp, err := websocket.DefaultDialer.Dial(tt.target, tt.header)
			if c != nil {
				c.Close()
			}
			require.ErrorIs(t, err, websocket.ErrBadHandshake)
			require.NotNil(t, resp)
			assert.Equal(t, http.StatusForbidden, resp.StatusCode)
		})
	}

	rooms, sessions := srv.hub.Stats()
	assert.Zero(t, rooms)
	assert.Zero(t, sessions)
}

func TestServer_BearerHeader(t *testing.T) {
	srv := newTestServer(t, Options{})
	header := http.Header{"Authorization": {"Bearer " + srv.token(t, alice)}}

	c, _, err := websocket.DefaultDialer.Dial(srv.url("general"), header)
	require.NoError(t, err)
	defer c.Close()

	ev := decode[domain.PresenceEvent](t, nextEvent(t, c, domain.EventPresence))
	assert.Equal(t, alice.ID, ev.User)
}

func TestServer_TwoUserScenario(t *testing.T) {
	srv := newTestServer(t, Options{})

	a := srv.connect(t, alice)
	selfOnline := decode[domain.PresenceEvent](t, nextEvent(t, a, domain.EventPresence))
	assert.Equal(t, alice.ID, selfOnline.User)

	b := srv.connect(t, bob)

	bOnline := decode[domain.PresenceEvent](t, nextEvent(t, a, domain.EventPresence))
	assert.Equal(t, bob.ID, bOnline.User)
	assert.True(t, bOnline.IsOnline)

	// B sees its own announcement and a snapshot entry for A, in either order.
	seen := map[domain.UserID]bool{}
	for i := 0; i < 2; i++ {
		p := decode[domain.PresenceEvent](t, nextEvent(t, b, domain.EventPresence))
		seen[p.User] = p.IsOnline
	}
	assert.Equal(t, map[domain.UserID]bool{alice.ID: true, bob.ID: true}, seen)

	writeFrame(t, a, domain.FrameMessage, map[string]string{"content": "hi"})
	toA := decode[domain.MessageEvent](t, nextEvent(t, a, domain.EventMessage))
	toB := decode[domain.MessageEvent](t, nextEvent(t, b, domain.EventMessage))
	assert.Equal(t, "hi", toA.Content)
	assert.Equal(t, toA.ID, toB.ID)
	assert.Equal(t, toA.Content, toB.Content)
	assert.Equal(t, alice.ID, toB.Sender.ID)

	writeFrame(t, b, domain.FrameReaction, map[string]any{"message_id": toA.ID, "emoji": "👍"})
	for _, c := range []*websocket.Conn{a, b} {
		r := decode[domain.ReactionEvent](t, nextEvent(t, c, domain.EventReaction))
		assert.Equal(t, domain.ReactionEvent{MessageID: toA.ID, User: bob.ID, Emoji: "👍", Action: domain.ReactionAdded}, r)
	}

	require.NoError(t, b.Close())
	offline := decode[domain.PresenceEvent](t, nextEvent(t, a, domain.EventPresence))
	assert.Equal(t, bob.ID, offline.User)
	assert.False(t, offline.IsOnline)

	assert.Eventually(t, func() bool {
		_, sessions := srv.hub.Stats()
		return sessions == 1
	}, 2*time.Second, 10*time.Millisecond)
}

func TestServer_OversizedFrameKeepsConnection(t *testing.T) {
	srv := newTestServer(t, Options{MaxFrameBytes: 256})
	a := srv.connect(t, alice)
	nextEvent(t, a, domain.EventPresence)

	writeFrame(t, a, domain.FrameMessage, map[string]string{"content": strings.Repeat("x", 1024)})
	require.NoError(t, a.WriteMessage(websocket.BinaryMessage, []byte{0x1, 0x2}))
	writeFrame(t, a, domain.FrameMessage, map[string]string{"content": "small"})

	ev := decode[domain.MessageEvent](t, nextEvent(t, a, domain.EventMessage))
	assert.Equal(t, "small", ev.Content)
	assert.Equal(t, float64(1), testutil.ToFloat64(srv.metrics.FramesDropped.WithLabelValues(metrics.ReasonTooLarge)))
	assert.Equal(t, float64(1), testutil.ToFloat64(srv.metrics.FramesDropped.WithLabelValues(metrics.ReasonMalformed)))
}

func TestServer_RateLimitDropsExcessFrames(t *testing.T) {
	srv := newTestServer(t, Options{FramesPerSecond: 0.5, FrameBurst: 1})
	a := srv.connect(t, alice)
	nextEvent(t, a, domain.EventPresence)

	for i := 0; i < 3; i++ {
		writeFrame(t, a, domain.FrameTyping, map[string]bool{"is_typing": true})
	}

	assert.Eventually(t, func() bool {
		return testutil.ToFloat64(srv.metrics.FramesDropped.WithLabelValues(metrics.ReasonRateLimited)) == 2
	}, 2*time.Second, 10*time.Millisecond)

	typing := decode[domain.TypingEvent](t, nextEvent(t, a, domain.EventTyping))
	assert.True(t, typing.IsTyping)
}

func TestCredentialFrom(t *testing.T) {
	tests := []struct {
		name   string
		target string
		auth   string
		want   string
	}{
		{name: "query", target: "/ws/r?token=abc", want: "abc"},
		{name: "bearer", target: "/ws/r", auth: "Bearer abc", want: "abc"},
		{name: "bearer lowercase", target: "/ws/r", auth: "bearer abc", want: "abc"},
		{name: "query wins", target: "/ws/r?token=q", auth: "Bearer h", want: "q"},
		{name: "basic ignored", target: "/ws/r", auth: "Basic abc", want: ""},
		{name: "none", target: "/ws/r", want: ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest(http.MethodGet, tt.target, nil)
			if tt.auth != "" {
				r.Header.Set("Authorization", tt.auth)
			}
			assert.Equal(t, tt.want, credentialFrom(r))
		})
	}
}

func TestServer_CheckOrigin(t *testing.T) {
	s := NewServer(nil, Options{AllowedOrigins: []string{"https://app.example"}})
	tests := []struct {
		origin string
		want   bool
	}{
		{origin: "", want: true},
		{origin: "https://app.example", want: true},
		{origin: "https://evil.example", want: false},
	}
	for _, tt := range tests {
		r := httptest.NewRequest(http.MethodGet, "/ws/r", nil)
		if tt.origin != "" {
			r.Header.Set("Origin", tt.origin)
		}
		assert.Equal(t, tt.want, s.checkOrigin(r), tt.origin)
	}
}

// closingProtocol closes every connection while it joins.
type closingProtocol struct {
	left chan domain.ConnState
}

func (p *closingProtocol) Authorize(ctx context.Context, credential string, room domain.RoomID) (domain.Identity, error) {
	return alice, nil
}

func (p *closingProtocol) Join(ctx context.Context, conn domain.Connection) {
	conn.Close()
}

func (p *closingProtocol) Handle(ctx context.Context, conn domain.Connection, data []byte) {}

func (p *closingProtocol) Leave(conn domain.Connection) {
	p.left <- conn.(*Conn).State()
}

func (p *closingProtocol) Drop(conn domain.Connection, reason string) {}

func TestConn_ClosedDuringJoinStaysClosed(t *testing.T) {
	p := &closingProtocol{left: make(chan domain.ConnState, 1)}
	mux := http.NewServeMux()
	mux.Handle("GET /ws/{room}", NewServer(p, Options{}))
	srv := httptest.NewServer(mux)
	defer srv.Close()

	c, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http")+"/ws/general", nil)
	require.NoError(t, err)
	defer c.Close()

	select {
	case state := <-p.left:
		assert.Equal(t, domain.StateClosed, state)
	case <-time.After(3 * time.Second):
		t.Fatal("leave was not called")
	}
}
