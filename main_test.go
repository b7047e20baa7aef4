package main

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"roomchat-server/config"
	"roomchat-server/domain"
	"roomchat-server/hub"
	"roomchat-server/metrics"
)

type nopConn struct {
	id   domain.SessionID
	room domain.RoomID
}

func (c nopConn) ID() domain.SessionID   { return c.id }
func (c nopConn) Room() domain.RoomID    { return c.room }
func (c nopConn) User() domain.Identity  { return domain.Identity{ID: "u1"} }
func (c nopConn) Send(data []byte) error { return nil }
func (c nopConn) Close() error           { return nil }

func TestOpenStore(t *testing.T) {
	dir := t.TempDir()
	tests := []struct {
		name    string
		cfg     config.StorageConfig
		wantErr bool
	}{
		{name: "memory", cfg: config.StorageConfig{Driver: config.DriverMemory}},
		{name: "sqlite", cfg: config.StorageConfig{Driver: config.DriverSQLite, Path: filepath.Join(dir, "chat.db")}},
		{name: "pebble", cfg: config.StorageConfig{Driver: config.DriverPebble, Path: filepath.Join(dir, "pebble")}},
		{name: "unknown", cfg: config.StorageConfig{Driver: "redis"}, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := context.Background()
			s, closeStore, err := openStore(ctx, tt.cfg)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			defer func() { assert.NoError(t, closeStore()) }()

			require.NoError(t, seed(ctx, s, config.SeedConfig{
				Rooms:         []config.SeedRoom{{ID: "general", Participants: []string{"u1", "u2"}}},
				SharedObjects: []domain.SharedObject{{ID: "post-1", Title: "Launch"}},
			}))

			ok, err := s.IsParticipant(ctx, "general", "u2")
			require.NoError(t, err)
			assert.True(t, ok)

			obj, err := s.ResolveSharedObject(ctx, "post-1")
			require.NoError(t, err)
			assert.Equal(t, "Launch", obj.Title)
		})
	}
}

func TestSeed_RejectsRoomWithoutID(t *testing.T) {
	s, _, err := openStore(context.Background(), config.StorageConfig{Driver: config.DriverMemory})
	require.NoError(t, err)
	err = seed(context.Background(), s, config.SeedConfig{Rooms: []config.SeedRoom{{Participants: []string{"u1"}}}})
	assert.Error(t, err)
}

func TestHealthHandler(t *testing.T) {
	rec := httptest.NewRecorder()
	healthHandler(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok"}`, rec.Body.String())
}

func TestStatsHandler(t *testing.T) {
	h := hub.New(metrics.New(prometheus.NewRegistry()))
	h.Register(nopConn{id: "s1", room: "r1"}, domain.Identity{ID: "u1"})
	h.Register(nopConn{id: "s2", room: "r1"}, domain.Identity{ID: "u1"})
	h.Register(nopConn{id: "s3", room: "r2"}, domain.Identity{ID: "u1"})

	rec := httptest.NewRecorder()
	statsHandler(h)(rec, httptest.NewRequest(http.MethodGet, "/stats", nil))

	var got map[string]int
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.Equal(t, map[string]int{"rooms": 2, "sessions": 3}, got)
}
