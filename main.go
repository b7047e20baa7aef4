package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"roomchat-server/auth"
	"roomchat-server/config"
	"roomchat-server/domain"
	"roomchat-server/hub"
	"roomchat-server/metrics"
	"roomchat-server/presence"
	"roomchat-server/protocol"
	"roomchat-server/store/memory"
	"roomchat-server/store/pebble"
	"roomchat-server/store/sqlite"
	"roomchat-server/telemetry"
	ws "roomchat-server/websocket"
)

// chatStore is what every storage driver provides.
type chatStore interface {
	domain.RoomStore
	domain.MessageStore
	domain.Seeder
}

func main() {
	if err := godotenv.Load(); err != nil {
		slog.Warn("no .env file found, using environment variables")
	}

	cfg, err := config.Load(os.Getenv("CHAT_CONFIG"))
	if err != nil {
		slog.Error("config error", "error", err)
		os.Exit(1)
	}
	setupLogger(cfg.Logging)

	ctx := context.Background()
	shutdownTracing, err := telemetry.Setup(ctx, cfg.Telemetry)
	if err != nil {
		slog.Error("telemetry setup failed", "error", err)
		os.Exit(1)
	}

	store, closeStore, err := openStore(ctx, cfg.Storage)
	if err != nil {
		slog.Error("storage error", "driver", cfg.Storage.Driver, "error", err)
		os.Exit(1)
	}
	if err := seed(ctx, store, cfg.Seed); err != nil {
		slog.Error("seed error", "error", err)
		os.Exit(1)
	}

	verifier, err := auth.NewJWTVerifier(auth.Config{
		Secret:   []byte(cfg.Auth.JWTSecret),
		Issuer:   cfg.Auth.Issuer,
		Audience: cfg.Auth.Audience,
		Leeway:   cfg.Auth.Leeway.Duration(),
	})
	if err != nil {
		slog.Error("auth setup failed", "error", err)
		os.Exit(1)
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := metrics.New(registry)

	sessions := hub.New(m)
	tracker := presence.NewTracker(sessions)
	evictCtx, stopEviction := context.WithCancel(ctx)
	retention := cfg.Limits.PresenceRetention.Duration()
	go tracker.RunEviction(evictCtx, retention, min(retention, time.Hour))

	handler := protocol.NewHandler(protocol.Deps{
		Verifier: verifier,
		Rooms:    store,
		Messages: store,
		Hub:      sessions,
		Presence: tracker,
		Metrics:  m,
	}, protocol.Options{
		OperationTimeout: cfg.Limits.OperationTimeout.Duration(),
		MaxContentRunes:  cfg.Limits.MaxContentRunes,
	})

	wsServer := ws.NewServer(handler, ws.Options{
		MaxFrameBytes:   cfg.Limits.MaxFrameBytes.Int64(),
		FramesPerSecond: cfg.Limits.FramesPerSecond,
		FrameBurst:      cfg.Limits.FrameBurst,
		SendBuffer:      cfg.Limits.SendBuffer,
		WriteTimeout:    cfg.Limits.WriteTimeout.Duration(),
		PongTimeout:     cfg.Limits.PongTimeout.Duration(),
		AllowedOrigins:  cfg.Server.AllowedOrigins,
	})

	mux := http.NewServeMux()
	mux.Handle("GET /ws/{room}", wsServer)
	mux.HandleFunc("GET /health", healthHandler)
	mux.HandleFunc("GET /stats", statsHandler(sessions))
	mux.Handle("GET /metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))

	server := &http.Server{
		Addr:              ":" + cfg.Server.Port,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		slog.Info("server starting",
			"port", cfg.Server.Port,
			"storage", cfg.Storage.Driver,
			"maxFrame", cfg.Limits.MaxFrameBytes.String(),
		)
		if err := server.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			slog.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	slog.Info("server shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout.Duration())
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "error", err)
	}
	stopEviction()
	if err := shutdownTracing(shutdownCtx); err != nil {
		slog.Error("tracing shutdown error", "error", err)
	}
	if err := closeStore(); err != nil {
		slog.Error("storage close error", "error", err)
	}
}

func setupLogger(cfg config.LoggingConfig) {
	level := slog.LevelInfo
	switch strings.ToLower(cfg.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}
	opts := &slog.HandlerOptions{Level: level}
	if cfg.Format == "json" {
		slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, opts)))
		return
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stdout, opts)))
}

func openStore(ctx context.Context, cfg config.StorageConfig) (chatStore, func() error, error) {
	switch cfg.Driver {
	case config.DriverSQLite:
		s, err := sqlite.Open(ctx, cfg.Path)
		if err != nil {
			return nil, nil, err
		}
		return s, s.Close, nil
	case config.DriverPebble:
		s, err := pebble.Open(cfg.Path)
		if err != nil {
			return nil, nil, err
		}
		return s, s.Close, nil
	case config.DriverMemory:
		return memory.New(), func() error { return nil }, nil
	}
	return nil, nil, fmt.Errorf("unknown storage driver %q", cfg.Driver)
}

func seed(ctx context.Context, s domain.Seeder, cfg config.SeedConfig) error {
	for _, r := range cfg.Rooms {
		room := domain.Room{ID: domain.RoomID(r.ID)}
		for _, p := range r.Participants {
			room.Participants = append(room.Participants, domain.UserID(p))
		}
		if err := s.PutRoom(ctx, room); err != nil {
			return fmt.Errorf("seed room %s: %w", r.ID, err)
		}
	}
	for _, obj := range cfg.SharedObjects {
		if err := s.PutSharedObject(ctx, obj); err != nil {
			return fmt.Errorf("seed shared object %s: %w", obj.ID, err)
		}
	}
	if len(cfg.Rooms)+len(cfg.SharedObjects) > 0 {
		slog.Info("store seeded", "rooms", len(cfg.Rooms), "sharedObjects", len(cfg.SharedObjects))
	}
	return nil
}

func healthHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

func statsHandler(sessions *hub.Hub) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rooms, live := sessions.Stats()
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]int{"rooms": rooms, "sessions": live})
	}
}
