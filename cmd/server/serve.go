package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/manpreetbhatti/lattice-canvas/internal/api"
	"github.com/manpreetbhatti/lattice-canvas/internal/backplane"
	"github.com/manpreetbhatti/lattice-canvas/internal/checkpoint"
	"github.com/manpreetbhatti/lattice-canvas/internal/config"
	"github.com/manpreetbhatti/lattice-canvas/internal/db"
	"github.com/manpreetbhatti/lattice-canvas/internal/logging"
	"github.com/manpreetbhatti/lattice-canvas/internal/room"
	"github.com/manpreetbhatti/lattice-canvas/internal/ws"
)

const shutdownTimeout = 10 * time.Second

func loadConfig(opts *serveOptions) (*config.Config, error) {
	cfg, err := config.Load(opts.configPath)
	if err != nil {
		return nil, err
	}
	if opts.addr != "" {
		cfg.Server.Addr = opts.addr
	}
	if opts.dbPath != "" {
		cfg.Database.Path = opts.dbPath
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func runServe(ctx context.Context, opts *serveOptions) error {
	if ctx == nil {
		ctx = context.Background()
	}

	cfg, err := loadConfig(opts)
	if err != nil {
		return err
	}

	logger, err := logging.New(cfg.Log.Level, cfg.Log.Development)
	if err != nil {
		return err
	}
	defer logger.Sync()

	srv, err := newServer(cfg, logger)
	if err != nil {
		return err
	}
	defer srv.close()

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	srv.start(ctx)

	httpServer := &http.Server{
		Addr:         cfg.Server.Addr,
		Handler:      srv.routes(),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("🌸 Canvas server starting", zap.String("addr", cfg.Server.Addr))
		logger.Info("📁 Database", zap.String("path", cfg.Database.Path))
		logger.Info("Endpoints",
			zap.Strings("routes", []string{
				"WebSocket: /ws?room={roomId}",
				"Health:    GET /health",
				"Stats:     GET /api/stats",
				"Rooms:     GET/POST /api/rooms",
				"Room:      GET/DELETE /api/rooms/{id}",
				"Presence:  GET /api/rooms/{id}/presence",
				"Document:  GET /api/rooms/{id}/document",
				"Versions:  GET/POST /api/versions",
				"Version:   GET/DELETE /api/versions/{id}",
				"Diff:      GET /api/versions/diff?from=X&to=Y",
				"Restore:   POST /api/versions/{id}/restore",
			}))
		errCh <- httpServer.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server failed: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	logger.Info("Shutting down server...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	// WebSocket connections are hijacked, so Shutdown does not wait for them
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("HTTP shutdown incomplete", zap.Error(err))
	}
	return nil
}

// server owns every long-lived component of one process
type server struct {
	cfg *config.Config
	log *zap.Logger

	database    *db.Database
	backplane   *backplane.Backplane
	registry    *room.Registry
	hub         *ws.Hub
	checkpoints *checkpoint.Service
	api         *api.API

	relayCancel context.CancelFunc
	relayDone   chan struct{}
}

func newServer(cfg *config.Config, logger *zap.Logger) (*server, error) {
	database, err := db.New(cfg.Database.Path, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize database: %w", err)
	}

	s := &server{cfg: cfg, log: logger, database: database}

	roomOpts := room.Options{
		HistoryDepth: cfg.Room.HistoryDepth,
		Logger:       logger,
	}

	// Leave the presence source nil unless Redis is configured
	var presenceSource api.PresenceSource
	if cfg.Redis.Enabled() {
		bp, err := backplane.New(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		}, cfg.Redis.Namespace, cfg.Redis.PresenceTTL, logger)
		if err != nil {
			database.Close()
			return nil, fmt.Errorf("failed to initialize backplane: %w", err)
		}

		pingCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		err = bp.Ping(pingCtx)
		cancel()
		if err != nil {
			bp.Close()
			database.Close()
			return nil, fmt.Errorf("failed to connect to redis at %s: %w", cfg.Redis.Addr, err)
		}

		s.backplane = bp
		roomOpts.Observer = bp
		presenceSource = bp
		logger.Info("🔗 Redis backplane connected", zap.String("addr", cfg.Redis.Addr), zap.String("instance", bp.InstanceID()))
	}

	s.registry = room.NewRegistry(cfg.Room.GracePeriod, database, roomOpts)
	s.hub = ws.NewHub(s.registry, ws.Settings{
		ReadBufferSize:    cfg.WebSocket.ReadBufferSize,
		WriteBufferSize:   cfg.WebSocket.WriteBufferSize,
		MaxMessageSize:    cfg.WebSocket.MaxMessageSize,
		SendBuffer:        cfg.WebSocket.SendBuffer,
		WriteWait:         cfg.WebSocket.WriteWait,
		PongWait:          cfg.WebSocket.PongWait,
		MessagesPerSecond: cfg.WebSocket.MessagesPerSecond,
		MessageBurst:      cfg.WebSocket.MessageBurst,
		AllowedOrigins:    cfg.Server.AllowedOrigins,
	}, logger)

	if cfg.Checkpoint.Enabled {
		s.checkpoints = checkpoint.New(s.registry, database, checkpoint.Config{
			Interval:     cfg.Checkpoint.Interval,
			AutoVersions: cfg.Checkpoint.AutoVersions,
		}, logger)
	}

	s.api = api.New(s.registry, database, presenceSource, logger)
	return s, nil
}

func (s *server) start(ctx context.Context) {
	if s.checkpoints != nil {
		s.checkpoints.Start()
	}

	if s.backplane != nil {
		relayCtx, cancel := context.WithCancel(ctx)
		s.relayCancel = cancel
		s.relayDone = make(chan struct{})
		go func() {
			defer close(s.relayDone)
			if err := s.backplane.Relay(relayCtx, s.registry); err != nil && !errors.Is(err, context.Canceled) {
				s.log.Error("Event relay stopped", zap.Error(err))
			}
		}()
	}
}

func (s *server) routes() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/ws", func(w http.ResponseWriter, r *http.Request) {
		ws.ServeWs(s.hub, w, r)
	})

	mux.HandleFunc("/health", s.api.HealthHandler)
	mux.HandleFunc("/api/stats", s.api.StatsHandler)
	mux.HandleFunc("/api/rooms", s.api.RoomsRouter)
	mux.HandleFunc("/api/rooms/", s.api.RoomsRouter)
	mux.HandleFunc("/api/versions", s.api.VersionsRouter)
	mux.HandleFunc("/api/versions/", s.api.VersionsRouter)

	return corsMiddleware(mux)
}

// close disconnects clients, then persists every room before the database closes
func (s *server) close() {
	s.hub.Close()
	if s.checkpoints != nil {
		s.checkpoints.Stop()
	}
	s.registry.Close()

	if s.relayCancel != nil {
		s.relayCancel()
		<-s.relayDone
	}
	if s.backplane != nil {
		if err := s.backplane.Close(); err != nil {
			s.log.Warn("Failed to close backplane", zap.Error(err))
		}
	}
	if err := s.database.Close(); err != nil {
		s.log.Warn("Failed to close database", zap.Error(err))
	}
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")

		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}
