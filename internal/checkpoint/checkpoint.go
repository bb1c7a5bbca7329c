package checkpoint

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/manpreetbhatti/lattice-canvas/internal/db"
	"github.com/manpreetbhatti/lattice-canvas/internal/document"
	"github.com/manpreetbhatti/lattice-canvas/internal/room"
)

type Config struct {
	Interval time.Duration
	// Auto versions kept per room, 0 disables them
	AutoVersions int
}

func DefaultConfig() Config {
	return Config{
		Interval:     30 * time.Second,
		AutoVersions: 10,
	}
}

// Store is the part of the database checkpointing writes to
type Store interface {
	SaveSnapshot(roomID string, records []document.Record, seq uint64) error
	GetLatestVersion(roomID string) (*db.Version, error)
	CreateVersion(roomID, name, description string, records []document.Record, seq uint64, createdBy string, isAuto bool) (*db.Version, error)
	DeleteOldAutoVersions(roomID string, keepCount int) error
}

// Service periodically copies live rooms that changed into the durable replica
type Service struct {
	registry *room.Registry
	store    Store
	config   Config
	log      *zap.Logger

	mu    sync.Mutex
	saved map[string]uint64

	stop     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

func New(registry *room.Registry, store Store, config Config, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	if config.Interval <= 0 {
		config.Interval = DefaultConfig().Interval
	}
	return &Service{
		registry: registry,
		store:    store,
		config:   config,
		log:      logger.Named("checkpoint"),
		saved:    make(map[string]uint64),
		stop:     make(chan struct{}),
	}
}

func (s *Service) Start() {
	s.wg.Add(1)
	go s.run()
	s.log.Info("Checkpoint service started",
		zap.Duration("interval", s.config.Interval), zap.Int("auto_versions", s.config.AutoVersions))
}

func (s *Service) Stop() {
	s.stopOnce.Do(func() { close(s.stop) })
	s.wg.Wait()
	s.log.Info("Checkpoint service stopped")
}

func (s *Service) run() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			s.checkpointAllRooms(context.Background())
		}
	}
}

func (s *Service) checkpointAllRooms(ctx context.Context) int {
	coords := s.registry.Coordinators()

	live := make(map[string]struct{}, len(coords))
	saved := 0
	for _, c := range coords {
		live[c.ID()] = struct{}{}
		if !s.changed(c) {
			continue
		}
		if err := s.checkpoint(ctx, c); err != nil {
			s.log.Warn("Checkpoint failed", zap.String("room", c.ID()), zap.Error(err))
			continue
		}
		saved++
	}

	// Rooms torn down since the last pass were saved by the registry
	s.mu.Lock()
	for id := range s.saved {
		if _, ok := live[id]; !ok {
			delete(s.saved, id)
		}
	}
	s.mu.Unlock()

	if saved > 0 {
		s.log.Info("Checkpointed rooms", zap.Int("count", saved))
	}
	return saved
}

func (s *Service) changed(c *room.Coordinator) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	last, ok := s.saved[c.ID()]
	if !ok {
		return c.Sequence() > 0
	}
	return c.Sequence() != last
}

func (s *Service) checkpoint(ctx context.Context, c *room.Coordinator) error {
	var (
		records []document.Record
		seq     uint64
	)
	// Saving on the loop keeps a discarded room from being written back
	err := c.WithSnapshot(ctx, func(r []document.Record, n uint64) error {
		records, seq = r, n
		return s.store.SaveSnapshot(c.ID(), r, n)
	})
	if errors.Is(err, room.ErrClosed) {
		return fmt.Errorf("failed to snapshot room: %w", err)
	}
	if err != nil {
		return err
	}

	s.mu.Lock()
	s.saved[c.ID()] = seq
	s.mu.Unlock()

	if s.config.AutoVersions > 0 {
		if err := s.autoVersion(c.ID(), records, seq); err != nil {
			return fmt.Errorf("failed to save auto version: %w", err)
		}
	}
	return nil
}

// autoVersion records the document unless it matches the latest version
func (s *Service) autoVersion(roomID string, records []document.Record, seq uint64) error {
	content, err := document.MarshalSnapshot(records)
	if err != nil {
		return err
	}

	latest, err := s.store.GetLatestVersion(roomID)
	if err != nil {
		return err
	}
	if latest != nil && latest.ContentHash == db.ContentHash(content) {
		return nil
	}

	name := "Checkpoint " + time.Now().UTC().Format(time.RFC3339)
	if _, err := s.store.CreateVersion(roomID, name, "", records, seq, "checkpoint", true); err != nil {
		return err
	}
	return s.store.DeleteOldAutoVersions(roomID, s.config.AutoVersions)
}

// CheckpointNow saves one live room regardless of whether it changed
func (s *Service) CheckpointNow(ctx context.Context, roomID string) error {
	c, ok := s.registry.Get(roomID)
	if !ok {
		return fmt.Errorf("room %s is not live", roomID)
	}
	return s.checkpoint(ctx, c)
}
