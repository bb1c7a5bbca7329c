package room

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/manpreetbhatti/lattice-canvas/internal/document"
	"github.com/manpreetbhatti/lattice-canvas/internal/events"
)

var ErrRoomInUse = errors.New("room has active connections")

// Persister is the durable replica of room documents
type Persister interface {
	LoadSnapshot(roomID string) ([]document.Record, uint64, error)
	SaveSnapshot(roomID string, records []document.Record, seq uint64) error
}

type slot struct {
	coord  *Coordinator
	active int
	timer  *time.Timer
	gen    uint64
}

// Registry owns the live rooms of this process. A room that empties is kept
// for a grace period, then torn down and its history discarded.
type Registry struct {
	rooms    map[string]*slot
	draining map[string]chan struct{}
	mu       sync.Mutex

	grace     time.Duration
	opts      Options
	persister Persister
	log       *zap.Logger
}

func NewRegistry(grace time.Duration, persister Persister, opts Options) *Registry {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &Registry{
		rooms:     make(map[string]*slot),
		draining:  make(map[string]chan struct{}),
		grace:     grace,
		opts:      opts,
		persister: persister,
		log:       opts.Logger.Named("registry"),
	}
}

// Join adds conn to roomID, creating or reviving the room as needed.
func (r *Registry) Join(ctx context.Context, roomID string, conn Conn) (*Coordinator, JoinResult, error) {
	s, err := r.acquire(ctx, roomID)
	if err != nil {
		return nil, JoinResult{}, err
	}

	result, err := s.coord.Join(ctx, conn)
	if err != nil {
		r.release(roomID, s)
		return nil, JoinResult{}, err
	}
	return s.coord, result, nil
}

// Leave removes connID from roomID and starts the grace timer if the room emptied.
func (r *Registry) Leave(roomID, connID string) {
	r.mu.Lock()
	s, ok := r.rooms[roomID]
	r.mu.Unlock()
	if !ok {
		return
	}

	if s.coord.Leave(connID) {
		r.release(roomID, s)
	}
}

func (r *Registry) acquire(ctx context.Context, roomID string) (*slot, error) {
	for {
		r.mu.Lock()
		if wait, ok := r.draining[roomID]; ok {
			r.mu.Unlock()
			select {
			case <-wait:
				continue
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}

		s, ok := r.rooms[roomID]
		if !ok {
			s = &slot{coord: r.open(roomID)}
			r.rooms[roomID] = s
		}
		s.active++
		if s.timer != nil {
			s.timer.Stop()
			s.timer = nil
		}
		r.mu.Unlock()
		return s, nil
	}
}

// open builds a coordinator seeded from the durable replica. Called with mu held.
func (r *Registry) open(roomID string) *Coordinator {
	var (
		records []document.Record
		seq     uint64
	)
	if r.persister != nil {
		var err error
		records, seq, err = r.persister.LoadSnapshot(roomID)
		if err != nil {
			r.log.Error("Failed to load room snapshot, starting empty", zap.String("room", roomID), zap.Error(err))
			records, seq = nil, 0
		}
	}

	r.log.Info("Room opened", zap.String("room", roomID), zap.Int("objects", len(records)))
	return NewCoordinator(roomID, records, seq, r.opts)
}

func (r *Registry) release(roomID string, s *slot) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.rooms[roomID] != s {
		return
	}
	s.active--
	if s.active > 0 {
		return
	}

	s.gen++
	gen := s.gen
	if r.grace <= 0 {
		go r.teardown(roomID, s, gen)
		return
	}
	s.timer = time.AfterFunc(r.grace, func() { r.teardown(roomID, s, gen) })
}

func (r *Registry) teardown(roomID string, s *slot, gen uint64) {
	r.mu.Lock()
	if r.rooms[roomID] != s || s.gen != gen || s.active > 0 {
		r.mu.Unlock()
		return
	}
	delete(r.rooms, roomID)
	wait := make(chan struct{})
	r.draining[roomID] = wait
	r.mu.Unlock()

	r.shutdown(s.coord)

	r.mu.Lock()
	delete(r.draining, roomID)
	close(wait)
	r.mu.Unlock()

	r.log.Info("Room closed", zap.String("room", roomID))
}

// shutdown persists the final document and stops the room loop
func (r *Registry) shutdown(c *Coordinator) {
	if r.persister != nil {
		records, seq, err := c.Snapshot(context.Background())
		if err == nil {
			err = r.persister.SaveSnapshot(c.ID(), records, seq)
		}
		if err != nil {
			r.log.Error("Failed to persist room on close", zap.String("room", c.ID()), zap.Error(err))
		}
	}
	c.Close()
}

// Discard closes roomID without persisting it and runs purge before the room
// can be reopened, so a purged room never comes back from its last
// in-memory state. It returns ErrRoomInUse while connections remain.
func (r *Registry) Discard(ctx context.Context, roomID string, purge func() error) error {
	var (
		s    *slot
		live bool
		wait chan struct{}
	)
	for {
		r.mu.Lock()
		if pending, ok := r.draining[roomID]; ok {
			r.mu.Unlock()
			select {
			case <-pending:
				continue
			case <-ctx.Done():
				return ctx.Err()
			}
		}

		s, live = r.rooms[roomID]
		if live && s.active > 0 {
			r.mu.Unlock()
			return ErrRoomInUse
		}
		if live {
			if s.timer != nil {
				s.timer.Stop()
				s.timer = nil
			}
			delete(r.rooms, roomID)
		}
		wait = make(chan struct{})
		r.draining[roomID] = wait
		r.mu.Unlock()
		break
	}

	if live {
		s.coord.Close()
		r.log.Info("Room discarded", zap.String("room", roomID))
	}

	var err error
	if purge != nil {
		err = purge()
	}

	r.mu.Lock()
	delete(r.draining, roomID)
	close(wait)
	r.mu.Unlock()
	return err
}

// Get returns the live coordinator for roomID, if any
func (r *Registry) Get(roomID string) (*Coordinator, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.rooms[roomID]
	if !ok {
		return nil, false
	}
	return s.coord, true
}

// DeliverRemote hands an event from another instance to a live room
func (r *Registry) DeliverRemote(roomID, from string, ev events.Event) int {
	c, ok := r.Get(roomID)
	if !ok {
		return 0
	}
	return c.DeliverRemote(from, ev)
}

// Coordinators returns every live room
func (r *Registry) Coordinators() []*Coordinator {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*Coordinator, 0, len(r.rooms))
	for _, s := range r.rooms {
		out = append(out, s.coord)
	}
	return out
}

// ActiveRooms maps each occupied room to its connection count
func (r *Registry) ActiveRooms() map[string]int {
	result := make(map[string]int)
	for _, c := range r.Coordinators() {
		if n := c.ConnCount(); n > 0 {
			result[c.ID()] = n
		}
	}
	return result
}

func (r *Registry) RoomCount() int {
	return len(r.ActiveRooms())
}

func (r *Registry) ClientCount() int {
	total := 0
	for _, n := range r.ActiveRooms() {
		total += n
	}
	return total
}

// Close tears down every room, persisting each one
func (r *Registry) Close() {
	r.mu.Lock()
	slots := make([]*slot, 0, len(r.rooms))
	for id, s := range r.rooms {
		if s.timer != nil {
			s.timer.Stop()
		}
		slots = append(slots, s)
		delete(r.rooms, id)
	}
	r.mu.Unlock()

	for _, s := range slots {
		r.shutdown(s.coord)
	}
}
