package room

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/manpreetbhatti/lattice-canvas/internal/document"
	"github.com/manpreetbhatti/lattice-canvas/internal/protocol"
)

type memoryPersister struct {
	mu      sync.Mutex
	rooms   map[string][]document.Record
	seqs    map[string]uint64
	saves   int
	loadErr error
}

func newMemoryPersister() *memoryPersister {
	return &memoryPersister{rooms: make(map[string][]document.Record), seqs: make(map[string]uint64)}
}

func (p *memoryPersister) LoadSnapshot(roomID string) ([]document.Record, uint64, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.loadErr != nil {
		return nil, 0, p.loadErr
	}
	return p.rooms[roomID], p.seqs[roomID], nil
}

func (p *memoryPersister) SaveSnapshot(roomID string, records []document.Record, seq uint64) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.rooms[roomID] = records
	p.seqs[roomID] = seq
	p.saves++
	return nil
}

func (p *memoryPersister) saved(roomID string) ([]document.Record, int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.rooms[roomID], p.saves
}

func newTestRegistry(t *testing.T, grace time.Duration, p Persister) *Registry {
	t.Helper()
	// Teardown goroutines may finish after the test returns
	r := NewRegistry(grace, p, Options{Logger: zap.NewNop()})
	t.Cleanup(r.Close)
	return r
}

func TestRegistrySharesRoom(t *testing.T) {
	r := newTestRegistry(t, time.Minute, nil)

	c1, _, err := r.Join(context.Background(), "room-1", newMockConn("a"))
	require.NoError(t, err)
	c2, _, err := r.Join(context.Background(), "room-1", newMockConn("b"))
	require.NoError(t, err)
	_, _, err = r.Join(context.Background(), "room-2", newMockConn("c"))
	require.NoError(t, err)

	assert.Same(t, c1, c2)
	assert.Equal(t, 2, r.RoomCount())
	assert.Equal(t, 3, r.ClientCount())
	assert.Equal(t, map[string]int{"room-1": 2, "room-2": 1}, r.ActiveRooms())
}

func TestRegistryTeardownPersists(t *testing.T) {
	p := newMemoryPersister()
	r := newTestRegistry(t, 20*time.Millisecond, p)

	a := newMockConn("a")
	c, _, err := r.Join(context.Background(), "room-1", a)
	require.NoError(t, err)
	a.set(t, c, "s1", `{"fill":"red"}`)

	r.Leave("room-1", "a")
	r.Leave("room-1", "a")

	require.Eventually(t, func() bool {
		_, saves := p.saved("room-1")
		return saves == 1
	}, time.Second, 5*time.Millisecond)

	records, _ := p.saved("room-1")
	_, ok := r.Get("room-1")
	assert.False(t, ok)
	assert.Equal(t, []document.Record{{ObjectID: "s1", Payload: json.RawMessage(`{"fill":"red"}`)}}, records)

	// A new session starts from the replica with fresh history
	b := newMockConn("b")
	c, result, err := r.Join(context.Background(), "room-1", b)
	require.NoError(t, err)
	assert.Equal(t, records, result.Document)
	assert.Equal(t, uint64(1), result.Sequence)
	assert.False(t, result.CanUndo)

	_, err = c.Undo(context.Background(), "b")
	assert.Error(t, err)
}

func TestRegistryRejoinWithinGrace(t *testing.T) {
	p := newMemoryPersister()
	r := newTestRegistry(t, time.Minute, p)

	a := newMockConn("a")
	c, _, err := r.Join(context.Background(), "room-1", a)
	require.NoError(t, err)
	a.set(t, c, "s1", `{}`)
	r.Leave("room-1", "a")

	_, ok := r.Get("room-1")
	assert.True(t, ok, "room is kept during the grace period")
	assert.Equal(t, 0, r.RoomCount())

	b := newMockConn("b")
	c2, result, err := r.Join(context.Background(), "room-1", b)
	require.NoError(t, err)
	assert.Same(t, c, c2)
	assert.True(t, result.CanUndo, "history survives a short gap")

	_, saves := p.saved("room-1")
	assert.Equal(t, 0, saves)
}

func TestRegistryLoadFailureStartsEmpty(t *testing.T) {
	p := newMemoryPersister()
	p.loadErr = errors.New("disk on fire")
	r := newTestRegistry(t, time.Minute, p)

	_, result, err := r.Join(context.Background(), "room-1", newMockConn("a"))
	require.NoError(t, err)
	assert.Empty(t, result.Document)
	assert.Equal(t, uint64(0), result.Sequence)
}

func TestRegistryCloseSavesRooms(t *testing.T) {
	p := newMemoryPersister()
	r := NewRegistry(time.Minute, p, Options{})

	a := newMockConn("a")
	c, _, err := r.Join(context.Background(), "room-1", a)
	require.NoError(t, err)
	a.set(t, c, "s1", `{}`)

	r.Close()

	records, saves := p.saved("room-1")
	assert.Equal(t, 1, saves)
	assert.Len(t, records, 1)
	assert.Equal(t, 0, r.RoomCount())

	_, err = c.RouteMutation(context.Background(), "a", protocol.Mutation{ObjectID: "s2", Payload: json.RawMessage(`{}`)})
	assert.ErrorIs(t, err, ErrClosed)
}

func TestRegistryJoinDuringTeardown(t *testing.T) {
	p := newMemoryPersister()
	r := newTestRegistry(t, 0, p)

	for i := 0; i < 20; i++ {
		conn := newMockConn("a")
		c, _, err := r.Join(context.Background(), "room-1", conn)
		require.NoError(t, err)
		if i == 0 {
			conn.set(t, c, "s1", `{}`)
		}
		r.Leave("room-1", "a")
	}

	conn := newMockConn("z")
	_, result, err := r.Join(context.Background(), "room-1", conn)
	require.NoError(t, err)
	assert.Len(t, result.Document, 1, "each session sees the persisted document")
}

func TestRegistryDiscardSkipsPersistence(t *testing.T) {
	p := newMemoryPersister()
	r := newTestRegistry(t, time.Minute, p)
	ctx := context.Background()

	c, _, err := r.Join(ctx, "room-1", newMockConn("a"))
	require.NoError(t, err)
	_, err = c.RouteMutation(ctx, "a", protocol.Mutation{ObjectID: "s1", Payload: json.RawMessage(`{}`)})
	require.NoError(t, err)

	assert.ErrorIs(t, r.Discard(ctx, "room-1", nil), ErrRoomInUse)

	// Empty but still inside its grace period
	r.Leave("room-1", "a")
	_, live := r.Get("room-1")
	require.True(t, live)

	purged := false
	require.NoError(t, r.Discard(ctx, "room-1", func() error {
		purged = true
		return nil
	}))
	assert.True(t, purged)

	_, live = r.Get("room-1")
	assert.False(t, live)
	r.Close()

	records, saves := p.saved("room-1")
	assert.Nil(t, records)
	assert.Equal(t, 0, saves, "a discarded room is never written back")

	_, _, err = c.Snapshot(ctx)
	assert.ErrorIs(t, err, ErrClosed)
}

func TestRegistryDiscardReportsPurgeError(t *testing.T) {
	r := newTestRegistry(t, time.Minute, nil)
	boom := errors.New("boom")

	err := r.Discard(context.Background(), "never-opened", func() error { return boom })
	assert.ErrorIs(t, err, boom)

	// The room can be opened again afterwards
	_, _, err = r.Join(context.Background(), "never-opened", newMockConn("a"))
	assert.NoError(t, err)
}
