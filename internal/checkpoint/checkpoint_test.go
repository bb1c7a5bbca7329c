package checkpoint

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/manpreetbhatti/lattice-canvas/internal/db"
	"github.com/manpreetbhatti/lattice-canvas/internal/protocol"
	"github.com/manpreetbhatti/lattice-canvas/internal/room"
)

type discardConn string

func (c discardConn) ID() string { return string(c) }
func (c discardConn) Send([]byte) bool { return true }

func setup(t *testing.T, config Config) (*Service, *room.Registry, *db.Database) {
	t.Helper()
	database, err := db.New(filepath.Join(t.TempDir(), "canvas.db"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { database.Close() })

	registry := room.NewRegistry(time.Minute, database, room.Options{Logger: zaptest.NewLogger(t)})
	t.Cleanup(registry.Close)

	return New(registry, database, config, zaptest.NewLogger(t)), registry, database
}

func mutate(t *testing.T, c *room.Coordinator, connID, objectID, payload string) {
	t.Helper()
	_, err := c.RouteMutation(context.Background(), connID, protocol.Mutation{
		ObjectID: objectID,
		Payload:  json.RawMessage(payload),
	})
	require.NoError(t, err)
}

func TestCheckpointSavesChangedRooms(t *testing.T) {
	svc, registry, database := setup(t, Config{Interval: time.Hour})
	ctx := context.Background()

	busy, _, err := registry.Join(ctx, "busy", discardConn("a"))
	require.NoError(t, err)
	_, _, err = registry.Join(ctx, "idle", discardConn("b"))
	require.NoError(t, err)

	mutate(t, busy, "a", "s1", `{"x":1}`)

	assert.Equal(t, 1, svc.checkpointAllRooms(ctx))
	assert.Equal(t, 0, svc.checkpointAllRooms(ctx), "unchanged since last pass")

	records, seq, err := database.LoadSnapshot("busy")
	require.NoError(t, err)
	assert.Equal(t, uint64(1), seq)
	assert.Len(t, records, 1)

	info, err := database.GetSnapshotInfo("idle")
	require.NoError(t, err)
	assert.Nil(t, info)

	mutate(t, busy, "a", "s2", `{"x":2}`)
	assert.Equal(t, 1, svc.checkpointAllRooms(ctx))

	_, seq, err = database.LoadSnapshot("busy")
	require.NoError(t, err)
	assert.Equal(t, uint64(2), seq)
}

func TestAutoVersions(t *testing.T) {
	svc, registry, database := setup(t, Config{Interval: time.Hour, AutoVersions: 2})
	ctx := context.Background()

	c, _, err := registry.Join(ctx, "room-1", discardConn("a"))
	require.NoError(t, err)

	for i, payload := range []string{`{"n":1}`, `{"n":2}`, `{"n":3}`} {
		mutate(t, c, "a", "s1", payload)
		require.NoError(t, svc.CheckpointNow(ctx, "room-1"), i)
	}

	// Same content again does not add a version
	require.NoError(t, svc.CheckpointNow(ctx, "room-1"))

	versions, err := database.ListVersions("room-1", 10, 0)
	require.NoError(t, err)
	require.Len(t, versions, 2)
	for _, v := range versions {
		assert.True(t, v.IsAuto)
	}
	assert.Equal(t, uint64(3), versions[0].Sequence)
}

func TestCheckpointNowUnknownRoom(t *testing.T) {
	svc, _, _ := setup(t, DefaultConfig())
	assert.Error(t, svc.CheckpointNow(context.Background(), "nowhere"))
}

func TestStartStop(t *testing.T) {
	svc, registry, database := setup(t, Config{Interval: 10 * time.Millisecond})
	ctx := context.Background()

	c, _, err := registry.Join(ctx, "room-1", discardConn("a"))
	require.NoError(t, err)
	mutate(t, c, "a", "s1", `{}`)

	svc.Start()
	defer svc.Stop()

	require.Eventually(t, func() bool {
		info, err := database.GetSnapshotInfo("room-1")
		return err == nil && info != nil && info.Sequence == 1
	}, time.Second, 10*time.Millisecond)
}
