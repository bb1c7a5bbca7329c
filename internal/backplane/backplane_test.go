package backplane

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/manpreetbhatti/lattice-canvas/internal/events"
	"github.com/manpreetbhatti/lattice-canvas/internal/presence"
)

func setupMiniredis(t *testing.T) *miniredis.Miniredis {
	mr := miniredis.NewMiniRedis()
	require.NoError(t, mr.Start())
	t.Cleanup(mr.Close)
	return mr
}

func setupBackplane(t *testing.T, mr *miniredis.Miniredis) *Backplane {
	b, err := New(&redis.Options{Addr: mr.Addr()}, "canvas-test", time.Minute, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { b.Close() })
	return b
}

func flush(t *testing.T, b *Backplane) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, b.Flush(ctx))
}

func TestNew(t *testing.T) {
	t.Run("pings redis", func(t *testing.T) {
		b := setupBackplane(t, setupMiniredis(t))
		assert.NoError(t, b.Ping(context.Background()))
		assert.NotEmpty(t, b.InstanceID())
	})

	t.Run("rejects empty namespace", func(t *testing.T) {
		_, err := New(&redis.Options{Addr: "localhost:6379"}, "", time.Minute, nil)
		assert.Error(t, err)
	})
}

func TestPresenceMirror(t *testing.T) {
	mr := setupMiniredis(t)
	b := setupBackplane(t, mr)
	ctx := context.Background()

	msg := "hello"
	b.PresenceChanged("room-1", "conn-a", presence.Entry{Cursor: &presence.Point{X: 1, Y: 2}})
	b.PresenceChanged("room-1", "conn-b", presence.Entry{Message: &msg})
	b.PresenceChanged("room-2", "conn-c", presence.Entry{})
	flush(t, b)

	entries, err := b.RoomPresence(ctx, "room-1")
	require.NoError(t, err)
	require.Len(t, entries, 2)
	require.NotNil(t, entries["conn-a"].Cursor)
	assert.Equal(t, 2.0, entries["conn-a"].Cursor.Y)
	assert.Equal(t, "hello", *entries["conn-b"].Message)

	assert.True(t, mr.Exists("canvas-test:room:room-1:presence"))
	assert.Greater(t, mr.TTL("canvas-test:room:room-1:presence"), time.Duration(0))

	b.PresenceRemoved("room-1", "conn-a")
	flush(t, b)

	entries, err = b.RoomPresence(ctx, "room-1")
	require.NoError(t, err)
	assert.NotContains(t, entries, "conn-a")
	assert.Contains(t, entries, "conn-b")
}

func TestPresenceExpires(t *testing.T) {
	mr := setupMiniredis(t)
	b := setupBackplane(t, mr)

	b.PresenceChanged("room-1", "conn-a", presence.Entry{})
	flush(t, b)

	mr.FastForward(2 * time.Minute)

	entries, err := b.RoomPresence(context.Background(), "room-1")
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestCorruptPresenceSkipped(t *testing.T) {
	mr := setupMiniredis(t)
	b := setupBackplane(t, mr)

	mr.HSet("canvas-test:room:room-1:presence", "bad", "{not json")
	b.PresenceChanged("room-1", "good", presence.Entry{})
	flush(t, b)

	entries, err := b.RoomPresence(context.Background(), "room-1")
	require.NoError(t, err)
	assert.Len(t, entries, 1)
	assert.Contains(t, entries, "good")
}

func TestEventsCrossInstances(t *testing.T) {
	mr := setupMiniredis(t)
	first := setupBackplane(t, mr)
	second := setupBackplane(t, mr)
	ctx := context.Background()

	own, err := first.SubscribeEvents(ctx)
	require.NoError(t, err)
	defer own.Close()

	remote, err := second.SubscribeEvents(ctx)
	require.NoError(t, err)
	defer remote.Close()

	ev := events.Event{Type: "reaction", Data: json.RawMessage(`{"value":"👍"}`)}
	first.EventPublished("room-1", "conn-a", ev)
	flush(t, first)

	select {
	case got := <-remote.Events():
		assert.Equal(t, "room-1", got.RoomID)
		assert.Equal(t, "conn-a", got.ConnectionID)
		assert.Equal(t, "reaction", got.Event.Type)
		assert.JSONEq(t, `{"value":"👍"}`, string(got.Event.Data))
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for relayed event")
	}

	select {
	case got := <-own.Events():
		t.Fatalf("instance received its own event: %+v", got)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestSubscriptionClose(t *testing.T) {
	b := setupBackplane(t, setupMiniredis(t))

	sub, err := b.SubscribeEvents(context.Background())
	require.NoError(t, err)

	require.NoError(t, sub.Close())
	require.NoError(t, sub.Close())

	select {
	case _, ok := <-sub.Events():
		assert.False(t, ok)
	case <-time.After(2 * time.Second):
		t.Fatal("events channel was not closed")
	}
}

type delivery struct {
	roomID string
	from   string
	ev     events.Event
}

type recordingRooms struct {
	mu  sync.Mutex
	got []delivery
}

func (r *recordingRooms) DeliverRemote(roomID, from string, ev events.Event) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.got = append(r.got, delivery{roomID, from, ev})
	return 1
}

func (r *recordingRooms) deliveries() []delivery {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]delivery(nil), r.got...)
}

func TestRelay(t *testing.T) {
	mr := setupMiniredis(t)
	sender := setupBackplane(t, mr)
	receiver := setupBackplane(t, mr)

	ctx, cancel := context.WithCancel(context.Background())
	rooms := &recordingRooms{}
	done := make(chan error, 1)
	go func() { done <- receiver.Relay(ctx, rooms) }()

	// The relay subscribes asynchronously; publish until it is listening
	require.Eventually(t, func() bool {
		_ = sender.PublishEvent(context.Background(), "room-9", "conn-x", events.Event{Type: "ping"})
		return len(rooms.deliveries()) > 0
	}, 2*time.Second, 20*time.Millisecond)

	got := rooms.deliveries()[0]
	assert.Equal(t, "room-9", got.roomID)
	assert.Equal(t, "conn-x", got.from)
	assert.Equal(t, "ping", got.ev.Type)

	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("relay did not stop")
	}
}

func TestClosedBackplaneDropsWrites(t *testing.T) {
	b, err := New(&redis.Options{Addr: setupMiniredis(t).Addr()}, "canvas-test", time.Minute, nil)
	require.NoError(t, err)
	require.NoError(t, b.Close())

	b.PresenceChanged("room-1", "conn-a", presence.Entry{})
	assert.ErrorIs(t, b.Flush(context.Background()), ErrClosed)
}
