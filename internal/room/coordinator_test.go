package room

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/manpreetbhatti/lattice-canvas/internal/document"
	"github.com/manpreetbhatti/lattice-canvas/internal/events"
	"github.com/manpreetbhatti/lattice-canvas/internal/history"
	"github.com/manpreetbhatti/lattice-canvas/internal/presence"
	"github.com/manpreetbhatti/lattice-canvas/internal/protocol"
)

// Simulates a connected client and keeps its own projection of the document
type mockConn struct {
	id string

	mu       sync.Mutex
	received []protocol.Envelope
	mirror   *document.Store
	peers    map[string]presence.Entry
	refuse   bool
}

func newMockConn(id string) *mockConn {
	return &mockConn{id: id, mirror: document.New(), peers: make(map[string]presence.Entry)}
}

func (m *mockConn) ID() string { return m.id }

func (m *mockConn) Send(data []byte) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.refuse {
		return false
	}

	env, err := protocol.Decode(data)
	if err != nil {
		panic(err)
	}
	m.received = append(m.received, env)

	switch env.Type {
	case protocol.TypeWelcome:
		var w protocol.Welcome
		mustBody(env, &w)
		m.mirror = document.FromSnapshot(w.Document)
		for id, p := range w.Presence {
			if id != m.id {
				m.peers[id] = p
			}
		}
	case protocol.TypeStorage:
		var s protocol.Storage
		mustBody(env, &s)
		if s.Reset {
			m.mirror.Clear()
		}
		for _, c := range s.Changes {
			if c.Deleted() {
				m.mirror.Delete(c.ObjectID)
			} else {
				m.mirror.Restore(c.ObjectID, c.Payload)
			}
		}
	case protocol.TypePresence:
		var p protocol.PresenceUpdate
		mustBody(env, &p)
		m.peers[p.ConnectionID] = p.Presence
	case protocol.TypePresenceRemoved:
		var p protocol.PresenceRemoved
		mustBody(env, &p)
		delete(m.peers, p.ConnectionID)
	}
	return true
}

func mustBody(env protocol.Envelope, v any) {
	if err := env.Body(v); err != nil {
		panic(err)
	}
}

// set mirrors what a client does: apply locally, then submit
func (m *mockConn) set(t *testing.T, c *Coordinator, id, payload string) {
	t.Helper()
	m.mu.Lock()
	m.mirror.Set(id, json.RawMessage(payload))
	m.mu.Unlock()
	_, err := c.RouteMutation(context.Background(), m.id, protocol.Mutation{ObjectID: id, Payload: json.RawMessage(payload)})
	require.NoError(t, err)
}

func (m *mockConn) snapshot() []document.Record {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.mirror.Snapshot()
}

func (m *mockConn) count(t protocol.MessageType) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, env := range m.received {
		if env.Type == t {
			n++
		}
	}
	return n
}

func (m *mockConn) peerIDs() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := []string{}
	for id := range m.peers {
		ids = append(ids, id)
	}
	return ids
}

func newTestRoom(t *testing.T, conns ...*mockConn) *Coordinator {
	t.Helper()
	c := NewCoordinator("test-room", nil, 0, Options{Logger: zaptest.NewLogger(t)})
	t.Cleanup(c.Close)
	for _, conn := range conns {
		_, err := c.Join(context.Background(), conn)
		require.NoError(t, err)
	}
	return c
}

func TestJoinSendsWelcome(t *testing.T) {
	records := []document.Record{{ObjectID: "s1", Payload: json.RawMessage(`{"x":1}`)}}
	c := NewCoordinator("r", records, 41, Options{})
	defer c.Close()

	a := newMockConn("a")
	result, err := c.Join(context.Background(), a)
	require.NoError(t, err)

	assert.Equal(t, uint64(41), result.Sequence)
	assert.Equal(t, records, result.Document)
	assert.Contains(t, result.Presence, "a")
	assert.Equal(t, 1, a.count(protocol.TypeWelcome))
	assert.Equal(t, records, a.snapshot())
}

func TestLastWriterWinsConverges(t *testing.T) {
	a, b := newMockConn("a"), newMockConn("b")
	c := newTestRoom(t, a, b)

	a.set(t, c, "s1", `{"x":0}`)
	b.set(t, c, "s1", `{"x":5}`)

	want := []document.Record{{ObjectID: "s1", Payload: json.RawMessage(`{"x":5}`)}}
	records, seq, err := c.Snapshot(context.Background())
	require.NoError(t, err)
	assert.Equal(t, want, records)
	assert.Equal(t, uint64(2), seq)
	assert.Equal(t, want, a.snapshot())
	assert.Equal(t, want, b.snapshot())

	assert.Equal(t, 2, c.history.UndoDepth(), "one entry per applied mutation")

	_, err = c.Undo(context.Background(), "a")
	require.NoError(t, err)
	_, err = c.Undo(context.Background(), "b")
	require.NoError(t, err)

	records, _, _ = c.Snapshot(context.Background())
	assert.Empty(t, records)
	assert.Empty(t, a.snapshot())
	assert.Empty(t, b.snapshot())
}

func TestMutationIsNotEchoed(t *testing.T) {
	a, b, d := newMockConn("a"), newMockConn("b"), newMockConn("d")
	c := newTestRoom(t, a, b, d)

	a.set(t, c, "s1", `{}`)

	assert.Equal(t, 0, a.count(protocol.TypeStorage))
	assert.Equal(t, 1, b.count(protocol.TypeStorage))
	assert.Equal(t, 1, d.count(protocol.TypeStorage))
}

func TestUndoReachesOriginator(t *testing.T) {
	a, b := newMockConn("a"), newMockConn("b")
	c := newTestRoom(t, a, b)

	a.set(t, c, "s1", `{}`)
	result, err := c.Undo(context.Background(), "a")
	require.NoError(t, err)
	assert.False(t, result.CanUndo)
	assert.True(t, result.CanRedo)

	assert.Equal(t, 1, a.count(protocol.TypeStorage))
	assert.Equal(t, 2, b.count(protocol.TypeStorage))
	assert.Empty(t, a.snapshot())

	result, err = c.Redo(context.Background(), "b")
	require.NoError(t, err)
	assert.Equal(t, uint64(3), result.Sequence)
	assert.Len(t, a.snapshot(), 1)
}

func TestEmptyHistory(t *testing.T) {
	a := newMockConn("a")
	c := newTestRoom(t, a)

	result, err := c.Undo(context.Background(), "a")
	assert.ErrorIs(t, err, history.ErrNothingToUndo)
	assert.False(t, result.CanUndo)
	assert.Equal(t, uint64(0), result.Sequence)

	_, err = c.Redo(context.Background(), "a")
	assert.ErrorIs(t, err, history.ErrNothingToRedo)
	assert.Equal(t, 0, a.count(protocol.TypeStorage))
}

func TestMalformedMutationDropped(t *testing.T) {
	a, b := newMockConn("a"), newMockConn("b")
	c := newTestRoom(t, a, b)

	_, err := c.RouteMutation(context.Background(), "a", protocol.Mutation{Payload: json.RawMessage(`{}`)})
	assert.ErrorIs(t, err, ErrMalformedMutation)

	assert.Equal(t, 0, b.count(protocol.TypeStorage))
	assert.False(t, c.history.CanUndo())
	assert.Equal(t, uint64(0), c.Sequence())
}

func TestMutationFromDepartedConnection(t *testing.T) {
	a, b := newMockConn("a"), newMockConn("b")
	c := newTestRoom(t, a, b)

	assert.True(t, c.Leave("a"))
	assert.False(t, c.Leave("a"))

	_, err := c.RouteMutation(context.Background(), "a", protocol.Mutation{ObjectID: "s1", Payload: json.RawMessage(`{}`)})
	assert.ErrorIs(t, err, ErrUnknownConnection)
	assert.Equal(t, 0, b.count(protocol.TypeStorage))

	_, err = c.Undo(context.Background(), "a")
	assert.ErrorIs(t, err, ErrUnknownConnection)
	assert.ErrorIs(t, c.RouteEvent("a", events.Event{Type: "reaction"}), ErrUnknownConnection)
	assert.ErrorIs(t, c.RoutePresence("a", presence.Patch{Message: presence.Value("x")}), ErrUnknownConnection)
}

func TestDeleteOne(t *testing.T) {
	a, b := newMockConn("a"), newMockConn("b")
	c := newTestRoom(t, a, b)

	a.set(t, c, "s1", `{"r":1}`)

	_, err := c.DeleteOne(context.Background(), "b", "missing")
	assert.ErrorIs(t, err, ErrUnknownObject)

	_, err = c.DeleteOne(context.Background(), "b", "s1")
	require.NoError(t, err)
	assert.Empty(t, a.snapshot())

	_, err = c.RouteMutation(context.Background(), "a", protocol.Mutation{ObjectID: "s1", Payload: json.RawMessage(`{"r":2}`)})
	assert.ErrorIs(t, err, ErrRetiredObject, "deleted ids are not reused")

	_, err = c.Undo(context.Background(), "a")
	require.NoError(t, err)
	assert.Equal(t, []document.Record{{ObjectID: "s1", Payload: json.RawMessage(`{"r":1}`)}}, a.snapshot())
}

func TestResetThenUndoRestoresDocument(t *testing.T) {
	a, b := newMockConn("a"), newMockConn("b")
	c := newTestRoom(t, a, b)

	for i := 0; i < 5; i++ {
		a.set(t, c, fmt.Sprintf("s%d", i), fmt.Sprintf(`{"n":%d}`, i))
	}
	before, _, err := c.Snapshot(context.Background())
	require.NoError(t, err)

	_, err = c.ResetAll(context.Background(), "b")
	require.NoError(t, err)
	assert.Empty(t, a.snapshot())

	_, err = c.Undo(context.Background(), "b")
	require.NoError(t, err)

	after, _, _ := c.Snapshot(context.Background())
	assert.Equal(t, before, after)
	assert.Equal(t, before, a.snapshot())
	assert.Equal(t, before, b.snapshot())
}

func TestResetEmptyRoom(t *testing.T) {
	a := newMockConn("a")
	c := newTestRoom(t, a)

	result, err := c.ResetAll(context.Background(), "a")
	require.NoError(t, err)
	assert.False(t, result.CanUndo, "nothing to record")
	assert.Equal(t, uint64(0), result.Sequence)
}

func TestDisconnectRemovesPresence(t *testing.T) {
	a, b, d := newMockConn("a"), newMockConn("b"), newMockConn("d")
	c := newTestRoom(t, a, b, d)

	require.NoError(t, c.RoutePresence("a", presence.Patch{Cursor: presence.Value(presence.Point{X: 10, Y: 20})}))
	assert.Contains(t, b.peerIDs(), "a")

	c.Leave("a")

	assert.NotContains(t, b.peerIDs(), "a")
	assert.NotContains(t, d.peerIDs(), "a")
	assert.NotContains(t, c.Presence(), "a")
	assert.Equal(t, 1, b.count(protocol.TypePresenceRemoved))
}

func TestPresenceBroadcast(t *testing.T) {
	a, b := newMockConn("a"), newMockConn("b")
	c := newTestRoom(t, a, b)

	require.NoError(t, c.RoutePresence("b", presence.Patch{Message: presence.Value("hello")}))
	require.NoError(t, c.RoutePresence("b", presence.Patch{}))

	a.mu.Lock()
	entry := a.peers["b"]
	a.mu.Unlock()
	require.NotNil(t, entry.Message)
	assert.Equal(t, "hello", *entry.Message)
	assert.Equal(t, 2, a.count(protocol.TypePresence), "b's join and one update")
	assert.Equal(t, 0, b.count(protocol.TypePresence))
}

func TestEventsSkipSender(t *testing.T) {
	a, b := newMockConn("a"), newMockConn("b")
	c := newTestRoom(t, a, b)

	require.NoError(t, c.RouteEvent("a", events.Event{Type: "reaction", Data: json.RawMessage(`{"x":1,"y":1,"value":"🎉"}`)}))
	assert.Equal(t, 0, a.count(protocol.TypeEvent))
	assert.Equal(t, 1, b.count(protocol.TypeEvent))

	assert.Equal(t, 2, c.DeliverRemote("remote:x", events.Event{Type: "reaction"}))
	assert.Equal(t, 1, a.count(protocol.TypeEvent))
}

func TestResync(t *testing.T) {
	a := newMockConn("a")
	c := newTestRoom(t, a)
	a.set(t, c, "s1", `{}`)

	require.NoError(t, c.Resync(context.Background(), "a"))
	assert.Equal(t, 1, a.count(protocol.TypeSnapshot))
	assert.ErrorIs(t, c.Resync(context.Background(), "ghost"), ErrUnknownConnection)
}

func TestPartialBroadcastFailure(t *testing.T) {
	a, b, d := newMockConn("a"), newMockConn("b"), newMockConn("d")
	c := newTestRoom(t, a, b, d)
	b.mu.Lock()
	b.refuse = true
	b.mu.Unlock()

	a.set(t, c, "s1", `{}`)

	assert.Equal(t, 1, d.count(protocol.TypeStorage))
	records, _, _ := c.Snapshot(context.Background())
	assert.Len(t, records, 1, "the write itself is unaffected")
}

func TestConcurrentMutationsSerialize(t *testing.T) {
	conns := make([]*mockConn, 8)
	for i := range conns {
		conns[i] = newMockConn(fmt.Sprintf("c%d", i))
	}
	c := newTestRoom(t, conns...)

	var wg sync.WaitGroup
	for _, conn := range conns {
		wg.Add(1)
		go func(conn *mockConn) {
			defer wg.Done()
			for j := 0; j < 25; j++ {
				_, err := c.RouteMutation(context.Background(), conn.id, protocol.Mutation{
					ObjectID: "shared",
					Payload:  json.RawMessage(fmt.Sprintf(`{"by":%q,"n":%d}`, conn.id, j)),
				})
				assert.NoError(t, err)
			}
		}(conn)
	}
	wg.Wait()

	records, seq, err := c.Snapshot(context.Background())
	require.NoError(t, err)
	assert.Equal(t, uint64(8*25), seq)
	assert.Equal(t, 8*25, c.history.UndoDepth())
	require.Len(t, records, 1)

	var last struct{ By string }
	require.NoError(t, json.Unmarshal(records[0].Payload, &last))

	// The last writer never hears its own write back. Everyone else converges.
	for _, conn := range conns {
		if conn.id == last.By {
			continue
		}
		assert.True(t, document.Equal(records, conn.snapshot()), conn.id)
	}
}

// ackTo answers on the loop the way the websocket transport does
func ackTo(t *testing.T, conn *mockConn) Reply {
	return func(result Result, err error) {
		data, encErr := protocol.Encode(protocol.TypeAck, "ref", protocol.Ack{
			OK:       err == nil,
			Sequence: result.Sequence,
			CanUndo:  result.CanUndo,
			CanRedo:  result.CanRedo,
		})
		assert.NoError(t, encErr)
		conn.Send(data)
	}
}

func TestSubmitRepliesInStreamOrder(t *testing.T) {
	conns := make([]*mockConn, 4)
	for i := range conns {
		conns[i] = newMockConn(fmt.Sprintf("c%d", i))
	}
	c := newTestRoom(t, conns...)

	const perConn = 50
	var wg sync.WaitGroup
	for _, conn := range conns {
		wg.Add(1)
		go func(conn *mockConn) {
			defer wg.Done()
			for j := 0; j < perConn; j++ {
				cmd := Command{Type: protocol.TypeMutation, Mutation: protocol.Mutation{
					ObjectID: fmt.Sprintf("%s-%d", conn.id, j),
					Payload:  json.RawMessage(`{}`),
				}}
				_, err := c.Submit(context.Background(), conn.id, cmd, ackTo(t, conn))
				assert.NoError(t, err)
			}
		}(conn)
	}
	wg.Wait()

	// Storage from others and acks for our own writes form one gapless stream
	for _, conn := range conns {
		conn.mu.Lock()
		var seqs []uint64
		for _, env := range conn.received {
			switch env.Type {
			case protocol.TypeStorage:
				var st protocol.Storage
				mustBody(env, &st)
				seqs = append(seqs, st.Sequence)
			case protocol.TypeAck:
				var ack protocol.Ack
				mustBody(env, &ack)
				seqs = append(seqs, ack.Sequence)
			}
		}
		conn.mu.Unlock()

		require.Len(t, seqs, len(conns)*perConn, conn.id)
		for i, seq := range seqs {
			require.Equal(t, uint64(i+1), seq, "%s position %d", conn.id, i)
		}
	}
}

func TestSubmitReplies(t *testing.T) {
	a := newMockConn("a")
	c := newTestRoom(t, a)

	var got []error
	reply := func(_ Result, err error) { got = append(got, err) }

	_, err := c.Submit(context.Background(), "a", Command{Type: protocol.TypeUndo}, reply)
	assert.ErrorIs(t, err, history.ErrNothingToUndo)

	_, err = c.Submit(context.Background(), "ghost", Command{Type: protocol.TypeReset}, reply)
	assert.ErrorIs(t, err, ErrUnknownConnection)

	_, err = c.Submit(context.Background(), "a", Command{Type: protocol.TypePresence}, reply)
	assert.ErrorIs(t, err, ErrUnsupportedCommand)

	require.Len(t, got, 2, "unsupported commands never reach the loop")
	assert.ErrorIs(t, got[0], history.ErrNothingToUndo)
	assert.ErrorIs(t, got[1], ErrUnknownConnection)
}

func TestStorageCarriesHistoryFlags(t *testing.T) {
	a, b := newMockConn("a"), newMockConn("b")
	c := newTestRoom(t, a, b)

	a.set(t, c, "s1", `{}`)
	_, err := c.Undo(context.Background(), "a")
	require.NoError(t, err)

	b.mu.Lock()
	defer b.mu.Unlock()
	var flags []protocol.Storage
	for _, env := range b.received {
		if env.Type == protocol.TypeStorage {
			var st protocol.Storage
			mustBody(env, &st)
			flags = append(flags, st)
		}
	}
	require.Len(t, flags, 2)
	assert.True(t, flags[0].CanUndo)
	assert.False(t, flags[0].CanRedo)
	assert.False(t, flags[1].CanUndo)
	assert.True(t, flags[1].CanRedo)
}

func TestReject(t *testing.T) {
	a := newMockConn("a")
	c := newTestRoom(t, a)
	a.set(t, c, "s1", `{}`)

	var result Result
	var reason error
	err := c.Reject(context.Background(), protocol.ErrRateLimited, func(r Result, err error) {
		result, reason = r, err
	})
	require.NoError(t, err)
	assert.ErrorIs(t, reason, protocol.ErrRateLimited)
	assert.Equal(t, uint64(1), result.Sequence)
	assert.True(t, result.CanUndo, "flags reflect the room, not the refusal")

	c.Close()
	err = c.Reject(context.Background(), protocol.ErrRateLimited, func(Result, error) {
		t.Error("reply called on a closed room")
	})
	assert.ErrorIs(t, err, ErrClosed)
}

func TestClosedRoom(t *testing.T) {
	c := NewCoordinator("r", nil, 0, Options{})
	c.Close()
	c.Close()

	_, err := c.Join(context.Background(), newMockConn("a"))
	assert.ErrorIs(t, err, ErrClosed)
}

func TestCancelledContext(t *testing.T) {
	c := NewCoordinator("r", nil, 0, Options{QueueSize: 1})
	defer c.Close()

	block, started := make(chan struct{}), make(chan struct{})
	go c.do(context.Background(), func() {
		close(started)
		<-block
	})
	<-started
	go c.do(context.Background(), func() {})
	require.Eventually(t, func() bool { return len(c.ops) == 1 }, time.Second, time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, _, err := c.Snapshot(ctx)
	assert.ErrorIs(t, err, context.Canceled)
	close(block)
}
