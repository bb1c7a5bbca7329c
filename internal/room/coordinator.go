package room

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/manpreetbhatti/lattice-canvas/internal/document"
	"github.com/manpreetbhatti/lattice-canvas/internal/events"
	"github.com/manpreetbhatti/lattice-canvas/internal/history"
	"github.com/manpreetbhatti/lattice-canvas/internal/presence"
	"github.com/manpreetbhatti/lattice-canvas/internal/protocol"
)

var (
	ErrUnknownConnection  = errors.New("connection is not in the room")
	ErrClosed             = errors.New("room is closed")
	ErrUnsupportedCommand = errors.New("unsupported command")
)

// Conn is one connected client as seen by a room.
// Send must not block; it reports false when the message was not queued.
type Conn interface {
	ID() string
	Send(data []byte) bool
}

// Observer is told about ephemeral traffic, e.g. to mirror it to other instances.
// Calls are made synchronously and must not block.
type Observer interface {
	PresenceChanged(roomID, connID string, entry presence.Entry)
	PresenceRemoved(roomID, connID string)
	EventPublished(roomID, connID string, ev events.Event)
}

type Options struct {
	// Undo entries kept per room, 0 = unbounded
	HistoryDepth int
	QueueSize    int
	Observer     Observer
	Logger       *zap.Logger
}

// Result describes the room after a durable operation
type Result struct {
	Sequence uint64
	CanUndo  bool
	CanRedo  bool
}

type JoinResult struct {
	Document []document.Record
	Presence map[string]presence.Entry
	Sequence uint64
	CanUndo  bool
	CanRedo  bool
}

// Coordinator owns one room. Durable work (mutations, undo/redo, reset,
// joins and snapshots) runs one at a time on its loop goroutine; presence
// and events bypass the loop.
type Coordinator struct {
	id       string
	log      *zap.Logger
	observer Observer

	// loop-owned
	gateway gateway
	store   *document.Store
	history *history.Engine

	seq atomic.Uint64

	presence *presence.Table
	bus      *events.Bus

	conns   map[string]Conn
	connsMu sync.RWMutex

	ops      chan func()
	stop     chan struct{}
	done     chan struct{}
	stopOnce sync.Once
}

// NewCoordinator starts a room seeded with records at sequence seq.
func NewCoordinator(id string, records []document.Record, seq uint64, opts Options) *Coordinator {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = 256
	}

	store := document.FromSnapshot(records)
	hist := history.New(opts.HistoryDepth)

	c := &Coordinator{
		id:       id,
		log:      opts.Logger.With(zap.String("room", id)),
		observer: opts.Observer,
		gateway:  gateway{store: store, history: hist},
		store:    store,
		history:  hist,
		presence: presence.NewTable(),
		bus:      events.NewBus(),
		conns:    make(map[string]Conn),
		ops:      make(chan func(), opts.QueueSize),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
	c.seq.Store(seq)

	go c.run()
	return c
}

func (c *Coordinator) ID() string { return c.id }

// Sequence is the number of the last applied durable change
func (c *Coordinator) Sequence() uint64 { return c.seq.Load() }

func (c *Coordinator) ConnCount() int {
	c.connsMu.RLock()
	defer c.connsMu.RUnlock()
	return len(c.conns)
}

func (c *Coordinator) run() {
	defer close(c.done)
	for {
		select {
		case op := <-c.ops:
			op()
		case <-c.stop:
			return
		}
	}
}

// do runs fn on the loop and waits for it. Once queued, fn always runs to
// completion, even if ctx is cancelled meanwhile.
func (c *Coordinator) do(ctx context.Context, fn func()) error {
	finished := make(chan struct{})
	op := func() {
		defer close(finished)
		fn()
	}

	select {
	case c.ops <- op:
	case <-c.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case <-finished:
		return nil
	case <-c.done:
		select {
		case <-finished:
			return nil
		default:
			return ErrClosed
		}
	}
}

// Close stops the loop. Queued work that has not started is abandoned.
func (c *Coordinator) Close() {
	c.stopOnce.Do(func() { close(c.stop) })
	<-c.done
}

// Join registers conn, sends it the welcome snapshot and announces it to the room.
func (c *Coordinator) Join(ctx context.Context, conn Conn) (JoinResult, error) {
	var result JoinResult
	connID := conn.ID()

	err := c.do(ctx, func() {
		c.connsMu.Lock()
		c.presence.Join(connID)
		result = JoinResult{
			Document: c.store.Snapshot(),
			Presence: c.presence.Snapshot(),
			Sequence: c.seq.Load(),
			CanUndo:  c.history.CanUndo(),
			CanRedo:  c.history.CanRedo(),
		}

		data, err := protocol.Encode(protocol.TypeWelcome, "", protocol.Welcome{
			ConnectionID: connID,
			RoomID:       c.id,
			Sequence:     result.Sequence,
			Document:     result.Document,
			Presence:     result.Presence,
			CanUndo:      result.CanUndo,
			CanRedo:      result.CanRedo,
		})
		if err != nil {
			c.log.Error("Failed to encode welcome", zap.Error(err))
		} else {
			conn.Send(data)
		}
		c.conns[connID] = conn
		c.connsMu.Unlock()

		c.bus.Subscribe(connID, c.eventSink(conn))
	})
	if err != nil {
		return JoinResult{}, err
	}

	c.broadcast(protocol.TypePresence, protocol.PresenceUpdate{ConnectionID: connID}, connID)
	c.log.Info("Client joined room", zap.String("conn", connID), zap.Int("total", c.ConnCount()))
	return result, nil
}

// Leave drops connID immediately; later work from it is rejected.
// It reports whether connID was in the room.
func (c *Coordinator) Leave(connID string) bool {
	c.connsMu.Lock()
	_, ok := c.conns[connID]
	delete(c.conns, connID)
	remaining := len(c.conns)
	c.connsMu.Unlock()

	if !ok {
		return false
	}

	c.bus.Unsubscribe(connID)
	c.presence.Remove(connID)
	c.broadcast(protocol.TypePresenceRemoved, protocol.PresenceRemoved{ConnectionID: connID}, connID)
	if c.observer != nil {
		c.observer.PresenceRemoved(c.id, connID)
	}

	c.log.Info("Client left room", zap.String("conn", connID), zap.Int("remaining", remaining))
	return true
}

func (c *Coordinator) member(connID string) bool {
	c.connsMu.RLock()
	defer c.connsMu.RUnlock()
	_, ok := c.conns[connID]
	return ok
}

func (c *Coordinator) result() Result {
	return Result{
		Sequence: c.seq.Load(),
		CanUndo:  c.history.CanUndo(),
		CanRedo:  c.history.CanRedo(),
	}
}

// Reply receives the outcome of a durable operation. It runs on the room
// loop, so anything it sends to the origin connection is ordered before the
// next broadcast. It must not block.
type Reply func(Result, error)

// Command is one durable operation requested by a connection
type Command struct {
	// TypeMutation, TypeDelete, TypeUndo, TypeRedo or TypeReset
	Type     protocol.MessageType
	Mutation protocol.Mutation
}

// Submit runs cmd on behalf of connID and hands the outcome to reply on the
// loop. reply is not called when the room could not run the command at all
// (ErrClosed, ctx expired or an unsupported type); that error is returned.
func (c *Coordinator) Submit(ctx context.Context, connID string, cmd Command, reply Reply) (Result, error) {
	var fn func() (Result, error)
	switch cmd.Type {
	case protocol.TypeMutation:
		fn = func() (Result, error) { return c.mutate(connID, cmd.Mutation) }
	case protocol.TypeDelete:
		fn = func() (Result, error) { return c.mutate(connID, protocol.Mutation{ObjectID: cmd.Mutation.ObjectID}) }
	case protocol.TypeUndo:
		fn = func() (Result, error) { return c.step(connID, c.history.Undo) }
	case protocol.TypeRedo:
		fn = func() (Result, error) { return c.step(connID, c.history.Redo) }
	case protocol.TypeReset:
		fn = func() (Result, error) { return c.reset(connID) }
	default:
		return Result{}, fmt.Errorf("%w: %s", ErrUnsupportedCommand, cmd.Type)
	}
	return c.exec(ctx, fn, reply)
}

func (c *Coordinator) exec(ctx context.Context, fn func() (Result, error), reply Reply) (Result, error) {
	var (
		result Result
		opErr  error
	)

	err := c.do(ctx, func() {
		result, opErr = fn()
		if reply != nil {
			reply(result, opErr)
		}
	})
	if err != nil {
		return Result{}, err
	}
	return result, opErr
}

// Reject hands reason to reply on the loop together with the room's current
// flags, for a command that was refused before it reached the room. It
// returns an error, without calling reply, when the loop could not run.
func (c *Coordinator) Reject(ctx context.Context, reason error, reply Reply) error {
	return c.do(ctx, func() { reply(c.result(), reason) })
}

// RouteMutation applies m on behalf of connID and fans it out to the others.
func (c *Coordinator) RouteMutation(ctx context.Context, connID string, m protocol.Mutation) (Result, error) {
	return c.Submit(ctx, connID, Command{Type: protocol.TypeMutation, Mutation: m}, nil)
}

// DeleteOne removes one object on behalf of connID
func (c *Coordinator) DeleteOne(ctx context.Context, connID, objectID string) (Result, error) {
	return c.Submit(ctx, connID, Command{Type: protocol.TypeDelete, Mutation: protocol.Mutation{ObjectID: objectID}}, nil)
}

// Undo reverts the room's latest durable change. The result goes to every
// connection, including connID.
func (c *Coordinator) Undo(ctx context.Context, connID string) (Result, error) {
	return c.Submit(ctx, connID, Command{Type: protocol.TypeUndo}, nil)
}

func (c *Coordinator) Redo(ctx context.Context, connID string) (Result, error) {
	return c.Submit(ctx, connID, Command{Type: protocol.TypeRedo}, nil)
}

// ResetAll clears the document as a single undoable step
func (c *Coordinator) ResetAll(ctx context.Context, connID string) (Result, error) {
	return c.Submit(ctx, connID, Command{Type: protocol.TypeReset}, nil)
}

func (c *Coordinator) mutate(connID string, m protocol.Mutation) (Result, error) {
	if !c.member(connID) {
		return Result{}, ErrUnknownConnection
	}

	next := c.seq.Load() + 1
	change, err := c.gateway.apply(m, next)
	if err != nil {
		c.log.Debug("Mutation dropped", zap.String("conn", connID), zap.String("object", m.ObjectID), zap.Error(err))
		return c.result(), err
	}
	c.seq.Store(next)

	result := c.result()
	c.broadcast(protocol.TypeStorage, protocol.Storage{
		Sequence: next,
		Changes:  []protocol.Change{change},
		CanUndo:  result.CanUndo,
		CanRedo:  result.CanRedo,
	}, connID)
	return result, nil
}

func (c *Coordinator) step(connID string, fn func(*document.Store) (history.Entry, []history.Change, error)) (Result, error) {
	if !c.member(connID) {
		return Result{}, ErrUnknownConnection
	}

	_, changes, err := fn(c.store)
	if err != nil {
		return c.result(), err
	}
	next := c.seq.Add(1)

	out := make([]protocol.Change, len(changes))
	for i, ch := range changes {
		out[i] = protocol.Change{ObjectID: ch.ObjectID, Payload: ch.Payload}
	}
	result := c.result()
	c.broadcast(protocol.TypeStorage, protocol.Storage{
		Sequence: next,
		Changes:  out,
		CanUndo:  result.CanUndo,
		CanRedo:  result.CanRedo,
	}, "")
	return result, nil
}

func (c *Coordinator) reset(connID string) (Result, error) {
	if !c.member(connID) {
		return Result{}, ErrUnknownConnection
	}

	next := c.seq.Load() + 1
	cleared, recorded := c.gateway.reset(next)
	if recorded {
		c.seq.Store(next)
		flags := c.result()
		c.broadcast(protocol.TypeStorage, protocol.Storage{
			Sequence: next,
			Changes:  []protocol.Change{},
			Reset:    true,
			CanUndo:  flags.CanUndo,
			CanRedo:  flags.CanRedo,
		}, connID)
	}
	if !cleared {
		return c.result(), errors.New("document not empty after reset")
	}
	return c.result(), nil
}

// Resync sends connID a full snapshot, ordered with respect to storage messages.
func (c *Coordinator) Resync(ctx context.Context, connID string) error {
	var opErr error
	err := c.do(ctx, func() {
		c.connsMu.RLock()
		conn, ok := c.conns[connID]
		c.connsMu.RUnlock()
		if !ok {
			opErr = ErrUnknownConnection
			return
		}

		data, err := protocol.Encode(protocol.TypeSnapshot, "", protocol.Snapshot{
			Sequence: c.seq.Load(),
			Document: c.store.Snapshot(),
		})
		if err != nil {
			opErr = err
			return
		}
		conn.Send(data)
	})
	if err != nil {
		return err
	}
	return opErr
}

// Snapshot returns the document and the sequence it reflects
func (c *Coordinator) Snapshot(ctx context.Context) ([]document.Record, uint64, error) {
	var (
		records []document.Record
		seq     uint64
	)
	err := c.do(ctx, func() {
		records = c.store.Snapshot()
		seq = c.seq.Load()
	})
	return records, seq, err
}

// WithSnapshot runs fn on the loop with the current document. Durable work
// waits for it, and Close does not return while it runs.
func (c *Coordinator) WithSnapshot(ctx context.Context, fn func(records []document.Record, seq uint64) error) error {
	var fnErr error
	err := c.do(ctx, func() {
		fnErr = fn(c.store.Snapshot(), c.seq.Load())
	})
	if err != nil {
		return err
	}
	return fnErr
}

// RoutePresence merges patch into connID's presence and shows it to the others.
func (c *Coordinator) RoutePresence(connID string, patch presence.Patch) error {
	if patch.Empty() {
		return nil
	}
	if !c.member(connID) {
		return ErrUnknownConnection
	}

	entry, ok := c.presence.Update(connID, patch)
	if !ok {
		return ErrUnknownConnection
	}

	c.broadcast(protocol.TypePresence, protocol.PresenceUpdate{ConnectionID: connID, Presence: entry}, connID)
	if c.observer != nil {
		c.observer.PresenceChanged(c.id, connID, entry)
	}
	return nil
}

func (c *Coordinator) Presence() map[string]presence.Entry {
	return c.presence.Snapshot()
}

// RouteEvent publishes ev to every other connection
func (c *Coordinator) RouteEvent(connID string, ev events.Event) error {
	if !c.member(connID) {
		return ErrUnknownConnection
	}

	c.bus.Publish(connID, ev)
	if c.observer != nil {
		c.observer.EventPublished(c.id, connID, ev)
	}
	return nil
}

// DeliverRemote publishes an event that originated outside this process
func (c *Coordinator) DeliverRemote(from string, ev events.Event) int {
	return c.bus.Publish(from, ev)
}

func (c *Coordinator) eventSink(conn Conn) events.Handler {
	return func(from string, ev events.Event) {
		data, err := protocol.Encode(protocol.TypeEvent, "", protocol.EventMessage{ConnectionID: from, Event: ev})
		if err != nil {
			c.log.Error("Failed to encode event", zap.Error(err))
			return
		}
		conn.Send(data)
	}
}

// broadcast sends body to every connection except the one given.
// Failed deliveries are not retried.
func (c *Coordinator) broadcast(t protocol.MessageType, body any, except string) {
	data, err := protocol.Encode(t, "", body)
	if err != nil {
		c.log.Error("Failed to encode broadcast", zap.String("type", string(t)), zap.Error(err))
		return
	}

	c.connsMu.RLock()
	defer c.connsMu.RUnlock()

	failed := 0
	for id, conn := range c.conns {
		if id == except {
			continue
		}
		if !conn.Send(data) {
			failed++
		}
	}
	if failed > 0 {
		c.log.Warn("Broadcast partially failed", zap.String("type", string(t)), zap.Int("failed", failed))
	}
}
