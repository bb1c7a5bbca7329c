package canvasclient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/manpreetbhatti/lattice-canvas/internal/document"
	"github.com/manpreetbhatti/lattice-canvas/internal/events"
	"github.com/manpreetbhatti/lattice-canvas/internal/history"
	"github.com/manpreetbhatti/lattice-canvas/internal/presence"
	"github.com/manpreetbhatti/lattice-canvas/internal/protocol"
	"github.com/manpreetbhatti/lattice-canvas/internal/room"
)

var (
	ErrClosed   = errors.New("client is closed")
	ErrRejected = errors.New("server rejected the command")
)

// Reasons the server reports that map back to their sentinel errors
var knownReasons = []error{
	history.ErrNothingToUndo,
	history.ErrNothingToRedo,
	room.ErrMalformedMutation,
	room.ErrUnknownObject,
	room.ErrRetiredObject,
	room.ErrUnknownConnection,
	room.ErrClosed,
	protocol.ErrRateLimited,
}

func reasonError(reason string) error {
	for _, known := range knownReasons {
		if reason == known.Error() {
			return known
		}
	}
	return fmt.Errorf("%w: %s", ErrRejected, reason)
}

type Options struct {
	Dialer         *websocket.Dialer
	Header         http.Header
	Logger         *zap.Logger
	WriteTimeout   time.Duration
	WelcomeTimeout time.Duration
}

// pending is a command waiting for its ack. apply runs on the read loop
// before the caller is woken, so local state follows stream order.
type pending struct {
	done  chan protocol.Ack
	apply func(protocol.Ack)
}

// Client is one connection to a room
type Client struct {
	conn    *websocket.Conn
	replica *Replica
	log     *zap.Logger
	opts    Options

	writeMu sync.Mutex

	pending   map[string]*pending
	pendingMu sync.Mutex

	done      chan struct{}
	closeOnce sync.Once
	errMu     sync.Mutex
	err       error
}

// RoomURL adds the room query parameter to a server websocket endpoint
func RoomURL(endpoint, roomID string) (string, error) {
	u, err := url.Parse(endpoint)
	if err != nil {
		return "", fmt.Errorf("invalid server url: %w", err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	}
	if u.Path == "" || u.Path == "/" {
		u.Path = "/ws"
	}
	q := u.Query()
	q.Set("room", roomID)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// Dial connects to roomID and waits for the welcome snapshot
func Dial(ctx context.Context, endpoint, roomID string, opts Options) (*Client, error) {
	if opts.Dialer == nil {
		opts.Dialer = websocket.DefaultDialer
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = 10 * time.Second
	}
	if opts.WelcomeTimeout <= 0 {
		opts.WelcomeTimeout = 10 * time.Second
	}

	target, err := RoomURL(endpoint, roomID)
	if err != nil {
		return nil, err
	}

	conn, _, err := opts.Dialer.DialContext(ctx, target, opts.Header)
	if err != nil {
		return nil, fmt.Errorf("failed to dial %s: %w", target, err)
	}

	c := &Client{
		conn:    conn,
		replica: NewReplica(),
		log:     opts.Logger.Named("canvasclient").With(zap.String("room", roomID)),
		opts:    opts,
		pending: make(map[string]*pending),
		done:    make(chan struct{}),
	}

	if err := c.awaitWelcome(); err != nil {
		conn.Close()
		return nil, err
	}

	go c.readLoop()
	return c, nil
}

func (c *Client) awaitWelcome() error {
	c.conn.SetReadDeadline(time.Now().Add(c.opts.WelcomeTimeout))
	defer c.conn.SetReadDeadline(time.Time{})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("failed to receive welcome: %w", err)
		}
		env, err := protocol.Decode(data)
		if err != nil || env.Type != protocol.TypeWelcome {
			continue
		}
		if _, err := c.replica.Apply(env); err != nil {
			return fmt.Errorf("failed to apply welcome: %w", err)
		}
		return nil
	}
}

// Replica is the local projection of the room
func (c *Client) Replica() *Replica { return c.replica }

// Done is closed when the connection ends
func (c *Client) Done() <-chan struct{} { return c.done }

// Err reports why the connection ended
func (c *Client) Err() error {
	c.errMu.Lock()
	defer c.errMu.Unlock()
	return c.err
}

func (c *Client) Close() error {
	c.shutdown(ErrClosed)
	return nil
}

func (c *Client) shutdown(err error) {
	c.closeOnce.Do(func() {
		c.errMu.Lock()
		c.err = err
		c.errMu.Unlock()

		c.writeMu.Lock()
		c.conn.SetWriteDeadline(time.Now().Add(time.Second))
		c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		c.writeMu.Unlock()

		c.conn.Close()
		close(c.done)
	})
}

func (c *Client) readLoop() {
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.log.Warn("Connection lost", zap.Error(err))
			}
			c.shutdown(fmt.Errorf("%w: %v", ErrClosed, err))
			return
		}

		env, err := protocol.Decode(data)
		if err != nil {
			c.log.Debug("Ignoring invalid message", zap.Error(err))
			continue
		}

		if env.Type == protocol.TypeAck {
			c.resolve(env)
			continue
		}

		stale, err := c.replica.Apply(env)
		if err != nil {
			c.log.Debug("Ignoring undecodable message", zap.String("type", string(env.Type)), zap.Error(err))
			continue
		}
		if stale {
			c.requestResync()
		}
	}
}

func (c *Client) resolve(env protocol.Envelope) {
	var ack protocol.Ack
	if err := env.Body(&ack); err != nil {
		c.log.Debug("Ignoring undecodable ack", zap.Error(err))
		return
	}

	c.pendingMu.Lock()
	p, ok := c.pending[env.Ref]
	delete(c.pending, env.Ref)
	c.pendingMu.Unlock()
	if !ok {
		return
	}

	if p.apply != nil {
		p.apply(ack)
	}
	p.done <- ack
}

func (c *Client) requestResync() {
	c.log.Info("Sequence gap, requesting snapshot", zap.Uint64("seq", c.replica.Sequence()))
	if err := c.write(protocol.TypeResync, "", nil); err != nil {
		c.log.Warn("Failed to request resync", zap.Error(err))
	}
}

func (c *Client) write(t protocol.MessageType, ref string, body any) error {
	data, err := protocol.Encode(t, ref, body)
	if err != nil {
		return err
	}

	select {
	case <-c.done:
		return ErrClosed
	default:
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.conn.SetWriteDeadline(time.Now().Add(c.opts.WriteTimeout))
	if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("failed to send %s: %w", t, err)
	}
	return nil
}

// command sends a durable command and waits for its ack
func (c *Client) command(ctx context.Context, t protocol.MessageType, body any, apply func(protocol.Ack)) error {
	ref := uuid.NewString()
	p := &pending{done: make(chan protocol.Ack, 1), apply: apply}

	c.pendingMu.Lock()
	c.pending[ref] = p
	c.pendingMu.Unlock()

	forget := func() {
		c.pendingMu.Lock()
		delete(c.pending, ref)
		c.pendingMu.Unlock()
	}

	if err := c.write(t, ref, body); err != nil {
		forget()
		return err
	}

	select {
	case ack := <-p.done:
		if !ack.OK {
			return reasonError(ack.Reason)
		}
		return nil
	case <-ctx.Done():
		forget()
		return ctx.Err()
	case <-c.done:
		forget()
		return ErrClosed
	}
}

// acknowledged applies changes to the replica once the server accepts them
func (c *Client) acknowledged(changes []protocol.Change, reset bool) func(protocol.Ack) {
	return func(ack protocol.Ack) {
		if c.replica.acknowledge(ack, changes, reset) {
			c.requestResync()
		}
	}
}

// SetShape creates or replaces one object
func (c *Client) SetShape(ctx context.Context, objectID string, payload json.RawMessage) error {
	if objectID == "" {
		return room.ErrMalformedMutation
	}
	m := protocol.Mutation{ObjectID: objectID, Payload: payload}
	change := protocol.Change{ObjectID: objectID, Payload: payload}
	return c.command(ctx, protocol.TypeMutation, m, c.acknowledged([]protocol.Change{change}, false))
}

// DeleteOne removes one object
func (c *Client) DeleteOne(ctx context.Context, objectID string) error {
	change := protocol.Change{ObjectID: objectID}
	return c.command(ctx, protocol.TypeDelete, protocol.DeleteRequest{ObjectID: objectID}, c.acknowledged([]protocol.Change{change}, false))
}

// ResetAll clears the whole document as one undoable step
func (c *Client) ResetAll(ctx context.Context) error {
	return c.command(ctx, protocol.TypeReset, nil, c.acknowledged(nil, true))
}

// Undo reverts the latest step in the room, whoever made it.
// It returns history.ErrNothingToUndo on an empty history.
func (c *Client) Undo(ctx context.Context) error {
	return c.command(ctx, protocol.TypeUndo, nil, c.flags)
}

// Redo returns history.ErrNothingToRedo when nothing was undone
func (c *Client) Redo(ctx context.Context) error {
	return c.command(ctx, protocol.TypeRedo, nil, c.flags)
}

// flags records undo availability; the change itself arrives as storage
func (c *Client) flags(ack protocol.Ack) {
	c.replica.setFlags(ack.CanUndo, ack.CanRedo)
}

// Resync asks for a full snapshot; the replica replaces itself when it arrives
func (c *Client) Resync() error {
	return c.write(protocol.TypeResync, "", nil)
}

// UpdatePresence sends a partial presence update. Omitted fields are kept.
func (c *Client) UpdatePresence(patch presence.Patch) error {
	if err := c.write(protocol.TypePresence, "", patch); err != nil {
		return err
	}
	c.replica.updateSelf(patch)
	return nil
}

// Broadcast sends an ephemeral event to every other connection in the room
func (c *Client) Broadcast(ev events.Event) error {
	return c.write(protocol.TypeEvent, "", ev)
}

// Snapshot is shorthand for Replica().Snapshot()
func (c *Client) Snapshot() []document.Record {
	return c.replica.Snapshot()
}
