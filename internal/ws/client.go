package ws

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/manpreetbhatti/lattice-canvas/internal/events"
	"github.com/manpreetbhatti/lattice-canvas/internal/presence"
	"github.com/manpreetbhatti/lattice-canvas/internal/protocol"
	"github.com/manpreetbhatti/lattice-canvas/internal/ratelimit"
	"github.com/manpreetbhatti/lattice-canvas/internal/room"
)

// Client is one websocket connection in one room. It implements room.Conn.
type Client struct {
	hub         *Hub
	conn        *websocket.Conn
	send        chan []byte
	done        chan struct{}
	closeOnce   sync.Once
	roomID      string
	id          string
	room        *room.Coordinator
	rateLimiter *ratelimit.Limiter
}

func (c *Client) ID() string { return c.id }

// Send queues data without blocking. A client that cannot keep up is
// disconnected and must rejoin for a fresh snapshot.
func (c *Client) Send(data []byte) bool {
	select {
	case <-c.done:
		return false
	default:
	}

	select {
	case c.send <- data:
		return true
	default:
		c.hub.log.Warn("Send buffer full, dropping client", zap.String("conn", c.id), zap.String("room", c.roomID))
		c.close()
		return false
	}
}

// close never calls back into the room, so rooms may call it while broadcasting
func (c *Client) close() {
	c.closeOnce.Do(func() {
		close(c.done)
		c.conn.Close()
	})
}

func (c *Client) readPump() {
	defer func() {
		c.hub.leave(c)
		c.close()
	}()

	pongWait := c.hub.settings.PongWait
	c.conn.SetReadLimit(c.hub.settings.MaxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	rateLimitWarnings := 0

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.hub.log.Warn("WebSocket error", zap.String("conn", c.id), zap.Error(err))
			}
			break
		}

		if !c.rateLimiter.Allow() {
			rateLimitWarnings++
			if rateLimitWarnings%100 == 1 {
				c.hub.log.Warn("⚠️ Rate limit exceeded",
					zap.String("conn", c.id), zap.String("room", c.roomID), zap.Int("warning", rateLimitWarnings))
			}
			if rateLimitWarnings > 1000 {
				c.hub.log.Warn("🚫 Disconnecting client for excessive rate limit violations", zap.String("conn", c.id))
				return
			}
			// Commands waiting on an ack still get an answer
			if env, err := protocol.Decode(message); err == nil && env.Ref != "" && protocol.FromClient(env.Type) {
				c.reject(env.Ref, protocol.ErrRateLimited)
			}
			continue
		}

		env, err := protocol.Decode(message)
		if err != nil || !protocol.FromClient(env.Type) {
			c.hub.log.Debug("⚠️ Invalid message", zap.String("conn", c.id), zap.Error(err))
			continue
		}

		c.handle(env)
	}
}

func (c *Client) handle(env protocol.Envelope) {
	ctx, cancel := context.WithTimeout(context.Background(), c.hub.settings.WriteWait)
	defer cancel()

	switch env.Type {
	case protocol.TypeMutation:
		var m protocol.Mutation
		if err := env.Body(&m); err != nil {
			c.reject(env.Ref, err)
			return
		}
		c.submit(ctx, env.Ref, room.Command{Type: env.Type, Mutation: m})

	case protocol.TypeDelete:
		var d protocol.DeleteRequest
		if err := env.Body(&d); err != nil {
			c.reject(env.Ref, err)
			return
		}
		c.submit(ctx, env.Ref, room.Command{Type: env.Type, Mutation: protocol.Mutation{ObjectID: d.ObjectID}})

	case protocol.TypeUndo, protocol.TypeRedo, protocol.TypeReset:
		c.submit(ctx, env.Ref, room.Command{Type: env.Type})

	case protocol.TypeResync:
		// The snapshot itself is the reply
		if err := c.room.Resync(ctx, c.id); err != nil {
			c.ack(env.Ref, room.Result{Sequence: c.room.Sequence()}, err)
		}

	case protocol.TypePresence:
		var patch presence.Patch
		if err := env.Body(&patch); err != nil {
			c.hub.log.Debug("Bad presence patch", zap.String("conn", c.id), zap.Error(err))
			return
		}
		if err := c.room.RoutePresence(c.id, patch); err != nil {
			c.hub.log.Debug("Presence dropped", zap.String("conn", c.id), zap.Error(err))
		}

	case protocol.TypeEvent:
		var ev events.Event
		if err := env.Body(&ev); err != nil || ev.Type == "" {
			c.hub.log.Debug("Bad event", zap.String("conn", c.id), zap.Error(err))
			return
		}
		if err := c.room.RouteEvent(c.id, ev); err != nil {
			c.hub.log.Debug("Event dropped", zap.String("conn", c.id), zap.Error(err))
		}
	}
}

// submit runs cmd and acks it from the room loop, so the ack takes the
// position of the change in this connection's stream
func (c *Client) submit(ctx context.Context, ref string, cmd room.Command) {
	replied := false
	_, err := c.room.Submit(ctx, c.id, cmd, func(result room.Result, err error) {
		replied = true
		c.ack(ref, result, err)
	})
	if !replied {
		c.ack(ref, room.Result{Sequence: c.room.Sequence()}, err)
	}
}

// reject acks a command that never reached the room with reason
func (c *Client) reject(ref string, reason error) {
	if ref == "" {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), c.hub.settings.WriteWait)
	defer cancel()

	err := c.room.Reject(ctx, reason, func(result room.Result, err error) {
		c.ack(ref, result, err)
	})
	if err != nil {
		c.ack(ref, room.Result{Sequence: c.room.Sequence()}, reason)
	}
}

// ack answers a command that carried a ref
func (c *Client) ack(ref string, result room.Result, err error) {
	if ref == "" {
		return
	}

	body := protocol.Ack{
		OK:       err == nil,
		Sequence: result.Sequence,
		CanUndo:  result.CanUndo,
		CanRedo:  result.CanRedo,
	}
	if err != nil {
		body.Reason = err.Error()
		if errors.Is(err, room.ErrClosed) {
			c.close()
		}
	}

	data, encErr := protocol.Encode(protocol.TypeAck, ref, body)
	if encErr != nil {
		c.hub.log.Error("Failed to encode ack", zap.Error(encErr))
		return
	}
	c.Send(data)
}

func (c *Client) writePump() {
	ticker := time.NewTicker(c.hub.settings.pingPeriod())
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	writeWait := c.hub.settings.WriteWait
	for {
		select {
		case message := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}

		case <-c.done:
			return
		}
	}
}
