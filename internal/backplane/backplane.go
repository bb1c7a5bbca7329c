package backplane

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/manpreetbhatti/lattice-canvas/internal/events"
	"github.com/manpreetbhatti/lattice-canvas/internal/presence"
)

var ErrClosed = errors.New("backplane is closed")

const (
	queueSize    = 1024
	writeTimeout = 2 * time.Second
)

// Backplane mirrors presence into Redis and relays ephemeral events between
// server instances. Durable document traffic never goes through it.
//
// Keys:
//   - {namespace}:room:{roomID}:presence  hash connID -> presenceRecord JSON, expires after TTL
//   - {namespace}:events                  pub/sub channel of relayMessage JSON
type Backplane struct {
	rdb        *redis.Client
	namespace  string
	instanceID string
	ttl        time.Duration
	log        *zap.Logger

	queue     chan func(ctx context.Context) error
	stop      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

type presenceRecord struct {
	Instance string         `json:"instance"`
	Presence presence.Entry `json:"presence"`
}

type relayMessage struct {
	Instance     string       `json:"instance"`
	RoomID       string       `json:"roomId"`
	ConnectionID string       `json:"connectionId"`
	Event        events.Event `json:"event"`
}

// RemoteEvent is an event published by a connection on another instance
type RemoteEvent struct {
	RoomID       string
	ConnectionID string
	Event        events.Event
}

func New(opts *redis.Options, namespace string, ttl time.Duration, logger *zap.Logger) (*Backplane, error) {
	if namespace == "" {
		return nil, fmt.Errorf("namespace cannot be empty")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if ttl <= 0 {
		ttl = 2 * time.Minute
	}

	b := &Backplane{
		rdb:        redis.NewClient(opts),
		namespace:  namespace,
		instanceID: uuid.NewString(),
		ttl:        ttl,
		log:        logger.Named("backplane"),
		queue:      make(chan func(ctx context.Context) error, queueSize),
		stop:       make(chan struct{}),
	}

	b.wg.Add(1)
	go b.worker()
	return b, nil
}

func (b *Backplane) InstanceID() string { return b.instanceID }

func (b *Backplane) Ping(ctx context.Context) error {
	return b.rdb.Ping(ctx).Err()
}

// Close drains pending mirror writes and closes the Redis connection
func (b *Backplane) Close() error {
	b.closeOnce.Do(func() { close(b.stop) })
	b.wg.Wait()
	return b.rdb.Close()
}

func (b *Backplane) presenceKey(roomID string) string {
	return b.namespace + ":room:" + roomID + ":presence"
}

func (b *Backplane) eventsChannel() string {
	return b.namespace + ":events"
}

func (b *Backplane) worker() {
	defer b.wg.Done()

	run := func(op func(ctx context.Context) error) {
		ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
		defer cancel()
		if err := op(ctx); err != nil {
			b.log.Warn("Backplane write failed", zap.Error(err))
		}
	}

	for {
		select {
		case op := <-b.queue:
			run(op)
		case <-b.stop:
			for {
				select {
				case op := <-b.queue:
					run(op)
				default:
					return
				}
			}
		}
	}
}

// enqueue never blocks; writes are dropped when Redis falls behind
func (b *Backplane) enqueue(op func(ctx context.Context) error) bool {
	select {
	case <-b.stop:
		return false
	default:
	}

	select {
	case b.queue <- op:
		return true
	default:
		b.log.Warn("Backplane queue full, dropping write")
		return false
	}
}

// Flush waits until every write queued before it has been attempted
func (b *Backplane) Flush(ctx context.Context) error {
	done := make(chan struct{})
	if !b.enqueue(func(context.Context) error {
		close(done)
		return nil
	}) {
		return ErrClosed
	}

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// PresenceChanged implements room.Observer
func (b *Backplane) PresenceChanged(roomID, connID string, entry presence.Entry) {
	data, err := json.Marshal(presenceRecord{Instance: b.instanceID, Presence: entry})
	if err != nil {
		b.log.Error("Failed to encode presence", zap.Error(err))
		return
	}

	key := b.presenceKey(roomID)
	b.enqueue(func(ctx context.Context) error {
		pipe := b.rdb.TxPipeline()
		pipe.HSet(ctx, key, connID, data)
		pipe.Expire(ctx, key, b.ttl)
		if _, err := pipe.Exec(ctx); err != nil {
			return fmt.Errorf("failed to mirror presence: %w", err)
		}
		return nil
	})
}

// PresenceRemoved implements room.Observer
func (b *Backplane) PresenceRemoved(roomID, connID string) {
	key := b.presenceKey(roomID)
	b.enqueue(func(ctx context.Context) error {
		if err := b.rdb.HDel(ctx, key, connID).Err(); err != nil {
			return fmt.Errorf("failed to remove presence: %w", err)
		}
		return nil
	})
}

// EventPublished implements room.Observer
func (b *Backplane) EventPublished(roomID, connID string, ev events.Event) {
	b.enqueue(func(ctx context.Context) error {
		return b.PublishEvent(ctx, roomID, connID, ev)
	})
}

// PublishEvent relays ev to the other instances
func (b *Backplane) PublishEvent(ctx context.Context, roomID, connID string, ev events.Event) error {
	data, err := json.Marshal(relayMessage{
		Instance:     b.instanceID,
		RoomID:       roomID,
		ConnectionID: connID,
		Event:        ev,
	})
	if err != nil {
		return fmt.Errorf("failed to encode event: %w", err)
	}
	if err := b.rdb.Publish(ctx, b.eventsChannel(), data).Err(); err != nil {
		return fmt.Errorf("failed to publish event: %w", err)
	}
	return nil
}

// RoomPresence returns the mirrored presence of a room across all instances
func (b *Backplane) RoomPresence(ctx context.Context, roomID string) (map[string]presence.Entry, error) {
	raw, err := b.rdb.HGetAll(ctx, b.presenceKey(roomID)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read presence: %w", err)
	}

	result := make(map[string]presence.Entry, len(raw))
	for connID, data := range raw {
		var rec presenceRecord
		if err := json.Unmarshal([]byte(data), &rec); err != nil {
			b.log.Debug("Skipping corrupt presence record", zap.String("conn", connID), zap.Error(err))
			continue
		}
		result[connID] = rec.Presence
	}
	return result, nil
}

// Subscription is an active relay of remote events.
// Caller must call Close() when done.
type Subscription struct {
	events <-chan RemoteEvent
	errors <-chan error
	cancel func()
	once   sync.Once
}

// Events is closed when the subscription ends
func (s *Subscription) Events() <-chan RemoteEvent {
	return s.events
}

// Errors reports undecodable messages; the subscription keeps running
func (s *Subscription) Errors() <-chan error {
	return s.errors
}

func (s *Subscription) Close() error {
	s.once.Do(s.cancel)
	return nil
}

// SubscribeEvents delivers events published by other instances.
// Delivery is at most once.
func (b *Backplane) SubscribeEvents(ctx context.Context) (*Subscription, error) {
	pubsub := b.rdb.Subscribe(ctx, b.eventsChannel())
	// Wait for the subscription to be confirmed so no publish is missed
	if _, err := pubsub.Receive(ctx); err != nil {
		pubsub.Close()
		return nil, fmt.Errorf("failed to subscribe to events: %w", err)
	}

	eventsChan := make(chan RemoteEvent, 64)
	errorsChan := make(chan error, 10)
	subCtx, cancelFunc := context.WithCancel(ctx)

	go func() {
		defer close(eventsChan)
		defer close(errorsChan)
		defer pubsub.Close()

		ch := pubsub.Channel()
		for {
			select {
			case <-subCtx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}

				var relay relayMessage
				if err := json.Unmarshal([]byte(msg.Payload), &relay); err != nil {
					select {
					case errorsChan <- fmt.Errorf("failed to unmarshal relayed event: %w", err):
					default:
					}
					continue
				}
				if relay.Instance == b.instanceID {
					continue
				}

				select {
				case eventsChan <- RemoteEvent{RoomID: relay.RoomID, ConnectionID: relay.ConnectionID, Event: relay.Event}:
				case <-subCtx.Done():
					return
				}
			}
		}
	}()

	return &Subscription{
		events: eventsChan,
		errors: errorsChan,
		cancel: cancelFunc,
	}, nil
}

// Rooms receives relayed events, typically a *room.Registry
type Rooms interface {
	DeliverRemote(roomID, from string, ev events.Event) int
}

// Relay forwards remote events into local rooms until ctx is done
func (b *Backplane) Relay(ctx context.Context, rooms Rooms) error {
	sub, err := b.SubscribeEvents(ctx)
	if err != nil {
		return err
	}
	defer sub.Close()

	b.log.Info("📡 Relaying events", zap.String("instance", b.instanceID))
	errs := sub.Errors()
	for {
		select {
		case ev, ok := <-sub.Events():
			if !ok {
				return ctx.Err()
			}
			rooms.DeliverRemote(ev.RoomID, ev.ConnectionID, ev.Event)
		case err, ok := <-errs:
			if !ok {
				errs = nil
				continue
			}
			b.log.Debug("Relay error", zap.Error(err))
		}
	}
}
