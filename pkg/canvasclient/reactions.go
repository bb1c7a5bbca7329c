package canvasclient

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/manpreetbhatti/lattice-canvas/internal/events"
	"github.com/manpreetbhatti/lattice-canvas/internal/presence"
	"github.com/manpreetbhatti/lattice-canvas/internal/ratelimit"
)

const (
	EventReaction = "reaction"

	// A reaction is visible for this long after it was received
	ReactionLifetime = 4 * time.Second
	SweepInterval    = time.Second
	// While the pointer is held, one reaction is emitted per interval
	EmitInterval = 100 * time.Millisecond
)

// Reaction is one flying emoji on the local board
type Reaction struct {
	Point     presence.Point
	Value     string
	Timestamp time.Time
}

// ReactionData is the event payload exchanged between peers
type ReactionData struct {
	X     float64 `json:"x"`
	Y     float64 `json:"y"`
	Value string  `json:"value"`
}

func NewReactionEvent(point presence.Point, value string) (events.Event, error) {
	data, err := json.Marshal(ReactionData{X: point.X, Y: point.Y, Value: value})
	if err != nil {
		return events.Event{}, err
	}
	return events.Event{Type: EventReaction, Data: data}, nil
}

// ReactionBoard holds the reactions currently visible to this client
type ReactionBoard struct {
	mu        sync.Mutex
	reactions []Reaction
	now       func() time.Time
}

// NewReactionBoard reads time from now, or the wall clock when nil
func NewReactionBoard(now func() time.Time) *ReactionBoard {
	if now == nil {
		now = time.Now
	}
	return &ReactionBoard{now: now}
}

// Add records a reaction stamped with the local time of arrival
func (b *ReactionBoard) Add(point presence.Point, value string) Reaction {
	r := Reaction{Point: point, Value: value, Timestamp: b.now()}
	b.mu.Lock()
	b.reactions = append(b.reactions, r)
	b.mu.Unlock()
	return r
}

// HandleEvent adds reactions received from peers. It fits Replica.OnEvent.
func (b *ReactionBoard) HandleEvent(_ string, ev events.Event) {
	if ev.Type != EventReaction {
		return
	}
	var data ReactionData
	if err := json.Unmarshal(ev.Data, &data); err != nil || data.Value == "" {
		return
	}
	b.Add(presence.Point{X: data.X, Y: data.Y}, data.Value)
}

// Sweep drops reactions older than ReactionLifetime at now and reports how many went
func (b *ReactionBoard) Sweep(now time.Time) int {
	b.mu.Lock()
	defer b.mu.Unlock()

	kept := b.reactions[:0]
	for _, r := range b.reactions {
		if now.Sub(r.Timestamp) <= ReactionLifetime {
			kept = append(kept, r)
		}
	}
	removed := len(b.reactions) - len(kept)
	for i := len(kept); i < len(b.reactions); i++ {
		b.reactions[i] = Reaction{}
	}
	b.reactions = kept
	return removed
}

func (b *ReactionBoard) Reactions() []Reaction {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]Reaction(nil), b.reactions...)
}

// Run sweeps every interval until ctx is done
func (b *ReactionBoard) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = SweepInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			b.Sweep(b.now())
		}
	}
}

// ReactionEmitter turns a held pointer in reaction mode into a stream of
// reactions, at most one per EmitInterval.
type ReactionEmitter struct {
	board   *ReactionBoard
	limiter *ratelimit.Limiter
	publish func(events.Event) error
}

// NewReactionEmitter shows emitted reactions on board and sends them with publish
func NewReactionEmitter(board *ReactionBoard, publish func(events.Event) error, now func() time.Time) *ReactionEmitter {
	if now == nil {
		now = time.Now
	}
	return &ReactionEmitter{
		board:   board,
		limiter: ratelimit.Interval(EmitInterval, now),
		publish: publish,
	}
}

// Tick emits one reaction if self is pressing in reaction mode with a cursor.
func (e *ReactionEmitter) Tick(self presence.Entry) (bool, error) {
	state := self.Reaction
	if self.Cursor == nil || state == nil || state.Mode != presence.ModeReaction || !state.Pressed || state.Reaction == "" {
		return false, nil
	}
	if !e.limiter.Allow() {
		return false, nil
	}

	ev, err := NewReactionEvent(*self.Cursor, state.Reaction)
	if err != nil {
		return false, err
	}
	e.board.Add(*self.Cursor, state.Reaction)
	if err := e.publish(ev); err != nil {
		return true, err
	}
	return true, nil
}

// Run ticks every EmitInterval with the presence reported by self until ctx is done
func (e *ReactionEmitter) Run(ctx context.Context, self func() presence.Entry) {
	ticker := time.NewTicker(EmitInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.Tick(self())
		}
	}
}
