// Package canvasclient keeps a local projection of one room in sync with a
// canvas server and exposes it to renderers and UI code.
package canvasclient

import (
	"fmt"
	"sync"

	"github.com/manpreetbhatti/lattice-canvas/internal/document"
	"github.com/manpreetbhatti/lattice-canvas/internal/events"
	"github.com/manpreetbhatti/lattice-canvas/internal/presence"
	"github.com/manpreetbhatti/lattice-canvas/internal/protocol"
)

// Replica is the local copy of a room. It applies server messages in the
// order they arrive and calls its listeners outside its lock.
type Replica struct {
	mu sync.Mutex

	connID string
	roomID string
	store  *document.Store
	seq    uint64
	stale  bool

	self    presence.Entry
	peers   map[string]presence.Entry
	canUndo bool
	canRedo bool

	onChange   []func([]document.Record)
	onPresence []func(map[string]presence.Entry)
	onEvent    []func(from string, ev events.Event)
}

func NewReplica() *Replica {
	return &Replica{
		store: document.New(),
		peers: make(map[string]presence.Entry),
	}
}

// OnChange registers fn to receive the full snapshot after every add,
// update, delete or reset
func (r *Replica) OnChange(fn func([]document.Record)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onChange = append(r.onChange, fn)
}

// OnPresence registers fn to receive every peer's presence after it changes
func (r *Replica) OnPresence(fn func(map[string]presence.Entry)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onPresence = append(r.onPresence, fn)
}

func (r *Replica) OnEvent(fn func(from string, ev events.Event)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onEvent = append(r.onEvent, fn)
}

func (r *Replica) ConnectionID() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.connID
}

func (r *Replica) RoomID() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.roomID
}

func (r *Replica) Sequence() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.seq
}

func (r *Replica) Snapshot() []document.Record {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.store.Snapshot()
}

func (r *Replica) Get(objectID string) (document.Record, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.store.Get(objectID)
}

// Peers returns the presence of every other connection in the room
func (r *Replica) Peers() map[string]presence.Entry {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.peersLocked()
}

func (r *Replica) peersLocked() map[string]presence.Entry {
	out := make(map[string]presence.Entry, len(r.peers))
	for id, e := range r.peers {
		out[id] = e
	}
	return out
}

// Self is this connection's presence as last sent
func (r *Replica) Self() presence.Entry {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.self
}

func (r *Replica) CanUndo() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.canUndo
}

func (r *Replica) CanRedo() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.canRedo
}

// Stale reports whether a sequence gap was seen since the last full snapshot
func (r *Replica) Stale() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.stale
}

// Apply folds one server message into the replica. It reports whether the
// replica just became stale and needs a resync. Acks are ignored here.
func (r *Replica) Apply(env protocol.Envelope) (bool, error) {
	switch env.Type {
	case protocol.TypeWelcome:
		var w protocol.Welcome
		if err := env.Body(&w); err != nil {
			return false, err
		}
		r.welcome(w)

	case protocol.TypeSnapshot:
		var s protocol.Snapshot
		if err := env.Body(&s); err != nil {
			return false, err
		}
		r.replace(s.Document, s.Sequence)

	case protocol.TypeStorage:
		var s protocol.Storage
		if err := env.Body(&s); err != nil {
			return false, err
		}
		return r.storage(s), nil

	case protocol.TypePresence:
		var p protocol.PresenceUpdate
		if err := env.Body(&p); err != nil {
			return false, err
		}
		r.updatePeer(p.ConnectionID, &p.Presence)

	case protocol.TypePresenceRemoved:
		var p protocol.PresenceRemoved
		if err := env.Body(&p); err != nil {
			return false, err
		}
		r.updatePeer(p.ConnectionID, nil)

	case protocol.TypeEvent:
		var m protocol.EventMessage
		if err := env.Body(&m); err != nil {
			return false, err
		}
		r.mu.Lock()
		listeners := append([]func(string, events.Event){}, r.onEvent...)
		r.mu.Unlock()
		for _, fn := range listeners {
			fn(m.ConnectionID, m.Event)
		}

	case protocol.TypeAck:

	default:
		return false, fmt.Errorf("%w: unexpected %s from server", protocol.ErrInvalidMessage, env.Type)
	}
	return false, nil
}

func (r *Replica) welcome(w protocol.Welcome) {
	r.mu.Lock()
	r.connID = w.ConnectionID
	r.roomID = w.RoomID
	r.canUndo = w.CanUndo
	r.canRedo = w.CanRedo
	r.peers = make(map[string]presence.Entry, len(w.Presence))
	for id, e := range w.Presence {
		if id == w.ConnectionID {
			r.self = e
			continue
		}
		r.peers[id] = e
	}
	r.resetLocked(w.Document, w.Sequence)
	records := r.store.Snapshot()
	peers := r.peersLocked()
	changeListeners := append([]func([]document.Record){}, r.onChange...)
	presenceListeners := append([]func(map[string]presence.Entry){}, r.onPresence...)
	r.mu.Unlock()

	for _, fn := range changeListeners {
		fn(records)
	}
	for _, fn := range presenceListeners {
		fn(peers)
	}
}

func (r *Replica) resetLocked(records []document.Record, seq uint64) {
	r.store = document.FromSnapshot(records)
	r.seq = seq
	r.stale = false
}

func (r *Replica) replace(records []document.Record, seq uint64) {
	r.mu.Lock()
	r.resetLocked(records, seq)
	r.mu.Unlock()
	r.notifyChange()
}

// storage applies a broadcast; a sequence that skips ahead marks the replica stale
func (r *Replica) storage(s protocol.Storage) bool {
	r.mu.Lock()
	becameStale := false
	if s.Sequence != r.seq+1 && !r.stale {
		r.stale = true
		becameStale = true
	}
	if s.Sequence > r.seq {
		r.seq = s.Sequence
	}
	r.canUndo = s.CanUndo
	r.canRedo = s.CanRedo
	if s.Reset {
		r.store.Clear()
	}
	for _, c := range s.Changes {
		r.applyLocked(c)
	}
	r.mu.Unlock()

	r.notifyChange()
	return becameStale
}

func (r *Replica) applyLocked(c protocol.Change) {
	if c.Deleted() {
		r.store.Delete(c.ObjectID)
		return
	}
	r.store.Restore(c.ObjectID, c.Payload)
}

// acknowledge applies this connection's own accepted write. The server does
// not echo mutations, deletes or resets to their sender, so the ack stands in
// for the broadcast at the same position in the stream.
func (r *Replica) acknowledge(ack protocol.Ack, changes []protocol.Change, reset bool) bool {
	r.mu.Lock()
	r.canUndo = ack.CanUndo
	r.canRedo = ack.CanRedo

	if !ack.OK || ack.Sequence <= r.seq {
		r.mu.Unlock()
		return false
	}

	becameStale := false
	if ack.Sequence != r.seq+1 && !r.stale {
		r.stale = true
		becameStale = true
	}
	r.seq = ack.Sequence
	if reset {
		r.store.Clear()
	}
	for _, c := range changes {
		r.applyLocked(c)
	}
	r.mu.Unlock()

	r.notifyChange()
	return becameStale
}

func (r *Replica) setFlags(canUndo, canRedo bool) {
	r.mu.Lock()
	r.canUndo = canUndo
	r.canRedo = canRedo
	r.mu.Unlock()
}

func (r *Replica) updateSelf(patch presence.Patch) {
	r.mu.Lock()
	r.self = patch.Apply(r.self)
	r.mu.Unlock()
}

// updatePeer sets or, with a nil entry, removes a peer
func (r *Replica) updatePeer(connID string, entry *presence.Entry) {
	r.mu.Lock()
	if connID == r.connID {
		r.mu.Unlock()
		return
	}
	if entry == nil {
		delete(r.peers, connID)
	} else {
		r.peers[connID] = *entry
	}
	peers := r.peersLocked()
	listeners := append([]func(map[string]presence.Entry){}, r.onPresence...)
	r.mu.Unlock()

	for _, fn := range listeners {
		fn(peers)
	}
}

func (r *Replica) notifyChange() {
	r.mu.Lock()
	records := r.store.Snapshot()
	listeners := append([]func([]document.Record){}, r.onChange...)
	r.mu.Unlock()

	for _, fn := range listeners {
		fn(records)
	}
}
