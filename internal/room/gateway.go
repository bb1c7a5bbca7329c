package room

import (
	"errors"

	"github.com/manpreetbhatti/lattice-canvas/internal/document"
	"github.com/manpreetbhatti/lattice-canvas/internal/history"
	"github.com/manpreetbhatti/lattice-canvas/internal/protocol"
)

var (
	ErrMalformedMutation = errors.New("mutation has no objectId")
	ErrUnknownObject     = errors.New("object does not exist")
	ErrRetiredObject     = errors.New("object id was deleted in this room")
)

// gateway is the only writer of a room's document. It runs on the room loop.
type gateway struct {
	store   *document.Store
	history *history.Engine
}

// apply writes m with last-writer-wins semantics and records its inverse.
func (g *gateway) apply(m protocol.Mutation, seq uint64) (protocol.Change, error) {
	if m.ObjectID == "" {
		return protocol.Change{}, ErrMalformedMutation
	}

	if m.IsDelete() {
		removed, ok := g.store.Delete(m.ObjectID)
		if !ok {
			return protocol.Change{}, ErrUnknownObject
		}
		g.history.Record(history.Entry{
			Kind:     history.Deleted,
			Sequence: seq,
			ObjectID: m.ObjectID,
			Before:   removed.Payload,
		})
		return protocol.Change{ObjectID: m.ObjectID}, nil
	}

	if g.store.Retired(m.ObjectID) {
		return protocol.Change{}, ErrRetiredObject
	}

	before, existed := g.store.Get(m.ObjectID)
	g.store.Set(m.ObjectID, m.Payload)

	entry := history.Entry{
		Kind:     history.Created,
		Sequence: seq,
		ObjectID: m.ObjectID,
		After:    m.Payload,
	}
	if existed {
		entry.Kind = history.Modified
		entry.Before = before.Payload
	}
	g.history.Record(entry)

	return protocol.Change{ObjectID: m.ObjectID, Payload: m.Payload}, nil
}

// reset clears the document as one reversible bulk deletion
func (g *gateway) reset(seq uint64) (cleared bool, recorded bool) {
	records := g.store.Snapshot()
	if len(records) == 0 {
		return true, false
	}

	cleared = g.store.Clear()
	g.history.Record(history.Entry{
		Kind:     history.BulkDeleted,
		Sequence: seq,
		Records:  records,
	})
	return cleared, true
}
