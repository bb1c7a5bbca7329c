// Package history keeps a room's undo and redo stacks.
package history

import (
	"encoding/json"
	"errors"

	"github.com/manpreetbhatti/lattice-canvas/internal/document"
)

var (
	ErrNothingToUndo = errors.New("nothing to undo")
	ErrNothingToRedo = errors.New("nothing to redo")
)

// Kind tags the variant of an Entry
type Kind int

const (
	Created Kind = iota + 1
	Modified
	Deleted
	BulkDeleted
)

func (k Kind) String() string {
	switch k {
	case Created:
		return "created"
	case Modified:
		return "modified"
	case Deleted:
		return "deleted"
	case BulkDeleted:
		return "bulk_deleted"
	default:
		return "unknown"
	}
}

// Entry is one reversible unit of change.
//
// Created carries After, Modified carries Before and After, Deleted carries
// Before, BulkDeleted carries Records in their original order.
type Entry struct {
	Kind     Kind
	Sequence uint64
	ObjectID string
	Before   json.RawMessage
	After    json.RawMessage
	Records  []document.Record
}

// Change is the resulting state of one object after undo or redo.
// A nil Payload means the object no longer exists.
type Change struct {
	ObjectID string
	Payload  json.RawMessage
}

// Engine holds the undo and redo stacks, most recent last
type Engine struct {
	undo  []Entry
	redo  []Entry
	depth int
}

// New returns an engine keeping at most depth undo entries (0 = unbounded).
func New(depth int) *Engine {
	return &Engine{depth: depth}
}

// Record pushes entry and drops any redo potential
func (e *Engine) Record(entry Entry) {
	e.undo = append(e.undo, entry)
	if e.depth > 0 && len(e.undo) > e.depth {
		dropped := len(e.undo) - e.depth
		copy(e.undo, e.undo[dropped:])
		e.undo = e.undo[:e.depth]
	}
	e.redo = e.redo[:0]
}

// Undo reverts the most recent entry against store.
func (e *Engine) Undo(store *document.Store) (Entry, []Change, error) {
	if len(e.undo) == 0 {
		return Entry{}, nil, ErrNothingToUndo
	}

	entry := e.undo[len(e.undo)-1]
	e.undo = e.undo[:len(e.undo)-1]

	changes := revert(store, entry)
	e.redo = append(e.redo, entry)
	return entry, changes, nil
}

// Redo reapplies the most recently undone entry against store.
func (e *Engine) Redo(store *document.Store) (Entry, []Change, error) {
	if len(e.redo) == 0 {
		return Entry{}, nil, ErrNothingToRedo
	}

	entry := e.redo[len(e.redo)-1]
	e.redo = e.redo[:len(e.redo)-1]

	changes := reapply(store, entry)
	e.undo = append(e.undo, entry)
	return entry, changes, nil
}

func (e *Engine) CanUndo() bool { return len(e.undo) > 0 }
func (e *Engine) CanRedo() bool { return len(e.redo) > 0 }

func (e *Engine) UndoDepth() int { return len(e.undo) }
func (e *Engine) RedoDepth() int { return len(e.redo) }

func revert(store *document.Store, entry Entry) []Change {
	switch entry.Kind {
	case Created:
		store.Delete(entry.ObjectID)
		return []Change{{ObjectID: entry.ObjectID}}
	case Modified, Deleted:
		store.Restore(entry.ObjectID, entry.Before)
		return []Change{{ObjectID: entry.ObjectID, Payload: entry.Before}}
	case BulkDeleted:
		changes := make([]Change, 0, len(entry.Records))
		for _, r := range entry.Records {
			store.Restore(r.ObjectID, r.Payload)
			changes = append(changes, Change{ObjectID: r.ObjectID, Payload: r.Payload})
		}
		return changes
	}
	return nil
}

func reapply(store *document.Store, entry Entry) []Change {
	switch entry.Kind {
	case Created, Modified:
		store.Restore(entry.ObjectID, entry.After)
		return []Change{{ObjectID: entry.ObjectID, Payload: entry.After}}
	case Deleted:
		store.Delete(entry.ObjectID)
		return []Change{{ObjectID: entry.ObjectID}}
	case BulkDeleted:
		changes := make([]Change, 0, len(entry.Records))
		for _, r := range entry.Records {
			store.Delete(r.ObjectID)
			changes = append(changes, Change{ObjectID: r.ObjectID})
		}
		return changes
	}
	return nil
}
