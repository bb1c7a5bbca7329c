package presence

import (
	"bytes"
	"encoding/json"
	"sync"
)

type CursorMode string

const (
	ModeHidden           CursorMode = "hidden"
	ModeChat             CursorMode = "chat"
	ModeReactionSelector CursorMode = "reaction_selector"
	ModeReaction         CursorMode = "reaction"
)

type Point struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

type ReactionState struct {
	Mode     CursorMode `json:"mode"`
	Reaction string     `json:"reaction,omitempty"`
	Pressed  bool       `json:"isPressed,omitempty"`
}

// Entry is the live state of one connection. Nil fields are absent.
type Entry struct {
	Cursor   *Point         `json:"cursor"`
	Message  *string        `json:"message"`
	Reaction *ReactionState `json:"reactionState"`
}

func (e Entry) clone() Entry {
	out := Entry{}
	if e.Cursor != nil {
		c := *e.Cursor
		out.Cursor = &c
	}
	if e.Message != nil {
		m := *e.Message
		out.Message = &m
	}
	if e.Reaction != nil {
		r := *e.Reaction
		out.Reaction = &r
	}
	return out
}

var jsonNull = []byte("null")

// Field is one optional patch field. Set is false when the field was omitted,
// and Value is nil when it was explicitly cleared.
type Field[T any] struct {
	Set   bool
	Value *T
}

func Value[T any](v T) Field[T] { return Field[T]{Set: true, Value: &v} }
func Clear[T any]() Field[T]    { return Field[T]{Set: true} }

func (f *Field[T]) UnmarshalJSON(data []byte) error {
	f.Set = true
	if bytes.Equal(bytes.TrimSpace(data), jsonNull) {
		f.Value = nil
		return nil
	}
	var v T
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}
	f.Value = &v
	return nil
}

// Patch is a partial presence update
type Patch struct {
	Cursor   Field[Point]         `json:"cursor"`
	Message  Field[string]        `json:"message"`
	Reaction Field[ReactionState] `json:"reactionState"`
}

func (p Patch) MarshalJSON() ([]byte, error) {
	out := make(map[string]any, 3)
	if p.Cursor.Set {
		out["cursor"] = p.Cursor.Value
	}
	if p.Message.Set {
		out["message"] = p.Message.Value
	}
	if p.Reaction.Set {
		out["reactionState"] = p.Reaction.Value
	}
	return json.Marshal(out)
}

func (p Patch) Empty() bool {
	return !p.Cursor.Set && !p.Message.Set && !p.Reaction.Set
}

// Apply merges the set fields of p into e
func (p Patch) Apply(e Entry) Entry {
	out := e.clone()
	if p.Cursor.Set {
		out.Cursor = clonePtr(p.Cursor.Value)
	}
	if p.Message.Set {
		out.Message = clonePtr(p.Message.Value)
	}
	if p.Reaction.Set {
		out.Reaction = clonePtr(p.Reaction.Value)
	}
	return out
}

func clonePtr[T any](v *T) *T {
	if v == nil {
		return nil
	}
	c := *v
	return &c
}

// Table holds presence for every connection of one room
type Table struct {
	entries map[string]Entry
	mu      sync.RWMutex
}

func NewTable() *Table {
	return &Table{entries: make(map[string]Entry)}
}

// Join creates an empty entry for connID, resetting any previous one.
func (t *Table) Join(connID string) Entry {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.entries[connID] = Entry{}
	return Entry{}
}

// Update merges patch into connID's entry. Unknown connections are ignored.
func (t *Table) Update(connID string, patch Patch) (Entry, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	current, ok := t.entries[connID]
	if !ok {
		return Entry{}, false
	}
	next := patch.Apply(current)
	t.entries[connID] = next
	return next.clone(), true
}

func (t *Table) Remove(connID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, ok := t.entries[connID]; !ok {
		return false
	}
	delete(t.entries, connID)
	return true
}

func (t *Table) Get(connID string) (Entry, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	e, ok := t.entries[connID]
	return e.clone(), ok
}

// Returns a copy of every entry
func (t *Table) Snapshot() map[string]Entry {
	t.mu.RLock()
	defer t.mu.RUnlock()

	out := make(map[string]Entry, len(t.entries))
	for id, e := range t.entries {
		out[id] = e.clone()
	}
	return out
}

func (t *Table) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.entries)
}
