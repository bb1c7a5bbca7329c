package document

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// A single drawable object. Payload is opaque and replaced wholesale.
type Record struct {
	ObjectID string          `json:"objectId"`
	Payload  json.RawMessage `json:"payload"`
}

// Store is the insertion-ordered objectId -> Record mapping for one room.
// It is not safe for concurrent use; the owner serializes access.
type Store struct {
	order   []string
	index   map[string]int
	records map[string]json.RawMessage

	// ids deleted during this store's lifetime
	retired map[string]struct{}
}

func New() *Store {
	return &Store{
		index:   make(map[string]int),
		records: make(map[string]json.RawMessage),
		retired: make(map[string]struct{}),
	}
}

// Builds a store seeded with records, in order. Later duplicates replace
// earlier payloads without moving them.
func FromSnapshot(records []Record) *Store {
	s := New()
	for _, r := range records {
		s.Set(r.ObjectID, r.Payload)
	}
	return s
}

func (s *Store) Get(objectID string) (Record, bool) {
	payload, ok := s.records[objectID]
	if !ok {
		return Record{}, false
	}
	return Record{ObjectID: objectID, Payload: clonePayload(payload)}, true
}

// Insert-or-replace. Reports whether the object already existed.
func (s *Store) Set(objectID string, payload json.RawMessage) bool {
	_, existed := s.records[objectID]
	if !existed {
		s.index[objectID] = len(s.order)
		s.order = append(s.order, objectID)
	}
	s.records[objectID] = clonePayload(payload)
	return existed
}

// Like Set, but also revives a retired id. Only history replay uses this.
func (s *Store) Restore(objectID string, payload json.RawMessage) {
	delete(s.retired, objectID)
	s.Set(objectID, payload)
}

func (s *Store) Delete(objectID string) (Record, bool) {
	payload, ok := s.records[objectID]
	if !ok {
		return Record{}, false
	}

	i := s.index[objectID]
	copy(s.order[i:], s.order[i+1:])
	s.order = s.order[:len(s.order)-1]
	for j := i; j < len(s.order); j++ {
		s.index[s.order[j]] = j
	}

	delete(s.index, objectID)
	delete(s.records, objectID)
	s.retired[objectID] = struct{}{}
	return Record{ObjectID: objectID, Payload: payload}, true
}

// Removes every record and reports whether the store ended empty.
func (s *Store) Clear() bool {
	for _, id := range s.order {
		s.retired[id] = struct{}{}
	}
	s.order = nil
	s.index = make(map[string]int)
	s.records = make(map[string]json.RawMessage)
	return len(s.records) == 0
}

func (s *Store) Len() int {
	return len(s.order)
}

// Whether objectID was deleted at some point and has not been restored.
func (s *Store) Retired(objectID string) bool {
	_, ok := s.retired[objectID]
	return ok
}

// Returns a copy of all records in insertion order.
func (s *Store) Snapshot() []Record {
	out := make([]Record, len(s.order))
	for i, id := range s.order {
		out[i] = Record{ObjectID: id, Payload: clonePayload(s.records[id])}
	}
	return out
}

func clonePayload(p json.RawMessage) json.RawMessage {
	if p == nil {
		return nil
	}
	out := make(json.RawMessage, len(p))
	copy(out, p)
	return out
}

// Serializes a snapshot as an ordered JSON array of {objectId, payload}.
func MarshalSnapshot(records []Record) ([]byte, error) {
	if records == nil {
		records = []Record{}
	}
	return json.Marshal(records)
}

func UnmarshalSnapshot(data []byte) ([]Record, error) {
	if len(bytes.TrimSpace(data)) == 0 {
		return []Record{}, nil
	}
	var records []Record
	if err := json.Unmarshal(data, &records); err != nil {
		return nil, fmt.Errorf("failed to decode snapshot: %w", err)
	}
	for i, r := range records {
		if r.ObjectID == "" {
			return nil, fmt.Errorf("snapshot record %d has no objectId", i)
		}
	}
	return records, nil
}

// Compares snapshots as sets of (objectId, payload) pairs, ignoring order.
func Equal(a, b []Record) bool {
	if len(a) != len(b) {
		return false
	}
	m := make(map[string]json.RawMessage, len(a))
	for _, r := range a {
		m[r.ObjectID] = r.Payload
	}
	for _, r := range b {
		p, ok := m[r.ObjectID]
		if !ok || !bytes.Equal(p, r.Payload) {
			return false
		}
	}
	return true
}
