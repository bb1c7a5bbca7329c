package document

import "bytes"

type ChangeType string

const (
	ChangeAdded     ChangeType = "added"
	ChangeRemoved   ChangeType = "removed"
	ChangeModified  ChangeType = "modified"
	ChangeUnchanged ChangeType = "unchanged"
)

// DiffEntry describes how one object differs between two snapshots
type DiffEntry struct {
	Type     ChangeType `json:"type"`
	ObjectID string     `json:"objectId"`
}

// Diff reports, per object id, how snapshot to differs from snapshot from.
// Objects of from come first in their order, then objects only in to.
func Diff(from, to []Record) []DiffEntry {
	next := make(map[string][]byte, len(to))
	for _, r := range to {
		next[r.ObjectID] = r.Payload
	}

	seen := make(map[string]bool, len(from))
	result := make([]DiffEntry, 0, len(from)+len(to))

	for _, r := range from {
		seen[r.ObjectID] = true
		p, ok := next[r.ObjectID]
		switch {
		case !ok:
			result = append(result, DiffEntry{Type: ChangeRemoved, ObjectID: r.ObjectID})
		case bytes.Equal(p, r.Payload):
			result = append(result, DiffEntry{Type: ChangeUnchanged, ObjectID: r.ObjectID})
		default:
			result = append(result, DiffEntry{Type: ChangeModified, ObjectID: r.ObjectID})
		}
	}

	for _, r := range to {
		if !seen[r.ObjectID] {
			result = append(result, DiffEntry{Type: ChangeAdded, ObjectID: r.ObjectID})
		}
	}

	return result
}
