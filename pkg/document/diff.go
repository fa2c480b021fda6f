package document

import (
	"gihan9a/groupsync/pkg/delta"
)

// Identity picks the key used to match tree values across snapshots:
// people by responseId, groups by id, anything else by content.
func Identity(v any) string {
	if m, ok := v.(map[string]any); ok {
		if id, ok := m["responseId"].(string); ok {
			return "person:" + id
		}
		if id, ok := m["id"].(string); ok {
			if _, ok := m["members"]; ok {
				return "group:" + id
			}
		}
	}
	return delta.ContentHash(v)
}

var differ = delta.New(Identity)

// Differ returns the differ used for documents.
func Differ() *delta.Differ {
	return differ
}

// Diff returns the delta between two documents, or nil when they are equal.
func Diff(before, after Document) delta.Delta {
	return differ.Diff(before.Tree(), after.Tree())
}

// Patch applies d to a copy of doc.
func Patch(doc Document, d delta.Delta) (Document, error) {
	if d == nil {
		return doc.Copy(), nil
	}
	patched, err := differ.Patch(doc.Tree(), d)
	if err != nil {
		return Document{}, err
	}
	return FromTree(patched)
}
