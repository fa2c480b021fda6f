// Package delta computes and applies structural differences between JSON-like
// trees (nil, bool, float64, string, []any and map[string]any).
package delta

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/cespare/xxhash/v2"
)

// Delta is one of Added, Modified, Deleted, *Object or *Array.
type Delta interface {
	isDelta()
}

// Added inserts a value under an object key that did not exist.
type Added struct {
	Value any
}

// Modified replaces Old with New. Applying it to a value matching neither
// raises a ConflictError.
type Modified struct {
	Old any
	New any
}

// Deleted removes an object key.
type Deleted struct {
	Old any
}

// Object holds nested deltas keyed by field name.
type Object struct {
	Fields map[string]Delta
}

// OpKind is the kind of an array operation.
type OpKind int

const (
	OpInsert OpKind = iota
	OpDelete
	OpMove
	OpModify
)

func (k OpKind) String() string {
	switch k {
	case OpInsert:
		return "insert"
	case OpDelete:
		return "delete"
	case OpMove:
		return "move"
	case OpModify:
		return "modify"
	}
	return "unknown"
}

// ArrayOp is one entry of an array delta.
//
// Delete and Move address the original array: Index is the source position
// and Value the removed item, used to find the item again if the array has
// shifted. Move also carries the target position To and Prev, the item
// that precedes To in the resulting array (unset when To is 0). Insert and
// Modify address the resulting array at Index.
type ArrayOp struct {
	Kind  OpKind
	Index int
	To    int
	Prev  any
	Value any
	Delta Delta
}

// Array holds the operations turning one sequence into another.
type Array struct {
	Ops []ArrayOp
}

func (Added) isDelta()    {}
func (Modified) isDelta() {}
func (Deleted) isDelta()  {}
func (*Object) isDelta()  {}
func (*Array) isDelta()   {}

// ConflictError reports a Modified delta whose expected prior value no
// longer matches the target.
type ConflictError struct {
	Path    []string
	Message string
}

func (e *ConflictError) Error() string {
	if len(e.Path) == 0 {
		return "conflict: " + e.Message
	}
	return fmt.Sprintf("conflict at %s: %s", strings.Join(e.Path, "."), e.Message)
}

func conflict(path []string, format string, args ...any) *ConflictError {
	return &ConflictError{
		Path:    append([]string(nil), path...),
		Message: fmt.Sprintf(format, args...),
	}
}

// IdentityFunc returns a stable identifier for a tree value. Two array
// items with the same identity are treated as the same item.
type IdentityFunc func(v any) string

// ContentHash hashes the canonical JSON encoding of v. Map keys are sorted
// by encoding/json, so equal trees always hash equally.
func ContentHash(v any) string {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprintf("%v", v)
	}
	return strconv.FormatUint(xxhash.Sum64(data), 16)
}

// Clone deep-copies a tree.
func Clone(v any) any {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, item := range t {
			out[k] = Clone(item)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, item := range t {
			out[i] = Clone(item)
		}
		return out
	default:
		return v
	}
}

func isContainer(v any) bool {
	switch v.(type) {
	case map[string]any, []any:
		return true
	}
	return false
}
