package delta

import (
	"fmt"
	"sort"
	"strconv"
)

// Patch applies d to target and returns the result. Maps inside target are
// updated in place, so callers that still need the original should pass a
// Clone. A nil delta returns target unchanged.
//
// Patch is tolerant of concurrent edits: array removals and moves locate
// their item by identity, removals of items that are already gone are
// dropped, and insertions of items already present are skipped. A Modified
// delta whose prior value matches neither side fails with *ConflictError.
func (df *Differ) Patch(target any, d Delta) (any, error) {
	if d == nil {
		return target, nil
	}
	v, _, err := df.patch(nil, target, true, d)
	return v, err
}

// Apply is Patch on a clone of target.
func (df *Differ) Apply(target any, d Delta) (any, error) {
	return df.Patch(Clone(target), d)
}

func (df *Differ) patch(path []string, left any, present bool, d Delta) (any, bool, error) {
	switch d := d.(type) {
	case Added:
		return Clone(d.Value), true, nil
	case Deleted:
		return nil, false, nil
	case Modified:
		if !present {
			return nil, false, conflict(path, "value is missing, expected %v", d.Old)
		}
		if df.same(left, d.New) {
			return left, true, nil
		}
		if !df.same(left, d.Old) {
			return nil, false, conflict(path, "modification condition not met: %v != %v", left, d.Old)
		}
		return Clone(d.New), true, nil
	case *Object:
		obj, ok := left.(map[string]any)
		if !present || !ok {
			return nil, false, conflict(path, "cannot patch fields of %T", left)
		}
		names := make([]string, 0, len(d.Fields))
		for name := range d.Fields {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			current, has := obj[name]
			v, keep, err := df.patch(append(path, name), current, has, d.Fields[name])
			if err != nil {
				return nil, false, err
			}
			if keep {
				obj[name] = v
			} else {
				delete(obj, name)
			}
		}
		return obj, true, nil
	case *Array:
		arr, ok := left.([]any)
		if !present || !ok {
			return nil, false, conflict(path, "cannot patch items of %T", left)
		}
		out, err := df.patchArray(path, arr, d)
		return out, err == nil, err
	}
	return nil, false, fmt.Errorf("unknown delta type %T", d)
}

type insertion struct {
	index int
	value any
}

type removal struct {
	from int
	move bool
	to   int
}

func (df *Differ) patchArray(path []string, arr []any, d *Array) ([]any, error) {
	// Re-derive removal and move sources against the live array.
	claimed := make(map[int]bool)
	var removals []removal
	for _, op := range d.Ops {
		if op.Kind != OpDelete && op.Kind != OpMove {
			continue
		}
		at := df.locate(arr, op.Index, op.Value, claimed)
		if at < 0 {
			// already removed elsewhere
			continue
		}
		claimed[at] = true
		if op.Kind == OpMove && df.moved(arr, at, op) {
			continue
		}
		r := removal{from: at, move: op.Kind == OpMove, to: op.To}
		if r.move && at != op.Index {
			r.to = max(op.To+(at-op.Index), 0)
		}
		removals = append(removals, r)
	}

	// Skip insertions of items that are already present.
	var inserts []insertion
	var modifies []ArrayOp
	for _, op := range d.Ops {
		switch op.Kind {
		case OpInsert:
			if df.contains(arr, op.Value) {
				continue
			}
			inserts = append(inserts, insertion{index: op.Index, value: Clone(op.Value)})
		case OpModify:
			if m, ok := op.Delta.(Modified); ok && df.contains(arr, m.New) {
				continue
			}
			modifies = append(modifies, op)
		}
	}
	sort.SliceStable(inserts, func(a, b int) bool { return inserts[a].index < inserts[b].index })
	sort.SliceStable(modifies, func(a, b int) bool { return modifies[a].Index < modifies[b].Index })

	// Remove from the back so earlier positions stay valid.
	sort.Slice(removals, func(a, b int) bool { return removals[a].from < removals[b].from })
	for i := len(removals) - 1; i >= 0; i-- {
		r := removals[i]
		value := arr[r.from]
		arr = append(arr[:r.from], arr[r.from+1:]...)
		if r.move {
			inserts = append(inserts, insertion{index: r.to, value: value})
		}
	}

	sort.SliceStable(inserts, func(a, b int) bool { return inserts[a].index < inserts[b].index })
	for _, ins := range inserts {
		at := min(ins.index, len(arr))
		arr = append(arr, nil)
		copy(arr[at+1:], arr[at:])
		arr[at] = ins.value
	}

	for _, op := range modifies {
		itemPath := append(path, strconv.Itoa(op.Index))
		if op.Index >= len(arr) {
			return nil, conflict(itemPath, "index out of range (length %d)", len(arr))
		}
		v, keep, err := df.patch(itemPath, arr[op.Index], true, op.Delta)
		if err != nil {
			return nil, err
		}
		if keep {
			arr[op.Index] = v
		}
	}
	return arr, nil
}

// locate finds the live position of an item expected at index, preferring
// the original position and skipping positions already claimed.
func (df *Differ) locate(arr []any, index int, value any, claimed map[int]bool) int {
	if index >= 0 && index < len(arr) && !claimed[index] && df.same(arr[index], value) {
		return index
	}
	for i, item := range arr {
		if !claimed[i] && df.same(item, value) {
			return i
		}
	}
	return -1
}

// moved reports whether a move has already been applied: the item sits at
// its destination, away from its source, behind the same neighbour.
func (df *Differ) moved(arr []any, at int, op ArrayOp) bool {
	if at == op.Index || at != op.To {
		return false
	}
	return at == 0 || df.same(arr[at-1], op.Prev)
}

func (df *Differ) contains(arr []any, value any) bool {
	for _, item := range arr {
		if df.same(item, value) {
			return true
		}
	}
	return false
}
