package delta

import (
	"strconv"
)

const (
	arrayMarker = "a"
	codeDeleted = 0
	codeMoved   = 3
)

// Format renders d in the jsondiffpatch delta notation, suitable for JSON
// encoding. Added is [new], Modified [old, new], Deleted [old, 0, 0];
// arrays are objects tagged "_t": "a" with "_<i>" keys for removals
// ([old, 0, 0]) and moves ([old, to, 3]).
func Format(d Delta) any {
	switch d := d.(type) {
	case nil:
		return nil
	case Added:
		return []any{d.Value}
	case Modified:
		return []any{d.Old, d.New}
	case Deleted:
		return []any{d.Old, codeDeleted, codeDeleted}
	case *Object:
		out := make(map[string]any, len(d.Fields))
		for name, child := range d.Fields {
			out[name] = Format(child)
		}
		return out
	case *Array:
		out := map[string]any{"_t": arrayMarker}
		for _, op := range d.Ops {
			switch op.Kind {
			case OpInsert:
				out[strconv.Itoa(op.Index)] = []any{op.Value}
			case OpDelete:
				out["_"+strconv.Itoa(op.Index)] = []any{op.Value, codeDeleted, codeDeleted}
			case OpMove:
				out["_"+strconv.Itoa(op.Index)] = []any{op.Value, op.To, codeMoved}
			case OpModify:
				out[strconv.Itoa(op.Index)] = Format(op.Delta)
			}
		}
		return out
	}
	return nil
}
