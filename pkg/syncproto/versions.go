package syncproto

import (
	"encoding/json"
	"fmt"

	"github.com/golang/glog"
	"github.com/tidwall/gjson"
)

// VersionEntry is the version of one document field: a plain counter, or a
// counter per sub-key for keyed fields such as groups.
type VersionEntry struct {
	Counter uint64            // Counter is the field version when Keys is nil
	Keys    map[string]uint64 // Keys holds per sub-key versions for keyed fields
}

// Counter returns a plain counter entry.
func Counter(n uint64) VersionEntry {
	return VersionEntry{Counter: n}
}

// Keyed returns a per sub-key entry. A nil map is treated as empty.
func Keyed(keys map[string]uint64) VersionEntry {
	if keys == nil {
		keys = map[string]uint64{}
	}
	return VersionEntry{Keys: keys}
}

func (e VersionEntry) IsKeyed() bool {
	return e.Keys != nil
}

func (e VersionEntry) MarshalJSON() ([]byte, error) {
	if e.IsKeyed() {
		return json.Marshal(e.Keys)
	}
	return json.Marshal(e.Counter)
}

func (e *VersionEntry) UnmarshalJSON(data []byte) error {
	v := gjson.ParseBytes(data)
	switch {
	case v.IsObject():
		keys := map[string]uint64{}
		if err := json.Unmarshal(data, &keys); err != nil {
			return err
		}
		*e = VersionEntry{Keys: keys}
	case v.Type == gjson.Number:
		*e = VersionEntry{Counter: v.Uint()}
	default:
		return fmt.Errorf("invalid version entry %s", data)
	}
	return nil
}

// VersionVector lists field versions in document field order.
type VersionVector []VersionEntry

// AboveMin reports whether v is ahead of floor in at least one field. A
// nil floor is below everything. Vectors of different lengths are compared
// on their common prefix.
func (v VersionVector) AboveMin(floor VersionVector) bool {
	if floor == nil {
		return true
	}
	if len(v) != len(floor) {
		glog.Warningf("Version lengths do not match: %v vs %v", v, floor)
	}
	for i, entry := range v {
		if i >= len(floor) {
			break
		}
		base := floor[i]
		switch {
		case !entry.IsKeyed() && !base.IsKeyed():
			if entry.Counter > base.Counter {
				return true
			}
		case entry.IsKeyed() && base.IsKeyed():
			for key, n := range entry.Keys {
				if n > base.Keys[key] {
					return true
				}
			}
		case entry.IsKeyed():
			// finer grained than a plain counter
			return true
		}
	}
	return false
}

// Raise returns floor raised to include v: counters take the maximum and
// keyed entries take the per-key maximum over the keys v carries. A nil
// floor becomes a copy of v.
func (v VersionVector) Raise(floor VersionVector) VersionVector {
	if floor == nil {
		return v.Copy()
	}
	out := make(VersionVector, len(v))
	for i, entry := range v {
		if i >= len(floor) {
			out[i] = entry.copy()
			continue
		}
		base := floor[i]
		switch {
		case !entry.IsKeyed() && !base.IsKeyed():
			out[i] = Counter(max(entry.Counter, base.Counter))
		case entry.IsKeyed() && base.IsKeyed():
			keys := make(map[string]uint64, len(entry.Keys))
			for key, n := range entry.Keys {
				keys[key] = max(n, base.Keys[key])
			}
			out[i] = Keyed(keys)
		case entry.IsKeyed():
			out[i] = entry.copy()
		default:
			out[i] = base.copy()
		}
	}
	return out
}

// Copy returns a deep copy of v.
func (v VersionVector) Copy() VersionVector {
	if v == nil {
		return nil
	}
	out := make(VersionVector, len(v))
	for i, e := range v {
		out[i] = e.copy()
	}
	return out
}

func (e VersionEntry) copy() VersionEntry {
	if !e.IsKeyed() {
		return e
	}
	keys := make(map[string]uint64, len(e.Keys))
	for k, n := range e.Keys {
		keys[k] = n
	}
	return Keyed(keys)
}
