package document

import (
	"encoding/json"
	"fmt"

	"github.com/cespare/xxhash/v2"
)

// Hashes holds a short content hash per field, and per group for groups.
type Hashes struct {
	Campuses     string            `json:"campuses"`
	CCBIDs       string            `json:"ccbIds"`
	CustomPeople string            `json:"customPeople"`
	Edits        string            `json:"edits"`
	Faculties    string            `json:"faculties"`
	Groups       map[string]string `json:"groups"`
	GroupType    string            `json:"groupType"`
}

// ShortHash returns a 16 character hex digest of v's JSON encoding.
func ShortHash(v any) string {
	data, err := json.Marshal(v)
	if err != nil {
		data = []byte(fmt.Sprintf("%v", v))
	}
	return fmt.Sprintf("%016x", xxhash.Sum64(data))
}

// HashDocument computes the hashes compared by consistency checks.
func HashDocument(d Document) Hashes {
	d = d.Normalize()
	h := Hashes{
		Campuses:     ShortHash(d.Campuses),
		CCBIDs:       ShortHash(d.CCBIDs),
		CustomPeople: ShortHash(d.CustomPeople),
		Edits:        ShortHash(d.Edits),
		Faculties:    ShortHash(d.Faculties),
		Groups:       make(map[string]string, len(d.Groups)),
		GroupType:    ShortHash(d.GroupType),
	}
	for id, g := range d.Groups {
		h.Groups[id] = ShortHash(g)
	}
	return h
}

func (h Hashes) field(name string) string {
	switch name {
	case FieldCampuses:
		return h.Campuses
	case FieldCCBIDs:
		return h.CCBIDs
	case FieldCustomPeople:
		return h.CustomPeople
	case FieldEdits:
		return h.Edits
	case FieldFaculties:
		return h.Faculties
	case FieldGroupType:
		return h.GroupType
	}
	return ""
}

// Mismatch returns the projection covering every field and group whose
// hash differs between h and other, including groups only one side has.
// It returns nil when the hashes agree.
func (h Hashes) Mismatch(other Hashes) *Projection {
	p := &Projection{}
	for _, name := range Fields {
		if name == FieldGroups {
			continue
		}
		if h.field(name) != other.field(name) {
			p.AddField(name)
		}
	}
	for id, hash := range h.Groups {
		if other.Groups[id] != hash {
			p.AddGroup(id)
		}
	}
	for id := range other.Groups {
		if _, ok := h.Groups[id]; !ok {
			p.AddGroup(id)
		}
	}
	if p.Empty() {
		return nil
	}
	return p
}
