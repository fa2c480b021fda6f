package document

import (
	"sort"

	"gihan9a/groupsync/pkg/delta"
)

// Projection selects a subset of a document: whole fields, plus either all
// groups or a set of group ids. A nil *Projection selects everything.
type Projection struct {
	Fields    map[string]bool
	AllGroups bool
	Groups    map[string]bool
}

// AddField selects a top-level field. Selecting groups selects all groups.
func (p *Projection) AddField(name string) {
	if name == FieldGroups {
		p.AllGroups = true
		return
	}
	if p.Fields == nil {
		p.Fields = make(map[string]bool)
	}
	p.Fields[name] = true
}

// AddGroup selects a single group.
func (p *Projection) AddGroup(id string) {
	if p.Groups == nil {
		p.Groups = make(map[string]bool)
	}
	p.Groups[id] = true
}

// Empty reports whether p selects nothing.
func (p *Projection) Empty() bool {
	return p != nil && len(p.Fields) == 0 && !p.AllGroups && len(p.Groups) == 0
}

// HasField reports whether the field is at least partly selected.
func (p *Projection) HasField(name string) bool {
	if p == nil {
		return true
	}
	if name == FieldGroups {
		return p.AllGroups || len(p.Groups) > 0
	}
	return p.Fields[name]
}

// HasGroup reports whether group id is selected. A nil projection selects
// everything.
func (p *Projection) HasGroup(id string) bool {
	return p == nil || p.AllGroups || p.Groups[id]
}

// GroupIDs returns the explicitly selected group ids, sorted.
func (p *Projection) GroupIDs() []string {
	if p == nil {
		return nil
	}
	ids := make([]string, 0, len(p.Groups))
	for id := range p.Groups {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// ProjectionFromDelta returns the fields and groups a document delta
// touches. A nil delta touches nothing.
func ProjectionFromDelta(d delta.Delta) *Projection {
	p := &Projection{}
	obj, ok := d.(*delta.Object)
	if !ok {
		if d != nil {
			p.AllGroups = true
			for _, name := range Fields {
				p.AddField(name)
			}
		}
		return p
	}
	for name, child := range obj.Fields {
		if name != FieldGroups {
			p.AddField(name)
			continue
		}
		groups, ok := child.(*delta.Object)
		if !ok {
			p.AllGroups = true
			continue
		}
		for id := range groups.Fields {
			p.AddGroup(id)
		}
	}
	return p
}

// Partial is a projected document. Absent fields are nil. In Groups a nil
// entry marks a selected group the document does not have.
type Partial struct {
	Campuses     *[]string               `json:"campuses,omitempty"`
	CCBIDs       *[]int                  `json:"ccbIds,omitempty"`
	CustomPeople *[]Person               `json:"customPeople,omitempty"`
	Edits        *map[string]PersonPatch `json:"edits,omitempty"`
	Faculties    *[]string               `json:"faculties,omitempty"`
	Groups       map[string]*Group       `json:"groups,omitempty"`
	GroupType    *string                 `json:"groupType,omitempty"`
}

// Project returns the part of d selected by p.
func Project(d Document, p *Projection) Partial {
	d = d.Copy()
	var out Partial
	if p.HasField(FieldCampuses) {
		out.Campuses = &d.Campuses
	}
	if p.HasField(FieldCCBIDs) {
		out.CCBIDs = &d.CCBIDs
	}
	if p.HasField(FieldCustomPeople) {
		out.CustomPeople = &d.CustomPeople
	}
	if p.HasField(FieldEdits) {
		out.Edits = &d.Edits
	}
	if p.HasField(FieldFaculties) {
		out.Faculties = &d.Faculties
	}
	if p.HasField(FieldGroupType) {
		out.GroupType = &d.GroupType
	}
	if p == nil || p.AllGroups {
		out.Groups = make(map[string]*Group, len(d.Groups))
		for id, g := range d.Groups {
			out.Groups[id] = &g
		}
	} else if len(p.Groups) > 0 {
		out.Groups = make(map[string]*Group, len(p.Groups))
		for id := range p.Groups {
			if g, ok := d.Groups[id]; ok {
				out.Groups[id] = &g
			} else {
				out.Groups[id] = nil
			}
		}
	}
	return out
}

// Merge overlays the fields present in p onto d. Groups are merged per id.
func Merge(d Document, p Partial) Document {
	d = d.Copy()
	if p.Campuses != nil {
		d.Campuses = append([]string{}, *p.Campuses...)
	}
	if p.CCBIDs != nil {
		d.CCBIDs = append([]int{}, *p.CCBIDs...)
	}
	if p.CustomPeople != nil {
		d.CustomPeople = append([]Person{}, *p.CustomPeople...)
	}
	if p.Edits != nil {
		edits := make(map[string]PersonPatch, len(*p.Edits))
		for k, v := range *p.Edits {
			edits[k] = v
		}
		d.Edits = edits
	}
	if p.Faculties != nil {
		d.Faculties = append([]string{}, *p.Faculties...)
	}
	if p.GroupType != nil {
		d.GroupType = *p.GroupType
	}
	for id, g := range p.Groups {
		if g == nil {
			delete(d.Groups, id)
			continue
		}
		group := *g
		group.Members = append([]string{}, g.Members...)
		d.Groups[id] = group
	}
	return d.Normalize()
}
