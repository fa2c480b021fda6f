// Package document defines the shared roster document edited by sync
// clients, and its conversions to the generic tree form used for diffing.
package document

import (
	"encoding/json"
	"fmt"
)

// UnassignedGroupID is the group holding everyone not placed elsewhere. It
// must always exist.
const UnassignedGroupID = "not-in-a-group"

// Top-level field names, in version vector order.
const (
	FieldCampuses     = "campuses"
	FieldCCBIDs       = "ccbIds"
	FieldCustomPeople = "customPeople"
	FieldEdits        = "edits"
	FieldFaculties    = "faculties"
	FieldGroups       = "groups"
	FieldGroupType    = "groupType"
)

// Fields lists every top-level field in version vector order.
var Fields = []string{
	FieldCampuses,
	FieldCCBIDs,
	FieldCustomPeople,
	FieldEdits,
	FieldFaculties,
	FieldGroups,
	FieldGroupType,
}

// IsField reports whether name is a top-level field.
func IsField(name string) bool {
	for _, f := range Fields {
		if f == name {
			return true
		}
	}
	return false
}

// GroupTime is when and where a group meets. Start orders groups within a
// day.
type GroupTime struct {
	Day    string  `json:"day"`
	Campus string  `json:"campus"`
	Start  float64 `json:"start"`
	Time   string  `json:"time"`
}

// Group is one roster. Members holds response ids in display order and
// CCBID links the group to the external roster system, 0 when unlinked.
type Group struct {
	ID      string    `json:"id"`
	Members []string  `json:"members"`
	Time    GroupTime `json:"time"`
	CCBID   int       `json:"ccbId"`
}

// Person is a survey respondent or an ad hoc ("custom") person.
type Person struct {
	CCBID        string      `json:"ccbId"`
	ResponseID   string      `json:"responseId"`
	FirstName    string      `json:"firstName"`
	LastName     string      `json:"lastName"`
	Gender       string      `json:"gender"`
	Year         string      `json:"year"`
	Faculty      string      `json:"faculty"`
	Degree       string      `json:"degree"`
	Times        []GroupTime `json:"times"`
	PrayerTimes  []GroupTime `json:"prayerTimes"`
	ExtraOptions []string    `json:"extraOptions"`
	Leader       bool        `json:"leader"`
	PrayerLeader bool        `json:"prayerLeader"`
	Comments     string      `json:"comments"`
	Previous     []Person    `json:"previous"`
	Custom       bool        `json:"custom,omitempty"`
}

// PersonPatch is a partial Person. Nil fields are left unchanged.
type PersonPatch struct {
	CCBID        *string     `json:"ccbId,omitempty"`
	FirstName    *string     `json:"firstName,omitempty"`
	LastName     *string     `json:"lastName,omitempty"`
	Gender       *string     `json:"gender,omitempty"`
	Year         *string     `json:"year,omitempty"`
	Faculty      *string     `json:"faculty,omitempty"`
	Degree       *string     `json:"degree,omitempty"`
	Times        []GroupTime `json:"times,omitempty"`
	PrayerTimes  []GroupTime `json:"prayerTimes,omitempty"`
	ExtraOptions []string    `json:"extraOptions,omitempty"`
	Leader       *bool       `json:"leader,omitempty"`
	PrayerLeader *bool       `json:"prayerLeader,omitempty"`
	Comments     *string     `json:"comments,omitempty"`
}

// Merge returns p overlaid with the fields set in other.
func (p PersonPatch) Merge(other PersonPatch) PersonPatch {
	if other.CCBID != nil {
		p.CCBID = other.CCBID
	}
	if other.FirstName != nil {
		p.FirstName = other.FirstName
	}
	if other.LastName != nil {
		p.LastName = other.LastName
	}
	if other.Gender != nil {
		p.Gender = other.Gender
	}
	if other.Year != nil {
		p.Year = other.Year
	}
	if other.Faculty != nil {
		p.Faculty = other.Faculty
	}
	if other.Degree != nil {
		p.Degree = other.Degree
	}
	if other.Times != nil {
		p.Times = other.Times
	}
	if other.PrayerTimes != nil {
		p.PrayerTimes = other.PrayerTimes
	}
	if other.ExtraOptions != nil {
		p.ExtraOptions = other.ExtraOptions
	}
	if other.Leader != nil {
		p.Leader = other.Leader
	}
	if other.PrayerLeader != nil {
		p.PrayerLeader = other.PrayerLeader
	}
	if other.Comments != nil {
		p.Comments = other.Comments
	}
	return p
}

// ApplyTo returns person with the patch applied.
func (p PersonPatch) ApplyTo(person Person) Person {
	if p.CCBID != nil {
		person.CCBID = *p.CCBID
	}
	if p.FirstName != nil {
		person.FirstName = *p.FirstName
	}
	if p.LastName != nil {
		person.LastName = *p.LastName
	}
	if p.Gender != nil {
		person.Gender = *p.Gender
	}
	if p.Year != nil {
		person.Year = *p.Year
	}
	if p.Faculty != nil {
		person.Faculty = *p.Faculty
	}
	if p.Degree != nil {
		person.Degree = *p.Degree
	}
	if p.Times != nil {
		person.Times = append([]GroupTime{}, p.Times...)
	}
	if p.PrayerTimes != nil {
		person.PrayerTimes = append([]GroupTime{}, p.PrayerTimes...)
	}
	if p.ExtraOptions != nil {
		person.ExtraOptions = append([]string{}, p.ExtraOptions...)
	}
	if p.Leader != nil {
		person.Leader = *p.Leader
	}
	if p.PrayerLeader != nil {
		person.PrayerLeader = *p.PrayerLeader
	}
	if p.Comments != nil {
		person.Comments = *p.Comments
	}
	return person
}

// Document is the state shared by every client of a session.
type Document struct {
	Campuses     []string               `json:"campuses"`
	CCBIDs       []int                  `json:"ccbIds"`
	CustomPeople []Person               `json:"customPeople"`
	Edits        map[string]PersonPatch `json:"edits"`
	Faculties    []string               `json:"faculties"`
	Groups       map[string]Group       `json:"groups"`
	GroupType    string                 `json:"groupType"`
}

// NewSessionState returns the document a new session starts with.
func NewSessionState() Document {
	return Document{
		Campuses:     []string{"main"},
		CCBIDs:       []int{},
		CustomPeople: []Person{},
		Edits:        map[string]PersonPatch{},
		Faculties:    []string{},
		Groups: map[string]Group{
			UnassignedGroupID: {
				ID:      UnassignedGroupID,
				Members: []string{},
				Time:    GroupTime{Campus: "main", Time: "Not in a group"},
			},
		},
		GroupType: "Bible Study",
	}
}

// Normalize replaces nil collections with empty ones, so that equal
// documents always encode identically.
func (d Document) Normalize() Document {
	if d.Campuses == nil {
		d.Campuses = []string{}
	}
	if d.CCBIDs == nil {
		d.CCBIDs = []int{}
	}
	people := make([]Person, len(d.CustomPeople))
	for i, p := range d.CustomPeople {
		people[i] = p.normalize()
	}
	d.CustomPeople = people
	if d.Edits == nil {
		d.Edits = map[string]PersonPatch{}
	}
	if d.Faculties == nil {
		d.Faculties = []string{}
	}
	groups := make(map[string]Group, len(d.Groups))
	for id, g := range d.Groups {
		groups[id] = g.normalize()
	}
	d.Groups = groups
	return d
}

func (g Group) normalize() Group {
	if g.Members == nil {
		g.Members = []string{}
	}
	return g
}

func (p Person) normalize() Person {
	if p.Times == nil {
		p.Times = []GroupTime{}
	}
	if p.PrayerTimes == nil {
		p.PrayerTimes = []GroupTime{}
	}
	if p.ExtraOptions == nil {
		p.ExtraOptions = []string{}
	}
	previous := make([]Person, len(p.Previous))
	for i, prev := range p.Previous {
		previous[i] = prev.normalize()
	}
	p.Previous = previous
	return p
}

// Copy returns a deep copy of d.
func (d Document) Copy() Document {
	var out Document
	if err := roundTrip(d.Normalize(), &out); err != nil {
		panic(fmt.Sprintf("document: copy: %v", err))
	}
	return out
}

// Tree converts d into the generic form (maps, slices, float64, string,
// bool) understood by the delta package.
func (d Document) Tree() map[string]any {
	var tree map[string]any
	if err := roundTrip(d.Normalize(), &tree); err != nil {
		panic(fmt.Sprintf("document: tree: %v", err))
	}
	return tree
}

// FromTree converts a generic tree back into a Document.
func FromTree(tree any) (Document, error) {
	var d Document
	if err := roundTrip(tree, &d); err != nil {
		return Document{}, fmt.Errorf("decode document: %w", err)
	}
	return d.Normalize(), nil
}

// Field returns the value of a top-level field.
func (d Document) Field(name string) (any, error) {
	switch name {
	case FieldCampuses:
		return d.Campuses, nil
	case FieldCCBIDs:
		return d.CCBIDs, nil
	case FieldCustomPeople:
		return d.CustomPeople, nil
	case FieldEdits:
		return d.Edits, nil
	case FieldFaculties:
		return d.Faculties, nil
	case FieldGroups:
		return d.Groups, nil
	case FieldGroupType:
		return d.GroupType, nil
	}
	return nil, fmt.Errorf("unknown field %q", name)
}

// SetField decodes raw into a top-level field.
func (d *Document) SetField(name string, raw json.RawMessage) error {
	var target any
	switch name {
	case FieldCampuses:
		target = &d.Campuses
	case FieldCCBIDs:
		target = &d.CCBIDs
	case FieldCustomPeople:
		target = &d.CustomPeople
	case FieldEdits:
		target = &d.Edits
	case FieldFaculties:
		target = &d.Faculties
	case FieldGroups:
		target = &d.Groups
	case FieldGroupType:
		target = &d.GroupType
	default:
		return fmt.Errorf("unknown field %q", name)
	}
	if err := json.Unmarshal(raw, target); err != nil {
		return fmt.Errorf("decode field %s: %w", name, err)
	}
	return nil
}

// Sanitize removes duplicate campuses, faculties and custom people. The
// first occurrence wins.
func (d Document) Sanitize() Document {
	d.Campuses = uniqueStrings(d.Campuses)
	d.Faculties = uniqueStrings(d.Faculties)

	seen := make(map[string]bool, len(d.CustomPeople))
	people := make([]Person, 0, len(d.CustomPeople))
	for _, p := range d.CustomPeople {
		if seen[p.ResponseID] {
			continue
		}
		seen[p.ResponseID] = true
		people = append(people, p)
	}
	d.CustomPeople = people
	return d
}

func uniqueStrings(in []string) []string {
	seen := make(map[string]bool, len(in))
	out := make([]string, 0, len(in))
	for _, s := range in {
		if seen[s] {
			continue
		}
		seen[s] = true
		out = append(out, s)
	}
	return out
}

func roundTrip(in, out any) error {
	data, err := json.Marshal(in)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, out)
}
