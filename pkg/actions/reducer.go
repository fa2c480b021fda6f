package actions

import (
	"errors"
	"fmt"
	"sort"

	"github.com/cespare/xxhash/v2"
	"github.com/golang/glog"

	"gihan9a/groupsync/pkg/document"
)

var (
	ErrNoGroups          = errors.New("deleting all groups is not allowed")
	ErrMissingUnassigned = errors.New("the unassigned group must exist")
	ErrDuplicateMember   = errors.New("member is in more than one group")
)

// InvariantError reports an action whose result failed SanityCheck.
type InvariantError struct {
	Action string
	Err    error
}

func (e *InvariantError) Error() string {
	if e.Action == "" {
		return fmt.Sprintf("invalid document: %v", e.Err)
	}
	return fmt.Sprintf("action %s: %v", e.Action, e.Err)
}

func (e *InvariantError) Unwrap() error {
	return e.Err
}

// SanityCheck verifies the structural invariants every document keeps.
func SanityCheck(doc document.Document) error {
	if len(doc.Groups) == 0 {
		return ErrNoGroups
	}
	if _, ok := doc.Groups[document.UnassignedGroupID]; !ok {
		return ErrMissingUnassigned
	}
	seen := make(map[string]bool)
	for _, id := range groupIDs(doc) {
		for _, m := range doc.Groups[id].Members {
			if seen[m] {
				return fmt.Errorf("%w: %s", ErrDuplicateMember, m)
			}
			seen[m] = true
		}
	}
	return nil
}

// Reducer applies actions to documents.
type Reducer struct {
	// Bias breaks ties when resolving insertion contexts.
	Bias Bias
	// Strict makes ApplyActions fail on the first step that breaks an
	// invariant instead of skipping it.
	Strict bool
}

// ApplyActions folds actions over doc. Each step is checked with
// SanityCheck; a failing step is skipped and logged, or returned as an
// *InvariantError when r.Strict is set. doc itself is never modified.
func (r *Reducer) ApplyActions(doc document.Document, as ...Action) (document.Document, error) {
	working := doc
	for _, a := range as {
		next := r.Apply(working, a)
		if err := SanityCheck(next); err != nil {
			if r.Strict {
				return doc, &InvariantError{Action: a.Type(), Err: err}
			}
			glog.Warningf("Skipping %s: %v", a.Type(), err)
			continue
		}
		working = next
	}
	if err := SanityCheck(working); err != nil {
		if r.Strict {
			return doc, &InvariantError{Err: err}
		}
		glog.Warningf("Ignoring invalid document: %v", err)
		return doc, nil
	}
	return working, nil
}

// Apply returns doc with a single action applied, without any invariant
// checks. Actions that refer to missing groups or people leave the
// document unchanged.
func (r *Reducer) Apply(doc document.Document, a Action) document.Document {
	doc = doc.Copy()
	switch a := a.(type) {
	case AddMember:
		r.addMember(&doc, a.Member, a.Group, a.Context)
	case AddIfMissing:
		if groupOf(doc, a.Member) == "" {
			r.addMember(&doc, a.Member, a.Group, a.Context)
		}
	case MoveMember:
		if _, ok := doc.Groups[a.Group]; ok {
			removeMember(&doc, a.Member)
			r.addMember(&doc, a.Member, a.Group, a.Context)
		}
	case RemoveMember:
		removeMember(&doc, a.Member)
	case AddGroup:
		g := a.Group
		g.Members = append([]string{}, g.Members...)
		doc.Groups[g.ID] = g
	case RemoveGroup:
		delete(doc.Groups, a.Group)
	case SetGroups:
		groups := make(map[string]document.Group, len(a.Groups))
		for id, g := range a.Groups {
			g.Members = append([]string{}, g.Members...)
			groups[id] = g
		}
		doc.Groups = groups
	case SortGroup:
		if g, ok := doc.Groups[a.Group]; ok {
			g.Members = sortMembers(g.Members, a.Order)
			doc.Groups[a.Group] = g
		}
	case PatchGroup:
		patchGroup(&doc, a)
	case ClearGroup:
		clearGroup(&doc, a.Group)
	case ClearCCBID:
		clearCCBID(&doc, a.CCBID)
	case AddCustom:
		index := ResolveContext(responseIDs(doc), a.Context, r.Bias)
		doc.CustomPeople = insertAt(doc.CustomPeople, index, a.Person)
	case DuplicateCustom:
		duplicateCustom(&doc, a)
	case UpdateCustom:
		for i, p := range doc.CustomPeople {
			if p.ResponseID == a.Person {
				doc.CustomPeople[i] = a.Content.ApplyTo(p)
			}
		}
	case RemoveCustom:
		people := doc.CustomPeople[:0]
		for _, p := range doc.CustomPeople {
			if p.ResponseID != a.Person {
				people = append(people, p)
			}
		}
		doc.CustomPeople = people
	case EditPerson:
		doc.Edits[a.Person] = doc.Edits[a.Person].Merge(a.Content)
	case ResetPerson:
		delete(doc.Edits, a.Person)
	case SetGroupType:
		doc.GroupType = a.Value
	case AddFaculty:
		doc.Faculties = addSorted(doc.Faculties, a.Faculty)
	case RemoveFaculty:
		doc.Faculties = without(doc.Faculties, a.Faculty)
	case ClearFaculties:
		doc.Faculties = []string{}
	case AddCampus:
		doc.Campuses = addSorted(doc.Campuses, a.Campus)
	case RemoveCampus:
		doc.Campuses = without(doc.Campuses, a.Campus)
	case ClearCampuses:
		doc.Campuses = []string{}
	default:
		glog.Warningf("Unknown action %T", a)
	}
	return doc
}

func (r *Reducer) addMember(doc *document.Document, member, group string, ctx Context) {
	g, ok := doc.Groups[group]
	if !ok {
		return
	}
	index := ResolveContext(g.Members, ctx, r.Bias)
	g.Members = insertAt(g.Members, index, member)
	doc.Groups[group] = g
}

func removeMember(doc *document.Document, member string) {
	id := groupOf(*doc, member)
	if id == "" {
		return
	}
	g := doc.Groups[id]
	g.Members = without(g.Members, member)
	doc.Groups[id] = g
}

// groupOf returns the first group, by id, that has member.
func groupOf(doc document.Document, member string) string {
	for _, id := range groupIDs(doc) {
		if contains(doc.Groups[id].Members, member) {
			return id
		}
	}
	return ""
}

func groupIDs(doc document.Document) []string {
	ids := make([]string, 0, len(doc.Groups))
	for id := range doc.Groups {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// sortMembers orders the members listed in order among the positions they
// already occupy. Unlisted members keep their place.
func sortMembers(members, order []string) []string {
	rank := make(map[string]int, len(order))
	for i, m := range order {
		if _, ok := rank[m]; !ok {
			rank[m] = i
		}
	}
	var slots []int
	var ranked []string
	for i, m := range members {
		if _, ok := rank[m]; ok {
			slots = append(slots, i)
			ranked = append(ranked, m)
		}
	}
	sort.SliceStable(ranked, func(a, b int) bool { return rank[ranked[a]] < rank[ranked[b]] })
	out := append([]string{}, members...)
	for i, slot := range slots {
		out[slot] = ranked[i]
	}
	return out
}

func patchGroup(doc *document.Document, a PatchGroup) {
	g, ok := doc.Groups[a.Group]
	if !ok {
		return
	}
	if a.Content.Time != nil {
		g.Time = *a.Content.Time
	}
	if a.Content.CCBID != nil {
		g.CCBID = *a.Content.CCBID
	}
	doc.Groups[a.Group] = g

	if a.Content.CCBID == nil || *a.Content.CCBID == 0 {
		return
	}
	ids := make([]int, 0, len(doc.CCBIDs)+1)
	seen := make(map[int]bool)
	for _, id := range append(doc.CCBIDs, *a.Content.CCBID) {
		if id > 0 && !seen[id] {
			seen[id] = true
			ids = append(ids, id)
		}
	}
	sort.Ints(ids)
	doc.CCBIDs = ids
}

func clearGroup(doc *document.Document, group string) {
	g, ok := doc.Groups[group]
	if !ok || group == document.UnassignedGroupID {
		return
	}
	unassigned, ok := doc.Groups[document.UnassignedGroupID]
	if !ok {
		return
	}
	unassigned.Members = append(unassigned.Members, g.Members...)
	g.Members = []string{}
	doc.Groups[group] = g
	doc.Groups[document.UnassignedGroupID] = unassigned
}

func clearCCBID(doc *document.Document, ccbID int) {
	for _, id := range groupIDs(*doc) {
		g := doc.Groups[id]
		if g.CCBID != ccbID {
			continue
		}
		g.CCBID = 0
		doc.Groups[id] = g
		ids := make([]int, 0, len(doc.CCBIDs))
		for _, v := range doc.CCBIDs {
			if v != ccbID {
				ids = append(ids, v)
			}
		}
		doc.CCBIDs = ids
		return
	}
}

func duplicateCustom(doc *document.Document, a DuplicateCustom) {
	for _, p := range doc.CustomPeople {
		if p.ResponseID != a.Person {
			continue
		}
		dup := p
		dup.ResponseID = a.NewID
		if dup.ResponseID == "" {
			// Must match on every replica, so derive it from the document.
			dup.ResponseID = fmt.Sprintf("%s-%x", p.ResponseID, xxhash.Sum64String(fmt.Sprintf("%s/%d", p.ResponseID, len(doc.CustomPeople))))
		}
		doc.CustomPeople = append(doc.CustomPeople, dup)
		return
	}
}

func addSorted(list []string, item string) []string {
	out := append(without(list, item), item)
	sort.Strings(out)
	return out
}

func insertAt[T any](list []T, index int, item T) []T {
	index = max(0, min(index, len(list)))
	out := make([]T, 0, len(list)+1)
	out = append(out, list[:index]...)
	out = append(out, item)
	return append(out, list[index:]...)
}
