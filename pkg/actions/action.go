// Package actions defines the replayable edits clients make to a document
// and the reducer that applies them.
package actions

import (
	"encoding/json"
	"fmt"

	"github.com/oklog/ulid/v2"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"gihan9a/groupsync/pkg/document"
)

// Action type tags as they appear on the wire.
const (
	TypeAddMember       = "addMember"
	TypeAddIfMissing    = "addIfMissing"
	TypeMoveMember      = "moveMember"
	TypeRemoveMember    = "removeMember"
	TypeAddGroup        = "addGroup"
	TypeRemoveGroup     = "removeGroup"
	TypeSetGroups       = "setGroups"
	TypeSortGroup       = "sortGroup"
	TypePatchGroup      = "patchGroup"
	TypeClearGroup      = "clearGroup"
	TypeClearCCBID      = "clearCCBId"
	TypeAddCustom       = "addCustom"
	TypeDuplicateCustom = "duplicateCustom"
	TypeUpdateCustom    = "updateCustom"
	TypeRemoveCustom    = "removeCustom"
	TypeEditPerson      = "editPerson"
	TypeResetPerson     = "resetPerson"
	TypeSetGroupType    = "setGroupType"
	TypeAddFaculty      = "addFaculty"
	TypeRemoveFaculty   = "removeFaculty"
	TypeClearFaculties  = "clearFaculties"
	TypeAddCampus       = "addCampus"
	TypeRemoveCampus    = "removeCampus"
	TypeClearCampuses   = "clearCampuses"
)

// Action is an immutable edit that can be replayed against any document.
type Action interface {
	Type() string
}

// Context locates an insertion by its neighbours instead of an index. A nil
// Before means "at the end"; a nil After means "at the start".
type Context struct {
	Before []string `json:"before"`
	After  []string `json:"after"`
}

// AddMember adds a member to Group at the position its Context resolves to.
type AddMember struct {
	Member  string  `json:"member"`
	Group   string  `json:"group"`
	Context Context `json:"context"`
}

// AddIfMissing adds a member unless they are already in any group.
type AddIfMissing struct {
	Member  string  `json:"member"`
	Group   string  `json:"group"`
	Context Context `json:"context"`
}

// MoveMember removes a member from wherever they are and adds them to Group.
type MoveMember struct {
	Member  string  `json:"member"`
	Group   string  `json:"group"`
	Context Context `json:"context"`
}

// RemoveMember takes a member out of whichever group holds them.
type RemoveMember struct {
	Member string `json:"member"`
}

// AddGroup adds a group, replacing any group with the same id.
type AddGroup struct {
	Group document.Group `json:"group"`
}

// RemoveGroup deletes a group together with its member list.
type RemoveGroup struct {
	Group string `json:"group"`
}

// SetGroups replaces every group at once.
type SetGroups struct {
	Groups map[string]document.Group `json:"groups"`
}

// SortGroup reorders the members of a group that appear in Order.
type SortGroup struct {
	Group string   `json:"group"`
	Order []string `json:"order"`
}

// GroupPatch is a partial group. Nil fields are left unchanged.
type GroupPatch struct {
	Time  *document.GroupTime `json:"time,omitempty"`
	CCBID *int                `json:"ccbId,omitempty"`
}

// PatchGroup updates the time or external id of a group.
type PatchGroup struct {
	Group   string     `json:"group"`
	Content GroupPatch `json:"content"`
}

// ClearGroup moves every member of a group to the unassigned group.
type ClearGroup struct {
	Group string `json:"group"`
}

// ClearCCBID unlinks the external id from whichever group holds it.
type ClearCCBID struct {
	CCBID int `json:"ccbId"`
}

// AddCustom inserts an ad hoc person into the custom people list.
type AddCustom struct {
	Person  document.Person `json:"person"`
	Context Context         `json:"context"`
}

// DuplicateCustom copies a custom person under NewID.
type DuplicateCustom struct {
	Person string `json:"person"`
	NewID  string `json:"newId,omitempty"`
}

// UpdateCustom merges Content into a custom person.
type UpdateCustom struct {
	Person  string               `json:"person"`
	Content document.PersonPatch `json:"content"`
}

// RemoveCustom deletes a custom person record.
type RemoveCustom struct {
	Person string `json:"person"`
}

// EditPerson records an override for a survey respondent.
type EditPerson struct {
	Person  string               `json:"person"`
	Content document.PersonPatch `json:"content"`
}

// ResetPerson drops every override recorded for a respondent.
type ResetPerson struct {
	Person string `json:"person"`
}

// SetGroupType sets the kind of groups being organised.
type SetGroupType struct {
	Value string `json:"value"`
}

// Faculty and campus actions edit the filter sets of the session.
type AddFaculty struct {
	Faculty string `json:"faculty"`
}

type RemoveFaculty struct {
	Faculty string `json:"faculty"`
}

type ClearFaculties struct{}

type AddCampus struct {
	Campus string `json:"campus"`
}

type RemoveCampus struct {
	Campus string `json:"campus"`
}

type ClearCampuses struct{}

func (AddMember) Type() string       { return TypeAddMember }
func (AddIfMissing) Type() string    { return TypeAddIfMissing }
func (MoveMember) Type() string      { return TypeMoveMember }
func (RemoveMember) Type() string    { return TypeRemoveMember }
func (AddGroup) Type() string        { return TypeAddGroup }
func (RemoveGroup) Type() string     { return TypeRemoveGroup }
func (SetGroups) Type() string       { return TypeSetGroups }
func (SortGroup) Type() string       { return TypeSortGroup }
func (PatchGroup) Type() string      { return TypePatchGroup }
func (ClearGroup) Type() string      { return TypeClearGroup }
func (ClearCCBID) Type() string      { return TypeClearCCBID }
func (AddCustom) Type() string       { return TypeAddCustom }
func (DuplicateCustom) Type() string { return TypeDuplicateCustom }
func (UpdateCustom) Type() string    { return TypeUpdateCustom }
func (RemoveCustom) Type() string    { return TypeRemoveCustom }
func (EditPerson) Type() string      { return TypeEditPerson }
func (ResetPerson) Type() string     { return TypeResetPerson }
func (SetGroupType) Type() string    { return TypeSetGroupType }
func (AddFaculty) Type() string      { return TypeAddFaculty }
func (RemoveFaculty) Type() string   { return TypeRemoveFaculty }
func (ClearFaculties) Type() string  { return TypeClearFaculties }
func (AddCampus) Type() string       { return TypeAddCampus }
func (RemoveCampus) Type() string    { return TypeRemoveCampus }
func (ClearCampuses) Type() string   { return TypeClearCampuses }

func decodeAs[T Action](data []byte) (Action, error) {
	var a T
	if err := json.Unmarshal(data, &a); err != nil {
		return nil, err
	}
	return a, nil
}

var decoders = map[string]func([]byte) (Action, error){
	TypeAddMember:       decodeAs[AddMember],
	TypeAddIfMissing:    decodeAs[AddIfMissing],
	TypeMoveMember:      decodeAs[MoveMember],
	TypeRemoveMember:    decodeAs[RemoveMember],
	TypeAddGroup:        decodeAs[AddGroup],
	TypeRemoveGroup:     decodeAs[RemoveGroup],
	TypeSetGroups:       decodeAs[SetGroups],
	TypeSortGroup:       decodeAs[SortGroup],
	TypePatchGroup:      decodeAs[PatchGroup],
	TypeClearGroup:      decodeAs[ClearGroup],
	TypeClearCCBID:      decodeAs[ClearCCBID],
	TypeAddCustom:       decodeAs[AddCustom],
	TypeDuplicateCustom: decodeAs[DuplicateCustom],
	TypeUpdateCustom:    decodeAs[UpdateCustom],
	TypeRemoveCustom:    decodeAs[RemoveCustom],
	TypeEditPerson:      decodeAs[EditPerson],
	TypeResetPerson:     decodeAs[ResetPerson],
	TypeSetGroupType:    decodeAs[SetGroupType],
	TypeAddFaculty:      decodeAs[AddFaculty],
	TypeRemoveFaculty:   decodeAs[RemoveFaculty],
	TypeClearFaculties:  decodeAs[ClearFaculties],
	TypeAddCampus:       decodeAs[AddCampus],
	TypeRemoveCampus:    decodeAs[RemoveCampus],
	TypeClearCampuses:   decodeAs[ClearCampuses],
}

// Tagged is an action with the correlation id it was queued under. On the
// wire it is the action object with "type" and "id" keys added.
type Tagged struct {
	ID     string
	Action Action
}

func (t Tagged) MarshalJSON() ([]byte, error) {
	if t.Action == nil {
		return nil, fmt.Errorf("tagged action %q has no action", t.ID)
	}
	data, err := json.Marshal(t.Action)
	if err != nil {
		return nil, err
	}
	data, err = sjson.SetBytes(data, "type", t.Action.Type())
	if err != nil {
		return nil, err
	}
	if t.ID != "" {
		data, err = sjson.SetBytes(data, "id", t.ID)
		if err != nil {
			return nil, err
		}
	}
	return data, nil
}

func (t *Tagged) UnmarshalJSON(data []byte) error {
	typ := gjson.GetBytes(data, "type")
	if !typ.Exists() {
		return fmt.Errorf("action has no type")
	}
	decode, ok := decoders[typ.String()]
	if !ok {
		return fmt.Errorf("unknown action type %q", typ.String())
	}
	a, err := decode(data)
	if err != nil {
		return fmt.Errorf("decode %s: %w", typ.String(), err)
	}
	t.ID = gjson.GetBytes(data, "id").String()
	t.Action = a
	return nil
}

// NewID returns a fresh, time-ordered identifier.
func NewID() string {
	return ulid.Make().String()
}

// WithIDs tags each action with a fresh id.
func WithIDs(as ...Action) []Tagged {
	out := make([]Tagged, 0, len(as))
	for _, a := range as {
		if a == nil {
			continue
		}
		out = append(out, Tagged{ID: NewID(), Action: Prepare(a)})
	}
	return out
}

// Prepare fills in values an action must carry to replay identically on
// every client, such as the id of a duplicated person.
func Prepare(a Action) Action {
	if d, ok := a.(DuplicateCustom); ok && d.NewID == "" {
		d.NewID = NewID()
		return d
	}
	return a
}

// Unwrap returns the actions inside tagged.
func Unwrap(tagged []Tagged) []Action {
	out := make([]Action, len(tagged))
	for i, t := range tagged {
		out[i] = t.Action
	}
	return out
}

// IDs returns the correlation ids of tagged.
func IDs(tagged []Tagged) []string {
	out := make([]string, len(tagged))
	for i, t := range tagged {
		out[i] = t.ID
	}
	return out
}
