package document

import (
	"testing"

	"github.com/go-playground/assert/v2"

	"gihan9a/groupsync/pkg/delta"
)

func person(id, first string) Person {
	return Person{ResponseID: id, FirstName: first, Custom: true}.normalize()
}

func TestNewSessionState(t *testing.T) {
	d := NewSessionState()
	assert.Equal(t, d.Campuses, []string{"main"})
	assert.Equal(t, d.GroupType, "Bible Study")
	g, ok := d.Groups[UnassignedGroupID]
	assert.Equal(t, ok, true)
	assert.Equal(t, g.ID, UnassignedGroupID)
	assert.Equal(t, g.Time.Time, "Not in a group")
	assert.Equal(t, g.Time.Campus, "main")
}

func TestTreeRoundTrip(t *testing.T) {
	d := NewSessionState()
	d.CustomPeople = []Person{person("r1", "Ann")}
	d.CCBIDs = []int{4, 9}

	tree := d.Tree()
	assert.Equal(t, tree["groupType"], "Bible Study")
	assert.Equal(t, tree["ccbIds"], []any{float64(4), float64(9)})

	back, err := FromTree(tree)
	assert.Equal(t, err, nil)
	assert.Equal(t, back, d.Normalize())
}

func TestNormalizeFillsCollections(t *testing.T) {
	d := Document{Groups: map[string]Group{"a": {ID: "a"}}}.Normalize()
	assert.Equal(t, d.Campuses, []string{})
	assert.Equal(t, d.Groups["a"].Members, []string{})
	assert.Equal(t, d.Edits, map[string]PersonPatch{})
}

func TestDiffEqualDocuments(t *testing.T) {
	d := NewSessionState()
	assert.Equal(t, Diff(d, d.Copy()) == nil, true)
}

func TestDiffRecognisesMovedPeople(t *testing.T) {
	before := NewSessionState()
	before.CustomPeople = []Person{person("a", "Ann"), person("b", "Bob"), person("c", "Cat")}
	after := before.Copy()
	after.CustomPeople = []Person{person("c", "Cat"), person("a", "Ann"), person("b", "Bobby")}

	d := Diff(before, after)
	obj := d.(*delta.Object)
	arr := obj.Fields[FieldCustomPeople].(*delta.Array)
	kinds := map[delta.OpKind]int{}
	for _, op := range arr.Ops {
		kinds[op.Kind]++
	}
	assert.Equal(t, kinds[delta.OpInsert], 0)
	assert.Equal(t, kinds[delta.OpDelete], 0)
	assert.Equal(t, kinds[delta.OpMove], 1)
	assert.Equal(t, kinds[delta.OpModify], 1)

	patched, err := Patch(before, d)
	assert.Equal(t, err, nil)
	assert.Equal(t, patched, after.Normalize())
}

func TestPatchConcurrentFieldEdits(t *testing.T) {
	base := NewSessionState()
	a := base.Copy()
	a.Campuses = []string{"x"}
	b := base.Copy()
	b.CCBIDs = []int{1, 2, 3}

	merged, err := Patch(base, Diff(base, a))
	assert.Equal(t, err, nil)
	merged, err = Patch(merged, Diff(base, b))
	assert.Equal(t, err, nil)
	assert.Equal(t, merged.Campuses, []string{"x"})
	assert.Equal(t, merged.CCBIDs, []int{1, 2, 3})
}

func TestPatchConflictingGroupType(t *testing.T) {
	base := NewSessionState()
	a := base.Copy()
	a.GroupType = "Prayer Group"
	b := base.Copy()
	b.GroupType = "Other"

	applied, err := Patch(base, Diff(base, a))
	assert.Equal(t, err, nil)
	_, err = Patch(applied, Diff(base, b))
	_, ok := err.(*delta.ConflictError)
	assert.Equal(t, ok, true)
}

func TestHashMismatch(t *testing.T) {
	a := NewSessionState()
	b := a.Copy()
	assert.Equal(t, HashDocument(a).Mismatch(HashDocument(b)) == nil, true)

	b.Faculties = []string{"Science"}
	b.Groups["g1"] = Group{ID: "g1", Members: []string{"m"}}
	p := HashDocument(a).Mismatch(HashDocument(b))
	assert.Equal(t, p.HasField(FieldFaculties), true)
	assert.Equal(t, p.HasField(FieldCampuses), false)
	assert.Equal(t, p.GroupIDs(), []string{"g1"})
}

func TestShortHashLength(t *testing.T) {
	assert.Equal(t, len(ShortHash("x")), 16)
	assert.Equal(t, ShortHash([]string{"a"}), ShortHash([]string{"a"}))
}

func TestProjectionFromDelta(t *testing.T) {
	base := NewSessionState()
	next := base.Copy()
	next.Campuses = []string{"main", "online"}
	g := next.Groups[UnassignedGroupID]
	g.Members = []string{"p1"}
	next.Groups[UnassignedGroupID] = g

	p := ProjectionFromDelta(Diff(base, next))
	assert.Equal(t, p.HasField(FieldCampuses), true)
	assert.Equal(t, p.HasField(FieldGroupType), false)
	assert.Equal(t, p.HasField(FieldGroups), true)
	assert.Equal(t, p.AllGroups, false)
	assert.Equal(t, p.GroupIDs(), []string{UnassignedGroupID})

	assert.Equal(t, ProjectionFromDelta(nil).Empty(), true)
}

func TestProjectAndMerge(t *testing.T) {
	server := NewSessionState()
	server.Faculties = []string{"Arts"}
	server.Groups["kept"] = Group{ID: "kept", Members: []string{"p1"}}

	p := &Projection{}
	p.AddField(FieldFaculties)
	p.AddGroup("kept")
	p.AddGroup("gone")
	partial := Project(server, p)

	assert.Equal(t, partial.Campuses == nil, true)
	assert.Equal(t, *partial.Faculties, []string{"Arts"})
	assert.Equal(t, partial.Groups["gone"] == nil, true)
	assert.Equal(t, partial.Groups["kept"].Members, []string{"p1"})

	local := NewSessionState()
	local.Campuses = []string{"online"}
	local.Groups["gone"] = Group{ID: "gone", Members: []string{}}
	merged := Merge(local, partial)

	assert.Equal(t, merged.Campuses, []string{"online"})
	assert.Equal(t, merged.Faculties, []string{"Arts"})
	_, hasGone := merged.Groups["gone"]
	assert.Equal(t, hasGone, false)
	assert.Equal(t, merged.Groups["kept"].Members, []string{"p1"})
	_, hasUnassigned := merged.Groups[UnassignedGroupID]
	assert.Equal(t, hasUnassigned, true)
}

func TestSanitize(t *testing.T) {
	d := NewSessionState()
	d.Campuses = []string{"main", "online", "main"}
	d.Faculties = []string{"Arts", "Arts"}
	d.CustomPeople = []Person{person("a", "first"), person("a", "second"), person("b", "")}

	s := d.Sanitize()
	assert.Equal(t, s.Campuses, []string{"main", "online"})
	assert.Equal(t, s.Faculties, []string{"Arts"})
	assert.Equal(t, len(s.CustomPeople), 2)
	assert.Equal(t, s.CustomPeople[0].FirstName, "first")
}

func TestPersonPatch(t *testing.T) {
	name := "Zed"
	leader := true
	p := PersonPatch{FirstName: &name}.Merge(PersonPatch{Leader: &leader})
	out := p.ApplyTo(person("a", "Ann"))
	assert.Equal(t, out.FirstName, "Zed")
	assert.Equal(t, out.Leader, true)
	assert.Equal(t, out.ResponseID, "a")
}

func TestSetField(t *testing.T) {
	var d Document
	assert.Equal(t, d.SetField(FieldCampuses, []byte(`["a","b"]`)), nil)
	assert.Equal(t, d.Campuses, []string{"a", "b"})
	assert.NotEqual(t, d.SetField("nope", []byte(`1`)), nil)

	v, err := d.Field(FieldCampuses)
	assert.Equal(t, err, nil)
	assert.Equal(t, v, []string{"a", "b"})
}
