package store_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/go-playground/assert/v2"

	"gihan9a/groupsync/internal/store"
	"gihan9a/groupsync/internal/store/memory"
	"gihan9a/groupsync/pkg/actions"
	"gihan9a/groupsync/pkg/document"
	"gihan9a/groupsync/pkg/syncproto"
)

type clock struct {
	now time.Time
}

func (c *clock) Now() time.Time {
	return c.now
}

func newStore(t *testing.T) (*store.Store, *clock) {
	t.Helper()
	c := &clock{now: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)}
	s := store.New(memory.New(), store.WithClock(c.Now), store.WithTTL(time.Hour), store.WithLockTTL(time.Minute))
	t.Cleanup(func() { _ = s.Close() })
	return s, c
}

func apply(sess *store.Session, as ...actions.Action) document.Document {
	r := &actions.Reducer{}
	doc := sess.Document
	for _, a := range as {
		doc = r.Apply(doc, a)
	}
	return doc
}

func addMember(member string) actions.Action {
	return actions.AddMember{Member: member, Group: document.UnassignedGroupID}
}

func TestCreateAndLoad(t *testing.T) {
	s, _ := newStore(t)
	ctx := context.Background()
	groupType := "Small Group"

	created, err := s.Create(ctx, "s1", &document.Partial{GroupType: &groupType})
	assert.Equal(t, err, nil)
	assert.Equal(t, created.Document.GroupType, "Small Group")

	loaded, err := s.Load(ctx, "s1")
	assert.Equal(t, err, nil)
	assert.Equal(t, loaded.Document, created.Document)
	assert.Equal(t, loaded.Versions.Fields[document.FieldGroupType], uint64(0))
	assert.Equal(t, loaded.Versions.Groups[document.UnassignedGroupID], uint64(0))

	_, err = s.Create(ctx, "s1", nil)
	assert.Equal(t, errors.Is(err, store.ErrConditionFailed), true)

	_, err = s.Load(ctx, "missing")
	assert.Equal(t, errors.Is(err, store.ErrNotFound), true)
}

func TestSessionsExpire(t *testing.T) {
	s, c := newStore(t)
	ctx := context.Background()
	_, err := s.Create(ctx, "s1", nil)
	assert.Equal(t, err, nil)

	c.now = c.now.Add(2 * time.Hour)
	_, err = s.Load(ctx, "s1")
	assert.Equal(t, errors.Is(err, store.ErrNotFound), true)
}

func TestApplyDiffIndependentFields(t *testing.T) {
	s, _ := newStore(t)
	ctx := context.Background()
	_, err := s.Create(ctx, "s1", nil)
	assert.Equal(t, err, nil)

	a, _ := s.Load(ctx, "s1")
	b, _ := s.Load(ctx, "s1")

	next := apply(a, actions.SetGroupType{Value: "Prayer"})
	assert.Equal(t, s.ApplyDiff(ctx, a, document.Diff(a.Document, next)), nil)
	assert.Equal(t, a.Versions.Fields[document.FieldGroupType], uint64(1))

	next = apply(b, actions.AddCampus{Campus: "south"})
	assert.Equal(t, s.ApplyDiff(ctx, b, document.Diff(b.Document, next)), nil)

	loaded, err := s.Load(ctx, "s1")
	assert.Equal(t, err, nil)
	assert.Equal(t, loaded.Document.GroupType, "Prayer")
	assert.Equal(t, loaded.Document.Campuses, []string{"main", "south"})
	assert.Equal(t, loaded.Versions.Fields[document.FieldGroupType], uint64(1))
	assert.Equal(t, loaded.Versions.Fields[document.FieldCampuses], uint64(1))
	assert.Equal(t, loaded.Versions.Groups[document.UnassignedGroupID], uint64(0))
}

func TestApplyDiffSameGroupConflicts(t *testing.T) {
	s, _ := newStore(t)
	ctx := context.Background()
	_, err := s.Create(ctx, "s1", nil)
	assert.Equal(t, err, nil)

	a, _ := s.Load(ctx, "s1")
	b, _ := s.Load(ctx, "s1")

	next := apply(a, addMember("p1"))
	assert.Equal(t, s.ApplyDiff(ctx, a, document.Diff(a.Document, next)), nil)

	stale := b.Document
	next = apply(b, addMember("p2"))
	err = s.ApplyDiff(ctx, b, document.Diff(b.Document, next))
	assert.Equal(t, store.IsRetryable(err), true)
	assert.Equal(t, b.Document, stale)
	assert.Equal(t, b.Versions.Groups[document.UnassignedGroupID], uint64(0))

	b, err = s.Load(ctx, "s1")
	assert.Equal(t, err, nil)
	next = apply(b, addMember("p2"))
	assert.Equal(t, s.ApplyDiff(ctx, b, document.Diff(b.Document, next)), nil)

	loaded, _ := s.Load(ctx, "s1")
	assert.Equal(t, loaded.Document.Groups[document.UnassignedGroupID].Members, []string{"p2", "p1"})
	assert.Equal(t, loaded.Versions.Groups[document.UnassignedGroupID], uint64(2))
}

func TestApplyDiffConcurrentClients(t *testing.T) {
	s, _ := newStore(t)
	ctx := context.Background()
	_, err := s.Create(ctx, "s1", nil)
	assert.Equal(t, err, nil)

	// campuses and ccbIds carry separate versions
	a, _ := s.Load(ctx, "s1")
	b, _ := s.Load(ctx, "s1")
	next := a.Document.Copy()
	next.Campuses = []string{"x"}
	assert.Equal(t, s.ApplyDiff(ctx, a, document.Diff(a.Document, next)), nil)
	next = b.Document.Copy()
	next.CCBIDs = []int{1, 2, 3}
	assert.Equal(t, s.ApplyDiff(ctx, b, document.Diff(b.Document, next)), nil)

	loaded, err := s.Load(ctx, "s1")
	assert.Equal(t, err, nil)
	assert.Equal(t, loaded.Document.Campuses, []string{"x"})
	assert.Equal(t, loaded.Document.CCBIDs, []int{1, 2, 3})
	assert.Equal(t, loaded.Versions.Fields[document.FieldCampuses], uint64(1))
	assert.Equal(t, loaded.Versions.Fields[document.FieldCCBIDs], uint64(1))

	next = apply(loaded, actions.AddGroup{Group: document.Group{ID: "abc", Members: []string{}}})
	assert.Equal(t, s.ApplyDiff(ctx, loaded, document.Diff(loaded.Document, next)), nil)

	// members and ccbId of one group share its version
	a, _ = s.Load(ctx, "s1")
	b, _ = s.Load(ctx, "s1")
	next = a.Document.Copy()
	g := next.Groups["abc"]
	g.Members = []string{"1"}
	next.Groups["abc"] = g
	assert.Equal(t, s.ApplyDiff(ctx, a, document.Diff(a.Document, next)), nil)

	setCCBID := func(sess *store.Session) document.Document {
		next := sess.Document.Copy()
		g := next.Groups["abc"]
		g.CCBID = 5
		next.Groups["abc"] = g
		return next
	}
	err = s.ApplyDiff(ctx, b, document.Diff(b.Document, setCCBID(b)))
	assert.Equal(t, errors.Is(err, store.ErrConditionFailed), true)

	b, err = s.Load(ctx, "s1")
	assert.Equal(t, err, nil)
	assert.Equal(t, s.ApplyDiff(ctx, b, document.Diff(b.Document, setCCBID(b))), nil)

	loaded, _ = s.Load(ctx, "s1")
	assert.Equal(t, loaded.Document.Groups["abc"].Members, []string{"1"})
	assert.Equal(t, loaded.Document.Groups["abc"].CCBID, 5)
	assert.Equal(t, loaded.Versions.Groups["abc"], uint64(3))
}

func TestApplyDiffNilIsNoop(t *testing.T) {
	s, _ := newStore(t)
	ctx := context.Background()
	sess, err := s.Create(ctx, "s1", nil)
	assert.Equal(t, err, nil)
	assert.Equal(t, s.ApplyDiff(ctx, sess, nil), nil)
	assert.Equal(t, sess.Versions.Fields[document.FieldGroupType], uint64(0))
}

func TestDeletedGroupKeepsVersion(t *testing.T) {
	s, _ := newStore(t)
	ctx := context.Background()
	sess, err := s.Create(ctx, "s1", nil)
	assert.Equal(t, err, nil)

	next := apply(sess, actions.AddGroup{Group: document.Group{ID: "g1"}})
	assert.Equal(t, s.ApplyDiff(ctx, sess, document.Diff(sess.Document, next)), nil)
	assert.Equal(t, sess.Versions.Groups["g1"], uint64(1))

	next = apply(sess, actions.RemoveGroup{Group: "g1"})
	assert.Equal(t, s.ApplyDiff(ctx, sess, document.Diff(sess.Document, next)), nil)

	loaded, err := s.Load(ctx, "s1")
	assert.Equal(t, err, nil)
	_, ok := loaded.Document.Groups["g1"]
	assert.Equal(t, ok, false)
	assert.Equal(t, loaded.Versions.Groups["g1"], uint64(2))
}

func TestVersionVector(t *testing.T) {
	sess := &store.Session{
		Versions: store.Versions{
			Fields: map[string]uint64{
				document.FieldCampuses:     1,
				document.FieldCCBIDs:       2,
				document.FieldCustomPeople: 3,
				document.FieldEdits:        4,
				document.FieldFaculties:    5,
				document.FieldGroupType:    7,
			},
			Groups: map[string]uint64{"nig": 6, "foo": 123, "bar": 234},
		},
	}

	assert.Equal(t, sess.VersionVector(nil), syncproto.VersionVector{
		syncproto.Counter(1),
		syncproto.Counter(2),
		syncproto.Counter(3),
		syncproto.Counter(4),
		syncproto.Counter(5),
		syncproto.Keyed(map[string]uint64{"nig": 6, "foo": 123, "bar": 234}),
		syncproto.Counter(7),
	})

	p := &document.Projection{}
	p.AddField(document.FieldCCBIDs)
	p.AddGroup("foo")
	p.AddGroup("bar")
	assert.Equal(t, sess.VersionVector(p), syncproto.VersionVector{
		syncproto.Counter(0),
		syncproto.Counter(2),
		syncproto.Counter(0),
		syncproto.Counter(0),
		syncproto.Counter(0),
		syncproto.Keyed(map[string]uint64{"foo": 123, "bar": 234}),
		syncproto.Counter(0),
	})

	fieldsOnly := &document.Projection{}
	fieldsOnly.AddField(document.FieldGroupType)
	assert.Equal(t, sess.VersionVector(fieldsOnly)[5], syncproto.Counter(0))
}

func TestLocks(t *testing.T) {
	s, c := newStore(t)
	ctx := context.Background()
	_, err := s.Create(ctx, "s1", nil)
	assert.Equal(t, err, nil)

	ok, err := s.AcquireLock(ctx, "s1", "job-1")
	assert.Equal(t, err, nil)
	assert.Equal(t, ok, true)

	ok, err = s.AcquireLock(ctx, "s1", "job-2")
	assert.Equal(t, err, nil)
	assert.Equal(t, ok, false)

	// releasing someone else's lock is quietly ignored
	assert.Equal(t, s.ReleaseLock(ctx, "s1", "job-2"), nil)
	assert.Equal(t, s.ReleaseLock(ctx, "s1", "job-1"), nil)

	ok, err = s.AcquireLock(ctx, "s1", "job-2")
	assert.Equal(t, err, nil)
	assert.Equal(t, ok, true)

	c.now = c.now.Add(2 * time.Minute)
	ok, err = s.AcquireLock(ctx, "s1", "job-3")
	assert.Equal(t, err, nil)
	assert.Equal(t, ok, true)

	_, err = s.AcquireLock(ctx, "missing", "job-1")
	assert.Equal(t, errors.Is(err, store.ErrNotFound), true)
}
