package client

import (
	"context"
	"encoding/json"
	"flag"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/go-playground/assert/v2"

	"gihan9a/groupsync/pkg/actions"
	"gihan9a/groupsync/pkg/document"
	"gihan9a/groupsync/pkg/syncproto"
)

func init() {
	flag.Set("logtostderr", "true")
}

type fakeTimer struct {
	s       *fakeScheduler
	at      time.Duration
	f       func()
	stopped bool
	fired   bool
}

func (t *fakeTimer) Stop() bool {
	t.s.mu.Lock()
	defer t.s.mu.Unlock()
	if t.stopped || t.fired {
		return false
	}
	t.stopped = true
	return true
}

// fakeScheduler runs timers when the test advances its clock.
type fakeScheduler struct {
	mu     sync.Mutex
	now    time.Duration
	timers []*fakeTimer
}

func (s *fakeScheduler) AfterFunc(d time.Duration, f func()) Timer {
	s.mu.Lock()
	defer s.mu.Unlock()
	t := &fakeTimer{s: s, at: s.now + d, f: f}
	s.timers = append(s.timers, t)
	return t
}

func (s *fakeScheduler) Advance(d time.Duration) {
	s.mu.Lock()
	s.now += d
	var due []*fakeTimer
	for _, t := range s.timers {
		if !t.stopped && !t.fired && t.at <= s.now {
			t.fired = true
			due = append(due, t)
		}
	}
	s.mu.Unlock()
	sort.SliceStable(due, func(i, j int) bool { return due[i].at < due[j].at })
	for _, t := range due {
		t.f()
	}
}

type fakeTransport struct {
	sent chan syncproto.Request
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{sent: make(chan syncproto.Request, 64)}
}

func (f *fakeTransport) Send(msg []byte) error {
	var req syncproto.Request
	if err := json.Unmarshal(msg, &req); err != nil {
		return err
	}
	f.sent <- req
	return nil
}

func (f *fakeTransport) next(t *testing.T) syncproto.Request {
	t.Helper()
	select {
	case req := <-f.sent:
		return req
	case <-time.After(5 * time.Second):
		t.Fatal("no request sent")
		return syncproto.Request{}
	}
}

func (f *fakeTransport) empty() bool {
	return len(f.sent) == 0
}

type harness struct {
	m         *Manager
	transport *fakeTransport
	sched     *fakeScheduler
	errors    []string
}

func newHarness(t *testing.T) *harness {
	h := &harness{transport: newFakeTransport(), sched: &fakeScheduler{}}
	h.m = NewManager(h.transport,
		WithScheduler(h.sched),
		WithOnError(func(msg string) { h.errors = append(h.errors, msg) }),
	)
	t.Cleanup(h.m.Close)
	return h
}

func (h *harness) deliver(t *testing.T, resp syncproto.Response) {
	t.Helper()
	data, err := json.Marshal(resp)
	assert.Equal(t, err, nil)
	h.m.HandleMessage(data)
}

func counters(n ...uint64) syncproto.VersionVector {
	out := make(syncproto.VersionVector, len(n))
	for i, v := range n {
		out[i] = syncproto.Counter(v)
	}
	return out
}

func fullState(session string, doc document.Document, versions syncproto.VersionVector) syncproto.Response {
	partial := document.Project(doc, nil)
	return syncproto.Response{Type: syncproto.TypeState, Session: session, State: &partial, Versions: versions}
}

// join registers the harness with session s1 at the given versions.
func (h *harness) join(t *testing.T, versions syncproto.VersionVector) {
	t.Helper()
	assert.Equal(t, h.m.Register(""), nil)
	req := h.transport.next(t)
	assert.Equal(t, req.Action, syncproto.ActionRegister)
	assert.Equal(t, req.Session, "")

	h.deliver(t, syncproto.Response{Type: syncproto.TypeRegistration, Session: "s1"})
	h.deliver(t, fullState("s1", document.NewSessionState(), versions))
	assert.Equal(t, h.m.Session(), "s1")
	assert.Equal(t, h.m.IsCleanState(), true)
}

func TestRegisterDebounce(t *testing.T) {
	h := newHarness(t)
	assert.Equal(t, h.m.Register("s1"), nil)
	assert.Equal(t, h.transport.next(t).Session, "s1")

	assert.Equal(t, h.m.Register("s1"), nil)
	assert.Equal(t, h.transport.empty(), true)
	assert.Equal(t, h.m.IsCleanState(), false)

	h.sched.Advance(DefaultRegisterDebounce)
	assert.Equal(t, h.m.Register("s1"), nil)
	assert.Equal(t, h.transport.next(t).Action, syncproto.ActionRegister)
}

func TestRegistration(t *testing.T) {
	h := newHarness(t)
	assert.Equal(t, h.m.Connected(), false)
	h.join(t, counters(0, 0, 0, 0, 0, 0, 0))
	assert.Equal(t, h.m.Connected(), true)
	assert.Equal(t, h.m.State().GroupType, "Bible Study")

	// reconnecting registers with the known session
	h.sched.Advance(DefaultRegisterDebounce)
	h.m.OnOpen()
	req := h.transport.next(t)
	assert.Equal(t, req.Action, syncproto.ActionRegister)
	assert.Equal(t, req.Session, "s1")
	assert.Equal(t, h.m.Connected(), false)
}

func TestSyncActionsWithoutSession(t *testing.T) {
	h := newHarness(t)
	assert.Equal(t, h.m.SyncActions(actions.AddCampus{Campus: "south"}), ErrNoSession)
	assert.Equal(t, h.m.State().Campuses, []string{"main"})
}

func TestSyncActionsLifecycle(t *testing.T) {
	h := newHarness(t)
	h.join(t, counters(0, 0, 0, 0, 0, 0, 0))

	assert.Equal(t, h.m.SyncActions(actions.AddCampus{Campus: "south"}, nil), nil)
	assert.Equal(t, h.m.State().Campuses, []string{"main", "south"})
	local, pending := h.m.Queued()
	assert.Equal(t, local, 1)
	assert.Equal(t, pending, 0)

	req := h.transport.next(t)
	assert.Equal(t, req.Action, syncproto.ActionSync)
	assert.Equal(t, req.Session, "s1")
	data, err := req.SyncData()
	assert.Equal(t, err, nil)
	assert.Equal(t, len(data.Actions), 1)
	id := data.Actions[0].ID

	h.deliver(t, syncproto.Response{Type: syncproto.TypeSyncSuccess, Session: "s1", ActionIDs: []string{id}, Versions: counters(1, 0, 0, 0, 0, 0, 0)})
	local, _ = h.m.Queued()
	assert.Equal(t, local, 0)
	assert.Equal(t, h.m.IsCleanState(), false)

	// the check waits for the debounce
	assert.Equal(t, h.transport.empty(), true)
	h.sched.Advance(DefaultCheckDebounce)
	check := h.transport.next(t)
	assert.Equal(t, check.Action, syncproto.ActionCheck)
	assert.NotEqual(t, check.CheckID, "")
	hashes, err := check.Hashes()
	assert.Equal(t, err, nil)
	assert.Equal(t, hashes, document.HashDocument(h.m.State()))

	h.deliver(t, syncproto.Response{Type: syncproto.TypeCheckSuccess, Session: "s1", CheckID: "stale"})
	assert.Equal(t, h.m.IsCleanState(), false)
	h.deliver(t, syncproto.Response{Type: syncproto.TypeCheckSuccess, Session: "s1", CheckID: check.CheckID})
	assert.Equal(t, h.m.IsCleanState(), true)
}

func TestCheckDebounceCoalesces(t *testing.T) {
	h := newHarness(t)
	h.join(t, counters(0, 0, 0, 0, 0, 0, 0))

	h.m.SyncActions(actions.AddCampus{Campus: "south"})
	h.sched.Advance(DefaultCheckDebounce / 2)
	h.m.SyncActions(actions.AddFaculty{Faculty: "arts"})
	h.transport.next(t)
	h.transport.next(t)

	h.sched.Advance(DefaultCheckDebounce / 2)
	assert.Equal(t, h.transport.empty(), true)
	h.sched.Advance(DefaultCheckDebounce / 2)
	assert.Equal(t, h.transport.next(t).Action, syncproto.ActionCheck)
	assert.Equal(t, h.transport.empty(), true)
}

func TestSyncFailed(t *testing.T) {
	h := newHarness(t)
	h.join(t, counters(0, 0, 0, 0, 0, 0, 0))

	h.m.SyncActions(actions.AddCampus{Campus: "main"})
	data, _ := h.transport.next(t).SyncData()
	h.deliver(t, syncproto.Response{Type: syncproto.TypeSyncFailed, Session: "s1", ActionIDs: actions.IDs(data.Actions), Reason: syncproto.ReasonNoDiff})
	local, _ := h.m.Queued()
	assert.Equal(t, local, 0)
	assert.Equal(t, h.transport.empty(), true)
	assert.Equal(t, len(h.errors), 0)

	h.m.SyncActions(actions.AddCampus{Campus: "south"})
	data, _ = h.transport.next(t).SyncData()
	h.deliver(t, syncproto.Response{Type: syncproto.TypeSyncFailed, Session: "s1", ActionIDs: actions.IDs(data.Actions), Reason: syncproto.ReasonMaxAttempts})
	assert.Equal(t, h.errors, []string{"Failed to sync action, please try again"})
	assert.Equal(t, h.transport.next(t).Action, syncproto.ActionRequest)

	// the fresh snapshot drops the rejected edit
	h.deliver(t, fullState("s1", document.NewSessionState(), counters(0, 0, 0, 0, 0, 0, 0)))
	assert.Equal(t, h.m.State().Campuses, []string{"main"})
}

func TestPeerActions(t *testing.T) {
	h := newHarness(t)
	h.join(t, counters(1, 0, 0, 0, 0, 0, 0))

	stale := syncproto.Response{
		Type:     syncproto.TypeAction,
		Session:  "s1",
		Actions:  []actions.Tagged{{ID: "p1", Action: actions.AddCampus{Campus: "old"}}},
		Versions: counters(1, 0, 0, 0, 0, 0, 0),
	}
	h.deliver(t, stale)
	assert.Equal(t, h.m.State().Campuses, []string{"main"})

	fresh := syncproto.Response{
		Type:     syncproto.TypeAction,
		Session:  "s1",
		Actions:  []actions.Tagged{{ID: "p2", Action: actions.AddCampus{Campus: "south"}}},
		Versions: counters(2, 0, 0, 0, 0, 0, 0),
	}
	h.deliver(t, fresh)
	assert.Equal(t, h.m.State().Campuses, []string{"main", "south"})
	_, pending := h.m.Queued()
	assert.Equal(t, pending, 1)

	// a snapshot taken before the peer action keeps it pending
	h.deliver(t, fullState("s1", document.NewSessionState(), counters(1, 0, 0, 0, 0, 0, 0)))
	assert.Equal(t, h.m.State().Campuses, []string{"main", "south"})
	_, pending = h.m.Queued()
	assert.Equal(t, pending, 1)

	// a snapshot that covers it drops it
	covered := document.NewSessionState()
	covered.Campuses = []string{"main", "south"}
	h.deliver(t, fullState("s1", covered, counters(2, 0, 0, 0, 0, 0, 0)))
	_, pending = h.m.Queued()
	assert.Equal(t, pending, 0)
	assert.Equal(t, h.m.State().Campuses, []string{"main", "south"})
}

func TestSetGroupsRaisesFloor(t *testing.T) {
	h := newHarness(t)
	h.join(t, counters(0, 0, 0, 0, 0, 0, 0))

	groups := document.NewSessionState().Groups
	groups["g1"] = document.Group{ID: "g1", Members: []string{"p1"}}
	versions := counters(0, 0, 0, 0, 0, 0, 0)
	versions[5] = syncproto.Keyed(map[string]uint64{"g1": 1, document.UnassignedGroupID: 1})
	h.deliver(t, syncproto.Response{
		Type:     syncproto.TypeAction,
		Session:  "s1",
		Actions:  []actions.Tagged{{ID: "p1", Action: actions.SetGroups{Groups: groups}}},
		Versions: versions,
	})
	_, pending := h.m.Queued()
	assert.Equal(t, pending, 0)
	assert.Equal(t, h.m.State().Groups["g1"].Members, []string{"p1"})

	// the same versions again are now stale
	h.deliver(t, syncproto.Response{
		Type:     syncproto.TypeAction,
		Session:  "s1",
		Actions:  []actions.Tagged{{ID: "p2", Action: actions.RemoveGroup{Group: "g1"}}},
		Versions: versions,
	})
	_, ok := h.m.State().Groups["g1"]
	assert.Equal(t, ok, true)
}

func TestStateReappliesLocalActions(t *testing.T) {
	h := newHarness(t)
	h.join(t, counters(0, 0, 0, 0, 0, 0, 0))

	h.m.SyncActions(actions.AddFaculty{Faculty: "arts"})
	h.transport.next(t)

	peer := document.NewSessionState()
	peer.GroupType = "Prayer"
	h.deliver(t, fullState("s1", peer, counters(0, 0, 0, 0, 0, 0, 1)))
	state := h.m.State()
	assert.Equal(t, state.GroupType, "Prayer")
	assert.Equal(t, state.Faculties, []string{"arts"})
}

func TestPartialStateKeepsOtherFields(t *testing.T) {
	h := newHarness(t)
	h.join(t, counters(0, 0, 0, 0, 0, 0, 0))

	h.deliver(t, syncproto.Response{
		Type:     syncproto.TypeAction,
		Session:  "s1",
		Actions:  []actions.Tagged{{ID: "p1", Action: actions.AddCustom{Person: document.Person{ResponseID: "c1"}}}},
		Versions: counters(0, 0, 1, 0, 0, 0, 0),
	})
	h.m.SyncActions(actions.AddCustom{Person: document.Person{ResponseID: "c2"}})
	h.transport.next(t)
	assert.Equal(t, len(h.m.State().CustomPeople), 2)

	edited := document.NewSessionState()
	edited.Edits = map[string]document.PersonPatch{"r1": {}}
	partial := document.Project(edited, &document.Projection{Fields: map[string]bool{document.FieldEdits: true}})
	h.deliver(t, syncproto.Response{Type: syncproto.TypeState, Session: "s1", State: &partial, Versions: counters(0, 0, 0, 1, 0, 0, 0)})

	state := h.m.State()
	assert.Equal(t, len(state.CustomPeople), 2)
	assert.Equal(t, state.CustomPeople[0].ResponseID, "c2")
	assert.Equal(t, len(state.Edits), 1)
	local, pending := h.m.Queued()
	assert.Equal(t, local, 1)
	assert.Equal(t, pending, 1)
}

func TestConfirmedActionSurvivesOlderSnapshot(t *testing.T) {
	h := newHarness(t)
	h.join(t, counters(0, 0, 0, 0, 0, 0, 0))

	h.m.SyncActions(actions.AddFaculty{Faculty: "arts"})
	data, _ := h.transport.next(t).SyncData()
	h.deliver(t, syncproto.Response{Type: syncproto.TypeSyncSuccess, Session: "s1", ActionIDs: actions.IDs(data.Actions), Versions: counters(0, 0, 0, 0, 1, 0, 0)})

	h.deliver(t, fullState("s1", document.NewSessionState(), counters(0, 0, 0, 0, 0, 0, 0)))
	assert.Equal(t, h.m.State().Faculties, []string{"arts"})

	covered := document.NewSessionState()
	covered.Faculties = []string{"arts"}
	h.deliver(t, fullState("s1", covered, counters(0, 0, 0, 0, 1, 0, 0)))
	assert.Equal(t, h.m.State().Faculties, []string{"arts"})
	_, pending := h.m.Queued()
	assert.Equal(t, pending, 0)
}

func TestCheckState(t *testing.T) {
	h := newHarness(t)
	h.join(t, counters(0, 0, 0, 0, 0, 0, 0))
	h.m.SyncActions(actions.AddFaculty{Faculty: "arts"})
	h.transport.next(t)
	h.sched.Advance(DefaultCheckDebounce)
	check := h.transport.next(t)

	corrected := document.NewSessionState()
	corrected.GroupType = "Prayer"
	partial := document.Project(corrected, &document.Projection{Fields: map[string]bool{document.FieldGroupType: true}})
	resp := syncproto.Response{Type: syncproto.TypeState, Session: "s1", State: &partial, CheckID: "other", Versions: counters(0, 0, 0, 0, 0, 0, 1)}

	// replies to an older check are ignored
	h.deliver(t, resp)
	assert.Equal(t, h.m.State().GroupType, "Bible Study")

	resp.CheckID = check.CheckID
	h.deliver(t, resp)
	state := h.m.State()
	assert.Equal(t, state.GroupType, "Prayer")
	assert.Equal(t, state.Faculties, []string{"arts"})
	local, _ := h.m.Queued()
	assert.Equal(t, local, 0)
	assert.Equal(t, h.m.IsCleanState(), true)
}

func TestCheckNow(t *testing.T) {
	h := newHarness(t)
	h.join(t, counters(0, 0, 0, 0, 0, 0, 0))

	result := make(chan error, 1)
	go func() { result <- h.m.CheckNow(context.Background()) }()
	check := h.transport.next(t)
	h.deliver(t, syncproto.Response{Type: syncproto.TypeCheckSuccess, Session: "s1", CheckID: check.CheckID})
	assert.Equal(t, <-result, nil)

	go func() { result <- h.m.CheckNow(context.Background()) }()
	check = h.transport.next(t)
	partial := document.Project(document.NewSessionState(), &document.Projection{Fields: map[string]bool{document.FieldCampuses: true}})
	h.deliver(t, syncproto.Response{Type: syncproto.TypeState, Session: "s1", State: &partial, CheckID: check.CheckID, Versions: counters(0, 0, 0, 0, 0, 0, 0)})
	assert.Equal(t, IsDiverged(<-result), true)

	go func() { result <- h.m.CheckNow(context.Background()) }()
	h.transport.next(t)
	h.m.AbortCheck()
	assert.Equal(t, <-result, ErrCheckAborted)
	assert.Equal(t, h.m.IsCleanState(), true)
}

func TestIgnoresOtherSessions(t *testing.T) {
	h := newHarness(t)
	h.join(t, counters(0, 0, 0, 0, 0, 0, 0))

	other := document.NewSessionState()
	other.GroupType = "Prayer"
	h.deliver(t, fullState("s2", other, counters(5, 5, 5, 5, 5, 5, 5)))
	assert.Equal(t, h.m.State().GroupType, "Bible Study")
}

func TestRunExternal(t *testing.T) {
	h := newHarness(t)
	h.join(t, counters(0, 0, 0, 0, 0, 0, 0))

	var seen []string
	remove := h.m.AddProgressListener("j1", syncproto.ProgressStarted, func(p syncproto.Progress) { seen = append(seen, p.Type) })
	defer remove()

	result := make(chan error, 1)
	go func() {
		result <- h.m.RunExternal(context.Background(), syncproto.ExternalData{ID: "j1", Operation: "push"})
	}()
	req := h.transport.next(t)
	assert.Equal(t, req.Action, syncproto.ActionExternal)
	job, err := req.ExternalData()
	assert.Equal(t, err, nil)
	assert.Equal(t, job.ID, "j1")

	h.deliver(t, syncproto.Response{Type: syncproto.TypeProgress, Session: "s1", Progress: &syncproto.Progress{Type: syncproto.ProgressStarted, ID: "j1"}})
	h.deliver(t, syncproto.Response{Type: syncproto.TypeProgress, Session: "s1", Progress: &syncproto.Progress{Type: syncproto.ProgressFailed, ID: "j1", Message: "try again later"}})
	err = <-result
	assert.NotEqual(t, err, nil)
	assert.Equal(t, err.Error(), "push failed with message try again later")
	assert.Equal(t, seen, []string{syncproto.ProgressStarted})

	go func() {
		result <- h.m.RunExternal(context.Background(), syncproto.ExternalData{ID: "j2", Operation: "push"})
	}()
	h.transport.next(t)
	h.deliver(t, syncproto.Response{Type: syncproto.TypeProgress, Session: "s1", Progress: &syncproto.Progress{Type: syncproto.ProgressCompleted, ID: "j2"}})
	assert.Equal(t, <-result, nil)
}

func TestLocalInsertsAtStart(t *testing.T) {
	h := newHarness(t)
	h.join(t, counters(0, 0, 0, 0, 0, 0, 0))

	group := document.UnassignedGroupID
	h.m.SyncActions(
		actions.AddMember{Member: "p1", Group: group},
		actions.AddMember{Member: "p2", Group: group},
	)
	// neighbours that are gone tie every position
	h.m.SyncActions(actions.AddMember{Member: "p3", Group: group, Context: actions.Context{Before: []string{"x"}, After: []string{"y"}}})
	assert.Equal(t, h.m.State().Groups[group].Members[0], "p3")
}
