// Package client keeps a local copy of a sync session and reconciles it
// with the server.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/golang/glog"

	"gihan9a/groupsync/pkg/actions"
	"gihan9a/groupsync/pkg/document"
	"gihan9a/groupsync/pkg/syncproto"
)

const (
	DefaultCheckDebounce    = time.Second
	DefaultRegisterDebounce = time.Second
)

var (
	ErrNotConnected = errors.New("not connected")
	ErrNoSession    = errors.New("no sync session")
	ErrCheckAborted = errors.New("check aborted")
)

// Transport carries request frames to the server.
type Transport interface {
	Send(msg []byte) error
}

// Handler receives transport events.
type Handler interface {
	// OnOpen is called after every successful (re)connect.
	OnOpen()
	HandleMessage(data []byte)
}

type pendingAction struct {
	action   actions.Tagged
	versions syncproto.VersionVector
}

type progressKey struct {
	id  string
	typ string
}

type listener struct {
	fn func(syncproto.Progress)
}

// Option configures a Manager.
type Option func(*Manager)

// WithScheduler replaces the timers used for debouncing.
func WithScheduler(s Scheduler) Option {
	return func(m *Manager) { m.sched = s }
}

// WithCheckDebounce sets how long local changes settle before a
// consistency check is sent.
func WithCheckDebounce(d time.Duration) Option {
	return func(m *Manager) { m.checkDebounce = d }
}

// WithReducer sets how actions are applied locally. The default inserts
// at the start of ambiguous positions.
func WithReducer(r *actions.Reducer) Option {
	return func(m *Manager) { m.reducer = r }
}

// WithOnChange registers a callback for every change of the local document.
func WithOnChange(fn func(document.Document)) Option {
	return func(m *Manager) { m.onChange = fn }
}

// WithOnError registers a callback for errors worth showing to a user.
func WithOnError(fn func(message string)) Option {
	return func(m *Manager) { m.onError = fn }
}

// Manager is the client side of a sync session. Local actions apply
// immediately and are replayed over every server snapshot until the server
// confirms them.
type Manager struct {
	transport     Transport
	sched         Scheduler
	reducer       *actions.Reducer
	checkDebounce time.Duration
	onChange      func(document.Document)
	onError       func(string)

	mu              sync.Mutex
	session         string
	base            document.Document // merged server snapshots
	state           document.Document // base with pending and local replayed
	floor           syncproto.VersionVector // actions at or below floor are already in state
	requestingState bool
	waitingForCheck string
	justRegistered  bool
	local           []actions.Tagged
	pending         []pendingAction
	checkTimer      Timer
	checkWaiters    []chan error
	listeners       map[progressKey][]*listener
}

// NewManager returns a manager that sends requests over t. Feed it server
// messages through HandleMessage, or pass it to WSTransport.Run.
func NewManager(t Transport, opts ...Option) *Manager {
	m := &Manager{
		transport:     t,
		sched:         RealScheduler,
		reducer:       &actions.Reducer{Bias: actions.BiasStart},
		checkDebounce: DefaultCheckDebounce,
		base:          document.NewSessionState(),
		state:         document.NewSessionState(),
		listeners:     make(map[progressKey][]*listener),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Session returns the current session id, or "" before registration.
func (m *Manager) Session() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.session
}

// State returns a copy of the local document.
func (m *Manager) State() document.Document {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.Copy()
}

// Connected reports whether the manager has a session and a server
// snapshot.
func (m *Manager) Connected() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.session != "" && m.floor != nil
}

// IsCleanState reports whether the local document is known to match the
// server: no snapshot or check is outstanding and nothing is queued.
func (m *Manager) IsCleanState() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return !m.requestingState && m.waitingForCheck == "" && len(m.local) == 0 && len(m.pending) == 0
}

// Queued returns the number of unconfirmed local actions and of peer
// actions still waiting for a snapshot to cover them.
func (m *Manager) Queued() (local, pending int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.local), len(m.pending)
}

// Register joins session, or asks for a new session when it is empty.
// Calls within a second of the previous registration are ignored.
func (m *Manager) Register(session string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.registerLocked(session)
}

func (m *Manager) registerLocked(session string) error {
	if m.justRegistered {
		return nil
	}
	glog.V(1).Infof("Registering with session %q", session)
	m.justRegistered = true
	m.sched.AfterFunc(DefaultRegisterDebounce, func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		m.justRegistered = false
	})

	m.floor = nil
	m.requestingState = true
	return m.sendRaw(syncproto.Request{Action: syncproto.ActionRegister, Session: session})
}

// OnOpen re-registers with the known session after a reconnect.
func (m *Manager) OnOpen() {
	m.mu.Lock()
	defer m.mu.Unlock()
	glog.V(1).Infof("Connected")
	if m.session != "" {
		if err := m.registerLocked(m.session); err != nil {
			glog.Warningf("Re-registering with %s: %v", m.session, err)
		}
	}
}

// SyncActions applies as locally, sends them to the server and schedules
// a consistency check. Nil actions are skipped.
func (m *Manager) SyncActions(as ...actions.Action) error {
	tagged := actions.WithIDs(as...)
	if len(tagged) == 0 {
		return nil
	}

	m.mu.Lock()
	if m.session == "" {
		m.mu.Unlock()
		return ErrNoSession
	}
	m.setStateLocked(m.apply(m.state, tagged))
	m.local = append(m.local, tagged...)
	err := m.send(syncproto.ActionSync, syncproto.SyncData{Actions: tagged})
	m.queueCheckLocked()
	notify := m.changed()
	m.mu.Unlock()

	notify()
	return err
}

// CheckNow sends a consistency check without waiting for the debounce and
// waits for the answer. It returns nil when the server agreed with the
// local document; a corrected snapshot is applied and reported as an
// error.
func (m *Manager) CheckNow(ctx context.Context) error {
	m.mu.Lock()
	if m.session == "" {
		m.mu.Unlock()
		return ErrNoSession
	}
	done := make(chan error, 1)
	m.checkWaiters = append(m.checkWaiters, done)
	m.waitingForCheck = actions.NewID()
	if m.checkTimer != nil {
		m.checkTimer.Stop()
		m.checkTimer = nil
	}
	err := m.sendCheckLocked()
	m.mu.Unlock()
	if err != nil {
		m.AbortCheck()
		return err
	}

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// AbortCheck gives up on the outstanding consistency check. Callers of
// CheckNow get ErrCheckAborted.
func (m *Manager) AbortCheck() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.checkTimer != nil {
		m.checkTimer.Stop()
		m.checkTimer = nil
	}
	m.waitingForCheck = ""
	m.resolveChecksLocked(ErrCheckAborted)
}

// AddProgressListener calls fn for progress of type typ on job id. The
// returned func removes the listener.
func (m *Manager) AddProgressListener(id, typ string, fn func(syncproto.Progress)) func() {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := progressKey{id: id, typ: typ}
	l := &listener{fn: fn}
	m.listeners[key] = append(m.listeners[key], l)
	return func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		m.listeners[key] = slices.DeleteFunc(m.listeners[key], func(other *listener) bool { return other == l })
		if len(m.listeners[key]) == 0 {
			delete(m.listeners, key)
		}
	}
}

// RunExternal starts an external job and waits for it to complete or fail.
func (m *Manager) RunExternal(ctx context.Context, job syncproto.ExternalData) error {
	if job.ID == "" {
		job.ID = actions.NewID()
	}
	result := make(chan error, 1)
	report := func(err error) {
		select {
		case result <- err:
		default:
		}
	}
	removeDone := m.AddProgressListener(job.ID, syncproto.ProgressCompleted, func(syncproto.Progress) { report(nil) })
	defer removeDone()
	removeFailed := m.AddProgressListener(job.ID, syncproto.ProgressFailed, func(p syncproto.Progress) {
		if p.Message == "" {
			report(fmt.Errorf("%s failed", job.Operation))
			return
		}
		report(fmt.Errorf("%s failed with message %s", job.Operation, p.Message))
	})
	defer removeFailed()

	m.mu.Lock()
	if m.session == "" {
		m.mu.Unlock()
		return ErrNoSession
	}
	err := m.send(syncproto.ActionExternal, job)
	m.mu.Unlock()
	if err != nil {
		return err
	}

	select {
	case err := <-result:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close stops pending timers and forgets the session.
func (m *Manager) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.checkTimer != nil {
		m.checkTimer.Stop()
		m.checkTimer = nil
	}
	m.resolveChecksLocked(ErrCheckAborted)
	m.session = ""
}

// HandleMessage applies one response frame from the server.
func (m *Manager) HandleMessage(data []byte) {
	var resp syncproto.Response
	if err := json.Unmarshal(data, &resp); err != nil {
		glog.Warningf("Ignoring malformed message: %v", err)
		return
	}

	m.mu.Lock()
	if m.session != "" && resp.Session != m.session && resp.Type != syncproto.TypeRegistration {
		m.mu.Unlock()
		glog.V(2).Infof("Ignoring %s for session %s", resp.Type, resp.Session)
		return
	}
	glog.V(2).Infof("Received %s", resp.Type)

	before := m.state
	var notify []func()
	switch resp.Type {
	case syncproto.TypeRegistration:
		m.session = resp.Session
	case syncproto.TypeState:
		m.handleState(resp)
	case syncproto.TypeAction:
		m.handleAction(resp)
	case syncproto.TypeSyncSuccess:
		m.confirmLocal(resp.ActionIDs, resp.Versions)
		m.floor = resp.Versions.Raise(m.floor)
	case syncproto.TypeSyncFailed:
		m.removeLocal(resp.ActionIDs)
		if resp.Reason != syncproto.ReasonNoDiff {
			glog.Warningf("Sync failed with reason: %s", resp.Reason)
			notify = append(notify, m.reportError("Failed to sync action, please try again"))
			if err := m.requestStateLocked(); err != nil {
				glog.Warningf("Requesting state: %v", err)
			}
		}
	case syncproto.TypeCheckSuccess:
		if resp.CheckID != "" && resp.CheckID == m.waitingForCheck {
			m.waitingForCheck = ""
			m.local = nil
			m.pending = nil
			m.base = m.state
			m.resolveChecksLocked(nil)
		}
	case syncproto.TypeProgress:
		notify = append(notify, m.progress(resp.Progress))
	case syncproto.TypeError:
		glog.Warningf("Server error: %s", resp.Message)
		notify = append(notify, m.reportError(resp.Message))
	default:
		glog.Warningf("Unknown response type %q", resp.Type)
	}
	if !sameDocument(before, m.state) {
		notify = append(notify, m.changed())
	}
	m.mu.Unlock()

	for _, fn := range notify {
		fn()
	}
}

func (m *Manager) handleState(resp syncproto.Response) {
	m.requestingState = false
	if resp.CheckID != "" {
		if resp.CheckID != m.waitingForCheck {
			return
		}
		// The server agreed with every field outside the snapshot.
		m.waitingForCheck = ""
		m.local = nil
		m.pending = nil
		m.base = m.state
		m.resolveChecksLocked(errDiverged)
	}

	m.floor = resp.Versions.Raise(m.floor)
	m.removeLocal(resp.ActionIDs)
	if resp.State != nil {
		m.base = document.Merge(m.base, *resp.State)
	}
	m.pending = slices.DeleteFunc(m.pending, func(p pendingAction) bool {
		return !p.versions.AboveMin(resp.Versions)
	})
	m.rebuild()
}

func (m *Manager) handleAction(resp syncproto.Response) {
	if !resp.Versions.AboveMin(m.floor) {
		glog.V(1).Infof("Ignoring action from old version %v, floor %v", resp.Versions, m.floor)
		return
	}
	m.removeLocal(actions.IDs(resp.Actions))

	// setGroups replaces every group, like a snapshot would
	if slices.ContainsFunc(resp.Actions, func(t actions.Tagged) bool { return t.Action.Type() == actions.TypeSetGroups }) {
		m.base = m.apply(m.apply(m.base, m.pendingActions()), resp.Actions)
		m.pending = nil
		m.floor = resp.Versions.Raise(m.floor)
		m.rebuild()
		return
	}
	for _, t := range resp.Actions {
		m.pending = append(m.pending, pendingAction{action: t, versions: resp.Versions})
	}
	m.rebuild()
}

// rebuild replays pending and local actions over the server snapshot.
func (m *Manager) rebuild() {
	working := m.apply(m.base, m.pendingActions())
	m.setStateLocked(m.apply(working, m.local))
}

func (m *Manager) pendingActions() []actions.Tagged {
	out := make([]actions.Tagged, len(m.pending))
	for i, p := range m.pending {
		out[i] = p.action
	}
	return out
}

// confirmLocal moves acknowledged local actions to pending, where they
// stay until a snapshot at or above versions covers them.
func (m *Manager) confirmLocal(ids []string, versions syncproto.VersionVector) {
	for _, t := range m.local {
		if slices.Contains(ids, t.ID) {
			m.pending = append(m.pending, pendingAction{action: t, versions: versions})
		}
	}
	m.removeLocal(ids)
}

var errDiverged = errors.New("local state diverged from the server")

// IsDiverged reports whether err from CheckNow means the local document
// was corrected from the server.
func IsDiverged(err error) bool {
	return errors.Is(err, errDiverged)
}

func (m *Manager) apply(doc document.Document, tagged []actions.Tagged) document.Document {
	if len(tagged) == 0 {
		return doc
	}
	next, err := m.reducer.ApplyActions(doc, actions.Unwrap(tagged)...)
	if err != nil {
		glog.Warningf("Applying %d actions: %v", len(tagged), err)
		return doc
	}
	return next
}

func (m *Manager) setStateLocked(doc document.Document) {
	m.state = doc
}

func (m *Manager) removeLocal(ids []string) {
	if len(ids) == 0 {
		return
	}
	m.local = slices.DeleteFunc(m.local, func(t actions.Tagged) bool {
		return slices.Contains(ids, t.ID)
	})
}

func (m *Manager) queueCheckLocked() {
	m.waitingForCheck = actions.NewID()
	if m.checkTimer != nil {
		m.checkTimer.Stop()
	}
	m.checkTimer = m.sched.AfterFunc(m.checkDebounce, func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		m.checkTimer = nil
		if m.waitingForCheck == "" {
			return
		}
		if err := m.sendCheckLocked(); err != nil {
			glog.Warningf("Sending check: %v", err)
		}
	})
}

func (m *Manager) sendCheckLocked() error {
	req, err := syncproto.NewRequest(syncproto.ActionCheck, m.session, document.HashDocument(m.state))
	if err != nil {
		return err
	}
	req.CheckID = m.waitingForCheck
	return m.sendRaw(req)
}

func (m *Manager) resolveChecksLocked(err error) {
	for _, done := range m.checkWaiters {
		done <- err
	}
	m.checkWaiters = nil
}

func (m *Manager) requestStateLocked() error {
	m.requestingState = true
	return m.send(syncproto.ActionRequest, nil)
}

func (m *Manager) send(action string, data any) error {
	if m.session == "" {
		glog.Warningf("Disconnected from session, not sending %s", action)
		return ErrNoSession
	}
	req, err := syncproto.NewRequest(action, m.session, data)
	if err != nil {
		return err
	}
	return m.sendRaw(req)
}

func (m *Manager) sendRaw(req syncproto.Request) error {
	msg, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("encode %s: %w", req.Action, err)
	}
	if err := m.transport.Send(msg); err != nil {
		glog.Warningf("Failed to send %s: %v", req.Action, err)
		return err
	}
	return nil
}

// changed returns a callback reporting the current document.
func (m *Manager) changed() func() {
	if m.onChange == nil {
		return func() {}
	}
	doc := m.state.Copy()
	return func() { m.onChange(doc) }
}

func (m *Manager) reportError(message string) func() {
	if m.onError == nil {
		return func() {}
	}
	return func() { m.onError(message) }
}

func (m *Manager) progress(p *syncproto.Progress) func() {
	if p == nil {
		return func() {}
	}
	ls := slices.Clone(m.listeners[progressKey{id: p.ID, typ: p.Type}])
	progress := *p
	return func() {
		for _, l := range ls {
			l.fn(progress)
		}
	}
}

func sameDocument(a, b document.Document) bool {
	return document.Diff(a, b) == nil
}
