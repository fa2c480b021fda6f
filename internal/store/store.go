package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sort"
	"time"

	"github.com/golang/glog"

	"gihan9a/groupsync/pkg/delta"
	"gihan9a/groupsync/pkg/document"
	"gihan9a/groupsync/pkg/syncproto"
)

const (
	DefaultTTL     = 30 * 24 * time.Hour
	DefaultLockTTL = time.Minute
)

// Backend persists records. Every mutating call is atomic: it either
// applies completely or fails with ErrConditionFailed or ErrNotFound.
type Backend interface {
	io.Closer
	// Create stores rec unless a live record already exists.
	Create(ctx context.Context, rec *Record, now time.Time) error
	// Get returns the live record for session.
	Get(ctx context.Context, session string, now time.Time) (*Record, error)
	// Update applies w to the live record for session.
	Update(ctx context.Context, session string, w Write, now time.Time) error
	AcquireLock(ctx context.Context, session, holder string, now, until time.Time) error
	ReleaseLock(ctx context.Context, session, holder string) error
}

// Versions are the stored versions of a session's fields and groups.
type Versions struct {
	Fields map[string]uint64
	Groups map[string]uint64
}

// Session is a loaded document with the versions it was read at.
type Session struct {
	ID       string
	Document document.Document
	Versions Versions
}

// VersionVector returns the session versions in field order. Fields
// outside p are reported as 0 and groups are limited to those p selects.
func (s *Session) VersionVector(p *document.Projection) syncproto.VersionVector {
	out := make(syncproto.VersionVector, 0, len(document.Fields))
	for _, name := range document.Fields {
		if name != document.FieldGroups {
			if p.HasField(name) {
				out = append(out, syncproto.Counter(s.Versions.Fields[name]))
			} else {
				out = append(out, syncproto.Counter(0))
			}
			continue
		}
		if !p.HasField(name) {
			out = append(out, syncproto.Counter(0))
			continue
		}
		keys := make(map[string]uint64)
		for id, v := range s.Versions.Groups {
			if p.HasGroup(id) {
				keys[id] = v
			}
		}
		out = append(out, syncproto.Keyed(keys))
	}
	return out
}

// Option configures a Store.
type Option func(*Store)

// WithTTL sets how long an untouched session lives.
func WithTTL(d time.Duration) Option {
	return func(s *Store) { s.ttl = d }
}

// WithLockTTL sets how long an external lock is held before it expires.
func WithLockTTL(d time.Duration) Option {
	return func(s *Store) { s.lockTTL = d }
}

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// Store implements the session protocol on top of a Backend.
type Store struct {
	backend Backend
	ttl     time.Duration
	lockTTL time.Duration
	now     func() time.Time
}

// New returns a store that keeps sessions in backend.
func New(backend Backend, opts ...Option) *Store {
	s := &Store{
		backend: backend,
		ttl:     DefaultTTL,
		lockTTL: DefaultLockTTL,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Store) Close() error {
	return s.backend.Close()
}

// Create starts a session from the default document overlaid with
// initial. All versions start at 0. It fails with ErrConditionFailed if the
// session exists.
func (s *Store) Create(ctx context.Context, id string, initial *document.Partial) (*Session, error) {
	doc := document.NewSessionState()
	if initial != nil {
		doc = document.Merge(doc, *initial)
	}
	doc = doc.Sanitize().Normalize()

	now := s.now()
	rec := &Record{
		Session:   id,
		Fields:    make(map[string]Versioned),
		Groups:    make(map[string]Versioned),
		ExpiresAt: now.Add(s.ttl),
	}
	sess := &Session{
		ID:       id,
		Document: doc,
		Versions: Versions{Fields: make(map[string]uint64), Groups: make(map[string]uint64)},
	}
	for _, name := range document.Fields {
		if name == document.FieldGroups {
			continue
		}
		raw, err := encodeField(doc, name)
		if err != nil {
			return nil, err
		}
		rec.Fields[name] = Versioned{Value: raw}
		sess.Versions.Fields[name] = 0
	}
	for gid, g := range doc.Groups {
		raw, err := json.Marshal(g)
		if err != nil {
			return nil, fmt.Errorf("encode group %s: %w", gid, err)
		}
		rec.Groups[gid] = Versioned{Value: raw}
		sess.Versions.Groups[gid] = 0
	}

	if err := s.backend.Create(ctx, rec, now); err != nil {
		return nil, fmt.Errorf("create session %s: %w", id, err)
	}
	glog.V(1).Infof("Created session %s", id)
	return sess, nil
}

// Load reads the current document and versions of a session.
func (s *Store) Load(ctx context.Context, id string) (*Session, error) {
	rec, err := s.backend.Get(ctx, id, s.now())
	if err != nil {
		return nil, fmt.Errorf("load session %s: %w", id, err)
	}
	return decodeRecord(rec)
}

func decodeRecord(rec *Record) (*Session, error) {
	sess := &Session{
		ID: rec.Session,
		Versions: Versions{
			Fields: make(map[string]uint64, len(rec.Fields)),
			Groups: make(map[string]uint64, len(rec.Groups)),
		},
	}
	for name, v := range rec.Fields {
		if !document.IsField(name) || name == document.FieldGroups {
			glog.Warningf("Session %s has unknown field %q", rec.Session, name)
			continue
		}
		if err := sess.Document.SetField(name, v.Value); err != nil {
			return nil, fmt.Errorf("session %s: %w", rec.Session, err)
		}
		sess.Versions.Fields[name] = v.Version
	}
	sess.Document.Groups = make(map[string]document.Group, len(rec.Groups))
	for id, v := range rec.Groups {
		sess.Versions.Groups[id] = v.Version
		if v.Value == nil {
			continue
		}
		var g document.Group
		if err := json.Unmarshal(v.Value, &g); err != nil {
			return nil, fmt.Errorf("session %s: decode group %s: %w", rec.Session, id, err)
		}
		sess.Document.Groups[id] = g
	}
	sess.Document = sess.Document.Normalize()
	return sess, nil
}

// ApplyDiff patches the session document with d and persists every field
// and group it touches, conditional on the versions sess was loaded at. On
// success sess holds the new document and versions. A rejected write
// leaves sess unchanged and returns an error for which IsRetryable holds.
func (s *Store) ApplyDiff(ctx context.Context, sess *Session, d delta.Delta) error {
	if d == nil {
		return nil
	}
	patched, err := document.Patch(sess.Document, d)
	if err != nil {
		return fmt.Errorf("patch session %s: %w", sess.ID, err)
	}
	next := patched.Sanitize().Normalize()
	proj := document.ProjectionFromDelta(d)

	w := Write{
		Fields:    make(map[string]FieldWrite),
		Groups:    make(map[string]FieldWrite),
		ExpiresAt: s.now().Add(s.ttl),
	}
	for _, name := range document.Fields {
		if name == document.FieldGroups || !proj.HasField(name) {
			continue
		}
		raw, err := encodeField(next, name)
		if err != nil {
			return err
		}
		w.Fields[name] = FieldWrite{Value: raw, Expected: sess.Versions.Fields[name]}
	}
	for _, id := range touchedGroups(proj, sess.Document, next) {
		fw := FieldWrite{Expected: sess.Versions.Groups[id]}
		if g, ok := next.Groups[id]; ok {
			raw, err := json.Marshal(g)
			if err != nil {
				return fmt.Errorf("encode group %s: %w", id, err)
			}
			fw.Value = raw
		}
		w.Groups[id] = fw
	}

	if err := s.backend.Update(ctx, sess.ID, w, s.now()); err != nil {
		return fmt.Errorf("update session %s: %w", sess.ID, err)
	}

	sess.Document = next
	for name := range w.Fields {
		sess.Versions.Fields[name]++
	}
	for id := range w.Groups {
		sess.Versions.Groups[id]++
	}
	return nil
}

func touchedGroups(p *document.Projection, before, after document.Document) []string {
	if !p.AllGroups {
		return p.GroupIDs()
	}
	seen := make(map[string]bool)
	for id := range before.Groups {
		seen[id] = true
	}
	for id := range after.Groups {
		seen[id] = true
	}
	ids := make([]string, 0, len(seen))
	for id := range seen {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// AcquireLock takes or renews the session lock for holder. It returns
// false without error when someone else holds it.
func (s *Store) AcquireLock(ctx context.Context, id, holder string) (bool, error) {
	now := s.now()
	err := s.backend.AcquireLock(ctx, id, holder, now, now.Add(s.lockTTL))
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, ErrConditionFailed):
		return false, nil
	}
	return false, fmt.Errorf("lock session %s: %w", id, err)
}

// ReleaseLock gives up the session lock. Releasing a lock holder no longer
// owns is not an error.
func (s *Store) ReleaseLock(ctx context.Context, id, holder string) error {
	err := s.backend.ReleaseLock(ctx, id, holder)
	if errors.Is(err, ErrConditionFailed) || errors.Is(err, ErrNotFound) {
		glog.V(1).Infof("Lock on %s no longer held by %s", id, holder)
		return nil
	}
	if err != nil {
		return fmt.Errorf("unlock session %s: %w", id, err)
	}
	return nil
}

func encodeField(doc document.Document, name string) (json.RawMessage, error) {
	v, err := doc.Field(name)
	if err != nil {
		return nil, err
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode field %s: %w", name, err)
	}
	return raw, nil
}
