// Package store keeps one versioned document per session behind
// conditional writes.
package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"gihan9a/groupsync/pkg/delta"
)

var (
	// ErrNotFound is returned for sessions that do not exist or expired.
	ErrNotFound = errors.New("session not found")
	// ErrConditionFailed is returned when a conditional write is rejected:
	// a version moved, the session already exists, or the lock is held by
	// someone else.
	ErrConditionFailed = errors.New("conditional check failed")
)

// IsRetryable reports whether err means the caller should reload the
// session and try again.
func IsRetryable(err error) bool {
	var conflict *delta.ConflictError
	return errors.Is(err, ErrConditionFailed) || errors.As(err, &conflict)
}

// Versioned is a stored value with its version. A nil Value marks a
// deleted group whose version is still tracked.
type Versioned struct {
	Value   json.RawMessage `json:"value,omitempty"`
	Version uint64          `json:"version"`
}

// Record is the stored form of a session.
type Record struct {
	Session       string               `json:"session"`
	Fields        map[string]Versioned `json:"fields"`
	Groups        map[string]Versioned `json:"groups"`
	ExpiresAt     time.Time            `json:"expiresAt"`
	LockHolder    string               `json:"lockHolder,omitempty"`
	LockExpiresAt time.Time            `json:"lockExpiresAt"`
}

// FieldWrite sets a value if the stored version still equals Expected.
type FieldWrite struct {
	Value    json.RawMessage
	Expected uint64
}

// Write is a conditional update of several fields and groups. It applies
// entirely or not at all.
type Write struct {
	Fields    map[string]FieldWrite
	Groups    map[string]FieldWrite
	ExpiresAt time.Time
}

// Expired reports whether the record's TTL has elapsed at now.
func (r *Record) Expired(now time.Time) bool {
	return !r.ExpiresAt.IsZero() && !now.Before(r.ExpiresAt)
}

// Check verifies every condition of w against r.
func (r *Record) Check(w Write) error {
	for name, fw := range w.Fields {
		if err := checkVersion(r.Fields, name, fw.Expected); err != nil {
			return fmt.Errorf("field %s: %w", name, err)
		}
	}
	for id, fw := range w.Groups {
		if err := checkVersion(r.Groups, id, fw.Expected); err != nil {
			return fmt.Errorf("group %s: %w", id, err)
		}
	}
	return nil
}

// A key that was never written passes only when the writer expects 0.
func checkVersion(m map[string]Versioned, key string, expected uint64) error {
	cur, ok := m[key]
	if !ok {
		if expected != 0 {
			return ErrConditionFailed
		}
		return nil
	}
	if cur.Version != expected {
		return ErrConditionFailed
	}
	return nil
}

// Apply checks w and, if every condition holds, writes each value with its
// version incremented by one.
func (r *Record) Apply(w Write) error {
	if err := r.Check(w); err != nil {
		return err
	}
	if r.Fields == nil {
		r.Fields = make(map[string]Versioned)
	}
	if r.Groups == nil {
		r.Groups = make(map[string]Versioned)
	}
	for name, fw := range w.Fields {
		r.Fields[name] = Versioned{Value: fw.Value, Version: fw.Expected + 1}
	}
	for id, fw := range w.Groups {
		r.Groups[id] = Versioned{Value: fw.Value, Version: fw.Expected + 1}
	}
	if !w.ExpiresAt.IsZero() {
		r.ExpiresAt = w.ExpiresAt
	}
	return nil
}

// Lock takes the session lock for holder until the given time. It fails if
// another holder's lock has not expired.
func (r *Record) Lock(holder string, now, until time.Time) error {
	if r.LockHolder != "" && r.LockHolder != holder && !r.LockExpiresAt.Before(now) {
		return ErrConditionFailed
	}
	r.LockHolder = holder
	r.LockExpiresAt = until
	return nil
}

// Unlock clears the lock if holder still owns it.
func (r *Record) Unlock(holder string) error {
	if r.LockHolder != holder {
		return ErrConditionFailed
	}
	r.LockHolder = ""
	r.LockExpiresAt = time.Time{}
	return nil
}

// Clone returns a deep copy of r.
func (r *Record) Clone() *Record {
	out := *r
	out.Fields = cloneVersioned(r.Fields)
	out.Groups = cloneVersioned(r.Groups)
	return &out
}

func cloneVersioned(in map[string]Versioned) map[string]Versioned {
	out := make(map[string]Versioned, len(in))
	for k, v := range in {
		if v.Value != nil {
			v.Value = append(json.RawMessage(nil), v.Value...)
		}
		out[k] = v
	}
	return out
}
