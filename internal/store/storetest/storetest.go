// Package storetest holds the behaviour every store.Backend must share.
package storetest

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/go-playground/assert/v2"

	"gihan9a/groupsync/internal/store"
)

// Run exercises a backend created fresh for each subtest.
func Run(t *testing.T, newBackend func(t *testing.T) store.Backend) {
	tests := []struct {
		name string
		fn   func(t *testing.T, b store.Backend)
	}{
		{"CreateAndGet", testCreateAndGet},
		{"CreateExisting", testCreateExisting},
		{"Missing", testMissing},
		{"VersionsIncrement", testVersionsIncrement},
		{"StaleWriteIsAtomic", testStaleWriteIsAtomic},
		{"NewKeys", testNewKeys},
		{"DeletedGroup", testDeletedGroup},
		{"Expiry", testExpiry},
		{"Lock", testLock},
		{"LockMissing", testLockMissing},
		{"ConcurrentWrites", testConcurrentWrites},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := newBackend(t)
			t.Cleanup(func() { _ = b.Close() })
			tt.fn(t, b)
		})
	}
}

// Backends with server side expiry need a base near the real clock.
var base = time.Now().Truncate(time.Millisecond)

func raw(s string) json.RawMessage {
	return json.RawMessage(s)
}

func record(session string) *store.Record {
	return &store.Record{
		Session: session,
		Fields: map[string]store.Versioned{
			"groupType": {Value: raw(`"Bible Study"`)},
			"campuses":  {Value: raw(`["North"]`)},
		},
		Groups: map[string]store.Versioned{
			"unassigned": {Value: raw(`{"id":"unassigned","members":[]}`)},
		},
		ExpiresAt: base.Add(time.Hour),
	}
}

func mustCreate(t *testing.T, b store.Backend, rec *store.Record) {
	t.Helper()
	assert.Equal(t, b.Create(context.Background(), rec, base), nil)
}

func mustGet(t *testing.T, b store.Backend, session string) *store.Record {
	t.Helper()
	rec, err := b.Get(context.Background(), session, base)
	assert.Equal(t, err, nil)
	return rec
}

func testCreateAndGet(t *testing.T, b store.Backend) {
	mustCreate(t, b, record("s1"))

	rec := mustGet(t, b, "s1")
	assert.Equal(t, rec.Session, "s1")
	assert.Equal(t, string(rec.Fields["groupType"].Value), `"Bible Study"`)
	assert.Equal(t, rec.Fields["groupType"].Version, uint64(0))
	assert.Equal(t, string(rec.Groups["unassigned"].Value), `{"id":"unassigned","members":[]}`)
	assert.Equal(t, rec.ExpiresAt.Equal(base.Add(time.Hour)), true)
	assert.Equal(t, rec.LockHolder, "")
}

func testCreateExisting(t *testing.T, b store.Backend) {
	mustCreate(t, b, record("s1"))
	err := b.Create(context.Background(), record("s1"), base)
	assert.Equal(t, errors.Is(err, store.ErrConditionFailed), true)
}

func testMissing(t *testing.T, b store.Backend) {
	ctx := context.Background()
	_, err := b.Get(ctx, "nope", base)
	assert.Equal(t, errors.Is(err, store.ErrNotFound), true)

	err = b.Update(ctx, "nope", store.Write{}, base)
	assert.Equal(t, errors.Is(err, store.ErrNotFound), true)
}

func testVersionsIncrement(t *testing.T, b store.Backend) {
	ctx := context.Background()
	mustCreate(t, b, record("s1"))

	for i := uint64(0); i < 3; i++ {
		err := b.Update(ctx, "s1", store.Write{
			Fields: map[string]store.FieldWrite{"groupType": {Value: raw(`"Small Group"`), Expected: i}},
		}, base)
		assert.Equal(t, err, nil)
	}

	rec := mustGet(t, b, "s1")
	assert.Equal(t, rec.Fields["groupType"].Version, uint64(3))
	assert.Equal(t, string(rec.Fields["groupType"].Value), `"Small Group"`)
	assert.Equal(t, rec.Fields["campuses"].Version, uint64(0))
}

func testStaleWriteIsAtomic(t *testing.T, b store.Backend) {
	ctx := context.Background()
	mustCreate(t, b, record("s1"))
	err := b.Update(ctx, "s1", store.Write{
		Fields: map[string]store.FieldWrite{"campuses": {Value: raw(`["South"]`), Expected: 0}},
	}, base)
	assert.Equal(t, err, nil)

	err = b.Update(ctx, "s1", store.Write{
		Fields: map[string]store.FieldWrite{
			"groupType": {Value: raw(`"Small Group"`), Expected: 0},
			"campuses":  {Value: raw(`["East"]`), Expected: 0},
		},
	}, base)
	assert.Equal(t, errors.Is(err, store.ErrConditionFailed), true)

	rec := mustGet(t, b, "s1")
	assert.Equal(t, string(rec.Fields["groupType"].Value), `"Bible Study"`)
	assert.Equal(t, rec.Fields["groupType"].Version, uint64(0))
	assert.Equal(t, string(rec.Fields["campuses"].Value), `["South"]`)
	assert.Equal(t, rec.Fields["campuses"].Version, uint64(1))
}

func testNewKeys(t *testing.T, b store.Backend) {
	ctx := context.Background()
	mustCreate(t, b, record("s1"))

	err := b.Update(ctx, "s1", store.Write{
		Groups: map[string]store.FieldWrite{"g1": {Value: raw(`{"id":"g1"}`), Expected: 1}},
	}, base)
	assert.Equal(t, errors.Is(err, store.ErrConditionFailed), true)

	err = b.Update(ctx, "s1", store.Write{
		Groups: map[string]store.FieldWrite{"g1": {Value: raw(`{"id":"g1"}`), Expected: 0}},
	}, base)
	assert.Equal(t, err, nil)

	rec := mustGet(t, b, "s1")
	assert.Equal(t, rec.Groups["g1"].Version, uint64(1))
	assert.Equal(t, string(rec.Groups["g1"].Value), `{"id":"g1"}`)
}

func testDeletedGroup(t *testing.T, b store.Backend) {
	ctx := context.Background()
	mustCreate(t, b, record("s1"))
	err := b.Update(ctx, "s1", store.Write{
		Groups: map[string]store.FieldWrite{"unassigned": {Value: nil, Expected: 0}},
	}, base)
	assert.Equal(t, err, nil)

	rec := mustGet(t, b, "s1")
	deleted, ok := rec.Groups["unassigned"]
	assert.Equal(t, ok, true)
	assert.Equal(t, len(deleted.Value), 0)
	assert.Equal(t, deleted.Version, uint64(1))

	err = b.Update(ctx, "s1", store.Write{
		Groups: map[string]store.FieldWrite{"unassigned": {Value: raw(`{"id":"unassigned"}`), Expected: 0}},
	}, base)
	assert.Equal(t, errors.Is(err, store.ErrConditionFailed), true)
}

func testExpiry(t *testing.T, b store.Backend) {
	ctx := context.Background()
	mustCreate(t, b, record("s1"))
	later := base.Add(2 * time.Hour)

	_, err := b.Get(ctx, "s1", later)
	assert.Equal(t, errors.Is(err, store.ErrNotFound), true)
	err = b.Update(ctx, "s1", store.Write{}, later)
	assert.Equal(t, errors.Is(err, store.ErrNotFound), true)

	fresh := record("s1")
	fresh.ExpiresAt = later.Add(time.Hour)
	fresh.Fields["groupType"] = store.Versioned{Value: raw(`"Other"`)}
	assert.Equal(t, b.Create(ctx, fresh, later), nil)

	rec, err := b.Get(ctx, "s1", later)
	assert.Equal(t, err, nil)
	assert.Equal(t, string(rec.Fields["groupType"].Value), `"Other"`)

	err = b.Update(ctx, "s1", store.Write{ExpiresAt: later.Add(48 * time.Hour)}, later)
	assert.Equal(t, err, nil)
	_, err = b.Get(ctx, "s1", later.Add(24*time.Hour))
	assert.Equal(t, err, nil)
}

func testLock(t *testing.T, b store.Backend) {
	ctx := context.Background()
	mustCreate(t, b, record("s1"))
	until := base.Add(time.Minute)

	assert.Equal(t, b.AcquireLock(ctx, "s1", "a", base, until), nil)
	// renewing is allowed
	assert.Equal(t, b.AcquireLock(ctx, "s1", "a", base, until), nil)

	err := b.AcquireLock(ctx, "s1", "b", base.Add(30*time.Second), until)
	assert.Equal(t, errors.Is(err, store.ErrConditionFailed), true)

	err = b.ReleaseLock(ctx, "s1", "b")
	assert.Equal(t, errors.Is(err, store.ErrConditionFailed), true)

	rec := mustGet(t, b, "s1")
	assert.Equal(t, rec.LockHolder, "a")
	assert.Equal(t, rec.LockExpiresAt.Equal(until), true)

	// an expired lock can be taken over
	assert.Equal(t, b.AcquireLock(ctx, "s1", "b", base.Add(2*time.Minute), base.Add(3*time.Minute)), nil)
	err = b.ReleaseLock(ctx, "s1", "a")
	assert.Equal(t, errors.Is(err, store.ErrConditionFailed), true)
	assert.Equal(t, b.ReleaseLock(ctx, "s1", "b"), nil)

	assert.Equal(t, b.AcquireLock(ctx, "s1", "c", base, until), nil)
}

func testLockMissing(t *testing.T, b store.Backend) {
	err := b.AcquireLock(context.Background(), "nope", "a", base, base.Add(time.Minute))
	assert.Equal(t, errors.Is(err, store.ErrNotFound), true)
}

func testConcurrentWrites(t *testing.T, b store.Backend) {
	ctx := context.Background()
	mustCreate(t, b, record("s1"))

	const writers = 8
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		wins    int
		refused int
	)
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := b.Update(ctx, "s1", store.Write{
				Fields: map[string]store.FieldWrite{"groupType": {Value: raw(`"Race"`), Expected: 0}},
			}, base)
			mu.Lock()
			defer mu.Unlock()
			if err == nil {
				wins++
			} else if errors.Is(err, store.ErrConditionFailed) {
				refused++
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, wins, 1)
	assert.Equal(t, refused, writers-1)
	assert.Equal(t, mustGet(t, b, "s1").Fields["groupType"].Version, uint64(1))
}
