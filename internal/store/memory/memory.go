// Package memory is an in-process store backend for tests and single node
// development.
package memory

import (
	"context"
	"sync"
	"time"

	"gihan9a/groupsync/internal/store"
)

type Backend struct {
	mu      sync.Mutex
	records map[string]*store.Record
}

func New() *Backend {
	return &Backend{records: make(map[string]*store.Record)}
}

func (b *Backend) Create(_ context.Context, rec *store.Record, now time.Time) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if existing, ok := b.records[rec.Session]; ok && !existing.Expired(now) {
		return store.ErrConditionFailed
	}
	b.records[rec.Session] = rec.Clone()
	return nil
}

func (b *Backend) Get(_ context.Context, session string, now time.Time) (*store.Record, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	rec, err := b.live(session, now)
	if err != nil {
		return nil, err
	}
	return rec.Clone(), nil
}

func (b *Backend) Update(_ context.Context, session string, w store.Write, now time.Time) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	rec, err := b.live(session, now)
	if err != nil {
		return err
	}
	return rec.Apply(w)
}

func (b *Backend) AcquireLock(_ context.Context, session, holder string, now, until time.Time) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	rec, err := b.live(session, now)
	if err != nil {
		return err
	}
	return rec.Lock(holder, now, until)
}

func (b *Backend) ReleaseLock(_ context.Context, session, holder string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	rec, ok := b.records[session]
	if !ok {
		return store.ErrNotFound
	}
	return rec.Unlock(holder)
}

func (b *Backend) Close() error {
	return nil
}

func (b *Backend) live(session string, now time.Time) (*store.Record, error) {
	rec, ok := b.records[session]
	if !ok {
		return nil, store.ErrNotFound
	}
	if rec.Expired(now) {
		delete(b.records, session)
		return nil, store.ErrNotFound
	}
	return rec, nil
}
