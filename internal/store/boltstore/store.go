// Package boltstore is a BoltDB store backend for single node deployments.
package boltstore

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"go.etcd.io/bbolt"

	"gihan9a/groupsync/internal/store"
)

const sessionBucket = "sessions"

// Backend keeps one JSON record per session in a single bucket.
type Backend struct {
	db *bbolt.DB
}

// Open opens the database at path, creating it if needed.
func Open(path string) (*Backend, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("storage path is required")
	}

	db, err := bbolt.Open(filepath.Clean(path), 0o600, &bbolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("open storage db: %w", err)
	}
	err = db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists([]byte(sessionBucket))
		return err
	})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create session bucket: %w", err)
	}
	return &Backend{db: db}, nil
}

func (b *Backend) Close() error {
	if b == nil || b.db == nil {
		return nil
	}
	return b.db.Close()
}

func (b *Backend) Create(ctx context.Context, rec *store.Record, now time.Time) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	payload, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal session: %w", err)
	}
	return b.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket([]byte(sessionBucket))
		if existing, err := decode(bucket, rec.Session); err == nil && !existing.Expired(now) {
			return store.ErrConditionFailed
		}
		return bucket.Put([]byte(rec.Session), payload)
	})
}

func (b *Backend) Get(ctx context.Context, session string, now time.Time) (*store.Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var rec *store.Record
	err := b.db.View(func(tx *bbolt.Tx) error {
		var err error
		rec, err = decode(tx.Bucket([]byte(sessionBucket)), session)
		if err != nil {
			return err
		}
		if rec.Expired(now) {
			return store.ErrNotFound
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return rec, nil
}

func (b *Backend) Update(ctx context.Context, session string, w store.Write, now time.Time) error {
	return b.mutate(ctx, session, now, func(rec *store.Record) error {
		return rec.Apply(w)
	})
}

func (b *Backend) AcquireLock(ctx context.Context, session, holder string, now, until time.Time) error {
	return b.mutate(ctx, session, now, func(rec *store.Record) error {
		return rec.Lock(holder, now, until)
	})
}

func (b *Backend) ReleaseLock(ctx context.Context, session, holder string) error {
	return b.mutate(ctx, session, time.Time{}, func(rec *store.Record) error {
		return rec.Unlock(holder)
	})
}

// mutate runs fn on the live record inside a write transaction and stores
// the result. A zero now skips the expiry check.
func (b *Backend) mutate(ctx context.Context, session string, now time.Time, fn func(*store.Record) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return b.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket([]byte(sessionBucket))
		rec, err := decode(bucket, session)
		if err != nil {
			return err
		}
		if !now.IsZero() && rec.Expired(now) {
			return store.ErrNotFound
		}
		if err := fn(rec); err != nil {
			return err
		}
		payload, err := json.Marshal(rec)
		if err != nil {
			return fmt.Errorf("marshal session: %w", err)
		}
		return bucket.Put([]byte(session), payload)
	})
}

func decode(bucket *bbolt.Bucket, session string) (*store.Record, error) {
	if bucket == nil {
		return nil, fmt.Errorf("session bucket is missing")
	}
	payload := bucket.Get([]byte(session))
	if payload == nil {
		return nil, store.ErrNotFound
	}
	var rec store.Record
	if err := json.Unmarshal(payload, &rec); err != nil {
		return nil, fmt.Errorf("unmarshal session: %w", err)
	}
	return &rec, nil
}
