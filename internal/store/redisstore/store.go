// Package redisstore is a Redis store backend. Records are JSON values
// updated with optimistic WATCH/MULTI transactions and expired by Redis.
package redisstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/golang/glog"
	"github.com/redis/go-redis/v9"

	"gihan9a/groupsync/internal/store"
)

const (
	DefaultPrefix = "groupsync:session:"
	maxTxRetries  = 8
)

type Backend struct {
	rdb    *redis.Client
	prefix string
}

// New wraps an existing client. Keys are prefix + session id.
func New(rdb *redis.Client, prefix string) *Backend {
	if prefix == "" {
		prefix = DefaultPrefix
	}
	return &Backend{rdb: rdb, prefix: prefix}
}

// Dial connects to the Redis server at addr and checks it responds.
func Dial(ctx context.Context, addr, prefix string) (*Backend, error) {
	rdb := redis.NewClient(&redis.Options{Addr: addr})
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("connect to redis at %s: %w", addr, err)
	}
	return New(rdb, prefix), nil
}

func (b *Backend) Client() *redis.Client {
	return b.rdb
}

func (b *Backend) Close() error {
	return b.rdb.Close()
}

func (b *Backend) key(session string) string {
	return b.prefix + session
}

func (b *Backend) Create(ctx context.Context, rec *store.Record, now time.Time) error {
	return b.transact(ctx, rec.Session, func(existing *store.Record) (*store.Record, error) {
		if existing != nil && !existing.Expired(now) {
			return nil, store.ErrConditionFailed
		}
		return rec, nil
	})
}

func (b *Backend) Get(ctx context.Context, session string, now time.Time) (*store.Record, error) {
	data, err := b.rdb.Get(ctx, b.key(session)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	var rec store.Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("unmarshal session: %w", err)
	}
	if rec.Expired(now) {
		return nil, store.ErrNotFound
	}
	return &rec, nil
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

func (b *Backend) mutate(ctx context.Context, session string, now time.Time, fn func(*store.Record) error) error {
	return b.transact(ctx, session, func(rec *store.Record) (*store.Record, error) {
		if rec == nil || (!now.IsZero() && rec.Expired(now)) {
			return nil, store.ErrNotFound
		}
		if err := fn(rec); err != nil {
			return nil, err
		}
		return rec, nil
	})
}

// transact reads the record under WATCH, passes it (nil if absent) to fn
// and writes fn's result in a MULTI block. The block is retried when the
// key changes underneath it.
func (b *Backend) transact(ctx context.Context, session string, fn func(*store.Record) (*store.Record, error)) error {
	key := b.key(session)
	txf := func(tx *redis.Tx) error {
		var current *store.Record
		data, err := tx.Get(ctx, key).Bytes()
		switch {
		case errors.Is(err, redis.Nil):
		case err != nil:
			return err
		default:
			current = &store.Record{}
			if err := json.Unmarshal(data, current); err != nil {
				return fmt.Errorf("unmarshal session: %w", err)
			}
		}

		next, err := fn(current)
		if err != nil {
			return err
		}
		payload, err := json.Marshal(next)
		if err != nil {
			return fmt.Errorf("marshal session: %w", err)
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, payload, 0)
			if !next.ExpiresAt.IsZero() {
				pipe.PExpireAt(ctx, key, next.ExpiresAt)
			}
			return nil
		})
		return err
	}

	for attempt := 0; attempt < maxTxRetries; attempt++ {
		err := b.rdb.Watch(ctx, txf, key)
		if !errors.Is(err, redis.TxFailedErr) {
			return err
		}
		glog.V(2).Infof("Retrying transaction on %s (attempt %d)", key, attempt+1)
	}
	return store.ErrConditionFailed
}
