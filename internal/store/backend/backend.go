// Package backend opens the store backend named by the configuration.
package backend

import (
	"context"
	"fmt"

	"github.com/golang/glog"

	"gihan9a/groupsync/internal/config"
	"gihan9a/groupsync/internal/store"
	"gihan9a/groupsync/internal/store/boltstore"
	"gihan9a/groupsync/internal/store/memory"
	"gihan9a/groupsync/internal/store/redisstore"
	"gihan9a/groupsync/internal/store/sqlstore"
)

// Open connects to the configured backend.
func Open(ctx context.Context, cfg config.StoreConfig) (store.Backend, error) {
	glog.Infof("Opening %s session store", cfg.Backend)
	switch cfg.Backend {
	case config.BackendMemory:
		return memory.New(), nil
	case config.BackendBolt:
		b, err := boltstore.Open(cfg.Path)
		if err != nil {
			return nil, err
		}
		return b, nil
	case config.BackendRedis:
		b, err := redisstore.Dial(ctx, cfg.Addr, cfg.Prefix)
		if err != nil {
			return nil, err
		}
		return b, nil
	case config.BackendSQLite:
		b, err := sqlstore.OpenSQLite(ctx, cfg.Path)
		if err != nil {
			return nil, err
		}
		return b, nil
	case config.BackendPostgres:
		b, err := sqlstore.OpenPostgres(ctx, cfg.DSN)
		if err != nil {
			return nil, err
		}
		return b, nil
	}
	return nil, fmt.Errorf("unknown store backend %q", cfg.Backend)
}

// OpenStore opens the backend and wraps it with the configured TTLs.
func OpenStore(ctx context.Context, cfg config.StoreConfig) (*store.Store, error) {
	b, err := Open(ctx, cfg)
	if err != nil {
		return nil, err
	}
	var opts []store.Option
	if cfg.SessionTTL > 0 {
		opts = append(opts, store.WithTTL(cfg.SessionTTL))
	}
	if cfg.LockTTL > 0 {
		opts = append(opts, store.WithLockTTL(cfg.LockTTL))
	}
	return store.New(b, opts...), nil
}
