// Package sqlstore is a SQL store backend running on SQLite or PostgreSQL.
// Each field and group is a row whose version column guards updates.
package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	_ "modernc.org/sqlite"

	"gihan9a/groupsync/internal/store"
)

const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "pgx"

	kindField = "field"
	kindGroup = "group"
)

var schema = []string{
	`CREATE TABLE IF NOT EXISTS sync_sessions (
		session TEXT PRIMARY KEY,
		expires_at BIGINT NOT NULL DEFAULT 0,
		lock_holder TEXT NOT NULL DEFAULT '',
		lock_expires_at BIGINT NOT NULL DEFAULT 0
	)`,
	`CREATE TABLE IF NOT EXISTS sync_fields (
		session TEXT NOT NULL,
		kind TEXT NOT NULL,
		name TEXT NOT NULL,
		value TEXT,
		version BIGINT NOT NULL DEFAULT 0,
		PRIMARY KEY (session, kind, name)
	)`,
}

type Backend struct {
	db     *sql.DB
	driver string
}

// OpenSQLite opens or creates a SQLite database file.
func OpenSQLite(ctx context.Context, path string) (*Backend, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("storage path is required")
	}
	dsn := "file:" + path + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_txlock=immediate"
	db, err := sql.Open(DriverSQLite, dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite store: %w", err)
	}
	db.SetMaxOpenConns(1)
	return open(ctx, db, DriverSQLite)
}

// OpenPostgres connects to PostgreSQL using a pgx connection string.
func OpenPostgres(ctx context.Context, dsn string) (*Backend, error) {
	db, err := sql.Open(DriverPostgres, dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres store: %w", err)
	}
	return open(ctx, db, DriverPostgres)
}

func open(ctx context.Context, db *sql.DB, driver string) (*Backend, error) {
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping %s store: %w", driver, err)
	}
	b := &Backend{db: db, driver: driver}
	for _, stmt := range schema {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("migrate %s store: %w", driver, err)
		}
	}
	return b, nil
}

func (b *Backend) Close() error {
	if b == nil || b.db == nil {
		return nil
	}
	return b.db.Close()
}

// q rewrites ? placeholders to $n for PostgreSQL.
func (b *Backend) q(query string) string {
	if b.driver != DriverPostgres {
		return query
	}
	var sb strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			sb.WriteByte('$')
			sb.WriteString(strconv.Itoa(n))
			continue
		}
		sb.WriteRune(r)
	}
	return sb.String()
}

func (b *Backend) Create(ctx context.Context, rec *store.Record, now time.Time) error {
	return b.inTx(ctx, func(tx *sql.Tx) error {
		expired := b.q(`SELECT session FROM sync_sessions WHERE session = ? AND expires_at > 0 AND expires_at <= ?`)
		var stale string
		err := tx.QueryRowContext(ctx, expired, rec.Session, millis(now)).Scan(&stale)
		switch {
		case err == nil:
			if _, err := tx.ExecContext(ctx, b.q(`DELETE FROM sync_fields WHERE session = ?`), rec.Session); err != nil {
				return err
			}
			if _, err := tx.ExecContext(ctx, b.q(`DELETE FROM sync_sessions WHERE session = ?`), rec.Session); err != nil {
				return err
			}
		case !errors.Is(err, sql.ErrNoRows):
			return err
		}

		res, err := tx.ExecContext(ctx,
			b.q(`INSERT INTO sync_sessions (session, expires_at, lock_holder, lock_expires_at) VALUES (?, ?, ?, ?) ON CONFLICT (session) DO NOTHING`),
			rec.Session, millis(rec.ExpiresAt), rec.LockHolder, millis(rec.LockExpiresAt))
		if err != nil {
			return err
		}
		if n, err := res.RowsAffected(); err != nil {
			return err
		} else if n == 0 {
			return store.ErrConditionFailed
		}

		insert := b.q(`INSERT INTO sync_fields (session, kind, name, value, version) VALUES (?, ?, ?, ?, ?)`)
		for _, kind := range []string{kindField, kindGroup} {
			values := rec.Fields
			if kind == kindGroup {
				values = rec.Groups
			}
			for _, name := range sortedKeys(values) {
				v := values[name]
				if _, err := tx.ExecContext(ctx, insert, rec.Session, kind, name, nullable(v.Value), int64(v.Version)); err != nil {
					return err
				}
			}
		}
		return nil
	})
}

func (b *Backend) Get(ctx context.Context, session string, now time.Time) (*store.Record, error) {
	rec := &store.Record{
		Session: session,
		Fields:  make(map[string]store.Versioned),
		Groups:  make(map[string]store.Versioned),
	}
	var expires, lockExpires int64
	err := b.db.QueryRowContext(ctx,
		b.q(`SELECT expires_at, lock_holder, lock_expires_at FROM sync_sessions WHERE session = ?`), session).
		Scan(&expires, &rec.LockHolder, &lockExpires)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query session: %w", err)
	}
	rec.ExpiresAt = fromMillis(expires)
	rec.LockExpiresAt = fromMillis(lockExpires)
	if rec.Expired(now) {
		return nil, store.ErrNotFound
	}

	rows, err := b.db.QueryContext(ctx,
		b.q(`SELECT kind, name, value, version FROM sync_fields WHERE session = ?`), session)
	if err != nil {
		return nil, fmt.Errorf("query fields: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var (
			kind, name string
			value      sql.NullString
			version    int64
		)
		if err := rows.Scan(&kind, &name, &value, &version); err != nil {
			return nil, fmt.Errorf("scan field: %w", err)
		}
		v := store.Versioned{Version: uint64(version)}
		if value.Valid {
			v.Value = []byte(value.String)
		}
		if kind == kindGroup {
			rec.Groups[name] = v
		} else {
			rec.Fields[name] = v
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("read fields: %w", err)
	}
	return rec, nil
}

func (b *Backend) Update(ctx context.Context, session string, w store.Write, now time.Time) error {
	return b.inTx(ctx, func(tx *sql.Tx) error {
		if err := b.checkLive(ctx, tx, session, now); err != nil {
			return err
		}
		for _, kind := range []string{kindField, kindGroup} {
			writes := w.Fields
			if kind == kindGroup {
				writes = w.Groups
			}
			for _, name := range sortedKeys(writes) {
				if err := b.writeField(ctx, tx, session, kind, name, writes[name]); err != nil {
					return fmt.Errorf("%s %s: %w", kind, name, err)
				}
			}
		}
		if !w.ExpiresAt.IsZero() {
			_, err := tx.ExecContext(ctx, b.q(`UPDATE sync_sessions SET expires_at = ? WHERE session = ?`),
				millis(w.ExpiresAt), session)
			return err
		}
		return nil
	})
}

// writeField performs one versioned write. A key that does not exist yet
// is created at version 0 so the same conditional update covers it.
func (b *Backend) writeField(ctx context.Context, tx *sql.Tx, session, kind, name string, fw store.FieldWrite) error {
	if fw.Expected == 0 {
		_, err := tx.ExecContext(ctx,
			b.q(`INSERT INTO sync_fields (session, kind, name, value, version) VALUES (?, ?, ?, NULL, 0) ON CONFLICT (session, kind, name) DO NOTHING`),
			session, kind, name)
		if err != nil {
			return err
		}
	}
	res, err := tx.ExecContext(ctx,
		b.q(`UPDATE sync_fields SET value = ?, version = version + 1 WHERE session = ? AND kind = ? AND name = ? AND version = ?`),
		nullable(fw.Value), session, kind, name, int64(fw.Expected))
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return store.ErrConditionFailed
	}
	return nil
}

func (b *Backend) AcquireLock(ctx context.Context, session, holder string, now, until time.Time) error {
	return b.inTx(ctx, func(tx *sql.Tx) error {
		if err := b.checkLive(ctx, tx, session, now); err != nil {
			return err
		}
		res, err := tx.ExecContext(ctx,
			b.q(`UPDATE sync_sessions SET lock_holder = ?, lock_expires_at = ? WHERE session = ? AND (lock_holder = '' OR lock_holder = ? OR lock_expires_at < ?)`),
			holder, millis(until), session, holder, millis(now))
		if err != nil {
			return err
		}
		return conditional(res)
	})
}

func (b *Backend) ReleaseLock(ctx context.Context, session, holder string) error {
	return b.inTx(ctx, func(tx *sql.Tx) error {
		if err := b.checkLive(ctx, tx, session, time.Time{}); err != nil {
			return err
		}
		res, err := tx.ExecContext(ctx,
			b.q(`UPDATE sync_sessions SET lock_holder = '', lock_expires_at = 0 WHERE session = ? AND lock_holder = ?`),
			session, holder)
		if err != nil {
			return err
		}
		return conditional(res)
	})
}

// checkLive fails with ErrNotFound unless the session exists and, for a
// non-zero now, has not expired.
func (b *Backend) checkLive(ctx context.Context, tx *sql.Tx, session string, now time.Time) error {
	var expires int64
	err := tx.QueryRowContext(ctx, b.q(`SELECT expires_at FROM sync_sessions WHERE session = ?`), session).Scan(&expires)
	if errors.Is(err, sql.ErrNoRows) {
		return store.ErrNotFound
	}
	if err != nil {
		return err
	}
	if !now.IsZero() && expires > 0 && expires <= millis(now) {
		return store.ErrNotFound
	}
	return nil
}

func (b *Backend) inTx(ctx context.Context, fn func(*sql.Tx) error) error {
	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

func conditional(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return store.ErrConditionFailed
	}
	return nil
}

func nullable(v []byte) any {
	if v == nil {
		return nil
	}
	return string(v)
}

func millis(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func fromMillis(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms)
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
