package sqlstore

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/go-playground/assert/v2"

	"gihan9a/groupsync/internal/store"
	"gihan9a/groupsync/internal/store/storetest"
)

func TestSQLite(t *testing.T) {
	storetest.Run(t, func(t *testing.T) store.Backend {
		b, err := OpenSQLite(context.Background(), filepath.Join(t.TempDir(), "sessions.sqlite"))
		if err != nil {
			t.Fatalf("open: %v", err)
		}
		return b
	})
}

func TestPostgres(t *testing.T) {
	dsn := os.Getenv("GROUPSYNC_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("GROUPSYNC_TEST_POSTGRES_DSN not set")
	}
	storetest.Run(t, func(t *testing.T) store.Backend {
		ctx := context.Background()
		b, err := OpenPostgres(ctx, dsn)
		if err != nil {
			t.Fatalf("open: %v", err)
		}
		for _, table := range []string{"sync_fields", "sync_sessions"} {
			if _, err := b.db.ExecContext(ctx, "DELETE FROM "+table); err != nil {
				t.Fatalf("reset %s: %v", table, err)
			}
		}
		return b
	})
}

func TestPlaceholders(t *testing.T) {
	pg := &Backend{driver: DriverPostgres}
	assert.Equal(t, pg.q(`UPDATE t SET a = ? WHERE b = ? AND c = ?`), `UPDATE t SET a = $1 WHERE b = $2 AND c = $3`)

	lite := &Backend{driver: DriverSQLite}
	assert.Equal(t, lite.q(`SELECT ?`), `SELECT ?`)
}
