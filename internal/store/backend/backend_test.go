package backend

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-playground/assert/v2"

	"gihan9a/groupsync/internal/config"
	"gihan9a/groupsync/pkg/document"
)

func TestOpenStore(t *testing.T) {
	mr := miniredis.RunT(t)
	dir := t.TempDir()

	tests := []config.StoreConfig{
		{Backend: config.BackendMemory},
		{Backend: config.BackendBolt, Path: filepath.Join(dir, "sessions.db")},
		{Backend: config.BackendRedis, Addr: mr.Addr(), Prefix: "test:"},
		{Backend: config.BackendSQLite, Path: filepath.Join(dir, "sessions.sqlite")},
	}
	for _, cfg := range tests {
		t.Run(cfg.Backend, func(t *testing.T) {
			ctx := context.Background()
			s, err := OpenStore(ctx, cfg)
			assert.Equal(t, err, nil)
			defer s.Close()

			_, err = s.Create(ctx, "s1", nil)
			assert.Equal(t, err, nil)
			sess, err := s.Load(ctx, "s1")
			assert.Equal(t, err, nil)
			assert.Equal(t, sess.Document, document.NewSessionState().Normalize())
		})
	}
}

func TestOpenUnknown(t *testing.T) {
	_, err := Open(context.Background(), config.StoreConfig{Backend: "floppy"})
	assert.NotEqual(t, err, nil)
}
