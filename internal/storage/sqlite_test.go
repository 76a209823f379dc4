package storage

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/cboxdk/prefork-manager/internal/config"
	"go.uber.org/zap/zaptest"
)

func newTestStorage(t *testing.T, path string) *SQLiteStorage {
	t.Helper()
	cfg := config.StorageConfig{
		Enabled:      true,
		DatabasePath: path,
		Retention:    config.Duration(time.Hour),
		ConnectionPool: config.ConnectionPoolConfig{
			MaxOpenConns:    4,
			MaxIdleConns:    2,
			ConnMaxLifetime: config.Duration(time.Hour),
		},
	}
	s, err := NewSQLiteStorage(cfg, zaptest.NewLogger(t))
	if err != nil {
		t.Fatalf("Failed to create storage: %v", err)
	}
	t.Cleanup(func() { _ = s.Stop(context.Background()) })
	return s
}

func TestNewSQLiteStorage(t *testing.T) {
	tempDir := t.TempDir()

	tests := []struct {
		name string
		path string
	}{
		{"file database", filepath.Join(tempDir, "events.db")},
		{"nested directory path", filepath.Join(tempDir, "nested", "dir", "events.db")},
		{"in-memory database", ":memory:"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newTestStorage(t, tt.path)

			if err := s.DB().Ping(); err != nil {
				t.Fatalf("Ping failed: %v", err)
			}

			var name string
			err := s.DB().QueryRow("SELECT name FROM sqlite_master WHERE type='table' AND name='events'").Scan(&name)
			if err != nil {
				t.Fatalf("events table missing: %v", err)
			}
		})
	}
}

func TestNewSQLiteStorageIsIdempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "events.db")
	first := newTestStorage(t, path)
	if err := first.Stop(context.Background()); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}
	// Reopening must not fail on the existing schema.
	newTestStorage(t, path)
}

func TestSQLiteStorageStartStop(t *testing.T) {
	s := newTestStorage(t, ":memory:")
	s.cleanupInterval = 10 * time.Millisecond
	ctx := context.Background()

	if err := s.Start(ctx); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if err := s.Start(ctx); err == nil {
		t.Error("Expected error starting twice")
	}

	time.Sleep(30 * time.Millisecond)

	if err := s.Stop(ctx); err != nil {
		t.Errorf("Stop failed: %v", err)
	}
	if err := s.DB().Ping(); err == nil {
		t.Error("Expected closed database after Stop")
	}
}

func TestGetPoolStats(t *testing.T) {
	s := newTestStorage(t, filepath.Join(t.TempDir(), "events.db"))
	stats := s.GetPoolStats()
	if stats.OpenConnections < 1 {
		t.Errorf("Expected an open connection after schema init, got %+v", stats)
	}
}
