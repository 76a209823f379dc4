package storage

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/cboxdk/prefork-manager/internal/config"
	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"
)

const memoryPath = ":memory:"

// SQLiteStorage owns the event journal database
type SQLiteStorage struct {
	config config.StorageConfig
	logger *zap.Logger
	db     *sql.DB
	events *EventStorage

	mu      sync.Mutex
	running bool
	stop    chan struct{}
	done    chan struct{}

	cleanupInterval time.Duration
}

// PoolStats reports connection pool usage
type PoolStats struct {
	OpenConnections int
	InUse           int
	Idle            int
	WaitCount       int64
	WaitDuration    time.Duration
}

// Open opens the database at path with the journal's connection settings.
func Open(path string, pool config.ConnectionPoolConfig) (*sql.DB, error) {
	dsn := fmt.Sprintf("%s?_journal_mode=WAL&_foreign_keys=on&_busy_timeout=10000&_cache_size=10000&_synchronous=NORMAL&_temp_store=MEMORY", path)

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	maxOpen := pool.MaxOpenConns
	// Every connection to :memory: is a separate database.
	if path == memoryPath || maxOpen <= 0 {
		maxOpen = 1
	}
	db.SetMaxOpenConns(maxOpen)
	db.SetMaxIdleConns(pool.MaxIdleConns)
	if path == memoryPath {
		db.SetMaxIdleConns(1)
		db.SetConnMaxLifetime(0)
	} else {
		db.SetConnMaxLifetime(pool.ConnMaxLifetime.Std())
	}

	return db, nil
}

// NewSQLiteStorage opens the journal database and creates its schema
func NewSQLiteStorage(cfg config.StorageConfig, logger *zap.Logger) (*SQLiteStorage, error) {
	if cfg.DatabasePath == "" {
		cfg.DatabasePath = memoryPath
	}
	if cfg.DatabasePath != memoryPath {
		dir := filepath.Dir(cfg.DatabasePath)
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	db, err := Open(cfg.DatabasePath, cfg.ConnectionPool)
	if err != nil {
		return nil, err
	}

	s := &SQLiteStorage{
		config:          cfg,
		logger:          logger,
		db:              db,
		events:          NewEventStorage(db, logger.Named("events")),
		cleanupInterval: time.Hour,
	}

	if err := s.initSchema(context.Background()); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	logger.Info("Event journal opened",
		zap.String("database_path", cfg.DatabasePath),
		zap.Duration("retention", cfg.Retention.Std()))

	return s, nil
}

// Start begins periodic retention cleanup
func (s *SQLiteStorage) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return fmt.Errorf("storage is already running")
	}
	s.running = true
	s.stop = make(chan struct{})
	s.done = make(chan struct{})

	go s.cleanupLoop(ctx, s.stop, s.done)
	return nil
}

// Stop ends the cleanup loop and closes the database
func (s *SQLiteStorage) Stop(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.running = false
		close(s.stop)
		done := s.done
		s.mu.Unlock()

		select {
		case <-done:
		case <-ctx.Done():
		}
	} else {
		s.mu.Unlock()
	}

	s.logger.Debug("Closing event journal")
	return s.db.Close()
}

// Events returns the event journal
func (s *SQLiteStorage) Events() *EventStorage {
	return s.events
}

// DB returns the underlying database connection
func (s *SQLiteStorage) DB() *sql.DB {
	return s.db
}

// GetPoolStats returns current connection pool statistics
func (s *SQLiteStorage) GetPoolStats() PoolStats {
	st := s.db.Stats()
	return PoolStats{
		OpenConnections: st.OpenConnections,
		InUse:           st.InUse,
		Idle:            st.Idle,
		WaitCount:       st.WaitCount,
		WaitDuration:    st.WaitDuration,
	}
}

// Cleanup removes events older than the configured retention
func (s *SQLiteStorage) Cleanup(ctx context.Context) (int64, error) {
	return s.events.CleanupOldEvents(ctx, s.config.Retention.Std())
}

func (s *SQLiteStorage) cleanupLoop(ctx context.Context, stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)

	ticker := time.NewTicker(s.cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-stop:
			return
		case <-ticker.C:
			if _, err := s.Cleanup(ctx); err != nil {
				s.logger.Error("Event cleanup failed", zap.Error(err))
			}
		}
	}
}

// initSchema creates the database schema
func (s *SQLiteStorage) initSchema(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS events (
		id TEXT PRIMARY KEY,
		type TEXT NOT NULL,
		timestamp INTEGER NOT NULL, -- unix nanoseconds, UTC
		grp TEXT,
		summary TEXT NOT NULL,
		details TEXT NOT NULL, -- JSON blob
		correlation_id TEXT,
		severity TEXT NOT NULL,
		created_at INTEGER DEFAULT (strftime('%s', 'now'))
	);

	CREATE INDEX IF NOT EXISTS idx_events_timestamp ON events(timestamp);
	CREATE INDEX IF NOT EXISTS idx_events_grp ON events(grp);
	CREATE INDEX IF NOT EXISTS idx_events_type ON events(type);
	CREATE INDEX IF NOT EXISTS idx_events_severity ON events(severity);
	CREATE INDEX IF NOT EXISTS idx_events_time_grp_type ON events(timestamp, grp, type);
	`

	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to create schema: %w", err)
	}

	s.logger.Debug("Database schema initialized successfully")
	return nil
}
