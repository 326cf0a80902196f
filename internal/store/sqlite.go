package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/cenkalti/backoff/v5"
	_ "modernc.org/sqlite"

	"github.com/ashureev/supportchat/internal/domain"
	"github.com/ashureev/supportchat/internal/shared"
)

const writeAttempts = 3

var _ Repository = (*SQLiteStore)(nil)

// SQLiteStore implements Repository using SQLite.
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
	now    func() time.Time
}

// NewSQLite opens (creating if needed) the handle database at dbPath.
func NewSQLite(dbPath string, logger *slog.Logger) (*SQLiteStore, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}

	dsn := dbPath + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(4)
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	s := &SQLiteStore{db: db, logger: logger.With("component", "store"), now: time.Now}
	if err := s.initSchema(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("initialize schema: %w", err)
	}
	return s, nil
}

func (s *SQLiteStore) initSchema() error {
	query := `
	CREATE TABLE IF NOT EXISTS resume_handles (
		identity_key TEXT PRIMARY KEY,
		chat_key TEXT NOT NULL,
		token TEXT NOT NULL,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_resume_handles_updated ON resume_handles(updated_at);
	`
	if _, err := s.db.Exec(query); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}

// Ping verifies database connectivity.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// GetHandle retrieves the handle stored for an identity.
func (s *SQLiteStore) GetHandle(ctx context.Context, identityKey string) (*domain.ResumeHandle, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT chat_key, token FROM resume_handles WHERE identity_key = ?`, identityKey)

	var h domain.ResumeHandle
	err := row.Scan(&h.ChatKey, &h.Token)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan resume handle: %w", err)
	}
	return &h, nil
}

// SaveHandle creates or replaces the handle for an identity.
func (s *SQLiteStore) SaveHandle(ctx context.Context, identityKey string, handle domain.ResumeHandle) error {
	if !handle.Valid() {
		return fmt.Errorf("save resume handle: incomplete handle")
	}
	query := `
	INSERT INTO resume_handles (identity_key, chat_key, token, created_at, updated_at)
	VALUES (?, ?, ?, ?, ?)
	ON CONFLICT(identity_key) DO UPDATE SET
		chat_key = excluded.chat_key,
		token = excluded.token,
		updated_at = excluded.updated_at`

	now := s.now().Unix()
	return s.retryWrite(ctx, "save resume handle", identityKey, func() error {
		_, err := s.db.ExecContext(ctx, query, identityKey, handle.ChatKey, handle.Token, now, now)
		return err
	})
}

// DeleteHandle removes the handle for an identity.
func (s *SQLiteStore) DeleteHandle(ctx context.Context, identityKey string) error {
	return s.retryWrite(ctx, "delete resume handle", identityKey, func() error {
		_, err := s.db.ExecContext(ctx, `DELETE FROM resume_handles WHERE identity_key = ?`, identityKey)
		return err
	})
}

// PruneHandles removes handles older than ttl.
func (s *SQLiteStore) PruneHandles(ctx context.Context, ttl time.Duration) (int64, error) {
	threshold := s.now().Add(-ttl).Unix()
	result, err := s.db.ExecContext(ctx, `DELETE FROM resume_handles WHERE updated_at < ?`, threshold)
	if err != nil {
		return 0, fmt.Errorf("prune resume handles: %w", err)
	}
	return result.RowsAffected()
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("close database: %w", err)
	}
	return nil
}

// retryWrite retries exec on SQLITE_BUSY with exponential backoff: 100ms, 200ms.
func (s *SQLiteStore) retryWrite(ctx context.Context, op, identityKey string, exec func() error) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 100 * time.Millisecond
	b.Multiplier = 2
	b.RandomizationFactor = 0

	attempt := 0
	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		attempt++
		err := exec()
		if err == nil {
			return struct{}{}, nil
		}
		if !shared.IsSQLiteConflictError(err) {
			return struct{}{}, backoff.Permanent(err)
		}
		s.logger.Debug("SQLite busy, retrying", "op", op, "identity_key", identityKey, "attempt", attempt)
		return struct{}{}, err
	}, backoff.WithBackOff(b), backoff.WithMaxTries(writeAttempts))
	if err != nil {
		return fmt.Errorf("%s after %d attempts: %w", op, attempt, err)
	}
	return nil
}
