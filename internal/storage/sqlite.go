package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"
	_ "modernc.org/sqlite"

	"github.com/mpataki/levelup/internal/logging"
)

var (
	ErrRunNotFound          = errors.New("run not found")
	ErrActiveRunConflict    = errors.New("ticket already has an active run")
	ErrCheckpointNotFound   = errors.New("checkpoint request not found")
	ErrCheckpointNotPending = errors.New("checkpoint request is not pending")
)

// SchemaVersionError means the database was written by a newer levelup.
type SchemaVersionError struct {
	Found     int
	Supported int
}

func (e *SchemaVersionError) Error() string {
	return fmt.Sprintf("state database schema version %d is newer than this build supports (%d): upgrade levelup", e.Found, e.Supported)
}

const timeLayout = "2006-01-02T15:04:05.000000000Z"

// Storage is the shared state file. Every process opens its own pool against
// the same file; WAL mode lets them read while one writes.
type Storage struct {
	db     *sql.DB
	path   string
	pid    int
	logger *logging.Logger
}

func New(ctx context.Context, dbPath string, logger *logging.Logger) (*Storage, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("create state directory: %w", err)
	}

	db, err := sql.Open("sqlite", dsn(dbPath))
	if err != nil {
		return nil, err
	}

	s := &Storage{
		db:     db,
		path:   dbPath,
		pid:    os.Getpid(),
		logger: logging.OrNop(logger).Named("storage"),
	}
	applied, err := s.Migrate(ctx)
	if err != nil {
		db.Close()
		return nil, err
	}
	if applied > 0 {
		s.logger.Info(ctx, "applied schema migrations", zap.Int("count", applied), zap.String("path", dbPath))
	}
	return s, nil
}

func dsn(path string) string {
	pragmas := []string{
		"_pragma=journal_mode(WAL)",
		"_pragma=busy_timeout(5000)",
		"_pragma=foreign_keys(1)",
		"_txlock=immediate",
	}
	// The path is escaped so '?' or '#' in a directory name stay part of it.
	// A relative path would be read as the URI authority.
	if abs, err := filepath.Abs(path); err == nil {
		path = abs
	}
	u := url.URL{Scheme: "file", Path: filepath.ToSlash(path), RawQuery: strings.Join(pragmas, "&")}
	return u.String()
}

func (s *Storage) Close() error {
	return s.db.Close()
}

func (s *Storage) Path() string {
	return s.path
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) (time.Time, error) {
	return time.Parse(timeLayout, s)
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
