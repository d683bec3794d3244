// Package storage keeps trust records and the security audit log in SQLite.
package storage

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

const (
	FileName = "peerlink.db"

	DefaultAuditRetention      = 90 * 24 * time.Hour
	DefaultMaintenanceInterval = 24 * time.Hour
)

var (
	// ErrNotFound indicates a requested row does not exist.
	ErrNotFound = errors.New("storage: record not found")
	// ErrClosed is returned by a Store after Close.
	ErrClosed = errors.New("storage: store closed")
)

// schema is applied in order; PRAGMA user_version counts applied steps.
var schema = []struct {
	name string
	stmt string
}{
	{"trusted devices", `
CREATE TABLE trusted_devices (
  device_id             TEXT PRIMARY KEY,
  device_name           TEXT NOT NULL,
  device_type           TEXT NOT NULL,
  certificate_pem       TEXT NOT NULL,
  fingerprint           TEXT NOT NULL,
  paired_at             INTEGER NOT NULL,
  last_seen_at          INTEGER,
  incoming_capabilities TEXT NOT NULL DEFAULT '[]',
  outgoing_capabilities TEXT NOT NULL DEFAULT '[]'
)`},
	{"audit log", `
CREATE TABLE audit_events (
  id        INTEGER PRIMARY KEY AUTOINCREMENT,
  kind      TEXT NOT NULL,
  device_id TEXT NOT NULL DEFAULT '',
  severity  TEXT NOT NULL CHECK(severity IN ('info','warning','critical')),
  details   TEXT NOT NULL DEFAULT '{}',
  at        INTEGER NOT NULL
)`},
	{"audit log indexes", `
CREATE INDEX audit_events_at ON audit_events (at DESC, id DESC);
CREATE INDEX audit_events_device ON audit_events (device_id, at DESC)`},
}

// Store is safe for concurrent use.
type Store struct {
	db   *sql.DB
	path string

	retention time.Duration
	interval  time.Duration

	stop      chan struct{}
	wg        sync.WaitGroup
	closeOnce sync.Once
}

type Option func(*Store)

// WithAuditRetention sets how long audit events are kept. Zero keeps them forever.
func WithAuditRetention(d time.Duration) Option {
	return func(s *Store) { s.retention = d }
}

// WithMaintenanceInterval sets how often the WAL is truncated and old audit
// events are pruned. Zero disables the background pass.
func WithMaintenanceInterval(d time.Duration) Option {
	return func(s *Store) { s.interval = d }
}

// Open opens FileName inside dataDir, creating the directory if needed.
func Open(dataDir string, opts ...Option) (*Store, error) {
	if err := os.MkdirAll(dataDir, 0o700); err != nil {
		return nil, fmt.Errorf("storage: create %s: %w", dataDir, err)
	}
	return OpenFile(filepath.Join(dataDir, FileName), opts...)
}

// OpenFile opens the database at path and brings its schema up to date.
func OpenFile(path string, opts ...Option) (*Store, error) {
	db, err := sql.Open("sqlite3", "file:"+filepath.ToSlash(path)+"?_foreign_keys=on&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("storage: open %s: %w", path, err)
	}

	s := &Store{
		db:        db,
		path:      path,
		retention: DefaultAuditRetention,
		interval:  DefaultMaintenanceInterval,
		stop:      make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}

	for _, step := range []func() error{s.useWAL, s.migrate, s.maintain} {
		if err := step(); err != nil {
			_ = db.Close()
			return nil, err
		}
	}

	if s.interval > 0 {
		s.wg.Add(1)
		go s.maintenanceLoop()
	}
	return s, nil
}

// Path is the database file location.
func (s *Store) Path() string {
	return s.path
}

func (s *Store) Close() error {
	if s == nil {
		return nil
	}
	var err error
	s.closeOnce.Do(func() {
		close(s.stop)
		s.wg.Wait()
		err = s.db.Close()
	})
	return err
}

func (s *Store) closed() bool {
	select {
	case <-s.stop:
		return true
	default:
		return false
	}
}

func (s *Store) useWAL() error {
	var mode string
	if err := s.db.QueryRow("PRAGMA journal_mode=WAL").Scan(&mode); err != nil {
		return fmt.Errorf("storage: enable WAL: %w", err)
	}
	if !strings.EqualFold(mode, "wal") {
		return fmt.Errorf("storage: journal mode is %q, want wal", mode)
	}
	return nil
}

func (s *Store) migrate() error {
	var applied int
	if err := s.db.QueryRow("PRAGMA user_version").Scan(&applied); err != nil {
		return fmt.Errorf("storage: read schema version: %w", err)
	}
	if applied > len(schema) {
		return fmt.Errorf("storage: schema version %d is newer than this build (%d)", applied, len(schema))
	}

	for i := applied; i < len(schema); i++ {
		tx, err := s.db.Begin()
		if err != nil {
			return fmt.Errorf("storage: migrate: %w", err)
		}
		if _, err := tx.Exec(schema[i].stmt); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("storage: migrate %s: %w", schema[i].name, err)
		}
		// PRAGMA does not take bind parameters.
		if _, err := tx.Exec(fmt.Sprintf("PRAGMA user_version = %d", i+1)); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("storage: migrate %s: %w", schema[i].name, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("storage: migrate %s: %w", schema[i].name, err)
		}
	}
	return nil
}

// maintain truncates the WAL and prunes expired audit events.
func (s *Store) maintain() error {
	if _, err := s.db.Exec("PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
		return fmt.Errorf("storage: checkpoint: %w", err)
	}
	if s.retention > 0 {
		if _, err := s.PruneAudit(time.Now().Add(-s.retention)); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) maintenanceLoop() {
	defer s.wg.Done()
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			_ = s.maintain()
		}
	}
}

type rowScanner interface {
	Scan(dest ...any) error
}

func toMillis(t time.Time) sql.NullInt64 {
	if t.IsZero() {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: t.UnixMilli(), Valid: true}
}

func fromMillis(v sql.NullInt64) time.Time {
	if !v.Valid {
		return time.Time{}
	}
	return time.UnixMilli(v.Int64)
}

// expectOne maps a zero-row write to ErrNotFound.
func expectOne(res sql.Result, what string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("storage: %s: %w", what, err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}
