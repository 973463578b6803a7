// Package store is the access-scoped data gateway. All persistence goes
// through one of two lanes, selected explicitly per call site:
//
//   - SandboxLane: tenant-scoped. Every statement is conjoined with a
//     tenant predicate bound as an explicit parameter. Writes that would
//     land outside the lane's tenant fail with ErrCrossTenantViolation.
//   - PrivilegedLane: inherently cross-tenant operations (trigger
//     bookkeeping, membership bootstrap). No automatic filtering; callers
//     pass tenant ids as data values.
//
// Tenant scoping is never carried in settable connection state: the pool
// reuses physical connections across unrelated requests, so the only safe
// mechanism is a bound parameter on every statement.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib" // PostgreSQL driver.
	_ "github.com/mattn/go-sqlite3"    // SQLite driver.
	"log/slog"
)

// ErrCrossTenantViolation reports an attempted or detected isolation breach.
// Always fatal to the operation, always logged at error level, never
// silently corrected.
var ErrCrossTenantViolation = errors.New("cross-tenant violation")

// Backend identifies the database backend type.
type Backend string

const (
	BackendSQLite   Backend = "sqlite"
	BackendPostgres Backend = "postgres"
)

// Config holds store configuration.
type Config struct {
	// Backend is "sqlite" (default, zero configuration) or "postgres".
	Backend string `yaml:"backend"`

	// Path is the database file path (sqlite).
	Path string `yaml:"path"`

	// Postgres connection settings.
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Database string `yaml:"database"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	SSLMode  string `yaml:"ssl_mode"`

	// Pool settings (postgres).
	MaxOpenConns int `yaml:"max_open_conns"`
	MaxIdleConns int `yaml:"max_idle_conns"`
}

// DefaultConfig returns the zero-configuration sqlite store.
func DefaultConfig() Config {
	return Config{
		Backend: string(BackendSQLite),
		Path:    "./data/hiveclaw.db",
	}
}

// Store wraps the database connection and hands out lanes.
type Store struct {
	db      *sql.DB
	backend Backend
	logger  *slog.Logger
}

// Open opens the configured backend, creates the schema (idempotent), and
// verifies connectivity.
func Open(cfg Config, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "store")

	var (
		db      *sql.DB
		backend Backend
		err     error
	)

	switch Backend(cfg.Backend) {
	case BackendPostgres:
		db, err = openPostgres(cfg)
		backend = BackendPostgres
	case BackendSQLite, Backend(""):
		db, err = openSQLite(cfg.Path)
		backend = BackendSQLite
	default:
		return nil, fmt.Errorf("unknown store backend %q", cfg.Backend)
	}
	if err != nil {
		return nil, err
	}

	s := &Store{db: db, backend: backend, logger: logger}

	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}

	logger.Info("store opened", "backend", backend)
	return s, nil
}

func openSQLite(path string) (*sql.DB, error) {
	if path == "" {
		path = "./data/hiveclaw.db"
	}
	if dir := filepath.Dir(path); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create database directory %q: %w", dir, err)
		}
	}

	dsn := path + "?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=ON"
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database %q: %w", path, err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return db, nil
}

func openPostgres(cfg Config) (*sql.DB, error) {
	if cfg.Host == "" {
		cfg.Host = "localhost"
	}
	if cfg.Port == 0 {
		cfg.Port = 5432
	}
	if cfg.SSLMode == "" {
		cfg.SSLMode = "disable"
	}
	if cfg.MaxOpenConns == 0 {
		cfg.MaxOpenConns = 25
	}
	if cfg.MaxIdleConns == 0 {
		cfg.MaxIdleConns = 10
	}

	dsn := fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		cfg.Host, cfg.Port, cfg.User, cfg.Password, cfg.Database, cfg.SSLMode)

	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(30 * time.Minute)
	db.SetConnMaxIdleTime(5 * time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return db, nil
}

// migrate applies the backend schema (idempotent via IF NOT EXISTS).
func (s *Store) migrate() error {
	schema := sqliteSchema
	if s.backend == BackendPostgres {
		schema = postgresSchema
	}
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}

// Close closes the underlying connection pool.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping checks connectivity.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Sandbox returns the tenant-scoped lane for the resolved tenant.
func (s *Store) Sandbox(tenantID TenantID) *SandboxLane {
	return &SandboxLane{
		store:    s,
		tenantID: tenantID,
		logger:   s.logger.With("lane", "sandbox"),
	}
}

// Privileged returns the cross-tenant lane. Restricted to a short, audited
// set of call sites: scheduler bookkeeping and membership bootstrap.
func (s *Store) Privileged() *PrivilegedLane {
	return &PrivilegedLane{
		store:  s,
		logger: s.logger.With("lane", "privileged"),
	}
}

// rebind converts "?" placeholders to "$n" for the postgres backend.
func (s *Store) rebind(query string) string {
	if s.backend != BackendPostgres {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// timeLayout is a fixed-width UTC timestamp format so that lexicographic
// ordering of the stored TEXT matches chronological ordering.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) time.Time {
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		// Older rows may carry plain RFC3339.
		t, _ = time.Parse(time.RFC3339, s)
	}
	return t
}
