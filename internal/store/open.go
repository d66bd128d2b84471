package store

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"

	_ "github.com/duckdb/duckdb-go/v2"
	_ "github.com/jackc/pgx/v5/stdlib"
	_ "modernc.org/sqlite"
)

// Supported dialects.
const (
	DialectDuckDB   = "duckdb"
	DialectSQLite   = "sqlite"
	DialectPostgres = "postgres"
)

// Config selects a dialect and its connection string.
type Config struct {
	Driver       string
	DSN          string
	QueryTimeout time.Duration
	MaxOpenConns int
}

// Open connects to the configured dialect and applies pending migrations.
func Open(ctx context.Context, cfg Config) (*SQLStore, error) {
	dialect := strings.ToLower(strings.TrimSpace(cfg.Driver))
	var (
		db  *sqlx.DB
		err error
	)
	switch dialect {
	case "", DialectDuckDB:
		dialect = DialectDuckDB
		db, err = openDuckDB(cfg.DSN)
	case DialectSQLite:
		db, err = openSQLite(ctx, cfg.DSN)
	case DialectPostgres:
		db, err = openPostgres(cfg.DSN)
	default:
		return nil, fmt.Errorf("unsupported store driver %q", cfg.Driver)
	}
	if err != nil {
		return nil, err
	}
	if cfg.MaxOpenConns > 0 && dialect != DialectSQLite {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}

	if _, err := NewMigrator(db, dialect).Run(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate %s: %w", dialect, err)
	}

	qt := cfg.QueryTimeout
	if qt <= 0 {
		qt = defaultQueryTimeout
	}
	return &SQLStore{db: db, dialect: dialect, QueryTimeout: qt}, nil
}

// openDuckDB opens a file database, or an in-memory one for an empty path.
func openDuckDB(path string) (*sqlx.DB, error) {
	if path != "" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("create duckdb dir: %w", err)
		}
	}
	db, err := sqlx.Open("duckdb", path)
	if err != nil {
		return nil, fmt.Errorf("open duckdb: %w", err)
	}
	return db, nil
}

// openSQLite uses a single connection so an in-memory database survives
// across calls and writers never contend for the file lock.
func openSQLite(ctx context.Context, path string) (*sqlx.DB, error) {
	dsn := path
	if dsn == "" {
		dsn = ":memory:"
	} else if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create sqlite dir: %w", err)
	}
	db, err := sqlx.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)

	if dsn != ":memory:" {
		if _, err := db.ExecContext(ctx, "PRAGMA journal_mode=WAL"); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("sqlite WAL: %w", err)
		}
	}
	if _, err := db.ExecContext(ctx, "PRAGMA busy_timeout=5000"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite busy_timeout: %w", err)
	}
	return db, nil
}

func openPostgres(dsn string) (*sqlx.DB, error) {
	if dsn == "" {
		return nil, fmt.Errorf("postgres dsn is required")
	}
	db, err := sqlx.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	return db, nil
}
