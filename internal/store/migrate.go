package store

import (
	"context"
	"embed"
	"fmt"
	"io/fs"
	"path"
	"sort"
	"strconv"
	"strings"

	"github.com/jmoiron/sqlx"
)

//go:embed migrations/*/*.sql
var migrationFS embed.FS

type migration struct {
	version int
	name    string
	stmts   []string
}

// Migrator applies the embedded, versioned schema for one dialect.
type Migrator struct {
	db      *sqlx.DB
	dialect string
}

// NewMigrator creates a migrator for db using the migrations of dialect.
func NewMigrator(db *sqlx.DB, dialect string) *Migrator {
	return &Migrator{db: db, dialect: dialect}
}

func (m *Migrator) load() ([]migration, error) {
	dir := path.Join("migrations", m.dialect)
	entries, err := fs.ReadDir(migrationFS, dir)
	if err != nil {
		return nil, fmt.Errorf("reading embedded migrations for %s: %w", m.dialect, err)
	}

	var migs []migration
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".sql") {
			continue
		}
		prefix, _, ok := strings.Cut(e.Name(), "_")
		if !ok {
			continue
		}
		ver, err := strconv.Atoi(prefix)
		if err != nil {
			return nil, fmt.Errorf("parsing version from %s: %w", e.Name(), err)
		}
		data, err := migrationFS.ReadFile(path.Join(dir, e.Name()))
		if err != nil {
			return nil, fmt.Errorf("reading %s: %w", e.Name(), err)
		}
		migs = append(migs, migration{version: ver, name: e.Name(), stmts: splitStatements(string(data))})
	}

	sort.Slice(migs, func(i, j int) bool { return migs[i].version < migs[j].version })
	return migs, nil
}

// splitStatements breaks a migration file on semicolons that end a line.
// Migrations must not contain such semicolons inside string literals.
func splitStatements(script string) []string {
	var (
		out []string
		cur strings.Builder
	)
	for _, line := range strings.Split(script, "\n") {
		trimmed := strings.TrimSpace(line)
		if trimmed == "" || strings.HasPrefix(trimmed, "--") {
			continue
		}
		cur.WriteString(line)
		cur.WriteByte('\n')
		if strings.HasSuffix(trimmed, ";") {
			out = append(out, strings.TrimSuffix(strings.TrimSpace(cur.String()), ";"))
			cur.Reset()
		}
	}
	if rest := strings.TrimSpace(cur.String()); rest != "" {
		out = append(out, rest)
	}
	return out
}

func (m *Migrator) bootstrap(ctx context.Context) error {
	_, err := m.db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS schema_migrations (
		version    INTEGER PRIMARY KEY,
		name       VARCHAR(255) NOT NULL,
		applied_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
	)`)
	return err
}

// Version returns the highest applied migration, or zero.
func (m *Migrator) Version(ctx context.Context) (int, error) {
	if err := m.bootstrap(ctx); err != nil {
		return 0, fmt.Errorf("bootstrap schema_migrations: %w", err)
	}
	var v *int64
	if err := m.db.GetContext(ctx, &v, "SELECT MAX(version) FROM schema_migrations"); err != nil {
		return 0, err
	}
	if v == nil {
		return 0, nil
	}
	return int(*v), nil
}

// Run applies all pending migrations in order, one transaction each.
func (m *Migrator) Run(ctx context.Context) (applied int, err error) {
	migs, err := m.load()
	if err != nil {
		return 0, err
	}
	current, err := m.Version(ctx)
	if err != nil {
		return 0, fmt.Errorf("reading applied version: %w", err)
	}

	record := m.db.Rebind("INSERT INTO schema_migrations (version, name) VALUES (?, ?)")
	for _, mig := range migs {
		if mig.version <= current {
			continue
		}
		tx, err := m.db.BeginTxx(ctx, nil)
		if err != nil {
			return applied, fmt.Errorf("begin tx for %s: %w", mig.name, err)
		}
		for _, stmt := range mig.stmts {
			if _, err := tx.ExecContext(ctx, stmt); err != nil {
				_ = tx.Rollback()
				return applied, fmt.Errorf("executing %s: %w", mig.name, err)
			}
		}
		if _, err := tx.ExecContext(ctx, record, mig.version, mig.name); err != nil {
			_ = tx.Rollback()
			return applied, fmt.Errorf("recording %s: %w", mig.name, err)
		}
		if err := tx.Commit(); err != nil {
			return applied, fmt.Errorf("commit %s: %w", mig.name, err)
		}
		applied++
	}
	return applied, nil
}
