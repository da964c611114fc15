// Package migrate applies the repo's SQL migration and seed scripts,
// recording what ran in bookkeeping tables so re-runs are idempotent.
package migrate

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

// Default script locations, relative to the directory the migrate command
// runs from.
const (
	DefaultMigrationsDir = "ops/migrations/sql"
	DefaultSeedsDir      = "ops/migrations/seeds"
)

const (
	migrationsTable = "schema_migrations"
	seedsTable      = "schema_seeds"
)

// Runner applies migration and seed scripts against a database. Every script
// runs inside one transaction and is recorded by file name; already-recorded
// scripts are skipped.
type Runner struct {
	db            *sql.DB
	migrationsDir string
	seedsDir      string
}

// New builds a Runner. Empty directories fall back to the repo defaults.
func New(db *sql.DB, migrationsDir, seedsDir string) *Runner {
	if migrationsDir == "" {
		migrationsDir = DefaultMigrationsDir
	}
	if seedsDir == "" {
		seedsDir = DefaultSeedsDir
	}
	return &Runner{db: db, migrationsDir: migrationsDir, seedsDir: seedsDir}
}

// Up applies every pending *.up.sql migration in file-name order.
func (r *Runner) Up(ctx context.Context) error {
	return r.applyPending(ctx, migrationsTable, r.migrationsDir, ".up.sql", "migration")
}

// Seed applies every pending seed script. Seeds are tracked separately from
// migrations so either can run without the other.
func (r *Runner) Seed(ctx context.Context) error {
	return r.applyPending(ctx, seedsTable, r.seedsDir, ".sql", "seed")
}

// Down rolls back the most recently applied migration using its *.down.sql
// counterpart.
func (r *Runner) Down(ctx context.Context) error {
	if err := r.ensureTables(ctx); err != nil {
		return err
	}
	applied, err := r.history(ctx)
	if err != nil {
		return err
	}
	if len(applied) == 0 {
		return errors.New("no migrations applied")
	}
	last := applied[len(applied)-1]
	downPath := strings.TrimSuffix(filepath.Join(r.migrationsDir, last), ".up.sql") + ".down.sql"
	if _, err := os.Stat(downPath); err != nil {
		return fmt.Errorf("missing down migration for %s", last)
	}
	if err := r.runScript(ctx, downPath); err != nil {
		return fmt.Errorf("rollback migration %s: %w", last, err)
	}
	_, err = r.db.ExecContext(ctx,
		fmt.Sprintf(`delete from %s where name = $1`, migrationsTable), last)
	return err
}

// Status lists applied migrations in the order they ran.
func (r *Runner) Status(ctx context.Context) ([]string, error) {
	if err := r.ensureTables(ctx); err != nil {
		return nil, err
	}
	return r.history(ctx)
}

func (r *Runner) applyPending(ctx context.Context, table, dir, suffix, kind string) error {
	if err := r.ensureTables(ctx); err != nil {
		return err
	}
	done, err := r.applied(ctx, table)
	if err != nil {
		return err
	}
	scripts, err := findScripts(dir, suffix)
	if err != nil {
		return err
	}
	for _, sc := range scripts {
		if done[sc.name] {
			continue
		}
		if err := r.runScript(ctx, sc.path); err != nil {
			return fmt.Errorf("apply %s %s: %w", kind, sc.name, err)
		}
		if err := r.record(ctx, table, sc.name); err != nil {
			return err
		}
	}
	return nil
}

func (r *Runner) ensureTables(ctx context.Context) error {
	for _, table := range []string{migrationsTable, seedsTable} {
		ddl := fmt.Sprintf(`
			create table if not exists %s (
				name text primary key,
				applied_at timestamptz not null default now()
			);`, table)
		if _, err := r.db.ExecContext(ctx, ddl); err != nil {
			return err
		}
	}
	return nil
}

// runScript executes one file's statements in a single transaction.
func (r *Runner) runScript(ctx context.Context, path string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()
	for _, stmt := range splitStatements(string(raw)) {
		if strings.TrimSpace(stmt) == "" {
			continue
		}
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (r *Runner) record(ctx context.Context, table, name string) error {
	_, err := r.db.ExecContext(ctx,
		fmt.Sprintf(`insert into %s(name, applied_at) values ($1, $2)`, table),
		name, time.Now().UTC())
	return err
}

func (r *Runner) applied(ctx context.Context, table string) (map[string]bool, error) {
	rows, err := r.db.QueryContext(ctx, fmt.Sprintf(`select name from %s`, table))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	done := make(map[string]bool)
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		done[name] = true
	}
	return done, rows.Err()
}

func (r *Runner) history(ctx context.Context) ([]string, error) {
	rows, err := r.db.QueryContext(ctx,
		fmt.Sprintf(`select name from %s order by applied_at asc`, migrationsTable))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		names = append(names, name)
	}
	return names, rows.Err()
}

type script struct {
	name string
	path string
}

// findScripts walks dir for files with the suffix, sorted by file name. A
// missing directory yields no scripts rather than an error.
func findScripts(dir, suffix string) ([]script, error) {
	var scripts []script
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || !strings.HasSuffix(d.Name(), suffix) {
			return nil
		}
		scripts = append(scripts, script{name: d.Name(), path: path})
		return nil
	})
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	sort.Slice(scripts, func(i, j int) bool { return scripts[i].name < scripts[j].name })
	return scripts, nil
}

// splitStatements breaks a script on semicolons, keeping semicolons inside
// single-quoted literals intact. Dollar-quoted bodies are not handled; the
// repo's scripts do not use them.
func splitStatements(src string) []string {
	var (
		stmts  []string
		buf    strings.Builder
		quoted bool
	)
	for _, ch := range src {
		buf.WriteRune(ch)
		switch ch {
		case '\'':
			quoted = !quoted
		case ';':
			if !quoted {
				stmts = append(stmts, buf.String())
				buf.Reset()
			}
		}
	}
	if strings.TrimSpace(buf.String()) != "" {
		stmts = append(stmts, buf.String())
	}
	return stmts
}
