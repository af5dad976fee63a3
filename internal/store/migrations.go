package store

import (
	"context"
	"database/sql"
	_ "embed"
	"fmt"
	"strings"
)

//go:embed migrations/001_initial_schema.sql
var initialSchema string

// revisions lists every schema revision in apply order. New revisions get
// the next number; shipped revisions never change.
var revisions = []struct {
	version int
	name    string
	script  string
}{
	{1, "initial_schema", initialSchema},
}

// runMigrations brings the database up to the newest revision, recording
// each applied revision in schema_version. Revisions at or below the
// recorded version are skipped, so reopening an existing database is a
// no-op.
func runMigrations(ctx context.Context, db *sql.DB) error {
	if _, err := db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS schema_version (
		version INTEGER PRIMARY KEY,
		name TEXT NOT NULL,
		applied_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
	)`); err != nil {
		return fmt.Errorf("migrate: bookkeeping table: %w", err)
	}

	applied, err := appliedVersion(ctx, db)
	if err != nil {
		return err
	}

	for _, rev := range revisions {
		if rev.version <= applied {
			continue
		}
		if err := applyRevision(ctx, db, rev.version, rev.name, rev.script); err != nil {
			return err
		}
	}
	return nil
}

func appliedVersion(ctx context.Context, db *sql.DB) (int, error) {
	var version int
	err := db.QueryRowContext(ctx, `SELECT COALESCE(MAX(version), 0) FROM schema_version`).Scan(&version)
	if err != nil {
		return 0, fmt.Errorf("migrate: reading applied version: %w", err)
	}
	return version, nil
}

// applyRevision runs one revision's statements and its bookkeeping row in a
// single transaction, so a failed revision leaves the version unchanged.
func applyRevision(ctx context.Context, db *sql.DB, version int, name, script string) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("migrate %d: %w", version, err)
	}
	defer func() { _ = tx.Rollback() }()

	for _, stmt := range sqlStatements(script) {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migrate %d (%s): %w", version, name, err)
		}
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO schema_version (version, name) VALUES (?, ?)`, version, name); err != nil {
		return fmt.Errorf("migrate %d: recording version: %w", version, err)
	}
	return tx.Commit()
}

// sqlStatements splits an embedded script on semicolons into executable
// statements, dropping empty and comment-only fragments.
func sqlStatements(script string) []string {
	var stmts []string
	for _, chunk := range strings.Split(script, ";") {
		stmt := strings.TrimSpace(chunk)
		if stmt != "" && !commentOnly(stmt) {
			stmts = append(stmts, stmt)
		}
	}
	return stmts
}

func commentOnly(stmt string) bool {
	for _, line := range strings.Split(stmt, "\n") {
		line = strings.TrimSpace(line)
		if line != "" && !strings.HasPrefix(line, "--") {
			return false
		}
	}
	return true
}
