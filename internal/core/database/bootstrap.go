package db

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"time"
)

//go:embed scripts/initdb.sql
var bootstrapFS embed.FS

const (
	schemaVersion = 1
	// bootstrapLockID serialises schema setup across instances sharing a database.
	bootstrapLockID = 0x646f6370
)

// EnsureBootstrapped installs the cache schema when the recorded version is
// older than schemaVersion. Instances starting together take an advisory
// lock, and the loser sees the version the winner wrote.
func EnsureBootstrapped(ctx context.Context, db *sql.DB) error {
	ctx, cancel := context.WithTimeout(ctx, 3*time.Minute)
	defer cancel()

	v, err := installedVersion(ctx, db)
	if err != nil {
		return err
	}
	if v >= schemaVersion {
		return nil
	}
	return runBootstrap(ctx, db)
}

// installedVersion reads the highest applied version; 0 when the meta table
// does not exist yet.
func installedVersion(ctx context.Context, q interface {
	QueryRowContext(context.Context, string, ...any) *sql.Row
}) (int, error) {
	var present bool
	if err := q.QueryRowContext(ctx, `SELECT to_regclass('docpipe_meta') IS NOT NULL`).Scan(&present); err != nil {
		return 0, fmt.Errorf("meta table check failed: %w", err)
	}
	if !present {
		return 0, nil
	}
	var v int
	if err := q.QueryRowContext(ctx, `SELECT COALESCE(MAX(version), 0) FROM docpipe_meta`).Scan(&v); err != nil {
		return 0, fmt.Errorf("meta version check failed: %w", err)
	}
	return v, nil
}

func runBootstrap(ctx context.Context, db *sql.DB) error {
	script, err := bootstrapFS.ReadFile("scripts/initdb.sql")
	if err != nil {
		return fmt.Errorf("read initdb.sql: %w", err)
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // no-op after Commit

	if _, err := tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock($1)`, bootstrapLockID); err != nil {
		return fmt.Errorf("bootstrap lock: %w", err)
	}
	v, err := installedVersion(ctx, tx)
	if err != nil {
		return err
	}
	if v >= schemaVersion {
		return nil
	}
	if _, err := tx.ExecContext(ctx, string(script)); err != nil {
		return fmt.Errorf("exec bootstrap: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit bootstrap: %w", err)
	}
	return nil
}
