package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"os"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/markdave123-py/docpipe/internal/config"
	"github.com/markdave123-py/docpipe/internal/core"
	"github.com/markdave123-py/docpipe/internal/models"
)

type DatabaseClient struct {
	db *sql.DB
}

func NewDatabaseClient(ctx context.Context, cfg *config.Config) (DbClient, error) {
	if cfg == nil {
		return nil, fmt.Errorf("database client configuration is nil")
	}
	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is empty")
	}

	dsn, err := buildDSN(cfg.DatabaseURL, cfg.SslCertPath)
	if err != nil {
		return nil, err
	}

	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}

	db.SetMaxOpenConns(20)
	db.SetMaxIdleConns(10)
	db.SetConnMaxLifetime(30 * time.Minute)
	db.SetConnMaxIdleTime(10 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping db: %w", err)
	}

	if err := EnsureBootstrapped(ctx, db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("bootstrap: %w", err)
	}

	return &DatabaseClient{db: db}, nil
}

// buildDSN appends CA verification params when a root cert is configured.
func buildDSN(databaseURL, certPath string) (string, error) {
	if certPath == "" {
		return databaseURL, nil
	}
	if _, err := os.Stat(certPath); err != nil {
		return "", fmt.Errorf("ssl cert not accessible at %q: %w", certPath, err)
	}
	u, err := url.Parse(databaseURL)
	if err != nil {
		return "", fmt.Errorf("invalid DATABASE_URL: %w", err)
	}
	q := u.Query()
	q.Set("sslmode", "verify-ca")
	q.Set("sslrootcert", certPath)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func (c *DatabaseClient) Ping(ctx context.Context) error {
	return c.db.PingContext(ctx)
}

func (c *DatabaseClient) Close() error {
	if c.db != nil {
		return c.db.Close()
	}
	return nil
}

func (c *DatabaseClient) Load(ctx context.Context, key core.CacheKey) (*models.CacheRecord, error) {
	const q = `
		SELECT fingerprint, tenant_id, data, created_at, expiration_time
		FROM cache_entries
		WHERE namespace = $1 AND fingerprint = $2
	`
	var (
		rec  models.CacheRecord
		data []byte
	)
	err := c.db.QueryRowContext(ctx, q, key.Namespace, key.Fingerprint).Scan(
		&rec.Fingerprint, &rec.TenantID, &data, &rec.CreatedAt, &rec.ExpirationTime,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, core.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	rec.Data = json.RawMessage(data)
	return &rec, nil
}

// Save upserts in one statement, so readers see the old row or the new one.
func (c *DatabaseClient) Save(ctx context.Context, key core.CacheKey, rec *models.CacheRecord) error {
	if rec == nil {
		return errors.New("nil cache record")
	}
	const q = `
		INSERT INTO cache_entries
			(namespace, fingerprint, tenant_id, data, created_at, expiration_time)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (namespace, fingerprint) DO UPDATE SET
			tenant_id = EXCLUDED.tenant_id,
			data = EXCLUDED.data,
			created_at = EXCLUDED.created_at,
			expiration_time = EXCLUDED.expiration_time
	`
	_, err := c.db.ExecContext(ctx, q,
		key.Namespace, key.Fingerprint, rec.TenantID, []byte(rec.Data), rec.CreatedAt, rec.ExpirationTime)
	return err
}

func (c *DatabaseClient) Delete(ctx context.Context, key core.CacheKey) (bool, error) {
	const q = `DELETE FROM cache_entries WHERE namespace = $1 AND fingerprint = $2`
	res, err := c.db.ExecContext(ctx, q, key.Namespace, key.Fingerprint)
	if err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

func (c *DatabaseClient) DeleteIfExpired(ctx context.Context, key core.CacheKey, now time.Time) (bool, error) {
	const q = `
		DELETE FROM cache_entries
		WHERE namespace = $1 AND fingerprint = $2 AND expiration_time <= $3
	`
	res, err := c.db.ExecContext(ctx, q, key.Namespace, key.Fingerprint, now)
	if err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

func (c *DatabaseClient) DeleteExpired(ctx context.Context, now time.Time) (int, error) {
	res, err := c.db.ExecContext(ctx, `DELETE FROM cache_entries WHERE expiration_time <= $1`, now)
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func (c *DatabaseClient) Count(ctx context.Context) (int, error) {
	var n int
	err := c.db.QueryRowContext(ctx, `SELECT count(*) FROM cache_entries`).Scan(&n)
	return n, err
}
