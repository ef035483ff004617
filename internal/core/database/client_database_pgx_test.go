package db

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/markdave123-py/docpipe/internal/config"
	"github.com/markdave123-py/docpipe/internal/core"
	"github.com/markdave123-py/docpipe/internal/models"
)

func TestBuildDSN(t *testing.T) {
	dsn, err := buildDSN("postgres://u:p@db:5432/docs", "")
	require.NoError(t, err)
	assert.Equal(t, "postgres://u:p@db:5432/docs", dsn)

	cert := filepath.Join(t.TempDir(), "ca.pem")
	require.NoError(t, os.WriteFile(cert, []byte("cert"), 0o600))
	dsn, err = buildDSN("postgres://u:p@db:5432/docs?application_name=docpipe", cert)
	require.NoError(t, err)
	assert.Contains(t, dsn, "sslmode=verify-ca")
	assert.Contains(t, dsn, "application_name=docpipe")

	_, err = buildDSN("postgres://db/docs", filepath.Join(t.TempDir(), "missing.pem"))
	assert.Error(t, err)
}

// TestDatabaseClient_CacheStore runs against a real server when
// DOCPIPE_TEST_DATABASE_URL is set.
func TestDatabaseClient_CacheStore(t *testing.T) {
	dsn := os.Getenv("DOCPIPE_TEST_DATABASE_URL")
	if dsn == "" {
		t.Skip("DOCPIPE_TEST_DATABASE_URL not set")
	}
	ctx := context.Background()
	client, err := NewDatabaseClient(ctx, &config.Config{DatabaseURL: dsn})
	require.NoError(t, err)
	defer client.Close()

	now := time.Now().UTC().Truncate(time.Millisecond)
	key := core.CacheKey{Namespace: "tenants/pgtest", Fingerprint: "c1-pg-" + now.Format("150405.000")}
	rec := &models.CacheRecord{
		Fingerprint:    key.Fingerprint,
		TenantID:       "pgtest",
		Data:           []byte(`{"source":"a.pdf"}`),
		CreatedAt:      now,
		ExpirationTime: now.Add(time.Hour),
	}

	require.NoError(t, client.Save(ctx, key, rec))
	rec.Data = []byte(`{"source":"b.pdf"}`)
	require.NoError(t, client.Save(ctx, key, rec))

	got, err := client.Load(ctx, key)
	require.NoError(t, err)
	assert.JSONEq(t, `{"source":"b.pdf"}`, string(got.Data))
	assert.True(t, got.ExpirationTime.Equal(rec.ExpirationTime))

	ok, err := client.DeleteIfExpired(ctx, key, now)
	require.NoError(t, err)
	assert.False(t, ok, "a live row is kept")

	n, err := client.DeleteExpired(ctx, now.Add(2*time.Hour))
	require.NoError(t, err)
	assert.GreaterOrEqual(t, n, 1)

	_, err = client.Load(ctx, key)
	assert.ErrorIs(t, err, core.ErrNotFound)
	ok, err = client.Delete(ctx, key)
	require.NoError(t, err)
	assert.False(t, ok)
}
