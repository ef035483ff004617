package cache

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/sony/gobreaker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/markdave123-py/docpipe/internal/core"
	"github.com/markdave123-py/docpipe/internal/models"
)

func TestFileStore_ThroughCache(t *testing.T) {
	root := t.TempDir()
	store, err := NewFileStore(root)
	require.NoError(t, err)
	c, clk := newTestCache(t, store, true)
	ctx := context.Background()

	require.True(t, c.Put(ctx, "c1-file", sampleResult("c1-file"), time.Minute, "acme"))
	require.True(t, c.Put(ctx, "c1-file", sampleResult("c1-file"), time.Hour, ""))

	assert.FileExists(t, filepath.Join(root, "tenants", "acme", "c1-file.json"))
	assert.FileExists(t, filepath.Join(root, "tenants", SharedNamespace, "c1-file.json"))

	got, ok := c.Get(ctx, "c1-file", "acme")
	require.True(t, ok)
	assert.Equal(t, "report.pdf", got.Source)

	clk.advance(2 * time.Minute)
	assert.Equal(t, 1, c.ClearExpired(ctx))
	assert.Equal(t, 1, c.Stats(ctx).Entries)
}

func TestFileStore_NoTempFilesLeft(t *testing.T) {
	root := t.TempDir()
	store, err := NewFileStore(root)
	require.NoError(t, err)
	ctx := context.Background()

	key := core.CacheKey{Namespace: "tenants/x", Fingerprint: "c1-a"}
	for i := 0; i < 3; i++ {
		require.NoError(t, store.Save(ctx, key, &models.CacheRecord{Fingerprint: "c1-a", Data: []byte(`{}`)}))
	}
	entries, err := os.ReadDir(filepath.Join(root, "tenants", "x"))
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "c1-a.json", entries[0].Name())
}

func TestFileStore_RejectsEscapes(t *testing.T) {
	store, err := NewFileStore(t.TempDir())
	require.NoError(t, err)
	ctx := context.Background()

	err = store.Save(ctx, core.CacheKey{Namespace: "../..", Fingerprint: "c1-a"}, &models.CacheRecord{})
	assert.Error(t, err)
	err = store.Save(ctx, core.CacheKey{Fingerprint: "../c1-a"}, &models.CacheRecord{})
	assert.Error(t, err)
}

func TestFileStore_SweepRemovesCorrupt(t *testing.T) {
	root := t.TempDir()
	store, err := NewFileStore(root)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(root, "c1-junk.json"), []byte("{{{"), 0o600))

	n, err := store.DeleteExpired(context.Background(), time.Now())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

// memObjects is an in-memory core.ObjectClient.
type memObjects struct {
	mu      sync.Mutex
	objects map[string][]byte
}

func newMemObjects() *memObjects { return &memObjects{objects: map[string][]byte{}} }

func (m *memObjects) UploadFile(_ context.Context, bucket, key string, data io.Reader, _ string) (string, error) {
	raw, err := io.ReadAll(data)
	if err != nil {
		return "", err
	}
	m.mu.Lock()
	m.objects[bucket+"/"+key] = raw
	m.mu.Unlock()
	return "mem://" + bucket + "/" + key, nil
}

func (m *memObjects) DeleteFile(_ context.Context, bucket, key string) error {
	m.mu.Lock()
	delete(m.objects, bucket+"/"+key)
	m.mu.Unlock()
	return nil
}

func (m *memObjects) GetFile(_ context.Context, bucket, key string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	raw, ok := m.objects[bucket+"/"+key]
	if !ok {
		return nil, core.ErrNotFound
	}
	return raw, nil
}

func (m *memObjects) GetObjectReader(ctx context.Context, bucket, key string) (io.ReadCloser, error) {
	raw, err := m.GetFile(ctx, bucket, key)
	if err != nil {
		return nil, err
	}
	return io.NopCloser(bytes.NewReader(raw)), nil
}

func (m *memObjects) ListKeys(_ context.Context, bucket, prefix string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var keys []string
	for k := range m.objects {
		if rest, ok := strings.CutPrefix(k, bucket+"/"); ok && strings.HasPrefix(rest, prefix) {
			keys = append(keys, rest)
		}
	}
	sort.Strings(keys)
	return keys, nil
}

func TestObjectStore_ThroughCache(t *testing.T) {
	objects := newMemObjects()
	store := NewObjectStore(objects, "bucket", "docpipe-cache")
	c, clk := newTestCache(t, store, true)
	ctx := context.Background()

	require.True(t, c.Put(ctx, "c1-obj", sampleResult("c1-obj"), time.Minute, "acme"))
	require.True(t, c.Put(ctx, "c1-obj2", sampleResult("c1-obj2"), time.Hour, "acme"))
	_, err := objects.GetFile(ctx, "bucket", "docpipe-cache/tenants/acme/c1-obj.json")
	require.NoError(t, err)

	_, ok := c.Get(ctx, "c1-obj", "other")
	assert.False(t, ok)
	_, ok = c.Get(ctx, "c1-obj", "acme")
	assert.True(t, ok)

	clk.advance(2 * time.Minute)
	assert.Equal(t, 1, c.ClearExpired(ctx))
	assert.Equal(t, 1, c.Stats(ctx).Entries)

	assert.True(t, c.Invalidate(ctx, "c1-obj2", "acme"))
	assert.False(t, c.Invalidate(ctx, "c1-obj2", "acme"))
}

type countingStore struct {
	failingStore
	calls int
}

func (c *countingStore) Load(ctx context.Context, key core.CacheKey) (*models.CacheRecord, error) {
	c.calls++
	return c.failingStore.Load(ctx, key)
}

func TestBreakerStore_OpensAfterFailures(t *testing.T) {
	inner := &countingStore{failingStore: failingStore{err: errors.New("connection refused")}}
	store := NewBreakerStore("test", inner, BreakerConfig{ConsecutiveFailures: 3, OpenTimeout: time.Minute}, zaptest.NewLogger(t))
	ctx := context.Background()
	key := core.CacheKey{Fingerprint: "c1-a"}

	for i := 0; i < 3; i++ {
		_, err := store.Load(ctx, key)
		require.Error(t, err)
	}
	assert.Equal(t, gobreaker.StateOpen, store.State())

	_, err := store.Load(ctx, key)
	assert.ErrorIs(t, err, gobreaker.ErrOpenState)
	assert.Equal(t, 3, inner.calls, "open breaker does not reach the store")
}

func TestBreakerStore_NotFoundIsHealthy(t *testing.T) {
	store := NewBreakerStore("test", NewMemoryStore(), BreakerConfig{ConsecutiveFailures: 1}, nil)
	for i := 0; i < 5; i++ {
		_, err := store.Load(context.Background(), core.CacheKey{Fingerprint: "c1-missing"})
		assert.ErrorIs(t, err, core.ErrNotFound)
	}
	assert.Equal(t, gobreaker.StateClosed, store.State())
}
