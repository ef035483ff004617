package cache

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/markdave123-py/docpipe/internal/core"
	"github.com/markdave123-py/docpipe/internal/models"
)

// fakeRedis answers the commands RedisStore issues from a map. Any other
// command panics through the nil embedded client.
type fakeRedis struct {
	redis.UniversalClient

	mu    sync.Mutex
	data  map[string]string
	ttl   map[string]time.Duration
	onGet func(key string)
}

func newFakeRedis() *fakeRedis {
	return &fakeRedis{data: map[string]string{}, ttl: map[string]time.Duration{}}
}

func (f *fakeRedis) Get(_ context.Context, key string) *redis.StringCmd {
	f.mu.Lock()
	v, ok := f.data[key]
	hook := f.onGet
	f.mu.Unlock()
	if hook != nil {
		hook(key)
	}
	if !ok {
		return redis.NewStringResult("", redis.Nil)
	}
	return redis.NewStringResult(v, nil)
}

func (f *fakeRedis) Set(_ context.Context, key string, value interface{}, ttl time.Duration) *redis.StatusCmd {
	var v string
	switch val := value.(type) {
	case []byte:
		v = string(val)
	case string:
		v = val
	default:
		return redis.NewStatusResult("", errors.New("unsupported value"))
	}
	f.mu.Lock()
	f.data[key] = v
	f.ttl[key] = ttl
	f.mu.Unlock()
	return redis.NewStatusResult("OK", nil)
}

func (f *fakeRedis) Del(_ context.Context, keys ...string) *redis.IntCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	var n int64
	for _, k := range keys {
		if _, ok := f.data[k]; ok {
			delete(f.data, k)
			delete(f.ttl, k)
			n++
		}
	}
	return redis.NewIntResult(n, nil)
}

func (f *fakeRedis) MGet(_ context.Context, keys ...string) *redis.SliceCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	vals := make([]interface{}, len(keys))
	for i, k := range keys {
		if v, ok := f.data[k]; ok {
			vals[i] = v
		}
	}
	return redis.NewSliceResult(vals, nil)
}

// Scan returns every match in one page.
func (f *fakeRedis) Scan(_ context.Context, _ uint64, match string, _ int64) *redis.ScanCmd {
	prefix := strings.TrimSuffix(match, "*")
	f.mu.Lock()
	defer f.mu.Unlock()
	var keys []string
	for k := range f.data {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return redis.NewScanCmdResult(keys, 0, nil)
}

func (f *fakeRedis) EvalSha(context.Context, string, []string, ...interface{}) *redis.Cmd {
	return redis.NewCmdResult(nil, errors.New("NOSCRIPT No matching script"))
}

// Eval runs the compare-and-delete script RedisStore uses.
func (f *fakeRedis) Eval(_ context.Context, script string, keys []string, args ...interface{}) *redis.Cmd {
	if !strings.Contains(script, `redis.call("GET", KEYS[1]) == ARGV[1]`) || len(keys) != 1 || len(args) != 1 {
		return redis.NewCmdResult(nil, errors.New("unexpected script"))
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if v, ok := f.data[keys[0]]; ok && v == args[0] {
		delete(f.data, keys[0])
		delete(f.ttl, keys[0])
		return redis.NewCmdResult(int64(1), nil)
	}
	return redis.NewCmdResult(int64(0), nil)
}

func (f *fakeRedis) Close() error { return nil }

func (f *fakeRedis) put(t *testing.T, key string, rec models.CacheRecord) {
	t.Helper()
	raw, err := json.Marshal(rec)
	require.NoError(t, err)
	f.mu.Lock()
	f.data[key] = string(raw)
	f.mu.Unlock()
}

func newTestRedisStore(t *testing.T) (*RedisStore, *fakeRedis, time.Time) {
	t.Helper()
	now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	fake := newFakeRedis()
	store := NewRedisStoreFromClient(fake, "test")
	store.now = func() time.Time { return now }
	return store, fake, now
}

func TestRedisStore_SaveSetsRemainingTTL(t *testing.T) {
	store, fake, now := newTestRedisStore(t)
	ctx := context.Background()
	key := core.CacheKey{Namespace: "tenants/acme", Fingerprint: "c1-a"}

	require.NoError(t, store.Save(ctx, key, &models.CacheRecord{
		Fingerprint:    "c1-a",
		TenantID:       "acme",
		Data:           []byte(`{"source":"a.pdf"}`),
		CreatedAt:      now,
		ExpirationTime: now.Add(90 * time.Minute),
	}))
	assert.Equal(t, 90*time.Minute, fake.ttl["test:tenants/acme/c1-a"])

	got, err := store.Load(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, "acme", got.TenantID)
	assert.JSONEq(t, `{"source":"a.pdf"}`, string(got.Data))
	assert.True(t, got.ExpirationTime.Equal(now.Add(90*time.Minute)))

	_, err = store.Load(ctx, core.CacheKey{Fingerprint: "c1-missing"})
	assert.ErrorIs(t, err, core.ErrNotFound)

	// an already expired record is not written and replaces nothing
	require.NoError(t, store.Save(ctx, key, &models.CacheRecord{Fingerprint: "c1-a", ExpirationTime: now.Add(-time.Second)}))
	_, err = store.Load(ctx, key)
	assert.ErrorIs(t, err, core.ErrNotFound)
}

func TestRedisStore_CountAndDelete(t *testing.T) {
	store, fake, now := newTestRedisStore(t)
	ctx := context.Background()
	live := models.CacheRecord{Fingerprint: "c1-x", CreatedAt: now, ExpirationTime: now.Add(time.Hour)}

	fake.put(t, "test:c1-x", live)
	fake.put(t, "test:tenants/acme/c1-y", live)
	fake.put(t, "elsewhere:c1-z", live)

	n, err := store.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n, "keys outside the prefix are not counted")

	ok, err := store.Delete(ctx, core.CacheKey{Fingerprint: "c1-x"})
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = store.Delete(ctx, core.CacheKey{Fingerprint: "c1-x"})
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestRedisStore_DeleteExpired(t *testing.T) {
	store, fake, now := newTestRedisStore(t)
	ctx := context.Background()

	fake.put(t, "test:c1-live", models.CacheRecord{CreatedAt: now, ExpirationTime: now.Add(time.Hour)})
	fake.put(t, "test:c1-skewed", models.CacheRecord{CreatedAt: now.Add(-2 * time.Hour), ExpirationTime: now.Add(-time.Hour)})
	fake.data["test:c1-corrupt"] = "{{{"

	n, err := store.DeleteExpired(ctx, now)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Contains(t, fake.data, "test:c1-live")
	assert.Len(t, fake.data, 1)
}

func TestRedisStore_DeleteIfExpiredKeepsRewrite(t *testing.T) {
	store, fake, now := newTestRedisStore(t)
	ctx := context.Background()
	key := core.CacheKey{Namespace: "tenants/acme", Fingerprint: "c1-r"}
	k := "test:tenants/acme/c1-r"

	fake.put(t, k, models.CacheRecord{CreatedAt: now, ExpirationTime: now.Add(time.Hour)})
	ok, err := store.DeleteIfExpired(ctx, key, now)
	require.NoError(t, err)
	assert.False(t, ok, "a live record stays")

	stale := models.CacheRecord{CreatedAt: now.Add(-2 * time.Hour), ExpirationTime: now.Add(-time.Hour)}
	fresh := models.CacheRecord{TenantID: "acme", CreatedAt: now, ExpirationTime: now.Add(time.Hour)}

	// a Put lands between the read and the delete
	fake.put(t, k, stale)
	fake.onGet = func(string) {
		fake.onGet = nil
		fake.put(t, k, fresh)
	}
	ok, err = store.DeleteIfExpired(ctx, key, now)
	require.NoError(t, err)
	assert.False(t, ok)
	got, err := store.Load(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, "acme", got.TenantID)

	fake.put(t, k, stale)
	ok, err = store.DeleteIfExpired(ctx, key, now)
	require.NoError(t, err)
	assert.True(t, ok)
	_, err = store.Load(ctx, key)
	assert.ErrorIs(t, err, core.ErrNotFound)
}

func TestRedisStore_ThroughCache(t *testing.T) {
	store, _, now := newTestRedisStore(t)
	c, clk := newTestCache(t, store, true)
	clk.t = now
	ctx := context.Background()

	require.True(t, c.Put(ctx, "c1-redis", sampleResult("c1-redis"), time.Hour, "acme"))
	got, ok := c.Get(ctx, "c1-redis", "acme")
	require.True(t, ok)
	assert.Equal(t, "report.pdf", got.Source)

	_, ok = c.Get(ctx, "c1-redis", "globex")
	assert.False(t, ok)
	assert.Equal(t, 1, c.Stats(ctx).Entries)
}
