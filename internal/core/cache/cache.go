// Package cache stores processing results keyed by fingerprint and tenant.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/markdave123-py/docpipe/internal/core"
	"github.com/markdave123-py/docpipe/internal/logging"
	"github.com/markdave123-py/docpipe/internal/models"
)

// ErrInvalidTenant is returned for tenant ids that cannot name a namespace.
var ErrInvalidTenant = errors.New("invalid tenant id")

// SharedNamespace holds entries written without a tenant.
const SharedNamespace = "_shared"

const DefaultTTL = 24 * time.Hour

var tenantPattern = regexp.MustCompile(`^[A-Za-z0-9._-]+$`)

type Config struct {
	DefaultTTL      time.Duration
	TenantIsolation bool
}

// ResultCache is the content-addressed result cache. Store failures are
// logged and answered as misses; nothing here returns an error to callers.
type ResultCache struct {
	store  core.CacheStore
	cfg    Config
	logger *zap.Logger
	now    func() time.Time

	hits   atomic.Int64
	misses atomic.Int64
}

func New(store core.CacheStore, cfg Config, logger *zap.Logger) *ResultCache {
	if cfg.DefaultTTL <= 0 {
		cfg.DefaultTTL = DefaultTTL
	}
	if store == nil {
		store = NewMemoryStore()
	}
	return &ResultCache{
		store:  store,
		cfg:    cfg,
		logger: logging.OrNop(logger).Named("cache"),
		now:    time.Now,
	}
}

// ValidateTenant accepts the empty tenant and ids made of letters, digits,
// '.', '_' and '-', other than "." and ".." and the shared namespace name.
func ValidateTenant(tenant string) error {
	if tenant == "" {
		return nil
	}
	if tenant == "." || tenant == ".." || tenant == SharedNamespace || !tenantPattern.MatchString(tenant) {
		return fmt.Errorf("%w: %q", ErrInvalidTenant, tenant)
	}
	return nil
}

// Namespace resolves the storage namespace for tenant.
func (c *ResultCache) Namespace(tenant string) (string, error) {
	if !c.cfg.TenantIsolation {
		return "", nil
	}
	if err := ValidateTenant(tenant); err != nil {
		return "", err
	}
	if tenant == "" {
		tenant = SharedNamespace
	}
	return "tenants/" + tenant, nil
}

func (c *ResultCache) key(fp models.Fingerprint, tenant string) (core.CacheKey, error) {
	if fp == "" {
		return core.CacheKey{}, errors.New("empty fingerprint")
	}
	if !tenantPattern.MatchString(string(fp)) {
		return core.CacheKey{}, fmt.Errorf("malformed fingerprint %q", fp)
	}
	ns, err := c.Namespace(tenant)
	if err != nil {
		return core.CacheKey{}, err
	}
	return core.CacheKey{Namespace: ns, Fingerprint: string(fp)}, nil
}

// Get returns the cached result for fp under tenant. An expired record is
// reported as a miss and removed if the store can do so without racing a
// concurrent Put; other stores leave it to ClearExpired.
func (c *ResultCache) Get(ctx context.Context, fp models.Fingerprint, tenant string) (*models.ProcessingResult, bool) {
	key, err := c.key(fp, tenant)
	if err != nil {
		c.logger.Warn("cache key rejected", zap.String("fingerprint", string(fp)), zap.Error(err))
		c.misses.Add(1)
		return nil, false
	}

	rec, err := c.store.Load(ctx, key)
	if err != nil {
		if !errors.Is(err, core.ErrNotFound) {
			c.logger.Warn("cache read failed", zap.String("fingerprint", key.Fingerprint), zap.Error(err))
		}
		c.misses.Add(1)
		return nil, false
	}

	if now := c.now(); rec.Expired(now) {
		c.dropExpired(ctx, key, now)
		c.misses.Add(1)
		return nil, false
	}

	var res models.ProcessingResult
	if err := json.Unmarshal(rec.Data, &res); err != nil {
		c.logger.Warn("corrupt cache entry", zap.String("fingerprint", key.Fingerprint), zap.Error(err))
		_, _ = c.store.Delete(ctx, key)
		c.misses.Add(1)
		return nil, false
	}

	c.hits.Add(1)
	return &res, true
}

// dropExpired removes key only while the stored record is still expired, so
// a fresh record written after our Load survives.
func (c *ResultCache) dropExpired(ctx context.Context, key core.CacheKey, now time.Time) {
	d, ok := c.store.(core.ExpiryDeleter)
	if !ok {
		return
	}
	if _, err := d.DeleteIfExpired(ctx, key, now); err != nil {
		c.logger.Warn("drop expired entry failed", zap.String("fingerprint", key.Fingerprint), zap.Error(err))
	}
}

// Put stores result for fp under tenant. ttl <= 0 uses the configured default.
// It reports whether the record was written.
func (c *ResultCache) Put(ctx context.Context, fp models.Fingerprint, result *models.ProcessingResult, ttl time.Duration, tenant string) bool {
	if result == nil {
		return false
	}
	key, err := c.key(fp, tenant)
	if err != nil {
		c.logger.Warn("cache key rejected", zap.String("fingerprint", string(fp)), zap.Error(err))
		return false
	}
	if ttl <= 0 {
		ttl = c.cfg.DefaultTTL
	}

	data, err := json.Marshal(result)
	if err != nil {
		c.logger.Warn("encode cache entry failed", zap.String("fingerprint", key.Fingerprint), zap.Error(err))
		return false
	}

	now := c.now()
	rec := &models.CacheRecord{
		Fingerprint:    key.Fingerprint,
		TenantID:       tenant,
		Data:           data,
		CreatedAt:      now,
		ExpirationTime: now.Add(ttl),
	}
	if err := c.store.Save(ctx, key, rec); err != nil {
		c.logger.Warn("cache write failed", zap.String("fingerprint", key.Fingerprint), zap.Error(err))
		return false
	}
	return true
}

// Invalidate removes the entry for fp under tenant and reports whether one
// existed.
func (c *ResultCache) Invalidate(ctx context.Context, fp models.Fingerprint, tenant string) bool {
	key, err := c.key(fp, tenant)
	if err != nil {
		c.logger.Warn("cache key rejected", zap.String("fingerprint", string(fp)), zap.Error(err))
		return false
	}
	ok, err := c.store.Delete(ctx, key)
	if err != nil {
		c.logger.Warn("cache delete failed", zap.String("fingerprint", key.Fingerprint), zap.Error(err))
		return false
	}
	return ok
}

// ClearExpired deletes every expired record across all namespaces.
func (c *ResultCache) ClearExpired(ctx context.Context) int {
	n, err := c.store.DeleteExpired(ctx, c.now())
	if err != nil {
		c.logger.Warn("cache sweep failed", zap.Int("removed", n), zap.Error(err))
	}
	if n > 0 {
		c.logger.Info("cache sweep", zap.Int("removed", n))
	}
	return n
}

func (c *ResultCache) Stats(ctx context.Context) models.CacheStats {
	n, err := c.store.Count(ctx)
	if err != nil {
		c.logger.Warn("cache count failed", zap.Error(err))
		n = 0
	}
	return models.CacheStats{
		Hits:    c.hits.Load(),
		Misses:  c.misses.Load(),
		Entries: n,
	}
}
