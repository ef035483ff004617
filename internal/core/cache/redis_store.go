package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/markdave123-py/docpipe/internal/core"
	"github.com/markdave123-py/docpipe/internal/models"
)

// RedisStore keeps each record under "<prefix>:<namespace>/<fingerprint>"
// with the record's remaining lifetime as the key TTL, so Redis expires
// entries on its own.
type RedisStore struct {
	client redis.UniversalClient
	prefix string
	now    func() time.Time
}

type RedisConfig struct {
	Addr     string
	Password string
	DB       int
	Prefix   string
}

// NewRedisStore connects and pings the server.
func NewRedisStore(ctx context.Context, cfg RedisConfig) (*RedisStore, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("connect to redis %s: %w", cfg.Addr, err)
	}
	return NewRedisStoreFromClient(rdb, cfg.Prefix), nil
}

func NewRedisStoreFromClient(client redis.UniversalClient, prefix string) *RedisStore {
	if prefix == "" {
		prefix = "docpipe-cache"
	}
	return &RedisStore{client: client, prefix: prefix, now: time.Now}
}

func (s *RedisStore) key(k core.CacheKey) string {
	if k.Namespace == "" {
		return s.prefix + ":" + k.Fingerprint
	}
	return s.prefix + ":" + k.Namespace + "/" + k.Fingerprint
}

func (s *RedisStore) Load(ctx context.Context, key core.CacheKey) (*models.CacheRecord, error) {
	raw, err := s.client.Get(ctx, s.key(key)).Bytes()
	if err == redis.Nil {
		return nil, core.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("redis get: %w", err)
	}
	var rec models.CacheRecord
	if err := json.Unmarshal(raw, &rec); err != nil {
		return nil, fmt.Errorf("decode redis record: %w", err)
	}
	return &rec, nil
}

func (s *RedisStore) Save(ctx context.Context, key core.CacheKey, rec *models.CacheRecord) error {
	ttl := rec.ExpirationTime.Sub(s.now())
	if ttl <= 0 {
		_, err := s.Delete(ctx, key)
		return err
	}
	raw, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	if err := s.client.Set(ctx, s.key(key), raw, ttl).Err(); err != nil {
		return fmt.Errorf("redis set: %w", err)
	}
	return nil
}

func (s *RedisStore) Delete(ctx context.Context, key core.CacheKey) (bool, error) {
	n, err := s.client.Del(ctx, s.key(key)).Result()
	if err != nil {
		return false, fmt.Errorf("redis del: %w", err)
	}
	return n > 0, nil
}

// delIfSame removes KEYS[1] only while it still holds ARGV[1].
var delIfSame = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

func (s *RedisStore) DeleteIfExpired(ctx context.Context, key core.CacheKey, now time.Time) (bool, error) {
	k := s.key(key)
	raw, err := s.client.Get(ctx, k).Result()
	if err == redis.Nil {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("redis get: %w", err)
	}
	if !staleValue(raw, now) {
		return false, nil
	}
	return s.delIfSame(ctx, k, raw)
}

func (s *RedisStore) delIfSame(ctx context.Context, k, raw string) (bool, error) {
	n, err := delIfSame.Run(ctx, s.client, []string{k}, raw).Int()
	if err != nil {
		return false, fmt.Errorf("redis conditional del: %w", err)
	}
	return n > 0, nil
}

// staleValue reports whether a stored value is undecodable or expired.
func staleValue(raw string, now time.Time) bool {
	var rec models.CacheRecord
	return json.Unmarshal([]byte(raw), &rec) != nil || rec.Expired(now)
}

// DeleteExpired only catches records whose embedded expiration passed before
// the server TTL fired (clock skew between hosts). Each stale key is removed
// only if it was not rewritten since it was read.
func (s *RedisStore) DeleteExpired(ctx context.Context, now time.Time) (int, error) {
	removed := 0
	err := s.scan(ctx, func(keys []string) error {
		vals, err := s.client.MGet(ctx, keys...).Result()
		if err != nil {
			return err
		}
		for i, v := range vals {
			str, ok := v.(string)
			if !ok || !staleValue(str, now) {
				continue
			}
			gone, err := s.delIfSame(ctx, keys[i], str)
			if err != nil {
				return err
			}
			if gone {
				removed++
			}
		}
		return nil
	})
	return removed, err
}

func (s *RedisStore) Count(ctx context.Context) (int, error) {
	n := 0
	err := s.scan(ctx, func(keys []string) error {
		n += len(keys)
		return nil
	})
	return n, err
}

func (s *RedisStore) scan(ctx context.Context, fn func(keys []string) error) error {
	var cursor uint64
	for {
		keys, next, err := s.client.Scan(ctx, cursor, s.prefix+":*", 200).Result()
		if err != nil {
			return fmt.Errorf("redis scan: %w", err)
		}
		if len(keys) > 0 {
			if err := fn(keys); err != nil {
				return err
			}
		}
		if next == 0 {
			return nil
		}
		cursor = next
	}
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}

var (
	_ core.CacheStore    = (*RedisStore)(nil)
	_ core.ExpiryDeleter = (*RedisStore)(nil)
)

