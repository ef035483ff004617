package cache

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path"
	"strings"
	"time"

	"github.com/markdave123-py/docpipe/internal/core"
	"github.com/markdave123-py/docpipe/internal/models"
)

// ObjectStore keeps records as JSON objects in a bucket under
// "<prefix>/<namespace>/<fingerprint>.json". A PutObject replaces the whole
// object, so readers never observe a partial record.
type ObjectStore struct {
	client core.ObjectClient
	bucket string
	prefix string
}

func NewObjectStore(client core.ObjectClient, bucket, prefix string) *ObjectStore {
	return &ObjectStore{client: client, bucket: bucket, prefix: strings.Trim(prefix, "/")}
}

func (s *ObjectStore) objectKey(k core.CacheKey) string {
	return path.Join(s.prefix, k.Namespace, k.Fingerprint+recordExt)
}

func (s *ObjectStore) Load(ctx context.Context, key core.CacheKey) (*models.CacheRecord, error) {
	raw, err := s.client.GetFile(ctx, s.bucket, s.objectKey(key))
	if err != nil {
		return nil, err
	}
	var rec models.CacheRecord
	if err := json.Unmarshal(raw, &rec); err != nil {
		return nil, fmt.Errorf("decode object record: %w", err)
	}
	return &rec, nil
}

func (s *ObjectStore) Save(ctx context.Context, key core.CacheKey, rec *models.CacheRecord) error {
	raw, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	_, err = s.client.UploadFile(ctx, s.bucket, s.objectKey(key), bytes.NewReader(raw), "application/json")
	return err
}

func (s *ObjectStore) Delete(ctx context.Context, key core.CacheKey) (bool, error) {
	k := s.objectKey(key)
	// S3 deletes are idempotent and do not say whether the key existed.
	if _, err := s.client.GetFile(ctx, s.bucket, k); err != nil {
		if errors.Is(err, core.ErrNotFound) {
			return false, nil
		}
		return false, err
	}
	if err := s.client.DeleteFile(ctx, s.bucket, k); err != nil {
		return false, err
	}
	return true, nil
}

func (s *ObjectStore) DeleteExpired(ctx context.Context, now time.Time) (int, error) {
	keys, err := s.listRecords(ctx)
	if err != nil {
		return 0, err
	}
	removed := 0
	var errs []error
	for _, k := range keys {
		raw, err := s.client.GetFile(ctx, s.bucket, k)
		if err != nil {
			if !errors.Is(err, core.ErrNotFound) {
				errs = append(errs, err)
			}
			continue
		}
		var rec models.CacheRecord
		if json.Unmarshal(raw, &rec) == nil && !rec.Expired(now) {
			continue
		}
		if err := s.client.DeleteFile(ctx, s.bucket, k); err != nil {
			errs = append(errs, err)
			continue
		}
		removed++
	}
	return removed, errors.Join(errs...)
}

func (s *ObjectStore) Count(ctx context.Context) (int, error) {
	keys, err := s.listRecords(ctx)
	return len(keys), err
}

func (s *ObjectStore) listRecords(ctx context.Context) ([]string, error) {
	prefix := s.prefix
	if prefix != "" {
		prefix += "/"
	}
	keys, err := s.client.ListKeys(ctx, s.bucket, prefix)
	if err != nil {
		return nil, err
	}
	out := keys[:0]
	for _, k := range keys {
		if strings.HasSuffix(k, recordExt) {
			out = append(out, k)
		}
	}
	return out, nil
}
