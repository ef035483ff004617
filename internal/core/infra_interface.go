package core

import (
	"context"
	"errors"
	"io"
	"time"

	"github.com/markdave123-py/docpipe/internal/models"
)

// ErrNotFound is returned by stores when a key has no record.
var ErrNotFound = errors.New("not found")

// CacheKey addresses one cache record. Namespace is already resolved from
// the tenant by the cache service.
type CacheKey struct {
	Namespace   string
	Fingerprint string
}

// CacheStore persists cache records. Save must install the record atomically:
// concurrent readers see either the old record or the new one, never a mix.
// It abstracts memory/disk/Postgres/Redis/S3 so the cache service never
// depends on a specific backend.
type CacheStore interface {
	Load(ctx context.Context, key CacheKey) (*models.CacheRecord, error)
	Save(ctx context.Context, key CacheKey, rec *models.CacheRecord) error
	Delete(ctx context.Context, key CacheKey) (bool, error)
	DeleteExpired(ctx context.Context, now time.Time) (int, error)
	Count(ctx context.Context) (int, error)
}

// ExpiryDeleter is implemented by stores that can remove a record only if
// the record stored under key is expired at now, as a single step. A fresh
// record saved concurrently is never removed.
type ExpiryDeleter interface {
	DeleteIfExpired(ctx context.Context, key CacheKey, now time.Time) (bool, error)
}

// ObjectClient defines interactions with S3 or any object storage.
type ObjectClient interface {
	UploadFile(ctx context.Context, bucket, key string, data io.Reader, contentType string) (url string, err error)
	DeleteFile(ctx context.Context, bucket, key string) error
	GetFile(ctx context.Context, bucket, key string) ([]byte, error)
	GetObjectReader(ctx context.Context, bucket, key string) (io.ReadCloser, error)
	ListKeys(ctx context.Context, bucket, prefix string) ([]string, error)
}

// MemorySampler reads process and host memory.
type MemorySampler interface {
	ResidentBytes() (uint64, error)
	TotalBytes() (uint64, error)
}

// Job is one unit of work handed to an Executor.
type Job func(ctx context.Context) (any, error)

// JobResult is the outcome of a Job.
type JobResult struct {
	Value any
	Err   error
}

// Executor runs jobs and returns their results indexed by submission order,
// whatever order they finish in.
type Executor interface {
	Execute(ctx context.Context, jobs []Job) []JobResult
}
