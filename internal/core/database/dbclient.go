package db

import (
	"context"

	"github.com/markdave123-py/docpipe/internal/core"
)

// DbClient is the Postgres-backed cache store.
// It abstracts Postgres so higher layers only see core.CacheStore.
type DbClient interface {
	core.CacheStore
	core.ExpiryDeleter

	Ping(ctx context.Context) error
	Close() error
}
