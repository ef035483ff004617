package processing_engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"

	"github.com/markdave123-py/docpipe/internal/models"
)

// ErrNoObjectStorage is reported for object sources when no client is wired.
var ErrNoObjectStorage = errors.New("object storage not configured")

const fetchTimeout = 10 * time.Minute

// fetchObject downloads an object source into a temp file and returns a file
// source named after the object key, so fingerprints do not depend on the
// temp path. cleanup removes the file.
func (o *Orchestrator) fetchObject(ctx context.Context, src models.Source) (models.Source, func(), error) {
	if o.deps.Objects == nil {
		return models.Source{}, nil, ErrNoObjectStorage
	}
	ctx, cancel := context.WithTimeout(ctx, fetchTimeout)
	defer cancel()

	body, err := o.deps.Objects.GetObjectReader(ctx, src.Bucket, src.Key)
	if err != nil {
		return models.Source{}, nil, fmt.Errorf("fetch s3://%s/%s: %w", src.Bucket, src.Key, err)
	}
	defer body.Close()

	f, err := os.CreateTemp(o.cfg.TempDir, "docpipe-*"+filepath.Ext(src.Key))
	if err != nil {
		return models.Source{}, nil, fmt.Errorf("create temp file: %w", err)
	}
	cleanup := func() {
		if err := os.Remove(f.Name()); err != nil && !errors.Is(err, os.ErrNotExist) {
			o.logger.Warn("could not remove fetched object", zap.String("path", f.Name()), zap.Error(err))
		}
	}

	n, err := io.Copy(f, body)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		cleanup()
		return models.Source{}, nil, fmt.Errorf("download s3://%s/%s: %w", src.Bucket, src.Key, err)
	}
	o.logger.Debug("object fetched", zap.String("key", src.Key), zap.Int64("bytes", n))

	local := models.FileSource(f.Name())
	local.Name = src.Name
	local.ContentType = src.ContentType
	return local, cleanup, nil
}
