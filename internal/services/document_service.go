package services

import (
	"context"
	"fmt"
	"io"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/markdave123-py/docpipe/internal/core"
	"github.com/markdave123-py/docpipe/internal/logging"
	"github.com/markdave123-py/docpipe/internal/models"
)

const uploadTimeout = 5 * time.Minute

// Archived describes an uploaded copy of a document.
type Archived struct {
	Bucket string `json:"bucket"`
	Key    string `json:"key"`
	URL    string `json:"url"`
}

// Source returns an object source pointing at the archived copy.
func (a Archived) Source(name, contentType string) models.Source {
	src := models.ObjectSource(a.Bucket, a.Key)
	if name != "" {
		src.Name = name
	}
	src.ContentType = contentType
	return src
}

// DocumentService copies uploaded documents to object storage.
type DocumentService struct {
	storage core.ObjectClient
	bucket  string
	logger  *zap.Logger
}

func NewDocumentService(storage core.ObjectClient, bucket string, logger *zap.Logger) *DocumentService {
	return &DocumentService{storage: storage, bucket: bucket, logger: logging.OrNop(logger).Named("archive")}
}

// Archive uploads data under the tenant's document prefix.
func (s *DocumentService) Archive(ctx context.Context, tenant, filename, contentType string, data io.Reader) (Archived, error) {
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	key := objectKey(tenant, uuid.NewString(), filename)

	ctx, cancel := context.WithTimeout(ctx, uploadTimeout)
	defer cancel()

	url, err := s.storage.UploadFile(ctx, s.bucket, key, data, contentType)
	if err != nil {
		return Archived{}, fmt.Errorf("archive %s: %w", filename, err)
	}
	s.logger.Info("document archived", zap.String("tenant", tenant), zap.String("key", key))
	return Archived{Bucket: s.bucket, Key: key, URL: url}, nil
}

// Remove deletes an archived copy.
func (s *DocumentService) Remove(ctx context.Context, a Archived) error {
	return s.storage.DeleteFile(ctx, a.Bucket, a.Key)
}

// objectKey creates a consistent S3 key layout.
func objectKey(tenant, docID, filename string) string {
	if tenant == "" {
		tenant = "_shared"
	}
	filename = filepath.Base(strings.TrimSpace(filename))
	filename = strings.ReplaceAll(filename, " ", "_")
	if filename == "." || filename == "/" || filename == "" {
		filename = "document"
	}
	return path.Join("tenants", tenant, "documents", docID, filename)
}
