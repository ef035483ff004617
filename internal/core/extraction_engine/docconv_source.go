package extraction_engine

import (
	"context"
	"fmt"
	"io"
	"strings"

	"code.sajari.com/docconv"
	"go.uber.org/zap"

	"github.com/markdave123-py/docpipe/internal/core"
	"github.com/markdave123-py/docpipe/internal/logging"
	"github.com/markdave123-py/docpipe/internal/models"
)

var _ core.PageSource = (*DocconvSource)(nil)

// DocconvSource converts office, HTML, RTF and similar formats to text with
// sajari/docconv. Form feeds in the converted body separate pages; a body
// without them is one page. The whole body is held in memory, so it backs
// the direct strategy and acts as the last-resort backend for streaming.
type DocconvSource struct {
	useReadability bool
	logger         *zap.Logger
}

func NewDocconvSource(useReadability bool, logger *zap.Logger) *DocconvSource {
	return &DocconvSource{useReadability: useReadability, logger: logging.OrNop(logger).Named("docconv")}
}

func (s *DocconvSource) Name() string { return "docconv" }

func (s *DocconvSource) Open(ctx context.Context, src models.Source) (_ core.PageReader, err error) {
	defer recoverInto(&err, "docconv")

	text, err := s.Convert(ctx, src)
	if err != nil {
		return nil, err
	}
	return NewStaticReader(SplitPages(text)), nil
}

// Convert returns the plain-text body of src.
func (s *DocconvSource) Convert(ctx context.Context, src models.Source) (string, error) {
	ra, err := openReaderAt(src)
	if err != nil {
		return "", err
	}
	defer ra.Close()

	mimeType := src.ContentType
	if mimeType == "" {
		mimeType = docconv.MimeTypeByExtension(src.Name)
	}

	res, err := docconv.Convert(io.NewSectionReader(ra, 0, ra.size), mimeType, s.useReadability)
	if err != nil {
		s.logger.Debug("conversion failed", zap.String("content_type", mimeType), zap.Error(err))
		return "", fmt.Errorf("docconv %s: %w", mimeType, err)
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if res.Body == "" {
		s.logger.Debug("conversion produced empty text", zap.String("content_type", mimeType))
	}
	return res.Body, nil
}

// SplitPages splits text on form feeds.
func SplitPages(text string) []string {
	if text == "" {
		return nil
	}
	pages := strings.Split(text, "\f")
	if n := len(pages); n > 1 && strings.TrimSpace(pages[n-1]) == "" {
		pages = pages[:n-1]
	}
	return pages
}

// staticReader serves pages that are already in memory.
type staticReader struct {
	pages []string
}

// NewStaticReader wraps in-memory page texts as a core.PageReader.
func NewStaticReader(pages []string) core.PageReader {
	return &staticReader{pages: pages}
}

func (r *staticReader) PageCount() int { return len(r.pages) }

func (r *staticReader) LoadPage(ctx context.Context, index int) (*core.Page, error) {
	if index < 0 || index >= len(r.pages) {
		return nil, fmt.Errorf("%w: %d", ErrPageOutOfRange, index)
	}
	return core.NewPage(index, r.pages[index], nil), nil
}

func (r *staticReader) Close() error { return nil }

// StaticDocument is a Document over in-memory page texts.
type StaticDocument []string

func (d StaticDocument) PageCount(ctx context.Context) (int, error) { return len(d), nil }

func (d StaticDocument) NewReader(ctx context.Context) (core.PageReader, error) {
	return NewStaticReader(d), nil
}
