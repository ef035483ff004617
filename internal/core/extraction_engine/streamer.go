package extraction_engine

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"sync"

	"go.uber.org/zap"

	"github.com/markdave123-py/docpipe/internal/core"
	"github.com/markdave123-py/docpipe/internal/logging"
	"github.com/markdave123-py/docpipe/internal/models"
)

const DefaultPageChunkSize = 8

// ErrAlreadyStreamed is recorded when Stream is called a second time.
var ErrAlreadyStreamed = errors.New("page stream already consumed")

// PageStreamer yields a document's pages in bounded batches. Backends are
// tried in order on first use; the first that opens the document is kept
// for every later reader.
type PageStreamer struct {
	src     models.Source
	sources []core.PageSource
	logger  *zap.Logger

	mu       sync.Mutex
	reader   core.PageReader
	backend  core.PageSource
	opened   bool
	streamed bool
	err      error
	warnings []string
}

func NewPageStreamer(src models.Source, sources []core.PageSource, logger *zap.Logger) *PageStreamer {
	return &PageStreamer{
		src:     src,
		sources: sources,
		logger:  logging.OrNop(logger).Named("streamer").With(zap.String("source", src.Name)),
	}
}

// PageCount opens the document if needed and returns its page count.
func (s *PageStreamer) PageCount(ctx context.Context) (int, error) {
	r, err := s.open(ctx)
	if err != nil {
		return 0, err
	}
	return r.PageCount(), nil
}

// Backend returns the name of the backend in use, or "" before opening.
func (s *PageStreamer) Backend() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.backend == nil {
		return ""
	}
	return s.backend.Name()
}

// NewReader opens a fresh, independent reader on the chosen backend. Each
// extraction job owns one so jobs never share parser state.
func (s *PageStreamer) NewReader(ctx context.Context) (core.PageReader, error) {
	if _, err := s.open(ctx); err != nil {
		return nil, err
	}
	s.mu.Lock()
	backend := s.backend
	s.mu.Unlock()
	return openSafe(ctx, backend, s.src)
}

// Stream returns a single-pass sequence of page batches of at most
// chunkSize pages. Once the loop body returns, every page of the batch is
// released before the next batch is loaded, so no more than chunkSize pages
// are live at a time. Pages that fail to load are skipped with a warning.
// Failures end the sequence early and are reported by Err.
func (s *PageStreamer) Stream(ctx context.Context, chunkSize int) iter.Seq[[]*core.Page] {
	if chunkSize <= 0 {
		chunkSize = DefaultPageChunkSize
	}
	return func(yield func([]*core.Page) bool) {
		s.mu.Lock()
		if s.streamed {
			s.mu.Unlock()
			s.setErr(ErrAlreadyStreamed)
			return
		}
		s.streamed = true
		s.mu.Unlock()

		r, err := s.open(ctx)
		if err != nil {
			return
		}

		n := r.PageCount()
		for start := 0; start < n; start += chunkSize {
			if err := ctx.Err(); err != nil {
				s.setErr(err)
				return
			}
			end := min(start+chunkSize, n)

			batch := make([]*core.Page, 0, end-start)
			for i := start; i < end; i++ {
				p, err := loadSafe(ctx, r, i)
				if err != nil {
					s.warn(fmt.Sprintf("page %d skipped: %v", i+1, err))
					continue
				}
				batch = append(batch, p)
			}

			more := yield(batch)
			for i, p := range batch {
				p.Release()
				batch[i] = nil
			}
			batch = nil
			if !more {
				return
			}
		}
	}
}

// Err returns the failure that ended the stream, if any.
func (s *PageStreamer) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Warnings returns the non-fatal problems met so far.
func (s *PageStreamer) Warnings() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.warnings...)
}

// Close releases the shared reader.
func (s *PageStreamer) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.reader == nil {
		return nil
	}
	err := s.reader.Close()
	s.reader = nil
	return err
}

func (s *PageStreamer) open(ctx context.Context) (core.PageReader, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.opened {
		if s.reader == nil {
			if s.err != nil {
				return nil, s.err
			}
			return nil, fmt.Errorf("%w: streamer closed", ErrNoBackend)
		}
		return s.reader, nil
	}
	s.opened = true

	var errs []error
	for _, src := range s.sources {
		r, err := openSafe(ctx, src, s.src)
		if err != nil {
			s.logger.Debug("backend could not open document",
				zap.String("backend", src.Name()), zap.Error(err))
			errs = append(errs, fmt.Errorf("%s: %w", src.Name(), err))
			continue
		}
		if len(errs) > 0 {
			s.warnings = append(s.warnings, fmt.Sprintf("opened with fallback backend %s", src.Name()))
		}
		s.reader, s.backend = r, src
		return r, nil
	}

	if len(errs) == 0 {
		errs = append(errs, errors.New("no backends configured"))
	}
	s.err = fmt.Errorf("%w: %w", ErrNoBackend, errors.Join(errs...))
	s.logger.Warn("every backend failed", zap.Error(s.err))
	return nil, s.err
}

func (s *PageStreamer) setErr(err error) {
	s.mu.Lock()
	if s.err == nil {
		s.err = err
	}
	s.mu.Unlock()
}

func (s *PageStreamer) warn(msg string) {
	s.logger.Warn(msg)
	s.mu.Lock()
	s.warnings = append(s.warnings, msg)
	s.mu.Unlock()
}

func openSafe(ctx context.Context, src core.PageSource, doc models.Source) (r core.PageReader, err error) {
	defer recoverInto(&err, src.Name())
	return src.Open(ctx, doc)
}

func loadSafe(ctx context.Context, r core.PageReader, index int) (p *core.Page, err error) {
	defer recoverInto(&err, "load page")
	return r.LoadPage(ctx, index)
}
