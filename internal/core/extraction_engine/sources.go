package extraction_engine

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/markdave123-py/docpipe/internal/models"
)

var (
	// ErrUnsupported means a backend cannot handle the source at all; the
	// streamer moves on to the next backend.
	ErrUnsupported = errors.New("source not supported by backend")
	// ErrNoBackend is returned when every backend failed to open a source.
	ErrNoBackend = errors.New("no page source could open the document")
	// ErrPageOutOfRange is returned by LoadPage for an invalid index.
	ErrPageOutOfRange = errors.New("page index out of range")
)

// readerAt exposes a file or byte source as random-access content.
type readerAt struct {
	io.ReaderAt
	size   int64
	closer io.Closer
}

func (r *readerAt) Close() error {
	if r.closer == nil {
		return nil
	}
	return r.closer.Close()
}

func openReaderAt(src models.Source) (*readerAt, error) {
	switch src.Kind {
	case models.SourceFile:
		f, err := os.Open(src.Path)
		if err != nil {
			return nil, fmt.Errorf("open %s: %w", src.Path, err)
		}
		info, err := f.Stat()
		if err != nil {
			f.Close()
			return nil, fmt.Errorf("stat %s: %w", src.Path, err)
		}
		return &readerAt{ReaderAt: f, size: info.Size(), closer: f}, nil
	case models.SourceBytes:
		return &readerAt{ReaderAt: bytes.NewReader(src.Data), size: int64(len(src.Data))}, nil
	case models.SourceText:
		return &readerAt{ReaderAt: strings.NewReader(src.Text), size: int64(len(src.Text))}, nil
	default:
		return nil, fmt.Errorf("%w: kind %s", ErrUnsupported, src.Kind)
	}
}

// pdfMagic reports whether the content starts like a PDF file.
func pdfMagic(r io.ReaderAt) bool {
	head := make([]byte, 5)
	n, _ := r.ReadAt(head, 0)
	return n == 5 && string(head) == "%PDF-"
}

// IsPDF reports whether src looks like a PDF by content type, extension or
// magic bytes.
func IsPDF(src models.Source) bool {
	if src.ContentType == "application/pdf" {
		return true
	}
	name := strings.ToLower(src.Name)
	if src.Kind == models.SourceFile {
		name = strings.ToLower(src.Path)
	}
	if strings.HasSuffix(name, ".pdf") {
		return true
	}
	ra, err := openReaderAt(src)
	if err != nil {
		return false
	}
	defer ra.Close()
	return pdfMagic(ra)
}

// recoverInto converts a panic from a third-party parser into *err.
func recoverInto(err *error, what string) {
	if r := recover(); r != nil {
		*err = fmt.Errorf("%s: parser panic: %v", what, r)
	}
}
