package core

import (
	"context"

	"github.com/markdave123-py/docpipe/internal/models"
)

// PageRange is the half-open page interval [Start, End), zero-based.
type PageRange struct {
	Start int
	End   int
}

// Len returns the number of pages in the range.
func (r PageRange) Len() int {
	if r.End < r.Start {
		return 0
	}
	return r.End - r.Start
}

// Page is a handle on one loaded page. Release drops whatever the backend
// holds for it; the page must not be used afterwards.
type Page struct {
	Index int
	Text  string

	release func()
}

// NewPage builds a page handle; release may be nil.
func NewPage(index int, text string, release func()) *Page {
	return &Page{Index: index, Text: text, release: release}
}

// Release frees the page. Calling it more than once is a no-op.
func (p *Page) Release() {
	if p == nil {
		return
	}
	if p.release != nil {
		p.release()
		p.release = nil
	}
	p.Text = ""
}

// PageReader is an opened document.
type PageReader interface {
	PageCount() int
	LoadPage(ctx context.Context, index int) (*Page, error)
	Close() error
}

// PageSource opens documents with one parsing backend. A failing Open is an
// expected outcome that callers answer by trying the next source.
type PageSource interface {
	Name() string
	Open(ctx context.Context, src models.Source) (PageReader, error)
}

// Extractor finds tables in a page range.
type Extractor interface {
	Name() string
	Extract(ctx context.Context, pages PageReader, r PageRange) ([]models.Table, error)
}
