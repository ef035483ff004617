package extraction_engine

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"unicode/utf8"

	"github.com/ledongthuc/pdf"

	"github.com/markdave123-py/docpipe/internal/core"
	"github.com/markdave123-py/docpipe/internal/models"
)

var _ core.PageSource = (*PDFTextSource)(nil)

// PDFTextSource is the primary PDF backend, built on ledongthuc/pdf.
// Text is rebuilt row by row; a horizontal gap of two or more estimated
// character widths becomes a double space so column layouts survive.
type PDFTextSource struct{}

func NewPDFTextSource() *PDFTextSource { return &PDFTextSource{} }

func (s *PDFTextSource) Name() string { return "ledongthuc-pdf" }

func (s *PDFTextSource) Open(ctx context.Context, src models.Source) (_ core.PageReader, err error) {
	defer recoverInto(&err, "open pdf")

	ra, err := openReaderAt(src)
	if err != nil {
		return nil, err
	}
	if !pdfMagic(ra) {
		ra.Close()
		return nil, fmt.Errorf("%w: not a pdf", ErrUnsupported)
	}

	r, err := pdf.NewReader(ra, ra.size)
	if err != nil {
		ra.Close()
		return nil, fmt.Errorf("read pdf: %w", err)
	}
	return &pdfTextReader{file: ra, r: r, pages: r.NumPage()}, nil
}

type pdfTextReader struct {
	file  *readerAt
	r     *pdf.Reader
	pages int
}

func (p *pdfTextReader) PageCount() int { return p.pages }

func (p *pdfTextReader) LoadPage(ctx context.Context, index int) (_ *core.Page, err error) {
	if index < 0 || index >= p.pages {
		return nil, fmt.Errorf("%w: %d", ErrPageOutOfRange, index)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	defer recoverInto(&err, fmt.Sprintf("page %d", index+1))

	page := p.r.Page(index + 1)
	if page.V.IsNull() {
		return nil, fmt.Errorf("page %d: missing page object", index+1)
	}

	rows, err := page.GetTextByRow()
	if err != nil || len(rows) == 0 {
		text, perr := page.GetPlainText(nil)
		if perr != nil {
			return nil, fmt.Errorf("page %d: %w", index+1, perr)
		}
		return core.NewPage(index, text, nil), nil
	}
	return core.NewPage(index, rowsToText(rows), nil), nil
}

func (p *pdfTextReader) Close() error { return p.file.Close() }

// avgCharWidth approximates one glyph at body size, in points. Row texts
// carry no width of their own.
const avgCharWidth = 5.0

// rowsToText renders rows top to bottom.
func rowsToText(rows pdf.Rows) string {
	sorted := append(pdf.Rows(nil), rows...)
	// PDF y grows upwards
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Position > sorted[j].Position })

	var b strings.Builder
	for _, row := range sorted {
		words := append(pdf.TextHorizontal(nil), row.Content...)
		sort.SliceStable(words, func(i, j int) bool { return words[i].X < words[j].X })

		var prevEnd float64
		for i, w := range words {
			if i > 0 {
				gap := w.X - prevEnd
				switch {
				case gap >= 2*avgCharWidth:
					b.WriteString("  ")
				case gap > avgCharWidth/2:
					b.WriteByte(' ')
				}
			}
			b.WriteString(w.S)
			width := w.W
			if width <= 0 {
				width = float64(utf8.RuneCountInString(w.S)) * avgCharWidth
			}
			prevEnd = w.X + width
		}
		b.WriteByte('\n')
	}
	return b.String()
}
