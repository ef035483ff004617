package extraction_engine

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"path/filepath"
	"strings"
	"unicode/utf8"

	"github.com/markdave123-py/docpipe/internal/core"
	"github.com/markdave123-py/docpipe/internal/models"
)

var _ core.PageSource = (*PlainTextSource)(nil)

const DefaultLinesPerPage = 60

// maxLineBytes bounds one indexing token. Longer lines are cut into pieces
// of at most this size and each piece closes a page.
const maxLineBytes = 1 << 20

var textExtensions = map[string]bool{
	".txt": true, ".text": true, ".csv": true, ".tsv": true, ".md": true, ".log": true, ".psv": true,
}

// PlainTextSource pages plain text without loading it: one indexing pass
// records where each page starts, and LoadPage reads just that span.
// A form feed, LinesPerPage newlines or maxLineBytes without a newline end
// a page.
type PlainTextSource struct {
	LinesPerPage int
}

func NewPlainTextSource(linesPerPage int) *PlainTextSource {
	if linesPerPage <= 0 {
		linesPerPage = DefaultLinesPerPage
	}
	return &PlainTextSource{LinesPerPage: linesPerPage}
}

func (s *PlainTextSource) Name() string { return "plaintext" }

func (s *PlainTextSource) Open(ctx context.Context, src models.Source) (core.PageReader, error) {
	ra, err := openReaderAt(src)
	if err != nil {
		return nil, err
	}
	if src.Kind != models.SourceText && !looksLikeText(src, ra) {
		ra.Close()
		return nil, fmt.Errorf("%w: not plain text", ErrUnsupported)
	}

	offsets, err := s.index(ctx, io.NewSectionReader(ra, 0, ra.size))
	if err != nil {
		ra.Close()
		return nil, err
	}
	return &textReader{file: ra, offsets: offsets}, nil
}

// index returns page start offsets followed by the total size.
func (s *PlainTextSource) index(ctx context.Context, r io.Reader) ([]int64, error) {
	sc := bufio.NewScanner(r)
	buf := make([]byte, 0, 64*1024)
	sc.Buffer(buf, maxLineBytes)
	sc.Split(scanLinesOrFeeds)

	offsets := []int64{0}
	var (
		pos   int64
		lines int
	)
	for sc.Scan() {
		if lines%1024 == 0 {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
		}
		tok := sc.Bytes()
		pos += int64(len(tok))
		lines++
		last := tok[len(tok)-1]
		if last == '\f' || lines >= s.LinesPerPage || (last != '\n' && len(tok) >= maxLineBytes-utf8.UTFMax) {
			offsets = append(offsets, pos)
			lines = 0
		}
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("index text: %w", err)
	}
	if offsets[len(offsets)-1] != pos {
		offsets = append(offsets, pos)
	}
	return offsets, nil
}

// scanLinesOrFeeds is a bufio.SplitFunc that keeps the terminator so the
// caller can track exact byte offsets. A line that fills the buffer is
// returned in rune-aligned pieces instead of failing with ErrTooLong.
func scanLinesOrFeeds(data []byte, atEOF bool) (int, []byte, error) {
	if atEOF && len(data) == 0 {
		return 0, nil, nil
	}
	if i := bytes.IndexAny(data, "\n\f"); i >= 0 {
		return i + 1, data[:i+1], nil
	}
	if atEOF {
		return len(data), data, nil
	}
	if len(data) >= maxLineBytes {
		cut := len(data)
		// leave an incomplete trailing rune for the next piece
		for i := 1; i <= utf8.UTFMax && i <= cut; i++ {
			if utf8.RuneStart(data[cut-i]) {
				if !utf8.FullRune(data[cut-i:]) {
					cut -= i
				}
				break
			}
		}
		return cut, data[:cut], nil
	}
	return 0, nil, nil
}

func looksLikeText(src models.Source, ra *readerAt) bool {
	if strings.HasPrefix(src.ContentType, "text/") {
		return true
	}
	name := src.Name
	if src.Kind == models.SourceFile {
		name = src.Path
	}
	if textExtensions[strings.ToLower(filepath.Ext(name))] {
		return true
	}
	head := make([]byte, 512)
	n, _ := ra.ReadAt(head, 0)
	return n > 0 && strings.HasPrefix(http.DetectContentType(head[:n]), "text/plain")
}

type textReader struct {
	file    *readerAt
	offsets []int64
}

func (t *textReader) PageCount() int { return len(t.offsets) - 1 }

func (t *textReader) LoadPage(ctx context.Context, index int) (*core.Page, error) {
	if index < 0 || index >= t.PageCount() {
		return nil, fmt.Errorf("%w: %d", ErrPageOutOfRange, index)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	start, end := t.offsets[index], t.offsets[index+1]
	buf := make([]byte, end-start)
	if _, err := t.file.ReadAt(buf, start); err != nil && err != io.EOF {
		return nil, fmt.Errorf("read page %d: %w", index+1, err)
	}
	return core.NewPage(index, strings.TrimSuffix(string(buf), "\f"), nil), nil
}

func (t *textReader) Close() error { return t.file.Close() }
