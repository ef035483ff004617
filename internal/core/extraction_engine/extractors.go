package extraction_engine

import (
	"context"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/markdave123-py/docpipe/internal/core"
	"github.com/markdave123-py/docpipe/internal/models"
)

var (
	_ core.Extractor = (*DelimitedTableExtractor)(nil)
	_ core.Extractor = (*AlignedTableExtractor)(nil)
)

const defaultMinRows = 2

// DelimitedTableExtractor finds runs of lines split by one delimiter (pipe,
// tab or semicolon) into the same number of columns, at least two.
// Markdown-style rules ("|---|---|") are skipped and outer pipes trimmed.
//
// Params: "delimiter" forces a single delimiter, "min_rows" sets the
// smallest block (header included) reported as a table.
type DelimitedTableExtractor struct {
	delimiters []string
	minRows    int
}

func NewDelimitedTableExtractor(params map[string]string) *DelimitedTableExtractor {
	e := &DelimitedTableExtractor{delimiters: []string{"|", "\t", ";"}, minRows: minRowsParam(params)}
	if d := params["delimiter"]; d != "" {
		if d == `\t` {
			d = "\t"
		}
		e.delimiters = []string{d}
	}
	return e
}

func (e *DelimitedTableExtractor) Name() string { return "delimited" }

func (e *DelimitedTableExtractor) Extract(ctx context.Context, pages core.PageReader, r core.PageRange) ([]models.Table, error) {
	return eachPage(ctx, pages, r, func(index int, text string) []models.Table {
		var tables []models.Table
		for _, d := range e.delimiters {
			tables = append(tables, blocks(text, index, e.minRows, e.Name(), func(line string) ([]string, bool) {
				return splitDelimited(line, d)
			})...)
			if len(tables) > 0 {
				// first delimiter that yields tables wins for the page
				break
			}
		}
		return tables
	})
}

func splitDelimited(line, delim string) ([]string, bool) {
	trimmed := strings.TrimSpace(line)
	if !strings.Contains(trimmed, delim) {
		return nil, false
	}
	if delim == "|" {
		trimmed = strings.TrimPrefix(trimmed, "|")
		trimmed = strings.TrimSuffix(trimmed, "|")
	}
	cells := strings.Split(trimmed, delim)
	if len(cells) < 2 {
		return nil, false
	}
	for i := range cells {
		cells[i] = strings.TrimSpace(cells[i])
	}
	return cells, true
}

var (
	alignedSplit = regexp.MustCompile(`\s{2,}|\t`)
	ruleLine     = regexp.MustCompile(`^[\s|:+-]+$`)
)

// AlignedTableExtractor finds runs of lines whose columns are separated by
// two or more spaces, the layout PDF text extraction tends to produce.
type AlignedTableExtractor struct {
	minRows int
}

func NewAlignedTableExtractor(params map[string]string) *AlignedTableExtractor {
	return &AlignedTableExtractor{minRows: minRowsParam(params)}
}

func (e *AlignedTableExtractor) Name() string { return "aligned" }

func (e *AlignedTableExtractor) Extract(ctx context.Context, pages core.PageReader, r core.PageRange) ([]models.Table, error) {
	return eachPage(ctx, pages, r, func(index int, text string) []models.Table {
		return blocks(text, index, e.minRows, e.Name(), func(line string) ([]string, bool) {
			cells := alignedSplit.Split(strings.TrimSpace(line), -1)
			if len(cells) < 2 {
				return nil, false
			}
			return cells, true
		})
	})
}

// eachPage loads every page of r in turn, hands its text to fn and releases
// it before loading the next.
func eachPage(ctx context.Context, pages core.PageReader, r core.PageRange, fn func(index int, text string) []models.Table) ([]models.Table, error) {
	var out []models.Table
	for i := r.Start; i < r.End; i++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		p, err := pages.LoadPage(ctx, i)
		if err != nil {
			return nil, fmt.Errorf("load page %d: %w", i+1, err)
		}
		out = append(out, fn(i, p.Text)...)
		p.Release()
	}
	return out, nil
}

// blocks groups consecutive lines that split into the same column count.
func blocks(text string, pageIndex, minRows int, strategy string, split func(string) ([]string, bool)) []models.Table {
	var (
		tables []models.Table
		rows   [][]string
	)
	flush := func() {
		if len(rows) >= minRows {
			tables = append(tables, newTable(pageIndex, rows, strategy))
		}
		rows = nil
	}

	for _, line := range strings.Split(text, "\n") {
		if strings.TrimSpace(line) == "" {
			flush()
			continue
		}
		if ruleLine.MatchString(line) && strings.ContainsAny(line, "-") {
			continue
		}
		cells, ok := split(line)
		if !ok {
			flush()
			continue
		}
		if len(rows) > 0 && len(cells) != len(rows[0]) {
			flush()
		}
		rows = append(rows, cells)
	}
	flush()
	return tables
}

func newTable(pageIndex int, rows [][]string, strategy string) models.Table {
	data := rows[1:]
	if data == nil {
		data = [][]string{}
	}
	return models.Table{
		Page:     pageIndex + 1,
		Rows:     len(data),
		Columns:  len(rows[0]),
		Headers:  rows[0],
		Data:     data,
		Strategy: strategy,
	}
}

func minRowsParam(params map[string]string) int {
	if v, err := strconv.Atoi(params["min_rows"]); err == nil && v >= 1 {
		return v
	}
	return defaultMinRows
}
