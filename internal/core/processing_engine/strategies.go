package processing_engine

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"

	"go.uber.org/zap"

	"github.com/markdave123-py/docpipe/internal/core/extraction_engine"
	"github.com/markdave123-py/docpipe/internal/models"
)

// wantTables and wantText: with neither flag set both outputs are produced.
func wantTables(opts models.Options) bool { return opts.ExtractTables || !opts.ExtractText }
func wantText(opts models.Options) bool   { return opts.ExtractText || !opts.ExtractTables }

func (o *Orchestrator) coordinator(r *run) *extraction_engine.Coordinator {
	primary, secondary := o.deps.Primary, o.deps.Secondary
	if primary == nil {
		primary = extraction_engine.NewDelimitedTableExtractor(r.opts.Params)
	}
	if secondary == nil {
		secondary = extraction_engine.NewAlignedTableExtractor(r.opts.Params)
	}
	return extraction_engine.NewCoordinator(primary, secondary, o.deps.Executor, r.logger,
		extraction_engine.WithGovernor(o.deps.Governor),
		extraction_engine.WithRecorder(r.rec))
}

// processRecords turns records into one table whose headers are the sorted
// union of keys. Missing values become empty cells.
func (o *Orchestrator) processRecords(ctx context.Context, r *run) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	stop := r.rec.Track("records")
	headerSet := map[string]struct{}{}
	for _, rec := range r.src.Records {
		for k := range rec {
			headerSet[k] = struct{}{}
		}
	}
	headers := make([]string, 0, len(headerSet))
	for k := range headerSet {
		headers = append(headers, k)
	}
	slices.Sort(headers)

	data := make([][]string, 0, len(r.src.Records))
	var text strings.Builder
	for _, rec := range r.src.Records {
		row := make([]string, len(headers))
		for i, h := range headers {
			if v, ok := rec[h]; ok && v != nil {
				row[i] = fmt.Sprint(v)
			}
		}
		data = append(data, row)
		text.WriteString(strings.Join(row, "\t"))
		text.WriteByte('\n')
	}
	stop()

	if len(data) > 0 {
		r.res.PageCount, r.res.PagesProcessed = 1, 1
		if wantTables(r.opts) {
			r.res.Tables = append(r.res.Tables, models.Table{
				Page:     1,
				Rows:     len(data),
				Columns:  len(headers),
				Headers:  headers,
				Data:     data,
				Strategy: StrategyRecords,
			})
		}
	}

	body := text.String()
	r.scan(o, body)
	if wantText(r.opts) {
		r.res.Text = body
	}
	return nil
}

// processDirect loads the whole document into memory. Plain text is paged
// by the text source, everything else goes through docconv.
func (o *Orchestrator) processDirect(ctx context.Context, r *run) error {
	var pages []string
	err := r.rec.Measure("load", func() error {
		var err error
		pages, err = o.loadPages(ctx, r.src)
		return err
	})
	if err != nil {
		return err
	}
	r.res.PageCount = len(pages)
	r.res.PagesProcessed = len(pages)

	if wantTables(r.opts) && len(pages) > 0 {
		ext, err := o.coordinator(r).ExtractSequential(ctx, extraction_engine.StaticDocument(pages))
		if err != nil {
			return err
		}
		r.res.Tables = ext.Tables
		if ext.Partial {
			r.res.Partial = true
			r.res.Warnings = append(r.res.Warnings, ext.Warnings...)
			pages = pages[:ext.Pages]
			r.res.PagesProcessed = ext.Pages
		}
	}

	body := strings.Join(pages, "\f")
	r.scan(o, body)
	if wantText(r.opts) {
		r.res.Text = body
	}
	return nil
}

func (o *Orchestrator) loadPages(ctx context.Context, src models.Source) ([]string, error) {
	reader, err := o.plainText.Open(ctx, src)
	if errors.Is(err, extraction_engine.ErrUnsupported) {
		text, err := o.docconv.Convert(ctx, src)
		if err != nil {
			return nil, err
		}
		return extraction_engine.SplitPages(text), nil
	}
	if err != nil {
		return nil, err
	}
	defer reader.Close()

	pages := make([]string, 0, reader.PageCount())
	for i := range reader.PageCount() {
		p, err := reader.LoadPage(ctx, i)
		if err != nil {
			return nil, fmt.Errorf("page %d: %w", i+1, err)
		}
		pages = append(pages, p.Text)
		p.Release()
	}
	return pages, nil
}

// processStreaming never holds more than one batch of pages for scanning.
// Tables come from the coordinator, which opens its own readers per range.
// The governor is polled after every batch; a breach stops the run with a
// partial result.
func (o *Orchestrator) processStreaming(ctx context.Context, r *run) error {
	sources := o.textSources
	if extraction_engine.IsPDF(r.src) {
		sources = o.pdfSources
	}
	streamer := extraction_engine.NewPageStreamer(r.src, sources, r.logger)
	defer streamer.Close()

	var n int
	err := r.rec.Measure("open", func() error {
		var err error
		n, err = streamer.PageCount(ctx)
		return err
	})
	if err != nil {
		return err
	}
	r.res.PageCount = n
	r.logger.Debug("streaming document", zap.String("backend", streamer.Backend()), zap.Int("pages", n))

	limit := n
	if wantTables(r.opts) && n > 0 {
		ext, err := o.coordinator(r).Extract(ctx, streamer, o.workers(r.opts))
		if err != nil {
			return err
		}
		r.res.Tables = ext.Tables
		r.res.Warnings = append(r.res.Warnings, ext.Warnings...)
		if ext.Partial {
			r.res.Partial = true
			limit = ext.Pages
		}
	}

	acc := o.deps.Scanner.NewAccumulator(r.patterns)
	keepText := wantText(r.opts)
	var text strings.Builder
	processed := 0

	for batch := range streamer.Stream(ctx, o.chunkSize(r.opts)) {
		stop := r.rec.Track("scan_batch")
		for _, p := range batch {
			if p.Index >= limit {
				break
			}
			if p.Index > 0 {
				acc.Feed("\f")
				if keepText {
					text.WriteByte('\f')
				}
			}
			acc.Feed(p.Text)
			if keepText {
				text.WriteString(p.Text)
			}
			processed = p.Index + 1
		}
		stop()

		if processed >= limit {
			break
		}
		if !o.deps.Governor.WithinBudget() {
			r.res.Partial = true
			r.warn(fmt.Sprintf("memory ceiling reached after %d of %d pages", processed, n))
			break
		}
	}

	r.res.Matches = acc.Flush()
	r.res.PagesProcessed = processed
	if !r.res.Partial {
		r.res.PagesProcessed = n
	}
	if keepText {
		r.res.Text = text.String()
	}
	r.res.Warnings = append(r.res.Warnings, streamer.Warnings()...)

	if err := streamer.Err(); err != nil {
		return fmt.Errorf("stream pages: %w", err)
	}
	return nil
}

func (r *run) scan(o *Orchestrator, text string) {
	stop := r.rec.Track("scan")
	r.res.Matches = o.deps.Scanner.Scan(text, r.patterns)
	stop()
}

var _ extraction_engine.Document = (*extraction_engine.PageStreamer)(nil)
