package processing_engine

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/markdave123-py/docpipe/internal/core"
	"github.com/markdave123-py/docpipe/internal/core/cache"
	"github.com/markdave123-py/docpipe/internal/core/governor"
	"github.com/markdave123-py/docpipe/internal/core/taskqueue"
	"github.com/markdave123-py/docpipe/internal/models"
)

const invoiceText = "Invoice summary\n\nitem|amount\nwidgets|$1,200.00\ngadgets|$5.00\n\nQuestions: billing@example.com\n"

func newTestOrchestrator(t *testing.T, cfg Config, deps Deps) *Orchestrator {
	t.Helper()
	return New(cfg, deps, zaptest.NewLogger(t))
}

// multiPageText has one delimited table and one address per page.
func multiPageText(pages int) string {
	var b strings.Builder
	for i := range pages {
		if i > 0 {
			b.WriteByte('\f')
		}
		fmt.Fprintf(&b, "Page %d\nsku|qty\nA%d|%d\nB%d|%d\n\nowner%d@example.com\n", i+1, i, i, i, i+1, i)
	}
	return b.String()
}

func TestProcess_DirectTextWithPatterns(t *testing.T) {
	o := newTestOrchestrator(t, Config{}, Deps{})
	res := o.Process(context.Background(), models.TextSource("invoice.txt", invoiceText), models.Options{
		ExtractTables: true,
		ExtractText:   true,
		PatternSet:    "default",
	})

	require.Empty(t, res.Error)
	assert.Equal(t, StrategyDirect, res.Strategy)
	assert.Equal(t, 1, res.PageCount)
	assert.Equal(t, 1, res.PagesProcessed)
	require.Len(t, res.Tables, 1)
	assert.Equal(t, []string{"item", "amount"}, res.Tables[0].Headers)
	assert.Equal(t, 2, res.Tables[0].Rows)
	assert.Equal(t, []string{"billing@example.com"}, res.Matches["email"])
	assert.Equal(t, []string{"$1,200.00", "$5.00"}, res.Matches["amount"])
	assert.Contains(t, res.Text, "Invoice summary")
	assert.False(t, res.Cached)

	_, ok := res.Metrics.Stage("scan")
	assert.True(t, ok)
	_, ok = res.Metrics.Stage("fingerprint")
	assert.True(t, ok)
}

func TestProcess_CustomPatternsOverrideSet(t *testing.T) {
	o := newTestOrchestrator(t, Config{}, Deps{
		PatternSets: map[string]map[string]string{"ids": {"ticket": `TCK-(\d+)`}},
	})
	res := o.Process(context.Background(), models.TextSource("t.txt", "see TCK-12 and TCK-7, PO-9"), models.Options{
		PatternSet: "ids",
		Patterns:   map[string]string{"po": `PO-\d+`},
	})
	require.Empty(t, res.Error)
	assert.Equal(t, []string{"12", "7"}, res.Matches["ticket"])
	assert.Equal(t, []string{"PO-9"}, res.Matches["po"])

	res = o.Process(context.Background(), models.TextSource("t.txt", "x"), models.Options{PatternSet: "missing"})
	assert.Contains(t, res.Error, ErrInvalidOptions.Error())
}

func TestProcess_CacheHit(t *testing.T) {
	rc := cache.New(nil, cache.Config{TenantIsolation: true}, zaptest.NewLogger(t))
	o := newTestOrchestrator(t, Config{}, Deps{Cache: rc})
	src := models.TextSource("invoice.txt", invoiceText)
	opts := models.Options{ExtractTables: true, TenantID: "acme"}

	first := o.Process(context.Background(), src, opts)
	require.Empty(t, first.Error)
	assert.False(t, first.Cached)

	second := o.Process(context.Background(), src, opts)
	require.Empty(t, second.Error)
	assert.True(t, second.Cached)
	assert.Equal(t, first.Fingerprint, second.Fingerprint)
	assert.Equal(t, first.Tables, second.Tables)

	_, ok := second.Metrics.Stage("cache")
	assert.True(t, ok, "a hit reports fresh metrics with the cache stage")
	_, ok = second.Metrics.Stage("scan")
	assert.False(t, ok, "a hit does not rerun the pipeline")

	other := o.Process(context.Background(), src, models.Options{ExtractTables: true, TenantID: "globex"})
	assert.False(t, other.Cached, "tenants do not share entries")

	noCache := o.Process(context.Background(), src, models.Options{ExtractTables: true, TenantID: "acme", NoCache: true})
	assert.False(t, noCache.Cached)

	stats := rc.Stats(context.Background())
	assert.Equal(t, int64(1), stats.Hits)
}

func TestProcess_ResolvedSettingsChangeFingerprint(t *testing.T) {
	store := cache.NewMemoryStore()
	logger := zaptest.NewLogger(t)
	shared := func() *cache.ResultCache { return cache.New(store, cache.Config{}, logger) }
	ctx := context.Background()
	src := models.TextSource("refs.txt", "l1 TCK-1 PO-2\nl2\nl3\nl4\nl5\nl6\n")
	opts := models.Options{PatternSet: "ids", Strategy: StrategyStreaming}

	tickets := newTestOrchestrator(t, Config{}, Deps{
		Cache:       shared(),
		PatternSets: map[string]map[string]string{"ids": {"ids": `TCK-\d+`}},
	})
	orders := newTestOrchestrator(t, Config{}, Deps{
		Cache:       shared(),
		PatternSets: map[string]map[string]string{"ids": {"ids": `PO-\d+`}},
	})

	first := tickets.Process(ctx, src, opts)
	require.Empty(t, first.Error)
	assert.Equal(t, []string{"TCK-1"}, first.Matches["ids"])

	second := orders.Process(ctx, src, opts)
	require.Empty(t, second.Error)
	assert.False(t, second.Cached, "a redefined pattern set is a different result")
	assert.NotEqual(t, first.Fingerprint, second.Fingerprint)
	assert.Equal(t, []string{"PO-2"}, second.Matches["ids"])

	paged := newTestOrchestrator(t, Config{LinesPerPage: 2}, Deps{
		Cache:       shared(),
		PatternSets: map[string]map[string]string{"ids": {"ids": `TCK-\d+`}},
	})
	third := paged.Process(ctx, src, opts)
	require.Empty(t, third.Error)
	assert.False(t, third.Cached, "a different page length is a different result")
	assert.Equal(t, 1, first.PageCount)
	assert.Equal(t, 3, third.PageCount)

	direct := tickets.Process(ctx, src, models.Options{PatternSet: "ids", Strategy: StrategyDirect})
	require.Empty(t, direct.Error)
	assert.False(t, direct.Cached)
	assert.NotEqual(t, first.Fingerprint, direct.Fingerprint)

	again := tickets.Process(ctx, src, opts)
	assert.True(t, again.Cached)
	assert.Equal(t, first.Fingerprint, again.Fingerprint)
}

func TestProcess_Records(t *testing.T) {
	o := newTestOrchestrator(t, Config{}, Deps{})
	records := []map[string]any{
		{"name": "alice", "email": "alice@example.com", "age": 31},
		{"name": "bob", "city": nil},
	}
	res := o.Process(context.Background(), models.RecordsSource("people", records), models.Options{PatternSet: "default"})

	require.Empty(t, res.Error)
	assert.Equal(t, StrategyRecords, res.Strategy)
	require.Len(t, res.Tables, 1)
	tbl := res.Tables[0]
	assert.Equal(t, []string{"age", "city", "email", "name"}, tbl.Headers)
	assert.Equal(t, [][]string{{"31", "", "alice@example.com", "alice"}, {"", "", "", "bob"}}, tbl.Data)
	assert.Equal(t, 1, tbl.Page)
	assert.Equal(t, 2, tbl.Rows)
	assert.Equal(t, []string{"alice@example.com"}, res.Matches["email"])
}

func TestProcess_StreamingEqualsDirect(t *testing.T) {
	o := newTestOrchestrator(t, Config{ExtractWorkers: 3, PageChunkSize: 2}, Deps{})
	text := multiPageText(7)
	opts := models.Options{ExtractTables: true, ExtractText: true, PatternSet: "default"}

	opts.Strategy = StrategyDirect
	direct := o.Process(context.Background(), models.TextSource("doc.txt", text), opts)
	opts.Strategy = StrategyStreaming
	streamed := o.Process(context.Background(), models.TextSource("doc.txt", text), opts)

	require.Empty(t, direct.Error)
	require.Empty(t, streamed.Error)
	assert.Equal(t, StrategyStreaming, streamed.Strategy)
	assert.Equal(t, 7, streamed.PageCount)
	assert.Equal(t, 7, streamed.PagesProcessed)
	assert.Len(t, streamed.Tables, 7)
	assert.Equal(t, direct.Tables, streamed.Tables)
	assert.Equal(t, direct.Matches, streamed.Matches)
	assert.Equal(t, direct.Text, streamed.Text)

	batches, ok := streamed.Metrics.Stage("scan_batch")
	require.True(t, ok)
	assert.Equal(t, 4, batches.Count)
}

func TestProcess_LargeInputStreams(t *testing.T) {
	o := newTestOrchestrator(t, Config{StreamingThreshold: 64}, Deps{})
	res := o.Process(context.Background(), models.TextSource("big.txt", multiPageText(3)), models.Options{})
	require.Empty(t, res.Error)
	assert.Equal(t, StrategyStreaming, res.Strategy)
	assert.Len(t, res.Tables, 3)
}

func TestProcess_GovernorBreachIsPartialAndNotCached(t *testing.T) {
	sampler := governor.StaticSampler{Resident: 900, Total: 1000}
	rc := cache.New(nil, cache.Config{}, zaptest.NewLogger(t))
	o := newTestOrchestrator(t, Config{PageChunkSize: 5}, Deps{
		Cache:    rc,
		Sampler:  sampler,
		Governor: governor.New(0.5, sampler, zaptest.NewLogger(t)),
	})

	res := o.Process(context.Background(), models.TextSource("long.txt", multiPageText(30)), models.Options{
		ExtractText: true,
		PatternSet:  "default",
		Strategy:    StrategyStreaming,
	})

	require.Empty(t, res.Error, "a breach is not an error")
	assert.True(t, res.Partial)
	assert.Equal(t, 30, res.PageCount)
	assert.Equal(t, 5, res.PagesProcessed)
	assert.Len(t, res.Matches["email"], 5)
	require.NotEmpty(t, res.Warnings)
	assert.Contains(t, res.Warnings[len(res.Warnings)-1], "memory ceiling")
	assert.Equal(t, uint64(900), res.Metrics.PeakMemoryBytes)
	assert.Equal(t, 0, rc.Stats(context.Background()).Entries, "partial results are not cached")
}

func TestProcess_ErrorEnvelope(t *testing.T) {
	o := newTestOrchestrator(t, Config{}, Deps{})
	ctx := context.Background()

	res := o.Process(ctx, models.Source{Kind: "fax"}, models.Options{})
	assert.Contains(t, res.Error, models.ErrInvalidSource.Error())
	assert.NotNil(t, res.Tables)

	res = o.Process(ctx, models.TextSource("a.txt", "x"), models.Options{Strategy: "quantum"})
	assert.Contains(t, res.Error, "unknown strategy")

	res = o.Process(ctx, models.TextSource("a.txt", "x"), models.Options{TenantID: "../etc"})
	assert.Contains(t, res.Error, cache.ErrInvalidTenant.Error())

	res = o.Process(ctx, models.FileSource("/does/not/exist.txt"), models.Options{})
	assert.Contains(t, res.Error, "fingerprint")
	_, ok := res.Metrics.Stage("fingerprint")
	assert.True(t, ok, "metrics gathered so far are kept")
}

type brokenSource struct{}

func (brokenSource) Name() string { return "broken" }
func (brokenSource) Open(context.Context, models.Source) (core.PageReader, error) {
	return nil, errors.New("cannot parse")
}

func TestProcess_AllBackendsFail(t *testing.T) {
	o := newTestOrchestrator(t, Config{}, Deps{})
	o.textSources = []core.PageSource{brokenSource{}, brokenSource{}}

	res := o.Process(context.Background(), models.TextSource("a.txt", "hello"), models.Options{Strategy: StrategyStreaming})
	assert.Contains(t, res.Error, "cannot parse")
	assert.Equal(t, StrategyStreaming, res.Strategy)
	assert.Empty(t, res.Tables)
}

type panickyExtractor struct{}

func (panickyExtractor) Name() string { return "panicky" }
func (panickyExtractor) Extract(context.Context, core.PageReader, core.PageRange) ([]models.Table, error) {
	panic("index out of range")
}

func TestProcess_PanicBecomesError(t *testing.T) {
	o := newTestOrchestrator(t, Config{}, Deps{Primary: panickyExtractor{}})
	var res *models.ProcessingResult
	require.NotPanics(t, func() {
		res = o.Process(context.Background(), models.TextSource("a.txt", invoiceText), models.Options{})
	})
	assert.Contains(t, res.Error, "index out of range")
}

// objectFake serves objects from memory.
type objectFake struct {
	mu      sync.Mutex
	objects map[string][]byte
}

func (f *objectFake) UploadFile(_ context.Context, bucket, key string, data io.Reader, _ string) (string, error) {
	b, err := io.ReadAll(data)
	if err != nil {
		return "", err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.objects[bucket+"/"+key] = b
	return "s3://" + bucket + "/" + key, nil
}

func (f *objectFake) DeleteFile(_ context.Context, bucket, key string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.objects, bucket+"/"+key)
	return nil
}

func (f *objectFake) GetFile(_ context.Context, bucket, key string) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	b, ok := f.objects[bucket+"/"+key]
	if !ok {
		return nil, core.ErrNotFound
	}
	return b, nil
}

func (f *objectFake) GetObjectReader(ctx context.Context, bucket, key string) (io.ReadCloser, error) {
	b, err := f.GetFile(ctx, bucket, key)
	if err != nil {
		return nil, err
	}
	return io.NopCloser(bytes.NewReader(b)), nil
}

func (f *objectFake) ListKeys(context.Context, string, string) ([]string, error) { return nil, nil }

func TestProcess_ObjectSource(t *testing.T) {
	objects := &objectFake{objects: map[string][]byte{"docs/reports/q1.txt": []byte(invoiceText)}}
	tmp := t.TempDir()
	o := newTestOrchestrator(t, Config{TempDir: tmp}, Deps{Objects: objects})

	res := o.Process(context.Background(), models.ObjectSource("docs", "reports/q1.txt"), models.Options{})
	require.Empty(t, res.Error)
	assert.Equal(t, "reports/q1.txt", res.Source)
	assert.Len(t, res.Tables, 1)

	again := o.Process(context.Background(), models.ObjectSource("docs", "reports/q1.txt"), models.Options{})
	assert.Equal(t, res.Fingerprint, again.Fingerprint, "fingerprint ignores the temp path")

	entries, err := os.ReadDir(tmp)
	require.NoError(t, err)
	assert.Empty(t, entries, "downloads are removed")

	missing := o.Process(context.Background(), models.ObjectSource("docs", "nope.txt"), models.Options{})
	assert.Contains(t, missing.Error, core.ErrNotFound.Error())

	bare := newTestOrchestrator(t, Config{}, Deps{})
	res = bare.Process(context.Background(), models.ObjectSource("docs", "reports/q1.txt"), models.Options{})
	assert.Contains(t, res.Error, ErrNoObjectStorage.Error())
}

func TestChooseStrategy(t *testing.T) {
	o := newTestOrchestrator(t, Config{StreamingThreshold: 100}, Deps{})
	small := models.TextSource("a.txt", "short")
	big := models.TextSource("b.txt", strings.Repeat("x", 101))
	pdf := models.BytesSource("scan.bin", []byte("%PDF-1.7\n..."), "")

	assert.Equal(t, StrategyDirect, o.chooseStrategy(small, models.Options{}))
	assert.Equal(t, StrategyStreaming, o.chooseStrategy(big, models.Options{}))
	assert.Equal(t, StrategyStreaming, o.chooseStrategy(pdf, models.Options{}))
	assert.Equal(t, StrategyStreaming, o.chooseStrategy(small, models.Options{Strategy: StrategyStreaming}))
	assert.Equal(t, StrategyDirect, o.chooseStrategy(big, models.Options{Strategy: StrategyDirect}))
	assert.Equal(t, StrategyRecords, o.chooseStrategy(models.RecordsSource("r", nil), models.Options{Strategy: StrategyDirect}))
}

func newQueue(t *testing.T) *taskqueue.Queue {
	q := taskqueue.New(taskqueue.Config{Workers: 2, Capacity: 4}, zaptest.NewLogger(t))
	t.Cleanup(q.StopWorkers)
	return q
}

func TestProcessBatch(t *testing.T) {
	o := newTestOrchestrator(t, Config{}, Deps{Queue: newQueue(t)})
	sources := []models.Source{
		models.TextSource("a.txt", invoiceText),
		models.TextSource("b.txt", multiPageText(2)),
		models.RecordsSource("c", []map[string]any{{"k": "v"}}),
	}

	var calls atomic.Int32
	ids, err := o.ProcessBatch(context.Background(), sources, []models.Options{{ExtractTables: true}},
		func(src models.Source, res *models.ProcessingResult) {
			calls.Add(1)
		})
	require.NoError(t, err)
	require.Len(t, ids, 3)

	results := o.WaitForBatch(context.Background(), ids, 5*time.Second)
	for _, id := range ids {
		r := results[id]
		require.Equal(t, models.TaskCompleted, r.Status, r.Error)
		res, ok := r.Result.(*models.ProcessingResult)
		require.True(t, ok)
		assert.NotEmpty(t, res.Tables)
	}
	assert.Equal(t, int32(3), calls.Load())
	assert.Equal(t, 3, o.QueueStatus().Completed)

	_, err = o.ProcessBatch(context.Background(), sources, make([]models.Options, 2))
	assert.ErrorIs(t, err, ErrInvalidOptions)
}

func TestProcessAsync_FailedEnvelopeKeepsResult(t *testing.T) {
	o := newTestOrchestrator(t, Config{}, Deps{Queue: newQueue(t)})
	id, err := o.ProcessAsync(context.Background(), models.TextSource("a.txt", "x"), models.Options{Strategy: "quantum"})
	require.NoError(t, err)

	r := o.WaitForBatch(context.Background(), []string{id}, 5*time.Second)[id]
	assert.Equal(t, models.TaskFailed, r.Status)
	res, ok := r.Result.(*models.ProcessingResult)
	require.True(t, ok)
	assert.Equal(t, r.Error, res.Error)

	_, err = o.ProcessAsync(context.Background(), models.Source{Kind: models.SourceFile}, models.Options{})
	assert.ErrorIs(t, err, models.ErrInvalidSource)
}

func TestWaitForBatch_TimeoutLeavesTasksRunning(t *testing.T) {
	q := newQueue(t)
	o := newTestOrchestrator(t, Config{}, Deps{Queue: q})
	release := make(chan struct{})
	id, err := q.AddTask(context.Background(), "", func(context.Context, ...any) (any, error) {
		<-release
		return nil, nil
	})
	require.NoError(t, err)

	start := time.Now()
	res := o.WaitForBatch(context.Background(), []string{id}, 30*time.Millisecond)
	assert.Less(t, time.Since(start), time.Second)
	assert.False(t, res[id].Status.Finished())

	close(release)
	res = o.WaitForBatch(context.Background(), []string{id}, time.Second)
	assert.Equal(t, models.TaskCompleted, res[id].Status)
}

func TestAsyncWithoutQueue(t *testing.T) {
	o := newTestOrchestrator(t, Config{}, Deps{})
	_, err := o.ProcessAsync(context.Background(), models.TextSource("a", "b"), models.Options{})
	assert.ErrorIs(t, err, ErrNoQueue)
	assert.Equal(t, models.TaskUnknown, o.TaskResult("x").Status)
	assert.Equal(t, models.TaskUnknown, o.WaitForBatch(context.Background(), []string{"x"}, 0)["x"].Status)
}
