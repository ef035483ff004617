package extraction_engine

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/markdave123-py/docpipe/internal/core"
	"github.com/markdave123-py/docpipe/internal/core/governor"
	"github.com/markdave123-py/docpipe/internal/core/taskqueue"
	"github.com/markdave123-py/docpipe/internal/models"
)

// sabotageExecutor panics inside one job, then delegates.
type sabotageExecutor struct {
	inner core.Executor
	fail  int
}

func (s sabotageExecutor) Execute(ctx context.Context, jobs []core.Job) []core.JobResult {
	wrapped := make([]core.Job, len(jobs))
	copy(wrapped, jobs)
	if s.fail < len(wrapped) {
		wrapped[s.fail] = func(context.Context) (any, error) { panic("worker crashed") }
	}
	return s.inner.Execute(ctx, wrapped)
}

// fixturePages has distinct content per page: delimited tables on some
// pages, an aligned table on one, plain prose elsewhere.
func fixturePages(n int) StaticDocument {
	pages := make(StaticDocument, n)
	for i := range pages {
		switch i % 3 {
		case 0:
			pages[i] = fmt.Sprintf("Report page %d\n\nsku|qty|price\nA%d|%d|9.99\nB%d|%d|1.50\n", i+1, i, i+1, i, i+2)
		case 1:
			pages[i] = fmt.Sprintf("Name    Region    Total\nAcme%d    North    %d\nBeta%d    South    %d\n", i, i*10, i, i*20)
		default:
			pages[i] = fmt.Sprintf("Narrative only on page %d.", i+1)
		}
	}
	return pages
}

func newTestCoordinator(t *testing.T, exec core.Executor, opts ...CoordinatorOption) *Coordinator {
	return NewCoordinator(NewDelimitedTableExtractor(nil), NewAlignedTableExtractor(nil), exec, zaptest.NewLogger(t), opts...)
}

func TestPartition(t *testing.T) {
	assert.Equal(t, []core.PageRange{{Start: 0, End: 4}, {Start: 4, End: 7}, {Start: 7, End: 10}}, Partition(10, 3))
	assert.Equal(t, []core.PageRange{{Start: 0, End: 1}, {Start: 1, End: 2}}, Partition(2, 8))
	assert.Equal(t, []core.PageRange{{Start: 0, End: 5}}, Partition(5, 0))
	assert.Nil(t, Partition(0, 4))
}

func TestExtract_ParallelEqualsSequential(t *testing.T) {
	doc := fixturePages(11)
	c := newTestCoordinator(t, NewPoolExecutor(0))

	seq, err := c.ExtractSequential(context.Background(), doc)
	require.NoError(t, err)
	require.NotEmpty(t, seq.Tables)

	for w := 1; w <= 5; w++ {
		got, err := c.Extract(context.Background(), doc, w)
		require.NoError(t, err, "workers=%d", w)
		assert.False(t, got.Sequential)
		assert.Equal(t, seq.Tables, got.Tables, "workers=%d", w)
	}

	// ascending page order
	for i := 1; i < len(seq.Tables); i++ {
		assert.LessOrEqual(t, seq.Tables[i-1].Page, seq.Tables[i].Page)
	}
}

func TestExtract_QueueBackedExecutor(t *testing.T) {
	doc := fixturePages(9)
	q := taskqueue.New(taskqueue.Config{Workers: 3, Capacity: 2}, zaptest.NewLogger(t))
	defer q.StopWorkers()

	want, err := newTestCoordinator(t, nil).ExtractSequential(context.Background(), doc)
	require.NoError(t, err)

	got, err := newTestCoordinator(t, q).Extract(context.Background(), doc, 4)
	require.NoError(t, err)
	assert.False(t, got.Sequential)
	assert.Equal(t, want.Tables, got.Tables)
}

func TestExtract_SecondaryUsedPerPage(t *testing.T) {
	c := newTestCoordinator(t, nil)
	got, err := c.Extract(context.Background(), fixturePages(2), 2)
	require.NoError(t, err)

	require.Len(t, got.Tables, 2)
	assert.Equal(t, "delimited", got.Tables[0].Strategy)
	assert.Equal(t, []string{"sku", "qty", "price"}, got.Tables[0].Headers)
	assert.Equal(t, "aligned", got.Tables[1].Strategy)
	assert.Equal(t, 2, got.Tables[1].Page)
	assert.Equal(t, [][]string{{"Acme1", "North", "10"}, {"Beta1", "South", "20"}}, got.Tables[1].Data)
}

func TestExtract_FailingWorkerFallsBack(t *testing.T) {
	// 3 pages, 2 tables
	doc := fixturePages(3)
	c := newTestCoordinator(t, sabotageExecutor{inner: NewPoolExecutor(3), fail: 1})

	got, err := c.Extract(context.Background(), doc, 3)
	require.NoError(t, err)
	assert.True(t, got.Sequential)
	assert.NotEmpty(t, got.Warnings)

	want, err := newTestCoordinator(t, nil).ExtractSequential(context.Background(), doc)
	require.NoError(t, err)
	require.Len(t, want.Tables, 2)
	assert.Equal(t, want.Tables, got.Tables)
}

type erroringExtractor struct{}

func (erroringExtractor) Name() string { return "broken" }
func (erroringExtractor) Extract(context.Context, core.PageReader, core.PageRange) ([]models.Table, error) {
	return nil, errors.New("cannot parse")
}

func TestExtract_BothExtractorsFail(t *testing.T) {
	c := NewCoordinator(erroringExtractor{}, erroringExtractor{}, nil, zaptest.NewLogger(t))
	_, err := c.Extract(context.Background(), fixturePages(2), 2)
	assert.Error(t, err)
}

func TestExtract_GovernorReturnsPrefix(t *testing.T) {
	low := governor.New(0.1, governor.StaticSampler{Resident: 900, Total: 1000}, zaptest.NewLogger(t))
	c := newTestCoordinator(t, NewPoolExecutor(0), WithGovernor(low))

	got, err := c.Extract(context.Background(), fixturePages(6), 3)
	require.NoError(t, err)
	assert.True(t, got.Partial)
	assert.NotEmpty(t, got.Warnings)
	for _, tbl := range got.Tables {
		assert.LessOrEqual(t, tbl.Page, 2)
	}
}

// risingSampler crosses the ceiling after it has been sampled after times.
type risingSampler struct {
	calls atomic.Int32
	after int32
}

func (s *risingSampler) ResidentBytes() (uint64, error) {
	if s.calls.Add(1) > s.after {
		return 900, nil
	}
	return 100, nil
}

func (s *risingSampler) TotalBytes() (uint64, error) { return 1000, nil }

func TestExtract_GovernorStopsInsideRange(t *testing.T) {
	for name, run := range map[string]func(*Coordinator, Document) (*Extraction, error){
		"single range": func(c *Coordinator, doc Document) (*Extraction, error) {
			return c.Extract(context.Background(), doc, 1)
		},
		"sequential": func(c *Coordinator, doc Document) (*Extraction, error) {
			return c.ExtractSequential(context.Background(), doc)
		},
	} {
		t.Run(name, func(t *testing.T) {
			g := governor.New(0.5, &risingSampler{after: 2}, zaptest.NewLogger(t))
			c := newTestCoordinator(t, NewPoolExecutor(0), WithGovernor(g))

			got, err := run(c, fixturePages(6))
			require.NoError(t, err)
			assert.True(t, got.Partial)
			assert.Equal(t, 6, got.PageCount)
			assert.Equal(t, 3, got.Pages)
			require.NotEmpty(t, got.Warnings)
			assert.Contains(t, got.Warnings[len(got.Warnings)-1], "after 3 of 6 pages")

			require.Len(t, got.Tables, 2)
			for _, tbl := range got.Tables {
				assert.LessOrEqual(t, tbl.Page, 3)
			}
		})
	}
}

func TestExtract_EmptyDocument(t *testing.T) {
	c := newTestCoordinator(t, nil)
	got, err := c.Extract(context.Background(), StaticDocument{}, 4)
	require.NoError(t, err)
	assert.Empty(t, got.Tables)
}

func TestPoolExecutor_SubmissionOrder(t *testing.T) {
	jobs := make([]core.Job, 5)
	for i := range jobs {
		jobs[i] = func(context.Context) (any, error) { return i, nil }
	}
	res := NewPoolExecutor(2).Execute(context.Background(), jobs)
	for i, r := range res {
		require.NoError(t, r.Err)
		assert.Equal(t, i, r.Value)
	}
}
