package scheduler

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kurihiro0119/docstring-harvester/internal/domain"
	apperrors "github.com/kurihiro0119/docstring-harvester/internal/errors"
	"github.com/kurihiro0119/docstring-harvester/internal/harvester"
	"github.com/kurihiro0119/docstring-harvester/internal/index"
	"github.com/kurihiro0119/docstring-harvester/internal/sink"
	"github.com/kurihiro0119/docstring-harvester/internal/storage"
	"github.com/kurihiro0119/docstring-harvester/internal/storage/memory"
	"github.com/kurihiro0119/docstring-harvester/internal/storage/storagetest"
)

type fakeSearch struct {
	pages [][]domain.RepositoryRef
	err   error // returned for the page after the last one
	calls atomic.Int32
}

func (f *fakeSearch) SearchPage(_ context.Context, _ string, page int) ([]domain.RepositoryRef, bool, error) {
	f.calls.Add(1)
	if page > len(f.pages) {
		if f.err != nil {
			return nil, false, f.err
		}
		return nil, false, nil
	}
	more := page < len(f.pages) || f.err != nil
	return f.pages[page-1], more, nil
}

type processFunc func(ctx context.Context, repo domain.RepositoryRef) (harvester.Result, error)

func (f processFunc) Process(ctx context.Context, repo domain.RepositoryRef) (harvester.Result, error) {
	return f(ctx, repo)
}

func refs(ids ...int64) []domain.RepositoryRef {
	out := make([]domain.RepositoryRef, len(ids))
	for i, id := range ids {
		out[i] = domain.RepositoryRef{ID: id, FullName: fmt.Sprintf("octo/repo-%d", id)}
	}
	return out
}

// unitProcessor adds n units per repository to the sink and completes it
func unitProcessor(sk *sink.Sink, n int) processFunc {
	return func(ctx context.Context, repo domain.RepositoryRef) (harvester.Result, error) {
		for i := 0; i < n; i++ {
			name := fmt.Sprintf("f%d", i)
			err := sk.Add(ctx, &domain.CodeUnit{
				Key:           domain.UnitKey(repo.ID, "a.py", domain.UnitKindFunction, name, i),
				RepoID:        repo.ID,
				Path:          "a.py",
				Kind:          domain.UnitKindFunction,
				QualifiedName: name,
			})
			if err != nil {
				return harvester.Result{}, err
			}
		}
		if err := sk.Complete(ctx, repo.Completed(n, time.Now())); err != nil {
			return harvester.Result{}, err
		}
		return harvester.Result{Files: 1, Units: n}, nil
	}
}

type fixture struct {
	store storage.Storage
	index *index.Index
	sink  *sink.Sink
}

func newFixture(store storage.Storage, batchSize int) *fixture {
	idx := index.New()
	return &fixture{
		store: store,
		index: idx,
		sink:  sink.New(store, batchSize, sink.WithCommitHook(idx.Record), sink.WithLogger(discard())),
	}
}

func (f *fixture) scheduler(cfg Config, search Searcher, proc Processor, opts ...Option) *Scheduler {
	opts = append(opts, WithLogger(discard()))
	return New(cfg, search, proc, f.sink, f.index, f.store, opts...)
}

func discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func processedIDs(t *testing.T, store storage.Storage) []int64 {
	t.Helper()
	ids, err := store.ProcessedRepositoryIDs(context.Background())
	require.NoError(t, err)
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

func TestRunSkipsProcessedRepositories(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	require.NoError(t, store.CommitBatch(ctx, nil, []domain.ProcessedRepository{{ID: 2}}))

	f := newFixture(store, 4)
	var mu sync.Mutex
	var seen []int64
	proc := unitProcessor(f.sink, 1)
	counting := processFunc(func(ctx context.Context, repo domain.RepositoryRef) (harvester.Result, error) {
		mu.Lock()
		seen = append(seen, repo.ID)
		mu.Unlock()
		return proc(ctx, repo)
	})

	search := &fakeSearch{pages: [][]domain.RepositoryRef{refs(1, 2, 3), refs(4, 5, 6)}}
	report, err := f.scheduler(Config{Query: "language:python", Workers: 3, QueueCapacity: 2}, search, counting).Run(ctx)
	require.NoError(t, err)

	assert.ElementsMatch(t, []int64{1, 3, 4, 5, 6}, seen)
	assert.Equal(t, 5, report.Processed)
	assert.Equal(t, 1, report.Skipped)
	assert.Zero(t, report.Failed)
	assert.Equal(t, 2, report.Pages)
	assert.Equal(t, 5, report.Units)
	assert.Equal(t, domain.RunStatusCompleted, report.Status)
	assert.Equal(t, StateDone, report.State)
	assert.Equal(t, []int64{1, 2, 3, 4, 5, 6}, processedIDs(t, store))

	runs, err := store.GetRuns(ctx, 10)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, report.RunID, runs[0].ID)
	assert.Equal(t, domain.RunStatusCompleted, runs[0].Status)
	assert.Equal(t, 5, runs[0].Processed)
	assert.NotNil(t, runs[0].FinishedAt)
}

func TestRunBoundsInFlight(t *testing.T) {
	const workers = 3
	f := newFixture(memory.New(), 10)

	var current, peak atomic.Int32
	proc := processFunc(func(ctx context.Context, repo domain.RepositoryRef) (harvester.Result, error) {
		n := current.Add(1)
		defer current.Add(-1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(5 * time.Millisecond)
		return harvester.Result{}, f.sink.Complete(ctx, repo.Completed(0, time.Now()))
	})

	var ids []int64
	for i := int64(1); i <= 30; i++ {
		ids = append(ids, i)
	}
	search := &fakeSearch{pages: [][]domain.RepositoryRef{refs(ids[:15]...), refs(ids[15:]...)}}

	report, err := f.scheduler(Config{Workers: workers, QueueCapacity: 4}, search, proc).Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 30, report.Processed)
	assert.LessOrEqual(t, int(peak.Load()), workers)
	assert.LessOrEqual(t, report.PeakInFlight, workers)
	assert.GreaterOrEqual(t, report.PeakInFlight, 1)
}

func TestRunRespectsMaxRepos(t *testing.T) {
	f := newFixture(memory.New(), 10)
	search := &fakeSearch{pages: [][]domain.RepositoryRef{refs(1, 2, 3), refs(4, 5, 6)}}

	report, err := f.scheduler(Config{Workers: 2, MaxRepos: 4}, search, unitProcessor(f.sink, 0)).Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 4, report.Enqueued)
	assert.Equal(t, 4, report.Processed)
	assert.Len(t, processedIDs(t, f.store), 4)
}

func TestRunFailedRepositoryStaysUnprocessed(t *testing.T) {
	f := newFixture(memory.New(), 10)
	ok := unitProcessor(f.sink, 1)
	proc := processFunc(func(ctx context.Context, repo domain.RepositoryRef) (harvester.Result, error) {
		if repo.ID == 2 {
			return harvester.Result{}, apperrors.NewTransientFetchError("octo/repo-2", errors.New("502"))
		}
		return ok(ctx, repo)
	})
	search := &fakeSearch{pages: [][]domain.RepositoryRef{refs(1, 2, 3)}}

	report, err := f.scheduler(Config{Workers: 2}, search, proc).Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, report.Processed)
	assert.Equal(t, 1, report.Failed)
	assert.Equal(t, []int64{1, 3}, processedIDs(t, f.store))
	assert.True(t, f.index.Claim(2), "failed repository is released")
}

func TestRunSearchErrorEndsDiscovery(t *testing.T) {
	tests := []struct {
		name string
		err  error
	}{
		{"exhausted", apperrors.NewCredentialsExhaustedError("no quota")},
		{"permanent", errors.New("search: 400 bad query")},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(memory.New(), 10)
			search := &fakeSearch{pages: [][]domain.RepositoryRef{refs(1, 2)}, err: tt.err}

			report, err := f.scheduler(Config{Workers: 2}, search, unitProcessor(f.sink, 1)).Run(context.Background())
			require.NoError(t, err)
			assert.Equal(t, 1, report.Pages)
			assert.Equal(t, 2, report.Processed, "queued repositories drain")
			assert.Equal(t, domain.RunStatusCompleted, report.Status)
		})
	}
}

func TestRunWorkerExhaustionStopsPaging(t *testing.T) {
	f := newFixture(memory.New(), 10)
	proc := processFunc(func(context.Context, domain.RepositoryRef) (harvester.Result, error) {
		return harvester.Result{}, apperrors.NewCredentialsExhaustedError("no quota")
	})

	pages := make([][]domain.RepositoryRef, 50)
	for i := range pages {
		pages[i] = refs(int64(i*2+1), int64(i*2+2))
	}
	search := &fakeSearch{pages: pages}

	report, err := f.scheduler(Config{Workers: 1, QueueCapacity: 1}, search, proc).Run(context.Background())
	require.NoError(t, err)
	assert.Less(t, int(search.calls.Load()), 50)
	assert.Zero(t, report.Processed)
	assert.Positive(t, report.Failed)
	assert.Empty(t, processedIDs(t, f.store))
}

func TestRunCancellation(t *testing.T) {
	f := newFixture(memory.New(), 100)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var calls atomic.Int32
	inner := unitProcessor(f.sink, 2)
	proc := processFunc(func(ctx context.Context, repo domain.RepositoryRef) (harvester.Result, error) {
		if calls.Add(1) == 3 {
			cancel()
			return harvester.Result{}, ctx.Err()
		}
		return inner(ctx, repo)
	})

	pages := make([][]domain.RepositoryRef, 20)
	for i := range pages {
		pages[i] = refs(int64(i*3+1), int64(i*3+2), int64(i*3+3))
	}

	report, err := f.scheduler(Config{Workers: 1, QueueCapacity: 1}, &fakeSearch{pages: pages}, proc).Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, domain.RunStatusCancelled, report.Status)
	assert.Equal(t, 2, report.Processed)
	assert.Equal(t, []int64{1, 2}, processedIDs(t, f.store), "buffered work is flushed on cancellation")

	stats, err := f.store.GetStats(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(4), stats.Units)
}

func TestRunStorageFailureIsFatal(t *testing.T) {
	store := storagetest.NewFaulty(memory.New())
	boom := errors.New("disk full")
	store.FailCommitsAfter(1, boom)

	f := newFixture(store, 2)
	search := &fakeSearch{pages: [][]domain.RepositoryRef{refs(1, 2)}}

	report, err := f.scheduler(Config{Workers: 1}, search, unitProcessor(f.sink, 3)).Run(context.Background())
	require.Error(t, err)
	assert.True(t, apperrors.IsStorageCommit(err))
	assert.ErrorIs(t, err, boom)
	require.NotNil(t, report)
	assert.Equal(t, domain.RunStatusFailed, report.Status)
	assert.Equal(t, 1, report.LastBatch.Number)
	assert.Empty(t, processedIDs(t, store))

	runs, err := store.GetRuns(context.Background(), 1)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, domain.RunStatusFailed, runs[0].Status)
}

func TestRunCountsOnlyMarkedRepositories(t *testing.T) {
	store := storagetest.NewFaulty(memory.New())
	store.FailCommitsAfter(0, errors.New("disk full"))

	f := newFixture(store, 10)
	search := &fakeSearch{pages: [][]domain.RepositoryRef{refs(1, 2)}}

	report, err := f.scheduler(Config{Workers: 2}, search, unitProcessor(f.sink, 3)).Run(context.Background())
	require.Error(t, err)
	assert.True(t, apperrors.IsStorageCommit(err))
	assert.Zero(t, report.Processed, "nothing was marked")
	assert.Equal(t, 2, report.Unmarked)
	assert.Empty(t, processedIDs(t, store))

	runs, err := store.GetRuns(context.Background(), 1)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Zero(t, runs[0].Processed)
	assert.Equal(t, 2, runs[0].Failed)
}

func TestRunReprocessesAfterCrashWithoutDuplicates(t *testing.T) {
	ctx := context.Background()
	store := storagetest.NewFaulty(memory.New())
	store.FailCommitsAfter(1, errors.New("power loss"))
	search := &fakeSearch{pages: [][]domain.RepositoryRef{refs(1, 2)}}

	first := newFixture(store, 2)
	_, err := first.scheduler(Config{Workers: 1}, search, unitProcessor(first.sink, 3)).Run(ctx)
	require.Error(t, err)

	stats, err := store.GetStats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), stats.Units, "first batch of repository 1 landed")
	assert.Zero(t, stats.Repositories)

	store.FailCommitsAfter(-1, nil)
	second := newFixture(store, 2)
	report, err := second.scheduler(Config{Workers: 1}, search, unitProcessor(second.sink, 3)).Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, report.Processed)

	stats, err = store.GetStats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(6), stats.Units)
	assert.Equal(t, int64(2), stats.Repositories)
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "INIT", StateInit.String())
	assert.Equal(t, "PAGING", StatePaging.String())
	assert.Equal(t, "DRAINING", StateDraining.String())
	assert.Equal(t, "DONE", StateDone.String())
	assert.Equal(t, "UNKNOWN", State(9).String())
}
