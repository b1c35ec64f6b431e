package sqlite

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kurihiro0119/docstring-harvester/internal/domain"
	apperrors "github.com/kurihiro0119/docstring-harvester/internal/errors"
	"github.com/kurihiro0119/docstring-harvester/internal/storage"
)

func setupTestStore(t *testing.T) (storage.Storage, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "db", "units.db")
	store, err := NewSQLiteStorage(path)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store, path
}

func testUnit(repoID int64, path, name string, kind domain.UnitKind, start int) *domain.CodeUnit {
	return &domain.CodeUnit{
		Key:           domain.UnitKey(repoID, path, kind, name, start),
		RepoID:        repoID,
		RepoFullName:  "octo/lib",
		Source:        "https://github.com/octo/lib",
		Path:          path,
		Kind:          kind,
		QualifiedName: name,
		Code:          "def " + name + "():\n    \"\"\"Doc.\"\"\"",
		CodeNoDoc:     "def " + name + "():",
		Doc:           "Doc.",
		Span:          domain.Span{Start: start, End: start + 20},
	}
}

func marker(id int64, units int) domain.ProcessedRepository {
	return domain.ProcessedRepository{
		ID:            id,
		FullName:      "octo/lib",
		DefaultBranch: "main",
		Units:         units,
		ProcessedAt:   time.Now().UTC().Truncate(time.Second),
	}
}

func TestCommitBatch(t *testing.T) {
	store, _ := setupTestStore(t)
	ctx := context.Background()

	units := []*domain.CodeUnit{
		testUnit(1, "a.py", "f", domain.UnitKindFunction, 0),
		testUnit(1, "a.py", "C", domain.UnitKindClass, 40),
	}
	require.NoError(t, store.CommitBatch(ctx, units, []domain.ProcessedRepository{marker(1, 2)}))

	ids, err := store.ProcessedRepositoryIDs(ctx)
	require.NoError(t, err)
	assert.Equal(t, []int64{1}, ids)

	got, err := store.GetCodeUnits(ctx, 1, 10, 0)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "f", got[0].QualifiedName)
	assert.Equal(t, domain.UnitKindFunction, got[0].Kind)
	assert.Equal(t, "def f():", got[0].CodeNoDoc)
	assert.Equal(t, domain.Span{Start: 0, End: 20}, got[0].Span)
	assert.NotZero(t, got[0].ID)
	assert.False(t, got[0].CreatedAt.IsZero())

	stats, err := store.GetStats(ctx)
	require.NoError(t, err)
	assert.Equal(t, &domain.Stats{Repositories: 1, Units: 2, Functions: 1, Classes: 1}, stats)
}

func TestCommitBatchIsIdempotent(t *testing.T) {
	store, _ := setupTestStore(t)
	ctx := context.Background()

	units := []*domain.CodeUnit{testUnit(1, "a.py", "f", domain.UnitKindFunction, 0)}
	require.NoError(t, store.CommitBatch(ctx, units, []domain.ProcessedRepository{marker(1, 1)}))
	require.NoError(t, store.CommitBatch(ctx, units, []domain.ProcessedRepository{marker(1, 1)}))

	stats, err := store.GetStats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats.Units)
	assert.Equal(t, int64(1), stats.Repositories)
}

func TestCrashBetweenUnitsAndMarkerReprocesses(t *testing.T) {
	store, path := setupTestStore(t)
	ctx := context.Background()

	first := []*domain.CodeUnit{
		testUnit(9, "a.py", "f", domain.UnitKindFunction, 0),
		testUnit(9, "a.py", "g", domain.UnitKindFunction, 30),
	}
	// The batch holding the repository's early units commits; the process
	// dies before the batch carrying its marker.
	require.NoError(t, store.CommitBatch(ctx, first, nil))
	require.NoError(t, store.Close())

	reopened, err := NewSQLiteStorage(path)
	require.NoError(t, err)
	defer reopened.Close()

	ids, err := reopened.ProcessedRepositoryIDs(ctx)
	require.NoError(t, err)
	assert.NotContains(t, ids, int64(9), "repository must be harvested again")

	// The second run harvests the same units plus the rest and marks the repository.
	second := append(first, testUnit(9, "b.py", "h", domain.UnitKindFunction, 0))
	require.NoError(t, reopened.CommitBatch(ctx, second, []domain.ProcessedRepository{marker(9, 3)}))

	stats, err := reopened.GetStats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(3), stats.Units, "no duplicate units after reprocessing")
	assert.Equal(t, int64(1), stats.Repositories)
}

func TestCommitBatchRollsBackOnCancel(t *testing.T) {
	store, _ := setupTestStore(t)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := store.CommitBatch(ctx, []*domain.CodeUnit{testUnit(1, "a.py", "f", domain.UnitKindFunction, 0)},
		[]domain.ProcessedRepository{marker(1, 1)})
	require.Error(t, err)

	stats, err := store.GetStats(context.Background())
	require.NoError(t, err)
	assert.Zero(t, stats.Units)
	assert.Zero(t, stats.Repositories)
}

func TestGetProcessedRepository(t *testing.T) {
	store, _ := setupTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.CommitBatch(ctx, nil, []domain.ProcessedRepository{marker(3, 0)}))

	repo, err := store.GetProcessedRepository(ctx, 3)
	require.NoError(t, err)
	assert.Equal(t, "octo/lib", repo.FullName)
	assert.Equal(t, "main", repo.DefaultBranch)

	_, err = store.GetProcessedRepository(ctx, 4)
	assert.True(t, apperrors.IsNotFound(err))

	repos, err := store.GetProcessedRepositories(ctx, 10, 0)
	require.NoError(t, err)
	require.Len(t, repos, 1)
	assert.WithinDuration(t, marker(3, 0).ProcessedAt, repos[0].ProcessedAt, time.Second)
}

func TestListCodeUnitsPaginates(t *testing.T) {
	store, _ := setupTestStore(t)
	ctx := context.Background()

	var units []*domain.CodeUnit
	for i := 0; i < 5; i++ {
		units = append(units, testUnit(1, "a.py", string(rune('a'+i)), domain.UnitKindFunction, i*100))
	}
	require.NoError(t, store.CommitBatch(ctx, units, nil))

	var seen []string
	var after int64
	for {
		page, err := store.ListCodeUnits(ctx, after, 2)
		require.NoError(t, err)
		if len(page) == 0 {
			break
		}
		for _, u := range page {
			seen = append(seen, u.QualifiedName)
			after = u.ID
		}
	}
	assert.Equal(t, []string{"a", "b", "c", "d", "e"}, seen)
}

func TestRuns(t *testing.T) {
	store, _ := setupTestStore(t)
	ctx := context.Background()

	started := time.Now().UTC().Truncate(time.Second)
	run := &domain.HarvestRun{
		ID:        "run-1",
		Query:     "language:python",
		Status:    domain.RunStatusInProgress,
		StartedAt: started,
	}
	require.NoError(t, store.SaveRun(ctx, run))

	finished := started.Add(time.Minute)
	run.Status = domain.RunStatusCompleted
	run.Processed, run.Units = 4, 12
	run.FinishedAt = &finished
	require.NoError(t, store.SaveRun(ctx, run))

	older := &domain.HarvestRun{ID: "run-0", Query: "q", Status: domain.RunStatusFailed, StartedAt: started.Add(-time.Hour)}
	require.NoError(t, store.SaveRun(ctx, older))

	runs, err := store.GetRuns(ctx, 10)
	require.NoError(t, err)
	require.Len(t, runs, 2)
	assert.Equal(t, "run-1", runs[0].ID)
	assert.Equal(t, domain.RunStatusCompleted, runs[0].Status)
	assert.Equal(t, 12, runs[0].Units)
	require.NotNil(t, runs[0].FinishedAt)
	assert.WithinDuration(t, finished, *runs[0].FinishedAt, time.Second)
	assert.Nil(t, runs[1].FinishedAt)
}
