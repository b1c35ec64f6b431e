package client

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kurihiro0119/docstring-harvester/internal/api"
	"github.com/kurihiro0119/docstring-harvester/internal/domain"
	apperrors "github.com/kurihiro0119/docstring-harvester/internal/errors"
	"github.com/kurihiro0119/docstring-harvester/internal/storage/memory"
)

func newServer(t *testing.T) *httptest.Server {
	t.Helper()
	gin.SetMode(gin.TestMode)

	ctx := context.Background()
	store := memory.New()
	require.NoError(t, store.CommitBatch(ctx,
		[]*domain.CodeUnit{
			{Key: "k1", RepoID: 3, Path: "m.py", Kind: domain.UnitKindFunction, QualifiedName: "m", Doc: "M."},
		},
		[]domain.ProcessedRepository{{ID: 3, FullName: "octo/three", Units: 1, ProcessedAt: time.Now()}},
	))
	require.NoError(t, store.SaveRun(ctx, &domain.HarvestRun{ID: "r1", Status: domain.RunStatusCompleted, StartedAt: time.Now()}))

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	srv := httptest.NewServer(api.SetupRoutes(api.NewHandler(store), logger))
	t.Cleanup(srv.Close)
	return srv
}

func TestClient(t *testing.T) {
	c := NewClient(newServer(t).URL)
	ctx := context.Background()

	require.NoError(t, c.HealthCheck(ctx))

	stats, err := c.GetStats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats.Repositories)
	assert.Equal(t, int64(1), stats.Units)

	repos, err := c.ListRepos(ctx, 10, 0)
	require.NoError(t, err)
	require.Len(t, repos, 1)
	assert.Equal(t, "octo/three", repos[0].FullName)

	repo, err := c.GetRepo(ctx, 3)
	require.NoError(t, err)
	assert.Equal(t, 1, repo.Units)

	units, err := c.GetRepoUnits(ctx, 3, 0, 0)
	require.NoError(t, err)
	require.Len(t, units, 1)
	assert.Equal(t, "m", units[0].QualifiedName)

	runs, err := c.ListRuns(ctx, 5)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, "r1", runs[0].ID)
}

func TestClientNotFound(t *testing.T) {
	c := NewClient(newServer(t).URL)

	_, err := c.GetRepo(context.Background(), 404)
	require.Error(t, err)
	assert.True(t, apperrors.IsNotFound(err))
}

func TestClientUnstructuredError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "upstream down", http.StatusBadGateway)
	}))
	defer srv.Close()

	err := NewClient(srv.URL).HealthCheck(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "502")
	assert.Contains(t, err.Error(), "upstream down")
}
