package storagetest

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kurihiro0119/docstring-harvester/internal/domain"
	"github.com/kurihiro0119/docstring-harvester/internal/storage/memory"
)

func unit(name string) *domain.CodeUnit {
	return &domain.CodeUnit{
		Key:           domain.UnitKey(1, "a.py", domain.UnitKindFunction, name, 0),
		RepoID:        1,
		Path:          "a.py",
		Kind:          domain.UnitKindFunction,
		QualifiedName: name,
	}
}

func TestFailCommitsAfter(t *testing.T) {
	s := NewFaulty(memory.New())
	ctx := context.Background()
	boom := errors.New("disk full")
	s.FailCommitsAfter(1, boom)

	require.NoError(t, s.CommitBatch(ctx, []*domain.CodeUnit{unit("f")}, nil))
	assert.ErrorIs(t, s.CommitBatch(ctx, []*domain.CodeUnit{unit("g")}, nil), boom)
	assert.Equal(t, 1, s.Commits())

	stats, err := s.GetStats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats.Units, "a failed commit applies nothing")

	s.FailCommitsAfter(-1, nil)
	require.NoError(t, s.CommitBatch(ctx, []*domain.CodeUnit{unit("g")}, nil))
	assert.Equal(t, 2, s.Commits())
}
