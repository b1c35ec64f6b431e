package storage

import (
	"context"

	"github.com/kurihiro0119/docstring-harvester/internal/domain"
)

// Committer persists one pending batch atomically
type Committer interface {
	// CommitBatch inserts units and completion markers in a single transaction.
	// Units whose key already exists and repositories already marked are ignored.
	CommitBatch(ctx context.Context, units []*domain.CodeUnit, completed []domain.ProcessedRepository) error
}

// Storage is the abstract interface for the persistence layer
type Storage interface {
	Committer

	// Processed set
	ProcessedRepositoryIDs(ctx context.Context) ([]int64, error)
	GetProcessedRepositories(ctx context.Context, limit, offset int) ([]*domain.ProcessedRepository, error)
	GetProcessedRepository(ctx context.Context, id int64) (*domain.ProcessedRepository, error)

	// Code unit retrieval
	GetCodeUnits(ctx context.Context, repoID int64, limit, offset int) ([]*domain.CodeUnit, error)
	// ListCodeUnits pages through every unit in insertion order, starting after afterID
	ListCodeUnits(ctx context.Context, afterID int64, limit int) ([]*domain.CodeUnit, error)

	// Harvest run history
	SaveRun(ctx context.Context, run *domain.HarvestRun) error
	GetRuns(ctx context.Context, limit int) ([]*domain.HarvestRun, error)

	GetStats(ctx context.Context) (*domain.Stats, error)

	// Migration
	Migrate(ctx context.Context) error

	// Connection management
	Close() error
}
