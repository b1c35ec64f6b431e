// Package index tracks which repositories have been harvested.
package index

import (
	"context"
	"fmt"
	"sync"

	"github.com/kurihiro0119/docstring-harvester/internal/domain"
)

// Loader reads the durable processed set
type Loader interface {
	ProcessedRepositoryIDs(ctx context.Context) ([]int64, error)
}

// Index is the in-memory view of the processed set plus the repositories
// claimed by the current run.
type Index struct {
	mu        sync.Mutex
	processed map[int64]struct{}
	claimed   map[int64]struct{}
}

// New creates an empty index
func New() *Index {
	return &Index{
		processed: make(map[int64]struct{}),
		claimed:   make(map[int64]struct{}),
	}
}

// Load adds every repository already marked in storage
func (x *Index) Load(ctx context.Context, store Loader) error {
	ids, err := store.ProcessedRepositoryIDs(ctx)
	if err != nil {
		return fmt.Errorf("failed to load processed repositories: %w", err)
	}

	x.mu.Lock()
	defer x.mu.Unlock()
	for _, id := range ids {
		x.processed[id] = struct{}{}
	}
	return nil
}

// Contains reports whether the repository is durably processed
func (x *Index) Contains(id int64) bool {
	x.mu.Lock()
	defer x.mu.Unlock()
	_, ok := x.processed[id]
	return ok
}

// Claim reserves a repository for this run. It fails when the repository
// is already processed or claimed.
func (x *Index) Claim(id int64) bool {
	x.mu.Lock()
	defer x.mu.Unlock()

	if _, ok := x.processed[id]; ok {
		return false
	}
	if _, ok := x.claimed[id]; ok {
		return false
	}
	x.claimed[id] = struct{}{}
	return true
}

// Release drops a claim so a later run can harvest the repository
func (x *Index) Release(id int64) {
	x.mu.Lock()
	defer x.mu.Unlock()
	delete(x.claimed, id)
}

// Record marks repositories whose completion was committed
func (x *Index) Record(repos []domain.ProcessedRepository) {
	x.mu.Lock()
	defer x.mu.Unlock()
	for _, r := range repos {
		x.processed[r.ID] = struct{}{}
		delete(x.claimed, r.ID)
	}
}

// Len returns the number of processed repositories
func (x *Index) Len() int {
	x.mu.Lock()
	defer x.mu.Unlock()
	return len(x.processed)
}
