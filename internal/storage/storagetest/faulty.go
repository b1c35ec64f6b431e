// Package storagetest provides storage wrappers for tests.
package storagetest

import (
	"context"
	"sync"

	"github.com/kurihiro0119/docstring-harvester/internal/domain"
	"github.com/kurihiro0119/docstring-harvester/internal/storage"
)

// Faulty wraps a Storage and fails commits on demand
type Faulty struct {
	storage.Storage

	mu        sync.Mutex
	commits   int
	failAfter int // commits that succeed before err applies; -1 disables
	err       error
}

// NewFaulty wraps s with no fault armed
func NewFaulty(s storage.Storage) *Faulty {
	return &Faulty{Storage: s, failAfter: -1}
}

// FailCommitsAfter makes every commit after the first n successful ones
// return err. A negative n disarms the fault.
func (f *Faulty) FailCommitsAfter(n int, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failAfter = n
	f.err = err
}

// Commits returns the number of successful commits
func (f *Faulty) Commits() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.commits
}

// CommitBatch fails without touching the wrapped storage once the fault
// is due, so a failed commit applies nothing.
func (f *Faulty) CommitBatch(ctx context.Context, units []*domain.CodeUnit, completed []domain.ProcessedRepository) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.failAfter >= 0 && f.commits >= f.failAfter {
		return f.err
	}
	if err := f.Storage.CommitBatch(ctx, units, completed); err != nil {
		return err
	}
	f.commits++
	return nil
}
