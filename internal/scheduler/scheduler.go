// Package scheduler drives a harvest run: it pages through search results,
// hands unprocessed repositories to a bounded pool of workers and flushes
// the sink once everything has drained.
package scheduler

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/kurihiro0119/docstring-harvester/internal/domain"
	apperrors "github.com/kurihiro0119/docstring-harvester/internal/errors"
	"github.com/kurihiro0119/docstring-harvester/internal/harvester"
	"github.com/kurihiro0119/docstring-harvester/internal/index"
	"github.com/kurihiro0119/docstring-harvester/internal/sink"
)

// State is the phase of a run
type State int32

const (
	StateInit State = iota
	StatePaging
	StateDraining
	StateDone
)

func (s State) String() string {
	switch s {
	case StateInit:
		return "INIT"
	case StatePaging:
		return "PAGING"
	case StateDraining:
		return "DRAINING"
	case StateDone:
		return "DONE"
	default:
		return "UNKNOWN"
	}
}

// Searcher returns one page of repository search results
type Searcher interface {
	SearchPage(ctx context.Context, query string, page int) ([]domain.RepositoryRef, bool, error)
}

// Processor harvests a single repository
type Processor interface {
	Process(ctx context.Context, repo domain.RepositoryRef) (harvester.Result, error)
}

// Flusher is the sink as seen by the scheduler
type Flusher interface {
	Flush(ctx context.Context) error
	Stats() sink.Stats
	LastBatch() sink.Batch
}

// Store loads the processed set and records run history
type Store interface {
	index.Loader
	SaveRun(ctx context.Context, run *domain.HarvestRun) error
}

// Config holds the run parameters
type Config struct {
	Query         string
	Workers       int
	QueueCapacity int
	MaxRepos      int // 0 means no cap
}

// Report summarizes a finished run
type Report struct {
	RunID        string
	Status       domain.RunStatus
	State        State
	Pages        int
	Enqueued     int
	Processed    int // harvested and marked
	Skipped      int // already processed, or vanished
	Failed       int // aborted; left for a later run
	Unmarked     int // finished but the marker never committed; left for a later run
	Units        int // units committed by the sink
	Batches      int
	PeakInFlight int
	LastBatch    sink.Batch
	Duration     time.Duration
}

// ProgressCallback is called after every repository a worker finishes
type ProgressCallback func(repo domain.RepositoryRef, res harvester.Result, err error)

// Scheduler runs one harvest at a time
type Scheduler struct {
	cfg        Config
	search     Searcher
	proc       Processor
	sink       Flusher
	index      *index.Index
	store      Store
	logger     *slog.Logger
	onProgress ProgressCallback

	state    atomic.Int32
	inFlight atomic.Int64
	peak     atomic.Int64

	mu        sync.Mutex
	report    Report
	harvested []int64 // finished by a worker, awaiting their marker commit
	vanished  []int64
}

// Option configures a Scheduler
type Option func(*Scheduler)

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) Option {
	return func(s *Scheduler) { s.logger = logger }
}

// WithProgress registers a per-repository progress callback
func WithProgress(fn ProgressCallback) Option {
	return func(s *Scheduler) { s.onProgress = fn }
}

// New creates a scheduler. The index must be the one fed by the sink's
// commit hook, so committed repositories leave the claimed set.
func New(cfg Config, search Searcher, proc Processor, sk Flusher, idx *index.Index, store Store, opts ...Option) *Scheduler {
	if cfg.Workers < 1 {
		cfg.Workers = 1
	}
	if cfg.QueueCapacity < 1 {
		cfg.QueueCapacity = cfg.Workers
	}
	s := &Scheduler{
		cfg:    cfg,
		search: search,
		proc:   proc,
		sink:   sk,
		index:  idx,
		store:  store,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// State returns the current phase
func (s *Scheduler) State() State {
	return State(s.state.Load())
}

func (s *Scheduler) setState(st State) {
	s.state.Store(int32(st))
	s.logger.Debug("scheduler state", "state", st)
}

// Run executes a full harvest. Cancelling ctx stops discovery and workers;
// whatever was buffered is still flushed. The returned error is non-nil only
// when the run could not start or a batch failed to commit, in which case
// the report still describes the progress made.
func (s *Scheduler) Run(ctx context.Context) (*Report, error) {
	started := time.Now()
	s.report = Report{RunID: uuid.NewString()}
	s.harvested, s.vanished = nil, nil
	s.setState(StateInit)

	run := &domain.HarvestRun{
		ID:        s.report.RunID,
		Query:     s.cfg.Query,
		Status:    domain.RunStatusInProgress,
		StartedAt: started,
	}
	if err := s.index.Load(ctx, s.store); err != nil {
		return s.finish(ctx, run, started, err)
	}
	s.saveRun(ctx, run)
	s.logger.Info("harvest started",
		"run", run.ID, "query", s.cfg.Query, "workers", s.cfg.Workers, "known", s.index.Len())

	queue := make(chan domain.RepositoryRef, s.cfg.QueueCapacity)
	g, gctx := errgroup.WithContext(ctx)
	pagingCtx, stopPaging := context.WithCancel(gctx)
	defer stopPaging()

	for i := 0; i < s.cfg.Workers; i++ {
		g.Go(func() error {
			return s.work(gctx, queue, stopPaging)
		})
	}

	s.setState(StatePaging)
	s.page(pagingCtx, queue)
	close(queue)

	s.setState(StateDraining)
	err := g.Wait()

	if flushErr := s.sink.Flush(context.WithoutCancel(ctx)); err == nil {
		err = flushErr
	}
	return s.finish(ctx, run, started, err)
}

// page walks search results until they run out, the cap is reached or
// discovery is stopped.
func (s *Scheduler) page(ctx context.Context, queue chan<- domain.RepositoryRef) {
	for page := 1; ; page++ {
		if ctx.Err() != nil {
			return
		}

		refs, more, err := s.search.SearchPage(ctx, s.cfg.Query, page)
		if err != nil {
			switch {
			case ctx.Err() != nil:
			case apperrors.IsCredentialsExhausted(err):
				s.logger.Warn("credentials exhausted, discovery stopped", "page", page, "error", err)
			default:
				s.logger.Error("search failed, discovery stopped", "page", page, "error", err)
			}
			return
		}

		s.mu.Lock()
		s.report.Pages++
		s.mu.Unlock()

		for _, ref := range refs {
			if s.index.Contains(ref.ID) {
				s.tally(func(r *Report) { r.Skipped++ })
				continue
			}
			if s.capReached() {
				s.logger.Info("repository cap reached", "max", s.cfg.MaxRepos)
				return
			}
			if !s.index.Claim(ref.ID) {
				continue
			}

			select {
			case queue <- ref:
				s.tally(func(r *Report) { r.Enqueued++ })
			case <-ctx.Done():
				s.index.Release(ref.ID)
				return
			}
		}

		if !more {
			s.logger.Info("search exhausted", "pages", page)
			return
		}
	}
}

func (s *Scheduler) capReached() bool {
	if s.cfg.MaxRepos <= 0 {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.report.Enqueued >= s.cfg.MaxRepos
}

// work consumes the queue until it is closed. Only a storage failure ends
// the worker early; it cancels the whole group.
func (s *Scheduler) work(ctx context.Context, queue <-chan domain.RepositoryRef, stopPaging context.CancelFunc) error {
	for repo := range queue {
		if ctx.Err() != nil {
			s.index.Release(repo.ID)
			continue
		}

		s.enter()
		res, err := s.proc.Process(ctx, repo)
		s.inFlight.Add(-1)

		if s.onProgress != nil {
			s.onProgress(repo, res, err)
		}

		switch {
		case err == nil:
			s.mu.Lock()
			if res.Vanished {
				s.vanished = append(s.vanished, repo.ID)
			} else {
				s.harvested = append(s.harvested, repo.ID)
			}
			s.mu.Unlock()
			s.logger.Debug("repository harvested", "repo", repo.FullName, "files", res.Files, "units", res.Units)
		case apperrors.IsStorageCommit(err):
			s.index.Release(repo.ID)
			return err
		case errors.Is(err, context.Canceled) && ctx.Err() != nil:
			s.index.Release(repo.ID)
		default:
			s.index.Release(repo.ID)
			s.tally(func(r *Report) { r.Failed++ })
			s.logger.Warn("repository failed", "repo", repo.FullName, "error", err)
			if apperrors.IsCredentialsExhausted(err) {
				stopPaging()
			}
		}
	}
	return nil
}

func (s *Scheduler) enter() {
	n := s.inFlight.Add(1)
	for {
		peak := s.peak.Load()
		if n <= peak || s.peak.CompareAndSwap(peak, n) {
			return
		}
	}
}

func (s *Scheduler) tally(fn func(*Report)) {
	s.mu.Lock()
	fn(&s.report)
	s.mu.Unlock()
}

func (s *Scheduler) finish(ctx context.Context, run *domain.HarvestRun, started time.Time, err error) (*Report, error) {
	s.setState(StateDone)

	s.mu.Lock()
	report := s.report
	for _, id := range s.harvested {
		if s.index.Contains(id) {
			report.Processed++
		} else {
			report.Unmarked++
		}
	}
	for _, id := range s.vanished {
		if s.index.Contains(id) {
			report.Skipped++
		} else {
			report.Unmarked++
		}
	}
	s.mu.Unlock()

	stats := s.sink.Stats()
	report.State = StateDone
	report.Units = stats.Units
	report.Batches = stats.Batches
	report.LastBatch = s.sink.LastBatch()
	report.PeakInFlight = int(s.peak.Load())
	report.Duration = time.Since(started)

	switch {
	case err != nil:
		report.Status = domain.RunStatusFailed
	case ctx.Err() != nil:
		report.Status = domain.RunStatusCancelled
	default:
		report.Status = domain.RunStatusCompleted
	}

	finished := time.Now()
	run.Status = report.Status
	run.Processed = report.Processed
	run.Skipped = report.Skipped
	run.Failed = report.Failed + report.Unmarked
	run.Units = report.Units
	run.FinishedAt = &finished
	s.saveRun(ctx, run)

	if err != nil {
		s.logger.Error("harvest failed", "run", run.ID, "error", err, "last_batch", report.LastBatch.String())
		return &report, err
	}
	s.logger.Info("harvest finished",
		"run", run.ID,
		"status", report.Status,
		"processed", report.Processed,
		"skipped", report.Skipped,
		"failed", report.Failed,
		"unmarked", report.Unmarked,
		"units", report.Units,
		"duration", report.Duration.Round(time.Millisecond),
	)
	return &report, nil
}

// saveRun records run history; a failure here never fails the run.
func (s *Scheduler) saveRun(ctx context.Context, run *domain.HarvestRun) {
	if err := s.store.SaveRun(context.WithoutCancel(ctx), run); err != nil {
		s.logger.Warn("failed to save run", "run", run.ID, "error", err)
	}
}
