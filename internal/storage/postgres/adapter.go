package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/lib/pq"

	"github.com/kurihiro0119/docstring-harvester/internal/domain"
	apperrors "github.com/kurihiro0119/docstring-harvester/internal/errors"
	"github.com/kurihiro0119/docstring-harvester/internal/storage"
)

// postgresStorage implements the Storage interface for PostgreSQL
type postgresStorage struct {
	db *sql.DB
}

// NewPostgresStorage creates a new PostgreSQL storage instance
func NewPostgresStorage(connStr string) (storage.Storage, error) {
	db, err := sql.Open("postgres", connStr)
	if err != nil {
		return nil, err
	}

	// Test connection
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, err
	}

	s := &postgresStorage{db: db}
	if err := s.Migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}

	return s, nil
}

// Migrate runs database migrations
func (s *postgresStorage) Migrate(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS processed_repositories (
		repo_id BIGINT PRIMARY KEY,
		full_name TEXT NOT NULL,
		default_branch TEXT NOT NULL DEFAULT '',
		units INTEGER NOT NULL DEFAULT 0,
		processed_at TIMESTAMP NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_processed_repositories_processed_at ON processed_repositories(processed_at);

	CREATE TABLE IF NOT EXISTS code_units (
		id BIGSERIAL PRIMARY KEY,
		unit_key TEXT NOT NULL UNIQUE,
		repo_id BIGINT NOT NULL,
		repo_full_name TEXT NOT NULL,
		source TEXT NOT NULL,
		path TEXT NOT NULL,
		kind TEXT NOT NULL,
		qualified_name TEXT NOT NULL,
		code TEXT NOT NULL,
		code_no_doc TEXT NOT NULL,
		doc TEXT NOT NULL,
		span_start INTEGER NOT NULL,
		span_end INTEGER NOT NULL,
		created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
	);

	CREATE INDEX IF NOT EXISTS idx_code_units_repo_id ON code_units(repo_id);
	CREATE INDEX IF NOT EXISTS idx_code_units_kind ON code_units(kind);

	CREATE TABLE IF NOT EXISTS harvest_runs (
		id TEXT PRIMARY KEY,
		query TEXT NOT NULL,
		status TEXT NOT NULL,
		processed INTEGER NOT NULL DEFAULT 0,
		skipped INTEGER NOT NULL DEFAULT 0,
		failed INTEGER NOT NULL DEFAULT 0,
		units INTEGER NOT NULL DEFAULT 0,
		started_at TIMESTAMP NOT NULL,
		finished_at TIMESTAMP
	);

	CREATE INDEX IF NOT EXISTS idx_harvest_runs_started_at ON harvest_runs(started_at);
	`

	_, err := s.db.ExecContext(ctx, schema)
	return err
}

// CommitBatch saves units and completion markers in one transaction
func (s *postgresStorage) CommitBatch(ctx context.Context, units []*domain.CodeUnit, completed []domain.ProcessedRepository) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if len(units) > 0 {
		stmt, err := tx.PrepareContext(ctx, `
			INSERT INTO code_units (unit_key, repo_id, repo_full_name, source, path, kind,
				qualified_name, code, code_no_doc, doc, span_start, span_end, created_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
			ON CONFLICT (unit_key) DO NOTHING
		`)
		if err != nil {
			return err
		}
		defer stmt.Close()

		for _, u := range units {
			_, err = stmt.ExecContext(ctx,
				u.Key,
				u.RepoID,
				u.RepoFullName,
				u.Source,
				u.Path,
				string(u.Kind),
				u.QualifiedName,
				u.Code,
				u.CodeNoDoc,
				u.Doc,
				u.Span.Start,
				u.Span.End,
				timestamp(u.CreatedAt),
			)
			if err != nil {
				return fmt.Errorf("failed to insert unit %s: %w", u.Key, err)
			}
		}
	}

	if len(completed) > 0 {
		stmt, err := tx.PrepareContext(ctx, `
			INSERT INTO processed_repositories (repo_id, full_name, default_branch, units, processed_at)
			VALUES ($1, $2, $3, $4, $5)
			ON CONFLICT (repo_id) DO NOTHING
		`)
		if err != nil {
			return err
		}
		defer stmt.Close()

		for _, r := range completed {
			_, err = stmt.ExecContext(ctx, r.ID, r.FullName, r.DefaultBranch, r.Units, timestamp(r.ProcessedAt))
			if err != nil {
				return fmt.Errorf("failed to mark repository %d: %w", r.ID, err)
			}
		}
	}

	return tx.Commit()
}

// ProcessedRepositoryIDs returns the ID of every processed repository
func (s *postgresStorage) ProcessedRepositoryIDs(ctx context.Context) ([]int64, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT repo_id FROM processed_repositories`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// GetProcessedRepositories lists processed repositories, most recent first
func (s *postgresStorage) GetProcessedRepositories(ctx context.Context, limit, offset int) ([]*domain.ProcessedRepository, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT repo_id, full_name, default_branch, units, processed_at
		FROM processed_repositories
		ORDER BY processed_at DESC, repo_id
		LIMIT $1 OFFSET $2
	`, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var repos []*domain.ProcessedRepository
	for rows.Next() {
		r := &domain.ProcessedRepository{}
		if err := rows.Scan(&r.ID, &r.FullName, &r.DefaultBranch, &r.Units, &r.ProcessedAt); err != nil {
			return nil, err
		}
		repos = append(repos, r)
	}
	return repos, rows.Err()
}

// GetProcessedRepository retrieves one processed repository
func (s *postgresStorage) GetProcessedRepository(ctx context.Context, id int64) (*domain.ProcessedRepository, error) {
	r := &domain.ProcessedRepository{}
	err := s.db.QueryRowContext(ctx, `
		SELECT repo_id, full_name, default_branch, units, processed_at
		FROM processed_repositories
		WHERE repo_id = $1
	`, id).Scan(&r.ID, &r.FullName, &r.DefaultBranch, &r.Units, &r.ProcessedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperrors.NewNotFoundError(fmt.Sprintf("repository %d", id))
	}
	if err != nil {
		return nil, err
	}
	return r, nil
}

const unitColumns = `id, unit_key, repo_id, repo_full_name, source, path, kind, qualified_name,
	code, code_no_doc, doc, span_start, span_end, created_at`

// GetCodeUnits retrieves the units of one repository
func (s *postgresStorage) GetCodeUnits(ctx context.Context, repoID int64, limit, offset int) ([]*domain.CodeUnit, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+unitColumns+`
		FROM code_units
		WHERE repo_id = $1
		ORDER BY path, span_start
		LIMIT $2 OFFSET $3
	`, repoID, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanUnits(rows)
}

// ListCodeUnits pages through all units by ID
func (s *postgresStorage) ListCodeUnits(ctx context.Context, afterID int64, limit int) ([]*domain.CodeUnit, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+unitColumns+`
		FROM code_units
		WHERE id > $1
		ORDER BY id
		LIMIT $2
	`, afterID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanUnits(rows)
}

func scanUnits(rows *sql.Rows) ([]*domain.CodeUnit, error) {
	var units []*domain.CodeUnit
	for rows.Next() {
		u := &domain.CodeUnit{}
		var kind string
		err := rows.Scan(&u.ID, &u.Key, &u.RepoID, &u.RepoFullName, &u.Source, &u.Path, &kind,
			&u.QualifiedName, &u.Code, &u.CodeNoDoc, &u.Doc, &u.Span.Start, &u.Span.End, &u.CreatedAt)
		if err != nil {
			return nil, err
		}
		u.Kind = domain.UnitKind(kind)
		units = append(units, u)
	}
	return units, rows.Err()
}

// SaveRun inserts or updates a harvest run
func (s *postgresStorage) SaveRun(ctx context.Context, run *domain.HarvestRun) error {
	var finishedAt sql.NullTime
	if run.FinishedAt != nil {
		finishedAt = sql.NullTime{Time: run.FinishedAt.UTC(), Valid: true}
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO harvest_runs (id, query, status, processed, skipped, failed, units, started_at, finished_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (id) DO UPDATE SET
			status = EXCLUDED.status,
			processed = EXCLUDED.processed,
			skipped = EXCLUDED.skipped,
			failed = EXCLUDED.failed,
			units = EXCLUDED.units,
			finished_at = EXCLUDED.finished_at
	`,
		run.ID,
		run.Query,
		string(run.Status),
		run.Processed,
		run.Skipped,
		run.Failed,
		run.Units,
		run.StartedAt.UTC(),
		finishedAt,
	)
	return err
}

// GetRuns lists the most recent harvest runs
func (s *postgresStorage) GetRuns(ctx context.Context, limit int) ([]*domain.HarvestRun, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, query, status, processed, skipped, failed, units, started_at, finished_at
		FROM harvest_runs
		ORDER BY started_at DESC
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []*domain.HarvestRun
	for rows.Next() {
		run := &domain.HarvestRun{}
		var status string
		var finishedAt sql.NullTime
		err := rows.Scan(&run.ID, &run.Query, &status, &run.Processed, &run.Skipped, &run.Failed,
			&run.Units, &run.StartedAt, &finishedAt)
		if err != nil {
			return nil, err
		}
		run.Status = domain.RunStatus(status)
		if finishedAt.Valid {
			t := finishedAt.Time
			run.FinishedAt = &t
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

// GetStats summarizes the stored data
func (s *postgresStorage) GetStats(ctx context.Context) (*domain.Stats, error) {
	stats := &domain.Stats{}

	err := s.db.QueryRowContext(ctx, `
		SELECT
			(SELECT COUNT(*) FROM processed_repositories),
			(SELECT COUNT(*) FROM code_units),
			(SELECT COUNT(*) FROM code_units WHERE kind = $1),
			(SELECT COUNT(*) FROM code_units WHERE kind = $2),
			(SELECT COUNT(*) FROM harvest_runs)
	`, string(domain.UnitKindFunction), string(domain.UnitKindClass)).Scan(
		&stats.Repositories, &stats.Units, &stats.Functions, &stats.Classes, &stats.Runs)
	if err != nil {
		return nil, err
	}

	return stats, nil
}

// Close closes the database connection
func (s *postgresStorage) Close() error {
	return s.db.Close()
}

func timestamp(t time.Time) time.Time {
	if t.IsZero() {
		return time.Now().UTC()
	}
	return t.UTC()
}
