package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/kurihiro0119/docstring-harvester/internal/domain"
	apperrors "github.com/kurihiro0119/docstring-harvester/internal/errors"
	"github.com/kurihiro0119/docstring-harvester/internal/storage"
)

// sqliteStorage implements the Storage interface for SQLite
type sqliteStorage struct {
	db *sql.DB
}

// NewSQLiteStorage creates a new SQLite storage instance
func NewSQLiteStorage(dbPath string) (storage.Storage, error) {
	if dir := filepath.Dir(dbPath); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, err
	}
	// One writer at a time; the sink already serializes commits.
	db.SetMaxOpenConns(1)

	s := &sqliteStorage{db: db}
	if err := s.Migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}

	return s, nil
}

// Migrate runs database migrations
func (s *sqliteStorage) Migrate(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS processed_repositories (
		repo_id INTEGER PRIMARY KEY,
		full_name TEXT NOT NULL,
		default_branch TEXT NOT NULL DEFAULT '',
		units INTEGER NOT NULL DEFAULT 0,
		processed_at TIMESTAMP NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_processed_repositories_processed_at ON processed_repositories(processed_at);

	CREATE TABLE IF NOT EXISTS code_units (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		unit_key TEXT NOT NULL UNIQUE,
		repo_id INTEGER NOT NULL,
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
func (s *sqliteStorage) CommitBatch(ctx context.Context, units []*domain.CodeUnit, completed []domain.ProcessedRepository) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if len(units) > 0 {
		stmt, err := tx.PrepareContext(ctx, `
			INSERT OR IGNORE INTO code_units (unit_key, repo_id, repo_full_name, source, path, kind,
				qualified_name, code, code_no_doc, doc, span_start, span_end, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
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
				createdAt(u.CreatedAt),
			)
			if err != nil {
				return fmt.Errorf("failed to insert unit %s: %w", u.Key, err)
			}
		}
	}

	if len(completed) > 0 {
		stmt, err := tx.PrepareContext(ctx, `
			INSERT OR IGNORE INTO processed_repositories (repo_id, full_name, default_branch, units, processed_at)
			VALUES (?, ?, ?, ?, ?)
		`)
		if err != nil {
			return err
		}
		defer stmt.Close()

		for _, r := range completed {
			_, err = stmt.ExecContext(ctx, r.ID, r.FullName, r.DefaultBranch, r.Units, createdAt(r.ProcessedAt))
			if err != nil {
				return fmt.Errorf("failed to mark repository %d: %w", r.ID, err)
			}
		}
	}

	return tx.Commit()
}

// ProcessedRepositoryIDs returns the ID of every processed repository
func (s *sqliteStorage) ProcessedRepositoryIDs(ctx context.Context) ([]int64, error) {
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
func (s *sqliteStorage) GetProcessedRepositories(ctx context.Context, limit, offset int) ([]*domain.ProcessedRepository, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT repo_id, full_name, default_branch, units, processed_at
		FROM processed_repositories
		ORDER BY processed_at DESC, repo_id
		LIMIT ? OFFSET ?
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
func (s *sqliteStorage) GetProcessedRepository(ctx context.Context, id int64) (*domain.ProcessedRepository, error) {
	r := &domain.ProcessedRepository{}
	err := s.db.QueryRowContext(ctx, `
		SELECT repo_id, full_name, default_branch, units, processed_at
		FROM processed_repositories
		WHERE repo_id = ?
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
func (s *sqliteStorage) GetCodeUnits(ctx context.Context, repoID int64, limit, offset int) ([]*domain.CodeUnit, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+unitColumns+`
		FROM code_units
		WHERE repo_id = ?
		ORDER BY path, span_start
		LIMIT ? OFFSET ?
	`, repoID, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanUnits(rows)
}

// ListCodeUnits pages through all units by ID
func (s *sqliteStorage) ListCodeUnits(ctx context.Context, afterID int64, limit int) ([]*domain.CodeUnit, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+unitColumns+`
		FROM code_units
		WHERE id > ?
		ORDER BY id
		LIMIT ?
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
func (s *sqliteStorage) SaveRun(ctx context.Context, run *domain.HarvestRun) error {
	var finishedAt sql.NullTime
	if run.FinishedAt != nil {
		finishedAt = sql.NullTime{Time: run.FinishedAt.UTC(), Valid: true}
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO harvest_runs (id, query, status, processed, skipped, failed, units, started_at, finished_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			status = excluded.status,
			processed = excluded.processed,
			skipped = excluded.skipped,
			failed = excluded.failed,
			units = excluded.units,
			finished_at = excluded.finished_at
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
func (s *sqliteStorage) GetRuns(ctx context.Context, limit int) ([]*domain.HarvestRun, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, query, status, processed, skipped, failed, units, started_at, finished_at
		FROM harvest_runs
		ORDER BY started_at DESC
		LIMIT ?
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
func (s *sqliteStorage) GetStats(ctx context.Context) (*domain.Stats, error) {
	stats := &domain.Stats{}

	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM processed_repositories`).Scan(&stats.Repositories)
	if err != nil {
		return nil, err
	}

	err = s.db.QueryRowContext(ctx, `
		SELECT
			COUNT(*),
			COALESCE(SUM(CASE WHEN kind = ? THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN kind = ? THEN 1 ELSE 0 END), 0)
		FROM code_units
	`, string(domain.UnitKindFunction), string(domain.UnitKindClass)).Scan(&stats.Units, &stats.Functions, &stats.Classes)
	if err != nil {
		return nil, err
	}

	err = s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM harvest_runs`).Scan(&stats.Runs)
	if err != nil {
		return nil, err
	}

	return stats, nil
}

// Close closes the database connection
func (s *sqliteStorage) Close() error {
	return s.db.Close()
}

func createdAt(t time.Time) time.Time {
	if t.IsZero() {
		return time.Now().UTC()
	}
	return t.UTC()
}
