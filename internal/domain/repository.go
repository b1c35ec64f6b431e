package domain

import "time"

// RepositoryRef identifies a repository discovered through search
type RepositoryRef struct {
	ID            int64
	Owner         string
	Name          string
	FullName      string
	DefaultBranch string
	HTMLURL       string
	Page          int // search page the repository was seen on
}

// ProcessedRepository marks a repository whose units are all durably committed
type ProcessedRepository struct {
	ID            int64
	FullName      string
	DefaultBranch string
	Units         int
	ProcessedAt   time.Time
}

// Completed builds the completion marker for a harvested repository
func (r RepositoryRef) Completed(units int, at time.Time) ProcessedRepository {
	return ProcessedRepository{
		ID:            r.ID,
		FullName:      r.FullName,
		DefaultBranch: r.DefaultBranch,
		Units:         units,
		ProcessedAt:   at,
	}
}
