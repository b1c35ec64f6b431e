package domain

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// UnitKind is the kind of an extracted code unit
type UnitKind string

const (
	UnitKindFunction UnitKind = "function"
	UnitKindClass    UnitKind = "class"
)

// unitNamespace scopes the deterministic unit keys
var unitNamespace = uuid.MustParse("6f1c0a52-8d7e-4b59-9a43-0c2f7d1e5b6a")

// Span is a half-open byte range inside a file
type Span struct {
	Start int
	End   int
}

// CodeUnit is one documented function or class extracted from a file
type CodeUnit struct {
	ID            int64 // assigned by storage
	Key           string
	RepoID        int64
	RepoFullName  string
	Source        string
	Path          string
	Kind          UnitKind
	QualifiedName string
	Code          string
	Doc           string
	CodeNoDoc     string // Code with the documentation removed
	Span          Span
	CreatedAt     time.Time
}

// UnitKey derives the idempotency key of a unit, stable across runs
func UnitKey(repoID int64, path string, kind UnitKind, name string, start int) string {
	return uuid.NewSHA1(unitNamespace, []byte(fmt.Sprintf("%d\x00%s\x00%s\x00%s\x00%d", repoID, path, kind, name, start))).String()
}
