package dataset

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kurihiro0119/docstring-harvester/internal/domain"
	"github.com/kurihiro0119/docstring-harvester/internal/storage/memory"
)

func unit(i int) *domain.CodeUnit {
	name := fmt.Sprintf("f%d", i)
	return &domain.CodeUnit{
		Key:           domain.UnitKey(1, "a.py", domain.UnitKindFunction, name, i),
		RepoID:        1,
		Source:        "https://github.com/octo/lib",
		Path:          "a.py",
		Kind:          domain.UnitKindFunction,
		QualifiedName: name,
		Code:          fmt.Sprintf("def %s():\n    \"\"\"Doc %d.\"\"\"\n    return %d\n", name, i, i),
		CodeNoDoc:     fmt.Sprintf("def %s():\n    return %d\n", name, i),
		Doc:           fmt.Sprintf("Doc %d.", i),
	}
}

func TestRows(t *testing.T) {
	u := unit(3)
	rows := Rows(u)
	require.Len(t, rows, 2)

	assert.Equal(t, "Doc 3.", rows[0].Title)
	assert.Equal(t, "<code>\ndef f3():\n    return 3\n</code>", rows[0].Code)
	assert.Equal(t, u.Source, rows[0].Source)
	assert.Equal(t, "function", rows[0].Kind)

	assert.Equal(t, Prompt(u.Key)+"\ndef f3():\n    return 3", rows[1].Title)
	assert.Equal(t, "<code>\ndef f3():\n    \"\"\"Doc 3.\"\"\"\n    return 3\n</code>", rows[1].Code)

	u.Doc = "   "
	assert.Empty(t, Rows(u))
}

func TestPromptIsStable(t *testing.T) {
	key := unit(1).Key
	assert.Equal(t, Prompt(key), Prompt(key))
	assert.Contains(t, prompts, Prompt(key))
	assert.Equal(t, prompts[0], Prompt("not-a-uuid"))

	seen := map[string]bool{}
	for i := 0; i < 200; i++ {
		seen[Prompt(unit(i).Key)] = true
	}
	assert.Greater(t, len(seen), 1, "prompts vary across units")
}

func TestExport(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	var units []*domain.CodeUnit
	for i := 0; i < 7; i++ {
		units = append(units, unit(i))
	}
	require.NoError(t, store.CommitBatch(ctx, units, nil))

	var buf bytes.Buffer
	sum, err := NewExporter(store, WithPageSize(3)).Export(ctx, &buf)
	require.NoError(t, err)
	assert.Equal(t, Summary{Units: 7, Rows: 14}, sum)

	out := buf.String()
	assert.NotContains(t, out, `\u003c`, "HTML is not escaped")

	var rows []Row
	sc := bufio.NewScanner(strings.NewReader(out))
	for sc.Scan() {
		var r Row
		require.NoError(t, json.Unmarshal(sc.Bytes(), &r))
		rows = append(rows, r)
	}
	require.NoError(t, sc.Err())
	require.Len(t, rows, 14)
	assert.Equal(t, "Doc 0.", rows[0].Title)
	assert.Equal(t, "Doc 6.", rows[12].Title)
}

func TestExportEmpty(t *testing.T) {
	var buf bytes.Buffer
	sum, err := NewExporter(memory.New()).Export(context.Background(), &buf)
	require.NoError(t, err)
	assert.Zero(t, sum)
	assert.Empty(t, buf.String())
}

type failingSource struct{}

func (failingSource) ListCodeUnits(context.Context, int64, int) ([]*domain.CodeUnit, error) {
	return nil, errors.New("database is locked")
}

func TestExportSourceError(t *testing.T) {
	_, err := NewExporter(failingSource{}).Export(context.Background(), &bytes.Buffer{})
	assert.ErrorContains(t, err, "database is locked")
}
