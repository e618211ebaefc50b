package binder

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultStageTable(t *testing.T) {
	table := DefaultStageTable()
	stage, ok := table.Stage(4331)
	assert.True(t, ok)
	assert.Equal(t, 5, stage)

	for _, id := range []int64{4332, 4333, 4334} {
		stage, ok := table.Stage(id)
		assert.True(t, ok)
		assert.Equal(t, 6, stage)
	}

	_, ok = table.Stage(1)
	assert.False(t, ok)

	var nilTable *StageTable
	_, ok = nilTable.Stage(4331)
	assert.False(t, ok)
}

func TestLoadStageTable(t *testing.T) {
	path := filepath.Join(t.TempDir(), "stages.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
procedures:
  - id: 100
    stage: 2
  - id: 101
    stage: 3
`), 0o600))

	table, err := LoadStageTable(path)
	require.NoError(t, err)
	assert.Equal(t, []int64{100, 101}, table.Procedures())
	stage, ok := table.Stage(101)
	assert.True(t, ok)
	assert.Equal(t, 3, stage)
}

func TestParseStageTableRejectsBadInput(t *testing.T) {
	for name, raw := range map[string]string{
		"empty":     "procedures: []",
		"zero":      "procedures:\n  - id: 1\n    stage: 0\n",
		"duplicate": "procedures:\n  - id: 1\n    stage: 1\n  - id: 1\n    stage: 2\n",
		"garbage":   "procedures: {",
	} {
		_, err := ParseStageTable([]byte(raw))
		assert.Error(t, err, name)
	}

	_, err := LoadStageTable(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}
