package harness

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/capsule/internal/ir"
)

const minimalScenario = `
name: minimal
tables:
  - name: notes
    columns:
      - {name: body, type: TEXT}
steps:
  - {op: insert, table: notes, data: {body: hi}}
`

func TestLoadScenario(t *testing.T) {
	s, err := LoadScenario(filepath.Join("testdata", "scenarios", "task_lifecycle.yaml"))
	require.NoError(t, err)

	assert.Equal(t, "task_lifecycle", s.Name)
	require.Len(t, s.Tables, 1)
	assert.Equal(t, "tasks", s.Tables[0].Name)
	assert.True(t, s.Tables[0].Watch)
	assert.Equal(t, ir.TypeInteger, s.Tables[0].Columns[1].Type)

	require.Len(t, s.Watchers, 2)
	assert.Equal(t, `operation == "INSERT"`, s.Watchers[1].Filter)

	require.Len(t, s.Steps, 5)
	assert.Equal(t, OpTransaction, s.Steps[2].Op)
	require.Len(t, s.Steps[2].Steps, 2)
	assert.Equal(t, int64(1), s.Steps[2].Steps[0].ID)
	assert.Equal(t, "NOT_FOUND", s.Steps[3].ExpectError)

	require.Len(t, s.Assertions, 6)
	assert.Equal(t, []string{"tasks:INSERT", "tasks:UPDATE", "tasks:DELETE"}, s.Assertions[3].Events)
}

func TestLoadScenarioMissingFile(t *testing.T) {
	_, err := LoadScenario(filepath.Join(t.TempDir(), "nope.yaml"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to read scenario file")
}

func TestParseScenarioMinimal(t *testing.T) {
	s, err := ParseScenario([]byte(minimalScenario))
	require.NoError(t, err)
	assert.Empty(t, s.Watchers)
	assert.Empty(t, s.Assertions)
	assert.Equal(t, "hi", s.Steps[0].Data["body"])
}

func TestParseScenarioInvalid(t *testing.T) {
	tests := []struct {
		name string
		yaml string
		want string
	}{
		{
			name: "unknown field",
			yaml: minimalScenario + "assertion: []\n",
			want: "failed to parse YAML",
		},
		{
			name: "missing name",
			yaml: "tables: [{name: t}]\nsteps: [{op: insert, table: t}]\n",
			want: "name is required",
		},
		{
			name: "no tables",
			yaml: "name: x\nsteps: [{op: insert, table: t}]\n",
			want: "tables list is required",
		},
		{
			name: "no steps",
			yaml: "name: x\ntables: [{name: t}]\n",
			want: "steps list is required",
		},
		{
			name: "watcher on undeclared table",
			yaml: minimalScenario + "watchers: [{name: w, table: other}]\n",
			want: `table "other" is not declared`,
		},
		{
			name: "duplicate watcher",
			yaml: minimalScenario + "watchers: [{name: w, table: notes}, {name: w, table: notes}]\n",
			want: `duplicate name "w"`,
		},
		{
			name: "unknown op",
			yaml: "name: x\ntables: [{name: t}]\nsteps: [{op: upsert, table: t}]\n",
			want: `unknown op "upsert"`,
		},
		{
			name: "update without id",
			yaml: "name: x\ntables: [{name: t}]\nsteps: [{op: update, table: t}]\n",
			want: "positive id",
		},
		{
			name: "empty transaction",
			yaml: "name: x\ntables: [{name: t}]\nsteps: [{op: transaction}]\n",
			want: "transaction requires nested steps",
		},
		{
			name: "nested expect_error",
			yaml: "name: x\ntables: [{name: t}]\nsteps: [{op: transaction, steps: [{op: insert, table: t, expect_error: CONSTRAINT}]}]\n",
			want: "only allowed on top-level steps",
		},
		{
			name: "unknown error kind",
			yaml: "name: x\ntables: [{name: t}]\nsteps: [{op: insert, table: t, expect_error: OOPS}]\n",
			want: `unknown error kind "OOPS"`,
		},
		{
			name: "unknown assertion",
			yaml: minimalScenario + "assertions: [{type: trace_contains}]\n",
			want: `unknown assertion type "trace_contains"`,
		},
		{
			name: "row_count without table",
			yaml: minimalScenario + "assertions: [{type: row_count, count: 1}]\n",
			want: "table is required for row_count",
		},
		{
			name: "event_order bad key",
			yaml: minimalScenario + "assertions: [{type: event_order, events: [INSERT]}]\n",
			want: "table:OPERATION",
		},
		{
			name: "assertion on undeclared watcher",
			yaml: minimalScenario + "assertions: [{type: event_count, watcher: ghost, count: 0}]\n",
			want: `watcher "ghost" is not declared`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseScenario([]byte(tt.yaml))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestFindScenarios(t *testing.T) {
	dir := t.TempDir()
	for _, name := range []string{"b-users.yaml", "a-users.yml", "orders.yaml", "notes.txt"} {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(minimalScenario), 0644))
	}
	require.NoError(t, os.Mkdir(filepath.Join(dir, "nested.yaml"), 0755))

	all, err := FindScenarios(dir, "")
	require.NoError(t, err)
	assert.Equal(t, []string{
		filepath.Join(dir, "a-users.yml"),
		filepath.Join(dir, "b-users.yaml"),
		filepath.Join(dir, "orders.yaml"),
	}, all)

	users, err := FindScenarios(dir, "*-users")
	require.NoError(t, err)
	assert.Len(t, users, 2)

	_, err = FindScenarios(dir, "[")
	assert.Error(t, err)

	_, err = FindScenarios(filepath.Join(dir, "missing"), "")
	assert.Error(t, err)
}
