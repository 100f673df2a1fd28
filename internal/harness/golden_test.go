package harness

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Regenerate with: go test ./internal/harness -run TestRunWithGolden -update
func TestRunWithGolden(t *testing.T) {
	result, err := RunWithGolden(t, loadTestScenario(t, "task_lifecycle"))
	require.NoError(t, err)
	assert.True(t, result.Pass, "errors: %v", result.Errors)
}

func TestMarshalTraceCanonical(t *testing.T) {
	result := &Result{Trace: []TraceEvent{{
		Watcher:   "w",
		Operation: "DELETE",
		Table:     "notes",
		RowID:     3,
		Old:       map[string]any{"title": "<b>", "id": int64(3)},
		Tx:        "tx-1",
		Seq:       7,
	}}}

	got, err := MarshalTrace("canonical", result)
	require.NoError(t, err)
	assert.Equal(t,
		`{"scenario_name":"canonical","trace":[{"old":{"id":3,"title":"<b>"},"operation":"DELETE","row_id":3,"seq":7,"table":"notes","tx":"tx-1","watcher":"w"}]}`,
		string(got))
}

func TestAssertGoldenEmptyTrace(t *testing.T) {
	s := mustParse(t, `
name: empty_trace
tables:
  - name: notes
    columns: [{name: body, type: TEXT}]
steps:
  - {op: insert, table: notes, data: {body: unwatched}}
`)
	result, err := Run(context.Background(), s)
	require.NoError(t, err)
	require.Empty(t, result.Trace)
	require.NoError(t, AssertGolden(t, s.Name, result))
}
