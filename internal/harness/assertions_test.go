package harness

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sampleTrace() []TraceEvent {
	return []TraceEvent{
		{Watcher: "a", Operation: "INSERT", Table: "users", RowID: 1, Tx: "tx-1", Seq: 1},
		{Watcher: "b", Operation: "INSERT", Table: "users", RowID: 1, Tx: "tx-1", Seq: 1},
		{Watcher: "a", Operation: "INSERT", Table: "orders", RowID: 1, Tx: "tx-2", Seq: 2},
		{Watcher: "a", Operation: "UPDATE", Table: "users", RowID: 1, Tx: "tx-3", Seq: 3},
		{Watcher: "a", Operation: "DELETE", Table: "users", RowID: 1, Tx: "tx-4", Seq: 4},
	}
}

func TestAssertEventCount(t *testing.T) {
	tests := []struct {
		name      string
		assertion Assertion
		wantErr   bool
	}{
		{"all events", Assertion{Count: 5}, false},
		{"by watcher", Assertion{Watcher: "b", Count: 1}, false},
		{"by table", Assertion{Table: "users", Count: 4}, false},
		{"by operation ignores case", Assertion{Operation: "insert", Count: 3}, false},
		{"combined", Assertion{Watcher: "a", Table: "users", Operation: "UPDATE", Count: 1}, false},
		{"zero", Assertion{Table: "missing", Count: 0}, false},
		{"mismatch", Assertion{Watcher: "a", Count: 2}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.assertion.Type = AssertEventCount
			err := assertEventCount(sampleTrace(), tt.assertion)
			if tt.wantErr {
				require.Error(t, err)
				var aerr *AssertionError
				require.ErrorAs(t, err, &aerr)
				assert.Equal(t, AssertEventCount, aerr.Type)
				assert.Contains(t, err.Error(), "watcher=a")
				assert.Contains(t, err.Error(), "Full trace:")
				return
			}
			assert.NoError(t, err)
		})
	}
}

func TestAssertEventOrder(t *testing.T) {
	tests := []struct {
		name      string
		assertion Assertion
		wantErr   string
	}{
		{"in order with gaps", Assertion{Events: []string{"users:INSERT", "users:DELETE"}}, ""},
		{"case insensitive", Assertion{Events: []string{"users:insert", "orders:insert"}}, ""},
		{"narrowed by watcher", Assertion{Watcher: "b", Events: []string{"users:INSERT"}}, ""},
		{"wrong order", Assertion{Events: []string{"users:DELETE", "users:UPDATE"}}, "missing users:UPDATE after 1 matched"},
		{"filtered out", Assertion{Watcher: "b", Events: []string{"users:UPDATE"}}, "missing users:UPDATE after 0 matched"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.assertion.Type = AssertEventOrder
			err := assertEventOrder(sampleTrace(), tt.assertion)
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestBuildWhereClause(t *testing.T) {
	sql, args, err := buildWhereClause(map[string]any{"status": "open", "owner": nil, "age": 3})
	require.NoError(t, err)
	assert.Equal(t, `"age" = ? AND "owner" IS NULL AND "status" = ?`, sql)
	assert.Equal(t, []any{3, "open"}, args)

	sql, args, err = buildWhereClause(nil)
	require.NoError(t, err)
	assert.Empty(t, sql)
	assert.Nil(t, args)

	_, _, err = buildWhereClause(map[string]any{"x; DROP TABLE users": 1})
	assert.Error(t, err)
}

func TestFormatWhereClause(t *testing.T) {
	assert.Equal(t, "(no conditions)", formatWhereClause(nil))
	assert.Equal(t, "a=1 AND b=x", formatWhereClause(map[string]any{"b": "x", "a": 1}))
}

func TestEvaluateAssertionsRequiresDatabase(t *testing.T) {
	errs := EvaluateAssertions(NewResult(), []Assertion{
		{Type: AssertRowCount, Table: "users", Count: 0},
		{Type: "bogus"},
	}, nil)
	require.Len(t, errs, 2)
	assert.Contains(t, errs[0], "row_count requires database context")
	assert.Contains(t, errs[1], `unknown assertion type "bogus"`)
}
