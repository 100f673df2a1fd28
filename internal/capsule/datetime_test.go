package capsule

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/capsule/internal/ir"
)

func createEvents(t *testing.T, c *Capsule) *recorder {
	t.Helper()
	require.NoError(t, c.CreateTable(context.Background(), ir.TableDef{
		Name:    "events",
		Columns: []ir.ColumnDef{{Name: "at", Type: ir.TypeDateTime, Nullable: true}},
		Watch:   true,
	}))
	r := &recorder{}
	_, err := c.Watch(context.Background(), "events", r.fn)
	require.NoError(t, err)
	return r
}

func TestDateTime_EventImageMatchesGet(t *testing.T) {
	ctx := context.Background()
	c := createTestCapsule(t)
	rec := createEvents(t, c)

	var hooked ir.Row
	c.AddMutationHook(func(_ context.Context, _ *sql.Tx, m ir.Mutation) error {
		hooked = m.Data
		return nil
	})

	id, err := c.Insert(ctx, "events", ir.Row{"at": "2024-01-02 03:04:05"})
	require.NoError(t, err)
	require.NoError(t, c.Flush(ctx))

	row, err := c.Get(ctx, "events", id)
	require.NoError(t, err)
	events := rec.events()
	require.Len(t, events, 1)

	assert.Equal(t, "2024-01-02T03:04:05Z", row["at"])
	assert.Equal(t, row["at"], events[0].NewData["at"])
	assert.Equal(t, row["at"], hooked["at"])

	rows, err := c.Query(ctx, "SELECT at FROM events WHERE id = ?", id)
	require.NoError(t, err)
	assert.Equal(t, row["at"], rows[0]["at"])
}

func TestDateTime_WriteForms(t *testing.T) {
	ctx := context.Background()
	c := createTestCapsule(t)
	createEvents(t, c)

	want := "2024-01-02T03:04:05Z"
	inputs := []any{
		"2024-01-02 03:04:05",
		"2024-01-02T03:04:05Z",
		"2024-01-02T05:04:05+02:00",
		time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC),
		int64(1704164645),
		int64(1704164645000),
	}
	for _, in := range inputs {
		id, err := c.Insert(ctx, "events", ir.Row{"at": in})
		require.NoError(t, err, "%v", in)
		row, err := c.Get(ctx, "events", id)
		require.NoError(t, err)
		assert.Equal(t, want, row["at"], "%v", in)
	}

	_, err := c.Insert(ctx, "events", ir.Row{"at": "next tuesday"})
	require.Error(t, err)
	assert.True(t, ir.IsValidation(err), "got %v", err)

	id, err := c.Insert(ctx, "events", ir.Row{"at": nil})
	require.NoError(t, err)
	row, err := c.Get(ctx, "events", id)
	require.NoError(t, err)
	assert.Nil(t, row["at"])
}

func TestDateTime_RowsWrittenOutsideTheCapsule(t *testing.T) {
	ctx := context.Background()
	c := createTestCapsule(t)
	rec := createEvents(t, c)

	res, err := c.DB().ExecContext(ctx, `INSERT INTO events (at) VALUES ('2024-01-02 03:04:05')`)
	require.NoError(t, err)
	id, err := res.LastInsertId()
	require.NoError(t, err)
	require.NoError(t, c.Flush(ctx))

	row, err := c.Get(ctx, "events", id)
	require.NoError(t, err)
	events := rec.events()
	require.Len(t, events, 1)
	assert.Equal(t, row["at"], events[0].NewData["at"])
}
