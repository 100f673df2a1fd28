package capsule

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/capsule/internal/ir"
)

func TestQuery_Parameterized(t *testing.T) {
	ctx := context.Background()
	c := createTestCapsule(t)
	createUsers(t, c)
	_, err := c.InsertMany(ctx, "users", []ir.Row{
		{"name": "Alice", "age": 30},
		{"name": "Bob", "age": 25},
		{"name": "Carol", "age": 41},
	})
	require.NoError(t, err)

	rows, err := c.Query(ctx, "SELECT name, age FROM users WHERE age > ? ORDER BY age", 26)
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, ir.Row{"name": "Alice", "age": int64(30)}, rows[0])
	assert.Equal(t, ir.Row{"name": "Carol", "age": int64(41)}, rows[1])

	one, err := c.QueryOne(ctx, "SELECT name FROM users WHERE name = ?", "Bob")
	require.NoError(t, err)
	assert.Equal(t, "Bob", one["name"])

	none, err := c.QueryOne(ctx, "SELECT name FROM users WHERE name = ?", "Nobody")
	require.NoError(t, err)
	assert.Nil(t, none)

	empty, err := c.Query(ctx, "SELECT name FROM users WHERE 0")
	require.NoError(t, err)
	assert.Empty(t, empty)

	scalar, err := c.QueryScalar(ctx, "SELECT name FROM users WHERE 0")
	require.NoError(t, err)
	assert.Nil(t, scalar)
}

func TestQuery_RejectsWrites(t *testing.T) {
	ctx := context.Background()
	c := createTestCapsule(t)
	createUsers(t, c)
	_, err := c.Insert(ctx, "users", ir.Row{"name": "Alice"})
	require.NoError(t, err)

	for _, stmt := range []string{
		"DELETE FROM users",
		"UPDATE users SET name = 'x'",
		"INSERT INTO users (name) VALUES ('Mallory')",
	} {
		_, err := c.Query(ctx, stmt)
		require.Error(t, err, stmt)
		assert.True(t, ir.IsValidation(err), "%s: got %v", stmt, err)
	}

	_, err = c.QueryScalar(ctx, "DELETE FROM users RETURNING id")
	require.Error(t, err)

	// The connection is writable again afterwards.
	_, err = c.Insert(ctx, "users", ir.Row{"name": "Bob"})
	require.NoError(t, err)
	assert.Equal(t, int64(2), countRows(t, c, "users"))
}

func TestQuery_SyntaxErrorIsValidation(t *testing.T) {
	c := createTestCapsule(t)
	_, err := c.Query(context.Background(), "SELEKT nothing")
	require.Error(t, err)
	assert.True(t, ir.IsValidation(err), "got %v", err)
}
