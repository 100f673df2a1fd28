package cli

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"testing"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/require"

	"github.com/roach88/capsule/internal/capsule"
	"github.com/roach88/capsule/internal/config"
	"github.com/roach88/capsule/internal/ir"
)

// newTestOptions returns root options with a preloaded default config
// pointing at dbPath, so no capsule.yaml or environment is consulted.
func newTestOptions(dbPath, format string) *RootOptions {
	cfg := config.Default()
	cfg.Database = dbPath
	cfg.Log.Level = "error"
	return &RootOptions{Format: format, cfg: cfg}
}

// seedDatabase creates a notes table holding two rows and returns the
// database path.
func seedDatabase(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "capsule.db")
	c, err := capsule.Open(path,
		capsule.WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
		capsule.WithPollInterval(0))
	require.NoError(t, err)
	defer c.Close()

	ctx := context.Background()
	require.NoError(t, c.CreateTable(ctx, ir.TableDef{
		Name: "notes",
		Columns: []ir.ColumnDef{
			{Name: "title", Type: ir.TypeText},
			{Name: "priority", Type: ir.TypeInteger},
		},
	}))
	_, err = c.Insert(ctx, "notes", ir.Row{"title": "first", "priority": 1})
	require.NoError(t, err)
	_, err = c.Insert(ctx, "notes", ir.Row{"title": "second", "priority": 2})
	require.NoError(t, err)
	return path
}

// execute runs cmd with args and returns its stdout.
func execute(cmd *cobra.Command, args ...string) (string, error) {
	buf := &bytes.Buffer{}
	cmd.SetOut(buf)
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs(args)
	err := cmd.Execute()
	return buf.String(), err
}

// countRows reads a table's row count from the database at path.
func countRows(t *testing.T, path, table string) int64 {
	t.Helper()
	c, err := capsule.Open(path,
		capsule.WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
		capsule.WithPollInterval(0))
	require.NoError(t, err)
	defer c.Close()

	v, err := c.QueryScalar(context.Background(), "SELECT COUNT(*) FROM "+table)
	require.NoError(t, err)
	return v.(int64)
}
