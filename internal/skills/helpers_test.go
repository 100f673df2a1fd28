package skills

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"testing/fstest"

	"github.com/stretchr/testify/require"

	"github.com/roach88/capsule/internal/capsule"
	"github.com/roach88/capsule/internal/eventbus"
	"github.com/roach88/capsule/internal/ir"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// newTestManager opens a capsule with an audit table that test scripts
// write to. The capsule poll loop is off; tests call Flush.
func newTestManager(t *testing.T) (*Manager, *capsule.Capsule, *eventbus.Bus) {
	t.Helper()
	bus := eventbus.New(eventbus.WithLogger(discardLogger()))
	c, err := capsule.Open(filepath.Join(t.TempDir(), "mods.db"),
		capsule.WithLogger(discardLogger()),
		capsule.WithPollInterval(0),
		capsule.WithEventBus(bus))
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })

	require.NoError(t, c.CreateTable(context.Background(), ir.TableDef{
		Name:    "audit",
		Columns: []ir.ColumnDef{{Name: "message", Type: ir.TypeText}},
	}))

	m := NewManager(c, WithLogger(discardLogger()), WithEventBus(bus))
	t.Cleanup(func() { m.Close(context.Background()) })
	return m, c, bus
}

// scriptedMod builds an in-memory mod package with one script.
func scriptedMod(id, script string) fstest.MapFS {
	manifest := "id: " + id + "\nname: " + id + "\nversion: 1.0.0\npermissions:\n  scripting: true\n"
	return fstest.MapFS{
		"manifest.yaml":    {Data: []byte(manifest)},
		"scripts/main.lua": {Data: []byte(script)},
	}
}

func writeModDir(t *testing.T, root, name, manifest string, scripts map[string]string) string {
	t.Helper()
	dir := filepath.Join(root, name)
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "scripts"), 0o755))
	for file, src := range scripts {
		require.NoError(t, os.WriteFile(filepath.Join(dir, "scripts", file), []byte(src), 0o644))
	}
	require.NoError(t, os.WriteFile(filepath.Join(dir, ManifestFile), []byte(manifest), 0o644))
	return dir
}

// auditMessages returns the audit table's messages in insertion order.
func auditMessages(t *testing.T, c *capsule.Capsule) []string {
	t.Helper()
	rows, err := c.Query(context.Background(), "SELECT message FROM audit ORDER BY id")
	require.NoError(t, err)
	out := make([]string, 0, len(rows))
	for _, r := range rows {
		out = append(out, r["message"].(string))
	}
	return out
}
