package capsule

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/roach88/capsule/internal/ir"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// createTestCapsule opens a capsule in a temp dir with the background poll
// loop disabled; tests drive delivery with Flush.
func createTestCapsule(t *testing.T, opts ...Option) *Capsule {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	all := append([]Option{WithLogger(discardLogger()), WithPollInterval(0)}, opts...)
	c, err := Open(path, all...)
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	return c
}

func usersDef() ir.TableDef {
	return ir.TableDef{
		Name: "users",
		Columns: []ir.ColumnDef{
			{Name: "name", Type: ir.TypeText},
			{Name: "email", Type: ir.TypeText, Nullable: true, Unique: true},
			{Name: "age", Type: ir.TypeInteger, Nullable: true},
			{Name: "active", Type: ir.TypeBoolean, Nullable: true, Default: true},
			{Name: "meta", Type: ir.TypeJSON, Nullable: true},
		},
		Indexes: []ir.IndexDef{{Columns: []string{"age"}}},
		Watch:   true,
	}
}

func createUsers(t *testing.T, c *Capsule) {
	t.Helper()
	require.NoError(t, c.CreateTable(context.Background(), usersDef()))
}

// recorder collects watcher deliveries.
type recorder struct {
	mu      sync.Mutex
	batches [][]ir.ChangeEvent
}

func (r *recorder) fn(_ context.Context, events []ir.ChangeEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.batches = append(r.batches, events)
	return nil
}

func (r *recorder) events() []ir.ChangeEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []ir.ChangeEvent
	for _, b := range r.batches {
		out = append(out, b...)
	}
	return out
}

func (r *recorder) batchSizes() []int {
	r.mu.Lock()
	defer r.mu.Unlock()
	sizes := make([]int, len(r.batches))
	for i, b := range r.batches {
		sizes[i] = len(b)
	}
	return sizes
}

func watchUsers(t *testing.T, c *Capsule, opts ...WatchOption) *recorder {
	t.Helper()
	r := &recorder{}
	_, err := c.Watch(context.Background(), "users", r.fn, opts...)
	require.NoError(t, err)
	return r
}

func countRows(t *testing.T, c *Capsule, table string) int64 {
	t.Helper()
	v, err := c.QueryScalar(context.Background(), "SELECT COUNT(*) FROM "+table)
	require.NoError(t, err)
	return v.(int64)
}
