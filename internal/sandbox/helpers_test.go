package sandbox

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/roach88/capsule/internal/capsule"
	"github.com/roach88/capsule/internal/eventbus"
	"github.com/roach88/capsule/internal/ir"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fixture struct {
	c   *capsule.Capsule
	bus *eventbus.Bus
	sb  *Sandbox
}

// newFixture opens a capsule with a notes table and a sandbox bound to
// it. The capsule poll loop is off; tests call deliver.
func newFixture(t *testing.T, opts ...Option) *fixture {
	t.Helper()
	bus := eventbus.New(eventbus.WithLogger(discardLogger()))
	c, err := capsule.Open(filepath.Join(t.TempDir(), "sandbox.db"),
		capsule.WithLogger(discardLogger()),
		capsule.WithPollInterval(0),
		capsule.WithEventBus(bus))
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })

	require.NoError(t, c.CreateTable(context.Background(), ir.TableDef{
		Name: "notes",
		Columns: []ir.ColumnDef{
			{Name: "title", Type: ir.TypeText},
			{Name: "slug", Type: ir.TypeText, Nullable: true, Unique: true},
			{Name: "done", Type: ir.TypeBoolean, Nullable: true, Default: false},
		},
		Watch: true,
	}))
	require.NoError(t, c.CreateTable(context.Background(), ir.TableDef{
		Name:    "audit",
		Columns: []ir.ColumnDef{{Name: "message", Type: ir.TypeText}},
	}))

	all := append([]Option{WithLogger(discardLogger()), WithName("test")}, opts...)
	sb, err := New(c, bus, all...)
	require.NoError(t, err)
	t.Cleanup(func() { sb.Close() })

	return &fixture{c: c, bus: bus, sb: sb}
}

// deliver flushes pending changes and waits for queued callbacks.
func (f *fixture) deliver(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, f.c.Flush(ctx))
	require.NoError(t, f.sb.WaitIdle(ctx))
}

func (f *fixture) exec(t *testing.T, script string) []any {
	t.Helper()
	out, err := f.sb.Execute(context.Background(), script)
	require.NoError(t, err)
	return out
}

func (f *fixture) count(t *testing.T, table string) int64 {
	t.Helper()
	v, err := f.c.QueryScalar(context.Background(), "SELECT COUNT(*) FROM "+table)
	require.NoError(t, err)
	return v.(int64)
}
