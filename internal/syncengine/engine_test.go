package syncengine

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/capsule/internal/capsule"
	"github.com/roach88/capsule/internal/eventbus"
	"github.com/roach88/capsule/internal/ir"
	"github.com/roach88/capsule/internal/testutil"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type device struct {
	c      *capsule.Capsule
	engine *Engine
	clock  *testutil.FakeClock
}

func openCapsule(t *testing.T, path string, clock *testutil.FakeClock) *capsule.Capsule {
	t.Helper()
	c, err := capsule.Open(path,
		capsule.WithLogger(discardLogger()),
		capsule.WithPollInterval(0),
		capsule.WithClock(clock.Now))
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })

	require.NoError(t, c.CreateTable(context.Background(), ir.TableDef{
		Name: "users",
		Columns: []ir.ColumnDef{
			{Name: "name", Type: ir.TypeText},
			{Name: "note", Type: ir.TypeText, Nullable: true},
		},
		Watch: true,
	}))
	return c
}

// newDevice opens a fresh capsule with a users table, synced against
// remote. The wall clock is frozen, so changelog timestamps only move
// through the engine's monotonic clock.
func newDevice(t *testing.T, remote *testutil.FakeRemote, opts ...Option) *device {
	t.Helper()
	clock := testutil.NewFakeClock(time.Time{})
	c := openCapsule(t, filepath.Join(t.TempDir(), "device.db"), clock)

	all := append([]Option{WithLogger(discardLogger()), WithClock(clock.Now)}, opts...)
	e, err := New(context.Background(), c, Config{
		Endpoint:        remote.URL,
		MaxRetryElapsed: 5 * time.Second,
	}, all...)
	require.NoError(t, err)
	return &device{c: c, engine: e, clock: clock}
}

func (d *device) pending(t *testing.T) []ir.ChangeLogEntry {
	t.Helper()
	entries, err := d.engine.Pending(context.Background())
	require.NoError(t, err)
	return entries
}

func (d *device) name(t *testing.T, id int64) any {
	t.Helper()
	row, err := d.c.Get(context.Background(), "users", id)
	require.NoError(t, err)
	if row == nil {
		return nil
	}
	return row["name"]
}

func TestEngine_CapturesLocalWrites(t *testing.T) {
	ctx := context.Background()
	d := newDevice(t, testutil.NewFakeRemote(t))

	id, err := d.c.Insert(ctx, "users", ir.Row{"name": "Alice"})
	require.NoError(t, err)
	require.NoError(t, d.c.Update(ctx, "users", id, ir.Row{"name": "Alicia"}))
	require.NoError(t, d.c.Update(ctx, "users", id, ir.Row{"name": "Ally"}))
	require.NoError(t, d.c.Delete(ctx, "users", id))

	remote := capsule.WithOrigin(ctx, capsule.OriginRemote)
	_, err = d.c.Insert(remote, "users", ir.Row{"name": "from elsewhere"})
	require.NoError(t, err)

	entries := d.pending(t)
	require.Len(t, entries, 4)
	ops := make([]ir.Operation, len(entries))
	for i, e := range entries {
		ops[i] = e.Operation
		assert.Equal(t, id, e.RowID)
		if i > 0 {
			assert.Greater(t, e.Timestamp, entries[i-1].Timestamp, "timestamps must be strictly increasing")
		}
	}
	assert.Equal(t, []ir.Operation{ir.OpInsert, ir.OpUpdate, ir.OpUpdate, ir.OpDelete}, ops)
	assert.Equal(t, "Alicia", entries[1].Data["name"])
	assert.Equal(t, "Ally", entries[3].Data["name"], "DELETE carries the deleted row")
}

func TestEngine_RolledBackWriteLeavesNoEntry(t *testing.T) {
	ctx := context.Background()
	d := newDevice(t, testutil.NewFakeRemote(t))

	err := d.c.Transaction(ctx, func(tx *capsule.Tx) error {
		if _, err := tx.Insert(ctx, "users", ir.Row{"name": "A"}); err != nil {
			return err
		}
		_, err := tx.Insert(ctx, "users", ir.Row{"nope": "B"})
		return err
	})
	require.Error(t, err)
	assert.Empty(t, d.pending(t))
}

func TestEngine_PushIsIdempotent(t *testing.T) {
	ctx := context.Background()
	remote := testutil.NewFakeRemote(t)
	d := newDevice(t, remote)

	for _, name := range []string{"a", "b", "c"} {
		_, err := d.c.Insert(ctx, "users", ir.Row{"name": name})
		require.NoError(t, err)
	}

	n, err := d.engine.Push(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	assert.Empty(t, d.pending(t))

	n, err = d.engine.Push(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
	assert.Equal(t, 1, remote.Pushes(), "an empty push sends no request")

	log := remote.Log()
	require.Len(t, log, 3)
	for _, e := range log {
		assert.Equal(t, d.engine.DeviceID(), e.DeviceID)
	}
}

func TestEngine_PushFailureKeepsEntriesPending(t *testing.T) {
	ctx := context.Background()
	remote := testutil.NewFakeRemote(t)
	d := newDevice(t, remote)

	_, err := d.c.Insert(ctx, "users", ir.Row{"name": "a"})
	require.NoError(t, err)

	remote.FailNext(http.StatusBadRequest)
	_, err = d.engine.Push(ctx)
	require.Error(t, err)
	assert.True(t, ir.IsSync(err), "got %v", err)

	entries := d.pending(t)
	require.Len(t, entries, 1)
	assert.Equal(t, 1, entries[0].SyncAttempt)
	assert.False(t, entries[0].Synced)

	n, err := d.engine.Push(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Len(t, remote.Log(), 1)
}

func TestEngine_PushRetriesTransientFailures(t *testing.T) {
	ctx := context.Background()
	remote := testutil.NewFakeRemote(t)
	d := newDevice(t, remote)

	_, err := d.c.Insert(ctx, "users", ir.Row{"name": "a"})
	require.NoError(t, err)

	remote.FailNext(http.StatusServiceUnavailable)
	n, err := d.engine.Push(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Len(t, remote.Headers(), 2)
}

func TestEngine_TableFilters(t *testing.T) {
	ctx := context.Background()
	remote := testutil.NewFakeRemote(t)
	clock := testutil.NewFakeClock(time.Time{})
	c := openCapsule(t, filepath.Join(t.TempDir(), "filtered.db"), clock)
	require.NoError(t, c.CreateTable(ctx, ir.TableDef{
		Name:    "drafts",
		Columns: []ir.ColumnDef{{Name: "body", Type: ir.TypeText}},
	}))

	e, err := New(ctx, c, Config{Endpoint: remote.URL, ExcludeTables: []string{"drafts"}},
		WithLogger(discardLogger()))
	require.NoError(t, err)

	_, err = c.Insert(ctx, "users", ir.Row{"name": "kept"})
	require.NoError(t, err)
	_, err = c.Insert(ctx, "drafts", ir.Row{"body": "private"})
	require.NoError(t, err)

	n, err := e.Push(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	require.Len(t, remote.Log(), 1)
	assert.Equal(t, "users", remote.Log()[0].TableName)
}

func TestEngine_RoundTrip(t *testing.T) {
	ctx := context.Background()
	remote := testutil.NewFakeRemote(t)
	a := newDevice(t, remote)
	b := newDevice(t, remote)
	require.NotEqual(t, a.engine.DeviceID(), b.engine.DeviceID())

	id, err := a.c.Insert(ctx, "users", ir.Row{"name": "Alice", "note": "hi"})
	require.NoError(t, err)

	res, err := a.engine.Sync(ctx)
	require.NoError(t, err)
	require.True(t, res.OK(), "%v", res.Err())
	assert.Equal(t, 1, res.Pushed)
	assert.Equal(t, 1, res.Pulled)
	assert.Equal(t, 0, res.Applied, "own changes are skipped")

	res, err = b.engine.Sync(ctx)
	require.NoError(t, err)
	require.True(t, res.OK(), "%v", res.Err())
	assert.Equal(t, 1, res.Applied)

	row, err := b.c.Get(ctx, "users", id)
	require.NoError(t, err)
	assert.Equal(t, ir.Row{"id": id, "name": "Alice", "note": "hi"}, row)
	assert.Empty(t, b.pending(t), "applied remote changes are not echoed")

	since, err := b.engine.LastSyncTimestamp(ctx)
	require.NoError(t, err)
	assert.Equal(t, remote.Log()[0].Timestamp, since)

	// Nothing new: the next pull applies nothing.
	stats, err := b.engine.Pull(ctx)
	require.NoError(t, err)
	assert.Equal(t, PullStats{}, stats)
}

func TestEngine_RemoteDeleteOfMissingRowIsNoop(t *testing.T) {
	ctx := context.Background()
	remote := testutil.NewFakeRemote(t)
	d := newDevice(t, remote)

	remote.Seed(ir.ChangeLogEntry{
		ID: "r-1", TableName: "users", Operation: ir.OpDelete, RowID: 42,
		Data: ir.Row{"id": int64(42), "name": "gone"}, Timestamp: 10, DeviceID: "other",
	})
	stats, err := d.engine.Pull(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Applied)
}

func TestEngine_PullPassesOverChangesThatDoNotFit(t *testing.T) {
	ctx := context.Background()
	remote := testutil.NewFakeRemote(t)
	d := newDevice(t, remote)

	remote.Seed(
		ir.ChangeLogEntry{
			ID: "r-1", TableName: "ghosts", Operation: ir.OpInsert, RowID: 1,
			Data: ir.Row{"id": int64(1)}, Timestamp: 10, DeviceID: "other",
		},
		ir.ChangeLogEntry{
			ID: "r-2", TableName: "users", Operation: ir.OpInsert, RowID: 2,
			Data: ir.Row{"id": int64(2), "name": "x", "color": "red"}, Timestamp: 20, DeviceID: "other",
		},
		ir.ChangeLogEntry{
			ID: "r-3", TableName: "users", Operation: ir.OpInsert, RowID: 3,
			Data: ir.Row{"id": int64(3), "name": "Carol"}, Timestamp: 30, DeviceID: "other",
		},
	)

	stats, err := d.engine.Pull(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, stats.Pulled)
	assert.Equal(t, 1, stats.Applied)
	assert.Equal(t, 2, stats.Rejected)
	assert.Equal(t, "Carol", d.name(t, 3))
	assert.Nil(t, d.name(t, 2))

	since, err := d.engine.LastSyncTimestamp(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(30), since)

	stats, err = d.engine.Pull(ctx)
	require.NoError(t, err)
	assert.Zero(t, stats.Rejected, "rejected changes are not fetched again")
}

// conflictSetup creates row 1 on a, replicates it to b, then makes an
// unsynced local edit on b and a pushed edit on a.
func conflictSetup(t *testing.T, bOpts ...Option) (a, b *device, id int64) {
	t.Helper()
	ctx := context.Background()
	remote := testutil.NewFakeRemote(t)
	a = newDevice(t, remote)
	b = newDevice(t, remote, bOpts...)

	id, err := a.c.Insert(ctx, "users", ir.Row{"name": "Original"})
	require.NoError(t, err)
	_, err = a.engine.Push(ctx)
	require.NoError(t, err)
	_, err = b.engine.Pull(ctx)
	require.NoError(t, err)

	require.NoError(t, b.c.Update(ctx, "users", id, ir.Row{"name": "Local"}))
	require.NoError(t, a.c.Update(ctx, "users", id, ir.Row{"name": "Remote"}))
	_, err = a.engine.Push(ctx)
	require.NoError(t, err)
	require.Len(t, b.pending(t), 1)
	return a, b, id
}

func TestEngine_LastWriteWins(t *testing.T) {
	_, b, id := conflictSetup(t)

	stats, err := b.engine.Pull(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Applied)
	assert.Equal(t, 1, stats.Conflicts)

	assert.Equal(t, "Remote", b.name(t, id))
	assert.Empty(t, b.pending(t), "the losing local change is marked synced")
}

func TestEngine_CustomResolver(t *testing.T) {
	var gotLocal, gotRemote ir.Row
	resolver := func(local, remote ir.Row) (ir.Row, error) {
		gotLocal, gotRemote = local, remote
		merged := local.Clone()
		merged["name"] = local["name"].(string) + "+" + remote["name"].(string)
		return merged, nil
	}
	_, b, id := conflictSetup(t, WithStrategy(Custom(resolver)))
	before := b.pending(t)

	stats, err := b.engine.Pull(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Conflicts)

	assert.Equal(t, "Local", gotLocal["name"])
	assert.Equal(t, "Remote", gotRemote["name"])
	assert.Equal(t, "Local+Remote", b.name(t, id))

	after := b.pending(t)
	require.Len(t, after, 1, "the resolved row is a new local change")
	assert.NotEqual(t, before[0].ID, after[0].ID)
	assert.Equal(t, ir.OpUpdate, after[0].Operation)
	assert.Equal(t, "Local+Remote", after[0].Data["name"])
}

func TestEngine_ResolverErrorStopsPull(t *testing.T) {
	resolver := func(local, remote ir.Row) (ir.Row, error) {
		return nil, assert.AnError
	}
	_, b, id := conflictSetup(t, WithStrategy(Custom(resolver)))
	since, err := b.engine.LastSyncTimestamp(context.Background())
	require.NoError(t, err)

	_, err = b.engine.Pull(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, assert.AnError)

	assert.Equal(t, "Local", b.name(t, id))
	assert.Len(t, b.pending(t), 1)
	after, err := b.engine.LastSyncTimestamp(context.Background())
	require.NoError(t, err)
	assert.Equal(t, since, after, "the failed change is retried next pull")
}

// blockingTransport parks Push until release is closed.
type blockingTransport struct {
	entered chan struct{}
	release chan struct{}
	once    sync.Once
}

func (b *blockingTransport) Push(ctx context.Context, _ PushRequest) error {
	b.once.Do(func() { close(b.entered) })
	<-b.release
	return nil
}

func (b *blockingTransport) Pull(context.Context, int64, string) ([]ir.ChangeLogEntry, error) {
	return nil, nil
}

func TestEngine_ConcurrentSyncRejected(t *testing.T) {
	ctx := context.Background()
	clock := testutil.NewFakeClock(time.Time{})
	c := openCapsule(t, filepath.Join(t.TempDir(), "busy.db"), clock)
	bt := &blockingTransport{entered: make(chan struct{}), release: make(chan struct{})}
	e, err := New(ctx, c, Config{}, WithLogger(discardLogger()), WithTransport(bt))
	require.NoError(t, err)

	_, err = c.Insert(ctx, "users", ir.Row{"name": "a"})
	require.NoError(t, err)

	done := make(chan *Result, 1)
	go func() {
		res, _ := e.Sync(ctx)
		done <- res
	}()
	<-bt.entered

	_, err = e.Sync(ctx)
	assert.ErrorIs(t, err, ErrSyncInProgress)

	close(bt.release)
	res := <-done
	require.NotNil(t, res)
	assert.Equal(t, 1, res.Pushed)

	_, err = e.Sync(ctx)
	assert.NoError(t, err, "the guard is released after completion")
}

func TestEngine_SyncCollectsPhaseErrors(t *testing.T) {
	ctx := context.Background()
	remote := testutil.NewFakeRemote(t)
	bus := eventbus.New(eventbus.WithLogger(discardLogger()))
	d := newDevice(t, remote, WithEventBus(bus))

	var got *Result
	bus.Subscribe(eventbus.ActionSyncCompleted, func(_ context.Context, _ string, payload any) {
		got = payload.(*Result)
	})

	_, err := d.c.Insert(ctx, "users", ir.Row{"name": "a"})
	require.NoError(t, err)
	remote.FailNext(http.StatusForbidden, http.StatusNotFound)

	res, err := d.engine.Sync(ctx)
	require.NoError(t, err)
	assert.False(t, res.OK())
	assert.Len(t, res.Errors, 2)
	assert.Error(t, res.Err())
	assert.Same(t, res, got)
}

func TestEngine_AutoSync(t *testing.T) {
	ctx := context.Background()
	remote := testutil.NewFakeRemote(t)
	clock := testutil.NewFakeClock(time.Time{})
	c := openCapsule(t, filepath.Join(t.TempDir(), "auto.db"), clock)
	e, err := New(ctx, c, Config{Endpoint: remote.URL, Interval: 20 * time.Millisecond},
		WithLogger(discardLogger()))
	require.NoError(t, err)

	require.NoError(t, e.Start(ctx))
	err = e.Start(ctx)
	assert.True(t, ir.IsState(err), "got %v", err)

	_, err = c.Insert(ctx, "users", ir.Row{"name": "auto"})
	require.NoError(t, err)

	assert.Eventually(t, func() bool { return len(remote.Log()) == 1 }, 5*time.Second, 10*time.Millisecond)

	e.Stop()
	e.Stop()
	pulls := remote.Pulls()
	time.Sleep(60 * time.Millisecond)
	assert.Equal(t, pulls, remote.Pulls(), "no ticks after Stop")
}

func TestEngine_StartRequiresInterval(t *testing.T) {
	d := newDevice(t, testutil.NewFakeRemote(t))
	err := d.engine.Start(context.Background())
	assert.True(t, ir.IsValidation(err), "got %v", err)
}

func TestEngine_Cleanup(t *testing.T) {
	ctx := context.Background()
	d := newDevice(t, testutil.NewFakeRemote(t))

	_, err := d.c.Insert(ctx, "users", ir.Row{"name": "old"})
	require.NoError(t, err)
	_, err = d.engine.Push(ctx)
	require.NoError(t, err)

	d.clock.Advance(10 * 24 * time.Hour)
	_, err = d.c.Insert(ctx, "users", ir.Row{"name": "recent"})
	require.NoError(t, err)
	_, err = d.engine.Push(ctx)
	require.NoError(t, err)
	_, err = d.c.Insert(ctx, "users", ir.Row{"name": "pending"})
	require.NoError(t, err)

	n, err := d.engine.Cleanup(ctx, 7)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	total, err := d.c.QueryScalar(ctx, "SELECT COUNT(*) FROM _sync_changelog")
	require.NoError(t, err)
	assert.Equal(t, int64(2), total)
	assert.Len(t, d.pending(t), 1)

	count, err := d.c.QueryScalar(ctx, "SELECT COUNT(*) FROM users")
	require.NoError(t, err)
	assert.Equal(t, int64(3), count, "user tables are never touched")

	_, err = d.engine.Cleanup(ctx, -1)
	assert.True(t, ir.IsValidation(err))
}

func TestEngine_DeviceIDPersists(t *testing.T) {
	ctx := context.Background()
	remote := testutil.NewFakeRemote(t)
	path := filepath.Join(t.TempDir(), "persist.db")
	clock := testutil.NewFakeClock(time.Time{})

	c, err := capsule.Open(path, capsule.WithLogger(discardLogger()), capsule.WithPollInterval(0), capsule.WithClock(clock.Now))
	require.NoError(t, err)
	e, err := New(ctx, c, Config{Endpoint: remote.URL}, WithLogger(discardLogger()))
	require.NoError(t, err)
	first := e.DeviceID()
	require.NoError(t, c.Close())

	c, err = capsule.Open(path, capsule.WithLogger(discardLogger()), capsule.WithPollInterval(0), capsule.WithClock(clock.Now))
	require.NoError(t, err)
	defer c.Close()
	e, err = New(ctx, c, Config{Endpoint: remote.URL}, WithLogger(discardLogger()))
	require.NoError(t, err)
	assert.Equal(t, first, e.DeviceID())
}

func TestEngine_HeadersAreSent(t *testing.T) {
	ctx := context.Background()
	remote := testutil.NewFakeRemote(t)
	clock := testutil.NewFakeClock(time.Time{})
	c := openCapsule(t, filepath.Join(t.TempDir(), "auth.db"), clock)
	e, err := New(ctx, c, Config{
		Endpoint: remote.URL,
		Headers:  map[string]string{"Authorization": "Bearer token-1"},
	}, WithLogger(discardLogger()))
	require.NoError(t, err)

	_, err = e.Pull(ctx)
	require.NoError(t, err)
	require.Len(t, remote.Headers(), 1)
	assert.Equal(t, "Bearer token-1", remote.Headers()[0].Get("Authorization"))
}

func TestNew_RequiresEndpointOrTransport(t *testing.T) {
	clock := testutil.NewFakeClock(time.Time{})
	c := openCapsule(t, filepath.Join(t.TempDir(), "bare.db"), clock)

	_, err := New(context.Background(), c, Config{})
	assert.True(t, ir.IsValidation(err), "got %v", err)

	_, err = New(context.Background(), c, Config{Endpoint: "not a url"})
	assert.True(t, ir.IsValidation(err), "got %v", err)
}
