package cli

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/capsule/internal/capsule"
	"github.com/roach88/capsule/internal/ir"
	"github.com/roach88/capsule/internal/testutil"
)

func syncOptions(path, endpoint, format string) *RootOptions {
	opts := newTestOptions(path, format)
	opts.cfg.Sync.Enabled = true
	opts.cfg.Sync.Endpoint = endpoint
	return opts
}

func TestSyncCommand_PullsRemoteChanges(t *testing.T) {
	path := seedDatabase(t)
	remote := testutil.NewFakeRemote(t)
	remote.Seed(ir.ChangeLogEntry{
		ID: "r-1", TableName: "notes", Operation: ir.OpInsert, RowID: 10,
		Data: ir.Row{"id": int64(10), "title": "remote", "priority": int64(5)}, Timestamp: 1000, DeviceID: "other",
	})

	out, err := execute(NewSyncCommand(syncOptions(path, remote.URL, "json")))
	require.NoError(t, err)

	var resp struct {
		Data SyncReport `json:"data"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &resp))
	assert.NotEmpty(t, resp.Data.DeviceID)
	assert.Equal(t, 1, resp.Data.Pulled)
	assert.Equal(t, 1, resp.Data.Applied)
	assert.Equal(t, 0, resp.Data.Pending)
	assert.Equal(t, int64(1000), resp.Data.LastSync)
	assert.Equal(t, int64(3), countRows(t, path, "notes"))
}

func TestSyncCommand_StatusDoesNotContactRemote(t *testing.T) {
	path := seedDatabase(t)
	remote := testutil.NewFakeRemote(t)

	out, err := execute(NewSyncCommand(syncOptions(path, remote.URL, "text")), "--status")
	require.NoError(t, err)
	assert.Contains(t, out, "Device:")
	assert.Contains(t, out, "Pending:   0")
	assert.NotContains(t, out, "Pushed:")
	assert.Equal(t, 0, remote.Pulls())
	assert.Equal(t, 0, remote.Pushes())
}

func TestSyncCommand_DeviceIDIsStable(t *testing.T) {
	path := seedDatabase(t)
	remote := testutil.NewFakeRemote(t)

	report := func() SyncReport {
		out, err := execute(NewSyncCommand(syncOptions(path, remote.URL, "json")), "--status")
		require.NoError(t, err)
		var resp struct {
			Data SyncReport `json:"data"`
		}
		require.NoError(t, json.Unmarshal([]byte(out), &resp))
		return resp.Data
	}
	assert.Equal(t, report().DeviceID, report().DeviceID)
}

func TestSyncCommand_RemoteFailureIsIncomplete(t *testing.T) {
	path := seedDatabase(t)
	remote := testutil.NewFakeRemote(t)
	remote.FailNext(http.StatusBadRequest)

	out, err := execute(NewSyncCommand(syncOptions(path, remote.URL, "text")))
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))
	assert.Contains(t, err.Error(), "sync incomplete")
	assert.Contains(t, out, "error:")
}

func TestSyncCommand_NoEndpoint(t *testing.T) {
	path := seedDatabase(t)

	_, err := execute(NewSyncCommand(syncOptions(path, "", "text")))
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
	assert.True(t, ir.IsValidation(err))
}

func TestSyncCommand_InvalidStrategy(t *testing.T) {
	path := seedDatabase(t)
	opts := syncOptions(path, "http://127.0.0.1:1", "text")
	opts.cfg.Sync.Strategy = "coin-flip"

	_, err := execute(NewSyncCommand(opts))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid sync strategy")
}

func TestNewSyncEngine_CapturesLocalWrites(t *testing.T) {
	path := seedDatabase(t)
	remote := testutil.NewFakeRemote(t)
	opts := syncOptions(path, remote.URL, "text")

	c, err := capsule.Open(path,
		capsule.WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
		capsule.WithPollInterval(0))
	require.NoError(t, err)
	defer c.Close()

	ctx := context.Background()
	engine, err := newSyncEngine(ctx, c, opts.cfg, slog.New(slog.NewTextHandler(io.Discard, nil)), nil)
	require.NoError(t, err)

	_, err = c.Insert(ctx, "notes", ir.Row{"title": "local"})
	require.NoError(t, err)

	pending, err := engine.Pending(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 1)

	res, err := engine.Sync(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Pushed)
	assert.Len(t, remote.Log(), 1)
}
