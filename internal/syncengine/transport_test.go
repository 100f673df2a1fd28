package syncengine

import (
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/capsule/internal/ir"
	"github.com/roach88/capsule/internal/testutil"
)

func TestHTTPTransport_PullDecodesIntegerColumns(t *testing.T) {
	remote := testutil.NewFakeRemote(t)
	remote.Seed(ir.ChangeLogEntry{
		ID: "x", TableName: "users", Operation: ir.OpInsert, RowID: 7,
		Data: ir.Row{"id": int64(7), "age": int64(31), "score": 1.5}, Timestamp: 3, DeviceID: "other",
	})

	tr, err := NewHTTPTransport(remote.URL + "/")
	require.NoError(t, err)
	changes, err := tr.Pull(context.Background(), 0, "me")
	require.NoError(t, err)
	require.Len(t, changes, 1)
	assert.Equal(t, ir.Row{"id": int64(7), "age": int64(31), "score": 1.5}, changes[0].Data)
	assert.Equal(t, "other", changes[0].DeviceID)
	assert.Equal(t, int64(3), changes[0].Timestamp)
}

func TestHTTPTransport_PushRejectsBadChecksum(t *testing.T) {
	remote := testutil.NewFakeRemote(t)
	tr, err := NewHTTPTransport(remote.URL)
	require.NoError(t, err)

	err = tr.Push(context.Background(), PushRequest{
		Version:  ProtocolVersion,
		DeviceID: "me",
		Changes:  []ir.ChangeLogEntry{{ID: "a", TableName: "t", Operation: ir.OpInsert, RowID: 1, Data: ir.Row{"id": int64(1)}, Timestamp: 1}},
		Checksum: "tampered",
	})
	require.Error(t, err)
	assert.True(t, ir.IsSync(err))
	assert.Contains(t, err.Error(), "422")
	assert.Empty(t, remote.Log())
}

func TestHTTPTransport_RetriesAreBounded(t *testing.T) {
	remote := testutil.NewFakeRemote(t)
	remote.FailNext(http.StatusBadGateway, http.StatusBadGateway, http.StatusBadGateway,
		http.StatusBadGateway, http.StatusBadGateway, http.StatusBadGateway)
	tr, err := NewHTTPTransport(remote.URL, WithMaxRetryElapsed(300*time.Millisecond))
	require.NoError(t, err)

	_, err = tr.Pull(context.Background(), 0, "me")
	require.Error(t, err)
	assert.True(t, ir.IsSync(err))
	assert.Contains(t, err.Error(), "502")
}

func TestHTTPTransport_CanceledContext(t *testing.T) {
	remote := testutil.NewFakeRemote(t)
	tr, err := NewHTTPTransport(remote.URL)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = tr.Pull(ctx, 0, "me")
	require.Error(t, err)
	assert.True(t, ir.IsTimeout(err), "got %v", err)
}

func TestParseStrategy(t *testing.T) {
	s, err := ParseStrategy("")
	require.NoError(t, err)
	assert.Equal(t, "last-write-wins", s.String())

	_, err = ParseStrategy("coin-flip")
	assert.True(t, ir.IsValidation(err))

	assert.Equal(t, "custom", Custom(func(l, r ir.Row) (ir.Row, error) { return r, nil }).String())
}
