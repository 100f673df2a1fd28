package syncengine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/roach88/capsule/internal/capsule"
	"github.com/roach88/capsule/internal/ir"
)

const syncSchema = `
CREATE TABLE IF NOT EXISTS _sync_meta (
	key   TEXT PRIMARY KEY,
	value TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS _sync_changelog (
	id           TEXT PRIMARY KEY,
	table_name   TEXT NOT NULL,
	operation    TEXT NOT NULL CHECK (operation IN ('INSERT', 'UPDATE', 'DELETE')),
	row_id       INTEGER NOT NULL,
	data         TEXT NOT NULL,
	timestamp    INTEGER NOT NULL,
	synced       INTEGER NOT NULL DEFAULT 0,
	sync_attempt INTEGER NOT NULL DEFAULT 0,
	UNIQUE (table_name, row_id, operation, timestamp)
);

CREATE INDEX IF NOT EXISTS idx_sync_changelog_pending
	ON _sync_changelog(synced, timestamp);

CREATE INDEX IF NOT EXISTS idx_sync_changelog_row
	ON _sync_changelog(table_name, row_id, synced);
`

const (
	metaDeviceID = "device_id"
	metaLastSync = "last_sync_timestamp"
)

// execer is satisfied by *sql.DB and *sql.Tx.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func ensureSchema(ctx context.Context, db *sql.DB) error {
	if _, err := db.ExecContext(ctx, syncSchema); err != nil {
		return fmt.Errorf("sync schema: %w", err)
	}
	return nil
}

func readMeta(ctx context.Context, q execer, key string) (string, bool, error) {
	var value string
	err := q.QueryRowContext(ctx, `SELECT value FROM _sync_meta WHERE key = ?`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("read sync meta %s: %w", key, err)
	}
	return value, true, nil
}

func writeMeta(ctx context.Context, q execer, key, value string) error {
	_, err := q.ExecContext(ctx,
		`INSERT INTO _sync_meta (key, value) VALUES (?, ?)
		 ON CONFLICT(key) DO UPDATE SET value = excluded.value`, key, value)
	if err != nil {
		return fmt.Errorf("write sync meta %s: %w", key, err)
	}
	return nil
}

// captureHook returns the mutation hook that appends one changelog entry
// per local write. Writes tagged capsule.OriginRemote are not recorded,
// so applying a pulled change never echoes it back to the remote.
func (e *Engine) captureHook() capsule.MutationHook {
	return func(ctx context.Context, tx *sql.Tx, m ir.Mutation) error {
		if capsule.OriginFromContext(ctx) == capsule.OriginRemote {
			return nil
		}
		if strings.HasPrefix(m.Table, "_") {
			return nil
		}
		data, err := ir.MarshalCanonical(map[string]any(m.Data))
		if err != nil {
			return fmt.Errorf("changelog %s: %w", m.Table, err)
		}
		_, err = tx.ExecContext(ctx,
			`INSERT INTO _sync_changelog (id, table_name, operation, row_id, data, timestamp)
			 VALUES (?, ?, ?, ?, ?, ?)`,
			e.ids.Generate(), m.Table, string(m.Operation), m.RowID, string(data), e.clock.Next(m.Timestamp))
		if err != nil {
			return fmt.Errorf("changelog %s: %w", m.Table, err)
		}
		return nil
	}
}

const entryColumns = `id, table_name, operation, row_id, data, timestamp, synced, sync_attempt`

func scanEntries(rows *sql.Rows) ([]ir.ChangeLogEntry, error) {
	defer rows.Close()
	var out []ir.ChangeLogEntry
	for rows.Next() {
		var (
			entry  ir.ChangeLogEntry
			op     string
			data   string
			synced int
		)
		if err := rows.Scan(&entry.ID, &entry.TableName, &op, &entry.RowID, &data,
			&entry.Timestamp, &synced, &entry.SyncAttempt); err != nil {
			return nil, fmt.Errorf("scan changelog: %w", err)
		}
		row, err := ir.DecodeRow([]byte(data))
		if err != nil {
			return nil, fmt.Errorf("changelog %s: %w", entry.ID, err)
		}
		entry.Operation = ir.Operation(op)
		entry.Data = row
		entry.Synced = synced != 0
		out = append(out, entry)
	}
	return out, rows.Err()
}

// unsyncedEntries returns every pending entry in timestamp order.
func unsyncedEntries(ctx context.Context, q execer) ([]ir.ChangeLogEntry, error) {
	rows, err := q.QueryContext(ctx,
		`SELECT `+entryColumns+` FROM _sync_changelog WHERE synced = 0 ORDER BY timestamp, id`)
	if err != nil {
		return nil, fmt.Errorf("list pending changes: %w", err)
	}
	return scanEntries(rows)
}

// unsyncedForRow returns the pending entries touching one row.
func unsyncedForRow(ctx context.Context, q execer, table string, rowID int64) ([]ir.ChangeLogEntry, error) {
	rows, err := q.QueryContext(ctx,
		`SELECT `+entryColumns+` FROM _sync_changelog
		 WHERE table_name = ? AND row_id = ? AND synced = 0 ORDER BY timestamp, id`,
		table, rowID)
	if err != nil {
		return nil, fmt.Errorf("list pending changes %s/%d: %w", table, rowID, err)
	}
	return scanEntries(rows)
}

// markSynced flags ids as delivered.
func markSynced(ctx context.Context, q execer, ids []string) error {
	return updateEntries(ctx, q, `UPDATE _sync_changelog SET synced = 1 WHERE id IN (%s)`, ids)
}

// bumpAttempts records one more failed delivery of ids.
func bumpAttempts(ctx context.Context, q execer, ids []string) error {
	return updateEntries(ctx, q, `UPDATE _sync_changelog SET sync_attempt = sync_attempt + 1 WHERE id IN (%s)`, ids)
}

// maxUpdateArgs stays under SQLite's default bound-parameter limit.
const maxUpdateArgs = 500

func updateEntries(ctx context.Context, q execer, format string, ids []string) error {
	for start := 0; start < len(ids); start += maxUpdateArgs {
		chunk := ids[start:min(start+maxUpdateArgs, len(ids))]
		args := make([]any, len(chunk))
		for i, id := range chunk {
			args[i] = id
		}
		marks := strings.TrimSuffix(strings.Repeat("?, ", len(chunk)), ", ")
		if _, err := q.ExecContext(ctx, fmt.Sprintf(format, marks), args...); err != nil {
			return fmt.Errorf("update changelog: %w", err)
		}
	}
	return nil
}

func maxTimestamp(ctx context.Context, q execer) (int64, error) {
	var ts sql.NullInt64
	if err := q.QueryRowContext(ctx, `SELECT MAX(timestamp) FROM _sync_changelog`).Scan(&ts); err != nil {
		return 0, fmt.Errorf("changelog high-water mark: %w", err)
	}
	return ts.Int64, nil
}

func entryIDs(entries []ir.ChangeLogEntry) []string {
	ids := make([]string, len(entries))
	for i, entry := range entries {
		ids[i] = entry.ID
	}
	return ids
}
