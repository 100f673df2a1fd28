package capsule

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"strings"
	"time"
)

// Cleanup deletes change rows older than retentionDays, honoring per-table
// RetentionDays overrides, and returns the number deleted. Only delivered
// rows are eligible. User tables are never touched.
func (c *Capsule) Cleanup(ctx context.Context, retentionDays int) (int64, error) {
	if retentionDays < 0 {
		return 0, validationf("cleanup", "retention days must be >= 0, got %d", retentionDays)
	}

	c.pollMu.Lock()
	delivered := c.lastSeen
	c.pollMu.Unlock()

	now := c.now()
	threshold := func(days int) int64 {
		return now.Add(-time.Duration(days) * 24 * time.Hour).UnixMilli()
	}

	c.mu.RLock()
	overrides := make(map[string]int)
	for name, meta := range c.tables {
		if d := meta.retentionDays(); d > 0 {
			overrides[name] = d
		}
	}
	c.mu.RUnlock()

	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("cleanup: begin: %w", err)
	}
	defer tx.Rollback()

	var total int64
	names := make([]any, 0, len(overrides))
	for name, days := range overrides {
		res, err := tx.ExecContext(ctx,
			`DELETE FROM _capsule_changes WHERE table_name = ? AND created_at < ? AND id <= ?`,
			name, threshold(days), delivered)
		if err != nil {
			return 0, fmt.Errorf("cleanup %s: %w", name, err)
		}
		n, _ := res.RowsAffected()
		total += n
		names = append(names, name)
	}

	stmt := `DELETE FROM _capsule_changes WHERE created_at < ? AND id <= ?`
	args := []any{threshold(retentionDays), delivered}
	if len(names) > 0 {
		stmt += ` AND table_name NOT IN (` + placeholders(len(names)) + `)`
		args = append(args, names...)
	}
	res, err := tx.ExecContext(ctx, stmt, args...)
	if err != nil {
		return 0, fmt.Errorf("cleanup: %w", err)
	}
	n, _ := res.RowsAffected()
	total += n

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("cleanup: commit: %w", err)
	}

	c.logger.Info("change rows cleaned up",
		"deleted", total,
		"retention_days", retentionDays,
		"overrides", strings.Join(slices.Sorted(maps.Keys(overrides)), ","))
	return total, nil
}
