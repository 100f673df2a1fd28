package capsule

import (
	"context"
	"database/sql"
	"fmt"
	"slices"
	"time"

	"github.com/roach88/capsule/internal/eventbus"
	"github.com/roach88/capsule/internal/ir"
)

// change is one decoded _capsule_changes row.
type change struct {
	seq       int64
	table     string
	op        ir.Operation
	rowID     int64
	oldData   ir.Row
	newData   ir.Row
	txID      string
	createdAt time.Time
}

func (ch *change) event(watcherID string) ir.ChangeEvent {
	return ir.ChangeEvent{
		WatcherID:     watcherID,
		Operation:     ch.op,
		TableName:     ch.table,
		RowID:         ch.rowID,
		OldData:       ch.oldData.Clone(),
		NewData:       ch.newData.Clone(),
		Timestamp:     ch.createdAt,
		TransactionID: ch.txID,
		Seq:           ch.seq,
	}
}

func (c *Capsule) pollLoop() {
	defer close(c.done)

	if c.pollInterval <= 0 {
		<-c.stop
		return
	}

	ticker := time.NewTicker(c.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.stop:
			return
		case <-ticker.C:
			if err := c.poll(context.Background()); err != nil {
				// Retried next tick; lastSeen has not moved.
				c.logger.Error("change poll failed", "error", err)
			}
		}
	}
}

// Flush synchronously delivers every committed change not yet delivered.
// It must not be called from a watcher callback or inside a transaction.
func (c *Capsule) Flush(ctx context.Context) error {
	return c.poll(ctx)
}

// poll runs one delivery cycle. A cycle that is still delivering when the
// next tick fires simply delays it: unseen rows accumulate and are picked
// up together, never dropped.
func (c *Capsule) poll(ctx context.Context) error {
	c.pollMu.Lock()
	defer c.pollMu.Unlock()

	changes, err := c.readChanges(ctx, c.lastSeen)
	if err != nil {
		return err
	}
	if len(changes) == 0 {
		return nil
	}
	c.lastSeen = changes[len(changes)-1].seq

	c.deliver(ctx, changes)
	return nil
}

// readChanges loads and decodes every change row after since. The result
// set is fully drained before returning so callbacks can use the
// connection.
func (c *Capsule) readChanges(ctx context.Context, since int64) ([]*change, error) {
	rows, err := c.db.QueryContext(ctx,
		`SELECT id, table_name, operation, row_id, old_data, new_data, tx_id, created_at
		 FROM _capsule_changes WHERE id > ? ORDER BY id`, since)
	if err != nil {
		return nil, fmt.Errorf("read changes: %w", err)
	}

	type rawChange struct {
		change
		oldJSON, newJSON sql.NullString
		createdMs        int64
	}
	var raws []rawChange
	for rows.Next() {
		var r rawChange
		var op string
		if err := rows.Scan(&r.seq, &r.table, &op, &r.rowID, &r.oldJSON, &r.newJSON, &r.txID, &r.createdMs); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan change: %w", err)
		}
		r.op = ir.Operation(op)
		raws = append(raws, r)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, fmt.Errorf("read changes: %w", err)
	}
	rows.Close()

	out := make([]*change, 0, len(raws))
	for _, r := range raws {
		ch := r.change
		ch.createdAt = time.UnixMilli(r.createdMs).UTC()
		meta, err := c.lookup(ctx, c.db, ch.table)
		if err != nil {
			// Table dropped behind our back; deliver raw images.
			meta = &tableMeta{name: ch.table}
		}
		if r.oldJSON.Valid {
			if ch.oldData, err = ir.DecodeRow([]byte(r.oldJSON.String)); err != nil {
				return nil, fmt.Errorf("change %d old_data: %w", ch.seq, err)
			}
			coerceRow(meta, ch.oldData)
		}
		if r.newJSON.Valid {
			if ch.newData, err = ir.DecodeRow([]byte(r.newJSON.String)); err != nil {
				return nil, fmt.Errorf("change %d new_data: %w", ch.seq, err)
			}
			coerceRow(meta, ch.newData)
		}
		out = append(out, &ch)
	}
	return out, nil
}

// deliver hands each watcher its ordered, filtered slice of changes,
// chunked by the table's batch size, then mirrors every change onto the
// event bus.
func (c *Capsule) deliver(ctx context.Context, changes []*change) {
	c.mu.RLock()
	watchers := slices.Clone(c.watchers)
	c.mu.RUnlock()

	for _, w := range watchers {
		var batch []ir.ChangeEvent
		for _, ch := range changes {
			if ch.table != w.table || ch.seq <= w.since {
				continue
			}
			ok, err := w.matches(ch)
			if err != nil {
				c.logger.Warn("watch filter failed",
					"watcher_id", w.id,
					"table", w.table,
					"seq", ch.seq,
					"error", err)
				continue
			}
			if ok {
				batch = append(batch, ch.event(w.id))
			}
		}
		if len(batch) == 0 {
			continue
		}

		size := len(batch)
		if meta, err := c.lookup(ctx, c.db, w.table); err == nil && meta.batchSize() > 0 {
			size = meta.batchSize()
		}
		for chunk := range slices.Chunk(batch, size) {
			if !w.active.Load() {
				break
			}
			c.invoke(ctx, w, chunk)
		}
	}

	if c.bus != nil {
		for _, ch := range changes {
			c.bus.Emit(ctx, eventbus.ActionCapsuleChange, ch.event(""))
		}
	}
}

// invoke runs one watcher callback with panic isolation.
func (c *Capsule) invoke(ctx context.Context, w *watcher, events []ir.ChangeEvent) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("watcher panicked",
				"watcher_id", w.id,
				"table", w.table,
				"panic", r)
		}
	}()
	if err := w.fn(ctx, events); err != nil {
		c.logger.Error("watcher failed",
			"watcher_id", w.id,
			"table", w.table,
			"events", len(events),
			"error", err)
	}
}
