package skills

import (
	"context"
	"fmt"
	"maps"

	"github.com/roach88/capsule/internal/ir"
	"github.com/roach88/capsule/internal/sandbox"
)

// callHook calls hook in sb if the mod defines it. Failures are logged
// and otherwise ignored.
func (m *Manager) callHook(ctx context.Context, id string, sb *sandbox.Sandbox, hook Hook, args ...any) []any {
	if !sb.HasFunction(string(hook)) {
		return nil
	}
	results, err := sb.CallFunction(ctx, string(hook), args...)
	if err != nil {
		m.logger.Error("mod hook failed",
			"mod_id", id,
			"hook", string(hook),
			"kind", string(ir.KindOf(err)),
			"error", err)
		return nil
	}
	return results
}

// TriggerDataChange calls on_data_changed(table, operation, row) in every
// active mod. A failing mod does not stop the others.
func (m *Manager) TriggerDataChange(ctx context.Context, table string, op ir.Operation, row ir.Row) {
	for _, ms := range m.activeSandboxes() {
		m.callHook(ctx, ms.id, ms.sb, HookDataChanged, table, string(op), row)
	}
}

// BeforeSave passes data through every active mod's before_save in load
// order. A hook that returns a table replaces the data seen by the next
// mod; one that returns nothing or fails leaves it unchanged.
func (m *Manager) BeforeSave(ctx context.Context, table string, data ir.Row) ir.Row {
	current := maps.Clone(data)
	for _, ms := range m.activeSandboxes() {
		results := m.callHook(ctx, ms.id, ms.sb, HookBeforeSave, table, current)
		if len(results) == 0 {
			continue
		}
		switch v := results[0].(type) {
		case map[string]any:
			current = ir.Row(v)
		case nil:
		default:
			m.logger.Warn("before_save result ignored",
				"mod_id", ms.id,
				"table", table,
				"type", fmt.Sprintf("%T", v))
		}
	}
	return current
}

// AfterSave notifies every active mod's after_save.
func (m *Manager) AfterSave(ctx context.Context, table string, data ir.Row) {
	for _, ms := range m.activeSandboxes() {
		m.callHook(ctx, ms.id, ms.sb, HookAfterSave, table, data)
	}
}

// Save writes data to table with the mod save hooks around it. An id of
// zero inserts; otherwise the row is updated. It returns the row id.
func (m *Manager) Save(ctx context.Context, table string, id int64, data ir.Row) (int64, error) {
	row := m.BeforeSave(ctx, table, data)
	delete(row, "id")

	if id == 0 {
		newID, err := m.capsule.Insert(ctx, table, row)
		if err != nil {
			return 0, err
		}
		id = newID
	} else if err := m.capsule.Update(ctx, table, id, row); err != nil {
		return 0, err
	}

	saved, err := m.capsule.Get(ctx, table, id)
	if err != nil {
		return id, err
	}
	m.AfterSave(ctx, table, saved)
	return id, nil
}

// WatchTables forwards committed changes on each table to
// TriggerDataChange. The watchers stop when the manager is closed.
func (m *Manager) WatchTables(ctx context.Context, tables ...string) error {
	for _, table := range tables {
		stop, err := m.capsule.Watch(ctx, table, func(ctx context.Context, events []ir.ChangeEvent) error {
			for _, ev := range events {
				m.TriggerDataChange(ctx, ev.TableName, ev.Operation, ev.Data())
			}
			return nil
		})
		if err != nil {
			return fmt.Errorf("watch %s: %w", table, err)
		}
		m.mu.Lock()
		m.watchers = append(m.watchers, stop)
		m.mu.Unlock()
	}
	return nil
}
