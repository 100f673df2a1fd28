package capsule

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/roach88/capsule/internal/ir"
)

// Insert adds a row and returns its id. An explicit "id" in data is
// honored; otherwise one is assigned.
func (c *Capsule) Insert(ctx context.Context, table string, data ir.Row) (id int64, err error) {
	err = c.Transaction(ctx, func(tx *Tx) error {
		id, err = tx.Insert(ctx, table, data)
		return err
	})
	return id, err
}

// Update changes the given columns of row id. Columns absent from data are
// left untouched.
func (c *Capsule) Update(ctx context.Context, table string, id int64, data ir.Row) error {
	return c.Transaction(ctx, func(tx *Tx) error {
		return tx.Update(ctx, table, id, data)
	})
}

// Delete removes row id.
func (c *Capsule) Delete(ctx context.Context, table string, id int64) error {
	return c.Transaction(ctx, func(tx *Tx) error {
		return tx.Delete(ctx, table, id)
	})
}

// Upsert inserts data, or updates the existing row when data carries the
// id of one. It reports which operation happened.
func (c *Capsule) Upsert(ctx context.Context, table string, data ir.Row) (id int64, op ir.Operation, err error) {
	err = c.Transaction(ctx, func(tx *Tx) error {
		id, op, err = tx.Upsert(ctx, table, data)
		return err
	})
	return id, op, err
}

// InsertMany inserts rows in one transaction and returns their ids in order.
func (c *Capsule) InsertMany(ctx context.Context, table string, rows []ir.Row) (ids []int64, err error) {
	err = c.Transaction(ctx, func(tx *Tx) error {
		ids, err = tx.InsertMany(ctx, table, rows)
		return err
	})
	return ids, err
}

// UpdateMany applies updates in one transaction.
func (c *Capsule) UpdateMany(ctx context.Context, table string, updates []ir.RowUpdate) error {
	return c.Transaction(ctx, func(tx *Tx) error {
		return tx.UpdateMany(ctx, table, updates)
	})
}

// DeleteMany deletes ids in one transaction.
func (c *Capsule) DeleteMany(ctx context.Context, table string, ids []int64) error {
	return c.Transaction(ctx, func(tx *Tx) error {
		return tx.DeleteMany(ctx, table, ids)
	})
}

// Insert adds a row inside the transaction.
func (t *Tx) Insert(ctx context.Context, table string, data ir.Row) (int64, error) {
	op := "insert " + table
	meta, err := t.c.lookup(ctx, t.tx, table)
	if err != nil {
		return 0, err
	}

	cols, args, err := bindColumns(op, meta, data, true)
	if err != nil {
		return 0, err
	}

	var stmt string
	if len(cols) == 0 {
		stmt = fmt.Sprintf("INSERT INTO %s DEFAULT VALUES", quoteIdent(table))
	} else {
		quoted := make([]string, len(cols))
		for i, col := range cols {
			quoted[i] = quoteIdent(col)
		}
		stmt = fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)",
			quoteIdent(table), strings.Join(quoted, ", "), placeholders(len(cols)))
	}

	res, err := t.tx.ExecContext(ctx, stmt, args...)
	if err != nil {
		return 0, classify(op, err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("%s: last insert id: %w", op, err)
	}

	row, err := t.selectRow(ctx, meta, id)
	if err != nil {
		return 0, err
	}
	if err := t.runHooks(ctx, t.mutation(table, ir.OpInsert, id, row)); err != nil {
		return 0, err
	}
	return id, nil
}

// Update changes columns of row id inside the transaction. An "id" key in
// data is ignored.
func (t *Tx) Update(ctx context.Context, table string, id int64, data ir.Row) error {
	op := "update " + table
	meta, err := t.c.lookup(ctx, t.tx, table)
	if err != nil {
		return err
	}

	cols, args, err := bindColumns(op, meta, data, false)
	if err != nil {
		return err
	}
	if len(cols) == 0 {
		return validationf(op, "no columns to update")
	}

	sets := make([]string, len(cols))
	for i, col := range cols {
		sets[i] = quoteIdent(col) + " = ?"
	}
	stmt := fmt.Sprintf(`UPDATE %s SET %s WHERE "id" = ?`, quoteIdent(table), strings.Join(sets, ", "))

	res, err := t.tx.ExecContext(ctx, stmt, append(args, id)...)
	if err != nil {
		return classify(op, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("%s: rows affected: %w", op, err)
	}
	if n == 0 {
		return ir.NewError(ir.KindNotFound, op, "row %d not found", id)
	}

	row, err := t.selectRow(ctx, meta, id)
	if err != nil {
		return err
	}
	return t.runHooks(ctx, t.mutation(table, ir.OpUpdate, id, row))
}

// Delete removes row id inside the transaction.
func (t *Tx) Delete(ctx context.Context, table string, id int64) error {
	op := "delete " + table
	meta, err := t.c.lookup(ctx, t.tx, table)
	if err != nil {
		return err
	}

	old, err := t.selectRow(ctx, meta, id)
	if err != nil {
		return err
	}
	if old == nil {
		return ir.NewError(ir.KindNotFound, op, "row %d not found", id)
	}

	if _, err := t.tx.ExecContext(ctx, fmt.Sprintf(`DELETE FROM %s WHERE "id" = ?`, quoteIdent(table)), id); err != nil {
		return classify(op, err)
	}
	return t.runHooks(ctx, t.mutation(table, ir.OpDelete, id, old))
}

// Upsert inserts data or, when data["id"] names an existing row, updates it.
func (t *Tx) Upsert(ctx context.Context, table string, data ir.Row) (int64, ir.Operation, error) {
	meta, err := t.c.lookup(ctx, t.tx, table)
	if err != nil {
		return 0, "", err
	}
	if id := data.ID(); id != 0 {
		existing, err := t.selectRow(ctx, meta, id)
		if err != nil {
			return 0, "", err
		}
		if existing != nil {
			if err := t.Update(ctx, table, id, data); err != nil {
				return 0, "", err
			}
			return id, ir.OpUpdate, nil
		}
	}
	id, err := t.Insert(ctx, table, data)
	if err != nil {
		return 0, "", err
	}
	return id, ir.OpInsert, nil
}

// InsertMany inserts rows inside the transaction.
func (t *Tx) InsertMany(ctx context.Context, table string, rows []ir.Row) ([]int64, error) {
	ids := make([]int64, 0, len(rows))
	for i, row := range rows {
		id, err := t.Insert(ctx, table, row)
		if err != nil {
			return nil, fmt.Errorf("row %d: %w", i, err)
		}
		ids = append(ids, id)
	}
	return ids, nil
}

// UpdateMany applies updates inside the transaction.
func (t *Tx) UpdateMany(ctx context.Context, table string, updates []ir.RowUpdate) error {
	for i, u := range updates {
		if err := t.Update(ctx, table, u.ID, u.Data); err != nil {
			return fmt.Errorf("update %d: %w", i, err)
		}
	}
	return nil
}

// DeleteMany deletes ids inside the transaction.
func (t *Tx) DeleteMany(ctx context.Context, table string, ids []int64) error {
	for _, id := range ids {
		if err := t.Delete(ctx, table, id); err != nil {
			return err
		}
	}
	return nil
}

func (t *Tx) mutation(table string, op ir.Operation, id int64, row ir.Row) ir.Mutation {
	return ir.Mutation{
		Table:     table,
		Operation: op,
		RowID:     id,
		Data:      row,
		Timestamp: t.c.now(),
	}
}

// bindColumns validates data against meta and returns sorted column names
// with their bound values. The id column is only accepted on insert.
func bindColumns(op string, meta *tableMeta, data ir.Row, allowID bool) ([]string, []any, error) {
	cols := make([]string, 0, len(data))
	args := make([]any, 0, len(data))
	for _, col := range ir.SortedKeys(data) {
		if col == "id" {
			if !allowID || data[col] == nil {
				continue
			}
		} else if !meta.hasColumn(col) {
			return nil, nil, validationf(op, "unknown column %q", col)
		}
		v, err := bindValue(data[col])
		if err != nil {
			return nil, nil, validationf(op, "column %s: %v", col, err)
		}
		if meta.types[col] == ir.TypeDateTime && v != nil {
			canonical, ok := canonicalDateTime(v)
			if !ok {
				return nil, nil, validationf(op, "column %s: %v is not a DATETIME", col, v)
			}
			v = canonical
		}
		cols = append(cols, col)
		args = append(args, v)
	}
	return cols, args, nil
}

// bindValue converts a row value into a driver argument. Composite values
// are stored as JSON text.
func bindValue(v any) (any, error) {
	n, err := ir.NormalizeValue(v)
	if err != nil {
		return nil, err
	}
	switch n.(type) {
	case map[string]any, []any:
		encoded, err := json.Marshal(n)
		if err != nil {
			return nil, err
		}
		return string(encoded), nil
	}
	return n, nil
}

func bindArgs(args []any) ([]any, error) {
	out := make([]any, len(args))
	for i, a := range args {
		v, err := bindValue(a)
		if err != nil {
			return nil, fmt.Errorf("argument %d: %w", i+1, err)
		}
		out[i] = v
	}
	return out, nil
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}
