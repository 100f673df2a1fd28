package capsule

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/roach88/capsule/internal/ir"
)

// Query runs a parameterized read-only statement and returns every row.
// Statements that would write fail with a validation error: query is not a
// mutation path, since it would bypass change capture.
func (c *Capsule) Query(ctx context.Context, query string, args ...any) ([]ir.Row, error) {
	var rows []ir.Row
	err := c.withConn(ctx, func(q querier) error {
		var err error
		rows, err = readOnly(ctx, q, query, args)
		return err
	})
	return rows, err
}

// QueryOne returns the first row of query, or nil if it returns none.
func (c *Capsule) QueryOne(ctx context.Context, query string, args ...any) (ir.Row, error) {
	rows, err := c.Query(ctx, query, args...)
	if err != nil || len(rows) == 0 {
		return nil, err
	}
	return rows[0], nil
}

// QueryScalar returns the first column of the first row, or nil.
func (c *Capsule) QueryScalar(ctx context.Context, query string, args ...any) (any, error) {
	var v any
	err := c.withConn(ctx, func(q querier) error {
		var err error
		v, err = readOnlyScalar(ctx, q, query, args)
		return err
	})
	return v, err
}

// Get returns row id of table with column types applied, or nil.
func (c *Capsule) Get(ctx context.Context, table string, id int64) (ir.Row, error) {
	meta, err := c.lookup(ctx, c.db, table)
	if err != nil {
		return nil, err
	}
	return selectRow(ctx, c.db, meta, id)
}

// Query runs a read-only statement inside the transaction, so it sees the
// transaction's uncommitted writes.
func (t *Tx) Query(ctx context.Context, query string, args ...any) ([]ir.Row, error) {
	return readOnly(ctx, t.tx, query, args)
}

// QueryOne returns the first row of query, or nil.
func (t *Tx) QueryOne(ctx context.Context, query string, args ...any) (ir.Row, error) {
	rows, err := t.Query(ctx, query, args...)
	if err != nil || len(rows) == 0 {
		return nil, err
	}
	return rows[0], nil
}

// QueryScalar returns the first column of the first row, or nil.
func (t *Tx) QueryScalar(ctx context.Context, query string, args ...any) (any, error) {
	return readOnlyScalar(ctx, t.tx, query, args)
}

// Get returns row id of table, or nil.
func (t *Tx) Get(ctx context.Context, table string, id int64) (ir.Row, error) {
	meta, err := t.c.lookup(ctx, t.tx, table)
	if err != nil {
		return nil, err
	}
	return t.selectRow(ctx, meta, id)
}

func (t *Tx) selectRow(ctx context.Context, meta *tableMeta, id int64) (ir.Row, error) {
	return selectRow(ctx, t.tx, meta, id)
}

// withConn runs fn on a dedicated connection so connection-level pragmas
// set by fn cannot leak to other callers.
func (c *Capsule) withConn(ctx context.Context, fn func(q querier) error) error {
	conn, err := c.db.Conn(ctx)
	if err != nil {
		return fmt.Errorf("acquire connection: %w", err)
	}
	defer conn.Close()
	return fn(conn)
}

// readOnly executes query with PRAGMA query_only set for its duration.
func readOnly(ctx context.Context, q querier, query string, args []any) ([]ir.Row, error) {
	var out []ir.Row
	err := queryOnly(ctx, q, func() error {
		var err error
		out, err = queryRows(ctx, q, query, args)
		return err
	})
	return out, err
}

func readOnlyScalar(ctx context.Context, q querier, query string, args []any) (any, error) {
	var v any
	err := queryOnly(ctx, q, func() error {
		bound, err := bindArgs(args)
		if err != nil {
			return validationf("query", "%v", err)
		}
		rows, err := q.QueryContext(ctx, query, bound...)
		if err != nil {
			return classify("query", err)
		}
		defer rows.Close()
		if !rows.Next() {
			return classify("query", rows.Err())
		}
		cols, err := rows.Columns()
		if err != nil {
			return err
		}
		values := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range values {
			ptrs[i] = &values[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return fmt.Errorf("query: scan: %w", err)
		}
		if len(values) > 0 {
			v, err = ir.NormalizeValue(values[0])
		}
		return err
	})
	return v, err
}

func queryOnly(ctx context.Context, q querier, fn func() error) (err error) {
	if _, err := q.ExecContext(ctx, "PRAGMA query_only = 1"); err != nil {
		return fmt.Errorf("query: enable read-only: %w", err)
	}
	defer func() {
		if _, resetErr := q.ExecContext(context.WithoutCancel(ctx), "PRAGMA query_only = 0"); resetErr != nil && err == nil {
			err = fmt.Errorf("query: reset read-only: %w", resetErr)
		}
	}()
	return fn()
}

// queryRows runs query and normalizes every value.
func queryRows(ctx context.Context, q querier, query string, args []any) ([]ir.Row, error) {
	bound, err := bindArgs(args)
	if err != nil {
		return nil, validationf("query", "%v", err)
	}
	rows, err := q.QueryContext(ctx, query, bound...)
	if err != nil {
		return nil, classify("query", err)
	}
	defer rows.Close()
	return scanRows(rows)
}

func scanRows(rows *sql.Rows) ([]ir.Row, error) {
	cols, err := rows.Columns()
	if err != nil {
		return nil, fmt.Errorf("columns: %w", err)
	}

	out := []ir.Row{}
	values := make([]any, len(cols))
	ptrs := make([]any, len(cols))
	for i := range values {
		ptrs[i] = &values[i]
	}
	for rows.Next() {
		if err := rows.Scan(ptrs...); err != nil {
			return nil, fmt.Errorf("scan: %w", err)
		}
		row := make(ir.Row, len(cols))
		for i, col := range cols {
			v, err := ir.NormalizeValue(values[i])
			if err != nil {
				return nil, fmt.Errorf("column %s: %w", col, err)
			}
			row[col] = v
		}
		out = append(out, row)
	}
	if err := rows.Err(); err != nil {
		return nil, classify("query", err)
	}
	return out, nil
}

// selectRow loads row id with column types applied, or nil if absent.
func selectRow(ctx context.Context, q querier, meta *tableMeta, id int64) (ir.Row, error) {
	rows, err := q.QueryContext(ctx, fmt.Sprintf(`SELECT * FROM %s WHERE "id" = ?`, quoteIdent(meta.name)), id)
	if err != nil {
		return nil, classify("select "+meta.name, err)
	}
	defer rows.Close()

	result, err := scanRows(rows)
	if err != nil {
		return nil, err
	}
	if len(result) == 0 {
		return nil, nil
	}
	return coerceRow(meta, result[0]), nil
}

// coerceRow applies declared column types to values that SQLite stores
// loosely: BOOLEAN as 0/1, JSON as text and DATETIME as text or unix
// time. DATETIME values come out in the form the driver scans them to,
// so trigger images and selected rows agree.
func coerceRow(meta *tableMeta, row ir.Row) ir.Row {
	if row == nil {
		return nil
	}
	for col, v := range row {
		switch meta.types[col] {
		case ir.TypeBoolean:
			switch b := v.(type) {
			case int64:
				row[col] = b != 0
			case float64:
				row[col] = b != 0
			}
		case ir.TypeJSON:
			if s, ok := v.(string); ok {
				if decoded, err := ir.DecodeJSON([]byte(s)); err == nil {
					row[col] = decoded
				}
			}
		case ir.TypeDateTime:
			if canonical, ok := canonicalDateTime(v); ok {
				row[col] = canonical
			}
		}
	}
	return row
}
