package capsule

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"sync/atomic"

	"github.com/roach88/capsule/internal/ir"
)

// identPattern restricts table, column and index names. Identifiers are
// also quoted in generated SQL, but rejecting anything else keeps trigger
// bodies (which embed the table name as a literal) injection-free.
var identPattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// querier is satisfied by *sql.DB, *sql.Tx and *sql.Conn.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// tableMeta is the cached shape of one user table.
type tableMeta struct {
	name    string
	def     *ir.TableDef // nil when the table was not created through CreateTable
	columns []string     // declared order, id first
	types   map[string]ir.ColumnType
	capture atomic.Bool
}

func (m *tableMeta) hasColumn(name string) bool {
	_, ok := m.types[name]
	return ok
}

func (m *tableMeta) batchSize() int {
	if m.def == nil {
		return 0
	}
	return m.def.BatchSize
}

func (m *tableMeta) retentionDays() int {
	if m.def == nil {
		return 0
	}
	return m.def.RetentionDays
}

// isReserved reports whether name belongs to the capsule's own tables or
// to SQLite.
func isReserved(name string) bool {
	return strings.HasPrefix(name, "_") || strings.HasPrefix(strings.ToLower(name), "sqlite_")
}

func quoteIdent(name string) string {
	return `"` + name + `"`
}

// ValidateTableDef checks a definition without touching the database.
func ValidateTableDef(def ir.TableDef) error {
	const op = "create table"
	if !identPattern.MatchString(def.Name) {
		return validationf(op, "invalid table name %q", def.Name)
	}
	if isReserved(def.Name) {
		return validationf(op, "table name %q is reserved", def.Name)
	}
	if len(def.Columns) == 0 {
		return validationf(op, "table %s: at least one column is required", def.Name)
	}
	if def.BatchSize < 0 {
		return validationf(op, "table %s: batch_size must be >= 0", def.Name)
	}
	if def.RetentionDays < 0 {
		return validationf(op, "table %s: retention_days must be >= 0", def.Name)
	}

	seen := map[string]bool{"id": true}
	for _, col := range def.Columns {
		if !identPattern.MatchString(col.Name) {
			return validationf(op, "table %s: invalid column name %q", def.Name, col.Name)
		}
		if col.Name == "id" {
			return validationf(op, "table %s: column id is implicit", def.Name)
		}
		if seen[col.Name] {
			return validationf(op, "table %s: duplicate column %q", def.Name, col.Name)
		}
		seen[col.Name] = true
		if !ir.ValidColumnTypes[col.Type] {
			return validationf(op, "table %s: column %s has unsupported type %q", def.Name, col.Name, col.Type)
		}
	}

	for _, idx := range def.Indexes {
		if idx.Name != "" && !identPattern.MatchString(idx.Name) {
			return validationf(op, "table %s: invalid index name %q", def.Name, idx.Name)
		}
		if len(idx.Columns) == 0 {
			return validationf(op, "table %s: index %q has no columns", def.Name, idx.Name)
		}
		for _, c := range idx.Columns {
			if !seen[c] {
				return validationf(op, "table %s: index references unknown column %q", def.Name, c)
			}
		}
	}

	for _, fk := range def.ForeignKeys {
		if !seen[fk.Column] {
			return validationf(op, "table %s: foreign key references unknown column %q", def.Name, fk.Column)
		}
		if !identPattern.MatchString(fk.RefTable) {
			return validationf(op, "table %s: invalid foreign key table %q", def.Name, fk.RefTable)
		}
		if fk.RefColumn != "" && !identPattern.MatchString(fk.RefColumn) {
			return validationf(op, "table %s: invalid foreign key column %q", def.Name, fk.RefColumn)
		}
		switch strings.ToUpper(fk.OnDelete) {
		case "", "CASCADE", "SET NULL", "RESTRICT", "NO ACTION":
		default:
			return validationf(op, "table %s: unsupported on_delete action %q", def.Name, fk.OnDelete)
		}
	}
	return nil
}

// CreateTable creates def's table, its indexes and, when def.Watch is set,
// its change-capture triggers. Idempotent: an existing table is left as is
// and keeps its original definition.
func (c *Capsule) CreateTable(ctx context.Context, def ir.TableDef) (err error) {
	if err := ValidateTableDef(def); err != nil {
		return err
	}

	stmts, err := createTableSQL(def)
	if err != nil {
		return err
	}
	encoded, err := json.Marshal(def)
	if err != nil {
		return fmt.Errorf("create table %s: encode definition: %w", def.Name, err)
	}

	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("create table %s: begin: %w", def.Name, err)
	}
	defer tx.Rollback()
	// Metadata cached from inside tx is only valid once tx commits.
	defer func() {
		if err != nil {
			c.forget(def.Name)
		}
	}()

	for _, stmt := range stmts {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return classify("create table "+def.Name, err)
		}
	}
	_, err = tx.ExecContext(ctx,
		`INSERT INTO _capsule_tables (name, definition, created_at) VALUES (?, ?, ?)
		 ON CONFLICT(name) DO NOTHING`,
		def.Name, string(encoded), c.now().UnixMilli())
	if err != nil {
		return fmt.Errorf("create table %s: record definition: %w", def.Name, err)
	}

	c.forget(def.Name)
	meta, err := c.lookup(ctx, tx, def.Name)
	if err != nil {
		return err
	}
	if def.Watch && !meta.capture.Load() {
		if err := installCapture(ctx, tx, meta); err != nil {
			return err
		}
		meta.capture.Store(true)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("create table %s: commit: %w", def.Name, err)
	}

	c.logger.Debug("table created", "table", def.Name, "watch", meta.capture.Load())
	return nil
}

// EnableCapture installs change-capture triggers on an existing table.
// No-op if capture is already enabled.
func (c *Capsule) EnableCapture(ctx context.Context, table string) error {
	meta, err := c.lookup(ctx, c.db, table)
	if err != nil {
		return err
	}
	if meta.capture.Load() {
		return nil
	}

	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("enable capture %s: begin: %w", table, err)
	}
	defer tx.Rollback()

	if err := installCapture(ctx, tx, meta); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("enable capture %s: commit: %w", table, err)
	}

	meta.capture.Store(true)

	c.logger.Debug("change capture enabled", "table", table)
	return nil
}

// Tables lists user tables in name order.
func (c *Capsule) Tables(ctx context.Context) ([]string, error) {
	rows, err := c.db.QueryContext(ctx,
		`SELECT name FROM sqlite_master
		 WHERE type = 'table'
		   AND name NOT LIKE '\_%' ESCAPE '\'
		   AND name NOT LIKE 'sqlite\_%' ESCAPE '\'
		 ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("list tables: %w", err)
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("list tables: %w", err)
		}
		names = append(names, name)
	}
	return names, rows.Err()
}

// TableDef returns the definition recorded by CreateTable.
func (c *Capsule) TableDef(ctx context.Context, table string) (ir.TableDef, error) {
	meta, err := c.lookup(ctx, c.db, table)
	if err != nil {
		return ir.TableDef{}, err
	}
	if meta.def != nil {
		return *meta.def, nil
	}
	def := ir.TableDef{Name: table, Watch: meta.capture.Load()}
	for _, col := range meta.columns[1:] {
		def.Columns = append(def.Columns, ir.ColumnDef{Name: col, Type: meta.types[col], Nullable: true})
	}
	return def, nil
}

// lookup returns cached metadata for table, loading it through q on a miss.
// q must be the transaction when called inside one.
func (c *Capsule) lookup(ctx context.Context, q querier, table string) (*tableMeta, error) {
	c.mu.RLock()
	meta, ok := c.tables[table]
	c.mu.RUnlock()
	if ok {
		return meta, nil
	}

	if !identPattern.MatchString(table) || isReserved(table) {
		return nil, validationf("lookup", "unknown table %q", table)
	}

	meta, err := loadMeta(ctx, q, table)
	if err != nil {
		return nil, err
	}

	var encoded string
	err = q.QueryRowContext(ctx, `SELECT definition FROM _capsule_tables WHERE name = ?`, table).Scan(&encoded)
	switch {
	case err == sql.ErrNoRows:
	case err != nil:
		return nil, fmt.Errorf("load definition %s: %w", table, err)
	default:
		var def ir.TableDef
		if err := json.Unmarshal([]byte(encoded), &def); err != nil {
			return nil, fmt.Errorf("decode definition %s: %w", table, err)
		}
		meta.def = &def
	}

	c.mu.Lock()
	if existing, ok := c.tables[table]; ok {
		meta = existing
	} else {
		c.tables[table] = meta
	}
	c.mu.Unlock()
	return meta, nil
}

func (c *Capsule) forget(table string) {
	c.mu.Lock()
	delete(c.tables, table)
	c.mu.Unlock()
}

// loadTableDefs warms the metadata cache for every recorded table.
func (c *Capsule) loadTableDefs(ctx context.Context) error {
	rows, err := c.db.QueryContext(ctx, `SELECT name FROM _capsule_tables ORDER BY name`)
	if err != nil {
		return err
	}
	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			rows.Close()
			return err
		}
		names = append(names, name)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return err
	}

	for _, name := range names {
		if _, err := c.lookup(ctx, c.db, name); err != nil {
			if ir.IsValidation(err) {
				// Recorded but dropped out from under us.
				continue
			}
			return err
		}
	}
	return nil
}

func loadMeta(ctx context.Context, q querier, table string) (*tableMeta, error) {
	rows, err := q.QueryContext(ctx, `SELECT name, type FROM pragma_table_info(?) ORDER BY cid`, table)
	if err != nil {
		return nil, fmt.Errorf("table info %s: %w", table, err)
	}
	defer rows.Close()

	meta := &tableMeta{name: table, types: make(map[string]ir.ColumnType)}
	for rows.Next() {
		var name, typ string
		if err := rows.Scan(&name, &typ); err != nil {
			return nil, fmt.Errorf("table info %s: %w", table, err)
		}
		meta.columns = append(meta.columns, name)
		meta.types[name] = ir.ColumnType(strings.ToUpper(typ))
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("table info %s: %w", table, err)
	}
	if len(meta.columns) == 0 {
		return nil, validationf("lookup", "unknown table %q", table)
	}
	if !meta.hasColumn("id") {
		return nil, validationf("lookup", "table %q has no id column", table)
	}
	// Keep id first regardless of declaration order.
	if meta.columns[0] != "id" {
		cols := []string{"id"}
		for _, col := range meta.columns {
			if col != "id" {
				cols = append(cols, col)
			}
		}
		meta.columns = cols
	}

	var n int
	err = q.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM sqlite_master WHERE type = 'trigger' AND name = ?`,
		triggerName(table, ir.OpInsert)).Scan(&n)
	if err != nil {
		return nil, fmt.Errorf("table triggers %s: %w", table, err)
	}
	meta.capture.Store(n > 0)
	return meta, nil
}

// createTableSQL renders the DDL for def.
func createTableSQL(def ir.TableDef) ([]string, error) {
	var b strings.Builder
	b.WriteString("CREATE TABLE IF NOT EXISTS ")
	b.WriteString(quoteIdent(def.Name))
	b.WriteString(" (\n\t\"id\" INTEGER PRIMARY KEY AUTOINCREMENT")

	for _, col := range def.Columns {
		b.WriteString(",\n\t")
		b.WriteString(quoteIdent(col.Name))
		b.WriteByte(' ')
		b.WriteString(string(col.Type))
		if !col.Nullable {
			b.WriteString(" NOT NULL")
		}
		if col.Unique {
			b.WriteString(" UNIQUE")
		}
		if col.Default != nil {
			lit, err := sqlLiteral(col.Default)
			if err != nil {
				return nil, validationf("create table", "table %s: column %s default: %v", def.Name, col.Name, err)
			}
			b.WriteString(" DEFAULT ")
			b.WriteString(lit)
		}
	}

	for _, fk := range def.ForeignKeys {
		refCol := fk.RefColumn
		if refCol == "" {
			refCol = "id"
		}
		fmt.Fprintf(&b, ",\n\tFOREIGN KEY (%s) REFERENCES %s (%s)",
			quoteIdent(fk.Column), quoteIdent(fk.RefTable), quoteIdent(refCol))
		if fk.OnDelete != "" {
			b.WriteString(" ON DELETE ")
			b.WriteString(strings.ToUpper(fk.OnDelete))
		}
	}
	b.WriteString("\n)")

	stmts := []string{b.String()}
	for _, idx := range def.Indexes {
		name := idx.Name
		if name == "" {
			name = "idx_" + def.Name + "_" + strings.Join(idx.Columns, "_")
		}
		cols := make([]string, len(idx.Columns))
		for i, c := range idx.Columns {
			cols[i] = quoteIdent(c)
		}
		unique := ""
		if idx.Unique {
			unique = "UNIQUE "
		}
		stmts = append(stmts, fmt.Sprintf("CREATE %sINDEX IF NOT EXISTS %s ON %s (%s)",
			unique, quoteIdent(name), quoteIdent(def.Name), strings.Join(cols, ", ")))
	}
	return stmts, nil
}

// sqlLiteral renders a default value as a SQL literal.
func sqlLiteral(v any) (string, error) {
	n, err := ir.NormalizeValue(v)
	if err != nil {
		return "", err
	}
	switch val := n.(type) {
	case nil:
		return "NULL", nil
	case bool:
		if val {
			return "1", nil
		}
		return "0", nil
	case int64:
		return strconv.FormatInt(val, 10), nil
	case float64:
		return strconv.FormatFloat(val, 'g', -1, 64), nil
	case string:
		return "'" + strings.ReplaceAll(val, "'", "''") + "'", nil
	default:
		encoded, err := json.Marshal(val)
		if err != nil {
			return "", err
		}
		return "'" + strings.ReplaceAll(string(encoded), "'", "''") + "'", nil
	}
}

func triggerName(table string, op ir.Operation) string {
	return "_capsule_" + table + "_" + strings.ToLower(string(op))
}

// changeTimestampSQL prefers the transaction's clock reading and falls back
// to SQLite's wall clock for writes made outside a capsule transaction.
const changeTimestampSQL = `COALESCE((SELECT NULLIF(ts, 0) FROM _capsule_tx WHERE id = 1), CAST((julianday('now') - 2440587.5) * 86400000 AS INTEGER))`

const changeTxSQL = `COALESCE((SELECT tx_id FROM _capsule_tx WHERE id = 1), '')`

// installCapture creates the three AFTER triggers for meta's table.
// Row snapshots are json_object images of every column at install time.
func installCapture(ctx context.Context, tx *sql.Tx, meta *tableMeta) error {
	image := func(ref string) string {
		parts := make([]string, 0, len(meta.columns)*2)
		for _, col := range meta.columns {
			parts = append(parts, "'"+col+"'", ref+"."+quoteIdent(col))
		}
		return "json_object(" + strings.Join(parts, ", ") + ")"
	}

	specs := []struct {
		op       ir.Operation
		event    string
		rowRef   string
		oldImage string
		newImage string
	}{
		{ir.OpInsert, "INSERT", "NEW", "NULL", image("NEW")},
		{ir.OpUpdate, "UPDATE", "NEW", image("OLD"), image("NEW")},
		{ir.OpDelete, "DELETE", "OLD", image("OLD"), "NULL"},
	}

	for _, s := range specs {
		stmt := fmt.Sprintf(`CREATE TRIGGER IF NOT EXISTS %s AFTER %s ON %s
BEGIN
	INSERT INTO _capsule_changes (table_name, operation, row_id, old_data, new_data, tx_id, created_at)
	VALUES ('%s', '%s', %s."id", %s, %s, %s, %s);
END`,
			quoteIdent(triggerName(meta.name, s.op)), s.event, quoteIdent(meta.name),
			meta.name, s.op, s.rowRef, s.oldImage, s.newImage, changeTxSQL, changeTimestampSQL)
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("install %s trigger on %s: %w", s.op, meta.name, err)
		}
	}
	return nil
}
