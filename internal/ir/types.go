package ir

import "time"

// Operation is the kind of mutation recorded by change capture.
type Operation string

const (
	OpInsert Operation = "INSERT"
	OpUpdate Operation = "UPDATE"
	OpDelete Operation = "DELETE"
)

// Valid reports whether op is one of the three captured operations.
func (op Operation) Valid() bool {
	switch op {
	case OpInsert, OpUpdate, OpDelete:
		return true
	}
	return false
}

// ColumnType enumerates the column types a table definition may declare.
// BLOB is deliberately absent: change capture snapshots rows with
// json_object, which cannot hold binary values.
type ColumnType string

const (
	TypeText     ColumnType = "TEXT"
	TypeInteger  ColumnType = "INTEGER"
	TypeReal     ColumnType = "REAL"
	TypeBoolean  ColumnType = "BOOLEAN"
	TypeJSON     ColumnType = "JSON"
	TypeDateTime ColumnType = "DATETIME"
)

// ValidColumnTypes defines allowed column types.
var ValidColumnTypes = map[ColumnType]bool{
	TypeText:     true,
	TypeInteger:  true,
	TypeReal:     true,
	TypeBoolean:  true,
	TypeJSON:     true,
	TypeDateTime: true,
}

// TableDef declares a user table. It is applied once by CreateTable and is
// immutable afterwards.
type TableDef struct {
	Name        string          `json:"name" yaml:"name"`
	Columns     []ColumnDef     `json:"columns" yaml:"columns"`
	Indexes     []IndexDef      `json:"indexes,omitempty" yaml:"indexes,omitempty"`
	ForeignKeys []ForeignKeyDef `json:"foreign_keys,omitempty" yaml:"foreign_keys,omitempty"`

	// Watch installs change-capture triggers at creation time.
	Watch bool `json:"watch" yaml:"watch"`

	// BatchSize caps the number of events handed to one watcher callback
	// invocation. Zero means the whole poll cycle is one batch.
	BatchSize int `json:"batch_size,omitempty" yaml:"batch_size,omitempty"`

	// RetentionDays overrides the cleanup threshold for this table's
	// change rows. Zero uses the value passed to Cleanup.
	RetentionDays int `json:"retention_days,omitempty" yaml:"retention_days,omitempty"`
}

// ColumnDef declares one column. The id column is implicit.
type ColumnDef struct {
	Name     string     `json:"name" yaml:"name"`
	Type     ColumnType `json:"type" yaml:"type"`
	Nullable bool       `json:"nullable" yaml:"nullable"`
	Unique   bool       `json:"unique" yaml:"unique"`
	Default  any        `json:"default,omitempty" yaml:"default,omitempty"`
}

// IndexDef declares a secondary index.
type IndexDef struct {
	Name    string   `json:"name" yaml:"name"`
	Columns []string `json:"columns" yaml:"columns"`
	Unique  bool     `json:"unique" yaml:"unique"`
}

// ForeignKeyDef declares a reference from Column to RefTable.RefColumn.
type ForeignKeyDef struct {
	Column    string `json:"column" yaml:"column"`
	RefTable  string `json:"ref_table" yaml:"ref_table"`
	RefColumn string `json:"ref_column" yaml:"ref_column"`
	OnDelete  string `json:"on_delete,omitempty" yaml:"on_delete,omitempty"` // CASCADE, SET NULL, RESTRICT
}

// Row is an opaque column→value map. Values are normalized to nil, bool,
// int64, float64, string, []any or map[string]any.
type Row map[string]any

// ID returns the row's integer id, or 0 if absent.
func (r Row) ID() int64 {
	switch v := r["id"].(type) {
	case int64:
		return v
	case int:
		return int64(v)
	case float64:
		return int64(v)
	}
	return 0
}

// Clone returns a shallow copy of the row.
func (r Row) Clone() Row {
	if r == nil {
		return nil
	}
	out := make(Row, len(r))
	for k, v := range r {
		out[k] = v
	}
	return out
}

// RowUpdate pairs a row id with the columns to change.
type RowUpdate struct {
	ID   int64 `json:"id"`
	Data Row   `json:"data"`
}

// ChangeEvent is one captured mutation delivered to a watcher.
// NewData is nil for DELETE; OldData is nil for INSERT.
type ChangeEvent struct {
	WatcherID     string    `json:"watcher_id"`
	Operation     Operation `json:"operation"`
	TableName     string    `json:"table_name"`
	RowID         int64     `json:"row_id"`
	OldData       Row       `json:"old_data,omitempty"`
	NewData       Row       `json:"new_data,omitempty"`
	Timestamp     time.Time `json:"timestamp"`
	TransactionID string    `json:"transaction_id"`

	// Seq is the change-capture row id; strictly increasing per database.
	Seq int64 `json:"seq"`
}

// Data returns the row image most relevant to the operation: the new row
// for INSERT/UPDATE and the old row for DELETE.
func (e ChangeEvent) Data() Row {
	if e.Operation == OpDelete {
		return e.OldData
	}
	return e.NewData
}

// Mutation describes an API-level write as seen by mutation hooks. It is
// produced inside the write's transaction.
type Mutation struct {
	Table     string
	Operation Operation
	RowID     int64
	// Data is the full row after INSERT/UPDATE and the deleted row for DELETE.
	Data      Row
	Timestamp time.Time
}

// ChangeLogEntry is one durable record of a local mutation pending remote
// synchronization. The JSON shape is the sync wire format.
type ChangeLogEntry struct {
	ID          string    `json:"id"`
	TableName   string    `json:"tableName"`
	Operation   Operation `json:"operation"`
	RowID       int64     `json:"rowId"`
	Data        Row       `json:"data"`
	Timestamp   int64     `json:"timestamp"` // Unix milliseconds
	Synced      bool      `json:"synced"`
	SyncAttempt int       `json:"syncAttempt"`
	DeviceID    string    `json:"deviceId,omitempty"`
}
