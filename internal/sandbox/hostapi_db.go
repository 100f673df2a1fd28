package sandbox

import (
	"context"
	"fmt"

	lua "github.com/Shopify/go-lua"

	"github.com/roach88/capsule/internal/capsule"
	"github.com/roach88/capsule/internal/ir"
)

func (s *Sandbox) registerDB() {
	s.l.NewTable()
	lua.SetFunctions(s.l, []lua.RegistryFunction{
		{Name: "query", Function: s.dbQuery},
		{Name: "queryOne", Function: s.dbQueryOne},
		{Name: "queryScalar", Function: s.dbQueryScalar},
		{Name: "get", Function: s.dbGet},
		{Name: "insert", Function: s.dbInsert},
		{Name: "update", Function: s.dbUpdate},
		{Name: "upsert", Function: s.dbUpsert},
		{Name: "delete", Function: s.dbDelete},
		{Name: "insertMany", Function: s.dbInsertMany},
		{Name: "updateMany", Function: s.dbUpdateMany},
		{Name: "deleteMany", Function: s.dbDeleteMany},
		{Name: "transaction", Function: s.dbTransaction},
	}, 0)
	s.l.SetGlobal("db")
}

// raise turns a host error into a catchable script error. It does not
// return.
func (s *Sandbox) raise(l *lua.State, err error) int {
	s.call.hostErr = err
	lua.Errorf(l, "%s", err.Error())
	return 0
}

// ctx returns the context of the call in progress.
func (s *Sandbox) ctx() context.Context {
	if s.call.ctx != nil {
		return s.call.ctx
	}
	return context.Background()
}

// data returns the open script transaction, or the store.
func (s *Sandbox) data() capsule.DataAPI {
	if s.tx != nil {
		return s.tx
	}
	return s.store
}

// checkTable raises a permission error when table is outside the
// allowlist.
func (s *Sandbox) checkTable(l *lua.State, op, table string) {
	if s.allowed != nil && !s.allowed[table] {
		s.raise(l, ir.NewError(ir.KindPermission, op, "table %q is not allowed for %s", table, s.name))
	}
}

func (s *Sandbox) pushResult(l *lua.State, v any) int {
	if err := push(l, v); err != nil {
		return s.raise(l, err)
	}
	return 1
}

// params reads an optional sequence of statement arguments.
func (s *Sandbox) params(l *lua.State, index int) []any {
	if l.IsNoneOrNil(index) {
		return nil
	}
	return s.sequence(l, index, "params")
}

// sequence reads a required sequence argument. An empty table is an
// empty sequence.
func (s *Sandbox) sequence(l *lua.State, index int, what string) []any {
	lua.CheckType(l, index, lua.TypeTable)
	v, err := toGo(l, index)
	if err != nil {
		s.raise(l, ir.NewError(ir.KindValidation, what, "%v", err))
	}
	switch x := v.(type) {
	case []any:
		return x
	case map[string]any:
		if len(x) == 0 {
			return nil
		}
	}
	s.raise(l, ir.NewError(ir.KindValidation, what, "expected a sequence"))
	return nil
}

func (s *Sandbox) row(l *lua.State, index int, op string) ir.Row {
	lua.CheckType(l, index, lua.TypeTable)
	r, err := toRow(l, index)
	if err != nil {
		s.raise(l, ir.NewError(ir.KindValidation, op, "%v", err))
	}
	return r
}

func (s *Sandbox) dbQuery(l *lua.State) int {
	query := lua.CheckString(l, 1)
	rows, err := s.data().Query(s.ctx(), query, s.params(l, 2)...)
	if err != nil {
		return s.raise(l, err)
	}
	return s.pushResult(l, rows)
}

func (s *Sandbox) dbQueryOne(l *lua.State) int {
	query := lua.CheckString(l, 1)
	r, err := s.data().QueryOne(s.ctx(), query, s.params(l, 2)...)
	if err != nil {
		return s.raise(l, err)
	}
	return s.pushResult(l, r)
}

func (s *Sandbox) dbQueryScalar(l *lua.State) int {
	query := lua.CheckString(l, 1)
	v, err := s.data().QueryScalar(s.ctx(), query, s.params(l, 2)...)
	if err != nil {
		return s.raise(l, err)
	}
	return s.pushResult(l, v)
}

func (s *Sandbox) dbGet(l *lua.State) int {
	table := lua.CheckString(l, 1)
	id := lua.CheckInteger(l, 2)
	r, err := s.data().Get(s.ctx(), table, int64(id))
	if err != nil {
		return s.raise(l, err)
	}
	return s.pushResult(l, r)
}

func (s *Sandbox) dbInsert(l *lua.State) int {
	table := lua.CheckString(l, 1)
	s.checkTable(l, "insert", table)
	data := s.row(l, 2, "insert "+table)
	id, err := s.data().Insert(s.ctx(), table, data)
	if err != nil {
		return s.raise(l, err)
	}
	return s.pushResult(l, id)
}

func (s *Sandbox) dbUpdate(l *lua.State) int {
	table := lua.CheckString(l, 1)
	s.checkTable(l, "update", table)
	id := lua.CheckInteger(l, 2)
	data := s.row(l, 3, "update "+table)
	if err := s.data().Update(s.ctx(), table, int64(id), data); err != nil {
		return s.raise(l, err)
	}
	l.PushBoolean(true)
	return 1
}

func (s *Sandbox) dbUpsert(l *lua.State) int {
	table := lua.CheckString(l, 1)
	s.checkTable(l, "upsert", table)
	data := s.row(l, 2, "upsert "+table)
	id, op, err := s.data().Upsert(s.ctx(), table, data)
	if err != nil {
		return s.raise(l, err)
	}
	s.pushResult(l, id)
	l.PushString(string(op))
	return 2
}

func (s *Sandbox) dbDelete(l *lua.State) int {
	table := lua.CheckString(l, 1)
	s.checkTable(l, "delete", table)
	id := lua.CheckInteger(l, 2)
	if err := s.data().Delete(s.ctx(), table, int64(id)); err != nil {
		return s.raise(l, err)
	}
	l.PushBoolean(true)
	return 1
}

func (s *Sandbox) dbInsertMany(l *lua.State) int {
	table := lua.CheckString(l, 1)
	s.checkTable(l, "insertMany", table)
	items := s.sequence(l, 2, "insertMany "+table)
	rows := make([]ir.Row, len(items))
	for i, item := range items {
		m, ok := item.(map[string]any)
		if !ok {
			return s.raise(l, ir.NewError(ir.KindValidation, "insertMany "+table, "row %d is not a table", i+1))
		}
		rows[i] = m
	}
	ids, err := s.data().InsertMany(s.ctx(), table, rows)
	if err != nil {
		return s.raise(l, err)
	}
	return s.pushResult(l, ids)
}

func (s *Sandbox) dbUpdateMany(l *lua.State) int {
	table := lua.CheckString(l, 1)
	s.checkTable(l, "updateMany", table)
	op := "updateMany " + table
	items := s.sequence(l, 2, op)
	updates := make([]ir.RowUpdate, len(items))
	for i, item := range items {
		m, ok := item.(map[string]any)
		if !ok {
			return s.raise(l, ir.NewError(ir.KindValidation, op, "update %d is not a table", i+1))
		}
		id := ir.Row(m).ID()
		data, ok := m["data"].(map[string]any)
		if id == 0 || !ok {
			return s.raise(l, ir.NewError(ir.KindValidation, op, "update %d needs id and data", i+1))
		}
		updates[i] = ir.RowUpdate{ID: id, Data: data}
	}
	if err := s.data().UpdateMany(s.ctx(), table, updates); err != nil {
		return s.raise(l, err)
	}
	l.PushBoolean(true)
	return 1
}

func (s *Sandbox) dbDeleteMany(l *lua.State) int {
	table := lua.CheckString(l, 1)
	s.checkTable(l, "deleteMany", table)
	op := "deleteMany " + table
	items := s.sequence(l, 2, op)
	ids := make([]int64, len(items))
	for i, item := range items {
		id, ok := item.(int64)
		if !ok {
			return s.raise(l, ir.NewError(ir.KindValidation, op, "id %d is not an integer", i+1))
		}
		ids[i] = id
	}
	if err := s.data().DeleteMany(s.ctx(), table, ids); err != nil {
		return s.raise(l, err)
	}
	l.PushBoolean(true)
	return 1
}

// dbTransaction runs fn inside one capsule transaction. Any error raised
// by fn rolls back every write it made and is re-raised. Nested calls
// join the open transaction.
func (s *Sandbox) dbTransaction(l *lua.State) int {
	lua.CheckType(l, 1, lua.TypeFunction)
	l.SetTop(1)

	if s.tx != nil {
		l.Call(0, 0)
		return 0
	}

	failed := false
	err := s.store.Transaction(s.ctx(), func(tx *capsule.Tx) error {
		s.tx = tx
		defer func() { s.tx = nil }()
		l.PushValue(1)
		if err := l.ProtectedCall(0, 0, 0); err != nil {
			failed = true
			return fmt.Errorf("transaction body: %w", err)
		}
		return nil
	})
	if failed {
		// Re-raise the script's own error value, left on the stack.
		l.Error()
		return 0
	}
	if err != nil {
		return s.raise(l, err)
	}
	l.PushBoolean(true)
	return 1
}
