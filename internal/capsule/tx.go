package capsule

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/roach88/capsule/internal/ir"
)

// Origin records who initiated a write.
type Origin int

const (
	// OriginLocal is the default: a write made by this process.
	OriginLocal Origin = iota
	// OriginRemote marks writes applied from a sync remote.
	OriginRemote
)

type originKey struct{}

// WithOrigin returns a context that tags writes made with it.
func WithOrigin(ctx context.Context, o Origin) context.Context {
	return context.WithValue(ctx, originKey{}, o)
}

// OriginFromContext returns the origin set by WithOrigin, or OriginLocal.
func OriginFromContext(ctx context.Context) Origin {
	if o, ok := ctx.Value(originKey{}).(Origin); ok {
		return o
	}
	return OriginLocal
}

// MutationHook observes every API write inside its transaction. Returning
// an error aborts the write.
type MutationHook func(ctx context.Context, tx *sql.Tx, m ir.Mutation) error

// AddMutationHook registers hook for all subsequent writes.
func (c *Capsule) AddMutationHook(hook MutationHook) {
	c.mu.Lock()
	c.hooks = append(c.hooks, hook)
	c.mu.Unlock()
}

// DataAPI is the data surface shared by *Capsule and *Tx.
type DataAPI interface {
	Insert(ctx context.Context, table string, data ir.Row) (int64, error)
	Update(ctx context.Context, table string, id int64, data ir.Row) error
	Delete(ctx context.Context, table string, id int64) error
	Upsert(ctx context.Context, table string, data ir.Row) (int64, ir.Operation, error)
	InsertMany(ctx context.Context, table string, rows []ir.Row) ([]int64, error)
	UpdateMany(ctx context.Context, table string, updates []ir.RowUpdate) error
	DeleteMany(ctx context.Context, table string, ids []int64) error
	Get(ctx context.Context, table string, id int64) (ir.Row, error)
	Query(ctx context.Context, query string, args ...any) ([]ir.Row, error)
	QueryOne(ctx context.Context, query string, args ...any) (ir.Row, error)
	QueryScalar(ctx context.Context, query string, args ...any) (any, error)
	Transaction(ctx context.Context, fn func(tx *Tx) error) error
}

var (
	_ DataAPI = (*Capsule)(nil)
	_ DataAPI = (*Tx)(nil)
)

// Tx is an open capsule transaction. It is only valid inside the function
// passed to Transaction and must not be shared across goroutines.
type Tx struct {
	c  *Capsule
	tx *sql.Tx
	id string
}

// ID returns the transaction id stamped on every change row it produces.
func (t *Tx) ID() string {
	return t.id
}

// SQL returns the underlying transaction for internal collaborators.
func (t *Tx) SQL() *sql.Tx {
	return t.tx
}

// Transaction runs fn atomically. If fn returns an error or panics, every
// write inside it is rolled back and the error (or panic) propagates.
// Change events for the writes are delivered after commit, in one poll
// cycle, and share the transaction id.
func (c *Capsule) Transaction(ctx context.Context, fn func(tx *Tx) error) (err error) {
	tx, err := c.begin(ctx)
	if err != nil {
		return err
	}

	defer func() {
		if r := recover(); r != nil {
			tx.rollback()
			panic(r)
		}
	}()

	if err := fn(tx); err != nil {
		tx.rollback()
		return err
	}
	return tx.commit(ctx)
}

// Transaction runs fn in the current transaction. Nested transactions
// flatten: an error still aborts the whole outer transaction once it is
// returned there.
func (t *Tx) Transaction(ctx context.Context, fn func(tx *Tx) error) error {
	return fn(t)
}

func (c *Capsule) begin(ctx context.Context) (*Tx, error) {
	sqlTx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin transaction: %w", err)
	}
	t := &Tx{c: c, tx: sqlTx, id: c.ids.Generate()}

	_, err = sqlTx.ExecContext(ctx,
		`INSERT OR REPLACE INTO _capsule_tx (id, tx_id, ts) VALUES (1, ?, ?)`,
		t.id, c.now().UnixMilli())
	if err != nil {
		sqlTx.Rollback()
		return nil, fmt.Errorf("begin transaction: stamp: %w", err)
	}
	return t, nil
}

func (t *Tx) commit(ctx context.Context) error {
	// Clear the slot so writes made outside the API are not attributed to
	// this transaction.
	if _, err := t.tx.ExecContext(ctx, `DELETE FROM _capsule_tx WHERE id = 1`); err != nil {
		t.rollback()
		return fmt.Errorf("commit transaction: %w", err)
	}
	if err := t.tx.Commit(); err != nil {
		return classify("commit transaction", err)
	}
	return nil
}

func (t *Tx) rollback() {
	if err := t.tx.Rollback(); err != nil && err != sql.ErrTxDone {
		t.c.logger.Error("rollback failed", "tx_id", t.id, "error", err)
	}
}

// runHooks passes m to every registered mutation hook in registration order.
func (t *Tx) runHooks(ctx context.Context, m ir.Mutation) error {
	t.c.mu.RLock()
	hooks := t.c.hooks
	t.c.mu.RUnlock()

	for _, hook := range hooks {
		if err := hook(ctx, t.tx, m); err != nil {
			return fmt.Errorf("mutation hook on %s: %w", m.Table, err)
		}
	}
	return nil
}
