package capsule

import (
	"context"
	"fmt"
	"slices"
	"sync/atomic"
	"time"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"

	"github.com/roach88/capsule/internal/ir"
)

// WatchFunc receives one ordered batch of change events. A returned error
// or panic is logged; it never affects other watchers.
type WatchFunc func(ctx context.Context, events []ir.ChangeEvent) error

// FilterEnv is the environment a watch filter expression is evaluated
// against, e.g. `operation == "UPDATE" && new.status != old.status`.
type FilterEnv struct {
	Operation string         `expr:"operation"`
	Table     string         `expr:"table"`
	RowID     int64          `expr:"rowId"`
	New       map[string]any `expr:"new"`
	Old       map[string]any `expr:"old"`
}

// CompileFilter compiles a boolean filter expression. Expressions can only
// read the event; they cannot reach the database.
func CompileFilter(expression string) (*vm.Program, error) {
	program, err := expr.Compile(expression, expr.Env(FilterEnv{}), expr.AsBool())
	if err != nil {
		return nil, &ir.Error{Kind: ir.KindValidation, Op: "compile filter", Message: fmt.Sprintf("invalid filter %q", expression), Err: err}
	}
	return program, nil
}

type watcher struct {
	id        string
	table     string
	filterSrc string
	filter    *vm.Program
	fn        WatchFunc
	createdAt time.Time

	// since is the change-row high-water mark at registration.
	since  int64
	active atomic.Bool
}

// WatchOption configures a watcher.
type WatchOption func(*watcher)

// WithFilter restricts delivery to events for which expression is true.
// See FilterEnv for the available fields.
func WithFilter(expression string) WatchOption {
	return func(w *watcher) {
		w.filterSrc = expression
	}
}

// WithWatcherID overrides the generated watcher id.
func WithWatcherID(id string) WatchOption {
	return func(w *watcher) {
		if id != "" {
			w.id = id
		}
	}
}

// Watch registers fn for changes to table committed after this call and
// returns a function that unregisters it. Change capture is enabled on the
// table if it was created without watch.
//
// Unwatching takes effect from the next delivery; a batch already being
// delivered is not retracted.
func (c *Capsule) Watch(ctx context.Context, table string, fn WatchFunc, opts ...WatchOption) (func(), error) {
	if fn == nil {
		return nil, validationf("watch", "callback is required")
	}
	w := &watcher{id: c.ids.Generate(), table: table, fn: fn, createdAt: c.now()}
	for _, opt := range opts {
		opt(w)
	}
	if w.filterSrc != "" {
		program, err := CompileFilter(w.filterSrc)
		if err != nil {
			return nil, err
		}
		w.filter = program
	}

	if err := c.EnableCapture(ctx, table); err != nil {
		return nil, err
	}
	if err := c.db.QueryRowContext(ctx, "SELECT COALESCE(MAX(id), 0) FROM _capsule_changes").Scan(&w.since); err != nil {
		return nil, fmt.Errorf("watch %s: read high-water mark: %w", table, err)
	}

	w.active.Store(true)
	c.mu.Lock()
	c.watchers = append(c.watchers, w)
	c.mu.Unlock()

	c.logger.Debug("watcher registered", "watcher_id", w.id, "table", table, "filter", w.filterSrc)

	return func() { c.unwatch(w) }, nil
}

func (c *Capsule) unwatch(w *watcher) {
	if !w.active.CompareAndSwap(true, false) {
		return
	}
	c.mu.Lock()
	c.watchers = slices.DeleteFunc(c.watchers, func(x *watcher) bool { return x == w })
	c.mu.Unlock()
	c.logger.Debug("watcher removed", "watcher_id", w.id, "table", w.table)
}

// WatcherCount returns the number of registered watchers.
func (c *Capsule) WatcherCount() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.watchers)
}

// matches reports whether ev passes w's filter. Evaluation errors count as
// no match.
func (w *watcher) matches(ev *change) (bool, error) {
	if w.filter == nil {
		return true, nil
	}
	env := FilterEnv{
		Operation: string(ev.op),
		Table:     ev.table,
		RowID:     ev.rowID,
		New:       orEmpty(ev.newData),
		Old:       orEmpty(ev.oldData),
	}
	out, err := expr.Run(w.filter, env)
	if err != nil {
		return false, err
	}
	ok, _ := out.(bool)
	return ok, nil
}

func orEmpty(r ir.Row) map[string]any {
	if r == nil {
		return map[string]any{}
	}
	return r
}
