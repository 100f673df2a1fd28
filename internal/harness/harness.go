package harness

import (
	"cmp"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"sync"
	"time"

	"github.com/roach88/capsule/internal/capsule"
	"github.com/roach88/capsule/internal/ir"
	"github.com/roach88/capsule/internal/testutil"
)

// Option configures a harness run.
type Option func(*Harness)

// WithLogger routes capsule logs to l. Runs are silent by default.
func WithLogger(l *slog.Logger) Option {
	return func(h *Harness) {
		if l != nil {
			h.logger = l
		}
	}
}

// Harness is the test execution engine.
// It runs scenarios with a frozen clock and sequential ids.
type Harness struct {
	capsule  *capsule.Capsule
	logger   *slog.Logger
	watchers []string

	mu     sync.Mutex
	events []ir.ChangeEvent
}

// Run executes a test scenario and returns the result.
//
// Each scenario runs in a fresh capsule in its own temporary directory.
//
// Execution flow:
// 1. Create the scenario tables
// 2. Register the scenario watchers
// 3. Execute steps, flushing deliveries after each one
// 4. Evaluate assertions
//
// A step failing unexpectedly is recorded in the result; an error is
// returned only when the scenario cannot be set up.
func Run(ctx context.Context, scenario *Scenario, opts ...Option) (*Result, error) {
	h := &Harness{logger: slog.New(slog.NewTextHandler(io.Discard, nil))}
	for _, opt := range opts {
		opt(h)
	}

	dir, err := os.MkdirTemp("", "capsule-harness-*")
	if err != nil {
		return nil, fmt.Errorf("failed to create scenario directory: %w", err)
	}
	defer os.RemoveAll(dir)

	c, err := capsule.Open(filepath.Join(dir, "scenario.db"),
		capsule.WithLogger(h.logger),
		capsule.WithPollInterval(0),
		capsule.WithClock(testutil.NewFakeClock(time.Time{}).Now),
		capsule.WithIDGenerator(testutil.NewSequentialIDs("tx")),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to open scenario capsule: %w", err)
	}
	defer c.Close()
	h.capsule = c

	if err := h.setup(ctx, scenario); err != nil {
		return nil, err
	}

	result := NewResult()
	for i, step := range scenario.Steps {
		h.checkStep(i, step, h.execute(ctx, c, step), result)
		if err := c.Flush(ctx); err != nil {
			return nil, fmt.Errorf("failed to deliver changes after step %d: %w", i, err)
		}
	}

	result.Trace = h.trace()

	actx := &AssertionContext{
		Capsule: c,
		Ctx:     ctx,
	}
	for _, errMsg := range EvaluateAssertions(result, scenario.Assertions, actx) {
		result.AddError(errMsg)
	}

	return result, nil
}

func (h *Harness) setup(ctx context.Context, scenario *Scenario) error {
	for _, def := range scenario.Tables {
		if err := h.capsule.CreateTable(ctx, def); err != nil {
			return fmt.Errorf("failed to create table %s: %w", def.Name, err)
		}
	}
	for _, w := range scenario.Watchers {
		_, err := h.capsule.Watch(ctx, w.Table, h.record,
			capsule.WithWatcherID(w.Name),
			capsule.WithFilter(w.Filter))
		if err != nil {
			return fmt.Errorf("failed to register watcher %s: %w", w.Name, err)
		}
		h.watchers = append(h.watchers, w.Name)
	}
	return nil
}

func (h *Harness) record(_ context.Context, events []ir.ChangeEvent) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.events = append(h.events, events...)
	return nil
}

// execute runs one top-level step. Transaction steps commit or roll back
// as a unit.
func (h *Harness) execute(ctx context.Context, c *capsule.Capsule, step Step) error {
	if step.Op == OpTransaction {
		return c.Transaction(ctx, func(tx *capsule.Tx) error {
			return applySteps(ctx, tx, step.Steps)
		})
	}
	return apply(ctx, c, step)
}

func applySteps(ctx context.Context, api capsule.DataAPI, steps []Step) error {
	for i, step := range steps {
		if err := apply(ctx, api, step); err != nil {
			return fmt.Errorf("step %d: %w", i, err)
		}
	}
	return nil
}

func apply(ctx context.Context, api capsule.DataAPI, step Step) error {
	switch step.Op {
	case OpInsert:
		_, err := api.Insert(ctx, step.Table, ir.Row(step.Data))
		return err
	case OpUpdate:
		return api.Update(ctx, step.Table, step.ID, ir.Row(step.Data))
	case OpDelete:
		return api.Delete(ctx, step.Table, step.ID)
	case OpTransaction:
		return api.Transaction(ctx, func(tx *capsule.Tx) error {
			return applySteps(ctx, tx, step.Steps)
		})
	default:
		return fmt.Errorf("unknown op %q", step.Op)
	}
}

// checkStep compares a step outcome against its expect_error.
func (h *Harness) checkStep(index int, step Step, err error, result *Result) {
	switch {
	case step.ExpectError == "" && err != nil:
		result.AddError(fmt.Sprintf("step %d (%s): unexpected error: %v", index, step.Op, err))
	case step.ExpectError != "" && err == nil:
		result.AddError(fmt.Sprintf("step %d (%s): expected %s error, got success", index, step.Op, step.ExpectError))
	case step.ExpectError != "" && !ir.IsKind(err, errorKinds[step.ExpectError]):
		result.AddError(fmt.Sprintf("step %d (%s): expected %s error, got %s: %v",
			index, step.Op, step.ExpectError, ir.KindOf(err), err))
	}
}

// trace orders the recorded events by change sequence, then by watcher
// registration order, and replaces transaction ids with ordinals.
func (h *Harness) trace() []TraceEvent {
	h.mu.Lock()
	events := slices.Clone(h.events)
	h.mu.Unlock()

	rank := make(map[string]int, len(h.watchers))
	for i, name := range h.watchers {
		rank[name] = i
	}
	slices.SortStableFunc(events, func(a, b ir.ChangeEvent) int {
		if c := cmp.Compare(a.Seq, b.Seq); c != 0 {
			return c
		}
		return cmp.Compare(rank[a.WatcherID], rank[b.WatcherID])
	})

	ordinals := make(map[string]string)
	out := make([]TraceEvent, len(events))
	for i, ev := range events {
		tx, ok := ordinals[ev.TransactionID]
		if !ok {
			tx = fmt.Sprintf("tx-%d", len(ordinals)+1)
			ordinals[ev.TransactionID] = tx
		}
		out[i] = TraceEvent{
			Watcher:   ev.WatcherID,
			Operation: string(ev.Operation),
			Table:     ev.TableName,
			RowID:     ev.RowID,
			Old:       ev.OldData.Clone(),
			New:       ev.NewData.Clone(),
			Tx:        tx,
			Seq:       ev.Seq,
		}
	}
	return out
}
