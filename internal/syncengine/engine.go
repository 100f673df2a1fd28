package syncengine

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/roach88/capsule/internal/capsule"
	"github.com/roach88/capsule/internal/eventbus"
	"github.com/roach88/capsule/internal/ir"
)

// ErrSyncInProgress is returned by Sync when another Sync is running.
var ErrSyncInProgress = errors.New("sync already in progress")

// Config holds the remote and scope of replication.
type Config struct {
	// Endpoint is the remote base URL. Unused when WithTransport is given.
	Endpoint string

	// Interval is the auto-sync period used by Start.
	Interval time.Duration

	// Tables limits push to these tables. Empty pushes every table.
	Tables []string

	// ExcludeTables is never pushed; it wins over Tables.
	ExcludeTables []string

	// MaxRetryElapsed bounds HTTP retries of one request.
	MaxRetryElapsed time.Duration

	// Headers are added to every HTTP request.
	Headers map[string]string
}

// Engine replicates one capsule. Safe for concurrent use; Sync calls are
// serialized by rejecting overlap.
type Engine struct {
	capsule   *capsule.Capsule
	cfg       Config
	transport Transport
	strategy  Strategy
	bus       *eventbus.Bus
	logger    *slog.Logger
	ids       ir.IDGenerator
	now       func() time.Time

	deviceID string
	clock    *clock
	running  atomic.Bool

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the engine logger.
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) {
		if l != nil {
			e.logger = l
		}
	}
}

// WithTransport replaces the HTTP transport built from Config.Endpoint.
func WithTransport(t Transport) Option {
	return func(e *Engine) {
		e.transport = t
	}
}

// WithStrategy sets the conflict strategy. The default is LastWriteWins.
func WithStrategy(s Strategy) Option {
	return func(e *Engine) {
		e.strategy = s
	}
}

// WithEventBus announces completed syncs as eventbus.ActionSyncCompleted.
func WithEventBus(bus *eventbus.Bus) Option {
	return func(e *Engine) {
		e.bus = bus
	}
}

// WithIDGenerator sets the generator for changelog entry ids.
func WithIDGenerator(g ir.IDGenerator) Option {
	return func(e *Engine) {
		if g != nil {
			e.ids = g
		}
	}
}

// WithClock sets the wall clock used for batch timestamps and cleanup.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) {
		if now != nil {
			e.now = now
		}
	}
}

// New prepares the sync tables in c, loads or creates the device id and
// starts recording local writes. It must be called before writes that
// should be replicated.
func New(ctx context.Context, c *capsule.Capsule, cfg Config, opts ...Option) (*Engine, error) {
	e := &Engine{
		capsule:  c,
		cfg:      cfg,
		strategy: LastWriteWins,
		logger:   slog.Default(),
		ids:      ir.UUIDv7Generator{},
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}

	if e.transport == nil {
		if cfg.Endpoint == "" {
			return nil, ir.NewError(ir.KindValidation, "sync engine", "no endpoint or transport configured")
		}
		t, err := NewHTTPTransport(cfg.Endpoint,
			WithHeaders(cfg.Headers),
			WithMaxRetryElapsed(cfg.MaxRetryElapsed))
		if err != nil {
			return nil, err
		}
		e.transport = t
	}

	db := c.DB()
	if err := ensureSchema(ctx, db); err != nil {
		return nil, err
	}

	id, ok, err := readMeta(ctx, db, metaDeviceID)
	if err != nil {
		return nil, err
	}
	if !ok {
		id = uuid.NewString()
		if err := writeMeta(ctx, db, metaDeviceID, id); err != nil {
			return nil, err
		}
		e.logger.Info("sync device created", "device_id", id)
	}
	e.deviceID = id

	high, err := maxTimestamp(ctx, db)
	if err != nil {
		return nil, err
	}
	e.clock = newClockAt(high)

	c.AddMutationHook(e.captureHook())
	return e, nil
}

// DeviceID returns this database's persistent device id.
func (e *Engine) DeviceID() string {
	return e.deviceID
}

// LastSyncTimestamp returns the remote high-water mark in Unix
// milliseconds, or zero before the first successful pull.
func (e *Engine) LastSyncTimestamp(ctx context.Context) (int64, error) {
	v, ok, err := readMeta(ctx, e.capsule.DB(), metaLastSync)
	if err != nil || !ok {
		return 0, err
	}
	ts, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("sync meta %s: %w", metaLastSync, err)
	}
	return ts, nil
}

// Pending returns the unsynced changelog entries that Push would send.
func (e *Engine) Pending(ctx context.Context) ([]ir.ChangeLogEntry, error) {
	all, err := unsyncedEntries(ctx, e.capsule.DB())
	if err != nil {
		return nil, err
	}
	return slices.DeleteFunc(all, func(c ir.ChangeLogEntry) bool {
		return !e.pushable(c.TableName)
	}), nil
}

func (e *Engine) pushable(table string) bool {
	if slices.Contains(e.cfg.ExcludeTables, table) {
		return false
	}
	return len(e.cfg.Tables) == 0 || slices.Contains(e.cfg.Tables, table)
}

// Push sends every pending entry as one batch and returns how many were
// sent. On success they are marked synced; on failure each one's
// sync_attempt is incremented and they stay pending.
func (e *Engine) Push(ctx context.Context) (int, error) {
	pending, err := e.Pending(ctx)
	if err != nil {
		return 0, err
	}
	if len(pending) == 0 {
		return 0, nil
	}

	for i := range pending {
		pending[i].DeviceID = e.deviceID
	}
	checksum, err := ir.BatchChecksum(pending)
	if err != nil {
		return 0, fmt.Errorf("push: %w", err)
	}

	ids := entryIDs(pending)
	err = e.transport.Push(ctx, PushRequest{
		Version:   ProtocolVersion,
		Timestamp: e.now().UnixMilli(),
		DeviceID:  e.deviceID,
		Changes:   pending,
		Checksum:  checksum,
	})
	if err != nil {
		// The batch is resent in full next time.
		if berr := bumpAttempts(context.WithoutCancel(ctx), e.capsule.DB(), ids); berr != nil {
			e.logger.Error("sync attempt not recorded", "entries", len(ids), "error", berr)
		}
		return 0, fmt.Errorf("push %d changes: %w", len(ids), err)
	}

	if err := markSynced(context.WithoutCancel(ctx), e.capsule.DB(), ids); err != nil {
		return 0, fmt.Errorf("push: %w", err)
	}
	e.logger.Debug("sync pushed", "changes", len(ids))
	return len(ids), nil
}

// Pull applies the remote changes recorded since the last sync. Changes
// are applied in timestamp order. A change this capsule can never accept
// (a validation error such as an unknown table or column) is logged,
// counted as rejected and passed over. On any other failure Pull stops
// and the high-water mark stays before the failed change, so it is
// retried.
func (e *Engine) Pull(ctx context.Context) (PullStats, error) {
	var stats PullStats

	since, err := e.LastSyncTimestamp(ctx)
	if err != nil {
		return stats, err
	}
	changes, err := e.transport.Pull(ctx, since, e.deviceID)
	if err != nil {
		return stats, fmt.Errorf("pull: %w", err)
	}
	stats.Pulled = len(changes)
	slices.SortStableFunc(changes, func(a, b ir.ChangeLogEntry) int {
		return cmp.Compare(a.Timestamp, b.Timestamp)
	})

	high := since
	defer func() {
		if high > since {
			if err := writeMeta(context.WithoutCancel(ctx), e.capsule.DB(), metaLastSync, strconv.FormatInt(high, 10)); err != nil {
				e.logger.Error("sync high-water mark not saved", "timestamp", high, "error", err)
			}
		}
	}()

	for _, change := range changes {
		if change.DeviceID != e.deviceID {
			conflict, err := e.apply(ctx, change)
			if ir.IsValidation(err) {
				stats.Rejected++
				e.logger.Warn("sync change rejected",
					"change_id", change.ID,
					"table", change.TableName,
					"row_id", change.RowID,
					"operation", change.Operation,
					"error", err)
				high = max(high, change.Timestamp)
				continue
			}
			if err != nil {
				high = min(high, change.Timestamp-1)
				return stats, fmt.Errorf("pull: apply %s %s/%d: %w", change.Operation, change.TableName, change.RowID, err)
			}
			stats.Applied++
			if conflict {
				stats.Conflicts++
			}
		}
		high = max(high, change.Timestamp)
	}
	return stats, nil
}

// apply writes one remote change and reports whether it met unsynced
// local changes to the same row.
func (e *Engine) apply(ctx context.Context, change ir.ChangeLogEntry) (bool, error) {
	conflict := false
	err := e.capsule.Transaction(ctx, func(tx *capsule.Tx) error {
		local, err := unsyncedForRow(ctx, tx.SQL(), change.TableName, change.RowID)
		if err != nil {
			return err
		}
		if len(local) == 0 {
			return applyRemote(capsule.WithOrigin(ctx, capsule.OriginRemote), tx, change)
		}

		conflict = true
		e.logger.Info("sync conflict",
			"table", change.TableName,
			"row_id", change.RowID,
			"local_changes", len(local),
			"strategy", e.strategy.String())

		if e.strategy.resolve == nil {
			if err := applyRemote(capsule.WithOrigin(ctx, capsule.OriginRemote), tx, change); err != nil {
				return err
			}
		} else if err := e.resolve(ctx, tx, change); err != nil {
			return err
		}
		return markSynced(ctx, tx.SQL(), entryIDs(local))
	})
	return conflict, err
}

// resolve writes the custom resolver's result as a local change.
func (e *Engine) resolve(ctx context.Context, tx *capsule.Tx, change ir.ChangeLogEntry) error {
	current, err := tx.Get(ctx, change.TableName, change.RowID)
	if err != nil {
		return err
	}
	remote := change.Data
	if change.Operation == ir.OpDelete {
		remote = nil
	}
	resolved, err := e.strategy.resolve(current.Clone(), remote.Clone())
	if err != nil {
		return ir.WrapError(ir.KindSync, "resolve conflict", err)
	}
	if resolved == nil {
		if current == nil {
			return nil
		}
		return tx.Delete(ctx, change.TableName, change.RowID)
	}
	row := resolved.Clone()
	row["id"] = change.RowID
	_, _, err = tx.Upsert(ctx, change.TableName, row)
	return err
}

// applyRemote writes change as-is. INSERT and UPDATE upsert by row id;
// deleting a row that does not exist is a no-op.
func applyRemote(ctx context.Context, tx *capsule.Tx, change ir.ChangeLogEntry) error {
	switch change.Operation {
	case ir.OpInsert, ir.OpUpdate:
		row := change.Data.Clone()
		if row == nil {
			row = ir.Row{}
		}
		row["id"] = change.RowID
		_, _, err := tx.Upsert(ctx, change.TableName, row)
		return err
	case ir.OpDelete:
		err := tx.Delete(ctx, change.TableName, change.RowID)
		if ir.IsNotFound(err) {
			return nil
		}
		return err
	}
	return ir.NewError(ir.KindValidation, "apply change", "unknown operation %q", change.Operation)
}

// Sync pushes then pulls. It returns ErrSyncInProgress if another Sync is
// running; otherwise phase failures are reported in the Result.
func (e *Engine) Sync(ctx context.Context) (*Result, error) {
	if !e.running.CompareAndSwap(false, true) {
		return nil, ErrSyncInProgress
	}
	defer e.running.Store(false)

	res := &Result{Started: e.now()}
	pushed, err := e.Push(ctx)
	res.Pushed = pushed
	if err != nil {
		res.Errors = append(res.Errors, err)
	}

	stats, err := e.Pull(ctx)
	res.Pulled = stats.Pulled
	res.Applied = stats.Applied
	res.Conflicts = stats.Conflicts
	res.Rejected = stats.Rejected
	if err != nil {
		res.Errors = append(res.Errors, err)
	}
	res.Duration = e.now().Sub(res.Started)

	e.logger.Info("sync completed",
		"pushed", res.Pushed,
		"pulled", res.Pulled,
		"applied", res.Applied,
		"conflicts", res.Conflicts,
		"rejected", res.Rejected,
		"errors", len(res.Errors))
	if e.bus != nil {
		e.bus.Emit(ctx, eventbus.ActionSyncCompleted, res)
	}
	return res, nil
}

// Start runs Sync every Config.Interval until Stop or ctx is done. Ticks
// that find a sync still running are skipped. Failures are logged only.
func (e *Engine) Start(ctx context.Context) error {
	if e.cfg.Interval <= 0 {
		return ir.NewError(ir.KindValidation, "start sync", "interval must be positive, got %s", e.cfg.Interval)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.cancel != nil {
		return ir.NewError(ir.KindState, "start sync", "auto-sync already running")
	}
	ctx, cancel := context.WithCancel(ctx)
	e.cancel = cancel
	e.done = make(chan struct{})

	go e.loop(ctx, e.done)
	return nil
}

func (e *Engine) loop(ctx context.Context, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(e.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			res, err := e.Sync(ctx)
			if errors.Is(err, ErrSyncInProgress) {
				e.logger.Debug("auto-sync tick skipped: sync in progress")
				continue
			}
			if err != nil {
				e.logger.Error("auto-sync failed", "error", err)
				continue
			}
			if !res.OK() {
				e.logger.Warn("auto-sync incomplete", "error", res.Err())
			}
		}
	}
}

// Stop ends auto-sync and waits for an in-flight tick to finish.
func (e *Engine) Stop() {
	e.mu.Lock()
	cancel, done := e.cancel, e.done
	e.cancel, e.done = nil, nil
	e.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
}

// Cleanup deletes synced changelog entries older than retentionDays and
// returns how many were removed. Pending entries are never deleted.
func (e *Engine) Cleanup(ctx context.Context, retentionDays int) (int64, error) {
	if retentionDays < 0 {
		return 0, ir.NewError(ir.KindValidation, "sync cleanup", "retention days must be >= 0, got %d", retentionDays)
	}
	cutoff := e.now().Add(-time.Duration(retentionDays) * 24 * time.Hour).UnixMilli()
	res, err := e.capsule.DB().ExecContext(ctx,
		`DELETE FROM _sync_changelog WHERE synced = 1 AND timestamp < ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("sync cleanup: %w", err)
	}
	n, _ := res.RowsAffected()
	if n > 0 {
		e.logger.Info("sync changelog cleaned", "deleted", n, "retention_days", retentionDays)
	}
	return n, nil
}
