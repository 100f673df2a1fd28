package capsule

import (
	"context"
	"database/sql"
	_ "embed"
	"fmt"
	"log/slog"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/roach88/capsule/internal/eventbus"
	"github.com/roach88/capsule/internal/ir"
)

//go:embed schema.sql
var schemaSQL string

// Schema version tracking:
// 0 - Initial schema (pre-migration)
// 1 - Added _capsule_tx.ts so triggers stamp change rows with the caller's clock
const currentSchemaVersion = 1

// DefaultPollInterval is how often the poll loop looks for new change rows.
const DefaultPollInterval = 100 * time.Millisecond

// Capsule is the reactive store. Safe for concurrent use.
type Capsule struct {
	db           *sql.DB
	path         string
	logger       *slog.Logger
	bus          *eventbus.Bus
	now          func() time.Time
	ids          ir.IDGenerator
	pollInterval time.Duration

	mu       sync.RWMutex
	tables   map[string]*tableMeta
	watchers []*watcher
	hooks    []MutationHook

	// pollMu serializes poll cycles between the loop and Flush.
	pollMu   sync.Mutex
	lastSeen int64

	stop      chan struct{}
	done      chan struct{}
	closeOnce sync.Once
	closeErr  error
}

// Option configures a Capsule.
type Option func(*Capsule)

// WithLogger sets the structured logger. Default: slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(c *Capsule) {
		if l != nil {
			c.logger = l
		}
	}
}

// WithPollInterval sets the change poll interval. Default: 100ms.
// A non-positive interval disables the background loop; delivery then
// happens only on Flush and Close.
func WithPollInterval(d time.Duration) Option {
	return func(c *Capsule) {
		c.pollInterval = d
	}
}

// WithEventBus emits every delivered change event on bus as
// eventbus.ActionCapsuleChange.
func WithEventBus(bus *eventbus.Bus) Option {
	return func(c *Capsule) {
		c.bus = bus
	}
}

// WithClock sets the wall clock used for change timestamps, mutation
// timestamps and cleanup thresholds.
func WithClock(now func() time.Time) Option {
	return func(c *Capsule) {
		if now != nil {
			c.now = now
		}
	}
}

// WithIDGenerator sets the generator for transaction and watcher ids.
// Default: ir.UUIDv7Generator.
func WithIDGenerator(g ir.IDGenerator) Option {
	return func(c *Capsule) {
		if g != nil {
			c.ids = g
		}
	}
}

// Open creates or opens a capsule database at path and starts the poll
// loop. Applies required pragmas and migrations automatically.
//
// The database is configured with:
//   - WAL mode for concurrent reads during writes
//   - NORMAL synchronous mode (balance durability/performance)
//   - 5-second busy timeout for lock contention
//   - Foreign key enforcement
//
// The change poll resumes after the highest existing change row, so events
// committed before Open are not redelivered.
func Open(path string, opts ...Option) (*Capsule, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	// SQLite only supports one writer at a time, so limit connections.
	// This also keeps PRAGMA query_only and _capsule_tx scoped to the
	// statement that set them.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := applyPragmas(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply pragmas: %w", err)
	}

	if err := applySchema(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}

	c := &Capsule{
		db:           db,
		path:         path,
		logger:       slog.Default(),
		now:          time.Now,
		ids:          ir.UUIDv7Generator{},
		pollInterval: DefaultPollInterval,
		tables:       make(map[string]*tableMeta),
		stop:         make(chan struct{}),
		done:         make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.With("component", "capsule")

	ctx := context.Background()
	if err := c.loadTableDefs(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to load table definitions: %w", err)
	}
	if err := db.QueryRowContext(ctx, "SELECT COALESCE(MAX(id), 0) FROM _capsule_changes").Scan(&c.lastSeen); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to read change high-water mark: %w", err)
	}

	go c.pollLoop()

	return c, nil
}

// Close flushes pending change events, stops the poll loop and closes the
// database. Safe to call more than once.
func (c *Capsule) Close() error {
	c.closeOnce.Do(func() {
		close(c.stop)
		<-c.done

		if err := c.Flush(context.Background()); err != nil {
			c.logger.Error("final flush failed", "error", err)
		}

		c.mu.Lock()
		c.watchers = nil
		c.mu.Unlock()

		c.closeErr = c.db.Close()
	})
	return c.closeErr
}

// DB returns the underlying sql.DB for internal collaborators.
// Writes through this handle bypass mutation hooks.
func (c *Capsule) DB() *sql.DB {
	return c.db
}

// Path returns the database file path given to Open.
func (c *Capsule) Path() string {
	return c.path
}

// Now returns the capsule clock's current time.
func (c *Capsule) Now() time.Time {
	return c.now()
}

// applyPragmas sets required SQLite configuration.
func applyPragmas(db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA foreign_keys = ON",
	}

	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			return fmt.Errorf("failed to execute %q: %w", pragma, err)
		}
	}

	return nil
}

// applySchema creates internal tables if they don't exist and runs
// migrations. Idempotent.
func applySchema(db *sql.DB) error {
	if _, err := db.Exec(schemaSQL); err != nil {
		return fmt.Errorf("failed to execute schema: %w", err)
	}

	if err := runMigrations(db); err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	return nil
}

// runMigrations applies incremental schema migrations based on user_version.
func runMigrations(db *sql.DB) error {
	var version int
	if err := db.QueryRow("PRAGMA user_version").Scan(&version); err != nil {
		return fmt.Errorf("get user_version: %w", err)
	}

	if version < 1 {
		if err := migrateToV1(db); err != nil {
			return err
		}
	}

	if _, err := db.Exec(fmt.Sprintf("PRAGMA user_version = %d", currentSchemaVersion)); err != nil {
		return fmt.Errorf("set user_version: %w", err)
	}

	return nil
}

// migrateToV1 adds the ts column read by change-capture triggers.
func migrateToV1(db *sql.DB) error {
	var n int
	err := db.QueryRow(`SELECT COUNT(*) FROM pragma_table_info('_capsule_tx') WHERE name = 'ts'`).Scan(&n)
	if err != nil {
		return fmt.Errorf("migrate to v1: %w", err)
	}
	if n > 0 {
		return nil
	}
	if _, err := db.Exec(`ALTER TABLE _capsule_tx ADD COLUMN ts INTEGER NOT NULL DEFAULT 0`); err != nil {
		return fmt.Errorf("migrate to v1: %w", err)
	}
	return nil
}

// verifyPragma checks that a pragma is set to the expected value.
// Used for testing.
func (c *Capsule) verifyPragma(name, expected string) error {
	var value string
	if err := c.db.QueryRow(fmt.Sprintf("PRAGMA %s", name)).Scan(&value); err != nil {
		return fmt.Errorf("failed to query %s: %w", name, err)
	}
	if value != expected {
		return fmt.Errorf("%s = %q, expected %q", name, value, expected)
	}
	return nil
}
