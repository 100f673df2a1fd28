package sandbox

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	lua "github.com/Shopify/go-lua"
	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/roach88/capsule/internal/capsule"
	"github.com/roach88/capsule/internal/eventbus"
	"github.com/roach88/capsule/internal/ir"
)

// Store is the capsule surface scripts can reach.
// Implemented by *capsule.Capsule.
type Store interface {
	capsule.DataAPI
	Watch(ctx context.Context, table string, fn capsule.WatchFunc, opts ...capsule.WatchOption) (func(), error)
}

var _ Store = (*capsule.Capsule)(nil)

// refsKey names the registry table holding callback functions.
const refsKey = "capsule.sandbox.refs"

// defaultCacheSize bounds the script cache.
const defaultCacheSize = 1024

// Sandbox is one isolated interpreter bound to a capsule and event bus.
//
// Thread-safety: all exported methods are safe for concurrent use; calls
// into the interpreter are serialized.
type Sandbox struct {
	name    string
	store   Store
	bus     *eventbus.Bus
	logger  *slog.Logger
	limits  Limits
	allowed map[string]bool
	ids     ir.IDGenerator
	now     func() time.Time

	cache    *expirable.LRU[string, cacheEntry]
	cacheTTL time.Duration

	// mu guards the interpreter and everything below it.
	mu         sync.Mutex
	l          *lua.State
	call       callState
	tx         *capsule.Tx
	handles    map[int]*handle
	nextHandle int

	queue    *jobQueue
	pumpDone chan struct{}
	closed   atomic.Bool
}

// handle is a script registration: a bus subscription, a watcher or a
// timer. Its id doubles as the callback's registry reference.
type handle struct {
	id     int
	kind   string
	name   string
	once   bool
	cancel func()

	// pending is set while a periodic tick is queued.
	pending *atomic.Bool
}

// Option configures a Sandbox.
type Option func(*Sandbox)

// WithLogger sets the logger. print() and the log table write to it.
func WithLogger(l *slog.Logger) Option {
	return func(s *Sandbox) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithName labels the sandbox in logs and error messages.
func WithName(name string) Option {
	return func(s *Sandbox) {
		s.name = name
	}
}

// WithLimits replaces DefaultLimits.
func WithLimits(lim Limits) Option {
	return func(s *Sandbox) {
		s.limits = lim
	}
}

// WithAllowedTables restricts writes and watches to tables. With no
// tables every table is allowed.
func WithAllowedTables(tables ...string) Option {
	return func(s *Sandbox) {
		if len(tables) == 0 {
			s.allowed = nil
			return
		}
		s.allowed = make(map[string]bool, len(tables))
		for _, t := range tables {
			s.allowed[t] = true
		}
	}
}

// WithIDGenerator sets the generator behind util.uuid.
func WithIDGenerator(g ir.IDGenerator) Option {
	return func(s *Sandbox) {
		if g != nil {
			s.ids = g
		}
	}
}

// WithClock sets the clock used for cache expiry and util.now.
func WithClock(now func() time.Time) Option {
	return func(s *Sandbox) {
		if now != nil {
			s.now = now
		}
	}
}

// WithCacheTTL sets the expiry applied by cache.set when the script
// passes none. Zero keeps entries until evicted.
func WithCacheTTL(d time.Duration) Option {
	return func(s *Sandbox) {
		s.cacheTTL = d
	}
}

// New creates a sandbox and its interpreter. bus may be nil, in which
// case the events table is absent.
func New(store Store, bus *eventbus.Bus, opts ...Option) (*Sandbox, error) {
	if store == nil {
		return nil, ir.NewError(ir.KindValidation, "new sandbox", "store is required")
	}
	s := &Sandbox{
		name:     "sandbox",
		store:    store,
		bus:      bus,
		logger:   slog.Default(),
		limits:   DefaultLimits(),
		ids:      ir.UUIDv7Generator{},
		now:      time.Now,
		handles:  make(map[int]*handle),
		queue:    newJobQueue(),
		pumpDone: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With("sandbox", s.name)
	s.cache = expirable.NewLRU[string, cacheEntry](defaultCacheSize, nil, 0)

	s.l = lua.NewState()
	if err := s.init(); err != nil {
		return nil, fmt.Errorf("init sandbox %s: %w", s.name, err)
	}

	go s.pump()
	return s, nil
}

// init installs the allowlisted standard library and the host tables.
func (s *Sandbox) init() error {
	s.openLibraries(s.l)
	s.l.PushGoFunction(s.print)
	s.l.SetGlobal("print")

	s.l.NewTable()
	s.l.SetField(lua.RegistryIndex, refsKey)

	s.registerDB()
	if s.bus != nil {
		s.registerEvents()
	}
	s.registerReactive()
	s.registerUtil()
	s.registerCache()
	s.registerScheduler()
	s.registerLog()
	return nil
}

// Name returns the sandbox label.
func (s *Sandbox) Name() string {
	return s.name
}

// Execute runs script as an anonymous chunk and returns its results.
func (s *Sandbox) Execute(ctx context.Context, script string) ([]any, error) {
	return s.ExecuteNamed(ctx, s.name, script)
}

// ExecuteNamed runs script with name as its chunk name, which appears in
// error positions. Global definitions persist for later calls.
func (s *Sandbox) ExecuteNamed(ctx context.Context, name, script string) ([]any, error) {
	op := "execute " + name
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.l == nil {
		return nil, ir.NewError(ir.KindState, op, "sandbox is closed")
	}

	base := s.l.Top()
	if err := lua.LoadBuffer(s.l, script, "="+name, "t"); err != nil {
		s.l.SetTop(base)
		return nil, &ir.Error{Kind: ir.KindScript, Op: op, Message: "load failed", Err: err}
	}
	return s.run(ctx, op, base, 0)
}

// CallFunction calls the global function name with args. Arguments and
// results are limited to nil, booleans, numbers, strings, sequences and
// string-keyed maps.
func (s *Sandbox) CallFunction(ctx context.Context, name string, args ...any) ([]any, error) {
	op := "call " + name
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.l == nil {
		return nil, ir.NewError(ir.KindState, op, "sandbox is closed")
	}

	base := s.l.Top()
	rawGlobal(s.l, name)
	if !s.l.IsFunction(-1) {
		s.l.SetTop(base)
		return nil, ir.NewError(ir.KindNotFound, op, "function %q is not defined", name)
	}
	for i, a := range args {
		if err := push(s.l, a); err != nil {
			s.l.SetTop(base)
			return nil, ir.NewError(ir.KindValidation, op, "argument %d: %v", i+1, err)
		}
	}
	return s.run(ctx, op, base, len(args))
}

// HasFunction reports whether name is a global function.
func (s *Sandbox) HasFunction(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.l == nil {
		return false
	}
	rawGlobal(s.l, name)
	ok := s.l.IsFunction(-1)
	s.l.Pop(1)
	return ok
}

// run calls the function at base+1 with nargs arguments above it under
// the sandbox limits and collects its results. The stack is restored to
// base. Callers hold mu.
func (s *Sandbox) run(ctx context.Context, op string, base, nargs int) ([]any, error) {
	outer := s.begin(ctx, op)
	err := s.l.ProtectedCall(nargs, lua.MultipleReturns, 0)
	if err != nil {
		err = s.callError(op, err)
		s.end(outer)
		s.l.SetTop(base)
		return nil, err
	}
	s.end(outer)

	top := s.l.Top()
	results := make([]any, 0, top-base)
	for i := base + 1; i <= top; i++ {
		v, err := toGo(s.l, i)
		if err != nil {
			s.l.SetTop(base)
			return nil, ir.NewError(ir.KindValidation, op, "result %d: %v", i-base, err)
		}
		results = append(results, v)
	}
	s.l.SetTop(base)
	return results, nil
}

// Close cancels every script registration, runs callbacks already queued
// and releases the interpreter. It must not be called from a script.
func (s *Sandbox) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}

	s.mu.Lock()
	for _, h := range s.handles {
		if h.cancel != nil {
			h.cancel()
		}
	}
	s.mu.Unlock()

	s.queue.Close()
	<-s.pumpDone

	s.mu.Lock()
	s.handles = map[int]*handle{}
	s.l = nil
	s.mu.Unlock()
	s.cache.Purge()

	s.logger.Debug("sandbox closed")
	return nil
}

// WaitIdle blocks until no callback is queued or running.
func (s *Sandbox) WaitIdle(ctx context.Context) error {
	ticker := time.NewTicker(time.Millisecond)
	defer ticker.Stop()
	for !s.queue.Idle() {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
	return nil
}

// HandleCount returns the number of live script registrations.
func (s *Sandbox) HandleCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.handles)
}

// register stores the function at index as a callback and returns its
// handle. Callers hold mu.
func (s *Sandbox) register(l *lua.State, index int, kind, name string) *handle {
	index = l.AbsIndex(index)
	s.nextHandle++
	h := &handle{id: s.nextHandle, kind: kind, name: name}

	l.Field(lua.RegistryIndex, refsKey)
	l.PushValue(index)
	l.RawSetInt(-2, h.id)
	l.Pop(1)

	s.handles[h.id] = h
	return h
}

// release cancels and forgets h. Callers hold mu.
func (s *Sandbox) release(l *lua.State, h *handle) {
	if h.cancel != nil {
		h.cancel()
	}
	delete(s.handles, h.id)
	if l == nil {
		return
	}
	l.Field(lua.RegistryIndex, refsKey)
	l.PushNil()
	l.RawSetInt(-2, h.id)
	l.Pop(1)
}

// enqueue schedules a callback invocation. It is called from other
// goroutines and never touches the interpreter.
func (s *Sandbox) enqueue(id int, args ...any) {
	if !s.queue.Enqueue(job{handle: id, args: args}) {
		s.logger.Debug("callback dropped after close", "handle", id)
	}
}

// pump runs queued callbacks one at a time until the queue is closed and
// drained.
func (s *Sandbox) pump() {
	defer close(s.pumpDone)
	for {
		if j, ok := s.queue.TryDequeue(); ok {
			s.runJob(j)
			s.queue.done()
			continue
		}
		if s.queue.isClosed() {
			return
		}
		<-s.queue.Wait()
	}
}

func (s *Sandbox) runJob(j job) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.l == nil {
		return
	}
	h, ok := s.handles[j.handle]
	if !ok {
		return
	}
	op := fmt.Sprintf("%s callback %s", h.kind, h.name)

	base := s.l.Top()
	s.l.Field(lua.RegistryIndex, refsKey)
	s.l.RawGetInt(-1, h.id)
	s.l.Remove(-2)
	if !s.l.IsFunction(-1) {
		s.l.SetTop(base)
		return
	}
	for _, a := range j.args {
		if err := push(s.l, a); err != nil {
			s.l.SetTop(base)
			s.logger.Error("callback argument rejected", "callback", op, "error", err)
			return
		}
	}

	if h.once {
		s.release(s.l, h)
	}
	if h.pending != nil {
		h.pending.Store(false)
	}
	if _, err := s.run(context.Background(), op, base, len(j.args)); err != nil {
		s.logger.Error("callback failed", "callback", op, "error", err)
	}
}
