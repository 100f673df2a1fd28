package skills

import (
	"context"
	"fmt"
	"io/fs"
	"log/slog"
	"slices"
	"sync"

	"github.com/roach88/capsule/internal/capsule"
	"github.com/roach88/capsule/internal/eventbus"
	"github.com/roach88/capsule/internal/ir"
	"github.com/roach88/capsule/internal/sandbox"
)

// installedKeyPrefix prefixes the capsule meta key recording that a mod's
// on_install hook has run.
const installedKeyPrefix = "mod.installed."

// Info summarizes a loaded mod.
type Info struct {
	ID      string `json:"id"`
	Name    string `json:"name"`
	Version string `json:"version"`
	State   State  `json:"state"`
}

type entry struct {
	mod   *Mod
	state State
	sb    *sandbox.Sandbox
}

// Manager owns every loaded mod and its sandbox.
//
// Lifecycle calls are serialized; hook fan-out (TriggerDataChange,
// BeforeSave, AfterSave) may run concurrently with them and only sees
// mods that are active when it starts.
type Manager struct {
	capsule *capsule.Capsule
	bus     *eventbus.Bus
	logger  *slog.Logger
	limits  sandbox.Limits

	// lifecycle serializes load/activate/deactivate/unload.
	lifecycle sync.Mutex

	mu       sync.RWMutex
	mods     map[string]*entry
	order    []string
	watchers []func()
}

// Option configures a Manager.
type Option func(*Manager)

// WithLogger sets the logger for the manager and its sandboxes.
func WithLogger(l *slog.Logger) Option {
	return func(m *Manager) {
		if l != nil {
			m.logger = l
		}
	}
}

// WithEventBus shares bus with every mod sandbox and announces lifecycle
// transitions on it.
func WithEventBus(bus *eventbus.Bus) Option {
	return func(m *Manager) {
		m.bus = bus
	}
}

// WithSandboxLimits sets the limits applied to every mod sandbox.
func WithSandboxLimits(lim sandbox.Limits) Option {
	return func(m *Manager) {
		m.limits = lim
	}
}

// NewManager creates a manager whose mods share c.
func NewManager(c *capsule.Capsule, opts ...Option) *Manager {
	m := &Manager{
		capsule: c,
		logger:  slog.Default(),
		limits:  sandbox.DefaultLimits(),
		mods:    make(map[string]*entry),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// LoadMod reads the mod package rooted at fsys and registers it in the
// loaded state. A mod with the same id must be unloaded first.
func (m *Manager) LoadMod(fsys fs.FS) (*Mod, error) {
	mod, err := ReadMod(fsys)
	if err != nil {
		return nil, err
	}
	return mod, m.add(mod)
}

// LoadDir reads the mod package in dir and registers it.
func (m *Manager) LoadDir(dir string) (*Mod, error) {
	mod, err := ReadModDir(dir)
	if err != nil {
		return nil, err
	}
	return mod, m.add(mod)
}

// LoadAll registers every mod package found under root and returns the
// ids loaded. Packages that fail to load are logged and skipped.
func (m *Manager) LoadAll(root string) ([]string, error) {
	dirs, err := FindModDirs(root)
	if err != nil {
		return nil, err
	}
	var ids []string
	for _, dir := range dirs {
		mod, err := m.LoadDir(dir)
		if err != nil {
			m.logger.Error("mod load failed", "dir", dir, "error", err)
			continue
		}
		ids = append(ids, mod.ID())
	}
	return ids, nil
}

func (m *Manager) add(mod *Mod) error {
	m.lifecycle.Lock()
	defer m.lifecycle.Unlock()

	id := mod.ID()
	m.mu.Lock()
	if _, exists := m.mods[id]; exists {
		m.mu.Unlock()
		return ir.NewError(ir.KindValidation, "load mod", "mod %q is already loaded", id)
	}
	m.mods[id] = &entry{mod: mod, state: StateLoaded}
	m.order = append(m.order, id)
	m.mu.Unlock()

	m.logger.Info("mod loaded", "mod_id", id, "version", mod.Manifest.Version, "scripts", len(mod.Scripts))
	m.emit(eventbus.ActionModLoaded, id)
	return nil
}

// ActivateMod provisions the mod's sandbox, runs its scripts in name
// order, then calls on_install (first activation only) and on_activate.
// Hook failures are logged and do not fail activation; script load
// failures do.
func (m *Manager) ActivateMod(ctx context.Context, id string) error {
	const op = "activate mod"
	m.lifecycle.Lock()
	defer m.lifecycle.Unlock()

	e, err := m.transition(op, id, StateActive)
	if err != nil {
		return err
	}

	for _, def := range e.mod.Manifest.Tables {
		if err := m.capsule.CreateTable(ctx, def); err != nil {
			return fmt.Errorf("%s %s: table %s: %w", op, id, def.Name, err)
		}
	}

	var sb *sandbox.Sandbox
	if e.mod.Manifest.Permissions.Scripting {
		sb, err = m.provision(ctx, e.mod)
		if err != nil {
			return fmt.Errorf("%s %s: %w", op, id, err)
		}
		if err := m.install(ctx, id, sb); err != nil {
			sb.Close()
			return fmt.Errorf("%s %s: %w", op, id, err)
		}
		m.callHook(ctx, id, sb, HookActivate)
	} else if len(e.mod.Scripts) > 0 {
		m.logger.Warn("mod scripts skipped: scripting not permitted", "mod_id", id)
	}

	m.mu.Lock()
	e.sb = sb
	e.state = StateActive
	m.mu.Unlock()

	m.logger.Info("mod activated", "mod_id", id)
	m.emit(eventbus.ActionModActivated, id)
	return nil
}

// provision creates a sandbox for mod and loads its scripts.
func (m *Manager) provision(ctx context.Context, mod *Mod) (*sandbox.Sandbox, error) {
	id := mod.ID()
	sb, err := sandbox.New(m.capsule, m.bus,
		sandbox.WithName(id),
		sandbox.WithLogger(m.logger.With("mod_id", id)),
		sandbox.WithLimits(m.limits),
		sandbox.WithAllowedTables(mod.Manifest.Permissions.Tables...),
	)
	if err != nil {
		return nil, err
	}
	for _, name := range mod.ScriptNames() {
		if _, err := sb.ExecuteNamed(ctx, "scripts/"+name, mod.Scripts[name]); err != nil {
			sb.Close()
			return nil, fmt.Errorf("load script %s: %w", name, err)
		}
	}
	return sb, nil
}

// install runs on_install unless the persisted flag says it already ran.
func (m *Manager) install(ctx context.Context, id string, sb *sandbox.Sandbox) error {
	key := installedKeyPrefix + id
	_, installed, err := m.capsule.Meta(ctx, key)
	if err != nil {
		return err
	}
	if installed {
		return nil
	}
	m.callHook(ctx, id, sb, HookInstall)
	return m.capsule.SetMeta(ctx, key, m.capsule.Now().UTC().Format("2006-01-02T15:04:05.000Z07:00"))
}

// Installed reports whether id's on_install hook has run in this capsule.
// The flag survives unloading.
func (m *Manager) Installed(ctx context.Context, id string) (bool, error) {
	_, ok, err := m.capsule.Meta(ctx, installedKeyPrefix+id)
	return ok, err
}

// DeactivateMod calls on_deactivate and closes the mod's sandbox.
func (m *Manager) DeactivateMod(ctx context.Context, id string) error {
	m.lifecycle.Lock()
	defer m.lifecycle.Unlock()
	return m.deactivate(ctx, id)
}

func (m *Manager) deactivate(ctx context.Context, id string) error {
	e, err := m.transition("deactivate mod", id, StateDeactivated)
	if err != nil {
		return err
	}

	m.mu.Lock()
	sb := e.sb
	e.sb = nil
	e.state = StateDeactivated
	m.mu.Unlock()

	if sb != nil {
		m.callHook(ctx, id, sb, HookDeactivate)
		if err := sb.Close(); err != nil {
			m.logger.Error("sandbox close failed", "mod_id", id, "error", err)
		}
	}

	m.logger.Info("mod deactivated", "mod_id", id)
	m.emit(eventbus.ActionModDeactivated, id)
	return nil
}

// UnloadMod deactivates the mod if needed and forgets it. Its installed
// flag is kept, so reloading it does not rerun on_install.
func (m *Manager) UnloadMod(ctx context.Context, id string) error {
	m.lifecycle.Lock()
	defer m.lifecycle.Unlock()

	e, err := m.transition("unload mod", id, StateUnloaded)
	if err != nil {
		return err
	}
	if e.state == StateActive {
		if err := m.deactivate(ctx, id); err != nil {
			return err
		}
	}

	m.mu.Lock()
	e.state = StateUnloaded
	delete(m.mods, id)
	m.order = slices.DeleteFunc(m.order, func(x string) bool { return x == id })
	m.mu.Unlock()

	m.logger.Info("mod unloaded", "mod_id", id)
	m.emit(eventbus.ActionModUnloaded, id)
	return nil
}

// transition checks that id may move to the target state.
func (m *Manager) transition(op, id string, to State) (*entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.mods[id]
	if !ok {
		return nil, ir.NewError(ir.KindNotFound, op, "mod %q is not loaded", id)
	}
	if !canTransition(e.state, to) {
		return nil, ir.NewError(ir.KindState, op, "mod %q cannot go from %s to %s", id, e.state, to)
	}
	return e, nil
}

// State returns the lifecycle state of id.
func (m *Manager) State(id string) (State, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.mods[id]
	if !ok {
		return "", false
	}
	return e.state, true
}

// Mod returns the loaded mod id.
func (m *Manager) Mod(id string) (*Mod, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.mods[id]
	if !ok {
		return nil, false
	}
	return e.mod, true
}

// Sandbox returns the sandbox of an active scripted mod.
func (m *Manager) Sandbox(id string) (*sandbox.Sandbox, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.mods[id]
	if !ok || e.sb == nil {
		return nil, false
	}
	return e.sb, true
}

// List returns every loaded mod in load order.
func (m *Manager) List() []Info {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Info, 0, len(m.order))
	for _, id := range m.order {
		e := m.mods[id]
		out = append(out, Info{
			ID:      id,
			Name:    e.mod.Manifest.Name,
			Version: e.mod.Manifest.Version,
			State:   e.state,
		})
	}
	return out
}

// Close stops table watchers and deactivates every active mod.
func (m *Manager) Close(ctx context.Context) error {
	m.mu.Lock()
	watchers := m.watchers
	m.watchers = nil
	m.mu.Unlock()
	for _, stop := range watchers {
		stop()
	}

	m.lifecycle.Lock()
	defer m.lifecycle.Unlock()
	for _, info := range m.List() {
		if info.State != StateActive {
			continue
		}
		if err := m.deactivate(ctx, info.ID); err != nil {
			m.logger.Error("mod deactivate failed", "mod_id", info.ID, "error", err)
		}
	}
	return nil
}

// activeSandboxes snapshots the sandboxes of active mods in load order.
func (m *Manager) activeSandboxes() []modSandbox {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []modSandbox
	for _, id := range m.order {
		e := m.mods[id]
		if e.state == StateActive && e.sb != nil {
			out = append(out, modSandbox{id: id, sb: e.sb})
		}
	}
	return out
}

type modSandbox struct {
	id string
	sb *sandbox.Sandbox
}

func (m *Manager) emit(action, id string) {
	if m.bus != nil {
		m.bus.Emit(context.Background(), action, map[string]any{"id": id})
	}
}
