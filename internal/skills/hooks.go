package skills

// Hook names a script function the manager calls. Hooks are optional;
// an undefined hook is skipped.
type Hook string

const (
	// HookInstall runs once per mod lifetime, on first activation.
	HookInstall Hook = "on_install"
	// HookActivate runs on every activation.
	HookActivate Hook = "on_activate"
	// HookDeactivate runs before the mod's sandbox is closed.
	HookDeactivate Hook = "on_deactivate"
	// HookDataChanged receives (table, operation, row).
	HookDataChanged Hook = "on_data_changed"
	// HookBeforeSave receives (table, data) and may return replacement data.
	HookBeforeSave Hook = "before_save"
	// HookAfterSave receives (table, data) after the write commits.
	HookAfterSave Hook = "after_save"
)

// State is a mod's lifecycle state.
type State string

const (
	StateLoaded      State = "loaded"
	StateActive      State = "active"
	StateDeactivated State = "deactivated"
	StateUnloaded    State = "unloaded"
)

// canTransition reports whether from → to is a legal lifecycle step.
func canTransition(from, to State) bool {
	switch to {
	case StateActive:
		return from == StateLoaded || from == StateDeactivated
	case StateDeactivated:
		return from == StateActive
	case StateUnloaded:
		return from != StateUnloaded
	}
	return false
}
