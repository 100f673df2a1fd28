package syncengine

import "github.com/roach88/capsule/internal/ir"

// Resolver merges a conflicting remote change into the local row. local
// is the current row, or nil if it no longer exists; remote is the
// incoming change's data. Returning a nil row deletes the local row.
type Resolver func(local, remote ir.Row) (ir.Row, error)

// Strategy decides what happens when a pulled change touches a row that
// has unsynced local changes.
type Strategy struct {
	name    string
	resolve Resolver
}

// LastWriteWins applies the remote change unconditionally and marks the
// conflicting local entries synced without sending them.
var LastWriteWins = Strategy{name: "last-write-wins"}

// Custom resolves conflicts with fn. Its result is written as a new local
// change, so it reaches the remote on the next push; the conflicting
// local entries are marked synced.
func Custom(fn Resolver) Strategy {
	return Strategy{name: "custom", resolve: fn}
}

// String returns the strategy name.
func (s Strategy) String() string {
	if s.name == "" {
		return LastWriteWins.name
	}
	return s.name
}

// ParseStrategy maps a configured strategy name to a Strategy. Only
// strategies that need no code are nameable.
func ParseStrategy(name string) (Strategy, error) {
	switch name {
	case "", LastWriteWins.name:
		return LastWriteWins, nil
	}
	return Strategy{}, ir.NewError(ir.KindValidation, "sync strategy", "unknown conflict strategy %q", name)
}
