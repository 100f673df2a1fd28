package testutil

import "fmt"

// SequentialIDs generates "<prefix>-0001", "<prefix>-0002", ...
//
// Ids are zero-padded so they sort lexically in generation order, which
// keeps golden traces stable. Implements ir.IDGenerator.
type SequentialIDs struct {
	prefix string
	clock  *DeterministicClock
}

// NewSequentialIDs creates a generator. An empty prefix defaults to "id".
func NewSequentialIDs(prefix string) *SequentialIDs {
	if prefix == "" {
		prefix = "id"
	}
	return &SequentialIDs{prefix: prefix, clock: NewDeterministicClock()}
}

// Generate returns the next id.
func (g *SequentialIDs) Generate() string {
	return fmt.Sprintf("%s-%04d", g.prefix, g.clock.Next())
}

// Reset restarts the sequence at 1.
func (g *SequentialIDs) Reset() {
	g.clock.Reset()
}
