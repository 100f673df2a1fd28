package syncengine

import (
	"errors"
	"time"
)

// Result summarizes one Sync. Phase errors are collected rather than
// returned so that a failed push still lets the pull run.
type Result struct {
	Pushed    int           `json:"pushed"`
	Pulled    int           `json:"pulled"`
	Applied   int           `json:"applied"`
	Conflicts int           `json:"conflicts"`
	Rejected  int           `json:"rejected"`
	Started   time.Time     `json:"started"`
	Duration  time.Duration `json:"duration"`
	Errors    []error       `json:"-"`
}

// PullStats counts what one Pull did.
type PullStats struct {
	// Pulled counts remote entries received, including ones from this
	// device that were skipped.
	Pulled int

	// Applied counts entries written locally.
	Applied int

	// Conflicts counts applied entries that met unsynced local changes.
	Conflicts int

	// Rejected counts entries passed over because they do not fit the
	// local schema.
	Rejected int
}

// OK reports whether every phase succeeded.
func (r *Result) OK() bool {
	return len(r.Errors) == 0
}

// Err joins the phase errors, or returns nil.
func (r *Result) Err() error {
	return errors.Join(r.Errors...)
}
