package harness

import "fmt"

// TraceEvent is one change event as seen by a scenario watcher.
//
// Transaction ids are replaced by ordinals ("tx-1", "tx-2", ...) in order
// of first appearance so traces do not depend on the id generator.
type TraceEvent struct {
	Watcher   string         `json:"watcher"`
	Operation string         `json:"operation"`
	Table     string         `json:"table"`
	RowID     int64          `json:"row_id"`
	Old       map[string]any `json:"old,omitempty"`
	New       map[string]any `json:"new,omitempty"`
	Tx        string         `json:"tx"`
	Seq       int64          `json:"seq"`
}

// Key renders the event as "table:OPERATION", the form used by
// event_order assertions.
func (e TraceEvent) Key() string {
	return e.Table + ":" + e.Operation
}

func (e TraceEvent) String() string {
	return fmt.Sprintf("%s %s %s#%d (%s)", e.Watcher, e.Operation, e.Table, e.RowID, e.Tx)
}

// Result is the outcome of a test scenario execution.
type Result struct {
	// Pass indicates overall test success.
	// True if every step matched its expect_error and all assertions held.
	Pass bool `json:"pass"`

	// Trace contains every delivered change event in change order.
	Trace []TraceEvent `json:"trace"`

	// Errors contains validation error messages.
	// Empty if Pass is true.
	Errors []string `json:"errors,omitempty"`
}

// NewResult creates a new passing result.
func NewResult() *Result {
	return &Result{
		Pass:   true,
		Trace:  []TraceEvent{},
		Errors: []string{},
	}
}

// AddError adds a validation error and marks the result as failed.
func (r *Result) AddError(err string) {
	r.Errors = append(r.Errors, err)
	r.Pass = false
}
