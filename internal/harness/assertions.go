package harness

import (
	"context"
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/roach88/capsule/internal/capsule"
)

// validIdentifier matches valid SQL identifiers (table/column names).
// Only allows alphanumeric and underscore, must start with letter or underscore.
// This prevents SQL injection via identifier interpolation.
var validIdentifier = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// AssertionError is returned when an assertion fails.
// It includes detailed context to help debug the failure.
type AssertionError struct {
	Type     string       // Assertion type for categorization
	Expected string       // Human-readable expected outcome
	Actual   string       // Human-readable actual outcome
	Trace    []TraceEvent // Full trace for debugging context
}

// Error implements the error interface.
func (e *AssertionError) Error() string {
	var buf strings.Builder

	fmt.Fprintf(&buf, "Assertion failed: %s\n", e.Type)
	fmt.Fprintf(&buf, "  Expected: %s\n", e.Expected)
	fmt.Fprintf(&buf, "  Actual: %s\n", e.Actual)

	if len(e.Trace) > 0 {
		fmt.Fprintf(&buf, "\nFull trace:\n")
		for i, event := range e.Trace {
			fmt.Fprintf(&buf, "  [%d] %s\n", i+1, event)
		}
	}

	return buf.String()
}

// selects reports whether event passes the assertion's watcher, table and
// operation narrowing.
func selects(assertion Assertion, event TraceEvent) bool {
	if assertion.Watcher != "" && event.Watcher != assertion.Watcher {
		return false
	}
	if assertion.Table != "" && event.Table != assertion.Table {
		return false
	}
	if assertion.Operation != "" && !strings.EqualFold(event.Operation, assertion.Operation) {
		return false
	}
	return true
}

// describe renders the narrowing of an assertion for messages.
func describe(assertion Assertion) string {
	var parts []string
	if assertion.Watcher != "" {
		parts = append(parts, "watcher="+assertion.Watcher)
	}
	if assertion.Table != "" {
		parts = append(parts, "table="+assertion.Table)
	}
	if assertion.Operation != "" {
		parts = append(parts, "operation="+strings.ToUpper(assertion.Operation))
	}
	if len(parts) == 0 {
		return "(all events)"
	}
	return strings.Join(parts, " ")
}

// assertEventCount checks the number of selected trace events.
func assertEventCount(trace []TraceEvent, assertion Assertion) error {
	count := 0
	for _, event := range trace {
		if selects(assertion, event) {
			count++
		}
	}

	if count != assertion.Count {
		return &AssertionError{
			Type:     AssertEventCount,
			Expected: fmt.Sprintf("%d events %s", assertion.Count, describe(assertion)),
			Actual:   fmt.Sprintf("%d events", count),
			Trace:    trace,
		}
	}
	return nil
}

// assertEventOrder checks that the selected events contain assertion.Events
// as an ordered subsequence. Intervening events are allowed.
func assertEventOrder(trace []TraceEvent, assertion Assertion) error {
	next := 0
	for _, event := range trace {
		if next == len(assertion.Events) {
			break
		}
		if !selects(assertion, event) {
			continue
		}
		if strings.EqualFold(event.Key(), assertion.Events[next]) {
			next++
		}
	}

	if next < len(assertion.Events) {
		return &AssertionError{
			Type:     AssertEventOrder,
			Expected: fmt.Sprintf("events in order: %v %s", assertion.Events, describe(assertion)),
			Actual:   fmt.Sprintf("missing %s after %d matched", assertion.Events[next], next),
			Trace:    trace,
		}
	}
	return nil
}

// assertRowCount counts the rows of a table with parameterized SQL.
//
// Security: Table and column names are validated against a whitelist pattern
// to prevent SQL injection via identifier interpolation.
func assertRowCount(ctx context.Context, c *capsule.Capsule, assertion Assertion) error {
	if !validIdentifier.MatchString(assertion.Table) {
		return fmt.Errorf("invalid table name %q: must match pattern %s", assertion.Table, validIdentifier.String())
	}

	whereSQL, whereArgs, err := buildWhereClause(assertion.Where)
	if err != nil {
		return err
	}

	query := fmt.Sprintf("SELECT COUNT(*) FROM %q", assertion.Table)
	if whereSQL != "" {
		query += " WHERE " + whereSQL
	}

	v, err := c.QueryScalar(ctx, query, whereArgs...)
	if err != nil {
		return &AssertionError{
			Type:     AssertRowCount,
			Expected: fmt.Sprintf("query table %s", assertion.Table),
			Actual:   fmt.Sprintf("query error: %v", err),
		}
	}
	count, _ := v.(int64)

	if count != int64(assertion.Count) {
		return &AssertionError{
			Type:     AssertRowCount,
			Expected: fmt.Sprintf("%d rows in %s where %s", assertion.Count, assertion.Table, formatWhereClause(assertion.Where)),
			Actual:   fmt.Sprintf("%d rows", count),
		}
	}
	return nil
}

// buildWhereClause constructs parameterized WHERE clause from assertion.Where.
// Returns SQL fragment, arguments slice, and error. Keys are sorted for determinism.
//
// Security: Column names are validated against a whitelist pattern to prevent
// SQL injection via identifier interpolation.
func buildWhereClause(where map[string]any) (string, []any, error) {
	if len(where) == 0 {
		return "", nil, nil
	}

	keys := make([]string, 0, len(where))
	for k := range where {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	clauses := make([]string, 0, len(keys))
	args := make([]any, 0, len(keys))

	for _, key := range keys {
		if !validIdentifier.MatchString(key) {
			return "", nil, fmt.Errorf("invalid column name %q in where clause: must match pattern %s", key, validIdentifier.String())
		}
		if where[key] == nil {
			clauses = append(clauses, fmt.Sprintf("%q IS NULL", key))
			continue
		}
		clauses = append(clauses, fmt.Sprintf("%q = ?", key))
		args = append(args, where[key])
	}

	return strings.Join(clauses, " AND "), args, nil
}

// formatWhereClause creates a human-readable description of WHERE conditions.
func formatWhereClause(where map[string]any) string {
	if len(where) == 0 {
		return "(no conditions)"
	}

	keys := make([]string, 0, len(where))
	for k := range where {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s=%v", k, where[k]))
	}
	return strings.Join(parts, " AND ")
}

// AssertionContext provides context for evaluating assertions.
type AssertionContext struct {
	Capsule *capsule.Capsule
	Ctx     context.Context
}

// EvaluateAssertions evaluates all assertions against the result.
// Returns a slice of error messages for failed assertions.
// The actx parameter provides database access for row_count assertions.
func EvaluateAssertions(result *Result, assertions []Assertion, actx *AssertionContext) []string {
	var errors []string

	for i, assertion := range assertions {
		var err error

		switch assertion.Type {
		case AssertEventCount:
			err = assertEventCount(result.Trace, assertion)
		case AssertEventOrder:
			err = assertEventOrder(result.Trace, assertion)
		case AssertRowCount:
			if actx == nil || actx.Capsule == nil {
				err = fmt.Errorf("assertion[%d]: row_count requires database context", i)
			} else {
				err = assertRowCount(actx.Ctx, actx.Capsule, assertion)
			}
		default:
			err = fmt.Errorf("assertion[%d]: unknown assertion type %q", i, assertion.Type)
		}

		if err != nil {
			errors = append(errors, err.Error())
		}
	}

	return errors
}
