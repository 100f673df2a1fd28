package harness

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/roach88/capsule/internal/ir"
)

// Scenario defines a capsule test scenario: a schema, a set of watchers,
// a sequence of writes and the assertions that must hold over the
// resulting change-event trace and final table contents.
type Scenario struct {
	// Name uniquely identifies this scenario. It also names the golden file.
	Name string `yaml:"name"`

	// Description explains what this scenario validates.
	Description string `yaml:"description,omitempty"`

	// Tables are created, in order, before any watcher is registered.
	Tables []ir.TableDef `yaml:"tables"`

	// Watchers are registered after the tables and before the first step.
	Watchers []WatcherDef `yaml:"watchers,omitempty"`

	// Steps are executed in order. Deliveries are flushed after each one.
	Steps []Step `yaml:"steps"`

	// Assertions validate the trace and final state.
	// Supported types: event_count, row_count, event_order
	Assertions []Assertion `yaml:"assertions,omitempty"`
}

// WatcherDef declares one watcher. Name doubles as the watcher id in the
// trace.
type WatcherDef struct {
	Name   string `yaml:"name"`
	Table  string `yaml:"table"`
	Filter string `yaml:"filter,omitempty"`
}

// Step is one write, or a transaction grouping nested writes.
type Step struct {
	// Op is one of insert, update, delete, transaction.
	Op string `yaml:"op"`

	Table string         `yaml:"table,omitempty"`
	ID    int64          `yaml:"id,omitempty"`
	Data  map[string]any `yaml:"data,omitempty"`

	// Steps are the writes of a transaction step.
	Steps []Step `yaml:"steps,omitempty"`

	// ExpectError names the error kind the step must fail with, e.g.
	// CONSTRAINT. Only meaningful on top-level steps.
	ExpectError string `yaml:"expect_error,omitempty"`
}

// Step operations.
const (
	OpInsert      = "insert"
	OpUpdate      = "update"
	OpDelete      = "delete"
	OpTransaction = "transaction"
)

// Assertion validates the trace or final state.
type Assertion struct {
	// Type specifies the assertion type:
	// - "event_count": number of trace events, optionally narrowed by
	//   watcher, table and operation
	// - "row_count": number of rows in table, optionally narrowed by where
	// - "event_order": events appear in the given order
	Type string `yaml:"type"`

	Watcher   string `yaml:"watcher,omitempty"`
	Table     string `yaml:"table,omitempty"`
	Operation string `yaml:"operation,omitempty"`

	// Where holds column equality filters (used by row_count).
	Where map[string]any `yaml:"where,omitempty"`

	// Count is the expected number (used by event_count and row_count).
	Count int `yaml:"count"`

	// Events is the expected order as "table:OPERATION" keys (used by
	// event_order). Intervening events are allowed.
	Events []string `yaml:"events,omitempty"`
}

// Assertion type constants.
const (
	AssertEventCount = "event_count"
	AssertRowCount   = "row_count"
	AssertEventOrder = "event_order"
)

var errorKinds = map[string]ir.ErrorKind{
	string(ir.KindValidation):       ir.KindValidation,
	string(ir.KindNotFound):         ir.KindNotFound,
	string(ir.KindConstraint):       ir.KindConstraint,
	string(ir.KindTimeout):          ir.KindTimeout,
	string(ir.KindResourceExceeded): ir.KindResourceExceeded,
	string(ir.KindSync):             ir.KindSync,
	string(ir.KindScript):           ir.KindScript,
	string(ir.KindPermission):       ir.KindPermission,
	string(ir.KindState):            ir.KindState,
}

// LoadScenario reads and parses a scenario YAML file.
// Returns an error if the file doesn't exist, is malformed,
// contains unknown fields (typos), or is missing required fields.
func LoadScenario(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read scenario file: %w", err)
	}
	return ParseScenario(data)
}

// ParseScenario parses and validates scenario YAML.
func ParseScenario(data []byte) (*Scenario, error) {
	var scenario Scenario
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true) // Reject unknown fields
	if err := decoder.Decode(&scenario); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}

	if err := validateScenario(&scenario); err != nil {
		return nil, fmt.Errorf("invalid scenario: %w", err)
	}

	return &scenario, nil
}

// FindScenarios returns the .yaml and .yml files directly under dir whose
// base name matches the glob filter, sorted. An empty filter matches all.
func FindScenarios(dir, filter string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read scenarios: %w", err)
	}

	var files []string
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		name := entry.Name()
		ext := filepath.Ext(name)
		if ext != ".yaml" && ext != ".yml" {
			continue
		}
		if filter != "" {
			matched, err := filepath.Match(filter, strings.TrimSuffix(name, ext))
			if err != nil {
				return nil, fmt.Errorf("invalid filter %q: %w", filter, err)
			}
			if !matched {
				continue
			}
		}
		files = append(files, filepath.Join(dir, name))
	}
	sort.Strings(files)
	return files, nil
}

// validateScenario checks that required fields are present and valid.
func validateScenario(s *Scenario) error {
	if s.Name == "" {
		return fmt.Errorf("name is required")
	}

	if len(s.Tables) == 0 {
		return fmt.Errorf("tables list is required and must be non-empty")
	}

	if len(s.Steps) == 0 {
		return fmt.Errorf("steps list is required and must be non-empty")
	}

	tables := make(map[string]bool, len(s.Tables))
	for i, def := range s.Tables {
		if def.Name == "" {
			return fmt.Errorf("tables[%d]: name is required", i)
		}
		tables[def.Name] = true
	}

	watchers := make(map[string]bool, len(s.Watchers))
	for i, w := range s.Watchers {
		if w.Name == "" {
			return fmt.Errorf("watchers[%d]: name is required", i)
		}
		if watchers[w.Name] {
			return fmt.Errorf("watchers[%d]: duplicate name %q", i, w.Name)
		}
		if !tables[w.Table] {
			return fmt.Errorf("watchers[%d]: table %q is not declared", i, w.Table)
		}
		watchers[w.Name] = true
	}

	for i, step := range s.Steps {
		if err := validateStep(fmt.Sprintf("steps[%d]", i), step); err != nil {
			return err
		}
	}

	for i, assertion := range s.Assertions {
		if err := validateAssertion(i, &assertion, watchers); err != nil {
			return err
		}
	}

	return nil
}

func validateStep(path string, step Step) error {
	if step.ExpectError != "" {
		if _, ok := errorKinds[step.ExpectError]; !ok {
			return fmt.Errorf("%s: unknown error kind %q", path, step.ExpectError)
		}
	}

	switch step.Op {
	case OpInsert:
		if step.Table == "" {
			return fmt.Errorf("%s: table is required for insert", path)
		}
	case OpUpdate:
		if step.Table == "" || step.ID <= 0 {
			return fmt.Errorf("%s: table and a positive id are required for update", path)
		}
	case OpDelete:
		if step.Table == "" || step.ID <= 0 {
			return fmt.Errorf("%s: table and a positive id are required for delete", path)
		}
	case OpTransaction:
		if len(step.Steps) == 0 {
			return fmt.Errorf("%s: transaction requires nested steps", path)
		}
		for i, nested := range step.Steps {
			nestedPath := fmt.Sprintf("%s.steps[%d]", path, i)
			if nested.ExpectError != "" {
				return fmt.Errorf("%s: expect_error is only allowed on top-level steps", nestedPath)
			}
			if err := validateStep(nestedPath, nested); err != nil {
				return err
			}
		}
	case "":
		return fmt.Errorf("%s: op is required", path)
	default:
		return fmt.Errorf("%s: unknown op %q", path, step.Op)
	}

	return nil
}

// validateAssertion validates a single assertion based on its type.
func validateAssertion(index int, a *Assertion, watchers map[string]bool) error {
	if a.Type == "" {
		return fmt.Errorf("assertions[%d]: type is required", index)
	}
	if a.Watcher != "" && !watchers[a.Watcher] {
		return fmt.Errorf("assertions[%d]: watcher %q is not declared", index, a.Watcher)
	}

	switch a.Type {
	case AssertEventCount:
		if a.Count < 0 {
			return fmt.Errorf("assertions[%d]: count must be non-negative for event_count", index)
		}
	case AssertRowCount:
		if a.Table == "" {
			return fmt.Errorf("assertions[%d]: table is required for row_count", index)
		}
		if a.Count < 0 {
			return fmt.Errorf("assertions[%d]: count must be non-negative for row_count", index)
		}
	case AssertEventOrder:
		if len(a.Events) == 0 {
			return fmt.Errorf("assertions[%d]: events list is required for event_order", index)
		}
		for _, key := range a.Events {
			if !strings.Contains(key, ":") {
				return fmt.Errorf("assertions[%d]: event %q must look like table:OPERATION", index, key)
			}
		}
	default:
		return fmt.Errorf("assertions[%d]: unknown assertion type %q", index, a.Type)
	}

	return nil
}
