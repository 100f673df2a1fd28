// Package harness runs capsule scenarios and records the change events
// their watchers receive.
//
// # Scenario Format
//
// Scenarios are defined in YAML files with the following structure:
//
//	name: scenario_name
//	description: "What this scenario validates"
//	tables:
//	  - name: tasks
//	    watch: true
//	    columns:
//	      - { name: title, type: TEXT }
//	watchers:
//	  - { name: all, table: tasks }
//	  - { name: inserts, table: tasks, filter: 'operation == "INSERT"' }
//	steps:
//	  - { op: insert, table: tasks, data: { title: a } }
//	  - op: transaction
//	    steps:
//	      - { op: update, table: tasks, id: 1, data: { title: b } }
//	  - { op: delete, table: tasks, id: 7, expect_error: NOT_FOUND }
//	assertions:
//	  - { type: event_count, watcher: inserts, count: 1 }
//	  - { type: event_order, events: ["tasks:INSERT", "tasks:UPDATE"] }
//	  - { type: row_count, table: tasks, where: { title: b }, count: 1 }
//
// # Assertion Types
//
//   - event_count: number of trace events, narrowed by watcher, table, operation
//   - event_order: events appear in the given order, gaps allowed
//   - row_count: number of rows in a table, narrowed by column equality
//
// # Deterministic Testing
//
// Every run uses a fresh capsule with a frozen clock and sequential ids,
// and the trace is ordered by change sequence then watcher declaration
// order, so identical scenarios produce byte-identical golden traces.
package harness
