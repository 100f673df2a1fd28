// Package capsule implements the Active Capsule: an embedded SQLite store
// with trigger-based change capture and batched delivery to watchers.
//
// Every API mutation runs in a transaction. AFTER triggers on watched
// tables append one row per mutation to _capsule_changes in that same
// transaction, so a committed write always has its change row and a
// rolled-back write never does. A single poll goroutine reads unseen
// change rows and hands them to matching watchers in insertion order.
//
// The store uses one SQLite connection. Capsule operations serialize on
// it and Transaction holds it for its duration, so code running inside a
// transaction must use the *Tx it was given, never the *Capsule.
package capsule
