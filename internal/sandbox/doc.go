// Package sandbox runs untrusted Lua scripts against a capsule.
//
// A Sandbox owns one interpreter. Only an allowlisted subset of the
// standard library is reachable; everything else a script can do goes
// through the host tables registered at construction:
//
//	db        query, queryOne, queryScalar, get, insert, update, upsert,
//	          delete, insertMany, updateMany, deleteMany, transaction
//	events    dispatch, register, unregister
//	reactive  watch, unwatch
//	util      uuid, now
//	cache     set, get, delete
//	scheduler after, every, cancel
//	log       debug, info, warn, error
//
// Every call into the interpreter runs under the sandbox limits. Limits
// are enforced from an instruction-count hook, so a script cannot catch
// a tripped limit with pcall: once tripped, every further instruction
// raises again until control returns to the host.
//
// Callbacks registered by a script (bus handlers, watchers, timers) run
// asynchronously, one at a time, from a FIFO queue.
package sandbox
