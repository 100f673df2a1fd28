// Package syncengine replicates local capsule mutations to one remote
// endpoint and applies remote mutations locally.
//
// Every API write to a user table is recorded in _sync_changelog by a
// capsule mutation hook, in the same transaction as the write. Push sends
// the unsynced entries as one checksummed batch; Pull applies the remote
// entries recorded since the last sync, resolving conflicts with local
// unsynced entries through a Strategy. Delivery is at-least-once: a batch
// that fails is resent in full on the next push.
//
// Wire protocol (JSON):
//
//	POST {endpoint}/push  {version, timestamp, deviceId, changes, checksum}
//	GET  {endpoint}/pull?since=<ms>&device=<id>  ->  {changes}
package syncengine
