package ir

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

// Domain prefixes for checksums.
// Version suffix enables future algorithm migration.
const (
	DomainSyncBatch = "capsule/sync-batch/v1"
)

// hashWithDomain computes SHA-256 hash with domain separation.
// Format: SHA256(domain + 0x00 + data)
// The null byte (0x00) separator prevents domain/data boundary ambiguity.
func hashWithDomain(domain string, data []byte) string {
	h := sha256.New()
	h.Write([]byte(domain))
	h.Write([]byte{0x00})
	h.Write(data)
	return hex.EncodeToString(h.Sum(nil))
}

// BatchChecksum computes the checksum sent with a push batch.
//
// The checksum covers the identity and content of every entry in batch
// order, so a remote can detect tampered, truncated or reordered batches.
// Sync bookkeeping fields (synced, syncAttempt) are excluded because they
// change between retries of the same batch.
func BatchChecksum(changes []ChangeLogEntry) (string, error) {
	arr := make([]any, len(changes))
	for i, c := range changes {
		arr[i] = map[string]any{
			"id":        c.ID,
			"tableName": c.TableName,
			"operation": string(c.Operation),
			"rowId":     c.RowID,
			"data":      map[string]any(c.Data),
			"timestamp": c.Timestamp,
		}
	}

	canonical, err := MarshalCanonical(arr)
	if err != nil {
		return "", fmt.Errorf("BatchChecksum: failed to marshal: %w", err)
	}
	return hashWithDomain(DomainSyncBatch, canonical), nil
}

// VerifyBatchChecksum recomputes the checksum of changes and compares it
// with want.
func VerifyBatchChecksum(changes []ChangeLogEntry, want string) (bool, error) {
	got, err := BatchChecksum(changes)
	if err != nil {
		return false, err
	}
	return got == want, nil
}
