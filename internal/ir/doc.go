// Package ir provides the shared types of the Active Capsule.
//
// This package contains type definitions and pure helpers only. All other
// internal packages import ir; ir imports nothing internal. This keeps the
// data model the foundational layer with no circular dependencies.
//
// Key design constraints:
//   - Rows are plain column→value maps, normalized by NormalizeValue
//   - Change events and changelog entries are immutable once emitted
//   - Checksums use canonical JSON (MarshalCanonical) and SHA-256 with
//     domain separation, never encoding/json output
//   - Error kinds are classified with errors.As so wrapped errors keep
//     their category across package boundaries
package ir
