// Package id generates identifiers for captured requests.
//
// Two formats are available through the Generator interface:
//
//   - ULID: 26-character, lexicographically sortable identifiers. Ids produced by
//     one ULIDGenerator are strictly increasing, even within the same millisecond.
//   - UUID: RFC 9562 version 7 UUIDs backed by github.com/google/uuid.
//
// Generators carry their own state; callers hold a Generator value instead of
// reaching for package-level functions. Randomness comes from crypto/rand.
//
// A duplicate id is a correctness bug, not a handled condition. The request store
// reports one as store.ErrDuplicateID.
package id
