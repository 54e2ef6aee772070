// Package store provides the persistent store gateway used by every
// coordination component. The Store interface covers per-collection
// CRUD, typed filter operators, and ExecuteAtomic, which applies an
// ordered operation list as one store-native multi-document transaction.
//
// Two backends are provided:
//
//   - Mongo: the production backend. Transactions run with snapshot
//     read concern and majority write concern; transient conflicts and
//     ambiguous commit acknowledgements are surfaced as retryable
//     structured errors for the transaction coordinator to retry.
//   - Memory: an in-process backend for tests and single-process use.
//     It emulates atomicity by restoring a snapshot on failure and
//     supports failure injection for atomicity tests.
//
// Components never bypass the gateway; ownership of all entities lies
// with the store.
package store
