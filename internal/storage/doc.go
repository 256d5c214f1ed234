// Package storage is the persistence gateway for push-services entities.
//
// The queue only depends on the Store interface. Two backends exist:
//   - "sqlite": a SQLite database file (default for the daemon)
//   - "memory": process-local, for tests and embedded use
//
// Every save and delete cascades through the full entity subtree
// (Task -> Message -> Recipient -> PlatformFailure, Message -> Credentials,
// Message -> PayloadElement) inside one transaction.
package storage
