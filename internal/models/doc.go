// Package models holds the push-services data model: tasks, messages,
// recipients, credentials and failures, together with the pure state
// helpers the queue and dispatchers share.
//
// Ownership contract:
//   - The task queue owns all recipient state transitions.
//   - Dispatchers only classify outcomes; they never persist.
//   - Entities handed to the queue are snapshotted at the submission
//     boundary, so callers may reuse or mutate their originals freely.
package models
