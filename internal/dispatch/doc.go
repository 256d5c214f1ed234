// Package dispatch defines the contract between the task queue and the
// platform-specific senders. A dispatcher receives a message snapshot,
// talks to the provider endpoint, and reports the sorted recipient
// outcomes back through the Response callback. Dispatchers never mutate
// recipient state themselves beyond the retry bookkeeping helpers in
// models; ownership of persistence and listener notification stays with
// the queue.
package dispatch
