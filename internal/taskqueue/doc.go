// Package taskqueue is the delivery engine. It accepts validated tasks,
// persists them, and drives each message through a two-stage pipeline:
// a producer moves staged messages into a bounded processing queue at a
// throttled rate, and a consumer marks ready recipients as processing,
// persists, and hands the message to the platform dispatcher. Outcomes
// arrive asynchronously and are applied, persisted, and fanned out to
// the listener registered at submission.
//
// The queue exclusively owns recipient state transitions. Messages with
// recipients still cooling off circulate through the staging queue until
// their next-attempt time elapses; a periodic sweep re-adopts persisted
// pending messages that fell out of the in-memory queues (restart, queue
// overflow).
package taskqueue
