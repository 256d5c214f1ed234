package models

import "time"

// Cooling-off grows linearly: two minutes per completed attempt.
const retryBackoffPerAttempt = 2 * time.Minute

// IsRecipientPending reports whether the recipient still needs a delivery
// attempt. An unset state counts as pending.
func IsRecipientPending(r *Recipient) bool {
	if r == nil {
		return false
	}
	switch r.State {
	case "", StateIdle, StateProcessing, StateWaitingRetry:
		return true
	default:
		return false
	}
}

// IsRecipientCoolingOff reports whether the recipient is waiting for a retry
// whose next-attempt time is still strictly in the future.
func IsRecipientCoolingOff(r *Recipient, now time.Time) bool {
	if r == nil {
		return false
	}
	return r.State == StateWaitingRetry && !r.NextAttempt.IsZero() && r.NextAttempt.After(now)
}

// ScheduleRecipientRetry moves a recipient into WAITING_RETRY with a linear
// cool-down, or terminally fails it once the attempt budget is spent.
// The attempt counter is incremented before the next-attempt computation, so
// the first retry cools off for two minutes, the second for four, and so on.
func ScheduleRecipientRetry(r *Recipient, maxRetries int, now time.Time) {
	if r == nil {
		return
	}
	if r.SendAttempts >= maxRetries {
		r.State = StateFailed
		r.NextAttempt = time.Time{}
		return
	}
	r.SendAttempts++
	r.State = StateWaitingRetry
	r.NextAttempt = now.Add(time.Duration(r.SendAttempts) * retryBackoffPerAttempt)
}

// IsMessageComplete reports whether no recipient of the message is pending.
func IsMessageComplete(m *Message) bool {
	if m == nil {
		return true
	}
	for _, r := range m.Recipients {
		if IsRecipientPending(r) {
			return false
		}
	}
	return true
}

// HasReadyRecipients reports whether at least one recipient is pending, not
// cooling off, and within the message's retry budget. It returns a
// ValidationError if any recipient carries an empty token.
func HasReadyRecipients(m *Message, now time.Time) (bool, error) {
	if m == nil {
		return false, nil
	}
	ready := 0
	for _, r := range m.Recipients {
		if r.Token == "" {
			return false, newValidationError("recipient has no device token")
		}
		if IsRecipientPending(r) && !IsRecipientCoolingOff(r, now) && r.SendAttempts <= m.MaxRetries {
			ready++
		}
	}
	return ready > 0, nil
}

// FailMessage terminally fails every recipient of the message, attaching the
// failure record to recipients that do not already carry one.
func FailMessage(m *Message, failure *PlatformFailure) {
	if m == nil {
		return
	}
	for _, r := range m.Recipients {
		r.State = StateFailed
		if r.Failure == nil && failure != nil {
			r.Failure = failure.snapshot()
		}
	}
}
