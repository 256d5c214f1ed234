package models

import "fmt"

// ValidationError describes a malformed task, message or credentials set.
// Validation failures are rejected before persistence and never retried.
type ValidationError struct {
	Reason string
}

func (e *ValidationError) Error() string {
	return "pushservices: validation: " + e.Reason
}

func newValidationError(format string, args ...any) *ValidationError {
	return &ValidationError{Reason: fmt.Sprintf(format, args...)}
}

// VerifyMessage checks a single message for fatal construction problems.
// Client-supplied identities are rejected: a message and its subtree are
// created atomically by the store.
func VerifyMessage(m *Message) error {
	if m == nil {
		return newValidationError("message is nil")
	}
	if m.ID != 0 {
		return newValidationError("message.id must be unset before first save")
	}
	if m.Credentials == nil {
		return newValidationError("message is missing a credentials model")
	}
	if m.Credentials.ID != 0 {
		return newValidationError("credentials.id must be unset before first save")
	}
	if m.Credentials.Platform == "" {
		return newValidationError("credentials is missing a platform type")
	}
	if m.Credentials.AuthKey == "" && m.Credentials.CertBody == "" {
		return newValidationError("credentials has no auth key or certificate body")
	}
	if len(m.Recipients) == 0 {
		return newValidationError("message has no recipients")
	}
	for _, r := range m.Recipients {
		if r.ID != 0 {
			return newValidationError("recipient.id must be unset before first save")
		}
		if r.Token == "" {
			return newValidationError("recipient has no device token")
		}
		if r.Failure != nil {
			return newValidationError("recipient must not carry a failure before dispatch")
		}
	}
	return nil
}

// VerifyTask checks a full task subtree before submission: every message must
// pass VerifyMessage, no entity may carry a persisted identity, and at least
// one message must have a pending recipient.
func VerifyTask(t *Task) error {
	if t == nil {
		return newValidationError("task is nil")
	}
	if t.ID != 0 {
		return newValidationError("task.id must be unset before first save")
	}
	if len(t.Messages) == 0 {
		return newValidationError("task contains no messages")
	}

	anyPending := false
	for _, m := range t.Messages {
		if err := VerifyMessage(m); err != nil {
			return err
		}
		for _, r := range m.Recipients {
			if IsRecipientPending(r) {
				anyPending = true
			}
		}
	}
	if !anyPending {
		return newValidationError("no message in task has a pending recipient")
	}
	return nil
}
