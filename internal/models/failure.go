package models

import "time"

// FailureType classifies a provider-reported delivery failure.
// Fatal types terminally fail a recipient; non-fatal types schedule a retry.
type FailureType string

const (
	FailurePlatformAuthInvalid    FailureType = "PLATFORM_AUTH_INVALID"
	FailurePlatformAuthMismatched FailureType = "PLATFORM_AUTH_MISMATCHED"
	FailurePlatformLimitExceeded  FailureType = "PLATFORM_LIMIT_EXCEEDED"
	FailureTemporarilyUnavailable FailureType = "TEMPORARILY_UNAVAILABLE"
	FailureMessageTooLarge        FailureType = "MESSAGE_TOO_LARGE"
	FailureRegistrationsMissing   FailureType = "MESSAGE_REGISTRATIONS_MISSING"
	FailurePackageInvalid         FailureType = "MESSAGE_PACKAGE_INVALID"
	FailurePayloadInvalid         FailureType = "MESSAGE_PAYLOAD_INVALID"
	FailureTTLInvalid             FailureType = "MESSAGE_TTL_INVALID"
	FailureRegistrationInvalid    FailureType = "RECIPIENT_REGISTRATION_INVALID"
	FailureNotRegistered          FailureType = "RECIPIENT_NOT_REGISTERED"
	FailureRateExceeded           FailureType = "RECIPIENT_RATE_EXCEEDED"
	FailureUnknown                FailureType = "ERROR_UNKNOWN"
)

var nonFatalFailures = map[FailureType]bool{
	FailurePlatformLimitExceeded:  true,
	FailureTemporarilyUnavailable: true,
	FailureRateExceeded:           true,
}

// IsFatal reports whether the failure should terminally fail a recipient
// instead of scheduling a retry.
func (f FailureType) IsFatal() bool {
	return !nonFatalFailures[f]
}

// PlatformFailure is a typed, timestamped failure record attached to a
// recipient (or raised for a whole message).
type PlatformFailure struct {
	ID       int64
	Type     FailureType
	Message  string
	FailTime time.Time
}

// NewPlatformFailure stamps a failure record with the given time.
func NewPlatformFailure(t FailureType, msg string, at time.Time) *PlatformFailure {
	return &PlatformFailure{Type: t, Message: msg, FailTime: at}
}

// IsFatal reports whether the recorded failure type is terminal.
// A nil or untyped failure counts as non-fatal.
func (f *PlatformFailure) IsFatal() bool {
	if f == nil || f.Type == "" {
		return false
	}
	return f.Type.IsFatal()
}

func (f *PlatformFailure) snapshot() *PlatformFailure {
	if f == nil {
		return nil
	}
	cp := *f
	return &cp
}
