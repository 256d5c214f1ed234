package gcm

import (
	"strings"

	"github.com/splendidbits/pushservices/internal/models"
)

// Provider error strings, as returned in a result slot's error field.
const (
	errMissingRegistration = "MissingRegistration"
	errInvalidRegistration = "InvalidRegistration"
	errNotRegistered       = "NotRegistered"
	errDeviceRateExceeded  = "DeviceMessageRate Exceeded"
	errInvalidPackageName  = "InvalidPackageName"
	errMismatchSenderID    = "MismatchSenderId"
	errMessageTooBig       = "MessageTooBig"
	errInvalidDataKey      = "InvalidDataKey"
	errInvalidTTL          = "InvalidTtl"
	errDeviceMessageRate   = "DeviceMessageRate"
	errUnavailable         = "Unavailable"
)

// FailureTypeForError maps a provider error string onto a failure type.
// Errors mentioning authentication override the table.
func FailureTypeForError(err string) models.FailureType {
	if strings.Contains(err, "401") || strings.Contains(err, "Authentication") {
		return models.FailurePlatformAuthInvalid
	}

	switch err {
	case errMissingRegistration:
		return models.FailureRegistrationsMissing
	case errInvalidRegistration:
		return models.FailureRegistrationInvalid
	case errNotRegistered:
		return models.FailureNotRegistered
	case errDeviceRateExceeded:
		return models.FailureRateExceeded
	case errInvalidPackageName:
		return models.FailurePackageInvalid
	case errMismatchSenderID:
		return models.FailurePlatformAuthMismatched
	case errMessageTooBig:
		return models.FailureMessageTooLarge
	case errInvalidDataKey:
		return models.FailurePayloadInvalid
	case errInvalidTTL:
		return models.FailureTTLInvalid
	case errDeviceMessageRate:
		return models.FailurePlatformLimitExceeded
	case errUnavailable:
		return models.FailureTemporarilyUnavailable
	default:
		return models.FailureUnknown
	}
}

// ErrorNameForFailure is the reverse mapping, used when the dispatcher
// raises a failure itself and wants the provider-style name on record.
func ErrorNameForFailure(t models.FailureType) string {
	switch t {
	case models.FailureRegistrationsMissing:
		return errMissingRegistration
	case models.FailureRegistrationInvalid:
		return errInvalidRegistration
	case models.FailureNotRegistered:
		return errNotRegistered
	case models.FailureRateExceeded:
		return errDeviceRateExceeded
	case models.FailurePackageInvalid:
		return errInvalidPackageName
	case models.FailurePlatformAuthMismatched:
		return errMismatchSenderID
	case models.FailureMessageTooLarge:
		return errMessageTooBig
	case models.FailurePayloadInvalid:
		return errInvalidDataKey
	case models.FailureTTLInvalid:
		return errInvalidTTL
	case models.FailurePlatformLimitExceeded:
		return errDeviceMessageRate
	case models.FailureTemporarilyUnavailable:
		return errUnavailable
	case models.FailurePlatformAuthInvalid:
		return "401 Authentication Error"
	default:
		return "Unknown Error"
	}
}
