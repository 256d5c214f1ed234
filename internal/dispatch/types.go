package dispatch

import (
	"context"

	"github.com/splendidbits/pushservices/internal/models"
)

// UpdatedRecipient pairs a recipient whose device token was rotated by
// the platform with its replacement. The old recipient is already marked
// complete when the pair is reported.
type UpdatedRecipient struct {
	Old *models.Recipient
	New *models.Recipient
}

// FailedRecipient carries a recipient together with the platform failure
// that retired or deferred it.
type FailedRecipient struct {
	Recipient *models.Recipient
	Failure   *models.PlatformFailure
}

// Response receives the outcome of a dispatch attempt. Exactly one of
// the two callbacks fires per dispatched message, after every batch has
// been reconciled.
type Response interface {
	// MessageOutcome reports the per-recipient result of a delivery
	// attempt. Recipients in retry have already been scheduled for
	// their next attempt; recipients in failed are terminal.
	MessageOutcome(message *models.Message, completed []*models.Recipient,
		failed []FailedRecipient, updated []UpdatedRecipient, retry []FailedRecipient)

	// MessageFailure reports that the message as a whole could not be
	// delivered, before or after contacting the platform.
	MessageFailure(message *models.Message, failure *models.PlatformFailure)
}

// PlatformDispatcher sends one message to its provider. Implementations
// run asynchronously: Dispatch returns once the attempt is scheduled and
// the outcome arrives later through resp.
type PlatformDispatcher interface {
	Dispatch(ctx context.Context, message *models.Message, resp Response)
}
