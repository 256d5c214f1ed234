package taskqueue

import (
	"time"

	"github.com/splendidbits/pushservices/internal/dispatch"
	"github.com/splendidbits/pushservices/internal/models"
)

// Listener receives delivery progress for the messages of one submitted
// task. Callbacks run on dispatcher completion goroutines; implementations
// must not block for long.
type Listener interface {
	// OnUpdatedRecipients reports recipients whose device token was
	// rotated by the provider. The caller should persist the new tokens.
	OnUpdatedRecipients(pairs []dispatch.UpdatedRecipient)

	// OnFailedRecipients reports recipients that terminally failed.
	OnFailedRecipients(recipients []dispatch.FailedRecipient)

	// OnMessageCompleted fires once, after every recipient of the
	// message has reached a terminal state with no retries outstanding.
	OnMessageCompleted(message *models.Message)

	// OnMessageFailed fires when the message as a whole failed.
	OnMessageFailed(message *models.Message, failure *models.PlatformFailure)
}

// Config controls the delivery pipeline.
type Config struct {
	// QueueSize caps the staging and processing queues. Defaults to 5000.
	QueueSize int

	// Throttle is the pause after each pipeline transfer. Defaults to 500ms.
	Throttle time.Duration

	// SweepEvery is the period of the pending-message recovery sweep.
	// Defaults to one minute.
	SweepEvery time.Duration
}

func (c *Config) normalize() {
	if c.QueueSize <= 0 {
		c.QueueSize = 5000
	}
	if c.Throttle <= 0 {
		c.Throttle = 500 * time.Millisecond
	}
	if c.SweepEvery <= 0 {
		c.SweepEvery = time.Minute
	}
}

// Snapshot is a lightweight view for diagnostics.
type Snapshot struct {
	Staged     int
	Processing int
	Active     int
	Dropped    uint64
	Throttle   time.Duration
}
