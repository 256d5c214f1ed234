package models

// PlatformType identifies the upstream push provider account type.
type PlatformType string

const (
	PlatformGCM  PlatformType = "GCM"
	PlatformAPNS PlatformType = "APNS"
)

// URL returns the provider endpoint messages for this platform are POSTed to.
func (p PlatformType) URL() string {
	switch p {
	case PlatformGCM:
		return "https://fcm.googleapis.com/fcm/send"
	case PlatformAPNS:
		return "https://gateway.sandbox.push.apple.com"
	default:
		return ""
	}
}

// RecipientState is the per-recipient delivery lifecycle.
//
// IDLE -> PROCESSING -> {COMPLETE | FAILED | WAITING_RETRY}
// WAITING_RETRY -> PROCESSING (cooling-off elapsed)
// WAITING_RETRY -> FAILED (attempts exhausted)
//
// COMPLETE and FAILED are terminal. An empty state counts as pending.
type RecipientState string

const (
	StateIdle         RecipientState = "IDLE"
	StateProcessing   RecipientState = "PROCESSING"
	StateWaitingRetry RecipientState = "WAITING_RETRY"
	StateComplete     RecipientState = "COMPLETE"
	StateFailed       RecipientState = "FAILED"
)

// MessagePriority maps onto the provider's delivery priority knob.
type MessagePriority string

const (
	PriorityLow    MessagePriority = "low"
	PriorityNormal MessagePriority = "normal"
	PriorityHigh   MessagePriority = "high"
)

// Task priorities. Higher value is served first.
const (
	TaskPriorityLow    = 1
	TaskPriorityMedium = 5
	TaskPriorityHigh   = 10
)
