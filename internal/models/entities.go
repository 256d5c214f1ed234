package models

import "time"

// Task is a named, prioritized group of Messages submitted as one atomic
// unit. Identity must be unset until the store assigns it.
type Task struct {
	ID       int64
	Name     string
	Priority int
	AddedAt  time.Time
	Messages []*Message
}

// NewTask returns an empty low-priority task.
func NewTask(name string) *Task {
	return &Task{Name: name, Priority: TaskPriorityLow}
}

// AddMessage appends a message to the task.
func (t *Task) AddMessage(m *Message) {
	if m != nil {
		t.Messages = append(t.Messages, m)
	}
}

// Snapshot deep-copies the task and its whole subtree. The queue snapshots
// every submitted task so caller mutation cannot race with queued state.
func (t *Task) Snapshot() *Task {
	if t == nil {
		return nil
	}
	cp := *t
	cp.Messages = make([]*Message, 0, len(t.Messages))
	for _, m := range t.Messages {
		cp.Messages = append(cp.Messages, m.Snapshot())
	}
	return &cp
}

// Message is one push payload addressed to many recipients through one
// credentials set.
type Message struct {
	ID             int64
	TaskID         int64
	CollapseKey    string
	Priority       MessagePriority
	TTLSeconds     int
	DelayWhileIdle bool
	DryRun         bool
	MaxRetries     int
	SentAt         time.Time
	Credentials    *Credentials
	Payload        []PayloadElement
	Recipients     []*Recipient
}

// AddRecipient appends a recipient to the message.
func (m *Message) AddRecipient(r *Recipient) {
	if r != nil {
		m.Recipients = append(m.Recipients, r)
	}
}

// Snapshot deep-copies the message and its subtree.
func (m *Message) Snapshot() *Message {
	if m == nil {
		return nil
	}
	cp := *m
	cp.Credentials = m.Credentials.snapshot()
	cp.Payload = append([]PayloadElement(nil), m.Payload...)
	cp.Recipients = make([]*Recipient, 0, len(m.Recipients))
	for _, r := range m.Recipients {
		cp.Recipients = append(cp.Recipients, r.Snapshot())
	}
	return &cp
}

// Recipient is one device target of a message with its own retry state.
// SendAttempts counts completed attempts and starts at zero.
type Recipient struct {
	ID           int64
	MessageID    int64
	Token        string
	State        RecipientState
	SendAttempts int
	AddedAt      time.Time
	LastAttempt  time.Time
	NextAttempt  time.Time
	Failure      *PlatformFailure
}

// NewRecipient returns an IDLE recipient for a device token.
func NewRecipient(token string) *Recipient {
	return &Recipient{Token: token, State: StateIdle}
}

// Snapshot deep-copies the recipient.
func (r *Recipient) Snapshot() *Recipient {
	if r == nil {
		return nil
	}
	cp := *r
	cp.Failure = r.Failure.snapshot()
	return &cp
}

// Credentials is a provider account: platform type plus an auth key or a
// certificate body, and an optional package identifier.
type Credentials struct {
	ID         int64
	Platform   PlatformType
	AuthKey    string
	CertBody   string
	PackageURI string
}

func (c *Credentials) snapshot() *Credentials {
	if c == nil {
		return nil
	}
	cp := *c
	return &cp
}

// PayloadElement is one key/value pair of the message body.
type PayloadElement struct {
	Key   string
	Value string
}

// PayloadMap flattens the payload elements into a map for serialization.
func (m *Message) PayloadMap() map[string]string {
	out := make(map[string]string, len(m.Payload))
	for _, el := range m.Payload {
		out[el.Key] = el.Value
	}
	return out
}
