package models

import "sort"

const (
	defaultTTLSeconds  = 60 * 60 * 24 * 7 // one week
	defaultCollapseKey = "default_collapse"
	defaultMaxRetries  = 3
)

// MessageBuilder assembles a Message from device tokens, payload data and
// provider credentials. Build validates the result; a message that fails
// validation is never handed to the queue.
type MessageBuilder struct {
	credentials    *Credentials
	tokens         map[string]struct{}
	data           map[string]string
	priority       MessagePriority
	ttlSeconds     int
	delayWhileIdle bool
	dryRun         bool
	collapseKey    string
	maxRetries     int
}

func NewMessageBuilder() *MessageBuilder {
	return &MessageBuilder{
		tokens:         map[string]struct{}{},
		data:           map[string]string{},
		priority:       PriorityLow,
		ttlSeconds:     defaultTTLSeconds,
		delayWhileIdle: true,
		maxRetries:     defaultMaxRetries,
	}
}

// AddDeviceTokens adds device tokens to the recipient set. Duplicates are
// collapsed.
func (b *MessageBuilder) AddDeviceTokens(tokens ...string) *MessageBuilder {
	for _, t := range tokens {
		if t != "" {
			b.tokens[t] = struct{}{}
		}
	}
	return b
}

// AddData adds one payload key/value pair.
func (b *MessageBuilder) AddData(key, value string) *MessageBuilder {
	if key != "" {
		b.data[key] = value
	}
	return b
}

// SetData replaces the payload map.
func (b *MessageBuilder) SetData(data map[string]string) *MessageBuilder {
	b.data = map[string]string{}
	for k, v := range data {
		b.AddData(k, v)
	}
	return b
}

// SetCredentials attaches a copy of the provider credentials. The caller's
// value is not retained.
func (b *MessageBuilder) SetCredentials(c Credentials) *MessageBuilder {
	cp := c
	cp.ID = 0
	b.credentials = &cp
	return b
}

// SetPriority sets the provider delivery priority.
func (b *MessageBuilder) SetPriority(p MessagePriority) *MessageBuilder {
	b.priority = p
	return b
}

// SetTTLSeconds sets how long the provider keeps an undelivered message.
// Default is one week.
func (b *MessageBuilder) SetTTLSeconds(ttl int) *MessageBuilder {
	b.ttlSeconds = ttl
	return b
}

// SetCollapseKey sets the provider-side deduplication key. A newer message
// with the same key supersedes an older undelivered one.
func (b *MessageBuilder) SetCollapseKey(key string) *MessageBuilder {
	b.collapseKey = key
	return b
}

// SetDryRun asks the provider to validate the request without delivering.
func (b *MessageBuilder) SetDryRun(dryRun bool) *MessageBuilder {
	b.dryRun = dryRun
	return b
}

// SetDelayWhileIdle allows delivery to wait until the device is active.
func (b *MessageBuilder) SetDelayWhileIdle(delay bool) *MessageBuilder {
	b.delayWhileIdle = delay
	return b
}

// SetMaxRetries bounds soft-failure redelivery attempts per recipient.
// Default is 3.
func (b *MessageBuilder) SetMaxRetries(n int) *MessageBuilder {
	b.maxRetries = n
	return b
}

// Build assembles and validates the message. It returns a ValidationError
// when credentials or recipients are missing or malformed.
func (b *MessageBuilder) Build() (*Message, error) {
	m := &Message{
		CollapseKey:    b.collapseKey,
		Priority:       b.priority,
		TTLSeconds:     b.ttlSeconds,
		DelayWhileIdle: b.delayWhileIdle,
		DryRun:         b.dryRun,
		MaxRetries:     b.maxRetries,
		Credentials:    b.credentials.snapshot(),
	}
	if m.CollapseKey == "" {
		m.CollapseKey = defaultCollapseKey
	}

	// Stable recipient and payload order keeps batching deterministic.
	tokens := make([]string, 0, len(b.tokens))
	for t := range b.tokens {
		tokens = append(tokens, t)
	}
	sort.Strings(tokens)
	for _, t := range tokens {
		m.AddRecipient(NewRecipient(t))
	}

	keys := make([]string, 0, len(b.data))
	for k := range b.data {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		m.Payload = append(m.Payload, PayloadElement{Key: k, Value: b.data[k]})
	}

	if err := VerifyMessage(m); err != nil {
		return nil, err
	}
	return m, nil
}
