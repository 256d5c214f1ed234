// Package eventbus is a small in-memory fanout used to observe the
// delivery pipeline without coupling embedders to the queue internals.
package eventbus

import (
	"sync"
	"sync/atomic"
	"time"
)

// Message lifecycle event types published by the task queue.
const (
	TypeMessageQueued     = "message.queued"
	TypeMessageDispatched = "message.dispatched"
	TypeMessageCompleted  = "message.completed"
	TypeMessageFailed     = "message.failed"
	TypeMessageRequeued   = "message.requeued"
)

// MessageEvent is the Data payload for message lifecycle events.
type MessageEvent struct {
	TaskID     int64  `json:"task_id,omitempty"`
	MessageID  int64  `json:"message_id"`
	Recipients int    `json:"recipients,omitempty"`
	Retries    int    `json:"retries,omitempty"`
	Failure    string `json:"failure,omitempty"`
}

// Event is a lightweight, in-memory signal.
//
// Contract:
//   - Publish MUST be non-blocking.
//   - Subscribers MUST use buffered channels.
//   - Slow subscribers may drop events (bounded backpressure).
type Event struct {
	Type string
	Time time.Time
	Data any
}

type Bus interface {
	Publish(e Event)
	Subscribe(buffer int) (ch <-chan Event, unsubscribe func())
}

// New returns an in-memory fanout bus. It owns no background goroutines.
func New() Bus {
	return &memBus{subs: map[uint64]chan Event{}}
}

type memBus struct {
	mu   sync.RWMutex
	subs map[uint64]chan Event
	seq  atomic.Uint64
}

func (b *memBus) Publish(e Event) {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	// Snapshot subscribers so Publish never holds the lock across sends.
	b.mu.RLock()
	chs := make([]chan Event, 0, len(b.subs))
	for _, ch := range b.subs {
		chs = append(chs, ch)
	}
	b.mu.RUnlock()

	for _, ch := range chs {
		// Non-blocking delivery; slow subscribers drop. A concurrent
		// unsubscribe may close the channel, so recover the send panic.
		func() {
			defer func() { _ = recover() }()
			select {
			case ch <- e:
			default:
			}
		}()
	}
}

func (b *memBus) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 8
	}
	ch := make(chan Event, buffer)
	id := b.seq.Add(1)

	b.mu.Lock()
	b.subs[id] = ch
	b.mu.Unlock()

	var once sync.Once
	unsub := func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			b.mu.Unlock()
			close(ch)
		})
	}
	return ch, unsub
}
