package storage

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/splendidbits/pushservices/internal/models"
)

// memoryStore keeps full entity snapshots in process memory. It honors the
// same identity-assignment and cascade semantics as the sqlite backend so
// the contract tests can run against both.
type memoryStore struct {
	mu     sync.Mutex
	closed bool
	nextID int64

	tasks map[int64]*models.Task
	loose map[int64]*models.Message // messages saved without a task
}

// NewMemory returns an empty in-memory store.
func NewMemory() Store {
	return &memoryStore{
		tasks: map[int64]*models.Task{},
		loose: map[int64]*models.Message{},
	}
}

func (s *memoryStore) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}

func (s *memoryStore) id() int64 {
	s.nextID++
	return s.nextID
}

func (s *memoryStore) assignMessageIDs(m *models.Message) {
	if m.ID == 0 {
		m.ID = s.id()
	}
	if m.Credentials != nil && m.Credentials.ID == 0 {
		m.Credentials.ID = s.id()
	}
	for _, r := range m.Recipients {
		r.MessageID = m.ID
		if r.ID == 0 {
			r.ID = s.id()
			if r.AddedAt.IsZero() {
				r.AddedAt = time.Now()
			}
		}
		if r.Failure != nil {
			if r.Failure.ID == 0 {
				r.Failure.ID = s.id()
			}
			if r.Failure.FailTime.IsZero() {
				r.Failure.FailTime = time.Now()
			}
		}
	}
}

func (s *memoryStore) SaveTask(ctx context.Context, task *models.Task) error {
	if task == nil {
		return errors.New("storage: task is nil")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}

	if task.ID == 0 {
		task.ID = s.id()
		if task.AddedAt.IsZero() {
			task.AddedAt = time.Now()
		}
	}
	for _, m := range task.Messages {
		m.TaskID = task.ID
		s.assignMessageIDs(m)
	}
	s.tasks[task.ID] = task.Snapshot()
	return nil
}

func (s *memoryStore) SaveMessage(ctx context.Context, message *models.Message) error {
	if message == nil {
		return errors.New("storage: message is nil")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}

	s.assignMessageIDs(message)
	snap := message.Snapshot()

	if t, ok := s.tasks[message.TaskID]; ok {
		replaced := false
		for i, m := range t.Messages {
			if m.ID == snap.ID {
				t.Messages[i] = snap
				replaced = true
				break
			}
		}
		if !replaced {
			t.Messages = append(t.Messages, snap)
		}
		return nil
	}
	s.loose[snap.ID] = snap
	return nil
}

func (s *memoryStore) FindTasksByName(ctx context.Context, name string) ([]*models.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}

	var out []*models.Task
	for _, t := range s.tasks {
		if t.Name == name {
			out = append(out, t.Snapshot())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *memoryStore) FetchPendingTasks(ctx context.Context) ([]*models.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}

	var out []*models.Task
	for _, t := range s.tasks {
		if taskHasPending(t) {
			out = append(out, t.Snapshot())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Priority != out[j].Priority {
			return out[i].Priority > out[j].Priority
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (s *memoryStore) FetchPendingMessages(ctx context.Context) ([]*models.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}

	type ranked struct {
		priority int
		msg      *models.Message
	}
	var all []ranked
	for _, t := range s.tasks {
		for _, m := range t.Messages {
			if !models.IsMessageComplete(m) {
				all = append(all, ranked{priority: t.Priority, msg: m.Snapshot()})
			}
		}
	}
	for _, m := range s.loose {
		if !models.IsMessageComplete(m) {
			all = append(all, ranked{priority: models.TaskPriorityLow, msg: m.Snapshot()})
		}
	}
	sort.Slice(all, func(i, j int) bool {
		if all[i].priority != all[j].priority {
			return all[i].priority > all[j].priority
		}
		return all[i].msg.ID > all[j].msg.ID
	})

	out := make([]*models.Message, 0, len(all))
	for _, r := range all {
		out = append(out, r.msg)
	}
	return out, nil
}

func (s *memoryStore) DeleteTask(ctx context.Context, taskID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	if _, ok := s.tasks[taskID]; !ok {
		return ErrNotFound
	}
	delete(s.tasks, taskID)
	return nil
}

func (s *memoryStore) WipeAll(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	s.tasks = map[int64]*models.Task{}
	s.loose = map[int64]*models.Message{}
	return nil
}

func taskHasPending(t *models.Task) bool {
	for _, m := range t.Messages {
		if !models.IsMessageComplete(m) {
			return true
		}
	}
	return false
}
