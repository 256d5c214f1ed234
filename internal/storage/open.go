package storage

import (
	"context"
	"errors"
	"strings"

	"github.com/splendidbits/pushservices/internal/models"
	"github.com/splendidbits/pushservices/pkg/logx"
)

// Store is the persistence API consumed by the task queue.
//
// SaveTask and SaveMessage assign identities to entities that do not have
// one yet, and write the full subtree atomically. Pending fetches return
// entities with at least one recipient in a pending state, ordered by
// descending task priority.
type Store interface {
	SaveTask(ctx context.Context, task *models.Task) error
	SaveMessage(ctx context.Context, message *models.Message) error
	FindTasksByName(ctx context.Context, name string) ([]*models.Task, error)
	FetchPendingTasks(ctx context.Context) ([]*models.Task, error)
	FetchPendingMessages(ctx context.Context) ([]*models.Message, error)
	DeleteTask(ctx context.Context, taskID int64) error
	WipeAll(ctx context.Context) error
	Close() error
}

// Open initializes the configured store.
func Open(cfg Config, log logx.Logger) (Store, error) {
	if log.IsZero() {
		log = logx.Nop()
	}

	switch strings.ToLower(strings.TrimSpace(cfg.Driver)) {
	case "", "sqlite", "sqlite3":
		return openSQLite(cfg, log)
	case "memory":
		return NewMemory(), nil
	default:
		return nil, errors.New("unknown storage driver: " + cfg.Driver)
	}
}
