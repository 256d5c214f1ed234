package storage

import (
	"errors"
	"time"
)

var (
	// ErrNotFound is returned when a delete targets a missing task.
	ErrNotFound = errors.New("storage: not found")
	// ErrClosed is returned by operations on a closed store.
	ErrClosed = errors.New("storage: closed")
)

// Config configures storage.
//
// Driver values:
//   - "sqlite": SQLite database file
//   - "memory": process-local store (nothing survives a restart)
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
}
