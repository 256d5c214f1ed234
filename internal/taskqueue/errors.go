package taskqueue

import "errors"

var (
	ErrStopped   = errors.New("task queue stopped")
	ErrQueueFull = errors.New("task queue full")
)
