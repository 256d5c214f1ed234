// Package config loads and hot-reloads the service configuration from a
// JSON or YAML file. Decoding is strict: unknown keys are rejected so
// typos surface at load time instead of silently defaulting.
package config

import "time"

type Config struct {
	Logging LoggingConfig `json:"logging"`
	Storage StorageConfig `json:"storage"`
	Queue   QueueConfig   `json:"queue"`
	GCM     GCMConfig     `json:"gcm,omitempty"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// StorageConfig selects the persistence backend.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./pushservices.db" }
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // Go duration string (sqlite)
}

// QueueConfig tunes the delivery pipeline.
//
// All durations are Go duration strings (e.g. "500ms", "1m").
type QueueConfig struct {
	QueueSize  int    `json:"queue_size,omitempty"`
	Throttle   string `json:"throttle,omitempty"`
	SweepEvery string `json:"sweep_every,omitempty"`
}

// GCMConfig tunes the provider dispatcher. Endpoint overrides the
// platform URL, mostly for staging environments.
type GCMConfig struct {
	Endpoint    string `json:"endpoint,omitempty"`
	Timeout     string `json:"timeout,omitempty"`
	Concurrency int    `json:"concurrency,omitempty"`
}

// Durations resolves the queue duration strings against defaults.
func (q QueueConfig) Durations() (throttle, sweep time.Duration, err error) {
	throttle, err = ParseDurationOrDefault("queue.throttle", q.Throttle, 500*time.Millisecond)
	if err != nil {
		return 0, 0, err
	}
	sweep, err = ParseDurationOrDefault("queue.sweep_every", q.SweepEvery, time.Minute)
	if err != nil {
		return 0, 0, err
	}
	return throttle, sweep, nil
}
