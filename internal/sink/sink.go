package sink

import (
	"context"
	"errors"
	"os"
	"strconv"
	"strings"

	"github.com/shortontech/previewguard/internal/event"
)

// ErrNotStarted is returned by Enqueue before Start has connected the sink.
var ErrNotStarted = errors.New("sink not started")

// Sink persists audit records (security events and incidents).
type Sink interface {
	Start(ctx context.Context) error
	Enqueue(r event.Record) error
	Close() error
	Name() string // Returns the sink name for metrics and logging
}

// envelope is the ndjson / NATS wire form: the record tagged with its kind.
type envelope struct {
	Kind string       `json:"kind"`
	Data event.Record `json:"data"`
}

// Helper functions
func getEnvOr(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getBoolEnv(key string, defaultValue bool) bool {
	value := strings.ToLower(strings.TrimSpace(os.Getenv(key)))
	switch value {
	case "1", "t", "true", "y", "yes":
		return true
	case "0", "f", "false", "n", "no":
		return false
	}
	return defaultValue
}

func getIntEnv(key string, defaultValue int) int {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	n, err := strconv.Atoi(value)
	if err != nil {
		return defaultValue
	}
	return n
}
