// Package id produces the prefixed identifiers used for sessions, tasks, and
// LLM requests, and propagates them through context.
package id

import (
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// NewSessionID generates a new session identifier with a stable prefix for display.
func NewSessionID() string {
	return newIdentifier("session")
}

// NewTaskID generates a new task identifier with a stable prefix for display.
func NewTaskID() string {
	return newIdentifier("task")
}

// NewRequestID generates an identifier correlating one LLM call across log lines.
func NewRequestID() string {
	return newIdentifier("req")
}

func newIdentifier(prefix string) string {
	raw := strings.ReplaceAll(uuid.NewString(), "-", "")
	return fmt.Sprintf("%s-%s", prefix, raw[:20])
}
