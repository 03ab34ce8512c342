// Package task owns the volatile records for in-flight phase executions and
// the progress fan-out to subscribers. A Task lives only as long as its
// worker plus a short eviction grace; durable state belongs to the session
// store.
package task

import "time"

// Status is the lifecycle state of a task.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// IsTerminal reports whether the status is a final state.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	default:
		return false
	}
}

// FrameType identifies the kind of a progress frame.
type FrameType string

const (
	FrameConnection FrameType = "connection"
	FrameWaiting    FrameType = "waiting"
	FrameProgress   FrameType = "progress"
	FrameCompleted  FrameType = "completed"
	FrameError      FrameType = "error"
	FramePong       FrameType = "pong"
)

// Terminal reports whether a frame of this type ends the stream.
func (t FrameType) Terminal() bool {
	return t == FrameCompleted || t == FrameError
}

// ProgressFrame is the immutable message delivered to subscribers.
type ProgressFrame struct {
	Type      FrameType      `json:"type"`
	TaskID    string         `json:"task_id"`
	Timestamp time.Time      `json:"timestamp"`
	Data      map[string]any `json:"data,omitempty"`
}

// terminal reports whether the frame ends the stream: any terminal-typed
// frame, plus the cancelled progress frame published by Terminate.
func (f ProgressFrame) terminal() bool {
	if f.Type.Terminal() {
		return true
	}
	if f.Type != FrameProgress {
		return false
	}
	status, _ := f.Data["status"].(string)
	return Status(status) == StatusCancelled
}

// Task is the in-memory record for one active phase execution.
type Task struct {
	TaskID    string `json:"task_id"`
	SessionID string `json:"session_id,omitempty"`

	Status      Status `json:"status"`
	Progress    int    `json:"progress"`
	CurrentStep string `json:"current_step"`

	StartedAt           time.Time  `json:"started_at"`
	EstimatedCompletion *time.Time `json:"estimated_completion,omitempty"`

	TokensUsed        int `json:"tokens_used"`
	SourcesFound      int `json:"sources_found"`
	SearchQueriesMade int `json:"search_queries_made"`

	// Report accumulates the phase output for GET /research/report.
	Report string `json:"report,omitempty"`
	Error  string `json:"error,omitempty"`

	// CancelRequested is the cooperative cancellation flag; workers check it
	// at their suspension points.
	CancelRequested bool `json:"cancel_requested,omitempty"`
}

// Clone returns a copy safe to hand to readers.
func (t *Task) Clone() *Task {
	if t == nil {
		return nil
	}
	out := *t
	if t.EstimatedCompletion != nil {
		est := *t.EstimatedCompletion
		out.EstimatedCompletion = &est
	}
	return &out
}

// frameData projects the task onto the payload carried by progress frames.
func (t *Task) frameData() map[string]any {
	data := map[string]any{
		"status":              string(t.Status),
		"progress_percentage": t.Progress,
		"current_step":        t.CurrentStep,
		"tokens_used":         t.TokensUsed,
		"sources_found":       t.SourcesFound,
	}
	if t.EstimatedCompletion != nil {
		data["estimated_completion"] = t.EstimatedCompletion.Format(time.RFC3339)
	}
	if t.Error != "" {
		data["error"] = t.Error
	}
	return data
}
