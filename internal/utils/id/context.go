package id

import "context"

type contextKey string

const (
	sessionKey contextKey = "research_session_id"
	taskKey    contextKey = "research_task_id"
	requestKey contextKey = "research_request_id"
)

// WithSessionID stores the session identifier on the context.
func WithSessionID(ctx context.Context, sessionID string) context.Context {
	if sessionID == "" {
		return ctx
	}
	return context.WithValue(ctx, sessionKey, sessionID)
}

// SessionIDFromContext returns the session identifier stored on the context, if any.
func SessionIDFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(sessionKey).(string); ok {
		return v
	}
	return ""
}

// WithTaskID stores the task identifier on the context.
func WithTaskID(ctx context.Context, taskID string) context.Context {
	if taskID == "" {
		return ctx
	}
	return context.WithValue(ctx, taskKey, taskID)
}

// TaskIDFromContext returns the task identifier stored on the context, if any.
func TaskIDFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(taskKey).(string); ok {
		return v
	}
	return ""
}

// WithRequestID stores the LLM request identifier on the context.
func WithRequestID(ctx context.Context, requestID string) context.Context {
	if requestID == "" {
		return ctx
	}
	return context.WithValue(ctx, requestKey, requestID)
}

// RequestIDFromContext returns the request identifier stored on the context, if any.
func RequestIDFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(requestKey).(string); ok {
		return v
	}
	return ""
}
