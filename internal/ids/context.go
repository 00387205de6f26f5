package ids

import "context"

type contextKey string

const (
	taskKey    contextKey = "prism_task_id"
	sessionKey contextKey = "prism_session_id"
	userKey    contextKey = "prism_user_id"
	requestKey contextKey = "prism_request_id"
)

// WithTaskID stores the task identifier on the context.
func WithTaskID(ctx context.Context, taskID string) context.Context {
	if taskID == "" {
		return ctx
	}
	return context.WithValue(ctx, taskKey, taskID)
}

// WithSessionID stores the session identifier on the context.
func WithSessionID(ctx context.Context, sessionID string) context.Context {
	if sessionID == "" {
		return ctx
	}
	return context.WithValue(ctx, sessionKey, sessionID)
}

// WithUserID stores the user identifier on the context.
func WithUserID(ctx context.Context, userID string) context.Context {
	if userID == "" {
		return ctx
	}
	return context.WithValue(ctx, userKey, userID)
}

// WithRequestID stores the inbound request identifier on the context.
func WithRequestID(ctx context.Context, requestID string) context.Context {
	if requestID == "" {
		return ctx
	}
	return context.WithValue(ctx, requestKey, requestID)
}

// TaskIDFromContext extracts the task identifier, or "" when absent.
func TaskIDFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	if taskID, ok := ctx.Value(taskKey).(string); ok {
		return taskID
	}
	return ""
}

// SessionIDFromContext extracts the session identifier, or "" when absent.
func SessionIDFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	if sessionID, ok := ctx.Value(sessionKey).(string); ok {
		return sessionID
	}
	return ""
}

// UserIDFromContext extracts the user identifier, or "" when absent.
func UserIDFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	if userID, ok := ctx.Value(userKey).(string); ok {
		return userID
	}
	return ""
}

// RequestIDFromContext extracts the request identifier, or "" when absent.
func RequestIDFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	if requestID, ok := ctx.Value(requestKey).(string); ok {
		return requestID
	}
	return ""
}

// EnsureTaskID guarantees a task identifier is present on the context.
func EnsureTaskID(ctx context.Context) (context.Context, string) {
	if existing := TaskIDFromContext(ctx); existing != "" {
		return ctx, existing
	}
	next := NewTaskID()
	return WithTaskID(ctx, next), next
}
