package types

import "context"

type contextKey string

const requestIDKey contextKey = "request_id"

// WithRequestID stores a correlation ID in the context. The scheduler uses the
// tick ID; the webhook entry point uses the API Gateway request ID.
func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, requestIDKey, id)
}

// GetRequestID retrieves the correlation ID from the context.
func GetRequestID(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey).(string)
	return id
}
