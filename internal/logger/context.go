package logger

import "context"

// ctxKey keys the values this package stores in a context.
type ctxKey int

const requestIDKey ctxKey = iota

// WithRequestID stores the request ID engramd assigned to this request.
func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, requestIDKey, id)
}

// RequestID returns the request ID carried by ctx, or "" when none is set.
func RequestID(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey).(string)
	return id
}
